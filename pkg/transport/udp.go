package transport

import (
	"net"

	"github.com/ghettovoice/gosip/log"
	"github.com/pkg/errors"
	"github.com/tevino/abool"
)

const (
	DefaultPort = 5060
	bufferSize  = 65535
)

// PacketHandler receives every inbound datagram with its source address.
// The payload is only valid for the duration of the call.
type PacketHandler func(pkt []byte, raddr *net.UDPAddr)

// Sender sends a single datagram.
type Sender interface {
	Send(pkt []byte, raddr *net.UDPAddr) error
}

// UDP is the one socket every SIP message goes in and out of.
type UDP struct {
	conn   *net.UDPConn
	closed *abool.AtomicBool
	log    log.Logger
}

// Listen binds a UDP socket on addr ("host:port", ":5060" or ":0").
func Listen(addr string, logger log.Logger) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	t := &UDP{
		conn:   conn,
		closed: abool.New(),
		log:    logger.WithPrefix("transport.UDP"),
	}
	t.log.Infof("listening on %s", conn.LocalAddr())
	return t, nil
}

func (t *UDP) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *UDP) Send(pkt []byte, raddr *net.UDPAddr) error {
	if t.closed.IsSet() {
		return net.ErrClosed
	}
	if _, err := t.conn.WriteToUDP(pkt, raddr); err != nil {
		return errors.Wrapf(err, "send to %s", raddr)
	}
	return nil
}

// Serve reads datagrams until Close is called. It returns nil after Close and
// the read error otherwise.
func (t *UDP) Serve(handler PacketHandler) error {
	buf := make([]byte, bufferSize)
	for {
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.IsSet() {
				t.log.Infof("Terminate: stop udp conn now!")
				return nil
			}
			return errors.Wrap(err, "read udp")
		}

		t.log.Debugf("Read from: %v, length: %d", raddr, n)
		handler(buf[:n], raddr)
	}
}

func (t *UDP) Close() error {
	if !t.closed.SetToIf(false, true) {
		return nil
	}
	return t.conn.Close()
}
