package transport

import (
	"context"
	"net"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

const defaultDNSTimeout = 2 * time.Second

var ErrNoRecords = errors.New("no A records")

// AddrResolver turns a registrar host into a UDP destination.
type AddrResolver interface {
	Resolve(ctx context.Context, host string, port int) (*net.UDPAddr, error)
}

// Resolver resolves hosts to IPv4 addresses. With NameServer set it queries
// that server directly, otherwise the system resolver is used.
type Resolver struct {
	// NameServer is "host" or "host:port", e.g. "8.8.8.8".
	NameServer string
	Timeout    time.Duration

	log log.Logger
}

func NewResolver(nameServer string, logger log.Logger) *Resolver {
	return &Resolver{
		NameServer: nameServer,
		Timeout:    defaultDNSTimeout,
		log:        logger.WithPrefix("transport.Resolver"),
	}
}

func (r *Resolver) Resolve(ctx context.Context, host string, port int) (*net.UDPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: port}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	var (
		ips []net.IP
		err error
	)
	if r.NameServer == "" {
		ips, err = net.DefaultResolver.LookupIP(ctx, "ip4", host)
	} else {
		ips, err = r.lookupA(ctx, host)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", host)
	}
	if len(ips) == 0 {
		return nil, errors.Wrapf(ErrNoRecords, "resolve %s", host)
	}
	r.log.Debugf("%s => %s", host, ips[0])
	return &net.UDPAddr{IP: ips[0], Port: port}, nil
}

func (r *Resolver) lookupA(ctx context.Context, host string) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	client := &dns.Client{Net: "udp", Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, r.nameserver())
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		}
	}

	var ips []net.IP
	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.To4())
		}
	}
	return ips, nil
}

func (r *Resolver) nameserver() string {
	if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
		return net.JoinHostPort(r.NameServer, "53")
	}
	return r.NameServer
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return defaultDNSTimeout
}
