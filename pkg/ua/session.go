package ua

import (
	"net"
	"sync"
	"time"

	"github.com/cloudwebrtc/go-sip-intercom/pkg/account"
	"github.com/cloudwebrtc/go-sip-intercom/pkg/sipmsg"
	"github.com/cloudwebrtc/go-sip-intercom/pkg/transport"
	"github.com/ghettovoice/gosip/log"
)

// Timer is a pending scheduled callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc is the production
// implementation.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Session is the process-wide context shared by the registration state
// machine and the responder: who we are, the current credentials and the
// socket everything is sent from.
type Session struct {
	Identity  *account.Identity
	UserAgent string
	// Extra headers added to REGISTER and OPTIONS responses.
	Extra []sipmsg.Header

	sender transport.Sender
	log    log.Logger

	mu    sync.RWMutex
	creds *account.Credentials
}

func NewSession(identity *account.Identity, userAgent string, sender transport.Sender, logger log.Logger) *Session {
	return &Session{
		Identity:  identity,
		UserAgent: userAgent,
		sender:    sender,
		log:       logger.WithPrefix("ua.Session"),
	}
}

// Credentials returns the current credential set, nil before the first
// fetch. The returned value is never mutated.
func (s *Session) Credentials() *account.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// SetCredentials replaces the credential set wholesale.
func (s *Session) SetCredentials(creds *account.Credentials) {
	c := *creds
	s.mu.Lock()
	s.creds = &c
	s.mu.Unlock()
}

func (s *Session) userAgentHeader() sipmsg.Header {
	return sipmsg.Header{Name: "User-Agent", Value: s.UserAgent}
}

// Send writes one message to raddr. Failures are logged and returned; no
// caller retries them.
func (s *Session) Send(msg []byte, raddr *net.UDPAddr) error {
	s.log.Debugf(">>> SIP >>> %s\n%s", raddr, msg)
	if err := s.sender.Send(msg, raddr); err != nil {
		s.log.Errorf("send to %s failed: %v", raddr, err)
		return err
	}
	return nil
}
