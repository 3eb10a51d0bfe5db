package ua

import (
	"context"
	"net"

	"github.com/cloudwebrtc/go-sip-intercom/pkg/account"
	"github.com/cloudwebrtc/go-sip-intercom/pkg/notify"
	"github.com/cloudwebrtc/go-sip-intercom/pkg/sipmsg"
	"github.com/cloudwebrtc/go-sip-intercom/pkg/stats"
	"github.com/cloudwebrtc/go-sip-intercom/pkg/transport"
	"github.com/ghettovoice/gosip/log"
	"github.com/pkg/errors"
)

type UserAgentConfig struct {
	UserAgent string
	Identity  *account.Identity
	Transport transport.Sender
	Provider  account.CredentialProvider
	Notifier  notify.Notifier
	// Monitor may be nil.
	Monitor *stats.Monitor
	// Extra headers added to REGISTER and OPTIONS responses.
	Extra []sipmsg.Header

	Register  RegisterConfig
	Responder ResponderConfig

	OnRegisterState RegisterHandler
}

// UserAgent dispatches inbound datagrams: responses go to the registration
// state machine, requests to the responder.
type UserAgent struct {
	config    *UserAgentConfig
	session   *Session
	register  *Register
	responder *Responder
	monitor   *stats.Monitor
	log       log.Logger
}

//NewUserAgent .
func NewUserAgent(config *UserAgentConfig, logger log.Logger) *UserAgent {
	session := NewSession(config.Identity, config.UserAgent, config.Transport, logger)
	session.Extra = config.Extra

	ua := &UserAgent{
		config:    config,
		session:   session,
		register:  NewRegister(session, config.Provider, config.Register, config.Monitor, logger),
		responder: NewResponder(session, config.Notifier, config.Responder, config.Monitor, logger),
		monitor:   config.Monitor,
		log:       logger.WithPrefix("UserAgent"),
	}
	ua.register.SetStateHandler(config.OnRegisterState)
	return ua
}

func (ua *UserAgent) Session() *Session {
	return ua.session
}

func (ua *UserAgent) RegisterState() State {
	return ua.register.State()
}

// HandleMessage classifies one inbound datagram by its first line. It is the
// transport.PacketHandler of the UA.
func (ua *UserAgent) HandleMessage(data []byte, raddr *net.UDPAddr) {
	ua.log.Debugf("<<< SIP <<< %s\n%s", raddr, data)

	sl, ok := sipmsg.ParseStartLine(data)
	if !ok {
		ua.log.Warnf("drop unrecognized datagram from %s", raddr)
		ua.monitor.Dropped("unparsable")
		return
	}
	if sl.IsResponse {
		ua.register.HandleResponse(data)
		return
	}
	ua.responder.HandleRequest(sl.Method, data, raddr)
}

// Run fetches the initial credentials and starts registering. It returns nil
// when ctx is done, or the error that made the UA unable to continue.
func (ua *UserAgent) Run(ctx context.Context) error {
	identity := ua.session.Identity
	ua.log.Infof("device %s at %s", identity.DeviceID, identity.HostPort())

	creds, err := ua.config.Provider.FetchCredentials(ctx, identity.DeviceID)
	if err != nil {
		return errors.Wrap(err, "fetch credentials")
	}
	ua.session.SetCredentials(creds)
	ua.log.Infof("credentials => %v", creds)

	ua.register.Start()

	select {
	case <-ctx.Done():
		return nil
	case err := <-ua.register.Fatal():
		return err
	}
}

// Shutdown stops registration and abandons pending calls. Safe to call once
// Run has returned.
func (ua *UserAgent) Shutdown() {
	ua.register.Stop()
	ua.responder.Stop()
	ua.log.Infof("stopped")
}
