package ua

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cloudwebrtc/go-sip-intercom/pkg/account"
	"github.com/cloudwebrtc/go-sip-intercom/pkg/auth"
	"github.com/cloudwebrtc/go-sip-intercom/pkg/sipmsg"
	"github.com/cloudwebrtc/go-sip-intercom/pkg/stats"
	"github.com/cloudwebrtc/go-sip-intercom/pkg/transport"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/qmuntal/stateless"
)

// State is a registration state.
type State string

const (
	Unregistered   State = "Unregistered"
	Probing        State = "Probing"
	Authenticating State = "Authenticating"
	Registered     State = "Registered"
	Reregistering  State = "Reregistering"
	Recovering     State = "Recovering"
)

type trigger string

const (
	triggerStart     trigger = "start"
	triggerChallenge trigger = "challenge"
	triggerAccept    trigger = "accept"
	triggerRefresh   trigger = "refresh"
	triggerReject    trigger = "reject"
	triggerReset     trigger = "reset"
	triggerRetry     trigger = "retry"
)

const (
	// Same nonce seen this many times in a row means the credentials are bad.
	maxAuthFailures      = 2
	DefaultMaxChallenges = 4
	DefaultRetryInterval = 30 * time.Second
	probeFollowUpDelay   = 250 * time.Millisecond
	refreshMargin        = 5 * time.Second
)

// RegisterState is reported on every state transition.
type RegisterState struct {
	State   State
	CallID  string
	CSeq    uint32
	Expires uint32
}

// RegisterHandler observes registration transitions. It runs with the
// register lock held and must not call back into Register.
type RegisterHandler func(state RegisterState)

type RegisterConfig struct {
	// Expires is the requested registration lifetime in seconds.
	Expires       uint32
	RecoveryDelay time.Duration
	RegistrarPort int
	// MaxChallenges bounds the 401s answered without an intervening 2xx.
	MaxChallenges int
	// RetryInterval is how long a REGISTER may stay unanswered before the
	// cycle starts over.
	RetryInterval time.Duration
	// Resolver finds the registrar from the realm. The system resolver is
	// used when nil.
	Resolver transport.AddrResolver
}

// Register drives the REGISTER/401/403 handshake for one device: probe,
// authenticate, refresh before expiry, and re-fetch credentials when the
// registrar rejects them.
type Register struct {
	session  *Session
	provider account.CredentialProvider
	config   RegisterConfig
	monitor  *stats.Monitor
	handler  RegisterHandler
	log      log.Logger

	afterFunc AfterFunc
	sleep     func(ctx context.Context, d time.Duration) error
	resolve   func(host string) (*net.UDPAddr, error)

	ctx    context.Context
	cancel context.CancelFunc
	fatal  chan error
	wg     sync.WaitGroup

	mu          sync.Mutex
	sm          *stateless.StateMachine
	callID      string
	cseq        uint32
	granted     uint32
	authFailure int
	lastNonce   string
	challenges  int
	timer       Timer
	timerGen    uint64

	// registrar is looked up outside mu and reused by every send for the
	// same realm.
	registrar     *net.UDPAddr
	registrarHost string
}

func NewRegister(session *Session, provider account.CredentialProvider, config RegisterConfig, monitor *stats.Monitor, logger log.Logger) *Register {
	if config.MaxChallenges <= 0 {
		config.MaxChallenges = DefaultMaxChallenges
	}
	if config.RegistrarPort <= 0 {
		config.RegistrarPort = 5060
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	r := &Register{
		session:   session,
		provider:  provider,
		config:    config,
		monitor:   monitor,
		log:       logger.WithPrefix("ua.Register"),
		afterFunc: realAfterFunc,
		sleep:     sleepContext,
		fatal:     make(chan error, 1),
	}
	if config.Resolver == nil {
		r.config.Resolver = transport.NewResolver("", logger)
	}
	r.resolve = func(host string) (*net.UDPAddr, error) {
		return r.config.Resolver.Resolve(r.ctx, host, r.config.RegistrarPort)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.sm = r.newStateMachine()
	return r
}

func (r *Register) newStateMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(Unregistered)

	sm.Configure(Unregistered).
		Permit(triggerStart, Probing)

	sm.Configure(Probing).
		Permit(triggerChallenge, Authenticating).
		Permit(triggerAccept, Registered).
		Permit(triggerReject, Recovering).
		Permit(triggerRetry, Unregistered)

	sm.Configure(Authenticating).
		PermitReentry(triggerChallenge).
		Permit(triggerAccept, Registered).
		Permit(triggerReject, Recovering).
		Permit(triggerRetry, Unregistered)

	sm.Configure(Registered).
		Permit(triggerRefresh, Reregistering).
		Permit(triggerChallenge, Authenticating).
		Permit(triggerReject, Recovering)

	sm.Configure(Reregistering).
		Permit(triggerChallenge, Authenticating).
		Permit(triggerAccept, Registered).
		Permit(triggerReject, Recovering).
		Permit(triggerRetry, Unregistered)

	sm.Configure(Recovering).
		Permit(triggerReset, Unregistered)

	sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		r.log.Debugf("state %v -> %v (%v)", t.Source, t.Destination, t.Trigger)
		if r.handler != nil {
			r.handler(RegisterState{
				State:   t.Destination.(State),
				CallID:  r.callID,
				CSeq:    r.cseq,
				Expires: r.expires(),
			})
		}
	})
	return sm
}

// SetStateHandler installs the transition observer. Call before Start.
func (r *Register) SetStateHandler(h RegisterHandler) {
	r.handler = h
}

// State returns the current registration state.
func (r *Register) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sm.MustState().(State)
}

// Fatal delivers the error that ends the process, such as a failed credential
// re-fetch.
func (r *Register) Fatal() <-chan error {
	return r.fatal
}

// Start begins the first registration cycle. Credentials must already be set
// on the session.
func (r *Register) Start() {
	r.lookupRegistrar()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.begin()
}

// Stop cancels the pending timer and any recovery in progress.
func (r *Register) Stop() {
	r.cancel()
	r.mu.Lock()
	r.cancelTimer()
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Register) fire(t trigger) error {
	return r.sm.Fire(t)
}

// begin resets the cycle and sends the unauthenticated probe. Caller holds mu.
func (r *Register) begin() {
	if st := r.sm.MustState(); st != Unregistered {
		r.log.Warnf("cannot start registration in %v", st)
		return
	}
	r.callID = uuid.NewString()
	r.cseq = 1
	r.granted = 0
	r.authFailure = 0
	r.lastNonce = ""
	r.challenges = 0
	r.cancelTimer()
	_ = r.fire(triggerStart)

	r.log.Infof("new registration cycle, call-id => %s", r.callID)
	_ = r.sendRegister("")
}

func (r *Register) expires() uint32 {
	if r.granted > 0 {
		return r.granted
	}
	return r.config.Expires
}

// sendRegister sends the current REGISTER and arms the retry timer, whether
// or not the send went out. A response replaces the timer. Caller holds mu.
func (r *Register) sendRegister(authorization string) error {
	defer r.arm(r.config.RetryInterval)

	creds := r.session.Credentials()
	if creds == nil {
		r.log.Errorf("no credentials, REGISTER not sent")
		return errors.New("no credentials")
	}

	msg := sipmsg.BuildRegister(&sipmsg.RegisterParams{
		Identity:      r.session.Identity,
		Credentials:   creds,
		CallID:        r.callID,
		CSeq:          r.cseq,
		Expires:       r.config.Expires,
		Authorization: authorization,
		UserAgent:     r.session.UserAgent,
		Extra:         r.session.Extra,
	})

	if r.registrar == nil || r.registrarHost != creds.Realm {
		r.log.Errorf("registrar %s unresolved, REGISTER cseq %d not sent", creds.Realm, r.cseq)
		return errors.Errorf("registrar %s unresolved", creds.Realm)
	}
	return r.session.Send(msg, r.registrar)
}

// lookupRegistrar resolves the registrar for the current realm. It must be
// called without mu held. On failure an address cached for the same realm is
// kept.
func (r *Register) lookupRegistrar() {
	creds := r.session.Credentials()
	if creds == nil {
		return
	}
	addr, err := r.resolve(creds.Realm)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.log.Errorf("resolve registrar %s: %v", creds.Realm, err)
		if r.registrarHost != creds.Realm {
			r.registrar = nil
		}
		return
	}
	r.registrar, r.registrarHost = addr, creds.Realm
}

// HandleResponse processes a response from the registrar.
func (r *Register) HandleResponse(data []byte) {
	res, err := sipmsg.ParseRegisterResponse(data, r.log)
	if err != nil {
		r.log.Warnf("drop unparsable response: %v", err)
		r.monitor.Dropped("unparsable")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	logger := r.log.WithFields(log.Fields{
		"call_id": res.CallID,
		"cseq":    res.CSeq,
	})

	if res.Method != sip.REGISTER {
		logger.Debugf("drop response to %s", res.Method)
		r.monitor.Dropped("not_register")
		return
	}
	if res.CallID != r.callID || res.CSeq != r.cseq {
		logger.Debugf("drop stale response %v, current cseq %d", res, r.cseq)
		r.monitor.Dropped("stale")
		return
	}

	r.monitor.RegisterResponse(strconv.Itoa(int(res.StatusCode)))
	logger.Infof("%s resp => %v", sip.REGISTER, res)

	switch code := res.StatusCode; {
	case code == 401:
		r.handleChallenge(res)
	case code == 403:
		if err := r.fire(triggerReject); err != nil {
			logger.Debugf("ignore 403: %v", err)
			return
		}
		r.startRecovery("403 forbidden")
	case code >= 200 && code < 300:
		r.handleAccepted(res)
	case code < 200:
	default:
		logger.Errorf("registration failed: %v", res)
	}
}

func (r *Register) handleChallenge(res *sipmsg.RegisterResponse) {
	chal, err := auth.ParseChallenge(res.Challenge)
	if err != nil {
		r.log.Warnf("drop 401: %v", err)
		r.monitor.Dropped("bad_challenge")
		return
	}
	if err := r.fire(triggerChallenge); err != nil {
		r.log.Debugf("ignore 401: %v", err)
		return
	}

	if chal.Nonce == r.lastNonce {
		r.authFailure++
	} else {
		r.authFailure = 1
		r.lastNonce = chal.Nonce
	}
	r.challenges++

	switch {
	case r.authFailure >= maxAuthFailures:
		_ = r.fire(triggerReject)
		r.startRecovery("invalid credentials")
		return
	case r.challenges > r.config.MaxChallenges:
		_ = r.fire(triggerReject)
		r.startRecovery("too many challenges")
		return
	}

	creds := r.session.Credentials()
	if creds == nil {
		r.log.Errorf("no credentials to answer challenge")
		r.arm(r.config.RetryInterval)
		return
	}
	authorization := auth.NewAuthorization(creds, chal.Realm, chal.Nonce, creds.Realm)
	r.cseq++
	_ = r.sendRegister(authorization.String())
}

func (r *Register) handleAccepted(res *sipmsg.RegisterResponse) {
	if err := r.fire(triggerAccept); err != nil {
		r.log.Debugf("ignore %d: %v", res.StatusCode, err)
		return
	}
	r.authFailure = 0
	r.lastNonce = ""
	r.challenges = 0
	if res.Expires > 0 {
		r.granted = res.Expires
	}
	r.monitor.SetRegistered(true)

	if res.CSeq == 1 {
		r.arm(probeFollowUpDelay)
		return
	}
	r.arm(refreshDelay(r.expires()))
}

func refreshDelay(expires uint32) time.Duration {
	d := time.Duration(expires)*time.Second - refreshMargin
	if d < time.Second {
		return time.Second
	}
	return d
}

// arm replaces the pending timer. Caller holds mu.
func (r *Register) arm(d time.Duration) {
	r.cancelTimer()
	if r.ctx.Err() != nil {
		return
	}
	gen := r.timerGen
	r.log.Debugf("next REGISTER in %v", d)
	r.timer = r.afterFunc(d, func() { r.onTimer(gen) })
}

// cancelTimer stops the pending timer and invalidates a callback that may
// already be waiting on mu. Caller holds mu.
func (r *Register) cancelTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
}

// onTimer refreshes a registration, or starts the cycle over when the last
// REGISTER got no answer.
func (r *Register) onTimer(gen uint64) {
	r.lookupRegistrar()

	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.timerGen || r.timer == nil {
		return
	}
	r.timer = nil

	switch st := r.sm.MustState(); st {
	case Registered:
		if err := r.fire(triggerRefresh); err != nil {
			r.log.Debugf("refresh in %v: %v", st, err)
			return
		}
		r.cseq++
		_ = r.sendRegister("")
	case Probing, Authenticating, Reregistering:
		r.log.Warnf("no answer to REGISTER cseq %d in %v, starting over", r.cseq, r.config.RetryInterval)
		r.monitor.Retry()
		if err := r.fire(triggerRetry); err != nil {
			r.log.Debugf("retry in %v: %v", st, err)
			return
		}
		r.monitor.SetRegistered(false)
		r.begin()
	default:
		r.log.Debugf("timer fired in %v", st)
	}
}

// startRecovery runs the credential re-fetch in the background. The state
// machine is already in Recovering, so further responses are ignored until
// the new cycle starts. Caller holds mu.
func (r *Register) startRecovery(reason string) {
	r.cancelTimer()
	r.monitor.Recovery()
	r.monitor.SetRegistered(false)
	r.log.Errorf("Auth failure (%s) -> re-fetch credentials in %v", reason, r.config.RecoveryDelay)

	r.wg.Add(1)
	go r.recover()
}

func (r *Register) recover() {
	defer r.wg.Done()

	if err := r.sleep(r.ctx, r.config.RecoveryDelay); err != nil {
		return
	}

	creds, err := r.provider.FetchCredentials(r.ctx, r.session.Identity.DeviceID)
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.fail(errors.Wrap(err, "re-fetch credentials"))
		return
	}
	r.session.SetCredentials(creds)
	r.log.Infof("credentials refreshed => %v", creds)
	r.lookupRegistrar()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return
	}
	if err := r.fire(triggerReset); err != nil {
		r.log.Warnf("reset after recovery: %v", err)
		return
	}
	r.begin()
}

func (r *Register) fail(err error) {
	r.log.Errorf("fatal: %v", err)
	select {
	case r.fatal <- err:
	default:
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
