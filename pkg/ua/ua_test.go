package ua

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwebrtc/go-sip-intercom/pkg/account"
	"github.com/cloudwebrtc/go-sip-intercom/pkg/notify"
	"github.com/cloudwebrtc/go-sip-intercom/pkg/stats"
	"github.com/ghettovoice/gosip/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"go.uber.org/goleak"
)

var logger *log.LogrusLogger

func init() {
	logrusNew := logrus.New()
	logrusNew.Formatter = &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		ForceFormatting: true,
	}
	logrusNew.SetLevel(logrus.DebugLevel)
	logger = log.NewLogrusLogger(logrusNew, "ua_test", nil)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	registrarAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5060}
	doorAddr      = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 5062}
	testCreds     = &account.Credentials{Login: "u1", Password: "p1", Realm: "sip.example.com"}
)

type sentPacket struct {
	data  string
	raddr *net.UDPAddr
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentPacket
	// err fails every send while set; failed packets are not recorded.
	err error
}

func (s *fakeSender) Send(pkt []byte, raddr *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentPacket{data: string(pkt), raddr: raddr})
	return nil
}

func (s *fakeSender) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSender) packets() []sentPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentPacket(nil), s.sent...)
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSender) last() sentPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

type fakeProvider struct {
	mu    sync.Mutex
	creds []*account.Credentials
	// failFrom is the first call number that fails, 0 never.
	failFrom int
	calls    int
	ids      []string
}

func (p *fakeProvider) FetchCredentials(_ context.Context, deviceID string) (*account.Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.ids = append(p.ids, deviceID)
	if p.failFrom > 0 && p.calls >= p.failFrom {
		return nil, errors.New("account service unavailable")
	}
	i := p.calls - 1
	if i >= len(p.creds) {
		i = len(p.creds) - 1
	}
	return p.creds[i], nil
}

func (p *fakeProvider) deviceIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*notify.Event
}

func (n *fakeNotifier) Notify(ev *notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *fakeNotifier) all() []*notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*notify.Event(nil), n.events...)
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// fire runs the callback the way time.AfterFunc would, unless stopped.
func (t *fakeTimer) fire() {
	t.clock.mu.Lock()
	stopped := t.stopped
	t.stopped = true
	t.clock.mu.Unlock()
	if !stopped {
		t.f()
	}
}

func (t *fakeTimer) isStopped() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.stopped
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) all() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

type harness struct {
	ua       *UserAgent
	sender   *fakeSender
	provider *fakeProvider
	notifier *fakeNotifier
	clock    *fakeClock
	monitor  *stats.Monitor
	identity *account.Identity

	// release unblocks the recovery cooldown.
	release chan struct{}

	mu         sync.Mutex
	resolved   []string
	resolveErr error
	slept      []time.Duration

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, mutate func(c *UserAgentConfig)) *harness {
	t.Helper()
	h := &harness{
		sender:   &fakeSender{},
		provider: &fakeProvider{creds: []*account.Credentials{testCreds}},
		notifier: &fakeNotifier{},
		clock:    &fakeClock{},
		monitor:  stats.NewMonitor(),
		identity: account.NewIdentity(net.ParseIP("10.0.0.5"), 5060),
		release:  make(chan struct{}),
	}
	config := &UserAgentConfig{
		UserAgent: "intercom-test/1.0",
		Identity:  h.identity,
		Transport: h.sender,
		Provider:  h.provider,
		Notifier:  h.notifier,
		Monitor:   h.monitor,
		Register: RegisterConfig{
			Expires:       120,
			RecoveryDelay: 30 * time.Second,
			RegistrarPort: 5060,
		},
		Responder: ResponderConfig{
			TryingDelay:  25 * time.Millisecond,
			RingingDelay: 150 * time.Millisecond,
			BusyDelay:    25 * time.Second,
		},
	}
	if mutate != nil {
		mutate(config)
	}

	h.ua = NewUserAgent(config, logger)
	h.ua.register.afterFunc = h.clock.AfterFunc
	h.ua.responder.afterFunc = h.clock.AfterFunc
	h.ua.register.resolve = func(host string) (*net.UDPAddr, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.resolved = append(h.resolved, host)
		if h.resolveErr != nil {
			return nil, h.resolveErr
		}
		return registrarAddr, nil
	}
	h.ua.register.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.slept = append(h.slept, d)
		h.mu.Unlock()
		select {
		case <-h.release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return h
}

// run starts the UA and waits until the first REGISTER attempt armed a timer.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() {
		h.done <- h.ua.Run(ctx)
	}()
	require.Eventually(t, func() bool { return h.clock.last() != nil }, 2*time.Second, 5*time.Millisecond)
}

// start runs the UA and waits for the probe REGISTER.
func (h *harness) start(t *testing.T) {
	t.Helper()
	h.run(t)
	require.Equal(t, 1, h.sender.count())
}

func (h *harness) failResolve(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolveErr = err
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if h.cancel != nil {
		h.cancel()
		select {
		case err := <-h.done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
	}
	h.ua.Shutdown()
}

func (h *harness) resolvedHosts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.resolved...)
}

func (h *harness) sleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.slept...)
}

// header returns the value of the first header line called name.
func header(msg, name string) string {
	for _, line := range strings.Split(msg, "\r\n")[1:] {
		if line == "" {
			break
		}
		if strings.HasPrefix(line, name+":") {
			return strings.TrimSpace(line[len(name)+1:])
		}
	}
	return ""
}

func firstLine(msg string) string {
	return strings.SplitN(msg, "\r\n", 2)[0]
}

func registerResponse(code int, reason, callID string, cseq uint32, extra ...string) []byte {
	lines := []string{
		fmt.Sprintf("SIP/2.0 %d %s", code, reason),
		"Via: SIP/2.0/UDP 10.0.0.5:5060;branch=z9hG4bK776asdhds;rport=5060",
		"From: <sip:u1@sip.example.com>;tag=a1b2c3d4",
		"To: <sip:u1@sip.example.com>;tag=srv1",
		"Call-ID: " + callID,
		fmt.Sprintf("CSeq: %d REGISTER", cseq),
	}
	lines = append(lines, extra...)
	lines = append(lines, "Content-Length: 0", "", "")
	return []byte(strings.Join(lines, "\r\n"))
}

func challenge(nonce string) string {
	return fmt.Sprintf(`WWW-Authenticate: Digest realm="sip.example.com", nonce="%s", algorithm=MD5`, nonce)
}

func TestHandleMessageDropsGarbage(t *testing.T) {
	h := newHarness(t, nil)
	defer h.stop(t)

	h.ua.HandleMessage([]byte("hello world\r\n\r\n"), doorAddr)
	h.ua.HandleMessage(nil, doorAddr)

	assert.Zero(t, h.sender.count())
	assert.Empty(t, h.notifier.all())
}

func TestRunFailsWithoutCredentials(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.failFrom = 1

	err := h.ua.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch credentials")
	assert.Zero(t, h.sender.count())
	h.ua.Shutdown()
}

func TestRunPassesDeviceID(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	defer h.stop(t)

	assert.Equal(t, []string{"0546412d-61ba-47f1-80cb-c562c81ed83f"}, h.provider.deviceIDs())
	assert.Equal(t, Probing, h.ua.RegisterState())
}
