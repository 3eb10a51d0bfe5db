package ua

import (
	"net"
	"sync"
	"time"

	"github.com/cloudwebrtc/go-sip-intercom/pkg/notify"
	"github.com/cloudwebrtc/go-sip-intercom/pkg/sipmsg"
	"github.com/cloudwebrtc/go-sip-intercom/pkg/stats"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
)

type ResponderConfig struct {
	TryingDelay time.Duration
	// RingingDelay of 0 skips 180 Ringing.
	RingingDelay time.Duration
	BusyDelay    time.Duration
	// AcceptNotify answers NOTIFY with 200 instead of 405.
	AcceptNotify bool
}

// pendingCall is an INVITE transaction waiting for its final response.
type pendingCall struct {
	dialog *sipmsg.DialogHeaders
	raddr  *net.UDPAddr
	toTag  string
	timers []Timer
}

func (c *pendingCall) stop() {
	for _, t := range c.timers {
		t.Stop()
	}
}

// Responder answers inbound requests with canned responses. It never
// establishes a dialog: every INVITE ends as 486 Busy Here.
type Responder struct {
	session   *Session
	notifier  notify.Notifier
	monitor   *stats.Monitor
	config    ResponderConfig
	log       log.Logger
	afterFunc AfterFunc

	mu      sync.Mutex
	calls   map[string]*pendingCall
	stopped bool
}

func NewResponder(session *Session, notifier notify.Notifier, config ResponderConfig, monitor *stats.Monitor, logger log.Logger) *Responder {
	return &Responder{
		session:   session,
		notifier:  notifier,
		monitor:   monitor,
		config:    config,
		log:       logger.WithPrefix("ua.Responder"),
		afterFunc: realAfterFunc,
		calls:     make(map[string]*pendingCall),
	}
}

func (r *Responder) allow() sipmsg.Header {
	methods := []sip.RequestMethod{sip.INVITE, sip.ACK, sip.CANCEL, sip.OPTIONS, sip.BYE}
	if r.config.AcceptNotify {
		methods = append(methods, sip.NOTIFY)
	}
	return sipmsg.AllowHeader(methods...)
}

// HandleRequest answers one inbound request sent from raddr.
func (r *Responder) HandleRequest(method sip.RequestMethod, data []byte, raddr *net.UDPAddr) {
	r.monitor.InboundRequest(string(method))

	switch method {
	case sip.ACK:
		return
	case sip.INVITE, sip.CANCEL, sip.OPTIONS, sip.NOTIFY, sip.BYE:
	default:
		r.log.Infof("ignore %s from %s", method, raddr)
		r.monitor.Dropped("unsupported")
		return
	}

	d, ok := sipmsg.ExtractDialogHeaders(data)
	if !ok {
		r.log.Warnf("drop malformed %s from %s: missing dialog headers", method, raddr)
		r.monitor.Dropped("malformed")
		return
	}

	logger := r.log.WithFields(log.Fields{"call_id": d.CallIDValue()})
	logger.Infof("%s from %s", method, raddr)

	switch method {
	case sip.INVITE:
		r.handleInvite(d, raddr)
	case sip.CANCEL:
		r.handleCancel(d, raddr)
	case sip.OPTIONS:
		r.reply(d, raddr, 200, "OK", sipmsg.NewTag(), r.withExtra(r.allow())...)
	case sip.NOTIFY:
		if r.config.AcceptNotify {
			r.reply(d, raddr, 200, "OK", sipmsg.NewTag())
		} else {
			r.reply(d, raddr, 405, "Method Not Allowed", sipmsg.NewTag(), r.allow())
		}
	case sip.BYE:
		r.reply(d, raddr, 481, "Call/Transaction Does Not Exist", sipmsg.NewTag())
	}
}

func (r *Responder) withExtra(headers ...sipmsg.Header) []sipmsg.Header {
	if r.session.UserAgent != "" {
		headers = append(headers, r.session.userAgentHeader())
	}
	return append(headers, r.session.Extra...)
}

func (r *Responder) reply(d *sipmsg.DialogHeaders, raddr *net.UDPAddr, code sip.StatusCode, reason, toTag string, extra ...sipmsg.Header) {
	_ = r.session.Send(sipmsg.BuildResponse(code, reason, d, toTag, extra...), raddr)
}

func (r *Responder) handleInvite(d *sipmsg.DialogHeaders, raddr *net.UDPAddr) {
	callID := d.CallIDValue()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if _, ok := r.calls[callID]; ok {
		r.mu.Unlock()
		r.log.Debugf("drop INVITE retransmission %s", callID)
		r.monitor.Dropped("retransmission")
		return
	}

	c := &pendingCall{dialog: d, raddr: raddr, toTag: sipmsg.NewTag()}
	r.calls[callID] = c
	c.timers = append(c.timers, r.afterFunc(r.config.TryingDelay, func() {
		r.step(callID, c, 100, "Trying", false)
	}))
	if r.config.RingingDelay > 0 {
		c.timers = append(c.timers, r.afterFunc(r.config.RingingDelay, func() {
			r.step(callID, c, 180, "Ringing", false)
		}))
	}
	c.timers = append(c.timers, r.afterFunc(r.config.BusyDelay, func() {
		r.step(callID, c, 486, "Busy Here", true)
	}))
	r.mu.Unlock()

	r.notifier.Notify(notify.NewEvent(notify.EventRinging, d.FromValue(), d.ToValue(), callID))
}

// step sends one scheduled INVITE response unless the call was cancelled in
// the meantime.
func (r *Responder) step(callID string, c *pendingCall, code sip.StatusCode, reason string, final bool) {
	r.mu.Lock()
	if r.calls[callID] != c {
		r.mu.Unlock()
		return
	}
	if final {
		delete(r.calls, callID)
	}
	r.mu.Unlock()

	r.reply(c.dialog, c.raddr, code, reason, c.toTag)
}

func (r *Responder) handleCancel(d *sipmsg.DialogHeaders, raddr *net.UDPAddr) {
	callID := d.CallIDValue()

	r.mu.Lock()
	c, ok := r.calls[callID]
	if ok {
		delete(r.calls, callID)
		c.stop()
	}
	r.mu.Unlock()

	if !ok {
		r.reply(d, raddr, 481, "Call/Transaction Does Not Exist", sipmsg.NewTag())
		return
	}

	r.reply(d, raddr, 200, "OK", c.toTag)
	r.reply(c.dialog, c.raddr, 487, "Request Terminated", c.toTag)
	r.notifier.Notify(notify.NewEvent(notify.EventCancelled, c.dialog.FromValue(), c.dialog.ToValue(), callID))
}

// Pending returns the number of INVITE transactions still waiting for their
// final response.
func (r *Responder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Stop cancels every pending INVITE without answering it.
func (r *Responder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, c := range r.calls {
		c.stop()
		delete(r.calls, id)
	}
}
