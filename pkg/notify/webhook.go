package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cloudwebrtc/go-sip-intercom/pkg/stats"
	"github.com/gammazero/deque"
	"github.com/ghettovoice/gosip/log"
	"github.com/pkg/errors"
)

const (
	DefaultMaxQueue = 256
	deliveryTimeout = 10 * time.Second
)

type EventType string

const (
	EventRinging   EventType = "Ringing"
	EventCancelled EventType = "Cancelled"
)

// Event is the webhook payload.
type Event struct {
	Event  EventType `json:"event"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to,omitempty"`
	CallID string    `json:"call_id,omitempty"`
	Time   int64     `json:"time"`
}

func NewEvent(t EventType, from, to, callID string) *Event {
	return &Event{
		Event:  t,
		From:   from,
		To:     to,
		CallID: callID,
		Time:   time.Now().Unix(),
	}
}

// Notifier delivers events in the background. Notify never blocks on
// delivery and never reports its outcome.
type Notifier interface {
	Notify(ev *Event)
}

// Webhook posts events as JSON to a fixed URL from a single worker.
type Webhook struct {
	url       string
	userAgent string
	client    *http.Client
	maxQueue  int
	monitor   *stats.Monitor
	log       log.Logger

	mu    sync.Mutex
	queue deque.Deque[*Event]
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newWebhook(url, userAgent string, monitor *stats.Monitor, logger log.Logger) *Webhook {
	w := &Webhook{
		url:       url,
		userAgent: userAgent,
		client:    &http.Client{Timeout: deliveryTimeout},
		maxQueue:  DefaultMaxQueue,
		monitor:   monitor,
		log:       logger.WithPrefix("notify.Webhook"),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

// NewWebhook starts the delivery worker. Close stops it.
func NewWebhook(url, userAgent string, monitor *stats.Monitor, logger log.Logger) *Webhook {
	w := newWebhook(url, userAgent, monitor, logger)
	go w.run()
	return w
}

func (w *Webhook) Notify(ev *Event) {
	w.mu.Lock()
	if w.queue.Len() >= w.maxQueue {
		dropped := w.queue.PopFront()
		w.log.Warnf("queue full, dropping %s event for %s", dropped.Event, dropped.CallID)
		w.monitor.Notification("dropped")
	}
	w.queue.PushBack(ev)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Webhook) next() *Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.queue.Len() == 0 {
		return nil
	}
	return w.queue.PopFront()
}

func (w *Webhook) run() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
		}
		for ev := w.next(); ev != nil; ev = w.next() {
			if err := w.deliver(ev); err != nil {
				w.log.Errorf("Webhook error: %v", err)
				w.monitor.Notification("error")
				continue
			}
			w.monitor.Notification("ok")
		}
	}
}

func (w *Webhook) deliver(ev *Event) error {
	w.log.Infof("Send Webhook %s to %s", ev.Event, w.url)

	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	ctx, cancel := context.WithTimeout(w.ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", w.url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("POST %s: status %d", w.url, resp.StatusCode)
	}
	return nil
}

// Close stops the worker. Events still queued are discarded.
func (w *Webhook) Close() {
	w.cancel()
	<-w.done
}
