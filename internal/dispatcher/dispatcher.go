// Package dispatcher implements the Event Dispatcher: fan-out of inbound
// event frames to subscribers with bounded, drop-oldest inboxes (spec §4.6).
package dispatcher

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/chm413/mochi-link/internal/logger"
	"github.com/chm413/mochi-link/internal/protocol"
)

// chatSanitizer strips HTML/script content from free-text chat bodies
// before they reach a subscriber, the audit trail, or a log line. This is
// defense in depth, not protocol validation — a malformed message never
// fails the frame, it is just neutered (adapted from the teacher's
// middleware.InputValidator).
var chatSanitizer = bluemonday.StrictPolicy()

// sanitizeChat rewrites Data.message in place for player.chat events. Any
// other shape (missing/non-string message) is left untouched.
func sanitizeChat(ev *DeliveredEvent) {
	if ev.Op != protocol.EventPlayerChat || len(ev.Data) == 0 {
		return
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(ev.Data, &body); err != nil {
		return
	}
	raw, ok := body["message"]
	if !ok {
		return
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	clean, err := json.Marshal(chatSanitizer.Sanitize(msg))
	if err != nil {
		return
	}
	body["message"] = clean
	if out, err := json.Marshal(body); err == nil {
		ev.Data = out
	}
}

// DeliveredEvent is an inbound event augmented with {serverId, receivedAt}
// (spec §4.6).
type DeliveredEvent struct {
	ServerID   string
	Op         string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Filter is an optional per-subscription predicate evaluated after the op
// match; returning false drops the event for that subscriber only.
type Filter func(DeliveredEvent) bool

// Subscription is the handle returned by Subscribe. The dispatcher never
// delivers to a destroyed subscription (spec §3).
type Subscription struct {
	id    string
	ops   []string
	filter Filter

	mu      sync.Mutex
	inbox   chan DeliveredEvent
	closed  bool
	dropped uint64
}

// Inbox returns the channel the consumer reads delivered events from.
func (s *Subscription) Inbox() <-chan DeliveredEvent { return s.inbox }

// Dropped returns the number of events dropped due to a full inbox.
func (s *Subscription) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// ID returns the subscription's unique handle string.
func (s *Subscription) ID() string { return s.id }

// deliver pushes ev into the inbox, dropping the oldest queued event if
// full. Locked so concurrent dispatch from multiple sessions serializes
// safely against this subscriber's single inbox.
func (s *Subscription) deliver(ev DeliveredEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.inbox <- ev:
		return
	default:
	}

	select {
	case <-s.inbox:
		atomic.AddUint64(&s.dropped, 1)
	default:
	}

	select {
	case s.inbox <- ev:
	default:
		// Consumer drained and refilled between our pop and push attempts;
		// treat this as a drop too rather than block the dispatcher.
		atomic.AddUint64(&s.dropped, 1)
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.inbox)
}

// Dispatcher maintains the live subscription set and fans out inbound
// events. It implements session.EventSink.
type Dispatcher struct {
	mu              sync.RWMutex
	subscriptions   map[string]*Subscription
	defaultCapacity int
	log             *zerolog.Logger
}

// New constructs a Dispatcher. defaultCapacity is used by Subscribe calls
// that don't request an explicit capacity (the Listener config's
// subscriberInboxCapacity, per spec §6).
func New(defaultCapacity int) *Dispatcher {
	if defaultCapacity <= 0 {
		defaultCapacity = 64
	}
	return &Dispatcher{
		subscriptions:   make(map[string]*Subscription),
		defaultCapacity: defaultCapacity,
		log:             logger.Dispatcher(),
	}
}

// Subscribe registers a new subscription matching ops (exact names, or
// prefixes ending in "." such as "player.") with an optional filter.
// capacity <= 0 uses the dispatcher's default.
func (d *Dispatcher) Subscribe(ops []string, filter Filter, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = d.defaultCapacity
	}
	sub := &Subscription{
		id:     uuid.NewString(),
		ops:    append([]string(nil), ops...),
		filter: filter,
		inbox:  make(chan DeliveredEvent, capacity),
	}

	d.mu.Lock()
	d.subscriptions[sub.id] = sub
	d.mu.Unlock()

	return sub
}

// Unsubscribe destroys a subscription; the dispatcher stops delivering to
// it and closes its inbox channel.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	delete(d.subscriptions, sub.id)
	d.mu.Unlock()
	sub.close()
}

// Dispatch implements session.EventSink: it is called from a session's
// reader loop for every inbound event frame.
func (d *Dispatcher) Dispatch(serverID string, f *protocol.Frame) {
	ev := DeliveredEvent{
		ServerID:   serverID,
		Op:         f.Op,
		Data:       f.Data,
		ReceivedAt: time.Now(),
	}
	sanitizeChat(&ev)

	d.mu.RLock()
	targets := make([]*Subscription, 0, len(d.subscriptions))
	for _, sub := range d.subscriptions {
		if matches(sub, ev) {
			targets = append(targets, sub)
		}
	}
	d.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
}

func matches(sub *Subscription, ev DeliveredEvent) bool {
	if !matchesOp(sub.ops, ev.Op) {
		return false
	}
	if sub.filter != nil && !sub.filter(ev) {
		return false
	}
	return true
}

func matchesOp(patterns []string, op string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if strings.HasSuffix(p, ".") {
			if strings.HasPrefix(op, p) {
				return true
			}
			continue
		}
		if p == op {
			return true
		}
	}
	return false
}
