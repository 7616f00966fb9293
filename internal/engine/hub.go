package engine

import (
	"sync"

	"github.com/google/uuid"

	"gridbase/internal/auth"
)

// VisibilityPolicy decides per change entry whether a subscriber may see it.
// defaultVisible is true unless the entry's table declares row-level access
// rules, in which case it is the rule's verdict for the subscriber.
type VisibilityPolicy func(defaultVisible bool, entry ChangeEntry, subscriber *auth.UserContext) bool

const subscriberBuffer = 16

// Hub fans completed ChangeSummaries out to live subscribers. Publishing
// never blocks on a slow subscriber: each subscriber owns a buffered channel
// and drains it from its own serving task.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscriber)}
}

// Subscribe registers a subscriber. The returned handle must be closed when
// the subscriber's connection ends for any reason.
func (h *Hub) Subscribe(user *auth.UserContext, policy VisibilityPolicy) *Subscriber {
	s := &Subscriber{
		id:     uuid.New().String(),
		ch:     make(chan *ChangeSummary, subscriberBuffer),
		user:   user,
		policy: policy,
		hub:    h,
	}
	h.mu.Lock()
	h.subs[s.id] = s
	h.mu.Unlock()
	return s
}

// Publish forwards a summary to every registered subscriber. Within one
// subscriber, summaries arrive in publish order; a subscriber whose buffer
// is full misses the summary rather than stalling the writer.
func (h *Hub) Publish(cs *ChangeSummary) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		select {
		case s.ch <- cs:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are registered.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Subscriber is one long-lived change-stream connection.
type Subscriber struct {
	id     string
	ch     chan *ChangeSummary
	user   *auth.UserContext
	policy VisibilityPolicy
	hub    *Hub
	once   sync.Once
}

// Updates is the subscriber's delivery channel, closed on Close.
func (s *Subscriber) Updates() <-chan *ChangeSummary {
	return s.ch
}

// User returns the subscriber's context.
func (s *Subscriber) User() *auth.UserContext {
	return s.user
}

// Close deregisters the subscriber. Safe to call more than once; the
// publisher can never send on a closed channel because removal and sending
// are serialized on the hub lock.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}
