// Package eventbus is the per-discussion publish/subscribe fan-out (spec
// §4.D). Delivery is at-most-once per subscriber, ordered per discussion,
// and never blocks the publisher: a subscriber that can't keep up is
// dropped rather than allowed to stall the turn loop (spec §5).
package eventbus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vasic-digital/discussiond/internal/metrics"
)

// DefaultSubscriberQueueBound is the default bounded-queue size per
// subscriber (spec §6 configuration surface).
const DefaultSubscriberQueueBound = 64

// Subscription is a single subscriber's view of a discussion's event
// stream.
type Subscription struct {
	id     uint64
	events chan Event
	done   chan struct{}
	once   sync.Once
	cancel func()
}

// Recv returns the channel of events for this subscription. The channel is
// closed (with no further sends) when the discussion's bus is closed or the
// subscription is dropped for being slow.
func (s *Subscription) Recv() <-chan Event { return s.events }

// Cancel unsubscribes. Safe to call multiple times.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
}

type discussionTopic struct {
	mu          sync.Mutex
	subscribers map[uint64]*Subscription
	closed      bool
	queueBound  int
}

// Bus is the process-scoped registry of per-discussion topics.
type Bus struct {
	mu         sync.RWMutex
	topics     map[string]*discussionTopic
	nextSubID  uint64
	queueBound int
	logger     *logrus.Logger
}

// Config configures a Bus.
type Config struct {
	SubscriberQueueBound int
	Logger               *logrus.Logger
}

// New builds a Bus.
func New(cfg Config) *Bus {
	if cfg.SubscriberQueueBound <= 0 {
		cfg.SubscriberQueueBound = DefaultSubscriberQueueBound
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Bus{
		topics:     make(map[string]*discussionTopic),
		queueBound: cfg.SubscriberQueueBound,
		logger:     cfg.Logger,
	}
}

func (b *Bus) topicFor(discussionID string) *discussionTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[discussionID]
	if !ok {
		t = &discussionTopic{
			subscribers: make(map[uint64]*Subscription),
			queueBound:  b.queueBound,
		}
		b.topics[discussionID] = t
	}
	return t
}

// Subscribe registers a new subscriber for discussionID. The "connected"
// event is delivered synchronously before Subscribe returns, per spec
// §4.D's "delivered synchronously to a new subscriber before any further
// events".
func (b *Bus) Subscribe(discussionID string) *Subscription {
	t := b.topicFor(discussionID)

	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.mu.Unlock()

	sub := &Subscription{
		id:     id,
		events: make(chan Event, t.queueBound),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(sub.events)
		sub.cancel = func() {}
		return sub
	}
	t.subscribers[id] = sub
	// Queued under the topic lock, so no Publish or Close can reach this
	// subscriber before it; the fresh buffered channel never blocks here.
	sub.events <- newEvent(discussionID, KindConnected)
	t.mu.Unlock()

	sub.cancel = func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}

	return sub
}

// Publish delivers event to every current subscriber of its DiscussionID.
// Delivery is non-blocking: a subscriber whose queue is full is dropped
// from the subscriber set rather than stalling the publisher.
func (b *Bus) Publish(discussionID string, event Event) {
	event.DiscussionID = discussionID
	event.Timestamp = time.Now()
	t := b.topicFor(discussionID)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	targets := make([]*Subscription, 0, len(t.subscribers))
	for _, sub := range t.subscribers {
		targets = append(targets, sub)
	}
	t.mu.Unlock()

	var dead []uint64
	for _, sub := range targets {
		select {
		case sub.events <- event:
		default:
			dead = append(dead, sub.id)
			metrics.SubscriberDropsTotal.Inc()
			b.logger.WithField("discussion_id", discussionID).Warn("event bus: dropping slow subscriber")
		}
	}

	if len(dead) > 0 {
		t.mu.Lock()
		for _, id := range dead {
			if sub, ok := t.subscribers[id]; ok {
				delete(t.subscribers, id)
				close(sub.events)
			}
		}
		t.mu.Unlock()
	}
}

// Close ends discussionID's stream: every current subscriber's channel is
// closed (end-of-stream), and any subsequent Subscribe/Publish on this
// discussion is a no-op.
func (b *Bus) Close(discussionID string) {
	t := b.topicFor(discussionID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, sub := range t.subscribers {
		close(sub.events)
		delete(t.subscribers, id)
	}
}

// Shutdown closes every discussion's stream, for process-wide teardown.
func (b *Bus) Shutdown() {
	b.mu.RLock()
	ids := make([]string, 0, len(b.topics))
	for id := range b.topics {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		b.Close(id)
	}
}

// SubscriberCount reports the current live subscriber count for a
// discussion, mainly for tests and observability.
func (b *Bus) SubscriberCount(discussionID string) int {
	t := b.topicFor(discussionID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}
