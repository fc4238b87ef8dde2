package queue

import (
	"sync"

	"github.com/yungbote/keel/internal/pkg/logger"
)

const defaultEventBuffer = 64

// Broadcaster fans job events out to tenant-scoped subscribers over
// bounded channels. A subscriber that stops draining loses events
// rather than stalling the queue. The in-memory and relational backends
// share it; the redis backend gets the same semantics from pub/sub.
type Broadcaster struct {
	log    *logger.Logger
	buffer int
	sink   func(Event)

	mu   sync.RWMutex
	seq  uint64
	subs map[uint64]*subscriber
}

type subscriber struct {
	tenantID string
	ch       chan Event
}

func NewBroadcaster(log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		log:    log,
		buffer: defaultEventBuffer,
		subs:   make(map[uint64]*subscriber),
	}
}

// SetBuffer sets the per-subscriber channel capacity for subscriptions
// opened after the call.
func (c *Broadcaster) SetBuffer(n int) {
	if n > 0 {
		c.buffer = n
	}
}

// SetSink installs a callback invoked synchronously for every event,
// independent of subscriptions.
func (c *Broadcaster) SetSink(fn func(Event)) {
	c.sink = fn
}

// Subscribe registers a channel for one tenant's events. The cancel
// func is idempotent; it removes the subscriber and closes the channel.
func (c *Broadcaster) Subscribe(tenantID string) (<-chan Event, func()) {
	sub := &subscriber{
		tenantID: tenantID,
		ch:       make(chan Event, c.buffer),
	}
	c.mu.Lock()
	c.seq++
	id := c.seq
	c.subs[id] = sub
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if s, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(s.ch)
		}
		c.mu.Unlock()
	}
	return sub.ch, cancel
}

// Broadcast delivers the event to the sink and to every subscriber of
// its tenant. Sends never block: a full channel drops the event with a
// warning. Holding the read lock across sends keeps close() from racing
// a send on the same channel.
func (c *Broadcaster) Broadcast(ev Event) {
	if c.sink != nil {
		c.sink(ev)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sub := range c.subs {
		if sub.tenantID != ev.TenantID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			c.log.Warn("dropping job event for slow subscriber",
				"tenant_id", ev.TenantID,
				"job_id", ev.JobID.String(),
				"kind", string(ev.Kind))
		}
	}
}

// SubscriberCount reports live subscriptions across all tenants.
func (c *Broadcaster) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}
