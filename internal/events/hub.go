package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/tenant"
)

// Event is a lifecycle notification emitted by a service call or by
// application code through the hub.
type Event struct {
	Service string
	Name    string
	Data    any
	Tenant  tenant.Context
	At      time.Time
}

// Listener handles one delivered event. Errors and panics are isolated
// per listener; they never abort delivery to peers.
type Listener func(ctx context.Context, ev Event) error

// Pattern matches events by (service, event) where either side is "*" or
// an exact name.
type Pattern struct {
	Service string
	Event   string
}

const Any = "*"

// ParsePattern accepts "svc.event", "svc *", "* *", "svc.*" and "*".
func ParsePattern(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Pattern{}, fmt.Errorf("empty event pattern")
	}
	var parts []string
	switch {
	case strings.ContainsRune(s, ' '):
		parts = strings.Fields(s)
	case strings.ContainsRune(s, '.'):
		parts = strings.SplitN(s, ".", 2)
	default:
		parts = []string{s}
	}
	if len(parts) == 1 {
		if parts[0] == Any {
			return Pattern{Service: Any, Event: Any}, nil
		}
		return Pattern{}, fmt.Errorf("event pattern %q needs a service and an event part", s)
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pattern{}, fmt.Errorf("bad event pattern %q", s)
	}
	return Pattern{Service: parts[0], Event: parts[1]}, nil
}

func (p Pattern) Matches(ev Event) bool {
	if p.Service != Any && p.Service != ev.Service {
		return false
	}
	if p.Event != Any && p.Event != ev.Name {
		return false
	}
	return true
}

type subscription struct {
	id      uint64
	pattern Pattern
	fn      Listener
	once    bool
	fired   atomic.Bool
}

// Hub is a pattern-matched pub/sub fan-out for lifecycle events. Emission
// runs in three phases so the read path stays lock-free while listeners
// execute: snapshot under a read lock, run listeners unlocked, then drop
// spent once-listeners under a write lock.
type Hub struct {
	log *logger.Logger

	mu   sync.RWMutex
	seq  uint64
	subs map[uint64]*subscription
	gate func(Event) bool

	onListenerError func(Event, error)
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:  log.With("component", "EventHub"),
		subs: make(map[uint64]*subscription),
	}
}

// On registers a listener for every emission matching pattern. It returns
// the subscription id for Off.
func (h *Hub) On(pattern string, fn Listener) (uint64, error) {
	return h.subscribe(pattern, fn, false)
}

// Once registers a listener delivered at most one time.
func (h *Hub) Once(pattern string, fn Listener) (uint64, error) {
	return h.subscribe(pattern, fn, true)
}

func (h *Hub) subscribe(pattern string, fn Listener, once bool) (uint64, error) {
	if fn == nil {
		return 0, fmt.Errorf("nil listener")
	}
	p, err := ParsePattern(pattern)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	id := h.seq
	h.subs[id] = &subscription{id: id, pattern: p, fn: fn, once: once}
	return id, nil
}

func (h *Hub) Off(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// SetPublishGate installs a predicate that may veto delivery of a whole
// emission. A nil gate allows everything.
func (h *Hub) SetPublishGate(gate func(Event) bool) {
	h.mu.Lock()
	h.gate = gate
	h.mu.Unlock()
}

// SetListenerErrorHandler wires listener failures into an external sink,
// typically the observability recorder.
func (h *Hub) SetListenerErrorHandler(fn func(Event, error)) {
	h.mu.Lock()
	h.onListenerError = fn
	h.mu.Unlock()
}

// Emit delivers ev to every matching active listener, in registration
// order. Listeners run on the emitting goroutine, outside any hub lock,
// so per-emitter delivery order is preserved.
func (h *Hub) Emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	// Phase 1: snapshot matching listeners under the read lock.
	h.mu.RLock()
	gate := h.gate
	onErr := h.onListenerError
	matched := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		if s.pattern.Matches(ev) {
			matched = append(matched, s)
		}
	}
	h.mu.RUnlock()

	if gate != nil && !gate(ev) {
		return
	}
	if len(matched) == 0 {
		return
	}
	// Registration order, not map order.
	for i := 1; i < len(matched); i++ {
		for j := i; j > 0 && matched[j-1].id > matched[j].id; j-- {
			matched[j-1], matched[j] = matched[j], matched[j-1]
		}
	}

	// Phase 2: run listeners outside any lock.
	var spent []uint64
	for _, s := range matched {
		if s.once {
			if !s.fired.CompareAndSwap(false, true) {
				continue
			}
			spent = append(spent, s.id)
		}
		if err := h.runListener(ctx, s, ev); err != nil {
			h.log.Warn("event listener failed",
				"service", ev.Service,
				"event", ev.Name,
				"error", err,
			)
			if onErr != nil {
				onErr(ev, err)
			}
		}
	}

	// Phase 3: remove spent once-listeners under the write lock.
	if len(spent) > 0 {
		h.mu.Lock()
		for _, id := range spent {
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
}

func (h *Hub) runListener(ctx context.Context, s *subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return s.fn(ctx, ev)
}

// ListenerCount reports active subscriptions, test and introspection
// helper.
func (h *Hub) ListenerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
