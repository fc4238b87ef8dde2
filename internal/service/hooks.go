package service

import (
	"context"
	"sync"

	"github.com/yungbote/keel/internal/pkg/errdefs"
)

// Next is the one-shot continuation handed to an around hook. It runs
// the remainder of the pipeline: inner around hooks, before hooks, the
// service call and after hooks. Dropping it without invoking is legal
// and short-circuits; invoking it twice is an error.
type Next func(ctx context.Context) error

// BeforeFunc runs before the service call and may mutate the hook
// context. A non-nil return aborts into the error phase.
type BeforeFunc func(ctx context.Context, hc *Ctx) error

// AfterFunc runs on the produced result.
type AfterFunc func(ctx context.Context, hc *Ctx) error

// AroundFunc wraps the remainder of the pipeline.
type AroundFunc func(ctx context.Context, hc *Ctx, next Next) error

// ErrorFunc observes the captured error (via hc.Err). Returning a
// non-nil error replaces the captured one; calling hc.Recover clears it
// and ends the error phase.
type ErrorFunc func(ctx context.Context, hc *Ctx) error

// Hooks holds a service's registered hooks, keyed by method with
// MethodAll applying to every method. Registration appends; within one
// phase hooks run in registration order with all-method hooks first.
type Hooks struct {
	mu     sync.RWMutex
	around map[Method][]AroundFunc
	before map[Method][]BeforeFunc
	after  map[Method][]AfterFunc
	errs   map[Method][]ErrorFunc
}

func newHooks() *Hooks {
	return &Hooks{
		around: make(map[Method][]AroundFunc),
		before: make(map[Method][]BeforeFunc),
		after:  make(map[Method][]AfterFunc),
		errs:   make(map[Method][]ErrorFunc),
	}
}

func (h *Hooks) Around(m Method, fns ...AroundFunc) *Hooks {
	h.mu.Lock()
	h.around[m] = append(h.around[m], fns...)
	h.mu.Unlock()
	return h
}

func (h *Hooks) Before(m Method, fns ...BeforeFunc) *Hooks {
	h.mu.Lock()
	h.before[m] = append(h.before[m], fns...)
	h.mu.Unlock()
	return h
}

func (h *Hooks) After(m Method, fns ...AfterFunc) *Hooks {
	h.mu.Lock()
	h.after[m] = append(h.after[m], fns...)
	h.mu.Unlock()
	return h
}

func (h *Hooks) Error(m Method, fns ...ErrorFunc) *Hooks {
	h.mu.Lock()
	h.errs[m] = append(h.errs[m], fns...)
	h.mu.Unlock()
	return h
}

// chain is the per-call snapshot of applicable hooks.
type chain struct {
	around []AroundFunc
	before []BeforeFunc
	after  []AfterFunc
	errs   []ErrorFunc
}

// forMethod snapshots the hooks for one method: all-method hooks first,
// then method-specific, each in registration order.
func (h *Hooks) forMethod(m Method) chain {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return chain{
		around: append(append([]AroundFunc{}, h.around[MethodAll]...), h.around[m]...),
		before: append(append([]BeforeFunc{}, h.before[MethodAll]...), h.before[m]...),
		after:  append(append([]AfterFunc{}, h.after[MethodAll]...), h.after[m]...),
		errs:   append(append([]ErrorFunc{}, h.errs[MethodAll]...), h.errs[m]...),
	}
}

// oneShot enforces the at-most-once contract on a continuation.
func oneShot(next Next) Next {
	done := false
	return func(ctx context.Context) error {
		if done {
			return errdefs.General("pipeline continuation invoked twice")
		}
		done = true
		return next(ctx)
	}
}
