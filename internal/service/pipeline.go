package service

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/keel/internal/events"
	"github.com/yungbote/keel/internal/pkg/errdefs"
)

// RegisteredService is a service mounted on an app: the unit every call
// routes through. It owns the service's hook registrations and exposes
// one caller per method kind.
type RegisteredService struct {
	app   *App
	path  string
	svc   Service
	hooks *Hooks
}

func (s *RegisteredService) Path() string  { return s.path }
func (s *RegisteredService) Raw() Service  { return s.svc }
func (s *RegisteredService) Hooks() *Hooks { return s.hooks }
func (s *RegisteredService) App() *App     { return s.app }

// Find lists records. The result is whatever slice the service
// produced, possibly reshaped by hooks.
func (s *RegisteredService) Find(ctx context.Context, p Params) ([]any, error) {
	out, err := s.call(ctx, MethodFind, "", nil, p)
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	default:
		return []any{v}, nil
	}
}

func (s *RegisteredService) Get(ctx context.Context, id string, p Params) (any, error) {
	return s.call(ctx, MethodGet, id, nil, p)
}

func (s *RegisteredService) Create(ctx context.Context, data any, p Params) (any, error) {
	return s.call(ctx, MethodCreate, "", data, p)
}

func (s *RegisteredService) Update(ctx context.Context, id string, data any, p Params) (any, error) {
	return s.call(ctx, MethodUpdate, id, data, p)
}

func (s *RegisteredService) Patch(ctx context.Context, id string, data any, p Params) (any, error) {
	return s.call(ctx, MethodPatch, id, data, p)
}

func (s *RegisteredService) Remove(ctx context.Context, id string, p Params) (any, error) {
	return s.call(ctx, MethodRemove, id, nil, p)
}

// Call dispatches a custom method by name.
func (s *RegisteredService) Call(ctx context.Context, method Method, id string, data any, p Params) (any, error) {
	return s.call(ctx, method, id, data, p)
}

// call runs the full pipeline for one method invocation.
func (s *RegisteredService) call(ctx context.Context, m Method, id string, data any, p Params) (any, error) {
	start := time.Now()

	if !s.svc.Capabilities().Has(m) {
		err := errdefs.MethodNotAllowed(fmt.Sprintf("method %s not allowed on service %q", m, s.path))
		s.app.observe(s.path, m, time.Since(start), err)
		return nil, err
	}

	hc := &Ctx{
		App:         s.app,
		ServicePath: s.path,
		Method:      m,
		ID:          id,
		Params:      p,
		Data:        data,
		Config:      s.app.configSnapshot(),
	}

	err := s.runPipeline(ctx, hc)
	s.app.observe(s.path, m, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	if m.Write() {
		s.app.hub.Emit(ctx, events.Event{
			Service: s.path,
			Name:    m.EventName(),
			Data:    hc.result,
			Tenant:  hc.Params.Tenant,
		})
	}
	res, _ := hc.Result()
	return res, nil
}

// runPipeline executes around -> before -> service -> after, captures
// any raise for the error phase, and normalizes whatever leaves.
func (s *RegisteredService) runPipeline(ctx context.Context, hc *Ctx) error {
	hooks := s.hooks.forMethod(hc.Method)

	core := func(ctx context.Context) error {
		for _, h := range hooks.before {
			if err := ctxErr(ctx); err != nil {
				return err
			}
			if err := h(ctx, hc); err != nil {
				return err
			}
		}
		if err := ctxErr(ctx); err != nil {
			return err
		}
		if !hc.HasResult() {
			out, err := s.dispatch(ctx, hc)
			if err != nil {
				return err
			}
			hc.SetResult(out)
		}
		for _, h := range hooks.after {
			if err := ctxErr(ctx); err != nil {
				return err
			}
			if err := h(ctx, hc); err != nil {
				return err
			}
		}
		return nil
	}

	// Compose around hooks, first declared outermost. Each hook gets a
	// one-shot continuation over everything inside it.
	run := Next(core)
	for i := len(hooks.around) - 1; i >= 0; i-- {
		h := hooks.around[i]
		inner := oneShot(run)
		run = func(ctx context.Context) error {
			return h(ctx, hc, inner)
		}
	}

	err := ctxErr(ctx)
	if err == nil {
		err = run(ctx)
	}
	if err == nil {
		return nil
	}

	// Error phase: hooks observe the captured error in registration
	// order; a returned error replaces it, Recover clears it.
	hc.SetErr(errdefs.Convert(err))
	for _, h := range hooks.errs {
		if hc.Err() == nil {
			break
		}
		if herr := h(ctx, hc); herr != nil {
			hc.SetErr(errdefs.Convert(herr))
		}
	}
	if hc.Err() != nil {
		return errdefs.Convert(hc.Err())
	}
	return nil
}

// dispatch routes to the narrow per-method interface, reading the
// possibly hook-mutated id, data and params off the hook context.
func (s *RegisteredService) dispatch(ctx context.Context, hc *Ctx) (any, error) {
	switch hc.Method {
	case MethodFind:
		f, ok := s.svc.(Finder)
		if !ok {
			return nil, s.notImplemented(MethodFind)
		}
		out, err := f.Find(ctx, hc.Params)
		if err != nil {
			return nil, err
		}
		return out, nil
	case MethodGet:
		g, ok := s.svc.(Getter)
		if !ok {
			return nil, s.notImplemented(MethodGet)
		}
		return g.Get(ctx, hc.ID, hc.Params)
	case MethodCreate:
		c, ok := s.svc.(Creator)
		if !ok {
			return nil, s.notImplemented(MethodCreate)
		}
		return c.Create(ctx, hc.Data, hc.Params)
	case MethodUpdate:
		u, ok := s.svc.(Updater)
		if !ok {
			return nil, s.notImplemented(MethodUpdate)
		}
		return u.Update(ctx, hc.ID, hc.Data, hc.Params)
	case MethodPatch:
		pt, ok := s.svc.(Patcher)
		if !ok {
			return nil, s.notImplemented(MethodPatch)
		}
		return pt.Patch(ctx, hc.ID, hc.Data, hc.Params)
	case MethodRemove:
		r, ok := s.svc.(Remover)
		if !ok {
			return nil, s.notImplemented(MethodRemove)
		}
		return r.Remove(ctx, hc.ID, hc.Params)
	default:
		cc, ok := s.svc.(CustomCaller)
		if !ok {
			return nil, s.notImplemented(hc.Method)
		}
		return cc.CallCustom(ctx, string(hc.Method), hc.ID, hc.Data, hc.Params)
	}
}

func (s *RegisteredService) notImplemented(m Method) error {
	return errdefs.General(fmt.Sprintf("service %q declares method %s but does not implement it", s.path, m))
}

// ctxErr observes cancellation between pipeline stages.
func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errdefs.Convert(ctx.Err())
	default:
		return nil
	}
}
