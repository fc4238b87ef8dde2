package service

import (
	"context"
	"fmt"
	"reflect"

	"github.com/yungbote/keel/internal/pkg/errdefs"
)

// ElementTyper lets a service declare its element type so typed handles
// can be validated at lookup instead of failing on the first call.
type ElementTyper interface {
	ElementType() reflect.Type
}

// ElementTypeOf is a convenience for ElementTyper implementations.
func ElementTypeOf[R any]() reflect.Type {
	return reflect.TypeOf((*R)(nil)).Elem()
}

// TypedService wraps a registered service with element-typed callers.
type TypedService[R any] struct {
	rs *RegisteredService
}

// Typed resolves a service and validates its element type when the
// service declares one. A path miss is errdefs.NotFound; a declared
// type mismatch is a wiring error.
func Typed[R any](app *App, path string) (*TypedService[R], error) {
	rs, err := app.Service(path)
	if err != nil {
		return nil, err
	}
	if et, ok := rs.svc.(ElementTyper); ok {
		want := ElementTypeOf[R]()
		if got := et.ElementType(); got != want {
			return nil, errdefs.General(fmt.Sprintf(
				"service %q serves %s, requested %s", path, got, want))
		}
	}
	return &TypedService[R]{rs: rs}, nil
}

func (t *TypedService[R]) Registered() *RegisteredService { return t.rs }

func (t *TypedService[R]) Find(ctx context.Context, p Params) ([]R, error) {
	items, err := t.rs.Find(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make([]R, 0, len(items))
	for i, item := range items {
		r, err := t.coerce(item)
		if err != nil {
			return nil, errdefs.General(fmt.Sprintf("find result %d: %v", i, err))
		}
		out = append(out, r)
	}
	return out, nil
}

func (t *TypedService[R]) Get(ctx context.Context, id string, p Params) (R, error) {
	return t.one(t.rs.Get(ctx, id, p))
}

func (t *TypedService[R]) Create(ctx context.Context, data any, p Params) (R, error) {
	return t.one(t.rs.Create(ctx, data, p))
}

func (t *TypedService[R]) Update(ctx context.Context, id string, data any, p Params) (R, error) {
	return t.one(t.rs.Update(ctx, id, data, p))
}

func (t *TypedService[R]) Patch(ctx context.Context, id string, data any, p Params) (R, error) {
	return t.one(t.rs.Patch(ctx, id, data, p))
}

func (t *TypedService[R]) Remove(ctx context.Context, id string, p Params) (R, error) {
	return t.one(t.rs.Remove(ctx, id, p))
}

func (t *TypedService[R]) one(out any, err error) (R, error) {
	var zero R
	if err != nil {
		return zero, err
	}
	r, cerr := t.coerce(out)
	if cerr != nil {
		return zero, errdefs.General(cerr.Error())
	}
	return r, nil
}

func (t *TypedService[R]) coerce(v any) (R, error) {
	var zero R
	if v == nil {
		return zero, nil
	}
	r, ok := v.(R)
	if !ok {
		return zero, fmt.Errorf("service %q returned %T, want %T", t.rs.path, v, zero)
	}
	return r, nil
}
