// Package service carries the pipeline core: a path-keyed registry of
// services whose every call runs through an around/before/service/after/
// error hook chain, with standard lifecycle events emitted on writes.
// Services are plain values implementing narrow per-method interfaces;
// the pipeline owns ordering, short-circuiting, error capture and
// cancellation.
package service

import (
	"context"

	"github.com/yungbote/keel/internal/tenant"
)

// Params carries call-site parameters into a service call. Query and
// Extra are application-shaped; the core never interprets them.
type Params struct {
	Tenant   tenant.Context
	Query    map[string]any
	Provider string
	Headers  map[string]string
	Extra    map[string]any
}

// Internal reports whether the call originated inside the process, as
// opposed to arriving through a transport adapter.
func (p Params) Internal() bool { return p.Provider == "" }

// Service is the minimal contract: declare which method kinds the
// implementation answers. Per-method behavior lives in the narrow
// interfaces below; declaring a capability without implementing the
// matching interface is a wiring error surfaced on first call.
type Service interface {
	Capabilities() MethodSet
}

// SetupAware services receive the owning app and their registration
// path once, at registration time.
type SetupAware interface {
	Setup(app *App, path string) error
}

type Finder interface {
	Find(ctx context.Context, p Params) ([]any, error)
}

type Getter interface {
	Get(ctx context.Context, id string, p Params) (any, error)
}

type Creator interface {
	Create(ctx context.Context, data any, p Params) (any, error)
}

type Updater interface {
	Update(ctx context.Context, id string, data any, p Params) (any, error)
}

type Patcher interface {
	Patch(ctx context.Context, id string, data any, p Params) (any, error)
}

type Remover interface {
	Remove(ctx context.Context, id string, p Params) (any, error)
}

// CustomCaller answers non-standard methods by name.
type CustomCaller interface {
	CallCustom(ctx context.Context, method string, id string, data any, p Params) (any, error)
}
