// Package auth provides pluggable authentication strategies for the
// service pipeline. A strategy turns transport credentials into a
// verified identity; the registry owns the strategies and resolves the
// backing user service by path on every call, so a swapped or dropped
// user service is picked up without rewiring.
package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/yungbote/keel/internal/pkg/errdefs"
	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/service"
	"github.com/yungbote/keel/internal/tenant"
)

// Identity is a verified principal. Claims carry strategy-specific
// extras; ActorID is what the pipeline stamps onto the tenant context.
type Identity struct {
	ActorID string
	Claims  map[string]any
}

// Strategy verifies one kind of credential set.
type Strategy interface {
	Name() string
	Authenticate(ctx context.Context, tc tenant.Context, creds map[string]string) (*Identity, error)
}

// Registry holds the registered strategies and the path of the service
// that owns user records. The service is looked up per call; a missing
// registration authenticates nobody rather than failing unpredictably.
type Registry struct {
	log             *logger.Logger
	app             *service.App
	userServicePath string

	mu         sync.RWMutex
	strategies map[string]Strategy
}

type Option func(*Registry)

// WithUserService points the registry at the service holding user
// records. Defaults to "users".
func WithUserService(path string) Option {
	return func(r *Registry) {
		if path != "" {
			r.userServicePath = path
		}
	}
}

func NewRegistry(log *logger.Logger, app *service.App, opts ...Option) *Registry {
	r := &Registry{
		log:             log.With("component", "AuthRegistry"),
		app:             app,
		userServicePath: "users",
		strategies:      make(map[string]Strategy),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a strategy. Registering an occupied name is a wiring
// error surfaced at startup.
func (r *Registry) Register(s Strategy) error {
	if s == nil {
		return fmt.Errorf("strategy is nil")
	}
	name := s.Name()
	if name == "" {
		return fmt.Errorf("strategy name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[name]; exists {
		return fmt.Errorf("strategy %q already registered", name)
	}
	r.strategies[name] = s
	r.log.Info("auth strategy registered", "strategy", name)
	return nil
}

func (r *Registry) Strategy(name string) (Strategy, bool) {
	r.mu.RLock()
	s, ok := r.strategies[name]
	r.mu.RUnlock()
	return s, ok
}

func (r *Registry) StrategyNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	return names
}

// Authenticate runs the named strategy. Unknown strategies classify as
// not-authenticated, never as an internal error.
func (r *Registry) Authenticate(ctx context.Context, tc tenant.Context, strategy string, creds map[string]string) (*Identity, error) {
	s, ok := r.Strategy(strategy)
	if !ok {
		return nil, errdefs.NotAuthenticated(fmt.Sprintf("authentication strategy %q is not registered", strategy))
	}
	return s.Authenticate(ctx, tc, creds)
}

// userService resolves the owning user service. The path is held, not
// the service: a dropped registration turns into a deterministic
// not-authenticated at the next call.
func (r *Registry) userService() (*service.RegisteredService, error) {
	svc, err := r.app.Service(r.userServicePath)
	if err != nil {
		return nil, errdefs.NotAuthenticated(fmt.Sprintf("user service %q is unavailable", r.userServicePath))
	}
	return svc, nil
}

// RequireAuth returns a before hook that enforces a verified identity on
// external calls and stamps the actor onto the tenant context. Internal
// calls pass through untouched, as do calls already carrying an actor.
func RequireAuth(reg *Registry) service.BeforeFunc {
	return func(ctx context.Context, hc *service.Ctx) error {
		if hc.Params.Internal() {
			return nil
		}
		if hc.Params.Tenant.ActorID != "" {
			return nil
		}
		token := BearerToken(hc.Params.Headers)
		if token == "" {
			return errdefs.NotAuthenticated("missing or invalid token")
		}
		ident, err := reg.Authenticate(ctx, hc.Params.Tenant, "jwt", map[string]string{"token": token})
		if err != nil {
			return err
		}
		hc.Params.Tenant = hc.Params.Tenant.WithActorID(ident.ActorID)
		return nil
	}
}

// BearerToken pulls the token out of an Authorization header map.
func BearerToken(headers map[string]string) string {
	h := headers["authorization"]
	if h == "" {
		h = headers["Authorization"]
	}
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
