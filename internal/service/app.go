package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yungbote/keel/internal/events"
	"github.com/yungbote/keel/internal/pkg/errdefs"
	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/state"
)

// CallObserver receives one report per finished pipeline call, wired to
// the metrics layer by the embedding application.
type CallObserver func(servicePath string, method Method, d time.Duration, err error)

// App owns the service registry, the typed state store and the event
// hub. Services hold the app handle they were registered on; the app
// exposes the registry read-only through Service, so the reference graph
// stays acyclic.
type App struct {
	log   *logger.Logger
	state *state.Registry
	hub   *events.Hub

	mu         sync.RWMutex
	services   map[string]*RegisteredService
	configKeys []string

	observer CallObserver
}

type AppOption func(*App)

// WithCallObserver wires pipeline call reporting.
func WithCallObserver(obs CallObserver) AppOption {
	return func(a *App) { a.observer = obs }
}

func NewApp(log *logger.Logger, opts ...AppOption) *App {
	a := &App{
		log:      log.With("component", "ServiceApp"),
		state:    state.NewRegistry(),
		hub:      events.NewHub(log),
		services: make(map[string]*RegisteredService),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *App) State() *state.Registry { return a.state }
func (a *App) Events() *events.Hub    { return a.hub }
func (a *App) Log() *logger.Logger    { return a.log }

// SetConfigKeys declares which state keys are snapshotted into every
// hook context's Config view.
func (a *App) SetConfigKeys(keys ...string) {
	a.mu.Lock()
	a.configKeys = append([]string{}, keys...)
	a.mu.Unlock()
}

func (a *App) configSnapshot() state.Snapshot {
	a.mu.RLock()
	keys := a.configKeys
	a.mu.RUnlock()
	if len(keys) == 0 {
		return state.Snapshot{}
	}
	return a.state.Snapshot(keys...)
}

// Register mounts a service at path. Registering an occupied path is a
// wiring error; unregister first to rebind. SetupAware services get
// their Setup call before the service becomes visible.
func (a *App) Register(path string, svc Service) (*RegisteredService, error) {
	if path == "" {
		return nil, fmt.Errorf("service path is empty")
	}
	if svc == nil {
		return nil, fmt.Errorf("service %q is nil", path)
	}

	rs := &RegisteredService{app: a, path: path, svc: svc, hooks: newHooks()}

	a.mu.Lock()
	if _, exists := a.services[path]; exists {
		a.mu.Unlock()
		return nil, fmt.Errorf("service %q already registered", path)
	}
	a.services[path] = rs
	a.mu.Unlock()

	if aware, ok := svc.(SetupAware); ok {
		if err := aware.Setup(a, path); err != nil {
			a.mu.Lock()
			delete(a.services, path)
			a.mu.Unlock()
			return nil, fmt.Errorf("setup of service %q: %w", path, err)
		}
	}
	a.log.Info("service registered", "path", path, "methods", methodsOf(svc))
	return rs, nil
}

// Service resolves a registered service. A missing path is a service
// level not-found, distinct from a record miss inside a service.
func (a *App) Service(path string) (*RegisteredService, error) {
	a.mu.RLock()
	rs, ok := a.services[path]
	a.mu.RUnlock()
	if !ok {
		return nil, errdefs.NotFound(fmt.Sprintf("service %q is not registered", path))
	}
	return rs, nil
}

func (a *App) Unregister(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.services[path]; !ok {
		return errdefs.NotFound(fmt.Sprintf("service %q is not registered", path))
	}
	delete(a.services, path)
	return nil
}

func (a *App) ServicePaths() []string {
	a.mu.RLock()
	paths := make([]string, 0, len(a.services))
	for p := range a.services {
		paths = append(paths, p)
	}
	a.mu.RUnlock()
	sort.Strings(paths)
	return paths
}

func (a *App) observe(path string, m Method, d time.Duration, err error) {
	if a.observer != nil {
		a.observer(path, m, d, err)
	}
}

func methodsOf(svc Service) []string {
	list := svc.Capabilities().List()
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = string(m)
	}
	return out
}
