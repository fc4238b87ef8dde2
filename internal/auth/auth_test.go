package auth

import (
	"context"
	"testing"
	"time"

	"github.com/yungbote/keel/internal/pkg/errdefs"
	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/service"
	"github.com/yungbote/keel/internal/tenant"
)

// usersService is a minimal map-backed user store answering Find by
// email, the shape the local strategy expects.
type usersService struct {
	records []map[string]any
}

func (s *usersService) Capabilities() service.MethodSet {
	return service.NewMethodSet(service.MethodFind)
}

func (s *usersService) Find(ctx context.Context, p service.Params) ([]any, error) {
	email, _ := p.Query["email"].(string)
	var out []any
	for _, rec := range s.records {
		if rec["email"] == email {
			out = append(out, rec)
		}
	}
	return out, nil
}

type echoService struct{}

func (s *echoService) Capabilities() service.MethodSet {
	return service.NewMethodSet(service.MethodGet)
}

func (s *echoService) Get(ctx context.Context, id string, p service.Params) (any, error) {
	return map[string]any{"id": id, "actor": p.Tenant.ActorID}, nil
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return hash
}

func newTestRegistry(t *testing.T, users *usersService) *Registry {
	t.Helper()
	app := service.NewApp(logger.Nop())
	if users != nil {
		if _, err := app.Register("users", users); err != nil {
			t.Fatalf("register users: %v", err)
		}
	}
	return NewRegistry(logger.Nop(), app)
}

func TestLocalStrategyVerifiesPassword(t *testing.T) {
	users := &usersService{records: []map[string]any{{
		"id":            "user-1",
		"email":         "ada@example.com",
		"password_hash": mustHash(t, "hunter2"),
	}}}
	reg := newTestRegistry(t, users)
	if err := reg.Register(NewLocal(reg)); err != nil {
		t.Fatalf("register local: %v", err)
	}
	tc := tenant.New("t1")
	ctx := context.Background()

	ident, err := reg.Authenticate(ctx, tc, "local", map[string]string{
		"email":    "ada@example.com",
		"password": "hunter2",
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ident.ActorID != "user-1" {
		t.Fatalf("actor id: want=%q got=%q", "user-1", ident.ActorID)
	}

	cases := map[string]map[string]string{
		"wrong password": {"email": "ada@example.com", "password": "wrong"},
		"unknown user":   {"email": "ghost@example.com", "password": "hunter2"},
		"missing creds":  {},
	}
	for name, creds := range cases {
		if _, err := reg.Authenticate(ctx, tc, "local", creds); !errdefs.IsKind(err, errdefs.KindNotAuthenticated) {
			t.Fatalf("%s: want not-authenticated got %v", name, err)
		}
	}
}

func TestLocalStrategyWithoutUserService(t *testing.T) {
	reg := newTestRegistry(t, nil)
	if err := reg.Register(NewLocal(reg)); err != nil {
		t.Fatalf("register local: %v", err)
	}
	creds := map[string]string{"email": "ada@example.com", "password": "hunter2"}

	// A dropped user service authenticates nobody, deterministically.
	for i := 0; i < 2; i++ {
		_, err := reg.Authenticate(context.Background(), tenant.New("t1"), "local", creds)
		if !errdefs.IsKind(err, errdefs.KindNotAuthenticated) {
			t.Fatalf("attempt %d: want not-authenticated got %v", i, err)
		}
	}
}

func TestJWTIssueAndAuthenticate(t *testing.T) {
	strat := NewJWT("topsecret", WithIssuer("keel"))
	tc := tenant.New("t1")
	ctx := context.Background()

	token, err := strat.Issue(tc, "user-7")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	ident, err := strat.Authenticate(ctx, tc, map[string]string{"token": token})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ident.ActorID != "user-7" {
		t.Fatalf("actor id: want=%q got=%q", "user-7", ident.ActorID)
	}

	if _, err := strat.Authenticate(ctx, tenant.New("t2"), map[string]string{"token": token}); !errdefs.IsKind(err, errdefs.KindNotAuthenticated) {
		t.Fatalf("cross tenant: want not-authenticated got %v", err)
	}
	if _, err := strat.Authenticate(ctx, tc, map[string]string{"token": token + "x"}); !errdefs.IsKind(err, errdefs.KindNotAuthenticated) {
		t.Fatalf("tampered token: want not-authenticated got %v", err)
	}
	if _, err := strat.Authenticate(ctx, tc, map[string]string{}); !errdefs.IsKind(err, errdefs.KindNotAuthenticated) {
		t.Fatalf("missing token: want not-authenticated got %v", err)
	}

	expired := NewJWT("topsecret", WithTTL(-time.Minute))
	staleToken, err := expired.Issue(tc, "user-7")
	if err != nil {
		t.Fatalf("issue expired: %v", err)
	}
	if _, err := strat.Authenticate(ctx, tc, map[string]string{"token": staleToken}); !errdefs.IsKind(err, errdefs.KindNotAuthenticated) {
		t.Fatalf("expired token: want not-authenticated got %v", err)
	}
}

func TestRequireAuthHook(t *testing.T) {
	app := service.NewApp(logger.Nop())
	reg := NewRegistry(logger.Nop(), app)
	strat := NewJWT("topsecret")
	if err := reg.Register(strat); err != nil {
		t.Fatalf("register jwt: %v", err)
	}

	rs, err := app.Register("reports", &echoService{})
	if err != nil {
		t.Fatalf("register reports: %v", err)
	}
	rs.Hooks().Before(service.MethodAll, RequireAuth(reg))

	tc := tenant.New("t1")
	ctx := context.Background()

	// External call without a token is rejected.
	_, err = rs.Get(ctx, "42", service.Params{Tenant: tc, Provider: "rest"})
	if !errdefs.IsKind(err, errdefs.KindNotAuthenticated) {
		t.Fatalf("no token: want not-authenticated got %v", err)
	}

	// Internal calls bypass the check entirely.
	if _, err := rs.Get(ctx, "42", service.Params{Tenant: tc}); err != nil {
		t.Fatalf("internal call: %v", err)
	}

	token, err := strat.Issue(tc, "user-9")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	out, err := rs.Get(ctx, "42", service.Params{
		Tenant:   tc,
		Provider: "rest",
		Headers:  map[string]string{"authorization": "Bearer " + token},
	})
	if err != nil {
		t.Fatalf("authorized call: %v", err)
	}
	rec, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("result type: got %T", out)
	}
	if rec["actor"] != "user-9" {
		t.Fatalf("actor stamped: want=%q got=%v", "user-9", rec["actor"])
	}
}

func TestRegistryRejectsDuplicateStrategy(t *testing.T) {
	reg := newTestRegistry(t, nil)
	if err := reg.Register(NewJWT("a")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(NewJWT("b")); err == nil {
		t.Fatalf("duplicate register: want error")
	}

	if _, err := reg.Authenticate(context.Background(), tenant.New("t1"), "saml", nil); !errdefs.IsKind(err, errdefs.KindNotAuthenticated) {
		t.Fatalf("unknown strategy: want not-authenticated got %v", err)
	}
}
