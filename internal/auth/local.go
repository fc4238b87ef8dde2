package auth

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/yungbote/keel/internal/pkg/errdefs"
	"github.com/yungbote/keel/internal/service"
	"github.com/yungbote/keel/internal/tenant"
)

// Local verifies a username/password pair against the user service.
// Records are expected as maps with the hash stored under hashField;
// every failure mode reads the same from outside.
type Local struct {
	reg *Registry

	usernameField string
	passwordField string
	hashField     string
}

type LocalOption func(*Local)

// WithUsernameField changes the credential and query key. Defaults to
// "email".
func WithUsernameField(field string) LocalOption {
	return func(s *Local) {
		if field != "" {
			s.usernameField = field
		}
	}
}

// WithPasswordField changes the credential key. Defaults to "password".
func WithPasswordField(field string) LocalOption {
	return func(s *Local) {
		if field != "" {
			s.passwordField = field
		}
	}
}

// WithHashField changes where the stored bcrypt hash lives on the user
// record. Defaults to "password_hash".
func WithHashField(field string) LocalOption {
	return func(s *Local) {
		if field != "" {
			s.hashField = field
		}
	}
}

func NewLocal(reg *Registry, opts ...LocalOption) *Local {
	s := &Local{
		reg:           reg,
		usernameField: "email",
		passwordField: "password",
		hashField:     "password_hash",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Local) Name() string { return "local" }

func (s *Local) Authenticate(ctx context.Context, tc tenant.Context, creds map[string]string) (*Identity, error) {
	username := strings.TrimSpace(creds[s.usernameField])
	password := creds[s.passwordField]
	if username == "" || password == "" {
		return nil, errdefs.NotAuthenticated("missing credentials")
	}

	svc, err := s.reg.userService()
	if err != nil {
		return nil, err
	}
	matches, err := svc.Find(ctx, service.Params{
		Tenant: tc,
		Query:  map[string]any{s.usernameField: username},
	})
	if err != nil {
		return nil, errdefs.NotAuthenticated("invalid credentials").WithSource(err)
	}
	if len(matches) == 0 {
		return nil, errdefs.NotAuthenticated("invalid credentials")
	}
	user, ok := matches[0].(map[string]any)
	if !ok {
		return nil, errdefs.NotAuthenticated("invalid credentials")
	}
	hash, _ := user[s.hashField].(string)
	if hash == "" {
		return nil, errdefs.NotAuthenticated("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, errdefs.NotAuthenticated("invalid credentials")
	}

	actorID, _ := user["id"].(string)
	return &Identity{
		ActorID: actorID,
		Claims:  map[string]any{"strategy": s.Name(), s.usernameField: username},
	}, nil
}

// HashPassword produces a bcrypt hash suitable for the hashField of a
// user record.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
