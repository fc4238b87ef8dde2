package tenant

import (
	"context"
	"strings"
)

// Context identifies the tenant a call runs on behalf of, plus optional
// per-request metadata. It is a value type passed explicitly along every
// call chain; nothing in the core stores it globally.
type Context struct {
	TenantID  string
	RequestID string
	ActorID   string
	Headers   map[string]string
}

func New(tenantID string) Context {
	return Context{TenantID: strings.TrimSpace(tenantID)}
}

func (c Context) Valid() bool { return c.TenantID != "" }

func (c Context) WithRequestID(id string) Context {
	c.RequestID = id
	return c
}

func (c Context) WithActorID(id string) Context {
	c.ActorID = id
	return c
}

// WithHeader returns a copy carrying the header. The headers map is
// copied so sibling contexts never share mutable state.
func (c Context) WithHeader(key, value string) Context {
	headers := make(map[string]string, len(c.Headers)+1)
	for k, v := range c.Headers {
		headers[k] = v
	}
	headers[strings.ToLower(key)] = value
	c.Headers = headers
	return c
}

func (c Context) Header(key string) string {
	if c.Headers == nil {
		return ""
	}
	return c.Headers[strings.ToLower(key)]
}

type ctxKey struct{}

// Inject attaches the tenant context to a context.Context for transport
// layers that cannot thread it explicitly.
func Inject(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// From extracts a previously injected tenant context.
func From(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}
