// Package schema builds resolve+validate before-hooks for write
// methods. Resolvers mutate the payload in place (trim, defaults,
// derived fields); field rules then accumulate every violation into a
// single unprocessable error keyed by dotted paths.
package schema

import (
	"context"

	"github.com/yungbote/keel/internal/pkg/errdefs"
	"github.com/yungbote/keel/internal/service"
)

// ResolveFunc mutates the payload before validation runs.
type ResolveFunc func(ctx context.Context, hc *service.Ctx, data map[string]any) error

// Rule checks one field value. present reports whether the path
// resolved; rules other than Required should pass on absent values.
type Rule func(value any, present bool) error

type fieldRules struct {
	path  string
	rules []Rule
}

// Builder assembles one before-hook from resolvers and field rules.
// Zero-value targets are the data-carrying writes: create, update,
// patch.
type Builder struct {
	methods   []service.Method
	resolvers []ResolveFunc
	fields    []fieldRules
}

func New() *Builder {
	return &Builder{
		methods: []service.Method{service.MethodCreate, service.MethodUpdate, service.MethodPatch},
	}
}

// ForMethods narrows which write methods the hook applies to.
func (b *Builder) ForMethods(ms ...service.Method) *Builder {
	b.methods = append([]service.Method{}, ms...)
	return b
}

func (b *Builder) Resolve(fns ...ResolveFunc) *Builder {
	b.resolvers = append(b.resolvers, fns...)
	return b
}

// Field registers rules for one dotted path ("profile.display_name",
// "tags[0].email"). Rules run in order; the first violation on a path
// wins.
func (b *Builder) Field(path string, rules ...Rule) *Builder {
	b.fields = append(b.fields, fieldRules{path: path, rules: rules})
	return b
}

// Hook produces the before-hook. Calls for non-target methods pass
// through untouched.
func (b *Builder) Hook() service.BeforeFunc {
	targets := make(map[service.Method]struct{}, len(b.methods))
	for _, m := range b.methods {
		targets[m] = struct{}{}
	}
	resolvers := append([]ResolveFunc{}, b.resolvers...)
	fields := append([]fieldRules{}, b.fields...)

	return func(ctx context.Context, hc *service.Ctx) error {
		if _, ok := targets[hc.Method]; !ok {
			return nil
		}
		data, err := payloadObject(hc)
		if err != nil {
			return err
		}
		for _, fn := range resolvers {
			if rerr := fn(ctx, hc, data); rerr != nil {
				return errdefs.Convert(rerr)
			}
		}
		violations := make(map[string]string)
		for _, f := range fields {
			if _, seen := violations[f.path]; seen {
				continue
			}
			v, present := LookupPath(data, f.path)
			for _, rule := range f.rules {
				if verr := rule(v, present); verr != nil {
					violations[f.path] = verr.Error()
					break
				}
			}
		}
		if len(violations) > 0 {
			return errdefs.Unprocessable("validation failed").WithErrors(violations)
		}
		return nil
	}
}

// Bind registers the hook on the service for each target method.
func (b *Builder) Bind(rs *service.RegisteredService) {
	hook := b.Hook()
	for _, m := range b.methods {
		rs.Hooks().Before(m, hook)
	}
}

// payloadObject coerces the hook data to an object, materializing an
// empty one for nil so required-field rules still fire.
func payloadObject(hc *service.Ctx) (map[string]any, error) {
	switch data := hc.Data.(type) {
	case nil:
		obj := make(map[string]any)
		hc.Data = obj
		return obj, nil
	case map[string]any:
		return data, nil
	default:
		return nil, errdefs.Unprocessable("payload must be an object")
	}
}
