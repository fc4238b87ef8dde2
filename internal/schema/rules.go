package schema

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/yungbote/keel/internal/service"
)

// Required fails on absent, nil or empty-string values.
func Required() Rule {
	return func(v any, present bool) error {
		if !present || v == nil {
			return errors.New("is required")
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			return errors.New("is required")
		}
		return nil
	}
}

// IsString fails on present non-string values.
func IsString() Rule {
	return func(v any, present bool) error {
		if !present {
			return nil
		}
		if _, ok := v.(string); !ok {
			return errors.New("must be a string")
		}
		return nil
	}
}

func MinLen(n int) Rule {
	return func(v any, present bool) error {
		if !present {
			return nil
		}
		s, ok := v.(string)
		if !ok {
			return errors.New("must be a string")
		}
		if len(s) < n {
			return fmt.Errorf("must be at least %d characters", n)
		}
		return nil
	}
}

func MaxLen(n int) Rule {
	return func(v any, present bool) error {
		if !present {
			return nil
		}
		s, ok := v.(string)
		if !ok {
			return errors.New("must be a string")
		}
		if len(s) > n {
			return fmt.Errorf("must be at most %d characters", n)
		}
		return nil
	}
}

// Matches applies a compiled pattern to string values. msg is the
// violation text shown for the field.
func Matches(re *regexp.Regexp, msg string) Rule {
	return func(v any, present bool) error {
		if !present {
			return nil
		}
		s, ok := v.(string)
		if !ok {
			return errors.New("must be a string")
		}
		if !re.MatchString(s) {
			return errors.New(msg)
		}
		return nil
	}
}

// IsNumber accepts JSON numbers (float64) and Go integer literals.
func IsNumber() Rule {
	return func(v any, present bool) error {
		if !present {
			return nil
		}
		if _, ok := asFloat(v); !ok {
			return errors.New("must be a number")
		}
		return nil
	}
}

func Min(limit float64) Rule {
	return func(v any, present bool) error {
		if !present {
			return nil
		}
		f, ok := asFloat(v)
		if !ok {
			return errors.New("must be a number")
		}
		if f < limit {
			return fmt.Errorf("must be at least %g", limit)
		}
		return nil
	}
}

func Max(limit float64) Rule {
	return func(v any, present bool) error {
		if !present {
			return nil
		}
		f, ok := asFloat(v)
		if !ok {
			return errors.New("must be a number")
		}
		if f > limit {
			return fmt.Errorf("must be at most %g", limit)
		}
		return nil
	}
}

// OneOf restricts a string field to a closed set.
func OneOf(allowed ...string) Rule {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	return func(v any, present bool) error {
		if !present {
			return nil
		}
		s, ok := v.(string)
		if !ok {
			return errors.New("must be a string")
		}
		if _, ok := set[s]; !ok {
			return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
		}
		return nil
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// TrimStrings is a resolver trimming whitespace on the given paths.
func TrimStrings(paths ...string) ResolveFunc {
	return func(ctx context.Context, hc *service.Ctx, data map[string]any) error {
		for _, p := range paths {
			if v, ok := LookupPath(data, p); ok {
				if s, isStr := v.(string); isStr {
					if err := SetPath(data, p, strings.TrimSpace(s)); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}
}

// DefaultValue is a resolver filling an absent path.
func DefaultValue(path string, value any) ResolveFunc {
	return func(ctx context.Context, hc *service.Ctx, data map[string]any) error {
		if _, ok := LookupPath(data, path); !ok {
			return SetPath(data, path, value)
		}
		return nil
	}
}
