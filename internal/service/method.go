package service

import "sort"

// Method is a service method kind. The six standard kinds cover the
// find/get/create/update/patch/remove surface; anything else is a custom
// method dispatched through CustomCaller.
type Method string

const (
	MethodFind   Method = "find"
	MethodGet    Method = "get"
	MethodCreate Method = "create"
	MethodUpdate Method = "update"
	MethodPatch  Method = "patch"
	MethodRemove Method = "remove"

	// MethodAll is the wildcard accepted by hook registration.
	MethodAll Method = "*"
)

// Custom names a non-standard method.
func Custom(name string) Method { return Method(name) }

func (m Method) Standard() bool {
	switch m {
	case MethodFind, MethodGet, MethodCreate, MethodUpdate, MethodPatch, MethodRemove:
		return true
	default:
		return false
	}
}

// Write reports whether the method mutates service data and therefore
// emits a standard event on success.
func (m Method) Write() bool {
	switch m {
	case MethodCreate, MethodUpdate, MethodPatch, MethodRemove:
		return true
	default:
		return false
	}
}

// EventName is the standard event emitted after a successful write.
func (m Method) EventName() string {
	switch m {
	case MethodCreate:
		return "created"
	case MethodUpdate:
		return "updated"
	case MethodPatch:
		return "patched"
	case MethodRemove:
		return "removed"
	default:
		return ""
	}
}

// MethodSet is a service's declared capability set.
type MethodSet struct {
	methods map[Method]struct{}
}

func NewMethodSet(ms ...Method) MethodSet {
	set := MethodSet{methods: make(map[Method]struct{}, len(ms))}
	for _, m := range ms {
		set.methods[m] = struct{}{}
	}
	return set
}

// AllStandard is the full standard capability set.
func AllStandard() MethodSet {
	return NewMethodSet(MethodFind, MethodGet, MethodCreate, MethodUpdate, MethodPatch, MethodRemove)
}

// ReadOnly covers find and get.
func ReadOnly() MethodSet {
	return NewMethodSet(MethodFind, MethodGet)
}

func (s MethodSet) Has(m Method) bool {
	_, ok := s.methods[m]
	return ok
}

func (s MethodSet) With(ms ...Method) MethodSet {
	out := MethodSet{methods: make(map[Method]struct{}, len(s.methods)+len(ms))}
	for m := range s.methods {
		out.methods[m] = struct{}{}
	}
	for _, m := range ms {
		out.methods[m] = struct{}{}
	}
	return out
}

func (s MethodSet) List() []Method {
	out := make([]Method, 0, len(s.methods))
	for m := range s.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
