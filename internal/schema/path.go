package schema

import (
	"fmt"
	"strconv"
	"strings"
)

type pathSeg struct {
	key     string
	indexes []int
}

// parsePath splits "tags[0].email" into segments with optional indexes.
// A malformed path resolves nothing rather than erroring; rule authors
// see it as an absent field.
func parsePath(path string) ([]pathSeg, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	segs := make([]pathSeg, 0, len(parts))
	for _, part := range parts {
		key := part
		var indexes []int
		for {
			open := strings.IndexByte(key, '[')
			if open < 0 {
				break
			}
			rest := key[open:]
			key = key[:open]
			for len(rest) > 0 {
				if rest[0] != '[' {
					return nil, false
				}
				closeIdx := strings.IndexByte(rest, ']')
				if closeIdx < 0 {
					return nil, false
				}
				n, err := strconv.Atoi(rest[1:closeIdx])
				if err != nil || n < 0 {
					return nil, false
				}
				indexes = append(indexes, n)
				rest = rest[closeIdx+1:]
			}
			break
		}
		if key == "" {
			return nil, false
		}
		segs = append(segs, pathSeg{key: key, indexes: indexes})
	}
	return segs, true
}

// LookupPath resolves a dotted, optionally indexed path against an
// object payload.
func LookupPath(data map[string]any, path string) (any, bool) {
	segs, ok := parsePath(path)
	if !ok {
		return nil, false
	}
	var cur any = data
	for _, seg := range segs {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg.key]
		if !ok {
			return nil, false
		}
		for _, idx := range seg.indexes {
			arr, ok := cur.([]any)
			if !ok || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
		}
	}
	return cur, true
}

// SetPath writes a value at a dotted path, materializing intermediate
// objects. Indexed segments must already exist; growing arrays is not a
// resolver's job.
func SetPath(data map[string]any, path string, value any) error {
	segs, ok := parsePath(path)
	if !ok {
		return fmt.Errorf("bad path %q", path)
	}
	var cur any = data
	for i, seg := range segs {
		obj, ok := cur.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q: segment %q is not an object", path, seg.key)
		}
		last := i == len(segs)-1
		if last && len(seg.indexes) == 0 {
			obj[seg.key] = value
			return nil
		}
		next, exists := obj[seg.key]
		if !exists {
			if len(seg.indexes) > 0 {
				return fmt.Errorf("path %q: array %q does not exist", path, seg.key)
			}
			child := make(map[string]any)
			obj[seg.key] = child
			next = child
		}
		for j, idx := range seg.indexes {
			arr, ok := next.([]any)
			if !ok || idx >= len(arr) {
				return fmt.Errorf("path %q: index %d out of range", path, idx)
			}
			if last && j == len(seg.indexes)-1 {
				arr[idx] = value
				return nil
			}
			next = arr[idx]
		}
		cur = next
	}
	return nil
}
