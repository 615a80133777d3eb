package amelisa

import (
	"encoding/json"
	"strings"
)

// deepClone copies a decoded-JSON value (maps, slices, scalars). Payloads
// cross replica boundaries, so they must never share mutable containers.
func deepClone(value any) any {
	switch v := value.(type) {
	case map[string]any:
		clone := make(map[string]any, len(v))
		for k, item := range v {
			clone[k] = deepClone(item)
		}
		return clone
	case []any:
		clone := make([]any, len(v))
		for i, item := range v {
			clone[i] = deepClone(item)
		}
		return clone
	default:
		return v
	}
}

func cloneState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	return deepClone(state).(map[string]any)
}

// fastEqual compares two decoded-JSON values by their canonical encoding.
func fastEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ja) == string(jb)
}

// parsePath splits a dot-delimited field path.
func parsePath(field string) []string {
	return strings.Split(field, ".")
}

// isLocalCollection reports whether a collection is client-only and never
// talks to a store. Names starting with "_" are session-local, "$" are
// framework-internal.
func isLocalCollection(collectionName string) bool {
	if collectionName == "" {
		return false
	}
	return collectionName[0] == '_' || collectionName[0] == '$'
}

func removeString(list []string, s string) []string {
	for i, item := range list {
		if item == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
