package amelisa

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash"
)

// Expression is a filter over document states, a small mongo-flavoured
// subset: top-level fields are dot paths matched by equality or by an
// operator object ($ne, $in, $gt, $gte, $lt, $lte, $exists). The special
// keys $orderby, $limit, $skip and $count shape the result instead of
// filtering.
type Expression map[string]any

// Hash identifies the expression: xxhash over its canonical JSON
// encoding (object keys sort deterministically).
func (e Expression) Hash() string {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("badexpr:%v", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(raw))
}

// IsDocs reports whether the query yields documents (ids on the wire), as
// opposed to a derived scalar like $count.
func (e Expression) IsDocs() bool {
	count, _ := e["$count"].(bool)
	return !count
}

// Match evaluates the filter part against one document state.
func (e Expression) Match(state map[string]any) bool {
	if state == nil {
		return false
	}
	for field, cond := range e {
		if len(field) > 0 && field[0] == '$' {
			continue
		}
		value := getPath(state, field)
		if !matchCondition(value, cond) {
			return false
		}
	}
	return true
}

// Eval filters, orders and trims the given states.
func (e Expression) Eval(states []map[string]any) []map[string]any {
	var result []map[string]any
	for _, state := range states {
		if e.Match(state) {
			result = append(result, state)
		}
	}

	if orderby, ok := e["$orderby"].(map[string]any); ok {
		fields := make([]string, 0, len(orderby))
		for field := range orderby {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		sort.SliceStable(result, func(i, j int) bool {
			for _, field := range fields {
				dir := 1
				if n, ok := toFloat(orderby[field]); ok && n < 0 {
					dir = -1
				}
				c := compareValues(getPath(result[i], field), getPath(result[j], field))
				if c != 0 {
					return c*dir < 0
				}
			}
			return false
		})
	} else {
		// Stable result order for diffing: sort by id.
		sort.SliceStable(result, func(i, j int) bool {
			return docIdOf(result[i]) < docIdOf(result[j])
		})
	}

	if skip, ok := toFloat(e["$skip"]); ok && int(skip) > 0 {
		if int(skip) >= len(result) {
			result = nil
		} else {
			result = result[int(skip):]
		}
	}
	if limit, ok := toFloat(e["$limit"]); ok && int(limit) > 0 && int(limit) < len(result) {
		result = result[:int(limit)]
	}
	return result
}

// EvalIds returns the ids of the matching docs, in result order.
func (e Expression) EvalIds(states []map[string]any) []string {
	docs := e.Eval(states)
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, docIdOf(doc))
	}
	return ids
}

func docIdOf(state map[string]any) string {
	id, _ := state["_id"].(string)
	return id
}

func getPath(state map[string]any, field string) any {
	var node any = state
	for _, part := range parsePath(field) {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[part]
	}
	return node
}

func matchCondition(value, cond any) bool {
	ops, ok := cond.(map[string]any)
	if !ok {
		return fastEqual(value, cond)
	}

	plain := true
	for key := range ops {
		if len(key) > 0 && key[0] == '$' {
			plain = false
			break
		}
	}
	if plain {
		// A nested object without operators is an equality match.
		return fastEqual(value, cond)
	}

	for op, arg := range ops {
		switch op {
		case "$ne":
			if fastEqual(value, arg) {
				return false
			}
		case "$in":
			list, _ := arg.([]any)
			found := false
			for _, item := range list {
				if fastEqual(value, item) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "$gt":
			if !(value != nil && compareValues(value, arg) > 0) {
				return false
			}
		case "$gte":
			if !(value != nil && compareValues(value, arg) >= 0) {
				return false
			}
		case "$lt":
			if !(value != nil && compareValues(value, arg) < 0) {
				return false
			}
		case "$lte":
			if !(value != nil && compareValues(value, arg) <= 0) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if (value != nil) != want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func compareValues(a, b any) int {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	sa := fmt.Sprintf("%v", a)
	sb := fmt.Sprintf("%v", b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
