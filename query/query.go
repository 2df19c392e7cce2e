// Package query implements the equality matcher described in spec §4.5:
// a document matches a query iff every key in the query compares deep-equal
// against the document's value for that key, and a missing field never
// matches a non-missing value. Index-intersection planning lives in the
// group package, which owns the index structures; this package is the
// scan-and-compare primitive the planner falls back to.
package query

import "reflect"

// Query is a flat equality query: field name -> expected value.
type Query map[string]interface{}

// Match reports whether doc satisfies every constraint in q.
func Match(doc map[string]interface{}, q Query) bool {
	for field, want := range q {
		got, present := doc[field]
		if !present {
			return false
		}
		if !Equal(got, want) {
			return false
		}
	}
	return true
}

// Equal compares two decoded document values for equality. Documents pass
// through MsgPack round trips, which can change an integer's concrete Go
// type (e.g. int vs int64 vs uint64); Equal normalizes numeric kinds before
// falling back to reflect.DeepEqual so such round trips never break a
// query that was true before persistence.
func Equal(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Scan runs Match against every document in docs and returns the matching
// ids, in the fallback full-scan path of Group.Find (spec §4.5 step 4).
func Scan(docs map[string]map[string]interface{}, q Query) []string {
	var ids []string
	for id, doc := range docs {
		if Match(doc, q) {
			ids = append(ids, id)
		}
	}
	return ids
}
