package index

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/chrondb/chrondb/pkg/metrics"
	"github.com/chrondb/chrondb/pkg/query"
)

// Search executes a query AST against one branch's entries. Given the
// same corpus and query, the result is deterministic: sorting uses
// keyword values with a stable tie-break on id, and pagination applies
// after the sort.
func (x *Index) Search(q query.Clause, opts query.Options) (query.Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.QueryDuration)

	x.mu.RLock()
	docs := x.branches[opts.Branch]
	// Snapshot the candidate set so evaluation runs without the lock.
	snapshot := make(map[string]*entry, len(docs))
	for id, e := range docs {
		snapshot[id] = e
	}
	x.mu.RUnlock()

	matched, err := eval(q, snapshot)
	if err != nil {
		return query.Result{}, err
	}

	ids := make([]string, 0, len(matched))
	for id := range matched {
		ids = append(ids, id)
	}
	sortIDs(ids, snapshot, opts.Sort)

	total := len(ids)

	offset := opts.Offset
	if opts.Cursor != "" {
		offset, err = query.DecodeCursor(opts.Cursor)
		if err != nil {
			return query.Result{}, err
		}
	}
	if offset > len(ids) {
		offset = len(ids)
	}
	ids = ids[offset:]

	var cursor string
	if opts.Limit > 0 && len(ids) > opts.Limit {
		ids = ids[:opts.Limit]
		cursor = query.EncodeCursor(offset + opts.Limit)
	}

	return query.Result{IDs: ids, Total: total, Cursor: cursor}, nil
}

// eval reduces a clause to the set of matching ids. The clause kinds
// form a closed set; an unknown type is a programming error surfaced as
// such.
func eval(q query.Clause, docs map[string]*entry) (map[string]bool, error) {
	switch c := q.(type) {
	case query.MatchAll, *query.MatchAll:
		out := make(map[string]bool, len(docs))
		for id := range docs {
			out[id] = true
		}
		return out, nil

	case query.Term:
		return evalTerm(c, docs), nil
	case *query.Term:
		return evalTerm(*c, docs), nil

	case query.Range:
		return evalRange(c, docs), nil
	case *query.Range:
		return evalRange(*c, docs), nil

	case query.FTS:
		return evalFTS(c, docs), nil
	case *query.FTS:
		return evalFTS(*c, docs), nil

	case query.And:
		return evalAnd(c.Clauses, docs)
	case *query.And:
		return evalAnd(c.Clauses, docs)

	case query.Or:
		return evalOr(c.Clauses, docs)
	case *query.Or:
		return evalOr(c.Clauses, docs)

	case query.Not:
		return evalNot(c.Clause, docs)
	case *query.Not:
		return evalNot(c.Clause, docs)

	default:
		return nil, fmt.Errorf("unknown query clause type %T", q)
	}
}

func evalTerm(c query.Term, docs map[string]*entry) map[string]bool {
	out := make(map[string]bool)
	for id, e := range docs {
		if v, ok := e.keywords[c.Field]; ok && scalarEqual(v, c.Value) {
			out[id] = true
		}
	}
	return out
}

func evalRange(c query.Range, docs map[string]*entry) map[string]bool {
	out := make(map[string]bool)
	for id, e := range docs {
		v, ok := e.keywords[c.Field]
		if !ok {
			continue
		}
		if c.From != nil {
			if cmp, ok := compareValues(v, c.From); !ok || cmp < 0 {
				continue
			}
		}
		if c.To != nil {
			if cmp, ok := compareValues(v, c.To); !ok || cmp > 0 {
				continue
			}
		}
		out[id] = true
	}
	return out
}

func evalFTS(c query.FTS, docs map[string]*entry) map[string]bool {
	queryTokens := Tokenize(c.Query)
	out := make(map[string]bool)
	if len(queryTokens) == 0 {
		return out
	}
	for id, e := range docs {
		if ftsMatches(e, c.Field, queryTokens) {
			out[id] = true
		}
	}
	return out
}

// ftsMatches requires every query token to match some indexed token of
// the targeted field (or of any text field when the target is empty).
func ftsMatches(e *entry, field string, queryTokens []string) bool {
	for _, qt := range queryTokens {
		found := false
		if field != "" {
			for _, it := range e.tokens[field] {
				if matchToken(it, qt) {
					found = true
					break
				}
			}
		} else {
			for _, fieldTokens := range e.tokens {
				for _, it := range fieldTokens {
					if matchToken(it, qt) {
						found = true
						break
					}
				}
				if found {
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func evalAnd(clauses []query.Clause, docs map[string]*entry) (map[string]bool, error) {
	if len(clauses) == 0 {
		return map[string]bool{}, nil
	}
	acc, err := eval(clauses[0], docs)
	if err != nil {
		return nil, err
	}
	for _, c := range clauses[1:] {
		next, err := eval(c, docs)
		if err != nil {
			return nil, err
		}
		for id := range acc {
			if !next[id] {
				delete(acc, id)
			}
		}
	}
	return acc, nil
}

func evalOr(clauses []query.Clause, docs map[string]*entry) (map[string]bool, error) {
	acc := make(map[string]bool)
	for _, c := range clauses {
		next, err := eval(c, docs)
		if err != nil {
			return nil, err
		}
		for id := range next {
			acc[id] = true
		}
	}
	return acc, nil
}

func evalNot(clause query.Clause, docs map[string]*entry) (map[string]bool, error) {
	matched, err := eval(clause, docs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for id := range docs {
		if !matched[id] {
			out[id] = true
		}
	}
	return out, nil
}

// scalarEqual compares JSON scalars; numbers compare numerically so
// int-typed caller values meet float64-typed decoded values.
func scalarEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

// compareValues orders two keyword values of the same shape. ok is
// false for incomparable pairs.
func compareValues(a, b interface{}) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	ba, okA := a.(bool)
	bb, okB := b.(bool)
	if okA && okB {
		switch {
		case ba == bb:
			return 0, true
		case !ba:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
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
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// sortIDs orders ids by the sort descriptors over keyword values, with
// missing values last and a stable tie-break on id.
func sortIDs(ids []string, docs map[string]*entry, descriptors []query.Sort) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := docs[ids[i]], docs[ids[j]]
		for _, d := range descriptors {
			va, okA := a.keywords[d.Field]
			vb, okB := b.keywords[d.Field]
			if !okA && !okB {
				continue
			}
			if !okA {
				return false
			}
			if !okB {
				return true
			}
			cmp, ok := compareValues(va, vb)
			if !ok || cmp == 0 {
				continue
			}
			if d.Order == query.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return ids[i] < ids[j]
	})
}
