// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"encoding/json"
	"reflect"

	"github.com/absmach/journal/message"
	"github.com/absmach/journal/topics"
)

// Predicate is the in-process native form of a query.
type Predicate func(msg *message.Message) bool

// Filter translates q into an in-process predicate following the storage
// translation rules: ids and topics are OR groups, the timestamp bounds are
// ANDed, payload keys are an OR of value equality, and the groups are ANDed.
// Empty groups are omitted. A nil query matches everything.
func Filter(q *Query) Predicate {
	if q.IsEmpty() {
		return func(*message.Message) bool { return true }
	}

	var preds []Predicate

	if len(q.IDs) > 0 {
		ids := make(map[string]struct{}, len(q.IDs))
		for _, id := range q.IDs {
			ids[id] = struct{}{}
		}
		preds = append(preds, func(m *message.Message) bool {
			_, ok := ids[m.ID()]
			return ok
		})
	}

	if len(q.Topics) > 0 {
		exact, wildcard := topics.Literals(q.Topics)
		preds = append(preds, func(m *message.Message) bool {
			for _, t := range exact {
				if t == m.Topic() {
					return true
				}
			}
			return topics.MatchAny(wildcard, m.Topic())
		})
	}

	if !q.Timestamp.IsZero() {
		r := q.Timestamp
		preds = append(preds, func(m *message.Message) bool {
			return r.Contains(m.Timestamp())
		})
	}

	if len(q.Payload) > 0 {
		payload := q.Payload
		preds = append(preds, func(m *message.Message) bool {
			for key, want := range payload {
				got, err := m.Get(key)
				if err == nil && Equal(got, want) {
					return true
				}
			}
			return false
		})
	}

	return func(m *message.Message) bool {
		for _, p := range preds {
			if !p(m) {
				return false
			}
		}
		return true
	}
}

// Equal compares two payload values the way a JSON document store would:
// numbers compare by value regardless of their Go type, maps and slices
// compare element-wise.
func Equal(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}

	switch av := a.(type) {
	case nil:
		return b == nil
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
