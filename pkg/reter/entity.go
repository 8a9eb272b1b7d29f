package reter

import (
	"sort"
	"strconv"
	"strings"
)

// MergeStrategy names how EntityAccumulator combines repeated writes to the
// same attribute of the same entity (spec §3).
type MergeStrategy int

const (
	// SingleValue: first write wins; later equal writes are fine; later
	// conflicting writes are rejected (kept as the first value) and
	// recorded in the accumulator's conflict log.
	SingleValue MergeStrategy = iota
	// CollectAll: comma-joined ordered union of distinct values.
	CollectAll
	// BooleanOr: any "true" value wins.
	BooleanOr
	// MaxNumeric: keep the numerically largest value seen.
	MaxNumeric
	// Replace: last write always wins.
	Replace
)

// canonicalAttrForShape names, per fact type, which attribute holds the
// canonical entity id that facts of that shape accumulate under.
var canonicalAttrForShape = map[string]string{
	"instance_of":     attrIndividual,
	"role_assertion":   attrSubject,
	"data_assertion":   attrSubject,
}

// Conflict records a rejected SingleValue write.
type Conflict struct {
	EntityID, Attr, Kept, Rejected string
}

// EntityAccumulator deduplicates facts sharing a canonical entity id,
// merging per attribute according to a configured MergeStrategy (spec
// §4.2, C2). It is active only between BeginEntityAccumulation and
// EndEntityAccumulation on a Network.
type EntityAccumulator struct {
	strategies map[string]MergeStrategy // attr name -> strategy
	defaultStrategy MergeStrategy

	// pending maps (shape, entityID) -> accumulated attribute values,
	// keeping first-seen attribute order for deterministic CollectAll
	// joins and deterministic end-of-accumulation emission order.
	pending map[entityKey]*accumulated
	order   []entityKey

	Conflicts []Conflict
}

type entityKey struct {
	shape, id string
}

type accumulated struct {
	attrs      map[string]string
	collected  map[string][]string // CollectAll distinct-value order
	order      []string            // attribute first-seen order
}

// NewEntityAccumulator builds an accumulator. strategies maps attribute name
// to MergeStrategy; unlisted attributes use SingleValue.
func NewEntityAccumulator(strategies map[string]MergeStrategy) *EntityAccumulator {
	return &EntityAccumulator{
		strategies: strategies,
		pending:    make(map[entityKey]*accumulated),
	}
}

func (ea *EntityAccumulator) strategyFor(attr string) MergeStrategy {
	if s, ok := ea.strategies[attr]; ok {
		return s
	}
	return ea.defaultStrategy
}

// Route folds attrs into the accumulator under its canonical entity id,
// rather than emitting a distinct fact. It returns false if the fact shape
// has no canonical entity attribute and should be added directly instead.
func (ea *EntityAccumulator) Route(attrs map[string]string) bool {
	shape := attrs["type"]
	canon, ok := canonicalAttrForShape[shape]
	if !ok {
		return false
	}
	entityID, ok := attrs[canon]
	if !ok || entityID == "" {
		return false
	}

	key := entityKey{shape: shape, id: entityID}
	acc, exists := ea.pending[key]
	if !exists {
		acc = &accumulated{attrs: make(map[string]string), collected: make(map[string][]string)}
		ea.pending[key] = acc
		ea.order = append(ea.order, key)
	}

	for attr, val := range attrs {
		ea.mergeOne(acc, entityID, attr, val)
	}
	return true
}

func (ea *EntityAccumulator) mergeOne(acc *accumulated, entityID, attr, val string) {
	if _, seen := acc.attrs[attr]; !seen {
		acc.order = append(acc.order, attr)
	}

	switch ea.strategyFor(attr) {
	case CollectAll:
		for _, existing := range acc.collected[attr] {
			if existing == val {
				acc.attrs[attr] = strings.Join(acc.collected[attr], ",")
				return
			}
		}
		acc.collected[attr] = append(acc.collected[attr], val)
		acc.attrs[attr] = strings.Join(acc.collected[attr], ",")
	case BooleanOr:
		if acc.attrs[attr] == "true" {
			return
		}
		acc.attrs[attr] = val
	case MaxNumeric:
		cur, curOK := acc.attrs[attr]
		if !curOK {
			acc.attrs[attr] = val
			return
		}
		curN, err1 := strconv.ParseFloat(cur, 64)
		newN, err2 := strconv.ParseFloat(val, 64)
		if err1 == nil && err2 == nil && newN > curN {
			acc.attrs[attr] = val
		} else if err1 != nil {
			acc.attrs[attr] = val
		}
	case Replace:
		acc.attrs[attr] = val
	default: // SingleValue
		cur, curOK := acc.attrs[attr]
		if !curOK {
			acc.attrs[attr] = val
			return
		}
		if cur != val {
			ea.Conflicts = append(ea.Conflicts, Conflict{
				EntityID: entityID, Attr: attr, Kept: cur, Rejected: val,
			})
		}
	}
}

// Flush emits one consolidated attribute map per accumulated entity, in
// first-seen order, and clears accumulator state. Called at
// EndEntityAccumulation.
func (ea *EntityAccumulator) Flush() []map[string]string {
	out := make([]map[string]string, 0, len(ea.order))
	for _, key := range ea.order {
		acc := ea.pending[key]
		attrs := make(map[string]string, len(acc.order))
		for _, a := range acc.order {
			attrs[a] = acc.attrs[a]
		}
		out = append(out, attrs)
	}
	ea.pending = make(map[entityKey]*accumulated)
	ea.order = nil
	return out
}

// sortedKeys returns m's keys in sorted order; the executor uses it to build
// deterministic row keys.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
