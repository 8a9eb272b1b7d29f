package reter

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// CompareOp names a built-in comparison predicate (spec §4.5).
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpContains
	OpRegex
	OpStrStarts
	OpStrEnds
	OpBound
)

// Predicate is one FILTER conjunct: either a comparison between a variable
// and a literal (or another variable), or an existence test (BOUND).
type Predicate struct {
	Op       CompareOp
	Var      string
	Literal  string
	OtherVar string // set instead of Literal when comparing two variables
	isVarCmp bool
}

// ValuesClause restricts Var to one of the given allowed values (spec §6
// pattern(..., values?, ...)).
type ValuesClause struct {
	Var     string
	Allowed []string
}

// filterNode applies a conjunction of built-in predicates and/or a VALUES
// clause to a token's bindings, passing through unchanged tokens that
// satisfy every conjunct (spec §4.3). It holds no memory: whether a token
// passes depends only on its (already-fixed) bindings, so retracts
// re-evaluate identically to the matching add.
type filterNode struct {
	predicates []Predicate
	values     []ValuesClause
}

func (f *filterNode) receive(m msg) []msg {
	if !f.eval(m.tok.Binding) {
		return nil
	}
	return []msg{m}
}

func (f *filterNode) eval(b Binding) bool {
	for _, vc := range f.values {
		v, ok := b[vc.Var]
		if !ok {
			return false
		}
		found := false
		for _, allowed := range vc.Allowed {
			if allowed == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, p := range f.predicates {
		if !evalPredicate(p, b) {
			return false
		}
	}
	return true
}

func evalPredicate(p Predicate, b Binding) bool {
	if p.Op == OpBound {
		_, ok := b[p.Var]
		return ok
	}
	left, leftOK := b[p.Var]
	if !leftOK {
		return false
	}
	right := p.Literal
	if p.isVarCmp {
		v, ok := b[p.OtherVar]
		if !ok {
			return false
		}
		right = v
	}

	switch p.Op {
	case OpContains:
		return strings.Contains(left, right)
	case OpStrStarts:
		return strings.HasPrefix(left, right)
	case OpStrEnds:
		return strings.HasSuffix(left, right)
	case OpRegex:
		re, err := regexp.Compile(right)
		if err != nil {
			return false
		}
		return re.MatchString(left)
	}

	cmp, numeric := compareValues(left, right)
	switch p.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	}
	_ = numeric
	return false
}

// compareValues compares two strings numerically if both parse as an
// IEEE-754 double, falling back to lexicographic comparison otherwise
// (spec §4.5 "Numeric coercion"). The second return reports whether the
// numeric path was taken.
func compareValues(a, b string) (int, bool) {
	an, aerr := strconv.ParseFloat(a, 64)
	bn, berr := strconv.ParseFloat(b, 64)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}
	return strings.Compare(a, b), false
}

// isNumeric reports whether s parses as an IEEE-754 double.
func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// sortStrings returns a sorted copy of ss. Nothing in the package calls it
// at present.
func sortStrings(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}
