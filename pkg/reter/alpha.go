package reter

// alphaTest is one `attribute = constant` conjunct (spec §4.3: "holds a
// conjunction of attribute = constant tests").
type alphaTest struct {
	attr  string
	value string
}

// bindSlot extracts one variable binding from a matched fact's attribute,
// part of the planner's binding extractor (spec §4.4 step 5).
type bindSlot struct {
	attr string
	vr   string // REQL variable name, without leading '?'
}

// alphaNode is a constant-test node: it holds a conjunction of attribute
// tests and, on match, extracts variable bindings to produce a one-fact
// token it hands to the network's first-test index for O(1) dispatch
// (spec §4.3). Because alpha nodes are always roots of a network fragment,
// they have no "receive" — the Network drives them directly from fact
// store events via indexKey.
type alphaNode struct {
	tests []alphaTest
	binds []bindSlot
}

// matches reports whether f satisfies every test.
func (a *alphaNode) matches(in *interner, f *Fact) bool {
	for _, t := range a.tests {
		v, ok := f.Get(in, t.attr)
		if !ok || v != t.value {
			return false
		}
	}
	return true
}

// extract builds the one-fact token for f, applying same-as canonicalization
// to any bound individual/subject/object values via resolve.
func (a *alphaNode) extract(in *interner, f *Fact, resolve func(string) string) *Token {
	b := make(Binding, len(a.binds))
	for _, slot := range a.binds {
		if v, ok := f.Get(in, slot.attr); ok {
			if resolve != nil && individualAttrs[slot.attr] {
				v = resolve(v)
			}
			b[slot.vr] = v
		}
	}
	return &Token{Facts: []FactID{f.ID}, Binding: b, minSeq: f.Seq}
}

// indexKey returns the first test's (attr,value) pair, used by the network
// to dispatch a changed fact to only the alpha nodes that could possibly
// match it, without scanning every alpha node in the network (spec §4.3:
// "indexed from the root by the first such test for O(1) dispatch").
func (a *alphaNode) indexKey(in *interner) (invKey, bool) {
	if len(a.tests) == 0 {
		return invKey{}, false
	}
	return invKey{attr: in.intern(a.tests[0].attr), val: a.tests[0].value}, true
}
