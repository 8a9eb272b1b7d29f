package reter

import (
	"hash/fnv"
	"sort"
)

// FactID uniquely identifies a fact within a single network.
type FactID uint64

// attrPair is one (interned attribute, string value) entry in a fact's
// sorted attribute array.
type attrPair struct {
	id    attrID
	value string
}

// Fact is a mapping from attribute name to string value (spec §3). The
// pairs slice is always kept sorted by attrID so that two facts are
// structurally comparable and hashable by a simple array walk, never a
// general map.
type Fact struct {
	ID FactID

	pairs []attrPair

	// Sources is the set of source tags that contributed this fact.
	Sources map[string]struct{}

	// Seq is the monotone insertion sequence used for tie-breaks (§3).
	Seq uint64

	// Inferred marks a fact asserted by a rule action or template rather
	// than by ingress.
	Inferred bool

	// InferredBy names the rule or template that derived this fact, empty
	// for asserted facts.
	InferredBy string

	// Support holds the fact ids whose continued presence this inference
	// depends on (§3 Invariants: "truth-maintenance by reference counting
	// of support tokens"). Empty for non-inferred facts.
	Support []FactID
}

// NewFact builds a Fact from an attribute map, interning each attribute
// name against in. The "type" attribute, if absent, is left unset — callers
// that build canonical shapes should always supply it explicitly.
func newFact(in *interner, attrs map[string]string) *Fact {
	pairs := make([]attrPair, 0, len(attrs))
	for k, v := range attrs {
		pairs = append(pairs, attrPair{id: in.intern(k), value: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].id < pairs[j].id })
	return &Fact{pairs: pairs}
}

// Get returns the value of attribute name and whether it is present.
func (f *Fact) Get(in *interner, name string) (string, bool) {
	id, ok := in.lookup(name)
	if !ok {
		return "", false
	}
	return f.getByID(id)
}

func (f *Fact) getByID(id attrID) (string, bool) {
	// pairs is small (typically under a dozen entries); linear scan beats
	// a map lookup at this size and keeps Fact allocation-free beyond the
	// slice itself.
	for _, p := range f.pairs {
		if p.id == id {
			return p.value, true
		}
		if p.id > id {
			break
		}
	}
	return "", false
}

// Type returns the fact's implicit "type" attribute value.
func (f *Fact) Type(in *interner) string {
	v, _ := f.Get(in, attrType)
	return v
}

// Attrs materializes the fact as a plain map, for callers outside the hot
// path (logging, the ingress interface, snapshot serialization).
func (f *Fact) Attrs(in *interner) map[string]string {
	out := make(map[string]string, len(f.pairs))
	for _, p := range f.pairs {
		out[in.nameOf(p.id)] = p.value
	}
	return out
}

// fingerprint is a stable, order-independent hash of the attribute map,
// used for exact-duplicate detection (spec §4.1: "sort keys, then hash").
// pairs are already kept sorted, so this is a single pass.
func (f *Fact) fingerprint() uint64 {
	h := fnv.New64a()
	for _, p := range f.pairs {
		var idBuf [4]byte
		idBuf[0] = byte(p.id)
		idBuf[1] = byte(p.id >> 8)
		idBuf[2] = byte(p.id >> 16)
		idBuf[3] = byte(p.id >> 24)
		_, _ = h.Write(idBuf[:])
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(p.value))
		_, _ = h.Write([]byte{0xff})
	}
	return h.Sum64()
}

// canonicalShape names the fact shapes the core recognizes explicitly
// (spec §3 table). Anything else, including opaque CNL-emitted shapes, is
// carried without required-attribute validation.
type canonicalShape struct {
	typeName string
	required []string
}

var canonicalShapes = []canonicalShape{
	{"instance_of", []string{attrIndividual, attrConcept}},
	{"role_assertion", []string{attrSubject, attrRole, attrObject}},
	{"data_assertion", []string{attrSubject, attrProperty, attrValue}},
	{"subsumption", []string{attrSub, attrSup}},
	{"same_as", []string{attrInd1, attrInd2}},
	{"property_chain", []string{attrSuperProperty, attrChain}},
	{"sub_property", []string{attrSub, attrSup}},
	{"some_values_from", []string{attrProperty, attrFiller}},
	{"all_values_from", []string{attrProperty, attrFiller}},
	{"min_cardinality", []string{attrProperty, attrCardinality}},
	{"max_cardinality", []string{attrProperty, attrCardinality}},
	{"exact_cardinality", []string{attrProperty, attrCardinality}},
}

// validateShape reports whether fact satisfies the required attributes for
// its declared type, and the missing attribute name if not. Unknown types
// (CNL-emitted opaque carriers) are always considered valid: spec §3 says
// those are "treated as opaque carriers".
func validateShape(in *interner, f *Fact) (ok bool, missing string) {
	t := f.Type(in)
	for _, shape := range canonicalShapes {
		if shape.typeName != t {
			continue
		}
		for _, req := range shape.required {
			if _, present := f.Get(in, req); !present {
				return false, req
			}
		}
		return true, ""
	}
	return true, ""
}
