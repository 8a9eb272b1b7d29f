package reter

import (
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/btree"
	"go.uber.org/zap"
)

// seqItem orders fact ids by insertion sequence inside a google/btree
// B-tree, giving Iterate and the unindexed attribute scan a stable
// ascending insertion order (spec §3: "tie-break among otherwise
// indistinguishable tokens is by insertion sequence, ascending") without
// re-sorting a slice on every read.
type seqItem struct {
	seq uint64
	id  FactID
}

func (a seqItem) Less(than btree.Item) bool {
	b := than.(seqItem)
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.id < b.id
}

// invKey identifies one (attribute, value) bucket in the inverted index.
type invKey struct {
	attr attrID
	val  string
}

// FactStore owns all working-memory facts (C1). It maps fact id to
// attribute map, maintains a source→facts index, and an inverted index over
// a configurable set of high-selectivity attributes. Only that inverted
// index, which serves IndexByAttribute, is backed by Roaring bitmaps; the
// source index is a plain map of id sets.
type FactStore struct {
	in  *interner
	log *zap.SugaredLogger

	facts map[FactID]*Fact
	order *btree.BTree // seqItem, insertion order

	byFingerprint map[uint64][]FactID // dedup: fingerprint -> candidate ids

	// inverted maps (attribute,value) -> bitmap of fact ids, for the
	// attributes named in indexed.
	inverted map[invKey]*roaring.Bitmap
	indexed  map[attrID]bool

	bySource map[string]map[FactID]struct{}

	nextID  uint64
	nextSeq uint64
}

// NewFactStore creates an empty store. indexedAttrs defaults to spec §4.1's
// minimal set (type, concept, individual, subject, role, property) when nil.
func NewFactStore(in *interner, log *zap.SugaredLogger, indexedAttrs []string) *FactStore {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if indexedAttrs == nil {
		indexedAttrs = defaultHighSelectivityAttrs
	}
	idx := make(map[attrID]bool, len(indexedAttrs))
	for _, name := range indexedAttrs {
		idx[in.intern(name)] = true
	}
	return &FactStore{
		in:            in,
		log:           log,
		facts:         make(map[FactID]*Fact),
		order:         btree.New(32),
		byFingerprint: make(map[uint64][]FactID),
		inverted:      make(map[invKey]*roaring.Bitmap),
		indexed:       idx,
		bySource:      make(map[string]map[FactID]struct{}),
	}
}

// Add inserts attrs as a new fact, rejecting exact duplicates (spec §4.1).
// It returns the (possibly pre-existing) fact id and whether a new fact was
// actually added.
func (s *FactStore) Add(attrs map[string]string) (FactID, bool) {
	return s.AddWithSource(attrs, "")
}

// AddWithSource is Add tagged with a source id for later bulk retraction.
// An empty sourceID means "no source tag".
func (s *FactStore) AddWithSource(attrs map[string]string, sourceID string) (FactID, bool) {
	f := newFact(s.in, attrs)
	fp := f.fingerprint()
	for _, candidate := range s.byFingerprint[fp] {
		if s.facts[candidate].equalPairs(f) {
			if sourceID != "" {
				s.tagSource(candidate, sourceID)
			}
			return candidate, false
		}
	}

	if ok, missing := validateShape(s.in, f); !ok {
		s.log.Warnw("malformed fact stored without match",
			"type", f.Type(s.in), "missing_attr", missing)
	}

	id := FactID(atomic.AddUint64(&s.nextID, 1))
	f.ID = id
	f.Seq = atomic.AddUint64(&s.nextSeq, 1)
	f.Sources = make(map[string]struct{})
	if sourceID != "" {
		f.Sources[sourceID] = struct{}{}
	}

	s.facts[id] = f
	s.order.ReplaceOrInsert(seqItem{seq: f.Seq, id: id})
	s.byFingerprint[fp] = append(s.byFingerprint[fp], id)
	s.indexFact(f)
	if sourceID != "" {
		s.tagSource(id, sourceID)
	}
	return id, true
}

func (s *FactStore) tagSource(id FactID, sourceID string) {
	if s.bySource[sourceID] == nil {
		s.bySource[sourceID] = make(map[FactID]struct{})
	}
	s.bySource[sourceID][id] = struct{}{}
	if f, ok := s.facts[id]; ok {
		f.Sources[sourceID] = struct{}{}
	}
}

func (s *FactStore) indexFact(f *Fact) {
	for _, p := range f.pairs {
		if !s.indexed[p.id] {
			continue
		}
		key := invKey{attr: p.id, val: p.value}
		bm := s.inverted[key]
		if bm == nil {
			bm = roaring.New()
			s.inverted[key] = bm
		}
		bm.Add(uint32(f.ID))
	}
}

func (s *FactStore) deindexFact(f *Fact) {
	for _, p := range f.pairs {
		if !s.indexed[p.id] {
			continue
		}
		key := invKey{attr: p.id, val: p.value}
		if bm := s.inverted[key]; bm != nil {
			bm.Remove(uint32(f.ID))
			if bm.IsEmpty() {
				delete(s.inverted, key)
			}
		}
	}
}

// Get returns the fact for id, if still live.
func (s *FactStore) Get(id FactID) (*Fact, bool) {
	f, ok := s.facts[id]
	return f, ok
}

// RemoveByID deletes a single fact by id. The caller (Network) is
// responsible for retracting it from the discrimination network first;
// FactStore itself only owns storage and indices.
func (s *FactStore) RemoveByID(id FactID) {
	f, ok := s.facts[id]
	if !ok {
		return
	}
	s.deindexFact(f)
	s.order.Delete(seqItem{seq: f.Seq, id: id})
	fp := f.fingerprint()
	s.byFingerprint[fp] = removeID(s.byFingerprint[fp], id)
	if len(s.byFingerprint[fp]) == 0 {
		delete(s.byFingerprint, fp)
	}
	for src := range f.Sources {
		delete(s.bySource[src], id)
		if len(s.bySource[src]) == 0 {
			delete(s.bySource, src)
		}
	}
	delete(s.facts, id)
}

// RemoveSource reports the ids tagged with sourceID without deleting them;
// the Network drives retraction through the discrimination network first,
// then calls RemoveByID for each. Returns a copy so callers may range over
// it while mutating the store.
func (s *FactStore) RemoveSource(sourceID string) []FactID {
	set := s.bySource[sourceID]
	ids := make([]FactID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Iterate calls fn for every live fact in insertion order, stopping early
// if fn returns false.
func (s *FactStore) Iterate(fn func(*Fact) bool) {
	cont := true
	s.order.Ascend(func(it btree.Item) bool {
		if !cont {
			return false
		}
		si := it.(seqItem)
		if f, ok := s.facts[si.id]; ok {
			cont = fn(f)
		}
		return cont
	})
}

// IndexByAttribute returns the ids of facts whose attribute equals value,
// using the inverted index when attr is indexed and falling back to a full
// scan otherwise (used by alpha-node compilation and find_facts).
func (s *FactStore) IndexByAttribute(attr, value string) []FactID {
	id, ok := s.in.lookup(attr)
	if ok && s.indexed[id] {
		bm, ok := s.inverted[invKey{attr: id, val: value}]
		if !ok {
			return nil
		}
		out := make([]FactID, 0, bm.GetCardinality())
		it := bm.Iterator()
		for it.HasNext() {
			out = append(out, FactID(it.Next()))
		}
		return out
	}
	var out []FactID
	s.Iterate(func(f *Fact) bool {
		if v, present := f.Get(s.in, attr); present && v == value {
			out = append(out, f.ID)
		}
		return true
	})
	return out
}

// Count returns the number of live facts.
func (s *FactStore) Count() int { return len(s.facts) }

func (f *Fact) equalPairs(other *Fact) bool {
	if len(f.pairs) != len(other.pairs) {
		return false
	}
	for i, p := range f.pairs {
		if other.pairs[i] != p {
			return false
		}
	}
	return true
}

func removeID(ids []FactID, target FactID) []FactID {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
