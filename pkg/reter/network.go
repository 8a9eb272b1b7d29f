package reter

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// individualAttrs names the attributes whose values are individual names
// and therefore participate in same_as canonicalization.
var individualAttrs = map[string]bool{
	attrIndividual: true, attrSubject: true, attrObject: true,
	attrInd1: true, attrInd2: true,
}

// Config configures a Network (spec §9 ambient configuration, following the
// teacher's functional-options-over-a-struct convention).
type Config struct {
	IndexedAttrs         []string
	PropertyPathMaxDepth int // default 10; stored on the Network but not read by any evaluation path
	Logger               *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	if c.PropertyPathMaxDepth <= 0 {
		c.PropertyPathMaxDepth = 10
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return c
}

// Network is one discrimination network instance together with the fact
// store, same_as union-find, production cache, and rule agenda it drives.
// Network is single-threaded and cooperative (spec §5): callers must
// serialize access to a shared Network themselves.
type Network struct {
	cfg Config
	in  *interner
	log *zap.SugaredLogger

	Store *FactStore
	uf    *unionFind

	nodes     map[nodeID]*node
	alphaRoot map[invKey][]nodeID // first-test dispatch index
	nextNode  nodeID

	cache map[string]nodeID // REQL/pattern cache key -> production node id

	accumulator       *EntityAccumulator
	accumulatorActive bool

	agenda []func() error

	staticRules []staticRule
	templates   []Template

	// predicateKinds records, per predicate, which kinds (role or data) the
	// triples asserted with it were classified as; classifyPredicate reuses
	// that record for later triples of the same predicate.
	predicateKinds map[string]map[PredicateKind]bool

	// supportIndex maps a supporting fact id to the set of inferred fact ids
	// whose Support lists name it, so RemoveByID/RemoveSource can cascade a
	// retraction to every inference that depended on the removed fact
	// (spec §3/§4.6 "retracting any supporting fact retracts the
	// inference").
	supportIndex map[FactID]map[FactID]bool
}

// NewNetwork creates an empty network ready to accept facts and compiled
// queries.
func NewNetwork(cfg Config) *Network {
	cfg = cfg.withDefaults()
	in := newInterner()
	net := &Network{
		cfg:            cfg,
		in:             in,
		log:            cfg.Logger,
		Store:          NewFactStore(in, cfg.Logger, cfg.IndexedAttrs),
		uf:             newUnionFind(),
		nodes:          make(map[nodeID]*node),
		alphaRoot:      make(map[invKey][]nodeID),
		cache:          make(map[string]nodeID),
		predicateKinds: make(map[string]map[PredicateKind]bool),
		supportIndex:   make(map[FactID]map[FactID]bool),
	}
	net.installStaticRules()
	return net
}

// --- ingress interface (spec §6) -------------------------------------------------

// AddFact stores attrs as a new fact (or routes it through the active
// entity accumulator) and propagates it through the network to quiescence.
func (net *Network) AddFact(attrs map[string]string) (FactID, bool, error) {
	return net.AddFactWithSource(attrs, "")
}

// AddFactWithSource is AddFact tagged with sourceID.
func (net *Network) AddFactWithSource(attrs map[string]string, sourceID string) (FactID, bool, error) {
	if net.accumulatorActive && net.accumulator.Route(attrs) {
		return 0, false, nil // consolidated fact emitted at EndEntityAccumulation
	}
	return net.assertAttrs(attrs, sourceID)
}

// AddFacts ingests attrs atomically: either every fact in the batch becomes
// observable to queries or, on a rule-action error, none of them do (spec
// §5 "within a single add_source batch, effects are atomic").
func (net *Network) AddFacts(batch []map[string]string, sourceID string) ([]FactID, error) {
	ids := make([]FactID, 0, len(batch))
	for _, attrs := range batch {
		id, _, err := net.AddFactWithSource(attrs, sourceID)
		if err != nil {
			for _, added := range ids {
				net.RemoveByID(added)
			}
			return nil, err
		}
		if id != 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (net *Network) assertAttrs(attrs map[string]string, sourceID string) (FactID, bool, error) {
	id, added := net.Store.AddWithSource(attrs, sourceID)
	if !added {
		return id, false, nil
	}
	f, _ := net.Store.Get(id)
	net.trackPredicateKind(attrs)

	if err := net.propagateAssert(f); err != nil {
		net.Store.RemoveByID(id)
		return 0, false, err
	}
	net.drainAgenda()
	return id, true, nil
}

// PredicateKind classifies how a predicate has been used (spec §4.4 step 1).
type PredicateKind int

const (
	PredicateUnknown PredicateKind = iota
	PredicateRole
	PredicateData
	PredicateSameAs
)

func (net *Network) trackPredicateKind(attrs map[string]string) {
	switch attrs["type"] {
	case "role_assertion":
		net.notePredicateKind(attrs[attrRole], PredicateRole)
	case "data_assertion":
		net.notePredicateKind(attrs[attrProperty], PredicateData)
	case "same_as":
		net.notePredicateKind("same_as", PredicateSameAs)
	}
}

func (net *Network) notePredicateKind(pred string, kind PredicateKind) {
	if pred == "" {
		return
	}
	set := net.predicateKinds[pred]
	if set == nil {
		set = make(map[PredicateKind]bool)
		net.predicateKinds[pred] = set
	}
	set[kind] = true
}

// AddTriple detects a fact shape from predicate classification and
// constructs the matching canonical fact (spec §6). A caller that omits
// sourceID gets one generated via google/uuid, so every triple asserted
// through this entry point is individually retractable via RemoveSource.
func (net *Network) AddTriple(subject, predicate, object string, sourceID string) (FactID, error) {
	if sourceID == "" {
		sourceID = newSourceID()
	}
	var attrs map[string]string
	switch predicate {
	case "type":
		attrs = map[string]string{"type": "instance_of", attrIndividual: subject, attrConcept: object}
	case "sub_class_of", "subsumption":
		attrs = map[string]string{"type": "subsumption", attrSub: subject, attrSup: object}
	case "same_as":
		attrs = map[string]string{"type": "same_as", attrInd1: subject, attrInd2: object}
	default:
		switch net.classifyPredicate(predicate, object) {
		case PredicateData:
			attrs = map[string]string{"type": "data_assertion", attrSubject: subject, attrProperty: predicate, attrValue: object}
		default:
			attrs = map[string]string{"type": "role_assertion", attrSubject: subject, attrRole: predicate, attrObject: object}
		}
	}
	id, _, err := net.AddFactWithSource(attrs, sourceID)
	return id, err
}

// classifyPredicate inspects existing facts to classify predicate as role,
// data, or same-as. Unknown predicates are classified as data when object
// parses as a number and as role otherwise (spec §4.4 step 1).
func (net *Network) classifyPredicate(predicate, object string) PredicateKind {
	if predicate == "same_as" {
		return PredicateSameAs
	}
	if kinds, ok := net.predicateKinds[predicate]; ok {
		if kinds[PredicateRole] {
			return PredicateRole
		}
		if kinds[PredicateData] {
			return PredicateData
		}
	}
	if isNumeric(object) {
		return PredicateData
	}
	return PredicateRole
}

// BeginEntityAccumulation activates C2 with the given per-attribute merge
// strategies.
func (net *Network) BeginEntityAccumulation(strategies map[string]MergeStrategy) {
	net.accumulator = NewEntityAccumulator(strategies)
	net.accumulatorActive = true
}

// EndEntityAccumulation flushes accumulated entities as consolidated facts
// and deactivates C2.
func (net *Network) EndEntityAccumulation() ([]FactID, error) {
	if !net.accumulatorActive {
		return nil, nil
	}
	consolidated := net.accumulator.Flush()
	net.accumulatorActive = false
	ids := make([]FactID, 0, len(consolidated))
	for _, attrs := range consolidated {
		id, _, err := net.assertAttrs(attrs, "")
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// IsEntityAccumulationActive reports whether C2 is currently routing facts.
func (net *Network) IsEntityAccumulationActive() bool { return net.accumulatorActive }

// RemoveByID retracts fact id from the network, cascading to every inferred
// fact whose Support names id (spec §3/§4.6 truth maintenance), then deletes
// id itself from storage (spec §4.1).
func (net *Network) RemoveByID(id FactID) {
	f, ok := net.Store.Get(id)
	if !ok {
		return
	}

	dependents := net.supportIndex[id]
	delete(net.supportIndex, id)
	for dep := range dependents {
		net.RemoveByID(dep)
	}

	// id may itself be an inferred fact; drop its own reverse-index entries
	// so a supporting fact removed later doesn't try to cascade into it
	// again.
	for _, s := range f.Support {
		if set := net.supportIndex[s]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(net.supportIndex, s)
			}
		}
	}

	net.propagateRetract(f)
	net.Store.RemoveByID(id)
	net.drainAgenda()
}

// RemoveSource batch-retracts every fact tagged with sourceID, cascading
// through the network (spec §4.1, §8 scenario f).
func (net *Network) RemoveSource(sourceID string) int {
	ids := net.Store.RemoveSource(sourceID)
	for _, id := range ids {
		net.RemoveByID(id)
	}
	return len(ids)
}

// FindFacts returns every live fact whose attribute equals value, as plain
// attribute maps (SPEC_FULL supplemented feature, grounded in
// original_source/src/reter/reasoner.py's direct fact-table accessors).
func (net *Network) FindFacts(attr, value string) []map[string]string {
	var out []map[string]string
	for _, id := range net.canonicalIndexByAttribute(attr, value) {
		if f, ok := net.Store.Get(id); ok {
			out = append(out, f.Attrs(net.in))
		}
	}
	return out
}

// canonicalIndexByAttribute looks up facts by (attr,value), resolving
// value through the same_as union-find when attr holds individual names so
// that a lookup against any class member sees every member. The index
// itself is never rewritten on a merge; the union-find is consulted at
// lookup time.
func (net *Network) canonicalIndexByAttribute(attr, value string) []FactID {
	if !individualAttrs[attr] {
		return net.Store.IndexByAttribute(attr, value)
	}
	var out []FactID
	for _, member := range net.uf.members(value) {
		out = append(out, net.Store.IndexByAttribute(attr, member)...)
	}
	return out
}

// resolveIndividual returns the same_as canonical representative for name.
func (net *Network) resolveIndividual(name string) string { return net.uf.find(name) }

// newSourceID generates a source tag for callers that don't supply one,
// using google/uuid as the rest of the example pack does for id generation.
func newSourceID() string { return uuid.NewString() }

// --- node graph plumbing ---------------------------------------------------------

func (net *Network) newNodeID() nodeID {
	net.nextNode++
	return net.nextNode
}

func (net *Network) addChild(parent, child nodeID) {
	p := net.nodes[parent]
	p.children = append(p.children, child)
	c := net.nodes[child]
	c.parents = append(c.parents, parent)
}

// registerAlpha installs an alpha node and indexes it under its first test
// for O(1) dispatch.
func (net *Network) registerAlpha(a *alphaNode) nodeID {
	id := net.newNodeID()
	net.nodes[id] = &node{id: id, kind: nodeAlpha, alpha: a}
	if key, ok := a.indexKey(net.in); ok {
		net.alphaRoot[key] = append(net.alphaRoot[key], id)
	}
	return id
}

func (net *Network) registerBeta(left, right nodeID) nodeID {
	id := net.newNodeID()
	net.nodes[id] = &node{id: id, kind: nodeBeta, beta: newBetaNode(left, right)}
	net.addChild(left, id)
	net.addChild(right, id)
	return id
}

func (net *Network) registerFilter(parent nodeID, f *filterNode) nodeID {
	id := net.newNodeID()
	net.nodes[id] = &node{id: id, kind: nodeFilter, filter: f}
	net.addChild(parent, id)
	return id
}

func (net *Network) registerNegation(left, right nodeID) nodeID {
	id := net.newNodeID()
	net.nodes[id] = &node{id: id, kind: nodeNegation, negation: newNegationNode(left, right)}
	net.addChild(left, id)
	net.addChild(right, id)
	return id
}

func (net *Network) registerProduction(parent nodeID, cacheKey string) nodeID {
	id := net.newNodeID()
	net.nodes[id] = &node{id: id, kind: nodeProduction, production: newProductionNode(cacheKey)}
	net.addChild(parent, id)
	net.cache[cacheKey] = id
	return id
}

// productionForKey implements production caching (spec §4.3): re-submitting
// an equivalent query returns the existing production's id.
func (net *Network) productionForKey(key string) (nodeID, bool) {
	id, ok := net.cache[key]
	return id, ok
}

// --- propagation ------------------------------------------------------------------

// propagateAssert offers f to every alpha node whose first test it could
// satisfy, then drives the resulting messages depth-first to quiescence
// (spec §4.3 propagation protocol).
func (net *Network) propagateAssert(f *Fact) error {
	return net.propagate(f, true)
}

func (net *Network) propagateRetract(f *Fact) {
	_ = net.propagate(f, false)
}

func (net *Network) propagate(f *Fact, add bool) error {
	candidates := net.candidateAlphaNodes(f)
	for _, aid := range candidates {
		an := net.nodes[aid].alpha
		if !an.matches(net.in, f) {
			continue
		}
		tok := an.extract(net.in, f, net.resolveIndividual)
		m := msg{tok: tok, add: add}
		if err := net.forward(aid, m); err != nil {
			return err
		}
	}
	return nil
}

func (net *Network) candidateAlphaNodes(f *Fact) []nodeID {
	seen := make(map[nodeID]bool)
	var out []nodeID
	for _, p := range f.pairs {
		for _, aid := range net.alphaRoot[invKey{attr: p.id, val: p.value}] {
			if !seen[aid] {
				seen[aid] = true
				out = append(out, aid)
			}
		}
	}
	return out
}

// forward drives m from node id to every child depth-first within this
// top-level assertion (spec §4.3: "Propagation is depth-first within a
// single top-level assertion to avoid duplicate intermediate tokens").
func (net *Network) forward(id nodeID, m msg) error {
	n := net.nodes[id]
	if n.kind == nodeProduction {
		n.production.receive(net, m)
		if n.production.pendingErr != nil {
			err := n.production.pendingErr
			n.production.pendingErr = nil
			return err
		}
		return nil
	}
	for _, child := range n.children {
		cn := net.nodes[child]
		outs := cn.receive(net, id, m)
		for _, out := range outs {
			if err := net.forward(child, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- agenda -------------------------------------------------------------------

// queueAction enqueues a rule-action assertion so it is not applied during
// the current propagation but drained once it reaches quiescence (spec §4.3,
// §9 "Rule actions and re-entrancy").
func (net *Network) queueAction(fn func() error) {
	net.agenda = append(net.agenda, fn)
}

func (net *Network) drainAgenda() {
	for len(net.agenda) > 0 {
		fn := net.agenda[0]
		net.agenda = net.agenda[1:]
		if err := fn(); err != nil {
			net.log.Warnw("rule action failed, skipping", "error", err)
		}
	}
}

// assertInferred asserts an inferred fact with the given support set,
// queued on the agenda rather than applied immediately (spec §4.6).
func (net *Network) assertInferred(attrs map[string]string, rule string, support []FactID) {
	net.queueAction(func() error {
		f := newFact(net.in, attrs)
		fp := f.fingerprint()
		for _, candidate := range net.Store.byFingerprint[fp] {
			if net.Store.facts[candidate].equalPairs(f) {
				return nil // already derived
			}
		}
		id, added := net.Store.Add(attrs)
		if !added {
			return nil
		}
		derived, _ := net.Store.Get(id)
		derived.Inferred = true
		derived.InferredBy = rule
		derived.Support = support
		for _, s := range support {
			set := net.supportIndex[s]
			if set == nil {
				set = make(map[FactID]bool)
				net.supportIndex[s] = set
			}
			set[id] = true
		}
		return net.propagateAssert(derived)
	})
}

func (net *Network) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("reter: "+format, args...)
}
