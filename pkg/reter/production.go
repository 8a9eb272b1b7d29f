package reter

// Change describes one incremental update delivered to a live query or a
// rule action (spec §6 live_pattern: "(binding_map, is_addition)").
type Change struct {
	Binding Binding
	IsAdd   bool
	// Facts holds the supporting fact ids of the token that produced this
	// change, for rule actions that need to record provenance (spec §3,
	// §4.6 "every inferred fact records the tuple of supporting fact ids").
	Facts []FactID
}

// RuleAction is invoked by a production node when its token set changes; it
// may assert new facts (queued on the agenda, spec §4.3/§9) or have side
// effects. actionErr causes the triggering top-level add_fact to roll back
// (spec §4.3 Failure semantics).
type RuleAction func(net *Network, change Change) error

// productionNode is a terminal node (spec §4.3/glossary). It maintains the
// live token set that is the answer to a compiled query, notifies any
// registered live-query sinks, and runs registered rule actions.
type productionNode struct {
	cacheKey string
	tokens   map[string]*Token
	sinks    []func(Change)
	actions  []RuleAction

	// pendingErr records the first action error seen during the current
	// top-level propagation so Network can roll back after it completes.
	pendingErr error
}

func newProductionNode(cacheKey string) *productionNode {
	return &productionNode{cacheKey: cacheKey, tokens: make(map[string]*Token)}
}

func (p *productionNode) receive(net *Network, m msg) {
	k := m.tok.key()
	if m.add {
		if _, exists := p.tokens[k]; exists {
			return
		}
		p.tokens[k] = m.tok
	} else {
		if _, exists := p.tokens[k]; !exists {
			return
		}
		delete(p.tokens, k)
	}

	change := Change{Binding: m.tok.Binding, IsAdd: m.add, Facts: m.tok.Facts}
	for _, sink := range p.sinks {
		sink(change)
	}
	for _, action := range p.actions {
		if err := action(net, change); err != nil && p.pendingErr == nil {
			p.pendingErr = err
		}
	}
}

// Live returns a snapshot of the production's current token set, ordered by
// minimum supporting insertion sequence (spec §4.3 tie-break rule).
func (p *productionNode) Live() []*Token {
	out := make([]*Token, 0, len(p.tokens))
	for _, t := range p.tokens {
		out = append(out, t)
	}
	sortTokensBySeq(out)
	return out
}

func sortTokensBySeq(toks []*Token) {
	for i := 1; i < len(toks); i++ {
		for j := i; j > 0 && toks[j].minSeq < toks[j-1].minSeq; j-- {
			toks[j], toks[j-1] = toks[j-1], toks[j]
		}
	}
}

// AddSink registers a callback invoked for every incremental change —
// backs LivePattern result sets (spec §6).
func (p *productionNode) AddSink(fn func(Change)) { p.sinks = append(p.sinks, fn) }

// AddAction registers a rule action invoked on every change (spec §4.6).
func (p *productionNode) AddAction(fn RuleAction) { p.actions = append(p.actions, fn) }
