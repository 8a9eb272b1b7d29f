package reter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CompiledQuery is the planner's output (spec §4.4): a production node per
// graph-pattern branch the executor needs, ready to read live token sets
// from. OPTIONAL and UNION are left-outer-joined and concatenated at
// execution time rather than lowered into extra network nodes (spec §9
// Design Notes, "Query compilation"); MINUS is lowered directly into a
// negation node so its truth maintenance is incremental like everything
// else in the network.
type CompiledQuery struct {
	Query      *Query
	Main       nodeID
	Optionals  []nodeID
	UnionSets  [][]nodeID // one nodeID per branch, grouped per UNION site
}

// Compile turns a parsed Query into a CompiledQuery, reusing cached
// productions for patterns already seen under their normalized cache key
// (spec §4.4 step 4 "Production cache").
func (net *Network) Compile(q *Query) (*CompiledQuery, error) {
	cq := &CompiledQuery{Query: q}

	mainKey := normalizeCacheKey(q.Where)
	if len(q.Where.Triples) > 0 {
		mainProd, err := net.compileGroupPatternProduction(q.Where, mainKey)
		if err != nil {
			return nil, err
		}
		cq.Main = mainProd
	}

	for i, opt := range q.Where.Optionals {
		key := mainKey + "|opt" + strconv.Itoa(i) + "[" + normalizeCacheKey(opt) + "]"
		id, err := net.compileGroupPatternProduction(opt, key)
		if err != nil {
			return nil, err
		}
		cq.Optionals = append(cq.Optionals, id)
	}

	for ui, branches := range q.Where.Unions {
		var ids []nodeID
		for bi, br := range branches {
			key := mainKey + "|union" + strconv.Itoa(ui) + "_" + strconv.Itoa(bi) + "[" + normalizeCacheKey(br) + "]"
			id, err := net.compileGroupPatternProduction(br, key)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		cq.UnionSets = append(cq.UnionSets, ids)
	}

	return cq, nil
}

// compileGroupPatternProduction compiles gp's own triples/filters plus any
// MINUS sub-patterns (lowered to negation nodes) into one production,
// reusing an existing production registered under key if present.
func (net *Network) compileGroupPatternProduction(gp *GroupPattern, key string) (nodeID, error) {
	if id, ok := net.productionForKey(key); ok {
		return id, nil
	}
	first := net.nextNode
	chain, err := net.compileChain(gp)
	if err != nil {
		return 0, err
	}
	prod := net.registerProduction(chain, key)
	// Every node of the fragment is new, so seed its alpha nodes with the
	// facts already in the store; propagation only reaches them for facts
	// asserted from now on.
	for id := first + 1; id < prod; id++ {
		n := net.nodes[id]
		if n.kind != nodeAlpha {
			continue
		}
		net.Store.Iterate(func(f *Fact) bool {
			if n.alpha.matches(net.in, f) {
				_ = net.forward(id, msg{tok: n.alpha.extract(net.in, f, net.resolveIndividual), add: true})
			}
			return true
		})
	}
	return prod, nil
}

// compileChain compiles gp's conjunction of triples and FILTERs into an
// alpha/beta/filter fragment, then wraps it in a negation node per MINUS
// sub-pattern (spec §4.4, §6 "MINUS"). It does not register a production;
// callers that need one call registerProduction on the returned id.
func (net *Network) compileChain(gp *GroupPattern) (nodeID, error) {
	if len(gp.Triples) == 0 {
		return 0, net.errorf("group pattern has no triples to match")
	}

	var chain nodeID
	for i, tp := range gp.Triples {
		aid := net.compileTriplePattern(tp)
		if i == 0 {
			chain = aid
			continue
		}
		chain = net.registerBeta(chain, aid)
	}

	if len(gp.Filters) > 0 || len(gp.Values) > 0 {
		chain = net.registerFilter(chain, &filterNode{predicates: gp.Filters, values: gp.Values})
	}

	for _, sub := range gp.Minus {
		subChain, err := net.compileChain(sub)
		if err != nil {
			return 0, err
		}
		chain = net.registerNegation(chain, subChain)
	}

	return chain, nil
}

// compileTriplePattern lowers one (S,P,O) line to the alpha node matching
// the canonical fact shape it denotes (spec §4.4 step 1: "detect the
// underlying fact shape from how each predicate has been used").
func (net *Network) compileTriplePattern(tp TriplePattern) nodeID {
	switch {
	case !isVar(tp.P) && tp.P == "type":
		return net.compileShape("instance_of", attrIndividual, tp.S, attrConcept, tp.O)
	case !isVar(tp.P) && tp.P == "same_as":
		return net.compileShape("same_as", attrInd1, tp.S, attrInd2, tp.O)
	case !isVar(tp.P) && (tp.P == "sub_class_of" || tp.P == "subsumption"):
		return net.compileShape("subsumption", attrSub, tp.S, attrSup, tp.O)
	case !isVar(tp.P):
		kind := net.classifyPredicate(tp.P, tp.O)
		if kind == PredicateData {
			return net.compileShapeWithConstPred("data_assertion", attrSubject, tp.S, attrProperty, tp.P, attrValue, tp.O)
		}
		return net.compileShapeWithConstPred("role_assertion", attrSubject, tp.S, attrRole, tp.P, attrObject, tp.O)
	default:
		// variable predicate: match role_assertion's shape and bind the
		// predicate variable to the role attribute (spec §4.4: predicate
		// variables are supported for role patterns, the common case).
		return net.compileShapeVarPred("role_assertion", attrSubject, tp.S, attrRole, tp.P, attrObject, tp.O)
	}
}

func (net *Network) compileShape(typeName, attr1, term1, attr2, term2 string) nodeID {
	a := &alphaNode{tests: []alphaTest{{attr: attrType, value: typeName}}}
	net.addTermSlot(a, attr1, term1)
	net.addTermSlot(a, attr2, term2)
	return net.registerAlpha(a)
}

func (net *Network) compileShapeWithConstPred(typeName, attr1, term1, predAttr, predConst, attr2, term2 string) nodeID {
	a := &alphaNode{tests: []alphaTest{
		{attr: attrType, value: typeName},
		{attr: predAttr, value: predConst},
	}}
	net.addTermSlot(a, attr1, term1)
	net.addTermSlot(a, attr2, term2)
	return net.registerAlpha(a)
}

func (net *Network) compileShapeVarPred(typeName, attr1, term1, predAttr, predTerm, attr2, term2 string) nodeID {
	a := &alphaNode{tests: []alphaTest{{attr: attrType, value: typeName}}}
	net.addTermSlot(a, attr1, term1)
	net.addTermSlot(a, predAttr, predTerm)
	net.addTermSlot(a, attr2, term2)
	return net.registerAlpha(a)
}

// addTermSlot adds a constant test or a variable bind to a, depending on
// whether term is a REQL variable.
func (net *Network) addTermSlot(a *alphaNode, attr, term string) {
	if isVar(term) {
		a.binds = append(a.binds, bindSlot{attr: attr, vr: varName(term)})
		return
	}
	a.tests = append(a.tests, alphaTest{attr: attr, value: term})
}

// normalizeCacheKey builds a stable cache key for gp by renaming variables
// to their first-occurrence position (?v0, ?v1, ...) and leaving literal
// terms untouched (SPEC_FULL §C4, resolving spec §9's cache-key Open
// Question: "normalize variable names by first occurrence order, preserve
// literal order"). Two syntactically different but alpha-equivalent
// patterns collapse to the same key and reuse the same compiled production.
func normalizeCacheKey(gp *GroupPattern) string {
	names := map[string]string{}
	next := 0
	norm := func(term string) string {
		if !isVar(term) {
			return term
		}
		v := varName(term)
		if n, ok := names[v]; ok {
			return n
		}
		n := "?v" + strconv.Itoa(next)
		next++
		names[v] = n
		return n
	}

	var sb strings.Builder
	for _, tp := range gp.Triples {
		sb.WriteString(norm(tp.S))
		sb.WriteByte(' ')
		sb.WriteString(norm(tp.P))
		sb.WriteByte(' ')
		sb.WriteString(norm(tp.O))
		sb.WriteString(" . ")
	}
	filters := make([]string, 0, len(gp.Filters))
	for _, f := range gp.Filters {
		other := f.Literal
		if f.isVarCmp {
			other = norm("?" + f.OtherVar)
		}
		filters = append(filters, fmt.Sprintf("F(%d,%s,%d,%s)", f.Op, norm("?"+f.Var), boolToInt(f.isVarCmp), other))
	}
	sort.Strings(filters)
	for _, f := range filters {
		sb.WriteString(f)
		sb.WriteByte(';')
	}
	for _, sub := range gp.Minus {
		sb.WriteString("MINUS[")
		sb.WriteString(normalizeCacheKey(sub))
		sb.WriteString("]")
	}
	return sb.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
