package reter

// staticRule is compiled once at network creation (spec §4.6): it attaches
// a production whose token stream drives the rule's inference directly,
// rather than waiting for a user query to trigger it.
type staticRule struct {
	name    string
	install func(net *Network)
}

// installStaticRules wires the four static rules named in spec §4.6:
// subsumption transitivity, type inheritance, property-chain composition
// (delegated to the template in templates.go, since it is parameterized per
// triggering fact), and same_as symmetry/transitivity (delegated to the
// union-find maintained directly on Network.uf).
func (net *Network) installStaticRules() {
	net.staticRules = []staticRule{
		{"subsumption_transitivity", installSubsumptionTransitivity},
		{"type_inheritance", installTypeInheritance},
		{"same_as_propagation", installSameAsPropagation},
	}
	for _, r := range net.staticRules {
		r.install(net)
	}
	net.installPropertyChainTemplate()
}

// installSubsumptionTransitivity: if sub(a,b) and sub(b,c) then sub(a,c)
// (spec §4.6, §8 scenario a).
func installSubsumptionTransitivity(net *Network) {
	left := net.registerAlpha(&alphaNode{
		tests: []alphaTest{{attr: "type", value: "subsumption"}},
		binds: []bindSlot{{attr: attrSub, vr: "a"}, {attr: attrSup, vr: "mid"}},
	})
	right := net.registerAlpha(&alphaNode{
		tests: []alphaTest{{attr: "type", value: "subsumption"}},
		binds: []bindSlot{{attr: attrSub, vr: "mid"}, {attr: attrSup, vr: "c"}},
	})
	join := net.registerBeta(left, right)
	prod := net.registerProduction(join, "$static:subsumption_transitivity")
	pn := net.nodes[prod].production
	pn.AddAction(func(net *Network, change Change) error {
		if !change.IsAdd {
			// The corresponding inference is retracted by RemoveByID's
			// support-index cascade, not by re-running this rule body.
			return nil
		}
		a, c := change.Binding["a"], change.Binding["c"]
		if a == "" || c == "" || a == c {
			return nil
		}
		net.assertInferred(map[string]string{"type": "subsumption", attrSub: a, attrSup: c},
			"subsumption_transitivity", change.Facts)
		return nil
	})
}

// installTypeInheritance: if instance_of(x,c) and sub(c,d) then
// instance_of(x,d) (spec §4.6, §8 scenario a).
func installTypeInheritance(net *Network) {
	left := net.registerAlpha(&alphaNode{
		tests: []alphaTest{{attr: "type", value: "instance_of"}},
		binds: []bindSlot{{attr: attrIndividual, vr: "x"}, {attr: attrConcept, vr: "c"}},
	})
	right := net.registerAlpha(&alphaNode{
		tests: []alphaTest{{attr: "type", value: "subsumption"}},
		binds: []bindSlot{{attr: attrSub, vr: "c"}, {attr: attrSup, vr: "d"}},
	})
	join := net.registerBeta(left, right)
	prod := net.registerProduction(join, "$static:type_inheritance")
	pn := net.nodes[prod].production
	pn.AddAction(func(net *Network, change Change) error {
		if !change.IsAdd {
			// The corresponding inference is retracted by RemoveByID's
			// support-index cascade, not by re-running this rule body.
			return nil
		}
		x, d := change.Binding["x"], change.Binding["d"]
		if x == "" || d == "" {
			return nil
		}
		net.assertInferred(map[string]string{"type": "instance_of", attrIndividual: x, attrConcept: d},
			"type_inheritance", change.Facts)
		return nil
	})
}

// installSameAsPropagation collects same_as facts into the union-find and
// performs symmetric/transitive closure implicitly: union(a,b) already
// makes b reachable from a and vice versa, and transitivity falls out of
// path compression, so no extra productions are needed beyond the merge
// itself (spec §4.3 Same-as handling, §9 Design Notes).
func installSameAsPropagation(net *Network) {
	same := net.registerAlpha(&alphaNode{
		tests: []alphaTest{{attr: "type", value: "same_as"}},
		binds: []bindSlot{{attr: attrInd1, vr: "a"}, {attr: attrInd2, vr: "b"}},
	})
	prod := net.registerProduction(same, "$static:same_as")
	pn := net.nodes[prod].production
	pn.AddAction(func(net *Network, change Change) error {
		if !change.IsAdd {
			return nil
		}
		a, b := change.Binding["a"], change.Binding["b"]
		if a == "" || b == "" {
			return nil
		}
		net.uf.union(a, b)
		return nil
	})
}
