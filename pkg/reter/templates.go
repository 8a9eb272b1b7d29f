package reter

import (
	"fmt"
	"strings"
)

// Template is a production factory (spec §4.6, glossary): given a
// triggering fact, it instantiates a concrete production that matches the
// corresponding pattern and asserts a derived fact. The only built-in
// template is the property-chain composition template; C6's "templates"
// section is otherwise a seam extended by calling Network.InstallTemplate
// with a Trigger test, TriggerBinds and an Instantiate function. Trigger and
// TriggerBinds have unexported types, so templates can only be built from
// inside this package.
type Template struct {
	Name         string
	Trigger      alphaTest
	TriggerBinds []bindSlot
	Instantiate  func(net *Network, trigger Change)
}

// InstallTemplate registers a custom template; the trigger alpha node is
// wired immediately and instantiation runs once per matching triggering
// fact thereafter.
func (net *Network) InstallTemplate(t Template) {
	net.templates = append(net.templates, t)
	triggerID := net.registerAlpha(&alphaNode{tests: []alphaTest{t.Trigger}, binds: t.TriggerBinds})
	prodID := net.registerProduction(triggerID, "$template-trigger:"+t.Name)
	pn := net.nodes[prodID].production
	pn.AddAction(func(net *Network, change Change) error {
		if change.IsAdd {
			t.Instantiate(net, change)
		}
		return nil
	})
}

// installPropertyChainTemplate wires the property-chain template named in
// spec §4.6/§8 scenario b: property_chain(super_property=P, chain=[p1,p2,...])
// triggers a production matching role_assertion(p1) ∘ role_assertion(p2) ∘
// ... and asserting role_assertion(subject=v0, role=P, object=vN) whenever
// the whole chain matches.
func (net *Network) installPropertyChainTemplate() {
	net.InstallTemplate(Template{
		Name:         "property_chain",
		Trigger:      alphaTest{attr: "type", value: "property_chain"},
		TriggerBinds: []bindSlot{{attr: attrSuperProperty, vr: "super"}, {attr: attrChain, vr: "chain"}},
		Instantiate: func(net *Network, trigger Change) {
			super := trigger.Binding["super"]
			chainStr := trigger.Binding["chain"]
			if super == "" || chainStr == "" {
				return
			}
			chain := strings.Split(chainStr, ",")
			net.instantiatePropertyChainProduction(super, chain, trigger.Facts)
		},
	})
}

// instantiatePropertyChainProduction builds the join chain for one
// super-property/chain pair, deduping on cache key so a duplicate
// property_chain assertion does not rebuild the fragment.
func (net *Network) instantiatePropertyChainProduction(super string, chain []string, triggerSupport []FactID) {
	key := "$template:property_chain:" + super + ":" + strings.Join(chain, ",")
	if _, exists := net.productionForKey(key); exists {
		return
	}
	if len(chain) == 0 {
		return
	}

	varName := func(i int) string { return fmt.Sprintf("$pc_%d", i) }

	first := net.registerAlpha(&alphaNode{
		tests: []alphaTest{{attr: attrRole, value: chain[0]}},
		binds: []bindSlot{{attr: attrSubject, vr: varName(0)}, {attr: attrObject, vr: varName(1)}},
	})
	chainHead := first
	for i := 1; i < len(chain); i++ {
		next := net.registerAlpha(&alphaNode{
			tests: []alphaTest{{attr: attrRole, value: chain[i]}},
			binds: []bindSlot{{attr: attrSubject, vr: varName(i)}, {attr: attrObject, vr: varName(i + 1)}},
		})
		chainHead = net.registerBeta(chainHead, next)
	}

	prodID := net.registerProduction(chainHead, key)
	pn := net.nodes[prodID].production
	start, end := varName(0), varName(len(chain))
	pn.AddAction(func(net *Network, change Change) error {
		if !change.IsAdd {
			return nil
		}
		subj, obj := change.Binding[start], change.Binding[end]
		if subj == "" || obj == "" {
			return nil
		}
		support := append(append([]FactID(nil), triggerSupport...), change.Facts...)
		net.assertInferred(map[string]string{
			"type": "role_assertion", attrSubject: subj, attrRole: super, attrObject: obj,
		}, "property_chain:"+super, support)
		return nil
	})
}
