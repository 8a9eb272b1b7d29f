package reter

// SubclassesOf and SuperclassesOf are convenience query templates recovered
// from original_source/src/reter/reasoner.py's subsumption-closure helpers
// (SPEC_FULL.md "Supplemented features"), exercised by GUFO-ontology-style
// class hierarchy lookups. Because subsumption_transitivity (rules.go)
// already materializes the full transitive closure as inferred facts, these
// are plain filtered reads rather than a graph walk.

// SubclassesOf returns every class directly or transitively subsumed by
// class (i.e. every c such that sub_class_of(c, class) holds).
func (net *Network) SubclassesOf(class string) []string {
	var out []string
	for _, id := range net.Store.IndexByAttribute(attrSup, class) {
		f, ok := net.Store.Get(id)
		if !ok || f.Type(net.in) != "subsumption" {
			continue
		}
		if v, ok := f.Get(net.in, attrSub); ok {
			out = append(out, v)
		}
	}
	return out
}

// SuperclassesOf returns every class that directly or transitively
// subsumes class (i.e. every d such that sub_class_of(class, d) holds).
func (net *Network) SuperclassesOf(class string) []string {
	var out []string
	for _, id := range net.Store.IndexByAttribute(attrSub, class) {
		f, ok := net.Store.Get(id)
		if !ok || f.Type(net.in) != "subsumption" {
			continue
		}
		if v, ok := f.Get(net.in, attrSup); ok {
			out = append(out, v)
		}
	}
	return out
}
