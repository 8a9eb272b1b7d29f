package reter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gitrdm/reter/internal/workerpool"
)

func mustCompile(t *testing.T, net *Network, reql string) *CompiledQuery {
	t.Helper()
	q, err := ParseREQL(reql)
	require.NoError(t, err)
	cq, err := net.Compile(q)
	require.NoError(t, err)
	return cq
}

func seedPeople(t *testing.T, net *Network) {
	t.Helper()
	require.NoError(t, addTriple(net, "alice", "type", "Person"))
	require.NoError(t, addTriple(net, "bob", "type", "Person"))
	require.NoError(t, addTriple(net, "alice", "age", "34"))
	require.NoError(t, addTriple(net, "bob", "age", "12"))
	require.NoError(t, addTriple(net, "alice", "knows", "bob"))
}

func addTriple(net *Network, s, p, o string) error {
	_, err := net.AddTriple(s, p, o, "")
	return err
}

func TestSelectWithFilter(t *testing.T) {
	net := NewNetwork(Config{})
	seedPeople(t, net)

	cq := mustCompile(t, net, `SELECT ?who WHERE { ?who type Person . ?who age ?a . FILTER(?a > 18) }`)
	res, err := net.Execute(cq, 0, nil)
	require.NoError(t, err)
	require.Len(t, res.Table.Rows, 1)
	require.Equal(t, "alice", res.Table.Rows[0].Binding["who"])
}

func TestAskQuery(t *testing.T) {
	net := NewNetwork(Config{})
	seedPeople(t, net)

	cq := mustCompile(t, net, `ASK WHERE { alice knows bob }`)
	res, err := net.Execute(cq, 0, nil)
	require.NoError(t, err)
	require.True(t, res.Ask)

	cq = mustCompile(t, net, `ASK WHERE { bob knows alice }`)
	res, err = net.Execute(cq, 0, nil)
	require.NoError(t, err)
	require.False(t, res.Ask)
}

func TestOptionalLeavesUnboundWhenNoMatch(t *testing.T) {
	net := NewNetwork(Config{})
	seedPeople(t, net)

	cq := mustCompile(t, net, `SELECT ?who ?k WHERE { ?who type Person . OPTIONAL { ?who knows ?k } }`)
	res, err := net.Execute(cq, 0, nil)
	require.NoError(t, err)
	require.Len(t, res.Table.Rows, 2)

	byWho := map[string]string{}
	for _, r := range res.Table.Rows {
		byWho[r.Binding["who"]] = r.Binding["k"]
	}
	require.Equal(t, "bob", byWho["alice"])
	require.Equal(t, "", byWho["bob"])
}

func TestMinusExcludesMatches(t *testing.T) {
	net := NewNetwork(Config{})
	seedPeople(t, net)

	cq := mustCompile(t, net, `SELECT ?who WHERE { ?who type Person . MINUS { ?who knows bob } }`)
	res, err := net.Execute(cq, 0, nil)
	require.NoError(t, err)
	require.Len(t, res.Table.Rows, 1)
	require.Equal(t, "bob", res.Table.Rows[0].Binding["who"])
}

func TestGroupByCount(t *testing.T) {
	net := NewNetwork(Config{})
	seedPeople(t, net)
	require.NoError(t, addTriple(net, "carol", "type", "Person"))
	require.NoError(t, addTriple(net, "carol", "age", "34"))

	cq := mustCompile(t, net, `SELECT ?a (COUNT(?who) AS ?n) WHERE { ?who type Person . ?who age ?a } GROUP BY ?a`)
	res, err := net.Execute(cq, 0, nil)
	require.NoError(t, err)

	counts := map[string]string{}
	for _, r := range res.Table.Rows {
		counts[r.Binding["a"]] = r.Binding["n"]
	}
	require.Equal(t, "2", counts["34"])
	require.Equal(t, "1", counts["12"])
}

func TestUnionConcatenatesBranchesDeduped(t *testing.T) {
	net := NewNetwork(Config{})
	require.NoError(t, addTriple(net, "acme", "type", "Organization"))
	require.NoError(t, addTriple(net, "alice", "type", "Person"))
	require.NoError(t, addTriple(net, "bob", "type", "Person"))

	cq := mustCompile(t, net, `SELECT ?x WHERE { ?x type Person UNION { ?x type Organization } }`)
	res, err := net.Execute(cq, 0, nil)
	require.NoError(t, err)
	require.Len(t, res.Table.Rows, 3)
}

func TestQueryTimeout(t *testing.T) {
	net := NewNetwork(Config{})
	seedPeople(t, net)
	pool := workerpool.New(2)
	defer pool.Shutdown()

	cq := mustCompile(t, net, `SELECT ?who WHERE { ?who type Person }`)
	_, err := net.Execute(cq, time.Nanosecond, pool)
	// A near-zero timeout is not guaranteed to fire before the (trivial)
	// query finishes, but Execute must never error with anything other
	// than ErrQueryTimeout.
	if err != nil {
		require.ErrorIs(t, err, ErrQueryTimeout)
	}
}

func TestPlannerCacheReusesAlphaEquivalentPatterns(t *testing.T) {
	net := NewNetwork(Config{})
	seedPeople(t, net)

	q1, err := ParseREQL(`SELECT ?x WHERE { ?x type Person }`)
	require.NoError(t, err)
	q2, err := ParseREQL(`SELECT ?y WHERE { ?y type Person }`)
	require.NoError(t, err)

	cq1, err := net.Compile(q1)
	require.NoError(t, err)
	cq2, err := net.Compile(q2)
	require.NoError(t, err)
	require.Equal(t, cq1.Main, cq2.Main, "alpha-equivalent patterns should share a compiled production")
}
