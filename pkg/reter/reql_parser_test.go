package reter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSelectBasic(t *testing.T) {
	q, err := ParseREQL(`SELECT ?x ?y WHERE { ?x knows ?y }`)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, q.Select)
	require.Len(t, q.Where.Triples, 1)
	require.Equal(t, TriplePattern{S: "?x", P: "knows", O: "?y"}, q.Where.Triples[0])
}

func TestParseDescribe(t *testing.T) {
	q, err := ParseREQL(`DESCRIBE ?x WHERE { ?x type Person }`)
	require.NoError(t, err)
	require.Equal(t, "x", q.Describe)
}

func TestParseUnion(t *testing.T) {
	q, err := ParseREQL(`SELECT ?x WHERE { ?x type Person UNION { ?x type Organization } }`)
	require.NoError(t, err)
	require.Len(t, q.Where.Unions, 1)
	require.Len(t, q.Where.Unions[0], 2)
}

func TestParseFilterNotExistsLowersToMinus(t *testing.T) {
	q, err := ParseREQL(`SELECT ?x WHERE { ?x type Person . FILTER NOT EXISTS { ?x knows ?y } }`)
	require.NoError(t, err)
	require.Len(t, q.Where.Minus, 1)
	require.Empty(t, q.Where.Filters)
}

func TestParseLimitOffsetOrderBy(t *testing.T) {
	q, err := ParseREQL(`SELECT ?x WHERE { ?x type Person } ORDER BY DESC ?x LIMIT 5 OFFSET 2`)
	require.NoError(t, err)
	require.Equal(t, 5, q.Limit)
	require.Equal(t, 2, q.Offset)
	require.Len(t, q.OrderBy, 1)
	require.True(t, q.OrderBy[0].Desc)
}

func TestParseAggregateWithDistinct(t *testing.T) {
	q, err := ParseREQL(`SELECT (COUNT(DISTINCT ?x) AS ?n) WHERE { ?x type Person }`)
	require.NoError(t, err)
	require.Len(t, q.Aggregates, 1)
	require.Equal(t, "COUNT", q.Aggregates[0].Func)
	require.True(t, q.Aggregates[0].Distinct)
	require.Equal(t, "n", q.Aggregates[0].Alias)
}

func TestParseMalformedQueryReturnsQueryParseError(t *testing.T) {
	_, err := ParseREQL(`SELECT WHERE`)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrQueryParse)
}
