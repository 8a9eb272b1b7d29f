package reter

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/gitrdm/reter/internal/workerpool"
)

// Row is one result row: a resolved binding plus the supporting fact ids it
// was derived from, carried through so DESCRIBE and provenance-aware
// callers don't need to re-join (spec §6 result rows).
type Row struct {
	Binding Binding
	Facts   []FactID
}

// ResultTable is the columnar result surface (spec §9 Design Notes,
// "Columnar result surface"): Rows gives the row-oriented view most callers
// want, Columns fixes a stable projection order for table-shaped output
// (CSV export, CLI rendering), and Column collects one variable's values
// across every row by walking Rows.
type ResultTable struct {
	Columns []string
	Rows    []Row
}

// Column returns the projected values of v across every row, in row order.
func (rt *ResultTable) Column(v string) []string {
	out := make([]string, len(rt.Rows))
	for i, r := range rt.Rows {
		out[i] = r.Binding[v]
	}
	return out
}

// QueryResult is the full outcome of executing a Query (spec §6): exactly
// one of Table, Ask (for ASK), or Describe (for DESCRIBE) is meaningful,
// selected by the Query's own kind.
type QueryResult struct {
	Table    *ResultTable
	Ask      bool
	Describe []map[string]string
}

// Execute runs cq against net, applying OPTIONAL/UNION combination (MINUS is
// already applied by the network's negation nodes), GROUP BY aggregation, HAVING, DISTINCT, ORDER BY, and LIMIT/OFFSET (spec
// §4.5, §6). A non-zero timeout arbitrates against the given pool and
// returns ErrQueryTimeout if execution does not finish first (spec §4.5
// "Query timeout watcher"); a zero timeout runs inline with no watcher.
func (net *Network) Execute(cq *CompiledQuery, timeout time.Duration, pool *workerpool.Pool) (*QueryResult, error) {
	if timeout <= 0 || pool == nil {
		return net.execute(cq)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var result *QueryResult
	err := pool.Watch(ctx, func() error {
		r, err := net.execute(cq)
		result = r
		return err
	})
	if err == context.DeadlineExceeded {
		return nil, ErrQueryTimeout
	}
	return result, err
}

func (net *Network) execute(cq *CompiledQuery) (*QueryResult, error) {
	q := cq.Query

	if q.Describe != "" {
		canon := net.resolveIndividual(q.Describe)
		var out []map[string]string
		for _, id := range net.canonicalIndexByAttribute(attrIndividual, canon) {
			if f, ok := net.Store.Get(id); ok {
				out = append(out, f.Attrs(net.in))
			}
		}
		return &QueryResult{Describe: out}, nil
	}

	rows := net.resultRows(cq)

	for _, optID := range cq.Optionals {
		optRows := tokensToRows(net.nodes[optID].production.Live())
		rows = leftOuterJoin(rows, optRows)
	}

	if q.Ask {
		return &QueryResult{Ask: len(rows) > 0}, nil
	}

	if len(q.GroupBy) > 0 || len(q.Aggregates) > 0 {
		rows = applyAggregation(rows, q)
	}

	if len(q.Having) > 0 {
		rows = filterRows(rows, q.Having)
	}

	if q.Distinct {
		rows = dedupRows(rows, projectionVars(q))
	}

	if len(q.OrderBy) > 0 {
		sortRows(rows, q.OrderBy)
	}

	rows = paginate(rows, q.Offset, q.Limit)

	return &QueryResult{Table: &ResultTable{Columns: projectionVars(q), Rows: rows}}, nil
}

// resultRows gathers the query's base row set: the main pattern's tokens,
// or (when the WHERE body is a bare UNION, spec §6 "UNION") the
// concatenated, deduplicated union of every branch (spec §4.4 "UNION ->
// sibling productions concatenated+deduped at execution").
func (net *Network) resultRows(cq *CompiledQuery) []Row {
	var rows []Row
	if cq.Main != 0 {
		rows = tokensToRows(net.nodes[cq.Main].production.Live())
	}
	for _, branchIDs := range cq.UnionSets {
		var branchRows []Row
		for _, id := range branchIDs {
			branchRows = append(branchRows, tokensToRows(net.nodes[id].production.Live())...)
		}
		if cq.Main == 0 {
			rows = append(rows, dedupRows(branchRows, nil)...)
		} else {
			rows = append(rows, branchRows...)
		}
	}
	return rows
}

func tokensToRows(toks []*Token) []Row {
	out := make([]Row, len(toks))
	for i, t := range toks {
		out[i] = Row{Binding: t.Binding, Facts: t.Facts}
	}
	return out
}

// leftOuterJoin extends each left row with every matching right row's
// bindings on shared variables, leaving the left row unchanged (no new
// columns bound) when no right row matches (spec §6 "OPTIONAL ->
// left-outer-join-at-execution-not-network-node"; spec §4.5 "if >= 1 right
// match, emit one row per match").
func leftOuterJoin(left, right []Row) []Row {
	var out []Row
	for _, l := range left {
		matched := false
		for _, r := range right {
			if l.Binding.compatible(r.Binding) {
				matched = true
				out = append(out, Row{Binding: l.Binding.merge(r.Binding), Facts: append(append([]FactID(nil), l.Facts...), r.Facts...)})
			}
		}
		if !matched {
			out = append(out, l)
		}
	}
	return out
}

func filterRows(rows []Row, preds []Predicate) []Row {
	var out []Row
	for _, r := range rows {
		ok := true
		for _, p := range preds {
			if !evalPredicate(p, r.Binding) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, r)
		}
	}
	return out
}

func projectionVars(q *Query) []string {
	cols := append([]string(nil), q.Select...)
	for _, a := range q.Aggregates {
		cols = append(cols, a.Alias)
	}
	return cols
}

func dedupRows(rows []Row, cols []string) []Row {
	seen := make(map[string]bool, len(rows))
	var out []Row
	for _, r := range rows {
		key := rowKey(r, cols)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func rowKey(r Row, cols []string) string {
	if len(cols) == 0 {
		// no explicit projection: key on every bound variable, sorted.
		keys := sortedKeys(r.Binding)
		s := ""
		for _, k := range keys {
			s += k + "=" + r.Binding[k] + "\x1f"
		}
		return s
	}
	s := ""
	for _, c := range cols {
		s += r.Binding[c] + "\x1f"
	}
	return s
}

// sortRows sorts in place by the ORDER BY terms, falling back to
// lexicographic comparison for non-numeric values (stable, spec §6
// "ORDER BY ... default ascending").
func sortRows(rows []Row, terms []OrderTerm) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, t := range terms {
			a, b := rows[i].Binding[t.Var], rows[j].Binding[t.Var]
			cmp, _ := compareValues(a, b)
			if cmp == 0 {
				continue
			}
			if t.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func paginate(rows []Row, offset, limit int) []Row {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// applyAggregation groups rows by q.GroupBy (or the whole table if GroupBy
// is empty but an aggregate is requested) and computes each requested
// aggregate per group (spec §6 "GROUP BY/HAVING").
func applyAggregation(rows []Row, q *Query) []Row {
	groups := map[string][]Row{}
	var order []string
	for _, r := range rows {
		key := ""
		for _, g := range q.GroupBy {
			key += r.Binding[g] + "\x1f"
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}
	if len(q.GroupBy) == 0 && len(groups) == 0 {
		groups[""] = nil
		order = []string{""}
	}

	out := make([]Row, 0, len(order))
	for _, key := range order {
		members := groups[key]
		b := Binding{}
		if len(members) > 0 {
			for _, g := range q.GroupBy {
				b[g] = members[0].Binding[g]
			}
		}
		for _, agg := range q.Aggregates {
			b[agg.Alias] = computeAggregate(agg, members)
		}
		out = append(out, Row{Binding: b})
	}
	return out
}

func computeAggregate(agg Aggregate, rows []Row) string {
	// Two disjoint OPTIONAL blocks fold into the row set as a cartesian
	// product (leftOuterJoin is applied once per entry in cq.Optionals), so
	// a row contributing one ?a value is paired with every ?m value and vice
	// versa. COUNT de-duplicates on the aggregated variable's own value so
	// one OPTIONAL's fan-out doesn't inflate a disjoint OPTIONAL's count;
	// SUM/AVG/MIN/MAX keep every occurrence since collapsing repeated
	// numeric values would silently change their arithmetic meaning.
	dedupe := agg.Func == "COUNT" && !agg.Distinct
	seen := make(map[string]bool, len(rows))
	vals := make([]string, 0, len(rows))
	for _, r := range rows {
		v, ok := r.Binding[agg.Var]
		if !ok {
			continue
		}
		if dedupe {
			if seen[v] {
				continue
			}
			seen[v] = true
		}
		vals = append(vals, v)
	}
	if agg.Distinct {
		vals = dedupStrings(vals)
	}

	switch agg.Func {
	case "COUNT":
		return strconv.Itoa(len(vals))
	case "SUM", "AVG", "MIN", "MAX":
		return numericAggregate(agg.Func, vals)
	}
	return ""
}

func numericAggregate(fn string, vals []string) string {
	var nums []float64
	for _, v := range vals {
		if f, ok := parseFloatOK(v); ok {
			nums = append(nums, f)
		}
	}
	if len(nums) == 0 {
		return ""
	}
	switch fn {
	case "SUM":
		var s float64
		for _, n := range nums {
			s += n
		}
		return strconv.FormatFloat(s, 'g', -1, 64)
	case "AVG":
		var s float64
		for _, n := range nums {
			s += n
		}
		return strconv.FormatFloat(s/float64(len(nums)), 'g', -1, 64)
	case "MIN":
		m := nums[0]
		for _, n := range nums[1:] {
			if n < m {
				m = n
			}
		}
		return strconv.FormatFloat(m, 'g', -1, 64)
	case "MAX":
		m := nums[0]
		for _, n := range nums[1:] {
			if n > m {
				m = n
			}
		}
		return strconv.FormatFloat(m, 'g', -1, 64)
	}
	return ""
}

func parseFloatOK(s string) (float64, bool) {
	if !isNumeric(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func dedupStrings(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	var out []string
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
