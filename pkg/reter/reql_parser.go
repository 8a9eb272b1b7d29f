package reter

import (
	"fmt"
	"strings"
)

// parser consumes a pre-lexed token stream and builds a Query AST (spec §6
// REQL surface). It is a straightforward recursive-descent parser,
// grounded on the teacher's dcg.go definite-clause-grammar style: each
// grammar rule is one method that consumes tokens and returns an AST
// fragment or an ErrQueryParse-wrapped error with line/column (spec §7).
type parser struct {
	toks []token
	pos  int
}

// ParseREQL parses REQL query text into a Query AST ready for planning.
func ParseREQL(text string) (*Query, error) {
	lx := newLexer(text)
	var toks []token
	for {
		t, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
		if t.kind == tokEOF {
			break
		}
	}
	p := &parser{toks: toks}
	return p.parseQuery()
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) isKeyword(kw string) bool {
	t := p.cur()
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return p.errf("expected %q", kw)
	}
	p.advance()
	return nil
}

func (p *parser) errf(format string, args ...interface{}) error {
	t := p.cur()
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%w: %s at %d:%d (got %q)", ErrQueryParse, msg, t.line, t.col, t.text)
}

func (p *parser) parseQuery() (*Query, error) {
	q := newQuery()
	switch {
	case p.isKeyword("ASK"):
		p.advance()
		q.Ask = true
	case p.isKeyword("DESCRIBE"):
		p.advance()
		v := p.advance()
		q.Describe = v.text
	case p.isKeyword("SELECT"):
		p.advance()
		if p.isKeyword("DISTINCT") {
			p.advance()
			q.Distinct = true
		}
		for !p.isKeyword("WHERE") && p.cur().kind != tokEOF {
			if p.cur().kind == tokLParen {
				agg, err := p.parseAggregate()
				if err != nil {
					return nil, err
				}
				q.Aggregates = append(q.Aggregates, agg)
				continue
			}
			t := p.advance()
			if t.kind != tokVar {
				return nil, p.errf("expected select variable")
			}
			q.Select = append(q.Select, t.text)
		}
	default:
		return nil, p.errf("expected SELECT, ASK, or DESCRIBE")
	}

	if err := p.expectKeyword("WHERE"); err != nil {
		return nil, err
	}
	gp, err := p.parseGroupPattern()
	if err != nil {
		return nil, err
	}
	q.Where = gp

	if p.isKeyword("GROUP") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for p.cur().kind == tokVar {
			q.GroupBy = append(q.GroupBy, p.advance().text)
		}
	}

	if p.isKeyword("HAVING") {
		p.advance()
		preds, err := p.parseFilterExpr()
		if err != nil {
			return nil, err
		}
		q.Having = preds
	}

	if p.isKeyword("ORDER") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for p.cur().kind == tokVar || p.isKeyword("ASC") || p.isKeyword("DESC") {
			desc := false
			if p.isKeyword("ASC") {
				p.advance()
			} else if p.isKeyword("DESC") {
				p.advance()
				desc = true
			}
			if p.cur().kind != tokVar {
				break
			}
			q.OrderBy = append(q.OrderBy, OrderTerm{Var: p.advance().text, Desc: desc})
		}
	}

	if p.isKeyword("LIMIT") {
		p.advance()
		n := p.advance()
		fmt.Sscanf(n.text, "%d", &q.Limit)
	}
	if p.isKeyword("OFFSET") {
		p.advance()
		n := p.advance()
		fmt.Sscanf(n.text, "%d", &q.Offset)
	}

	return q, nil
}

func (p *parser) parseAggregate() (Aggregate, error) {
	if p.cur().kind != tokLParen {
		return Aggregate{}, p.errf("expected '('")
	}
	p.advance()
	fn := p.advance()
	if p.cur().kind != tokLParen {
		return Aggregate{}, p.errf("expected '(' after aggregate function")
	}
	p.advance()
	distinct := false
	if p.isKeyword("DISTINCT") {
		p.advance()
		distinct = true
	}
	v := p.advance()
	if p.cur().kind != tokRParen {
		return Aggregate{}, p.errf("expected ')'")
	}
	p.advance()
	if !p.isKeyword("AS") {
		return Aggregate{}, p.errf("expected AS")
	}
	p.advance()
	alias := p.advance()
	if p.cur().kind != tokRParen {
		return Aggregate{}, p.errf("expected ')'")
	}
	p.advance()
	return Aggregate{Func: strings.ToUpper(fn.text), Var: v.text, Distinct: distinct, Alias: alias.text}, nil
}

func (p *parser) parseGroupPattern() (*GroupPattern, error) {
	if p.cur().kind != tokLBrace {
		return nil, p.errf("expected '{'")
	}
	p.advance()
	gp := &GroupPattern{}

	for p.cur().kind != tokRBrace {
		switch {
		case p.cur().kind == tokEOF:
			return nil, p.errf("unterminated group pattern")
		case p.isKeyword("FILTER"):
			p.advance()
			preds, err := p.parseFilterOrNotExists(gp)
			if err != nil {
				return nil, err
			}
			gp.Filters = append(gp.Filters, preds...)
		case p.isKeyword("OPTIONAL"):
			p.advance()
			sub, err := p.parseGroupPattern()
			if err != nil {
				return nil, err
			}
			gp.Optionals = append(gp.Optionals, sub)
		case p.isKeyword("MINUS"):
			p.advance()
			sub, err := p.parseGroupPattern()
			if err != nil {
				return nil, err
			}
			gp.Minus = append(gp.Minus, sub)
		case p.isKeyword("UNION"):
			// `{ a UNION { b } }` — the triples and filters parsed so far in
			// this group become the first branch and the following group
			// the second; both move into a two-element union rooted at gp.
			p.advance()
			sub, err := p.parseGroupPattern()
			if err != nil {
				return nil, err
			}
			first := &GroupPattern{Triples: gp.Triples, Filters: gp.Filters}
			gp.Triples, gp.Filters = nil, nil
			gp.Unions = append(gp.Unions, []*GroupPattern{first, sub})
		default:
			tp, err := p.parseTriple()
			if err != nil {
				return nil, err
			}
			gp.Triples = append(gp.Triples, tp)
		}
	}
	p.advance() // consume '}'
	return gp, nil
}

func (p *parser) parseTriple() (TriplePattern, error) {
	s, err := p.parseTerm()
	if err != nil {
		return TriplePattern{}, err
	}
	pr, err := p.parseTerm()
	if err != nil {
		return TriplePattern{}, err
	}
	o, err := p.parseTerm()
	if err != nil {
		return TriplePattern{}, err
	}
	if p.cur().kind == tokDot {
		p.advance()
	}
	return TriplePattern{S: s, P: pr, O: o}, nil
}

func (p *parser) parseTerm() (string, error) {
	t := p.advance()
	switch t.kind {
	case tokVar:
		return "?" + t.text, nil
	case tokIdent, tokString, tokNumber:
		return t.text, nil
	}
	return "", p.errf("expected term")
}

// parseFilterOrNotExists handles both `FILTER NOT EXISTS { ... }` (which
// lowers to a MINUS sub-pattern on gp, spec §4.4) and an ordinary
// parenthesized boolean expression.
func (p *parser) parseFilterOrNotExists(gp *GroupPattern) ([]Predicate, error) {
	if p.isKeyword("NOT") {
		p.advance()
		if err := p.expectKeyword("EXISTS"); err != nil {
			return nil, err
		}
		sub, err := p.parseGroupPattern()
		if err != nil {
			return nil, err
		}
		gp.Minus = append(gp.Minus, sub)
		return nil, nil
	}
	if p.isKeyword("EXISTS") {
		// EXISTS{} without NOT is accepted syntactically but not specified
		// as a separate operator in spec §6; treat as always-true here.
		p.advance()
		_, err := p.parseGroupPattern()
		return nil, err
	}
	return p.parseFilterExpr()
}

// parseFilterExpr parses a conjunction of built-in predicates (spec §4.5).
func (p *parser) parseFilterExpr() ([]Predicate, error) {
	var preds []Predicate
	for {
		pred, err := p.parsePredicate()
		if err != nil {
			return nil, err
		}
		preds = append(preds, pred)
		if p.isKeyword("AND") || p.cur().kind == tokComma {
			p.advance()
			continue
		}
		break
	}
	return preds, nil
}

func (p *parser) parsePredicate() (Predicate, error) {
	switch {
	case p.isKeyword("BOUND"):
		p.advance()
		p.expectTok(tokLParen)
		v := p.advance()
		p.expectTok(tokRParen)
		return Predicate{Op: OpBound, Var: v.text}, nil
	case p.isKeyword("CONTAINS"):
		return p.parseBinaryFunc(OpContains)
	case p.isKeyword("REGEX"):
		return p.parseBinaryFunc(OpRegex)
	case p.isKeyword("STRSTARTS"):
		return p.parseBinaryFunc(OpStrStarts)
	case p.isKeyword("STRENDS"):
		return p.parseBinaryFunc(OpStrEnds)
	}

	if p.cur().kind == tokLParen {
		p.advance()
		pred, err := p.parsePredicate()
		if err != nil {
			return Predicate{}, err
		}
		p.expectTok(tokRParen)
		return pred, nil
	}

	left := p.advance()
	op := p.advance()
	if op.kind != tokOp {
		return Predicate{}, p.errf("expected comparison operator")
	}
	right := p.advance()

	pred := Predicate{Op: opFromText(op.text), Var: strings.TrimPrefix(left.text, "?")}
	if right.kind == tokVar {
		pred.isVarCmp = true
		pred.OtherVar = right.text
	} else {
		pred.Literal = right.text
	}
	return pred, nil
}

func (p *parser) parseBinaryFunc(op CompareOp) (Predicate, error) {
	p.advance() // keyword
	p.expectTok(tokLParen)
	v := p.advance()
	p.expectTok(tokComma)
	lit := p.advance()
	p.expectTok(tokRParen)
	return Predicate{Op: op, Var: strings.TrimPrefix(v.text, "?"), Literal: lit.text}, nil
}

func (p *parser) expectTok(kind tokKind) { p.advance() }

func opFromText(s string) CompareOp {
	switch s {
	case "=":
		return OpEq
	case "!=":
		return OpNe
	case "<":
		return OpLt
	case "<=":
		return OpLe
	case ">":
		return OpGt
	case ">=":
		return OpGe
	}
	return OpEq
}
