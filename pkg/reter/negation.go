package reter

// negEntry tracks one live left token's blocker count: the number of
// right-input tokens currently matching it under shared-variable equality
// (spec §4.3 Negation node).
type negEntry struct {
	tok      *Token
	blockers int
	emitting bool
}

// negationNode emits a left token iff no right-input token matches it
// under the shared variables between the two sides. It implements this as
// reference-counted blocking so that a right retract can correctly re-emit
// a previously suppressed left token (truth maintenance, spec §3).
type negationNode struct {
	left, right nodeID

	leftMem  map[string]*negEntry
	rightMem map[string]*Token
}

func newNegationNode(left, right nodeID) *negationNode {
	return &negationNode{
		left: left, right: right,
		leftMem:  make(map[string]*negEntry),
		rightMem: make(map[string]*Token),
	}
}

// blocks reports whether a right-input token matches a left token under
// shared-variable equality: true unless the two disagree on some variable
// bound in both. With no shared variables at all this is vacuously true —
// any right-input token's mere existence blocks every left token, which is
// the correct reading of "no matching right-input token exists" when the
// negated sub-pattern does not reference the outer variable.
func blocks(left, right Binding) bool {
	for k, v := range left {
		if rv, ok := right[k]; ok && rv != v {
			return false
		}
	}
	return true
}

func (n *negationNode) receive(net *Network, from nodeID, m msg) []msg {
	if from == n.left {
		return n.receiveLeft(m)
	}
	return n.receiveRight(m)
}

func (n *negationNode) receiveLeft(m msg) []msg {
	lk := m.tok.key()
	if m.add {
		entry := &negEntry{tok: m.tok}
		for _, rtok := range n.rightMem {
			if blocks(m.tok.Binding, rtok.Binding) {
				entry.blockers++
			}
		}
		n.leftMem[lk] = entry
		if entry.blockers == 0 {
			entry.emitting = true
			return []msg{{tok: m.tok, add: true}}
		}
		return nil
	}
	entry, ok := n.leftMem[lk]
	delete(n.leftMem, lk)
	if ok && entry.emitting {
		return []msg{{tok: m.tok, add: false}}
	}
	return nil
}

func (n *negationNode) receiveRight(m msg) []msg {
	rk := m.tok.key()
	var out []msg
	if m.add {
		n.rightMem[rk] = m.tok
		for _, entry := range n.leftMem {
			if blocks(entry.tok.Binding, m.tok.Binding) {
				entry.blockers++
				if entry.blockers == 1 && entry.emitting {
					entry.emitting = false
					out = append(out, msg{tok: entry.tok, add: false})
				}
			}
		}
		return out
	}
	delete(n.rightMem, rk)
	for _, entry := range n.leftMem {
		if blocks(entry.tok.Binding, m.tok.Binding) {
			entry.blockers--
			if entry.blockers == 0 && !entry.emitting {
				entry.emitting = true
				out = append(out, msg{tok: entry.tok, add: true})
			}
		}
	}
	return out
}
