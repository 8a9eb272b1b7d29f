package reter

// betaNode joins a left token stream against a right token stream on their
// shared variable bindings (spec §4.3). Both sides keep a memory of live
// tokens so that a token arriving on either side can be joined against
// everything already seen on the other.
type betaNode struct {
	left, right nodeID

	leftMem  map[string]*Token
	rightMem map[string]*Token

	// composite maps "leftKey|rightKey" -> the composite token forwarded
	// for that pair, so a retract on either side can retract exactly the
	// composites it produced.
	composite map[string]*Token
	// byLeft/byRight index composite keys by which side produced them, for
	// retraction fan-out.
	byLeft  map[string][]string
	byRight map[string][]string
}

func newBetaNode(left, right nodeID) *betaNode {
	return &betaNode{
		left: left, right: right,
		leftMem: make(map[string]*Token), rightMem: make(map[string]*Token),
		composite: make(map[string]*Token),
		byLeft:    make(map[string][]string),
		byRight:   make(map[string][]string),
	}
}

func (b *betaNode) receive(net *Network, from nodeID, m msg) []msg {
	if from == b.left {
		return b.receiveLeft(m)
	}
	return b.receiveRight(m)
}

func (b *betaNode) receiveLeft(m msg) []msg {
	lk := m.tok.key()
	if m.add {
		b.leftMem[lk] = m.tok
		var out []msg
		for rk, rtok := range b.rightMem {
			if comp, ok := joinTokens(m.tok, rtok); ok {
				ck := lk + "|" + rk
				b.composite[ck] = comp
				b.byLeft[lk] = append(b.byLeft[lk], ck)
				b.byRight[rk] = append(b.byRight[rk], ck)
				out = append(out, msg{tok: comp, add: true})
			}
		}
		return out
	}
	delete(b.leftMem, lk)
	var out []msg
	for _, ck := range b.byLeft[lk] {
		if comp, ok := b.composite[ck]; ok {
			out = append(out, msg{tok: comp, add: false})
			delete(b.composite, ck)
		}
	}
	delete(b.byLeft, lk)
	return out
}

func (b *betaNode) receiveRight(m msg) []msg {
	rk := m.tok.key()
	if m.add {
		b.rightMem[rk] = m.tok
		var out []msg
		for lk, ltok := range b.leftMem {
			if comp, ok := joinTokens(ltok, m.tok); ok {
				ck := lk + "|" + rk
				b.composite[ck] = comp
				b.byLeft[lk] = append(b.byLeft[lk], ck)
				b.byRight[rk] = append(b.byRight[rk], ck)
				out = append(out, msg{tok: comp, add: true})
			}
		}
		return out
	}
	delete(b.rightMem, rk)
	var out []msg
	for _, ck := range b.byRight[rk] {
		if comp, ok := b.composite[ck]; ok {
			out = append(out, msg{tok: comp, add: false})
			delete(b.composite, ck)
		}
	}
	delete(b.byRight, rk)
	return out
}
