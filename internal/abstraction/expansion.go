package abstraction

import (
	"fmt"
	"sort"
)

// TokenKind distinguishes the two addressable parts of an abstract block.
type TokenKind int

const (
	TokenInsn TokenKind = iota
	TokenAlias
)

// Token addresses a single atomic lattice move: expanding one feature of one
// abstract instruction, or expanding one aliasing entry. Tokens are
// comparable, hashable, and totally ordered.
type Token struct {
	Kind    TokenKind
	Insn    int
	Feature string
	Pair    PairKey
}

func InsnToken(insn int, feature string) Token {
	return Token{Kind: TokenInsn, Insn: insn, Feature: feature}
}

func AliasToken(pair PairKey) Token {
	return Token{Kind: TokenAlias, Pair: pair}
}

// AliasTokenOf builds an alias token from two operand references.
func AliasTokenOf(a, b OpRef) Token {
	return AliasToken(makePairKey(a, b))
}

func (t Token) String() string {
	if t.Kind == TokenInsn {
		return fmt.Sprintf("insn[%d].%s", t.Insn, t.Feature)
	}
	return fmt.Sprintf("alias[%s - %s]", t.Pair.A, t.Pair.B)
}

// Less imposes the total token order used for deterministic tie-breaking.
func (t Token) Less(o Token) bool {
	if t.Kind != o.Kind {
		return t.Kind < o.Kind
	}
	if t.Kind == TokenInsn {
		if t.Insn != o.Insn {
			return t.Insn < o.Insn
		}
		return t.Feature < o.Feature
	}
	return t.Pair.less(o.Pair)
}

// Expansion is a candidate lattice move with its estimated benefit: roughly
// how many additional schemes become representable. NoSemanticChange marks
// moves that provably leave the represented block set unchanged.
type Expansion struct {
	Token            Token
	Benefit          int
	NoSemanticChange bool
}

// PossibleExpansions enumerates all applicable expansion tokens with their
// benefits. The benefit of an instruction feature expansion is the growth of
// the slot's feasible set when only that feature is expanded.
func (ab *AbstractBlock) PossibleExpansions() []Expansion {
	var res []Expansion

	for idx, ai := range ab.insns {
		baseSize := len(ai.Feasible())
		for _, def := range ab.dom.FeatureManager.Features() {
			value := ai.features[def.Name]
			if !value.IsExpandable() {
				continue
			}
			expanded := ai.clone()
			expanded.features[def.Name].Expand()
			newSize := len(expanded.Feasible())
			res = append(res, Expansion{
				Token:            InsnToken(idx, def.Name),
				Benefit:          newSize - baseSize,
				NoSemanticChange: newSize == baseSize,
			})
		}
		if ai.present.IsExpandable() {
			// allowing absence admits all shorter layouts; treat as a small
			// constant gain
			res = append(res, Expansion{Token: InsnToken(idx, presentFeature), Benefit: 1})
		}
	}

	if !ab.isBot {
		ds := ab.mustAliasComponents()
		for key, value := range ab.aliasing.entries {
			if !value.IsExpandable() {
				continue
			}
			vacuous := false
			if value.Val() == true {
				// a must edge implied by the remaining must edges does not
				// change the represented set
				vacuous = ab.impliedByOtherMustEdges(key, ds)
			}
			res = append(res, Expansion{
				Token:            AliasToken(key),
				Benefit:          1,
				NoSemanticChange: vacuous,
			})
		}
	}

	sort.Slice(res, func(i, j int) bool { return res[i].Token.Less(res[j].Token) })
	return res
}

// impliedByOtherMustEdges checks whether dropping the must edge at key still
// leaves its endpoints connected through other must edges.
func (ab *AbstractBlock) impliedByOtherMustEdges(key PairKey, full *disjointSet) bool {
	if !full.connected(key.A, key.B) {
		return false
	}
	ds := newDisjointSet()
	for other, v := range ab.aliasing.entries {
		if other == key || v.Val() != true {
			continue
		}
		ds.union(other.A, other.B)
	}
	return ds.connected(key.A, key.B)
}

// ApplyExpansion performs the lattice move addressed by the token. The
// represented set never shrinks.
func (ab *AbstractBlock) ApplyExpansion(token Token) {
	switch token.Kind {
	case TokenInsn:
		ai := ab.insns[token.Insn]
		if token.Feature == presentFeature {
			ai.present.Expand()
			return
		}
		ai.features[token.Feature].Expand()
	case TokenAlias:
		entry, ok := ab.aliasing.entries[token.Pair]
		if !ok {
			return
		}
		wasMust := entry.Val() == true
		entry.Expand()
		if wasMust {
			// re-materialize the closure: if the edge was transitively
			// implied, it reappears and the move is a no-op
			ab.closeAliasing()
		}
	}
}
