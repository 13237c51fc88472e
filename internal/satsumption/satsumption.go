// Package satsumption decides subsumption between blocks with a SAT solver:
// whether a concrete block contains a pattern represented by an abstract
// block, and whether one abstract block represents everything another does.
// Both checks require an order-preserving injective mapping of abstract
// instructions.
package satsumption

import (
	"math/rand"

	"github.com/crillab/gophersat/solver"
	"github.com/tliron/commonlog"

	"anica/internal/abstraction"
	"anica/internal/isa"
)

var log = commonlog.GetLogger("anica.satsumption")

// cnfBuilder accumulates clauses with a fresh-variable counter.
type cnfBuilder struct {
	nextVar int
	clauses [][]int
}

func newCNFBuilder() *cnfBuilder {
	return &cnfBuilder{nextVar: 1}
}

func (b *cnfBuilder) fresh() int {
	v := b.nextVar
	b.nextVar++
	return v
}

func (b *cnfBuilder) add(clause ...int) {
	b.clauses = append(b.clauses, clause)
}

// exactlyOne asserts that precisely one of the literals is true, with
// pairwise at-most-one clauses (fine for the small cardinalities here).
func (b *cnfBuilder) exactlyOne(lits []int) {
	b.add(append([]int{}, lits...)...)
	b.atMostOne(lits)
}

func (b *cnfBuilder) atMostOne(lits []int) {
	for i := 0; i < len(lits); i++ {
		for j := i + 1; j < len(lits); j++ {
			b.add(-lits[i], -lits[j])
		}
	}
}

func (b *cnfBuilder) satisfiable() bool {
	pb := solver.ParseSlice(b.clauses)
	s := solver.New(pb)
	return s.Solve() == solver.Sat
}

type pairKey struct {
	a, c int
}

// CheckSubsumed decides whether the concrete block bb contains a pattern
// represented by the abstract block ab: an injective, order-preserving
// mapping of every abstract instruction to a concrete instruction whose
// scheme is feasible, with all aliasing constraints satisfied. Concrete
// instructions between two mapped neighbors must stay unmapped ("clean"), so
// the instruction order is preserved up to skipping and up to rotation: the
// neighbor relation wraps around from the last slot to the first, and so does
// the concrete block.
//
// Precomputed feasible sets may be passed to amortize repeated checks against
// the same abstract block; pass nil to compute them here.
func CheckSubsumed(bb *isa.BasicBlock, ab *abstraction.AbstractBlock, precomputed []abstraction.SchemeSet) bool {
	aug := ab.Domain().Augmentation
	b := newCNFBuilder()

	numAbs := ab.Len()
	numConc := bb.Len()

	mapVars := make(map[pairKey]int)
	mapAVars := make(map[int][]int)
	mapAIdxs := make(map[int][]int)
	mapCVars := make(map[int][]int)

	for aidx, ai := range ab.Insns() {
		var feasible abstraction.SchemeSet
		if precomputed != nil {
			feasible = precomputed[aidx]
		} else {
			feasible = ai.Feasible()
		}
		for cidx, ci := range bb.Insns {
			if !feasible[ci.Scheme] {
				continue
			}
			v := b.fresh()
			mapVars[pairKey{aidx, cidx}] = v
			mapAVars[aidx] = append(mapAVars[aidx], v)
			mapAIdxs[aidx] = append(mapAIdxs[aidx], cidx)
			mapCVars[cidx] = append(mapCVars[cidx], v)
		}
	}

	for aidx := 0; aidx < numAbs; aidx++ {
		vs := mapAVars[aidx]
		if len(vs) == 0 {
			// no fitting concrete instruction for this slot
			return false
		}
		b.exactlyOne(vs)
	}
	for cidx := 0; cidx < numConc; cidx++ {
		// a concrete instruction may stay unmapped, but serves at most one slot
		b.atMostOne(mapCVars[cidx])
	}

	for _, entry := range ab.Aliasing().Entries() {
		shouldAlias, ok := entry.Value.Val().(bool)
		if !ok {
			// bottom entries cannot appear in reachable blocks
			continue
		}
		ref1, ref2 := entry.Pair.A, entry.Pair.B
		for _, cidx1 := range mapAIdxs[ref1.Insn] {
			op1 := bb.Insns[cidx1].Operand(ref1.Key)
			if op1 == nil {
				continue
			}
			for _, cidx2 := range mapAIdxs[ref2.Insn] {
				op2 := bb.Insns[cidx2].Operand(ref2.Key)
				if op2 == nil {
					continue
				}
				violates := (shouldAlias && !aug.MustAlias(op1, op2)) ||
					(!shouldAlias && aug.MayAlias(op1, op2))
				if violates {
					b.add(-mapVars[pairKey{ref1.Insn, cidx1}], -mapVars[pairKey{ref2.Insn, cidx2}])
				}
			}
		}
	}

	addCleanConstraints(b, mapVars, numAbs, numConc)

	return b.satisfiable()
}

// addCleanConstraints forbids mappings that reorder instructions other than
// by rotation: whenever cyclic abstract neighbors (aidx, (aidx+1) mod n) map
// to concrete positions (c1, c2), every concrete instruction cyclically
// strictly between c1 and c2 must stay unmapped.
func addCleanConstraints(b *cnfBuilder, mapVars map[pairKey]int, numAbs, numConc int) {
	cleanVars := make(map[pairKey]int)
	for aidx := 0; aidx < numAbs; aidx++ {
		nextAidx := (aidx + 1) % numAbs
		for cidx1 := 0; cidx1 < numConc; cidx1++ {
			for cidx2 := 0; cidx2 < numConc; cidx2++ {
				if cidx1 == cidx2 || (cidx1+1)%numConc == cidx2 {
					// nothing lies between adjacent positions
					continue
				}
				v1, ok1 := mapVars[pairKey{aidx, cidx1}]
				v2, ok2 := mapVars[pairKey{nextAidx, cidx2}]
				if !ok1 || !ok2 {
					continue
				}
				cv, ok := cleanVars[pairKey{cidx1, cidx2}]
				if !ok {
					cv = b.fresh()
					cleanVars[pairKey{cidx1, cidx2}] = cv

					for mid := (cidx1 + 1) % numConc; mid != cidx2; mid = (mid + 1) % numConc {
						for aidxIt := 0; aidxIt < numAbs; aidxIt++ {
							mv, ok := mapVars[pairKey{aidxIt, mid}]
							if !ok {
								continue
							}
							b.add(-cv, -mv)
						}
					}
				}
				b.add(-v1, -v2, cv)
			}
		}
	}
}

// CheckSubsumedAA decides whether ab2 represents every concrete block that
// ab1 represents. Both blocks must share a domain. A shorter block can
// subsume a longer one but never the other way around.
func CheckSubsumedAA(ab1, ab2 *abstraction.AbstractBlock) bool {
	if ab1.Len() < ab2.Len() {
		return false
	}

	feasible1 := feasibleSets(ab1)
	feasible2 := feasibleSets(ab2)

	b := newCNFBuilder()

	mapVars := make(map[pairKey]int)
	map1Vars := make(map[int][]int)
	map2Vars := make(map[int][]int)
	map2Idxs := make(map[int][]int)

	// mapVars is keyed (slot of ab2, slot of ab1): ab2 plays the abstract
	// side, ab1 the concrete-like side of the mapping
	for idx1, fs1 := range feasible1 {
		for idx2, fs2 := range feasible2 {
			if !isSubset(fs1, fs2) {
				continue
			}
			v := b.fresh()
			mapVars[pairKey{idx2, idx1}] = v
			map1Vars[idx1] = append(map1Vars[idx1], v)
			map2Vars[idx2] = append(map2Vars[idx2], v)
			map2Idxs[idx2] = append(map2Idxs[idx2], idx1)
		}
	}

	for idx2 := 0; idx2 < ab2.Len(); idx2++ {
		vs := map2Vars[idx2]
		if len(vs) == 0 {
			// no instruction of ab1 fits under this slot of ab2
			return false
		}
		b.exactlyOne(vs)
	}
	for _, vs := range map1Vars {
		// instructions of ab1 not matched by any slot of ab2 are fine, which
		// mirrors the concrete check's clean instructions
		b.atMostOne(vs)
	}

	for _, entry := range ab2.Aliasing().Entries() {
		ref1, ref2 := entry.Pair.A, entry.Pair.B
		for _, idx1b1 := range map2Idxs[ref1.Insn] {
			for _, idx2b1 := range map2Idxs[ref2.Insn] {
				other := ab1.Aliasing().Get(
					abstraction.OpRef{Insn: idx1b1, Key: ref1.Key},
					abstraction.OpRef{Insn: idx2b1, Key: ref2.Key},
				)
				// a missing entry in ab1 means top, which a constrained
				// entry of ab2 cannot subsume
				if other == nil || !entry.Value.Subsumes(other) {
					b.add(-mapVars[pairKey{ref1.Insn, idx1b1}], -mapVars[pairKey{ref2.Insn, idx2b1}])
				}
			}
		}
	}

	addCleanConstraints(b, mapVars, ab2.Len(), ab1.Len())

	return b.satisfiable()
}

func feasibleSets(ab *abstraction.AbstractBlock) []abstraction.SchemeSet {
	res := make([]abstraction.SchemeSet, ab.Len())
	for i, ai := range ab.Insns() {
		res[i] = ai.Feasible()
	}
	return res
}

func isSubset(sub, super abstraction.SchemeSet) bool {
	for scheme := range sub {
		if !super[scheme] {
			return false
		}
	}
	return true
}

// Coverage computes how many blocks of the sample are subsumed by ab,
// returned as a ratio.
func Coverage(ab *abstraction.AbstractBlock, sample []*isa.BasicBlock) float64 {
	if len(sample) == 0 {
		return 0
	}
	precomputed := feasibleSets(ab)
	covered := 0
	for _, bb := range sample {
		if CheckSubsumed(bb, ab, precomputed) {
			covered++
		}
	}
	return float64(covered) / float64(len(sample))
}

// ABCoverage samples numSamples blocks of the given length from the universe
// block and reports the ratio subsumed by ab. A blockLen of 0 uses ab's own
// length.
func ABCoverage(ab *abstraction.AbstractBlock, numSamples, blockLen int, rng *rand.Rand) float64 {
	if blockLen == 0 {
		blockLen = ab.Len()
	}
	universe := abstraction.MakeTop(ab.Domain(), blockLen)
	sampler, err := universe.PrecomputeSampler(nil)
	if err != nil {
		return 0
	}
	var sample []*isa.BasicBlock
	for i := 0; i < numSamples; i++ {
		bb, err := sampler.Sample(rng)
		if err != nil {
			log.Infof("a coverage sample failed: %s", err)
			continue
		}
		sample = append(sample, bb)
	}
	return Coverage(ab, sample)
}
