package abstraction

import (
	"fmt"
	"math/rand"
	"sort"

	"anica/internal/isa"
)

// SamplingError reports that instantiating a concrete block from an abstract
// block failed: no feasible scheme, an aliasing conflict, or an impossible
// width adjustment.
type SamplingError struct {
	Reason string
}

func (e *SamplingError) Error() string {
	return "abstraction: sampling failed: " + e.Reason
}

func samplingErrorf(format string, args ...any) *SamplingError {
	return &SamplingError{Reason: fmt.Sprintf(format, args...)}
}

// EmptyFeasibleSetError reports a slot whose feasible scheme set is empty, so
// no sampler can be built at all.
type EmptyFeasibleSetError struct {
	Slot int
}

func (e *EmptyFeasibleSetError) Error() string {
	return fmt.Sprintf("abstraction: empty feasible scheme set for slot %d", e.Slot)
}

// Sampler instantiates concrete blocks from one abstract block. The feasible
// scheme sets per slot are computed once at construction; sampling is then
// cheap and deterministic under a caller-supplied RNG.
type Sampler struct {
	ab       *AbstractBlock
	feasible [][]*isa.InsnScheme
	// absent marks slots that can hold no instruction.
	absent []bool
}

// PrecomputeSampler builds a sampler for the block, excluding blacklisted
// schemes from every slot.
func (ab *AbstractBlock) PrecomputeSampler(blacklist SchemeSet) (*Sampler, error) {
	s := &Sampler{
		ab:       ab,
		feasible: make([][]*isa.InsnScheme, ab.Len()),
		absent:   make([]bool, ab.Len()),
	}
	for i, ai := range ab.insns {
		if ai.present.Val() == false {
			s.absent[i] = true
			continue
		}
		set := ai.Feasible()
		for scheme := range blacklist {
			delete(set, scheme)
		}
		if len(set) == 0 {
			if ai.MayBeAbsent() {
				s.absent[i] = true
				continue
			}
			return nil, &EmptyFeasibleSetError{Slot: i}
		}
		s.feasible[i] = set.Sorted()
	}
	return s, nil
}

// Sample draws one concrete block represented by the abstract block. All
// random decisions come from rng.
func (s *Sampler) Sample(rng *rand.Rand) (*isa.BasicBlock, error) {
	ab := s.ab
	if ab.isBot {
		return nil, samplingErrorf("cannot sample from a bottom block")
	}

	schemes := make([]*isa.InsnScheme, ab.Len())
	for i := range ab.insns {
		if s.absent[i] {
			continue
		}
		if ab.insns[i].present.IsTop() && rng.Intn(2) == 0 {
			continue
		}
		schemes[i] = s.feasible[i][rng.Intn(len(s.feasible[i]))]
	}

	same := make(map[OpRef][]OpRef)
	notSame := make(map[OpRef][]OpRef)
	for key, value := range ab.aliasing.entries {
		if schemes[key.A.Insn] == nil || schemes[key.B.Insn] == nil {
			continue
		}
		if schemes[key.A.Insn].OperandScheme(key.A.Key) == nil ||
			schemes[key.B.Insn].OperandScheme(key.B.Key) == nil {
			continue
		}
		switch value.Val() {
		case true:
			same[key.A] = append(same[key.A], key.B)
			same[key.B] = append(same[key.B], key.A)
		case false:
			notSame[key.A] = append(notSame[key.A], key.B)
			notSame[key.B] = append(notSame[key.B], key.A)
		}
	}
	for _, neighbors := range same {
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].less(neighbors[j]) })
	}
	for _, neighbors := range notSame {
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].less(neighbors[j]) })
	}

	aug := ab.dom.Augmentation
	chosen := make(map[OpRef]isa.Operand)

	opScheme := func(ref OpRef) *isa.OperandScheme {
		return schemes[ref.Insn].OperandScheme(ref.Key)
	}

	pin := func(ref OpRef, op isa.Operand) error {
		if prev, ok := chosen[ref]; ok && prev != op {
			return samplingErrorf("conflicting operands for %s: %s vs %s", ref, prev, op)
		}
		chosen[ref] = op
		return nil
	}

	// pin every fixed operand and propagate it along must-alias edges
	for idx, scheme := range schemes {
		if scheme == nil {
			continue
		}
		for _, nos := range scheme.OperandKeys() {
			if aug.SkipForAliasing(nos.Scheme) || !nos.Scheme.IsFixed() {
				continue
			}
			ref := OpRef{Insn: idx, Key: nos.Key}
			if err := pin(ref, nos.Scheme.Fixed); err != nil {
				return nil, err
			}
			for _, neighbor := range same[ref] {
				adjusted, ok := aug.AdjustOperandWidth(nos.Scheme.Fixed, opScheme(neighbor))
				if !ok {
					return nil, samplingErrorf("cannot adjust %s to the width of %s", nos.Scheme.Fixed, neighbor)
				}
				if err := pin(neighbor, adjusted); err != nil {
					return nil, err
				}
			}
		}
	}

	// choose the remaining operands in deterministic traversal order
	for idx, scheme := range schemes {
		if scheme == nil {
			continue
		}
		for _, nos := range scheme.OperandKeys() {
			if nos.Scheme.IsFixed() {
				continue
			}
			ref := OpRef{Insn: idx, Key: nos.Key}
			if _, ok := chosen[ref]; ok {
				continue
			}
			allowed := aug.AllowedOperands(nos.Scheme)
			if !aug.SkipForAliasing(nos.Scheme) {
				for _, neighbor := range notSame[ref] {
					taken, ok := chosen[neighbor]
					if !ok {
						continue
					}
					adjusted, ok := aug.AdjustOperandWidth(taken, nos.Scheme)
					if !ok {
						continue
					}
					allowed = removeOperand(allowed, adjusted)
				}
			}
			if len(allowed) == 0 {
				return nil, samplingErrorf("no allowed operand left for %s", ref)
			}
			op := allowed[rng.Intn(len(allowed))]
			chosen[ref] = op
			for _, neighbor := range same[ref] {
				adjusted, ok := aug.AdjustOperandWidth(op, opScheme(neighbor))
				if !ok {
					return nil, samplingErrorf("cannot adjust %s to the width of %s", op, neighbor)
				}
				if err := pin(neighbor, adjusted); err != nil {
					return nil, err
				}
			}
		}
	}

	var insns []*isa.Insn
	for idx, scheme := range schemes {
		if scheme == nil {
			continue
		}
		ops := make(map[string]isa.Operand)
		for _, nos := range scheme.ExplicitOperands() {
			if nos.Scheme.IsFixed() {
				continue
			}
			op, ok := chosen[OpRef{Insn: idx, Key: nos.Key}]
			if !ok {
				return nil, samplingErrorf("no operand chosen for %d:%s", idx, nos.Key)
			}
			ops[nos.Key] = op
		}
		insn, err := scheme.Instantiate(ops)
		if err != nil {
			return nil, samplingErrorf("instantiation failed: %v", err)
		}
		insns = append(insns, insn)
	}
	if len(insns) == 0 {
		return nil, samplingErrorf("sampled an empty block")
	}
	return isa.NewBasicBlock(insns), nil
}

func removeOperand(ops []isa.Operand, drop isa.Operand) []isa.Operand {
	res := ops[:0]
	for _, op := range ops {
		if op != drop {
			res = append(res, op)
		}
	}
	return res
}
