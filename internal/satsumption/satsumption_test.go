package satsumption

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anica/internal/abstraction"
	"anica/internal/isa"
)

func newTestDomain(t *testing.T) *abstraction.Domain {
	t.Helper()
	return abstraction.NewDomain(isa.NewX86Context(), nil)
}

func parseBB(t *testing.T, dom *abstraction.Domain, src string) *isa.BasicBlock {
	t.Helper()
	bb, err := dom.ISA.ParseAsm(src)
	require.NoError(t, err)
	return bb
}

func TestConcreteBlockIsSubsumedByItsAbstraction(t *testing.T) {
	dom := newTestDomain(t)
	bb := parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax")
	ab := abstraction.FromConcrete(dom, bb)

	assert.True(t, CheckSubsumed(bb, ab, nil))
}

func TestSubsumptionAllowsReordering(t *testing.T) {
	dom := newTestDomain(t)
	ab := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))

	reordered := parseBB(t, dom, "sub rbx, rax\nadd rax, 0x2a")
	assert.True(t, CheckSubsumed(reordered, ab, nil),
		"the rotated block exposes the same pattern")
}

func TestSubsumptionAllowsExtraCleanInstructions(t *testing.T) {
	dom := newTestDomain(t)
	ab := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))

	longer := parseBB(t, dom, "sub rbx, rax\nvaddpd ymm1, ymm3, ymm2\nadd rax, 0x2a")
	assert.True(t, CheckSubsumed(longer, ab, nil),
		"an unrelated instruction outside the mapped pattern is allowed")
}

func TestSubsumptionFindsCleanMappingAmongDuplicates(t *testing.T) {
	dom := newTestDomain(t)
	ab := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))

	// the add appears twice; mapping the first one would leave the second
	// add between the mapped instructions, mapping the second one does not
	interleaved := parseBB(t, dom, "add rax, 0x2a\nadd rax, 0x2a\nsub rbx, rax")
	assert.True(t, CheckSubsumed(interleaved, ab, nil),
		"the second add is adjacent to the sub, so a clean mapping exists")
}

func TestSubsumptionRejectsOperandMismatch(t *testing.T) {
	dom := newTestDomain(t)
	ab := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))

	mismatched := parseBB(t, dom, "add rax, 0x2a\nsub rbx, rcx")
	assert.False(t, CheckSubsumed(mismatched, ab, nil),
		"the abstraction requires the add destination to feed the sub source")
}

func TestSubsumptionRejectsWrongSchemes(t *testing.T) {
	dom := newTestDomain(t)
	ab := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))

	different := parseBB(t, dom, "xor rax, 0x2a\nimul rbx, rax")
	assert.False(t, CheckSubsumed(different, ab, nil))
}

func TestShorterBlockIsNotSubsumed(t *testing.T) {
	dom := newTestDomain(t)
	ab := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))

	short := parseBB(t, dom, "add rax, 0x2a")
	assert.False(t, CheckSubsumed(short, ab, nil),
		"an abstract instruction cannot stay unmapped")
}

func TestSampledBlocksAreSubsumed(t *testing.T) {
	dom := newTestDomain(t)
	ab := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))
	// widen the slots so sampling has choices
	ab.ApplyExpansion(abstraction.InsnToken(0, "exact_scheme"))
	ab.ApplyExpansion(abstraction.InsnToken(1, "exact_scheme"))
	ab.ApplyExpansion(abstraction.InsnToken(1, "opschemes"))

	sampler, err := ab.PrecomputeSampler(nil)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(17))
	for i := 0; i < 10; i++ {
		bb, err := sampler.Sample(rng)
		require.NoError(t, err)
		assert.True(t, CheckSubsumed(bb, ab, nil), "sample not subsumed:\n%s", bb)
	}
}

func TestPrecomputedSchemesMatchOnTheFly(t *testing.T) {
	dom := newTestDomain(t)
	ab := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))
	bb := parseBB(t, dom, "sub rbx, rax\nadd rax, 0x2a")

	precomputed := make([]abstraction.SchemeSet, ab.Len())
	for i, ai := range ab.Insns() {
		precomputed[i] = ai.Feasible()
	}
	assert.Equal(t, CheckSubsumed(bb, ab, nil), CheckSubsumed(bb, ab, precomputed))
}

func TestAASubsumptionReflexive(t *testing.T) {
	dom := newTestDomain(t)
	ab := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))
	assert.True(t, CheckSubsumedAA(ab, ab))
}

func TestAASubsumptionAfterExpansion(t *testing.T) {
	dom := newTestDomain(t)
	narrow := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))

	wide := narrow.Clone()
	wide.ApplyExpansion(abstraction.InsnToken(0, "exact_scheme"))
	wide.ApplyExpansion(abstraction.InsnToken(0, "mnemonic"))

	assert.True(t, CheckSubsumedAA(narrow, wide), "the widened block subsumes the original")
	assert.False(t, CheckSubsumedAA(wide, narrow))
}

func TestAASubsumptionShorterSubsumesLonger(t *testing.T) {
	dom := newTestDomain(t)
	one := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a"))
	one.ApplyExpansion(abstraction.InsnToken(0, "exact_scheme"))

	two := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nvaddpd ymm1, ymm3, ymm2"))

	assert.True(t, CheckSubsumedAA(two, one),
		"a single-insn pattern subsumes every longer block containing it")
	assert.False(t, CheckSubsumedAA(one, two),
		"a longer pattern cannot subsume a shorter block")
}

func TestCoverage(t *testing.T) {
	dom := newTestDomain(t)
	ab := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))

	covered := parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax")
	uncovered := parseBB(t, dom, "xor rax, rbx\nimul rbx, rcx")
	ratio := Coverage(ab, []*isa.BasicBlock{covered, uncovered})
	assert.InDelta(t, 0.5, ratio, 1e-9)
}

func TestABCoverageRunsOnUniverseSamples(t *testing.T) {
	dom := newTestDomain(t)
	ab := abstraction.MakeTop(dom, 2)
	rng := rand.New(rand.NewSource(5))
	ratio := ABCoverage(ab, 8, 0, rng)
	assert.InDelta(t, 1.0, ratio, 1e-9, "the universe block covers its own samples")
}
