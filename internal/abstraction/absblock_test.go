package abstraction

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anica/internal/isa"
)

func newTestDomain(t *testing.T) *Domain {
	t.Helper()
	return NewDomain(isa.NewX86Context(), nil)
}

func parseBB(t *testing.T, dom *Domain, src string) *isa.BasicBlock {
	t.Helper()
	bb, err := dom.ISA.ParseAsm(src)
	require.NoError(t, err)
	return bb
}

func TestFromConcreteSubsumesItsBlock(t *testing.T) {
	dom := newTestDomain(t)
	bb := parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax")
	ab := FromConcrete(dom, bb)

	assert.True(t, ab.Subsumes(ab), "subsumption is reflexive")
	assert.True(t, ab.Subsumes(FromConcrete(dom, bb)))
	assert.False(t, ab.IsBottom())
}

func TestJoinMonotonicity(t *testing.T) {
	dom := newTestDomain(t)
	bb1 := parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax")
	bb2 := parseBB(t, dom, "xor rcx, rdx\nimul rcx, rdx")

	ab := FromConcrete(dom, bb1)
	before := ab.Clone()
	ab.Join(bb2)

	assert.True(t, ab.Subsumes(before))
	assert.True(t, ab.Subsumes(FromConcrete(dom, bb2)))
}

func TestJoinShorterBlockAllowsAbsence(t *testing.T) {
	dom := newTestDomain(t)
	ab := FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))
	ab.Join(parseBB(t, dom, "add rax, 0x2a"))

	assert.True(t, ab.Insns()[1].MayBeAbsent())
	assert.False(t, ab.Insns()[0].MayBeAbsent())
}

func TestJoinRecordsAliasing(t *testing.T) {
	dom := newTestDomain(t)
	ab := FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))

	mustEntry := ab.Aliasing().Get(OpRef{Insn: 0, Key: "op0"}, OpRef{Insn: 1, Key: "op1"})
	require.NotNil(t, mustEntry)
	assert.Equal(t, true, mustEntry.Val())

	notEntry := ab.Aliasing().Get(OpRef{Insn: 0, Key: "op0"}, OpRef{Insn: 1, Key: "op0"})
	require.NotNil(t, notEntry)
	assert.Equal(t, false, notEntry.Val())

	// the immediate of insn 0 is skipped for aliasing
	assert.Nil(t, ab.Aliasing().Get(OpRef{Insn: 0, Key: "op1"}, OpRef{Insn: 1, Key: "op0"}))
}

func TestExpansionMonotonicity(t *testing.T) {
	dom := newTestDomain(t)
	ab := FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))

	for i := 0; i < 8; i++ {
		expansions := ab.PossibleExpansions()
		if len(expansions) == 0 {
			break
		}
		before := ab.Clone()
		ab.ApplyExpansion(expansions[i%len(expansions)].Token)
		assert.True(t, ab.Subsumes(before), "expansion %s must not shrink the block", expansions[i%len(expansions)].Token)
	}
}

func TestPossibleExpansionsAreDeduplicatedAndOrdered(t *testing.T) {
	dom := newTestDomain(t)
	ab := FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))

	expansions := ab.PossibleExpansions()
	require.NotEmpty(t, expansions)
	seen := make(map[Token]bool)
	for i, exp := range expansions {
		assert.False(t, seen[exp.Token], "token %s appears twice", exp.Token)
		seen[exp.Token] = true
		if i > 0 {
			assert.True(t, expansions[i-1].Token.Less(exp.Token))
		}
	}
}

func TestFeasibleMatchesSubsumesFeatureRecord(t *testing.T) {
	dom := newTestDomain(t)
	ab := FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))

	// widen a little so the feasible sets are not singletons
	ab.ApplyExpansion(InsnToken(0, "exact_scheme"))
	ab.ApplyExpansion(InsnToken(1, "exact_scheme"))
	ab.ApplyExpansion(InsnToken(0, "mnemonic"))

	for _, ai := range ab.Insns() {
		feasible := ai.Feasible()
		for _, scheme := range dom.ISA.Schemes() {
			record := dom.FeatureManager.ExtractFeatures(scheme)
			assert.Equal(t, ai.SubsumesFeatureRecord(record), feasible[scheme],
				"feasible set and feature record subsumption disagree on %s", scheme)
		}
	}
}

func TestExactSchemeShortcut(t *testing.T) {
	dom := newTestDomain(t)
	ab := FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a"))
	feasible := ab.Insns()[0].Feasible()
	require.Len(t, feasible, 1)
	for scheme := range feasible {
		assert.Equal(t, "add", scheme.Mnemonic())
	}
}

func TestTransitiveClosureMaterializesMustAlias(t *testing.T) {
	dom := newTestDomain(t)
	// both instructions read/write rax: every register operand pair is
	// a must-alias, including the transitively implied ones
	ab := FromConcrete(dom, parseBB(t, dom, "add rax, rax\nsub rax, rax"))

	refs := []OpRef{
		{Insn: 0, Key: "op0"}, {Insn: 0, Key: "op1"},
		{Insn: 1, Key: "op0"}, {Insn: 1, Key: "op1"},
	}
	for i := 0; i < len(refs); i++ {
		for j := i + 1; j < len(refs); j++ {
			entry := ab.Aliasing().Get(refs[i], refs[j])
			require.NotNil(t, entry, "%s - %s", refs[i], refs[j])
			assert.Equal(t, true, entry.Val(), "%s - %s", refs[i], refs[j])
		}
	}
}

func TestJoinRecordsMustNotWithinBlock(t *testing.T) {
	dom := newTestDomain(t)
	ab := FromConcrete(dom, parseBB(t, dom, "add rax, rbx\nsub rcx, rdx"))

	a := OpRef{Insn: 0, Key: "op0"}
	b := OpRef{Insn: 1, Key: "op0"}
	entry := ab.Aliasing().Get(a, b)
	require.NotNil(t, entry)
	assert.Equal(t, false, entry.Val())

	c := OpRef{Insn: 0, Key: "op1"}
	mid := ab.Aliasing().Get(a, c)
	require.NotNil(t, mid)
	// rax vs rbx in the same insn: must-not
	assert.Equal(t, false, mid.Val())
}

func TestSamplerProducesSubsumedBlocks(t *testing.T) {
	dom := newTestDomain(t)
	ab := MakeTop(dom, 3)
	sampler, err := ab.PrecomputeSampler(nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		bb, err := sampler.Sample(rng)
		require.NoError(t, err)
		assert.Equal(t, 3, bb.Len())

		joined := FromConcrete(dom, bb)
		assert.True(t, ab.Subsumes(joined), "sampled block escapes the universe:\n%s", bb)
	}
}

func TestSamplerHonorsMustAlias(t *testing.T) {
	dom := newTestDomain(t)
	ab := FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))

	sampler, err := ab.PrecomputeSampler(nil)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 10; i++ {
		bb, err := sampler.Sample(rng)
		require.NoError(t, err)
		require.Equal(t, 2, bb.Len())

		dst := bb.Insns[0].Operand("op0")
		src := bb.Insns[1].Operand("op1")
		assert.True(t, dom.Augmentation.MustAlias(dst, src),
			"slot 0 destination and slot 1 source must alias: %s", bb)

		other := bb.Insns[1].Operand("op0")
		assert.False(t, dom.Augmentation.MayAlias(dst, other),
			"slot 0 destination and slot 1 destination must not alias: %s", bb)
	}
}

func TestSamplerExcludesBlacklistedSchemes(t *testing.T) {
	dom := newTestDomain(t)
	blacklist := make(SchemeSet)
	for _, scheme := range dom.ISA.Schemes() {
		if scheme.Mnemonic() == "nop" {
			blacklist[scheme] = true
		}
	}
	require.NotEmpty(t, blacklist)

	ab := MakeTop(dom, 2)
	sampler, err := ab.PrecomputeSampler(blacklist)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 30; i++ {
		bb, err := sampler.Sample(rng)
		require.NoError(t, err)
		for _, insn := range bb.Insns {
			assert.NotEqual(t, "nop", insn.Scheme.Mnemonic())
		}
	}
}

func TestSamplerEmptyFeasibleSet(t *testing.T) {
	dom := newTestDomain(t)
	ab := MakeTop(dom, 1)

	blacklist := make(SchemeSet)
	for _, scheme := range dom.ISA.Schemes() {
		blacklist[scheme] = true
	}
	_, err := ab.PrecomputeSampler(blacklist)
	var emptyErr *EmptyFeasibleSetError
	assert.ErrorAs(t, err, &emptyErr)
}

func TestSamplerReservedRegistersStayUntouched(t *testing.T) {
	dom := newTestDomain(t)
	ab := MakeTop(dom, 2)
	sampler, err := ab.PrecomputeSampler(nil)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(23))

	reserved := map[string]bool{"rsp": true, "r15": true, "r14": true, "rbp": true, "rsi": true, "rdi": true}
	for i := 0; i < 20; i++ {
		bb, err := sampler.Sample(rng)
		require.NoError(t, err)
		for _, insn := range bb.Insns {
			if insn.Scheme.HasRep() {
				// the string ops name rsi/rdi/rcx implicitly by design
				continue
			}
			for _, nos := range insn.Scheme.ExplicitOperands() {
				if nos.Scheme.IsFixed() {
					continue
				}
				if reg, ok := insn.Operand(nos.Key).(isa.RegOperand); ok {
					assert.False(t, reserved[reg.Reg.AliasClass],
						"reserved register %s chosen in %s", reg.Reg.Name, insn)
				}
			}
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	dom := newTestDomain(t)
	ab := FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))
	ab.ApplyExpansion(InsnToken(0, "mnemonic"))
	ab.ApplyExpansion(InsnToken(1, "exact_scheme"))

	refmgr := NewRefManager(dom.ISA)
	tree := refmgr.Introduce(ab.ToJSONDict())

	resolved, err := refmgr.Resolve(tree)
	require.NoError(t, err)
	restored, err := FromJSONDict(dom, resolved)
	require.NoError(t, err)

	assert.True(t, ab.Subsumes(restored))
	assert.True(t, restored.Subsumes(ab))
	assert.Equal(t, ab.String(), restored.String())
}

func TestRefManagerTagsSchemes(t *testing.T) {
	dom := newTestDomain(t)
	bb := parseBB(t, dom, "add rax, 0x2a")
	scheme := bb.Insns[0].Scheme

	refmgr := NewRefManager(dom.ISA)
	tagged := refmgr.Introduce(map[string]any{"s": scheme})
	m := tagged.(map[string]any)
	tag, ok := m["s"].(string)
	require.True(t, ok)
	assert.Contains(t, tag, "$InsnScheme:")

	resolved, err := refmgr.Resolve(tagged)
	require.NoError(t, err)
	assert.Same(t, scheme, resolved.(map[string]any)["s"])
}

func TestMakeTopFeasibleIsWholeUniverse(t *testing.T) {
	dom := newTestDomain(t)
	ab := MakeTop(dom, 1)
	assert.Len(t, ab.Insns()[0].Feasible(), len(dom.ISA.Schemes()))
}

func TestAliasExpansionOnTransitiveEdgeIsVacuous(t *testing.T) {
	dom := newTestDomain(t)
	ab := FromConcrete(dom, parseBB(t, dom, "add rax, rax\nsub rax, rax"))

	vacuousSeen := false
	for _, exp := range ab.PossibleExpansions() {
		if exp.Token.Kind == TokenAlias && exp.NoSemanticChange {
			vacuousSeen = true
			before := ab.Clone()
			ab.ApplyExpansion(exp.Token)
			assert.True(t, ab.Subsumes(before))
			assert.True(t, before.Subsumes(ab), "a vacuous expansion must not change the block")
			break
		}
	}
	assert.True(t, vacuousSeen, "a fully connected must-alias component has redundant edges")
}
