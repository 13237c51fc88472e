package predictors

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anica/internal/isa"
)

func testRegistry() Registry {
	return Registry{
		"count": {Tool: "count", Version: "1.0", UArch: "any",
			Config: map[string]any{"kind": "insn_count"}},
		"count_old": {Tool: "count", Version: "0.9", UArch: "any",
			Config: map[string]any{"kind": "insn_count"}},
		"penalize_add": {Tool: "penalize_add", Version: "1.0", UArch: "SKL",
			Config: map[string]any{"kind": "mnemonic_penalty", "mnemonic": "add", "penalty": 1.0}},
		"broken": {Tool: "broken", Version: "1.0", UArch: "any",
			Config: map[string]any{"kind": "error"}},
	}
}

func parseBB(t *testing.T, ctx *isa.Context, src string) *isa.BasicBlock {
	t.Helper()
	bb, err := ctx.ParseAsm(src)
	require.NoError(t, err)
	return bb
}

func TestInsnCountPredictor(t *testing.T) {
	ctx := isa.NewX86Context()
	bb := parseBB(t, ctx, "add rax, 0x2a\nsub rbx, rax")
	res := InsnCountPredictor{}.Evaluate(context.Background(), NewBlockPayload(bb, ctx.Coder()))
	require.NotNil(t, res.TP)
	assert.InDelta(t, 2.0, *res.TP, 1e-9)
}

func TestMnemonicPenaltyPredictor(t *testing.T) {
	ctx := isa.NewX86Context()
	pred := MnemonicPenaltyPredictor{Mnemonic: "add", Penalty: 1.0}

	bb := parseBB(t, ctx, "add rax, 0x2a\nsub rbx, rax")
	res := pred.Evaluate(context.Background(), NewBlockPayload(bb, ctx.Coder()))
	require.NotNil(t, res.TP)
	assert.InDelta(t, 3.0, *res.TP, 1e-9)

	noAdd := parseBB(t, ctx, "sub rax, 0x2a")
	res = pred.Evaluate(context.Background(), NewBlockPayload(noAdd, ctx.Coder()))
	require.NotNil(t, res.TP)
	assert.InDelta(t, 1.0, *res.TP, 1e-9)
}

func TestErrorPredictorResultIsInBand(t *testing.T) {
	ctx := isa.NewX86Context()
	bb := parseBB(t, ctx, "nop")
	res := ErrorPredictor{}.Evaluate(context.Background(), NewBlockPayload(bb, ctx.Coder()))
	assert.True(t, res.Errored())
	assert.NotEmpty(t, res.Error)
}

func TestResolveKeyPatterns(t *testing.T) {
	m := NewManager(testRegistry(), 1)

	keys, err := m.ResolveKeyPatterns([]string{"count"})
	require.NoError(t, err)
	assert.Equal(t, []string{"count"}, keys)

	keys, err = m.ResolveKeyPatterns([]string{"count.*"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"count", "count_old"}, keys)

	_, err = m.ResolveKeyPatterns([]string{"no_such_predictor"})
	assert.ErrorIs(t, err, ErrUnknownPredictor)
}

func TestSetPredictorsDeduplicates(t *testing.T) {
	m := NewManager(testRegistry(), 1)
	require.NoError(t, m.SetPredictors([]string{"count", "count"}))
	assert.Equal(t, []string{"count"}, m.Keys())
}

func TestEvalWithAllKeepsBlockOrder(t *testing.T) {
	ctx := isa.NewX86Context()
	m := NewManager(testRegistry(), 4)
	require.NoError(t, m.SetPredictors([]string{"count", "penalize_add"}))

	blocks := []*isa.BasicBlock{
		parseBB(t, ctx, "nop"),
		parseBB(t, ctx, "add rax, 0x2a\nsub rbx, rax"),
		parseBB(t, ctx, "add rax, 0x2a\nadd rcx, 0x2a\nadd rdx, 0x2a"),
	}
	results, err := m.EvalWithAll(context.Background(), blocks, ctx.Coder())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.InDelta(t, 1.0, *results[0]["count"].TP, 1e-9)
	assert.InDelta(t, 2.0, *results[1]["count"].TP, 1e-9)
	assert.InDelta(t, 3.0, *results[2]["count"].TP, 1e-9)
	assert.InDelta(t, 3.0, *results[1]["penalize_add"].TP, 1e-9)
	assert.InDelta(t, 6.0, *results[2]["penalize_add"].TP, 1e-9)
}

func TestEvalWithAllReportsErrorsInBand(t *testing.T) {
	ctx := isa.NewX86Context()
	m := NewManager(testRegistry(), 2)
	require.NoError(t, m.SetPredictors([]string{"count", "broken"}))

	results, err := m.EvalWithAll(context.Background(), []*isa.BasicBlock{parseBB(t, ctx, "nop")}, ctx.Coder())
	require.NoError(t, err)
	assert.False(t, results[0]["count"].Errored())
	assert.True(t, results[0]["broken"].Errored())
}

// orderProbe records the evaluation order to check run-alone scheduling.
type orderProbe struct {
	alone   bool
	counter *atomic.Int64
	mu      *sync.Mutex
	seen    *[]int64
}

func (p orderProbe) NeedsToRunAlone() bool { return p.alone }

func (p orderProbe) Evaluate(context.Context, *BlockPayload) Result {
	tick := p.counter.Add(1)
	p.mu.Lock()
	*p.seen = append(*p.seen, tick)
	p.mu.Unlock()
	return goodResult(1.0)
}

func TestRunAlonePredictorsGoFirst(t *testing.T) {
	ctx := isa.NewX86Context()
	var counter atomic.Int64
	var mu sync.Mutex
	var aloneSeen, parallelSeen []int64

	m := NewManager(Registry{}, 2)
	m.active = []managedPredictor{
		{key: "alone", predictor: orderProbe{alone: true, counter: &counter, mu: &mu, seen: &aloneSeen}},
		{key: "parallel", predictor: orderProbe{alone: false, counter: &counter, mu: &mu, seen: &parallelSeen}},
	}

	blocks := []*isa.BasicBlock{parseBB(t, ctx, "nop"), parseBB(t, ctx, "nop")}
	_, err := m.EvalWithAll(context.Background(), blocks, ctx.Coder())
	require.NoError(t, err)

	require.Len(t, aloneSeen, 2)
	require.Len(t, parallelSeen, 2)
	for _, a := range aloneSeen {
		for _, p := range parallelSeen {
			assert.Less(t, a, p, "run-alone evaluations must complete before parallel ones start")
		}
	}
}

func TestLoadRegistrySkipsDocKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "predictors.json")
	doc := `{
		"count": {"tool": "count", "version": "1.0", "uarch": "any", "config": {"kind": "insn_count"}},
		"count.doc": "counts instructions"
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	require.Len(t, reg, 1)
	assert.Equal(t, "count", reg["count"].Tool)
}

func TestBuildPredictorRejectsUnknownKind(t *testing.T) {
	_, err := buildPredictor(map[string]any{"kind": "quantum"})
	assert.Error(t, err)
}

func TestPayloadHexIsLazyAndStable(t *testing.T) {
	ctx := isa.NewX86Context()
	payload := NewBlockPayload(parseBB(t, ctx, "nop"), ctx.Coder())
	h1, err := payload.Hex()
	require.NoError(t, err)
	h2, err := payload.Hex()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
