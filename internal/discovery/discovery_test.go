package discovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anica/internal/abstraction"
	"anica/internal/interestingness"
	"anica/internal/isa"
	"anica/internal/predictors"
)

// newTestEngine wires a small campaign: an instruction-count predictor
// against one that penalizes each instruction with a given mnemonic, so
// blocks in which that mnemonic is frequent enough are interesting. With the
// 0.3 threshold, a single occurrence suffices only in blocks of at most two
// instructions.
func newTestEngine(t *testing.T, penalized string, cfg Config, seed int64) (*Engine, *abstraction.Domain) {
	t.Helper()
	dom := abstraction.NewDomain(isa.NewX86Context(), nil)

	registry := predictors.Registry{
		"count": {Tool: "count", Version: "1", UArch: "any",
			Config: map[string]any{"kind": "insn_count"}},
		"penalize": {Tool: "penalize", Version: "1", UArch: "any",
			Config: map[string]any{"kind": "mnemonic_penalty", "mnemonic": penalized, "penalty": 1.0}},
	}
	manager := predictors.NewManager(registry, 2)
	require.NoError(t, manager.SetPredictors([]string{"count", "penalize"}))

	metric := interestingness.NewMetric(0.3, 1.0, false)
	metric.SetRunner(manager, dom.ISA.Coder())

	return NewEngine(dom, metric, cfg, seed, map[string]any{"test": true}), dom
}

func parseBB(t *testing.T, dom *abstraction.Domain, src string) *isa.BasicBlock {
	t.Helper()
	bb, err := dom.ISA.ParseAsm(src)
	require.NoError(t, err)
	return bb
}

func TestGeneralizeTrivialUninterestingBlock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GeneralizationBatchSize = 8
	engine, dom := newTestEngine(t, "add", cfg, 1)

	start := abstraction.FromConcrete(dom, parseBB(t, dom, "sub rax, 0x2a"))
	var remarks []string
	generalized, trace, _, err := engine.Generalize(context.Background(), start.Clone(), StrategyMaxBenefit, &remarks)
	require.NoError(t, err)

	assert.True(t, generalized.Subsumes(start))
	assert.True(t, start.Subsumes(generalized), "an uninteresting block must come back unchanged")

	require.Equal(t, 1, trace.Len())
	assert.True(t, trace.Records[0].Terminate)
	assert.Contains(t, trace.Records[0].Comment, "not interesting")
	assert.Contains(t, remarks[len(remarks)-1], "trivial abstraction is not uniformly interesting")
}

func TestGeneralizePreservesTheInconsistency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GeneralizationBatchSize = 12
	engine, dom := newTestEngine(t, "add", cfg, 2)

	start := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))
	var remarks []string
	generalized, trace, _, err := engine.Generalize(context.Background(), start.Clone(), StrategyMaxBenefit, &remarks)
	require.NoError(t, err)

	assert.True(t, generalized.Subsumes(start))

	feasible := generalized.Insns()[0].Feasible()
	require.NotEmpty(t, feasible)
	for scheme := range feasible {
		assert.Equal(t, "add", scheme.Mnemonic(),
			"expanding the penalized mnemonic away would destroy the inconsistency")
	}
	assert.Greater(t, len(feasible), 1, "the exact scheme must have been widened")

	// the last record terminates the trace properly
	last := trace.Records[len(trace.Records)-1]
	assert.True(t, last.Terminate)
	assert.Contains(t, last.Comment, "No more expansions")
}

func TestWitnessReplayReproducesTheResult(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GeneralizationBatchSize = 12
	engine, dom := newTestEngine(t, "add", cfg, 3)

	start := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))
	generalized, trace, _, err := engine.Generalize(context.Background(), start.Clone(), StrategyRandom, nil)
	require.NoError(t, err)

	replayed, err := trace.Replay(true)
	require.NoError(t, err)
	assert.True(t, replayed.Subsumes(generalized))
	assert.True(t, generalized.Subsumes(replayed))
	assert.Equal(t, generalized.String(), replayed.String())
}

func TestWitnessJSONRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GeneralizationBatchSize = 8
	engine, dom := newTestEngine(t, "add", cfg, 4)

	start := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a\nsub rbx, rax"))
	generalized, trace, _, err := engine.Generalize(context.Background(), start.Clone(), StrategyMaxBenefit, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "witness.json")
	refmgr := abstraction.NewRefManager(dom.ISA)
	require.NoError(t, trace.DumpJSON(path, map[string]any{"test": true}, refmgr))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	resolved, err := refmgr.Resolve(doc["trace"])
	require.NoError(t, err)
	restored, err := WitnessFromJSONDict(dom, resolved)
	require.NoError(t, err)
	require.Equal(t, trace.Len(), restored.Len())

	replayed, err := restored.Replay(true)
	require.NoError(t, err)
	assert.Equal(t, generalized.String(), replayed.String())
}

func TestMinimizeDropsUnrelatedInstructions(t *testing.T) {
	cfg := DefaultConfig()
	engine, dom := newTestEngine(t, "add", cfg, 5)

	bb := parseBB(t, dom, "xor rcx, rdx\nadd rax, 0x2a\nimul rbx, rcx")
	minimized, err := engine.Minimize(context.Background(), bb)
	require.NoError(t, err)

	require.Equal(t, 1, minimized.Len(), "everything except the penalized add can go")
	assert.Equal(t, "add", minimized.Insns[0].Scheme.Mnemonic())
}

func TestMinimizeKeepsAtLeastOneInstruction(t *testing.T) {
	cfg := DefaultConfig()
	engine, dom := newTestEngine(t, "add", cfg, 6)

	bb := parseBB(t, dom, "add rax, 0x2a")
	minimized, err := engine.Minimize(context.Background(), bb)
	require.NoError(t, err)
	assert.Equal(t, 1, minimized.Len())
}

func TestSampleBlockListRespectsBlacklist(t *testing.T) {
	cfg := DefaultConfig()
	engine, dom := newTestEngine(t, "add", cfg, 7)

	blacklist := make(abstraction.SchemeSet)
	for _, scheme := range dom.ISA.Schemes() {
		if scheme.Mnemonic() == "add" {
			blacklist[scheme] = true
		}
	}
	universe := abstraction.MakeTop(dom, 2)
	blocks := engine.SampleBlockList(universe, 20, blacklist, nil)
	require.NotEmpty(t, blocks)
	for _, bb := range blocks {
		for _, insn := range bb.Insns {
			assert.NotEqual(t, "add", insn.Scheme.Mnemonic())
		}
	}
}

func TestDiscoverCampaignFindsAndBlacklists(t *testing.T) {
	cfg := Config{
		DiscoveryBatchSize:      100,
		PossibleBlockLengths:    []int{1},
		GeneralizationBatchSize: 8,
		Strategies:              []StrategyRecord{{Name: StrategyMaxBenefit, Attempts: 1}},
	}
	engine, _ := newTestEngine(t, "add", cfg, 8)

	outDir := t.TempDir()
	discoveries, err := engine.Discover(context.Background(), Termination{NumBatches: 3}, nil, outDir)
	require.NoError(t, err)

	require.Len(t, discoveries, 1,
		"the single-insn discovery must blacklist its schemes and subsume later finds")
	d := discoveries[0]
	assert.Equal(t, 1, d.AB.Len())
	assert.True(t, d.AB.Aliasing().IsTop())
	for scheme := range d.AB.Insns()[0].Feasible() {
		assert.Equal(t, "add", scheme.Mnemonic())
	}

	// persisted artifacts
	assert.FileExists(t, filepath.Join(outDir, "report.json"))
	assert.FileExists(t, filepath.Join(outDir, "discoveries", d.ID+".json"))
	assert.FileExists(t, filepath.Join(outDir, "witnesses", d.ID+".json"))

	data, err := os.ReadFile(filepath.Join(outDir, "report.json"))
	require.NoError(t, err)
	var report Report
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 1, report.NumDiscoveries)
	assert.Equal(t, 3, report.NumBatches)
}

func TestDiscoverTerminatesOnStagnation(t *testing.T) {
	cfg := Config{
		DiscoveryBatchSize:      10,
		PossibleBlockLengths:    []int{2},
		GeneralizationBatchSize: 8,
		Strategies:              []StrategyRecord{{Name: StrategyMaxBenefit, Attempts: 1}},
	}
	// penalize a mnemonic that does not exist: nothing is ever interesting
	engine, _ := newTestEngine(t, "bogus", cfg, 9)

	discoveries, err := engine.Discover(context.Background(), Termination{SameNumDiscoveries: 2}, nil, "")
	require.NoError(t, err)
	assert.Empty(t, discoveries)
}

func TestGeneralizeUnknownStrategyFails(t *testing.T) {
	cfg := DefaultConfig()
	engine, dom := newTestEngine(t, "add", cfg, 10)
	start := abstraction.FromConcrete(dom, parseBB(t, dom, "add rax, 0x2a"))
	_, _, _, err := engine.Generalize(context.Background(), start, "simulated_annealing", nil)
	assert.Error(t, err)
}
