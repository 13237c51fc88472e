// Package discovery drives the inconsistency search: sampling batches of
// concrete blocks, filtering them by interestingness, minimizing interesting
// blocks, and generalizing them into abstract blocks by lattice expansion.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tliron/commonlog"

	"anica/internal/abstraction"
	"anica/internal/interestingness"
	"anica/internal/isa"
	"anica/internal/satsumption"
)

var log = commonlog.GetLogger("anica.discovery")

// ErrNoSamples indicates that no concrete block could be sampled for a
// non-trivial starting point, which aborts the current generalization.
var ErrNoSamples = errors.New("discovery: failed to sample any basic blocks")

// Generalization strategies.
const (
	StrategyMaxBenefit  = "max_benefit"
	StrategyRandom      = "random"
	StrategyInteractive = "interactive"
)

// StrategyRecord configures one generalization strategy with a number of
// repetitions per interesting block.
type StrategyRecord struct {
	Name     string
	Attempts int
}

// Config carries the discovery loop parameters.
type Config struct {
	DiscoveryBatchSize      int
	PossibleBlockLengths    []int
	GeneralizationBatchSize int
	Strategies              []StrategyRecord
}

func DefaultConfig() Config {
	return Config{
		DiscoveryBatchSize:      100,
		PossibleBlockLengths:    []int{2, 3, 4, 5, 6, 7, 8},
		GeneralizationBatchSize: 100,
		Strategies: []StrategyRecord{
			{Name: StrategyMaxBenefit, Attempts: 1},
			{Name: StrategyRandom, Attempts: 3},
		},
	}
}

// Termination bounds a campaign. Zero values leave the respective criterion
// unset; with nothing set, discovery runs until sampling fails or the context
// is cancelled.
type Termination struct {
	NumBatches         int
	NumDiscoveries     int
	SameNumDiscoveries int
	MaxDuration        time.Duration
}

// Discovery is one generalized abstract block with its provenance.
type Discovery struct {
	ID        string
	AB        *abstraction.AbstractBlock
	Trace     *WitnessTrace
	Remarks   []string
	ResultRef int64
}

// InteractFunc lets a user choose among candidate expansions for the
// interactive strategy.
type InteractFunc func(ab *abstraction.AbstractBlock, candidates []abstraction.Expansion) abstraction.Expansion

// Engine runs discovery campaigns. All random decisions derive from the
// single seeded RNG, so campaigns are reproducible.
type Engine struct {
	dom    *abstraction.Domain
	metric *interestingness.Metric
	cfg    Config
	rng    *rand.Rand
	refmgr *abstraction.RefManager

	// configDoc is the full campaign configuration, persisted with every
	// discovery and witness.
	configDoc any

	// Interact must be set when an interactive strategy is configured.
	Interact InteractFunc
}

func NewEngine(dom *abstraction.Domain, metric *interestingness.Metric, cfg Config, seed int64, configDoc any) *Engine {
	return &Engine{
		dom:       dom,
		metric:    metric,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(seed)),
		refmgr:    abstraction.NewRefManager(dom.ISA),
		configDoc: configDoc,
	}
}

// SampleBlockList tries to sample num blocks from the abstract block,
// honoring the scheme blacklist. Failed samples are retried up to 2*num
// attempts in total; the result may be shorter than requested.
func (e *Engine) SampleBlockList(ab *abstraction.AbstractBlock, num int, blacklist abstraction.SchemeSet, remarks *[]string) []*isa.BasicBlock {
	sampler, err := ab.PrecomputeSampler(blacklist)
	if err != nil {
		log.Infof("creating a precomputed sampler failed: %s", err)
		if remarks != nil {
			*remarks = append(*remarks, fmt.Sprintf("creating a precomputed sampler failed: %s", err))
		}
		return nil
	}

	var blocks []*isa.BasicBlock
	numFailed := 0
	for attempt := 0; attempt < 2*num && len(blocks) < num; attempt++ {
		bb, err := sampler.Sample(e.rng)
		if err != nil {
			log.Infof("a sample failed: %s", err)
			numFailed++
			continue
		}
		blocks = append(blocks, bb)
	}
	if remarks != nil && numFailed > 0 {
		*remarks = append(*remarks, fmt.Sprintf("non-zero sampling fail ratio encountered: %.2f", float64(numFailed)/float64(2*num)))
	}
	return blocks
}

// Discover runs the discovery loop until a termination criterion triggers.
// With a nil startPoint, every batch samples from a fresh universe block
// whose length is drawn from the configured lengths.
func (e *Engine) Discover(ctx context.Context, termination Termination, startPoint *abstraction.AbstractBlock, outDir string) ([]*Discovery, error) {
	var witnessDir, discoveryDir string
	if outDir != "" {
		witnessDir = filepath.Join(outDir, "witnesses")
		discoveryDir = filepath.Join(outDir, "discoveries")
		for _, dir := range []string{witnessDir, discoveryDir} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("discovery: creating output directory: %w", err)
			}
		}
	}

	var discoveries []*Discovery
	report := newReport()
	startTime := time.Now()

	prevNumDiscoveries := -1
	sameNumDiscoveries := 0

	// schemes fully captured by single-instruction discoveries; sampling
	// skips them to avoid rediscovering known inconsistencies
	blacklist := make(abstraction.SchemeSet)

	log.Info("starting discovery loop")
	for batchIdx := 0; ; batchIdx++ {
		report.SecondsPassed = time.Since(startTime).Seconds()
		report.write(outDir)

		if err := ctx.Err(); err != nil {
			log.Info("terminating discovery loop: cancelled")
			break
		}
		if termination.NumBatches > 0 && batchIdx >= termination.NumBatches {
			log.Info("terminating discovery loop: maximal number of batches explored")
			break
		}
		if termination.NumDiscoveries > 0 && len(discoveries) >= termination.NumDiscoveries {
			log.Info("terminating discovery loop: maximal number of discoveries found")
			break
		}
		if len(discoveries) == prevNumDiscoveries {
			sameNumDiscoveries++
		} else {
			sameNumDiscoveries = 0
			prevNumDiscoveries = len(discoveries)
		}
		if termination.SameNumDiscoveries > 0 && sameNumDiscoveries >= termination.SameNumDiscoveries {
			log.Info("terminating discovery loop: number of discoveries stagnated")
			break
		}
		if termination.MaxDuration > 0 && time.Since(startTime) >= termination.MaxDuration {
			log.Info("terminating discovery loop: time budget exceeded")
			break
		}

		log.Infof("starting batch no. %d", batchIdx)
		batchStats := &BatchStats{}
		report.PerBatchStats = append(report.PerBatchStats, batchStats)
		batchStart := time.Now()

		sampleUniverse := startPoint
		if sampleUniverse == nil {
			length := e.cfg.PossibleBlockLengths[e.rng.Intn(len(e.cfg.PossibleBlockLengths))]
			sampleUniverse = abstraction.MakeTop(e.dom, length)
		}

		samplingStart := time.Now()
		concreteBBs := e.SampleBlockList(sampleUniverse, e.cfg.DiscoveryBatchSize, blacklist, nil)
		batchStats.NumSampled = len(concreteBBs)
		batchStats.SamplingTime = time.Since(samplingStart).Seconds()
		report.NumTotalSampled += len(concreteBBs)

		if len(concreteBBs) == 0 {
			report.SecondsPassed = time.Since(startTime).Seconds()
			report.write(outDir)
			log.Info("terminating discovery loop: failed to sample any concrete blocks")
			break
		}

		filterStart := time.Now()
		interestingBBs, _, err := e.metric.FilterInteresting(ctx, concreteBBs)
		if err != nil {
			return discoveries, err
		}
		batchStats.NumInteresting = len(interestingBBs)
		batchStats.InterestingnessTime = time.Since(filterStart).Seconds()
		log.Infof("%d out of %d samples are interesting", len(interestingBBs), len(concreteBBs))

		for idx, bb := range interestingBBs {
			minBB, err := e.Minimize(ctx, bb)
			if err != nil {
				return discoveries, err
			}

			alreadyFound := false
			for _, d := range discoveries {
				if satsumption.CheckSubsumed(bb, d.AB, nil) {
					log.Infof("an existing discovery already subsumes the block:\n%s", d.AB)
					alreadyFound = true
				}
			}
			if alreadyFound {
				batchStats.NumInterestingSubsumed++
				continue
			}

			abstracted := abstraction.FromConcrete(e.dom, minBB)

			genIdx := 0
			var good []*Discovery
			for _, strategy := range e.cfg.Strategies {
				for attempt := 0; attempt < strategy.Attempts; attempt++ {
					genID := fmt.Sprintf("b%03d_i%03d_g%03d", batchIdx, idx, genIdx)
					genIdx++
					log.Infof("performing generalization %s (strategy: %s)", genID, strategy.Name)

					remarks := []string{fmt.Sprintf("generalization strategy: %s", strategy.Name)}
					generalized, trace, resultRef, err := e.Generalize(ctx, abstracted.Clone(), strategy.Name, &remarks)
					if err != nil {
						if errors.Is(err, ErrNoSamples) {
							log.Infof("aborting generalization %s: %s", genID, err)
							continue
						}
						return discoveries, err
					}

					candidate := &Discovery{
						ID:        genID,
						AB:        generalized,
						Trace:     trace,
						Remarks:   remarks,
						ResultRef: resultRef,
					}
					good = dedupGeneralizations(good, candidate)
				}
			}

			for _, d := range good {
				log.Infof("adding new discovery:\n%s", d.AB)
				discoveries = append(discoveries, d)
				report.NumDiscoveries = len(discoveries)

				if d.AB.Len() == 1 && d.AB.Aliasing().IsTop() {
					// every block containing one of these schemes is covered
					// by this discovery already
					for scheme := range d.AB.Insns()[0].Feasible() {
						blacklist[scheme] = true
					}
					log.Infof("updated scheme blacklist: now %d entries", len(blacklist))
				}

				if outDir != "" {
					if err := d.Trace.DumpJSON(filepath.Join(witnessDir, d.ID+".json"), e.configDoc, e.refmgr); err != nil {
						return discoveries, err
					}
					if err := e.DumpDiscovery(d, filepath.Join(discoveryDir, d.ID+".json")); err != nil {
						return discoveries, err
					}
				}
				report.write(outDir)
			}
		}

		batchStats.BatchTime = time.Since(batchStart).Seconds()
		report.NumBatches = batchIdx + 1
		log.Infof("done with batch no. %d", batchIdx)
	}

	report.SecondsPassed = time.Since(startTime).Seconds()
	report.write(outDir)
	return discoveries, nil
}

// dedupGeneralizations inserts the candidate into the set of maximal
// generalizations: it is dropped if an existing one subsumes it, and ousts
// every existing one it subsumes.
func dedupGeneralizations(good []*Discovery, candidate *Discovery) []*Discovery {
	kept := make([]*Discovery, 0, len(good)+1)
	for _, prev := range good {
		if prev.AB.Len() == candidate.AB.Len() && satsumption.CheckSubsumedAA(candidate.AB, prev.AB) {
			log.Infof("generalized to a block subsumed by %s", prev.ID)
			return good
		}
		if prev.AB.Len() == candidate.AB.Len() && satsumption.CheckSubsumedAA(prev.AB, candidate.AB) {
			log.Infof("generalized to a block that subsumes %s", prev.ID)
			candidate.Remarks = append(candidate.Remarks, fmt.Sprintf("subsumes previous generalization %s", prev.ID))
			continue
		}
		kept = append(kept, prev)
	}
	return append(kept, candidate)
}

func (e *Engine) DumpDiscovery(d *Discovery, path string) error {
	doc := map[string]any{
		"config":     e.configDoc,
		"ab":         e.refmgr.Introduce(d.AB.ToJSONDict()),
		"result_ref": d.ResultRef,
		"remarks":    d.Remarks,
	}
	return writeJSONFile(path, doc)
}

// Minimize randomly drops instructions from the block as long as the
// shortened block stays mostly interesting; at least one instruction
// survives.
func (e *Engine) Minimize(ctx context.Context, bb *isa.BasicBlock) (*isa.BasicBlock, error) {
	numInsns := bb.Len()
	order := e.rng.Perm(numInsns)

	for step := 0; step < numInsns; step++ {
		if bb.Len() <= 1 || len(order) == 0 {
			break
		}
		currIdx := order[len(order)-1]
		order = order[:len(order)-1]

		shortened := make([]*isa.Insn, 0, bb.Len()-1)
		shortened = append(shortened, bb.Insns[:currIdx]...)
		shortened = append(shortened, bb.Insns[currIdx+1:]...)
		currBB := e.dom.ISA.MakeBB(shortened)

		interesting, _, err := e.metric.IsMostlyInteresting(ctx, []*isa.BasicBlock{currBB})
		if err != nil {
			return nil, err
		}
		if interesting {
			bb = currBB
			// the dropped index shifts all later indices in the random
			// order down by one
			for i, x := range order {
				if x > currIdx {
					order[i] = x - 1
				}
			}
		}
	}
	return bb, nil
}

// Generalize widens the abstract block step by step, keeping every expansion
// whose samples stay mostly interesting. It returns the generalized block,
// the witness trace, and the last supporting measurement reference.
func (e *Engine) Generalize(ctx context.Context, ab *abstraction.AbstractBlock, strategy string, remarks *[]string) (*abstraction.AbstractBlock, *WitnessTrace, int64, error) {
	batchSize := e.cfg.GeneralizationBatchSize
	log.Infof("generalizing block:\n%s", ab)

	trace := NewWitnessTrace(ab)

	concreteBBs := e.SampleBlockList(ab, batchSize, nil, remarks)
	if len(concreteBBs) == 0 {
		return nil, nil, -1, fmt.Errorf("%w for this abstract block:\n%s", ErrNoSamples, ab)
	}

	interesting, resultRef, err := e.metric.IsMostlyInteresting(ctx, concreteBBs)
	if err != nil {
		return nil, nil, -1, err
	}
	lastResultRef := resultRef

	if !interesting {
		log.Info("samples from the starting block are not uniformly interesting")
		trace.AddTermination("Samples from the starting block are not interesting!", resultRef)
		if remarks != nil {
			*remarks = append(*remarks, "generalization terminated prematurely because the trivial abstraction is not uniformly interesting")
		}
		return ab, trace, lastResultRef, nil
	}

	doNotExpand := make(map[abstraction.Token]bool)

	for {
		workingCopy := ab.Clone()

		candidates := workingCopy.PossibleExpansions()
		filtered := candidates[:0]
		for _, exp := range candidates {
			if !doNotExpand[exp.Token] {
				filtered = append(filtered, exp)
			}
		}
		if len(filtered) == 0 {
			log.Info("no more component left for expansion")
			break
		}

		var chosen abstraction.Expansion
		switch strategy {
		case StrategyMaxBenefit:
			sort.SliceStable(filtered, func(i, j int) bool {
				if filtered[i].Benefit != filtered[j].Benefit {
					return filtered[i].Benefit > filtered[j].Benefit
				}
				return filtered[i].Token.Less(filtered[j].Token)
			})
			chosen = filtered[0]
		case StrategyRandom:
			chosen = filtered[e.rng.Intn(len(filtered))]
		case StrategyInteractive:
			if e.Interact == nil {
				return nil, nil, -1, fmt.Errorf("discovery: interactive strategy without an interaction callback")
			}
			chosen = e.Interact(workingCopy, filtered)
		default:
			return nil, nil, -1, fmt.Errorf("discovery: unknown generalization strategy %q", strategy)
		}

		workingCopy.ApplyExpansion(chosen.Token)

		if chosen.NoSemanticChange {
			log.Infof("expansion %s cannot change the represented blocks, skipping evaluation", chosen.Token)
			trace.AddTakenExpansion(chosen.Token, -1)
			ab = workingCopy
			continue
		}

		log.Infof("evaluating samples for expansion %s (benefit: %d)", chosen.Token, chosen.Benefit)
		concreteBBs = e.SampleBlockList(workingCopy, batchSize, nil, remarks)
		interesting, resultRef, err = e.metric.IsMostlyInteresting(ctx, concreteBBs)
		if err != nil {
			return nil, nil, -1, err
		}

		if interesting {
			log.Infof("samples for expansion %s are interesting, adjusting block", chosen.Token)
			trace.AddTakenExpansion(chosen.Token, resultRef)
			lastResultRef = resultRef
			ab = workingCopy
		} else {
			log.Infof("samples for expansion %s are not interesting, discarding", chosen.Token)
			trace.AddNonTakenExpansion(chosen.Token, resultRef)
			doNotExpand[chosen.Token] = true
		}
	}

	trace.AddTermination("No more expansions remain.", -1)
	if remarks != nil {
		*remarks = append(*remarks, "generalization terminated properly")
	}
	log.Info("generalization done")
	return ab, trace, lastResultRef, nil
}
