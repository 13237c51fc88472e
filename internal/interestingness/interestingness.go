// Package interestingness scores how strongly a set of predictors disagrees
// on a block: the spread between the largest and smallest predicted
// throughput, normalized by their sum and scaled by the predictor count.
package interestingness

import (
	"context"
	"math"

	"anica/internal/isa"
	"anica/internal/predictors"
)

// Below this sum of throughputs the normalization is considered numerically
// meaningless and the result maximally interesting.
const epsilonSum = 0.001

// Runner evaluates blocks with the active predictors and returns a reference
// to the persisted measurement series (-1 if nothing was persisted).
type Runner interface {
	EvalWithAllAndReport(ctx context.Context, bbs []*isa.BasicBlock, coder isa.Encoder) ([]predictors.BlockEval, int64, error)
}

// Metric computes interestingness and the derived predicates.
type Metric struct {
	// MinInterestingness is the threshold for a single block.
	MinInterestingness float64
	// MostlyInterestingRatio is the fraction of a batch that must be
	// interesting for the batch to count as mostly interesting.
	MostlyInterestingRatio float64
	// Invert flips the interesting predicate.
	Invert bool

	runner Runner
	coder  isa.Encoder
}

func NewMetric(minInterestingness, mostlyRatio float64, invert bool) *Metric {
	return &Metric{
		MinInterestingness:     minInterestingness,
		MostlyInterestingRatio: mostlyRatio,
		Invert:                 invert,
	}
}

// SetRunner attaches the predictor runner and the encoder used for payloads.
func (m *Metric) SetRunner(runner Runner, coder isa.Encoder) {
	m.runner = runner
	m.coder = coder
}

// Compute returns the symmetric relative spread of the predictor results.
// Any missing or failed result makes the block maximally interesting, as
// does a near-zero sum of throughputs.
func (m *Metric) Compute(eval predictors.BlockEval) float64 {
	if len(eval) == 0 {
		return math.Inf(1)
	}
	sum := 0.0
	min := math.Inf(1)
	max := math.Inf(-1)
	for _, res := range eval {
		if res.Errored() {
			return math.Inf(1)
		}
		tp := *res.TP
		sum += tp
		if tp < min {
			min = tp
		}
		if tp > max {
			max = tp
		}
	}
	if sum <= epsilonSum {
		return math.Inf(1)
	}
	return (max - min) / sum * float64(len(eval))
}

// IsInteresting applies the threshold (and the inversion flag) to one block.
func (m *Metric) IsInteresting(eval predictors.BlockEval) bool {
	interesting := m.Compute(eval) >= m.MinInterestingness
	if m.Invert {
		return !interesting
	}
	return interesting
}

// FilterInteresting evaluates the blocks and returns the interesting subset
// together with the measurement series reference.
func (m *Metric) FilterInteresting(ctx context.Context, bbs []*isa.BasicBlock) ([]*isa.BasicBlock, int64, error) {
	evals, ref, err := m.runner.EvalWithAllAndReport(ctx, bbs, m.coder)
	if err != nil {
		return nil, ref, err
	}
	var interesting []*isa.BasicBlock
	for i, bb := range bbs {
		if m.IsInteresting(evals[i]) {
			interesting = append(interesting, bb)
		}
	}
	return interesting, ref, nil
}

// IsMostlyInteresting reports whether at least the configured ratio of the
// batch is interesting.
func (m *Metric) IsMostlyInteresting(ctx context.Context, bbs []*isa.BasicBlock) (bool, int64, error) {
	if len(bbs) == 0 {
		return false, -1, nil
	}
	interesting, ref, err := m.FilterInteresting(ctx, bbs)
	if err != nil {
		return false, ref, err
	}
	ratio := float64(len(interesting)) / float64(len(bbs))
	return ratio >= m.MostlyInterestingRatio, ref, nil
}
