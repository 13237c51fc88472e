package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"
	"github.com/tliron/commonlog"

	"anica/internal/abstraction"
	"anica/internal/discovery"
	"anica/internal/interestingness"
	"anica/internal/isa"
	"anica/internal/measuredb"
	"anica/internal/predictors"
)

// Context assembles all components of a campaign: the knowledge base with
// filters applied, the abstraction domain with its indices, the metric, the
// predictor manager, and optionally the measurement database.
type Context struct {
	Campaign    *Campaign
	ISA         *isa.Context
	Domain      *abstraction.Domain
	Metric      *interestingness.Metric
	PredManager *predictors.Manager
	DB          *measuredb.MeasurementDB
	RefManager  *abstraction.RefManager

	// Coder serializes blocks into predictor payloads; with
	// sampling.wrap_in_loop set, blocks are encoded as counted loop bodies.
	Coder isa.Encoder
}

// ContextOptions tweak context assembly.
type ContextOptions struct {
	// PredictorKeys selects the active predictors; their unsupported-scheme
	// filters shrink the sampling universe before the indices are built.
	PredictorKeys []string
	// WithoutDB skips attaching the measurement database even if configured.
	WithoutDB bool
}

// NewContext builds a campaign context. The scheme universe must be final
// before the feature indices are built, so all filters apply here.
func NewContext(c *Campaign, opts ContextOptions) (*Context, error) {
	ctx := &Context{
		Campaign: c,
		ISA:      isa.NewX86Context(),
	}

	if len(c.FilterMnemonics) > 0 {
		dropped := lo.SliceToMap(c.FilterMnemonics, func(m string) (string, bool) { return m, true })
		ctx.ISA.FilterSchemes(func(s *isa.InsnScheme) bool { return !dropped[s.Mnemonic()] })
	}
	if len(c.FilterClasses) > 0 {
		dropped := lo.SliceToMap(c.FilterClasses, func(cls string) (string, bool) { return cls, true })
		ctx.ISA.FilterSchemes(func(s *isa.InsnScheme) bool { return !dropped[s.Info().Category] })
	}

	registry, err := predictors.LoadRegistry(c.RegistryPath)
	if err != nil {
		return nil, err
	}
	ctx.PredManager = predictors.NewManager(registry, c.NumProcesses)

	if len(opts.PredictorKeys) > 0 {
		if err := ctx.PredManager.SetPredictors(opts.PredictorKeys); err != nil {
			return nil, err
		}
		filterFiles, err := ctx.PredManager.UnsupportedInsnFiles(opts.PredictorKeys)
		if err != nil {
			return nil, err
		}
		for _, path := range filterFiles {
			if err := applySchemeFilterFile(ctx.ISA, path); err != nil {
				return nil, err
			}
		}
	}

	ctx.Domain = abstraction.NewDomain(ctx.ISA, c.Features)
	ctx.RefManager = abstraction.NewRefManager(ctx.ISA)

	ctx.Coder = ctx.ISA.Coder()
	if c.WrapInLoop {
		ctx.Coder = isa.NewLoopEncoder()
	}

	ctx.Metric = interestingness.NewMetric(c.MinInterestingness, c.MostlyInterestingRatio, c.InvertInterestingness)
	ctx.Metric.SetRunner(ctx.PredManager, ctx.Coder)

	if c.DBPath != "" && !opts.WithoutDB {
		ctx.DB = measuredb.New(c.DBPath)
		ctx.PredManager.SetMeasurementDB(ctx.DB)
	}

	return ctx, nil
}

// applySchemeFilterFile removes the schemes listed in the file (one canonical
// scheme string per line) from the sampling universe. Unknown scheme strings
// are logged and skipped: the universe may already be narrower than the file
// assumes.
func applySchemeFilterFile(ctx *isa.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: opening scheme filter file: %w", err)
	}
	defer f.Close()

	drop := make(map[*isa.InsnScheme]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		scheme, err := ctx.SchemeByString(line)
		if err != nil {
			commonlog.GetLogger("anica.config").Infof("skipping unknown scheme %q in %s", line, path)
			continue
		}
		drop[scheme] = true
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: reading scheme filter file: %w", err)
	}
	ctx.RemoveSchemes(drop)
	return nil
}

// NewEngine builds a discovery engine over the context.
func (ctx *Context) NewEngine(seed int64) *discovery.Engine {
	return discovery.NewEngine(ctx.Domain, ctx.Metric, ctx.Campaign.Discovery, seed, ctx.Campaign.Doc())
}
