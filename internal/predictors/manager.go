package predictors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"anica/internal/isa"
	"anica/internal/measuredb"
)

// RegistryEntry describes one predictor in the registry file.
type RegistryEntry struct {
	Tool    string         `json:"tool"`
	Version string         `json:"version"`
	UArch   string         `json:"uarch"`
	Config  map[string]any `json:"config"`
	// UnsupportedInsnsPath optionally names a file listing scheme strings the
	// predictor cannot handle; those are removed from the sampling universe.
	UnsupportedInsnsPath string `json:"unsupported_insns_path,omitempty"`
}

// Registry maps predictor keys to their entries.
type Registry map[string]RegistryEntry

// LoadRegistry reads a predictor registry from a JSON file. Keys ending in
// .doc/.comment/.info/.c carry documentation and are skipped.
func LoadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("predictors: reading registry: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("predictors: parsing registry %s: %w", path, err)
	}
	reg := make(Registry, len(raw))
	for key, rawEntry := range raw {
		if isDocKey(key) {
			continue
		}
		var entry RegistryEntry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			return nil, fmt.Errorf("predictors: parsing registry entry %q: %w", key, err)
		}
		reg[key] = entry
	}
	return reg, nil
}

var registryDocSuffixes = []string{".doc", ".comment", ".info", ".c"}

func isDocKey(key string) bool {
	for _, suffix := range registryDocSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// buildPredictor instantiates a predictor from its registry config.
func buildPredictor(config map[string]any) (Predictor, error) {
	kind, _ := config["kind"].(string)
	switch kind {
	case "insn_count":
		return InsnCountPredictor{}, nil
	case "mnemonic_penalty":
		mnemonic, _ := config["mnemonic"].(string)
		penalty, _ := config["penalty"].(float64)
		return MnemonicPenaltyPredictor{Mnemonic: mnemonic, Penalty: penalty}, nil
	case "error":
		return ErrorPredictor{}, nil
	case "command":
		rawCmd, _ := config["command"].([]any)
		var command []string
		for _, c := range rawCmd {
			s, ok := c.(string)
			if !ok {
				return nil, fmt.Errorf("predictors: command entries must be strings")
			}
			command = append(command, s)
		}
		if len(command) == 0 {
			return nil, fmt.Errorf("predictors: empty predictor command")
		}
		timeout, _ := config["timeout_seconds"].(float64)
		runAlone, _ := config["needs_to_run_alone"].(bool)
		return CommandPredictor{
			Command:  command,
			Timeout:  time.Duration(timeout * float64(time.Second)),
			RunAlone: runAlone,
		}, nil
	}
	return nil, fmt.Errorf("predictors: unknown predictor kind %q", kind)
}

type managedPredictor struct {
	key       string
	predictor Predictor
	entry     RegistryEntry
}

// Manager owns the active predictor set and the worker pool that fans blocks
// out to them. The pool size is fixed at construction; the workers are
// started for each evaluation call and exit when it returns, so no worker
// outlives a call.
type Manager struct {
	registry   Registry
	numWorkers int

	active []managedPredictor

	dbman *measuredb.MeasurementDB

	sourceComputer string
}

// NewManager builds a manager over a registry. numWorkers <= 0 selects the
// number of CPUs.
func NewManager(registry Registry, numWorkers int) *Manager {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Manager{
		registry:       registry,
		numWorkers:     numWorkers,
		sourceComputer: host,
	}
}

// SetMeasurementDB attaches a database; evaluations then persist their raw
// results and yield a series reference.
func (m *Manager) SetMeasurementDB(dbman *measuredb.MeasurementDB) {
	m.dbman = dbman
}

// ResolveKeyPatterns expands predictor keys: a key that is not a literal
// registry entry is tried as an anchored regular expression over all keys.
func (m *Manager) ResolveKeyPatterns(keys []string) ([]string, error) {
	var actual []string
	for _, key := range keys {
		if _, ok := m.registry[key]; ok {
			actual = append(actual, key)
			continue
		}
		pat, err := regexp.Compile("^(?:" + key + ")$")
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPredictor, key)
		}
		found := false
		for k := range m.registry {
			if pat.MatchString(k) {
				actual = append(actual, k)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPredictor, key)
		}
	}
	return actual, nil
}

// UnsupportedInsnFiles returns the scheme filter files configured for the
// given predictor keys.
func (m *Manager) UnsupportedInsnFiles(keys []string) ([]string, error) {
	actual, err := m.ResolveKeyPatterns(keys)
	if err != nil {
		return nil, err
	}
	var res []string
	for _, key := range actual {
		if path := m.registry[key].UnsupportedInsnsPath; path != "" {
			res = append(res, path)
		}
	}
	return res, nil
}

// SetPredictors selects the active predictor group. Duplicate keys collapse.
func (m *Manager) SetPredictors(keys []string) error {
	actual, err := m.ResolveKeyPatterns(keys)
	if err != nil {
		return err
	}
	m.active = m.active[:0]
	seen := make(map[string]bool)
	for _, key := range actual {
		if seen[key] {
			continue
		}
		seen[key] = true
		entry := m.registry[key]
		pred, err := buildPredictor(entry.Config)
		if err != nil {
			return err
		}
		m.active = append(m.active, managedPredictor{key: key, predictor: pred, entry: entry})
	}
	return nil
}

// Keys returns the active predictor keys in registration order.
func (m *Manager) Keys() []string {
	res := make([]string, len(m.active))
	for i, mp := range m.active {
		res[i] = mp.key
	}
	return res
}

// EvalWithAll evaluates all blocks with every active predictor. Result order
// matches the block order. Predictors flagged run-alone are evaluated
// sequentially over all blocks before the parallel predictors start.
func (m *Manager) EvalWithAll(ctx context.Context, bbs []*isa.BasicBlock, coder isa.Encoder) ([]BlockEval, error) {
	payloads := make([]*BlockPayload, len(bbs))
	for i, bb := range bbs {
		payloads[i] = NewBlockPayload(bb, coder)
	}
	return m.evalPayloads(ctx, payloads)
}

func (m *Manager) evalPayloads(ctx context.Context, payloads []*BlockPayload) ([]BlockEval, error) {
	results := make([]BlockEval, len(payloads))
	for i := range results {
		results[i] = make(BlockEval)
	}

	var runAlone, runParallel []managedPredictor
	for _, mp := range m.active {
		if mp.predictor.NeedsToRunAlone() {
			runAlone = append(runAlone, mp)
		} else {
			runParallel = append(runParallel, mp)
		}
	}

	for _, mp := range runAlone {
		for i, payload := range payloads {
			results[i][mp.key] = evaluateSafe(ctx, mp.predictor, payload)
		}
	}

	if len(runParallel) > 0 {
		type task struct {
			blockID int
			pred    managedPredictor
		}
		tasks := make(chan task)
		type outcome struct {
			blockID int
			key     string
			result  Result
		}
		outcomes := make(chan outcome, len(payloads)*len(runParallel))

		grp, grpCtx := errgroup.WithContext(ctx)
		for w := 0; w < m.numWorkers; w++ {
			grp.Go(func() error {
				for t := range tasks {
					outcomes <- outcome{
						blockID: t.blockID,
						key:     t.pred.key,
						result:  evaluateSafe(grpCtx, t.pred.predictor, payloads[t.blockID]),
					}
				}
				return nil
			})
		}
		for i := range payloads {
			for _, mp := range runParallel {
				tasks <- task{blockID: i, pred: mp}
			}
		}
		close(tasks)
		if err := grp.Wait(); err != nil {
			return nil, err
		}
		close(outcomes)
		for o := range outcomes {
			results[o.blockID][o.key] = o.result
		}
	}

	return results, nil
}

func evaluateSafe(ctx context.Context, pred Predictor, payload *BlockPayload) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = errorResult("predictor panicked: %v", r)
		}
	}()
	return pred.Evaluate(ctx, payload)
}

// EvalWithAllAndReport evaluates all blocks and, if a measurement database is
// attached, persists the raw results as one series. The returned reference
// identifies that series; it is -1 when nothing was persisted.
func (m *Manager) EvalWithAllAndReport(ctx context.Context, bbs []*isa.BasicBlock, coder isa.Encoder) ([]BlockEval, int64, error) {
	payloads := make([]*BlockPayload, len(bbs))
	for i, bb := range bbs {
		payloads[i] = NewBlockPayload(bb, coder)
	}
	results, err := m.evalPayloads(ctx, payloads)
	if err != nil {
		return nil, -1, err
	}
	if m.dbman == nil {
		return results, -1, nil
	}

	series := measuredb.Series{
		SourceComputer: m.sourceComputer,
		Timestamp:      time.Now(),
	}
	for i := range payloads {
		hex, err := payloads[i].Hex()
		if err != nil {
			return nil, -1, err
		}
		meas := measuredb.Measurement{InputHex: hex}
		for _, mp := range m.active {
			res := results[i][mp.key]
			remark, _ := json.Marshal(map[string]any{"TP": res.TP, "error": res.Error})
			meas.PredictorRuns = append(meas.PredictorRuns, measuredb.PredictorRun{
				Toolname: mp.entry.Tool,
				Version:  mp.entry.Version,
				UArch:    mp.entry.UArch,
				Result:   res.TP,
				Remark:   string(remark),
			})
		}
		series.Measurements = append(series.Measurements, meas)
	}

	ref, err := m.dbman.AddSeries(series)
	if err != nil {
		log.Errorf("persisting a measurement series failed: %s", err)
		return results, -1, nil
	}
	return results, ref, nil
}
