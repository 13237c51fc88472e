// Package config loads and validates the campaign configuration: a JSON
// document with one section per component, closed key sets, and defaults for
// everything. It also assembles the abstraction context that wires the
// components together.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"anica/internal/abstraction"
	"anica/internal/discovery"
)

// ConfigError reports an unknown key or a malformed value, with the path of
// the offending entry. Configuration errors are fatal.
type ConfigError struct {
	Path string
	Msg  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Path, e.Msg)
}

func configErrorf(path, format string, args ...any) *ConfigError {
	return &ConfigError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Campaign is the fully resolved configuration of one discovery campaign.
type Campaign struct {
	Features abstraction.FeatureConfig

	FilterMnemonics []string
	FilterClasses   []string

	MinInterestingness     float64
	MostlyInterestingRatio float64
	InvertInterestingness  bool

	Discovery discovery.Config

	WrapInLoop bool

	DBPath string

	RegistryPath string
	NumProcesses int
}

// Default returns the campaign configuration with every option at its
// default.
func Default() *Campaign {
	return &Campaign{
		Features:               abstraction.DefaultFeatures(),
		MinInterestingness:     0.5,
		MostlyInterestingRatio: 1.0,
		Discovery:              discovery.DefaultConfig(),
		DBPath:                 "measurements.db",
		RegistryPath:           "predictors.json",
		NumProcesses:           0,
	}
}

// Documentation keys are ignored wherever they appear.
var docSuffixes = []string{".doc", ".comment", ".info", ".c"}

func isDocKey(key string) bool {
	for _, suffix := range docSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// Load reads a campaign configuration. Unknown keys are errors; values for
// keys ending in _path are resolved against the config file's directory.
func Load(path string) (*Campaign, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return FromDoc(doc, filepath.Dir(path))
}

// FromDoc builds a campaign from a decoded configuration document. baseDir
// anchors relative *_path values; an empty baseDir leaves them untouched.
func FromDoc(doc map[string]any, baseDir string) (*Campaign, error) {
	c := Default()

	sections := map[string]func(*Campaign, map[string]any, string) error{
		"insn_feature_manager":   loadFeatureManagerSection,
		"iwho":                   loadIwhoSection,
		"interestingness_metric": loadInterestingnessSection,
		"discovery":              loadDiscoverySection,
		"sampling":               loadSamplingSection,
		"measurement_db":         loadMeasurementDBSection,
		"predmanager":            loadPredManagerSection,
	}

	for key, value := range doc {
		if isDocKey(key) {
			continue
		}
		loader, ok := sections[key]
		if !ok {
			return nil, configErrorf(key, "unknown configuration section")
		}
		section, ok := value.(map[string]any)
		if !ok {
			return nil, configErrorf(key, "expected an object")
		}
		if err := loader(c, section, key); err != nil {
			return nil, err
		}
	}

	if baseDir != "" {
		c.resolvePaths(baseDir)
	}
	return c, nil
}

func (c *Campaign) resolvePaths(baseDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	c.DBPath = resolve(c.DBPath)
	c.RegistryPath = resolve(c.RegistryPath)
}

func checkKeys(section map[string]any, path string, allowed ...string) error {
	allowedSet := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		allowedSet[k] = true
	}
	for key := range section {
		if isDocKey(key) {
			continue
		}
		if !allowedSet[key] {
			return configErrorf(path+"."+key, "unknown configuration key")
		}
	}
	return nil
}

func loadFeatureManagerSection(c *Campaign, section map[string]any, path string) error {
	if err := checkKeys(section, path, "features"); err != nil {
		return err
	}
	raw, ok := section["features"]
	if !ok {
		return nil
	}
	features, err := parseFeatureConfig(raw, path+".features")
	if err != nil {
		return err
	}
	c.Features = features
	return nil
}

// parseFeatureConfig decodes the [feature_name, kind] list, where kind is a
// plain string or [kind, max] for parameterized kinds.
func parseFeatureConfig(raw any, path string) (abstraction.FeatureConfig, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, configErrorf(path, "expected a list of [name, kind] entries")
	}
	var res abstraction.FeatureConfig
	for i, rawEntry := range list {
		entryPath := fmt.Sprintf("%s[%d]", path, i)
		entry, ok := rawEntry.([]any)
		if !ok || len(entry) != 2 {
			return nil, configErrorf(entryPath, "expected a [name, kind] pair")
		}
		name, ok := entry[0].(string)
		if !ok {
			return nil, configErrorf(entryPath, "feature name must be a string")
		}
		def := abstraction.FeatureDef{Name: name}
		switch kind := entry[1].(type) {
		case string:
			def.Kind = kind
		case []any:
			if len(kind) != 2 {
				return nil, configErrorf(entryPath, "parameterized kinds are [kind, max] pairs")
			}
			kindName, ok := kind[0].(string)
			if !ok {
				return nil, configErrorf(entryPath, "feature kind must be a string")
			}
			arg, ok := kind[1].(float64)
			if !ok {
				return nil, configErrorf(entryPath, "feature kind parameter must be a number")
			}
			def.Kind = kindName
			def.Arg = int(arg)
		default:
			return nil, configErrorf(entryPath, "feature kind must be a string or a [kind, max] pair")
		}
		switch def.Kind {
		case abstraction.KindSingleton, abstraction.KindSubset, abstraction.KindSubsetOrAbsent,
			abstraction.KindLogUpperBound, abstraction.KindEditDistance:
		default:
			return nil, configErrorf(entryPath, "unknown feature kind %q", def.Kind)
		}
		res = append(res, def)
	}
	return res, nil
}

func loadIwhoSection(c *Campaign, section map[string]any, path string) error {
	if err := checkKeys(section, path, "filter_mnemonics", "filter_classes"); err != nil {
		return err
	}
	var err error
	if c.FilterMnemonics, err = stringList(section, "filter_mnemonics", path); err != nil {
		return err
	}
	if c.FilterClasses, err = stringList(section, "filter_classes", path); err != nil {
		return err
	}
	return nil
}

func loadInterestingnessSection(c *Campaign, section map[string]any, path string) error {
	if err := checkKeys(section, path,
		"min_interestingness", "mostly_interesting_ratio", "invert_interestingness"); err != nil {
		return err
	}
	var err error
	if c.MinInterestingness, err = floatValue(section, "min_interestingness", c.MinInterestingness, path); err != nil {
		return err
	}
	if c.MostlyInterestingRatio, err = floatValue(section, "mostly_interesting_ratio", c.MostlyInterestingRatio, path); err != nil {
		return err
	}
	if c.InvertInterestingness, err = boolValue(section, "invert_interestingness", c.InvertInterestingness, path); err != nil {
		return err
	}
	return nil
}

func loadDiscoverySection(c *Campaign, section map[string]any, path string) error {
	if err := checkKeys(section, path,
		"discovery_batch_size", "discovery_possible_block_lengths",
		"generalization_batch_size", "generalization_strategy"); err != nil {
		return err
	}
	var err error
	if c.Discovery.DiscoveryBatchSize, err = intValue(section, "discovery_batch_size", c.Discovery.DiscoveryBatchSize, path); err != nil {
		return err
	}
	if c.Discovery.GeneralizationBatchSize, err = intValue(section, "generalization_batch_size", c.Discovery.GeneralizationBatchSize, path); err != nil {
		return err
	}
	if raw, ok := section["discovery_possible_block_lengths"]; ok {
		lengths, err := intList(raw, path+".discovery_possible_block_lengths")
		if err != nil {
			return err
		}
		c.Discovery.PossibleBlockLengths = lengths
	}
	if raw, ok := section["generalization_strategy"]; ok {
		strategies, err := parseStrategies(raw, path+".generalization_strategy")
		if err != nil {
			return err
		}
		c.Discovery.Strategies = strategies
	}
	return nil
}

func parseStrategies(raw any, path string) ([]discovery.StrategyRecord, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, configErrorf(path, "expected a list of [strategy, attempts] pairs")
	}
	var res []discovery.StrategyRecord
	for i, rawEntry := range list {
		entryPath := fmt.Sprintf("%s[%d]", path, i)
		entry, ok := rawEntry.([]any)
		if !ok || len(entry) != 2 {
			return nil, configErrorf(entryPath, "expected a [strategy, attempts] pair")
		}
		name, ok := entry[0].(string)
		if !ok {
			return nil, configErrorf(entryPath, "strategy name must be a string")
		}
		switch name {
		case discovery.StrategyMaxBenefit, discovery.StrategyRandom, discovery.StrategyInteractive:
		default:
			return nil, configErrorf(entryPath, "unknown generalization strategy %q", name)
		}
		attempts, ok := entry[1].(float64)
		if !ok {
			return nil, configErrorf(entryPath, "attempts must be a number")
		}
		res = append(res, discovery.StrategyRecord{Name: name, Attempts: int(attempts)})
	}
	return res, nil
}

func loadSamplingSection(c *Campaign, section map[string]any, path string) error {
	if err := checkKeys(section, path, "wrap_in_loop"); err != nil {
		return err
	}
	var err error
	c.WrapInLoop, err = boolValue(section, "wrap_in_loop", c.WrapInLoop, path)
	return err
}

func loadMeasurementDBSection(c *Campaign, section map[string]any, path string) error {
	if err := checkKeys(section, path, "db_path"); err != nil {
		return err
	}
	var err error
	c.DBPath, err = stringValue(section, "db_path", c.DBPath, path)
	return err
}

func loadPredManagerSection(c *Campaign, section map[string]any, path string) error {
	if err := checkKeys(section, path, "registry_path", "num_processes"); err != nil {
		return err
	}
	var err error
	if c.RegistryPath, err = stringValue(section, "registry_path", c.RegistryPath, path); err != nil {
		return err
	}
	c.NumProcesses, err = intValue(section, "num_processes", c.NumProcesses, path)
	return err
}

func floatValue(section map[string]any, key string, def float64, path string) (float64, error) {
	raw, ok := section[key]
	if !ok {
		return def, nil
	}
	v, ok := raw.(float64)
	if !ok {
		return 0, configErrorf(path+"."+key, "expected a number")
	}
	return v, nil
}

func intValue(section map[string]any, key string, def int, path string) (int, error) {
	raw, ok := section[key]
	if !ok {
		return def, nil
	}
	v, ok := raw.(float64)
	if !ok || v != float64(int(v)) {
		return 0, configErrorf(path+"."+key, "expected an integer")
	}
	return int(v), nil
}

func boolValue(section map[string]any, key string, def bool, path string) (bool, error) {
	raw, ok := section[key]
	if !ok {
		return def, nil
	}
	v, ok := raw.(bool)
	if !ok {
		return false, configErrorf(path+"."+key, "expected a boolean")
	}
	return v, nil
}

func stringValue(section map[string]any, key string, def string, path string) (string, error) {
	raw, ok := section[key]
	if !ok {
		return def, nil
	}
	v, ok := raw.(string)
	if !ok {
		return "", configErrorf(path+"."+key, "expected a string")
	}
	return v, nil
}

func stringList(section map[string]any, key, path string) ([]string, error) {
	raw, ok := section[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, configErrorf(path+"."+key, "expected a list of strings")
	}
	var res []string
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, configErrorf(path+"."+key, "expected a list of strings")
		}
		res = append(res, s)
	}
	return res, nil
}

func intList(raw any, path string) ([]int, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, configErrorf(path, "expected a list of integers")
	}
	var res []int
	for _, e := range list {
		v, ok := e.(float64)
		if !ok || v != float64(int(v)) {
			return nil, configErrorf(path, "expected a list of integers")
		}
		res = append(res, int(v))
	}
	return res, nil
}

// Doc renders the campaign back into the section/key document shape used in
// config files and persisted artifacts.
func (c *Campaign) Doc() map[string]any {
	features := make([]any, 0, len(c.Features))
	for _, def := range c.Features {
		var kind any = def.Kind
		if def.Kind == abstraction.KindLogUpperBound || def.Kind == abstraction.KindEditDistance {
			kind = []any{def.Kind, def.Arg}
		}
		features = append(features, []any{def.Name, kind})
	}
	strategies := make([]any, 0, len(c.Discovery.Strategies))
	for _, s := range c.Discovery.Strategies {
		strategies = append(strategies, []any{s.Name, s.Attempts})
	}
	return map[string]any{
		"insn_feature_manager": map[string]any{
			"features": features,
		},
		"iwho": map[string]any{
			"filter_mnemonics": c.FilterMnemonics,
			"filter_classes":   c.FilterClasses,
		},
		"interestingness_metric": map[string]any{
			"min_interestingness":      c.MinInterestingness,
			"mostly_interesting_ratio": c.MostlyInterestingRatio,
			"invert_interestingness":   c.InvertInterestingness,
		},
		"discovery": map[string]any{
			"discovery_batch_size":             c.Discovery.DiscoveryBatchSize,
			"discovery_possible_block_lengths": c.Discovery.PossibleBlockLengths,
			"generalization_batch_size":        c.Discovery.GeneralizationBatchSize,
			"generalization_strategy":          strategies,
		},
		"sampling": map[string]any{
			"wrap_in_loop": c.WrapInLoop,
		},
		"measurement_db": map[string]any{
			"db_path": c.DBPath,
		},
		"predmanager": map[string]any{
			"registry_path": c.RegistryPath,
			"num_processes": c.NumProcesses,
		},
	}
}
