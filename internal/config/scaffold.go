package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteDefaultConfigs scaffolds a campaign directory: a campaign
// configuration with all defaults spelled out and a predictor registry with
// commented example entries.
func WriteDefaultConfigs(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}

	campaignDoc := Default().Doc()
	campaignDoc["predmanager.doc"] = "registry_path is resolved relative to this file"
	if err := writeJSON(filepath.Join(dir, "campaign.json"), campaignDoc); err != nil {
		return err
	}

	registry := map[string]any{
		"insn_count": map[string]any{
			"tool":    "insn_count",
			"version": "1.0",
			"uarch":   "any",
			"config":  map[string]any{"kind": "insn_count"},
		},
		"insn_count.doc": "counts instructions; useful as a stable reference predictor",
		"example_tool": map[string]any{
			"tool":    "example",
			"version": "0.1",
			"uarch":   "SKL",
			"config": map[string]any{
				"kind":            "command",
				"command":         []any{"/path/to/predictor", "--hex"},
				"timeout_seconds": 10,
			},
			"unsupported_insns_path": "example_tool_unsupported.txt",
		},
		"example_tool.doc": "external predictors receive the encoded block as their last argument and print the predicted cycles per iteration",
	}
	return writeJSON(filepath.Join(dir, "predictors.json"), registry)
}

func writeJSON(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
