package discovery

import (
	"encoding/json"
	"fmt"
	"os"

	"anica/internal/abstraction"
)

// WitnessRecord is one generalization step: the expansion that was tried,
// whether it was adopted, and the measurement series that justified the
// decision. Termination records close a trace with a comment.
type WitnessRecord struct {
	Expansion      *abstraction.Token
	Taken          bool
	Terminate      bool
	Comment        string
	MeasurementRef int64
}

// WitnessTrace logs how an abstract block was generalized, in enough detail
// to replay and validate the process: replaying all taken expansions from the
// start block yields the final block.
type WitnessTrace struct {
	Start   *abstraction.AbstractBlock
	Records []WitnessRecord
}

func NewWitnessTrace(start *abstraction.AbstractBlock) *WitnessTrace {
	return &WitnessTrace{Start: start.Clone()}
}

func (t *WitnessTrace) Len() int {
	return len(t.Records)
}

func (t *WitnessTrace) AddTakenExpansion(token abstraction.Token, measurementRef int64) {
	t.Records = append(t.Records, WitnessRecord{
		Expansion:      &token,
		Taken:          true,
		MeasurementRef: measurementRef,
	})
}

func (t *WitnessTrace) AddNonTakenExpansion(token abstraction.Token, measurementRef int64) {
	t.Records = append(t.Records, WitnessRecord{
		Expansion:      &token,
		MeasurementRef: measurementRef,
	})
}

func (t *WitnessTrace) AddTermination(comment string, measurementRef int64) {
	t.Records = append(t.Records, WitnessRecord{
		Terminate:      true,
		Comment:        comment,
		MeasurementRef: measurementRef,
	})
}

// Replay applies all taken expansions to a copy of the start block. With
// validate set, every step is checked to only move up the lattice; a
// violation is a broken invariant.
func (t *WitnessTrace) Replay(validate bool) (*abstraction.AbstractBlock, error) {
	res := t.Start.Clone()
	for _, record := range t.Records {
		if record.Terminate {
			break
		}
		if !record.Taken {
			continue
		}
		var before *abstraction.AbstractBlock
		if validate {
			before = res.Clone()
		}
		res.ApplyExpansion(*record.Expansion)
		if validate && !res.Subsumes(before) {
			return nil, fmt.Errorf("discovery: replaying %s shrank the abstract block", record.Expansion)
		}
	}
	return res, nil
}

func tokenToJSON(t abstraction.Token) any {
	if t.Kind == abstraction.TokenInsn {
		return map[string]any{"kind": "insn", "insn": t.Insn, "feature": t.Feature}
	}
	return map[string]any{
		"kind": "alias",
		"pair": []any{
			[]any{t.Pair.A.Insn, t.Pair.A.Key},
			[]any{t.Pair.B.Insn, t.Pair.B.Key},
		},
	}
}

func tokenFromJSON(data any) (abstraction.Token, error) {
	record, ok := data.(map[string]any)
	if !ok {
		return abstraction.Token{}, fmt.Errorf("discovery: malformed expansion token")
	}
	switch record["kind"] {
	case "insn":
		feature, _ := record["feature"].(string)
		return abstraction.InsnToken(jsonInt(record["insn"]), feature), nil
	case "alias":
		raw, ok := record["pair"].([]any)
		if !ok || len(raw) != 2 {
			return abstraction.Token{}, fmt.Errorf("discovery: malformed alias token")
		}
		refs := make([]abstraction.OpRef, 2)
		for i, rawRef := range raw {
			parts, ok := rawRef.([]any)
			if !ok || len(parts) != 2 {
				return abstraction.Token{}, fmt.Errorf("discovery: malformed alias token pair")
			}
			key, _ := parts[1].(string)
			refs[i] = abstraction.OpRef{Insn: jsonInt(parts[0]), Key: key}
		}
		return abstraction.AliasTokenOf(refs[0], refs[1]), nil
	}
	return abstraction.Token{}, fmt.Errorf("discovery: unknown token kind %v", record["kind"])
}

func jsonInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

// ToJSONDict converts the trace into a JSON-compatible tree (references not
// yet introduced).
func (t *WitnessTrace) ToJSONDict() any {
	records := make([]any, 0, len(t.Records))
	for _, record := range t.Records {
		entry := map[string]any{
			"taken":        record.Taken,
			"terminate":    record.Terminate,
			"comment":      record.Comment,
			"measurements": record.MeasurementRef,
		}
		if record.Expansion != nil {
			entry["expansion"] = tokenToJSON(*record.Expansion)
		}
		records = append(records, entry)
	}
	return map[string]any{
		"start": t.Start.ToJSONDict(),
		"trace": records,
	}
}

// WitnessFromJSONDict rebuilds a trace from a resolved JSON tree.
func WitnessFromJSONDict(dom *abstraction.Domain, data any) (*WitnessTrace, error) {
	root, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("discovery: malformed witness document")
	}
	start, err := abstraction.FromJSONDict(dom, root["start"])
	if err != nil {
		return nil, err
	}
	trace := &WitnessTrace{Start: start}
	rawRecords, _ := root["trace"].([]any)
	for _, rawRecord := range rawRecords {
		entry, ok := rawRecord.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("discovery: malformed witness record")
		}
		record := WitnessRecord{
			Taken:          jsonBool(entry["taken"]),
			Terminate:      jsonBool(entry["terminate"]),
			MeasurementRef: int64(jsonInt(entry["measurements"])),
		}
		if comment, ok := entry["comment"].(string); ok {
			record.Comment = comment
		}
		if rawToken, ok := entry["expansion"]; ok {
			token, err := tokenFromJSON(rawToken)
			if err != nil {
				return nil, err
			}
			record.Expansion = &token
		}
		trace.Records = append(trace.Records, record)
	}
	return trace, nil
}

func jsonBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// DumpJSON writes the trace with the campaign configuration, introducing
// string references for domain objects.
func (t *WitnessTrace) DumpJSON(path string, configDoc any, refmgr *abstraction.RefManager) error {
	doc := map[string]any{
		"config": configDoc,
		"trace":  refmgr.Introduce(t.ToJSONDict()),
	}
	return writeJSONFile(path, doc)
}

func writeJSONFile(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("discovery: marshaling %s: %w", path, err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
