package abstraction

import (
	"fmt"
	"sort"

	"anica/internal/isa"
	"anica/internal/lattice"
)

// ToJSONDict converts the block into a JSON-compatible tree. Scheme handles
// and special lattice values stay as live objects; RefManager.Introduce turns
// them into tagged strings before the tree hits a file.
func (ab *AbstractBlock) ToJSONDict() any {
	insns := make([]any, 0, len(ab.insns))
	for _, ai := range ab.insns {
		record := map[string]any{
			presentFeature: singletonToJSON(ai.present),
		}
		for _, def := range ab.dom.FeatureManager.Features() {
			record[def.Name] = valueToJSON(ai.features[def.Name])
		}
		insns = append(insns, record)
	}

	aliasing := make([]any, 0, len(ab.aliasing.entries))
	for _, entry := range allEntriesSorted(ab.aliasing) {
		aliasing = append(aliasing, map[string]any{
			"pair": []any{
				[]any{entry.Pair.A.Insn, entry.Pair.A.Key},
				[]any{entry.Pair.B.Insn, entry.Pair.B.Key},
			},
			"val": singletonToJSON(entry.Value),
		})
	}

	return map[string]any{
		"abs_insns":    insns,
		"abs_aliasing": aliasing,
		"is_bot":       ab.isBot,
	}
}

func allEntriesSorted(aa *AbsAliasing) []AliasEntry {
	var res []AliasEntry
	for k, v := range aa.entries {
		res = append(res, AliasEntry{Pair: k, Value: v})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Pair.less(res[j].Pair) })
	return res
}

func singletonToJSON(s *lattice.Singleton) any {
	if s.IsTop() {
		return lattice.SpecialTop
	}
	if s.IsBottom() {
		return lattice.SpecialBottom
	}
	return s.Val()
}

func valueToJSON(v lattice.Value) any {
	switch typed := v.(type) {
	case *lattice.Singleton:
		return singletonToJSON(typed)
	case *lattice.Subset:
		if typed.IsBottom() {
			return lattice.SpecialBottom
		}
		return stringsToAny(typed.Elements())
	case *lattice.SubsetOrAbsent:
		return map[string]any{
			"flag":   singletonToJSON(typed.Flag()),
			"subset": valueToJSON(typed.Sub()),
		}
	case *lattice.LogUpperBound:
		return typed.Bound()
	case *lattice.EditDistance:
		if typed.IsBottom() {
			return lattice.SpecialBottom
		}
		base, _ := typed.Base()
		return map[string]any{"base": base, "dist": typed.Dist()}
	}
	panic(fmt.Sprintf("abstraction: cannot serialize feature value %T", v))
}

func stringsToAny(elems []string) []any {
	res := make([]any, len(elems))
	for i, e := range elems {
		res[i] = e
	}
	return res
}

// FromJSONDict rebuilds an abstract block from a tree produced by ToJSONDict
// (after reference resolution).
func FromJSONDict(dom *Domain, data any) (*AbstractBlock, error) {
	root, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("abstraction: malformed abstract block document")
	}
	rawInsns, ok := root["abs_insns"].([]any)
	if !ok {
		return nil, fmt.Errorf("abstraction: abstract block document lacks abs_insns")
	}

	ab := NewBottom(dom, len(rawInsns))
	ab.isBot = asBool(root["is_bot"])

	for i, rawInsn := range rawInsns {
		record, ok := rawInsn.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("abstraction: malformed abstract insn %d", i)
		}
		ai := ab.insns[i]
		if err := singletonFromJSON(ai.present, record[presentFeature]); err != nil {
			return nil, fmt.Errorf("insn %d, present: %w", i, err)
		}
		for _, def := range dom.FeatureManager.Features() {
			if err := valueFromJSON(ai.features[def.Name], record[def.Name]); err != nil {
				return nil, fmt.Errorf("insn %d, feature %s: %w", i, def.Name, err)
			}
		}
	}

	rawAliasing, _ := root["abs_aliasing"].([]any)
	for _, rawEntry := range rawAliasing {
		record, ok := rawEntry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("abstraction: malformed aliasing entry")
		}
		pair, err := pairFromJSON(record["pair"])
		if err != nil {
			return nil, err
		}
		value := lattice.NewSingleton()
		if err := singletonFromJSON(value, record["val"]); err != nil {
			return nil, fmt.Errorf("aliasing %s: %w", pair.A, err)
		}
		ab.aliasing.entries[pair] = value
	}
	return ab, nil
}

func pairFromJSON(data any) (PairKey, error) {
	raw, ok := data.([]any)
	if !ok || len(raw) != 2 {
		return PairKey{}, fmt.Errorf("abstraction: malformed aliasing pair")
	}
	refs := make([]OpRef, 2)
	for i, rawRef := range raw {
		parts, ok := rawRef.([]any)
		if !ok || len(parts) != 2 {
			return PairKey{}, fmt.Errorf("abstraction: malformed operand reference")
		}
		key, ok := parts[1].(string)
		if !ok {
			return PairKey{}, fmt.Errorf("abstraction: malformed operand key")
		}
		refs[i] = OpRef{Insn: asInt(parts[0]), Key: key}
	}
	return makePairKey(refs[0], refs[1]), nil
}

func singletonFromJSON(target *lattice.Singleton, data any) error {
	switch v := data.(type) {
	case lattice.SpecialValue:
		if v == lattice.SpecialTop {
			target.SetToTop()
		}
		return nil
	case nil:
		return fmt.Errorf("missing singleton value")
	default:
		target.Join(normalizeScalar(v))
		return nil
	}
}

func valueFromJSON(target lattice.Value, data any) error {
	switch typed := target.(type) {
	case *lattice.Singleton:
		return singletonFromJSON(typed, data)
	case *lattice.Subset:
		if sv, ok := data.(lattice.SpecialValue); ok {
			if sv == lattice.SpecialBottom {
				return nil
			}
			typed.Join([]string{})
			return nil
		}
		elems, err := anyToStrings(data)
		if err != nil {
			return err
		}
		typed.Join(elems)
		return nil
	case *lattice.SubsetOrAbsent:
		record, ok := data.(map[string]any)
		if !ok {
			return fmt.Errorf("malformed subset-or-absent value")
		}
		if err := singletonFromJSON(typed.Flag(), record["flag"]); err != nil {
			return err
		}
		return valueFromJSON(typed.Sub(), record["subset"])
	case *lattice.LogUpperBound:
		for typed.Bound() < asInt(data) {
			typed.Expand()
		}
		return nil
	case *lattice.EditDistance:
		if sv, ok := data.(lattice.SpecialValue); ok {
			if sv == lattice.SpecialBottom {
				return nil
			}
			typed.Expand() // bottom straight to top
			return nil
		}
		record, ok := data.(map[string]any)
		if !ok {
			return fmt.Errorf("malformed edit-distance value")
		}
		base, ok := record["base"].(string)
		if !ok {
			return fmt.Errorf("malformed edit-distance base")
		}
		typed.Join(base)
		for typed.Dist() < asInt(record["dist"]) {
			typed.Expand()
		}
		return nil
	}
	return fmt.Errorf("cannot deserialize feature value %T", target)
}

func anyToStrings(data any) ([]string, error) {
	raw, ok := data.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of strings, got %T", data)
	}
	res := make([]string, len(raw))
	for i, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string element, got %T", e)
		}
		res[i] = s
	}
	return res, nil
}

// normalizeScalar folds JSON decoding artifacts (float64 numbers) back into
// the scalar types singleton features use.
func normalizeScalar(v any) any {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return v
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func asBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// RefManager maps heavy domain objects in JSON trees to tagged strings and
// back, so that persisted artifacts reference the live knowledge base instead
// of duplicating it.
type RefManager struct {
	ctx *isa.Context
}

func NewRefManager(ctx *isa.Context) *RefManager {
	return &RefManager{ctx: ctx}
}

const (
	schemeRefPrefix  = "$InsnScheme:"
	specialRefPrefix = "$SV:"
)

// Introduce replaces scheme handles and special lattice values by tagged
// strings, recursively.
func (rm *RefManager) Introduce(data any) any {
	switch v := data.(type) {
	case map[string]any:
		res := make(map[string]any, len(v))
		for k, e := range v {
			res[k] = rm.Introduce(e)
		}
		return res
	case []any:
		res := make([]any, len(v))
		for i, e := range v {
			res[i] = rm.Introduce(e)
		}
		return res
	case *isa.InsnScheme:
		return schemeRefPrefix + v.String()
	case lattice.SpecialValue:
		return specialRefPrefix + v.Name()
	}
	return data
}

// Resolve replaces tagged strings by live objects, recursively. Unknown
// scheme references are an error.
func (rm *RefManager) Resolve(data any) (any, error) {
	switch v := data.(type) {
	case map[string]any:
		res := make(map[string]any, len(v))
		for k, e := range v {
			resolved, err := rm.Resolve(e)
			if err != nil {
				return nil, err
			}
			res[k] = resolved
		}
		return res, nil
	case []any:
		res := make([]any, len(v))
		for i, e := range v {
			resolved, err := rm.Resolve(e)
			if err != nil {
				return nil, err
			}
			res[i] = resolved
		}
		return res, nil
	case string:
		if rest, ok := cutPrefix(v, schemeRefPrefix); ok {
			return rm.ctx.SchemeByString(rest)
		}
		if rest, ok := cutPrefix(v, specialRefPrefix); ok {
			return lattice.SpecialValueByName(rest)
		}
		return v, nil
	}
	return data, nil
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}
