package abstraction

import (
	"fmt"
	"sort"

	"github.com/agnivade/levenshtein"
	"github.com/tliron/commonlog"

	"anica/internal/isa"
	"anica/internal/lattice"
)

var log = commonlog.GetLogger("anica.abstraction")

// Feature kind names as they appear in configuration files.
const (
	KindSingleton      = "singleton"
	KindSubset         = "subset"
	KindSubsetOrAbsent = "subset_or_definitely_not"
	KindLogUpperBound  = "log_ub"
	KindEditDistance   = "editdistance"
)

// FeatureDef configures one abstracted feature: its name and the lattice kind
// used for it. Arg carries the bound for parameterized kinds.
type FeatureDef struct {
	Name string
	Kind string
	Arg  int
}

// FeatureConfig is the ordered feature configuration. The order fixes the
// index lookup order and thereby the lookup cost, never the result.
type FeatureConfig []FeatureDef

// DefaultFeatures returns the feature configuration used when none is given.
func DefaultFeatures() FeatureConfig {
	return FeatureConfig{
		{Name: "exact_scheme", Kind: KindSingleton},
		{Name: "mnemonic", Kind: KindEditDistance, Arg: 3},
		{Name: "opschemes", Kind: KindSubset},
		{Name: "memory_usage", Kind: KindSubsetOrAbsent},
		{Name: "uops", Kind: KindLogUpperBound, Arg: 5},
		{Name: "category", Kind: KindSingleton},
		{Name: "extension", Kind: KindSingleton},
		{Name: "isa_set", Kind: KindSingleton},
	}
}

// newValue instantiates the abstract value for a feature definition.
func (d FeatureDef) newValue() lattice.Value {
	switch d.Kind {
	case KindSingleton:
		return lattice.NewSingleton()
	case KindSubset:
		return lattice.NewSubset()
	case KindSubsetOrAbsent:
		return lattice.NewSubsetOrAbsent()
	case KindLogUpperBound:
		return lattice.NewLogUpperBound(d.Arg)
	case KindEditDistance:
		return lattice.NewEditDistance(d.Arg)
	}
	panic(fmt.Sprintf("abstraction: unknown feature kind %q", d.Kind))
}

// ExtractFeature obtains the concrete value of the named feature for a
// scheme. New features need a case here; the index builder dispatches on the
// feature kind, not the name.
func ExtractFeature(scheme *isa.InsnScheme, name string) any {
	switch name {
	case "exact_scheme":
		return scheme
	case "mnemonic":
		return scheme.Mnemonic()
	case "has_lock":
		return scheme.HasLock()
	case "has_rep":
		return scheme.HasRep()
	case "category":
		return scheme.Info().Category
	case "extension":
		return scheme.Info().Extension
	case "isa_set":
		return scheme.Info().ISASet
	case "uops":
		if scheme.Info().Ports == nil {
			return nil
		}
		return len(scheme.Info().Ports)
	case "opschemes":
		var res []string
		for _, nos := range scheme.OperandKeys() {
			res = append(res, nos.Scheme.String())
		}
		if res == nil {
			res = []string{}
		}
		return res
	case "memory_usage":
		res := []string{}
		for _, nos := range scheme.OperandKeys() {
			if !nos.Scheme.IsMemory() {
				continue
			}
			if nos.Scheme.Read {
				res = append(res, "R")
			}
			if nos.Scheme.Written {
				res = append(res, "W")
			}
			res = append(res, fmt.Sprintf("S:%d", nos.Scheme.Width()))
		}
		return dedupSorted(res)
	}
	return nil
}

func dedupSorted(elems []string) []string {
	seen := make(map[string]bool, len(elems))
	res := elems[:0]
	for _, e := range elems {
		if !seen[e] {
			seen[e] = true
			res = append(res, e)
		}
	}
	sort.Strings(res)
	return res
}

// Index bucket keys for the subset-or-absent emptiness split.
const (
	bucketDefinitelyEmpty    = "_definitely_not_"
	bucketDefinitelyNonEmpty = "_definitely_"
)

type editDistEntry struct {
	key  string
	dist int
}

// InsnFeatureManager owns the feature configuration, the per-feature inverted
// indices over the filtered scheme universe, and the scheme-to-feature-record
// mapping. It answers which schemes satisfy an abstract feature record.
type InsnFeatureManager struct {
	ctx      *isa.Context
	features FeatureConfig

	// indexOrder lists the indexed features in configuration order.
	indexOrder []string
	byName     map[string]FeatureDef
	indices    map[string]map[any][]*isa.InsnScheme

	// editdistIndices is built on demand: per feature, per base string, the
	// bucket keys with their edit distance from the base, ascending.
	editdistIndices map[string]map[string][]editDistEntry
}

// The exact_scheme feature maps one-to-one to its scheme and needs no index.
const exactSchemeFeature = "exact_scheme"

func NewInsnFeatureManager(ctx *isa.Context, features FeatureConfig) *InsnFeatureManager {
	if features == nil {
		features = DefaultFeatures()
	}
	m := &InsnFeatureManager{
		ctx:             ctx,
		features:        features,
		byName:          make(map[string]FeatureDef, len(features)),
		indices:         make(map[string]map[any][]*isa.InsnScheme),
		editdistIndices: make(map[string]map[string][]editDistEntry),
	}
	for _, def := range features {
		m.byName[def.Name] = def
		if def.Name == exactSchemeFeature {
			continue
		}
		m.indexOrder = append(m.indexOrder, def.Name)
		m.indices[def.Name] = make(map[any][]*isa.InsnScheme)
	}
	m.buildIndex()
	return m
}

func (m *InsnFeatureManager) Features() FeatureConfig { return m.features }
func (m *InsnFeatureManager) Context() *isa.Context   { return m.ctx }

func (m *InsnFeatureManager) buildIndex() {
	for _, scheme := range m.ctx.Schemes() {
		for _, def := range m.features {
			if def.Name == exactSchemeFeature {
				continue
			}
			value := ExtractFeature(scheme, def.Name)
			if value == nil {
				continue
			}
			idx := m.indices[def.Name]
			switch def.Kind {
			case KindSingleton, KindEditDistance:
				idx[value] = append(idx[value], scheme)
			case KindLogUpperBound:
				v := value.(int)
				lo := logBucket(v)
				for k := lo; k <= def.Arg; k++ {
					idx[k] = append(idx[k], scheme)
				}
			case KindSubset:
				for _, elem := range value.([]string) {
					idx[elem] = append(idx[elem], scheme)
				}
			case KindSubsetOrAbsent:
				elems := value.([]string)
				for _, elem := range elems {
					idx[elem] = append(idx[elem], scheme)
				}
				if len(elems) == 0 {
					idx[bucketDefinitelyEmpty] = append(idx[bucketDefinitelyEmpty], scheme)
				} else {
					idx[bucketDefinitelyNonEmpty] = append(idx[bucketDefinitelyNonEmpty], scheme)
				}
			default:
				panic(fmt.Sprintf("abstraction: unknown feature kind for %s: %q", def.Name, def.Kind))
			}
		}
	}
}

func logBucket(v int) int {
	k := 0
	for (1 << (k + 1)) <= v+1 {
		k++
	}
	return k
}

// InitAbstractFeatures builds the bottom feature record for a fresh abstract
// instruction, in configuration order.
func (m *InsnFeatureManager) InitAbstractFeatures() map[string]lattice.Value {
	res := make(map[string]lattice.Value, len(m.features))
	for _, def := range m.features {
		res[def.Name] = def.newValue()
	}
	return res
}

// ExtractFeatures produces the concrete feature record of a scheme for all
// configured features.
func (m *InsnFeatureManager) ExtractFeatures(scheme *isa.InsnScheme) map[string]any {
	res := make(map[string]any, len(m.features))
	for _, def := range m.features {
		res[def.Name] = ExtractFeature(scheme, def.Name)
	}
	return res
}

// SchemeSet is a set of instruction schemes.
type SchemeSet map[*isa.InsnScheme]bool

// Sorted returns the set's schemes ordered by their canonical string.
func (s SchemeSet) Sorted() []*isa.InsnScheme {
	res := make([]*isa.InsnScheme, 0, len(s))
	for scheme := range s {
		res = append(res, scheme)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].String() < res[j].String() })
	return res
}

// Feasible collects all schemes of the filtered universe matching the given
// abstract feature record. The result is fresh and may be modified freely.
func (m *InsnFeatureManager) Feasible(features map[string]lattice.Value) SchemeSet {
	if exact, ok := features[exactSchemeFeature].(*lattice.Singleton); ok {
		if scheme, ok := exact.Val().(*isa.InsnScheme); ok && scheme != nil {
			// trivially a single candidate; the other features cannot exclude
			// it as long as the block only moves up the lattice
			return SchemeSet{scheme: true}
		}
	}

	var candidates SchemeSet
	for _, name := range m.indexOrder {
		value := features[name]
		if value.IsTop() {
			continue
		}
		if value.IsBottom() {
			return SchemeSet{}
		}
		forFeature := m.lookup(name, value)
		if candidates == nil {
			candidates = forFeature
			continue
		}
		for scheme := range candidates {
			if !forFeature[scheme] {
				delete(candidates, scheme)
			}
		}
	}

	if candidates == nil {
		// every feature is top: no restriction beyond the universe
		candidates = make(SchemeSet)
		for _, scheme := range m.ctx.Schemes() {
			candidates[scheme] = true
		}
	}
	return candidates
}

// lookup returns the schemes matching a single non-top, non-bottom abstract
// feature, using the inverted index for that feature.
func (m *InsnFeatureManager) lookup(name string, value lattice.Value) SchemeSet {
	idx := m.indices[name]

	switch v := value.(type) {
	case *lattice.Singleton:
		return setOf(idx[v.Val()])
	case *lattice.LogUpperBound:
		return setOf(idx[v.Bound()])
	case *lattice.Subset:
		return m.intersectElements(idx, v.Elements())
	case *lattice.SubsetOrAbsent:
		if v.Flag().Val() == false {
			return setOf(idx[bucketDefinitelyEmpty])
		}
		if v.Sub().IsTop() {
			return setOf(idx[bucketDefinitelyNonEmpty])
		}
		return m.intersectElements(idx, v.Sub().Elements())
	case *lattice.EditDistance:
		base, _ := v.Base()
		res := make(SchemeSet)
		for _, entry := range m.editDists(name, base) {
			if entry.dist > v.Dist() {
				// entries are sorted ascending; the rest is farther away
				break
			}
			for _, scheme := range idx[entry.key] {
				res[scheme] = true
			}
		}
		return res
	}
	panic(fmt.Sprintf("abstraction: no index lookup for feature %s", name))
}

func (m *InsnFeatureManager) intersectElements(idx map[any][]*isa.InsnScheme, elems []string) SchemeSet {
	var res SchemeSet
	for _, elem := range elems {
		bucket, ok := idx[elem]
		if !ok {
			log.Infof("no index bucket for %q, its schemes are probably filtered", elem)
		}
		if res == nil {
			res = setOf(bucket)
			continue
		}
		forElem := setOf(bucket)
		for scheme := range res {
			if !forElem[scheme] {
				delete(res, scheme)
			}
		}
	}
	if res == nil {
		res = make(SchemeSet)
	}
	return res
}

// editDists returns the cached (bucket key, edit distance) list for a base
// string, sorted by ascending distance.
func (m *InsnFeatureManager) editDists(name, base string) []editDistEntry {
	perBase, ok := m.editdistIndices[name]
	if !ok {
		perBase = make(map[string][]editDistEntry)
		m.editdistIndices[name] = perBase
	}
	if cached, ok := perBase[base]; ok {
		return cached
	}
	var res []editDistEntry
	for key := range m.indices[name] {
		s := key.(string)
		res = append(res, editDistEntry{key: s, dist: levenshtein.ComputeDistance(base, s)})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].dist != res[j].dist {
			return res[i].dist < res[j].dist
		}
		return res[i].key < res[j].key
	})
	perBase[base] = res
	return res
}

func setOf(schemes []*isa.InsnScheme) SchemeSet {
	res := make(SchemeSet, len(schemes))
	for _, s := range schemes {
		res[s] = true
	}
	return res
}
