package abstraction

import (
	"fmt"
	"sort"
	"strings"

	"anica/internal/isa"
	"anica/internal/lattice"
)

// Domain bundles the read-only collaborators every abstract block needs: the
// knowledge base, the feature manager, and the operand policy.
type Domain struct {
	ISA            *isa.Context
	FeatureManager *InsnFeatureManager
	Augmentation   *Augmentation
}

func NewDomain(ctx *isa.Context, features FeatureConfig) *Domain {
	return &Domain{
		ISA:            ctx,
		FeatureManager: NewInsnFeatureManager(ctx, features),
		Augmentation:   NewAugmentation(ctx),
	}
}

// The present feature is not configurable: it records whether the slot holds
// an instruction at all (joined-in shorter blocks leave absent slots).
const presentFeature = "present"

// AbstractInsn represents a set of instruction schemes sharing features.
type AbstractInsn struct {
	dom      *Domain
	present  *lattice.Singleton
	features map[string]lattice.Value
}

func newAbstractInsn(dom *Domain) *AbstractInsn {
	return &AbstractInsn{
		dom:      dom,
		present:  lattice.NewSingleton(),
		features: dom.FeatureManager.InitAbstractFeatures(),
	}
}

func (ai *AbstractInsn) clone() *AbstractInsn {
	cp := &AbstractInsn{
		dom:      ai.dom,
		present:  ai.present.Clone().(*lattice.Singleton),
		features: make(map[string]lattice.Value, len(ai.features)),
	}
	for k, v := range ai.features {
		cp.features[k] = v.Clone()
	}
	return cp
}

// Features exposes the configured feature record (without present).
func (ai *AbstractInsn) Features() map[string]lattice.Value { return ai.features }

// Present exposes the presence value.
func (ai *AbstractInsn) Present() *lattice.Singleton { return ai.present }

// MayBeAbsent reports whether the slot can be empty in represented blocks.
func (ai *AbstractInsn) MayBeAbsent() bool {
	return ai.present.IsTop() || ai.present.Val() == false
}

// Join widens the abstract instruction to cover the given scheme. A nil
// scheme records that the slot is absent.
func (ai *AbstractInsn) Join(scheme *isa.InsnScheme) {
	if scheme == nil {
		ai.present.Join(false)
		return
	}
	ai.present.Join(true)
	concrete := ai.dom.FeatureManager.ExtractFeatures(scheme)
	for name, value := range ai.features {
		value.Join(concrete[name])
	}
}

// Subsumes checks whether every scheme (or absence) represented by other is
// also represented by ai.
func (ai *AbstractInsn) Subsumes(other *AbstractInsn) bool {
	if !ai.present.Subsumes(other.present) {
		return false
	}
	for name, value := range ai.features {
		if !value.Subsumes(other.features[name]) {
			return false
		}
	}
	return true
}

// SubsumesFeatureRecord checks an abstract instruction against the concrete
// feature record of a scheme.
func (ai *AbstractInsn) SubsumesFeatureRecord(concrete map[string]any) bool {
	for name, value := range ai.features {
		if !value.SubsumesFeature(concrete[name]) {
			return false
		}
	}
	return true
}

// Feasible computes the scheme set represented by this abstract instruction.
func (ai *AbstractInsn) Feasible() SchemeSet {
	return ai.dom.FeatureManager.Feasible(ai.features)
}

// setFeaturesToTop lifts every configured feature to top, leaving the
// presence value untouched.
func (ai *AbstractInsn) setFeaturesToTop() {
	for _, value := range ai.features {
		for value.IsExpandable() {
			value.Expand()
		}
	}
}

func (ai *AbstractInsn) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\n", presentFeature, ai.present)
	for _, def := range ai.dom.FeatureManager.Features() {
		fmt.Fprintf(&sb, "%s: %s\n", def.Name, ai.features[def.Name])
	}
	return strings.TrimRight(sb.String(), "\n")
}

// OpRef addresses one operand position in a block: instruction index plus
// operand key.
type OpRef struct {
	Insn int
	Key  string
}

func (r OpRef) String() string {
	return fmt.Sprintf("%d:%s", r.Insn, r.Key)
}

func (r OpRef) less(o OpRef) bool {
	if r.Insn != o.Insn {
		return r.Insn < o.Insn
	}
	return r.Key < o.Key
}

// PairKey is an unordered pair of operand positions, stored normalized.
type PairKey struct {
	A, B OpRef
}

func makePairKey(a, b OpRef) PairKey {
	if b.less(a) {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

func (p PairKey) less(o PairKey) bool {
	if p.A != o.A {
		return p.A.less(o.A)
	}
	return p.B.less(o.B)
}

// AbsAliasing is the partial map from operand position pairs to three-valued
// aliasing facts. Entries hold a bool-valued singleton: true for must-alias,
// false for must-not-alias. The meaning of missing entries depends on the
// owning block's bottom flag: bottom for a fresh block, top afterwards.
type AbsAliasing struct {
	entries map[PairKey]*lattice.Singleton
}

func newAbsAliasing() *AbsAliasing {
	return &AbsAliasing{entries: make(map[PairKey]*lattice.Singleton)}
}

func (aa *AbsAliasing) clone() *AbsAliasing {
	cp := newAbsAliasing()
	for k, v := range aa.entries {
		cp.entries[k] = v.Clone().(*lattice.Singleton)
	}
	return cp
}

// Get returns the entry for a pair, or nil if the pair is unconstrained.
func (aa *AbsAliasing) Get(a, b OpRef) *lattice.Singleton {
	return aa.entries[makePairKey(a, b)]
}

// IsTop reports whether no entry constrains anything.
func (aa *AbsAliasing) IsTop() bool {
	for _, v := range aa.entries {
		if !v.IsTop() {
			return false
		}
	}
	return true
}

// Entries returns the non-top entries in deterministic order.
func (aa *AbsAliasing) Entries() []AliasEntry {
	var res []AliasEntry
	for k, v := range aa.entries {
		if v.IsTop() {
			continue
		}
		res = append(res, AliasEntry{Pair: k, Value: v})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Pair.less(res[j].Pair) })
	return res
}

// AliasEntry is one constrained pair with its value.
type AliasEntry struct {
	Pair  PairKey
	Value *lattice.Singleton
}

// AbstractBlock represents a set of concrete basic blocks of bounded length:
// one abstract instruction per slot plus aliasing constraints over operand
// positions.
type AbstractBlock struct {
	dom      *Domain
	insns    []*AbstractInsn
	aliasing *AbsAliasing

	// isBot distinguishes "no concrete block" (before the first join) from
	// "all blocks of this length" with respect to missing aliasing entries.
	isBot bool
}

// MakeTop builds the universe block of the given length: every slot accepts
// any scheme, nothing constrains aliasing.
func MakeTop(dom *Domain, length int) *AbstractBlock {
	ab := &AbstractBlock{dom: dom, aliasing: newAbsAliasing(), isBot: false}
	for i := 0; i < length; i++ {
		ai := newAbstractInsn(dom)
		ai.setFeaturesToTop()
		// every slot holds an instruction: the universe of length n, not of
		// all lengths up to n
		ai.present.Join(true)
		ab.insns = append(ab.insns, ai)
	}
	return ab
}

// FromConcrete builds the singleton abstraction of one concrete block.
func FromConcrete(dom *Domain, bb *isa.BasicBlock) *AbstractBlock {
	ab := NewBottom(dom, bb.Len())
	ab.Join(bb)
	return ab
}

// NewBottom builds the bottom block of the given length.
func NewBottom(dom *Domain, length int) *AbstractBlock {
	ab := &AbstractBlock{dom: dom, aliasing: newAbsAliasing(), isBot: true}
	for i := 0; i < length; i++ {
		ab.insns = append(ab.insns, newAbstractInsn(dom))
	}
	return ab
}

func (ab *AbstractBlock) Clone() *AbstractBlock {
	cp := &AbstractBlock{
		dom:      ab.dom,
		aliasing: ab.aliasing.clone(),
		isBot:    ab.isBot,
	}
	for _, ai := range ab.insns {
		cp.insns = append(cp.insns, ai.clone())
	}
	return cp
}

func (ab *AbstractBlock) Domain() *Domain        { return ab.dom }
func (ab *AbstractBlock) Len() int               { return len(ab.insns) }
func (ab *AbstractBlock) Insns() []*AbstractInsn { return ab.insns }
func (ab *AbstractBlock) Aliasing() *AbsAliasing { return ab.aliasing }
func (ab *AbstractBlock) IsBottom() bool         { return ab.isBot }

func (ab *AbstractBlock) setBot() {
	ab.isBot = true
}

// presentOpRefs lists the aliasing-relevant operand positions of a concrete
// block laid out over the abstract slots, with the operand at each position.
func (ab *AbstractBlock) presentOpRefs(insns []*isa.Insn) []opRefOperand {
	var res []opRefOperand
	for idx, insn := range insns {
		if insn == nil {
			continue
		}
		for _, nos := range insn.Scheme.OperandKeys() {
			if ab.dom.Augmentation.SkipForAliasing(nos.Scheme) {
				continue
			}
			res = append(res, opRefOperand{
				ref: OpRef{Insn: idx, Key: nos.Key},
				op:  insn.Operand(nos.Key),
			})
		}
	}
	return res
}

type opRefOperand struct {
	ref OpRef
	op  isa.Operand
}

// Join widens the block to additionally represent the concrete block bb,
// which must not be longer than the abstract block. Shorter blocks pad with
// absent slots.
func (ab *AbstractBlock) Join(bb *isa.BasicBlock) {
	if bb.Len() > len(ab.insns) {
		panic(fmt.Sprintf("abstraction: joining block of length %d into abstract block of length %d", bb.Len(), len(ab.insns)))
	}

	padded := make([]*isa.Insn, len(ab.insns))
	copy(padded, bb.Insns)

	for i, ai := range ab.insns {
		if padded[i] == nil {
			ai.Join(nil)
		} else {
			ai.Join(padded[i].Scheme)
		}
	}

	refs := ab.presentOpRefs(padded)
	aug := ab.dom.Augmentation
	for i := 0; i < len(refs); i++ {
		for j := i + 1; j < len(refs); j++ {
			entry := ab.getAliasingEntry(refs[i].ref, refs[j].ref)
			if entry == nil || entry.IsTop() {
				continue
			}
			op1, op2 := refs[i].op, refs[j].op
			switch {
			case aug.MustAlias(op1, op2):
				entry.Join(true)
			case !aug.MayAlias(op1, op2):
				entry.Join(false)
			default:
				entry.SetToTop()
			}
		}
	}

	// the first join flips the interpretation of missing aliasing entries
	// from bottom to top
	ab.isBot = false
	ab.closeAliasing()
}

// getAliasingEntry returns the entry for a pair; while the block is bottom,
// missing entries are created as bottom (they will be joined right away).
func (ab *AbstractBlock) getAliasingEntry(a, b OpRef) *lattice.Singleton {
	key := makePairKey(a, b)
	entry, ok := ab.aliasing.entries[key]
	if !ok && ab.isBot {
		entry = lattice.NewSingleton()
		ab.aliasing.entries[key] = entry
	}
	return entry
}

// Subsumes checks whether every concrete block represented by other is also
// represented by ab. Both blocks must have the same length.
func (ab *AbstractBlock) Subsumes(other *AbstractBlock) bool {
	if len(ab.insns) != len(other.insns) {
		panic("abstraction: subsumption check between blocks of different length")
	}
	for i, ai := range ab.insns {
		if !ai.Subsumes(other.insns[i]) {
			return false
		}
	}
	if other.isBot {
		return true
	}
	if ab.isBot {
		return false
	}
	for key, sv := range ab.aliasing.entries {
		if sv.IsTop() {
			continue
		}
		ov, ok := other.aliasing.entries[key]
		if !ok || !sv.Subsumes(ov) {
			return false
		}
	}
	return true
}

// mustAliasComponents computes the union-find components induced by the
// current must-alias edges.
func (ab *AbstractBlock) mustAliasComponents() *disjointSet {
	ds := newDisjointSet()
	for key, v := range ab.aliasing.entries {
		if v.Val() == true {
			ds.union(key.A, key.B)
		}
	}
	return ds
}

// closeAliasing materializes the equivalence closure of the must-alias
// relation and detects contradictions with must-not-alias edges, which turn
// the block into bottom.
func (ab *AbstractBlock) closeAliasing() {
	ds := ab.mustAliasComponents()

	for _, members := range ds.components() {
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				key := makePairKey(members[i], members[j])
				entry, ok := ab.aliasing.entries[key]
				if !ok {
					entry = lattice.NewSingleton()
					ab.aliasing.entries[key] = entry
				}
				if entry.Val() == false {
					ab.setBot()
					return
				}
				// implied by transitivity, also when previously unconstrained
				*entry = *lattice.NewSingletonOf(true)
			}
		}
	}
}

func (ab *AbstractBlock) String() string {
	var sb strings.Builder
	sb.WriteString("AbstractInsns:\n")
	for i, ai := range ab.insns {
		fmt.Fprintf(&sb, "  %2d:\n", i)
		for _, line := range strings.Split(ai.String(), "\n") {
			fmt.Fprintf(&sb, "    %s\n", line)
		}
	}
	sb.WriteString("Aliasing:\n")
	if ab.isBot {
		sb.WriteString("  BOTTOM\n")
		return strings.TrimRight(sb.String(), "\n")
	}
	for _, entry := range ab.aliasing.Entries() {
		valtxt := "BOTTOM"
		switch entry.Value.Val() {
		case true:
			valtxt = "must alias"
		case false:
			valtxt = "must not alias"
		}
		fmt.Fprintf(&sb, "  %s - %s : %s\n", entry.Pair.A, entry.Pair.B, valtxt)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// disjointSet is a union-find structure over operand positions.
type disjointSet struct {
	parent map[OpRef]OpRef
}

func newDisjointSet() *disjointSet {
	return &disjointSet{parent: make(map[OpRef]OpRef)}
}

func (ds *disjointSet) find(x OpRef) OpRef {
	p, ok := ds.parent[x]
	if !ok {
		ds.parent[x] = x
		return x
	}
	if p == x {
		return x
	}
	root := ds.find(p)
	ds.parent[x] = root
	return root
}

func (ds *disjointSet) union(a, b OpRef) {
	ra, rb := ds.find(a), ds.find(b)
	if ra != rb {
		ds.parent[ra] = rb
	}
}

func (ds *disjointSet) connected(a, b OpRef) bool {
	return ds.find(a) == ds.find(b)
}

// components returns all components with at least two members, each sorted.
func (ds *disjointSet) components() [][]OpRef {
	groups := make(map[OpRef][]OpRef)
	for x := range ds.parent {
		root := ds.find(x)
		groups[root] = append(groups[root], x)
	}
	var res [][]OpRef
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i].less(members[j]) })
		res = append(res, members)
	}
	sort.Slice(res, func(i, j int) bool { return res[i][0].less(res[j][0]) })
	return res
}
