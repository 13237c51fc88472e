// Package lattice implements the per-feature abstract values used to
// describe sets of instruction schemes. Every value kind forms a bounded
// lattice with a bottom element (no scheme matches), a top element (every
// scheme matches), and single-step expansion toward top.
package lattice

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// SpecialValue marks the distinguished lattice elements in serialized form.
type SpecialValue int

const (
	SpecialTop SpecialValue = iota
	SpecialBottom
)

func (sv SpecialValue) Name() string {
	if sv == SpecialTop {
		return "TOP"
	}
	return "BOTTOM"
}

// SpecialValueByName resolves the serialized name of a SpecialValue.
func SpecialValueByName(name string) (SpecialValue, error) {
	switch name {
	case "TOP":
		return SpecialTop, nil
	case "BOTTOM":
		return SpecialBottom, nil
	}
	return 0, fmt.Errorf("lattice: unknown special value %q", name)
}

// Value is one abstract feature value. Concrete observations are passed as
// `any`: strings, bools, ints, []string element lists, or scheme handles,
// depending on the feature; nil always means "feature absent", which joins as
// a no-op and is subsumed by everything.
type Value interface {
	IsTop() bool
	IsBottom() bool
	IsExpandable() bool

	// Subsumes compares against another abstract value of the same kind.
	Subsumes(other Value) bool
	// SubsumesFeature checks a concrete observation against the value.
	SubsumesFeature(feature any) bool
	// Join widens the value to additionally cover the concrete observation.
	Join(feature any)
	// Expand takes one step toward top. Must not be called on top values.
	Expand()

	Clone() Value
	String() string
}

// Singleton is bottom, top, or exactly one concrete value.
type Singleton struct {
	top bool
	bot bool
	val any
}

func NewSingleton() *Singleton {
	return &Singleton{bot: true}
}

// NewSingletonOf builds a singleton holding the given concrete value.
func NewSingletonOf(val any) *Singleton {
	return &Singleton{val: val}
}

func NewSingletonTop() *Singleton {
	return &Singleton{top: true}
}

func (s *Singleton) IsTop() bool        { return s.top }
func (s *Singleton) IsBottom() bool     { return s.bot }
func (s *Singleton) IsExpandable() bool { return !s.top }

// Val returns the concrete value, or nil if the singleton is top or bottom.
func (s *Singleton) Val() any {
	return s.val
}

func (s *Singleton) SetToTop() {
	s.top = true
	s.bot = false
	s.val = nil
}

func (s *Singleton) Subsumes(other Value) bool {
	o := other.(*Singleton)
	if s.top || o.bot {
		return true
	}
	if s.bot || o.top {
		return false
	}
	return s.val == o.val
}

func (s *Singleton) SubsumesFeature(feature any) bool {
	if feature == nil {
		return true
	}
	if s.top {
		return true
	}
	if s.bot {
		return false
	}
	return s.val == feature
}

func (s *Singleton) Join(feature any) {
	if feature == nil || s.top {
		return
	}
	if s.bot {
		s.bot = false
		s.val = feature
		return
	}
	if s.val != feature {
		s.SetToTop()
	}
}

func (s *Singleton) Expand() {
	s.SetToTop()
}

func (s *Singleton) Clone() Value {
	cp := *s
	return &cp
}

func (s *Singleton) String() string {
	if s.top {
		return "TOP"
	}
	if s.bot {
		return "BOT"
	}
	return fmt.Sprintf("%v", s.val)
}

// Subset represents all concrete sets that contain the stored elements as a
// subset. The empty stored set is top.
type Subset struct {
	bot  bool
	vals map[string]bool
}

func NewSubset() *Subset {
	return &Subset{bot: true}
}

func (s *Subset) IsTop() bool        { return !s.bot && len(s.vals) == 0 }
func (s *Subset) IsBottom() bool     { return s.bot }
func (s *Subset) IsExpandable() bool { return s.bot || len(s.vals) > 0 }

// Elements returns the stored elements in sorted order.
func (s *Subset) Elements() []string {
	res := make([]string, 0, len(s.vals))
	for v := range s.vals {
		res = append(res, v)
	}
	sort.Strings(res)
	return res
}

func (s *Subset) Subsumes(other Value) bool {
	o := other.(*Subset)
	if o.bot {
		return true
	}
	if s.bot {
		return false
	}
	for v := range s.vals {
		if !o.vals[v] {
			return false
		}
	}
	return true
}

func (s *Subset) SubsumesFeature(feature any) bool {
	if feature == nil {
		return true
	}
	if s.bot {
		return false
	}
	elems := feature.([]string)
	set := make(map[string]bool, len(elems))
	for _, e := range elems {
		set[e] = true
	}
	for v := range s.vals {
		if !set[v] {
			return false
		}
	}
	return true
}

func (s *Subset) Join(feature any) {
	if feature == nil {
		return
	}
	elems := feature.([]string)
	if s.bot {
		s.bot = false
		s.vals = make(map[string]bool, len(elems))
		for _, e := range elems {
			s.vals[e] = true
		}
		return
	}
	set := make(map[string]bool, len(elems))
	for _, e := range elems {
		set[e] = true
	}
	for v := range s.vals {
		if !set[v] {
			delete(s.vals, v)
		}
	}
}

// Expand drops one element from the stored subset (the lexicographically
// largest, so that replaying an expansion token is deterministic). Expanding
// bottom yields the empty subset, i.e. top.
func (s *Subset) Expand() {
	if s.bot {
		s.bot = false
		s.vals = make(map[string]bool)
		return
	}
	elems := s.Elements()
	delete(s.vals, elems[len(elems)-1])
}

func (s *Subset) Clone() Value {
	cp := &Subset{bot: s.bot}
	if s.vals != nil {
		cp.vals = make(map[string]bool, len(s.vals))
		for v := range s.vals {
			cp.vals[v] = true
		}
	}
	return cp
}

func (s *Subset) String() string {
	if s.bot {
		return "BOT"
	}
	if len(s.vals) == 0 {
		return "TOP"
	}
	return "{" + strings.Join(s.Elements(), ", ") + "}"
}

// SubsetOrAbsent covers set-valued features where "definitely empty" is a
// meaningful observation of its own (memory access descriptors): the concrete
// set either is empty, or contains the stored subset.
type SubsetOrAbsent struct {
	// flag holds false for "definitely empty", true for "non-empty with the
	// stored subset", top for either.
	flag *Singleton
	sub  *Subset
}

func NewSubsetOrAbsent() *SubsetOrAbsent {
	return &SubsetOrAbsent{flag: NewSingleton(), sub: NewSubset()}
}

func (s *SubsetOrAbsent) IsTop() bool        { return s.flag.IsTop() }
func (s *SubsetOrAbsent) IsBottom() bool     { return s.flag.IsBottom() }
func (s *SubsetOrAbsent) IsExpandable() bool { return s.sub.IsExpandable() || s.flag.IsExpandable() }

// Flag exposes the absent/non-empty sub-flag.
func (s *SubsetOrAbsent) Flag() *Singleton { return s.flag }

// Sub exposes the stored subset.
func (s *SubsetOrAbsent) Sub() *Subset { return s.sub }

func (s *SubsetOrAbsent) Subsumes(other Value) bool {
	o := other.(*SubsetOrAbsent)
	return s.flag.Subsumes(o.flag) && s.sub.Subsumes(o.sub)
}

func (s *SubsetOrAbsent) SubsumesFeature(feature any) bool {
	if feature == nil {
		return true
	}
	elems := feature.([]string)
	if s.flag.IsTop() {
		return true
	}
	if s.flag.IsBottom() {
		return false
	}
	if s.flag.Val() == false {
		return len(elems) == 0
	}
	return len(elems) > 0 && s.sub.SubsumesFeature(feature)
}

func (s *SubsetOrAbsent) Join(feature any) {
	if feature == nil {
		return
	}
	elems := feature.([]string)
	if len(elems) == 0 {
		s.flag.Join(false)
		return
	}
	s.flag.Join(true)
	s.sub.Join(feature)
}

func (s *SubsetOrAbsent) Expand() {
	if s.sub.IsExpandable() {
		s.sub.Expand()
		return
	}
	s.flag.Expand()
}

func (s *SubsetOrAbsent) Clone() Value {
	return &SubsetOrAbsent{
		flag: s.flag.Clone().(*Singleton),
		sub:  s.sub.Clone().(*Subset),
	}
}

func (s *SubsetOrAbsent) String() string {
	if s.flag.IsBottom() {
		return "BOT"
	}
	if s.flag.IsTop() {
		return "TOP"
	}
	if s.flag.Val() == false {
		return "absent"
	}
	return s.sub.String()
}

// LogUpperBound stores an upper bound k on the binary magnitude of a
// non-negative concrete count v: the value matches v iff log2(v+1),
// rounded down, is at most k.
type LogUpperBound struct {
	max int
	k   int // -1 is bottom, max is top
}

func NewLogUpperBound(max int) *LogUpperBound {
	return &LogUpperBound{max: max, k: -1}
}

func (l *LogUpperBound) IsTop() bool        { return l.k >= l.max }
func (l *LogUpperBound) IsBottom() bool     { return l.k < 0 }
func (l *LogUpperBound) IsExpandable() bool { return l.k < l.max }

// Bound returns the current upper bound.
func (l *LogUpperBound) Bound() int { return l.k }

// Max returns the largest representable bound.
func (l *LogUpperBound) Max() int { return l.max }

func logMagnitude(v int) int {
	return int(math.Floor(math.Log2(float64(v + 1))))
}

func (l *LogUpperBound) Subsumes(other Value) bool {
	o := other.(*LogUpperBound)
	return o.k <= l.k
}

func (l *LogUpperBound) SubsumesFeature(feature any) bool {
	if feature == nil {
		return true
	}
	return logMagnitude(feature.(int)) <= l.k
}

func (l *LogUpperBound) Join(feature any) {
	if feature == nil {
		return
	}
	if m := logMagnitude(feature.(int)); m > l.k {
		l.k = m
	}
	if l.k > l.max {
		l.k = l.max
	}
}

func (l *LogUpperBound) Expand() {
	l.k++
}

func (l *LogUpperBound) Clone() Value {
	cp := *l
	return &cp
}

func (l *LogUpperBound) String() string {
	if l.IsBottom() {
		return "BOT"
	}
	if l.IsTop() {
		return "TOP"
	}
	return fmt.Sprintf("log2(v+1) <= %d", l.k)
}

// EditDistance matches all strings within a bounded edit distance from an
// observed base string. Top is the maximal distance, bottom has no base.
type EditDistance struct {
	maxDist int
	hasBase bool
	base    string
	dist    int
}

func NewEditDistance(maxDist int) *EditDistance {
	return &EditDistance{maxDist: maxDist}
}

func (e *EditDistance) IsTop() bool        { return e.hasBase && e.dist >= e.maxDist }
func (e *EditDistance) IsBottom() bool     { return !e.hasBase }
func (e *EditDistance) IsExpandable() bool { return !e.IsTop() }

// Base returns the stored base string and whether one is set.
func (e *EditDistance) Base() (string, bool) { return e.base, e.hasBase }

// Dist returns the current distance bound.
func (e *EditDistance) Dist() int { return e.dist }

func (e *EditDistance) Subsumes(other Value) bool {
	o := other.(*EditDistance)
	if o.IsBottom() {
		return true
	}
	if e.IsBottom() {
		return false
	}
	if e.IsTop() {
		return true
	}
	if o.IsTop() {
		return false
	}
	// by the triangle inequality, everything within o.dist of o.base is
	// within baseDist + o.dist of e.base
	baseDist := levenshtein.ComputeDistance(e.base, o.base)
	return baseDist+o.dist <= e.dist
}

func (e *EditDistance) SubsumesFeature(feature any) bool {
	if feature == nil {
		return true
	}
	if e.IsBottom() {
		return false
	}
	if e.IsTop() {
		return true
	}
	return levenshtein.ComputeDistance(e.base, feature.(string)) <= e.dist
}

func (e *EditDistance) Join(feature any) {
	if feature == nil {
		return
	}
	s := feature.(string)
	if !e.hasBase {
		e.hasBase = true
		e.base = s
		e.dist = 0
		return
	}
	if d := levenshtein.ComputeDistance(e.base, s); d > e.dist {
		e.dist = d
	}
	if e.dist > e.maxDist {
		e.dist = e.maxDist
	}
}

func (e *EditDistance) Expand() {
	if !e.hasBase {
		// without a base there is nothing to widen gradually
		e.hasBase = true
		e.dist = e.maxDist
		return
	}
	e.dist++
}

func (e *EditDistance) Clone() Value {
	cp := *e
	return &cp
}

func (e *EditDistance) String() string {
	if e.IsBottom() {
		return "BOT"
	}
	if e.IsTop() {
		return "TOP"
	}
	if e.dist == 0 {
		return e.base
	}
	return fmt.Sprintf("within %d of %q", e.dist, e.base)
}
