package lattice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingletonLifecycle(t *testing.T) {
	s := NewSingleton()
	assert.True(t, s.IsBottom())
	assert.False(t, s.SubsumesFeature("add"))

	s.Join("add")
	assert.False(t, s.IsBottom())
	assert.False(t, s.IsTop())
	assert.True(t, s.SubsumesFeature("add"))
	assert.False(t, s.SubsumesFeature("sub"))

	s.Join("add")
	assert.False(t, s.IsTop(), "joining the same value must not widen")

	s.Join("sub")
	assert.True(t, s.IsTop())
	assert.True(t, s.SubsumesFeature("anything"))
}

func TestSingletonSubsumes(t *testing.T) {
	bot := NewSingleton()
	val := NewSingletonOf("add")
	top := NewSingletonTop()

	assert.True(t, top.Subsumes(val))
	assert.True(t, top.Subsumes(bot))
	assert.True(t, val.Subsumes(bot))
	assert.True(t, val.Subsumes(NewSingletonOf("add")))
	assert.False(t, val.Subsumes(NewSingletonOf("sub")))
	assert.False(t, val.Subsumes(top))
	assert.False(t, bot.Subsumes(val))
}

func TestSingletonNilFeatureIsSubsumed(t *testing.T) {
	bot := NewSingleton()
	assert.True(t, bot.SubsumesFeature(nil), "absent features are subsumed even by bottom")
}

func TestSubsetJoinIntersects(t *testing.T) {
	s := NewSubset()
	s.Join([]string{"a", "b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, s.Elements())

	s.Join([]string{"b", "c", "d"})
	assert.Equal(t, []string{"b", "c"}, s.Elements())

	assert.True(t, s.SubsumesFeature([]string{"b", "c", "x"}))
	assert.False(t, s.SubsumesFeature([]string{"b"}))
}

func TestSubsetExpandIsDeterministic(t *testing.T) {
	s := NewSubset()
	s.Join([]string{"a", "b", "c"})
	s.Expand()
	assert.Equal(t, []string{"a", "b"}, s.Elements(), "expansion drops the largest element")
	s.Expand()
	s.Expand()
	assert.True(t, s.IsTop())
	assert.False(t, s.IsExpandable())
}

func TestSubsetSubsumes(t *testing.T) {
	small := NewSubset()
	small.Join([]string{"a"})
	big := NewSubset()
	big.Join([]string{"a", "b"})

	// fewer required elements represent more concrete sets
	assert.True(t, small.Subsumes(big))
	assert.False(t, big.Subsumes(small))
}

func TestSubsetOrAbsent(t *testing.T) {
	s := NewSubsetOrAbsent()
	assert.True(t, s.IsBottom())

	s.Join([]string{})
	assert.False(t, s.IsBottom())
	assert.True(t, s.SubsumesFeature([]string{}))
	assert.False(t, s.SubsumesFeature([]string{"R"}))

	other := NewSubsetOrAbsent()
	other.Join([]string{"R", "S:64"})
	assert.True(t, other.SubsumesFeature([]string{"R", "S:64"}))
	assert.False(t, other.SubsumesFeature([]string{}))

	// mixing empty and non-empty observations tops out the flag
	other.Join([]string{})
	assert.True(t, other.IsTop())
	assert.True(t, other.SubsumesFeature([]string{}))
}

func TestLogUpperBound(t *testing.T) {
	l := NewLogUpperBound(5)
	assert.True(t, l.IsBottom())

	l.Join(2) // log2(3) -> 1
	assert.Equal(t, 1, l.Bound())
	assert.True(t, l.SubsumesFeature(0))
	assert.True(t, l.SubsumesFeature(2))
	assert.False(t, l.SubsumesFeature(3), "log2(4) = 2 exceeds the bound")

	l.Expand()
	assert.True(t, l.SubsumesFeature(3))
	assert.True(t, l.SubsumesFeature(6))
	assert.False(t, l.SubsumesFeature(7))

	for l.IsExpandable() {
		l.Expand()
	}
	assert.True(t, l.IsTop())
	assert.Equal(t, 5, l.Bound())
}

func TestLogUpperBoundSubsumes(t *testing.T) {
	lo := NewLogUpperBound(5)
	lo.Join(1)
	hi := NewLogUpperBound(5)
	hi.Join(10)
	assert.True(t, hi.Subsumes(lo))
	assert.False(t, lo.Subsumes(hi))
}

func TestEditDistance(t *testing.T) {
	e := NewEditDistance(3)
	assert.True(t, e.IsBottom())
	assert.False(t, e.SubsumesFeature("add"))

	e.Join("add")
	require.False(t, e.IsBottom())
	assert.Equal(t, 0, e.Dist())
	assert.True(t, e.SubsumesFeature("add"))
	assert.False(t, e.SubsumesFeature("adc"))

	e.Expand()
	assert.True(t, e.SubsumesFeature("adc"))
	assert.True(t, e.SubsumesFeature("and"), "one substitution away")
	assert.False(t, e.SubsumesFeature("mov"))

	e.Expand()
	e.Expand()
	assert.True(t, e.IsTop())
	assert.True(t, e.SubsumesFeature("anything at all"))
}

func TestEditDistanceJoinWidens(t *testing.T) {
	e := NewEditDistance(3)
	e.Join("add")
	e.Join("adc")
	assert.Equal(t, 1, e.Dist())
	assert.True(t, e.SubsumesFeature("add"))
	assert.True(t, e.SubsumesFeature("adc"))
}

func TestEditDistanceSubsumesViaTriangle(t *testing.T) {
	wide := NewEditDistance(3)
	wide.Join("add")
	wide.Expand()
	wide.Expand() // dist 2 around "add"

	narrow := NewEditDistance(3)
	narrow.Join("adc") // dist 0, base one step from "add"

	assert.True(t, wide.Subsumes(narrow))
	assert.False(t, narrow.Subsumes(wide))
}

func TestCloneIsIndependent(t *testing.T) {
	s := NewSubset()
	s.Join([]string{"a", "b"})
	cp := s.Clone().(*Subset)
	cp.Expand()
	assert.Equal(t, []string{"a", "b"}, s.Elements())
	assert.Equal(t, []string{"a"}, cp.Elements())
}

func TestSpecialValueNames(t *testing.T) {
	top, err := SpecialValueByName("TOP")
	require.NoError(t, err)
	assert.Equal(t, SpecialTop, top)
	bot, err := SpecialValueByName("BOTTOM")
	require.NoError(t, err)
	assert.Equal(t, SpecialBottom, bot)
	_, err = SpecialValueByName("MIDDLE")
	assert.Error(t, err)
}
