package state

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/cyclesim/internal/dynamo"
)

func newDoubleBuffered(t *testing.T, key string, n int) *State {
	t.Helper()
	s := New()
	require.NoError(t, s.Require(key, dynamo.TagCurrent, Cells(n), "flow"))
	require.NoError(t, s.Require(key, dynamo.TagNext, Cells(n), "flow"))
	require.NoError(t, s.Setup())
	return s
}

func TestRequire_CompatibleRepeatIsNoop(t *testing.T) {
	s := New()
	require.NoError(t, s.Require("pressure", dynamo.TagNext, Cells(3), "flow"))
	require.NoError(t, s.Require("pressure", dynamo.TagNext, Cells(3), ""))
	require.NoError(t, s.Require("pressure", dynamo.TagNext, nil, "flow"))
	assert.Equal(t, 1, s.Len())
}

func TestRequire_ShapeConflict(t *testing.T) {
	s := New()
	require.NoError(t, s.Require("pressure", dynamo.TagNext, Cells(3), "flow"))
	err := s.Require("pressure", dynamo.TagNext, Cells(4), "flow")
	assert.ErrorIs(t, err, dynamo.ErrConflict)
}

func TestRequire_OwnerConflict(t *testing.T) {
	s := New()
	require.NoError(t, s.Require("temperature", dynamo.TagNext, Scalar, "energy"))
	err := s.Require("temperature", dynamo.TagNext, Scalar, "flow")
	assert.ErrorIs(t, err, dynamo.ErrConflict)
}

func TestRequire_AfterSetup(t *testing.T) {
	s := New()
	require.NoError(t, s.Setup())
	err := s.Require("late", dynamo.TagNext, Scalar, "")
	assert.ErrorIs(t, err, dynamo.ErrConfiguration)
}

func TestSetup_ShapelessField(t *testing.T) {
	s := New()
	require.NoError(t, s.Require("porosity", dynamo.TagNext, nil, ""))
	assert.ErrorIs(t, s.Setup(), dynamo.ErrConfiguration)
}

func TestGet_Undeclared(t *testing.T) {
	s := newDoubleBuffered(t, "pressure", 2)
	_, err := s.Get("saturation", dynamo.TagCurrent)
	assert.ErrorIs(t, err, dynamo.ErrNotFound)
	_, err = s.GetW("saturation", dynamo.TagNext, "flow")
	assert.ErrorIs(t, err, dynamo.ErrNotFound)
}

func TestGetW_WrongOwner(t *testing.T) {
	s := newDoubleBuffered(t, "pressure", 2)
	_, err := s.GetW("pressure", dynamo.TagNext, "energy")
	assert.ErrorIs(t, err, dynamo.ErrConflict)
}

func TestGetW_BumpsVersion(t *testing.T) {
	s := newDoubleBuffered(t, "pressure", 2)
	v0, err := s.Version("pressure", dynamo.TagNext)
	require.NoError(t, err)

	_, err = s.GetW("pressure", dynamo.TagNext, "flow")
	require.NoError(t, err)
	v1, _ := s.Version("pressure", dynamo.TagNext)
	assert.Greater(t, v1, v0)

	_, err = s.Get("pressure", dynamo.TagNext)
	require.NoError(t, err)
	v2, _ := s.Version("pressure", dynamo.TagNext)
	assert.Equal(t, v1, v2, "reads must not bump the version")
}

func TestAliasOrCopy_RoundTrip(t *testing.T) {
	s := newDoubleBuffered(t, "pressure", 3)
	next, err := s.GetW("pressure", dynamo.TagNext, "flow")
	require.NoError(t, err)
	copy(next.Values(), dynamo.Vector{1.0 / 3.0, math.Pi, -2.5e-300})

	require.NoError(t, s.AliasOrCopy("pressure", dynamo.TagNext, dynamo.TagCurrent))

	cur, err := s.Get("pressure", dynamo.TagCurrent)
	require.NoError(t, err)
	assert.Equal(t, dynamo.Vector{1.0 / 3.0, math.Pi, -2.5e-300}, cur.Values())

	next.Values()[0] = 42
	assert.Equal(t, 1.0/3.0, cur.Values()[0], "copy must not share storage")
}

func TestAliasOrCopy_Alias(t *testing.T) {
	s := New()
	require.NoError(t, s.Require("porosity", dynamo.TagNext, Cells(2), "flow"))
	require.NoError(t, s.RequireAlias("porosity", dynamo.TagCurrent, dynamo.TagNext))
	require.NoError(t, s.Setup())

	next, err := s.GetW("porosity", dynamo.TagNext, "flow")
	require.NoError(t, err)
	next.Values()[1] = 0.3
	v, _ := s.Version("porosity", dynamo.TagCurrent)

	require.NoError(t, s.AliasOrCopy("porosity", dynamo.TagNext, dynamo.TagCurrent))
	after, _ := s.Version("porosity", dynamo.TagCurrent)
	assert.Equal(t, v, after, "alias promotion is a no-op")

	cur, err := s.Get("porosity", dynamo.TagCurrent)
	require.NoError(t, err)
	assert.Equal(t, 0.3, cur.Values()[1])
}

func TestBytes_CountsAliasesOnce(t *testing.T) {
	s := New()
	require.NoError(t, s.Require("porosity", dynamo.TagNext, Cells(4), "flow"))
	require.NoError(t, s.RequireAlias("porosity", dynamo.TagCurrent, dynamo.TagNext))
	require.NoError(t, s.Require("pressure", dynamo.TagNext, Cells(3), "flow"))
	require.NoError(t, s.Require("pressure", dynamo.TagCurrent, Cells(3), "flow"))
	require.NoError(t, s.Setup())
	assert.Equal(t, 8*(4+3+3), s.Bytes())
}

func TestTimeAndCycle(t *testing.T) {
	s := New()
	assert.True(t, math.IsNaN(s.Time(dynamo.TagNext)))

	s.RequireTime(dynamo.TagCurrent)
	s.RequireTime(dynamo.TagNext)
	s.SetTime(dynamo.TagCurrent, 10)
	s.SetTime(dynamo.TagNext, 10)
	s.AdvanceTime(dynamo.TagNext, 2.5)
	assert.Equal(t, 10.0, s.Time(dynamo.TagCurrent))
	assert.Equal(t, 12.5, s.Time(dynamo.TagNext))

	s.SetCycle(-1)
	s.AdvanceCycle()
	assert.Equal(t, 0, s.Cycle())
	assert.Equal(t, []dynamo.Tag{dynamo.TagCurrent, dynamo.TagNext}, s.Tags())
}

func TestCheckAllInitialized(t *testing.T) {
	s := newDoubleBuffered(t, "pressure", 1)
	assert.ErrorIs(t, s.CheckAllInitialized(), dynamo.ErrConfiguration)

	_, err := s.GetW("pressure", dynamo.TagNext, "flow")
	require.NoError(t, err)
	require.NoError(t, s.AliasOrCopy("pressure", dynamo.TagNext, dynamo.TagCurrent))
	assert.NoError(t, s.CheckAllInitialized())
}

func TestSnapshotRestore(t *testing.T) {
	s := newDoubleBuffered(t, "pressure", 2)
	s.SetTime(dynamo.TagCurrent, 7.5)
	s.SetCycle(3)
	f, err := s.GetW("pressure", dynamo.TagCurrent, "flow")
	require.NoError(t, err)
	copy(f.Values(), dynamo.Vector{101325, 99000})

	snap := s.Snapshot(dynamo.TagCurrent)
	assert.Equal(t, SnapshotFormat, snap.Format)
	assert.Len(t, snap.Records, 2)

	r := newDoubleBuffered(t, "pressure", 2)
	require.NoError(t, r.RestoreTime(snap, dynamo.TagCurrent, dynamo.TagNext))
	assert.Equal(t, 7.5, r.Time(dynamo.TagNext))
	require.NoError(t, r.Restore(snap))
	got, err := r.Get("pressure", dynamo.TagCurrent)
	require.NoError(t, err)
	assert.Equal(t, dynamo.Vector{101325, 99000}, got.Values())
	assert.Equal(t, 3, r.Cycle())
}

func TestRestore_Rejects(t *testing.T) {
	s := newDoubleBuffered(t, "pressure", 2)
	snap := s.Snapshot(dynamo.TagCurrent)

	bad := snap
	bad.Format = 99
	assert.ErrorIs(t, s.Restore(bad), dynamo.ErrConfiguration)

	other := newDoubleBuffered(t, "pressure", 5)
	assert.ErrorIs(t, other.Restore(snap), dynamo.ErrConflict)
}

func TestShape(t *testing.T) {
	sh := Shape{{Name: "cell", Size: 4}, {Name: "face", Size: 6}}
	assert.Equal(t, 10, sh.Size())
	assert.Equal(t, "[cell:4,face:6]", sh.String())
	assert.True(t, sh.Compatible(nil))
	assert.False(t, sh.Compatible(Cells(4)))

	f := NewField(sh)
	f.Component("face")[5] = 1
	assert.Equal(t, []string{"cell", "face"}, f.Components())
	assert.Len(t, f.Flatten(), 10)
	assert.Equal(t, 1.0, f.Flatten()[9])
}
