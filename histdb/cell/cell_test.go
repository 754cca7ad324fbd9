package cell

import (
	"context"
	"testing"

	"github.com/ZanzyTHEbar/histdb/histdb/entity"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const t0 int64 = 1_600_000_000

func point(id int64, lon, lat int32, versions int) PointInput {
	vs := make([]entity.Version, versions)
	for i := range vs {
		vs[i] = entity.Version{
			ID:        id,
			Version:   int32(i + 1),
			Visible:   true,
			Timestamp: t0 + id + int64(i)*60,
			Changeset: 100 + int64(i),
			UserID:    1,
			Tags:      entity.Tags{{Key: 1, Value: 2}},
			Coord:     entity.Coord{Lon: lon + int32(i), Lat: lat},
		}
	}
	return PointInput{Versions: vs}
}

func line(id int64, ts int64, members ...int64) LineInput {
	ms := make([]entity.Member, len(members))
	for i, m := range members {
		ms[i] = entity.Member{Type: entity.Point, ID: m}
	}
	return LineInput{Versions: []entity.Version{{ID: id, Version: 1, Visible: true, Timestamp: ts, UserID: 2, Members: ms}}}
}

func newTestBuilder(opts ...Option) *Builder {
	return NewBuilder(Key{Zoom: 12, X: 2200, Y: 1343}, append([]Option{WithLogger(zerolog.Nop()), WithWorkers(4)}, opts...)...)
}

func buildSample(t *testing.T) *Cell {
	t.Helper()
	b := newTestBuilder()
	b.AddPoint(point(10, 100, 200, 2))
	b.AddPoint(point(11, 300, 400, 1))
	b.AddPoint(point(12, 500, 600, 3))
	b.AddLine(line(10, t0+5, 10, 11, 99))
	b.AddComposite(CompositeInput{Versions: []entity.Version{{
		ID: 1, Version: 1, Visible: true, Timestamp: t0 + 50, UserID: 3,
		Members: []entity.Member{{Type: entity.Line, ID: 10, Role: 7}, {Type: entity.Point, ID: 12, Role: 8}, {Type: entity.Composite, ID: 4}},
	}}})
	c, err := b.Build(context.Background())
	require.NoError(t, err)
	return c
}

func TestKey(t *testing.T) {
	tests := []struct {
		name  string
		coord entity.Coord
		zoom  uint8
		want  Key
	}{
		{"origin at zoom 0", entity.CoordFromDegrees(0, 0), 0, Key{Zoom: 0, X: 0, Y: 0}},
		{"origin at zoom 1", entity.CoordFromDegrees(0.0001, 0.0001), 1, Key{Zoom: 1, X: 1, Y: 0}},
		{"south west corner", entity.CoordFromDegrees(-180, -89), 2, Key{Zoom: 2, X: 0, Y: 3}},
		{"north east corner", entity.CoordFromDegrees(180, 89), 2, Key{Zoom: 2, X: 3, Y: 0}},
		{"berlin", entity.CoordFromDegrees(13.4, 52.5), 12, Key{Zoom: 12, X: 2200, Y: 1343}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := KeyFor(tt.coord, tt.zoom)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid())

			parsed, err := ParseKey(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, parsed)
		})
	}

	berlin := entity.CoordFromDegrees(13.4, 52.5)
	box := KeyFor(berlin, 12).Bounds()
	assert.True(t, overlaps(entity.InvalidBBox.Extend(berlin).Degrees(), box), "tile bounds hold the coordinate")
	world := Key{}.Bounds()
	assert.InDelta(t, -180, world.Min.X, 1e-9)
	assert.InDelta(t, 180, world.Max.X, 1e-9)
	assert.InDelta(t, 85.0511, world.Max.Y, 1e-4)
	assert.InDelta(t, -85.0511, world.Min.Y, 1e-4)

	for _, bad := range []string{"", "1/2", "a/1/1", "1/2/3/4", "1/2/0", "25/0/0", "300/0/0"} {
		_, err := ParseKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestContainerRoundTrip(t *testing.T) {
	c := buildSample(t)
	data := c.Marshal()

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, c.Key, got.Key)
	assert.Equal(t, c.Bases, got.Bases)
	assert.Equal(t, c.Records, got.Records)

	els, err := got.Elements()
	require.NoError(t, err)
	for i, el := range els {
		want, err := c.Element(i)
		require.NoError(t, err)
		wv, err := want.AllVersions()
		require.NoError(t, err)
		gv, err := el.AllVersions()
		require.NoError(t, err)
		assert.Equal(t, wv, gv)
	}
}

func TestContainerEmpty(t *testing.T) {
	c := &Cell{Key: Key{Zoom: 3, X: 1, Y: 2}}
	got, err := Unmarshal(c.Marshal())
	require.NoError(t, err)
	assert.Equal(t, 0, got.Len())
	assert.Equal(t, c.Key, got.Key)
}

func TestContainerRejectsBadInput(t *testing.T) {
	good := buildSample(t).Marshal()

	badMagic := append([]byte("XXXX"), good[4:]...)
	badVersion := append([]byte(nil), good...)
	badVersion[4] = 9
	trailing := append(append([]byte(nil), good...), 0x00)

	cases := map[string][]byte{
		"empty":         nil,
		"short header":  good[:10],
		"bad magic":     badMagic,
		"bad version":   badVersion,
		"trailing byte": trailing,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal(data)
			assert.ErrorIs(t, err, ErrBadContainer)
		})
	}

	t.Run("every truncation", func(t *testing.T) {
		for n := 0; n < len(good); n++ {
			_, err := Unmarshal(good[:n])
			assert.ErrorIs(t, err, ErrBadContainer, "prefix %d", n)
		}
	})
}

func TestMembership(t *testing.T) {
	m := NewMembership()
	for _, id := range []int64{5, -3, 1 << 40, 0, 5} {
		m.Add(entity.Point, id)
	}
	m.Add(entity.Line, 5)

	assert.True(t, m.Contains(entity.Point, -3))
	assert.True(t, m.Contains(entity.Line, 5))
	assert.False(t, m.Contains(entity.Line, -3))
	assert.False(t, m.Contains(entity.Type(7), 5))
	assert.Equal(t, uint64(4), m.Count(entity.Point))
	assert.Equal(t, []int64{-3, 0, 5, 1 << 40}, m.IDs(entity.Point))

	other := NewMembership()
	other.Add(entity.Composite, 9)
	other.Add(entity.Point, 6)
	m.Union(other)
	assert.True(t, m.Contains(entity.Composite, 9))
	assert.Equal(t, uint64(5), m.Count(entity.Point))

	data, err := m.MarshalBinary()
	require.NoError(t, err)
	back := NewMembership()
	require.NoError(t, back.UnmarshalBinary(data))
	for _, typ := range []entity.Type{entity.Point, entity.Line, entity.Composite} {
		assert.Equal(t, m.IDs(typ), back.IDs(typ))
	}

	assert.ErrorIs(t, NewMembership().UnmarshalBinary(data[:len(data)-1]), ErrMembershipCorrupt)
	assert.ErrorIs(t, NewMembership().UnmarshalBinary(append(data, 1)), ErrMembershipCorrupt)
}

func TestBuilder_EmbedsAvailableChildren(t *testing.T) {
	c := buildSample(t)
	require.Equal(t, 5, c.Len())

	els, err := c.Elements()
	require.NoError(t, err)
	for i := 1; i < len(els); i++ {
		assert.Negative(t, entity.Compare(els[i-1], els[i]), "records sorted by id then family")
	}

	ln, ok, err := c.Find(entity.Line, 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, ln.NumChildren(), "points 10 and 11 embedded, 99 dangling")
	v, err := ln.Latest()
	require.NoError(t, err)
	assert.True(t, ln.IsEmbedded(v.Members[0]))
	assert.True(t, ln.IsEmbedded(v.Members[1]))
	assert.False(t, ln.IsEmbedded(v.Members[2]))

	rel, ok, err := c.Find(entity.Composite, 1)
	require.NoError(t, err)
	require.True(t, ok)
	rv, err := rel.Latest()
	require.NoError(t, err)
	nested, ok, err := rel.Resolve(rv.Members[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entity.Line, nested.Type())
	assert.Equal(t, 2, nested.NumChildren())
	assert.True(t, rel.IsEmbedded(rv.Members[1]))
	assert.False(t, rel.IsEmbedded(rv.Members[2]), "composites are never embedded")

	_, ok, err = c.Find(entity.Point, 99)
	require.NoError(t, err)
	assert.False(t, ok)

	m, err := c.Membership()
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11, 12}, m.IDs(entity.Point))
	assert.Equal(t, []int64{10}, m.IDs(entity.Line))
	assert.Equal(t, []int64{1}, m.IDs(entity.Composite))
}

func TestBuilder_Bases(t *testing.T) {
	b := newTestBuilder()
	assert.Equal(t, entity.Bases{}, b.Bases())

	b.AddPoint(point(20, -100, 50, 1))
	b.AddPoint(point(30, 300, 150, 1))
	b.AddLine(line(7, t0-10, 20))

	got := b.Bases()
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, t0-10, got.Timestamp)
	assert.Equal(t, int32(100), got.Lon)
	assert.Equal(t, int32(100), got.Lat)

	c, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, got, c.Bases)
	for i := range c.Records {
		assert.Equal(t, got, c.Record(i).Bases)
	}
}

func TestBuilder_Errors(t *testing.T) {
	t.Run("duplicate element", func(t *testing.T) {
		b := newTestBuilder()
		b.AddPoint(point(1, 0, 0, 1))
		b.AddPoint(point(1, 5, 5, 1))
		_, err := b.Build(context.Background())
		assert.ErrorIs(t, err, ErrDuplicateElement)
	})

	t.Run("same id in two families is allowed", func(t *testing.T) {
		b := newTestBuilder()
		b.AddPoint(point(1, 0, 0, 1))
		b.AddLine(line(1, t0, 1))
		c, err := b.Build(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, c.Len())
	})

	t.Run("contract violation stops the build", func(t *testing.T) {
		b := newTestBuilder()
		b.AddPoint(point(1, 0, 0, 1))
		b.AddLine(LineInput{})
		_, err := b.Build(context.Background())
		assert.ErrorIs(t, err, entity.ErrNoVersions)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		b := newTestBuilder()
		b.AddPoint(point(1, 0, 0, 1))
		_, err := b.Build(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCell_Rebased(t *testing.T) {
	c := buildSample(t)
	moved := entity.Bases{ID: -50, Timestamp: 0, Lon: 1_000_000, Lat: -1_000_000}

	r, err := c.Rebased(moved)
	require.NoError(t, err)
	assert.Equal(t, moved, r.Bases)
	require.Equal(t, c.Len(), r.Len())

	for i := range c.Records {
		a, err := c.Element(i)
		require.NoError(t, err)
		b, err := r.Element(i)
		require.NoError(t, err)
		av, err := a.AllVersions()
		require.NoError(t, err)
		bv, err := b.AllVersions()
		require.NoError(t, err)
		assert.Equal(t, av, bv)
		assert.Equal(t, a.BBox(), b.BBox())
	}

	_, err = c.Element(c.Len())
	assert.Error(t, err)
}

func TestBuilder_Metrics(t *testing.T) {
	ok := testutil.ToFloat64(buildsTotal.WithLabelValues("ok"))
	failed := testutil.ToFloat64(buildsTotal.WithLabelValues("error"))
	points := testutil.ToFloat64(elementsTotal.WithLabelValues("point"))
	lines := testutil.ToFloat64(elementsTotal.WithLabelValues("line"))

	buildSample(t)
	assert.Equal(t, ok+1, testutil.ToFloat64(buildsTotal.WithLabelValues("ok")))
	assert.Equal(t, points+3, testutil.ToFloat64(elementsTotal.WithLabelValues("point")))
	assert.Equal(t, lines+1, testutil.ToFloat64(elementsTotal.WithLabelValues("line")))

	b := newTestBuilder()
	b.AddPoint(PointInput{})
	_, err := b.Build(context.Background())
	require.Error(t, err)
	assert.Equal(t, failed+1, testutil.ToFloat64(buildsTotal.WithLabelValues("error")))

	n, err := testutil.GatherAndCount(Registry, "histdb_cell_builds_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBuilder_CountsElementsOutsideTheCell(t *testing.T) {
	before := testutil.ToFloat64(outsideTotal)

	inside := entity.CoordFromDegrees(13.4, 52.5)
	b := newTestBuilder()
	b.AddPoint(point(1, inside.Lon, inside.Lat, 1))
	b.AddPoint(point(2, 0, 0, 1))
	_, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(outsideTotal))

	n, err := testutil.GatherAndCount(Registry, "histdb_cell_elements_outside_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
