package entity

import (
	"fmt"
	"math"
	"slices"
)

// Type is the element family.
type Type uint8

const (
	Point Type = iota
	Line
	Composite
)

func (t Type) String() string {
	switch t {
	case Point:
		return "point"
	case Line:
		return "line"
	case Composite:
		return "composite"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the three element families.
func (t Type) Valid() bool { return t <= Composite }

// CoordScale converts degrees to the fixed-point representation.
const CoordScale = 1e7

// Coord is a fixed-point lon/lat pair, both scaled by CoordScale.
type Coord struct {
	Lon int32
	Lat int32
}

// CoordFromDegrees rounds a degree pair to the fixed-point grid.
func CoordFromDegrees(lon, lat float64) Coord {
	return Coord{
		Lon: int32(math.Round(lon * CoordScale)),
		Lat: int32(math.Round(lat * CoordScale)),
	}
}

func (c Coord) Degrees() (lon, lat float64) {
	return float64(c.Lon) / CoordScale, float64(c.Lat) / CoordScale
}

// TagPair is one dictionary-encoded key/value pair. The codec never sees
// tag strings; resolving them is the tag dictionary's job.
type TagPair struct {
	Key   uint32
	Value uint32
}

// Tags is a flat tag array kept in ascending key order.
type Tags []TagPair

// Equal compares two tag arrays pair by pair.
func (t Tags) Equal(o Tags) bool {
	return slices.Equal(t, o)
}

// Get returns the value for key using binary search over the sorted array.
func (t Tags) Get(key uint32) (uint32, bool) {
	i, ok := slices.BinarySearchFunc(t, key, func(p TagPair, k uint32) int {
		switch {
		case p.Key < k:
			return -1
		case p.Key > k:
			return 1
		}
		return 0
	})
	if !ok {
		return 0, false
	}
	return t[i].Value, true
}

func (t Tags) HasKey(key uint32) bool {
	_, ok := t.Get(key)
	return ok
}

// canonical returns a key-sorted copy and rejects duplicate keys.
func (t Tags) canonical() (Tags, error) {
	if len(t) == 0 {
		return nil, nil
	}
	out := slices.Clone(t)
	slices.SortFunc(out, func(a, b TagPair) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	for i := 1; i < len(out); i++ {
		if out[i].Key == out[i-1].Key {
			return nil, fmt.Errorf("%w: key %d", ErrDuplicateTagKey, out[i].Key)
		}
	}
	return out, nil
}

// Member references another element. Role is only meaningful for
// Composite members; Line members are always points.
type Member struct {
	Type Type
	ID   int64
	Role uint32
}

// Version is one historical state of an element.
//
// Tags and Members of decoded versions may be shared with neighbouring
// versions of the same decode pass and must be treated as read-only.
type Version struct {
	ID        int64
	Version   int32
	Visible   bool
	Timestamp int64
	Changeset int64
	UserID    int32
	Tags      Tags

	// Coord is the point geometry; zero for lines, composites and
	// deleted points.
	Coord Coord

	// Members is the line or composite geometry; nil for points and
	// deleted versions.
	Members []Member
}

// Bases are the per-cell reference values every delta in a record is
// computed against.
type Bases struct {
	ID        int64
	Timestamp int64
	Lon       int32
	Lat       int32
}

// Record binds encoded bytes to the bases they were encoded with, so the
// two can never be paired wrongly.
type Record struct {
	Data  []byte
	Bases Bases
}

// Len is the encoded size in bytes.
func (r Record) Len() int { return len(r.Data) }
