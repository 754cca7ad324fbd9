package entity

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// BBox is an axis-aligned box in fixed-point coordinates.
type BBox struct {
	MinLon, MinLat int32
	MaxLon, MaxLat int32
}

// InvalidBBox is the empty sentinel: any union with it yields the other box.
var InvalidBBox = BBox{
	MinLon: math.MaxInt32, MinLat: math.MaxInt32,
	MaxLon: math.MinInt32, MaxLat: math.MinInt32,
}

func (b BBox) IsValid() bool {
	return b.MinLon <= b.MaxLon && b.MinLat <= b.MaxLat
}

// Extend grows the box to include c.
func (b BBox) Extend(c Coord) BBox {
	b.MinLon = min(b.MinLon, c.Lon)
	b.MinLat = min(b.MinLat, c.Lat)
	b.MaxLon = max(b.MaxLon, c.Lon)
	b.MaxLat = max(b.MaxLat, c.Lat)
	return b
}

func (b BBox) Union(o BBox) BBox {
	if !o.IsValid() {
		return b
	}
	if !b.IsValid() {
		return o
	}
	return BBox{
		MinLon: min(b.MinLon, o.MinLon),
		MinLat: min(b.MinLat, o.MinLat),
		MaxLon: max(b.MaxLon, o.MaxLon),
		MaxLat: max(b.MaxLat, o.MaxLat),
	}
}

func (b BBox) Contains(c Coord) bool {
	return b.IsValid() &&
		c.Lon >= b.MinLon && c.Lon <= b.MaxLon &&
		c.Lat >= b.MinLat && c.Lat <= b.MaxLat
}

// ContainsBox reports whether o lies inside b. An invalid o is contained
// by every valid box.
func (b BBox) ContainsBox(o BBox) bool {
	if !b.IsValid() {
		return false
	}
	if !o.IsValid() {
		return true
	}
	return o.MinLon >= b.MinLon && o.MaxLon <= b.MaxLon &&
		o.MinLat >= b.MinLat && o.MaxLat <= b.MaxLat
}

// Center is the midpoint, rounded towards negative infinity.
func (b BBox) Center() Coord {
	return Coord{
		Lon: int32((int64(b.MinLon) + int64(b.MaxLon)) >> 1),
		Lat: int32((int64(b.MinLat) + int64(b.MaxLat)) >> 1),
	}
}

// Degrees converts the box to a planar box in degrees, X being longitude.
func (b BBox) Degrees() r2.Box {
	return r2.Box{
		Min: r2.Vec{X: float64(b.MinLon) / CoordScale, Y: float64(b.MinLat) / CoordScale},
		Max: r2.Vec{X: float64(b.MaxLon) / CoordScale, Y: float64(b.MaxLat) / CoordScale},
	}
}
