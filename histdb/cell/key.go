package cell

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ZanzyTHEbar/histdb/histdb/entity"

	"gonum.org/v1/gonum/spatial/r2"
)

// MaxZoom is the deepest grid level a Key can address.
const MaxZoom = 24

// maxLat is the latitude where the square mercator grid ends.
const maxLat = 85.05112878

// Key addresses one square cell of a web mercator grid.
type Key struct {
	Zoom uint8
	X, Y uint32
}

// KeyFor returns the cell containing c at the given zoom.
func KeyFor(c entity.Coord, zoom uint8) Key {
	lon, lat := c.Degrees()
	lat = math.Max(-maxLat, math.Min(maxLat, lat))
	n := float64(uint64(1) << zoom)

	x := math.Floor((lon + 180) / 360 * n)
	rad := lat * math.Pi / 180
	y := math.Floor((1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2 * n)

	limit := n - 1
	return Key{
		Zoom: zoom,
		X:    uint32(math.Max(0, math.Min(limit, x))),
		Y:    uint32(math.Max(0, math.Min(limit, y))),
	}
}

// Bounds is the cell's extent in degrees, X being longitude.
func (k Key) Bounds() r2.Box {
	n := float64(uint64(1) << k.Zoom)
	lon := func(x uint32) float64 { return float64(x)/n*360 - 180 }
	lat := func(y uint32) float64 {
		return math.Atan(math.Sinh(math.Pi*(1-2*float64(y)/n))) * 180 / math.Pi
	}
	return r2.Box{
		Min: r2.Vec{X: lon(k.X), Y: lat(k.Y + 1)},
		Max: r2.Vec{X: lon(k.X + 1), Y: lat(k.Y)},
	}
}

// overlaps reports whether two boxes share any point.
func overlaps(a, b r2.Box) bool {
	return a.Min.X <= b.Max.X && b.Min.X <= a.Max.X &&
		a.Min.Y <= b.Max.Y && b.Min.Y <= a.Max.Y
}

func (k Key) Valid() bool {
	if k.Zoom > MaxZoom {
		return false
	}
	n := uint64(1) << k.Zoom
	return uint64(k.X) < n && uint64(k.Y) < n
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Zoom, k.X, k.Y)
}

// ParseKey reads the "zoom/x/y" form produced by String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	z, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return Key{}, fmt.Errorf("%w: zoom in %q: %w", ErrInvalidKey, s, err)
	}
	x, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Key{}, fmt.Errorf("%w: x in %q: %w", ErrInvalidKey, s, err)
	}
	y, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Key{}, fmt.Errorf("%w: y in %q: %w", ErrInvalidKey, s, err)
	}
	k := Key{Zoom: uint8(z), X: uint32(x), Y: uint32(y)}
	if !k.Valid() {
		return Key{}, fmt.Errorf("%w: %q outside the grid", ErrInvalidKey, s)
	}
	return k, nil
}
