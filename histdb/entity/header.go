package entity

import (
	"math"

	"github.com/ZanzyTHEbar/histdb/histdb/varint"
)

// Header byte layout.
const (
	flagHasBBox     = 0x01
	flagHasChildren = 0x02
	typeShift       = 2
	typeMask        = 0x03 << typeShift
	reservedMask    = ^byte(flagHasBBox | flagHasChildren | typeMask)
)

// header is the preamble shared by all three families.
type header struct {
	typ         Type
	id          int64
	bbox        BBox
	hasChildren bool
}

func (h header) flags() byte {
	f := byte(h.typ) << typeShift
	if h.bbox.IsValid() {
		f |= flagHasBBox
	}
	if h.hasChildren {
		f |= flagHasChildren
	}
	return f
}

func writeHeader(w *varint.Writer, h header, b Bases) {
	w.Byte(h.flags())
	w.Svarint(h.id - b.ID)
	if !h.bbox.IsValid() {
		return
	}
	w.Svarint(int64(h.bbox.MinLon) - int64(b.Lon))
	w.Svarint(int64(h.bbox.MinLat) - int64(b.Lat))
	w.Svarint(int64(h.bbox.MaxLon) - int64(b.Lon))
	w.Svarint(int64(h.bbox.MaxLat) - int64(b.Lat))
}

func readHeader(r *varint.Reader, b Bases) (header, error) {
	f, err := r.Byte()
	if err != nil {
		return header{}, readFault("header byte", err)
	}
	if f&reservedMask != 0 {
		return header{}, malformed("reserved header bits set: %#02x", f)
	}
	h := header{
		typ:         Type((f & typeMask) >> typeShift),
		hasChildren: f&flagHasChildren != 0,
		bbox:        InvalidBBox,
	}
	if !h.typ.Valid() {
		return header{}, malformed("unknown element type %d", h.typ)
	}
	if h.typ == Point && h.hasChildren {
		return header{}, malformed("point record flags embedded children")
	}

	d, err := r.Svarint()
	if err != nil {
		return header{}, readFault("id", err)
	}
	h.id = b.ID + d

	if f&flagHasBBox == 0 {
		return h, nil
	}
	var v [4]int32
	bases := [4]int32{b.Lon, b.Lat, b.Lon, b.Lat}
	for i := range v {
		d, err := r.Svarint()
		if err != nil {
			return header{}, readFault("bounding box", err)
		}
		c := int64(bases[i]) + d
		if c < math.MinInt32 || c > math.MaxInt32 {
			return header{}, malformed("bounding box coordinate out of range")
		}
		v[i] = int32(c)
	}
	h.bbox = BBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}
	if !h.bbox.IsValid() {
		return header{}, malformed("inverted bounding box")
	}
	return h, nil
}
