package entity

import (
	"math"
	"slices"

	"github.com/ZanzyTHEbar/histdb/histdb/varint"
)

// childKey identifies an embedded child inside one parent record. Ids are
// only unique within a family, so the family is part of the key.
type childKey struct {
	typ Type
	id  int64
}

// slotIndex maps embedded children to their slot in the child table.
type slotIndex map[childKey]int

// childTable resolves a slot read from the wire to the embedded child.
type childTable interface {
	childAt(slot int) (childKey, error)
}

// payloadCodec is the type-specific part of the version chain: how the
// geometry of one version is compared, written, read and what it
// contributes to the bounding box.
type payloadCodec interface {
	seed(st *chainState, b Bases)
	changed(st *chainState, v *Version) bool
	encode(w *varint.Writer, st *chainState, v *Version, slots slotIndex)
	decode(r *varint.Reader, st *chainState, kids childTable) error
	fill(st *chainState, v *Version)
	bbox(versions []Version, children []*Element) BBox
}

func payloadFor(t Type) payloadCodec {
	switch t {
	case Line:
		return memberPayload{}
	case Composite:
		return memberPayload{composite: true}
	default:
		return pointPayload{}
	}
}

type pointPayload struct{}

func (pointPayload) seed(st *chainState, b Bases) {
	st.coord = Coord{Lon: b.Lon, Lat: b.Lat}
}

func (pointPayload) changed(st *chainState, v *Version) bool {
	return v.Coord != st.coord
}

func (pointPayload) encode(w *varint.Writer, st *chainState, v *Version, _ slotIndex) {
	w.Svarint(int64(v.Coord.Lon) - int64(st.coord.Lon))
	w.Svarint(int64(v.Coord.Lat) - int64(st.coord.Lat))
	st.coord = v.Coord
}

func (pointPayload) decode(r *varint.Reader, st *chainState, _ childTable) error {
	dlon, err := r.Svarint()
	if err != nil {
		return readFault("longitude", err)
	}
	dlat, err := r.Svarint()
	if err != nil {
		return readFault("latitude", err)
	}
	lon, lat := int64(st.coord.Lon)+dlon, int64(st.coord.Lat)+dlat
	if !fitsInt32(lon) || !fitsInt32(lat) {
		return malformed("coordinate out of range")
	}
	st.coord = Coord{Lon: int32(lon), Lat: int32(lat)}
	return nil
}

func (pointPayload) fill(st *chainState, v *Version) {
	v.Coord = st.coord
}

func (pointPayload) bbox(versions []Version, _ []*Element) BBox {
	b := InvalidBBox
	for i := range versions {
		if versions[i].Visible {
			b = b.Extend(versions[i].Coord)
		}
	}
	return b
}

// memberPayload serves lines and composites. Composite members carry an
// explicit family and a role; line members are implicitly points.
type memberPayload struct {
	composite bool
}

func (memberPayload) seed(st *chainState, _ Bases) {
	st.members = nil
}

func (memberPayload) changed(st *chainState, v *Version) bool {
	return !slices.Equal(v.Members, st.members)
}

func (p memberPayload) encode(w *varint.Writer, st *chainState, v *Version, slots slotIndex) {
	w.Uvarint(uint64(len(v.Members)))
	var last int64
	for _, m := range v.Members {
		typ := Point
		if p.composite {
			typ = m.Type
			w.Uvarint(uint64(typ))
		}
		if slot, ok := slots[childKey{typ: typ, id: m.ID}]; ok {
			w.Uvarint(uint64(slot) + 1)
		} else {
			w.Uvarint(0)
			w.Svarint(m.ID - last)
		}
		last = m.ID
		if p.composite {
			w.Uvarint(uint64(m.Role))
		}
	}
	st.members = v.Members
}

func (p memberPayload) decode(r *varint.Reader, st *chainState, kids childTable) error {
	n, err := r.Uvarint()
	if err != nil {
		return readFault("member count", err)
	}
	// every member takes at least one byte
	if n > uint64(r.Remaining()) {
		return malformed("member count %d exceeds remaining %d bytes", n, r.Remaining())
	}
	if n == 0 {
		st.members = nil
		return nil
	}
	members := make([]Member, n)
	var last int64
	for i := range members {
		m := Member{Type: Point}
		if p.composite {
			t, err := r.Uvarint()
			if err != nil {
				return readFault("member type", err)
			}
			if t > uint64(Composite) {
				return malformed("unknown member type %d", t)
			}
			m.Type = Type(t)
		}
		s, err := r.Uvarint()
		if err != nil {
			return readFault("member slot", err)
		}
		if s == 0 {
			d, err := r.Svarint()
			if err != nil {
				return readFault("member id", err)
			}
			m.ID = last + d
		} else {
			if s > math.MaxInt32 {
				return malformed("member slot %d out of range", s)
			}
			k, err := kids.childAt(int(s - 1))
			if err != nil {
				return err
			}
			if k.typ != m.Type {
				return malformed("member %d declared %s but slot %d holds a %s", i, m.Type, s-1, k.typ)
			}
			m.ID = k.id
		}
		last = m.ID
		if p.composite {
			role, err := r.Uvarint()
			if err != nil {
				return readFault("member role", err)
			}
			if role > math.MaxUint32 {
				return malformed("role id %d out of range", role)
			}
			m.Role = uint32(role)
		}
		members[i] = m
	}
	st.members = members
	return nil
}

func (memberPayload) fill(st *chainState, v *Version) {
	v.Members = st.members
}

func (memberPayload) bbox(_ []Version, children []*Element) BBox {
	b := InvalidBBox
	for _, c := range children {
		b = b.Union(c.BBox())
	}
	return b
}

func fitsInt32(v int64) bool {
	return v >= math.MinInt32 && v <= math.MaxInt32
}
