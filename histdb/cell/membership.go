package cell

import (
	"fmt"

	"github.com/ZanzyTHEbar/histdb/histdb/entity"
	"github.com/ZanzyTHEbar/histdb/histdb/varint"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// Membership records which element ids a cell holds, one bitmap per family.
type Membership struct {
	sets [3]*roaring64.Bitmap
}

func NewMembership() *Membership {
	m := &Membership{}
	for i := range m.sets {
		m.sets[i] = roaring64.New()
	}
	return m
}

// ids are signed; flipping the sign bit keeps their order in the bitmap.
func toKey(id int64) uint64 { return uint64(id) ^ (1 << 63) }
func fromKey(k uint64) int64 { return int64(k ^ (1 << 63)) }

func (m *Membership) set(t entity.Type) *roaring64.Bitmap {
	if !t.Valid() {
		return nil
	}
	return m.sets[t]
}

func (m *Membership) Add(t entity.Type, id int64) {
	if s := m.set(t); s != nil {
		s.Add(toKey(id))
	}
}

func (m *Membership) Contains(t entity.Type, id int64) bool {
	s := m.set(t)
	return s != nil && s.Contains(toKey(id))
}

func (m *Membership) Count(t entity.Type) uint64 {
	if s := m.set(t); s != nil {
		return s.GetCardinality()
	}
	return 0
}

// IDs lists the members of one family in ascending order.
func (m *Membership) IDs(t entity.Type) []int64 {
	s := m.set(t)
	if s == nil {
		return nil
	}
	out := make([]int64, 0, s.GetCardinality())
	it := s.Iterator()
	for it.HasNext() {
		out = append(out, fromKey(it.Next()))
	}
	return out
}

// Union adds every member of o to m.
func (m *Membership) Union(o *Membership) {
	for i := range m.sets {
		m.sets[i].Or(o.sets[i])
	}
}

// MarshalBinary writes the three bitmaps, each length-prefixed.
func (m *Membership) MarshalBinary() ([]byte, error) {
	w := varint.NewWriter(64)
	for i, s := range m.sets {
		s.RunOptimize()
		b, err := s.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal %s bitmap: %w", entity.Type(i), err)
		}
		w.Uvarint(uint64(len(b)))
		w.Raw(b)
	}
	return w.Bytes(), nil
}

func (m *Membership) UnmarshalBinary(data []byte) error {
	r := varint.NewReader(data)
	for i := range m.sets {
		n, err := r.Uvarint()
		if err != nil {
			return fmt.Errorf("%w: %s length: %w", ErrMembershipCorrupt, entity.Type(i), err)
		}
		if n > uint64(r.Remaining()) {
			return fmt.Errorf("%w: %s bitmap of %d bytes exceeds input", ErrMembershipCorrupt, entity.Type(i), n)
		}
		b, err := r.Raw(int(n))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMembershipCorrupt, err)
		}
		s := roaring64.New()
		if err := s.UnmarshalBinary(b); err != nil {
			return fmt.Errorf("%w: %s bitmap: %w", ErrMembershipCorrupt, entity.Type(i), err)
		}
		m.sets[i] = s
	}
	if !r.EOF() {
		return fmt.Errorf("%w: %d trailing bytes", ErrMembershipCorrupt, r.Remaining())
	}
	return nil
}
