package entity

import (
	"sync"

	"github.com/ZanzyTHEbar/histdb/histdb/varint"
)

// writeChildIndex emits the offset table and the concatenated blob of
// already encoded child records.
func writeChildIndex(w *varint.Writer, blobs [][]byte) {
	w.Uvarint(uint64(len(blobs)))
	var offset, prev int
	for _, b := range blobs {
		w.Uvarint(uint64(offset - prev))
		prev = offset
		offset += len(b)
	}
	w.Uvarint(uint64(offset))
	for _, b := range blobs {
		w.Raw(b)
	}
}

// childSlot is one entry of a parent's child arena. The header is parsed
// up front; the full element is decoded on first use.
type childSlot struct {
	key  childKey
	data []byte

	once sync.Once
	el   *Element
	err  error
}

func (s *childSlot) element(b Bases) (*Element, error) {
	s.once.Do(func() {
		s.el, s.err = Decode(Record{Data: s.data, Bases: b})
	})
	return s.el, s.err
}

// readChildIndex parses the offset table and slices the blob into child
// records without copying. Child headers are read so members can be
// matched against slots.
func readChildIndex(r *varint.Reader, parent Type, b Bases) ([]*childSlot, error) {
	n, err := r.Uvarint()
	if err != nil {
		return nil, readFault("child count", err)
	}
	if n == 0 {
		return nil, malformed("child index present with no children")
	}
	if n > uint64(r.Remaining()) {
		return nil, malformed("child count %d exceeds remaining %d bytes", n, r.Remaining())
	}
	offsets := make([]uint64, n)
	var offset uint64
	for i := range offsets {
		d, err := r.Uvarint()
		if err != nil {
			return nil, readFault("child offset", err)
		}
		if i == 0 && d != 0 {
			return nil, malformed("first child offset is %d, want 0", d)
		}
		if i > 0 && d == 0 {
			return nil, malformed("child %d has zero length", i-1)
		}
		if d > uint64(r.Remaining()) {
			return nil, malformed("child offset delta %d exceeds remaining %d bytes", d, r.Remaining())
		}
		offset += d
		offsets[i] = offset
	}
	total, err := r.Uvarint()
	if err != nil {
		return nil, readFault("child blob length", err)
	}
	if total > uint64(r.Remaining()) {
		return nil, malformed("child blob of %d bytes does not fit the record", total)
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] <= offsets[i-1] {
			return nil, malformed("child offsets not ascending at %d", i)
		}
	}
	if offsets[n-1] >= total {
		return nil, malformed("last child offset %d outside blob of %d bytes", offsets[n-1], total)
	}
	blob, err := r.Raw(int(total))
	if err != nil {
		return nil, readFault("child blob", err)
	}

	slots := make([]*childSlot, n)
	for i := range slots {
		end := total
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		data := blob[offsets[i]:end:end]
		h, err := readHeader(varint.NewReader(data), b)
		if err != nil {
			return nil, err
		}
		if !allowedChild(parent, h.typ) {
			return nil, malformed("%s record embeds a %s", parent, h.typ)
		}
		slots[i] = &childSlot{key: childKey{typ: h.typ, id: h.id}, data: data}
	}
	return slots, nil
}

// allowedChild encodes the recursion bound: composites embed lines and
// points, lines embed points, points embed nothing.
func allowedChild(parent, child Type) bool {
	switch parent {
	case Line:
		return child == Point
	case Composite:
		return child == Point || child == Line
	default:
		return false
	}
}
