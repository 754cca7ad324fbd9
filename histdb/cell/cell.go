package cell

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/ZanzyTHEbar/histdb/histdb/entity"
	"github.com/ZanzyTHEbar/histdb/histdb/varint"
)

// Container layout (little-endian fixed fields, varints elsewhere):
// [magic 'HDBC'] [u32 version] [u8 zoom] [u32 x] [u32 y]
// [svarint id, timestamp, lon, lat bases] [uvarint n] n x ([uvarint len] record)
const (
	containerMagic   = "HDBC"
	containerVersion = 1
	fixedHeaderLen   = 4 + 4 + 1 + 4 + 4
)

// Cell is one partition: element records sorted by id then family, all
// encoded against the same bases.
type Cell struct {
	Key     Key
	Bases   entity.Bases
	Records [][]byte
}

func (c *Cell) Len() int { return len(c.Records) }

// Record binds record i to the cell's bases.
func (c *Cell) Record(i int) entity.Record {
	return entity.Record{Data: c.Records[i], Bases: c.Bases}
}

// Element decodes record i.
func (c *Cell) Element(i int) (*entity.Element, error) {
	if i < 0 || i >= len(c.Records) {
		return nil, fmt.Errorf("record %d out of range [0,%d) in cell %s", i, len(c.Records), c.Key)
	}
	el, err := entity.Decode(c.Record(i))
	if err != nil {
		return nil, fmt.Errorf("cell %s record %d: %w", c.Key, i, err)
	}
	return el, nil
}

// Elements decodes every record in stored order.
func (c *Cell) Elements() ([]*entity.Element, error) {
	out := make([]*entity.Element, len(c.Records))
	for i := range c.Records {
		el, err := c.Element(i)
		if err != nil {
			return nil, err
		}
		out[i] = el
	}
	return out, nil
}

// Find looks up a top-level element. Embedded children are not searched.
func (c *Cell) Find(t entity.Type, id int64) (*entity.Element, bool, error) {
	els, err := c.Elements()
	if err != nil {
		return nil, false, err
	}
	i, ok := slices.BinarySearchFunc(els, id, func(el *entity.Element, id int64) int {
		if d := cmp.Compare(el.ID(), id); d != 0 {
			return d
		}
		return cmp.Compare(el.Type(), t)
	})
	if !ok {
		return nil, false, nil
	}
	return els[i], true, nil
}

// Membership lists the top-level elements of the cell.
func (c *Cell) Membership() (*Membership, error) {
	m := NewMembership()
	for i := range c.Records {
		el, err := c.Element(i)
		if err != nil {
			return nil, err
		}
		m.Add(el.Type(), el.ID())
	}
	return m, nil
}

// Rebased returns a copy of c with every record re-encoded against b.
func (c *Cell) Rebased(b entity.Bases) (*Cell, error) {
	out := &Cell{Key: c.Key, Bases: b, Records: make([][]byte, len(c.Records))}
	for i := range c.Records {
		el, err := c.Element(i)
		if err != nil {
			return nil, err
		}
		rec, err := entity.Rebase(el, b)
		if err != nil {
			return nil, fmt.Errorf("cell %s: %w", c.Key, err)
		}
		out.Records[i] = rec.Data
	}
	return out, nil
}

// Marshal serialises the cell into its container form.
func (c *Cell) Marshal() []byte {
	size := fixedHeaderLen + 4*binary.MaxVarintLen64 + binary.MaxVarintLen64
	for _, r := range c.Records {
		size += len(r) + binary.MaxVarintLen32
	}
	buf := make([]byte, 0, size)
	buf = append(buf, containerMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, containerVersion)
	buf = append(buf, c.Key.Zoom)
	buf = binary.LittleEndian.AppendUint32(buf, c.Key.X)
	buf = binary.LittleEndian.AppendUint32(buf, c.Key.Y)

	w := varint.NewWriter(size - len(buf))
	w.Svarint(c.Bases.ID)
	w.Svarint(c.Bases.Timestamp)
	w.Svarint(int64(c.Bases.Lon))
	w.Svarint(int64(c.Bases.Lat))
	w.Uvarint(uint64(len(c.Records)))
	for _, r := range c.Records {
		w.Uvarint(uint64(len(r)))
		w.Raw(r)
	}
	return append(buf, w.Bytes()...)
}

// Unmarshal parses a container. Records alias data; the caller must not
// modify data while the cell is in use.
func Unmarshal(data []byte) (*Cell, error) {
	if len(data) < fixedHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrBadContainer, len(data))
	}
	if string(data[:4]) != containerMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadContainer, data[:4])
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != containerVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadContainer, v)
	}
	c := &Cell{Key: Key{
		Zoom: data[8],
		X:    binary.LittleEndian.Uint32(data[9:13]),
		Y:    binary.LittleEndian.Uint32(data[13:17]),
	}}
	if !c.Key.Valid() {
		return nil, fmt.Errorf("%w: key %s outside the grid", ErrBadContainer, c.Key)
	}

	r := varint.NewReader(data[fixedHeaderLen:])
	var bases [4]int64
	for i := range bases {
		v, err := r.Svarint()
		if err != nil {
			return nil, fmt.Errorf("%w: bases: %w", ErrBadContainer, err)
		}
		bases[i] = v
	}
	if !fitsInt32(bases[2]) || !fitsInt32(bases[3]) {
		return nil, fmt.Errorf("%w: base coordinate out of range", ErrBadContainer)
	}
	c.Bases = entity.Bases{ID: bases[0], Timestamp: bases[1], Lon: int32(bases[2]), Lat: int32(bases[3])}

	n, err := r.Uvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: record count: %w", ErrBadContainer, err)
	}
	if n > uint64(r.Remaining()) {
		return nil, fmt.Errorf("%w: %d records cannot fit in %d bytes", ErrBadContainer, n, r.Remaining())
	}
	c.Records = make([][]byte, n)
	for i := range c.Records {
		l, err := r.Uvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: record %d length: %w", ErrBadContainer, i, err)
		}
		if l == 0 || l > uint64(r.Remaining()) {
			return nil, fmt.Errorf("%w: record %d length %d", ErrBadContainer, i, l)
		}
		rec, err := r.Raw(int(l))
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %w", ErrBadContainer, i, err)
		}
		c.Records[i] = rec
	}
	if !r.EOF() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadContainer, r.Remaining())
	}
	return c, nil
}

func fitsInt32(v int64) bool {
	return v >= -1<<31 && v < 1<<31
}
