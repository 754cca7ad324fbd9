package entity

import (
	"cmp"
	"fmt"
	"iter"
	"slices"

	"github.com/ZanzyTHEbar/histdb/histdb/varint"
)

// Element is a read-only decoded view over one record. Header and child
// index are parsed by Decode; versions and children are decoded lazily.
// An Element may be read from several goroutines.
type Element struct {
	rec      Record
	typ      Type
	id       int64
	bbox     BBox
	chain    []byte
	children []*childSlot
	index    slotIndex
}

// Decode wraps a record. rec.Bases must be the bases the bytes were built
// with; a mismatch cannot be detected and shifts every delta.
func Decode(rec Record) (*Element, error) {
	r := varint.NewReader(rec.Data)
	h, err := readHeader(r, rec.Bases)
	if err != nil {
		return nil, err
	}
	el := &Element{rec: rec, typ: h.typ, id: h.id, bbox: h.bbox}
	if h.hasChildren {
		el.children, err = readChildIndex(r, h.typ, rec.Bases)
		if err != nil {
			return nil, fmt.Errorf("%s %d: %w", h.typ, h.id, err)
		}
		el.index = make(slotIndex, len(el.children))
		for i, c := range el.children {
			if _, dup := el.index[c.key]; dup {
				return nil, malformed("%s %d embeds %s %d twice", h.typ, h.id, c.key.typ, c.key.id)
			}
			el.index[c.key] = i
		}
	}
	el.chain = rec.Data[r.Pos():]
	if len(el.chain) == 0 {
		return nil, malformed("%s %d has an empty version chain", h.typ, h.id)
	}
	return el, nil
}

func (e *Element) Type() Type { return e.typ }

func (e *Element) ID() int64 { return e.id }

// BBox is the stored bounding box, or InvalidBBox when no visible version
// contributed one.
func (e *Element) BBox() BBox { return e.bbox }

func (e *Element) Record() Record { return e.rec }

// Versions starts a fresh pass over the version chain.
func (e *Element) Versions() *VersionIterator {
	p := payloadFor(e.typ)
	return &VersionIterator{
		r:    varint.NewReader(e.chain),
		st:   newChainState(p, e.rec.Bases),
		id:   e.id,
		p:    p,
		kids: e,
	}
}

// All yields every version in stored order and stops at the first fault.
func (e *Element) All() iter.Seq2[Version, error] {
	return func(yield func(Version, error) bool) {
		it := e.Versions()
		for it.Next() {
			if !yield(it.Version(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(Version{}, err)
		}
	}
}

// AllVersions decodes the whole chain.
func (e *Element) AllVersions() ([]Version, error) {
	var out []Version
	it := e.Versions()
	for it.Next() {
		out = append(out, it.Version())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Latest returns the last stored version.
func (e *Element) Latest() (Version, error) {
	var last Version
	it := e.Versions()
	for it.Next() {
		last = it.Version()
	}
	return last, it.Err()
}

// VersionAt returns the version valid at ts: the last one whose timestamp
// is not after ts. The scan stops at the first later version.
func (e *Element) VersionAt(ts int64) (Version, bool, error) {
	var (
		found Version
		ok    bool
	)
	it := e.Versions()
	for it.Next() {
		v := it.Version()
		if v.Timestamp > ts {
			break
		}
		found, ok = v, true
	}
	if err := it.Err(); err != nil {
		return Version{}, false, err
	}
	return found, ok, nil
}

// NumChildren is the number of embedded children.
func (e *Element) NumChildren() int { return len(e.children) }

// Child decodes the embedded child in slot i.
func (e *Element) Child(i int) (*Element, error) {
	if i < 0 || i >= len(e.children) {
		return nil, fmt.Errorf("child slot %d out of range [0,%d)", i, len(e.children))
	}
	return e.children[i].element(e.rec.Bases)
}

// Children yields embedded children in offset order.
func (e *Element) Children() iter.Seq2[*Element, error] {
	return func(yield func(*Element, error) bool) {
		for i := range e.children {
			c, err := e.Child(i)
			if !yield(c, err) || err != nil {
				return
			}
		}
	}
}

// Resolve returns the embedded element a member points to. ok is false for
// a dangling member; that is not an error.
func (e *Element) Resolve(m Member) (el *Element, ok bool, err error) {
	i, found := e.index[childKey{typ: m.Type, id: m.ID}]
	if !found {
		return nil, false, nil
	}
	el, err = e.Child(i)
	if err != nil {
		return nil, false, err
	}
	return el, true, nil
}

// IsEmbedded reports whether m resolves without an external lookup.
func (e *Element) IsEmbedded(m Member) bool {
	_, ok := e.index[childKey{typ: m.Type, id: m.ID}]
	return ok
}

func (e *Element) childAt(slot int) (childKey, error) {
	if slot < 0 || slot >= len(e.children) {
		return childKey{}, malformed("member slot %d out of range [0,%d)", slot, len(e.children))
	}
	return e.children[slot].key, nil
}

// HasTagKey reports whether any visible version carries key.
func (e *Element) HasTagKey(key uint32) (bool, error) {
	return e.anyVersion(func(v Version) bool { return v.Tags.HasKey(key) })
}

// HasTag reports whether any visible version carries key=value.
func (e *Element) HasTag(key, value uint32) (bool, error) {
	return e.anyVersion(func(v Version) bool {
		got, ok := v.Tags.Get(key)
		return ok && got == value
	})
}

func (e *Element) anyVersion(match func(Version) bool) (bool, error) {
	it := e.Versions()
	for it.Next() {
		if v := it.Version(); v.Visible && match(v) {
			return true, nil
		}
	}
	return false, it.Err()
}

// ModificationTimestamps lists every timestamp at which the element's
// observable state changed: its own versions, plus for lines and
// composites the versions of embedded members that happened while a
// visible version referenced them. The result is sorted and unique.
func (e *Element) ModificationTimestamps() ([]int64, error) {
	versions, err := e.AllVersions()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(versions))
	for _, v := range versions {
		out = append(out, v.Timestamp)
	}
	for i, v := range versions {
		if !v.Visible {
			continue
		}
		from, until, bounded := v.Timestamp, int64(0), i+1 < len(versions)
		if bounded {
			until = versions[i+1].Timestamp
		}
		for _, m := range v.Members {
			child, ok, err := e.Resolve(m)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			ts, err := child.ModificationTimestamps()
			if err != nil {
				return nil, err
			}
			for _, t := range ts {
				if t > from && (!bounded || t < until) {
					out = append(out, t)
				}
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Compare orders elements by id, then family. It is a strict total order
// over distinct elements and agrees with numeric id order.
func Compare(a, b *Element) int {
	if c := cmp.Compare(a.id, b.id); c != 0 {
		return c
	}
	return cmp.Compare(a.typ, b.typ)
}

// SortElements sorts in place using Compare.
func SortElements(els []*Element) {
	slices.SortFunc(els, Compare)
}
