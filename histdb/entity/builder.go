package entity

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/ZanzyTHEbar/histdb/histdb/varint"
)

// BuildPoint encodes the full history of one point.
func BuildPoint(versions []Version, b Bases) (Record, *Element, error) {
	return build(Point, versions, nil, b)
}

// BuildLine encodes a line. Every supplied child must be a point; members
// found among the children are embedded, all others stay dangling.
func BuildLine(versions []Version, children []*Element, b Bases) (Record, *Element, error) {
	return build(Line, versions, children, b)
}

// BuildComposite encodes a composite. Children may be points and lines;
// composite members are always dangling.
func BuildComposite(versions []Version, children []*Element, b Bases) (Record, *Element, error) {
	return build(Composite, versions, children, b)
}

// Rebase re-encodes el, including its embedded children, against new
// bases. The record is returned unchanged when the bases already match.
func Rebase(el *Element, b Bases) (Record, error) {
	if el.rec.Bases == b {
		return el.rec, nil
	}
	versions, err := el.AllVersions()
	if err != nil {
		return Record{}, fmt.Errorf("rebase %s %d: %w", el.typ, el.id, err)
	}
	kids := make([]*Element, 0, len(el.children))
	for c, err := range el.Children() {
		if err != nil {
			return Record{}, fmt.Errorf("rebase %s %d: %w", el.typ, el.id, err)
		}
		kids = append(kids, c)
	}
	rec, _, err := build(el.typ, versions, kids, b)
	return rec, err
}

func build(t Type, versions []Version, children []*Element, b Bases) (Record, *Element, error) {
	vs, err := canonicalVersions(t, versions)
	if err != nil {
		return Record{}, nil, err
	}
	kids, blobs, slots, err := embedChildren(t, children, b)
	if err != nil {
		return Record{}, nil, err
	}
	if err := checkMembers(vs, kids, slots); err != nil {
		return Record{}, nil, err
	}

	p := payloadFor(t)
	h := header{
		typ:         t,
		id:          vs[0].ID,
		bbox:        p.bbox(vs, kids),
		hasChildren: len(blobs) > 0,
	}

	size := 16 + 24*len(vs)
	for _, blob := range blobs {
		size += len(blob) + 2
	}
	w := varint.NewWriter(size)
	writeHeader(w, h, b)
	if h.hasChildren {
		writeChildIndex(w, blobs)
	}
	encodeChain(w, vs, p, slots, b)

	rec := Record{Data: w.Bytes(), Bases: b}
	el, err := Decode(rec)
	if err != nil {
		return Record{}, nil, fmt.Errorf("decode freshly built %s %d: %w", t, h.id, err)
	}
	return rec, el, nil
}

// canonicalVersions validates the chain and returns a sorted, normalised
// copy. Deleted versions lose their tags and geometry here since the wire
// format cannot carry them.
func canonicalVersions(t Type, versions []Version) ([]Version, error) {
	if len(versions) == 0 {
		return nil, ErrNoVersions
	}
	id := versions[0].ID
	out := make([]Version, len(versions))
	for i, v := range versions {
		if v.ID != id {
			return nil, fmt.Errorf("%w: %d and %d", ErrMixedIDs, id, v.ID)
		}
		if v.Version <= 0 {
			return nil, fmt.Errorf("%w: %s %d has version %d", ErrInvalidVersion, t, id, v.Version)
		}
		if !v.Visible {
			v.Tags, v.Coord, v.Members = nil, Coord{}, nil
			out[i] = v
			continue
		}
		tags, err := v.Tags.canonical()
		if err != nil {
			return nil, fmt.Errorf("%s %d version %d: %w", t, id, v.Version, err)
		}
		v.Tags = tags
		switch t {
		case Point:
			v.Members = nil
		case Line:
			v.Coord = Coord{}
			v.Members = slices.Clone(v.Members)
			for j := range v.Members {
				if v.Members[j].Type != Point {
					return nil, fmt.Errorf("%w: line %d references %s %d", ErrWrongFamily, id, v.Members[j].Type, v.Members[j].ID)
				}
				v.Members[j].Role = 0
			}
		case Composite:
			v.Coord = Coord{}
			v.Members = slices.Clone(v.Members)
			for _, m := range v.Members {
				if !m.Type.Valid() {
					return nil, fmt.Errorf("%w: composite %d references %s %d", ErrWrongFamily, id, m.Type, m.ID)
				}
			}
		}
		out[i] = v
	}
	slices.SortStableFunc(out, func(a, b Version) int {
		return cmp.Compare(a.Version, b.Version)
	})
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, fmt.Errorf("%w: %s %d version %d", ErrDuplicateVersion, t, id, out[i].Version)
		}
	}
	return out, nil
}

// embedChildren re-serialises children against the parent's bases and lays
// them out in id order.
func embedChildren(t Type, children []*Element, b Bases) ([]*Element, [][]byte, slotIndex, error) {
	if len(children) == 0 {
		return nil, nil, nil, nil
	}
	kids := slices.Clone(children)
	SortElements(kids)

	blobs := make([][]byte, len(kids))
	slots := make(slotIndex, len(kids))
	for i, c := range kids {
		if !allowedChild(t, c.typ) {
			return nil, nil, nil, fmt.Errorf("%w: %s cannot embed %s %d", ErrWrongFamily, t, c.typ, c.id)
		}
		key := childKey{typ: c.typ, id: c.id}
		if _, dup := slots[key]; dup {
			return nil, nil, nil, fmt.Errorf("%w: %s %d", ErrDuplicateChild, c.typ, c.id)
		}
		rec, err := Rebase(c, b)
		if err != nil {
			return nil, nil, nil, err
		}
		blobs[i] = rec.Data
		slots[key] = i
	}
	return kids, blobs, slots, nil
}

// checkMembers rejects a member whose id is only embedded under another
// family; resolving it would silently pick the wrong element.
func checkMembers(vs []Version, kids []*Element, slots slotIndex) error {
	if len(kids) == 0 {
		return nil
	}
	families := make(map[int64][]Type, len(kids))
	for _, c := range kids {
		families[c.id] = append(families[c.id], c.typ)
	}
	for _, v := range vs {
		for _, m := range v.Members {
			if _, ok := slots[childKey{typ: m.Type, id: m.ID}]; ok {
				continue
			}
			if types, clash := families[m.ID]; clash {
				return fmt.Errorf("%w: member %s %d but only %v %d was supplied", ErrWrongFamily, m.Type, m.ID, types, m.ID)
			}
		}
	}
	return nil
}
