package entity

import (
	"math"

	"github.com/ZanzyTHEbar/histdb/histdb/varint"
)

// Changed-byte bits of one version entry.
const (
	changedUser     = 0x01
	changedTags     = 0x02
	changedGeometry = 0x04
	changedMask     = changedUser | changedTags | changedGeometry
)

// chainState holds the last value seen for every field. Encoder and
// decoder fold the same state over the chain; it is created fresh for
// every pass.
type chainState struct {
	version   int64 // signed: negative marks a deleting version
	timestamp int64
	changeset int64
	user      int64
	tags      Tags
	coord     Coord
	members   []Member

	started     bool
	hasTags     bool
	hasGeometry bool
	changed     Changes // bits of the entry last folded in
}

// Changes tells which optional fields an entry rewrote. An unset bit means
// the value was carried forward from the previous version.
type Changes byte

func (c Changes) User() bool     { return c&changedUser != 0 }
func (c Changes) Tags() bool     { return c&changedTags != 0 }
func (c Changes) Geometry() bool { return c&changedGeometry != 0 }

func newChainState(p payloadCodec, b Bases) chainState {
	st := chainState{timestamp: b.Timestamp}
	p.seed(&st, b)
	return st
}

// changedBits computes which optional fields v has to rewrite.
func changedBits(st *chainState, v *Version, p payloadCodec) byte {
	var c byte
	if !st.started || int64(v.UserID) != st.user {
		c |= changedUser
	}
	if !v.Visible {
		return c
	}
	if !st.hasTags || !v.Tags.Equal(st.tags) {
		c |= changedTags
	}
	if !st.hasGeometry || p.changed(st, v) {
		c |= changedGeometry
	}
	return c
}

// encodeVersion appends one version entry and returns the advanced state.
func encodeVersion(w *varint.Writer, st chainState, v *Version, p payloadCodec, slots slotIndex) chainState {
	signed := int64(v.Version)
	if !v.Visible {
		signed = -signed
	}
	w.Svarint(signed - st.version)
	w.Svarint(v.Timestamp - st.timestamp)
	w.Svarint(v.Changeset - st.changeset)

	changed := changedBits(&st, v, p)
	w.Byte(changed)

	st.version, st.timestamp, st.changeset = signed, v.Timestamp, v.Changeset
	st.changed = Changes(changed)
	if changed&changedUser != 0 {
		w.Svarint(int64(v.UserID) - st.user)
		st.user = int64(v.UserID)
	}
	if changed&changedTags != 0 {
		w.Uvarint(uint64(len(v.Tags)))
		for _, t := range v.Tags {
			w.Uvarint(uint64(t.Key))
			w.Uvarint(uint64(t.Value))
		}
		st.tags, st.hasTags = v.Tags, true
	}
	if changed&changedGeometry != 0 {
		p.encode(w, &st, v, slots)
		st.hasGeometry = true
	}
	st.started = true
	return st
}

func encodeChain(w *varint.Writer, versions []Version, p payloadCodec, slots slotIndex, b Bases) {
	st := newChainState(p, b)
	for i := range versions {
		st = encodeVersion(w, st, &versions[i], p, slots)
	}
}

// decodeVersion reads one entry and materialises the full version from the
// fresh fields and the carried-forward state.
func decodeVersion(r *varint.Reader, st chainState, id int64, p payloadCodec, kids childTable) (Version, chainState, error) {
	dv, err := r.Svarint()
	if err != nil {
		return Version{}, st, readFault("version", err)
	}
	signed := st.version + dv
	if signed == 0 || signed < -math.MaxInt32 || signed > math.MaxInt32 {
		return Version{}, st, malformed("version number %d out of range", signed)
	}
	dt, err := r.Svarint()
	if err != nil {
		return Version{}, st, readFault("timestamp", err)
	}
	dc, err := r.Svarint()
	if err != nil {
		return Version{}, st, readFault("changeset", err)
	}
	changed, err := r.Byte()
	if err != nil {
		return Version{}, st, readFault("changed byte", err)
	}
	if changed&^changedMask != 0 {
		return Version{}, st, malformed("unknown changed bits %#02x", changed)
	}
	visible := signed > 0
	if !visible && changed&(changedTags|changedGeometry) != 0 {
		return Version{}, st, malformed("deleted version %d carries tags or geometry", -signed)
	}
	if !st.started && changed&changedUser == 0 {
		return Version{}, st, malformed("first version omits the author")
	}

	st.version = signed
	st.changed = Changes(changed)
	st.timestamp += dt
	st.changeset += dc

	if changed&changedUser != 0 {
		du, err := r.Svarint()
		if err != nil {
			return Version{}, st, readFault("user id", err)
		}
		u := st.user + du
		if !fitsInt32(u) {
			return Version{}, st, malformed("user id %d out of range", u)
		}
		st.user = u
	}
	if changed&changedTags != 0 {
		tags, err := readTags(r)
		if err != nil {
			return Version{}, st, err
		}
		st.tags, st.hasTags = tags, true
	}
	if changed&changedGeometry != 0 {
		if err := p.decode(r, &st, kids); err != nil {
			return Version{}, st, err
		}
		st.hasGeometry = true
	}
	if visible && (!st.hasTags || !st.hasGeometry) {
		return Version{}, st, malformed("visible version %d has no tags or geometry to carry forward", signed)
	}
	st.started = true

	v := Version{
		ID:        id,
		Version:   int32(abs64(signed)),
		Visible:   visible,
		Timestamp: st.timestamp,
		Changeset: st.changeset,
		UserID:    int32(st.user),
	}
	if visible {
		v.Tags = st.tags
		p.fill(&st, &v)
	}
	return v, st, nil
}

func readTags(r *varint.Reader) (Tags, error) {
	n, err := r.Uvarint()
	if err != nil {
		return nil, readFault("tag count", err)
	}
	if n > uint64(r.Remaining())/2 {
		return nil, malformed("tag count %d exceeds remaining %d bytes", n, r.Remaining())
	}
	if n == 0 {
		return nil, nil
	}
	tags := make(Tags, n)
	for i := range tags {
		k, err := r.Uvarint()
		if err != nil {
			return nil, readFault("tag key", err)
		}
		val, err := r.Uvarint()
		if err != nil {
			return nil, readFault("tag value", err)
		}
		if k > math.MaxUint32 || val > math.MaxUint32 {
			return nil, malformed("tag id out of range")
		}
		if i > 0 && uint32(k) <= tags[i-1].Key {
			return nil, malformed("tag keys not strictly ascending")
		}
		tags[i] = TagPair{Key: uint32(k), Value: uint32(val)}
	}
	return tags, nil
}

// VersionIterator walks a version chain forward, one entry per Next.
// Each iterator owns its state; iterators over the same record are
// independent.
type VersionIterator struct {
	r    *varint.Reader
	st   chainState
	id   int64
	p    payloadCodec
	kids childTable
	cur  Version
	err  error
}

// Next decodes the next version. It returns false at the end of the chain
// or on the first fault, which Err then reports.
func (it *VersionIterator) Next() bool {
	if it.err != nil || it.r.EOF() {
		return false
	}
	v, st, err := decodeVersion(it.r, it.st, it.id, it.p, it.kids)
	if err != nil {
		it.err = err
		return false
	}
	it.cur, it.st = v, st
	return true
}

func (it *VersionIterator) Version() Version { return it.cur }

func (it *VersionIterator) Err() error { return it.err }

// Changed reports which fields the current version rewrote on the wire.
func (it *VersionIterator) Changed() Changes { return it.st.changed }

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
