// Package entity implements the byte format of versioned elements: one
// immutable record per element holding its complete version history and,
// for lines and composites, by-value copies of the children it references.
//
// Record layout (all integers are base-128 varints, s = zigzag signed):
//
//	record        := header_byte s(id-base) [bbox]? [child_index child_blob]? version_chain
//	bbox          := s(minLon-base) s(minLat-base) s(maxLon-base) s(maxLat-base)
//	child_index   := count offset_delta{count} blob_length
//	version_chain := entry*
//	entry         := s(version) s(timestamp) s(changeset) changed
//	                 [s(user)]? [count (key value){count}]? [payload]?
//
// Every delta in an entry is taken against the same field of the entry
// before it. Point payloads are a coordinate delta; line payloads a member
// list where each member is either slot+1 into the child table or 0
// followed by an id delta against the previous member. Composite members
// add a family prefix and a role suffix.
package entity
