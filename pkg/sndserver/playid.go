// ABOUTME: Play-id handle encoding
// ABOUTME: Packs a source slot index and reuse counter into one 32-bit handle
package sndserver

// PlayID identifies a single playback instance. The low 16 bits index the
// source slot, the high 16 bits carry the slot's reuse counter, so a handle
// from an earlier playback cannot address a later occupant of the same slot.
//
// After 65536 reuses of one slot the counter wraps and an extremely stale
// handle could collide with a live one. This is an accepted limitation of
// the 32-bit handle; widening it would change the public handle type.
type PlayID uint32

// MakePlayID packs a slot index and play count into a handle.
func MakePlayID(sourceID, playCount uint16) PlayID {
	return PlayID(uint32(playCount)<<16 | uint32(sourceID))
}

// SourceID extracts the source slot index.
func (p PlayID) SourceID() uint16 {
	return uint16(p & 0xFFFF)
}

// PlayCount extracts the slot reuse counter.
func (p PlayID) PlayCount() uint16 {
	return uint16(p >> 16)
}
