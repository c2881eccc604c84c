package emu

import "math/bits"

// LaneMask is a wavefront ballot: bit l is set when lane l satisfied the
// predicate. A 64-bit mask covers both wave sizes; wave-32 ballots simply
// never set the upper half.
type LaneMask uint64

// Ballot evaluates the predicate for every lane of one wavefront in lane
// order and returns the resulting mask.
func Ballot(waveSize uint32, pred func(lane uint32) bool) LaneMask {
	var m LaneMask
	for lane := uint32(0); lane < waveSize; lane++ {
		if pred(lane) {
			m |= 1 << lane
		}
	}
	return m
}

// Count returns the population count of the mask.
func (m LaneMask) Count() uint32 {
	return uint32(bits.OnesCount64(uint64(m)))
}

// CountBelow returns the number of set bits strictly below the given lane,
// the mbcnt operation hardware uses to derive dense per-lane indices.
func (m LaneMask) CountBelow(lane uint32) uint32 {
	return uint32(bits.OnesCount64(uint64(m) & (1<<lane - 1)))
}

// Lane reports whether the given lane's bit is set.
func (m LaneMask) Lane(lane uint32) bool {
	return m&(1<<lane) != 0
}
