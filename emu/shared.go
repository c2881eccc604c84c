package emu

import (
	"fmt"
	"math"

	"honnef.co/go/safeish"

	"github.com/gogpu/primshader/lds"
)

// SharedMem is one subgroup's scratch arena, laid out by the region planner.
// Lanes address it by byte offset the way hardware shared memory is
// addressed; the dword view is a reinterpretation of the same bytes, so
// region aliasing behaves exactly as planned.
//
// Lockstep execution is emulated by running lanes sequentially, which makes
// plain read-modify-write an exact model of the hardware atomics: within one
// phase no two lanes ever interleave.
type SharedMem struct {
	layout *lds.Layout
	arena  []byte
	words  []uint32
}

// NewSharedMem allocates the arena for one subgroup.
func NewSharedMem(layout *lds.Layout) *SharedMem {
	size := (layout.TotalBytes() + 3) &^ 3
	arena := make([]byte, size)
	return &SharedMem{
		layout: layout,
		arena:  arena,
		words:  safeish.SliceCast[[]uint32](arena),
	}
}

// Layout returns the region plan the arena was sized from.
func (m *SharedMem) Layout() *lds.Layout { return m.layout }

// Reset zeroes the arena for the next subgroup.
func (m *SharedMem) Reset() {
	clear(m.words)
}

func (m *SharedMem) wordIndex(byteOffset uint32) uint32 {
	if byteOffset%4 != 0 {
		panic(fmt.Sprintf("emu: misaligned shared-memory access at %#x", byteOffset))
	}
	if byteOffset >= uint32(len(m.arena)) {
		panic(fmt.Sprintf("emu: shared-memory access at %#x beyond %#x", byteOffset, len(m.arena)))
	}
	return byteOffset / 4
}

// Word reads one dword.
func (m *SharedMem) Word(byteOffset uint32) uint32 {
	return m.words[m.wordIndex(byteOffset)]
}

// SetWord writes one dword.
func (m *SharedMem) SetWord(byteOffset, v uint32) {
	m.words[m.wordIndex(byteOffset)] = v
}

// OrWord ORs bits into one dword and returns the previous value.
func (m *SharedMem) OrWord(byteOffset, bitsToSet uint32) uint32 {
	i := m.wordIndex(byteOffset)
	old := m.words[i]
	m.words[i] = old | bitsToSet
	return old
}

// AddWord adds to one dword and returns the previous value.
func (m *SharedMem) AddWord(byteOffset, v uint32) uint32 {
	i := m.wordIndex(byteOffset)
	old := m.words[i]
	m.words[i] = old + v
	return old
}

// Float reads one dword as a float32, bit for bit.
func (m *SharedMem) Float(byteOffset uint32) float32 {
	return math.Float32frombits(m.Word(byteOffset))
}

// SetFloat writes one float32 as a dword, bit for bit.
func (m *SharedMem) SetFloat(byteOffset uint32, v float32) {
	m.SetWord(byteOffset, math.Float32bits(v))
}

// RegionWords returns the dword view of one planned region.
func (m *SharedMem) RegionWords(r lds.Region) []uint32 {
	s := m.layout.Span(r)
	return m.words[s.Offset/4 : s.End()/4]
}
