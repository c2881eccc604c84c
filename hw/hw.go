// Package hw models the fixed-function hardware interface of the geometry
// engine: the dispatch words handed to a merged primitive shader, the
// count-report message consumed by the rasterizer front end, the packed
// primitive connectivity format, and the vertex parameter export records.
//
// Everything in this package is bit-exact. The field layouts are mandated by
// the hardware and must not change; the rest of the module builds on these
// encodings without ever repeating a shift or mask.
package hw

// ChipRev identifies a target chip revision. Workarounds are looked up per
// revision rather than tested inline, so new revisions only touch the table
// below.
type ChipRev uint8

const (
	Rev10_1 ChipRev = iota // first NGG-capable revision
	Rev10_3
	Rev11_0
)

// String returns the marketing-neutral revision name.
func (r ChipRev) String() string {
	switch r {
	case Rev10_1:
		return "gfx10.1"
	case Rev10_3:
		return "gfx10.3"
	case Rev11_0:
		return "gfx11.0"
	}
	return "gfx?"
}

// GPUInfo describes the capabilities and required workarounds of a target
// revision.
type GPUInfo struct {
	Rev ChipRev

	// NoZeroOutputWorkaround is set on revisions that hang when a subgroup
	// reports strictly zero output. When set, a fully culled subgroup must
	// report a single vertex and a single null primitive instead.
	NoZeroOutputWorkaround bool

	// RowExport is set on revisions that launch subgroups row by row and
	// derive the row number from the wave id.
	RowExport bool
}

var gpuInfoTable = map[ChipRev]GPUInfo{
	Rev10_1: {Rev: Rev10_1, NoZeroOutputWorkaround: true},
	Rev10_3: {Rev: Rev10_3, NoZeroOutputWorkaround: true},
	Rev11_0: {Rev: Rev11_0, RowExport: true},
}

// InfoForChip returns the capability entry for a revision. Unknown revisions
// get the most conservative entry (all workarounds active).
func InfoForChip(rev ChipRev) GPUInfo {
	if info, ok := gpuInfoTable[rev]; ok {
		return info
	}
	return GPUInfo{Rev: rev, NoZeroOutputWorkaround: true}
}
