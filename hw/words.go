package hw

import "fmt"

// MaxSubgroupSize is the hardware limit on vertices or primitives per
// subgroup.
const MaxSubgroupSize = 256

// CountWord is the count-report message sent to the rasterizer front end
// before any primitive or vertex data:
//
//	[10:0]  vertex count
//	[22:12] primitive count
type CountWord uint32

// PackCountReport packs final subgroup counts into a count-report word.
// Counts beyond the subgroup limit indicate a compaction defect and are
// fatal.
func PackCountReport(vertCount, primCount uint32) CountWord {
	if vertCount > MaxSubgroupSize || primCount > MaxSubgroupSize {
		panic(fmt.Sprintf("hw: count report out of range (%d vertices, %d primitives)", vertCount, primCount))
	}
	return CountWord(vertCount | primCount<<12)
}

// VertexCount extracts the reported vertex count.
func (c CountWord) VertexCount() uint32 { return uint32(c) & 0x7FF }

// PrimitiveCount extracts the reported primitive count.
func (c CountWord) PrimitiveCount() uint32 { return uint32(c) >> 12 & 0x7FF }

// NormalizeCounts applies the front-end rule that a subgroup exporting zero
// of either kind exports zero of both, so the rasterizer never sees vertices
// without primitives or vice versa.
func NormalizeCounts(vertCount, primCount uint32) (uint32, uint32) {
	if vertCount == 0 || primCount == 0 {
		return 0, 0
	}
	return vertCount, primCount
}

// ConnectivityWord is the packed per-primitive connectivity record:
//
//	[8:0]   index of vertex 0
//	[18:10] index of vertex 1
//	[28:20] index of vertex 2
//	[31]    null primitive flag
//
// Vertex indices are relative to the subgroup, so 9 bits cover the full
// 256-vertex range.
type ConnectivityWord uint32

// NullPrimitive is the culled/never-allocated flag bit.
const NullPrimitive ConnectivityWord = 1 << 31

const vertexIndexMask = 0x1FF

// PackConnectivity packs three subgroup-relative vertex indices and the null
// flag into a connectivity word.
func PackConnectivity(v0, v1, v2 uint32, null bool) ConnectivityWord {
	if v0 >= MaxSubgroupSize || v1 >= MaxSubgroupSize || v2 >= MaxSubgroupSize {
		panic("hw: connectivity vertex index out of range")
	}
	w := ConnectivityWord(v0 | v1<<10 | v2<<20)
	if null {
		w |= NullPrimitive
	}
	return w
}

// Vertex0 extracts the first vertex index.
func (w ConnectivityWord) Vertex0() uint32 { return uint32(w) & vertexIndexMask }

// Vertex1 extracts the second vertex index.
func (w ConnectivityWord) Vertex1() uint32 { return uint32(w) >> 10 & vertexIndexMask }

// Vertex2 extracts the third vertex index.
func (w ConnectivityWord) Vertex2() uint32 { return uint32(w) >> 20 & vertexIndexMask }

// IsNull reports whether the primitive is culled or was never allocated.
func (w ConnectivityWord) IsNull() bool { return w&NullPrimitive != 0 }

// WithNull returns the word with the null flag set or cleared, leaving the
// index fields intact. The flag and the indices are written by different
// operations on hardware (clear then atomic OR), so they must compose.
func (w ConnectivityWord) WithNull(null bool) ConnectivityWord {
	if null {
		return w | NullPrimitive
	}
	return w &^ NullPrimitive
}

// ExportTarget identifies a hardware export slot.
type ExportTarget uint8

const (
	// TargetPosition is position slot 0. Always present.
	TargetPosition ExportTarget = iota
	// TargetDistance is the clip/cull distance slot. It lands in position
	// slot 1, or slot 2 when another system value occupies slot 1.
	TargetDistance
	// TargetAttribute is a generic parameter slot; Export.Slot selects which.
	TargetAttribute
)

// String names the target for diagnostics.
func (t ExportTarget) String() string {
	switch t {
	case TargetPosition:
		return "position"
	case TargetDistance:
		return "distance"
	case TargetAttribute:
		return "attribute"
	}
	return "unknown"
}

// Export is one hardware export operation: up to four components delivered to
// a fixed-function slot. Done must be set on exactly one export per target
// per subgroup; the hardware uses it to retire the target.
type Export struct {
	Target ExportTarget
	Slot   uint32 // parameter slot for TargetAttribute, ignored otherwise
	Values [4]float32
	Mask   uint8 // bit per live component, low bit = x
	Done   bool
}
