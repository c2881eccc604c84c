// Package lds plans the layout of the shared scratch memory one subgroup of a
// primitive shader uses for cross-wave communication.
//
// The plan is computed once per pipeline configuration from worst-case bounds
// (256 threads per subgroup, a bounded wave count) and is fixed for the life
// of the pipeline. Regions are non-overlapping except where two regions are
// deliberately time-multiplexed because their read/write phases never overlap
// within one subgroup's execution; such aliasing is an intentional space
// optimization and part of the layout contract.
package lds

import (
	"fmt"
	"strings"

	"golang.org/x/exp/constraints"
)

// MaxThreadsPerSubgroup is the hardware limit the planner sizes regions for.
const MaxThreadsPerSubgroup = 256

// Region names a logical range of shared scratch memory.
type Region uint8

const (
	// RegionDistributedPrimitiveID holds one dword per vertex thread used to
	// hand the primitive id from primitive threads to vertex threads.
	RegionDistributedPrimitiveID Region = iota

	// RegionVertexPosition holds the fetched clip-space position, four dwords
	// per vertex.
	RegionVertexPosition

	// RegionVertexCullInfo holds the per-vertex ephemeral record: draw flag,
	// compacted index, cull-distance sign mask, and the re-materialization
	// fields deferred export needs once compaction reassigns lanes.
	RegionVertexCullInfo

	// RegionVertexCounts holds one dword per wave plus a sentinel slot. After
	// the counting phase, slot w holds wave w's exclusive prefix and the
	// sentinel holds the subgroup total.
	RegionVertexCounts

	// RegionCompactionMap holds the forward map from compacted vertex index
	// back to the original subgroup-relative index, one dword per vertex.
	RegionCompactionMap

	// RegionXfbStats is aliased byte-for-byte onto RegionCompactionMap: the
	// map is consumed before transform feedback begins, so the space is
	// reused for the reserved buffer offset and the clamped primitive count.
	RegionXfbStats

	// RegionXfbOutput stages captured transform-feedback outputs until buffer
	// space has been reserved.
	RegionXfbOutput

	// RegionPrimitiveData holds one connectivity dword per primitive. The
	// null flag and the index fields are written by separate operations
	// (clear then OR), so the region must persist across both.
	RegionPrimitiveData

	numRegions
)

var regionNames = [numRegions]string{
	"Distributed Primitive ID",
	"Vertex Position",
	"Vertex Cull Info",
	"Vertex Counts",
	"Compaction Map",
	"XFB Statistics",
	"XFB Output",
	"Primitive Data",
}

// String returns the diagnostic name of the region.
func (r Region) String() string {
	if int(r) < len(regionNames) {
		return regionNames[r]
	}
	return "Unknown"
}

// Config selects which regions a pipeline configuration needs and how large
// the variable ones are.
type Config struct {
	// WaveSize is the wavefront width, 32 or 64.
	WaveSize uint32

	// VertexCulling enables the culling/compaction regions.
	VertexCulling bool

	// Compaction enables the compacted-index map.
	Compaction bool

	// CullDistance reserves the sign-mask field in the cull-info record.
	CullDistance bool

	// HasGeometryStage marks a pipeline with an API geometry shader. The
	// vertex cull-info record is only valid without one.
	HasGeometryStage bool

	// DistributePrimitiveID reserves the primitive id hand-off region.
	DistributePrimitiveID bool

	// TessellationEval marks a tessellation-evaluation front end; deferred
	// export then re-materializes the patch coordinate instead of the vertex
	// id.
	TessellationEval bool

	// Xfb enables the transform-feedback staging and statistics regions.
	Xfb bool

	// XfbDwordsPerVertex is the number of captured dwords staged per vertex.
	XfbDwordsPerVertex uint32
}

// DefaultConfig returns a culling configuration for a plain vertex pipeline.
func DefaultConfig() Config {
	return Config{
		WaveSize:      64,
		VertexCulling: true,
		Compaction:    true,
	}
}

// Span is one planned region: a byte offset and size within the subgroup's
// scratch allocation.
type Span struct {
	Offset uint32
	Size   uint32
}

// End returns the first byte past the span.
func (s Span) End() uint32 { return s.Offset + s.Size }

// CullInfoOffsets locates the fields of the per-vertex cull-info record
// within one record. Fields a configuration does not need have Size zero.
type CullInfoOffsets struct {
	CullDistanceSignMask Span
	DrawFlag             Span
	CompactedIndex       Span
	XfbOutputs           Span
	PatchCoord           Span // two dwords (u, v) for tessellation
	VertexID             Span
	InstanceID           Span
	PrimitiveID          Span
}

// Layout is the planned region table for one configuration.
type Layout struct {
	cfg      Config
	spans    [numRegions]Span
	present  [numRegions]bool
	total    uint32
	cullInfo CullInfoOffsets
	itemSize uint32 // cull-info record stride in bytes
}

const dwordSize = 4

// alignUp rounds v up to the next multiple of to, which must be a power of
// two.
func alignUp[T constraints.Unsigned](v, to T) T {
	return (v + to - 1) &^ (to - 1)
}

// Plan computes the region table for a configuration. The returned layout is
// immutable; callers share it across subgroups.
func Plan(cfg Config) (*Layout, error) {
	if cfg.WaveSize != 32 && cfg.WaveSize != 64 {
		return nil, fmt.Errorf("lds: wave size must be 32 or 64, got %d", cfg.WaveSize)
	}
	if cfg.VertexCulling && cfg.HasGeometryStage {
		return nil, fmt.Errorf("lds: vertex cull-info region is only valid without a geometry stage")
	}
	if cfg.Xfb && cfg.XfbDwordsPerVertex == 0 {
		return nil, fmt.Errorf("lds: transform feedback enabled with zero captured dwords")
	}

	l := &Layout{cfg: cfg}
	offset := uint32(0)

	place := func(r Region, size uint32) {
		l.spans[r] = Span{Offset: offset, Size: size}
		l.present[r] = true
		offset = alignUp(offset+size, uint32(dwordSize))
	}

	if cfg.DistributePrimitiveID {
		place(RegionDistributedPrimitiveID, MaxThreadsPerSubgroup*dwordSize)
	}

	if cfg.VertexCulling {
		place(RegionVertexPosition, MaxThreadsPerSubgroup*4*dwordSize)

		l.itemSize = cullInfoFields(cfg, &l.cullInfo)
		place(RegionVertexCullInfo, MaxThreadsPerSubgroup*l.itemSize)

		waves := MaxThreadsPerSubgroup / cfg.WaveSize
		place(RegionVertexCounts, (waves+1)*dwordSize)

		if cfg.Compaction {
			place(RegionCompactionMap, MaxThreadsPerSubgroup*dwordSize)
		}
	}

	if cfg.Xfb {
		// The statistics region aliases the compaction map: the map's last
		// read (deferred export) happens before the first statistics write.
		if cfg.Compaction {
			stats := l.spans[RegionCompactionMap]
			stats.Size = 2 * dwordSize
			l.spans[RegionXfbStats] = stats
			l.present[RegionXfbStats] = true
		} else {
			place(RegionXfbStats, 2*dwordSize)
		}
		place(RegionXfbOutput, MaxThreadsPerSubgroup*cfg.XfbDwordsPerVertex*dwordSize)
	}

	place(RegionPrimitiveData, MaxThreadsPerSubgroup*dwordSize)

	l.total = offset
	return l, nil
}

// cullInfoFields assigns field offsets within one cull-info record and
// returns the record stride.
func cullInfoFields(cfg Config, out *CullInfoOffsets) uint32 {
	offset := uint32(0)
	field := func(size uint32) Span {
		s := Span{Offset: offset, Size: size}
		offset += size
		return s
	}

	if cfg.CullDistance {
		out.CullDistanceSignMask = field(dwordSize)
	}
	out.DrawFlag = field(dwordSize)
	if cfg.Compaction {
		out.CompactedIndex = field(dwordSize)
		// Re-materialization fields: once compaction reassigns which lane
		// serves which vertex, deferred export can no longer read these from
		// the lane's live state.
		if cfg.TessellationEval {
			out.PatchCoord = field(2 * dwordSize)
		} else {
			out.VertexID = field(dwordSize)
		}
		out.InstanceID = field(dwordSize)
		if cfg.DistributePrimitiveID {
			out.PrimitiveID = field(dwordSize)
		}
	}
	if cfg.Xfb {
		out.XfbOutputs = field(cfg.XfbDwordsPerVertex * dwordSize)
	}
	return offset
}

// Has reports whether the configuration uses the region.
func (l *Layout) Has(r Region) bool { return l.present[r] }

// Span returns the planned byte range of a region. Asking for a region the
// configuration does not use is a caller defect.
func (l *Layout) Span(r Region) Span {
	if !l.present[r] {
		panic(fmt.Sprintf("lds: region %q not present in this configuration", r))
	}
	return l.spans[r]
}

// Offset returns the byte offset of a region.
func (l *Layout) Offset(r Region) uint32 { return l.Span(r).Offset }

// Size returns the byte size of a region.
func (l *Layout) Size(r Region) uint32 { return l.Span(r).Size }

// TotalBytes returns the total scratch allocation for one subgroup.
func (l *Layout) TotalBytes() uint32 { return l.total }

// CullInfo returns the field offsets of the per-vertex cull-info record.
func (l *Layout) CullInfo() CullInfoOffsets { return l.cullInfo }

// CullInfoStride returns the byte stride of one cull-info record.
func (l *Layout) CullInfoStride() uint32 { return l.itemSize }

// CullInfoOffset returns the absolute byte offset of one field of one
// vertex's cull-info record.
func (l *Layout) CullInfoOffset(vertex uint32, f Span) uint32 {
	if f.Size == 0 {
		panic("lds: cull-info field not present in this configuration")
	}
	return l.Offset(RegionVertexCullInfo) + vertex*l.itemSize + f.Offset
}

// Aliased reports whether two regions intentionally share bytes. Only
// documented phase-disjoint pairs may alias.
func (l *Layout) Aliased(a, b Region) bool {
	if !l.present[a] || !l.present[b] {
		return false
	}
	sa, sb := l.spans[a], l.spans[b]
	return sa.Offset < sb.End() && sb.Offset < sa.End()
}

// Report renders the planned layout for diagnostics. This is the dry-run
// mode: it only reports sizes and offsets and is never consulted at run time.
func (l *Layout) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "// Primitive shader LDS region info (in bytes)\n\n")
	for r := Region(0); r < numRegions; r++ {
		if !l.present[r] {
			continue
		}
		s := l.spans[r]
		fmt.Fprintf(&b, "%-28s : offset = 0x%04X, size = 0x%04X", r.String(), s.Offset, s.Size)
		if r == RegionXfbStats && l.cfg.Compaction {
			b.WriteString(" (aliases Compaction Map)")
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\n%-28s : offset = 0x0000, size = 0x%04X\n", "Total", l.total)
	return b.String()
}
