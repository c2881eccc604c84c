// Package emu executes one primitive-shader subgroup on the CPU: the
// barrier-phased culling, counting, compaction, export, and transform-
// feedback sequence a hardware subgroup runs across its wavefronts.
//
// Wavefront lockstep is emulated by iterating lanes in order within each
// phase; a hardware barrier corresponds to a phase boundary in Run. Because
// no two lanes ever interleave within a phase, plain read-modify-write on the
// shared arena models the hardware atomics exactly, and the write→barrier→
// read discipline of the phases carries over unchanged.
package emu

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/primshader/cull"
	"github.com/gogpu/primshader/hw"
	"github.com/gogpu/primshader/lds"
)

// VertexInput is the per-vertex state a lane starts with.
type VertexInput struct {
	VertexID    uint32
	InstanceID  uint32
	PrimitiveID uint32
	PatchCoord  [2]float32
}

// FetchResult is what the position-only fetcher fragment produces.
type FetchResult struct {
	Position      mgl32.Vec4
	CullDistances []float32
}

// FetchFn runs the fetcher fragment for one vertex.
type FetchFn func(VertexInput) (FetchResult, error)

// ExportFn runs the deferred exporter fragment for one vertex, given the
// already-computed position.
type ExportFn func(VertexInput, mgl32.Vec4) ([]hw.Export, error)

// CaptureFn produces the transform-feedback dwords for one vertex.
type CaptureFn func(VertexInput, mgl32.Vec4) ([]uint32, error)

// Config fixes a subgroup's behavior for the life of a pipeline.
type Config struct {
	GPU      hw.GPUInfo
	WaveSize uint32
	Layout   *lds.Layout

	// Cullers is the predicate chain; empty disables culling entirely and the
	// subgroup runs in passthrough mode.
	Cullers []cull.Culler

	// Compaction renumbers surviving vertices densely when any were culled.
	Compaction bool

	// DistributePrimitiveID hands each primitive's id to its first vertex
	// through shared memory before fetching.
	DistributePrimitiveID bool

	// TessellationEval selects the patch coordinate instead of the vertex id
	// as the re-materialized identity after compaction.
	TessellationEval bool

	// Xfb, when set, captures vertex outputs and writes surviving primitives
	// to the stream. Requires Capture and XfbDwordsPerVertex.
	Xfb                *XfbStream
	XfbDwordsPerVertex uint32

	Fetch   FetchFn
	Export  ExportFn
	Capture CaptureFn
}

// PrimitiveInput is one input triangle, with subgroup-relative vertex
// indices.
type PrimitiveInput struct {
	Indices     [3]uint32
	PrimitiveID uint32
}

// Input is one subgroup's worth of work.
type Input struct {
	Vertices   []VertexInput
	Primitives []PrimitiveInput
}

// Output is everything the subgroup hands to the fixed-function front end.
type Output struct {
	CountWord    hw.CountWord
	Connectivity []hw.ConnectivityWord

	// VertexExports holds the deferred exports of each exported vertex, in
	// exported (possibly compacted) index order.
	VertexExports [][]hw.Export

	// FullyCulled is set when every primitive was culled; the count word then
	// reports either zero or the chip-specific degenerate minimum.
	FullyCulled bool

	// CompactionRan is set when vertices were actually renumbered.
	CompactionRan bool

	XfbPrimsWritten uint32
}

// Subgroup is a single-dispatch execution context.
type Subgroup struct {
	cfg Config
	mem *SharedMem
	ran bool
}

// NewSubgroup validates the configuration and allocates the scratch arena.
func NewSubgroup(cfg Config) (*Subgroup, error) {
	if cfg.WaveSize != 32 && cfg.WaveSize != 64 {
		return nil, fmt.Errorf("emu: wave size must be 32 or 64, got %d", cfg.WaveSize)
	}
	if cfg.Layout == nil {
		return nil, fmt.Errorf("emu: missing region layout")
	}
	if cfg.Fetch == nil || cfg.Export == nil {
		return nil, fmt.Errorf("emu: fetch and export callbacks are required")
	}
	if len(cfg.Cullers) > 0 && !cfg.Layout.Has(lds.RegionVertexPosition) {
		return nil, fmt.Errorf("emu: culling enabled but layout has no vertex position region")
	}
	if cfg.Xfb != nil {
		if cfg.Capture == nil {
			return nil, fmt.Errorf("emu: transform feedback requires a capture callback")
		}
		if cfg.XfbDwordsPerVertex == 0 {
			return nil, fmt.Errorf("emu: transform feedback requires a nonzero vertex stride")
		}
		if !cfg.Layout.Has(lds.RegionXfbOutput) {
			return nil, fmt.Errorf("emu: transform feedback enabled but layout has no staging region")
		}
	}
	return &Subgroup{cfg: cfg, mem: NewSharedMem(cfg.Layout)}, nil
}

// runState carries one dispatch through the phases.
type runState struct {
	in    Input
	verts uint32
	prims uint32
	waves uint32

	threads []hw.WaveThreadInfo

	// vertIn is the effective per-vertex input after primitive-id
	// distribution.
	vertIn []VertexInput

	// positions backs exports in passthrough mode, where no shared-memory
	// copy of the position exists.
	positions []mgl32.Vec4

	ballots  []LaneMask
	drawn    uint32
	compact  bool
	xfbToken uint64

	out Output
}

// Run executes the subgroup once. A Subgroup models one hardware dispatch;
// reusing it is a caller defect.
func (s *Subgroup) Run(in Input) (*Output, error) {
	if s.ran {
		return nil, fmt.Errorf("emu: subgroup already dispatched")
	}
	s.ran = true

	st, err := s.begin(in)
	if err != nil {
		return nil, err
	}
	if s.cfg.Xfb != nil {
		st.xfbToken = s.cfg.Xfb.token()
	}

	s.mem.Reset()
	s.distributePrimitiveIDs(st)
	// barrier
	if err := s.fetchPhase(st); err != nil {
		return nil, err
	}
	// barrier
	if err := s.cullPhase(st); err != nil {
		return nil, err
	}
	// barrier
	s.countPhase(st)
	// barrier

	if s.culling() && st.drawn == 0 {
		s.fullyCulledExit(st)
		if err := s.xfbPhase(st); err != nil {
			return nil, err
		}
		return &st.out, nil
	}

	s.compactPhase(st)
	// barrier
	if err := s.exportPhase(st); err != nil {
		return nil, err
	}
	if err := s.xfbPhase(st); err != nil {
		return nil, err
	}
	return &st.out, nil
}

func (s *Subgroup) culling() bool { return len(s.cfg.Cullers) > 0 }

func (s *Subgroup) begin(in Input) (*runState, error) {
	verts := uint32(len(in.Vertices))
	prims := uint32(len(in.Primitives))
	if verts == 0 || prims == 0 {
		return nil, fmt.Errorf("emu: empty subgroup (%d vertices, %d primitives)", verts, prims)
	}
	if verts > hw.MaxSubgroupSize || prims > hw.MaxSubgroupSize {
		return nil, fmt.Errorf("emu: subgroup exceeds %d items (%d vertices, %d primitives)",
			hw.MaxSubgroupSize, verts, prims)
	}
	for i, p := range in.Primitives {
		for _, vi := range p.Indices {
			if vi >= verts {
				return nil, fmt.Errorf("emu: primitive %d references vertex %d of %d", i, vi, verts)
			}
		}
	}

	ws := s.cfg.WaveSize
	items := max(verts, prims)
	waves := (items + ws - 1) / ws

	// Synthesize the dispatch words the hardware would deliver and decode
	// them back, so every lane's identity goes through the real bit layout.
	groupInfo := hw.PackMergedGroupInfo(verts, prims)
	threads := make([]hw.WaveThreadInfo, waves*ws)
	for w := uint32(0); w < waves; w++ {
		waveInfo := hw.PackMergedWaveInfo(waveShare(verts, w, ws), waveShare(prims, w, ws), w)
		for lane := uint32(0); lane < ws; lane++ {
			threads[w*ws+lane] = hw.DecodeWaveThreadInfo(groupInfo, waveInfo, lane, ws)
		}
	}

	return &runState{
		in:        in,
		verts:     verts,
		prims:     prims,
		waves:     waves,
		threads:   threads,
		vertIn:    make([]VertexInput, verts),
		positions: make([]mgl32.Vec4, verts),
		ballots:   make([]LaneMask, waves),
	}, nil
}

// waveShare is the portion of a subgroup count that lands in wave w.
func waveShare(total, w, waveSize uint32) uint32 {
	if total <= w*waveSize {
		return 0
	}
	return min(total-w*waveSize, waveSize)
}

func (s *Subgroup) posOffset(vertex uint32) uint32 {
	return s.cfg.Layout.Offset(lds.RegionVertexPosition) + vertex*4*4
}

// distributePrimitiveIDs hands each primitive's id to its first vertex.
func (s *Subgroup) distributePrimitiveIDs(st *runState) {
	if !s.cfg.DistributePrimitiveID {
		return
	}
	base := s.cfg.Layout.Offset(lds.RegionDistributedPrimitiveID)
	for _, ti := range st.threads {
		if !ti.ValidPrimitive() {
			continue
		}
		p := st.in.Primitives[ti.ThreadIDInSubgroup]
		s.mem.SetWord(base+4*p.Indices[0], p.PrimitiveID)
	}
}

// fetchPhase runs the fetcher for every valid vertex lane and stores its
// cull data into shared memory.
func (s *Subgroup) fetchPhase(st *runState) error {
	l := s.cfg.Layout
	ci := l.CullInfo()
	distBase := uint32(0)
	if s.cfg.DistributePrimitiveID {
		distBase = l.Offset(lds.RegionDistributedPrimitiveID)
	}

	for _, ti := range st.threads {
		if !ti.ValidVertex() {
			continue
		}
		tid := ti.ThreadIDInSubgroup
		v := st.in.Vertices[tid]
		if s.cfg.DistributePrimitiveID {
			v.PrimitiveID = s.mem.Word(distBase + 4*tid)
		}
		st.vertIn[tid] = v

		res, err := s.cfg.Fetch(v)
		if err != nil {
			return fmt.Errorf("emu: fetch of vertex %d: %w", tid, err)
		}
		st.positions[tid] = res.Position

		if s.culling() {
			base := s.posOffset(tid)
			for c := 0; c < 4; c++ {
				s.mem.SetFloat(base+uint32(c)*4, res.Position[c])
			}
			if ci.CullDistanceSignMask.Size > 0 {
				s.mem.SetWord(l.CullInfoOffset(tid, ci.CullDistanceSignMask), cull.SignMask(res.CullDistances))
			}
			// Re-materialization fields are recorded before compaction can
			// reassign which lane serves this vertex.
			if ci.VertexID.Size > 0 {
				s.mem.SetWord(l.CullInfoOffset(tid, ci.VertexID), v.VertexID)
			}
			if ci.PatchCoord.Size > 0 {
				off := l.CullInfoOffset(tid, ci.PatchCoord)
				s.mem.SetFloat(off, v.PatchCoord[0])
				s.mem.SetFloat(off+4, v.PatchCoord[1])
			}
			if ci.InstanceID.Size > 0 {
				s.mem.SetWord(l.CullInfoOffset(tid, ci.InstanceID), v.InstanceID)
			}
			if ci.PrimitiveID.Size > 0 {
				s.mem.SetWord(l.CullInfoOffset(tid, ci.PrimitiveID), v.PrimitiveID)
			}
		}

		if s.cfg.Xfb != nil {
			dwords, err := s.cfg.Capture(v, res.Position)
			if err != nil {
				return fmt.Errorf("emu: capture of vertex %d: %w", tid, err)
			}
			if uint32(len(dwords)) != s.cfg.XfbDwordsPerVertex {
				return fmt.Errorf("emu: capture of vertex %d produced %d dwords, want %d",
					tid, len(dwords), s.cfg.XfbDwordsPerVertex)
			}
			base := l.Offset(lds.RegionXfbOutput) + tid*s.cfg.XfbDwordsPerVertex*4
			for i, d := range dwords {
				s.mem.SetWord(base+uint32(i)*4, d)
			}
		}
	}
	return nil
}

// cullPhase runs the predicate chain for every valid primitive lane, writes
// the connectivity word (clear, then OR), and sets the draw flags of the
// vertices of surviving primitives.
func (s *Subgroup) cullPhase(st *runState) error {
	l := s.cfg.Layout
	ci := l.CullInfo()
	primBase := l.Offset(lds.RegionPrimitiveData)

	for _, ti := range st.threads {
		if !ti.ValidPrimitive() {
			continue
		}
		tid := ti.ThreadIDInSubgroup
		p := st.in.Primitives[tid]
		primOff := primBase + 4*tid

		culled := false
		if s.culling() {
			var t cull.Triangle
			for i, vi := range p.Indices {
				base := s.posOffset(vi)
				t.P[i] = mgl32.Vec4{
					s.mem.Float(base),
					s.mem.Float(base + 4),
					s.mem.Float(base + 8),
					s.mem.Float(base + 12),
				}
				if ci.CullDistanceSignMask.Size > 0 {
					t.SignMask[i] = s.mem.Word(l.CullInfoOffset(vi, ci.CullDistanceSignMask))
				}
			}
			culled = cull.Run(s.cfg.Cullers, &t)
		}

		// The flag bit and the index fields come from separate operations,
		// so the word is cleared first and both are ORed in.
		s.mem.SetWord(primOff, 0)
		s.mem.OrWord(primOff, uint32(hw.PackConnectivity(p.Indices[0], p.Indices[1], p.Indices[2], false)))
		if culled {
			s.mem.OrWord(primOff, uint32(hw.NullPrimitive))
		} else if s.culling() {
			// Non-atomic and idempotent: several primitives may set the same
			// vertex's flag, always to the same value.
			for _, vi := range p.Indices {
				s.mem.SetWord(l.CullInfoOffset(vi, ci.DrawFlag), 1)
			}
		}
	}
	return nil
}

// countPhase ballots drawn vertices per wave and builds the exclusive prefix
// sum in the counter region: after the adds, slot w holds the total of waves
// before w and the sentinel slot holds the subgroup total.
func (s *Subgroup) countPhase(st *runState) {
	if !s.culling() {
		st.drawn = st.verts
		return
	}
	l := s.cfg.Layout
	ci := l.CullInfo()
	countsBase := l.Offset(lds.RegionVertexCounts)
	ws := s.cfg.WaveSize

	for w := uint32(0); w < st.waves; w++ {
		st.ballots[w] = Ballot(ws, func(lane uint32) bool {
			tid := w*ws + lane
			return tid < st.verts && s.mem.Word(l.CullInfoOffset(tid, ci.DrawFlag)) != 0
		})
		count := st.ballots[w].Count()
		// Lane l of wave w adds the wave's count into slot w+l+1; across all
		// waves this leaves slot j with the sum of counts of waves before j.
		for lane := uint32(0); lane < st.waves-w; lane++ {
			s.mem.AddWord(countsBase+4*(w+lane+1), count)
		}
	}
	st.drawn = s.mem.Word(countsBase + 4*st.waves)
}

// compactPhase assigns dense indices to drawn vertices: the wave's exclusive
// prefix plus the count of drawn lanes below this one in its own wave.
func (s *Subgroup) compactPhase(st *runState) {
	st.compact = s.cfg.Compaction && s.culling() && st.drawn < st.verts
	if !st.compact {
		return
	}
	l := s.cfg.Layout
	ci := l.CullInfo()
	countsBase := l.Offset(lds.RegionVertexCounts)
	fwdBase := l.Offset(lds.RegionCompactionMap)
	ws := s.cfg.WaveSize

	for w := uint32(0); w < st.waves; w++ {
		prefix := s.mem.Word(countsBase + 4*w)
		for lane := uint32(0); lane < ws; lane++ {
			if !st.ballots[w].Lane(lane) {
				continue
			}
			tid := w*ws + lane
			idx := prefix + st.ballots[w].CountBelow(lane)
			s.mem.SetWord(fwdBase+4*idx, tid)
			s.mem.SetWord(l.CullInfoOffset(tid, ci.CompactedIndex), idx)
		}
	}
	st.out.CompactionRan = true
}

// fullyCulledExit produces the degenerate output of a subgroup whose every
// primitive was culled. Some revisions cannot report strictly zero output;
// those get one dummy vertex and one null primitive.
func (s *Subgroup) fullyCulledExit(st *runState) {
	st.out.FullyCulled = true
	if !s.cfg.GPU.NoZeroOutputWorkaround {
		v, p := hw.NormalizeCounts(0, 0)
		st.out.CountWord = hw.PackCountReport(v, p)
		return
	}
	st.out.CountWord = hw.PackCountReport(1, 1)
	st.out.Connectivity = []hw.ConnectivityWord{hw.PackConnectivity(0, 0, 0, true)}
	st.out.VertexExports = [][]hw.Export{{
		{Target: hw.TargetPosition, Values: [4]float32{0, 0, 0, 1}, Mask: 0xF, Done: true},
	}}
}

// exportPhase emits the count word, the connectivity words, and the deferred
// per-vertex exports, in that order.
func (s *Subgroup) exportPhase(st *runState) error {
	l := s.cfg.Layout
	ci := l.CullInfo()
	primBase := l.Offset(lds.RegionPrimitiveData)

	words := make([]hw.ConnectivityWord, st.prims)
	survivors := uint32(0)
	for tid := uint32(0); tid < st.prims; tid++ {
		words[tid] = hw.ConnectivityWord(s.mem.Word(primBase + 4*tid))
		if !words[tid].IsNull() {
			survivors++
		}
	}

	vertCount, primCount := st.verts, st.prims
	if st.compact {
		vertCount, primCount = st.drawn, survivors
	}
	v, p := hw.NormalizeCounts(vertCount, primCount)
	st.out.CountWord = hw.PackCountReport(v, p)

	if st.compact {
		// Culled primitives disappear and surviving indices are re-read
		// through the compaction records.
		st.out.Connectivity = make([]hw.ConnectivityWord, 0, survivors)
		for _, w := range words {
			if w.IsNull() {
				continue
			}
			c0 := s.mem.Word(l.CullInfoOffset(w.Vertex0(), ci.CompactedIndex))
			c1 := s.mem.Word(l.CullInfoOffset(w.Vertex1(), ci.CompactedIndex))
			c2 := s.mem.Word(l.CullInfoOffset(w.Vertex2(), ci.CompactedIndex))
			st.out.Connectivity = append(st.out.Connectivity, hw.PackConnectivity(c0, c1, c2, false))
		}
	} else {
		st.out.Connectivity = words
	}

	st.out.VertexExports = make([][]hw.Export, vertCount)
	fwdBase := uint32(0)
	if st.compact {
		fwdBase = l.Offset(lds.RegionCompactionMap)
	}
	for i := uint32(0); i < vertCount; i++ {
		orig := i
		var vin VertexInput
		if st.compact {
			orig = s.mem.Word(fwdBase + 4*i)
			vin = s.rematerialize(orig)
		} else {
			vin = st.vertIn[orig]
		}

		pos := st.positions[orig]
		if s.culling() {
			base := s.posOffset(orig)
			pos = mgl32.Vec4{
				s.mem.Float(base),
				s.mem.Float(base + 4),
				s.mem.Float(base + 8),
				s.mem.Float(base + 12),
			}
		}

		exports, err := s.cfg.Export(vin, pos)
		if err != nil {
			return fmt.Errorf("emu: export of vertex %d: %w", orig, err)
		}
		if err := checkExportDone(exports); err != nil {
			return fmt.Errorf("emu: export of vertex %d: %w", orig, err)
		}
		st.out.VertexExports[i] = exports
	}
	return nil
}

// rematerialize rebuilds a vertex's input record from its cull-info fields.
// After compaction the exporting lane is not the lane that fetched the
// vertex, so live state is unusable.
func (s *Subgroup) rematerialize(orig uint32) VertexInput {
	l := s.cfg.Layout
	ci := l.CullInfo()
	var v VertexInput
	if ci.VertexID.Size > 0 {
		v.VertexID = s.mem.Word(l.CullInfoOffset(orig, ci.VertexID))
	}
	if ci.PatchCoord.Size > 0 {
		off := l.CullInfoOffset(orig, ci.PatchCoord)
		v.PatchCoord[0] = s.mem.Float(off)
		v.PatchCoord[1] = s.mem.Float(off + 4)
	}
	if ci.InstanceID.Size > 0 {
		v.InstanceID = s.mem.Word(l.CullInfoOffset(orig, ci.InstanceID))
	}
	if ci.PrimitiveID.Size > 0 {
		v.PrimitiveID = s.mem.Word(l.CullInfoOffset(orig, ci.PrimitiveID))
	}
	return v
}

// checkExportDone verifies the final-export contract: Done set exactly once
// per target a vertex exports to.
func checkExportDone(exports []hw.Export) error {
	type slot struct {
		target hw.ExportTarget
		param  uint32
	}
	done := make(map[slot]int)
	seen := make(map[slot]bool)
	for _, ex := range exports {
		k := slot{ex.Target, ex.Slot}
		seen[k] = true
		if ex.Done {
			done[k]++
		}
	}
	for k := range seen {
		if done[k] != 1 {
			return fmt.Errorf("final export flag set %d times for %s target", done[k], k.target)
		}
	}
	return nil
}

// xfbPhase reserves stream space in subgroup order, clamps to remaining
// capacity, and replays the staged captures of surviving primitives.
func (s *Subgroup) xfbPhase(st *runState) error {
	if s.cfg.Xfb == nil {
		return nil
	}
	l := s.cfg.Layout
	primBase := l.Offset(lds.RegionPrimitiveData)
	dpv := s.cfg.XfbDwordsPerVertex
	dwordsPerPrim := 3 * dpv

	var live []PrimitiveInput
	if !st.out.FullyCulled {
		for tid := uint32(0); tid < st.prims; tid++ {
			w := hw.ConnectivityWord(s.mem.Word(primBase + 4*tid))
			if !w.IsNull() {
				live = append(live, st.in.Primitives[tid])
			}
		}
	}

	// One lane performs the ordered reservation; a fully culled subgroup
	// still reserves zero primitives so later subgroups are not held up.
	offset, accepted := s.cfg.Xfb.reserve(st.xfbToken, uint32(len(live)), dwordsPerPrim)

	// The statistics land in the region that aliased the compaction map; the
	// map's last read happened in the export phase.
	statsBase := l.Offset(lds.RegionXfbStats)
	s.mem.SetWord(statsBase, offset)
	s.mem.SetWord(statsBase+4, accepted)

	if accepted == 0 {
		return nil
	}
	stageBase := l.Offset(lds.RegionXfbOutput)
	data := make([]uint32, 0, accepted*dwordsPerPrim)
	for _, p := range live[:accepted] {
		for _, vi := range p.Indices {
			src := stageBase + vi*dpv*4
			for d := uint32(0); d < dpv; d++ {
				data = append(data, s.mem.Word(src+4*d))
			}
		}
	}
	s.cfg.Xfb.write(offset, data)
	st.out.XfbPrimsWritten = accepted
	return nil
}
