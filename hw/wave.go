package hw

// WaveThreadInfo identifies one invocation within its wave and subgroup,
// together with the vertex/primitive counts it needs to decide whether it
// holds a valid work item. It is decoded once at subgroup entry and never
// mutated afterwards.
type WaveThreadInfo struct {
	ThreadIDInWave     uint32
	ThreadIDInSubgroup uint32
	WaveIDInSubgroup   uint32
	RowInSubgroup      uint32 // equals WaveIDInSubgroup in row-export mode

	VertCountInWave     uint32
	PrimCountInWave     uint32
	VertCountInSubgroup uint32
	PrimCountInSubgroup uint32
}

// Dispatch word bit layouts. The hardware delivers two SGPR words to a merged
// shader:
//
//	mergedGroupInfo:
//	  [11:0]  vertex count in subgroup
//	  [22:12] primitive count in subgroup
//
//	mergedWaveInfo:
//	  [7:0]   vertex count in wave
//	  [15:8]  primitive count in wave
//	  [27:24] wave id in subgroup
const (
	groupVertCountShift = 0
	groupVertCountMask  = 0xFFF
	groupPrimCountShift = 12
	groupPrimCountMask  = 0x7FF

	waveVertCountShift = 0
	waveVertCountMask  = 0xFF
	wavePrimCountShift = 8
	wavePrimCountMask  = 0xFF
	waveIDShift        = 24
	waveIDMask         = 0xF
)

// DecodeWaveThreadInfo decodes the two dispatch words for the given lane.
// laneID is the lane's position within its wave (what the mbcnt intrinsic
// yields on hardware). waveSize must be 32 or 64.
func DecodeWaveThreadInfo(mergedGroupInfo, mergedWaveInfo, laneID, waveSize uint32) WaveThreadInfo {
	if waveSize != 32 && waveSize != 64 {
		panic("hw: wave size must be 32 or 64")
	}
	if laneID >= waveSize {
		panic("hw: lane id out of range for wave size")
	}

	waveID := (mergedWaveInfo >> waveIDShift) & waveIDMask
	info := WaveThreadInfo{
		ThreadIDInWave:     laneID,
		ThreadIDInSubgroup: waveID*waveSize + laneID,
		WaveIDInSubgroup:   waveID,
		RowInSubgroup:      waveID,

		VertCountInWave:     (mergedWaveInfo >> waveVertCountShift) & waveVertCountMask,
		PrimCountInWave:     (mergedWaveInfo >> wavePrimCountShift) & wavePrimCountMask,
		VertCountInSubgroup: (mergedGroupInfo >> groupVertCountShift) & groupVertCountMask,
		PrimCountInSubgroup: (mergedGroupInfo >> groupPrimCountShift) & groupPrimCountMask,
	}
	return info
}

// PackMergedGroupInfo builds the per-subgroup dispatch word. The emulator
// plays the hardware's role and synthesizes these words; real hardware
// delivers them in SGPRs.
func PackMergedGroupInfo(vertCountInSubgroup, primCountInSubgroup uint32) uint32 {
	if vertCountInSubgroup > MaxSubgroupSize || primCountInSubgroup > MaxSubgroupSize {
		panic("hw: subgroup count exceeds 256")
	}
	return vertCountInSubgroup<<groupVertCountShift | primCountInSubgroup<<groupPrimCountShift
}

// PackMergedWaveInfo builds the per-wave dispatch word.
func PackMergedWaveInfo(vertCountInWave, primCountInWave, waveIDInSubgroup uint32) uint32 {
	if vertCountInWave > 64 || primCountInWave > 64 {
		panic("hw: wave count exceeds wave size")
	}
	if waveIDInSubgroup > waveIDMask {
		panic("hw: wave id exceeds 4 bits")
	}
	return vertCountInWave<<waveVertCountShift |
		primCountInWave<<wavePrimCountShift |
		waveIDInSubgroup<<waveIDShift
}

// ValidVertex reports whether this invocation holds a valid vertex.
func (w WaveThreadInfo) ValidVertex() bool {
	return w.ThreadIDInWave < w.VertCountInWave
}

// ValidPrimitive reports whether this invocation holds a valid primitive.
func (w WaveThreadInfo) ValidPrimitive() bool {
	return w.ThreadIDInWave < w.PrimCountInWave
}
