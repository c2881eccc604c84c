package lds

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullConfig() Config {
	return Config{
		WaveSize:              64,
		VertexCulling:         true,
		Compaction:            true,
		CullDistance:          true,
		DistributePrimitiveID: true,
		Xfb:                   true,
		XfbDwordsPerVertex:    4,
	}
}

func TestPlanDeterministic(t *testing.T) {
	a, err := Plan(fullConfig())
	require.NoError(t, err)
	b, err := Plan(fullConfig())
	require.NoError(t, err)

	assert.Equal(t, a.TotalBytes(), b.TotalBytes())
	for r := Region(0); r < numRegions; r++ {
		assert.Equal(t, a.present[r], b.present[r])
		if a.present[r] {
			assert.Equal(t, a.Span(r), b.Span(r))
		}
	}
}

func TestPlanNonOverlappingExceptDocumentedAliases(t *testing.T) {
	l, err := Plan(fullConfig())
	require.NoError(t, err)

	for a := Region(0); a < numRegions; a++ {
		for b := a + 1; b < numRegions; b++ {
			if !l.Has(a) || !l.Has(b) {
				continue
			}
			if a == RegionCompactionMap && b == RegionXfbStats {
				// The documented phase-disjoint alias.
				assert.True(t, l.Aliased(a, b))
				continue
			}
			assert.False(t, l.Aliased(a, b), "regions %v and %v overlap", a, b)
		}
	}
}

func TestXfbStatsAliasIsByteForByte(t *testing.T) {
	l, err := Plan(fullConfig())
	require.NoError(t, err)

	m := l.Span(RegionCompactionMap)
	s := l.Span(RegionXfbStats)
	assert.Equal(t, m.Offset, s.Offset)
	assert.LessOrEqual(t, s.End(), m.End())
}

func TestXfbStatsWithoutCompactionGetsOwnSpan(t *testing.T) {
	cfg := fullConfig()
	cfg.Compaction = false
	l, err := Plan(cfg)
	require.NoError(t, err)

	assert.False(t, l.Has(RegionCompactionMap))
	assert.True(t, l.Has(RegionXfbStats))
	assert.Equal(t, uint32(8), l.Size(RegionXfbStats))
}

func TestPlanWorstCaseSizes(t *testing.T) {
	l, err := Plan(fullConfig())
	require.NoError(t, err)

	// Sized for 256 threads regardless of actual subgroup occupancy.
	assert.Equal(t, uint32(256*16), l.Size(RegionVertexPosition))
	assert.Equal(t, uint32(256*4), l.Size(RegionCompactionMap))
	assert.Equal(t, uint32(256*4), l.Size(RegionPrimitiveData))
	assert.Equal(t, uint32(256*4*4), l.Size(RegionXfbOutput))

	// One counter per wave plus the sentinel total slot.
	assert.Equal(t, uint32((256/64+1)*4), l.Size(RegionVertexCounts))

	cfg := fullConfig()
	cfg.WaveSize = 32
	l32, err := Plan(cfg)
	require.NoError(t, err)
	assert.Equal(t, uint32((256/32+1)*4), l32.Size(RegionVertexCounts))
}

func TestCullInfoFields(t *testing.T) {
	l, err := Plan(fullConfig())
	require.NoError(t, err)
	ci := l.CullInfo()

	// All configured fields present and disjoint.
	fields := []Span{
		ci.CullDistanceSignMask, ci.DrawFlag, ci.CompactedIndex,
		ci.VertexID, ci.InstanceID, ci.PrimitiveID, ci.XfbOutputs,
	}
	for i, a := range fields {
		require.NotZero(t, a.Size, "field %d missing", i)
		for j, b := range fields {
			if i == j {
				continue
			}
			disjoint := a.End() <= b.Offset || b.End() <= a.Offset
			assert.True(t, disjoint, "cull-info fields %d and %d overlap", i, j)
		}
	}
	assert.Zero(t, ci.PatchCoord.Size, "patch coord only for tessellation")

	// Absolute addressing lands inside the region.
	base := l.Span(RegionVertexCullInfo)
	off := l.CullInfoOffset(255, ci.DrawFlag)
	assert.GreaterOrEqual(t, off, base.Offset)
	assert.Less(t, off, base.End())
}

func TestCullInfoTessellationUsesPatchCoord(t *testing.T) {
	cfg := fullConfig()
	cfg.TessellationEval = true
	l, err := Plan(cfg)
	require.NoError(t, err)

	ci := l.CullInfo()
	assert.Equal(t, uint32(8), ci.PatchCoord.Size)
	assert.Zero(t, ci.VertexID.Size)
}

func TestPlanRejectsGeometryStageWithCulling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HasGeometryStage = true
	_, err := Plan(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "geometry stage")
}

func TestPlanRejectsBadWaveSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WaveSize = 48
	_, err := Plan(cfg)
	require.Error(t, err)
}

func TestPlanRejectsEmptyXfbCapture(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Xfb = true
	_, err := Plan(cfg)
	require.Error(t, err)
}

func TestMissingRegionPanics(t *testing.T) {
	l, err := Plan(DefaultConfig())
	require.NoError(t, err)
	assert.Panics(t, func() { l.Span(RegionXfbOutput) })
	assert.Panics(t, func() { l.CullInfoOffset(0, l.CullInfo().PatchCoord) })
}

func TestReport(t *testing.T) {
	l, err := Plan(fullConfig())
	require.NoError(t, err)

	rep := l.Report()
	assert.Contains(t, rep, "Vertex Position")
	assert.Contains(t, rep, "aliases Compaction Map")
	assert.Contains(t, rep, "Total")
	assert.Equal(t, strings.Count(rep, "offset ="), 9) // 8 regions + total
}
