package cull

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tri builds a triangle from three clip-space positions.
func tri(p0, p1, p2 mgl32.Vec4) *Triangle {
	return &Triangle{P: [3]mgl32.Vec4{p0, p1, p2}}
}

// ccwFront is a large front-facing (CCW in NDC) triangle around the origin.
func ccwFront() *Triangle {
	return tri(
		mgl32.Vec4{-0.5, -0.5, 0.5, 1},
		mgl32.Vec4{0.5, -0.5, 0.5, 1},
		mgl32.Vec4{0, 0.5, 0.5, 1},
	)
}

// cwBack is ccwFront with two vertices swapped.
func cwBack() *Triangle {
	t := ccwFront()
	t.P[1], t.P[2] = t.P[2], t.P[1]
	return t
}

func TestBackface(t *testing.T) {
	cfg := DefaultConfig() // CCW front, cull back
	c := backfaceCuller{cfg}

	assert.False(t, c.Cull(ccwFront(), false))
	assert.True(t, c.Cull(cwBack(), false))

	// Degenerate (zero area) is culled.
	deg := tri(
		mgl32.Vec4{0, 0, 0, 1},
		mgl32.Vec4{1, 1, 0, 1},
		mgl32.Vec4{2, 2, 0, 1},
	)
	assert.True(t, c.Cull(deg, false))
}

func TestBackfaceWindingAndEnables(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrontFace = WindingCW
	c := backfaceCuller{cfg}
	// With CW front faces the verdicts swap.
	assert.True(t, c.Cull(ccwFront(), false))
	assert.False(t, c.Cull(cwBack(), false))

	cfg = DefaultConfig()
	cfg.CullBack = false
	cfg.CullFront = true
	c = backfaceCuller{cfg}
	assert.True(t, c.Cull(ccwFront(), false))
	assert.False(t, c.Cull(cwBack(), false))
}

func TestBackfaceExponentSuppressesSlivers(t *testing.T) {
	// A very thin back-facing sliver: doubled area well below 10^-2.
	sliver := tri(
		mgl32.Vec4{0, 0, 0, 1},
		mgl32.Vec4{0, 1e-4, 0, 1},
		mgl32.Vec4{1, 0, 0, 1},
	)

	cfg := DefaultConfig()
	c := backfaceCuller{cfg}
	require.True(t, c.Cull(sliver, false), "sliver is back-facing without the threshold")

	cfg.BackfaceExponent = 2
	c = backfaceCuller{cfg}
	assert.False(t, c.Cull(sliver, false), "threshold withdraws the verdict")

	// A full-size backface is still culled with the threshold active.
	assert.True(t, c.Cull(cwBack(), false))
}

func TestBackfaceDisabledInWireframe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Wireframe = true
	for _, c := range BuildChain(cfg) {
		assert.NotEqual(t, "backface", c.Name())
	}
}

func TestFrustumAllOutsidePositiveX(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backface = false
	c := frustumCuller{cfg}

	// All three vertices have x > discardAdjust*w with w > 0.
	out := tri(
		mgl32.Vec4{1.5, 0, 0, 1},
		mgl32.Vec4{2.0, 0.5, 0, 1},
		mgl32.Vec4{3.0, -0.5, 0, 1},
	)
	assert.True(t, c.Cull(out, false))

	// Same triangle with one vertex inside: the AND of the outcodes is zero.
	out.P[0] = mgl32.Vec4{0.5, 0, 0, 1}
	assert.False(t, c.Cull(out, false))
}

func TestFrustumStraddlingNotCulled(t *testing.T) {
	c := frustumCuller{DefaultConfig()}

	// Vertices outside different half-spaces must survive.
	straddle := tri(
		mgl32.Vec4{-2, 0, 0, 1},
		mgl32.Vec4{2, 0, 0, 1},
		mgl32.Vec4{0, 0, 0.5, 1},
	)
	assert.False(t, c.Cull(straddle, false))
}

func TestFrustumNearPlaneConvention(t *testing.T) {
	// z = -0.5 in NDC: behind the [0, 1] near plane, inside the [-1, 1] one.
	behind := tri(
		mgl32.Vec4{-0.1, -0.1, -0.5, 1},
		mgl32.Vec4{0.1, -0.1, -0.5, 1},
		mgl32.Vec4{0, 0.1, -0.5, 1},
	)

	cfg := DefaultConfig()
	cfg.NearPlaneZero = true
	assert.True(t, frustumCuller{cfg}.Cull(behind, false))

	cfg.NearPlaneZero = false
	assert.False(t, frustumCuller{cfg}.Cull(behind, false))
}

func TestFrustumGuardBand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HorzDiscard = 2 // guard band doubles the keep range on x
	c := frustumCuller{cfg}

	justOut := tri(
		mgl32.Vec4{1.5, 0, 0, 1},
		mgl32.Vec4{1.8, 0.5, 0, 1},
		mgl32.Vec4{1.9, -0.5, 0, 1},
	)
	assert.False(t, c.Cull(justOut, false))

	farOut := tri(
		mgl32.Vec4{2.5, 0, 0, 1},
		mgl32.Vec4{2.8, 0.5, 0, 1},
		mgl32.Vec4{2.9, -0.5, 0, 1},
	)
	assert.True(t, c.Cull(farOut, false))
}

func TestFrustumDividedFormats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.XYDividedByW = true
	cfg.ZDividedByW = true
	c := frustumCuller{cfg}

	// x values are NDC already; w must be ignored.
	out := tri(
		mgl32.Vec4{1.5, 0, 0, 100},
		mgl32.Vec4{2.0, 0.5, 0, 100},
		mgl32.Vec4{3.0, -0.5, 0, 100},
	)
	assert.True(t, c.Cull(out, false))
}

func TestBoxFilter(t *testing.T) {
	cfg := DefaultConfig()
	c := boxCuller{cfg}

	// Entirely outside +y in NDC.
	out := tri(
		mgl32.Vec4{-0.5, 3, 0, 1},
		mgl32.Vec4{0.5, 4, 0, 1},
		mgl32.Vec4{0, 5, 0, 1},
	)
	assert.True(t, c.Cull(out, false))
	assert.False(t, c.Cull(ccwFront(), false))

	// Box overlapping the range on all axes survives even when every vertex
	// is outside some half-space.
	straddle := tri(
		mgl32.Vec4{-3, 0, 0, 1},
		mgl32.Vec4{3, 0, 0, 1},
		mgl32.Vec4{0, 3, 0, 1},
	)
	assert.False(t, c.Cull(straddle, false))
}

func TestSphere(t *testing.T) {
	cfg := DefaultConfig()
	c := sphereCuller{cfg}

	assert.False(t, c.Cull(ccwFront(), false))

	// A distant sliver that straddles half-spaces diagonally: its closest
	// point to the origin is still far outside radius^2 = 3.
	far := tri(
		mgl32.Vec4{5, 5, 0, 1},
		mgl32.Vec4{6, 5, 0, 1},
		mgl32.Vec4{5, 6, 0, 1},
	)
	assert.True(t, c.Cull(far, false))

	// Closest point lands outside the simplex and must be clamped to an edge.
	edge := tri(
		mgl32.Vec4{10, -1, 0, 1},
		mgl32.Vec4{-1, 10, 0, 1},
		mgl32.Vec4{10, 10, 0, 1},
	)
	assert.True(t, c.Cull(edge, false))

	// Closest point beyond the far edge exercises the s+t > 1 clamp.
	beyond := tri(
		mgl32.Vec4{10, 10, 0, 1},
		mgl32.Vec4{4, 2, 0, 1},
		mgl32.Vec4{2, 4, 0, 1},
	)
	assert.True(t, c.Cull(beyond, false))
}

func TestSmallPrimitive(t *testing.T) {
	cfg := DefaultConfig()
	// 1920x1080 style viewport transform.
	cfg.VpScale = mgl32.Vec2{960, 540}
	cfg.VpOffset = mgl32.Vec2{960, 540}
	c := smallPrimCuller{cfg}

	// Sub-pixel triangle between two sample points.
	tiny := tri(
		mgl32.Vec4{0.30010, 0.30010, 0, 1},
		mgl32.Vec4{0.30025, 0.30010, 0, 1},
		mgl32.Vec4{0.30010, 0.30025, 0, 1},
	)
	assert.True(t, c.Cull(tiny, false))

	assert.False(t, c.Cull(ccwFront(), false))

	// Mixed w signs mark a clipped primitive; the filter must stand down.
	clipped := *tiny
	clipped.P[2] = mgl32.Vec4{0.30010, 0.30025, 0, -1}
	assert.False(t, c.Cull(&clipped, false))
}

func TestSmallPrimitiveDisabledUnderConservativeRaster(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConservativeRaster = true
	for _, c := range BuildChain(cfg) {
		assert.NotEqual(t, "small-primitive", c.Name())
	}
}

func TestCullDistance(t *testing.T) {
	cfg := DefaultConfig()
	c := distanceCuller{cfg}

	tr := ccwFront()
	tr.SignMask = [3]uint32{0b0110, 0b0100, 0b1100}
	// Plane 2 is negative on all three vertices.
	assert.True(t, c.Cull(tr, false))

	tr.SignMask = [3]uint32{0b0110, 0b0001, 0b1100}
	assert.False(t, c.Cull(tr, false))

	// The config mask can exclude the shared plane.
	cfg.CullDistanceMask = 0b0001
	c = distanceCuller{cfg}
	tr.SignMask = [3]uint32{0b0110, 0b0100, 0b1100}
	assert.False(t, c.Cull(tr, false))
}

func TestSignMask(t *testing.T) {
	assert.Equal(t, uint32(0b101), SignMask([]float32{-1, 2, -3}))
	assert.Equal(t, uint32(0), SignMask([]float32{0, 1}))
	// Negative zero carries its sign bit, matching hardware float semantics.
	negZero := float32(math.Copysign(0, -1))
	assert.Equal(t, uint32(1), SignMask([]float32{negZero}))
}

func TestChainOrderAndGating(t *testing.T) {
	chain := BuildChain(DefaultConfig())
	names := make([]string, len(chain))
	for i, c := range chain {
		names[i] = c.Name()
	}
	assert.Equal(t, []string{"backface", "frustum", "box", "sphere", "small-primitive", "cull-distance"}, names)

	cfg := DefaultConfig()
	cfg.Frustum = false
	cfg.Sphere = false
	chain = BuildChain(cfg)
	for _, c := range chain {
		assert.NotEqual(t, "frustum", c.Name())
		assert.NotEqual(t, "sphere", c.Name())
	}
	assert.Len(t, chain, 4)
}

func TestRunShortCircuitsAndORs(t *testing.T) {
	chain := BuildChain(DefaultConfig())

	// Already-culled input stays culled through every predicate.
	for _, c := range chain {
		assert.True(t, c.Cull(ccwFront(), true))
	}

	// The fold is a monotonic OR: a back-facing on-screen triangle is culled
	// even though the frustum and box predicates would pass it.
	assert.True(t, Run(chain, cwBack()))
	assert.False(t, Run(chain, ccwFront()))
}

func TestCullerIdempotence(t *testing.T) {
	chain := BuildChain(DefaultConfig())
	inputs := []*Triangle{ccwFront(), cwBack()}
	for _, in := range inputs {
		for _, c := range chain {
			first := c.Cull(in, false)
			second := c.Cull(in, false)
			assert.Equal(t, first, second, "culler %s not idempotent", c.Name())
		}
	}
}
