// Package cull implements the per-primitive visibility predicates of the
// primitive shader: backface, frustum, box filter, sphere, small-primitive
// filter, and cull distance.
//
// Each predicate is pure and short-circuiting: it receives the triangle and
// the accumulated cull flag, skips its own computation when the flag is
// already set, and returns the OR of the flag with its own verdict. The
// enabled predicates are built once per pipeline configuration into an
// ordered chain and applied by a fold; the floating-point math follows the
// hardware sequence exactly so results match what the fixed-function path
// would decide.
package cull

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// WindingOrder selects which winding is considered front-facing.
type WindingOrder uint8

const (
	WindingCCW WindingOrder = iota
	WindingCW
)

// Config carries the compile-time culling state of one pipeline.
type Config struct {
	// Predicate enables, applied in the fixed order below.
	Backface       bool
	Frustum        bool
	BoxFilter      bool
	Sphere         bool
	SmallPrimitive bool
	CullDistance   bool

	FrontFace WindingOrder
	CullFront bool
	CullBack  bool

	// BackfaceExponent, when nonzero, suppresses backface culling for
	// triangles whose doubled area is below 10^-exponent / |w0*w1*w2|, so
	// thin but valid slivers survive.
	BackfaceExponent uint32

	// Wireframe disables the backface predicate entirely.
	Wireframe bool

	// ConservativeRaster disables the small-primitive filter.
	ConservativeRaster bool

	// XYDividedByW and ZDividedByW mark positions that arrive already
	// divided by w on the respective axes.
	XYDividedByW bool
	ZDividedByW  bool

	// NearPlaneZero selects the [0, w] clip-space near convention instead of
	// [-w, w].
	NearPlaneZero bool

	// HorzDiscard/VertDiscard are the guard-band-adjusted half-extents of
	// the discard range in NDC. 1.0 means no guard band.
	HorzDiscard float32
	VertDiscard float32

	// VpScale/VpOffset map NDC to screen space for the small-primitive
	// filter.
	VpScale  mgl32.Vec2
	VpOffset mgl32.Vec2

	// CullDistanceMask selects which clip planes participate in
	// cull-distance culling.
	CullDistanceMask uint32
}

// DefaultConfig enables every predicate with neutral state: CCW front faces,
// backface culling of back faces, unit discard range.
func DefaultConfig() Config {
	return Config{
		Backface:         true,
		Frustum:          true,
		BoxFilter:        true,
		Sphere:           true,
		SmallPrimitive:   true,
		CullDistance:     true,
		FrontFace:        WindingCCW,
		CullBack:         true,
		HorzDiscard:      1,
		VertDiscard:      1,
		VpScale:          mgl32.Vec2{1, 1},
		CullDistanceMask: ^uint32(0),
	}
}

// Triangle is the frozen input of one culling pass: three homogeneous
// clip-space positions and, when cull distances are enabled, the per-vertex
// sign bitmask of the distances.
type Triangle struct {
	P        [3]mgl32.Vec4
	SignMask [3]uint32
}

// Culler is one predicate of the chain.
type Culler interface {
	// Name identifies the predicate in diagnostics.
	Name() string

	// Cull returns culled OR'd with this predicate's verdict. When culled is
	// already true the predicate must skip its computation.
	Cull(t *Triangle, culled bool) bool
}

// BuildChain constructs the ordered predicate chain for a configuration.
// Predicates the configuration disables, and predicates suppressed by mode
// (wireframe, conservative rasterization), do not appear at all.
func BuildChain(cfg Config) []Culler {
	var chain []Culler
	if cfg.Backface && !cfg.Wireframe {
		chain = append(chain, backfaceCuller{cfg})
	}
	if cfg.Frustum {
		chain = append(chain, frustumCuller{cfg})
	}
	if cfg.BoxFilter {
		chain = append(chain, boxCuller{cfg})
	}
	if cfg.Sphere {
		chain = append(chain, sphereCuller{cfg})
	}
	if cfg.SmallPrimitive && !cfg.ConservativeRaster {
		chain = append(chain, smallPrimCuller{cfg})
	}
	if cfg.CullDistance {
		chain = append(chain, distanceCuller{cfg})
	}
	return chain
}

// Run folds the chain over one triangle.
func Run(chain []Culler, t *Triangle) bool {
	culled := false
	for _, c := range chain {
		culled = c.Cull(t, culled)
	}
	return culled
}

// ndc converts one clip-space position to normalized device coordinates,
// honoring the already-divided-by-w format flags.
func (c *Config) ndc(p mgl32.Vec4) mgl32.Vec3 {
	x, y, z, w := p.X(), p.Y(), p.Z(), p.W()
	if !c.XYDividedByW {
		x /= w
		y /= w
	}
	if !c.ZDividedByW {
		z /= w
	}
	return mgl32.Vec3{x, y, z}
}

// nearBound returns the NDC near-plane bound for the configured clip-space
// convention.
func (c *Config) nearBound() float32 {
	if c.NearPlaneZero {
		return 0
	}
	return -1
}

// backfaceCuller culls by the sign of the doubled signed area, computed as a
// 3x3 determinant of the homogeneous x/y/w coordinates.
type backfaceCuller struct{ cfg Config }

func (backfaceCuller) Name() string { return "backface" }

func (c backfaceCuller) Cull(t *Triangle, culled bool) bool {
	if culled {
		return true
	}
	p0, p1, p2 := t.P[0], t.P[1], t.P[2]

	// 2 * signed area:
	//   | x0 y0 w0 |
	//   | x1 y1 w1 |
	//   | x2 y2 w2 |
	area := mgl32.Mat3FromRows(
		mgl32.Vec3{p0.X(), p0.Y(), p0.W()},
		mgl32.Vec3{p1.X(), p1.Y(), p1.W()},
		mgl32.Vec3{p2.X(), p2.Y(), p2.W()},
	).Det()
	if c.cfg.FrontFace == WindingCW {
		area = -area
	}

	cull := area == 0 ||
		(area > 0 && c.cfg.CullFront) ||
		(area < 0 && c.cfg.CullBack)

	if cull && c.cfg.BackfaceExponent != 0 {
		// Relative sliver threshold: triangles this thin may still produce
		// coverage, so the verdict is withdrawn.
		wProduct := p0.W() * p1.W() * p2.W()
		threshold := float32(math.Pow(10, -float64(c.cfg.BackfaceExponent))) / mgl32.Abs(wProduct)
		if mgl32.Abs(area) < threshold {
			cull = false
		}
	}
	return cull
}

// Frustum outcode bits, one per violated half-space.
const (
	outLeft = 1 << iota
	outRight
	outBottom
	outTop
	outNear
	outFar
)

// frustumCuller culls when all three vertices violate a common half-space of
// the guard-band-adjusted frustum.
type frustumCuller struct{ cfg Config }

func (frustumCuller) Name() string { return "frustum" }

func (c frustumCuller) Cull(t *Triangle, culled bool) bool {
	if culled {
		return true
	}
	mask := c.outcode(t.P[0]) & c.outcode(t.P[1]) & c.outcode(t.P[2])
	return mask != 0
}

// outcode computes the 6-bit violated-half-space mask for one vertex. The
// comparison happens in clip space against bound*w, with already-divided
// axes comparing against the bound directly; a negative divisor is
// projectively negated so the half-space tests keep their orientation.
func (c frustumCuller) outcode(p mgl32.Vec4) uint32 {
	x, y, z := p.X(), p.Y(), p.Z()

	xyw, zw := p.W(), p.W()
	if c.cfg.XYDividedByW {
		xyw = 1
	}
	if c.cfg.ZDividedByW {
		zw = 1
	}
	if xyw < 0 {
		x, y, xyw = -x, -y, -xyw
	}
	if zw < 0 {
		z, zw = -z, -zw
	}

	var mask uint32
	if x < -c.cfg.HorzDiscard*xyw {
		mask |= outLeft
	}
	if x > c.cfg.HorzDiscard*xyw {
		mask |= outRight
	}
	if y < -c.cfg.VertDiscard*xyw {
		mask |= outBottom
	}
	if y > c.cfg.VertDiscard*xyw {
		mask |= outTop
	}
	if z < c.cfg.nearBound()*zw {
		mask |= outNear
	}
	if z > zw {
		mask |= outFar
	}
	return mask
}

// boxCuller culls when the NDC bounding box of the triangle lies entirely
// outside the discard range on any axis.
type boxCuller struct{ cfg Config }

func (boxCuller) Name() string { return "box" }

func (c boxCuller) Cull(t *Triangle, culled bool) bool {
	if culled {
		return true
	}
	v0 := c.cfg.ndc(t.P[0])
	v1 := c.cfg.ndc(t.P[1])
	v2 := c.cfg.ndc(t.P[2])

	minV := minVec3(v0, minVec3(v1, v2))
	maxV := maxVec3(v0, maxVec3(v1, v2))

	return minV.X() > c.cfg.HorzDiscard || maxV.X() < -c.cfg.HorzDiscard ||
		minV.Y() > c.cfg.VertDiscard || maxV.Y() < -c.cfg.VertDiscard ||
		minV.Z() > 1 || maxV.Z() < c.cfg.nearBound()
}

// sphereCuller culls when the triangle lies entirely outside the sphere
// circumscribing the canonical discard cube (radius^2 = 3).
type sphereCuller struct{ cfg Config }

func (sphereCuller) Name() string { return "sphere" }

// sphereRadiusSq is the squared radius of the sphere circumscribing the
// [-1, 1]^3 discard cube.
const sphereRadiusSq = 3.0

func (c sphereCuller) Cull(t *Triangle, culled bool) bool {
	if culled {
		return true
	}
	v0 := c.discardSpace(t.P[0])
	v1 := c.discardSpace(t.P[1])
	v2 := c.discardSpace(t.P[2])

	// Closest point on the triangle's plane to the origin, in barycentric
	// form: minimize |v0 + s*e1 + t*e2|^2, a 2x2 linear system solved by
	// Cramer's rule.
	e1 := v1.Sub(v0)
	e2 := v2.Sub(v0)
	a := e1.Dot(e1)
	b := e1.Dot(e2)
	cc := e2.Dot(e2)
	d := -v0.Dot(e1)
	e := -v0.Dot(e2)

	det := a*cc - b*b
	if det <= 0 {
		// Degenerate triangle; leave the verdict to the other predicates.
		return false
	}
	s := (d*cc - b*e) / det
	u := (a*e - b*d) / det

	// Clamp to the valid barycentric simplex.
	s = mgl32.Clamp(s, 0, 1)
	u = mgl32.Clamp(u, 0, 1)
	if sum := s + u; sum > 1 {
		s /= sum
		u /= sum
	}

	p := v0.Add(e1.Mul(s)).Add(e2.Mul(u))
	return p.Dot(p) > sphereRadiusSq
}

// discardSpace maps an NDC position into the normalized discard space where
// the discard range is the unit cube.
func (c sphereCuller) discardSpace(p mgl32.Vec4) mgl32.Vec3 {
	v := c.cfg.ndc(p)
	z := v.Z()
	if c.cfg.NearPlaneZero {
		z = 2*z - 1
	}
	return mgl32.Vec3{v.X() / c.cfg.HorzDiscard, v.Y() / c.cfg.VertDiscard, z}
}

// smallPrimCuller culls primitives whose screen-space bounding box, expanded
// by a small epsilon and rounded to pixel boundaries, covers no sample on at
// least one axis. The test only applies to unclipped primitives, which is
// approximated by requiring a consistent sign across the three w components.
type smallPrimCuller struct{ cfg Config }

func (smallPrimCuller) Name() string { return "small-primitive" }

// smallPrimEpsilon guards against boxes landing exactly on a pixel boundary.
const smallPrimEpsilon = 1.0 / 256.0

func (c smallPrimCuller) Cull(t *Triangle, culled bool) bool {
	if culled {
		return true
	}

	w0, w1, w2 := t.P[0].W(), t.P[1].W(), t.P[2].W()
	consistentW := (w0 > 0 && w1 > 0 && w2 > 0) || (w0 < 0 && w1 < 0 && w2 < 0)
	if !consistentW {
		return false
	}

	v0 := c.screen(t.P[0])
	v1 := c.screen(t.P[1])
	v2 := c.screen(t.P[2])

	minX := roundf(min3(v0.X(), v1.X(), v2.X()) - smallPrimEpsilon)
	maxX := roundf(max3(v0.X(), v1.X(), v2.X()) + smallPrimEpsilon)
	minY := roundf(min3(v0.Y(), v1.Y(), v2.Y()) - smallPrimEpsilon)
	maxY := roundf(max3(v0.Y(), v1.Y(), v2.Y()) + smallPrimEpsilon)

	return minX == maxX || minY == maxY
}

// screen maps one vertex to screen space.
func (c smallPrimCuller) screen(p mgl32.Vec4) mgl32.Vec2 {
	v := c.cfg.ndc(p)
	return mgl32.Vec2{
		v.X()*c.cfg.VpScale.X() + c.cfg.VpOffset.X(),
		v.Y()*c.cfg.VpScale.Y() + c.cfg.VpOffset.Y(),
	}
}

// distanceCuller culls when the three vertices share a negative cull
// distance on any enabled clip plane.
type distanceCuller struct{ cfg Config }

func (distanceCuller) Name() string { return "cull-distance" }

func (c distanceCuller) Cull(t *Triangle, culled bool) bool {
	if culled {
		return true
	}
	mask := t.SignMask[0] & t.SignMask[1] & t.SignMask[2] & c.cfg.CullDistanceMask
	return mask != 0
}

// SignMask packs the sign bits of up to eight cull distances into the
// per-vertex bitmask the distance culler consumes.
func SignMask(distances []float32) uint32 {
	var mask uint32
	for i, d := range distances {
		if math.Signbit(float64(d)) {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

func minVec3(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{min(a.X(), b.X()), min(a.Y(), b.Y()), min(a.Z(), b.Z())}
}

func maxVec3(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{max(a.X(), b.X()), max(a.Y(), b.Y()), max(a.Z(), b.Z())}
}

func min3(a, b, c float32) float32 { return min(a, min(b, c)) }
func max3(a, b, c float32) float32 { return max(a, max(b, c)) }

func roundf(v float32) float32 { return float32(math.Round(float64(v))) }
