package primshader_test

import (
	"math"
	"testing"

	"github.com/gogpu/naga/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/primshader"
	"github.com/gogpu/primshader/cull"
	"github.com/gogpu/primshader/emu"
	"github.com/gogpu/primshader/hw"
	"github.com/gogpu/primshader/interp"
)

func handle(h ir.ExpressionHandle) *ir.ExpressionHandle { return &h }

func bindingPtr(b ir.Binding) *ir.Binding { return &b }

func u8ptr(v uint8) *uint8 { return &v }

// vsProgram is the pipeline fixture:
//
//	fn vs(@builtin(vertex_index) idx: u32, @location(0) scale: f32) -> VertexOut {
//	    let x = f32(idx) * 0.25;
//	    return VertexOut(vec4(x, 0, 0, 1), splat4(f32(idx) * scale));
//	}
func vsProgram() *ir.Module {
	f32 := ir.ScalarType{Kind: ir.ScalarFloat, Width: 4}
	u32 := ir.ScalarType{Kind: ir.ScalarUint, Width: 4}
	m := &ir.Module{Types: []ir.Type{
		{Name: "f32", Inner: f32},
		{Name: "u32", Inner: u32},
		{Name: "vec4f", Inner: ir.VectorType{Size: ir.Vec4, Scalar: f32}},
	}}
	m.Types = append(m.Types, ir.Type{
		Name: "VertexOut",
		Inner: ir.StructType{
			Members: []ir.StructMember{
				{Name: "position", Type: 2, Binding: bindingPtr(ir.BuiltinBinding{Builtin: ir.BuiltinPosition}), Offset: 0},
				{Name: "color", Type: 2, Binding: bindingPtr(ir.LocationBinding{Location: 0}), Offset: 16},
			},
			Span: 32,
		},
	})
	m.Functions = append(m.Functions, ir.Function{
		Name: "vs",
		Arguments: []ir.FunctionArgument{
			{Name: "idx", Type: 1, Binding: bindingPtr(ir.BuiltinBinding{Builtin: ir.BuiltinVertexIndex})},
			{Name: "scale", Type: 0, Binding: bindingPtr(ir.LocationBinding{Location: 0})},
		},
		Result: &ir.FunctionResult{Type: 3},
		Expressions: []ir.Expression{
			{Kind: ir.ExprFunctionArgument{Index: 0}},                          // e0 idx
			{Kind: ir.ExprFunctionArgument{Index: 1}},                          // e1 scale
			{Kind: ir.ExprAs{Expr: 0, Kind: ir.ScalarFloat, Convert: u8ptr(4)}}, // e2 f32(idx)
			{Kind: ir.Literal{Value: ir.LiteralF32(0.25)}},                     // e3
			{Kind: ir.ExprBinary{Op: ir.BinaryMultiply, Left: 2, Right: 3}},    // e4 x
			{Kind: ir.Literal{Value: ir.LiteralF32(0)}},                        // e5
			{Kind: ir.Literal{Value: ir.LiteralF32(1)}},                        // e6
			{Kind: ir.ExprCompose{Type: 2, Components: []ir.ExpressionHandle{4, 5, 5, 6}}}, // e7 position
			{Kind: ir.ExprBinary{Op: ir.BinaryMultiply, Left: 2, Right: 1}},    // e8
			{Kind: ir.ExprSplat{Size: ir.Vec4, Value: 8}},                      // e9 color
			{Kind: ir.ExprCompose{Type: 3, Components: []ir.ExpressionHandle{7, 9}}}, // e10
		},
		Body: []ir.Statement{
			{Kind: ir.StmtEmit{Range: ir.Range{Start: 0, End: 11}}},
			{Kind: ir.StmtReturn{Value: handle(10)}},
		},
	})
	return m
}

// cdProgram emits a cull distance of f32(idx) - 10 at location 1, so every
// small vertex index produces a negative distance.
func cdProgram() *ir.Module {
	f32 := ir.ScalarType{Kind: ir.ScalarFloat, Width: 4}
	u32 := ir.ScalarType{Kind: ir.ScalarUint, Width: 4}
	m := &ir.Module{Types: []ir.Type{
		{Name: "f32", Inner: f32},
		{Name: "u32", Inner: u32},
		{Name: "vec4f", Inner: ir.VectorType{Size: ir.Vec4, Scalar: f32}},
	}}
	m.Types = append(m.Types, ir.Type{
		Name: "Out",
		Inner: ir.StructType{
			Members: []ir.StructMember{
				{Name: "position", Type: 2, Binding: bindingPtr(ir.BuiltinBinding{Builtin: ir.BuiltinPosition}), Offset: 0},
				{Name: "dist", Type: 0, Binding: bindingPtr(ir.LocationBinding{Location: 1}), Offset: 16},
			},
			Span: 32,
		},
	})
	m.Functions = append(m.Functions, ir.Function{
		Name: "vs_cd",
		Arguments: []ir.FunctionArgument{
			{Name: "idx", Type: 1, Binding: bindingPtr(ir.BuiltinBinding{Builtin: ir.BuiltinVertexIndex})},
		},
		Result: &ir.FunctionResult{Type: 3},
		Expressions: []ir.Expression{
			{Kind: ir.ExprFunctionArgument{Index: 0}},                          // e0
			{Kind: ir.ExprAs{Expr: 0, Kind: ir.ScalarFloat, Convert: u8ptr(4)}}, // e1
			{Kind: ir.Literal{Value: ir.LiteralF32(0.25)}},                     // e2
			{Kind: ir.ExprBinary{Op: ir.BinaryMultiply, Left: 1, Right: 2}},    // e3
			{Kind: ir.Literal{Value: ir.LiteralF32(0)}},                        // e4
			{Kind: ir.Literal{Value: ir.LiteralF32(1)}},                        // e5
			{Kind: ir.ExprCompose{Type: 2, Components: []ir.ExpressionHandle{3, 4, 4, 5}}}, // e6
			{Kind: ir.Literal{Value: ir.LiteralF32(10)}},                       // e7
			{Kind: ir.ExprBinary{Op: ir.BinarySubtract, Left: 1, Right: 7}},    // e8 dist
			{Kind: ir.ExprCompose{Type: 3, Components: []ir.ExpressionHandle{6, 8}}}, // e9
		},
		Body: []ir.Statement{
			{Kind: ir.StmtEmit{Range: ir.Range{Start: 0, End: 10}}},
			{Kind: ir.StmtReturn{Value: handle(9)}},
		},
	})
	return m
}

func constScale(s float32) primshader.InputFn {
	return func(emu.VertexInput, uint32) (interp.Value, error) {
		return interp.F32(s), nil
	}
}

func triangle(ids ...uint32) emu.Input {
	in := emu.Input{}
	for _, id := range ids {
		in.Vertices = append(in.Vertices, emu.VertexInput{VertexID: id})
	}
	for base := uint32(0); base+3 <= uint32(len(ids)); base += 3 {
		in.Primitives = append(in.Primitives, emu.PrimitiveInput{
			Indices: [3]uint32{base, base + 1, base + 2},
		})
	}
	return in
}

func TestPipelinePassthrough(t *testing.T) {
	pipe, err := primshader.Compile(vsProgram(), 0, primshader.Config{
		GPU:       hw.InfoForChip(hw.Rev10_3),
		WaveSize:  64,
		ReadInput: constScale(2),
	})
	require.NoError(t, err)

	sg, err := pipe.NewSubgroup(3)
	require.NoError(t, err)
	out, err := sg.Run(triangle(0, 1, 2))
	require.NoError(t, err)

	assert.Equal(t, uint32(3), out.CountWord.VertexCount())
	assert.Equal(t, uint32(1), out.CountWord.PrimitiveCount())
	assert.False(t, out.CompactionRan)

	// Vertex 1: position (0.25, 0, 0, 1), color splat(1 * 2).
	require.Len(t, out.VertexExports, 3)
	exports := out.VertexExports[1]
	require.Len(t, exports, 2)

	assert.Equal(t, hw.TargetPosition, exports[0].Target)
	assert.Equal(t, [4]float32{0.25, 0, 0, 1}, exports[0].Values)
	assert.True(t, exports[0].Done)

	assert.Equal(t, hw.TargetAttribute, exports[1].Target)
	assert.Equal(t, uint32(0), exports[1].Slot)
	assert.Equal(t, [4]float32{2, 2, 2, 2}, exports[1].Values)
	assert.Equal(t, uint8(0xF), exports[1].Mask)
}

func TestPipelineCullingCompactsSurvivors(t *testing.T) {
	pipe, err := primshader.Compile(vsProgram(), 0, primshader.Config{
		GPU:        hw.InfoForChip(hw.Rev10_3),
		WaveSize:   64,
		Culling:    cull.Config{Frustum: true, HorzDiscard: 1, VertDiscard: 1},
		Compaction: true,
		ReadInput:  constScale(1),
	})
	require.NoError(t, err)

	// Vertex ids 8..10 land at x = 2.0..2.5, entirely right of the frustum.
	sg, err := pipe.NewSubgroup(6)
	require.NoError(t, err)
	out, err := sg.Run(triangle(0, 1, 2, 8, 9, 10))
	require.NoError(t, err)

	assert.True(t, out.CompactionRan)
	assert.Equal(t, uint32(3), out.CountWord.VertexCount())
	assert.Equal(t, uint32(1), out.CountWord.PrimitiveCount())
	require.Len(t, out.Connectivity, 1)
	assert.Equal(t, hw.PackConnectivity(0, 1, 2, false), out.Connectivity[0])

	require.Len(t, out.VertexExports, 3)
	assert.Equal(t, [4]float32{0.5, 0, 0, 1}, out.VertexExports[2][0].Values)
}

func TestPipelineSmallSubgroupSkipsCulling(t *testing.T) {
	pipe, err := primshader.Compile(vsProgram(), 0, primshader.Config{
		GPU:                    hw.InfoForChip(hw.Rev10_3),
		WaveSize:               64,
		Culling:                cull.Config{Frustum: true, HorzDiscard: 1, VertDiscard: 1},
		Compaction:             true,
		SmallSubgroupThreshold: 8,
		ReadInput:              constScale(1),
	})
	require.NoError(t, err)

	sg, err := pipe.NewSubgroup(6)
	require.NoError(t, err)
	out, err := sg.Run(triangle(0, 1, 2, 8, 9, 10))
	require.NoError(t, err)

	// Below the threshold the offscreen triangle passes straight through.
	assert.False(t, out.CompactionRan)
	assert.Equal(t, uint32(6), out.CountWord.VertexCount())
	assert.Equal(t, uint32(2), out.CountWord.PrimitiveCount())
	assert.False(t, out.Connectivity[1].IsNull())
}

func TestPipelineCullDistance(t *testing.T) {
	loc := uint32(1)
	pipe, err := primshader.Compile(cdProgram(), 0, primshader.Config{
		GPU:                  hw.InfoForChip(hw.Rev11_0),
		WaveSize:             64,
		Culling:              cull.Config{CullDistance: true, CullDistanceMask: ^uint32(0)},
		CullDistanceLocation: &loc,
	})
	require.NoError(t, err)
	assert.True(t, pipe.Fragments().FetcherReturnsStruct)

	// Every vertex's distance is negative, so the one primitive is culled and
	// this revision reports strictly zero output.
	sg, err := pipe.NewSubgroup(3)
	require.NoError(t, err)
	out, err := sg.Run(triangle(0, 1, 2))
	require.NoError(t, err)

	assert.True(t, out.FullyCulled)
	assert.Equal(t, uint32(0), out.CountWord.VertexCount())
	assert.Equal(t, uint32(0), out.CountWord.PrimitiveCount())
}

func TestPipelineTransformFeedback(t *testing.T) {
	stream := emu.NewXfbStream(64)
	pipe, err := primshader.Compile(vsProgram(), 0, primshader.Config{
		GPU:       hw.InfoForChip(hw.Rev10_3),
		WaveSize:  64,
		Xfb:       stream,
		ReadInput: constScale(2),
	})
	require.NoError(t, err)

	sg, err := pipe.NewSubgroup(3)
	require.NoError(t, err)
	out, err := sg.Run(triangle(0, 1, 2))
	require.NoError(t, err)

	// The stride derives from the output struct: vec4 position + vec4 color.
	assert.Equal(t, uint32(1), out.XfbPrimsWritten)
	data := stream.Data()
	require.Len(t, data, 24)

	// Vertex 0: position (0, 0, 0, 1) then color splat(0).
	assert.Equal(t, uint32(0), data[0])
	assert.Equal(t, math.Float32bits(1), data[3])
	// Vertex 1 starts at dword 8: position x = 0.25, color splat(2).
	assert.Equal(t, math.Float32bits(0.25), data[8])
	assert.Equal(t, math.Float32bits(2), data[12])
}

func TestCompileDiagnostics(t *testing.T) {
	loc := uint32(1)
	frustum := cull.Config{Frustum: true, HorzDiscard: 1, VertDiscard: 1}
	cases := []struct {
		name      string
		cfg       primshader.Config
		component string
	}{
		{"bad wave size", primshader.Config{WaveSize: 16}, "config"},
		{"culling with geometry stage", primshader.Config{
			WaveSize: 64, Culling: frustum, HasGeometryStage: true, ReadInput: constScale(1),
		}, "config"},
		{"compaction without culling", primshader.Config{
			WaveSize: 64, Compaction: true, ReadInput: constScale(1),
		}, "config"},
		{"cull-distance location without predicate", primshader.Config{
			WaveSize: 64, CullDistanceLocation: &loc, ReadInput: constScale(1),
		}, "config"},
		{"location input without reader", primshader.Config{
			WaveSize: 64,
		}, "program"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := primshader.Compile(vsProgram(), 0, tc.cfg)
			var d *primshader.Diagnostic
			require.ErrorAs(t, err, &d)
			assert.Equal(t, tc.component, d.Component)
		})
	}

	t.Run("entry out of range", func(t *testing.T) {
		_, err := primshader.Compile(vsProgram(), 5, primshader.Config{
			WaveSize: 64, ReadInput: constScale(1),
		})
		var d *primshader.Diagnostic
		require.ErrorAs(t, err, &d)
		assert.Equal(t, "program", d.Component)
	})
}
