package split

import (
	"testing"

	"github.com/gogpu/naga/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtinBinding(v ir.BuiltinValue) *ir.Binding {
	b := ir.Binding(ir.BuiltinBinding{Builtin: v})
	return &b
}

func locationBinding(l uint32) *ir.Binding {
	b := ir.Binding(ir.LocationBinding{Location: l})
	return &b
}

func handle(h ir.ExpressionHandle) *ir.ExpressionHandle { return &h }

// testModule builds a small vertex program:
//
//	e0 = arg0 (inPos: vec4f @location(0))
//	e1 = arg1 (shade: f32  @location(1))
//	e2 = 2.0
//	e3 = splat4(e2)
//	e4 = e0 * e3              -> position
//	e5 = splat4(e1)
//	e6 = e5 * e3              -> color (shares e3 with the position)
//	e7 = VertexOut{e4, e6}
//	return e7
func testModule(t *testing.T) *ir.Module {
	t.Helper()

	f32 := ir.ScalarType{Kind: ir.ScalarFloat, Width: 4}
	m := &ir.Module{
		Types: []ir.Type{
			{Name: "f32", Inner: f32},
			{Name: "vec4f", Inner: ir.VectorType{Size: ir.Vec4, Scalar: f32}},
		},
	}
	m.Types = append(m.Types, ir.Type{
		Name: "VertexOut",
		Inner: ir.StructType{
			Members: []ir.StructMember{
				{Name: "position", Type: 1, Binding: builtinBinding(ir.BuiltinPosition), Offset: 0},
				{Name: "color", Type: 1, Binding: locationBinding(0), Offset: 16},
			},
			Span: 32,
		},
	})

	fn := ir.Function{
		Name: "vs_main",
		Arguments: []ir.FunctionArgument{
			{Name: "inPos", Type: 1, Binding: locationBinding(0)},
			{Name: "shade", Type: 0, Binding: locationBinding(1)},
		},
		Result: &ir.FunctionResult{Type: 2},
		Expressions: []ir.Expression{
			{Kind: ir.ExprFunctionArgument{Index: 0}},
			{Kind: ir.ExprFunctionArgument{Index: 1}},
			{Kind: ir.Literal{Value: ir.LiteralF32(2.0)}},
			{Kind: ir.ExprSplat{Size: ir.Vec4, Value: 2}},
			{Kind: ir.ExprBinary{Op: ir.BinaryMultiply, Left: 0, Right: 3}},
			{Kind: ir.ExprSplat{Size: ir.Vec4, Value: 1}},
			{Kind: ir.ExprBinary{Op: ir.BinaryMultiply, Left: 5, Right: 3}},
			{Kind: ir.ExprCompose{Type: 2, Components: []ir.ExpressionHandle{4, 6}}},
		},
		Body: []ir.Statement{
			{Kind: ir.StmtEmit{Range: ir.Range{Start: 0, End: 8}}},
			{Kind: ir.StmtReturn{Value: handle(7)}},
		},
	}
	m.Functions = append(m.Functions, fn)
	return m
}

func TestSplitFetcherSlicesToPosition(t *testing.T) {
	m := testModule(t)
	res, err := Split(m, 0, Options{})
	require.NoError(t, err)

	fetcher := &res.Module.Functions[res.Fetcher]

	// The position slice is {arg0, 2.0, splat, multiply}; the color chain and
	// the struct composition are gone from the arena, not just unreferenced.
	assert.Len(t, fetcher.Expressions, 4)
	for _, e := range fetcher.Expressions {
		if b, ok := e.Kind.(ir.ExprBinary); ok {
			// The surviving multiply reads the surviving argument reference.
			arg, ok := fetcher.Expressions[b.Left].Kind.(ir.ExprFunctionArgument)
			require.True(t, ok)
			assert.Equal(t, uint32(0), arg.Index)
		}
	}

	require.NotNil(t, fetcher.Result)
	require.NotNil(t, fetcher.Result.Binding)
	b, ok := (*fetcher.Result.Binding).(ir.BuiltinBinding)
	require.True(t, ok)
	assert.Equal(t, ir.BuiltinPosition, b.Builtin)
	assert.False(t, res.FetcherReturnsStruct)

	// The return now yields the multiply directly.
	ret := fetcher.Body[len(fetcher.Body)-1].Kind.(ir.StmtReturn)
	require.NotNil(t, ret.Value)
	_, ok = fetcher.Expressions[*ret.Value].Kind.(ir.ExprBinary)
	assert.True(t, ok)
}

func TestSplitExporterTakesPrecomputedPosition(t *testing.T) {
	m := testModule(t)
	res, err := Split(m, 0, Options{})
	require.NoError(t, err)

	exporter := &res.Module.Functions[res.Exporter]

	require.Len(t, exporter.Arguments, 3)
	assert.Equal(t, "precomputedPosition", exporter.Arguments[2].Name)
	assert.Equal(t, uint32(2), res.PositionArg)

	// The position computation collapsed to an argument reference; only the
	// unshared operand (arg0) dropped out of the arena. Shared subexpressions
	// feeding the color stay.
	assert.Len(t, exporter.Expressions, 7)
	posArgs := 0
	for _, e := range exporter.Expressions {
		if a, ok := e.Kind.(ir.ExprFunctionArgument); ok && a.Index == res.PositionArg {
			posArgs++
		}
	}
	assert.Equal(t, 1, posArgs)

	// The struct composition survives, with the position component now the
	// argument reference.
	ret := exporter.Body[len(exporter.Body)-1].Kind.(ir.StmtReturn)
	require.NotNil(t, ret.Value)
	compose := exporter.Expressions[*ret.Value].Kind.(ir.ExprCompose)
	arg, ok := exporter.Expressions[compose.Components[0]].Kind.(ir.ExprFunctionArgument)
	require.True(t, ok)
	assert.Equal(t, res.PositionArg, arg.Index)
}

func TestSplitLeavesSourceModuleUntouched(t *testing.T) {
	m := testModule(t)
	_, err := Split(m, 0, Options{})
	require.NoError(t, err)

	f := &m.Functions[0]
	assert.Len(t, f.Expressions, 8)
	assert.Len(t, f.Arguments, 2)
	ret := f.Body[1].Kind.(ir.StmtReturn)
	assert.Equal(t, ir.ExpressionHandle(7), *ret.Value)
}

func TestSplitWithCullDistances(t *testing.T) {
	m := testModule(t)

	// Rebind the color output as the packed cull-distance location.
	st := m.Types[2].Inner.(ir.StructType)
	st.Members[1].Binding = locationBinding(7)
	m.Types[2].Inner = st

	cdLoc := uint32(7)
	res, err := Split(m, 0, Options{CullDistanceLocation: &cdLoc})
	require.NoError(t, err)
	assert.True(t, res.FetcherReturnsStruct)

	fetcher := &res.Module.Functions[res.Fetcher]
	require.NotNil(t, fetcher.Result)
	assert.Equal(t, "FetchCullData", res.Module.Types[fetcher.Result.Type].Name)

	// Both chains survive: position slice, distance slice, and the fresh
	// two-member composition.
	ret := fetcher.Body[len(fetcher.Body)-1].Kind.(ir.StmtReturn)
	require.NotNil(t, ret.Value)
	compose, ok := fetcher.Expressions[*ret.Value].Kind.(ir.ExprCompose)
	require.True(t, ok)
	assert.Len(t, compose.Components, 2)
}

func TestSplitErrors(t *testing.T) {
	t.Run("function handle out of range", func(t *testing.T) {
		m := testModule(t)
		_, err := Split(m, 9, Options{})
		assert.Error(t, err)
	})

	t.Run("no position output", func(t *testing.T) {
		m := testModule(t)
		st := m.Types[2].Inner.(ir.StructType)
		st.Members[0].Binding = locationBinding(3)
		m.Types[2].Inner = st
		_, err := Split(m, 0, Options{})
		assert.ErrorContains(t, err, "no position member")
	})

	t.Run("missing cull-distance location", func(t *testing.T) {
		m := testModule(t)
		cdLoc := uint32(9)
		_, err := Split(m, 0, Options{CullDistanceLocation: &cdLoc})
		assert.ErrorContains(t, err, "cull-distance location")
	})
}

func TestSplitControlFlowConditionSurvives(t *testing.T) {
	// Position computed through a local that is conditionally overwritten:
	// the fetcher must keep the branch and its condition.
	f32 := ir.ScalarType{Kind: ir.ScalarFloat, Width: 4}
	boolT := ir.ScalarType{Kind: ir.ScalarBool, Width: 1}
	m := &ir.Module{
		Types: []ir.Type{
			{Name: "vec4f", Inner: ir.VectorType{Size: ir.Vec4, Scalar: f32}},
			{Name: "bool", Inner: boolT},
		},
	}

	fn := ir.Function{
		Name: "vs_cond",
		Arguments: []ir.FunctionArgument{
			{Name: "inPos", Type: 0, Binding: locationBinding(0)},
			{Name: "flip", Type: 1, Binding: locationBinding(1)},
		},
		Result: &ir.FunctionResult{Type: 0, Binding: builtinBinding(ir.BuiltinPosition)},
		LocalVars: []ir.LocalVariable{
			{Name: "p", Type: 0, Init: handle(0)},
		},
		Expressions: []ir.Expression{
			{Kind: ir.ExprFunctionArgument{Index: 0}}, // e0
			{Kind: ir.ExprFunctionArgument{Index: 1}}, // e1 flip
			{Kind: ir.ExprLocalVariable{Variable: 0}}, // e2 &p
			{Kind: ir.ExprUnary{Op: ir.UnaryNegate, Expr: 0}}, // e3 -inPos
			{Kind: ir.ExprLoad{Pointer: 2}},           // e4 p
		},
		Body: []ir.Statement{
			{Kind: ir.StmtEmit{Range: ir.Range{Start: 0, End: 4}}},
			{Kind: ir.StmtIf{
				Condition: 1,
				Accept: ir.Block{
					{Kind: ir.StmtStore{Pointer: 2, Value: 3}},
				},
			}},
			{Kind: ir.StmtEmit{Range: ir.Range{Start: 4, End: 5}}},
			{Kind: ir.StmtReturn{Value: handle(4)}},
		},
	}
	m.Functions = append(m.Functions, fn)

	res, err := Split(m, 0, Options{})
	require.NoError(t, err)

	fetcher := &res.Module.Functions[res.Fetcher]

	// Everything is load-bearing here: the local, both argument references,
	// the negate, the store, and the branch condition.
	assert.Len(t, fetcher.Expressions, 5)
	assert.Len(t, fetcher.LocalVars, 1)

	foundIf := false
	for _, s := range fetcher.Body {
		if k, ok := s.Kind.(ir.StmtIf); ok {
			foundIf = true
			_, isArg := fetcher.Expressions[k.Condition].Kind.(ir.ExprFunctionArgument)
			assert.True(t, isArg, "branch condition must survive the slice")
			require.Len(t, k.Accept, 1)
			_, isStore := k.Accept[0].Kind.(ir.StmtStore)
			assert.True(t, isStore)
		}
	}
	assert.True(t, foundIf)
}
