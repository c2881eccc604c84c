// Package split divides a vertex-stage program into two fragments: a fetcher
// that computes only the clip-space position (and cull-distance values, when
// enabled), and a deferred exporter that receives the already-computed
// position as an extra input and performs the remaining output work.
//
// The fetcher is the program's backward slice over the position outputs; its
// results are bit-identical to what the unsplit program would produce for the
// same inputs, because the retained instructions are the original ones, in
// the original order. The exporter is the original program with the position
// expression replaced by an argument reference, after which the orphaned
// position computation is deleted.
package split

import (
	"fmt"

	"github.com/gogpu/naga/ir"
)

// Options configures the split.
type Options struct {
	// CullDistanceLocation, when set, names the user output location that
	// carries the packed cull-distance values; the fetcher then returns a
	// struct of position and distances instead of a bare position.
	CullDistanceLocation *uint32
}

// Result holds the two fragments, both living in the cloned module.
type Result struct {
	// Module is a clone of the source module with the fragments appended.
	// The source module is never modified.
	Module *ir.Module

	Fetcher  ir.FunctionHandle
	Exporter ir.FunctionHandle

	// PositionArg is the index of the position argument added to the
	// exporter's signature.
	PositionArg uint32

	// FetcherReturnsStruct is set when cull distances are enabled: the
	// fetcher then returns {position, distances} instead of a bare vec4.
	FetcherReturnsStruct bool
}

// Split produces the fetcher and deferred exporter for one vertex-stage
// function.
func Split(m *ir.Module, fn ir.FunctionHandle, opts Options) (*Result, error) {
	if int(fn) >= len(m.Functions) {
		return nil, fmt.Errorf("split: function handle %d out of range", fn)
	}

	out := cloneModule(m)
	src := &out.Functions[fn]

	posMember, cdMember, err := positionInfo(out, src, opts)
	if err != nil {
		return nil, err
	}

	fetcher := cloneFunction(src)
	fetcher.Name = src.Name + "_fetchCullData"
	if err := buildFetcher(out, &fetcher, posMember, cdMember); err != nil {
		return nil, err
	}

	exporter := cloneFunction(src)
	exporter.Name = src.Name + "_deferredExport"
	posArg, err := buildExporter(out, &exporter, posMember)
	if err != nil {
		return nil, err
	}

	fetcherHandle := ir.FunctionHandle(len(out.Functions))
	out.Functions = append(out.Functions, fetcher)
	exporterHandle := ir.FunctionHandle(len(out.Functions))
	out.Functions = append(out.Functions, exporter)

	return &Result{
		Module:               out,
		Fetcher:              fetcherHandle,
		Exporter:             exporterHandle,
		PositionArg:          posArg,
		FetcherReturnsStruct: cdMember >= 0,
	}, nil
}

// positionInfo locates the position (and optional cull-distance) output in
// the function's result. posMember is -1 when the whole return value is the
// position.
func positionInfo(m *ir.Module, f *ir.Function, opts Options) (posMember, cdMember int, err error) {
	if f.Result == nil {
		return 0, 0, fmt.Errorf("split: function %q has no result", f.Name)
	}
	if f.Result.Binding != nil {
		if b, ok := (*f.Result.Binding).(ir.BuiltinBinding); ok && b.Builtin == ir.BuiltinPosition {
			if opts.CullDistanceLocation != nil {
				return 0, 0, fmt.Errorf("split: function %q returns a bare position; no member can carry cull distances", f.Name)
			}
			return -1, -1, nil
		}
	}

	st, ok := m.Types[f.Result.Type].Inner.(ir.StructType)
	if !ok {
		return 0, 0, fmt.Errorf("split: cannot locate position output of function %q", f.Name)
	}
	posMember, cdMember = -1, -1
	for i, member := range st.Members {
		if member.Binding == nil {
			continue
		}
		switch b := (*member.Binding).(type) {
		case ir.BuiltinBinding:
			if b.Builtin == ir.BuiltinPosition {
				posMember = i
			}
		case ir.LocationBinding:
			if opts.CullDistanceLocation != nil && b.Location == *opts.CullDistanceLocation {
				cdMember = i
			}
		}
	}
	if posMember < 0 {
		return 0, 0, fmt.Errorf("split: function %q has no position member", f.Name)
	}
	if opts.CullDistanceLocation != nil && cdMember < 0 {
		return 0, 0, fmt.Errorf("split: function %q has no output at cull-distance location %d", f.Name, *opts.CullDistanceLocation)
	}
	return posMember, cdMember, nil
}

// returnComponents resolves the position (and cull-distance) expression of
// one return statement.
func returnComponents(f *ir.Function, value ir.ExpressionHandle, posMember, cdMember int) (pos, cd ir.ExpressionHandle, err error) {
	if posMember < 0 {
		return value, 0, nil
	}
	compose, ok := f.Expressions[value].Kind.(ir.ExprCompose)
	if !ok {
		return 0, 0, fmt.Errorf("split: return value of %q is not a struct composition", f.Name)
	}
	pos = compose.Components[posMember]
	if cdMember >= 0 {
		cd = compose.Components[cdMember]
	}
	return pos, cd, nil
}

// buildFetcher reduces f to the backward slice of its position output.
func buildFetcher(m *ir.Module, f *ir.Function, posMember, cdMember int) error {
	cdType := ir.TypeHandle(0)
	if cdMember >= 0 {
		st := m.Types[f.Result.Type].Inner.(ir.StructType)
		cdType = st.Members[cdMember].Type
	}

	s := &slicer{f: f}

	// Rewrite every return to yield the position (or {position, distances}),
	// collecting the slice roots.
	var rewriteErr error
	rewriteReturns(f.Body, func(ret *ir.StmtReturn) {
		if ret.Value == nil {
			rewriteErr = fmt.Errorf("split: function %q returns no value", f.Name)
			return
		}
		pos, cd, err := returnComponents(f, *ret.Value, posMember, cdMember)
		if err != nil {
			rewriteErr = err
			return
		}
		if cdMember >= 0 {
			// Compose {position, distances}; the new expression is appended
			// to the arena and emitted just before the return.
			composeType := fetchResultType(m, cdType)
			h := appendExpression(f, ir.ExprCompose{
				Type:       composeType,
				Components: []ir.ExpressionHandle{pos, cd},
			}, ir.TypeResolution{Handle: &composeType})
			ret.Value = &h
			s.emitBeforeReturn = append(s.emitBeforeReturn, h)
		} else {
			ret.Value = &pos
		}
		s.markRoot(pos)
		if cdMember >= 0 {
			s.markRoot(cd)
			s.markRoot(*ret.Value)
		}
	})
	if rewriteErr != nil {
		return rewriteErr
	}

	s.fixpoint()
	f.Body = s.filterBlock(f.Body)
	s.compact()

	// The fetcher's contract is a bare position (or the packed struct).
	if cdMember >= 0 {
		f.Result = &ir.FunctionResult{Type: fetchResultType(m, cdType)}
	} else {
		b := ir.Binding(ir.BuiltinBinding{Builtin: ir.BuiltinPosition})
		f.Result = &ir.FunctionResult{
			Type:    vec4Type(m),
			Binding: &b,
		}
	}
	return nil
}

// buildExporter rewires f to accept the precomputed position as an argument
// and strips the now-orphaned position computation.
func buildExporter(m *ir.Module, f *ir.Function, posMember int) (uint32, error) {
	argIdx := uint32(len(f.Arguments))
	f.Arguments = append(f.Arguments, ir.FunctionArgument{
		Name: "precomputedPosition",
		Type: vec4Type(m),
	})

	var rewriteErr error
	rewriteReturns(f.Body, func(ret *ir.StmtReturn) {
		if ret.Value == nil {
			rewriteErr = fmt.Errorf("split: function %q returns no value", f.Name)
			return
		}
		pos, _, err := returnComponents(f, *ret.Value, posMember, -1)
		if err != nil {
			rewriteErr = err
			return
		}
		// In-place substitution: every use of the position expression now
		// reads the argument; its operand subtree goes dead unless shared
		// with other outputs.
		f.Expressions[pos] = ir.Expression{Kind: ir.ExprFunctionArgument{Index: argIdx}}
		if len(f.ExpressionTypes) > 0 {
			th := vec4Type(m)
			f.ExpressionTypes[pos] = ir.TypeResolution{Handle: &th}
		}
	})
	if rewriteErr != nil {
		return 0, rewriteErr
	}

	// The exporter keeps all remaining side effects; only unreferenced
	// expressions are deleted.
	s := &slicer{f: f, keepSideEffects: true}
	s.markStatementRoots(f.Body)
	s.fixpoint()
	f.Body = s.filterBlock(f.Body)
	s.compact()
	return argIdx, nil
}

// rewriteReturns invokes fn on every return statement in the tree, allowing
// in-place mutation.
func rewriteReturns(b []ir.Statement, fn func(*ir.StmtReturn)) {
	for i := range b {
		switch k := b[i].Kind.(type) {
		case ir.StmtReturn:
			fn(&k)
			b[i].Kind = k
		case ir.StmtBlock:
			rewriteReturns(k.Block, fn)
		case ir.StmtIf:
			rewriteReturns(k.Accept, fn)
			rewriteReturns(k.Reject, fn)
		case ir.StmtSwitch:
			for _, c := range k.Cases {
				rewriteReturns(c.Body, fn)
			}
		case ir.StmtLoop:
			rewriteReturns(k.Body, fn)
			rewriteReturns(k.Continuing, fn)
		}
	}
}

// appendExpression adds an expression to the function's arena.
func appendExpression(f *ir.Function, kind ir.ExpressionKind, typ ir.TypeResolution) ir.ExpressionHandle {
	h := ir.ExpressionHandle(len(f.Expressions))
	f.Expressions = append(f.Expressions, ir.Expression{Kind: kind})
	if len(f.ExpressionTypes) > 0 {
		f.ExpressionTypes = append(f.ExpressionTypes, typ)
	}
	return h
}

// vec4Type finds or adds the vec4<f32> type.
func vec4Type(m *ir.Module) ir.TypeHandle {
	want := ir.VectorType{Size: ir.Vec4, Scalar: ir.ScalarType{Kind: ir.ScalarFloat, Width: 4}}
	for i, t := range m.Types {
		if t.Inner == want {
			return ir.TypeHandle(i)
		}
	}
	m.Types = append(m.Types, ir.Type{Name: "vec4f", Inner: want})
	return ir.TypeHandle(len(m.Types) - 1)
}

// fetchResultType finds or adds the {position, distances} struct the fetcher
// returns when cull distances are enabled.
func fetchResultType(m *ir.Module, cdType ir.TypeHandle) ir.TypeHandle {
	const name = "FetchCullData"
	for i, t := range m.Types {
		if t.Name == name {
			return ir.TypeHandle(i)
		}
	}
	pos := vec4Type(m)
	m.Types = append(m.Types, ir.Type{
		Name: name,
		Inner: ir.StructType{
			Members: []ir.StructMember{
				{Name: "position", Type: pos, Offset: 0},
				{Name: "cullDistance", Type: cdType, Offset: 16},
			},
			Span: 32,
		},
	})
	return ir.TypeHandle(len(m.Types) - 1)
}
