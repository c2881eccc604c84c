package split

import "github.com/gogpu/naga/ir"

// slicer computes the set of expressions and locals a program slice needs,
// filters the statement tree down to that slice, and compacts the expression
// arena so the deleted work is truly gone rather than merely unreferenced.
type slicer struct {
	f *ir.Function

	// keepSideEffects retains all stores/calls (exporter mode); otherwise
	// only side effects feeding the slice survive (fetcher mode).
	keepSideEffects bool

	needed       map[ir.ExpressionHandle]bool
	neededLocals map[uint32]bool

	// emitBeforeReturn holds freshly appended expressions that must be
	// emitted immediately before the return consuming them.
	emitBeforeReturn []ir.ExpressionHandle
}

func (s *slicer) init() {
	if s.needed == nil {
		s.needed = make(map[ir.ExpressionHandle]bool)
		s.neededLocals = make(map[uint32]bool)
	}
}

// markRoot marks an expression and its transitive operands as needed.
func (s *slicer) markRoot(h ir.ExpressionHandle) {
	s.init()
	s.mark(h)
}

func (s *slicer) mark(h ir.ExpressionHandle) {
	if s.needed[h] {
		return
	}
	s.needed[h] = true

	switch k := s.f.Expressions[h].Kind.(type) {
	case ir.ExprLocalVariable:
		s.markLocal(k.Variable)
	case ir.ExprLoad:
		if local, ok := rootLocal(s.f, k.Pointer); ok {
			s.markLocal(local)
		}
	}
	exprOperands(s.f.Expressions[h], s.mark)
}

func (s *slicer) markLocal(local uint32) {
	if s.neededLocals[local] {
		return
	}
	s.neededLocals[local] = true
	if init := s.f.LocalVars[local].Init; init != nil {
		s.mark(*init)
	}
}

// markStatementRoots marks every expression the statement tree references.
// Used in exporter mode, where all statements survive.
func (s *slicer) markStatementRoots(b []ir.Statement) {
	s.init()
	for _, stmt := range b {
		switch k := stmt.Kind.(type) {
		case ir.StmtEmit:
			// Emits are rebuilt from the needed set; they are not roots.
		case ir.StmtBlock:
			s.markStatementRoots(k.Block)
		case ir.StmtIf:
			s.mark(k.Condition)
			s.markStatementRoots(k.Accept)
			s.markStatementRoots(k.Reject)
		case ir.StmtSwitch:
			s.mark(k.Selector)
			for _, c := range k.Cases {
				s.markStatementRoots(c.Body)
			}
		case ir.StmtLoop:
			s.markStatementRoots(k.Body)
			s.markStatementRoots(k.Continuing)
			if k.BreakIf != nil {
				s.mark(*k.BreakIf)
			}
		case ir.StmtReturn:
			if k.Value != nil {
				s.mark(*k.Value)
			}
		case ir.StmtStore:
			s.mark(k.Pointer)
			s.mark(k.Value)
		case ir.StmtImageStore:
			s.mark(k.Image)
			s.mark(k.Coordinate)
			if k.ArrayIndex != nil {
				s.mark(*k.ArrayIndex)
			}
			s.mark(k.Value)
		case ir.StmtAtomic:
			s.mark(k.Pointer)
			s.mark(k.Value)
			if k.Result != nil {
				s.mark(*k.Result)
			}
		case ir.StmtCall:
			for _, a := range k.Arguments {
				s.mark(a)
			}
			if k.Result != nil {
				s.mark(*k.Result)
			}
		case ir.StmtWorkGroupUniformLoad:
			s.mark(k.Pointer)
			s.mark(k.Result)
		}
	}
}

// fixpoint pulls in side effects that feed the slice: stores to needed
// locals, control-flow conditions guarding kept statements, and calls whose
// results are consumed. Iterates until the needed set stops growing.
func (s *slicer) fixpoint() {
	s.init()
	for {
		before := len(s.needed) + len(s.neededLocals)
		s.sweep(s.f.Body)
		if len(s.needed)+len(s.neededLocals) == before {
			return
		}
	}
}

// sweep walks the tree once, marking the inputs of statements that will be
// kept under the current needed set.
func (s *slicer) sweep(b []ir.Statement) (kept bool) {
	for _, stmt := range b {
		switch k := stmt.Kind.(type) {
		case ir.StmtEmit:
			for h := k.Range.Start; h < k.Range.End; h++ {
				if s.needed[h] {
					kept = true
					break
				}
			}
		case ir.StmtBreak, ir.StmtContinue:
			kept = true
		case ir.StmtBlock:
			kept = s.sweep(k.Block) || kept
		case ir.StmtIf:
			inner := s.sweep(k.Accept)
			inner = s.sweep(k.Reject) || inner
			if inner {
				s.mark(k.Condition)
				kept = true
			}
		case ir.StmtSwitch:
			inner := false
			for _, c := range k.Cases {
				inner = s.sweep(c.Body) || inner
			}
			if inner {
				s.mark(k.Selector)
				kept = true
			}
		case ir.StmtLoop:
			inner := s.sweep(k.Body)
			inner = s.sweep(k.Continuing) || inner
			if inner {
				if k.BreakIf != nil {
					s.mark(*k.BreakIf)
				}
				kept = true
			}
		case ir.StmtStore:
			if s.storeKept(k) {
				s.mark(k.Pointer)
				s.mark(k.Value)
				kept = true
			}
		case ir.StmtCall:
			if s.callKept(k) {
				for _, a := range k.Arguments {
					s.mark(a)
				}
				kept = true
			}
		case ir.StmtAtomic:
			if s.atomicKept(k) {
				s.mark(k.Pointer)
				s.mark(k.Value)
				if k.Result != nil {
					s.mark(*k.Result)
				}
				kept = true
			}
		case ir.StmtReturn:
			kept = true
		}
	}
	return kept
}

func (s *slicer) storeKept(k ir.StmtStore) bool {
	if s.keepSideEffects {
		return true
	}
	local, ok := rootLocal(s.f, k.Pointer)
	return ok && s.neededLocals[local]
}

func (s *slicer) callKept(k ir.StmtCall) bool {
	if s.keepSideEffects {
		return true
	}
	return k.Result != nil && s.needed[*k.Result]
}

func (s *slicer) atomicKept(k ir.StmtAtomic) bool {
	if s.keepSideEffects {
		return true
	}
	if k.Result != nil && s.needed[*k.Result] {
		return true
	}
	local, ok := rootLocal(s.f, k.Pointer)
	return ok && s.neededLocals[local]
}

// filterBlock rebuilds a block keeping only the statements of the slice.
// Emit statements are rebuilt as contiguous runs over needed expressions;
// control flow whose filtered bodies are empty is dropped.
func (s *slicer) filterBlock(b []ir.Statement) []ir.Statement {
	var out []ir.Statement
	for _, stmt := range b {
		switch k := stmt.Kind.(type) {
		case ir.StmtEmit:
			out = append(out, s.emitRuns(k.Range)...)
		case ir.StmtBlock:
			inner := s.filterBlock(k.Block)
			if len(inner) > 0 {
				out = append(out, ir.Statement{Kind: ir.StmtBlock{Block: inner}})
			}
		case ir.StmtIf:
			accept := s.filterBlock(k.Accept)
			reject := s.filterBlock(k.Reject)
			if len(accept) > 0 || len(reject) > 0 {
				out = append(out, ir.Statement{Kind: ir.StmtIf{
					Condition: k.Condition,
					Accept:    accept,
					Reject:    reject,
				}})
			}
		case ir.StmtSwitch:
			cases := make([]ir.SwitchCase, len(k.Cases))
			any := false
			for i, c := range k.Cases {
				cases[i] = ir.SwitchCase{Value: c.Value, Body: s.filterBlock(c.Body), FallThrough: c.FallThrough}
				any = any || len(cases[i].Body) > 0
			}
			if any {
				out = append(out, ir.Statement{Kind: ir.StmtSwitch{Selector: k.Selector, Cases: cases}})
			}
		case ir.StmtLoop:
			body := s.filterBlock(k.Body)
			continuing := s.filterBlock(k.Continuing)
			if len(body) > 0 || len(continuing) > 0 {
				out = append(out, ir.Statement{Kind: ir.StmtLoop{
					Body:       body,
					Continuing: continuing,
					BreakIf:    k.BreakIf,
				}})
			}
		case ir.StmtReturn:
			if k.Value != nil {
				for _, h := range s.emitBeforeReturn {
					if h == *k.Value {
						out = append(out, ir.Statement{Kind: ir.StmtEmit{
							Range: ir.Range{Start: h, End: h + 1},
						}})
					}
				}
			}
			out = append(out, stmt)
		case ir.StmtBreak, ir.StmtContinue:
			out = append(out, stmt)
		case ir.StmtStore:
			if s.storeKept(k) {
				out = append(out, stmt)
			}
		case ir.StmtCall:
			if s.callKept(k) {
				out = append(out, stmt)
			}
		case ir.StmtAtomic:
			if s.atomicKept(k) {
				out = append(out, stmt)
			}
		case ir.StmtImageStore:
			if s.keepSideEffects {
				out = append(out, stmt)
			}
		case ir.StmtWorkGroupUniformLoad:
			if s.keepSideEffects {
				out = append(out, stmt)
			}
		default:
			// Barriers and kills have no place in either fragment.
			if s.keepSideEffects {
				out = append(out, stmt)
			}
		}
	}
	return out
}

// emitRuns splits an emit range into contiguous runs of needed expressions.
func (s *slicer) emitRuns(r ir.Range) []ir.Statement {
	var out []ir.Statement
	start := r.Start
	inRun := false
	for h := r.Start; h < r.End; h++ {
		if s.needed[h] {
			if !inRun {
				start = h
				inRun = true
			}
			continue
		}
		if inRun {
			out = append(out, ir.Statement{Kind: ir.StmtEmit{Range: ir.Range{Start: start, End: h}}})
			inRun = false
		}
	}
	if inRun {
		out = append(out, ir.Statement{Kind: ir.StmtEmit{Range: ir.Range{Start: start, End: r.End}}})
	}
	return out
}

// compact rebuilds the expression arena and local table with only the needed
// entries, remapping every handle in the statement tree. This is the point
// where deleted instructions actually disappear.
func (s *slicer) compact() {
	f := s.f

	exprRemap := make(map[ir.ExpressionHandle]ir.ExpressionHandle, len(s.needed))
	newExprs := make([]ir.Expression, 0, len(s.needed))
	var newTypes []ir.TypeResolution
	hasTypes := len(f.ExpressionTypes) == len(f.Expressions) && len(f.ExpressionTypes) > 0

	for h := range f.Expressions {
		old := ir.ExpressionHandle(h)
		if !s.needed[old] {
			continue
		}
		exprRemap[old] = ir.ExpressionHandle(len(newExprs))
		newExprs = append(newExprs, f.Expressions[old])
		if hasTypes {
			newTypes = append(newTypes, f.ExpressionTypes[old])
		}
	}

	localRemap := make(map[uint32]uint32, len(s.neededLocals))
	newLocals := make([]ir.LocalVariable, 0, len(s.neededLocals))
	for i := range f.LocalVars {
		old := uint32(i)
		if !s.neededLocals[old] {
			continue
		}
		localRemap[old] = uint32(len(newLocals))
		lv := f.LocalVars[old]
		if lv.Init != nil {
			v := exprRemap[*lv.Init]
			lv.Init = &v
		}
		newLocals = append(newLocals, lv)
	}

	remap := func(h ir.ExpressionHandle) ir.ExpressionHandle { return exprRemap[h] }
	for i := range newExprs {
		newExprs[i] = remapExpr(newExprs[i], remap)
		if lv, ok := newExprs[i].Kind.(ir.ExprLocalVariable); ok {
			lv.Variable = localRemap[lv.Variable]
			newExprs[i].Kind = lv
		}
	}

	f.Expressions = newExprs
	f.ExpressionTypes = newTypes
	f.LocalVars = newLocals
	f.Body = remapBlock(f.Body, remap)
}

// remapBlock rewrites every expression handle in the statement tree.
func remapBlock(b []ir.Statement, remap func(ir.ExpressionHandle) ir.ExpressionHandle) []ir.Statement {
	opt := func(h *ir.ExpressionHandle) *ir.ExpressionHandle {
		if h == nil {
			return nil
		}
		v := remap(*h)
		return &v
	}
	out := make([]ir.Statement, len(b))
	for i, stmt := range b {
		switch k := stmt.Kind.(type) {
		case ir.StmtEmit:
			k.Range = ir.Range{Start: remap(k.Range.Start), End: remap(k.Range.End-1) + 1}
			out[i] = ir.Statement{Kind: k}
		case ir.StmtBlock:
			out[i] = ir.Statement{Kind: ir.StmtBlock{Block: remapBlock(k.Block, remap)}}
		case ir.StmtIf:
			out[i] = ir.Statement{Kind: ir.StmtIf{
				Condition: remap(k.Condition),
				Accept:    remapBlock(k.Accept, remap),
				Reject:    remapBlock(k.Reject, remap),
			}}
		case ir.StmtSwitch:
			cases := make([]ir.SwitchCase, len(k.Cases))
			for j, c := range k.Cases {
				cases[j] = ir.SwitchCase{Value: c.Value, Body: remapBlock(c.Body, remap), FallThrough: c.FallThrough}
			}
			out[i] = ir.Statement{Kind: ir.StmtSwitch{Selector: remap(k.Selector), Cases: cases}}
		case ir.StmtLoop:
			out[i] = ir.Statement{Kind: ir.StmtLoop{
				Body:       remapBlock(k.Body, remap),
				Continuing: remapBlock(k.Continuing, remap),
				BreakIf:    opt(k.BreakIf),
			}}
		case ir.StmtReturn:
			out[i] = ir.Statement{Kind: ir.StmtReturn{Value: opt(k.Value)}}
		case ir.StmtStore:
			out[i] = ir.Statement{Kind: ir.StmtStore{Pointer: remap(k.Pointer), Value: remap(k.Value)}}
		case ir.StmtImageStore:
			k.Image = remap(k.Image)
			k.Coordinate = remap(k.Coordinate)
			k.ArrayIndex = opt(k.ArrayIndex)
			k.Value = remap(k.Value)
			out[i] = ir.Statement{Kind: k}
		case ir.StmtAtomic:
			k.Pointer = remap(k.Pointer)
			k.Value = remap(k.Value)
			k.Result = opt(k.Result)
			out[i] = ir.Statement{Kind: k}
		case ir.StmtCall:
			args := make([]ir.ExpressionHandle, len(k.Arguments))
			for j, a := range k.Arguments {
				args[j] = remap(a)
			}
			out[i] = ir.Statement{Kind: ir.StmtCall{Function: k.Function, Arguments: args, Result: opt(k.Result)}}
		case ir.StmtWorkGroupUniformLoad:
			out[i] = ir.Statement{Kind: ir.StmtWorkGroupUniformLoad{Pointer: remap(k.Pointer), Result: remap(k.Result)}}
		default:
			out[i] = stmt
		}
	}
	return out
}
