package split

import "github.com/gogpu/naga/ir"

// exprOperands calls visit for every expression handle the expression reads.
func exprOperands(e ir.Expression, visit func(ir.ExpressionHandle)) {
	opt := func(h *ir.ExpressionHandle) {
		if h != nil {
			visit(*h)
		}
	}
	switch k := e.Kind.(type) {
	case ir.ExprCompose:
		for _, c := range k.Components {
			visit(c)
		}
	case ir.ExprAccess:
		visit(k.Base)
		visit(k.Index)
	case ir.ExprAccessIndex:
		visit(k.Base)
	case ir.ExprSplat:
		visit(k.Value)
	case ir.ExprSwizzle:
		visit(k.Vector)
	case ir.ExprLoad:
		visit(k.Pointer)
	case ir.ExprUnary:
		visit(k.Expr)
	case ir.ExprBinary:
		visit(k.Left)
		visit(k.Right)
	case ir.ExprSelect:
		visit(k.Condition)
		visit(k.Accept)
		visit(k.Reject)
	case ir.ExprDerivative:
		visit(k.Expr)
	case ir.ExprRelational:
		visit(k.Argument)
	case ir.ExprMath:
		visit(k.Arg)
		opt(k.Arg1)
		opt(k.Arg2)
		opt(k.Arg3)
	case ir.ExprAs:
		visit(k.Expr)
	case ir.ExprArrayLength:
		visit(k.Array)
	case ir.ExprImageSample:
		visit(k.Image)
		visit(k.Sampler)
		visit(k.Coordinate)
		opt(k.ArrayIndex)
		opt(k.Offset)
		opt(k.DepthRef)
		switch lvl := k.Level.(type) {
		case ir.SampleLevelExact:
			visit(lvl.Level)
		case ir.SampleLevelBias:
			visit(lvl.Bias)
		case ir.SampleLevelGradient:
			visit(lvl.X)
			visit(lvl.Y)
		}
	case ir.ExprImageLoad:
		visit(k.Image)
		visit(k.Coordinate)
		opt(k.ArrayIndex)
		opt(k.Sample)
		opt(k.Level)
	case ir.ExprImageQuery:
		visit(k.Image)
		if sz, ok := k.Query.(ir.ImageQuerySize); ok {
			opt(sz.Level)
		}
	}
}

// remapExpr rewrites every expression handle in e through remap, returning
// the rewritten expression.
func remapExpr(e ir.Expression, remap func(ir.ExpressionHandle) ir.ExpressionHandle) ir.Expression {
	opt := func(h *ir.ExpressionHandle) *ir.ExpressionHandle {
		if h == nil {
			return nil
		}
		v := remap(*h)
		return &v
	}
	switch k := e.Kind.(type) {
	case ir.ExprCompose:
		comps := make([]ir.ExpressionHandle, len(k.Components))
		for i, c := range k.Components {
			comps[i] = remap(c)
		}
		k.Components = comps
		return ir.Expression{Kind: k}
	case ir.ExprAccess:
		k.Base = remap(k.Base)
		k.Index = remap(k.Index)
		return ir.Expression{Kind: k}
	case ir.ExprAccessIndex:
		k.Base = remap(k.Base)
		return ir.Expression{Kind: k}
	case ir.ExprSplat:
		k.Value = remap(k.Value)
		return ir.Expression{Kind: k}
	case ir.ExprSwizzle:
		k.Vector = remap(k.Vector)
		return ir.Expression{Kind: k}
	case ir.ExprLoad:
		k.Pointer = remap(k.Pointer)
		return ir.Expression{Kind: k}
	case ir.ExprUnary:
		k.Expr = remap(k.Expr)
		return ir.Expression{Kind: k}
	case ir.ExprBinary:
		k.Left = remap(k.Left)
		k.Right = remap(k.Right)
		return ir.Expression{Kind: k}
	case ir.ExprSelect:
		k.Condition = remap(k.Condition)
		k.Accept = remap(k.Accept)
		k.Reject = remap(k.Reject)
		return ir.Expression{Kind: k}
	case ir.ExprDerivative:
		k.Expr = remap(k.Expr)
		return ir.Expression{Kind: k}
	case ir.ExprRelational:
		k.Argument = remap(k.Argument)
		return ir.Expression{Kind: k}
	case ir.ExprMath:
		k.Arg = remap(k.Arg)
		k.Arg1 = opt(k.Arg1)
		k.Arg2 = opt(k.Arg2)
		k.Arg3 = opt(k.Arg3)
		return ir.Expression{Kind: k}
	case ir.ExprAs:
		k.Expr = remap(k.Expr)
		return ir.Expression{Kind: k}
	case ir.ExprArrayLength:
		k.Array = remap(k.Array)
		return ir.Expression{Kind: k}
	default:
		// Leaf expressions carry no handles.
		return e
	}
}

// rootLocal resolves a pointer expression chain to the local variable it
// addresses, if any. Returns false for pointers into globals or images.
func rootLocal(f *ir.Function, h ir.ExpressionHandle) (uint32, bool) {
	for {
		switch k := f.Expressions[h].Kind.(type) {
		case ir.ExprLocalVariable:
			return k.Variable, true
		case ir.ExprAccess:
			h = k.Base
		case ir.ExprAccessIndex:
			h = k.Base
		default:
			return 0, false
		}
	}
}
