package split

import "github.com/gogpu/naga/ir"

// cloneModule copies a module deeply enough that functions appended to or
// rewritten in the clone never alias the source. Types, constants, and
// globals are immutable in practice, so their slices are copied shallowly.
func cloneModule(m *ir.Module) *ir.Module {
	out := &ir.Module{
		Types:           append([]ir.Type(nil), m.Types...),
		Constants:       append([]ir.Constant(nil), m.Constants...),
		GlobalVariables: append([]ir.GlobalVariable(nil), m.GlobalVariables...),
		Functions:       make([]ir.Function, len(m.Functions)),
		EntryPoints:     append([]ir.EntryPoint(nil), m.EntryPoints...),
	}
	for i := range m.Functions {
		out.Functions[i] = cloneFunction(&m.Functions[i])
	}
	return out
}

// cloneFunction deep-copies a function: expression arena, expression types,
// locals, arguments, and the statement tree.
func cloneFunction(f *ir.Function) ir.Function {
	out := ir.Function{
		Name:            f.Name,
		Arguments:       append([]ir.FunctionArgument(nil), f.Arguments...),
		LocalVars:       append([]ir.LocalVariable(nil), f.LocalVars...),
		Expressions:     append([]ir.Expression(nil), f.Expressions...),
		ExpressionTypes: append([]ir.TypeResolution(nil), f.ExpressionTypes...),
		Body:            cloneBlock(f.Body),
	}
	if f.Result != nil {
		r := *f.Result
		out.Result = &r
	}
	return out
}

func cloneBlock(b []ir.Statement) []ir.Statement {
	if b == nil {
		return nil
	}
	out := make([]ir.Statement, len(b))
	for i, s := range b {
		out[i] = cloneStatement(s)
	}
	return out
}

func cloneStatement(s ir.Statement) ir.Statement {
	switch k := s.Kind.(type) {
	case ir.StmtBlock:
		return ir.Statement{Kind: ir.StmtBlock{Block: ir.Block(cloneBlock(k.Block))}}
	case ir.StmtIf:
		return ir.Statement{Kind: ir.StmtIf{
			Condition: k.Condition,
			Accept:    ir.Block(cloneBlock(k.Accept)),
			Reject:    ir.Block(cloneBlock(k.Reject)),
		}}
	case ir.StmtSwitch:
		cases := make([]ir.SwitchCase, len(k.Cases))
		for i, c := range k.Cases {
			cases[i] = ir.SwitchCase{
				Value:       c.Value,
				Body:        ir.Block(cloneBlock(c.Body)),
				FallThrough: c.FallThrough,
			}
		}
		return ir.Statement{Kind: ir.StmtSwitch{Selector: k.Selector, Cases: cases}}
	case ir.StmtLoop:
		out := ir.StmtLoop{
			Body:       ir.Block(cloneBlock(k.Body)),
			Continuing: ir.Block(cloneBlock(k.Continuing)),
		}
		if k.BreakIf != nil {
			v := *k.BreakIf
			out.BreakIf = &v
		}
		return ir.Statement{Kind: out}
	case ir.StmtReturn:
		out := ir.StmtReturn{}
		if k.Value != nil {
			v := *k.Value
			out.Value = &v
		}
		return ir.Statement{Kind: out}
	case ir.StmtCall:
		out := ir.StmtCall{
			Function:  k.Function,
			Arguments: append([]ir.ExpressionHandle(nil), k.Arguments...),
		}
		if k.Result != nil {
			v := *k.Result
			out.Result = &v
		}
		return ir.Statement{Kind: out}
	case ir.StmtAtomic:
		out := k
		if k.Result != nil {
			v := *k.Result
			out.Result = &v
		}
		return ir.Statement{Kind: out}
	default:
		// Remaining kinds hold only value fields and expression handles.
		return s
	}
}
