// Package interp evaluates vertex-stage IR functions on the CPU, one
// invocation at a time.
//
// The evaluator covers the expression and statement subset that split
// fragments use: arithmetic, composition, swizzles, local variables, and
// structured control flow. Resource access (globals, images, atomics) and
// function calls are out of scope and reported as errors naming the
// construct, so a caller can tell a bad program from an evaluator gap.
//
// Because the retained instructions run in their original order on float32
// values, a fragment evaluates bit-identically to the unsplit program it was
// sliced from.
package interp

import (
	"fmt"
	"math"

	"github.com/gogpu/naga/ir"
)

func bits32(f float32) uint32 { return math.Float32bits(f) }

// Evaluator runs one IR function. It is reusable across calls but not safe
// for concurrent use; emulation code keeps one evaluator per goroutine.
type Evaluator struct {
	module *ir.Module
	fn     *ir.Function

	args   []Value
	locals []Value
	values []Value
	ready  []bool

	ret Value
}

type ctrl uint8

const (
	ctrlNone ctrl = iota
	ctrlBreak
	ctrlContinue
	ctrlReturn
)

// NewEvaluator prepares an evaluator for one function of the module.
func NewEvaluator(m *ir.Module, fn ir.FunctionHandle) (*Evaluator, error) {
	if int(fn) >= len(m.Functions) {
		return nil, fmt.Errorf("interp: function handle %d out of range", fn)
	}
	f := &m.Functions[fn]
	return &Evaluator{
		module: m,
		fn:     f,
		locals: make([]Value, len(f.LocalVars)),
		values: make([]Value, len(f.Expressions)),
		ready:  make([]bool, len(f.Expressions)),
	}, nil
}

// Function exposes the function being evaluated.
func (e *Evaluator) Function() *ir.Function { return e.fn }

// Call runs the function once with the given argument values and returns its
// result. Functions without a return value yield the zero Value.
func (e *Evaluator) Call(args []Value) (Value, error) {
	if len(args) != len(e.fn.Arguments) {
		return Value{}, fmt.Errorf("interp: %q takes %d arguments, got %d",
			e.fn.Name, len(e.fn.Arguments), len(args))
	}
	e.args = args
	e.ret = Value{}
	for i := range e.ready {
		e.ready[i] = false
	}

	for i := range e.fn.LocalVars {
		lv := &e.fn.LocalVars[i]
		if lv.Init != nil {
			v, err := e.eval(*lv.Init)
			if err != nil {
				return Value{}, err
			}
			e.locals[i] = v
		} else {
			z, err := e.zeroOf(lv.Type)
			if err != nil {
				return Value{}, err
			}
			e.locals[i] = z
		}
	}

	c, err := e.exec(e.fn.Body)
	if err != nil {
		return Value{}, err
	}
	if c != ctrlReturn && e.fn.Result != nil {
		return Value{}, fmt.Errorf("interp: %q fell off the end without returning", e.fn.Name)
	}
	return e.ret, nil
}

func (e *Evaluator) exec(b []ir.Statement) (ctrl, error) {
	for _, stmt := range b {
		switch k := stmt.Kind.(type) {
		case ir.StmtEmit:
			// An emit makes the expression values current: inside a loop the
			// same range re-evaluates every iteration, so loads observe the
			// stores of the iteration before.
			for h := k.Range.Start; h < k.Range.End; h++ {
				e.ready[h] = false
			}
			for h := k.Range.Start; h < k.Range.End; h++ {
				if e.pointerish(h) {
					continue
				}
				if _, err := e.eval(h); err != nil {
					return ctrlNone, err
				}
			}

		case ir.StmtBlock:
			c, err := e.exec(k.Block)
			if c != ctrlNone || err != nil {
				return c, err
			}

		case ir.StmtIf:
			cond, err := e.eval(k.Condition)
			if err != nil {
				return ctrlNone, err
			}
			body := k.Reject
			if cond.IsTrue() {
				body = k.Accept
			}
			c, err := e.exec(body)
			if c != ctrlNone || err != nil {
				return c, err
			}

		case ir.StmtSwitch:
			c, err := e.execSwitch(k)
			if c != ctrlNone || err != nil {
				return c, err
			}

		case ir.StmtLoop:
			c, err := e.execLoop(k)
			if c != ctrlNone || err != nil {
				return c, err
			}

		case ir.StmtBreak:
			return ctrlBreak, nil

		case ir.StmtContinue:
			return ctrlContinue, nil

		case ir.StmtReturn:
			if k.Value != nil {
				v, err := e.eval(*k.Value)
				if err != nil {
					return ctrlNone, err
				}
				e.ret = v
			}
			return ctrlReturn, nil

		case ir.StmtStore:
			val, err := e.eval(k.Value)
			if err != nil {
				return ctrlNone, err
			}
			p, err := e.resolvePlace(k.Pointer)
			if err != nil {
				return ctrlNone, err
			}
			if err := p.store(val); err != nil {
				return ctrlNone, err
			}

		case ir.StmtKill:
			return ctrlNone, fmt.Errorf("interp: kill is not valid in vertex evaluation")

		case ir.StmtBarrier:
			return ctrlNone, fmt.Errorf("interp: barrier is not valid inside a fragment")

		default:
			return ctrlNone, fmt.Errorf("interp: unsupported statement %T", k)
		}
	}
	return ctrlNone, nil
}

func (e *Evaluator) execSwitch(k ir.StmtSwitch) (ctrl, error) {
	sel, err := e.eval(k.Selector)
	if err != nil {
		return ctrlNone, err
	}

	match := -1
	def := -1
	for i, c := range k.Cases {
		switch v := c.Value.(type) {
		case ir.SwitchValueI32:
			if sel.Kind == ir.ScalarSint && sel.Int() == int32(v) {
				match = i
			}
		case ir.SwitchValueU32:
			if sel.Kind == ir.ScalarUint && sel.Uint() == uint32(v) {
				match = i
			}
		case ir.SwitchValueDefault:
			def = i
		}
		if match >= 0 {
			break
		}
	}
	if match < 0 {
		match = def
	}
	if match < 0 {
		return ctrlNone, nil
	}

	for i := match; i < len(k.Cases); i++ {
		c, err := e.exec(k.Cases[i].Body)
		if err != nil {
			return ctrlNone, err
		}
		switch c {
		case ctrlBreak:
			return ctrlNone, nil
		case ctrlReturn, ctrlContinue:
			return c, nil
		}
		if !k.Cases[i].FallThrough {
			break
		}
	}
	return ctrlNone, nil
}

func (e *Evaluator) execLoop(k ir.StmtLoop) (ctrl, error) {
	for {
		c, err := e.exec(k.Body)
		if err != nil {
			return ctrlNone, err
		}
		switch c {
		case ctrlReturn:
			return ctrlReturn, nil
		case ctrlBreak:
			return ctrlNone, nil
		}

		c, err = e.exec(k.Continuing)
		if err != nil {
			return ctrlNone, err
		}
		if c != ctrlNone {
			return ctrlNone, fmt.Errorf("interp: control flow escaped a continuing block")
		}

		if k.BreakIf != nil {
			cond, err := e.eval(*k.BreakIf)
			if err != nil {
				return ctrlNone, err
			}
			if cond.IsTrue() {
				return ctrlNone, nil
			}
		}
	}
}

// pointerish reports whether an expression produces a pointer rather than a
// value. Pointers are resolved at load/store time and never evaluated.
func (e *Evaluator) pointerish(h ir.ExpressionHandle) bool {
	for {
		switch k := e.fn.Expressions[h].Kind.(type) {
		case ir.ExprLocalVariable, ir.ExprGlobalVariable:
			return true
		case ir.ExprAccess:
			h = k.Base
		case ir.ExprAccessIndex:
			h = k.Base
		default:
			return false
		}
	}
}

// place is a resolved store/load destination: a whole value, or one
// component of a vector.
type place struct {
	v    *Value
	comp int // -1 addresses the whole value
}

func (p place) load() Value {
	if p.comp < 0 {
		return *p.v
	}
	return p.v.comp(p.comp)
}

func (p place) store(val Value) error {
	if p.comp < 0 {
		*p.v = val
		return nil
	}
	if val.Comps != 1 {
		return fmt.Errorf("interp: component store requires a scalar, got %s", val)
	}
	p.v.setComp(p.comp, val)
	return nil
}

func (e *Evaluator) resolvePlace(h ir.ExpressionHandle) (place, error) {
	switch k := e.fn.Expressions[h].Kind.(type) {
	case ir.ExprLocalVariable:
		if int(k.Variable) >= len(e.locals) {
			return place{}, fmt.Errorf("interp: local variable %d out of range", k.Variable)
		}
		return place{v: &e.locals[k.Variable], comp: -1}, nil

	case ir.ExprAccessIndex:
		return e.placeIndex(k.Base, int(k.Index))

	case ir.ExprAccess:
		idx, err := e.eval(k.Index)
		if err != nil {
			return place{}, err
		}
		i, err := indexOf(idx)
		if err != nil {
			return place{}, err
		}
		return e.placeIndex(k.Base, i)

	case ir.ExprGlobalVariable:
		return place{}, fmt.Errorf("interp: global variable access is not supported; pass resources as arguments")

	default:
		return place{}, fmt.Errorf("interp: expression %T is not a pointer", k)
	}
}

func (e *Evaluator) placeIndex(base ir.ExpressionHandle, i int) (place, error) {
	p, err := e.resolvePlace(base)
	if err != nil {
		return place{}, err
	}
	if p.comp >= 0 {
		return place{}, fmt.Errorf("interp: cannot index into a scalar component")
	}
	if p.v.Members != nil {
		if i >= len(p.v.Members) {
			return place{}, fmt.Errorf("interp: member index %d out of range", i)
		}
		return place{v: &p.v.Members[i], comp: -1}, nil
	}
	if i >= p.v.Comps {
		return place{}, fmt.Errorf("interp: component index %d out of range for %s", i, p.v)
	}
	return place{v: p.v, comp: i}, nil
}

func indexOf(v Value) (int, error) {
	switch {
	case v.Kind == ir.ScalarUint && v.Comps == 1:
		return int(v.Uint()), nil
	case v.Kind == ir.ScalarSint && v.Comps == 1:
		if v.Int() < 0 {
			return 0, fmt.Errorf("interp: negative index %d", v.Int())
		}
		return int(v.Int()), nil
	default:
		return 0, fmt.Errorf("interp: index must be an integer scalar, got %s", v)
	}
}

func (e *Evaluator) eval(h ir.ExpressionHandle) (Value, error) {
	if int(h) >= len(e.fn.Expressions) {
		return Value{}, fmt.Errorf("interp: expression handle %d out of range", h)
	}
	if e.ready[h] {
		return e.values[h], nil
	}
	v, err := e.evalKind(e.fn.Expressions[h].Kind)
	if err != nil {
		return Value{}, err
	}
	e.values[h] = v
	e.ready[h] = true
	return v, nil
}

func (e *Evaluator) evalKind(kind ir.ExpressionKind) (Value, error) {
	switch k := kind.(type) {
	case ir.Literal:
		return literalValue(k)

	case ir.ExprConstant:
		return e.constantValue(k.Constant)

	case ir.ExprZeroValue:
		return e.zeroOf(k.Type)

	case ir.ExprFunctionArgument:
		if int(k.Index) >= len(e.args) {
			return Value{}, fmt.Errorf("interp: argument index %d out of range", k.Index)
		}
		return e.args[k.Index], nil

	case ir.ExprCompose:
		return e.compose(k)

	case ir.ExprSplat:
		v, err := e.eval(k.Value)
		if err != nil {
			return Value{}, err
		}
		if v.Comps != 1 || v.Members != nil {
			return Value{}, fmt.Errorf("interp: splat of non-scalar %s", v)
		}
		out := Value{Kind: v.Kind, Comps: int(k.Size)}
		for i := 0; i < out.Comps; i++ {
			out.setComp(i, v)
		}
		return out, nil

	case ir.ExprSwizzle:
		v, err := e.eval(k.Vector)
		if err != nil {
			return Value{}, err
		}
		out := Value{Kind: v.Kind, Comps: int(k.Size)}
		for i := 0; i < out.Comps; i++ {
			c := int(k.Pattern[i])
			if c >= v.Comps {
				return Value{}, fmt.Errorf("interp: swizzle component %d out of range for %s", c, v)
			}
			out.setComp(i, v.comp(c))
		}
		return out, nil

	case ir.ExprAccessIndex:
		if e.pointerish(k.Base) {
			p, err := e.resolvePlace(k.Base)
			if err != nil {
				return Value{}, err
			}
			return extract(p.load(), int(k.Index))
		}
		v, err := e.eval(k.Base)
		if err != nil {
			return Value{}, err
		}
		return extract(v, int(k.Index))

	case ir.ExprAccess:
		idx, err := e.eval(k.Index)
		if err != nil {
			return Value{}, err
		}
		i, err := indexOf(idx)
		if err != nil {
			return Value{}, err
		}
		if e.pointerish(k.Base) {
			p, err := e.resolvePlace(k.Base)
			if err != nil {
				return Value{}, err
			}
			return extract(p.load(), i)
		}
		v, err := e.eval(k.Base)
		if err != nil {
			return Value{}, err
		}
		return extract(v, i)

	case ir.ExprLoad:
		p, err := e.resolvePlace(k.Pointer)
		if err != nil {
			return Value{}, err
		}
		return p.load(), nil

	case ir.ExprUnary:
		v, err := e.eval(k.Expr)
		if err != nil {
			return Value{}, err
		}
		return unaryOp(k.Op, v)

	case ir.ExprBinary:
		l, err := e.eval(k.Left)
		if err != nil {
			return Value{}, err
		}
		r, err := e.eval(k.Right)
		if err != nil {
			return Value{}, err
		}
		return binaryOp(k.Op, l, r)

	case ir.ExprSelect:
		cond, err := e.eval(k.Condition)
		if err != nil {
			return Value{}, err
		}
		a, err := e.eval(k.Accept)
		if err != nil {
			return Value{}, err
		}
		r, err := e.eval(k.Reject)
		if err != nil {
			return Value{}, err
		}
		return selectOp(cond, a, r)

	case ir.ExprRelational:
		v, err := e.eval(k.Argument)
		if err != nil {
			return Value{}, err
		}
		return relationalOp(k.Fun, v)

	case ir.ExprMath:
		return e.evalMath(k)

	case ir.ExprAs:
		v, err := e.eval(k.Expr)
		if err != nil {
			return Value{}, err
		}
		return convertOp(v, k.Kind, k.Convert)

	case ir.ExprLocalVariable, ir.ExprGlobalVariable:
		return Value{}, fmt.Errorf("interp: pointer expression %T has no value; load through it instead", k)

	default:
		return Value{}, fmt.Errorf("interp: unsupported expression %T", k)
	}
}

func (e *Evaluator) evalMath(k ir.ExprMath) (Value, error) {
	opt := func(h *ir.ExpressionHandle) (*Value, error) {
		if h == nil {
			return nil, nil
		}
		v, err := e.eval(*h)
		if err != nil {
			return nil, err
		}
		return &v, nil
	}
	arg, err := e.eval(k.Arg)
	if err != nil {
		return Value{}, err
	}
	arg1, err := opt(k.Arg1)
	if err != nil {
		return Value{}, err
	}
	arg2, err := opt(k.Arg2)
	if err != nil {
		return Value{}, err
	}
	return mathOp(k.Fun, arg, arg1, arg2)
}

func (e *Evaluator) compose(k ir.ExprCompose) (Value, error) {
	if int(k.Type) >= len(e.module.Types) {
		return Value{}, fmt.Errorf("interp: compose type %d out of range", k.Type)
	}
	switch inner := e.module.Types[k.Type].Inner.(type) {
	case ir.VectorType:
		out := Value{Kind: inner.Scalar.Kind, Comps: int(inner.Size)}
		n := 0
		for _, c := range k.Components {
			v, err := e.eval(c)
			if err != nil {
				return Value{}, err
			}
			if v.Members != nil {
				return Value{}, fmt.Errorf("interp: struct inside vector composition")
			}
			for i := 0; i < v.Comps; i++ {
				if n >= out.Comps {
					return Value{}, fmt.Errorf("interp: too many components composing %s", e.module.Types[k.Type].Name)
				}
				out.setComp(n, v.comp(i))
				n++
			}
		}
		if n != out.Comps {
			return Value{}, fmt.Errorf("interp: composed %d of %d components", n, out.Comps)
		}
		return out, nil

	case ir.StructType:
		members := make([]Value, len(k.Components))
		for i, c := range k.Components {
			v, err := e.eval(c)
			if err != nil {
				return Value{}, err
			}
			members[i] = v
		}
		return Value{Members: members}, nil

	default:
		return Value{}, fmt.Errorf("interp: cannot compose %T", inner)
	}
}

func (e *Evaluator) zeroOf(th ir.TypeHandle) (Value, error) {
	if int(th) >= len(e.module.Types) {
		return Value{}, fmt.Errorf("interp: type handle %d out of range", th)
	}
	switch inner := e.module.Types[th].Inner.(type) {
	case ir.ScalarType:
		return Value{Kind: inner.Kind, Comps: 1}, nil
	case ir.VectorType:
		return Value{Kind: inner.Scalar.Kind, Comps: int(inner.Size)}, nil
	case ir.StructType:
		members := make([]Value, len(inner.Members))
		for i, m := range inner.Members {
			z, err := e.zeroOf(m.Type)
			if err != nil {
				return Value{}, err
			}
			members[i] = z
		}
		return Value{Members: members}, nil
	default:
		return Value{}, fmt.Errorf("interp: no zero value for %T", inner)
	}
}

func (e *Evaluator) constantValue(ch ir.ConstantHandle) (Value, error) {
	if int(ch) >= len(e.module.Constants) {
		return Value{}, fmt.Errorf("interp: constant %d out of range", ch)
	}
	c := &e.module.Constants[ch]
	switch v := c.Value.(type) {
	case ir.ScalarValue:
		return scalarFromBits(v)
	case ir.CompositeValue:
		members := make([]Value, len(v.Components))
		for i, comp := range v.Components {
			m, err := e.constantValue(comp)
			if err != nil {
				return Value{}, err
			}
			members[i] = m
		}
		// Vector constants flatten; struct constants stay composite.
		if vec, ok := e.module.Types[c.Type].Inner.(ir.VectorType); ok {
			out := Value{Kind: vec.Scalar.Kind, Comps: int(vec.Size)}
			if len(members) != out.Comps {
				return Value{}, fmt.Errorf("interp: constant %q has %d components, want %d", c.Name, len(members), out.Comps)
			}
			for i, m := range members {
				out.setComp(i, m)
			}
			return out, nil
		}
		return Value{Members: members}, nil
	default:
		return Value{}, fmt.Errorf("interp: unsupported constant value %T", v)
	}
}

func scalarFromBits(v ir.ScalarValue) (Value, error) {
	switch v.Kind {
	case ir.ScalarFloat:
		return F32(math.Float32frombits(uint32(v.Bits))), nil
	case ir.ScalarUint:
		return U32(uint32(v.Bits)), nil
	case ir.ScalarSint:
		return I32(int32(uint32(v.Bits))), nil
	case ir.ScalarBool:
		return Bool(v.Bits != 0), nil
	default:
		return Value{}, fmt.Errorf("interp: unknown scalar kind %d", v.Kind)
	}
}

func literalValue(k ir.Literal) (Value, error) {
	switch v := k.Value.(type) {
	case ir.LiteralF32:
		return F32(float32(v)), nil
	case ir.LiteralU32:
		return U32(uint32(v)), nil
	case ir.LiteralI32:
		return I32(int32(v)), nil
	case ir.LiteralBool:
		return Bool(bool(v)), nil
	case ir.LiteralAbstractFloat:
		return F32(float32(v)), nil
	case ir.LiteralAbstractInt:
		return I32(int32(v)), nil
	default:
		return Value{}, fmt.Errorf("interp: unsupported literal %T", v)
	}
}

func extract(v Value, i int) (Value, error) {
	if v.Members != nil {
		if i >= len(v.Members) {
			return Value{}, fmt.Errorf("interp: member index %d out of range", i)
		}
		return v.Members[i], nil
	}
	if i >= v.Comps {
		return Value{}, fmt.Errorf("interp: component index %d out of range for %s", i, v)
	}
	return v.comp(i), nil
}
