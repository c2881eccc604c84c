package interp

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/naga/ir"
)

func unaryOp(op ir.UnaryOperator, v Value) (Value, error) {
	if v.Members != nil {
		return Value{}, fmt.Errorf("interp: unary operator on struct")
	}
	out := v
	for i := 0; i < v.Comps; i++ {
		switch op {
		case ir.UnaryNegate:
			switch v.Kind {
			case ir.ScalarFloat:
				out.F[i] = -v.F[i]
			case ir.ScalarSint:
				out.I[i] = -v.I[i]
			default:
				return Value{}, fmt.Errorf("interp: negate on %s", v)
			}
		case ir.UnaryLogicalNot:
			if v.Kind != ir.ScalarBool {
				return Value{}, fmt.Errorf("interp: logical not on %s", v)
			}
			out.B[i] = !v.B[i]
		case ir.UnaryBitwiseNot:
			switch v.Kind {
			case ir.ScalarUint:
				out.U[i] = ^v.U[i]
			case ir.ScalarSint:
				out.I[i] = ^v.I[i]
			default:
				return Value{}, fmt.Errorf("interp: bitwise not on %s", v)
			}
		default:
			return Value{}, fmt.Errorf("interp: unknown unary operator %d", op)
		}
	}
	return out, nil
}

// broadcast widens a scalar operand to the other operand's component count,
// matching the implicit vector-scalar arithmetic of the source language.
func broadcast(l, r Value) (Value, Value, error) {
	if l.Members != nil || r.Members != nil {
		return Value{}, Value{}, fmt.Errorf("interp: binary operator on struct")
	}
	if l.Kind != r.Kind {
		return Value{}, Value{}, fmt.Errorf("interp: operand kinds differ: %s vs %s", l, r)
	}
	widen := func(s Value, n int) Value {
		out := Value{Kind: s.Kind, Comps: n}
		for i := 0; i < n; i++ {
			out.setComp(i, s)
		}
		return out
	}
	switch {
	case l.Comps == r.Comps:
		return l, r, nil
	case l.Comps == 1:
		return widen(l, r.Comps), r, nil
	case r.Comps == 1:
		return l, widen(r, l.Comps), nil
	default:
		return Value{}, Value{}, fmt.Errorf("interp: component counts differ: %s vs %s", l, r)
	}
}

func binaryOp(op ir.BinaryOperator, l, r Value) (Value, error) {
	switch op {
	case ir.BinaryLogicalAnd, ir.BinaryLogicalOr:
		if l.Kind != ir.ScalarBool || r.Kind != ir.ScalarBool || l.Comps != 1 || r.Comps != 1 {
			return Value{}, fmt.Errorf("interp: logical operator needs bool scalars, got %s and %s", l, r)
		}
		if op == ir.BinaryLogicalAnd {
			return Bool(l.B[0] && r.B[0]), nil
		}
		return Bool(l.B[0] || r.B[0]), nil

	case ir.BinaryShiftLeft, ir.BinaryShiftRight:
		return shiftOp(op, l, r)
	}

	l, r, err := broadcast(l, r)
	if err != nil {
		return Value{}, err
	}

	switch op {
	case ir.BinaryEqual, ir.BinaryNotEqual, ir.BinaryLess, ir.BinaryLessEqual,
		ir.BinaryGreater, ir.BinaryGreaterEqual:
		return compareOp(op, l, r)
	}

	out := Value{Kind: l.Kind, Comps: l.Comps}
	for i := 0; i < l.Comps; i++ {
		switch l.Kind {
		case ir.ScalarFloat:
			v, err := floatArith(op, l.F[i], r.F[i])
			if err != nil {
				return Value{}, err
			}
			out.F[i] = v
		case ir.ScalarUint:
			v, err := uintArith(op, l.U[i], r.U[i])
			if err != nil {
				return Value{}, err
			}
			out.U[i] = v
		case ir.ScalarSint:
			v, err := sintArith(op, l.I[i], r.I[i])
			if err != nil {
				return Value{}, err
			}
			out.I[i] = v
		default:
			return Value{}, fmt.Errorf("interp: operator %d on bool", op)
		}
	}
	return out, nil
}

func floatArith(op ir.BinaryOperator, a, b float32) (float32, error) {
	switch op {
	case ir.BinaryAdd:
		return a + b, nil
	case ir.BinarySubtract:
		return a - b, nil
	case ir.BinaryMultiply:
		return a * b, nil
	case ir.BinaryDivide:
		return a / b, nil
	case ir.BinaryModulo:
		// Truncating remainder, same sign as the dividend.
		return float32(math.Mod(float64(a), float64(b))), nil
	default:
		return 0, fmt.Errorf("interp: operator %d on float", op)
	}
}

func uintArith(op ir.BinaryOperator, a, b uint32) (uint32, error) {
	switch op {
	case ir.BinaryAdd:
		return a + b, nil
	case ir.BinarySubtract:
		return a - b, nil
	case ir.BinaryMultiply:
		return a * b, nil
	case ir.BinaryDivide:
		if b == 0 {
			return 0, fmt.Errorf("interp: integer division by zero")
		}
		return a / b, nil
	case ir.BinaryModulo:
		if b == 0 {
			return 0, fmt.Errorf("interp: integer modulo by zero")
		}
		return a % b, nil
	case ir.BinaryAnd:
		return a & b, nil
	case ir.BinaryExclusiveOr:
		return a ^ b, nil
	case ir.BinaryInclusiveOr:
		return a | b, nil
	default:
		return 0, fmt.Errorf("interp: operator %d on u32", op)
	}
}

func sintArith(op ir.BinaryOperator, a, b int32) (int32, error) {
	switch op {
	case ir.BinaryAdd:
		return a + b, nil
	case ir.BinarySubtract:
		return a - b, nil
	case ir.BinaryMultiply:
		return a * b, nil
	case ir.BinaryDivide:
		if b == 0 {
			return 0, fmt.Errorf("interp: integer division by zero")
		}
		return a / b, nil
	case ir.BinaryModulo:
		if b == 0 {
			return 0, fmt.Errorf("interp: integer modulo by zero")
		}
		return a % b, nil
	case ir.BinaryAnd:
		return a & b, nil
	case ir.BinaryExclusiveOr:
		return a ^ b, nil
	case ir.BinaryInclusiveOr:
		return a | b, nil
	default:
		return 0, fmt.Errorf("interp: operator %d on i32", op)
	}
}

func shiftOp(op ir.BinaryOperator, l, r Value) (Value, error) {
	if r.Kind != ir.ScalarUint {
		return Value{}, fmt.Errorf("interp: shift amount must be unsigned, got %s", r)
	}
	if r.Comps == 1 && l.Comps > 1 {
		s := r
		r = Value{Kind: ir.ScalarUint, Comps: l.Comps}
		for i := 0; i < l.Comps; i++ {
			r.setComp(i, s)
		}
	}
	if l.Comps != r.Comps {
		return Value{}, fmt.Errorf("interp: shift component counts differ: %s vs %s", l, r)
	}
	out := Value{Kind: l.Kind, Comps: l.Comps}
	for i := 0; i < l.Comps; i++ {
		amount := r.U[i] & 31
		switch l.Kind {
		case ir.ScalarUint:
			if op == ir.BinaryShiftLeft {
				out.U[i] = l.U[i] << amount
			} else {
				out.U[i] = l.U[i] >> amount
			}
		case ir.ScalarSint:
			if op == ir.BinaryShiftLeft {
				out.I[i] = l.I[i] << amount
			} else {
				out.I[i] = l.I[i] >> amount
			}
		default:
			return Value{}, fmt.Errorf("interp: shift on %s", l)
		}
	}
	return out, nil
}

func compareOp(op ir.BinaryOperator, l, r Value) (Value, error) {
	out := Value{Kind: ir.ScalarBool, Comps: l.Comps}
	for i := 0; i < l.Comps; i++ {
		var less, eq bool
		switch l.Kind {
		case ir.ScalarFloat:
			less, eq = l.F[i] < r.F[i], l.F[i] == r.F[i]
		case ir.ScalarUint:
			less, eq = l.U[i] < r.U[i], l.U[i] == r.U[i]
		case ir.ScalarSint:
			less, eq = l.I[i] < r.I[i], l.I[i] == r.I[i]
		case ir.ScalarBool:
			if op != ir.BinaryEqual && op != ir.BinaryNotEqual {
				return Value{}, fmt.Errorf("interp: ordering comparison on bool")
			}
			eq = l.B[i] == r.B[i]
		}
		switch op {
		case ir.BinaryEqual:
			out.B[i] = eq
		case ir.BinaryNotEqual:
			out.B[i] = !eq
		case ir.BinaryLess:
			out.B[i] = less
		case ir.BinaryLessEqual:
			out.B[i] = less || eq
		case ir.BinaryGreater:
			out.B[i] = !less && !eq
		case ir.BinaryGreaterEqual:
			out.B[i] = !less
		}
	}
	return out, nil
}

func selectOp(cond, accept, reject Value) (Value, error) {
	if cond.Kind != ir.ScalarBool {
		return Value{}, fmt.Errorf("interp: select condition must be bool, got %s", cond)
	}
	if cond.Comps == 1 {
		if cond.B[0] {
			return accept, nil
		}
		return reject, nil
	}
	if accept.Comps != cond.Comps || reject.Comps != cond.Comps {
		return Value{}, fmt.Errorf("interp: select operand sizes differ")
	}
	out := accept
	for i := 0; i < cond.Comps; i++ {
		if !cond.B[i] {
			out.setComp(i, reject.comp(i))
		}
	}
	return out, nil
}

func relationalOp(fun ir.RelationalFunction, v Value) (Value, error) {
	switch fun {
	case ir.RelationalAll, ir.RelationalAny:
		if v.Kind != ir.ScalarBool {
			return Value{}, fmt.Errorf("interp: all/any on %s", v)
		}
		all, any := true, false
		for i := 0; i < v.Comps; i++ {
			all = all && v.B[i]
			any = any || v.B[i]
		}
		if fun == ir.RelationalAll {
			return Bool(all), nil
		}
		return Bool(any), nil

	case ir.RelationalIsNan, ir.RelationalIsInf:
		if v.Kind != ir.ScalarFloat {
			return Value{}, fmt.Errorf("interp: isNan/isInf on %s", v)
		}
		out := Value{Kind: ir.ScalarBool, Comps: v.Comps}
		for i := 0; i < v.Comps; i++ {
			f := float64(v.F[i])
			if fun == ir.RelationalIsNan {
				out.B[i] = math.IsNaN(f)
			} else {
				out.B[i] = math.IsInf(f, 0)
			}
		}
		return out, nil

	default:
		return Value{}, fmt.Errorf("interp: unknown relational function %d", fun)
	}
}

func convertOp(v Value, kind ir.ScalarKind, convert *uint8) (Value, error) {
	if v.Members != nil {
		return Value{}, fmt.Errorf("interp: cast on struct")
	}

	if convert == nil {
		// Bitcast between 32-bit representations.
		out := Value{Kind: kind, Comps: v.Comps}
		for i := 0; i < v.Comps; i++ {
			var bits uint32
			switch v.Kind {
			case ir.ScalarFloat:
				bits = math.Float32bits(v.F[i])
			case ir.ScalarUint:
				bits = v.U[i]
			case ir.ScalarSint:
				bits = uint32(v.I[i])
			default:
				return Value{}, fmt.Errorf("interp: bitcast from bool")
			}
			switch kind {
			case ir.ScalarFloat:
				out.F[i] = math.Float32frombits(bits)
			case ir.ScalarUint:
				out.U[i] = bits
			case ir.ScalarSint:
				out.I[i] = int32(bits)
			default:
				return Value{}, fmt.Errorf("interp: bitcast to bool")
			}
		}
		return out, nil
	}

	if *convert != 4 && !(kind == ir.ScalarBool && *convert == 1) {
		return Value{}, fmt.Errorf("interp: conversion to %d-byte scalars is not supported", *convert)
	}

	out := Value{Kind: kind, Comps: v.Comps}
	for i := 0; i < v.Comps; i++ {
		s := v.comp(i)
		c, err := convertScalar(s, kind)
		if err != nil {
			return Value{}, err
		}
		out.setComp(i, c)
	}
	return out, nil
}

func convertScalar(v Value, kind ir.ScalarKind) (Value, error) {
	switch kind {
	case ir.ScalarFloat:
		switch v.Kind {
		case ir.ScalarFloat:
			return v, nil
		case ir.ScalarUint:
			return F32(float32(v.U[0])), nil
		case ir.ScalarSint:
			return F32(float32(v.I[0])), nil
		case ir.ScalarBool:
			if v.B[0] {
				return F32(1), nil
			}
			return F32(0), nil
		}
	case ir.ScalarUint:
		switch v.Kind {
		case ir.ScalarFloat:
			// Saturating float-to-integer conversion.
			f := float64(v.F[0])
			switch {
			case math.IsNaN(f), f <= 0:
				return U32(0), nil
			case f >= math.MaxUint32:
				return U32(math.MaxUint32), nil
			default:
				return U32(uint32(f)), nil
			}
		case ir.ScalarUint:
			return v, nil
		case ir.ScalarSint:
			return U32(uint32(v.I[0])), nil
		case ir.ScalarBool:
			if v.B[0] {
				return U32(1), nil
			}
			return U32(0), nil
		}
	case ir.ScalarSint:
		switch v.Kind {
		case ir.ScalarFloat:
			f := float64(v.F[0])
			switch {
			case math.IsNaN(f):
				return I32(0), nil
			case f <= math.MinInt32:
				return I32(math.MinInt32), nil
			case f >= math.MaxInt32:
				return I32(math.MaxInt32), nil
			default:
				return I32(int32(f)), nil
			}
		case ir.ScalarUint:
			return I32(int32(v.U[0])), nil
		case ir.ScalarSint:
			return v, nil
		case ir.ScalarBool:
			if v.B[0] {
				return I32(1), nil
			}
			return I32(0), nil
		}
	case ir.ScalarBool:
		switch v.Kind {
		case ir.ScalarFloat:
			return Bool(v.F[0] != 0), nil
		case ir.ScalarUint:
			return Bool(v.U[0] != 0), nil
		case ir.ScalarSint:
			return Bool(v.I[0] != 0), nil
		case ir.ScalarBool:
			return v, nil
		}
	}
	return Value{}, fmt.Errorf("interp: cannot convert %s to kind %d", v, kind)
}

func mathOp(fun ir.MathFunction, arg Value, arg1, arg2 *Value) (Value, error) {
	need := func(v *Value, name string) (Value, error) {
		if v == nil {
			return Value{}, fmt.Errorf("interp: %s requires another argument", name)
		}
		return *v, nil
	}

	switch fun {
	case ir.MathAbs:
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.Abs(float64(x)))
		})
	case ir.MathFloor:
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.Floor(float64(x)))
		})
	case ir.MathCeil:
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.Ceil(float64(x)))
		})
	case ir.MathRound:
		// Round half to even, the convention shader rounding follows.
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.RoundToEven(float64(x)))
		})
	case ir.MathTrunc:
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.Trunc(float64(x)))
		})
	case ir.MathFract:
		return mapFloat1(arg, func(x float32) float32 {
			return x - float32(math.Floor(float64(x)))
		})
	case ir.MathSqrt:
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.Sqrt(float64(x)))
		})
	case ir.MathInverseSqrt:
		return mapFloat1(arg, func(x float32) float32 {
			return 1 / float32(math.Sqrt(float64(x)))
		})
	case ir.MathExp:
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.Exp(float64(x)))
		})
	case ir.MathExp2:
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.Exp2(float64(x)))
		})
	case ir.MathLog:
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.Log(float64(x)))
		})
	case ir.MathLog2:
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.Log2(float64(x)))
		})
	case ir.MathSin:
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.Sin(float64(x)))
		})
	case ir.MathCos:
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.Cos(float64(x)))
		})
	case ir.MathTan:
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.Tan(float64(x)))
		})
	case ir.MathAsin:
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.Asin(float64(x)))
		})
	case ir.MathAcos:
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.Acos(float64(x)))
		})
	case ir.MathAtan:
		return mapFloat1(arg, func(x float32) float32 {
			return float32(math.Atan(float64(x)))
		})
	case ir.MathSign:
		return mapFloat1(arg, func(x float32) float32 {
			switch {
			case x > 0:
				return 1
			case x < 0:
				return -1
			default:
				return 0
			}
		})
	case ir.MathSaturate:
		return mapFloat1(arg, func(x float32) float32 {
			return min(max(x, 0), 1)
		})

	case ir.MathAtan2:
		b, err := need(arg1, "atan2")
		if err != nil {
			return Value{}, err
		}
		return mapFloat2(arg, b, func(y, x float32) float32 {
			return float32(math.Atan2(float64(y), float64(x)))
		})
	case ir.MathPow:
		b, err := need(arg1, "pow")
		if err != nil {
			return Value{}, err
		}
		return mapFloat2(arg, b, func(x, y float32) float32 {
			return float32(math.Pow(float64(x), float64(y)))
		})
	case ir.MathStep:
		b, err := need(arg1, "step")
		if err != nil {
			return Value{}, err
		}
		return mapFloat2(arg, b, func(edge, x float32) float32 {
			if x < edge {
				return 0
			}
			return 1
		})
	case ir.MathMin, ir.MathMax:
		b, err := need(arg1, "min/max")
		if err != nil {
			return Value{}, err
		}
		return minMax(fun, arg, b)
	case ir.MathClamp:
		lo, err := need(arg1, "clamp")
		if err != nil {
			return Value{}, err
		}
		hi, err := need(arg2, "clamp")
		if err != nil {
			return Value{}, err
		}
		v, err := minMax(ir.MathMax, arg, lo)
		if err != nil {
			return Value{}, err
		}
		return minMax(ir.MathMin, v, hi)

	case ir.MathMix:
		b, err := need(arg1, "mix")
		if err != nil {
			return Value{}, err
		}
		t, err := need(arg2, "mix")
		if err != nil {
			return Value{}, err
		}
		return mapFloat3(arg, b, t, func(x, y, a float32) float32 {
			return x*(1-a) + y*a
		})
	case ir.MathFma:
		b, err := need(arg1, "fma")
		if err != nil {
			return Value{}, err
		}
		c, err := need(arg2, "fma")
		if err != nil {
			return Value{}, err
		}
		return mapFloat3(arg, b, c, func(x, y, z float32) float32 {
			return float32(math.FMA(float64(x), float64(y), float64(z)))
		})
	case ir.MathSmoothStep:
		b, err := need(arg1, "smoothstep")
		if err != nil {
			return Value{}, err
		}
		x, err := need(arg2, "smoothstep")
		if err != nil {
			return Value{}, err
		}
		return mapFloat3(arg, b, x, func(lo, hi, v float32) float32 {
			t := min(max((v-lo)/(hi-lo), 0), 1)
			return t * t * (3 - 2*t)
		})

	case ir.MathDot:
		b, err := need(arg1, "dot")
		if err != nil {
			return Value{}, err
		}
		if arg.Kind != ir.ScalarFloat || arg.Comps != b.Comps || arg.Comps < 2 {
			return Value{}, fmt.Errorf("interp: dot of %s and %s", arg, b)
		}
		var sum float32
		for i := 0; i < arg.Comps; i++ {
			sum += arg.F[i] * b.F[i]
		}
		return F32(sum), nil
	case ir.MathCross:
		b, err := need(arg1, "cross")
		if err != nil {
			return Value{}, err
		}
		if arg.Comps != 3 || b.Comps != 3 {
			return Value{}, fmt.Errorf("interp: cross needs vec3 operands")
		}
		return FromVec3(arg.Vec3().Cross(b.Vec3())), nil
	case ir.MathLength:
		return vecLength(arg)
	case ir.MathDistance:
		b, err := need(arg1, "distance")
		if err != nil {
			return Value{}, err
		}
		d, err := binaryOp(ir.BinarySubtract, arg, b)
		if err != nil {
			return Value{}, err
		}
		return vecLength(d)
	case ir.MathNormalize:
		switch arg.Comps {
		case 3:
			return FromVec3(arg.Vec3().Normalize()), nil
		case 4:
			return FromVec4(arg.Vec4().Normalize()), nil
		case 2:
			v := mgl32.Vec2{arg.F[0], arg.F[1]}.Normalize()
			return FromVec2(v), nil
		default:
			return Value{}, fmt.Errorf("interp: normalize of %s", arg)
		}

	default:
		return Value{}, fmt.Errorf("interp: unsupported math function %d", fun)
	}
}

func vecLength(v Value) (Value, error) {
	if v.Kind != ir.ScalarFloat {
		return Value{}, fmt.Errorf("interp: length of %s", v)
	}
	if v.Comps == 1 {
		return F32(float32(math.Abs(float64(v.F[0])))), nil
	}
	var sum float64
	for i := 0; i < v.Comps; i++ {
		sum += float64(v.F[i]) * float64(v.F[i])
	}
	return F32(float32(math.Sqrt(sum))), nil
}

func minMax(fun ir.MathFunction, a, b Value) (Value, error) {
	a, b, err := broadcast(a, b)
	if err != nil {
		return Value{}, err
	}
	out := Value{Kind: a.Kind, Comps: a.Comps}
	for i := 0; i < a.Comps; i++ {
		switch a.Kind {
		case ir.ScalarFloat:
			if fun == ir.MathMin {
				out.F[i] = min(a.F[i], b.F[i])
			} else {
				out.F[i] = max(a.F[i], b.F[i])
			}
		case ir.ScalarUint:
			if fun == ir.MathMin {
				out.U[i] = min(a.U[i], b.U[i])
			} else {
				out.U[i] = max(a.U[i], b.U[i])
			}
		case ir.ScalarSint:
			if fun == ir.MathMin {
				out.I[i] = min(a.I[i], b.I[i])
			} else {
				out.I[i] = max(a.I[i], b.I[i])
			}
		default:
			return Value{}, fmt.Errorf("interp: min/max on bool")
		}
	}
	return out, nil
}

func mapFloat1(v Value, f func(float32) float32) (Value, error) {
	if v.Kind != ir.ScalarFloat || v.Members != nil {
		return Value{}, fmt.Errorf("interp: float function on %s", v)
	}
	out := v
	for i := 0; i < v.Comps; i++ {
		out.F[i] = f(v.F[i])
	}
	return out, nil
}

func mapFloat2(a, b Value, f func(x, y float32) float32) (Value, error) {
	a, b, err := broadcast(a, b)
	if err != nil {
		return Value{}, err
	}
	if a.Kind != ir.ScalarFloat {
		return Value{}, fmt.Errorf("interp: float function on %s", a)
	}
	out := a
	for i := 0; i < a.Comps; i++ {
		out.F[i] = f(a.F[i], b.F[i])
	}
	return out, nil
}

func mapFloat3(a, b, c Value, f func(x, y, z float32) float32) (Value, error) {
	a, b, err := broadcast(a, b)
	if err != nil {
		return Value{}, err
	}
	a, c, err = broadcast(a, c)
	if err != nil {
		return Value{}, err
	}
	_, b, err = broadcast(c, b)
	if err != nil {
		return Value{}, err
	}
	if a.Kind != ir.ScalarFloat {
		return Value{}, fmt.Errorf("interp: float function on %s", a)
	}
	out := a
	for i := 0; i < a.Comps; i++ {
		out.F[i] = f(a.F[i], b.F[i], c.F[i])
	}
	return out, nil
}
