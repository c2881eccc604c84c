package interp

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/naga/ir"
)

// Value is one evaluated IR value: a scalar, a vector of up to four
// components, or a struct composite.
type Value struct {
	Kind  ir.ScalarKind
	Comps int

	F [4]float32
	U [4]uint32
	I [4]int32
	B [4]bool

	// Members is non-nil for struct composites; the flat fields above are
	// then unused.
	Members []Value
}

// F32 makes a float scalar.
func F32(v float32) Value { return Value{Kind: ir.ScalarFloat, Comps: 1, F: [4]float32{v}} }

// U32 makes an unsigned scalar.
func U32(v uint32) Value { return Value{Kind: ir.ScalarUint, Comps: 1, U: [4]uint32{v}} }

// I32 makes a signed scalar.
func I32(v int32) Value { return Value{Kind: ir.ScalarSint, Comps: 1, I: [4]int32{v}} }

// Bool makes a boolean scalar.
func Bool(v bool) Value { return Value{Kind: ir.ScalarBool, Comps: 1, B: [4]bool{v}} }

// FromVec4 wraps a vec4.
func FromVec4(v mgl32.Vec4) Value {
	return Value{Kind: ir.ScalarFloat, Comps: 4, F: [4]float32{v[0], v[1], v[2], v[3]}}
}

// FromVec3 wraps a vec3.
func FromVec3(v mgl32.Vec3) Value {
	return Value{Kind: ir.ScalarFloat, Comps: 3, F: [4]float32{v[0], v[1], v[2]}}
}

// FromVec2 wraps a vec2.
func FromVec2(v mgl32.Vec2) Value {
	return Value{Kind: ir.ScalarFloat, Comps: 2, F: [4]float32{v[0], v[1]}}
}

// Struct makes a struct composite.
func Struct(members ...Value) Value { return Value{Members: members} }

// Vec4 unwraps a four-component float value.
func (v Value) Vec4() mgl32.Vec4 {
	if v.Kind != ir.ScalarFloat || v.Comps != 4 {
		panic("interp: value is not a vec4")
	}
	return mgl32.Vec4{v.F[0], v.F[1], v.F[2], v.F[3]}
}

// Vec3 unwraps a three-component float value.
func (v Value) Vec3() mgl32.Vec3 {
	if v.Kind != ir.ScalarFloat || v.Comps != 3 {
		panic("interp: value is not a vec3")
	}
	return mgl32.Vec3{v.F[0], v.F[1], v.F[2]}
}

// Float unwraps a float scalar.
func (v Value) Float() float32 {
	if v.Kind != ir.ScalarFloat || v.Comps != 1 {
		panic("interp: value is not a float scalar")
	}
	return v.F[0]
}

// Uint unwraps an unsigned scalar.
func (v Value) Uint() uint32 {
	if v.Kind != ir.ScalarUint || v.Comps != 1 {
		panic("interp: value is not a u32 scalar")
	}
	return v.U[0]
}

// Int unwraps a signed scalar.
func (v Value) Int() int32 {
	if v.Kind != ir.ScalarSint || v.Comps != 1 {
		panic("interp: value is not an i32 scalar")
	}
	return v.I[0]
}

// IsTrue unwraps a boolean scalar.
func (v Value) IsTrue() bool {
	if v.Kind != ir.ScalarBool || v.Comps != 1 {
		panic("interp: value is not a bool scalar")
	}
	return v.B[0]
}

// comp extracts component i as a scalar Value.
func (v Value) comp(i int) Value {
	out := Value{Kind: v.Kind, Comps: 1}
	out.F[0] = v.F[i]
	out.U[0] = v.U[i]
	out.I[0] = v.I[i]
	out.B[0] = v.B[i]
	return out
}

// setComp overwrites component i from a scalar.
func (v *Value) setComp(i int, s Value) {
	v.F[i] = s.F[0]
	v.U[i] = s.U[0]
	v.I[i] = s.I[0]
	v.B[i] = s.B[0]
}

// Equal reports bit-exact equality, recursing into structs. Floats compare
// by bit pattern, so NaN payloads and signed zeros are significant.
func (v Value) Equal(o Value) bool {
	if v.Members != nil || o.Members != nil {
		if len(v.Members) != len(o.Members) {
			return false
		}
		for i := range v.Members {
			if !v.Members[i].Equal(o.Members[i]) {
				return false
			}
		}
		return true
	}
	if v.Kind != o.Kind || v.Comps != o.Comps {
		return false
	}
	for i := 0; i < v.Comps; i++ {
		switch v.Kind {
		case ir.ScalarFloat:
			if bits32(v.F[i]) != bits32(o.F[i]) {
				return false
			}
		case ir.ScalarUint:
			if v.U[i] != o.U[i] {
				return false
			}
		case ir.ScalarSint:
			if v.I[i] != o.I[i] {
				return false
			}
		case ir.ScalarBool:
			if v.B[i] != o.B[i] {
				return false
			}
		}
	}
	return true
}

// String renders the value for diagnostics.
func (v Value) String() string {
	if v.Members != nil {
		return fmt.Sprintf("struct%v", v.Members)
	}
	switch v.Kind {
	case ir.ScalarFloat:
		return fmt.Sprintf("f32x%d%v", v.Comps, v.F[:v.Comps])
	case ir.ScalarUint:
		return fmt.Sprintf("u32x%d%v", v.Comps, v.U[:v.Comps])
	case ir.ScalarSint:
		return fmt.Sprintf("i32x%d%v", v.Comps, v.I[:v.Comps])
	default:
		return fmt.Sprintf("boolx%d%v", v.Comps, v.B[:v.Comps])
	}
}
