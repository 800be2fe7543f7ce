// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cost defines Value, a number that may be Unknown, and Cost, the (arithmetic, memory)
// pair estimated for realizing a region.
//
// Unknown is a first-class value meaning "could not be evaluated" or "infeasible": it is
// distinct from zero, it propagates through arithmetic, and every comparison involving it is
// false, so code that asks "is this good enough?" takes the conservative branch.
package cost

import (
	"fmt"
	"math"
	"strconv"
)

// Value is either Unknown or a known float64.
// The zero value is Unknown.
type Value struct {
	v     float64
	known bool
}

// Unknown is the undefined Value.
var Unknown = Value{}

// Of returns a known Value.
func Of[T ~int | ~int32 | ~int64 | ~float32 | ~float64](v T) Value {
	return Value{v: float64(v), known: true}
}

// IsKnown returns whether the value is defined.
func (a Value) IsKnown() bool { return a.known }

// Get returns the value and whether it is known.
func (a Value) Get() (float64, bool) { return a.v, a.known }

// MustGet returns the value, or panics if it is unknown.
func (a Value) MustGet() float64 {
	if !a.known {
		panic("cost.Value.MustGet() called on an Unknown value")
	}
	return a.v
}

// Or returns the value if known, otherwise the given default.
func (a Value) Or(defaultValue float64) float64 {
	if a.known {
		return a.v
	}
	return defaultValue
}

func binary(a, b Value, fn func(x, y float64) float64) Value {
	if !a.known || !b.known {
		return Unknown
	}
	return Value{v: fn(a.v, b.v), known: true}
}

// Add returns a+b.
func (a Value) Add(b Value) Value { return binary(a, b, func(x, y float64) float64 { return x + y }) }

// Sub returns a-b.
func (a Value) Sub(b Value) Value { return binary(a, b, func(x, y float64) float64 { return x - y }) }

// Mul returns a*b.
func (a Value) Mul(b Value) Value { return binary(a, b, func(x, y float64) float64 { return x * y }) }

// Div returns a/b. Division by zero yields Unknown.
func (a Value) Div(b Value) Value {
	if b.known && b.v == 0 {
		return Unknown
	}
	return binary(a, b, func(x, y float64) float64 { return x / y })
}

// Min returns the smaller of a and b.
func (a Value) Min(b Value) Value { return binary(a, b, math.Min) }

// Max returns the larger of a and b.
func (a Value) Max(b Value) Value { return binary(a, b, math.Max) }

// Floor rounds a down.
func (a Value) Floor() Value {
	if !a.known {
		return a
	}
	return Of(math.Floor(a.v))
}

// Ceil rounds a up.
func (a Value) Ceil() Value {
	if !a.known {
		return a
	}
	return Of(math.Ceil(a.v))
}

// LT returns whether a < b is known to hold.
func (a Value) LT(b Value) bool { return a.known && b.known && a.v < b.v }

// LE returns whether a <= b is known to hold.
func (a Value) LE(b Value) bool { return a.known && b.known && a.v <= b.v }

// GT returns whether a > b is known to hold.
func (a Value) GT(b Value) bool { return a.known && b.known && a.v > b.v }

// GE returns whether a >= b is known to hold.
func (a Value) GE(b Value) bool { return a.known && b.known && a.v >= b.v }

// EQ returns whether a == b is known to hold.
func (a Value) EQ(b Value) bool { return a.known && b.known && a.v == b.v }

// String implements fmt.Stringer.
func (a Value) String() string {
	if !a.known {
		return "unknown"
	}
	return strconv.FormatFloat(a.v, 'g', -1, 64)
}

// Sum adds all values: it is Unknown if any of them is.
func Sum(values ...Value) Value {
	total := Of(0)
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Cost is the estimated arithmetic and memory cost of realizing a region.
type Cost struct {
	Arith, Memory Value
}

// Zero is the known, zero cost.
var Zero = Cost{Arith: Of(0), Memory: Of(0)}

// UnknownCost has both components Unknown.
var UnknownCost = Cost{}

// IsKnown returns whether both components are known.
func (c Cost) IsKnown() bool { return c.Arith.known && c.Memory.known }

// Add returns the component-wise sum.
func (c Cost) Add(other Cost) Cost {
	return Cost{Arith: c.Arith.Add(other.Arith), Memory: c.Memory.Add(other.Memory)}
}

// Scale multiplies both components by s.
func (c Cost) Scale(s Value) Cost {
	return Cost{Arith: c.Arith.Mul(s), Memory: c.Memory.Mul(s)}
}

// Total returns Arith+Memory.
func (c Cost) Total() Value { return c.Arith.Add(c.Memory) }

// String implements fmt.Stringer.
func (c Cost) String() string {
	return fmt.Sprintf("[arith: %s, memory: %s]", c.Arith, c.Memory)
}
