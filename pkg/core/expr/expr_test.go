// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package expr

import (
	"testing"

	"github.com/gomlx/autoschedule/pkg/core/dtypes"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolver(name string) (CallKind, bool) {
	switch name {
	case "f", "g", "blur_x":
		return CallFunc, true
	case "input":
		return CallImage, true
	}
	return 0, false
}

func TestSimplify(t *testing.T) {
	x, y := Variable("x"), Variable("y")
	testCases := []struct {
		e    Expr
		want string
	}{
		{Add(Int(3), Int(4)), "7"},
		{Sub(Add(x, Int(1)), x), "1"},
		{Add(Mul(x, Int(2)), Sub(Int(3), x)), "(x + 3)"},
		{Sub(Int(0), x), "(x * -1)"},
		{Add(Add(x, y), Sub(Int(-5), y)), "(x - 5)"},
		{Mul(Add(x, Int(1)), Int(0)), "0"},
		{Div(Int(-7), Int(2)), "-4"},
		{Mod(Int(-7), Int(3)), "2"},
		{Min(x, Add(x, Int(1))), "x"},
		{Max(x, Add(x, Int(1))), "(x + 1)"},
		{Min(Int(4), x), "min(x, 4)"},
		{Min(Min(x, Int(10)), Int(3)), "min(x, 3)"},
		{LT(x, Add(x, Int(1))), "1"},
		{GE(x, Add(x, Int(1))), "0"},
		{And(Int(1), LT(x, y)), "(x < y)"},
		{Or(LT(x, y), Int(1)), "1"},
		{&Select{Cond: Int(0), True: x, False: y}, "y"},
		{&Cast{DType: dtypes.Float32, Value: Int(2)}, "2.0"},
		{Add(Float(1.5), Int(1)), "2.5"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, Simplify(tc.e).String(), "simplifying %s", tc.e)
	}
}

func TestSimplifyIsIdempotent(t *testing.T) {
	e := MustParse("(x*3 + y - 2*x) - (y + 4) + min(x, 7)", nil)
	once := Simplify(e)
	assert.Equal(t, once.String(), Simplify(once).String())
}

func TestCanProve(t *testing.T) {
	x := Variable("x")
	assert.True(t, CanProve(LT(x, Add(x, Int(1)))))
	assert.True(t, CanProve(EQ(Sub(Add(x, Int(5)), Int(5)), x)))
	assert.False(t, CanProve(LT(x, Int(10))), "undecidable conditions are not proven")
	assert.False(t, CanProve(GT(Int(3), Int(4))))
	assert.True(t, CanProve(Int(2)))
}

func TestParse(t *testing.T) {
	e, err := Parse("(input(x, y) + input(x+1, y)) / 2", testResolver)
	require.NoError(t, err)
	assert.Equal(t, "((input(x, y) + input((x + 1), y)) / 2)", e.String())
	assert.Equal(t, []string{"input"}, sets.Sorted(Calls(e)))

	e, err = Parse("select(x < 10, f(x), -1) + g(x, y)[1] + max(x, y, 3)", testResolver)
	require.NoError(t, err)
	var call *Call
	Visit(e, func(node Expr) bool {
		if c, ok := node.(*Call); ok && c.Name == "g" {
			call = c
		}
		return true
	})
	require.NotNil(t, call)
	assert.Equal(t, 1, call.Index)
	assert.Equal(t, []string{"f", "g"}, sets.Sorted(Calls(e)))

	e, err = Parse("float32(sqrt_f32(f(x))) * 0.5 + abs(x)", testResolver)
	require.NoError(t, err)
	kinds := map[string]CallKind{}
	Visit(e, func(node Expr) bool {
		if c, ok := node.(*Call); ok {
			kinds[c.Name] = c.Kind
		}
		return true
	})
	assert.Equal(t, map[string]CallKind{"sqrt_f32": CallExtern, "f": CallFunc, "abs": CallIntrinsic}, kinds)

	for _, bad := range []string{"h(x)", "x[1]", "select(x, y)", "f(x)[y]", "x +", "min(x)"} {
		_, err = Parse(bad, testResolver)
		assert.Error(t, err, "parsing %q should fail", bad)
	}
}

func TestSubstitute(t *testing.T) {
	e := MustParse("f(x + 1, y) * x", testResolver)
	got := Simplify(Substitute(e, map[string]Expr{"x": Sub(Variable("x"), Int(1))}))
	assert.Equal(t, "(f(x, y) * (x - 1))", got.String())
	assert.Equal(t, []string{"x", "y"}, sets.Sorted(FreeVars(e)))
}
