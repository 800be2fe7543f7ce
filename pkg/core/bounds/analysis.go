// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bounds

import (
	"github.com/gomlx/autoschedule/internal/scoped"
	"github.com/gomlx/autoschedule/pkg/core/expr"
)

// Of returns an interval containing every value e can take when its free variables range
// over the intervals in scope. Variables not in scope are kept symbolic.
//
// The result is conservative: ends that can't be determined are left unbounded.
func Of(e expr.Expr, scope *scoped.Scope[Interval]) Interval {
	return boundsOf(e, scope).Simplify()
}

func boundsOf(e expr.Expr, scope *scoped.Scope[Interval]) Interval {
	switch n := e.(type) {
	case *expr.Const:
		return Point(n)
	case *expr.FloatConst:
		return Everything()
	case *expr.Var:
		if interval, found := scope.Get(n.Name); found {
			return interval
		}
		return Point(n)
	case *expr.Binary:
		return binaryBounds(n, scope)
	case *expr.Not:
		return Range(0, 1)
	case *expr.Select:
		return Union(boundsOf(n.True, scope), boundsOf(n.False, scope))
	case *expr.Cast:
		if n.DType.IsFloat() {
			return Everything()
		}
		return boundsOf(n.Value, scope)
	case *expr.Call:
		if n.Kind == expr.CallIntrinsic && len(n.Args) == 1 {
			switch n.Name {
			case "likely":
				return boundsOf(n.Args[0], scope)
			case "abs":
				return absBounds(boundsOf(n.Args[0], scope))
			}
		}
		return Everything()
	}
	return Everything()
}

// apply returns fn(a, b), or nil if either is unbounded.
func apply(a, b expr.Expr, fn func(a, b expr.Expr) expr.Expr) expr.Expr {
	if a == nil || b == nil {
		return nil
	}
	return expr.Simplify(fn(a, b))
}

// constPoint returns c if the interval is the single constant c.
func constPoint(i Interval) (int64, bool) {
	min, max, ok := i.Constant()
	if !ok || min != max {
		return 0, false
	}
	return min, true
}

func binaryBounds(n *expr.Binary, scope *scoped.Scope[Interval]) Interval {
	if n.Op.IsComparison() || n.Op == expr.OpAnd || n.Op == expr.OpOr {
		return Range(0, 1)
	}
	a, b := boundsOf(n.A, scope), boundsOf(n.B, scope)
	switch n.Op {
	case expr.OpAdd:
		return Interval{Min: apply(a.Min, b.Min, expr.Add), Max: apply(a.Max, b.Max, expr.Add)}
	case expr.OpSub:
		return Interval{Min: apply(a.Min, b.Max, expr.Sub), Max: apply(a.Max, b.Min, expr.Sub)}
	case expr.OpMul:
		if c, ok := constPoint(b); ok {
			return scaleBounds(a, c)
		}
		if c, ok := constPoint(a); ok {
			return scaleBounds(b, c)
		}
		return cornerBounds(a, b, func(x, y int64) int64 { return x * y })
	case expr.OpDiv:
		c, ok := constPoint(b)
		if !ok || c == 0 {
			return Everything()
		}
		divBy := func(x expr.Expr) expr.Expr {
			if x == nil {
				return nil
			}
			return expr.Simplify(expr.Div(x, expr.Int(c)))
		}
		if c > 0 {
			return Interval{Min: divBy(a.Min), Max: divBy(a.Max)}
		}
		return Interval{Min: divBy(a.Max), Max: divBy(a.Min)}
	case expr.OpMod:
		if _, bMax, ok := b.Constant(); ok && bMax > 0 {
			if bMin, _, _ := b.Constant(); bMin > 0 {
				return Range(0, bMax-1)
			}
		}
		return Everything()
	case expr.OpMin:
		result := Interval{Min: apply(a.Min, b.Min, expr.Min)}
		switch {
		case a.Max == nil:
			result.Max = b.Max
		case b.Max == nil:
			result.Max = a.Max
		default:
			result.Max = expr.Simplify(expr.Min(a.Max, b.Max))
		}
		return result
	case expr.OpMax:
		result := Interval{Max: apply(a.Max, b.Max, expr.Max)}
		switch {
		case a.Min == nil:
			result.Min = b.Min
		case b.Min == nil:
			result.Min = a.Min
		default:
			result.Min = expr.Simplify(expr.Max(a.Min, b.Min))
		}
		return result
	}
	return Everything()
}

func scaleBounds(i Interval, c int64) Interval {
	if c == 0 {
		return Point(expr.Int(0))
	}
	scale := func(x expr.Expr) expr.Expr {
		if x == nil {
			return nil
		}
		return expr.Simplify(expr.Mul(x, expr.Int(c)))
	}
	if c > 0 {
		return Interval{Min: scale(i.Min), Max: scale(i.Max)}
	}
	return Interval{Min: scale(i.Max), Max: scale(i.Min)}
}

// cornerBounds evaluates fn on the four corners of two constant intervals.
func cornerBounds(a, b Interval, fn func(x, y int64) int64) Interval {
	aMin, aMax, okA := a.Constant()
	bMin, bMax, okB := b.Constant()
	if !okA || !okB {
		return Everything()
	}
	corners := []int64{fn(aMin, bMin), fn(aMin, bMax), fn(aMax, bMin), fn(aMax, bMax)}
	lo, hi := corners[0], corners[0]
	for _, c := range corners[1:] {
		lo, hi = min(lo, c), max(hi, c)
	}
	return Range(lo, hi)
}

func absBounds(i Interval) Interval {
	if lo, hi, ok := i.Constant(); ok {
		switch {
		case lo >= 0:
			return Range(lo, hi)
		case hi <= 0:
			return Range(-hi, -lo)
		default:
			return Range(0, max(-lo, hi))
		}
	}
	return Interval{Min: expr.Int(0)}
}

// BoxesRequired returns, for every function or buffer loaded by e, the box of coordinates
// read when the free variables of e range over the intervals in scope.
func BoxesRequired(e expr.Expr, scope *scoped.Scope[Interval]) Regions {
	regions := make(Regions)
	AccumulateBoxesRequired(regions, e, scope)
	return regions
}

// AccumulateBoxesRequired merges the boxes required by e into regions.
func AccumulateBoxesRequired(regions Regions, e expr.Expr, scope *scoped.Scope[Interval]) {
	expr.Visit(e, func(node expr.Expr) bool {
		call, ok := node.(*expr.Call)
		if !ok || (call.Kind != expr.CallFunc && call.Kind != expr.CallImage) {
			return true
		}
		box := make(Box, len(call.Args))
		for ii, arg := range call.Args {
			box[ii] = Of(arg, scope)
		}
		regions.Merge(Regions{call.Name: box})
		return true
	})
}
