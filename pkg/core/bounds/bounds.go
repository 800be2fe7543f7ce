// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bounds defines the axis-aligned region primitives used by the scheduler:
// Interval, Box (one Interval per axis) and DimBounds (one Interval per named loop variable),
// plus the interval analysis of expressions used to derive them.
package bounds

import (
	"fmt"
	"strings"

	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/expr"
	"github.com/gomlx/autoschedule/pkg/support/xslices"
	"github.com/gomlx/exceptions"
)

// Interval is a closed range [Min, Max] of integers. A nil Min or Max means unbounded
// on that side.
type Interval struct {
	Min, Max expr.Expr
}

// Everything returns the unbounded interval.
func Everything() Interval { return Interval{} }

// Point returns the interval [e, e].
func Point(e expr.Expr) Interval { return Interval{Min: e, Max: e} }

// Range returns the constant interval [min, max].
func Range(min, max int64) Interval { return Interval{Min: expr.Int(min), Max: expr.Int(max)} }

// HasLowerBound returns whether Min is defined.
func (i Interval) HasLowerBound() bool { return i.Min != nil }

// HasUpperBound returns whether Max is defined.
func (i Interval) HasUpperBound() bool { return i.Max != nil }

// IsBounded returns whether both ends are defined.
func (i Interval) IsBounded() bool { return i.Min != nil && i.Max != nil }

// Constant returns the interval ends if both are integer constants.
func (i Interval) Constant() (min, max int64, ok bool) {
	if !i.IsBounded() {
		return 0, 0, false
	}
	min, okMin := expr.AsConst(i.Min)
	max, okMax := expr.AsConst(i.Max)
	return min, max, okMin && okMax
}

// Equal returns whether both intervals have structurally identical ends.
func (i Interval) Equal(other Interval) bool {
	return expr.Equal(i.Min, other.Min) && expr.Equal(i.Max, other.Max)
}

// Simplify returns the interval with both ends simplified.
func (i Interval) Simplify() Interval {
	return Interval{Min: simplifyOrNil(i.Min), Max: simplifyOrNil(i.Max)}
}

func simplifyOrNil(e expr.Expr) expr.Expr {
	if e == nil {
		return nil
	}
	return expr.Simplify(e)
}

// String implements fmt.Stringer.
func (i Interval) String() string {
	lo, hi := "-inf", "+inf"
	if i.Min != nil {
		lo = i.Min.String()
	}
	if i.Max != nil {
		hi = i.Max.String()
	}
	return "[" + lo + ", " + hi + "]"
}

// Extent returns the number of points in the interval, Max-Min+1, if it can be determined.
// An interval with Max < Min has extent 0.
func Extent(i Interval) cost.Value {
	if !i.IsBounded() {
		return cost.Unknown
	}
	diff, ok := expr.AsConst(expr.Simplify(expr.Sub(i.Max, i.Min)))
	if !ok {
		return cost.Unknown
	}
	if diff < 0 {
		return cost.Of(0)
	}
	return cost.Of(diff + 1)
}

// Union returns the smallest interval containing both a and b.
func Union(a, b Interval) Interval {
	var result Interval
	if a.Min != nil && b.Min != nil {
		result.Min = expr.Simplify(expr.Min(a.Min, b.Min))
	}
	if a.Max != nil && b.Max != nil {
		result.Max = expr.Simplify(expr.Max(a.Max, b.Max))
	}
	return result
}

// Intersect returns the interval of points in both a and b.
func Intersect(a, b Interval) Interval {
	var result Interval
	switch {
	case a.Min == nil:
		result.Min = b.Min
	case b.Min == nil:
		result.Min = a.Min
	default:
		result.Min = expr.Simplify(expr.Max(a.Min, b.Min))
	}
	switch {
	case a.Max == nil:
		result.Max = b.Max
	case b.Max == nil:
		result.Max = a.Max
	default:
		result.Max = expr.Simplify(expr.Min(a.Max, b.Max))
	}
	return result
}

// Box is an ordered sequence of Intervals, one per storage axis.
type Box []Interval

// Clone returns a copy of the box.
func (b Box) Clone() Box {
	if b == nil {
		return nil
	}
	return append(Box(nil), b...)
}

// Equal returns whether both boxes have the same number of axes, with equal intervals.
func (b Box) Equal(other Box) bool {
	if len(b) != len(other) {
		return false
	}
	for ii := range b {
		if !b[ii].Equal(other[ii]) {
			return false
		}
	}
	return true
}

// Simplify returns a box with all intervals simplified.
func (b Box) Simplify() Box {
	return xslices.Map(b, Interval.Simplify)
}

// String implements fmt.Stringer.
func (b Box) String() string {
	return "{" + strings.Join(xslices.Map(b, Interval.String), ", ") + "}"
}

// Size returns the number of points in the box. A zero extent on any axis makes the size 0,
// even if other axes are unknown.
func Size(b Box) cost.Value {
	size := cost.Of(1)
	for _, interval := range b {
		extent := Extent(interval)
		if extent.EQ(cost.Of(0)) {
			return extent
		}
		size = size.Mul(extent)
	}
	return size
}

// MergeBox returns the per-axis union of two boxes of the same number of axes.
func MergeBox(a, b Box) Box {
	if len(a) != len(b) {
		exceptions.Panicf("bounds.MergeBox(): boxes with different number of axes: %s and %s", a, b)
	}
	merged := make(Box, len(a))
	for ii := range a {
		merged[ii] = Union(a[ii], b[ii])
	}
	return merged
}

// IntersectBox returns the per-axis intersection of two boxes of the same number of axes.
func IntersectBox(a, b Box) Box {
	if len(a) != len(b) {
		exceptions.Panicf("bounds.IntersectBox(): boxes with different number of axes: %s and %s", a, b)
	}
	result := make(Box, len(a))
	for ii := range a {
		result[ii] = Intersect(a[ii], b[ii])
	}
	return result
}

// Regions maps a function or buffer name to a region of it.
type Regions map[string]Box

// Merge unions the partial regions into r, in place.
func (r Regions) Merge(partial Regions) {
	for name, box := range partial {
		if current, found := r[name]; found {
			r[name] = MergeBox(current, box)
		} else {
			r[name] = box.Clone()
		}
	}
}

// Clone returns a copy of r: boxes are cloned, expressions are shared.
func (r Regions) Clone() Regions {
	c := make(Regions, len(r))
	for name, box := range r {
		c[name] = box.Clone()
	}
	return c
}

// Equal returns whether both have the same names, with equal boxes.
func (r Regions) Equal(other Regions) bool {
	if len(r) != len(other) {
		return false
	}
	for name, box := range r {
		otherBox, found := other[name]
		if !found || !box.Equal(otherBox) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer, listing regions in sorted order of names.
func (r Regions) String() string {
	parts := make([]string, 0, len(r))
	for _, name := range xslices.SortedKeys(r) {
		parts = append(parts, name+": "+r[name].String())
	}
	return strings.Join(parts, "\n")
}

// DimBounds maps loop variable names to their bounds.
type DimBounds map[string]Interval

// Clone returns a shallow copy.
func (d DimBounds) Clone() DimBounds {
	c := make(DimBounds, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// Equal returns whether both bounds define the same variables with equal intervals.
func (d DimBounds) Equal(other DimBounds) bool {
	if len(d) != len(other) {
		return false
	}
	for name, interval := range d {
		otherInterval, found := other[name]
		if !found || !interval.Equal(otherInterval) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (d DimBounds) String() string {
	parts := make([]string, 0, len(d))
	for _, name := range xslices.SortedKeys(d) {
		parts = append(parts, fmt.Sprintf("%s: %s", name, d[name]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
