// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package regioncosts

import (
	"strings"

	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/expr"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"k8s.io/klog/v2"
)

// Arithmetic cost of calls to external math routines, by the suffix of their name.
var externCostsBySuffix = []struct {
	suffix string
	arith  int64
}{
	{"_f64", 20},
	{"_f32", 10},
	{"_f16", 5},
}

// Arithmetic cost of intrinsics.
var intrinsicCosts = map[string]int64{
	"abs":    5,
	"likely": 0,
}

// exprCost counts the per-point cost of evaluating an expression: every operation costs one
// arithmetic unit, and every load from a function or buffer costs one arithmetic unit plus the
// bytes loaded, which are also accounted per loaded name in loads.
type exprCost struct {
	p      *pipeline.Pipeline
	arith  int64
	memory int64
	loads  map[string]int64
}

func newExprCost(p *pipeline.Pipeline) *exprCost {
	return &exprCost{p: p, loads: make(map[string]int64)}
}

func (c *exprCost) cost() cost.Cost {
	return cost.Cost{Arith: cost.Of(c.arith), Memory: cost.Of(c.memory)}
}

// add accounts for e.
func (c *exprCost) add(e expr.Expr) {
	expr.Visit(e, func(node expr.Expr) bool {
		switch n := node.(type) {
		case *expr.Binary, *expr.Not, *expr.Select, *expr.Cast:
			c.arith++
		case *expr.Call:
			c.addCall(n)
		}
		return true
	})
}

func (c *exprCost) addCall(call *expr.Call) {
	switch call.Kind {
	case expr.CallFunc, expr.CallImage:
		bytes := c.loadBytes(call)
		c.arith++
		c.memory += bytes
		c.loads[call.Name] += bytes
	case expr.CallExtern:
		for _, entry := range externCostsBySuffix {
			if strings.HasSuffix(call.Name, entry.suffix) {
				c.arith += entry.arith
				return
			}
		}
		klog.Warningf("Unknown extern call %s", call.Name)
	case expr.CallIntrinsic:
		if arith, found := intrinsicCosts[call.Name]; found {
			c.arith += arith
		} else {
			c.arith++
		}
	}
}

// loadBytes returns the size of the value loaded by a call to a function or buffer.
func (c *exprCost) loadBytes(call *expr.Call) int64 {
	if call.Kind == expr.CallFunc {
		if f := c.p.Func(call.Name); f != nil && call.Index < len(f.DTypes) {
			return int64(f.DTypes[call.Index].Size())
		}
	}
	if input := c.p.Input(call.Name); input != nil {
		return int64(input.DType.Size())
	}
	return c.p.ValueSize(call.Name)
}
