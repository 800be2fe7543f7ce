// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package regioncosts

import (
	"testing"

	"github.com/gomlx/autoschedule/pkg/core/bounds"
	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/expr"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blurYAML = `
name: blur
inputs:
  - {name: input, type: uint16, dims: 2}
funcs:
  - name: blur_x
    args: [x, y]
    types: [uint16]
    values: ["(input(x, y) + input(x+1, y) + input(x+2, y)) / 3"]
  - name: blur_y
    args: [x, y]
    types: [uint16]
    values: ["(blur_x(x, y) + blur_x(x, y+1) + blur_x(x, y+2)) / 3"]
    estimates: {x: [0, 2048], y: [0, 2048]}
outputs: [blur_y]
`

const histogramYAML = `
name: histogram
inputs:
  - {name: input, type: uint8, dims: 1}
funcs:
  - name: hist
    args: [i]
    types: [int32]
    values: ["0"]
    updates:
      - rdom: [{name: r, min: "0", extent: "100"}]
        args: ["int32(input(r))"]
        values: ["hist(int32(input(r))) + 1"]
  - name: ext
    args: [i]
    types: [float32]
    extern: {routine: normalize, args: [{func: hist}]}
  - name: out
    args: [i]
    types: [float32]
    values: ["ext(i) * 2.0"]
    estimates: {i: [0, 256]}
outputs: [out]
`

func square(n int64) bounds.Box {
	return bounds.Box{bounds.Range(0, n-1), bounds.Range(0, n-1)}
}

func TestExprCost(t *testing.T) {
	p := must.M1(pipeline.ParseYAML([]byte(blurYAML)))
	counter := newExprCost(p)
	counter.add(expr.MustParse("abs(x) + sqrt_f32(x) + exp_f64(x) + likely(x)", nil))
	assert.Equal(t, cost.Cost{Arith: cost.Of(3 + 5 + 10 + 20), Memory: cost.Of(0)}, counter.cost())

	counter = newExprCost(p)
	counter.add(expr.ImageCall("input", expr.Variable("x"), expr.Variable("y")))
	counter.add(&expr.Cast{DType: p.MustFunc("blur_x").DTypes[0], Value: expr.FuncCall("blur_x", expr.Variable("x"), expr.Variable("y"))})
	assert.Equal(t, cost.Cost{Arith: cost.Of(3), Memory: cost.Of(4)}, counter.cost())
	assert.Equal(t, map[string]int64{"input": 2, "blur_x": 2}, counter.loads)
}

func TestFuncCosts(t *testing.T) {
	p := must.M1(pipeline.ParseYAML([]byte(blurYAML)))
	costs := New(p)

	// 2 adds, 1 division, 2 index additions, 3 loads and the store.
	perPoint := cost.Cost{Arith: cost.Of(9), Memory: cost.Of(8)}
	assert.Equal(t, []cost.Cost{perPoint}, costs.FuncCost("blur_x", nil))
	assert.Equal(t, []cost.Cost{perPoint}, costs.FuncCost("blur_y", nil))

	assert.Equal(t, perPoint.Scale(cost.Of(100)), costs.FuncRegionCost("blur_x", square(10), nil))
	regions := bounds.Regions{"blur_x": square(10), "blur_y": square(10), "input": square(12)}
	assert.Equal(t, perPoint.Scale(cost.Of(200)), costs.RegionCost(regions, nil))

	// Inlined functions are accounted in their callers.
	inlined := sets.MakeWith("blur_x")
	assert.Equal(t, cost.Cost{Arith: cost.Of(34), Memory: cost.Of(20)}, costs.FuncCost("blur_y", inlined)[0])
	assert.Equal(t, cost.Cost{Arith: cost.Of(3400), Memory: cost.Of(2000)}, costs.RegionCost(regions, inlined))

	// Unknown sizes make the whole cost unknown.
	regions["blur_x"] = bounds.Box{bounds.Everything(), bounds.Range(0, 9)}
	assert.False(t, costs.RegionCost(regions, nil).IsKnown())

	assert.Panics(t, func() { costs.FuncRegionCost("blur_x", bounds.Box{bounds.Range(0, 1)}, nil) })
}

func TestLoadCosts(t *testing.T) {
	p := must.M1(pipeline.ParseYAML([]byte(blurYAML)))
	costs := New(p)
	loads := costs.DetailedLoadCosts(bounds.Regions{"blur_x": square(10)}, nil)
	assert.Equal(t, map[string]cost.Value{"input": cost.Of(600), "blur_x": cost.Of(200)}, loads)

	stage := pipeline.Stage{Func: "blur_y"}
	stageLoads := costs.StageDetailedLoadCosts(stage,
		bounds.DimBounds{"x": bounds.Range(0, 9), "y": bounds.Everything()}, nil)
	assert.False(t, stageLoads["blur_x"].IsKnown())
	assert.False(t, stageLoads["blur_y"].IsKnown())

	result := map[string]cost.Value{"a": cost.Of(1)}
	CombineLoadCosts(result, map[string]cost.Value{"a": cost.Unknown, "b": cost.Of(2)})
	assert.Equal(t, map[string]cost.Value{"a": cost.Unknown, "b": cost.Of(2)}, result)
}

func TestSizes(t *testing.T) {
	p := must.M1(pipeline.ParseYAML([]byte(blurYAML)))
	costs := New(p)
	assert.Equal(t, cost.Of(200), costs.RegionSize("blur_x", square(10)))
	assert.Equal(t, cost.Of(288), costs.InputRegionSize("input", square(12)))
	assert.Equal(t, cost.Of(288), costs.InputRegionsSize(bounds.Regions{"input": square(12)}))
	assert.False(t, costs.InputRegionSize("input", bounds.Box{bounds.Everything(), bounds.Range(0, 1)}).IsKnown())
	assert.Panics(t, func() { costs.InputRegionSize("blur_x", square(2)) })
	assert.Equal(t, int64(2), costs.ValueSize("blur_y"))

	regions := bounds.Regions{"blur_x": square(10), "blur_y": square(10)}
	assert.Equal(t, cost.Of(400), costs.RegionFootprint(regions, nil))
	assert.Equal(t, cost.Of(200), costs.RegionFootprint(regions, sets.MakeWith("blur_x")))
}

func TestUpdatesAndExterns(t *testing.T) {
	p := must.M1(pipeline.ParseYAML([]byte(histogramYAML)))
	costs := New(p)

	histCosts := costs.FuncCost("hist", nil)
	require.Len(t, histCosts, 2)
	// Pure stage: just the store.
	assert.Equal(t, cost.Cost{Arith: cost.Of(1), Memory: cost.Of(4)}, histCosts[0])
	// Update: the value (1 add, 1 cast, 2 loads), the store and the update coordinate (1 cast, 1 load).
	assert.Equal(t, cost.Cost{Arith: cost.Of(4 + 1 + 2), Memory: cost.Of(5 + 4 + 1)}, histCosts[1])

	// The update runs over its reduction domain: 100 points, whatever the pure bounds.
	histRegion := bounds.Box{bounds.Range(0, 255)}
	want := histCosts[0].Scale(cost.Of(256)).Add(histCosts[1].Scale(cost.Of(100)))
	assert.Equal(t, want, costs.FuncRegionCost("hist", histRegion, nil))

	assert.False(t, costs.FuncRegionCost("ext", histRegion, nil).IsKnown())
	assert.Empty(t, costs.StageDetailedLoadCosts(pipeline.Stage{Func: "ext"}, bounds.DimBounds{"i": bounds.Range(0, 1)}, nil))
}
