// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"testing"

	"github.com/gomlx/autoschedule/pkg/core/bounds"
	"github.com/gomlx/autoschedule/pkg/core/dtypes"
	"github.com/gomlx/autoschedule/pkg/core/expr"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAML(t *testing.T) {
	p := must.M1(LoadYAML("testdata/blur.yaml"))
	assert.Equal(t, "blur", p.Name)
	assert.Equal(t, []string{"blur_x", "blur_y"}, p.Order())
	assert.Equal(t, []string{"blur_y"}, p.OutputNames())
	assert.True(t, p.IsOutput("blur_y"))
	assert.False(t, p.IsOutput("blur_x"))
	assert.Equal(t, 0, p.Index("blur_x"))
	assert.Equal(t, 1, p.Index("blur_y"))
	assert.Equal(t, -1, p.Index("input"))

	blurY := p.MustFunc("blur_y")
	assert.Equal(t, []dtypes.DType{dtypes.Uint16}, blurY.DTypes)
	assert.Equal(t, Estimate{Min: 0, Extent: 2048}, blurY.Estimates["y"])
	assert.Equal(t, "(((blur_x(x, y) + blur_x(x, (y + 1))) + blur_x(x, (y + 2))) / 3)",
		blurY.Pure().Values[0].String())
	assert.Equal(t, int64(2), p.ValueSize("blur_y"))
	assert.Equal(t, int64(2), p.ValueSize("input"))
	assert.Equal(t, "{[0, 2051], [0, 2051]}", p.EstimateBox("input").String())
	assert.Equal(t, "{[0, 2047], [0, 2047]}", p.EstimateBox("blur_y").String())
	assert.Equal(t, "{[-inf, +inf], [-inf, +inf]}", p.EstimateBox("blur_x").String())
	require.NoError(t, p.Validate())

	assert.Equal(t, []string{"blur_x"}, sets.Sorted(p.Parents(Stage{Func: "blur_y"})))
	assert.Equal(t, []string{"input"}, sets.Sorted(p.Parents(Stage{Func: "blur_x"})))
	assert.Panics(t, func() { p.ValueSize("nope") })
}

func TestUpdateStages(t *testing.T) {
	p := must.M1(LoadYAML("testdata/histogram.yaml"))
	assert.Equal(t, []string{"clamped", "hist", "equalized"}, p.Order())
	hist := p.MustFunc("hist")
	assert.Equal(t, 2, hist.NumStages())
	assert.Equal(t, Stage{Func: "hist", Index: 1}, hist.LastStage())
	assert.False(t, hist.CanBeInlined())

	update := Stage{Func: "hist", Index: 1}
	assert.Equal(t, []StageDim{{Var: "rx", IsRVar: true}, {Var: "ry", IsRVar: true}}, p.StageDims(update))
	assert.Empty(t, p.PureDims(update))
	assert.Equal(t, []string{"i"}, p.StageDimVars(Stage{Func: "hist"}))

	stageBounds := p.StageBounds(update, bounds.DimBounds{"i": bounds.Range(0, 255)})
	assert.Equal(t, "{i: [0, 255], rx: [0, 1023], ry: [0, 1023]}", stageBounds.String())

	// Self references are not parents.
	assert.Equal(t, []string{"clamped"}, sets.Sorted(p.Parents(update)))
	assert.Empty(t, p.Parents(Stage{Func: "hist"}))
	assert.Len(t, p.StageValues(update), 2)

	scope := p.InputEstimates()
	scale, found := scope.Get("scale")
	require.True(t, found)
	assert.Equal(t, "[2, 2]", scale.String())
	assert.Equal(t, []Stage{{"clamped", 0}, {"hist", 0}, {"hist", 1}, {"equalized", 0}}, p.Stages())
}

func TestExtern(t *testing.T) {
	p := must.M1(LoadYAML("testdata/extern.yaml"))
	fft := p.MustFunc("fft")
	assert.True(t, fft.IsExtern())
	assert.False(t, fft.CanBeInlined())
	assert.True(t, p.UsedByExtern("pre"))
	assert.False(t, p.UsedByExtern("post"))
	assert.Equal(t, []string{"pre"}, sets.Sorted(p.Parents(Stage{Func: "fft"})))
	assert.Nil(t, p.StageValues(Stage{Func: "fft"}))
	assert.Panics(t, func() { fft.Pure() })

	// Functions used by extern functions can't be inlined.
	assert.Error(t, p.Clone().Inline("pre"))
	assert.Empty(t, p.TrivialFunctions())
}

func TestValidate(t *testing.T) {
	p := must.M1(LoadYAML("testdata/blur.yaml"))
	p.MustFunc("blur_x").Schedule = []string{"compute_root()"}
	assert.ErrorIs(t, p.Validate(), ErrPartialSchedule)

	p = must.M1(LoadYAML("testdata/blur.yaml"))
	delete(p.MustFunc("blur_y").Estimates, "y")
	assert.ErrorIs(t, p.Validate(), ErrMissingEstimate)
}

func TestInvalidPipelines(t *testing.T) {
	testCases := map[string]string{
		"cycle": `
funcs:
  - {name: f, args: [x], types: [int32], values: ["g(x)"]}
  - {name: g, args: [x], types: [int32], values: ["f(x)"]}
outputs: [g]`,
		"arity": `
funcs:
  - {name: f, args: [x], types: [int32], values: ["x"]}
  - {name: g, args: [x], types: [int32], values: ["f(x, x)"]}
outputs: [g]`,
		"duplicate": `
funcs:
  - {name: f, args: [x], types: [int32], values: ["x"]}
  - {name: f, args: [x], types: [int32], values: ["x"]}
outputs: [f]`,
		"unknown output": `
funcs:
  - {name: f, args: [x], types: [int32], values: ["x"]}
outputs: [g]`,
		"values and types": `
funcs:
  - {name: f, args: [x], types: [int32, int32], values: ["x"]}
outputs: [f]`,
		"bad expression": `
funcs:
  - {name: f, args: [x], types: [int32], values: ["x +"]}
outputs: [f]`,
	}
	for name, contents := range testCases {
		_, err := ParseYAML([]byte(contents))
		assert.ErrorIs(t, err, ErrInvalidPipeline, "test case %q", name)
	}
}

func TestUnreachableFunctionsAreDropped(t *testing.T) {
	p := must.M1(ParseYAML([]byte(`
funcs:
  - {name: unused, args: [x], types: [int32], values: ["x"]}
  - {name: f, args: [x], types: [int32], values: ["x * 2"]}
outputs: [f]`)))
	assert.Equal(t, []string{"f"}, p.Order())
	assert.Nil(t, p.Func("unused"))
}

func TestInline(t *testing.T) {
	p := must.M1(ParseYAML([]byte(`
inputs:
  - {name: in, type: float32, dims: 1}
funcs:
  - {name: a, args: [x], types: [float32], values: ["in(x) * 3.0"]}
  - {name: b, args: [x], types: [float32], values: ["a(x) + a(x + 1)"]}
  - {name: c, args: [x], types: [float32], values: ["b(2 * x) * 2.0"], estimates: {x: [0, 100]}}
outputs: [c]`)))
	assert.Equal(t, []string{"a", "b", "c"}, p.Order())

	// Inline in the reverse order: they are still applied producers first.
	inlined := p.Clone()
	require.NoError(t, inlined.Inline("b", "a"))
	assert.Equal(t, []string{"c"}, inlined.Order())
	assert.Equal(t, "(((in((2 * x)) * 3.0) + (in(((2 * x) + 1)) * 3.0)) * 2.0)",
		inlined.MustFunc("c").Pure().Values[0].String())
	// Original is untouched, and indices are stable.
	assert.Equal(t, []string{"a", "b", "c"}, p.Order())
	assert.Equal(t, 2, inlined.Index("c"))

	assert.Error(t, p.Clone().Inline("c"), "outputs can't be inlined")
	assert.Error(t, p.Clone().Inline("nope"))
}

func TestTrivialAndUnboundedFunctions(t *testing.T) {
	p := must.M1(ParseYAML([]byte(`
inputs:
  - {name: in, type: float32, dims: 1}
funcs:
  - {name: shifted, args: [x], types: [float32], values: ["in(x - 1)"]}
  - {name: scaled, args: [x], types: [float32], values: ["shifted(x) * 2.0"]}
  - {name: out, args: [x], types: [float32], values: ["scaled(x) + shifted(x)"], estimates: {x: [0, 10]}}
outputs: [out]`)))
	assert.Equal(t, []string{"shifted"}, p.TrivialFunctions())

	regions := bounds.Regions{
		"shifted": {bounds.Range(0, 10)},
		"scaled":  {bounds.Interval{Min: expr.Int(0)}},
		"out":     {bounds.Everything()},
	}
	// Outputs are never reported.
	assert.Equal(t, []string{"scaled"}, p.UnboundedFunctions(regions))
}

func TestBoundaryConditionNames(t *testing.T) {
	assert.True(t, IsBoundaryCondition("input_repeat_edge"))
	assert.True(t, IsBoundaryCondition("constant_exterior$1"))
	assert.False(t, IsBoundaryCondition("blur_x"))
}
