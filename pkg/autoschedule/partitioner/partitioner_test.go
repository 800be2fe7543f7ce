// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package partitioner

import (
	"strings"
	"testing"

	"github.com/gomlx/autoschedule/pkg/autoschedule/dependence"
	"github.com/gomlx/autoschedule/pkg/autoschedule/regioncosts"
	"github.com/gomlx/autoschedule/pkg/autoschedule/schedule"
	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/machine"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blurYAML = `
name: blur
inputs:
  - {name: input, type: uint16, dims: 2, estimates: [[0, 2050], [0, 2050]]}
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

const chainYAML = `
name: chain
inputs:
  - {name: a, type: float32, dims: 1, estimates: [[0, 1000]]}
funcs:
  - name: b
    args: [x]
    types: [float32]
    values: ["a(x) + 1.0"]
  - name: c
    args: [x]
    types: [float32]
    values: ["b(x) * 2.0"]
    estimates: {x: [0, 1000]}
outputs: [c]
`

const scaleYAML = `
name: scale
inputs:
  - {name: input, type: float32, dims: 2, estimates: [[0, 2048], [0, 2048]]}
funcs:
  - name: out
    args: [x, y]
    types: [float32]
    values: ["input(x, y) * 2.0"]
    estimates: {x: [0, 2048], y: [0, 2048]}
outputs: [out]
`

const channelsYAML = `
name: channels
inputs:
  - {name: input, type: float32, dims: 3, estimates: [[0, 2048], [0, 2048], [0, 3]]}
funcs:
  - name: out
    args: [x, y, c]
    types: [float32]
    values: ["input(x, y, c) * 2.0"]
    estimates: {x: [0, 2048], y: [0, 2048], c: [0, 3]}
outputs: [out]
`

const lineYAML = `
name: line
inputs:
  - {name: input, type: float32, dims: 1, estimates: [[0, 4096]]}
funcs:
  - name: out
    args: [i]
    types: [float32]
    values: ["input(i) * 2.0"]
    estimates: {i: [0, 4096]}
outputs: [out]
`

const accumulateYAML = `
name: accumulate
inputs:
  - {name: input, type: float32, dims: 2, estimates: [[0, 1024], [0, 1024]]}
funcs:
  - name: f
    args: [x, y]
    types: [float32]
    values: ["input(x, y) * 2.0"]
  - name: g
    args: [x, y]
    types: [float32]
    values: ["f(x, y)"]
    updates:
      - args: ["x", "y"]
        values: ["g(x, y) + f(x, y)"]
    estimates: {x: [0, 1024], y: [0, 1024]}
outputs: [g]
`

const fanoutYAML = `
name: fanout
inputs:
  - {name: input, type: float32, dims: 2, estimates: [[0, 1024], [0, 1024]]}
funcs:
  - name: f
    args: [x, y]
    types: [float32]
    values: ["input(x, y) * 2.0"]
  - name: g1
    args: [x, y]
    types: [float32]
    values: ["f(x, y) + 1.0"]
  - name: g2
    args: [x, y]
    types: [float32]
    values: ["f(x, y) * 3.0"]
  - name: h
    args: [x, y]
    types: [float32]
    values: ["g1(x, y) + g2(x, y)"]
    estimates: {x: [0, 1024], y: [0, 1024]}
outputs: [h]
`

const pairYAML = `
name: pair
inputs:
  - {name: input, type: float32, dims: 1, estimates: [[0, 1002]]}
funcs:
  - name: p1
    args: [x]
    types: [float32]
    values: ["input(x) * 2.0"]
  - name: p2
    args: [x]
    types: [float32]
    values: ["input(x) + 1.0"]
  - name: c
    args: [x]
    types: [float32]
    values: ["p1(x) + p2(x) + p2(x+1)"]
    estimates: {x: [0, 1000]}
outputs: [c]
`

func cc61Config() Config {
	config := machine.DefaultConfig()
	return Config{Machine: config.Machine, GPU: config.GPU, SharedMemCost: 1, L2Cost: 1, GlobalCost: 1}
}

func newTestPartitioner(t *testing.T, contents string) *Partitioner {
	t.Helper()
	p := must.M1(pipeline.ParseYAML([]byte(contents)))
	deps := dependence.New(p)
	return New(p, deps.PipelineBounds(), deps, regioncosts.New(p), cc61Config())
}

// checkPartition verifies that every stage belongs to exactly one group, unless its function is
// inlined, in which case it belongs to none. It also verifies that the groups are ordered:
// consumers of a group always come later in the pipeline.
func checkPartition(t *testing.T, pt *Partitioner) {
	t.Helper()
	seen := make(map[pipeline.Stage]int)
	inlined := sets.Make[string]()
	for _, g := range pt.Groups() {
		require.Contains(t, g.Members, g.Output, "group %s doesn't contain its output", g.Output)
		inlined.Union(g.Inlined)
		for _, m := range g.Members {
			seen[m]++
		}
		for _, c := range pt.Children(g.Output) {
			_, found := pt.GroupOf(c)
			assert.Truef(t, found, "child %s of group %s is not a group output", c, g.Output)
			assert.Negativef(t, pt.compareStages(g.Output, c), "child %s comes before group %s", c, g.Output)
		}
	}
	for _, s := range pt.Stages() {
		if inlined.Has(s.Func) {
			assert.Zerof(t, seen[s], "inlined stage %s is a member of %d groups", s, seen[s])
			_, found := pt.GroupOf(s)
			assert.Falsef(t, found, "inlined stage %s has its own group", s)
			continue
		}
		assert.Equalf(t, 1, seen[s], "stage %s is a member of %d groups", s, seen[s])
	}
}

func TestNew(t *testing.T) {
	pt := newTestPartitioner(t, blurYAML)
	blurX, blurY := pipeline.Stage{Func: "blur_x"}, pipeline.Stage{Func: "blur_y"}
	assert.Equal(t, []pipeline.Stage{blurX, blurY}, pt.Stages())
	require.Len(t, pt.Groups(), 2)
	assert.Equal(t, []pipeline.Stage{blurY}, pt.Children(blurX))
	assert.Empty(t, pt.Children(blurY))
	assert.Panics(t, func() { pt.PipelineCost() })
	checkPartition(t, pt)

	assert.Equal(t, "[0, 2047]", pt.Bounds(blurX)["x"].String())
	assert.Equal(t, "[0, 2049]", pt.Bounds(blurX)["y"].String())
	assert.Equal(t, map[string]cost.Value{"x": cost.Of(2048), "y": cost.Of(2050)}, pt.Extents(blurX))
}

func TestEstimateOccupancy(t *testing.T) {
	gpu := must.M1(machine.ForComputeCapability(61, 32))

	occ := EstimateOccupancy(gpu, cost.Of(256), cost.Of(0), cost.Of(1000))
	assert.Equal(t, cost.Of(0.5), occ.Occupancy)
	assert.Equal(t, cost.Of(1024), occ.ActiveThreads)
	assert.Equal(t, cost.Of(64), occ.NumRegs)
	assert.Equal(t, cost.Of(32), occ.ActiveSMs)

	// Large blocks leave fewer registers per thread.
	occ = EstimateOccupancy(gpu, cost.Of(2048), cost.Of(0), cost.Of(1000))
	assert.Equal(t, cost.Of(1), occ.Occupancy)
	assert.Equal(t, cost.Of(2048), occ.ActiveThreads)
	assert.Equal(t, cost.Of(32), occ.NumRegs)

	// Few blocks keep few multiprocessors busy.
	occ = EstimateOccupancy(gpu, cost.Of(256), cost.Of(0), cost.Of(2))
	assert.Equal(t, cost.Of(0), occ.ActiveSMs)

	// Fewer resident warps per multiprocessor: the same blocks fill a larger share of it.
	halfWarps := gpu
	halfWarps.LimitWarpsPerSM = 32
	occ = EstimateOccupancy(halfWarps, cost.Of(256), cost.Of(0), cost.Of(1000))
	assert.Equal(t, cost.Of(1), occ.Occupancy)
	assert.Equal(t, cost.Of(1024), occ.ActiveThreads)

	// Narrower warps: blocks of 256 threads take 16 warps, and 4 of them are resident.
	narrowWarps := gpu
	narrowWarps.LimitThreadsPerWarp = 16
	occ = EstimateOccupancy(narrowWarps, cost.Of(256), cost.Of(0), cost.Of(1000))
	assert.Equal(t, cost.Of(1), occ.Occupancy)
	assert.Equal(t, cost.Of(1024), occ.ActiveThreads)

	for _, occ := range []Occupancy{
		EstimateOccupancy(gpu, cost.Unknown, cost.Of(0), cost.Of(1000)),
		EstimateOccupancy(gpu, cost.Of(256), cost.Unknown, cost.Of(1000)),
		EstimateOccupancy(gpu, cost.Of(256), cost.Of(0), cost.Unknown),
		EstimateOccupancy(gpu, cost.Of(0), cost.Of(0), cost.Of(1000)),
	} {
		assert.False(t, occ.Occupancy.IsKnown())
		assert.False(t, occ.ActiveThreads.IsKnown())
		assert.False(t, occ.ActiveSMs.IsKnown())
		assert.False(t, occ.NumRegs.IsKnown())
	}
}

func analysisOf(arith, memory, parallelism, threadsOut, nThreads float64) GroupAnalysis {
	return GroupAnalysis{
		Cost:          cost.Cost{Arith: cost.Of(arith), Memory: cost.Of(memory)},
		Parallelism:   cost.Of(parallelism),
		ThreadsOut:    cost.Of(threadsOut),
		NThreads:      cost.Of(nThreads),
		ActiveThreads: cost.Of(1024),
		Occupancy:     cost.Of(0.5),
		NBlocks:       cost.Of(1000),
		SharedMem:     cost.Of(0),
	}
}

func TestEstimateBenefit(t *testing.T) {
	old := analysisOf(10, 20, 32, 32, 64)
	assert.Equal(t, cost.Of(13), estimateBenefit(old, analysisOf(12, 5, 32, 32, 64), false))
	assert.False(t, estimateBenefit(old, analysisOf(12, 5, 32, 32, 64), true).IsKnown())
	assert.Equal(t, cost.Of(23), estimateBenefit(old, analysisOf(2, 5, 32, 32, 64), true))
	assert.False(t, estimateBenefit(GroupAnalysis{}, old, false).IsKnown())
	assert.False(t, estimateBenefit(old, GroupAnalysis{}, false).IsKnown())
}

func TestEstimateTileBenefit(t *testing.T) {
	pt := newTestPartitioner(t, scaleYAML)
	old := analysisOf(100, 100, 32, 32, 64)

	assert.Equal(t, cost.Of(100), pt.estimateTileBenefit(old, analysisOf(50, 50, 32, 32, 64), false, true))

	// Not enough parallelism or threads per block.
	assert.False(t, pt.estimateTileBenefit(old, analysisOf(50, 50, 16, 32, 64), false, true).IsKnown())
	assert.False(t, pt.estimateTileBenefit(old, analysisOf(50, 50, 32, 8, 64), false, true).IsKnown())
	assert.Equal(t, cost.Of(100), pt.estimateTileBenefit(old, analysisOf(50, 50, 16, 8, 64), false, false))

	// GPU limits.
	tooManyThreads := analysisOf(50, 50, 32, 32, 2048)
	assert.False(t, pt.estimateTileBenefit(old, tooManyThreads, false, true).IsKnown())
	tooMuchSharedMem := analysisOf(50, 50, 32, 32, 64)
	tooMuchSharedMem.SharedMem = cost.Of(49152 + 1)
	assert.False(t, pt.estimateTileBenefit(old, tooMuchSharedMem, false, true).IsKnown())

	// Final tiles use whole warps, and weight memory by the concurrency.
	assert.False(t, pt.estimateTileBenefit(old, analysisOf(50, 50, 32, 32, 48), true, true).IsKnown())
	benefit := pt.estimateTileBenefit(old, analysisOf(50, 50, 32, 32, 64), true, true)
	assert.InDelta(t, 50+50.0/512, benefit.MustGet(), 1e-9)

	// Whole warps follow the configured warp size.
	pt.config.GPU.LimitThreadsPerWarp = 16
	benefit = pt.estimateTileBenefit(old, analysisOf(50, 50, 32, 32, 48), true, true)
	assert.InDelta(t, 50+50.0/512, benefit.MustGet(), 1e-9)
	assert.False(t, pt.estimateTileBenefit(old, analysisOf(50, 50, 32, 32, 40), true, true).IsKnown())
}

func TestDimsToTile(t *testing.T) {
	pt := newTestPartitioner(t, scaleYAML)
	out := pipeline.Stage{Func: "out"}
	assert.Equal(t, []string{"x", "y"}, sets.Sorted(pt.DimsToTile(out)))

	pt = newTestPartitioner(t, channelsYAML)
	assert.Equal(t, []string{"x", "y"}, sets.Sorted(pt.DimsToTile(out)))

	pt = newTestPartitioner(t, lineYAML)
	assert.Empty(t, pt.DimsToTile(out))

	// The first pure variable is chosen whatever its extent.
	planar := strings.ReplaceAll(channelsYAML, "args: [x, y, c]", "args: [c, x, y]")
	pt = newTestPartitioner(t, planar)
	assert.Equal(t, []string{"c", "x", "y"}, sets.Sorted(pt.DimsToTile(out)))
}

func TestGenerateTileConfigs(t *testing.T) {
	pt := newTestPartitioner(t, scaleYAML)
	out := pipeline.Stage{Func: "out"}

	configs := pt.GenerateTileConfigs(out, false)
	require.Len(t, configs, 9)
	assert.Equal(t, TileConfig{"x": 8, "y": 8}, configs[0])
	assert.Equal(t, TileConfig{"x": 16, "y": 8}, configs[1])
	assert.Equal(t, TileConfig{"x": 32, "y": 32}, configs[8])

	final := pt.GenerateTileConfigs(out, true)
	require.Len(t, final, 169)
	for ii, config := range final {
		assert.GreaterOrEqual(t, config["x"], int64(8))
		assert.LessOrEqual(t, config["x"], int64(32))
		assert.Zero(t, config["y"]%2)
		for _, other := range final[:ii] {
			assert.Falsef(t, config.Equal(other), "duplicate tile configuration %s", config)
		}
	}

	// Non-thread variables span their full extent.
	pt = newTestPartitioner(t, channelsYAML)
	configs = pt.GenerateTileConfigs(out, false)
	require.Len(t, configs, 9)
	for _, config := range configs {
		assert.Equal(t, int64(3), config["c"])
	}

	// Single variable.
	pt = newTestPartitioner(t, lineYAML)
	configs = pt.GenerateTileConfigs(out, false)
	require.Len(t, configs, 8)
	assert.Equal(t, TileConfig{"i": 2}, configs[0])
	assert.Equal(t, TileConfig{"i": 256}, configs[7])
}

func TestTileIteratorPruning(t *testing.T) {
	vars := []tileVar{
		{name: "x", extent: 2048, thread: true},
		{name: "y", extent: 2048, thread: true},
		{name: "c", extent: 3},
	}
	it := newTileIterator(vars, 16, false)
	count := 0
	for _, ok := it.Next(); ok; _, ok = it.Next() {
		count++
	}
	assert.Equal(t, 9, count)
	assert.Positive(t, it.pruned["max-tile"])
	assert.Equal(t, 1, it.pruned["full-extent"])

	_, ok := it.Next()
	assert.False(t, ok)
	it.Reset()
	config, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, TileConfig{"x": 8, "y": 8, "c": 3}, config)
}

func TestFindBestTileConfig(t *testing.T) {
	pt := newTestPartitioner(t, scaleYAML)
	out := pipeline.Stage{Func: "out"}
	g, found := pt.GroupOf(out)
	require.True(t, found)

	config, analysis := pt.FindBestTileConfig(g, true, false)
	assert.Equal(t, TileConfig{"x": 1, "y": 1}, config)
	require.True(t, analysis.IsDefined())
	assert.Equal(t, cost.Of(1), analysis.NThreads)

	config, analysis = pt.FindBestTileConfig(g, false, false)
	require.True(t, analysis.IsDefined())
	assert.Contains(t, pt.GenerateTileConfigs(out, false), config)
	assert.True(t, analysis.ThreadsOut.GE(cost.Of(minThreadsOut)))

	config, analysis = pt.FindBestTileConfig(g, false, true)
	require.True(t, analysis.IsDefined())
	assert.Zero(t, int64(analysis.NThreads.MustGet())%32, "final tiles %s use partial warps", config)
}

func TestEvaluateReuse(t *testing.T) {
	pt := newTestPartitioner(t, blurYAML)
	blurY := pipeline.Stage{Func: "blur_y"}
	reuse := pt.EvaluateReuse(blurY, sets.MakeWith("blur_x"))
	require.Contains(t, reuse, "blur_x")
	assert.Equal(t, cost.Of(4), reuse["blur_x"]["y"])
	assert.Equal(t, cost.Of(0), reuse["blur_x"]["x"])

	pt.EvaluateAllReuse()
	assert.Equal(t, reuse["blur_x"], pt.Reuse(blurY)["blur_x"])
	blurXReuse := pt.Reuse(pipeline.Stage{Func: "blur_x"})
	assert.Equal(t, cost.Of(4), blurXReuse["input"]["x"])
	assert.Equal(t, cost.Of(0), blurXReuse["input"]["y"])
}

func TestInline(t *testing.T) {
	pt := newTestPartitioner(t, chainYAML)
	b, c := pipeline.Stage{Func: "b"}, pipeline.Stage{Func: "c"}
	assert.Panics(t, func() { pt.Group(Inline) })

	pt.InitializeGroups()
	before := pt.PipelineCost()
	require.True(t, before.IsKnown())

	assert.Equal(t, 1, pt.Group(Inline))
	require.Len(t, pt.Groups(), 1)
	g, found := pt.GroupOf(c)
	require.True(t, found)
	assert.Equal(t, []string{"b"}, sets.Sorted(g.Inlined))
	assert.Empty(t, g.TileSizes)
	assert.Equal(t, []pipeline.Stage{c}, g.Members)
	assert.Equal(t, []string{"b", "c"}, sets.Sorted(g.FuncNames()))
	_, found = pt.GroupOf(b)
	assert.False(t, found)
	_, found = pt.Analysis(b)
	assert.False(t, found)

	after := pt.PipelineCost()
	require.True(t, after.IsKnown())
	assert.True(t, after.Total().LE(before.Total()), "cost increased from %s to %s", before, after)
	checkPartition(t, pt)

	// Nothing left to merge.
	assert.Equal(t, 0, pt.Group(Inline))
	assert.Equal(t, 0, pt.Group(FastMem))

	pt.EvaluateFinalTiles()
	sched := schedule.New(pt.Pipeline())
	pt.GenerateSchedule(sched)
	assert.Equal(t, []string{"compute_inline()"}, sched.Directives(b))
	assert.Equal(t, []string{"compute_root()", "gpu_single_thread()", "gpu_blocks(x)"}, sched.Directives(c))
}

func TestGroupingPasses(t *testing.T) {
	pt := newTestPartitioner(t, blurYAML)
	pt.EvaluateAllReuse()
	pt.InitializeGroups()
	pt.Group(Inline)
	checkPartition(t, pt)

	pt.EvaluateNewTiles()
	pt.ClearGroupingCache()
	pt.Group(FastMem)
	checkPartition(t, pt)

	pt.EvaluateFinalTiles()
	checkPartition(t, pt)
	for _, g := range pt.Groups() {
		vars := sets.MakeWith(pt.Pipeline().StageDimVars(g.Output)...)
		for v := range g.TileSizes {
			assert.Truef(t, vars.Has(v), "group %s tiles unknown variable %q", g.Output, v)
		}
	}

	blurY := pipeline.Stage{Func: "blur_y"}
	_, found := pt.GroupOf(blurY)
	require.True(t, found)
	sched := schedule.New(pt.Pipeline())
	pt.GenerateSchedule(sched)
	require.NotEmpty(t, sched.Directives(blurY))
	assert.Equal(t, "compute_root()", sched.Directives(blurY)[0])
}

func TestGenerateScheduleTiled(t *testing.T) {
	pt := newTestPartitioner(t, scaleYAML)
	out := pipeline.Stage{Func: "out"}
	g, found := pt.GroupOf(out)
	require.True(t, found)
	g.TileSizes = TileConfig{"x": 16, "y": 16}

	sched := schedule.New(pt.Pipeline())
	pt.GenerateSchedule(sched)
	assert.Equal(t, []string{
		"compute_root()",
		"split(x, x_o, x_i, 16)",
		"split(y, y_o, y_i, 16)",
		"reorder(x_i, y_i, x_o, y_o)",
		"gpu_threads(x_i)",
		"gpu_threads(y_i)",
		"gpu_blocks(y_o)",
		"gpu_blocks(x_o)",
	}, sched.Directives(out))
}

func TestGenerateScheduleUnroll(t *testing.T) {
	pt := newTestPartitioner(t, channelsYAML)
	out := pipeline.Stage{Func: "out"}
	g, found := pt.GroupOf(out)
	require.True(t, found)
	g.TileSizes = TileConfig{"x": 16, "y": 16}

	sched := schedule.New(pt.Pipeline())
	pt.GenerateSchedule(sched)
	assert.Equal(t, []string{
		"compute_root()",
		"split(x, x_o, x_i, 16)",
		"split(y, y_o, y_i, 16)",
		"reorder(c, x_i, y_i, x_o, y_o)",
		"gpu_threads(x_i)",
		"gpu_threads(y_i)",
		"unroll(c)",
		"gpu_blocks(y_o)",
		"gpu_blocks(x_o)",
	}, sched.Directives(out))

	// Loops longer than maxUnrollExtent stay rolled.
	pt = newTestPartitioner(t, strings.ReplaceAll(channelsYAML, "[0, 3]", "[0, 8]"))
	g, found = pt.GroupOf(out)
	require.True(t, found)
	g.TileSizes = TileConfig{"x": 16, "y": 16}
	sched = schedule.New(pt.Pipeline())
	pt.GenerateSchedule(sched)
	assert.NotContains(t, sched.Directives(out), "unroll(c)")
	assert.Contains(t, sched.Directives(out), "reorder(c, x_i, y_i, x_o, y_o)")
}

// runGroupingPasses runs the grouping passes checking the partition after each of them.
func runGroupingPasses(t *testing.T, pt *Partitioner, inline bool) {
	t.Helper()
	pt.EvaluateAllReuse()
	pt.InitializeGroups()
	checkPartition(t, pt)
	if inline {
		pt.Group(Inline)
		checkPartition(t, pt)
	}
	pt.EvaluateNewTiles()
	pt.ClearGroupingCache()
	pt.Group(FastMem)
	checkPartition(t, pt)
	pt.EvaluateFinalTiles()
	checkPartition(t, pt)
}

func TestPartitionWithMultiStageConsumer(t *testing.T) {
	f := pipeline.Stage{Func: "f"}
	g0, g1 := pipeline.Stage{Func: "g"}, pipeline.Stage{Func: "g", Index: 1}

	pt := newTestPartitioner(t, accumulateYAML)
	assert.Equal(t, []pipeline.Stage{g0, g1}, pt.Children(f))
	runGroupingPasses(t, pt, false)

	// f is read by both stages of g: it can't be computed per tile of either.
	fGroup, found := pt.GroupOf(f)
	require.True(t, found)
	assert.Equal(t, []pipeline.Stage{f}, fGroup.Members)
	for _, s := range []pipeline.Stage{g0, g1} {
		g, found := pt.GroupOf(s)
		require.True(t, found)
		assert.NotContains(t, g.Members, f)
	}
	sched := schedule.New(pt.Pipeline())
	pt.GenerateSchedule(sched)
	require.NotEmpty(t, sched.Directives(f))
	assert.Equal(t, "compute_root()", sched.Directives(f)[0])

	// Inlined into both stages, f is a member of no group.
	pt = newTestPartitioner(t, accumulateYAML)
	runGroupingPasses(t, pt, true)
	sched = schedule.New(pt.Pipeline())
	pt.GenerateSchedule(sched)
	if _, found := pt.GroupOf(f); !found {
		assert.Equal(t, []string{"compute_inline()"}, sched.Directives(f))
	}
}

func TestPartitionWithSharedProducer(t *testing.T) {
	f := pipeline.Stage{Func: "f"}
	g1, g2 := pipeline.Stage{Func: "g1"}, pipeline.Stage{Func: "g2"}
	h := pipeline.Stage{Func: "h"}

	pt := newTestPartitioner(t, fanoutYAML)
	assert.Equal(t, []pipeline.Stage{g1, g2}, pt.Children(f))
	runGroupingPasses(t, pt, false)
	fGroup, found := pt.GroupOf(f)
	require.True(t, found)
	assert.Equal(t, []pipeline.Stage{f}, fGroup.Members)

	pt = newTestPartitioner(t, fanoutYAML)
	runGroupingPasses(t, pt, true)
	hGroup, found := pt.GroupOf(h)
	require.True(t, found)
	assert.Equal(t, h, hGroup.Members[len(hGroup.Members)-1])
	sched := schedule.New(pt.Pipeline())
	pt.GenerateSchedule(sched)
	require.NotEmpty(t, sched.Directives(h))
	assert.Equal(t, "compute_root()", sched.Directives(h)[0])
	inlined := sets.Make[string]()
	for _, g := range pt.Groups() {
		inlined.Union(g.Inlined)
	}
	for _, s := range []pipeline.Stage{f, g1, g2} {
		directives := sched.Directives(s)
		require.NotEmptyf(t, directives, "no directives for %s", s)
		if inlined.Has(s.Func) {
			assert.Equal(t, []string{"compute_inline()"}, directives)
		}
	}
}

func TestMergeWithoutReuse(t *testing.T) {
	pt := newTestPartitioner(t, pairYAML)
	c, p1 := pipeline.Stage{Func: "c"}, pipeline.Stage{Func: "p1"}
	pt.EvaluateAllReuse()
	assert.Equal(t, cost.Of(0), pt.Reuse(c)["p1"]["x"])
	assert.Equal(t, cost.Of(1), pt.Reuse(c)["p2"]["x"])
	pt.InitializeGroups()

	tiles := TileConfig{"x": 64}
	tileBounds := pt.boundsFromTileSizes(c, tiles)
	g, found := pt.GroupOf(c)
	require.True(t, found)
	before := pt.deps.RegionsRequired(c, tileBounds, g.FuncNames(), false, pt.estimates)
	require.Contains(t, before, "p2")
	assert.Equal(t, "{[0, 64]}", before["p2"].String())
	assert.Positive(t, pt.deps.CachedQueries())

	pt.commit([]groupingChoice{{prod: "p1", cons: c}}, []groupConfig{{tileSizes: tiles}}, FastMem)
	assert.Zero(t, pt.deps.CachedQueries())
	checkPartition(t, pt)
	g, found = pt.GroupOf(c)
	require.True(t, found)
	assert.Equal(t, []pipeline.Stage{p1, c}, g.Members)
	assert.Equal(t, tiles, g.TileSizes)

	// Merging p1 doesn't change what a tile of c requires of the other producer.
	after := pt.deps.RegionsRequired(c, tileBounds, g.FuncNames(), false, pt.estimates)
	assert.Equal(t, before["p2"].String(), after["p2"].String())
	assert.Equal(t, before["p1"].String(), after["p1"].String())
}
