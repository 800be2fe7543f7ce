// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package autoschedule generates GPU schedules for pipelines.
//
// Generate runs the whole flow: it inlines the trivial and the unbounded functions, groups the
// stages into kernels with the partitioner (first inlining producers, then computing them per
// tile of their consumers), chooses the tile sizes of every kernel and emits the scheduling
// directives.
//
// Example:
//
//	p := must.M1(pipeline.LoadYAML("blur.yaml"))
//	result, err := autoschedule.Generate(p, machine.DefaultTarget(), machine.Generic(), autoschedule.DefaultOptions())
//	if err != nil {
//		klog.Fatalf("Failed to schedule %q: %+v", p.Name, err)
//	}
//	fmt.Println(result.Source)
package autoschedule

import (
	"github.com/gomlx/autoschedule/pkg/autoschedule/dependence"
	"github.com/gomlx/autoschedule/pkg/autoschedule/partitioner"
	"github.com/gomlx/autoschedule/pkg/autoschedule/regioncosts"
	"github.com/gomlx/autoschedule/pkg/autoschedule/schedule"
	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/machine"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GroupReport describes one kernel of the generated schedule.
type GroupReport struct {
	Output    pipeline.Stage
	Members   []pipeline.Stage
	Inlined   []string
	TileSizes partitioner.TileConfig
	Analysis  partitioner.GroupAnalysis
}

// Result of Generate.
type Result struct {
	// Pipeline after inlining the trivial and unbounded functions. The schedule refers to it.
	Pipeline *pipeline.Pipeline

	Schedule *schedule.AutoSchedule

	// Source is the rendered schedule.
	Source string

	// Groups in topological order of their outputs.
	Groups []GroupReport

	// Inlined are the functions inlined before grouping: trivial functions and functions
	// without bounds.
	Inlined []string

	// Cost is the estimated cost of the whole pipeline. It may be unknown.
	Cost cost.Cost
}

// NumInlined returns the number of functions inlined, before or during grouping.
func (r *Result) NumInlined() int {
	n := len(r.Inlined)
	for _, g := range r.Groups {
		n += len(g.Inlined)
	}
	return n
}

// Generate a schedule for pipeline p, for the GPU of the given target and machine parameters.
//
// The pipeline is not modified. It returns an error wrapping pipeline.ErrPartialSchedule if some
// function is already scheduled, or pipeline.ErrMissingEstimate if an output lacks estimates.
func Generate(p *pipeline.Pipeline, target machine.Target, params machine.MachineParams, opts *Options) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	config, err := machine.ConfigFor(target, params)
	if err != nil {
		return nil, err
	}
	return GenerateWithConfig(p, config, opts)
}

// GenerateWithConfig is like Generate, but takes the complete machine configuration, for
// instance one loaded with machine.LoadTOML.
func GenerateWithConfig(p *pipeline.Pipeline, config machine.Config, opts *Options) (result *Result, err error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err = opts.Validate(); err != nil {
		return nil, err
	}
	if err = p.Validate(); err != nil {
		return nil, err
	}
	p = p.Clone()
	err = exceptions.TryCatch[error](func() { result = generate(p, config, opts) })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to auto-schedule pipeline %q", p.Name)
	}
	return result, nil
}

func generate(p *pipeline.Pipeline, config machine.Config, opts *Options) *Result {
	result := &Result{Pipeline: p}

	trivial := p.TrivialFunctions()
	if len(trivial) > 0 {
		klog.V(1).Infof("Inlining trivial functions %v", trivial)
		if err := p.Inline(trivial...); err != nil {
			panic(err)
		}
		result.Inlined = append(result.Inlined, trivial...)
	}

	deps := dependence.New(p)
	pipelineBounds := deps.PipelineBounds()
	if unbounded := p.UnboundedFunctions(pipelineBounds); len(unbounded) > 0 {
		klog.V(1).Infof("Inlining unbounded functions %v", unbounded)
		if err := p.Inline(unbounded...); err != nil {
			panic(err)
		}
		result.Inlined = append(result.Inlined, unbounded...)
		deps = dependence.New(p)
		pipelineBounds = deps.PipelineBounds()
	}

	pt := partitioner.New(p, pipelineBounds, deps, regioncosts.New(p), opts.partitionerConfig(config))
	pt.EvaluateAllReuse()

	pt.InitializeGroups()
	pt.Group(partitioner.Inline)
	if !opts.DisableFastMem {
		pt.EvaluateNewTiles()
		pt.ClearGroupingCache()
		pt.Group(partitioner.FastMem)
	}
	pt.EvaluateFinalTiles()
	if klog.V(3).Enabled() {
		klog.Infof("Groups of %q:\n%s", p.Name, pt)
	}

	result.Schedule = schedule.New(p)
	pt.GenerateSchedule(result.Schedule)
	result.Source = result.Schedule.String()
	result.Cost = pt.PipelineCost()
	for _, g := range pt.Groups() {
		analysis, _ := pt.Analysis(g.Output)
		result.Groups = append(result.Groups, GroupReport{
			Output:    g.Output,
			Members:   g.Members,
			Inlined:   sets.Sorted(g.Inlined),
			TileSizes: g.TileSizes.Clone(),
			Analysis:  analysis,
		})
	}
	klog.V(1).Infof("Scheduled %q: %d groups, %d functions inlined, cost %s", p.Name, len(result.Groups),
		result.NumInlined(), result.Cost)
	return result
}
