// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// autoschedule generates GPU schedules for the pipelines described in YAML files.
//
// Usage:
//
//	autoschedule [flags] pipeline1.yaml [pipeline2.yaml ...]
//
// For each pipeline it writes the schedule to <out>/<name>.schedule.txt and prints a report of
// the kernels (groups) chosen. Pipelines are scheduled concurrently.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/autoschedule/internal/workerspool"
	"github.com/gomlx/autoschedule/pkg/autoschedule"
	"github.com/gomlx/autoschedule/pkg/core/machine"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/autoschedule/pkg/support/fsutil"
	"github.com/gomlx/autoschedule/pkg/support/xslices"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagCC = flag.Int("cc", machine.DefaultTarget().ComputeCapability,
		fmt.Sprintf("CUDA compute capability of the target GPU, one of %v.", machine.ComputeCapabilities()))
	flagMachine = flag.String("machine", "", "Machine parameters as \"parallelism,cache_size,balance\". "+
		"If empty, $"+machine.MachineParamsEnv+" or the generic parameters are used.")
	flagParamsTOML = flag.String("params_toml", "", "TOML file with [machine], [target] and [gpu] parameters. "+
		"Its values take precedence over -cc and -machine.")
	flagNoFastMem = flag.Bool("no_fastmem", false, "Only inline producers, never compute them per tile of their consumers. "+
		"Also enabled by $"+autoschedule.NoFastMemEnv+".")
	flagFoldedFusion = flag.Bool("folded_fusion", false, "Compute group members closer to the consumer they share data with. "+
		"Also enabled by $"+autoschedule.FoldedFusionEnv+".")
	flagParallelism = flag.Int("parallelism", 0, "Number of pipelines scheduled concurrently. "+
		"If 0 it defaults to the number of CPUs.")
	flagInline = xslices.Flag("inline", nil, "Comma-separated functions to inline before scheduling. "+
		"Functions not in a pipeline are ignored for it.", func(name string) (string, error) { return name, nil })
	flagOut    = flag.String("out", ".", "Directory where to write the <name>.schedule.txt files.")
	flagReport = flag.Bool("report", true, "Print a report of the groups of each pipeline.")
)

// outcome of scheduling one pipeline file.
type outcome struct {
	path     string
	result   *autoschedule.Result
	err      error
	elapsed  time.Duration
	schedule string // Path of the written schedule.
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		klog.Errorf("Missing pipeline files to schedule. See 'autoschedule -help'.")
		os.Exit(1)
	}
	config := must.M1(loadConfig())
	opts := must.M1(autoschedule.OptionsFromEnv())
	if *flagNoFastMem {
		opts.WithDisableFastMem(true)
	}
	if *flagFoldedFusion {
		opts.WithFoldedFusion(true)
	}
	*flagOut = must.M1(fsutil.ExpandHome(*flagOut))
	must.M(os.MkdirAll(*flagOut, 0o755))

	runID := uuid.New()
	klog.V(1).Infof("Run %s: scheduling %d pipelines for %s, %s", runID, len(paths), config.Target, config.Machine)
	outcomes := scheduleAll(paths, config, opts)

	failed := 0
	if *flagReport {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Auto-schedule run %s", runID)))
		fmt.Println(configTable(config, opts).Render())
	}
	for _, o := range outcomes {
		if o.err != nil {
			klog.Errorf("Failed to schedule %q: %+v", o.path, o.err)
			failed++
			continue
		}
		if *flagReport {
			fmt.Println(titleStyle.Render(fmt.Sprintf("%s (%s)", o.result.Pipeline.Name, o.path)))
			fmt.Println(groupsTable(o.result).Render())
			fmt.Println(summaryTable(o).Render())
		}
	}
	if failed > 0 {
		klog.Errorf("%d of %d pipelines failed", failed, len(outcomes))
		os.Exit(1)
	}
}

// loadConfig builds the machine configuration from the flags.
func loadConfig() (machine.Config, error) {
	params, err := machine.FromEnv()
	if err != nil {
		return machine.Config{}, err
	}
	if *flagMachine != "" {
		if params, err = machine.Parse(*flagMachine); err != nil {
			return machine.Config{}, err
		}
	}
	target := machine.DefaultTarget()
	target.ComputeCapability = *flagCC
	config, err := machine.ConfigFor(target, params)
	if err != nil {
		return config, err
	}
	if *flagParamsTOML != "" {
		path, err := fsutil.ExpandHome(*flagParamsTOML)
		if err != nil {
			return config, err
		}
		return machine.LoadTOML(path, config)
	}
	return config, nil
}

// scheduleAll schedules the pipeline files concurrently, and returns their outcomes in the order
// of paths.
func scheduleAll(paths []string, config machine.Config, opts *autoschedule.Options) []*outcome {
	outcomes := make([]*outcome, len(paths))
	bar := newProgressBar(len(paths))
	pool := workerspool.New(*flagParallelism)
	for ii, path := range paths {
		outcomes[ii] = &outcome{path: path}
		o := outcomes[ii]
		pool.Go(func() {
			start := time.Now()
			o.result, o.schedule, o.err = scheduleFile(path, config, opts)
			o.elapsed = time.Since(start)
			bar.Done(path)
		})
	}
	pool.Wait()
	bar.Finish()
	return outcomes
}

// scheduleFile generates the schedule of the pipeline in path and writes it to the output
// directory.
func scheduleFile(path string, config machine.Config, opts *autoschedule.Options) (*autoschedule.Result, string, error) {
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, "", err
	}
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return nil, "", err
	}
	if !exists {
		return nil, "", errors.Errorf("pipeline file %q not found", path)
	}
	p, err := pipeline.LoadYAML(path)
	if err != nil {
		return nil, "", err
	}
	var toInline []string
	for _, name := range *flagInline {
		if p.Func(name) != nil {
			toInline = append(toInline, name)
		}
	}
	if len(toInline) > 0 {
		if err = p.Inline(toInline...); err != nil {
			return nil, "", err
		}
		klog.V(1).Infof("%s: inlined %v as requested", p.Name, toInline)
	}
	result, err := autoschedule.GenerateWithConfig(p, config, opts)
	if err != nil {
		return nil, "", err
	}
	outPath := filepath.Join(*flagOut, p.Name+".schedule.txt")
	if err = os.WriteFile(outPath, []byte(result.Source), 0o644); err != nil {
		return nil, "", errors.Wrapf(err, "failed to write schedule of %q", p.Name)
	}
	return result, outPath, nil
}
