// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"os"
	"strconv"

	"github.com/gomlx/autoschedule/pkg/autoschedule/partitioner"
	"github.com/gomlx/autoschedule/pkg/core/machine"
	"github.com/pkg/errors"
)

// Environment variables read by OptionsFromEnv.
const (
	// NoFastMemEnv disables the grouping of producers per tile of their consumers, if set to a true value.
	NoFastMemEnv = "HL_GPU_NO_FUS"

	// FoldedFusionEnv enables computing group members closer to the consumer they share data with.
	FoldedFusionEnv = "HL_AUTO_FOLDED_FUSION"

	SharedMemCostEnv = "HL_GPU_SHARED_COST"
	L2CostEnv        = "HL_GPU_L2_COST"
	GlobalCostEnv    = "HL_GPU_GLOBAL_COST"
)

// Options of the auto-scheduler. Create it with DefaultOptions or OptionsFromEnv, and configure
// it with the With* methods, which can be chained.
type Options struct {
	// DisableFastMem skips the FastMem grouping level: producers are only ever inlined.
	DisableFastMem bool

	// FoldedFusion moves group members closer to the consumer they share data with, for groups
	// with a large shared memory usage, a low occupancy or many active threads.
	FoldedFusion bool

	// SharedMemCost, L2Cost and GlobalCost are the relative costs of loading from shared memory
	// (members of a group), from other groups and from the input buffers.
	SharedMemCost, L2Cost, GlobalCost float64
}

// DefaultOptions returns the options with both grouping levels enabled, no folded fusion and
// the same cost for every memory level.
func DefaultOptions() *Options {
	return &Options{SharedMemCost: 1, L2Cost: 1, GlobalCost: 1}
}

// WithDisableFastMem sets Options.DisableFastMem. It returns the options, so calls can be chained.
func (o *Options) WithDisableFastMem(disable bool) *Options {
	o.DisableFastMem = disable
	return o
}

// WithFoldedFusion sets Options.FoldedFusion. It returns the options, so calls can be chained.
func (o *Options) WithFoldedFusion(folded bool) *Options {
	o.FoldedFusion = folded
	return o
}

// WithLocalityCosts sets the relative cost of loads from each memory level.
func (o *Options) WithLocalityCosts(sharedMem, l2, global float64) *Options {
	o.SharedMemCost, o.L2Cost, o.GlobalCost = sharedMem, l2, global
	return o
}

// Validate returns an error if some cost is not positive.
func (o *Options) Validate() error {
	for _, c := range []struct {
		name  string
		value float64
	}{{"shared memory", o.SharedMemCost}, {"L2", o.L2Cost}, {"global", o.GlobalCost}} {
		if !(c.value > 0) {
			return errors.Errorf("invalid %s load cost %g: it must be positive", c.name, c.value)
		}
	}
	return nil
}

// OptionsFromEnv returns DefaultOptions changed by the environment variables that are set.
func OptionsFromEnv() (*Options, error) {
	opts := DefaultOptions()
	var err error
	if opts.DisableFastMem, err = boolFromEnv(NoFastMemEnv); err != nil {
		return nil, err
	}
	if opts.FoldedFusion, err = boolFromEnv(FoldedFusionEnv); err != nil {
		return nil, err
	}
	for _, c := range []struct {
		env   string
		value *float64
	}{{SharedMemCostEnv, &opts.SharedMemCost}, {L2CostEnv, &opts.L2Cost}, {GlobalCostEnv, &opts.GlobalCost}} {
		s := os.Getenv(c.env)
		if s == "" {
			continue
		}
		if *c.value, err = strconv.ParseFloat(s, 64); err != nil {
			return nil, errors.Wrapf(err, "invalid value for $%s", c.env)
		}
	}
	return opts, opts.Validate()
}

func boolFromEnv(env string) (bool, error) {
	s := os.Getenv(env)
	if s == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, errors.Wrapf(err, "invalid value for $%s", env)
	}
	return v, nil
}

func (o *Options) partitionerConfig(config machine.Config) partitioner.Config {
	return partitioner.Config{
		Machine:       config.Machine,
		GPU:           config.GPU,
		SharedMemCost: o.SharedMemCost,
		L2Cost:        o.L2Cost,
		GlobalCost:    o.GlobalCost,
		FoldedFusion:  o.FoldedFusion,
	}
}
