// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package machine describes the target the schedules are generated for: the generic machine
// parameters (parallelism, cache size, and the relative cost of loads) and the resource limits of
// the GPU, given by its compute capability.
package machine

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/autoschedule/pkg/support/xslices"
	"github.com/pkg/errors"
)

// MachineParamsEnv is the environment variable with the machine parameters, in the format
// "parallelism,last_level_cache_size,balance".
const MachineParamsEnv = "HL_MACHINE_PARAMS"

// MachineParams are the generic parameters of the machine.
type MachineParams struct {
	// Parallelism is the maximum level of parallelism available: for GPUs it is taken as the
	// number of streaming multiprocessors.
	Parallelism int `toml:"parallelism"`

	// LastLevelCacheSize in bytes.
	LastLevelCacheSize int64 `toml:"last_level_cache_size"`

	// Balance is how much more expensive a load is compared to an arithmetic operation.
	Balance float64 `toml:"balance"`
}

// Generic returns the default machine parameters.
func Generic() MachineParams {
	return MachineParams{Parallelism: 32, LastLevelCacheSize: 16 * 1024 * 1024, Balance: 4}
}

// Parse the machine parameters from the canonical "parallelism,cache_size,balance" form.
func Parse(s string) (MachineParams, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return MachineParams{}, errors.Errorf("invalid machine parameters %q: expected \"parallelism,cache_size,balance\"", s)
	}
	var m MachineParams
	var err error
	if m.Parallelism, err = strconv.Atoi(strings.TrimSpace(parts[0])); err != nil {
		return m, errors.Wrapf(err, "invalid parallelism in machine parameters %q", s)
	}
	if m.LastLevelCacheSize, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64); err != nil {
		return m, errors.Wrapf(err, "invalid cache size in machine parameters %q", s)
	}
	if m.Balance, err = strconv.ParseFloat(strings.TrimSpace(parts[2]), 64); err != nil {
		return m, errors.Wrapf(err, "invalid balance in machine parameters %q", s)
	}
	return m, m.Validate()
}

// FromEnv returns the machine parameters set in $HL_MACHINE_PARAMS, or Generic() if it is not set.
func FromEnv() (MachineParams, error) {
	s, found := os.LookupEnv(MachineParamsEnv)
	if !found || s == "" {
		return Generic(), nil
	}
	m, err := Parse(s)
	if err != nil {
		return m, errors.WithMessagef(err, "in $%s", MachineParamsEnv)
	}
	return m, nil
}

// Validate returns an error if the parameters are not positive.
func (m MachineParams) Validate() error {
	if m.Parallelism <= 0 || m.LastLevelCacheSize <= 0 || m.Balance <= 0 {
		return errors.Errorf("machine parameters must be positive, got %s", m)
	}
	return nil
}

// String returns the canonical form accepted by Parse.
func (m MachineParams) String() string {
	return fmt.Sprintf("%d,%d,%s", m.Parallelism, m.LastLevelCacheSize,
		strconv.FormatFloat(m.Balance, 'g', -1, 64))
}

// Target is the GPU the schedule is generated for.
type Target struct {
	// ComputeCapability of the CUDA device, e.g. 61 for 6.1.
	ComputeCapability int `toml:"compute_capability"`
	Name              string `toml:"name"`
}

// DefaultTarget is a CUDA device of compute capability 6.1.
func DefaultTarget() Target {
	return Target{ComputeCapability: 61, Name: "cuda"}
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return fmt.Sprintf("%s-cuda_capability_%d", t.Name, t.ComputeCapability)
}

// GPUParams are the resource limits of a GPU used by the occupancy model.
// All values are kept as float64 since they only take part in cost estimates.
type GPUParams struct {
	MaxRegsPerThread       float64 `toml:"max_regs_per_thread"`
	TotalRegsPerSM         float64 `toml:"total_regs_per_sm"`
	MaxRegsPerBlock        float64 `toml:"max_regs_per_block"`
	LimitThreadsPerWarp    float64 `toml:"limit_threads_per_warp"`
	MinSharedMemUnit       float64 `toml:"min_shared_mem_unit"`
	LimitWarpsPerSM        float64 `toml:"limit_warps_per_sm"`
	MaxBlocksPerSM         float64 `toml:"max_blocks_per_sm"`
	LimitSharedMemPerSM    float64 `toml:"limit_shared_mem_per_sm"`
	LimitSharedMemPerBlock float64 `toml:"limit_shared_mem_per_block"`
	LimitThreadsPerSM      float64 `toml:"limit_threads_per_sm"`
	LimitThreadsPerBlock   float64 `toml:"limit_threads_per_block"`
	NumSM                  float64 `toml:"num_sm"`
	WarpAllocGranularity   float64 `toml:"warp_alloc_granularity"`
	RegAllocUnitSize       float64 `toml:"reg_alloc_unit_size"`
}

// fields maps the toml names of the parameters to their storage.
func (g *GPUParams) fields() map[string]*float64 {
	return map[string]*float64{
		"max_regs_per_thread":        &g.MaxRegsPerThread,
		"total_regs_per_sm":          &g.TotalRegsPerSM,
		"max_regs_per_block":         &g.MaxRegsPerBlock,
		"limit_threads_per_warp":     &g.LimitThreadsPerWarp,
		"min_shared_mem_unit":        &g.MinSharedMemUnit,
		"limit_warps_per_sm":         &g.LimitWarpsPerSM,
		"max_blocks_per_sm":          &g.MaxBlocksPerSM,
		"limit_shared_mem_per_sm":    &g.LimitSharedMemPerSM,
		"limit_shared_mem_per_block": &g.LimitSharedMemPerBlock,
		"limit_threads_per_sm":       &g.LimitThreadsPerSM,
		"limit_threads_per_block":    &g.LimitThreadsPerBlock,
		"num_sm":                     &g.NumSM,
		"warp_alloc_granularity":     &g.WarpAllocGranularity,
		"reg_alloc_unit_size":        &g.RegAllocUnitSize,
	}
}

// computeCapabilities holds the limits per compute capability. NumSM is set from the machine
// parallelism.
var computeCapabilities = map[int]GPUParams{
	30: {MaxRegsPerThread: 63, TotalRegsPerSM: 65536, MaxRegsPerBlock: 65536, MaxBlocksPerSM: 16,
		LimitSharedMemPerSM: 49152, LimitSharedMemPerBlock: 49152},
	32: {MaxRegsPerThread: 255, TotalRegsPerSM: 32768, MaxRegsPerBlock: 32768, MaxBlocksPerSM: 16,
		LimitSharedMemPerSM: 49152, LimitSharedMemPerBlock: 49152},
	35: {MaxRegsPerThread: 255, TotalRegsPerSM: 65536, MaxRegsPerBlock: 65536, MaxBlocksPerSM: 16,
		LimitSharedMemPerSM: 49152, LimitSharedMemPerBlock: 49152},
	50: {MaxRegsPerThread: 255, TotalRegsPerSM: 65536, MaxRegsPerBlock: 65536, MaxBlocksPerSM: 32,
		LimitSharedMemPerSM: 65536, LimitSharedMemPerBlock: 49152},
	61: {MaxRegsPerThread: 255, TotalRegsPerSM: 65536, MaxRegsPerBlock: 65536, MaxBlocksPerSM: 32,
		LimitSharedMemPerSM: 98304, LimitSharedMemPerBlock: 49152},
	70: {MaxRegsPerThread: 255, TotalRegsPerSM: 65536, MaxRegsPerBlock: 65536, MaxBlocksPerSM: 32,
		LimitSharedMemPerSM: 98304, LimitSharedMemPerBlock: 98304},
}

// ComputeCapabilities lists the supported compute capabilities, in increasing order.
func ComputeCapabilities() []int {
	return xslices.SortedKeys(computeCapabilities)
}

// ForComputeCapability returns the GPU limits of the given compute capability (e.g. 61 for 6.1),
// for a device with the given number of streaming multiprocessors.
func ForComputeCapability(cc, parallelism int) (GPUParams, error) {
	params, found := computeCapabilities[cc]
	if !found {
		return GPUParams{}, errors.Errorf("unsupported CUDA compute capability %d, supported values are %v",
			cc, ComputeCapabilities())
	}
	// Limits shared by all supported capabilities.
	params.LimitThreadsPerWarp = 32
	params.MinSharedMemUnit = 256
	params.LimitWarpsPerSM = 64
	params.LimitThreadsPerSM = 2048
	params.LimitThreadsPerBlock = 1024
	params.WarpAllocGranularity = 4
	params.RegAllocUnitSize = 256
	params.NumSM = float64(parallelism)
	return params, nil
}

// String lists the non-zero parameters, sorted by name.
func (g GPUParams) String() string {
	fields := g.fields()
	names := xslices.SortedKeys(fields)
	names = slices.DeleteFunc(names, func(name string) bool { return *fields[name] == 0 })
	parts := xslices.Map(names, func(name string) string {
		return name + "=" + strconv.FormatFloat(*fields[name], 'g', -1, 64)
	})
	return "{" + strings.Join(parts, ", ") + "}"
}
