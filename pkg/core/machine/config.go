// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package machine

import (
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config holds the machine parameters, the target and the GPU limits used to schedule a pipeline.
type Config struct {
	Machine MachineParams
	Target  Target
	GPU     GPUParams
}

// DefaultConfig returns Generic() machine parameters and the DefaultTarget GPU limits.
func DefaultConfig() Config {
	return MustConfigFor(DefaultTarget(), Generic())
}

// ConfigFor returns the configuration for the given target and machine parameters.
func ConfigFor(target Target, params MachineParams) (Config, error) {
	gpu, err := ForComputeCapability(target.ComputeCapability, params.Parallelism)
	if err != nil {
		return Config{}, err
	}
	return Config{Machine: params, Target: target, GPU: gpu}, nil
}

// MustConfigFor is like ConfigFor, but panics on error.
func MustConfigFor(target Target, params MachineParams) Config {
	config, err := ConfigFor(target, params)
	if err != nil {
		panic(err)
	}
	return config
}

// tomlConfig is the file format of the configuration:
//
//	[machine]
//	parallelism = 20
//	last_level_cache_size = 16777216
//	balance = 40
//
//	[target]
//	compute_capability = 70
//
//	[gpu]
//	limit_shared_mem_per_block = 49152
//
// All sections and keys are optional. The [gpu] keys override the limits derived from the
// compute capability.
type tomlConfig struct {
	Machine *MachineParams     `toml:"machine"`
	Target  *Target            `toml:"target"`
	GPU     map[string]float64 `toml:"gpu"`
}

// LoadTOML reads the configuration file at path, applying it on top of base.
func LoadTOML(path string, base Config) (Config, error) {
	var parsed tomlConfig
	meta, err := toml.DecodeFile(path, &parsed)
	if err != nil {
		return base, errors.Wrapf(err, "failed to read machine configuration from %q", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for ii, key := range undecoded {
			keys[ii] = key.String()
		}
		klog.Warningf("Unknown keys in machine configuration %q: %s", path, strings.Join(keys, ", "))
	}
	return parsed.apply(base)
}

// ParseTOML is like LoadTOML, but takes the contents of the configuration.
func ParseTOML(contents string, base Config) (Config, error) {
	var parsed tomlConfig
	if _, err := toml.Decode(contents, &parsed); err != nil {
		return base, errors.Wrap(err, "failed to parse machine configuration")
	}
	return parsed.apply(base)
}

func (parsed *tomlConfig) apply(base Config) (Config, error) {
	config := base
	if parsed.Machine != nil {
		// Keys missing in the file keep the base values.
		if parsed.Machine.Parallelism != 0 {
			config.Machine.Parallelism = parsed.Machine.Parallelism
		}
		if parsed.Machine.LastLevelCacheSize != 0 {
			config.Machine.LastLevelCacheSize = parsed.Machine.LastLevelCacheSize
		}
		if parsed.Machine.Balance != 0 {
			config.Machine.Balance = parsed.Machine.Balance
		}
		if err := config.Machine.Validate(); err != nil {
			return base, err
		}
	}
	if parsed.Target != nil {
		if parsed.Target.ComputeCapability != 0 {
			config.Target.ComputeCapability = parsed.Target.ComputeCapability
		}
		if parsed.Target.Name != "" {
			config.Target.Name = parsed.Target.Name
		}
	}
	gpu, err := ForComputeCapability(config.Target.ComputeCapability, config.Machine.Parallelism)
	if err != nil {
		return base, err
	}
	config.GPU = gpu
	fields := config.GPU.fields()
	for name, value := range parsed.GPU {
		field, found := fields[name]
		if !found {
			return base, errors.Errorf("unknown GPU parameter %q", name)
		}
		if value <= 0 {
			return base, errors.Errorf("GPU parameter %q must be positive, got %g", name, value)
		}
		*field = value
	}
	return config, nil
}
