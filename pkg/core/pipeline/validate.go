// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidPipeline is returned when the structure of a pipeline is malformed.
	ErrInvalidPipeline = errors.New("invalid pipeline")

	// ErrMissingEstimate is returned when an output has no estimate for one of its dimensions.
	ErrMissingEstimate = errors.New("missing estimate")

	// ErrPartialSchedule is returned when a function already has some scheduling directive.
	ErrPartialSchedule = errors.New("partially scheduled function")
)

// Validate checks that the pipeline can be auto-scheduled: no function (other than extern ones)
// may already be scheduled, and every dimension of every output must have a valid estimate.
func (p *Pipeline) Validate() error {
	for _, name := range p.order {
		f := p.funcs[name]
		if f.IsExtern() || len(f.Schedule) == 0 {
			continue
		}
		return errors.Wrapf(ErrPartialSchedule, "cannot auto-schedule function %q since it is already scheduled with %q",
			name, strings.Join(f.Schedule, "."))
	}
	for _, out := range p.Outputs() {
		for _, arg := range out.Args {
			est, found := out.Estimates[arg]
			if !found {
				return errors.Wrapf(ErrMissingEstimate, "please provide a valid estimate for dimension %q of output %q",
					arg, out.Name)
			}
			if est.Extent <= 0 {
				return errors.Wrapf(ErrMissingEstimate, "estimate for dimension %q of output %q has a non-positive extent %d",
					arg, out.Name, est.Extent)
			}
		}
	}
	return nil
}
