package fautest

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"go.viam.com/rdk/logging"
)

// forceSafeState drives every source on the bench to its disabled state:
// laser emission off, SMU output off, both PSU channels off. Each instrument
// is attempted independently; an unreachable instrument is logged and
// reported as a residual failure, never as an abort. The call is idempotent
// and safe on a nil or partially populated bench.
//
// The returned error aggregates residual failures via multierr; nil means
// the bench is verifiably safe.
func (b instrumentBench) forceSafeState(ctx context.Context, logger logging.Logger) error {
	var residual error

	if b.laser != nil {
		if err := b.laser.Off(ctx); err != nil {
			logger.Warnf("safe state: laser off failed: %v", err)
			residual = multierr.Append(residual, fmt.Errorf("laser off: %w", err))
		}
	}
	if b.smu != nil {
		if err := b.smu.EnableOutput(ctx, false); err != nil {
			logger.Warnf("safe state: smu output disable failed: %v", err)
			residual = multierr.Append(residual, fmt.Errorf("smu output disable: %w", err))
		}
	}
	if b.psu != nil {
		if err := b.psu.DisableOutputs(ctx); err != nil {
			logger.Warnf("safe state: psu output disable failed: %v", err)
			residual = multierr.Append(residual, fmt.Errorf("psu output disable: %w", err))
		}
	}

	return residual
}

// residualFailures flattens a forceSafeState error into report strings for
// the TestResult.
func residualFailures(err error) []string {
	if err == nil {
		return nil
	}
	errs := multierr.Errors(err)
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}
