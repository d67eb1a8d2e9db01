// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

import (
	"github.com/curioloop/lbfgsbpool/lbfgsb"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Params controls one optimization run.
type Params struct {
	// M is the number of correction pairs kept by the limited-memory update.
	M int
	// Factr stops the run when (fₖ - fₖ₊₁)/max(|fₖ|,|fₖ₊₁|,1) ≤ Factr × eps.
	Factr float64
	// Pgtol stops the run when the infinity norm of the projected gradient is at most Pgtol.
	Pgtol float64
	// IPrint sets the trace verbosity, negative is silent.
	IPrint int
	// MaxIterations and MaxEvaluations cap the run, zero means unlimited.
	MaxIterations  int
	MaxEvaluations int
}

// DefaultParams returns m=5, factr=1e1, pgtol=1e-5 and no trace.
func DefaultParams() Params {
	return Params{M: 5, Factr: 1e1, Pgtol: 1e-5, IPrint: -1}
}

// Validate reports every invalid field.
func (p Params) Validate() (err error) {
	if p.M < 1 {
		err = multierr.Append(err, errors.Errorf("correction depth m = %d, want at least 1", p.M))
	}
	if !(p.Factr >= 0) {
		err = multierr.Append(err, errors.Errorf("factr = %g, want non-negative", p.Factr))
	}
	if !(p.Pgtol >= 0) {
		err = multierr.Append(err, errors.Errorf("pgtol = %g, want non-negative", p.Pgtol))
	}
	if p.MaxIterations < 0 {
		err = multierr.Append(err, errors.Errorf("max iterations = %d, want non-negative", p.MaxIterations))
	}
	if p.MaxEvaluations < 0 {
		err = multierr.Append(err, errors.Errorf("max evaluations = %d, want non-negative", p.MaxEvaluations))
	}
	return
}

func (p Params) logLevel() lbfgsb.LogLevel {
	if p.IPrint < 0 {
		return lbfgsb.LogNoop
	}
	return lbfgsb.LogLevel(p.IPrint)
}

func (p Params) termination() lbfgsb.Termination {
	return lbfgsb.Termination{
		MaxIterations:     p.MaxIterations,
		MaxEvaluations:    p.MaxEvaluations,
		EpsAccuracyFactor: p.Factr,
		ProjGradTolerance: p.Pgtol,
	}
}
