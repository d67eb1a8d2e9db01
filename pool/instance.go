// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"runtime/debug"
	"slices"
	"time"

	"github.com/curioloop/lbfgsbpool/lbfgsb"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Instance is one isolated optimizer: a workspace that carries the whole state of a run.
// An instance serves a single run at a time.
type Instance struct {
	slot   int
	logger *zap.Logger
	ws     lbfgsb.Workspace
	bounds []lbfgsb.Bound
}

// NewInstance returns a standalone instance outside of any pool.
func NewInstance(logger *zap.Logger) *Instance {
	if logger == nil {
		logger = Logger()
	}
	return &Instance{logger: logger}
}

// Slot returns the index of the instance in its pool.
func (in *Instance) Slot() int { return in.slot }

// Result describes a finished run.
type Result struct {
	RunID        uuid.UUID
	Slot         int
	Task         lbfgsb.Task
	F            float64
	X, G         []float64
	Iterations   int
	Evaluations  int
	ProjGradNorm float64
	Elapsed      time.Duration
}

// Converged reports whether the run ended by a convergence test.
func (r *Result) Converged() bool { return r.Task.Converged() }

// Advance minimizes p in place, starting from p.X.
//
// Every evaluation request is served by p.Eval. An evaluator error ends the run and is returned as is;
// an evaluator panic is returned as *EvalPanicError. When ctx is done before an evaluation or after
// an accepted iterate, the run is stopped, p.X is restored to the last accepted iterate and ctx.Err()
// is returned. Any terminal task reported by the optimizer, converged or not, yields a Result and no error.
func (in *Instance) Advance(ctx context.Context, p *Problem, params Params) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid parameters")
	}
	if err := p.check(); err != nil {
		return nil, errors.Wrap(err, "invalid problem")
	}

	n := p.Len()
	in.bounds = p.encode(in.bounds)
	spec := lbfgsb.Problem{N: n, M: params.M, Bounds: in.bounds, Stop: params.termination()}
	runID := uuid.New()
	log := in.logger.With(zap.Stringer("run", runID), zap.Int("slot", in.slot))
	opt, err := spec.New(&lbfgsb.Logger{Level: params.logLevel(), Log: log.Named("lbfgsb")})
	if err != nil {
		return nil, errors.Wrap(err, "invalid problem")
	}

	in.ws.Resize(n, params.M)
	in.ws.Reset()

	start := time.Now()
	loc := lbfgsb.Location{X: p.X, G: p.G, F: p.F}
	defer func() { p.F = loc.F }()

	task := opt.Iterate(&loc, &in.ws)
	for !task.Terminal() {
		if err = ctx.Err(); err != nil {
			opt.Stop(&loc, &in.ws)
			log.Debug("run cancelled", zap.Error(err), zap.Int("iter", in.ws.Summary().NumIter))
			return nil, err
		}
		if task.IsFG() {
			if loc.F, err = evaluate(p.Eval, loc.X, loc.G); err != nil {
				log.Warn("evaluator failed", zap.Error(err))
				return nil, err
			}
		}
		task = opt.Iterate(&loc, &in.ws)
	}

	sum := in.ws.Summary()
	res := &Result{
		RunID:        runID,
		Slot:         in.slot,
		Task:         task,
		F:            loc.F,
		X:            slices.Clone(loc.X),
		G:            slices.Clone(loc.G),
		Iterations:   sum.NumIter,
		Evaluations:  sum.NumEval,
		ProjGradNorm: sum.ProjGradNorm,
		Elapsed:      time.Since(start),
	}
	log.Debug("run finished",
		zap.Stringer("task", task),
		zap.Float64("f", res.F),
		zap.Int("iter", res.Iterations),
		zap.Int("eval", res.Evaluations))
	return res, nil
}

func evaluate(eval Evaluator, x, g []float64) (f float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EvalPanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return eval(x, g)
}
