// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import (
	"math"
	"time"

	"go.uber.org/zap"
)

// iterDriver resumes the optimization from the stage saved in the workspace
// and runs it until f and g are needed, a new iterate is accepted or the run ends.
type iterDriver struct {
	optimizer *Optimizer
	workspace *Workspace
	location  *Location
}

func (d *iterDriver) iterate() Task {

	loc := d.location
	spec := &d.optimizer.iterSpec
	ctx := &d.workspace.iterCtx
	log := spec.logger

	for {
		switch ctx.stage {
		case stageStart:
			ctx.clear()
			ctx.global.reset()
			d.printInit()
			projInitActive(loc, spec, ctx)
			if d.overTime() {
				return d.finish(OverTimeLimit, ok)
			}
			return d.request(stageInitFG)

		case stageInitFG:
			// f₀ and g₀ are available
			ctx.totalEval++
			if math.IsNaN(loc.F) || math.IsInf(loc.F, 0) {
				return d.finish(ErrorNotFinite, ok)
			}
			task := d.checkConvergence(iterLoop)
			if log.enable(LogEval) {
				log.log("iterate", zap.Int("iter", ctx.iter), zap.Float64("f", loc.F), zap.Float64("projg", ctx.sbgNrm))
			}
			if task != iterLoop {
				return d.finish(task, ok)
			}
			ctx.stage = stageIterate

		case stageIterate:
			if ctx.info != ok {
				ctx.info = ok
				ctx.reset()
				if log.enable(LogLast) {
					log.log("refreshing LBFGS memory and restarting iteration")
				}
			}
			if log.enable(LogTrace) {
				log.log("iteration", zap.Int("iter", ctx.iter+1))
			}
			info, wrk := d.searchGCP()
			if info == ok {
				info = d.minimizeSubspace(wrk)
			}
			if ctx.info = info; info != ok {
				continue
			}
			d.beginLineSearch()
			ctx.stage = stageSearch

		case stageSearchFG:
			// f and g at the trial step are available
			ctx.totalEval++
			ctx.numEval++
			ctx.numBack = ctx.numEval - 1
			ctx.stage = stageSearch

		case stageSearch:
			info, done := performLineSearch(loc, spec, ctx)
			if info == ok && ctx.numBack < searchBackExit {
				if done {
					return d.endIteration(iterLoop, true)
				}
				if d.overTime() {
					return d.endIteration(OverTimeLimit, false)
				}
				return d.request(stageSearchFG)
			}
			task := iterLoop
			if ctx.col == 0 {
				task = AbnormalSearch
				if info == ok {
					info = errLineSearchFailed
				}
				ctx.iter++
			} else {
				info = warnRestartLoop
			}
			d.endLineSearch(done, info)
			if task != iterLoop {
				return d.finish(task, info)
			}
			ctx.info = info
			ctx.stage = stageIterate

		default:
			return ctx.status
		}
	}
}

// request suspends the run until the caller supplies f and g.
func (d *iterDriver) request(next iterStage) Task {
	ctx := &d.workspace.iterCtx
	ctx.stage = next
	ctx.status = TaskFG
	return TaskFG
}

func (d *iterDriver) overTime() bool {
	return d.workspace.global.elapsed() >= d.optimizer.stop.MaxComputations
}

// halt terminates the run on behalf of the caller.
func (d *iterDriver) halt(task Task) Task {
	ctx := &d.workspace.iterCtx
	switch ctx.stage {
	case stageDone:
		return ctx.status
	case stageSearch, stageSearchFG:
		// x holds an unevaluated trial step
		d.endLineSearch(false, ok)
	}
	return d.finish(task, ok)
}

func (d *iterDriver) finish(task Task, info errInfo) Task {
	ctx := &d.workspace.iterCtx
	ctx.stage = stageDone
	ctx.status = task
	ctx.info = info
	d.printExit(task, info)
	return task
}

// newIteration handles the transition to a new iteration, checking for stopping
// conditions like exceeding iteration limits, evaluation limits, or gradient thresholds.
func (d *iterDriver) newIteration(iter Task) Task {
	o, w, loc := d.optimizer, d.workspace, d.location
	w.iter++
	if w.iter >= o.stop.MaxIterations {
		iter = OverIterLimit
	} else if w.totalEval >= o.stop.MaxEvaluations {
		iter = OverEvalLimit
	} else if w.dNorm <= o.stop.GradDescentThreshold*(1.0+math.Abs(loc.F)) {
		iter = OverGradThresh
	}
	return iter
}

// checkConvergence checks if the convergence criteria have been met based on
// the projected gradient norm and the progress in function value reduction.
func (d *iterDriver) checkConvergence(iter Task) Task {
	o, w, loc := d.optimizer, d.workspace, d.location
	// Compute the infinity norm of the projected (-)gradient
	w.sbgNrm = projGradNorm(loc, &o.iterSpec)
	if w.sbgNrm <= o.stop.ProjGradTolerance {
		iter = ConvGradProgNorm
	} else if w.iter > 0 {
		tolEps := o.epsilon * o.stop.EpsAccuracyFactor
		change := math.Max(math.Abs(w.fOld), math.Max(math.Abs(loc.F), one))
		if w.fOld-loc.F <= tolEps*change {
			iter = ConvEnoughAccuracy
		}
	}
	return iter
}

// endIteration closes the line search and decides whether the run goes on.
func (d *iterDriver) endIteration(task Task, done bool) Task {
	ctx := &d.workspace.iterCtx

	d.endLineSearch(done, ok)

	// calculate and print out the quantities related to the new X.
	task = d.newIteration(task)
	task = d.checkConvergence(task)
	d.printIter()

	if task == iterLoop {
		ctx.info = d.updateBFGS()
		ctx.stage = stageIterate
		ctx.status = TaskNewX
		return TaskNewX
	}

	info := ok
	if task == ConvEnoughAccuracy && ctx.numBack >= searchBackSlow {
		info = warnTooManySearch
	}
	return d.finish(task, info)
}

// searchGCP calculates the Generalized Cauchy Point (GCP) for the current
// iteration and updates the corresponding values in the context.
func (d *iterDriver) searchGCP() (info errInfo, wrk bool) {
	loc := d.location
	spec := &d.optimizer.iterSpec
	ctx := &d.workspace.iterCtx

	// skip the search for GCP.
	if !ctx.constrained && ctx.col > 0 {
		dcopy(spec.n, loc.X, 1, ctx.z, 1)
		wrk = ctx.updated
		ctx.seg = 0
	} else {
		// Compute the Generalized Cauchy Point (GCP).
		ctx.shared.reset()
		if info = cauchy(loc, spec, ctx); info == ok {
			// Count the entering and leaving variables for iter > 0;
			// find the index set of free and active variables at the GCP.
			wrk = freeVar(spec, ctx)
			ctx.totalSegGCP += ctx.seg
		}
		ctx.gcpSearchTime += ctx.shared.elapsed()
	}
	if log := spec.logger; log.enable(LogLast) && info != ok {
		log.log("singular triangular system detected", zap.Stringer("info", info))
	}
	return
}

// minimizeSubspace performs subspace minimization for the current iteration.
// This involves solving the reduced subspace problem and updating the search direction.
func (d *iterDriver) minimizeSubspace(wrk bool) (info errInfo) {
	loc := d.location
	spec := &d.optimizer.iterSpec
	ctx := &d.workspace.iterCtx

	// Solve mₖ(x) with direct primal method from GPC xᶜ
	// by find the best which have t free variable
	//
	// only consider points x = xᶜ + Zₖd߮
	//   Zₖ is n x t selection matrix that span the subspace of the free variables at xᶜ
	//   d߮ is t dimension search direction for free variable
	//
	//   reduced Hessian B߮ₖ = ZₖᵀBₖZₖ = θI - ZᵀWMWᵀZ
	//   reduced gradient r߮ᶜ = Zₖᵀ(gₖ + Bₖ(xᶜ-xₖ)) = Zᵀ(g + θ(xᶜ-x) - WMc)
	//
	// the middle matrix is factorized as K = LELᵀ (see formK).

	ctx.word = solutionUnknown

	// If there are no free variables or B = θI, then skip the subspace minimization.
	if ctx.free > 0 && ctx.col > 0 {
		ctx.shared.reset()
		if wrk {
			// K = LELᵀ
			info = formK(spec, ctx)
		}
		if info == ok {
			// r߮ᶜ = -Zᵀ(g + B(xᶜ - xₖ))
			info = reduceGradient(loc, spec, ctx)
		}
		if info == ok {
			// x̂ = xᶜ + d߮⁎
			info = optimalDirection(loc, spec, ctx)
		}
		ctx.minSubspaceTime += ctx.shared.elapsed()
	}

	if log := spec.logger; log.enable(LogLast) && info != ok {
		log.log("subspace minimization failed", zap.Stringer("info", info))
	}
	return
}

// beginLineSearch generates the search direction dₖ = x̂ - xₖ
// and saves xₖ, fₖ, gₖ so a failed search can restore them.
func (d *iterDriver) beginLineSearch() {
	loc := d.location
	spec := &d.optimizer.iterSpec
	ctx := &d.workspace.iterCtx

	if x, dir, z := loc.X, ctx.d, ctx.z; len(x) != len(dir) || len(dir) != len(z) {
		panic("bound check error")
	} else {
		for i, x := range x {
			dir[i] = z[i] - x
		}
	}

	ctx.shared.reset()
	initLineSearch(loc, spec, ctx)
	loc.save(ctx.t, &ctx.fOld, ctx.r)
}

// endLineSearch restores the previous iterate unless the search was done.
func (d *iterDriver) endLineSearch(done bool, info errInfo) {
	loc := d.location
	spec := &d.optimizer.iterSpec
	ctx := &d.workspace.iterCtx

	if !done {
		loc.load(ctx.t, ctx.fOld, ctx.r)
	}

	if log := spec.logger; log.enable(LogLast) && info != ok {
		switch info {
		case errDerivative:
			log.log("ascent direction in projection", zap.Float64("gd", ctx.gd))
		case warnRestartLoop:
			log.log("bad direction in the line search")
		}
	}

	ctx.lineSearchTime += ctx.shared.elapsed()
}

// updateBFGS updates the BFGS correction for the current iteration, updating the
// approximation of the inverse Hessian matrix.
func (d *iterDriver) updateBFGS() (info errInfo) {

	loc := d.location
	spec := &d.optimizer.iterSpec
	ctx := &d.workspace.iterCtx

	updateCorrection(loc, spec, ctx)
	info = formT(spec, ctx)
	if log := spec.logger; log.enable(LogLast) && info != ok {
		log.log("nonpositive definiteness in Cholesky factorization in formt")
	}

	return
}

// printInit logs the machine precision, problem dimensions, and initial bounds.
func (d *iterDriver) printInit() {

	loc := d.location
	spec := &d.optimizer.iterSpec

	log := spec.logger
	if !log.enable(LogLast) {
		return
	}

	fields := []zap.Field{
		zap.Float64("epsilon", spec.epsilon),
		zap.Int("n", spec.n),
		zap.Int("m", spec.m),
	}
	if log.enable(LogVerbose) {
		lower := make([]float64, spec.n)
		upper := make([]float64, spec.n)
		for i, b := range spec.bounds {
			lower[i], upper[i] = b.Lower, b.Upper
		}
		fields = append(fields,
			zap.Float64s("l", lower),
			zap.Float64s("x0", loc.X),
			zap.Float64s("u", upper))
	}
	log.log("running L-BFGS-B", fields...)
}

// printIter logs the current iteration details, including the function value,
// gradient norm, and other iteration statistics.
func (d *iterDriver) printIter() {

	loc := d.location
	ctx := &d.workspace.iterCtx

	log := d.optimizer.logger
	if !log.enable(LogEval) {
		return
	}

	if !log.enable(LogTrace) && ctx.iter%int(log.Level) != 0 {
		return
	}

	fields := []zap.Field{
		zap.Int("iter", ctx.iter),
		zap.Int("nfg", ctx.totalEval),
		zap.Float64("f", loc.F),
		zap.Float64("projg", ctx.sbgNrm),
	}

	if log.enable(LogTrace) {
		fields = append(fields,
			zap.Int("nseg", ctx.seg),
			zap.Int("nact", ctx.active),
			zap.String("sub", formatWord(ctx.word)),
			zap.Int("itls", ctx.numBack),
			zap.Float64("stepl", ctx.stp),
			zap.Float64("tstep", ctx.stp*ctx.dNorm))
		if ctx.task&SearchWarn != 0 {
			fields = append(fields, zap.Stringer("warning", ctx.task))
		}
	}
	if log.enable(LogVerbose) {
		fields = append(fields, zap.Float64s("x", loc.X), zap.Float64s("g", loc.G))
	}
	log.log("iterate", fields...)
}

// printExit logs the final statistics and exit conditions of the optimization process.
func (d *iterDriver) printExit(task Task, info errInfo) {

	loc := d.location
	spec := &d.optimizer.iterSpec
	ctx := &d.workspace.iterCtx

	log := spec.logger
	if !log.enable(LogLast) {
		return
	}

	fields := []zap.Field{
		zap.Stringer("task", task),
		zap.Int("n", spec.n),
		zap.Int("tit", ctx.iter),
		zap.Int("tnf", ctx.totalEval),
		zap.Int("tnint", ctx.totalSegGCP),
		zap.Int("skip", ctx.totalSkipBFGS),
		zap.Int("nact", ctx.active),
		zap.Float64("projg", ctx.sbgNrm),
		zap.Float64("f", loc.F),
		zap.Duration("elapsed", time.Duration(ctx.global.elapsed())),
	}

	if info != ok {
		msg := info.String()
		if info == errLineSearchTol {
			msg += ": " + ctx.task.String()
		}
		fields = append(fields, zap.String("info", msg))
	}

	if log.enable(LogEval) {
		fields = append(fields,
			zap.Duration("cauchy", time.Duration(ctx.gcpSearchTime)),
			zap.Duration("subspace", time.Duration(ctx.minSubspaceTime)),
			zap.Duration("search", time.Duration(ctx.lineSearchTime)))
	}
	if log.enable(LogChange) {
		fields = append(fields, zap.Float64s("x", loc.X))
	}
	log.log("L-BFGS-B finished", fields...)
}

func formatWord(iword int) string {
	// the ctx of the subspace minimization
	switch iword {
	case solutionWithinBox:
		return "con" // the subspace minimization converged.
	case solutionBeyondBox:
		return "bnd" // the subspace minimization stopped at a bound.
	default:
		return "---"
	}
}
