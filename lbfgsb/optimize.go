// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import (
	"math"
	"slices"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// LogLevel controls the frequency and type of logger output
type LogLevel int

const (
	// LogNoop no output is generated (level < 0)
	LogNoop LogLevel = -1
	// LogLast print only one line at the last iteration
	LogLast LogLevel = 0
	// LogEval print also f and |proj g| every `level` iterations for any (0 < level < 99)
	LogEval LogLevel = 1
	// LogTrace print details of every iteration except n-vectors
	LogTrace LogLevel = 99
	// LogChange print also the changes of active set and final x
	LogChange LogLevel = 100
	// LogVerbose print details of every iteration including x and g (level > 100)
	LogVerbose LogLevel = 101
)

// Logger routes the optimizer trace to a zap logger.
// Level follows the iprint convention of the reference L-BFGS-B code.
type Logger struct {
	Level LogLevel
	Log   *zap.Logger
}

func (l *Logger) enable(level LogLevel) bool {
	return l.Level >= level
}

func (l *Logger) log(msg string, fields ...zap.Field) {
	l.Log.Info(msg, fields...)
}

// Bound represents the bounds for an optimization variable.
// A NaN or infinite side means the variable is unbounded on that side.
type Bound struct {
	hint         bndHint
	Lower, Upper float64
}

// Evaluation is a function type for evaluating the objective function and gradient.
type Evaluation func(x []float64, g []float64) (f float64)

// Termination specifies the stopping criteria for the optimization algorithm.
type Termination struct {
	// The iteration stop when the number of iteration exceeds limit (0 means unlimited).
	MaxIterations int
	// The iteration stop when the total number of function and gradient evaluation exceeds limit (0 means unlimited).
	MaxEvaluations int
	// The iteration stop when the wall time in seconds spent since the run started over quota (0 means unlimited).
	MaxComputations int64
	// The iteration will stop when the function value satisfied:
	//   (fₖ - fₖ₊₁)/𝚖𝚊𝚡(|fₖ|,|fₖ₊₁|,1) ≤ 𝚏𝚊𝚌𝚝𝚛 × 𝚎𝚙𝚜𝚖𝚌𝚑
	EpsAccuracyFactor float64
	// The iteration will stop when the projected gradient satisfied:
	//   𝚖𝚊𝚡( 𝚙𝚛𝚘𝚓 gᵢ₌₁,...,ₙ ) ≤ 𝚙𝚐𝚝𝚘𝚕
	ProjGradTolerance float64
	// The iteration will stop when the function and gradient value satisfied:
	//   ‖ 𝚙𝚛𝚘𝚓 gₖ ‖∞ / (|fₖ| + 1) ≤ 𝚙𝚍𝚝𝚘𝚕
	GradDescentThreshold float64
}

// Problem specifies the problem for L-BFGS-B optimizer.
type Problem struct {
	N      int         // The problem dimension
	M      int         // The correction number of BFGS
	Eval   Evaluation  // Objective function and gradient (only required by Fit)
	Stop   Termination // Stop condition
	Bounds []Bound     // Optional bounds
	Search *SearchTol  // Optional line-search tolerances
}

func hasLower(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, -1) }

func hasUpper(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 1) }

// New creates a new L-BFGS-B optimizer for given problem.
func (p *Problem) New(logger *Logger) (optimizer *Optimizer, err error) {

	if logger == nil {
		logger = &Logger{Level: LogNoop}
	}
	if logger.Log == nil {
		logger = &Logger{Level: logger.Level, Log: zap.NewNop()}
	}

	n, m := p.N, p.M
	stop := p.Stop
	bounds := slices.Clone(p.Bounds)

	if bounds == nil {
		bounds = make([]Bound, n)
		for i := range bounds {
			bounds[i].Upper = math.NaN()
			bounds[i].Lower = math.NaN()
		}
	}

	stop.MaxIterations = max(stop.MaxIterations, 0)
	if stop.MaxIterations == 0 {
		stop.MaxIterations = math.MaxInt
	}

	stop.MaxEvaluations = max(stop.MaxEvaluations, 0)
	if stop.MaxEvaluations == 0 {
		stop.MaxEvaluations = math.MaxInt
	}

	stop.MaxComputations = max(stop.MaxComputations, 0)
	if stop.MaxComputations > 0 && stop.MaxComputations < math.MaxInt64/time.Second.Nanoseconds() {
		stop.MaxComputations *= time.Second.Nanoseconds()
	} else {
		stop.MaxComputations = math.MaxInt64
	}

	switch {
	case n <= 0:
		err = errors.New("problem dimension must greater than 0")
	case m <= 0:
		err = errors.New("correction number must greater than 0")
	case math.IsNaN(stop.EpsAccuracyFactor) || stop.EpsAccuracyFactor < zero:
		err = errors.New("machine epsilon factor must not less than 0")
	case math.IsNaN(stop.ProjGradTolerance) || stop.ProjGradTolerance < zero:
		err = errors.New("gradient projection tolerance must not less than 0")
	case len(bounds) != n:
		err = errors.New("bounds size must equal to n")
	}
	if err != nil {
		return
	}

	for k, b := range bounds {
		l, u := hasLower(b.Lower), hasUpper(b.Upper)
		if l && u && b.Lower > b.Upper {
			err = errors.Errorf("bound range at %d has no feasible solution", k)
			return
		}
		switch {
		case l && u:
			bounds[k].hint = bndBoth
		case l:
			bounds[k].hint = bndLow
		case u:
			bounds[k].hint = bndUp
		default:
			bounds[k].hint = bndNo
		}
	}

	epsilon := math.Nextafter(1, 2) - 1
	optimizer = &Optimizer{
		iterSpec{
			n: n, m: m,
			epsilon: epsilon,
			stop:    stop,
			eval:    p.Eval,
			bounds:  bounds,
			logger:  *logger,
			search:  p.Search,
		},
	}
	return
}

// Optimizer implemented using the L-BFGS-B algorithm.
// An optimizer is immutable and may be shared by goroutines driving separate workspaces.
type Optimizer struct {
	iterSpec
}

// Workspace contains the state and context of the optimization process.
// Given problem dimension n and corrections number m,
// total work space is approximately float64[2×mn + 11×m² + 5×n + 8×m].
type Workspace struct {
	n, m int
	iterCtx
}

// Resize prepares the workspace for a problem of dimension n with m corrections,
// reusing the allocated buffers when they are large enough.
func (w *Workspace) Resize(n, m int) {
	w.n, w.m = n, m
	w.init(n, m)
}

// Reset makes the next Iterate start a new run.
func (w *Workspace) Reset() {
	w.stage = stageStart
	w.status = TaskStart
}

// Task returns the code returned by the last Iterate.
func (w *Workspace) Task() Task { return w.status }

// Summary reports the counters of the current or last run.
func (w *Workspace) Summary() Summary {
	return Summary{
		Status:       w.status,
		NumIter:      w.iter,
		NumEval:      w.totalEval,
		NumSegment:   w.totalSegGCP,
		NumSkip:      w.totalSkipBFGS,
		NumActive:    w.active,
		ProjGradNorm: w.sbgNrm,
		Elapsed:      time.Duration(w.global.elapsed()),
		Timing: Timing{
			Cauchy:   time.Duration(w.gcpSearchTime),
			Subspace: time.Duration(w.minSubspaceTime),
			Search:   time.Duration(w.lineSearchTime),
		},
	}
}

// Result contains the final result of the optimization process.
type Result struct {
	OK      bool      // Whether the optimization was converged.
	F       float64   // Final function value.
	X, G    []float64 // Final solution and gradient.
	Summary           // Optimization summary.
}

// Summary contains a summary of the optimization process.
type Summary struct {
	Status       Task          // Final task status after optimization.
	NumIter      int           // Number of iterations performed.
	NumEval      int           // Number of function and gradient evaluations performed.
	NumSegment   int           // Number of segments explored during Cauchy searches.
	NumSkip      int           // Number of BFGS updates skipped.
	NumActive    int           // Number of active bounds at the final generalized Cauchy point.
	ProjGradNorm float64       // Infinity norm of the final projected gradient.
	Elapsed      time.Duration // Time since the run started.
	Timing       Timing
}

// Timing splits the time spent inside the optimizer by phase.
type Timing struct {
	Cauchy   time.Duration
	Subspace time.Duration
	Search   time.Duration
}

// Init allocate the workspace for L-BFGS-B optimizer.
// To avoid race conditions, separate workspaces need to be created for each goroutine.
// But multiple workspaces could share one optimizer.
func (o *Optimizer) Init() *Workspace {
	w := new(Workspace)
	w.Resize(o.n, o.m)
	return w
}

func (o *Optimizer) check(loc *Location, w *Workspace) {
	if len(loc.X) != o.n || len(loc.G) != o.n {
		panic("location dimension not match problem")
	}
	if w.n != o.n || w.m != o.m {
		panic("workspace dimension not match problem")
	}
}

// Iterate performs one reverse-communication step of the optimizer.
//
// On TaskFG the caller evaluates f and g at loc.X, stores them in loc.F and loc.G and calls Iterate again.
// On TaskNewX the caller may call Iterate again or end the run with Stop.
// A terminal task is returned again by every later call until the workspace is Reset.
func (o *Optimizer) Iterate(loc *Location, w *Workspace) Task {
	o.check(loc, w)
	d := iterDriver{
		optimizer: o,
		workspace: w,
		location:  loc,
	}
	return d.iterate()
}

// Stop ends the current run with StopRequested.
// When a trial step is pending, the last accepted iterate is restored into loc.
func (o *Optimizer) Stop(loc *Location, w *Workspace) Task {
	return o.halt(loc, w, StopRequested)
}

func (o *Optimizer) halt(loc *Location, w *Workspace, task Task) Task {
	o.check(loc, w)
	d := iterDriver{
		optimizer: o,
		workspace: w,
		location:  loc,
	}
	return d.halt(task)
}

// Fit runs the optimization process using the initial guess x and workspace w.
func (o *Optimizer) Fit(x []float64, w *Workspace) *Result {

	if len(x) != o.n {
		panic("initial x dimension not match spec")
	}
	if o.eval == nil {
		panic("evaluation target is required")
	}

	loc := Location{
		X: slices.Clone(x),
		G: make([]float64, len(x)),
	}

	w.Reset()
	task := o.Iterate(&loc, w)
	for !task.Terminal() {
		if task.IsFG() && !o.evaluate(&loc) {
			task = o.halt(&loc, w, HaltEvalPanic)
			break
		}
		task = o.Iterate(&loc, w)
	}

	return &Result{
		OK: task.Converged(),
		X:  loc.X, F: loc.F, G: loc.G,
		Summary: w.Summary(),
	}
}

func (o *Optimizer) evaluate(loc *Location) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			done = false
		}
	}()
	loc.F = o.eval(loc.X, loc.G)
	return true
}
