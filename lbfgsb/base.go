// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import (
	"fmt"
	"time"
)

const (
	zero  = 0.0
	one   = 1.0
	two   = 2.0
	three = 3.0
)

// bndHint mirrors the nbd codes of the reference implementation.
// The ordering matters: hint ≤ bndBoth has a lower bound, hint ≥ bndBoth has an upper bound.
type bndHint int

const (
	bndNo   bndHint = 0 // unbounded
	bndLow  bndHint = 1 // only lower bound
	bndBoth bndHint = 2 // both lower and upper bounds
	bndUp   bndHint = 3 // only upper bound
)

// status of each variable recorded in iterCtx.where
const (
	varNotMove = -3 // free with bounds but not moved
	varUnbound = -1 // always free
	varFree    = 0  // free with bounds and moved
	varAtLB    = 1  // fixed at lower bound
	varAtUB    = 2  // fixed at upper bound
	varFixed   = 3  // always fixed (l = u)
)

type errInfo int

const (
	ok errInfo = iota
	errNotPosDef1stK
	errNotPosDef2ndK
	errNotPosDefT
	errDerivative
	warnTooManySearch
	errSingularTriangular
	errLineSearchFailed
	errLineSearchTol
	warnRestartLoop
)

func (e errInfo) String() string {
	switch e {
	case ok:
		return ""
	case errNotPosDef1stK:
		return "matrix in 1st Cholesky factorization in formk is not positive definite"
	case errNotPosDef2ndK:
		return "matrix in 2nd Cholesky factorization in formk is not positive definite"
	case errNotPosDefT:
		return "matrix in the Cholesky factorization in formt is not positive definite"
	case errDerivative:
		return "derivative >= 0, backtracking line search impossible"
	case warnTooManySearch:
		return "more than 10 function and gradient evaluations in the last line search"
	case errSingularTriangular:
		return "the triangular system is singular"
	case errLineSearchFailed:
		return "line search cannot locate an adequate point after 20 function and gradient evaluations"
	case errLineSearchTol:
		return "line search setting is invalid"
	case warnRestartLoop:
		return "bad direction in the line search"
	}
	return fmt.Sprintf("errInfo(%d)", int(e))
}

// Task is the reverse-communication code exchanged between the optimizer and its caller.
// The high bits group the codes, the low bits identify the terminal reason.
type Task int

const (
	TaskStart    Task = 0
	TaskFG       Task = 1 << (4 + iota) // caller must evaluate f and g at x
	TaskNewX                            // a new iterate was accepted
	TaskConv                            // converged
	TaskStop                            // stopped by a limit or by request
	TaskAbnormal                        // algorithm cannot make progress
	TaskError                           // invalid input detected while running
)

const (
	ConvGradProgNorm = TaskConv | (1 + iota)
	ConvEnoughAccuracy
	StopRequested = TaskStop | (1 + iota)
	HaltEvalPanic
	OverIterLimit
	OverEvalLimit
	OverTimeLimit
	OverGradThresh
	AbnormalSearch = TaskAbnormal | (1 + iota)
	ErrorNotFinite = TaskError | (1 + iota)
)

// iterLoop marks a running iteration that has not decided to terminate yet.
const iterLoop Task = 1

const terminalMask = TaskConv | TaskStop | TaskAbnormal | TaskError

var taskNames = map[Task]string{
	TaskStart:          "START",
	TaskFG:             "FG",
	TaskNewX:           "NEW_X",
	ConvGradProgNorm:   "CONVERGENCE: NORM_OF_PROJECTED_GRADIENT_<=_PGTOL",
	ConvEnoughAccuracy: "CONVERGENCE: REL_REDUCTION_OF_F_<=_FACTR*EPSMCH",
	StopRequested:      "STOP: REQUESTED BY CALLER",
	HaltEvalPanic:      "STOP: CALLBACK REQUESTED HALT",
	OverIterLimit:      "STOP: TOTAL NO. of ITERATIONS REACHED LIMIT",
	OverEvalLimit:      "STOP: TOTAL NO. of f AND g EVALUATIONS EXCEEDS LIMIT",
	OverTimeLimit:      "STOP: CPU EXCEEDING THE TIME LIMIT",
	OverGradThresh:     "STOP: THE PROJECTED GRADIENT IS SUFFICIENTLY SMALL",
	AbnormalSearch:     "ABNORMAL_TERMINATION_IN_LNSRCH",
	ErrorNotFinite:     "ERROR: INITIAL F IS NOT FINITE",
}

func (t Task) String() string {
	if s, found := taskNames[t]; found {
		return s
	}
	return fmt.Sprintf("Task(%d)", int(t))
}

// IsFG reports whether the caller must supply f and g at the current x.
func (t Task) IsFG() bool { return t == TaskFG }

// IsNewX reports whether a new iterate was accepted.
func (t Task) IsNewX() bool { return t == TaskNewX }

// Terminal reports whether the run has ended.
func (t Task) Terminal() bool { return t&terminalMask != 0 }

// Converged reports whether the run ended by a convergence test.
func (t Task) Converged() bool { return t&TaskConv != 0 }

// Location is the point exchanged with the caller: x, f(x) and ∇f(x).
type Location struct {
	X, G []float64
	F    float64
}

// save copies x, f, g into t, fOld, r.
func (l *Location) save(t []float64, fOld *float64, r []float64) {
	copy(t, l.X)
	copy(r, l.G)
	*fOld = l.F
}

// load restores x, f, g from t, fOld, r.
func (l *Location) load(t []float64, fOld float64, r []float64) {
	copy(l.X, t)
	copy(l.G, r)
	l.F = fOld
}

type iterSpec struct {
	n, m    int
	epsilon float64
	stop    Termination
	eval    Evaluation
	bounds  []Bound
	logger  Logger
	search  *SearchTol
}

type iterStage int

const (
	stageStart    iterStage = iota // next call initialises the run
	stageInitFG                    // waiting for f₀ and g₀
	stageIterate                   // ready to start an iteration
	stageSearch                    // inside the line search
	stageSearchFG                  // waiting for f and g at a trial step
	stageDone                      // terminal task reached
)

type clock struct {
	start time.Time
}

func (c *clock) reset() { c.start = time.Now() }

func (c *clock) elapsed() int64 { return time.Since(c.start).Nanoseconds() }

type searchWork struct {
	tol SearchTol
	ctx SearchCtx
}

// iterCtx holds every piece of state that survives between two reverse-communication calls.
type iterCtx struct {
	stage  iterStage
	status Task
	info   errInfo

	iter          int
	totalEval     int
	totalSegGCP   int
	totalSkipBFGS int

	// GCP and subspace
	active, free int
	enter, leave int
	seg          int
	word         int
	where        []int
	index        [2][]int

	// limited memory
	col, head, tail int
	updates         int
	updated         bool
	theta           float64
	ws, wy          []float64 // n × m
	sy, ss, wt      []float64 // m × m
	wn, snd         []float64 // 2m × 2m
	wa              []float64 // 8m

	// problem shape
	constrained bool
	boxed       bool
	projInitX   bool

	// line search
	z, r, d, t, xp []float64 // n
	sbgNrm         float64
	fOld           float64
	dNorm, dSqrt   float64
	gd, gdOld      float64
	stp            float64
	numEval        int
	numBack        int
	task           SearchTask
	searchWork     searchWork

	global, shared  clock
	gcpSearchTime   int64
	minSubspaceTime int64
	lineSearchTime  int64
}

func grow[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	s = s[:n]
	clear(s)
	return s
}

// init sizes all buffers for dimension n and m corrections, reusing existing capacity.
func (c *iterCtx) init(n, m int) {
	c.ws = grow(c.ws, n*m)
	c.wy = grow(c.wy, n*m)
	c.sy = grow(c.sy, m*m)
	c.ss = grow(c.ss, m*m)
	c.wt = grow(c.wt, m*m)
	c.wn = grow(c.wn, 4*m*m)
	c.snd = grow(c.snd, 4*m*m)
	c.wa = grow(c.wa, 8*m)
	c.z = grow(c.z, n)
	c.r = grow(c.r, n)
	c.d = grow(c.d, n)
	c.t = grow(c.t, n)
	c.xp = grow(c.xp, n)
	c.where = grow(c.where, n)
	c.index[0] = grow(c.index[0], n)
	c.index[1] = grow(c.index[1], n)
	c.stage = stageStart
	c.status = TaskStart
}

// clear zeroes every buffer and counter before a new run.
func (c *iterCtx) clear() {
	for _, s := range [][]float64{c.ws, c.wy, c.sy, c.ss, c.wt, c.wn, c.snd, c.wa, c.z, c.r, c.d, c.t, c.xp} {
		clear(s)
	}
	clear(c.where)
	clear(c.index[0])
	clear(c.index[1])

	c.info = ok
	c.iter, c.totalEval, c.totalSegGCP, c.totalSkipBFGS = 0, 0, 0, 0
	c.active, c.free, c.enter, c.leave, c.seg = 0, 0, 0, 0, 0
	c.word = solutionUnknown
	c.constrained, c.boxed, c.projInitX = false, false, false
	c.sbgNrm, c.fOld, c.dNorm, c.dSqrt, c.gd, c.gdOld, c.stp = 0, 0, 0, 0, 0, 0, 0
	c.numEval, c.numBack = 0, 0
	c.task = SearchStart
	c.searchWork = searchWork{}
	c.gcpSearchTime, c.minSubspaceTime, c.lineSearchTime = 0, 0, 0
	c.reset()
}

// reset drops the limited memory matrix so the next iteration restarts from B = I.
func (c *iterCtx) reset() {
	c.col, c.head, c.tail = 0, 0, 0
	c.updates = 0
	c.updated = false
	c.theta = one
}
