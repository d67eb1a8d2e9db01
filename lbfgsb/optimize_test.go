// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import (
	"math"
	"slices"
	"testing"

	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/optimize/functions"
)

func verbose(t *testing.T) *Logger {
	return &Logger{Level: LogVerbose, Log: zaptest.NewLogger(t)}
}

// rosenbrock is the chained Rosenbrock variant used by the reference driver.
func rosenbrock(x []float64, g []float64) (f float64) {
	n := len(x)
	f = 0.25 * math.Pow(x[0]-1.0, 2)
	for i := 1; i < n; i++ {
		f += math.Pow(x[i]-math.Pow(x[i-1], 2), 2)
	}
	f *= 4.0

	t1 := x[1] - math.Pow(x[0], 2)
	g[0] = 2.0*(x[0]-1.0) - 16.0*x[0]*t1
	for i := 1; i < n-1; i++ {
		t2 := t1
		t1 = x[i+1] - math.Pow(x[i], 2)
		g[i] = 8.0*t2 - 16.0*x[i]*t1
	}
	g[n-1] = 8.0 * t1
	return f
}

func rosenbrockProblem(n int) (Problem, []float64) {
	x := make([]float64, n)
	bounds := make([]Bound, n)
	for i := 0; i < n; i++ {
		if (i+1)%2 == 1 {
			bounds[i] = Bound{Lower: 1, Upper: 100}
		} else {
			bounds[i] = Bound{Lower: -100, Upper: 100}
		}
		x[i] = 3.0
	}
	return Problem{
		N: n, M: 5,
		Eval:   rosenbrock,
		Bounds: bounds,
		Stop: Termination{
			EpsAccuracyFactor: 1e7,
			ProjGradTolerance: 1e-5,
		},
	}, x
}

func TestBasic(t *testing.T) {

	K := []float64{1., 0.3, 0.5}
	F := blas64.General{Rows: 5, Cols: 3, Stride: 3, Data: []float64{
		1, 1, 1,
		1, 1, 0,
		1, 0, 1,
		1, 0, 0,
		1, 0, 0,
	}}

	eval := func(x []float64, g []float64) (f float64) {
		Fx := blas64.Vector{N: 5, Inc: 1, Data: make([]float64, 5)}
		blas64.Gemv(blas.NoTrans, 1, F, blas64.Vector{N: 3, Inc: 1, Data: x}, 0, Fx)
		logZ := floats.LogSumExp(Fx.Data)
		f = logZ - floats.Dot(K, x)
		for i, v := range Fx.Data {
			Fx.Data[i] = math.Exp(v - logZ)
		}
		blas64.Gemv(blas.Trans, 1, F, Fx, 0, blas64.Vector{N: 3, Inc: 1, Data: g})
		floats.Sub(g, K)
		return
	}

	p := Problem{
		N: 3, M: 5,
		Eval: eval,
		Stop: Termination{
			MaxIterations:     10,
			MaxComputations:   10,
			MaxEvaluations:    10,
			EpsAccuracyFactor: 1e7,
			ProjGradTolerance: 1e-5,
		},
	}
	s, err := p.New(verbose(t))
	test.That(t, err, test.ShouldBeNil)

	r := s.Fit([]float64{0, 0, 0}, s.Init())
	test.That(t, r.OK, test.ShouldBeTrue)
	test.That(t, r.F, test.ShouldAlmostEqual, 1.559132167348348, 1e-8)
	test.That(t, r.NumIter, test.ShouldBeLessThanOrEqualTo, 5)
	test.That(t, r.NumEval, test.ShouldBeLessThanOrEqualTo, 7)
}

func TestRosenbrock(t *testing.T) {
	p, x := rosenbrockProblem(25)
	p.Stop.MaxIterations = 50
	p.Stop.MaxEvaluations = 100

	s, err := p.New(verbose(t))
	test.That(t, err, test.ShouldBeNil)
	r := s.Fit(x, s.Init())

	test.That(t, r.OK, test.ShouldBeTrue)
	test.That(t, r.Status.Converged(), test.ShouldBeTrue)
	test.That(t, r.F, test.ShouldBeLessThan, 1e-8)
	test.That(t, r.NumIter, test.ShouldBeLessThanOrEqualTo, 30)
	test.That(t, r.NumEval, test.ShouldBeLessThanOrEqualTo, 40)
	for i, b := range p.Bounds {
		test.That(t, r.X[i], test.ShouldBeBetweenOrEqual, b.Lower, b.Upper)
	}
	test.That(t, x, test.ShouldResemble, slices.Repeat([]float64{3}, 25))
}

// Case Sources : https://github.com/scipy/scipy/blob/main/scipy/optimize/tests/test_slsqp.py (test_bounds_clipping)
func TestBoundClip(t *testing.T) {

	eval := func(x []float64, g []float64) (f float64) {
		g[0] = 2*x[0] - 2
		return (x[0] - 1) * (x[0] - 1)
	}

	tests := []struct {
		init    float64
		bnd     Bound
		desired float64
	}{
		{10, Bound{Lower: math.NaN(), Upper: 0}, 0},
		{-10, Bound{Lower: 2, Upper: math.NaN()}, 2},
		{-10, Bound{Lower: math.Inf(-1), Upper: 0}, 0},
		{10, Bound{Lower: 2, Upper: math.Inf(1)}, 2},
		{-0.5, Bound{Lower: -1, Upper: 0}, 0},
		{10, Bound{Lower: -1, Upper: 0}, 0},
	}

	for _, tt := range tests {
		p := Problem{
			N: 1, M: 5,
			Eval:   eval,
			Bounds: []Bound{tt.bnd},
			Stop: Termination{
				MaxIterations:     50,
				MaxEvaluations:    100,
				EpsAccuracyFactor: 1e7,
				ProjGradTolerance: 1e-5,
			},
		}
		s, err := p.New(verbose(t))
		test.That(t, err, test.ShouldBeNil)

		r := s.Fit([]float64{tt.init}, s.Init())
		test.That(t, r.OK, test.ShouldBeTrue)
		test.That(t, r.X[0], test.ShouldAlmostEqual, tt.desired, 1e-12)
	}
}

func TestProblemValidation(t *testing.T) {
	good := func() Problem {
		return Problem{N: 2, M: 3, Stop: Termination{EpsAccuracyFactor: 1e1, ProjGradTolerance: 1e-5}}
	}
	for _, tc := range []struct {
		name string
		edit func(*Problem)
	}{
		{"zero dimension", func(p *Problem) { p.N = 0 }},
		{"zero corrections", func(p *Problem) { p.M = 0 }},
		{"negative factr", func(p *Problem) { p.Stop.EpsAccuracyFactor = -1 }},
		{"nan pgtol", func(p *Problem) { p.Stop.ProjGradTolerance = math.NaN() }},
		{"bounds length", func(p *Problem) { p.Bounds = []Bound{{Lower: 0, Upper: 1}} }},
		{"empty box", func(p *Problem) { p.Bounds = []Bound{{Lower: 0, Upper: 1}, {Lower: 2, Upper: 1}} }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := good()
			tc.edit(&p)
			o, err := p.New(nil)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, o, test.ShouldBeNil)
		})
	}

	p := good()
	p.Bounds = []Bound{{Lower: 0, Upper: 1}, {Lower: math.NaN(), Upper: math.NaN()}}
	_, err := p.New(nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Bounds[0].hint, test.ShouldEqual, bndNo)
}

// TestIterateProtocol drives the optimizer by hand and checks the task sequence.
func TestIterateProtocol(t *testing.T) {
	p, x := rosenbrockProblem(8)
	p.Eval = nil
	s, err := p.New(nil)
	test.That(t, err, test.ShouldBeNil)

	w := s.Init()
	loc := Location{X: x, G: make([]float64, len(x))}

	task := s.Iterate(&loc, w)
	test.That(t, task, test.ShouldEqual, TaskFG)
	test.That(t, w.Task(), test.ShouldEqual, TaskFG)

	numFG, numNewX := 0, 0
	for !task.Terminal() {
		switch {
		case task.IsFG():
			numFG++
			loc.F = rosenbrock(loc.X, loc.G)
		case task.IsNewX():
			test.That(t, numFG, test.ShouldBeGreaterThan, numNewX)
			numNewX++
		default:
			t.Fatalf("unexpected task %v", task)
		}
		task = s.Iterate(&loc, w)
	}

	test.That(t, task.Converged(), test.ShouldBeTrue)
	sum := w.Summary()
	test.That(t, sum.Status, test.ShouldEqual, task)
	test.That(t, sum.NumEval, test.ShouldEqual, numFG)
	test.That(t, sum.NumIter, test.ShouldEqual, numNewX+1)

	// a finished run keeps reporting its terminal task
	final := slices.Clone(loc.X)
	test.That(t, s.Iterate(&loc, w), test.ShouldEqual, task)
	test.That(t, loc.X, test.ShouldResemble, final)
	test.That(t, s.Stop(&loc, w), test.ShouldEqual, task)
}

func TestStopRestoresIterate(t *testing.T) {
	p, x := rosenbrockProblem(6)
	s, err := p.New(nil)
	test.That(t, err, test.ShouldBeNil)
	w := s.Init()
	loc := Location{X: x, G: make([]float64, len(x))}

	task := s.Iterate(&loc, w)
	for !task.IsNewX() {
		test.That(t, task, test.ShouldEqual, TaskFG)
		loc.F = rosenbrock(loc.X, loc.G)
		task = s.Iterate(&loc, w)
	}
	accepted := Location{X: slices.Clone(loc.X), G: slices.Clone(loc.G), F: loc.F}

	// the next call moves x to an unevaluated trial step
	test.That(t, s.Iterate(&loc, w), test.ShouldEqual, TaskFG)
	test.That(t, loc.X, test.ShouldNotResemble, accepted.X)

	test.That(t, s.Stop(&loc, w), test.ShouldEqual, StopRequested)
	test.That(t, loc.X, test.ShouldResemble, accepted.X)
	test.That(t, loc.G, test.ShouldResemble, accepted.G)
	test.That(t, loc.F, test.ShouldEqual, accepted.F)
	test.That(t, s.Iterate(&loc, w), test.ShouldEqual, StopRequested)
	test.That(t, StopRequested.Terminal(), test.ShouldBeTrue)
	test.That(t, StopRequested.Converged(), test.ShouldBeFalse)
}

func TestWorkspaceReuse(t *testing.T) {
	big, xBig := rosenbrockProblem(25)
	small, xSmall := rosenbrockProblem(3)
	small.M = 2

	sb, err := big.New(nil)
	test.That(t, err, test.ShouldBeNil)
	ss, err := small.New(nil)
	test.That(t, err, test.ShouldBeNil)

	fresh := sb.Fit(xBig, sb.Init())

	w := ss.Init()
	first := ss.Fit(xSmall, w)
	w.Resize(25, 5)
	reused := sb.Fit(xBig, w)
	w.Resize(3, 2)
	again := ss.Fit(xSmall, w)

	test.That(t, reused.X, test.ShouldResemble, fresh.X)
	test.That(t, reused.F, test.ShouldEqual, fresh.F)
	test.That(t, reused.NumIter, test.ShouldEqual, fresh.NumIter)
	test.That(t, again.X, test.ShouldResemble, first.X)
	test.That(t, again.NumEval, test.ShouldEqual, first.NumEval)

	test.That(t, func() { sb.Fit(xBig, w) }, test.ShouldPanic)
}

func TestIterationLimit(t *testing.T) {
	p, x := rosenbrockProblem(25)
	p.Stop.MaxIterations = 3
	s, err := p.New(nil)
	test.That(t, err, test.ShouldBeNil)

	r := s.Fit(x, s.Init())
	test.That(t, r.OK, test.ShouldBeFalse)
	test.That(t, r.Status, test.ShouldEqual, OverIterLimit)
	test.That(t, r.NumIter, test.ShouldEqual, 3)
	test.That(t, r.Status.String(), test.ShouldContainSubstring, "ITERATIONS")
}

func TestEvaluationLimit(t *testing.T) {
	p, x := rosenbrockProblem(25)
	p.Stop.MaxEvaluations = 5
	s, err := p.New(nil)
	test.That(t, err, test.ShouldBeNil)

	r := s.Fit(x, s.Init())
	test.That(t, r.Status, test.ShouldEqual, OverEvalLimit)
	test.That(t, r.NumEval, test.ShouldBeGreaterThanOrEqualTo, 5)
}

func TestNotFinite(t *testing.T) {
	p := Problem{N: 2, M: 3, Eval: func(x, g []float64) float64 { return math.NaN() }}
	s, err := p.New(nil)
	test.That(t, err, test.ShouldBeNil)

	r := s.Fit([]float64{1, 1}, s.Init())
	test.That(t, r.Status, test.ShouldEqual, ErrorNotFinite)
	test.That(t, r.NumEval, test.ShouldEqual, 1)
	test.That(t, r.Status.Terminal(), test.ShouldBeTrue)
}

func TestEvalPanic(t *testing.T) {
	calls := 0
	p := Problem{N: 2, M: 3, Eval: func(x, g []float64) float64 {
		if calls++; calls > 2 {
			panic("objective exploded")
		}
		g[0], g[1] = 2*x[0], 2*x[1]
		return x[0]*x[0] + x[1]*x[1]
	}}
	s, err := p.New(nil)
	test.That(t, err, test.ShouldBeNil)

	var r *Result
	test.That(t, func() { r = s.Fit([]float64{3, -4}, s.Init()) }, test.ShouldNotPanic)
	if r.Status.Converged() {
		// a quadratic may converge before the third evaluation
		return
	}
	test.That(t, r.Status, test.ShouldEqual, HaltEvalPanic)
	test.That(t, math.IsNaN(r.F), test.ShouldBeFalse)
}

// TestAgainstReference compares the unconstrained solution with gonum's L-BFGS.
func TestAgainstReference(t *testing.T) {
	var fn functions.ExtendedRosenbrock
	x0 := []float64{-1.2, 1}

	want, err := optimize.Minimize(optimize.Problem{Func: fn.Func, Grad: fn.Grad}, x0, nil, &optimize.LBFGS{})
	test.That(t, err, test.ShouldBeNil)

	p := Problem{
		N: 2, M: 5,
		Eval: func(x, g []float64) float64 {
			fn.Grad(g, x)
			return fn.Func(x)
		},
		Stop: Termination{EpsAccuracyFactor: 1e1, ProjGradTolerance: 1e-6},
	}
	s, err := p.New(nil)
	test.That(t, err, test.ShouldBeNil)
	got := s.Fit(x0, s.Init())

	test.That(t, got.OK, test.ShouldBeTrue)
	test.That(t, floats.EqualApprox(got.X, want.X, 1e-3), test.ShouldBeTrue)
	test.That(t, got.F, test.ShouldAlmostEqual, want.F, 1e-8)
}

func TestTaskString(t *testing.T) {
	test.That(t, TaskFG.String(), test.ShouldEqual, "FG")
	test.That(t, TaskNewX.String(), test.ShouldEqual, "NEW_X")
	test.That(t, ConvGradProgNorm.String(), test.ShouldStartWith, "CONVERGENCE")
	test.That(t, AbnormalSearch.String(), test.ShouldStartWith, "ABNORMAL")
	test.That(t, Task(3).String(), test.ShouldEqual, "Task(3)")

	for _, task := range []Task{TaskFG, TaskNewX, TaskStart} {
		test.That(t, task.Terminal(), test.ShouldBeFalse)
	}
	for _, task := range []Task{ConvGradProgNorm, ConvEnoughAccuracy, OverEvalLimit, AbnormalSearch, ErrorNotFinite} {
		test.That(t, task.Terminal(), test.ShouldBeTrue)
	}
}
