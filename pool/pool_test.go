// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"math"
	"testing"

	"github.com/curioloop/lbfgsbpool/lbfgsb"
	"github.com/curioloop/lbfgsbpool/numdiff"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"
	"golang.org/x/sync/errgroup"
)

var errBoom = errors.New("boom")

// quadratic is f(x) = (x-3)².
func quadratic(x, g []float64) (float64, error) {
	d := x[0] - 3
	g[0] = 2 * d
	return d * d, nil
}

func rosenbrockValue(x []float64) (f float64) {
	for i := 0; i+1 < len(x); i += 2 {
		a, b := 1-x[i], x[i+1]-x[i]*x[i]
		f += a*a + 100*b*b
	}
	return
}

func rosenbrock(x, g []float64) float64 {
	for i := 0; i+1 < len(x); i += 2 {
		b := x[i+1] - x[i]*x[i]
		g[i] = -2*(1-x[i]) - 400*x[i]*b
		g[i+1] = 200 * b
	}
	return rosenbrockValue(x)
}

func rosenbrockProblem() *Problem {
	p := NewProblem([]float64{-1.2, 1, -1.2, 1}, Infallible(rosenbrock))
	p.SetBounds([]Bound{Between(-2, 2), AtMost(2), AtLeast(-2), Free()})
	return p
}

// blocking holds its instance on the first evaluation until release is closed.
func blocking(started chan<- struct{}, release <-chan struct{}) Evaluator {
	first := true
	return func(x, g []float64) (float64, error) {
		if first {
			first = false
			started <- struct{}{}
			<-release
		}
		return quadratic(x, g)
	}
}

// occupy starts n runs that keep their instances busy until the returned function is called.
func occupy(t *testing.T, p *Pool, n int) (finish func() []*Result) {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	results := make([]*Result, n)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() (err error) {
			prob := NewProblem([]float64{0}, blocking(started, release))
			results[i], err = p.Run(context.Background(), prob, DefaultParams())
			return
		})
	}
	for i := 0; i < n; i++ {
		<-started
	}
	return func() []*Result {
		close(release)
		test.That(t, g.Wait(), test.ShouldBeNil)
		return results
	}
}

func TestMutualExclusion(t *testing.T) {
	const size = 4
	p := New(size, WithName("exclusive"))

	finish := occupy(t, p, size)
	test.That(t, p.Busy(), test.ShouldEqual, size)

	calls := 0
	res, err := p.Run(context.Background(), NewProblem([]float64{0}, func(x, g []float64) (float64, error) {
		calls++
		return quadratic(x, g)
	}), DefaultParams())
	test.That(t, res, test.ShouldBeNil)
	test.That(t, err, test.ShouldWrap, ErrSaturated)
	test.That(t, IsSaturated(err), test.ShouldBeTrue)
	test.That(t, calls, test.ShouldEqual, 0)

	var se *SaturatedError
	test.That(t, errors.As(err, &se), test.ShouldBeTrue)
	test.That(t, se.Size, test.ShouldEqual, size)
	test.That(t, err.Error(), test.ShouldEqual, "pool exclusive: all 4 optimizer instances are busy")

	slots := map[int]bool{}
	for _, res := range finish() {
		test.That(t, res.Converged(), test.ShouldBeTrue)
		test.That(t, slots[res.Slot], test.ShouldBeFalse)
		slots[res.Slot] = true
	}
	test.That(t, slots, test.ShouldHaveLength, size)
	test.That(t, p.Stats(), test.ShouldResemble, Stats{Size: size, Served: size, Rejected: 1, Converged: size})
}

func TestSlotReuse(t *testing.T) {
	const size = 4
	p := New(size)
	ctx := context.Background()

	small := DefaultParams()
	small.M = 3

	// a standalone instance gives the reference answer for each shape
	ref := NewInstance(nil)
	want4, err := ref.Advance(ctx, rosenbrockProblem(), DefaultParams())
	test.That(t, err, test.ShouldBeNil)
	want1, err := ref.Advance(ctx, NewProblem([]float64{0}, quadratic), small)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, want4.Converged(), test.ShouldBeTrue)
	for _, v := range want4.X {
		test.That(t, v, test.ShouldAlmostEqual, 1.0, 1e-4)
	}

	for i := 0; i < 200; i++ {
		prob, want, params := rosenbrockProblem(), want4, DefaultParams()
		if i%3 == 1 {
			prob, want, params = NewProblem([]float64{0}, quadratic), want1, small
		}
		res, err := p.Run(ctx, prob, params)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Slot, test.ShouldEqual, i%size)
		test.That(t, res.X, test.ShouldResemble, want.X)
		test.That(t, res.F, test.ShouldEqual, want.F)
		test.That(t, res.Task, test.ShouldEqual, want.Task)
		test.That(t, res.Iterations, test.ShouldEqual, want.Iterations)
		test.That(t, res.Evaluations, test.ShouldEqual, want.Evaluations)
		test.That(t, prob.X, test.ShouldResemble, res.X)
	}
	test.That(t, p.Stats().Served, test.ShouldEqual, 200)
	test.That(t, p.Busy(), test.ShouldEqual, 0)
}

func TestEvaluatorFailure(t *testing.T) {
	const size = 3
	p := New(size)

	calls := 0
	prob := NewProblem([]float64{0}, func(x, g []float64) (float64, error) {
		calls++
		return 0, errBoom
	})
	res, err := p.Run(context.Background(), prob, DefaultParams())
	test.That(t, err, test.ShouldEqual, errBoom)
	test.That(t, res, test.ShouldBeNil)
	test.That(t, calls, test.ShouldEqual, 1)

	// a later failure stops the run right away as well
	calls = 0
	prob = NewProblem([]float64{0}, func(x, g []float64) (float64, error) {
		if calls++; calls == 3 {
			return 0, errBoom
		}
		return quadratic(x, g)
	})
	_, err = p.Run(context.Background(), prob, DefaultParams())
	test.That(t, err, test.ShouldEqual, errBoom)
	test.That(t, calls, test.ShouldEqual, 3)

	// every instance is free again
	test.That(t, p.Busy(), test.ShouldEqual, 0)
	for _, res := range occupy(t, p, size)() {
		test.That(t, res.Converged(), test.ShouldBeTrue)
	}
	test.That(t, p.Stats(), test.ShouldResemble, Stats{Size: size, Served: size, Failed: 2, Converged: size})
}

func TestEvaluatorPanic(t *testing.T) {
	p := New(1)

	_, err := p.Run(context.Background(), NewProblem([]float64{0}, func(x, g []float64) (float64, error) {
		panic("kaboom")
	}), DefaultParams())
	var pe *EvalPanicError
	test.That(t, errors.As(err, &pe), test.ShouldBeTrue)
	test.That(t, pe.Value, test.ShouldEqual, "kaboom")
	test.That(t, pe.Stack, test.ShouldNotBeEmpty)
	test.That(t, err.Error(), test.ShouldContainSubstring, "kaboom")
	test.That(t, IsSaturated(err), test.ShouldBeFalse)

	_, err = p.Run(context.Background(), NewProblem([]float64{0}, func(x, g []float64) (float64, error) {
		panic(errBoom)
	}), DefaultParams())
	test.That(t, err, test.ShouldWrap, errBoom)

	// the single instance survived both panics
	res, err := p.Run(context.Background(), NewProblem([]float64{0}, quadratic), DefaultParams())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Converged(), test.ShouldBeTrue)
}

func TestConvergence(t *testing.T) {
	p := New(2)
	prob := NewProblem([]float64{0}, quadratic)
	res, err := p.Run(context.Background(), prob, DefaultParams())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Converged(), test.ShouldBeTrue)
	test.That(t, prob.X[0], test.ShouldAlmostEqual, 3.0, 1e-4)
	test.That(t, math.Abs(prob.G[0]), test.ShouldBeLessThanOrEqualTo, DefaultParams().Pgtol)
	test.That(t, prob.F, test.ShouldEqual, res.F)
	test.That(t, res.X, test.ShouldResemble, prob.X)
	test.That(t, res.RunID.String(), test.ShouldNotBeEmpty)
}

func TestBounded(t *testing.T) {
	p := New(2)
	x, err := p.Minimize(context.Background(), []float64{0}, []Bound{AtMost(1)}, quadratic, DefaultParams())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, x[0], test.ShouldAlmostEqual, 1.0, 1e-9)

	x, err = p.Minimize(context.Background(), []float64{0}, []Bound{Between(4, 6)}, quadratic, DefaultParams())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, x[0], test.ShouldAlmostEqual, 4.0, 1e-9)
}

func TestDefaultPool(t *testing.T) {
	test.That(t, Default(), test.ShouldEqual, Default())
	test.That(t, Default().Size(), test.ShouldEqual, DefaultSize)

	x, err := Minimize(context.Background(), []float64{0}, nil, quadratic, DefaultParams())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, x[0], test.ShouldAlmostEqual, 3.0, 1e-4)

	res, err := Run(context.Background(), rosenbrockProblem(), DefaultParams())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Converged(), test.ShouldBeTrue)
}

func TestContextCancel(t *testing.T) {
	p := New(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	prob := NewProblem([]float64{0.5}, func(x, g []float64) (float64, error) {
		calls++
		return quadratic(x, g)
	})
	_, err := p.Run(ctx, prob, DefaultParams())
	test.That(t, err, test.ShouldEqual, context.Canceled)
	test.That(t, calls, test.ShouldEqual, 0)
	test.That(t, prob.X, test.ShouldResemble, []float64{0.5})

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	calls = 0
	prob = NewProblem([]float64{-1.2, 1, -1.2, 1}, func(x, g []float64) (float64, error) {
		if calls++; calls == 4 {
			cancel()
		}
		return rosenbrock(x, g), nil
	})
	_, err = p.Run(ctx, prob, DefaultParams())
	test.That(t, err, test.ShouldEqual, context.Canceled)
	test.That(t, calls, test.ShouldEqual, 4)
	// the point is an accepted iterate, so it cannot be worse than the start
	test.That(t, rosenbrockValue(prob.X), test.ShouldBeLessThanOrEqualTo, rosenbrockValue([]float64{-1.2, 1, -1.2, 1}))
	test.That(t, p.Busy(), test.ShouldEqual, 0)
}

func TestRunLimits(t *testing.T) {
	p := New(1)

	params := DefaultParams()
	params.MaxIterations = 2
	res, err := p.Run(context.Background(), rosenbrockProblem(), params)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Task, test.ShouldEqual, lbfgsb.OverIterLimit)
	test.That(t, res.Iterations, test.ShouldEqual, 2)
	test.That(t, res.Converged(), test.ShouldBeFalse)

	params = DefaultParams()
	params.MaxEvaluations = 3
	res, err = p.Run(context.Background(), rosenbrockProblem(), params)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Task, test.ShouldEqual, lbfgsb.OverEvalLimit)
	test.That(t, res.Evaluations, test.ShouldBeGreaterThanOrEqualTo, 3)

	test.That(t, p.Stats(), test.ShouldResemble, Stats{Size: 1, Served: 2})
}

func TestInvalidInput(t *testing.T) {
	p := New(1)
	ctx := context.Background()

	err := Params{M: 0, Factr: -1, Pgtol: math.NaN(), MaxEvaluations: -1}.Validate()
	test.That(t, len(multierr.Errors(err)), test.ShouldEqual, 4)
	test.That(t, DefaultParams().Validate(), test.ShouldBeNil)

	calls := 0
	eval := func(x, g []float64) (float64, error) {
		calls++
		return quadratic(x, g)
	}

	_, err = p.Run(ctx, NewProblem([]float64{0}, eval), Params{M: 0})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldStartWith, "invalid parameters")

	prob := NewProblem([]float64{0}, eval)
	prob.SetBounds([]Bound{Between(5, 2)})
	_, err = p.Run(ctx, prob, DefaultParams())
	test.That(t, err.Error(), test.ShouldStartWith, "invalid problem")
	test.That(t, err.Error(), test.ShouldContainSubstring, "bound 0 is empty")

	prob = NewProblem([]float64{0}, eval)
	prob.Kinds[0], prob.Lower[0] = LowerOnly, math.Inf(1)
	_, err = p.Run(ctx, prob, DefaultParams())
	test.That(t, err.Error(), test.ShouldContainSubstring, "lower bound 0 is not finite")

	_, err = p.Run(ctx, NewProblem(nil, eval), DefaultParams())
	test.That(t, err.Error(), test.ShouldContainSubstring, "no variables")

	_, err = p.Run(ctx, NewProblem([]float64{0}, nil), DefaultParams())
	test.That(t, err.Error(), test.ShouldContainSubstring, "evaluator is required")

	test.That(t, calls, test.ShouldEqual, 0)
	test.That(t, p.Stats(), test.ShouldResemble, Stats{Size: 1, Failed: 5})
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	p := New(1, WithLogger(zap.New(core)), WithName("observed"))

	finish := occupy(t, p, 1)
	_, err := p.Run(context.Background(), NewProblem([]float64{0}, quadratic), DefaultParams())
	test.That(t, IsSaturated(err), test.ShouldBeTrue)
	finish()

	busy := logs.FilterMessage("all instances busy").All()
	test.That(t, busy, test.ShouldHaveLength, 1)
	test.That(t, busy[0].ContextMap()["pool"], test.ShouldEqual, "observed")
	test.That(t, logs.FilterMessage("instance acquired").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("instance released").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("run finished").Len(), test.ShouldEqual, 1)

	params := DefaultParams()
	params.IPrint = 0
	_, err = p.Run(context.Background(), NewProblem([]float64{0}, func(x, g []float64) (float64, error) {
		return 0, errBoom
	}), params)
	test.That(t, err, test.ShouldEqual, errBoom)
	test.That(t, logs.FilterMessage("evaluator failed").FilterField(zap.Error(errBoom)).Len(), test.ShouldEqual, 1)

	_, err = p.Run(context.Background(), NewProblem([]float64{0}, quadratic), params)
	test.That(t, err, test.ShouldBeNil)
	trace := logs.Filter(func(e observer.LoggedEntry) bool { return e.LoggerName == "lbfgsb" })
	test.That(t, trace.Len(), test.ShouldBeGreaterThan, 0)
	test.That(t, trace.All()[0].ContextMap(), test.ShouldContainKey, "run")
}

func TestNumericEvaluator(t *testing.T) {
	p := New(2)
	ctx := context.Background()

	bounds := []Bound{Between(-2, 2), Between(-2, 2)}
	x, err := p.Minimize(ctx, []float64{-1.2, 1}, bounds, NumericEvaluator(rosenbrockValue, numdiff.Central, bounds), DefaultParams())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, x[0], test.ShouldAlmostEqual, 1.0, 1e-3)
	test.That(t, x[1], test.ShouldAlmostEqual, 1.0, 1e-3)

	// with x₀ ≥ 1.5 the optimum sits on the bound at (1.5, 2.25)
	bounds = []Bound{AtLeast(1.5), Free()}
	x, err = p.Minimize(ctx, []float64{2, 0}, bounds, NumericEvaluator(rosenbrockValue, numdiff.Forward, bounds), DefaultParams())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, x[0], test.ShouldAlmostEqual, 1.5, 1e-6)
	test.That(t, x[1], test.ShouldAlmostEqual, 2.25, 1e-3)
}
