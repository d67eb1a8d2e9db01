// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

import (
	"math"

	"github.com/curioloop/lbfgsbpool/lbfgsb"
	"github.com/pkg/errors"
)

// Evaluator computes the objective at x and writes its gradient into g.
// A non-nil error aborts the run and is returned to the caller unchanged.
type Evaluator func(x, g []float64) (f float64, err error)

// Infallible adapts an objective that never fails.
func Infallible(fn func(x, g []float64) float64) Evaluator {
	return func(x, g []float64) (float64, error) {
		return fn(x, g), nil
	}
}

// Problem holds the buffers exchanged with an optimizer during one run.
// X, G and F are updated in place; a problem must not be run by two callers at once.
type Problem struct {
	X, G  []float64
	F     float64
	Lower []float64
	Upper []float64
	Kinds []BoundKind
	Eval  Evaluator
}

// NewProblem copies x0 into a new problem whose variables are all unbounded.
func NewProblem(x0 []float64, eval Evaluator) *Problem {
	p := &Problem{Eval: eval}
	p.Reset(len(x0))
	copy(p.X, x0)
	return p
}

func resize[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	s = s[:n]
	clear(s)
	return s
}

// Reset resizes every buffer to n and zeroes it, keeping allocated capacity.
func (p *Problem) Reset(n int) {
	p.X = resize(p.X, n)
	p.G = resize(p.G, n)
	p.Lower = resize(p.Lower, n)
	p.Upper = resize(p.Upper, n)
	p.Kinds = resize(p.Kinds, n)
	p.F = 0
}

// Len returns the problem dimension.
func (p *Problem) Len() int { return len(p.X) }

func (p *Problem) check() error {
	n := p.Len()
	switch {
	case n == 0:
		return errors.New("problem has no variables")
	case p.Eval == nil:
		return errors.New("evaluator is required")
	case len(p.G) != n, len(p.Lower) != n, len(p.Upper) != n, len(p.Kinds) != n:
		return errors.Errorf("buffers do not match dimension %d", n)
	}
	for i, k := range p.Kinds {
		l, u := p.Lower[i], p.Upper[i]
		switch k {
		case Unbounded:
		case LowerOnly:
			if math.IsNaN(l) || math.IsInf(l, 0) {
				return errors.Errorf("lower bound %d is not finite: %g", i, l)
			}
		case UpperOnly:
			if math.IsNaN(u) || math.IsInf(u, 0) {
				return errors.Errorf("upper bound %d is not finite: %g", i, u)
			}
		case BothBounded:
			if math.IsNaN(l) || math.IsInf(l, 0) || math.IsNaN(u) || math.IsInf(u, 0) {
				return errors.Errorf("bound %d is not finite: [%g, %g]", i, l, u)
			}
			if l > u {
				return errors.Errorf("bound %d is empty: [%g, %g]", i, l, u)
			}
		default:
			return errors.Errorf("bound %d has unknown kind %d", i, int(k))
		}
	}
	return nil
}

// encode writes the optimizer form of the stored bounds into dst.
func (p *Problem) encode(dst []lbfgsb.Bound) []lbfgsb.Bound {
	dst = resize(dst, p.Len())
	for i := range dst {
		b := p.Bound(i)
		dst[i] = lbfgsb.Bound{Lower: b.Lower, Upper: b.Upper}
	}
	return dst
}
