// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package numdiff

import (
	"math"
	"slices"

	"github.com/pkg/errors"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
var cubeEps = math.Cbrt(math.Nextafter(1, 2) - 1)

type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use central difference in interior points and the second order accuracy
	// forward or backward difference near the boundary.
	Central
)

func (m Method) String() string {
	switch m {
	case Forward:
		return "forward"
	case Central:
		return "central"
	}
	return "unknown"
}

// ParseMethod maps "forward" or "central" to a Method.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "forward", "2-point":
		return Forward, nil
	case "central", "3-point":
		return Central, nil
	}
	return 0, errors.Errorf("unknown difference method %q", s)
}

// Bound limits the range of function evaluation along one variable.
// A NaN or infinite side is open.
type Bound struct {
	Lower, Upper float64
}

func (b Bound) limits() (lb, ub float64) {
	lb, ub = b.Lower, b.Upper
	if math.IsNaN(lb) {
		lb = math.Inf(-1)
	}
	if math.IsNaN(ub) {
		ub = math.Inf(1)
	}
	return
}

// Spec estimates the gradient of a scalar function by finite differences.
// A Spec holds no state between calls, so Gradient may run concurrently when Object allows it.
//
// # Reference:
//
//   - https://en.wikipedia.org/wiki/Finite_difference
//   - https://github.com/scipy/scipy/blob/main/scipy/optimize/_numdiff.py
//
// # License
//
//   - https://github.com/scipy/scipy/blob/main/LICENSE.txt
type Spec struct {
	N int
	// Function of which to estimate the gradient.
	// The argument x passed to this function is an n-vector.
	Object func(x []float64) float64
	// Finite difference method to use.
	Method Method
	// Lower and upper bounds on independent variables.
	// Use it to limit the range of function evaluation.
	Bounds []Bound
	// Relative step size used to compute absolute step size.
	// The default absolute step size is computed as h = RelStep * sign(x0) * max(1, abs(x0)) with RelStep being selected automatically.
	// Otherwise, absolute step size is computed as h = RelStep * sign(x0) * abs(x0) when RelStep is provided.
	RelStep float64
	// Absolute step size to use, possibly adjusted to fit into the bounds.
	// The RelStep is used when AbsStep is not provide.
	// For Central method the sign of AbsStep is ignored.
	AbsStep float64
	// Don't check if x0 is out of bounds.
	NotChkBnd bool
}

// Check validates the parameters against the point x0 and the gradient buffer g.
func (s *Spec) Check(x0, g []float64) error {
	switch {
	case s.N <= 0:
		return errors.New("dimension must be positive")
	case s.Method != Forward && s.Method != Central:
		return errors.Errorf("unknown method %d", int(s.Method))
	case s.Object == nil:
		return errors.New("object function is required")
	case s.N != len(x0):
		return errors.Errorf("x0 has %d elements, want %d", len(x0), s.N)
	case s.N != len(g):
		return errors.Errorf("gradient has %d elements, want %d", len(g), s.N)
	}

	if s.Bounds == nil {
		return nil
	}
	if len(s.Bounds) != s.N {
		return errors.Errorf("bounds has %d elements, want %d", len(s.Bounds), s.N)
	}
	for i, b := range s.Bounds {
		lb, ub := b.limits()
		if lb > ub {
			return errors.Errorf("bound %d is empty: [%g, %g]", i, lb, ub)
		}
		if !s.NotChkBnd && (x0[i] < lb || x0[i] > ub) {
			return errors.Errorf("x0[%d] = %g violates bound [%g, %g]", i, x0[i], lb, ub)
		}
	}
	return nil
}

// Gradient fills g with the finite difference gradient at x0 and returns f(x0).
// x0 is not modified.
func (s *Spec) Gradient(x0, g []float64) (f float64, err error) {

	if err = s.Check(x0, g); err != nil {
		return
	}

	fun := s.Object
	x := slices.Clone(x0)
	f = fun(x)

	for i, v := range x0 {
		h, oneSide := s.adjustToBounds(i, v, s.absoluteStep(v))
		switch {
		case s.Method == Forward:
			x[i] = v + h
			g[i] = (fun(x) - f) / h
		case oneSide:
			x[i] = v + h
			f1 := fun(x)
			x[i] = v + 2*h
			f2 := fun(x)
			g[i] = (4*f1 - 3*f - f2) / (2 * h)
		default:
			x[i] = v - h
			f1 := fun(x)
			x[i] = v + h
			f2 := fun(x)
			g[i] = (f2 - f1) / (2 * h)
		}
		x[i] = v
	}
	return
}

func (s *Spec) absoluteStep(v float64) float64 {
	var eps float64
	switch s.Method {
	case Forward:
		eps = sqrtEps
	case Central:
		eps = cubeEps
	default:
		panic("unknown method")
	}

	abs, rel := s.AbsStep, s.RelStep
	if abs == 0 && rel == 0 {
		return math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
	}

	h := abs
	if h == 0 {
		h = math.Copysign(rel, v) * math.Abs(v)
	}
	if (v+h)-v == 0 {
		h = math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
	}
	return h
}

// adjustToBounds shrinks or flips the step h at x0 so every evaluation stays inside the bound of variable i.
// oneSide reports that Central must use the one-sided second order formula.
func (s *Spec) adjustToBounds(i int, x0, h float64) (_ float64, oneSide bool) {

	if s.Method == Central {
		h = math.Abs(h)
	}
	if s.Bounds == nil {
		return h, false
	}

	lb, ub := s.Bounds[i].limits()
	ld, ud := x0-lb, ub-x0

	if s.Method == Forward {
		x := x0 + h
		violated := x < lb || x > ub
		fitting := math.Abs(h) < math.Max(ld, ud)
		if violated && fitting {
			h = -h
		} else if !fitting {
			if ud >= ld {
				h = ud
			} else {
				h = -ld
			}
		}
		return h, false
	}

	central := ld >= h && ud >= h
	if !central {
		if ud >= ld {
			h = math.Min(h, 0.5*ud)
		} else {
			h = -math.Min(h, 0.5*ld)
		}
		oneSide = true
	}
	minDist := math.Min(ud, ld)
	if !central && math.Abs(h) <= minDist {
		h = minDist
		oneSide = false
	}
	return h, oneSide
}
