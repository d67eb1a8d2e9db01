// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"math"

	"github.com/curioloop/lbfgsbpool/pool"
	"github.com/spf13/pflag"
)

// problemFlags describe the test problem shared by solve and stress.
type problemFlags struct {
	function string
	n        int
	x0       []float64
	lower    float64
	upper    float64
	params   pool.Params
}

func (f *problemFlags) register(fs *pflag.FlagSet) {
	def := pool.DefaultParams()
	fs.StringVar(&f.function, "func", "rosenbrock", "Objective: rosenbrock, sphere, styblinski")
	fs.IntVar(&f.n, "n", 2, "Problem dimension")
	fs.Float64SliceVar(&f.x0, "x0", []float64{-1.2, 1}, "Start point pattern, repeated over n variables")
	fs.Float64Var(&f.lower, "lower", math.NaN(), "Lower bound for every variable (NaN for none)")
	fs.Float64Var(&f.upper, "upper", math.NaN(), "Upper bound for every variable (NaN for none)")
	fs.IntVar(&f.params.M, "m", def.M, "Number of correction pairs")
	fs.Float64Var(&f.params.Factr, "factr", def.Factr, "Relative reduction tolerance in units of machine epsilon")
	fs.Float64Var(&f.params.Pgtol, "pgtol", def.Pgtol, "Projected gradient tolerance")
	fs.IntVar(&f.params.IPrint, "iprint", def.IPrint, "Solver trace level, negative is silent")
	fs.IntVar(&f.params.MaxIterations, "max-iter", 0, "Iteration cap, 0 for none")
	fs.IntVar(&f.params.MaxEvaluations, "max-eval", 0, "Evaluation cap, 0 for none")
}

// bounds returns nil when neither side is set.
func (f *problemFlags) bounds() []pool.Bound {
	b := pool.Bound{Lower: f.lower, Upper: f.upper}
	if kind, _, _ := pool.Encode(b); kind == pool.Unbounded {
		return nil
	}
	bounds := make([]pool.Bound, f.n)
	for i := range bounds {
		bounds[i] = b
	}
	return bounds
}
