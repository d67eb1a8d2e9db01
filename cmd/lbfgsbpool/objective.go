// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"slices"

	"github.com/pkg/errors"
)

// objective is a test function with its analytic gradient.
type objective struct {
	value func(x []float64) float64
	grad  func(x, g []float64) float64
}

var objectives = map[string]objective{
	"rosenbrock": {value: rosenbrockValue, grad: rosenbrockGrad},
	"sphere":     {value: sphereValue, grad: sphereGrad},
	"styblinski": {value: styblinskiValue, grad: styblinskiGrad},
}

func lookupObjective(name string) (objective, error) {
	if obj, ok := objectives[name]; ok {
		return obj, nil
	}
	names := make([]string, 0, len(objectives))
	for k := range objectives {
		names = append(names, k)
	}
	slices.Sort(names)
	return objective{}, errors.Errorf("unknown function %q, want one of %v", name, names)
}

// rosenbrockValue is the extended Rosenbrock function over consecutive pairs.
// A trailing odd variable does not contribute.
func rosenbrockValue(x []float64) (f float64) {
	for i := 0; i+1 < len(x); i += 2 {
		a, b := 1-x[i], x[i+1]-x[i]*x[i]
		f += a*a + 100*b*b
	}
	return
}

func rosenbrockGrad(x, g []float64) float64 {
	clear(g)
	for i := 0; i+1 < len(x); i += 2 {
		b := x[i+1] - x[i]*x[i]
		g[i] = -2*(1-x[i]) - 400*x[i]*b
		g[i+1] = 200 * b
	}
	return rosenbrockValue(x)
}

// sphereValue is Σ (xᵢ - 3)².
func sphereValue(x []float64) (f float64) {
	for _, v := range x {
		f += (v - 3) * (v - 3)
	}
	return
}

func sphereGrad(x, g []float64) float64 {
	for i, v := range x {
		g[i] = 2 * (v - 3)
	}
	return sphereValue(x)
}

// styblinskiValue is the Styblinski-Tang function ½ Σ (xᵢ⁴ - 16xᵢ² + 5xᵢ).
func styblinskiValue(x []float64) (f float64) {
	for _, v := range x {
		f += v*v*v*v - 16*v*v + 5*v
	}
	return f / 2
}

func styblinskiGrad(x, g []float64) float64 {
	for i, v := range x {
		g[i] = (4*v*v*v - 32*v + 5) / 2
	}
	return styblinskiValue(x)
}

// startPoint repeats pattern over n variables.
func startPoint(pattern []float64, n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = pattern[i%len(pattern)]
	}
	return x
}
