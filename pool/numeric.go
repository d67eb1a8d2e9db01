// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

import (
	"github.com/curioloop/lbfgsbpool/numdiff"
)

// NumericEvaluator builds an evaluator whose gradient is estimated by finite differences.
// Steps stay inside bounds when bounds is not nil.
func NumericEvaluator(obj func(x []float64) float64, method numdiff.Method, bounds []Bound) Evaluator {
	var nb []numdiff.Bound
	if bounds != nil {
		nb = make([]numdiff.Bound, len(bounds))
		for i, b := range bounds {
			nb[i] = numdiff.Bound{Lower: b.Lower, Upper: b.Upper}
		}
	}
	return func(x, g []float64) (float64, error) {
		spec := numdiff.Spec{N: len(x), Object: obj, Method: method, Bounds: nb}
		return spec.Gradient(x, g)
	}
}
