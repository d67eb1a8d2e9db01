// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import (
	"math"
)

const (
	searchNoBnd = 1.0e+10
	searchAlpha = 1.0e-3
	searchBeta  = 0.9
	searchEps   = 0.1
)

const (
	searchBackExit = 20
	searchBackSlow = 10
)

// performLineSearch (lnsrlb) feeds f and gᵀdₖ at the current trial point to ScalarSearch and
// places the next trial point xₖ + λdₖ in loc.X. The accepted λ satisfies
//   - sufficient decrease: f(xₖ + λdₖ) ≤ f(xₖ) + ɑλgₖᵀdₖ
//   - curvature: |g(xₖ + λdₖ)ᵀdₖ| ≤ β|gₖᵀdₖ|
//
// done is set once the search stops, successfully or not.
func performLineSearch(loc *Location, spec *iterSpec, ctx *iterCtx) (info errInfo, done bool) {

	n := spec.n
	x, f, g := loc.X, loc.F, loc.G
	d, t, z := ctx.d, ctx.t, ctx.z

	if n < 0 || n > len(x) || n > len(d) || n > len(t) {
		panic("bound check error")
	}

	ctx.gd = ddot(n, g, 1, d, 1)
	if ctx.numEval == 0 {
		ctx.gdOld = ctx.gd
		if ctx.gd >= zero {
			return errDerivative, false
		}
	}

	ctx.stp, ctx.task = ScalarSearch(f, ctx.gd, ctx.stp, ctx.task, &ctx.searchWork.tol, &ctx.searchWork.ctx)
	done = ctx.task&(SearchConv|SearchWarn|SearchError) > 0

	switch {
	case ctx.task&SearchError > 0:
		info = errLineSearchTol
	case done:
	case ctx.stp == one:
		dcopy(n, z, 1, x, 1)
	default:
		dcopy(n, t, 1, x, 1)
		daxpy(n, ctx.stp, d, 1, x, 1)
	}
	return
}

// initLineSearch bounds the step so that xₖ + λdₖ stays inside the box and picks the first trial step.
func initLineSearch(loc *Location, spec *iterSpec, ctx *iterCtx) {

	x := loc.X
	d := ctx.d
	b := spec.bounds

	if len(b) > len(d) || len(b) > len(x) {
		panic("bound check error")
	}

	ctx.dSqrt = ddot(spec.n, d, 1, d, 1) // d²
	ctx.dNorm = math.Sqrt(ctx.dSqrt)     // ‖ d ‖₂

	stepMax := searchNoBnd
	if ctx.constrained {
		if ctx.iter == 0 {
			stepMax = one
		} else {
			for i, b := range b {
				stepMax = b.stepTo(x[i], d[i], stepMax)
			}
		}
	}

	tol := SearchTol{Alpha: searchAlpha, Beta: searchBeta, Eps: searchEps}
	if s := spec.search; s != nil {
		tol.Alpha, tol.Beta, tol.Eps = s.Alpha, s.Beta, s.Eps
	}
	tol.Lower, tol.Upper = zero, stepMax
	ctx.searchWork.tol = tol

	if ctx.iter == 0 && !ctx.boxed {
		ctx.stp = math.Min(one/ctx.dNorm, stepMax)
	} else {
		ctx.stp = one
	}

	ctx.numEval = 0
	ctx.numBack = 0
	ctx.task = SearchStart
}
