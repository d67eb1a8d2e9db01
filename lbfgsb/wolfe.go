// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/optimize"
)

// SearchTask is the reverse-communication code of a scalar line search.
type SearchTask int

const (
	SearchStart SearchTask = 0
	SearchConv  SearchTask = 1 << (4 + iota) // both Wolfe conditions hold
	SearchFG                                 // caller must evaluate φ and φ′ at the returned step
	SearchError                              // invalid input, the search did not start
	SearchWarn                               // stopped with sufficient decrease only
)

const (
	SearchErrOverLower = SearchError | (1 + iota)
	SearchErrOverUpper
	SearchErrNegInitG
	SearchErrAlpha
	SearchErrBeta
	SearchErrEps
	SearchErrLower
	SearchErrUpper
	SearchWarnNoProgress = SearchWarn | (1 + iota)
	SearchWarnReachMax
	SearchWarnReachMin
)

var searchNames = map[SearchTask]string{
	SearchStart:          "START",
	SearchConv:           "CONVERGENCE",
	SearchFG:             "FG",
	SearchErrOverLower:   "ERROR: STP < STPMIN",
	SearchErrOverUpper:   "ERROR: STP > STPMAX",
	SearchErrNegInitG:    "ERROR: INITIAL G >= ZERO",
	SearchErrAlpha:       "ERROR: FTOL NOT IN [0, 1)",
	SearchErrBeta:        "ERROR: GTOL NOT IN (0, 1)",
	SearchErrEps:         "ERROR: XTOL <= ZERO",
	SearchErrLower:       "ERROR: STPMIN < ZERO",
	SearchErrUpper:       "ERROR: STPMAX <= STPMIN",
	SearchWarnNoProgress: "WARNING: ROUNDING ERRORS OR XTOL PREVENT PROGRESS",
	SearchWarnReachMax:   "WARNING: STP = STPMAX",
	SearchWarnReachMin:   "WARNING: STP = STPMIN",
}

func (t SearchTask) String() string {
	if s, found := searchNames[t]; found {
		return s
	}
	return "UNKNOWN"
}

// SearchTol configures a scalar line search.
type SearchTol struct {
	// Alpha is the sufficient decrease tolerance, in [0, 1).
	Alpha float64
	// Beta is the curvature tolerance, in (0, 1).
	Beta float64
	// Eps is the positive relative width below which the bracketing interval stops shrinking.
	Eps float64
	// Lower and Upper bound the step, 0 ≤ Lower < Upper.
	Lower, Upper float64
}

func (tol *SearchTol) check(stp, g float64) SearchTask {
	switch {
	case stp < tol.Lower || stp <= 0:
		return SearchErrOverLower
	case stp > tol.Upper:
		return SearchErrOverUpper
	case g >= zero:
		return SearchErrNegInitG
	case !(tol.Alpha >= 0 && tol.Alpha < 1):
		return SearchErrAlpha
	case !(tol.Beta > 0 && tol.Beta < 1):
		return SearchErrBeta
	case !(tol.Eps > 0):
		return SearchErrEps
	case tol.Lower < zero:
		return SearchErrLower
	case tol.Upper <= tol.Lower:
		return SearchErrUpper
	}
	return SearchStart
}

// SearchCtx holds the bracketing state of one line search between calls.
type SearchCtx struct {
	mt optimize.MoreThuente
}

// ScalarSearch finds a step λ along a descent direction that satisfies
//   - sufficient decrease condition: φ(λ) ≤ φ(0) + ɑλφ′(0)
//   - curvature condition: |φ′(λ)| ≤ β|φ′(0)|
//
// using the More-Thuente safeguarded cubic interpolation of gonum.
//
// Start with task = SearchStart, f = φ(0), g = φ′(0) and a positive trial step.
// While the returned task is SearchFG, evaluate φ and φ′ at the returned step and call again
// with the returned task. Any other task ends the search; on SearchWarn the returned step
// satisfies the sufficient decrease condition only.
func ScalarSearch(f, g, stp float64, task SearchTask, tol *SearchTol, ctx *SearchCtx) (float64, SearchTask) {

	if task == SearchStart {
		if task = tol.check(stp, g); task != SearchStart {
			return stp, task
		}
		ctx.mt = optimize.MoreThuente{
			DecreaseFactor:  tol.Alpha,
			CurvatureFactor: tol.Beta,
			StepTolerance:   tol.Eps,
			MinimumStep:     tol.Lower,
			MaximumStep:     tol.Upper,
		}
		ctx.mt.Init(f, g, stp)
		return stp, SearchFG
	}

	op, next, err := ctx.mt.Iterate(f, g)
	switch {
	case errors.Is(err, optimize.ErrLinesearcherBound):
		return next, SearchWarnReachMax
	case err != nil && next == tol.Lower:
		return next, SearchWarnReachMin
	case err != nil:
		return next, SearchWarnNoProgress
	case op == optimize.MajorIteration:
		return next, SearchConv
	}
	return next, SearchFG
}
