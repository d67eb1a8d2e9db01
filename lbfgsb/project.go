// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import (
	"math"

	"go.uber.org/zap"
)

func (b Bound) lower() bool { return b.hint == bndLow || b.hint == bndBoth }

func (b Bound) upper() bool { return b.hint == bndUp || b.hint == bndBoth }

// clamp projects v onto the bound and reports whether the result sits on an active side.
func (b Bound) clamp(v float64) (_ float64, at bool) {
	if b.lower() && v <= b.Lower {
		return b.Lower, true
	}
	if b.upper() && v >= b.Upper {
		return b.Upper, true
	}
	return v, false
}

// stepTo returns the largest t ≤ limit such that x + t·d stays inside the bound.
// It is zero when x already sits on the side d points to.
func (b Bound) stepTo(x, d, limit float64) float64 {
	switch {
	case d < zero && b.lower():
		if span := b.Lower - x; span >= zero {
			return zero
		} else if d*limit < span {
			return span / d
		}
	case d > zero && b.upper():
		if span := b.Upper - x; span <= zero {
			return zero
		} else if d*limit > span {
			return span / d
		}
	}
	return limit
}

// projGradNorm (projgr) computes ‖ 𝚙𝚛𝚘𝚓 g ‖∞ where
//
//	𝚙𝚛𝚘𝚓 gᵢ = 𝚖𝚊𝚡(xᵢ - uᵢ, gᵢ) if gᵢ < 0
//	𝚙𝚛𝚘𝚓 gᵢ = 𝚖𝚒𝚗(xᵢ - lᵢ, gᵢ) if gᵢ ≥ 0
func projGradNorm(loc *Location, spec *iterSpec) float64 {

	n, b, g, x := spec.n, spec.bounds, loc.G, loc.X
	if n < 0 || n > len(b) || n > len(g) || n > len(x) {
		panic("bound check error")
	}

	norm := zero
	for i, b := range b[:n] {
		gi := g[i]
		switch {
		case gi < zero && b.upper():
			gi = math.Max(x[i]-b.Upper, gi)
		case gi >= zero && b.lower():
			gi = math.Min(x[i]-b.Lower, gi)
		}
		norm = math.Max(norm, math.Abs(gi))
	}
	return norm
}

// projInitActive (active) projects the starting point into the box and classifies
// every variable in ctx.where.
func projInitActive(loc *Location, spec *iterSpec, ctx *iterCtx) {

	numBnd := 0
	projected, constrained, boxed := false, false, true

	n, b, x, where := spec.n, spec.bounds, loc.X, ctx.where
	if n < 0 || n > len(b) || n > len(x) || n > len(where) {
		panic("bound check error")
	}

	for i, b := range b[:n] {
		if v, at := b.clamp(x[i]); at {
			projected = projected || v != x[i]
			x[i] = v
			numBnd++
		}
	}

	for i, b := range b[:n] {
		boxed = boxed && b.hint == bndBoth
		switch {
		case b.hint == bndNo:
			where[i] = varUnbound
		case b.hint == bndBoth && b.Upper-b.Lower <= zero:
			constrained = true
			where[i] = varFixed
		default:
			constrained = true
			where[i] = varFree
		}
	}

	if log := spec.logger; log.enable(LogLast) {
		if projected {
			log.log("initial x is infeasible, restart with its projection")
		}
		if !constrained {
			log.log("problem is unconstrained")
		}
		if log.enable(LogEval) {
			log.log("variables exactly at the bounds", zap.Int("count", numBnd))
		}
	}

	ctx.projInitX = projected
	ctx.constrained = constrained
	ctx.boxed = boxed
}
