// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import (
	"container/heap"
	"math"

	"go.uber.org/zap"
)

// breakpoints is a min-heap over t[:n] whose entries carry their variable index in order[:n].
// Pop moves the smallest breakpoint to t[n-1] and shrinks the heap by one.
type breakpoints struct {
	n     int
	t     []float64
	order []int
}

func (h *breakpoints) Len() int           { return h.n }
func (h *breakpoints) Less(i, j int) bool { return h.t[i] < h.t[j] }
func (h *breakpoints) Swap(i, j int) {
	h.t[i], h.t[j] = h.t[j], h.t[i]
	h.order[i], h.order[j] = h.order[j], h.order[i]
}
func (h *breakpoints) Push(any) { panic("breakpoints are never pushed") }
func (h *breakpoints) Pop() any { h.n--; return nil }

// addRow accumulates dst += a·[ Yᵢ Sᵢ ] over the stored corrections of variable i.
func (c *iterCtx) addRow(dst []float64, a float64, i, m int) {
	for j := 0; j < c.col; j++ {
		ptr := c.column(j, m)
		dst[j] += a * c.wy[i*m+ptr]
		dst[c.col+j] += a * c.ws[i*m+ptr]
	}
}

// loadRow sets dst = [ Yᵢ θSᵢ ], the row of W belonging to variable i.
func (c *iterCtx) loadRow(dst []float64, i, m int, theta float64) {
	for j := 0; j < c.col; j++ {
		ptr := c.column(j, m)
		dst[j] = c.wy[i*m+ptr]
		dst[c.col+j] = theta * c.ws[i*m+ptr]
	}
}

// status classifies a bounded variable that is not fixed, given -gᵢ.
// A variable on a bound whose steepest descent leaves the box is held there.
func (b Bound) status(x, negG float64) int {
	switch {
	case b.lower() && x-b.Lower <= zero:
		if negG <= zero {
			return varAtLB
		}
	case b.upper() && b.Upper-x <= zero:
		if negG >= zero {
			return varAtUB
		}
	case negG == zero:
		return varNotMove
	}
	return varFree
}

// cauchyPath describes the projected steepest descent path proj(xₖ - tgₖ).
type cauchyPath struct {
	f1      float64 // f′ = gᵀd
	nFree   int     // order[nFree:n] never reach a bound
	nBreak  int     // order[:nBreak] reach a bound at t[:nBreak]
	bkMin   float64 // smallest breakpoint
	idxMin  int     // position of bkMin in t
	bounded bool    // every moving variable has a breakpoint
}

// steepestPath sets where, the Cauchy direction d and the breakpoints
//
//	tᵢ = (xᵢ - uᵢ)/gᵢ  if gᵢ < 0
//	tᵢ = (xᵢ - lᵢ)/gᵢ  if gᵢ > 0
//
// and accumulates p = Wᵀd = [ Yᵀd θSᵀd ] into ctx.wa[:2m].
func steepestPath(loc *Location, spec *iterSpec, ctx *iterCtx) (path cauchyPath) {

	n, m := spec.n, spec.m
	col := ctx.col
	x, g, b := loc.X, loc.G, spec.bounds
	t, d := ctx.t, ctx.d
	where, order := ctx.where, ctx.index[1]
	p := ctx.wa[:2*m]

	if n > len(x) || n > len(g) || n > len(b) || n > len(d) || n > len(where) || n > len(order) {
		panic("bound check error")
	}

	clear(p[:2*col])
	path.nFree, path.bounded = n, true

	for i := 0; i < n; i++ {
		negG, bnd := -g[i], b[i]
		if where[i] != varFixed && where[i] != varUnbound {
			where[i] = bnd.status(x[i], negG)
		}
		if where[i] != varFree && where[i] != varUnbound {
			d[i] = zero
			continue
		}

		d[i] = negG
		path.f1 -= negG * negG
		ctx.addRow(p, negG, i, m)

		var bk float64
		switch {
		case negG < zero && bnd.lower():
			bk = (x[i] - bnd.Lower) / -negG
		case negG > zero && bnd.upper():
			bk = (bnd.Upper - x[i]) / negG
		default:
			path.nFree--
			order[path.nFree] = i
			if negG != zero {
				path.bounded = false
			}
			continue
		}
		order[path.nBreak], t[path.nBreak] = i, bk
		if path.nBreak == 0 || bk < path.bkMin {
			path.bkMin, path.idxMin = bk, path.nBreak
		}
		path.nBreak++
	}

	if ctx.theta != one {
		dscal(col, ctx.theta, p[col:2*col], 1)
	}
	return
}

// cauchy computes the generalized Cauchy point xᶜ, the first local minimizer of the quadratic model
//
//	mₖ(x) = fₖ + gₖᵀ(x-xₖ) + ½(x-xₖ)ᵀBₖ(x-xₖ)
//
// along the projected steepest descent path proj(xₖ - tgₖ). The path is walked one
// breakpoint at a time in increasing order, keeping c = Wᵀ(xᶜ - xₖ) for the subspace step.
func cauchy(loc *Location, spec *iterSpec, ctx *iterCtx) (info errInfo) {

	log := spec.logger
	n, m := spec.n, spec.m
	x, b := loc.X, spec.bounds
	xcp := ctx.z

	if ctx.sbgNrm <= zero {
		if log.enable(LogLast) {
			log.log("subgnorm = 0, GCP = X")
		}
		dcopy(n, x, 1, xcp, 1)
		return
	}

	theta := ctx.theta
	col, col2 := ctx.col, 2*ctx.col
	if col2 > 2*m {
		panic("bound check error")
	}

	t, d, where, order := ctx.t, ctx.d, ctx.where, ctx.index[1]
	p := ctx.wa[:2*m]      // Wᵀd
	c := ctx.wa[2*m : 4*m] // Wᵀ(xᶜ - x)
	w := ctx.wa[4*m : 6*m] // row of W at the breakpoint
	v := ctx.wa[6*m:]      // scratch for bmv

	path := steepestPath(loc, spec, ctx)
	nBreak, nFree := path.nBreak, path.nFree
	f1 := path.f1

	dcopy(n, x, 1, xcp, 1)
	if nBreak == 0 && nFree == n {
		if log.enable(LogVerbose) {
			log.log("cauchy point", zap.Float64s("x", xcp))
		}
		return
	}

	clear(c[:col2])

	// f″ = -θf′ - pᵀMp
	f2 := -theta * f1
	orgF2 := f2
	if col > 0 {
		if info = bmv(spec, ctx, p, v); info != ok {
			return
		}
		f2 -= ddot(col2, v, 1, p, 1)
	}

	deltaMin := -f1 / f2 // Δtmin = -f′/f″
	deltaSum := zero
	ctx.seg = 1

	if log.enable(LogTrace) {
		log.log("cauchy breakpoints", zap.Int("count", nBreak))
	}

	bp := breakpoints{t: t, order: order}
	found := nBreak == 0
	nLeft := nBreak
	for iter := 1; nLeft > 0; iter++ {
		var tIdx int
		var tVal, tOld float64
		switch iter {
		case 1:
			// the smallest breakpoint is known, the heap is built only if a second one is needed
			tVal, tIdx = path.bkMin, order[path.idxMin]
		case 2:
			if last := nBreak - 1; path.idxMin != last {
				bp.Swap(path.idxMin, last)
			}
			bp.n = nLeft
			heap.Init(&bp)
			fallthrough
		default:
			heap.Pop(&bp)
			tOld, tVal, tIdx = t[nLeft], t[nLeft-1], order[nLeft-1]
		}

		tDelta := tVal - tOld
		if tDelta != zero && log.enable(LogChange) {
			log.log("cauchy piece",
				zap.Int("piece", ctx.seg), zap.Float64("f1", f1), zap.Float64("f2", f2),
				zap.Float64("breakpoint", tDelta), zap.Float64("stationary", deltaMin))
		}

		// the minimizer lies inside this segment
		if deltaMin < tDelta {
			found = true
			break
		}

		deltaSum += tDelta
		nLeft--

		if tIdx < 0 || tIdx >= n {
			panic("bound check error")
		}

		// fix the variable at the bound it reached
		dBreak := d[tIdx]
		d2Break := dBreak * dBreak
		d[tIdx] = zero
		if dBreak > zero {
			xcp[tIdx], where[tIdx] = b[tIdx].Upper, varAtUB
		} else {
			xcp[tIdx], where[tIdx] = b[tIdx].Lower, varAtLB
		}
		zBreak := xcp[tIdx] - x[tIdx]

		if log.enable(LogChange) {
			log.log("variable fixed", zap.Int("var", tIdx+1))
		}

		if nLeft == 0 && nBreak == n {
			deltaMin = tDelta
			break
		}

		ctx.seg++

		// f′ += f″Δtᵢ + gᵢ² + θgᵢzᵢ - gᵢwᵢᵀMc
		// f″ -= θgᵢ² + 2gᵢwᵢᵀMp + gᵢ²wᵢᵀMwᵢ
		f1 += f2*tDelta + d2Break - theta*dBreak*zBreak
		f2 -= theta * d2Break

		if col > 0 {
			daxpy(col2, tDelta, p, 1, c, 1)
			ctx.loadRow(w, tIdx, m, theta)
			if info = bmv(spec, ctx, w, v); info != ok {
				return
			}
			wmc := ddot(col2, c, 1, v, 1)
			wmp := ddot(col2, p, 1, v, 1)
			wmw := ddot(col2, w, 1, v, 1)

			daxpy(col2, -dBreak, w, 1, p, 1)

			f1 += dBreak * wmc
			f2 += 2.0*dBreak*wmp - d2Break*wmw
		}

		f2 = math.Max(spec.epsilon*orgF2, f2)
		deltaMin = -f1 / f2
		if nLeft == 0 && path.bounded {
			f1, f2, deltaMin = zero, zero, zero
		}
	}

	if nLeft == 0 || found {
		if log.enable(LogTrace) {
			log.log("GCP found in this segment",
				zap.Int("piece", ctx.seg), zap.Float64("f1", f1), zap.Float64("f2", f2),
				zap.Float64("stationary", deltaMin))
		}
		// variables that have not reached a breakpoint move by the accumulated step
		deltaMin = math.Max(deltaMin, 0)
		deltaSum += deltaMin
		daxpy(n, deltaSum, d, 1, xcp, 1)
	}

	// c = Wᵀ(xᶜ - x), reused by reduceGradient
	if col > 0 {
		daxpy(col2, deltaMin, p, 1, c, 1)
	}

	if log.enable(LogVerbose) {
		log.log("cauchy point", zap.Float64s("x", xcp))
	}
	return
}

// Subroutine bmv
//
// Given 2m vector v = [ v₁ v₂ ]ᵀ, calculate matrix product p = Mv with 2m × 2m middle matrix:
//
//			M =［ -D    Lᵀ ]⁻¹
//			    [ L   θSᵀS ]
//
//	 1. Calculate upper triangular matrix Jᵀ by applying Cholesky factorization to
//	    symmetric positive define matrix
//
//	      (θSᵀS+LD⁻¹Lᵀ) = JJᵀ
//
//	 2. Reorder the blocks to get M⁻¹ = (AB)⁻¹ = B⁻¹A⁻¹
//
//	     [ -D    Lᵀ ]  = ［ D¹ᐟ²     O ] [ -D¹ᐟ² D⁻¹ᐟ²Lᵀ ]
//	     [ L   θSᵀS ]     [ -LD⁻¹ᐟ²  J ] [  O    Jᵀ     ]
//
//	 3. Calculate p = Bv by solving B⁻¹p = v
//
//	     [ D¹ᐟ²     O ] [ p₁ ] = [ v₁ ]
//	     [ -LD⁻¹ᐟ²  J ] [ p₂ ]   [ v₂ ]
//
//	 4. Calculate p = ABv = Mv by solving A⁻¹p = Bv
//
//	     [ -D¹ᐟ² D⁻¹ᐟ²Lᵀ ] [ p₁ ] = [ p₁ ]
//	     [  O    Jᵀ     ] [ p₂ ]   [ p₂ ]
func bmv(spec *iterSpec, ctx *iterCtx, v, p []float64) (info errInfo) {

	m := spec.m
	col := ctx.col
	if col == 0 {
		return
	}

	sy := ctx.sy // SᵀY (m × m)
	wt := ctx.wt // JJᵀ (m × m)
	// matrices D and L could calculate from SᵀY
	//   D = proj { sᵀy }ᵢ₌₁,...,ₙ
	// Lᵢⱼ = { sᵀy₍ᵢⱼ₎ }ᵢ,ⱼ₌ₖ₋ₘ,...,ₖ₋₁ (i > j)

	v1, v2 := v[:col], v[col:2*col]
	p1, p2 := p[:col], p[col:2*col]

	// PART I: Solve  [ D¹ᐟ²     O ] [ p₁ ] = [ v₁ ]
	//                [ -LD⁻¹ᐟ²  J ] [ p₂ ]   [ v₂ ]

	//          D¹ᐟ²p₁ = v₁  ⇒   p₁ = D⁻¹ᐟ²v₁
	// -LD⁻¹ᐟ²p₁ + Jp₂ = v₂  ⇒   p₂ = J⁻¹(v₂ + LD⁻¹v₁)

	// Calculate v₂ + LD⁻¹v₁
	p2[0] = v2[0]
	for i := 1; i < col; i++ {
		// Calculate (LD⁻¹v₁)ᵢ = ∑(Lᵢⱼ * v₁ⱼ / Dⱼⱼ)
		var sum float64
		for j := 0; j < i; j++ {
			sum += sy[i*m+j] * v1[j] / sy[j*m+j]
		}
		// Calculate v₂ᵢ + (LD⁻¹v₁)ᵢ
		p2[i] = v2[i] + sum
	}

	// Calculate p₂ by solving triangular system Jp₂ = v₂ + LD⁻¹v₁
	if dtrsl(wt, m, col, p2, 1, solveUpperT) != 0 {
		return errSingularTriangular
	}

	// Solve p₁ = D⁻¹ᐟ²v₁
	for i := 0; i < col; i++ {
		p1[i] = v1[i] / math.Sqrt(sy[i*m+i])
	}

	// PART II: Solve  [ -D¹ᐟ² D⁻¹ᐟ²Lᵀ ] [ p₁ ] = [ ṗ₁ ]
	//                 [  O    Jᵀ     ] [ p₂ ]   [ ṗ₂ ]

	//               Jᵀp₂ = ṗ₂  ⇒   p₂ = J⁻ᵀṗ₂
	// -D¹ᐟ²p₁ + D⁻¹ᐟ²Lᵀp₂ = ṗ₁  ⇒   p₁ = -D⁻¹ᐟ²(ṗ₁ - D⁻¹ᐟ²Lᵀp₂)

	// Calculate p₂ by solving Jᵀp₂ = ṗ₂
	if dtrsl(wt, m, col, p2, 1, solveUpperN) != 0 {
		return errSingularTriangular
	}

	// Calculate p₁ = -D⁻¹ᐟ²(ṗ₁ - D⁻¹ᐟ²Lᵀp₂)
	//              = -D⁻¹ᐟ²ṗ₁ + D⁻¹Lᵀp₂
	for i := 0; i < col; i++ {
		p1[i] /= -math.Sqrt(sy[i*m+i]) // -D⁻¹ᐟ²ṗ₁
	}
	for i := 0; i < col; i++ {
		// Calculate (D⁻¹Lᵀp₂)ᵢ = ∑(Lⱼᵢ * p₂ⱼ / Dⱼⱼ)
		var sum float64
		for j := i + 1; j < col; j++ {
			sum += sy[j*m+i] * p2[j] / sy[i*m+i]
		}
		// Calculate p₁ᵢ = (D⁻¹ᐟ²ṗ₁)ᵢ + (D⁻¹Lᵀp₂)ᵢ
		p1[i] += sum
	}

	return
}

// Subroutine freeVar (freev)
//
// This subroutine counts the entering and leaving variables when iter > 0,
// and finds the index set of free and active variables at the GCP.
func freeVar(spec *iterSpec, ctx *iterCtx) bool {

	log := spec.logger

	n := spec.n
	// index[0] gives the free variables based on the determination in cauchy using the array where.
	//	index[:free] are the indices of free variables
	//	index[free:] are the indices of bounds variables
	index := ctx.index[0]
	// index[1] indicates which variables have changed status since the previous iteration.
	//	state[:enter] have changed from bounds to free.
	//	state[leave:] have changed from free to bounds.
	state := ctx.index[1]
	where := ctx.where

	enter, leave := 0, n
	if ctx.iter > 0 && ctx.constrained {
		// Count the entering and leaving variables.
		for _, k := range index[:ctx.free] {
			if where[k] > varFree {
				leave--
				state[leave] = k
				if log.enable(LogChange) {
					log.log("variable leaves the free set", zap.Int("var", k+1))
				}
			}
		}
		for _, k := range index[ctx.free:n] {
			if where[k] <= varFree {
				state[enter] = k
				enter++
				if log.enable(LogChange) {
					log.log("variable enters the free set", zap.Int("var", k+1))
				}
			}
		}
		if log.enable(LogTrace) {
			log.log("free set changed", zap.Int("leave", n-leave), zap.Int("enter", enter))
		}
	}
	ctx.enter = enter
	ctx.leave = leave

	// Find the index set of free and active variables at the GCP.
	free, act := 0, n
	for i := 0; i < n; i++ {
		if where[i] <= varFree {
			index[free] = i
			free++
		} else {
			act--
			index[act] = i
		}
	}
	ctx.free = free
	ctx.active = n - free

	if log.enable(LogTrace) {
		log.log("free variables at GCP", zap.Int("free", ctx.free), zap.Int("iter", ctx.iter+1))
	}

	return (leave < n) || (enter > 0) || ctx.updated
}
