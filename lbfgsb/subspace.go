// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

const (
	solutionUnknown   = -1
	solutionWithinBox = 0
	solutionBeyondBox = 1
)

// column returns the storage column of the j-th oldest correction pair.
func (c *iterCtx) column(j, m int) int {
	return (c.head + j) % m
}

// gatherDot computes Σᵢ w[k·m+ptr]·d[i] over the free variables k = free[i].
func gatherDot(w []float64, m, ptr int, free []int, d []float64) (s float64) {
	for i, k := range free {
		s += w[k*m+ptr] * d[i]
	}
	return
}

// scatterAxpy computes d[i] += a·w[k·m+ptr] over the free variables k = free[i].
func scatterAxpy(a float64, w []float64, m, ptr int, free []int, d []float64) {
	for i, k := range free {
		d[i] += a * w[k*m+ptr]
	}
}

// optimalDirection (subsm) minimizes the quadratic model
//
//	m߮ₖ(d߮) ≡ d߮ᵀr߮ᶜ + ½d߮ᵀB߮ₖd߮
//
// over the free variables at the Cauchy point. The Newton step d߮ᵘ = -B߮ₖ⁻¹r߮ᶜ is taken from
// xᶜ and projected onto the box. When the projected step is not a descent direction
// from xₖ it is truncated instead: d߮⁎ = ɑ⁎ × d߮ᵘ.
//
// On exit ctx.z holds the subspace minimizer x̂.
func optimalDirection(loc *Location, spec *iterSpec, ctx *iterCtx) (info errInfo) {

	if ctx.free <= 0 {
		return
	}
	if info = newtonDirection(spec, ctx); info != ok {
		return
	}

	n, x, xp := spec.n, ctx.z, ctx.xp
	if n > len(x) || n > len(xp) || n > len(loc.X) || n > len(loc.G) {
		panic("bound check error")
	}
	dcopy(n, x, 1, xp, 1)

	if !projectNewton(spec, ctx) {
		ctx.word = solutionWithinBox
		return
	}
	ctx.word = solutionBeyondBox

	// sign of (x̂ - xₖ)ᵀgₖ
	sgn := zero
	for i, g := range loc.G[:n] {
		sgn += (x[i] - loc.X[i]) * g
	}
	if sgn <= zero {
		return
	}

	copy(x[:n], xp[:n])
	if log := spec.logger; log.enable(LogLast) {
		log.log("positive dir derivative in projection, using the backtracking step")
	}
	truncateNewton(spec, ctx)
	return
}

// newtonDirection overwrites the reduced gradient r߮ᶜ in ctx.r with the Newton direction
//
//	d߮ᵘ = (1/θ)r߮ᶜ + (1/θ²)ZᵀWK⁻¹WᵀZr߮ᶜ
//
// where K = LELᵀ is the factor formed by formK and stored in ctx.wn, so K⁻¹v = L⁻ᵀE⁻¹L⁻¹v.
func newtonDirection(spec *iterSpec, ctx *iterCtx) errInfo {

	m, col, free := spec.m, ctx.col, ctx.free
	theta := ctx.theta
	inx := ctx.index[0][:free]
	ws, wy := ctx.ws, ctx.wy // W = [ Y θS ]
	d := ctx.r[:free]
	v := ctx.wa[:2*m]

	if col < 0 || 2*col > len(v) {
		panic("bound check error")
	}

	// v = WᵀZr߮ᶜ
	for j := 0; j < col; j++ {
		ptr := ctx.column(j, m)
		v[j] = gatherDot(wy, m, ptr, inx, d)
		v[col+j] = theta * gatherDot(ws, m, ptr, inx, d)
	}

	// L⁻¹v, with Lᵀ kept in the upper triangle of wn
	if dtrsl(ctx.wn, 2*m, 2*col, v, 1, solveUpperT) != 0 {
		return errSingularTriangular
	}
	// E⁻¹ = diag(-I, I)
	dscal(col, -one, v, 1)
	// L⁻ᵀ(E⁻¹L⁻¹v)
	if dtrsl(ctx.wn, 2*m, 2*col, v, 1, solveUpperN) != 0 {
		return errSingularTriangular
	}

	// r߮ᶜ + (1/θ)ZᵀWK⁻¹v, then scale by 1/θ
	for j := 0; j < col; j++ {
		ptr := ctx.column(j, m)
		scatterAxpy(v[j]/theta, wy, m, ptr, inx, d)
		scatterAxpy(v[col+j], ws, m, ptr, inx, d)
	}
	dscal(free, one/theta, d, 1)
	return ok
}

// projectNewton sets x̂ = 𝚙𝚛𝚘𝚓(xᶜ + d߮ᵘ) on the free variables and reports
// whether any of them landed on a bound.
func projectNewton(spec *iterSpec, ctx *iterCtx) (projected bool) {
	x, d, b := ctx.z, ctx.r, spec.bounds
	for i, k := range ctx.index[0][:ctx.free] {
		v, at := b[k].clamp(x[k] + d[i])
		x[k] = v
		projected = projected || at
	}
	return
}

// truncateNewton moves from xᶜ along the largest feasible fraction of the Newton step
//
//	ɑ⁎ = 𝚖𝚊𝚡 { ɑ : ɑ ≤ 1, lᵢ - xᶜᵢ ≤ ɑ × d߮ᵘᵢ ≤ uᵢ - xᶜᵢ (i ∈ 𝓕) }
//
// and pins the variable that limits ɑ⁎ to its bound.
func truncateNewton(spec *iterSpec, ctx *iterCtx) {

	x, d, b := ctx.z, ctx.r, spec.bounds
	inx := ctx.index[0][:ctx.free]

	alpha, ibd := one, 0
	for i, k := range inx {
		if stp := b[k].stepTo(x[k], d[i], alpha); stp < alpha {
			alpha, ibd = stp, i
		}
	}

	if alpha < one {
		k := inx[ibd]
		switch {
		case d[ibd] > zero:
			x[k], d[ibd] = b[k].Upper, zero
		case d[ibd] < zero:
			x[k], d[ibd] = b[k].Lower, zero
		}
	}

	for i, k := range inx {
		x[k] += alpha * d[i]
	}
}

// reduceGradient (cmprlb) computes the reduced gradient at the Cauchy point
//
//	r = -Zᵀ(g + θ(xᶜ - x) - WMc)
//
// where c = Wᵀ(xᶜ - x) was accumulated by the Cauchy search.
func reduceGradient(loc *Location, spec *iterSpec, ctx *iterCtx) (info errInfo) {

	x, g := loc.X, loc.G
	n, m := spec.n, spec.m
	theta := ctx.theta
	col, free := ctx.col, ctx.free
	z, r := ctx.z, ctx.r

	c := ctx.wa[2*m : 4*m]
	v := ctx.wa[:2*m] // Mc

	if n > len(r) || n > len(g) || col < 0 || col > len(v) ||
		free < 0 || free > len(r) || len(z) != len(x) || len(z) != len(g) {
		panic("bound check error")
	}

	if !ctx.constrained && col > 0 {
		dcopy(n, g, 1, r, 1)
		dscal(n, -one, r, 1)
		return
	}

	inx := ctx.index[0][:free]
	for i, k := range inx {
		r[i] = -theta*(z[k]-x[k]) - g[k]
	}

	if info = bmv(spec, ctx, c, v); info != ok {
		return
	}

	// r += [ Y θS ][ Mc₁ Mc₂ ]
	for j := 0; j < col; j++ {
		ptr := ctx.column(j, m)
		scatterAxpy(v[j], ctx.wy, m, ptr, inx, r[:free])
		scatterAxpy(theta*v[col+j], ctx.ws, m, ptr, inx, r[:free])
	}
	return
}
