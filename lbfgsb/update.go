// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import "go.uber.org/zap"

// innerOver computes Σ a[k·m+p]·b[k·m+q] over the variables k in idx,
// the inner product of correction columns p of a and q of b restricted to idx.
func innerOver(idx []int, a []float64, p int, b []float64, q, m int) (s float64) {
	for _, k := range idx {
		s += a[k*m+p] * b[k*m+q]
	}
	return
}

// updateCorrection (matupd) appends the pair s = xₖ₊₁ - xₖ, y = gₖ₊₁ - gₖ to the limited memory
// and refreshes θ = yᵀy/sᵀy, the upper triangle of SᵀS and the lower triangle of SᵀY.
// The pair is skipped when sᵀy ≤ ε‖y‖ since B would lose positive definiteness.
func updateCorrection(loc *Location, spec *iterSpec, ctx *iterCtx) {

	n, m := spec.n, spec.m
	s, y := ctx.d, ctx.r // on entry y holds gₖ

	if len(y) < len(loc.G) {
		panic("bound check error")
	}
	dscal(n, -one, y, 1)
	daxpy(n, one, loc.G, 1, y, 1)

	yy := ddot(n, y, 1, y, 1)
	sy := ctx.gd - ctx.gdOld
	yNorm := -ctx.gdOld
	if ctx.stp != one {
		sy *= ctx.stp
		yNorm *= ctx.stp
		dscal(n, ctx.stp, s, 1)
	}

	if sy <= spec.epsilon*yNorm {
		ctx.totalSkipBFGS++
		ctx.updated = false
		if log := spec.logger; log.enable(LogEval) {
			log.log("skipping L-BFGS update", zap.Float64("dr", sy), zap.Float64("y2", yNorm))
		}
		return
	}

	ctx.updated = true
	ctx.updates++

	if ctx.updates <= m {
		ctx.col = ctx.updates
		ctx.tail = (ctx.head + ctx.updates - 1) % m
	} else {
		ctx.tail = (ctx.tail + 1) % m
		ctx.head = (ctx.head + 1) % m
	}

	dcopy(n, s, 1, ctx.ws[ctx.tail:], m)
	dcopy(n, y, 1, ctx.wy[ctx.tail:], m)
	ctx.theta = yy / sy

	col := ctx.col
	last := col - 1
	ss, sty := ctx.ss, ctx.sy

	// drop the oldest pair by shifting both triangles up and left
	if ctx.updates > m {
		for j := 0; j < last; j++ {
			dcopy(col-(j+1), ss[(j+1)*m+(j+1):], 1, ss[j*m+j:], 1)
			dcopy(j+1, sty[(j+1)*m+1:], 1, sty[j*m:], 1)
		}
	}

	// last row of SᵀY and last column of SᵀS
	for j := 0; j < last; j++ {
		ptr := ctx.column(j, m)
		sty[last*m+j] = ddot(n, s, 1, ctx.wy[ptr:], m)
		ss[j*m+last] = ddot(n, ctx.ws[ptr:], m, s, 1)
	}

	sty[last*m+last] = sy
	ss[last*m+last] = ctx.dSqrt
	if ctx.stp != one {
		ss[last*m+last] *= ctx.stp * ctx.stp
	}
}

// formT (formt) forms T = θSᵀS + LD⁻¹Lᵀ, where D is the diagonal and L the strictly lower
// triangle of SᵀY, and factors T = JJᵀ with Jᵀ in the upper triangle of ctx.wt.
func formT(spec *iterSpec, ctx *iterCtx) (info errInfo) {

	m := spec.m
	col := ctx.col
	theta := ctx.theta
	wt, ss, sy := ctx.wt, ctx.ss, ctx.sy

	if col < 0 || col > len(wt) || col > len(ss) {
		panic("bound check error")
	}

	for j := 0; j < col; j++ {
		wt[j] = theta * ss[j]
	}
	for i := 1; i < col; i++ {
		for j := i; j < col; j++ {
			ldl := zero
			for k := 0; k < i; k++ {
				ldl += sy[i*m+k] * sy[j*m+k] / sy[k*m+k]
			}
			wt[i*m+j] = ldl + theta*ss[i*m+j]
		}
	}

	if !cholesky(wt, m, col) {
		info = errNotPosDefT
	}
	return
}

// formK (formk) forms the LELᵀ factorization of the indefinite matrix
//
//	K = [-D - YᵀZZᵀY/θ    Laᵀ - Rzᵀ]   where  E = [-I  0]
//	    [La - Rz          θSᵀAAᵀS  ]              [ 0  I]
//
// with Z the free and A the active variables at the Cauchy point, La the strictly lower
// triangle of SᵀAAᵀY and Rz the upper triangle of SᵀZZᵀY. K equals M⁻¹N of the subspace step.
//
// ctx.snd keeps the lower triangle of
//
//	[YᵀZZᵀY   Laᵀ+Rzᵀ]
//	[La+Rz    SᵀAAᵀS ]
//
// between iterations so that only the new pair and the variables that changed sets are
// folded in. On exit the upper triangle of ctx.wn holds the factorization.
func formK(spec *iterSpec, ctx *iterCtx) (info errInfo) {

	n, m := spec.n, spec.m
	col := ctx.col
	m2, col2 := 2*m, 2*col

	wn, wn1 := ctx.wn, ctx.snd
	ws, wy, sy := ctx.ws, ctx.wy, ctx.sy
	if col < 0 || col > len(wn) || col2 < 0 || col2 > len(wn) {
		panic("bound check error")
	}

	inx := ctx.index[0]
	free, active := inx[:ctx.free], inx[ctx.free:n]

	if ctx.updated {
		if ctx.updates > m {
			for jy := 0; jy < m-1; jy++ {
				js := m + jy
				dcopy(jy+1, wn1[(jy+1)*m2+1:], 1, wn1[jy*m2:], 1)     // YᵀZZᵀY
				dcopy(jy+1, wn1[(js+1)*m2+1+m:], 1, wn1[js*m2+m:], 1) // SᵀAAᵀS
				dcopy(m-1, wn1[(js+1)*m2+1:], 1, wn1[js*m2:], 1)      // La + Rz
			}
		}

		// new rows of blocks (1,1), (2,1) and (2,2)
		last := ctx.column(col-1, m)
		iy := wn1[(col-1)*m2:]
		is := wn1[(m+col-1)*m2:]
		for j := 0; j < col; j++ {
			ptr := ctx.column(j, m)
			iy[j] = innerOver(free, wy, last, wy, ptr, m)
			is[m+j] = innerOver(active, ws, last, ws, ptr, m)
			is[j] = innerOver(active, ws, last, wy, ptr, m)
		}

		// new column of block (2,1)
		rz := wn1[m*m2+col-1:]
		for i := 0; i < col; i++ {
			rz[i*m2] = innerOver(free, ws, ctx.column(i, m), wy, last, m)
		}
	}

	// fold in the variables that entered or left the free set since the previous iteration
	nUpdate := col
	if ctx.updated {
		nUpdate--
	}
	entering, leaving := ctx.index[1][:ctx.enter], ctx.index[1][ctx.leave:n]

	for i := 0; i < nUpdate; i++ {
		ip := ctx.column(i, m)
		for j := 0; j <= i; j++ {
			jp := ctx.column(j, m)
			wn1[i*m2+j] += innerOver(entering, wy, ip, wy, jp, m) - innerOver(leaving, wy, ip, wy, jp, m)
			wn1[(m+i)*m2+m+j] += innerOver(leaving, ws, ip, ws, jp, m) - innerOver(entering, ws, ip, ws, jp, m)
		}
	}
	for i := 0; i < nUpdate; i++ {
		ip := ctx.column(i, m)
		for j := 0; j < nUpdate; j++ {
			delta := innerOver(entering, ws, ip, wy, ctx.column(j, m), m) -
				innerOver(leaving, ws, ip, wy, ctx.column(j, m), m)
			if i <= j { // Rz
				wn1[(m+i)*m2+j] += delta
			} else { // La
				wn1[(m+i)*m2+j] -= delta
			}
		}
	}

	// Form the upper triangle of 2*col x 2*col indefinite matrix
	//        [D+YᵀZZᵀY/θ    -Laᵀ+Rzᵀ]
	//        [-La+Rz        θSᵀAAᵀS ]
	// where
	//        D = proj { sᵀy }ᵢ₌₁,...,ₙ
	theta := ctx.theta
	for iy := 0; iy < col; iy++ {
		is := col + iy
		is1 := m + iy

		// From WN1 lower triangle to WN upper triangle
		for jy := 0; jy <= iy; jy++ {
			js := col + jy
			js1 := m + jy
			wn[jy*m2+iy] = wn1[iy*m2+jy] / theta   // block (1,1) = (YᵀZZᵀY)ᵀ/θ
			wn[js*m2+is] = wn1[is1*m2+js1] * theta // block (2,2) = θ(SᵀAAᵀS)ᵀ
		}

		// From WN1 block (2,1) to WN block (1,2)
		for jy := 0; jy < iy; jy++ {
			wn[jy*m2+is] = -wn1[is1*m2+jy] // block (2,1) = (-La)ᵀ
		}
		for jy := iy; jy < col; jy++ {
			wn[jy*m2+is] = wn1[is1*m2+jy] // block (2,1) = +Rz
		}

		wn[iy*m2+iy] += sy[iy*m+iy] // += D
	}

	// Form the upper triangle of WN= [  LLᵀ          L⁻¹(-Laᵀ+Rzᵀ)]
	//                                [(-La +Rz)L⁻ᵀ   S'AA'Sθ      ]

	// first Cholesky factor (1,1) block of WN to get LLᵀ
	// with Lᵀ stored in the upper triangle of WN.
	if !cholesky(wn, m2, col) {
		info = errNotPosDef1stK
		return
	}

	// then solving Lx = (-Laᵀ+Rzᵀ) to form L⁻¹(-Laᵀ+Rzᵀ) in the (1,2) block of wn.
	for js := col; js < col2; js++ {
		dtrsl(wn, m2, col, wn[js:], m2, solveUpperT)
	}

	// Form SᵀAAᵀSθ + [L⁻¹(-Laᵀ+Rzᵀ)]ᵀ[L⁻¹(-Laᵀ+Rzᵀ)] in the upper triangle of (2,2) block of wn.
	for is := col; is < col2; is++ {
		for js := is; js < col2; js++ {
			wn[is*m2+js] += ddot(col, wn[is:], m2, wn[js:], m2)
		}
	}

	// Cholesky factorization of (2,2) block of wn.
	if !cholesky(wn[col*m2+col:], m2, col) {
		info = errNotPosDef2ndK
		return
	}

	return
}
