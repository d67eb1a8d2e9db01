// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"
)

// Level 1 and triangular kernels over row-major storage with explicit leading dimension,
// backed by gonum's BLAS and LAPACK.

const (
	solveLowerN = 0b00
	solveUpperN = 0b01
	solveLowerT = 0b10
	solveUpperT = 0b11
)

func vec(n int, x []float64, inc int) blas64.Vector {
	return blas64.Vector{N: n, Data: x, Inc: inc}
}

// dtrsl solves T * x = b or Tᵀ * x = b in place, where T is the leading
// n × n triangle of t with leading dimension ldt.
//
// info is zero if the system is nonsingular, otherwise the index (1-based)
// of the first zero diagonal element of t; b is unaltered in that case.
func dtrsl(t []float64, ldt, n int, b []float64, ldb int, job int) (info int) {

	tn := uint(ldt * n)
	if len(t) <= 0 || len(b) <= 0 || tn > uint(len(t)) {
		panic("bound check error")
	}

	for idx := uint(0); idx < tn; idx += uint(1 + ldt) {
		if t[idx] == 0.0 {
			return 1 + int(idx)/(1+ldt)
		}
	}

	tri := blas64.Triangular{N: n, Data: t, Stride: ldt, Diag: blas.NonUnit}
	trans := blas.NoTrans
	switch job {
	case solveLowerN:
		tri.Uplo = blas.Lower
	case solveUpperN:
		tri.Uplo = blas.Upper
	case solveLowerT:
		tri.Uplo, trans = blas.Lower, blas.Trans
	case solveUpperT:
		tri.Uplo, trans = blas.Upper, blas.Trans
	default:
		return -1
	}
	blas64.Trsv(trans, tri, vec(n, b, ldb))
	return
}

// cholesky factors the symmetric positive definite leading n × n block of a as A = Rᵀ * R.
// Only the upper triangle is referenced and R overwrites it.
// It reports false if a leading minor is not positive definite.
func cholesky(a []float64, lda, n int) bool {
	if n > len(a) {
		panic("bound check error")
	}
	if n == 0 {
		return true
	}
	_, ok := lapack64.Potrf(blas64.Symmetric{Uplo: blas.Upper, N: n, Data: a, Stride: lda})
	return ok
}

// daxpy computes y += da * x.
func daxpy(n int, da float64, dx []float64, incx int, dy []float64, incy int) {
	if n <= 0 || da == 0.0 {
		return
	}
	blas64.Axpy(da, vec(n, dx, incx), vec(n, dy, incy))
}

// ddot computes the dot product of two vectors.
func ddot(n int, dx []float64, incx int, dy []float64, incy int) float64 {
	if n <= 0 {
		return 0.0
	}
	return blas64.Dot(vec(n, dx, incx), vec(n, dy, incy))
}

// dcopy copies a vector, x, to a vector, y.
func dcopy(n int, dx []float64, incx int, dy []float64, incy int) {
	if n <= 0 {
		return
	}
	blas64.Copy(vec(n, dx, incx), vec(n, dy, incy))
}

// dscal scales a vector by a constant.
func dscal(n int, da float64, dx []float64, incx int) {
	if n <= 0 || incx <= 0 {
		return
	}
	blas64.Scal(da, vec(n, dx, incx))
}
