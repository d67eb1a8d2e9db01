// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"math"

	"github.com/curioloop/lbfgsbpool/numdiff"
	"github.com/curioloop/lbfgsbpool/pool"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

var (
	solveFlags problemFlags
	numeric    string
)

var solveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Minimize one test function",
	Long:  `Minimizes a test function on the default pool and prints the final point.`,
	Args:  cobra.NoArgs,
	RunE:  runSolve,
}

func init() {
	solveFlags.register(solveCmd.Flags())
	solveCmd.Flags().StringVar(&numeric, "numeric", "", "Estimate the gradient by finite differences: forward or central")
	rootCmd.AddCommand(solveCmd)
}

func runSolve(cmd *cobra.Command, args []string) error {
	f := &solveFlags
	obj, err := lookupObjective(f.function)
	if err != nil {
		return err
	}
	if f.n <= 0 || len(f.x0) == 0 {
		return errors.Errorf("need a positive dimension and a start point, got n=%d x0=%v", f.n, f.x0)
	}

	bounds := f.bounds()
	eval := pool.Infallible(obj.grad)
	if numeric != "" {
		method, err := numdiff.ParseMethod(numeric)
		if err != nil {
			return err
		}
		eval = pool.NumericEvaluator(obj.value, method, bounds)
	}

	prob := pool.NewProblem(startPoint(f.x0, f.n), eval)
	if bounds != nil {
		prob.SetBounds(bounds)
	}

	logger.Info("solving", zap.String("func", f.function), zap.Int("n", f.n), zap.Stringer("bounds", kindOf(bounds)))
	res, err := pool.Run(cmd.Context(), prob, f.params)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run          %s\n", res.RunID)
	fmt.Fprintf(out, "task         %s\n", res.Task)
	fmt.Fprintf(out, "converged    %t\n", res.Converged())
	fmt.Fprintf(out, "f            %.10g\n", res.F)
	fmt.Fprintf(out, "x            %.8g\n", res.X)
	fmt.Fprintf(out, "|g|          %.3e\n", floats.Norm(res.G, math.Inf(1)))
	fmt.Fprintf(out, "|proj g|     %.3e\n", res.ProjGradNorm)
	fmt.Fprintf(out, "iterations   %d\n", res.Iterations)
	fmt.Fprintf(out, "evaluations  %d\n", res.Evaluations)
	fmt.Fprintf(out, "elapsed      %s\n", res.Elapsed)
	return nil
}

func kindOf(bounds []pool.Bound) pool.BoundKind {
	if len(bounds) == 0 {
		return pool.Unbounded
	}
	kind, _, _ := pool.Encode(bounds[0])
	return kind
}
