// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/curioloop/lbfgsbpool/pool"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	stressFlags problemFlags
	poolSize    int
	requests    int
	retry       bool
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Fire concurrent requests at a small pool",
	Long: `Launches all requests at once against a pool of --pool-size instances.
Requests that find the pool saturated are counted as rejected, or retried with --retry.`,
	Args: cobra.NoArgs,
	RunE: runStress,
}

func init() {
	stressFlags.register(stressCmd.Flags())
	stressCmd.Flags().IntVar(&poolSize, "pool-size", 4, "Number of solver instances")
	stressCmd.Flags().IntVar(&requests, "requests", 32, "Number of concurrent requests")
	stressCmd.Flags().BoolVar(&retry, "retry", false, "Retry requests rejected by saturation")
	rootCmd.AddCommand(stressCmd)
}

func runStress(cmd *cobra.Command, args []string) error {
	f := &stressFlags
	obj, err := lookupObjective(f.function)
	if err != nil {
		return err
	}
	if poolSize <= 0 || requests < 0 || f.n <= 0 || len(f.x0) == 0 {
		return errors.Errorf("invalid stress setup: pool-size=%d requests=%d n=%d", poolSize, requests, f.n)
	}

	ctx := cmd.Context()
	p := pool.New(poolSize, pool.WithLogger(logger), pool.WithName("stress"))
	bounds := f.bounds()

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	start := time.Now()
	for i := 0; i < requests; i++ {
		i := i
		g.Go(func() error {
			x0 := startPoint(f.x0, f.n)
			for j := range x0 {
				x0[j] += 0.01 * float64(i%10)
			}
			for {
				prob := pool.NewProblem(x0, pool.Infallible(obj.grad))
				if bounds != nil {
					prob.SetBounds(bounds)
				}
				_, err := p.Run(ctx, prob, f.params)
				switch {
				case err == nil:
					return nil
				case pool.IsSaturated(err) && retry && ctx.Err() == nil:
					time.Sleep(time.Millisecond)
					continue
				case pool.IsSaturated(err):
					return nil
				}
				mu.Lock()
				errs = multierr.Append(errs, errors.Wrapf(err, "request %d", i))
				mu.Unlock()
				return nil
			}
		})
	}
	_ = g.Wait()

	s := p.Stats()
	logger.Info("stress finished", zap.Int("requests", requests), zap.Duration("elapsed", time.Since(start)))
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pool size    %d\n", s.Size)
	fmt.Fprintf(out, "requests     %d\n", requests)
	fmt.Fprintf(out, "served       %d\n", s.Served)
	fmt.Fprintf(out, "converged    %d\n", s.Converged)
	fmt.Fprintf(out, "rejected     %d\n", s.Rejected)
	fmt.Fprintf(out, "failed       %d\n", s.Failed)
	fmt.Fprintf(out, "elapsed      %s\n", time.Since(start))
	return errs
}
