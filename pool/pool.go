// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultSize is the number of instances of the Default pool.
const DefaultSize = 64

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger of the pool and its instances.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithName sets the name reported in logs and saturation errors.
func WithName(name string) Option {
	return func(p *Pool) { p.name = name }
}

// Pool runs optimizations concurrently on a fixed set of instances.
// A request that finds every instance busy fails at once with ErrSaturated; it is never queued.
type Pool struct {
	name   string
	logger *zap.Logger

	mu    sync.Mutex
	slots []*Instance
	busy  []bool
	last  int
	inUse int

	served    atomic.Uint64
	rejected  atomic.Uint64
	failed    atomic.Uint64
	converged atomic.Uint64
}

// New builds a pool of size instances. It panics when size is not positive.
func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		panic("pool: size must be positive")
	}
	p := &Pool{name: "lbfgsb"}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = Logger()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.With(zap.String("pool", p.name))

	p.slots = make([]*Instance, size)
	p.busy = make([]bool, size)
	p.last = size - 1
	for i := range p.slots {
		p.slots[i] = &Instance{slot: i, logger: p.logger}
	}
	return p
}

// acquire marks the first free slot after the last assigned one as busy.
func (p *Pool) acquire() (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	size := len(p.slots)
	for probe := 1; probe <= size; probe++ {
		i := (p.last + probe) % size
		if !p.busy[i] {
			p.busy[i] = true
			p.last = i
			p.inUse++
			return p.slots[i], true
		}
	}
	return nil, false
}

func (p *Pool) release(in *Instance) {
	p.mu.Lock()
	p.busy[in.slot] = false
	p.inUse--
	p.mu.Unlock()
	p.logger.Debug("instance released", zap.Int("slot", in.slot))
}

// Run minimizes prob on a free instance, blocking until the run ends.
// See Instance.Advance for the meaning of the returned error.
func (p *Pool) Run(ctx context.Context, prob *Problem, params Params) (*Result, error) {
	in, ok := p.acquire()
	if !ok {
		p.rejected.Inc()
		p.logger.Debug("all instances busy", zap.Int("size", len(p.slots)))
		return nil, &SaturatedError{Pool: p.name, Size: len(p.slots)}
	}
	defer p.release(in)
	p.logger.Debug("instance acquired", zap.Int("slot", in.slot))

	res, err := in.Advance(ctx, prob, params)
	if err != nil {
		p.failed.Inc()
		return nil, err
	}
	p.served.Inc()
	if res.Converged() {
		p.converged.Inc()
	}
	return res, nil
}

// Minimize starts from x0 under the given bounds and returns the final point.
// bounds may be nil for an unbounded problem; otherwise it must have one entry per variable.
func (p *Pool) Minimize(ctx context.Context, x0 []float64, bounds []Bound, eval Evaluator, params Params) ([]float64, error) {
	prob := NewProblem(x0, eval)
	if bounds != nil {
		prob.SetBounds(bounds)
	}
	if _, err := p.Run(ctx, prob, params); err != nil {
		return nil, err
	}
	return prob.X, nil
}

// Size returns the number of instances.
func (p *Pool) Size() int { return len(p.slots) }

// Busy returns the number of instances running a request.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Size      int
	Busy      int
	Served    uint64 // runs that ended with a terminal task
	Rejected  uint64 // requests refused by saturation
	Failed    uint64 // runs that returned an error
	Converged uint64 // served runs that converged
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.Size(),
		Busy:      p.Busy(),
		Served:    p.served.Load(),
		Rejected:  p.rejected.Load(),
		Failed:    p.failed.Load(),
		Converged: p.converged.Load(),
	}
}

var (
	defaultPool *Pool
	defaultOnce sync.Once
)

// Default returns the process-wide pool of DefaultSize instances, built on first use.
func Default() *Pool {
	defaultOnce.Do(func() {
		defaultPool = New(DefaultSize, WithName("default"))
	})
	return defaultPool
}

// Run is Default().Run.
func Run(ctx context.Context, prob *Problem, params Params) (*Result, error) {
	return Default().Run(ctx, prob, params)
}

// Minimize is Default().Minimize.
func Minimize(ctx context.Context, x0 []float64, bounds []Bound, eval Evaluator, params Params) ([]float64, error) {
	return Default().Minimize(ctx, x0, bounds, eval, params)
}
