package workers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/internal/backtester"
	"github.com/atlas-desktop/orb5m-backtester/internal/strategy"
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

// SweepTask is one parameter variant in a sweep: a RunnerConfig, the
// strategy instance configured with that variant's parameters, and a
// BarSource factory (sources are single-use, so the sweep builds a fresh
// one per run rather than sharing a consumed stream across workers).
type SweepTask struct {
	Label     string
	Config    types.RunnerConfig
	Strategy  strategy.Strategy
	NewSource func() backtester.BarSource

	logger *zap.Logger
	result types.RunMetrics
	err    error
}

// Execute implements workers.Task by running one backtest to completion.
func (t *SweepTask) Execute() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("workers: sweep task %s panicked: %v", t.Label, p)
			t.err = err
		}
	}()
	logger := t.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := backtester.NewRunner(t.Config, t.Strategy, logger, nil)
	metrics, err := r.Run(context.Background(), t.NewSource())
	t.result = metrics
	t.err = err
	return err
}

// SweepResult pairs a task's label with its outcome.
type SweepResult struct {
	Label   string
	Metrics types.RunMetrics
	Err     error
}

// Sweep runs a batch of parameter variants across a bounded worker pool
// and collects every result, successes and failures alike — one variant's
// panic or error must never lose the rest of the batch.
type Sweep struct {
	pool   *Pool
	logger *zap.Logger
}

// NewSweep builds a Sweep with numWorkers concurrent runners (0 = NumCPU).
func NewSweep(logger *zap.Logger, numWorkers int) *Sweep {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweep{pool: NewPool(logger, SweepPoolConfig("sweep", numWorkers)), logger: logger}
}

// Run executes every task and returns results in input order. The pool is
// started and stopped for the lifetime of this call.
func (s *Sweep) Run(tasks []*SweepTask) ([]SweepResult, error) {
	s.pool.Start()
	defer s.pool.Stop()

	done := make(chan struct{}, len(tasks))
	for _, t := range tasks {
		t := t
		t.logger = s.logger
		if err := s.pool.Submit(TaskFunc(func() error {
			defer func() { done <- struct{}{} }()
			return t.Execute()
		})); err != nil {
			return nil, fmt.Errorf("workers: submit sweep task %s: %w", t.Label, err)
		}
	}
	for range tasks {
		<-done
	}

	results := make([]SweepResult, len(tasks))
	for i, t := range tasks {
		results[i] = SweepResult{Label: t.Label, Metrics: t.result, Err: t.err}
	}
	return results, nil
}
