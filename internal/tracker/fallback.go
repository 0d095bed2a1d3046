package tracker

import (
	"context"
	"fmt"
	"time"
)

// Candidate is one entry of an ordered fallback chain.
type Candidate[In, Out any] interface {
	Name() string
	Fetch(ctx context.Context, in In) (Out, error)
}

// CandidateFunc turns a plain function into a Candidate.
type CandidateFunc[In, Out any] struct {
	Label string
	Fn    func(ctx context.Context, in In) (Out, error)
}

func (c CandidateFunc[In, Out]) Name() string { return c.Label }

func (c CandidateFunc[In, Out]) Fetch(ctx context.Context, in In) (Out, error) {
	return c.Fn(ctx, in)
}

// Chain tries its candidates strictly in order and stops at the first success.
// The order is fixed at construction time.
type Chain[In, Out any] struct {
	Candidates []Candidate[In, Out]
	// Timeout bounds every single attempt; zero means no extra bound.
	Timeout time.Duration
	// Observe, when set, is called after every attempt.
	Observe func(candidate string, elapsed time.Duration, err error)
}

// Run returns the first successful result together with the failures seen
// before it. When every candidate fails the error is *AllSourcesFailedError.
func (c *Chain[In, Out]) Run(ctx context.Context, target string, in In) (Out, []Attempt, error) {
	var zero Out
	attempts := make([]Attempt, 0, len(c.Candidates))

	for _, cand := range c.Candidates {
		if ctx.Err() != nil {
			break
		}

		start := time.Now()
		out, err := c.try(ctx, cand, in)
		if c.Observe != nil {
			c.Observe(cand.Name(), time.Since(start), err)
		}
		if err == nil {
			return out, attempts, nil
		}
		attempts = append(attempts, Attempt{Candidate: cand.Name(), Err: err})
	}

	return zero, attempts, &AllSourcesFailedError{Target: target, Attempts: attempts}
}

func (c *Chain[In, Out]) try(ctx context.Context, cand Candidate[In, Out], in In) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", cand.Name(), r)
		}
	}()

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return cand.Fetch(ctx, in)
}
