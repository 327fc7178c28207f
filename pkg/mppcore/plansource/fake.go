package plansource

import (
	"context"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"go.uber.org/atomic"
)

// Fake is a PlanSource that ignores the encoded plan bytes and always
// returns the configured Plan and batches. It is meant for tests
// exercising the task runtime without a real query planner or storage
// engine.
type Fake struct {
	Plan    Plan
	Batches []arrow.Record

	// DecodeErr, when set, is returned by Decode — used to exercise the
	// bad-request path.
	DecodeErr error
	// BuildErr, when set, is returned by Build instead of a pipeline.
	BuildErr error
	// BuildDelay, when set, makes Build sleep before returning,
	// simulating slow data-dependent preparation.
	BuildDelay time.Duration
	// BatchDelay, when set, makes every Read sleep first, simulating a
	// slow upstream operator.
	BatchDelay time.Duration
	// Endless makes the pipeline block on Read (until its context is
	// cancelled) after the configured batches are exhausted, instead of
	// returning EOF. Used to exercise cancellation and hang detection.
	Endless bool
}

// Decode implements PlanSource.
func (f *Fake) Decode(_ []byte) (*Plan, error) {
	if f.DecodeErr != nil {
		return nil, f.DecodeErr
	}
	plan := f.Plan
	return &plan, nil
}

// Build implements PlanSource.
func (f *Fake) Build(ctx context.Context, _ *Plan, _ []Region, _ Settings) (Pipeline, error) {
	if f.BuildDelay > 0 {
		select {
		case <-time.After(f.BuildDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.BuildErr != nil {
		return nil, f.BuildErr
	}
	return &slicePipeline{batches: f.Batches, delay: f.BatchDelay, endless: f.Endless}, nil
}

// slicePipeline serves a fixed slice of batches, then EOF forever (or
// blocks forever when endless).
type slicePipeline struct {
	batches []arrow.Record
	delay   time.Duration
	endless bool
	pos     int
	closed  atomic.Bool
}

// Read implements Pipeline.
func (p *slicePipeline) Read(ctx context.Context) (arrow.Record, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.pos >= len(p.batches) {
		if p.endless {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, EOF
	}
	rec := p.batches[p.pos]
	p.pos++
	return rec, nil
}

// Close implements Pipeline.
func (p *slicePipeline) Close() {
	p.closed.Store(true)
}

// Closed reports whether Close has been called, for tests asserting
// resource release.
func (p *slicePipeline) Closed() bool { return p.closed.Load() }
