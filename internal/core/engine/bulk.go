package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/marketbridge/marketbridge/internal/core"
)

// BulkResult is one slot of a BulkRequest reply. Error is set instead of
// Response when the call failed or timed out.
type BulkResult struct {
	Marketplace string         `json:"marketplace"`
	Endpoint    string         `json:"endpoint"`
	Response    *core.Response `json:"response,omitempty"`
	Error       string         `json:"error,omitempty"`

	Err error `json:"-"`
}

type bulkJob struct {
	index int
	desc  core.CallDescriptor
}

type bulkOutcome struct {
	resp *core.Response
	err  error
}

// BulkRequest runs descs on a bounded pool outside the priority queues.
// The reply has one slot per input in submission order. Admission and the
// breaker still apply. A call that exceeds the per-call timeout is reported
// as ErrBulkTimeout; the gateway sees a cancelled context but the remote
// side may still complete it, and that late result is dropped.
// Completion callbacks on descs are not invoked.
func (d *Dispatcher) BulkRequest(ctx context.Context, descs []core.CallDescriptor) []BulkResult {
	if ctx == nil {
		ctx = context.Background()
	}

	results := make([]BulkResult, len(descs))
	if len(descs) == 0 {
		return results
	}

	jobs := make(chan bulkJob)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for job := range jobs {
			results[job.index] = d.runBulk(ctx, job.desc)
		}
	}

	workers := d.bulkWorkers
	if workers > len(descs) {
		workers = len(descs)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker()
	}

	for i, desc := range descs {
		jobs <- bulkJob{index: i, desc: desc}
	}
	close(jobs)
	wg.Wait()

	return results
}

func (d *Dispatcher) runBulk(ctx context.Context, desc core.CallDescriptor) BulkResult {
	result := BulkResult{Marketplace: desc.Marketplace, Endpoint: desc.Endpoint}

	fail := func(err error) BulkResult {
		result.Err = err
		result.Error = err.Error()
		return result
	}

	m, err := d.registry.Lookup(desc.Marketplace)
	if err != nil {
		return fail(err)
	}
	if !desc.Method.Valid() {
		return fail(fmt.Errorf("%w: %q", core.ErrInvalidMethod, desc.Method))
	}

	callCtx, cancel := context.WithTimeout(ctx, d.bulkTimeout)
	defer cancel()

	done := make(chan bulkOutcome, 1)
	go func() {
		resp, err := d.execute(callCtx, m, desc.Request())
		done <- bulkOutcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) && callCtx.Err() != nil {
				return fail(fmt.Errorf("%w after %s", core.ErrBulkTimeout, d.bulkTimeout))
			}
			return fail(out.err)
		}
		result.Response = out.resp
		return result
	case <-callCtx.Done():
		d.warn("Bulk call abandoned",
			zap.String("marketplace", desc.Marketplace),
			zap.String("endpoint", desc.Endpoint),
			zap.Duration("timeout", d.bulkTimeout))
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		return fail(fmt.Errorf("%w after %s", core.ErrBulkTimeout, d.bulkTimeout))
	}
}
