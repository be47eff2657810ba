package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketbridge/marketbridge/internal/core"
	"github.com/marketbridge/marketbridge/internal/metrics"
)

const (
	defaultMaxTokenWait = 250 * time.Millisecond
	minTokenWait        = time.Millisecond
	defaultBulkWorkers  = 10
	defaultBulkTimeout  = 30 * time.Second
)

// DispatcherOptions tunes a Dispatcher.
type DispatcherOptions struct {
	// Limiter gates per-minute/per-hour windows and 429 backoff. Nil disables it.
	Limiter *WindowLimiter
	// MaxTokenWait caps a single sleep while waiting for a token.
	MaxTokenWait time.Duration
	BulkWorkers  int
	BulkTimeout  time.Duration
	Logger       *logging.Logger
	Clock        func() time.Time
}

// Dispatcher is the only path from a CallDescriptor to an outbound call.
// It runs one worker per marketplace, each draining that marketplace's
// priority queue one call at a time.
type Dispatcher struct {
	registry *Registry
	limiter  *WindowLimiter
	logger   *logging.Logger
	clock    func() time.Time

	maxTokenWait time.Duration
	bulkWorkers  int
	bulkTimeout  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewDispatcher wires a dispatcher over reg.
func NewDispatcher(reg *Registry, opts DispatcherOptions) *Dispatcher {
	if opts.MaxTokenWait <= 0 {
		opts.MaxTokenWait = defaultMaxTokenWait
	}
	if opts.BulkWorkers <= 0 {
		opts.BulkWorkers = defaultBulkWorkers
	}
	if opts.BulkTimeout <= 0 {
		opts.BulkTimeout = defaultBulkTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Dispatcher{
		registry:     reg,
		limiter:      opts.Limiter,
		logger:       opts.Logger,
		clock:        opts.Clock,
		maxTokenWait: opts.MaxTokenWait,
		bulkWorkers:  opts.BulkWorkers,
		bulkTimeout:  opts.BulkTimeout,
	}
}

// Registry returns the registry the dispatcher serves.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Start launches one worker per marketplace. Calling it twice is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.started = true

	for _, m := range d.registry.All() {
		d.wg.Add(1)
		go d.worker(ctx, m)
	}
}

// Stop cancels the workers, waits for them, and fails whatever is still
// queued with ErrDispatcherStopped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	for _, m := range d.registry.All() {
		for _, desc := range m.Queue.Close() {
			d.complete(desc, nil, core.ErrDispatcherStopped)
		}
	}
}

// QueueRequest enqueues a call for the marketplace worker. It reports false
// when the call could not be queued and never panics.
func (d *Dispatcher) QueueRequest(marketplace string, method core.Method, endpoint string, params map[string]string, body map[string]any, priority int, callback core.Completion) bool {
	err := d.Enqueue(core.CallDescriptor{
		Marketplace: marketplace,
		Method:      method,
		Endpoint:    endpoint,
		Params:      params,
		Body:        body,
		Priority:    priority,
		Completion:  callback,
	})
	if err != nil {
		d.warn("Failed to queue request",
			zap.String("marketplace", marketplace),
			zap.String("endpoint", endpoint),
			zap.Error(err))
		return false
	}
	return true
}

// Enqueue is QueueRequest with a typed error.
func (d *Dispatcher) Enqueue(desc core.CallDescriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("enqueue panic: %v", r)
		}
	}()

	m, err := d.registry.Lookup(desc.Marketplace)
	if err != nil {
		return err
	}
	if !desc.Method.Valid() {
		return fmt.Errorf("%w: %q", core.ErrInvalidMethod, desc.Method)
	}

	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return core.ErrDispatcherStopped
	}

	if desc.ID == "" {
		desc.ID = uuid.New().String()
	}
	if desc.EnqueuedAt.IsZero() {
		desc.EnqueuedAt = d.clock()
	}

	if err := m.Queue.Push(desc); err != nil {
		return err
	}
	metrics.SetQueueDepth(desc.Marketplace, m.Queue.Len())
	return nil
}

// QueueDepth returns the number of queued calls for a marketplace.
func (d *Dispatcher) QueueDepth(marketplace string) int {
	m, ok := d.registry.Get(marketplace)
	if !ok {
		return 0
	}
	return m.Queue.Len()
}

func (d *Dispatcher) worker(ctx context.Context, m *Marketplace) {
	defer d.wg.Done()

	name := m.Name()
	d.debug("Dispatch worker started", zap.String("marketplace", name))

	for {
		desc, ok := m.Queue.Pop(ctx)
		if !ok {
			d.debug("Dispatch worker stopped", zap.String("marketplace", name))
			return
		}
		metrics.SetQueueDepth(name, m.Queue.Len())

		resp, err := d.execute(ctx, m, desc.Request())
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			err = core.ErrDispatcherStopped
		}
		if err != nil {
			d.warn("Marketplace call failed",
				zap.String("marketplace", name),
				zap.String("method", string(desc.Method)),
				zap.String("endpoint", desc.Endpoint),
				zap.String("call_id", desc.ID),
				zap.Error(err))
		}
		d.complete(desc, resp, err)
	}
}

// execute waits for admission and performs the breaker-wrapped call.
func (d *Dispatcher) execute(ctx context.Context, m *Marketplace, req core.Request) (*core.Response, error) {
	if err := d.admit(ctx, m); err != nil {
		return nil, err
	}
	return d.invoke(ctx, m, req)
}

// admit blocks until the window limiter reserves a slot and the token
// bucket grants a token, or ctx is done. The reservation counts the call
// even if ctx ends during the token wait.
func (d *Dispatcher) admit(ctx context.Context, m *Marketplace) error {
	name := m.Name()

	for d.limiter != nil {
		reserved, wait, err := d.limiter.Reserve(ctx, name, m.RateLimit())
		if err != nil {
			d.warn("Window limiter unavailable, admitting call",
				zap.String("marketplace", name),
				zap.Error(err))
			break
		}
		if reserved {
			break
		}
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}

	for {
		bucket := m.Bucket()
		if bucket.Consume(1) {
			metrics.SetTokensAvailable(name, bucket.Tokens())
			return nil
		}
		wait := bucket.TimeUntilAvailable(1)
		if wait > d.maxTokenWait {
			wait = d.maxTokenWait
		}
		if wait < minTokenWait {
			wait = minTokenWait
		}
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, m *Marketplace, req core.Request) (*core.Response, error) {
	name := m.Name()
	start := d.clock()

	var resp *core.Response
	err := m.Breaker.Call(func() error {
		r, callErr := safeIssue(ctx, m.Gateway, req)
		resp = r
		return callErr
	})
	latency := d.clock().Sub(start)

	outcome := "success"
	if err == nil {
		if resp == nil {
			resp = &core.Response{}
		}
		if resp.Duration == 0 {
			resp.Duration = latency
		}
		m.Metrics.RecordSuccess(latency)
		if d.limiter != nil {
			if recErr := d.limiter.RecordSuccess(ctx, name); recErr != nil {
				d.warn("Failed to clear backoff state", zap.String("marketplace", name), zap.Error(recErr))
			}
		}
	} else {
		resp = nil
		rateLimited := core.IsRateLimited(err)
		if errors.Is(err, core.ErrCircuitOpen) {
			m.Metrics.RecordRejected()
		} else {
			m.Metrics.RecordFailure(latency, rateLimited)
		}

		switch {
		case rateLimited:
			outcome = "rate_limited"
			if d.limiter != nil {
				wait, recErr := d.limiter.Record429(ctx, name, m.RateLimit(), core.RetryAfter(err))
				if recErr != nil {
					d.warn("Failed to record rate limit backoff", zap.String("marketplace", name), zap.Error(recErr))
				} else if wait > 0 {
					d.debug("Rate limited, backing off",
						zap.String("marketplace", name),
						zap.Duration("backoff", wait))
				}
			}
		case errors.Is(err, core.ErrCircuitOpen):
			outcome = "circuit_open"
		default:
			outcome = "failure"
		}
		if outcome != "circuit_open" {
			var gwErr *core.GatewayError
			var kind string
			if errors.As(err, &gwErr) {
				kind = string(gwErr.Kind)
			}
			metrics.RecordGatewayError(name, kind)
		}
	}

	metrics.RecordDispatch(name, outcome, latency)
	metrics.SetCircuitState(name, int(m.Breaker.State()))
	return resp, err
}

func safeIssue(ctx context.Context, gw Gateway, req core.Request) (resp *core.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("gateway panic: %v", r)
		}
	}()
	return gw.IssueCall(ctx, req)
}

func (d *Dispatcher) complete(desc core.CallDescriptor, resp *core.Response, err error) {
	if desc.Completion == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.warn("Completion callback panicked",
				zap.String("marketplace", desc.Marketplace),
				zap.String("call_id", desc.ID),
				zap.Any("panic", r))
		}
	}()
	desc.Completion(resp, err)
}

func (d *Dispatcher) warn(msg string, fields ...zap.Field) {
	if d.logger != nil {
		d.logger.Warn(msg, fields...)
	}
}

func (d *Dispatcher) debug(msg string, fields ...zap.Field) {
	if d.logger != nil {
		d.logger.Debug(msg, fields...)
	}
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
