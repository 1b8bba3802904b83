package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tendrl-inc-labs/go-sdk/internal/metrics"
	"github.com/tendrl-inc-labs/go-sdk/internal/offline"
	"github.com/tendrl-inc-labs/go-sdk/internal/queue"
	"github.com/tendrl-inc-labs/go-sdk/internal/scheduler"
	"github.com/tendrl-inc-labs/go-sdk/internal/transport"
	"github.com/tendrl-inc-labs/go-sdk/pkg/types"
)

const (
	defaultHealthCheckInterval = 30 * time.Second
	defaultShutdownGrace       = 5 * time.Second
	inboundLimit               = 100
)

// Store is the subset of the offline store the dispatcher needs.
type Store interface {
	Persist(ctx context.Context, batch []*types.Message) error
	Replay(ctx context.Context, limit int) ([]types.OfflineRecord, error)
	Delete(ctx context.Context, ids []string) error
	MarkAttempt(ctx context.Context, ids []string) error
	PurgeExpired(ctx context.Context) (int64, error)
}

// SampleSource provides the smoothed resource sample fed to the scheduler.
type SampleSource interface {
	Smoothed() types.ResourceSample
}

// Options wires a Dispatcher. Queue, Scheduler, Transport and Samples are
// required; a nil Store disables offline storage.
type Options struct {
	Queue     *queue.Queue
	Scheduler *scheduler.Scheduler
	Transport transport.Transport
	Samples   SampleSource
	Store     Store
	Handler   Handler
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	CheckMsgRate        time.Duration
	HealthCheckInterval time.Duration
	ShutdownGrace       time.Duration
	ReplayLimit         int

	// Now is injectable for tests.
	Now func() time.Time
}

// Dispatcher runs the delivery loop. Run must be called exactly once.
type Dispatcher struct {
	queue     *queue.Queue
	sched     *scheduler.Scheduler
	transport transport.Transport
	samples   SampleSource
	store     Store
	handler   Handler
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	checkRate      time.Duration
	healthInterval time.Duration
	grace          time.Duration
	replayLimit    int

	// loop state, touched only by the dispatch goroutine
	healthy     atomic.Bool
	nextProbeAt time.Time
	nextCheckAt time.Time
	// backlog is set while the store may hold records; a previous run may
	// have left some behind.
	backlog atomic.Bool
}

// New validates opts and returns a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Queue == nil:
		return nil, errors.New("dispatch: queue is required")
	case opts.Scheduler == nil:
		return nil, errors.New("dispatch: scheduler is required")
	case opts.Transport == nil:
		return nil, errors.New("dispatch: transport is required")
	case opts.Samples == nil:
		return nil, errors.New("dispatch: sample source is required")
	}
	d := &Dispatcher{
		queue:          opts.Queue,
		sched:          opts.Scheduler,
		transport:      opts.Transport,
		samples:        opts.Samples,
		store:          opts.Store,
		handler:        opts.Handler,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		now:            opts.Now,
		checkRate:      opts.CheckMsgRate,
		healthInterval: opts.HealthCheckInterval,
		grace:          opts.ShutdownGrace,
		replayLimit:    opts.ReplayLimit,
	}
	if d.handler == nil {
		d.handler = NopHandler{}
	}
	if d.metrics == nil {
		d.metrics = metrics.New()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.healthInterval <= 0 {
		d.healthInterval = defaultHealthCheckInterval
	}
	if d.grace < 0 {
		d.grace = defaultShutdownGrace
	}
	if d.replayLimit <= 0 {
		d.replayLimit = offline.DefaultReplayLimit
	}
	d.healthy.Store(true)
	d.backlog.Store(d.store != nil)
	return d, nil
}

// Healthy reports whether the transport is currently considered reachable.
func (d *Dispatcher) Healthy() bool { return d.healthy.Load() }

// NoteBacklog tells the dispatcher that records were written to the store
// outside the loop, so the next idle flush replays them.
func (d *Dispatcher) NoteBacklog() { d.backlog.Store(true) }

// Run drives delivery until ctx is cancelled, then shuts down: the batch in
// flight gets ShutdownGrace to finish and everything still queued is
// persisted, or dropped and reported when offline storage is disabled.
func (d *Dispatcher) Run(ctx context.Context) error {
	sendCtx, cancelSend := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSend()
	go func() {
		select {
		case <-ctx.Done():
		case <-sendCtx.Done():
			return
		}
		t := time.NewTimer(d.grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancelSend()
		case <-sendCtx.Done():
		}
	}()

	d.logger.Info("dispatch: started",
		"transport", d.transport.Name(),
		"offline", d.store != nil)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for ctx.Err() == nil {
		now := d.now()
		d.checkMessages(sendCtx, now)

		dec := d.sched.Next(d.samples.Smoothed(), d.queue.Len(), now)
		d.metrics.LoadFactor.Set(dec.Load)
		d.metrics.BatchTarget.Set(float64(d.sched.State().BatchSize))

		if dec.Flush {
			if batch := d.queue.DequeueUpTo(dec.BatchSize); len(batch) > 0 {
				d.metrics.QueueDepth.Set(float64(d.queue.Len()))
				d.deliver(sendCtx, batch)
			} else {
				d.replay(sendCtx)
			}
			d.sched.MarkFlushed(now)
			continue
		}
		d.metrics.QueueDepth.Set(float64(d.queue.Len()))

		wait := dec.WaitUntil.Sub(d.now())
		if d.checking() {
			wait = min(wait, d.nextCheckAt.Sub(d.now()))
		}
		wait = max(wait, time.Millisecond)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
		case <-d.queue.Ready():
		case <-timer.C:
		}
	}

	return d.shutdown(sendCtx)
}

// deliver sends one live batch and routes any failure.
func (d *Dispatcher) deliver(ctx context.Context, batch []*types.Message) {
	if d.skipSend(ctx) {
		d.logger.Debug("dispatch: transport unhealthy, persisting batch", "batch", len(batch))
		d.offline(ctx, batch, nil)
		return
	}

	start := time.Now()
	_, err := d.transport.Send(ctx, batch)
	d.metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err == nil {
		d.metrics.Delivered.Add(float64(len(batch)))
		d.setHealthy(true)
		d.logger.Debug("dispatch: batch delivered", "batch", len(batch))
		return
	}

	kind := transport.KindOf(err)
	d.metrics.SendErrors.WithLabelValues(kind.String()).Inc()

	delivered := min(max(transport.DeliveredOf(err), 0), len(batch))
	if delivered > 0 {
		d.metrics.Delivered.Add(float64(delivered))
	}
	tail := batch[delivered:]

	if kind == transport.Rejected {
		d.logger.Error("dispatch: batch rejected, dropping",
			"batch", len(tail), "err", err)
		d.metrics.Drop(metrics.ReasonRejected, len(tail))
		d.handler.HandleError(&DeliveryError{Outcome: Dropped, IDs: types.Batch(tail).IDs(), Err: err})
		return
	}

	d.logger.Warn("dispatch: send failed", "batch", len(tail), "delivered", delivered, "err", err)
	d.setHealthy(false)
	for _, m := range tail {
		m.Attempts++
	}
	d.offline(ctx, tail, err)
}

// offline persists batch. cause is the send failure, nil when the send was
// skipped. Without a store, or when persisting fails, the batch is dropped.
func (d *Dispatcher) offline(ctx context.Context, batch []*types.Message, cause error) {
	ids := types.Batch(batch).IDs()
	if d.store == nil {
		if cause == nil {
			cause = transport.ErrUnreachable
		}
		d.metrics.Drop(metrics.ReasonNoOffline, len(batch))
		d.handler.HandleError(&DeliveryError{Outcome: Dropped, IDs: ids, Err: cause})
		return
	}

	if err := d.store.Persist(context.WithoutCancel(ctx), batch); err != nil {
		reason := metrics.ReasonOfflineError
		if errors.Is(err, offline.ErrFull) {
			reason = metrics.ReasonOfflineFull
		}
		d.logger.Error("dispatch: persist failed, dropping batch", "batch", len(batch), "err", err)
		d.metrics.Drop(reason, len(batch))
		d.handler.HandleError(&DeliveryError{Outcome: Dropped, IDs: ids, Err: errors.Join(cause, err)})
		return
	}

	d.backlog.Store(true)
	d.metrics.Offlined.Add(float64(len(batch)))
	if cause != nil {
		d.handler.HandleError(&DeliveryError{Outcome: Offlined, IDs: ids, Err: cause})
	}
}

// replay purges expired records and resends the oldest stored ones.
func (d *Dispatcher) replay(ctx context.Context) {
	if d.store == nil || !d.backlog.Load() {
		return
	}
	storeCtx := context.WithoutCancel(ctx)

	n, err := d.store.PurgeExpired(storeCtx)
	if err != nil {
		d.logger.Error("dispatch: purge expired failed", "err", err)
		d.handler.HandleError(err)
	} else if n > 0 {
		d.metrics.Expired.Add(float64(n))
		d.metrics.Drop(metrics.ReasonExpired, int(n))
		d.logger.Info("dispatch: purged expired offline messages", "count", n)
	}

	if d.skipSend(ctx) {
		return
	}

	// Cleared before reading so a concurrent NoteBacklog is never lost.
	d.backlog.Store(false)
	recs, err := d.store.Replay(storeCtx, d.replayLimit)
	if err != nil {
		d.backlog.Store(true)
		d.logger.Error("dispatch: replay failed", "err", err)
		d.handler.HandleError(err)
		return
	}
	if len(recs) == 0 {
		return
	}
	d.backlog.Store(true)

	batch := make([]*types.Message, len(recs))
	for i, r := range recs {
		batch[i] = r.Message()
	}

	start := time.Now()
	_, err = d.transport.Send(ctx, batch)
	d.metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err == nil {
		d.markReplayed(storeCtx, batch)
		d.setHealthy(true)
		return
	}

	kind := transport.KindOf(err)
	d.metrics.SendErrors.WithLabelValues(kind.String()).Inc()
	delivered := min(max(transport.DeliveredOf(err), 0), len(batch))
	d.markReplayed(storeCtx, batch[:delivered])
	tail := batch[delivered:]
	ids := types.Batch(tail).IDs()

	if kind == transport.Rejected {
		d.logger.Error("dispatch: replayed batch rejected, dropping", "batch", len(tail), "err", err)
		if derr := d.store.Delete(storeCtx, ids); derr != nil {
			d.logger.Error("dispatch: delete rejected records failed", "err", derr)
		}
		d.metrics.Drop(metrics.ReasonRejected, len(tail))
		d.handler.HandleError(&DeliveryError{Outcome: Dropped, IDs: ids, Err: err})
		return
	}

	d.logger.Warn("dispatch: replay send failed", "batch", len(tail), "err", err)
	d.setHealthy(false)
	if merr := d.store.MarkAttempt(storeCtx, ids); merr != nil {
		d.logger.Error("dispatch: mark attempt failed", "err", merr)
	}
}

func (d *Dispatcher) markReplayed(ctx context.Context, batch []*types.Message) {
	if len(batch) == 0 {
		return
	}
	// Deleting right after the ack keeps each message in exactly one place.
	if err := d.store.Delete(ctx, types.Batch(batch).IDs()); err != nil {
		d.logger.Error("dispatch: delete replayed records failed", "batch", len(batch), "err", err)
		d.handler.HandleError(err)
	}
	d.metrics.Replayed.Add(float64(len(batch)))
	d.metrics.Delivered.Add(float64(len(batch)))
	d.logger.Debug("dispatch: replayed offline messages", "count", len(batch))
}

// skipSend reports whether a send should be skipped because the transport
// is unhealthy and not yet due for a probe. Only applies with a store; without
// one, every send is worth trying.
func (d *Dispatcher) skipSend(ctx context.Context) bool {
	if d.healthy.Load() || d.store == nil {
		return false
	}
	now := d.now()
	if now.Before(d.nextProbeAt) {
		return true
	}
	d.nextProbeAt = now.Add(d.healthInterval)
	if hc, ok := d.transport.(transport.HealthChecker); ok {
		if !hc.Healthy(ctx) {
			d.logger.Debug("dispatch: probe failed", "next_probe_in", d.healthInterval)
			return true
		}
		d.setHealthy(true)
	}
	return false
}

func (d *Dispatcher) setHealthy(ok bool) {
	was := d.healthy.Swap(ok)
	switch {
	case was && !ok:
		d.nextProbeAt = d.now().Add(d.healthInterval)
		d.metrics.Healthy.Set(0)
		d.logger.Warn("dispatch: transport unhealthy", "next_probe_in", d.healthInterval)
	case !was && ok:
		d.metrics.Healthy.Set(1)
		d.logger.Info("dispatch: transport recovered")
	}
}

func (d *Dispatcher) checking() bool {
	if d.checkRate <= 0 {
		return false
	}
	_, ok := d.transport.(transport.MessageChecker)
	return ok
}

// checkMessages polls the collector for inbound messages every checkRate.
func (d *Dispatcher) checkMessages(ctx context.Context, now time.Time) {
	if !d.checking() || now.Before(d.nextCheckAt) {
		return
	}
	d.nextCheckAt = now.Add(d.checkRate)
	if !d.healthy.Load() {
		return
	}
	msgs, err := d.transport.(transport.MessageChecker).CheckMessages(ctx, inboundLimit)
	if err != nil {
		d.logger.Debug("dispatch: message check failed", "err", err)
		return
	}
	for _, m := range msgs {
		d.handler.HandleMessage(m)
	}
}

// Shutdown persists, or drops and reports, everything still queued. It is
// for a dispatcher whose Run was never called; Run does the same on exit.
func (d *Dispatcher) Shutdown(ctx context.Context) error { return d.shutdown(ctx) }

func (d *Dispatcher) shutdown(ctx context.Context) error {
	rest := d.queue.Drain()
	d.metrics.QueueDepth.Set(0)
	if len(rest) == 0 {
		d.logger.Info("dispatch: stopped")
		return nil
	}
	ids := types.Batch(rest).IDs()

	if d.store == nil {
		d.logger.Warn("dispatch: dropping queued messages on shutdown", "count", len(rest))
		d.metrics.Drop(metrics.ReasonShutdown, len(rest))
		d.handler.HandleError(&DeliveryError{Outcome: Dropped, IDs: ids, Err: ErrStopped})
		return nil
	}

	if err := d.store.Persist(context.WithoutCancel(ctx), rest); err != nil {
		d.logger.Error("dispatch: persist on shutdown failed", "count", len(rest), "err", err)
		d.metrics.Drop(metrics.ReasonShutdown, len(rest))
		d.handler.HandleError(&DeliveryError{Outcome: Dropped, IDs: ids, Err: errors.Join(ErrStopped, err)})
		return err
	}
	d.metrics.Offlined.Add(float64(len(rest)))
	d.logger.Info("dispatch: persisted queued messages on shutdown", "count", len(rest))
	return nil
}
