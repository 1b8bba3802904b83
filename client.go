package tendrl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tendrl-inc-labs/go-sdk/internal/config"
	"github.com/tendrl-inc-labs/go-sdk/internal/dispatch"
	"github.com/tendrl-inc-labs/go-sdk/internal/metrics"
	"github.com/tendrl-inc-labs/go-sdk/internal/monitor"
	"github.com/tendrl-inc-labs/go-sdk/internal/offline"
	"github.com/tendrl-inc-labs/go-sdk/internal/queue"
	"github.com/tendrl-inc-labs/go-sdk/internal/scheduler"
	"github.com/tendrl-inc-labs/go-sdk/internal/transport"
	"github.com/tendrl-inc-labs/go-sdk/pkg/types"
)

// Version is the SDK version reported to the collector.
const Version = transport.SDKVersion

// Config holds every client setting. See DefaultConfig for the defaults.
type Config = config.ClientConfig

// Bounds are the scheduler targets and limits.
type Bounds = scheduler.Bounds

// Ack is the collector's acknowledgement of an inline send.
type Ack = types.Ack

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config { return config.DefaultClient() }

// LoadConfig reads the client section of a YAML config file.
func LoadConfig(path string) (Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return Config{}, err
	}
	return cfg.Client, nil
}

// BoundsFrom extracts the scheduler bounds from cfg.
func BoundsFrom(cfg Config) Bounds {
	return Bounds{
		TargetCPUPercent: cfg.TargetCPUPercent,
		TargetMemPercent: cfg.TargetMemPercent,
		CPUWeight:        cfg.CPUWeight,
		MemWeight:        cfg.MemWeight,
		MinBatchSize:     cfg.MinBatchSize,
		MaxBatchSize:     cfg.MaxBatchSize,
		MinInterval:      cfg.MinBatchInterval,
		MaxInterval:      cfg.MaxBatchInterval,
	}
}

// Client publishes telemetry. Create one with New, then call Start.
//
// In headless mode the client has no queue, scheduler or background work:
// every Publish is sent inline and its error returned to the caller.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	handler   Handler
	metrics   *metrics.Metrics
	transport transport.Transport
	sampler   monitor.Sampler

	// nil in headless mode
	queue   *queue.Queue
	monitor *monitor.Monitor
	sched   *scheduler.Scheduler
	disp    *dispatch.Dispatcher

	store *offline.Store

	// inlineDown tracks reachability from inline sends in headless mode.
	inlineDown atomic.Bool

	// mu is held for reading by every Publish from the closed check through
	// the enqueue, so Stop cannot drain the queue in between.
	mu      sync.RWMutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New validates cfg and wires the client. No background work starts and no
// connection is made until Start.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}

	if err := BoundsFrom(cfg).Validate(); err != nil {
		return nil, fmt.Errorf("tendrl: %w: %v", config.ErrInvalid, err)
	}

	var err error
	if c.transport == nil {
		if c.transport, err = transport.New(cfg, c.logger); err != nil {
			return nil, err
		}
	}

	var store dispatch.Store
	if cfg.OfflineStorage {
		c.store, err = offline.Open(cfg.DBPath, offline.Options{
			DefaultTTL: cfg.OfflineTTL,
			MaxRecords: cfg.OfflineMaxRecords,
		})
		if err != nil {
			_ = c.transport.Close()
			return nil, err
		}
		store = c.store
	}
	if cfg.Headless {
		return c, nil
	}

	if c.sched, err = scheduler.New(BoundsFrom(cfg)); err != nil {
		_ = c.closeResources()
		return nil, fmt.Errorf("tendrl: %w: %v", config.ErrInvalid, err)
	}
	c.queue = queue.New(cfg.MaxQueueSize)
	c.monitor = monitor.New(c.sampler, cfg.SampleInterval, cfg.SampleWindow, c.logger)

	c.disp, err = dispatch.New(dispatch.Options{
		Queue:               c.queue,
		Scheduler:           c.sched,
		Transport:           c.transport,
		Samples:             c.monitor,
		Store:               store,
		Handler:             c.handler,
		Metrics:             c.metrics,
		Logger:              c.logger,
		CheckMsgRate:        cfg.CheckMsgRate,
		HealthCheckInterval: cfg.HealthCheckInterval,
		ShutdownGrace:       cfg.ShutdownGrace,
	})
	if err != nil {
		_ = c.closeResources()
		return nil, err
	}
	return c, nil
}

// Start launches the resource monitor and the dispatch loop. They run until
// ctx is cancelled or Stop is called. In headless mode Start starts nothing.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case c.started:
		return ErrAlreadyStarted
	}
	c.started = true

	if !c.cfg.Headless {
		ctx, c.cancel = context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return c.monitor.Run(gctx) })
		g.Go(func() error { return c.disp.Run(gctx) })
		c.group = g
	}

	c.logger.Info("tendrl: client started",
		"mode", c.cfg.Mode,
		"transport", c.transport.Name(),
		"headless", c.cfg.Headless,
		"offline", c.store != nil)
	return nil
}

// Stop shuts the client down: queued messages are persisted (or dropped and
// reported without offline storage), then the transport and store are
// closed. This holds whether or not Start was called.
//
// ctx bounds how long Stop waits for the dispatch loop, which itself gives
// an in-flight batch ShutdownGrace. If ctx expires first, Stop returns and
// the transport and store are closed once the loop has exited. Calling Stop
// more than once is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, g := c.cancel, c.group
	c.mu.Unlock()

	var err error
	switch {
	case g != nil:
		cancel()
		done := make(chan error, 1)
		go func() { done <- g.Wait() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			c.logger.Warn("tendrl: stop deadline passed, closing after dispatch exits")
			go func() {
				<-done
				if cerr := c.closeResources(); cerr != nil {
					c.logger.Error("tendrl: close after stop", "err", cerr)
				}
			}()
			return fmt.Errorf("tendrl: stop: %w", ctx.Err())
		}
	case c.disp != nil:
		err = c.disp.Shutdown(ctx)
	}

	if cerr := c.closeResources(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	c.logger.Info("tendrl: client stopped")
	return err
}

func (c *Client) closeResources() error {
	var errs []error
	if err := c.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close offline store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Publish submits one message and returns its id.
//
// In headless mode, or with WaitResponse, the message is sent inline and any
// delivery error is returned. Otherwise it is queued for the dispatcher and
// ErrQueueFull is returned when the queue is at capacity.
func (c *Client) Publish(ctx context.Context, payload any, opts ...PublishOption) (string, error) {
	var po publishOptions
	for _, opt := range opts {
		opt(&po)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	msg, err := c.newMessage(payload, po)
	if err != nil {
		return "", err
	}

	if c.cfg.Headless || po.wait {
		if _, err := c.sendInline(ctx, msg, po.timeout); err != nil {
			return "", err
		}
		return msg.ID, nil
	}
	return msg.ID, c.enqueue(ctx, msg, po.offlineOnFull)
}

// PublishSync sends one message inline, bypassing the queue, and returns
// the collector's acknowledgement.
func (c *Client) PublishSync(ctx context.Context, payload any, opts ...PublishOption) (*Ack, error) {
	var po publishOptions
	for _, opt := range opts {
		opt(&po)
	}
	po.wait = true
	c.mu.RLock()
	defer c.mu.RUnlock()
	msg, err := c.newMessage(payload, po)
	if err != nil {
		return nil, err
	}
	return c.sendInline(ctx, msg, po.timeout)
}

// newMessage must be called with c.mu held.
func (c *Client) newMessage(payload any, po publishOptions) (*types.Message, error) {
	if c.closed {
		return nil, ErrClosed
	}
	msg, err := types.NewMessage(payload, po.tags, po.entity)
	if err != nil {
		return nil, err
	}
	msg.TTL = po.ttl
	msg.WaitResponse = po.wait
	return msg, nil
}

func (c *Client) enqueue(ctx context.Context, msg *types.Message, offlineOnFull bool) error {
	err := c.queue.Enqueue(msg)
	if err == nil {
		c.metrics.Enqueued.Inc()
		return nil
	}
	c.metrics.QueueFull.Inc()
	if !offlineOnFull || c.store == nil {
		return fmt.Errorf("tendrl: publish: %w", err)
	}

	// Both full: the newest message is refused, nothing older is evicted.
	if perr := c.store.Persist(ctx, []*types.Message{msg}); perr != nil {
		return fmt.Errorf("tendrl: publish: %w: %w", ErrQueueFull, perr)
	}
	c.metrics.Offlined.Inc()
	c.disp.NoteBacklog()
	return nil
}

// sendInline sends msg with the transport's own retry policy. timeout, when
// set, replaces the per-attempt timeout; it never caps the retries.
func (c *Client) sendInline(ctx context.Context, msg *types.Message, timeout time.Duration) (*Ack, error) {
	ctx = transport.WithAttemptTimeout(ctx, timeout)

	start := time.Now()
	ack, err := c.transport.Send(ctx, []*types.Message{msg})
	c.metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		kind := transport.KindOf(err)
		c.metrics.SendErrors.WithLabelValues(kind.String()).Inc()
		if kind != transport.Rejected {
			c.inlineDown.Store(true)
		}
		return nil, fmt.Errorf("tendrl: publish %s: %w", msg.ID, err)
	}
	c.inlineDown.Store(false)
	c.metrics.Delivered.Inc()
	return ack, nil
}

// ReplayOffline resends stored messages inline, oldest first, until the
// store is empty or a send fails, and returns how many were delivered.
// Rejected records are deleted and reported in the returned error.
//
// It is meant for headless mode. Otherwise the dispatcher owns replay; the
// call only asks it to replay at its next idle flush and returns 0.
func (c *Client) ReplayOffline(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.closed:
		return 0, ErrClosed
	case c.store == nil:
		return 0, nil
	case c.disp != nil:
		c.disp.NoteBacklog()
		return 0, nil
	}

	if n, err := c.store.PurgeExpired(ctx); err != nil {
		return 0, err
	} else if n > 0 {
		c.metrics.Expired.Add(float64(n))
		c.metrics.Drop(metrics.ReasonExpired, int(n))
	}

	var sent int
	var rejected []error
	for {
		recs, err := c.store.Replay(ctx, offline.DefaultReplayLimit)
		if err != nil {
			return sent, errors.Join(append(rejected, err)...)
		}
		if len(recs) == 0 {
			return sent, errors.Join(rejected...)
		}
		batch := make([]*types.Message, len(recs))
		for i, r := range recs {
			batch[i] = r.Message()
		}

		_, serr := c.transport.Send(ctx, batch)
		delivered := len(batch)
		if serr != nil {
			c.metrics.SendErrors.WithLabelValues(transport.KindOf(serr).String()).Inc()
			delivered = min(max(transport.DeliveredOf(serr), 0), len(batch))
		}
		if delivered > 0 {
			if err := c.store.Delete(ctx, types.Batch(batch[:delivered]).IDs()); err != nil {
				return sent, errors.Join(append(rejected, err)...)
			}
			c.metrics.Replayed.Add(float64(delivered))
			c.metrics.Delivered.Add(float64(delivered))
			sent += delivered
		}
		if serr == nil {
			c.inlineDown.Store(false)
			continue
		}

		tail := types.Batch(batch[delivered:]).IDs()
		if transport.KindOf(serr) == transport.Rejected {
			if err := c.store.Delete(ctx, tail); err != nil {
				return sent, errors.Join(append(rejected, err)...)
			}
			c.metrics.Drop(metrics.ReasonRejected, len(tail))
			rejected = append(rejected, &DeliveryError{Outcome: Dropped, IDs: tail, Err: serr})
			continue
		}
		c.inlineDown.Store(true)
		if err := c.store.MarkAttempt(ctx, tail); err != nil {
			c.logger.Error("tendrl: mark attempt failed", "err", err)
		}
		return sent, errors.Join(append(rejected, fmt.Errorf("tendrl: replay: %w", serr))...)
	}
}

// SetScheduling replaces the scheduler bounds. The current batch size and
// interval are clamped into the new range. Headless clients have no
// scheduler; b is validated and otherwise ignored.
func (c *Client) SetScheduling(b Bounds) error {
	if c.sched == nil {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("tendrl: %w: %v", config.ErrInvalid, err)
		}
		return nil
	}
	if err := c.sched.SetBounds(b); err != nil {
		return fmt.Errorf("tendrl: %w: %v", config.ErrInvalid, err)
	}
	c.logger.Info("tendrl: scheduling updated",
		"min_batch_size", b.MinBatchSize, "max_batch_size", b.MaxBatchSize,
		"min_interval", b.MinInterval, "max_interval", b.MaxInterval)
	return nil
}

// Healthy reports whether the collector is currently considered reachable.
// Headless clients judge by the last inline send.
func (c *Client) Healthy() bool {
	if c.disp == nil {
		return !c.inlineDown.Load()
	}
	return c.disp.Healthy()
}

// QueueLen returns the number of messages waiting in memory. It is always 0
// in headless mode.
func (c *Client) QueueLen() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.Len()
}

// OfflineCount returns the number of messages in the offline store, or 0
// when offline storage is disabled.
func (c *Client) OfflineCount(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	return c.store.Count(ctx)
}

// Metrics returns an HTTP handler serving the client's Prometheus metrics.
func (c *Client) Metrics() http.Handler { return c.metrics.Handler() }
