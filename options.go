package tendrl

import (
	"log/slog"
	"time"

	"github.com/tendrl-inc-labs/go-sdk/internal/dispatch"
	"github.com/tendrl-inc-labs/go-sdk/internal/metrics"
	"github.com/tendrl-inc-labs/go-sdk/internal/monitor"
	"github.com/tendrl-inc-labs/go-sdk/internal/transport"
)

type (
	// Handler receives inbound collector messages and asynchronous
	// delivery errors from the dispatch goroutine, or from Stop when the
	// client was never started.
	Handler = dispatch.Handler
	// HandlerFuncs adapts plain functions to Handler.
	HandlerFuncs = dispatch.HandlerFuncs
	// Transport delivers batches to a collector.
	Transport = transport.Transport
	// Sampler reads CPU and memory utilisation.
	Sampler = monitor.Sampler
	// SamplerFunc adapts a function to Sampler.
	SamplerFunc = monitor.SamplerFunc
	// Metrics is the client's set of Prometheus instruments.
	Metrics = metrics.Metrics
)

// NewMetrics creates a fresh set of instruments on a private registry.
func NewMetrics() *Metrics { return metrics.New() }

// Option configures a Client.
type Option func(*Client)

// WithHandler sets the handler for inbound messages and delivery errors.
func WithHandler(h Handler) Option {
	return func(c *Client) { c.handler = h }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTransport replaces the transport selected by Config.Mode.
// The client takes ownership and closes it on Stop.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithSampler replaces the gopsutil system sampler.
func WithSampler(s Sampler) Option {
	return func(c *Client) { c.sampler = s }
}

// WithMetrics makes the client record into m instead of its own instruments.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// PublishOption configures a single Publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	tags          []string
	entity        string
	wait          bool
	timeout       time.Duration
	ttl           time.Duration
	offlineOnFull bool
}

// Tags attaches tags to the message. Duplicates are collapsed.
func Tags(tags ...string) PublishOption {
	return func(o *publishOptions) { o.tags = append(o.tags, tags...) }
}

// Entity addresses the message to a specific target.
func Entity(entity string) PublishOption {
	return func(o *publishOptions) { o.entity = entity }
}

// WaitResponse sends the message inline and waits for the collector's ack.
func WaitResponse() PublishOption {
	return func(o *publishOptions) { o.wait = true }
}

// Timeout sets the per-attempt timeout of an inline send. The default is
// Config.AttemptTimeout. Retries still follow MaxAttempts; bound the whole
// call with the ctx passed to Publish.
func Timeout(d time.Duration) PublishOption {
	return func(o *publishOptions) { o.timeout = d }
}

// TTL overrides how long the message may wait in the offline store.
func TTL(d time.Duration) PublishOption {
	return func(o *publishOptions) { o.ttl = d }
}

// OfflineOnFull persists the message to the offline store when the queue
// is full instead of returning ErrQueueFull. It has no effect when offline
// storage is disabled.
func OfflineOnFull() PublishOption {
	return func(o *publishOptions) { o.offlineOnFull = true }
}
