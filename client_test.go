package tendrl_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	tendrl "github.com/tendrl-inc-labs/go-sdk"
	"github.com/tendrl-inc-labs/go-sdk/internal/collector"
	"github.com/tendrl-inc-labs/go-sdk/internal/offline"
	"github.com/tendrl-inc-labs/go-sdk/internal/transport"
	"github.com/tendrl-inc-labs/go-sdk/internal/wire"
	"github.com/tendrl-inc-labs/go-sdk/pkg/types"
)

// startCollector runs an in-process development collector and returns its
// address and receiver.
func startCollector(t *testing.T) (string, *collector.Receiver) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	rec := collector.NewReceiver(collector.NewStore(time.Hour), nil, nil)
	srv := collector.NewGRPCServer(rec, collector.APIKeyInterceptor("none", ""))
	go srv.Serve(lis) //nolint:errcheck
	t.Cleanup(srv.Stop)
	return lis.Addr().String(), rec
}

func idleSampler() tendrl.Sampler {
	return tendrl.SamplerFunc(func(context.Context) (float64, float64, error) { return 10, 10, nil })
}

func testConfig(endpoint string) tendrl.Config {
	cfg := tendrl.DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.MinBatchSize = 5
	cfg.MaxBatchSize = 20
	cfg.MinBatchInterval = 10 * time.Millisecond
	cfg.MaxBatchInterval = 50 * time.Millisecond
	cfg.SampleInterval = 20 * time.Millisecond
	cfg.MaxAttempts = 1
	cfg.AttemptTimeout = time.Second
	cfg.BackoffInitial = 5 * time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	cfg.HealthCheckInterval = 50 * time.Millisecond
	cfg.CheckMsgRate = 0
	return cfg
}

func withOffline(t *testing.T, cfg tendrl.Config) tendrl.Config {
	cfg.OfflineStorage = true
	cfg.DBPath = filepath.Join(t.TempDir(), "offline.db")
	return cfg
}

type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) handler() tendrl.Handler {
	return tendrl.HandlerFuncs{OnError: func(err error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.errs = append(l.errs, err)
	}}
}

func (l *errorLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errs)
}

func newStartedClient(t *testing.T, cfg tendrl.Config, opts ...tendrl.Option) *tendrl.Client {
	t.Helper()
	opts = append([]tendrl.Option{tendrl.WithSampler(idleSampler())}, opts...)
	c, err := tendrl.New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func TestClient_PublishDeliversInOrder(t *testing.T) {
	addr, rec := startCollector(t)
	c := newStartedClient(t, testConfig(addr))

	var want []string
	for i := 0; i < 30; i++ {
		id, err := c.Publish(context.Background(), map[string]int{"seq": i}, tendrl.Tags("b", "a", "b"))
		require.NoError(t, err)
		want = append(want, id)
	}

	require.Eventually(t, func() bool { return rec.Store().Count() == 30 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, rec.Store().IDs())

	first := rec.Store().List()[0].Message
	require.NotNil(t, first.Context)
	assert.Equal(t, []string{"a", "b"}, first.Context.Tags)
}

func TestClient_OutageOfflinesThenReplaysInOrder(t *testing.T) {
	addr, rec := startCollector(t)
	var errs errorLog
	c := newStartedClient(t, withOffline(t, testConfig(addr)), tendrl.WithHandler(errs.handler()))

	rec.SetOutage(true)
	var want []string
	for i := 0; i < 10; i++ {
		id, err := c.Publish(context.Background(), i)
		require.NoError(t, err)
		want = append(want, id)
	}

	require.Eventually(t, func() bool {
		n, err := c.OfflineCount(context.Background())
		return err == nil && n == 10
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, rec.Store().Count())
	assert.False(t, c.Healthy())
	assert.Positive(t, errs.len())

	rec.SetOutage(false)
	require.Eventually(t, func() bool { return rec.Store().Count() == 10 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, rec.Store().IDs())

	n, err := c.OfflineCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, c.Healthy())
}

func TestClient_HeadlessReturnsErrorsInline(t *testing.T) {
	addr, rec := startCollector(t)
	cfg := testConfig(addr)
	cfg.Headless = true
	c := newStartedClient(t, cfg)

	rec.SetOutage(true)
	_, err := c.Publish(context.Background(), "down")
	require.ErrorIs(t, err, tendrl.ErrUnreachable)

	rec.SetOutage(false)
	id, err := c.Publish(context.Background(), "up")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, rec.Store().IDs())
	assert.Zero(t, c.QueueLen())
}

func TestClient_PublishSyncReturnsResponse(t *testing.T) {
	addr, _ := startCollector(t)
	c := newStartedClient(t, testConfig(addr))

	ack, err := c.PublishSync(context.Background(), json.RawMessage(`{"ping":true}`))
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Accepted)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(ack.Response, &resp))
	assert.Equal(t, "received", resp["status"])
	assert.Equal(t, ack.IDs[0], resp["id"])
}

func TestClient_RejectedInlineIsNotRetried(t *testing.T) {
	addr, rec := startCollector(t)
	cfg := testConfig(addr)
	cfg.Headless = true
	c := newStartedClient(t, cfg)

	// JSON null data is refused by the collector as missing.
	_, err := c.Publish(context.Background(), json.RawMessage(`null`))
	require.ErrorIs(t, err, tendrl.ErrRejected)
	assert.Zero(t, rec.Store().Count())
}

func TestClient_QueueFull(t *testing.T) {
	cfg := testConfig("127.0.0.1:1")
	cfg.MaxQueueSize = 2
	c, err := tendrl.New(cfg, tendrl.WithSampler(idleSampler()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	for i := 0; i < 2; i++ {
		_, err := c.Publish(context.Background(), i)
		require.NoError(t, err)
	}
	_, err = c.Publish(context.Background(), 3)
	require.ErrorIs(t, err, tendrl.ErrQueueFull)
	assert.Equal(t, 2, c.QueueLen())

	// Without offline storage, OfflineOnFull still reports the full queue.
	_, err = c.Publish(context.Background(), 4, tendrl.OfflineOnFull())
	require.ErrorIs(t, err, tendrl.ErrQueueFull)
}

func TestClient_OfflineOnFullPersists(t *testing.T) {
	cfg := withOffline(t, testConfig("127.0.0.1:1"))
	cfg.MaxQueueSize = 1
	c, err := tendrl.New(cfg, tendrl.WithSampler(idleSampler()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	_, err = c.Publish(context.Background(), 1)
	require.NoError(t, err)
	id, err := c.Publish(context.Background(), 2, tendrl.OfflineOnFull(), tendrl.Tags("overflow"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n, err := c.OfflineCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClient_StopLosesNothing(t *testing.T) {
	addr, rec := startCollector(t)
	cfg := withOffline(t, testConfig(addr))
	cfg.MinBatchSize = 50
	cfg.MaxBatchSize = 50
	cfg.MinBatchInterval = 5 * time.Second
	cfg.MaxBatchInterval = 10 * time.Second

	c, err := tendrl.New(cfg, tendrl.WithSampler(idleSampler()))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	for i := 0; i < 3; i++ {
		_, err := c.Publish(context.Background(), i)
		require.NoError(t, err)
	}
	require.NoError(t, c.Stop(context.Background()))

	st, err := offline.Open(cfg.DBPath, offline.Options{})
	require.NoError(t, err)
	defer st.Close()
	stored, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stored+rec.Store().Count())

	_, err = c.Publish(context.Background(), "late")
	assert.ErrorIs(t, err, tendrl.ErrClosed)
	assert.NoError(t, c.Stop(context.Background()), "second Stop")
}

func TestClient_InvalidInput(t *testing.T) {
	cfg := testConfig("127.0.0.1:1")
	c, err := tendrl.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	_, err = c.Publish(context.Background(), []byte("{nope"))
	assert.ErrorIs(t, err, tendrl.ErrInvalidPayload)
	_, err = c.Publish(context.Background(), nil)
	assert.ErrorIs(t, err, tendrl.ErrInvalidPayload)

	bad := tendrl.BoundsFrom(cfg)
	bad.MaxBatchSize = 1
	assert.ErrorIs(t, c.SetScheduling(bad), tendrl.ErrInvalidConfig)
	assert.NoError(t, c.SetScheduling(tendrl.BoundsFrom(cfg)))

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), tendrl.ErrAlreadyStarted)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := tendrl.DefaultConfig()
	cfg.MaxBatchSize = cfg.MinBatchSize - 1
	_, err := tendrl.New(cfg)
	require.ErrorIs(t, err, tendrl.ErrInvalidConfig)

	cfg = tendrl.DefaultConfig()
	cfg.Mode = "carrier-pigeon"
	_, err = tendrl.New(cfg)
	require.ErrorIs(t, err, tendrl.ErrInvalidConfig)
}

func TestClient_MetricsHandler(t *testing.T) {
	addr, rec := startCollector(t)
	m := tendrl.NewMetrics()
	c := newStartedClient(t, testConfig(addr), tendrl.WithMetrics(m))

	for i := 0; i < 5; i++ {
		_, err := c.Publish(context.Background(), i)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return rec.Store().Count() == 5 },
		5*time.Second, 10*time.Millisecond)
	assert.NotNil(t, c.Metrics())
	assert.Equal(t, float64(5), testutil.ToFloat64(m.Enqueued))
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.Delivered) == 5 },
		5*time.Second, 10*time.Millisecond)
}

// slowFirstCollector stalls its first PublishBatch for stall, or until the
// call's deadline, before handing it to the receiver.
type slowFirstCollector struct {
	*collector.Receiver
	stall time.Duration
	calls atomic.Int32
}

func (c *slowFirstCollector) PublishBatch(ctx context.Context, in *wire.Batch) (*wire.Ack, error) {
	if c.calls.Add(1) == 1 {
		select {
		case <-time.After(c.stall):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.Receiver.PublishBatch(ctx, in)
}

func startSlowFirstCollector(t *testing.T, stall time.Duration) (string, *slowFirstCollector) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	sc := &slowFirstCollector{Receiver: collector.NewReceiver(collector.NewStore(time.Hour), nil, nil), stall: stall}
	srv := grpc.NewServer()
	wire.RegisterCollectorServer(srv, sc)
	go srv.Serve(lis) //nolint:errcheck
	t.Cleanup(srv.Stop)
	return lis.Addr().String(), sc
}

func TestClient_HeadlessStartsNoBackgroundWork(t *testing.T) {
	addr, rec := startCollector(t)
	cfg := testConfig(addr)
	cfg.Headless = true

	var samples atomic.Int32
	sampler := tendrl.SamplerFunc(func(context.Context) (float64, float64, error) {
		samples.Add(1)
		return 10, 10, nil
	})
	c, err := tendrl.New(cfg, tendrl.WithSampler(sampler))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, samples.Load(), "sampler ran in headless mode")

	_, err = c.Publish(context.Background(), "inline")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Store().Count())
	assert.Zero(t, c.QueueLen())
	assert.True(t, c.Healthy())
	assert.NoError(t, c.SetScheduling(tendrl.BoundsFrom(cfg)))

	require.NoError(t, c.Stop(context.Background()))
	assert.Zero(t, samples.Load())
}

func TestClient_HeadlessReplayOffline(t *testing.T) {
	addr, rec := startCollector(t)
	cfg := withOffline(t, testConfig(addr))
	cfg.Headless = true

	st, err := offline.Open(cfg.DBPath, offline.Options{DefaultTTL: time.Hour})
	require.NoError(t, err)
	var want []string
	for i := 0; i < 3; i++ {
		m, err := types.NewMessage(i, []string{"sensor", "prod"}, "")
		require.NoError(t, err)
		require.NoError(t, st.Persist(context.Background(), []*types.Message{m}))
		want = append(want, m.ID)
	}
	require.NoError(t, st.Close())

	c := newStartedClient(t, cfg)
	n, err := c.ReplayOffline(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, want, rec.Store().IDs())
	assert.Equal(t, []string{"prod", "sensor"}, rec.Store().List()[0].Message.Context.Tags)

	left, err := c.OfflineCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestClient_InlineSendRetriesAfterAttemptTimeout(t *testing.T) {
	addr, sc := startSlowFirstCollector(t, 5*time.Second)
	cfg := testConfig(addr)
	cfg.Headless = true
	cfg.MaxAttempts = 3
	cfg.AttemptTimeout = 200 * time.Millisecond
	c := newStartedClient(t, cfg)

	id, err := c.Publish(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Equal(t, int32(2), sc.calls.Load())
	assert.Equal(t, []string{id}, sc.Store().IDs())
}

func TestClient_TimeoutOptionIsPerAttempt(t *testing.T) {
	addr, sc := startSlowFirstCollector(t, 300*time.Millisecond)
	cfg := testConfig(addr)
	cfg.AttemptTimeout = 50 * time.Millisecond
	c := newStartedClient(t, cfg)

	ack, err := c.PublishSync(context.Background(), "patient", tendrl.Timeout(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Accepted)
	assert.Equal(t, int32(1), sc.calls.Load())
}

func TestClient_StopWithoutStartPersistsQueue(t *testing.T) {
	cfg := withOffline(t, testConfig("127.0.0.1:1"))
	c, err := tendrl.New(cfg, tendrl.WithSampler(idleSampler()))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := c.Publish(context.Background(), i)
		require.NoError(t, err)
	}
	require.NoError(t, c.Stop(context.Background()))

	st, err := offline.Open(cfg.DBPath, offline.Options{})
	require.NoError(t, err)
	defer st.Close()
	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestClient_StopWithoutStartReportsDrops(t *testing.T) {
	var errs errorLog
	c, err := tendrl.New(testConfig("127.0.0.1:1"),
		tendrl.WithSampler(idleSampler()), tendrl.WithHandler(errs.handler()))
	require.NoError(t, err)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := c.Publish(context.Background(), i)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, c.Stop(context.Background()))

	require.Equal(t, 1, errs.len())
	var de *tendrl.DeliveryError
	require.ErrorAs(t, errs.errs[0], &de)
	assert.Equal(t, tendrl.Dropped, de.Outcome)
	assert.Equal(t, ids, de.IDs)
	assert.ErrorIs(t, de, tendrl.ErrStopped)
}

func TestClient_PublishRacingStopLosesNothing(t *testing.T) {
	addr, rec := startCollector(t)
	cfg := withOffline(t, testConfig(addr))
	c, err := tendrl.New(cfg, tendrl.WithSampler(idleSampler()))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	var (
		mu       sync.Mutex
		accepted []string
		wg       sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				id, err := c.Publish(context.Background(), i)
				if errors.Is(err, tendrl.ErrClosed) {
					return
				}
				if err == nil {
					mu.Lock()
					accepted = append(accepted, id)
					mu.Unlock()
				}
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))
	wg.Wait()

	found := make(map[string]bool)
	for _, id := range rec.Store().IDs() {
		found[id] = true
	}
	st, err := offline.Open(cfg.DBPath, offline.Options{})
	require.NoError(t, err)
	defer st.Close()
	recs, err := st.Replay(context.Background(), len(accepted)+1)
	require.NoError(t, err)
	for _, r := range recs {
		found[r.ID] = true
	}

	require.NotEmpty(t, accepted)
	var missing int
	for _, id := range accepted {
		if !found[id] {
			missing++
		}
	}
	assert.Zero(t, missing, "accepted messages neither delivered nor stored")
}

// hangingTransport blocks every send until its context is cancelled.
type hangingTransport struct {
	sending chan struct{}
	once    sync.Once
	closed  atomic.Bool
}

func (h *hangingTransport) Send(ctx context.Context, _ []*types.Message) (*types.Ack, error) {
	h.once.Do(func() { close(h.sending) })
	<-ctx.Done()
	return nil, &transport.Error{Kind: transport.Unreachable, Op: "publish", Err: ctx.Err()}
}

func (h *hangingTransport) Name() string { return "hanging" }

func (h *hangingTransport) Close() error {
	h.closed.Store(true)
	return nil
}

func TestClient_StopDeadlineKeepsStoreUntilDispatchExits(t *testing.T) {
	cfg := withOffline(t, testConfig("unused:1"))
	cfg.ShutdownGrace = 200 * time.Millisecond
	ht := &hangingTransport{sending: make(chan struct{})}
	c, err := tendrl.New(cfg, tendrl.WithSampler(idleSampler()), tendrl.WithTransport(ht))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	for i := 0; i < 3; i++ {
		_, err := c.Publish(context.Background(), i)
		require.NoError(t, err)
	}
	select {
	case <-ht.sending:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher never sent")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Stop(ctx), context.DeadlineExceeded)
	require.Eventually(t, ht.closed.Load, 5*time.Second, 10*time.Millisecond)

	st, err := offline.Open(cfg.DBPath, offline.Options{})
	require.NoError(t, err)
	defer st.Close()
	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
