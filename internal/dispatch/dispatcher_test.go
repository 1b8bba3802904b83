package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tendrl-inc-labs/go-sdk/internal/metrics"
	"github.com/tendrl-inc-labs/go-sdk/internal/offline"
	"github.com/tendrl-inc-labs/go-sdk/internal/queue"
	"github.com/tendrl-inc-labs/go-sdk/internal/scheduler"
	"github.com/tendrl-inc-labs/go-sdk/internal/transport"
	"github.com/tendrl-inc-labs/go-sdk/pkg/types"
)

// fakeTransport records successful sends; fail decides per call whether the
// send fails.
type fakeTransport struct {
	mu      sync.Mutex
	fail    func(batch []*types.Message) error
	batches [][]string
	calls   int
	inbound []json.RawMessage
	// delivered messages by id
	byID map[string]*types.Message
}

func (f *fakeTransport) Send(_ context.Context, batch []*types.Message) (*types.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		if err := f.fail(batch); err != nil {
			return nil, err
		}
	}
	f.batches = append(f.batches, types.Batch(batch).IDs())
	if f.byID == nil {
		f.byID = make(map[string]*types.Message)
	}
	for _, m := range batch {
		f.byID[m.ID] = m
	}
	return &types.Ack{Accepted: len(batch)}, nil
}

func (f *fakeTransport) Name() string { return "fake" }
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) setFail(fn func([]*types.Message) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fn
}

func (f *fakeTransport) sent() (batches [][]string, calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.batches...), f.calls
}

func (f *fakeTransport) delivered(id string) *types.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id]
}

func (f *fakeTransport) deliveredIDs() []string {
	batches, _ := f.sent()
	var out []string
	for _, b := range batches {
		out = append(out, b...)
	}
	return out
}

// checkingTransport also serves inbound messages.
type checkingTransport struct {
	fakeTransport
}

func (c *checkingTransport) CheckMessages(context.Context, int) ([]json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.inbound
	c.inbound = nil
	return out, nil
}

func unreachable(_ []*types.Message) error {
	return &transport.Error{Kind: transport.Unreachable, Op: "publish", Err: errors.New("connection refused")}
}

func rejected(_ []*types.Message) error {
	return &transport.Error{Kind: transport.Rejected, Op: "publish", Err: errors.New("invalid argument")}
}

type staticSamples struct{ s types.ResourceSample }

func (s staticSamples) Smoothed() types.ResourceSample { return s.s }

// recorder is a Handler that keeps everything it is given.
type recorder struct {
	mu   sync.Mutex
	errs []error
	msgs []json.RawMessage
}

func (r *recorder) HandleMessage(m json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) HandleError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) seenErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) messages() []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]json.RawMessage(nil), r.msgs...)
}

type harness struct {
	d       *Dispatcher
	q       *queue.Queue
	tr      transport.Transport
	store   *offline.Store
	handler *recorder
	metrics *metrics.Metrics
}

func testBounds() scheduler.Bounds {
	return scheduler.Bounds{
		TargetCPUPercent: 65, TargetMemPercent: 75,
		CPUWeight: 1, MemWeight: 1,
		MinBatchSize: 10, MaxBatchSize: 50,
		MinInterval: 20 * time.Millisecond, MaxInterval: 100 * time.Millisecond,
	}
}

func newHarness(t *testing.T, tr transport.Transport, withStore bool, mutate func(*Options)) *harness {
	t.Helper()
	sched, err := scheduler.New(testBounds())
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	h := &harness{
		q:       queue.New(1000),
		tr:      tr,
		handler: &recorder{},
		metrics: metrics.New(),
	}
	opts := Options{
		Queue:               h.q,
		Scheduler:           sched,
		Transport:           tr,
		Samples:             staticSamples{types.ResourceSample{CPUPercent: 20, MemPercent: 30, SampledAt: time.Now()}},
		Handler:             h.handler,
		Metrics:             h.metrics,
		HealthCheckInterval: 50 * time.Millisecond,
		ShutdownGrace:       time.Second,
	}
	if withStore {
		h.store = openStore(t, offline.Options{})
		opts.Store = h.store
	}
	if mutate != nil {
		mutate(&opts)
	}
	if s, ok := opts.Store.(*offline.Store); ok {
		h.store = s
	}
	h.d, err = New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func openStore(t *testing.T, opts offline.Options) *offline.Store {
	t.Helper()
	s, err := offline.Open(filepath.Join(t.TempDir(), "offline.db"), opts)
	if err != nil {
		t.Fatalf("offline.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// start runs the dispatcher until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) enqueue(t *testing.T, n int) []string {
	t.Helper()
	return types.Batch(h.enqueueMessages(t, n, "t")).IDs()
}

func (h *harness) enqueueMessages(t *testing.T, n int, tags ...string) []*types.Message {
	t.Helper()
	msgs := make([]*types.Message, n)
	for i := range msgs {
		m, err := types.NewMessage(map[string]int{"i": i}, tags, "")
		if err != nil {
			t.Fatal(err)
		}
		if err := h.q.Enqueue(m); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		msgs[i] = m
	}
	return msgs
}

func (h *harness) storeCount(t *testing.T) int {
	t.Helper()
	n, err := h.store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sameOrder(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d ids, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("id %d out of order: got %s, want %s", i, got[i], want[i])
		}
	}
}

// --- Tests ---

func TestDispatcher_BatchesQueuedBacklog(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, false, nil)
	ids := h.enqueue(t, 120)
	h.start(t)

	waitFor(t, "120 deliveries", func() bool { return len(tr.deliveredIDs()) == 120 })

	batches, _ := tr.sent()
	if len(batches) != 3 || len(batches[0]) != 50 || len(batches[1]) != 50 || len(batches[2]) != 20 {
		sizes := make([]int, len(batches))
		for i, b := range batches {
			sizes[i] = len(b)
		}
		t.Fatalf("batch sizes = %v, want [50 50 20]", sizes)
	}
	sameOrder(t, tr.deliveredIDs(), ids)
	if got := testutil.ToFloat64(h.metrics.Delivered); got != 120 {
		t.Errorf("delivered metric = %f, want 120", got)
	}
}

func TestDispatcher_OutageThenReplayInOrder(t *testing.T) {
	tr := &fakeTransport{fail: unreachable}
	h := newHarness(t, tr, true, nil)
	msgs := h.enqueueMessages(t, 10, "sensor", "prod")
	ids := types.Batch(msgs).IDs()
	created := make(map[string]time.Time, len(msgs))
	for _, m := range msgs {
		created[m.ID] = m.CreatedAt
	}
	h.start(t)

	waitFor(t, "10 records offline", func() bool { return h.storeCount(t) == 10 })
	if got := tr.deliveredIDs(); len(got) != 0 {
		t.Fatalf("delivered %d during outage", len(got))
	}
	if h.d.Healthy() {
		t.Error("dispatcher still healthy after unreachable send")
	}

	tr.setFail(nil)
	waitFor(t, "replay to drain the store", func() bool { return h.storeCount(t) == 0 })

	sameOrder(t, tr.deliveredIDs(), ids)
	for _, id := range ids {
		m := tr.delivered(id)
		if len(m.Tags) != 2 || m.Tags[0] != "prod" || m.Tags[1] != "sensor" {
			t.Errorf("replayed %s tags = %v, want [prod sensor]", id, m.Tags)
		}
		if !m.CreatedAt.Equal(created[id]) {
			t.Errorf("replayed %s created_at = %v, want %v", id, m.CreatedAt, created[id])
		}
	}
	if got := testutil.ToFloat64(h.metrics.Replayed); got != 10 {
		t.Errorf("replayed metric = %f, want 10", got)
	}
	if !h.d.Healthy() {
		t.Error("dispatcher not healthy after successful replay")
	}

	errs := h.handler.seenErrors()
	if len(errs) != 1 {
		t.Fatalf("handler saw %d errors, want 1", len(errs))
	}
	var de *DeliveryError
	if !errors.As(errs[0], &de) || de.Outcome != Offlined || len(de.IDs) != 10 {
		t.Errorf("error = %v, want DeliveryError{Offlined, 10 ids}", errs[0])
	}
	if !errors.Is(errs[0], transport.ErrUnreachable) {
		t.Errorf("error %v does not wrap ErrUnreachable", errs[0])
	}
}

func TestDispatcher_RejectedIsDroppedOnce(t *testing.T) {
	tr := &fakeTransport{fail: rejected}
	h := newHarness(t, tr, true, nil)
	ids := h.enqueue(t, 5)
	h.start(t)

	waitFor(t, "rejection surfaced", func() bool { return len(h.handler.seenErrors()) > 0 })
	time.Sleep(100 * time.Millisecond)

	errs := h.handler.seenErrors()
	if len(errs) != 1 {
		t.Fatalf("handler saw %d errors, want exactly 1", len(errs))
	}
	var de *DeliveryError
	if !errors.As(errs[0], &de) || de.Outcome != Dropped {
		t.Fatalf("error = %v, want DeliveryError{Dropped}", errs[0])
	}
	sameOrder(t, de.IDs, ids)
	if !errors.Is(errs[0], transport.ErrRejected) {
		t.Errorf("error %v does not wrap ErrRejected", errs[0])
	}
	if n := h.storeCount(t); n != 0 {
		t.Errorf("rejected batch persisted: %d records", n)
	}
	if got := testutil.ToFloat64(h.metrics.Dropped.WithLabelValues(metrics.ReasonRejected)); got != 5 {
		t.Errorf("dropped{rejected} = %f, want 5", got)
	}
	if _, calls := tr.sent(); calls != 1 {
		t.Errorf("transport calls = %d, want 1", calls)
	}
}

func TestDispatcher_ExpiredRecordsPurgedNeverDelivered(t *testing.T) {
	var clock atomic.Int64
	base := time.Now()
	clock.Store(base.UnixNano())
	store := openStore(t, offline.Options{
		DefaultTTL: time.Second,
		Now:        func() time.Time { return time.Unix(0, clock.Load()) },
	})

	var msgs []*types.Message
	for i := 0; i < 3; i++ {
		m, _ := types.NewMessage("stale", nil, "")
		msgs = append(msgs, m)
	}
	if err := store.Persist(context.Background(), msgs); err != nil {
		t.Fatal(err)
	}
	clock.Store(base.Add(2 * time.Second).UnixNano())

	tr := &fakeTransport{}
	h := newHarness(t, tr, false, func(o *Options) { o.Store = store })
	h.start(t)

	waitFor(t, "expired records purged", func() bool { return h.storeCount(t) == 0 })
	if got := tr.deliveredIDs(); len(got) != 0 {
		t.Errorf("expired records delivered: %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.Expired); got != 3 {
		t.Errorf("expired metric = %f, want 3", got)
	}
}

func TestDispatcher_PartialDeliveryOfflinesTail(t *testing.T) {
	tr := &fakeTransport{fail: func(batch []*types.Message) error {
		return &transport.Error{Kind: transport.Unreachable, Op: "publish", Delivered: 3, Err: errors.New("broken pipe")}
	}}
	h := newHarness(t, tr, true, func(o *Options) { o.HealthCheckInterval = time.Hour })
	ids := h.enqueue(t, 5)
	h.start(t)

	waitFor(t, "tail offline", func() bool { return h.storeCount(t) == 2 })

	recs, err := h.store.Replay(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	got := []string{recs[0].ID, recs[1].ID}
	sameOrder(t, got, ids[3:])
	if recs[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", recs[0].Attempts)
	}
	if m := testutil.ToFloat64(h.metrics.Delivered); m != 3 {
		t.Errorf("delivered metric = %f, want 3", m)
	}
}

func TestDispatcher_UnhealthySkipsSendUntilHealthCheck(t *testing.T) {
	tr := &fakeTransport{fail: unreachable}
	h := newHarness(t, tr, true, func(o *Options) { o.HealthCheckInterval = time.Hour })
	h.enqueue(t, 5)
	h.start(t)

	waitFor(t, "first batch offline", func() bool { return h.storeCount(t) == 5 })
	h.enqueue(t, 5)
	waitFor(t, "second batch offline", func() bool { return h.storeCount(t) == 10 })

	if _, calls := tr.sent(); calls != 1 {
		t.Errorf("transport calls = %d, want 1 while unhealthy", calls)
	}
	if got := len(h.handler.seenErrors()); got != 1 {
		t.Errorf("handler errors = %d, want 1 (skipped sends are not failures)", got)
	}
}

func TestDispatcher_NoStoreDropsAndReports(t *testing.T) {
	tr := &fakeTransport{fail: unreachable}
	h := newHarness(t, tr, false, nil)
	h.enqueue(t, 4)
	h.start(t)

	waitFor(t, "drop reported", func() bool { return len(h.handler.seenErrors()) > 0 })
	var de *DeliveryError
	if !errors.As(h.handler.seenErrors()[0], &de) || de.Outcome != Dropped || len(de.IDs) != 4 {
		t.Fatalf("error = %v, want DeliveryError{Dropped, 4 ids}", h.handler.seenErrors()[0])
	}
	if got := testutil.ToFloat64(h.metrics.Dropped.WithLabelValues(metrics.ReasonNoOffline)); got != 4 {
		t.Errorf("dropped{offline_disabled} = %f, want 4", got)
	}
}

func TestDispatcher_ShutdownPersistsQueue(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, true, nil)
	ids := h.enqueue(t, 7)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := h.storeCount(t); n != 7 {
		t.Fatalf("store count = %d, want 7", n)
	}
	recs, _ := h.store.Replay(context.Background(), 10)
	got := make([]string, len(recs))
	for i, r := range recs {
		got[i] = r.ID
	}
	sameOrder(t, got, ids)
	if h.q.Len() != 0 {
		t.Errorf("queue still holds %d", h.q.Len())
	}
}

func TestDispatcher_ShutdownWithoutStoreDrops(t *testing.T) {
	h := newHarness(t, &fakeTransport{}, false, nil)
	h.enqueue(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	errs := h.handler.seenErrors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrStopped) {
		t.Fatalf("errors = %v, want one wrapping ErrStopped", errs)
	}
	if got := testutil.ToFloat64(h.metrics.Dropped.WithLabelValues(metrics.ReasonShutdown)); got != 3 {
		t.Errorf("dropped{shutdown} = %f, want 3", got)
	}
}

func TestDispatcher_ShutdownWithoutRun(t *testing.T) {
	h := newHarness(t, &fakeTransport{}, true, nil)
	h.enqueue(t, 4)

	if err := h.d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := h.storeCount(t); n != 4 {
		t.Errorf("store count = %d, want 4", n)
	}
	if h.q.Len() != 0 {
		t.Errorf("queue still holds %d", h.q.Len())
	}
}

func TestDispatcher_InboundMessages(t *testing.T) {
	tr := &checkingTransport{}
	tr.inbound = []json.RawMessage{[]byte(`{"cmd":"restart"}`)}
	h := newHarness(t, tr, false, func(o *Options) { o.CheckMsgRate = 10 * time.Millisecond })
	h.start(t)

	waitFor(t, "inbound message handled", func() bool { return len(h.handler.messages()) == 1 })
	if got := string(h.handler.messages()[0]); got != `{"cmd":"restart"}` {
		t.Errorf("message = %s", got)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for empty options")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{Pending: "pending", Sending: "sending", Delivered: "delivered", Offlined: "offlined", Dropped: "dropped"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
