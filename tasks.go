package tendrl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Publisher is what Tasks needs from a Client.
type Publisher interface {
	Publish(ctx context.Context, payload any, opts ...PublishOption) (string, error)
}

// Task is a periodic collector. Every Interval, Collect is called and its
// result is published with the task's tags and entity.
type Task struct {
	Name     string
	Interval time.Duration
	Tags     []string
	Entity   string

	// WriteOffline persists the result to the offline store when the queue
	// is full.
	WriteOffline bool

	// TTL overrides the offline store TTL for the task's messages.
	TTL time.Duration

	// Collect produces the payload. A nil payload skips the tick.
	Collect func(ctx context.Context) (any, error)
}

func (t Task) publishOptions() []PublishOption {
	opts := []PublishOption{Tags(t.Tags...)}
	if t.Entity != "" {
		opts = append(opts, Entity(t.Entity))
	}
	if t.TTL > 0 {
		opts = append(opts, TTL(t.TTL))
	}
	if t.WriteOffline {
		opts = append(opts, OfflineOnFull())
	}
	return opts
}

// Tasks runs registered periodic tasks against a Publisher.
type Tasks struct {
	pub    Publisher
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []Task
	running bool
}

// NewTasks returns an empty task set publishing through pub.
func NewTasks(pub Publisher, logger *slog.Logger) *Tasks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tasks{pub: pub, logger: logger}
}

// Register adds t. Tasks must be registered before Run.
func (ts *Tasks) Register(t Task) error {
	switch {
	case t.Name == "":
		return errors.New("tendrl: task name is required")
	case t.Interval <= 0:
		return fmt.Errorf("tendrl: task %q: interval must be positive", t.Name)
	case t.Collect == nil:
		return fmt.Errorf("tendrl: task %q: collect func is required", t.Name)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.running {
		return fmt.Errorf("tendrl: task %q: registered after Run", t.Name)
	}
	for _, existing := range ts.tasks {
		if existing.Name == t.Name {
			return fmt.Errorf("tendrl: task %q already registered", t.Name)
		}
	}
	ts.tasks = append(ts.tasks, t)
	return nil
}

// Run ticks every task on its own interval until ctx is cancelled. Collect
// and publish failures are logged and do not stop the task.
func (ts *Tasks) Run(ctx context.Context) error {
	ts.mu.Lock()
	if ts.running {
		ts.mu.Unlock()
		return errors.New("tendrl: tasks already running")
	}
	ts.running = true
	tasks := append([]Task(nil), ts.tasks...)
	ts.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			ts.loop(gctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (ts *Tasks) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	opts := t.publishOptions()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts.tick(ctx, t, opts)
		}
	}
}

func (ts *Tasks) tick(ctx context.Context, t Task, opts []PublishOption) {
	payload, err := t.Collect(ctx)
	if err != nil {
		ts.logger.Warn("tendrl: task collect failed", "task", t.Name, "err", err)
		return
	}
	if payload == nil {
		return
	}
	if _, err := ts.pub.Publish(ctx, payload, opts...); err != nil {
		ts.logger.Warn("tendrl: task publish failed", "task", t.Name, "err", err)
	}
}
