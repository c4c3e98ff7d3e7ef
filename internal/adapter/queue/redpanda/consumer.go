package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
	"github.com/fairyhunter13/progressive-capture/internal/usecase"
)

const (
	// hardMaxWorkers is the per-process concurrency ceiling regardless of
	// configuration.
	hardMaxWorkers = 10

	defaultMinWorkers      = 2
	defaultScalingInterval = 2 * time.Second
	defaultIdleTimeout     = 30 * time.Second
	fetchErrorBackoff      = 2 * time.Second
)

// Runner executes one capture event; satisfied by the usecase runner.
type Runner interface {
	Run(ctx context.Context, ev domain.CaptureEvent) (usecase.RunResult, error)
}

// recordMarker marks records as processed for the auto-committer.
type recordMarker interface {
	MarkCommitRecords(rs ...*kgo.Record)
}

// ConsumerConfig carries the group wiring and worker-pool bounds.
type ConsumerConfig struct {
	Brokers         []string
	GroupID         string
	Topic           string
	MinWorkers      int
	MaxWorkers      int
	ScalingInterval time.Duration
	IdleTimeout     time.Duration
	Partitions      int
	Replication     int
}

func (c ConsumerConfig) normalized() ConsumerConfig {
	if c.Topic == "" {
		c.Topic = TopicCapture
	}
	if c.MaxWorkers <= 0 || c.MaxWorkers > hardMaxWorkers {
		c.MaxWorkers = hardMaxWorkers
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = defaultMinWorkers
	}
	if c.MinWorkers > c.MaxWorkers {
		c.MinWorkers = c.MaxWorkers
	}
	if c.ScalingInterval <= 0 {
		c.ScalingInterval = defaultScalingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.Replication <= 0 {
		c.Replication = 1
	}
	return c
}

// Consumer fetches capture events from the group and feeds a dynamic worker
// pool. The pool scales between MinWorkers and MaxWorkers with the backlog;
// items inside one job stay strictly sequential in its worker.
//
// Offsets are marked only after the runner wrote a terminal state, so a crash
// mid-job re-delivers the event and the claim conflict absorbs it.
type Consumer struct {
	client *kgo.Client
	marks  recordMarker
	runner Runner

	groupID         string
	topic           string
	minWorkers      int
	maxWorkers      int
	scalingInterval time.Duration
	idleTimeout     time.Duration

	workerMu      sync.Mutex
	activeWorkers int
	workerSeq     int

	jobQueue  chan *kgo.Record
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConsumer joins the consumer group and ensures the topic exists. Offset
// commits are mark-based: the auto-committer only commits what the workers
// marked processed.
func NewConsumer(cfg ConsumerConfig, runner Runner) (*Consumer, error) {
	cfg = cfg.normalized()
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("op=queue.NewConsumer: no seed brokers")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("op=queue.NewConsumer: missing group id")
	}
	if runner == nil {
		return nil, fmt.Errorf("op=queue.NewConsumer: nil runner")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		instrumentationHooks(),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),
		kgo.FetchMaxBytes(10<<20),
		kgo.FetchMaxWait(2*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.NewConsumer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, cfg.Topic, int32(cfg.Partitions), int16(cfg.Replication)); err != nil {
		slog.Warn("topic creation refused; assuming it exists",
			slog.String("topic", cfg.Topic),
			slog.Any("error", err))
	}

	slog.Info("queue consumer ready",
		slog.String("group_id", cfg.GroupID),
		slog.String("topic", cfg.Topic),
		slog.Int("min_workers", cfg.MinWorkers),
		slog.Int("max_workers", cfg.MaxWorkers))
	return &Consumer{
		client:          client,
		marks:           client,
		runner:          runner,
		groupID:         cfg.GroupID,
		topic:           cfg.Topic,
		minWorkers:      cfg.MinWorkers,
		maxWorkers:      cfg.MaxWorkers,
		scalingInterval: cfg.ScalingInterval,
		idleTimeout:     cfg.IdleTimeout,
		jobQueue:        make(chan *kgo.Record, cfg.MaxWorkers*2),
		shutdown:        make(chan struct{}),
	}, nil
}

// Start runs the fetch loop and the pool until ctx is cancelled, then drains:
// workers finish their current job before Start returns.
func (c *Consumer) Start(ctx context.Context) error {
	for i := 0; i < c.minWorkers; i++ {
		c.spawnWorker(ctx)
	}
	go c.scaleLoop(ctx)
	c.fetchLoop(ctx)

	c.closeOnce.Do(func() { close(c.shutdown) })
	c.wg.Wait()
	slog.Info("queue consumer drained", slog.String("group_id", c.groupID))
	return ctx.Err()
}

// Close signals shutdown and closes the client. Safe to call after Start
// returned.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// ActiveWorkers reports the current pool size.
func (c *Consumer) ActiveWorkers() int {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()
	return c.activeWorkers
}

func (c *Consumer) fetchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			fatal := false
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
					fatal = true
					continue
				}
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			if fatal {
				return
			}
			select {
			case <-time.After(fetchErrorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			// Blocking here is the backpressure: the group stops fetching
			// while every worker is busy and the buffer is full.
			select {
			case c.jobQueue <- rec:
			case <-ctx.Done():
			}
		})
	}
}

func (c *Consumer) scaleLoop(ctx context.Context) {
	ticker := time.NewTicker(c.scalingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.scale(ctx)
		}
	}
}

// scale grows the pool toward the backlog. Shrinking is the workers' own
// doing: one above the floor exits after idleTimeout without a job.
func (c *Consumer) scale(ctx context.Context) {
	backlog := len(c.jobQueue)
	if backlog == 0 {
		return
	}
	active := c.ActiveWorkers()
	add := backlog
	if room := c.maxWorkers - active; add > room {
		add = room
	}
	if add <= 0 {
		return
	}
	for i := 0; i < add; i++ {
		c.spawnWorker(ctx)
	}
	slog.Info("worker pool scaled up",
		slog.Int("added", add),
		slog.Int("backlog", backlog),
		slog.Int("active", c.ActiveWorkers()))
}

func (c *Consumer) spawnWorker(ctx context.Context) {
	c.workerMu.Lock()
	c.workerSeq++
	c.activeWorkers++
	id := c.workerSeq
	c.workerMu.Unlock()

	c.wg.Add(1)
	go c.worker(ctx, id)
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()
	defer func() {
		c.workerMu.Lock()
		c.activeWorkers--
		c.workerMu.Unlock()
	}()

	idle := time.NewTimer(c.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case rec := <-c.jobQueue:
			if rec == nil {
				return
			}
			c.handle(ctx, rec)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.idleTimeout)
		case <-idle.C:
			// The floor is advisory: concurrent idle exits can briefly
			// undershoot it and the scaler regrows the pool with the backlog.
			if c.ActiveWorkers() > c.minWorkers {
				slog.Debug("idle worker exiting", slog.Int("worker_id", id))
				return
			}
			idle.Reset(c.idleTimeout)
		}
	}
}

// handle runs one record through the capture runner and decides the offset
// fate. Malformed events are dropped and marked: they can never succeed. A
// job whose claim never landed stays unmarked so a restart re-delivers it;
// everything else reached a terminal state and is marked.
func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) {
	var ev domain.CaptureEvent
	if err := json.Unmarshal(rec.Value, &ev); err != nil {
		slog.Error("dropping malformed capture event",
			slog.String("topic", rec.Topic),
			slog.Int("partition", int(rec.Partition)),
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		c.marks.MarkCommitRecords(rec)
		return
	}

	res, err := c.runner.Run(ctx, ev)
	switch {
	case err != nil && res.Status == "" && !res.Skipped:
		slog.Error("capture job could not be claimed; leaving for redelivery",
			slog.String("job_id", ev.JobID),
			slog.Any("error", err))
		return
	case err != nil:
		slog.Error("capture job failed",
			slog.String("job_id", ev.JobID),
			slog.String("reason", res.Reason),
			slog.Any("error", err))
	case res.Skipped:
		slog.Info("duplicate delivery skipped", slog.String("job_id", ev.JobID))
	}
	c.marks.MarkCommitRecords(rec)
}
