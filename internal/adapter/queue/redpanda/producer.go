// Package redpanda is the low-latency back-end transport: a JSON producer the
// router dispatches capture events through, and a consumer-group worker pool
// that executes them. Delivery is at-least-once; the runner's claim transition
// makes a duplicate delivery a no-op.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// TopicCapture is the default topic for capture jobs.
const TopicCapture = "capture.jobs"

// ProducerConfig carries the broker endpoints and topic layout.
type ProducerConfig struct {
	Brokers     []string
	Topic       string
	Partitions  int
	Replication int
}

func (c ProducerConfig) normalized() ProducerConfig {
	if c.Topic == "" {
		c.Topic = TopicCapture
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.Replication <= 0 {
		c.Replication = 1
	}
	return c
}

// Producer publishes capture events and implements domain.Queue. Events are
// keyed by job id so re-deliveries of the same job land on one partition.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the brokers and ensures the topic exists. Topic
// creation failure is not fatal: provisioned clusters refuse the request and
// the topic is already there.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	cfg = cfg.normalized()
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("op=queue.NewProducer: no seed brokers")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		instrumentationHooks(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.NewProducer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, cfg.Topic, int32(cfg.Partitions), int16(cfg.Replication)); err != nil {
		slog.Warn("topic creation refused; assuming it exists",
			slog.String("topic", cfg.Topic),
			slog.Any("error", err))
	}

	slog.Info("queue producer ready",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic))
	return &Producer{client: client, topic: cfg.Topic}, nil
}

// EnqueueCapture publishes one capture event. The produce is synchronous so
// the router knows the back-end accepted the job before it reports success.
func (p *Producer) EnqueueCapture(ctx domain.Context, ev domain.CaptureEvent) error {
	record, err := captureRecord(p.topic, ev)
	if err != nil {
		return fmt.Errorf("op=queue.EnqueueCapture: %w", err)
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=queue.EnqueueCapture: produce: %w", err)
	}
	slog.Info("capture event enqueued",
		slog.String("job_id", ev.JobID),
		slog.String("kind", ev.Kind),
		slog.String("topic", p.topic))
	return nil
}

// Ping checks broker reachability for the readiness probe.
func (p *Producer) Ping(ctx context.Context) error {
	if p.client == nil {
		return fmt.Errorf("op=queue.Ping: client closed")
	}
	return p.client.Ping(ctx)
}

// Close flushes and closes the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

// captureRecord builds the wire record: JSON value, job id key, routing
// headers mirrored for consumers that filter without unmarshalling.
func captureRecord(topic string, ev domain.CaptureEvent) (*kgo.Record, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(ev.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(ev.JobID)},
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "repository_id", Value: []byte(ev.RepositoryID)},
		},
	}, nil
}

// instrumentationHooks wires kotel so produce and fetch spans join the
// process traces.
func instrumentationHooks() kgo.Opt {
	tracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	svc := kotel.NewKotel(
		kotel.WithTracer(tracer),
	)
	return kgo.WithHooks(svc.Hooks()...)
}
