// Package queue provides the at-least-once attempt-job queue on NATS
// JetStream, the bounded worker pool that drains it, and the optional
// embedded broker for single-binary deployments.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healops/internal/metrics"
)

// Job is one unit of attempt work: process attempt N for run R.
type Job struct {
	RunID     string `json:"runId"`
	AttemptNo int    `json:"attemptNo"`
}

// Enqueuer is the narrow interface ingestion and the orchestrator use to
// schedule attempt jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Handler processes one attempt job. A nil return acknowledges the job; an
// error triggers redelivery.
type Handler func(ctx context.Context, job Job) error

// Options configures the queue.
type Options struct {
	// Stream names the JetStream stream holding attempt jobs.
	Stream string

	// SubjectPrefix is shared with the event bus; jobs publish on
	// "<prefix>.jobs.attempt".
	SubjectPrefix string

	// Workers bounds concurrent attempt processing.
	Workers int

	// AckWait is how long the server waits for an ack before redelivering.
	// Attempt workflows are slow; the default is generous.
	AckWait time.Duration
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.AckWait <= 0 {
		o.AckWait = 30 * time.Minute
	}
}

// Queue is the JetStream-backed attempt-job queue.
type Queue struct {
	js     nats.JetStreamContext
	opts   Options
	logger *zap.Logger
}

// New builds the queue and ensures its stream exists. Creating the stream is
// idempotent across daemon restarts.
func New(nc *nats.Conn, opts Options, logger *zap.Logger) (*Queue, error) {
	opts.applyDefaults()

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.StreamInfo(opts.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("looking up stream %s: %w", opts.Stream, err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      opts.Stream,
			Subjects:  []string{opts.SubjectPrefix + ".jobs.>"},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("creating stream %s: %w", opts.Stream, err)
		}
	}

	return &Queue{js: js, opts: opts, logger: logger.Named("queue")}, nil
}

func (q *Queue) subject() string {
	return q.opts.SubjectPrefix + ".jobs.attempt"
}

// Enqueue publishes an attempt job. Delivery is at-least-once; the
// orchestrator's terminal-status guard makes duplicates safe.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	if _, err := q.js.Publish(q.subject(), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publishing job for run %s: %w", job.RunID, err)
	}
	return nil
}

// Run drains the queue with a bounded worker pool until ctx is canceled.
// Each worker pulls one job at a time and runs the handler synchronously to
// completion, so in-flight work never exceeds Options.Workers.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	sub, err := q.js.PullSubscribe(q.subject(), q.opts.Stream+"-workers",
		nats.AckWait(q.opts.AckWait))
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", q.subject(), err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.worker(ctx, id, sub, handler)
		}(i)
	}
	wg.Wait()
	return nil
}

func (q *Queue) worker(ctx context.Context, id int, sub *nats.Subscription, handler Handler) {
	logger := q.logger.With(zap.Int("worker", id))

	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(2*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			q.process(ctx, logger, msg, handler)
		}
	}
}

func (q *Queue) process(ctx context.Context, logger *zap.Logger, msg *nats.Msg, handler Handler) {
	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		// Malformed payload can never succeed; drop it for good.
		logger.Error("terminating malformed job", zap.Error(err))
		_ = msg.Term()
		return
	}

	metrics.JobsInFlight.Inc()
	err := handler(ctx, job)
	metrics.JobsInFlight.Dec()

	if err != nil {
		logger.Warn("job failed, requesting redelivery",
			zap.String("run_id", job.RunID),
			zap.Int("attempt_no", job.AttemptNo),
			zap.Error(err))
		_ = msg.Nak()
		return
	}
	if err := msg.Ack(); err != nil {
		logger.Warn("failed to ack job", zap.String("run_id", job.RunID), zap.Error(err))
	}
}

// Connect dials NATS with the reconnect profile the daemon uses everywhere.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("healopsd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// StartEmbeddedServer runs an in-process NATS server so a single healopsd
// binary needs no external broker. Multi-instance deployments point
// queue.nats_url at a shared server instead.
func StartEmbeddedServer(storeDir string) (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random port
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  storeDir,
	}

	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating embedded NATS server: %w", err)
	}

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, errors.New("embedded NATS server not ready")
	}
	return srv, nil
}
