package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/legalfunnel/internal/logger"
)

type Handler func(ctx context.Context, job AnalysisJob) error

// ErrPermanent marks a job failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent job failure")

type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	concurrency int
	MaxAttempts int
	RetryDelay  time.Duration
	log         *logger.Logger
}

func NewConsumer(url, queue string, concurrency int, log *logger.Logger) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 2
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareQueues(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{
		conn:        conn,
		ch:          ch,
		queue:       queue,
		concurrency: concurrency,
		MaxAttempts: 5,
		RetryDelay:  30 * time.Second,
		log:         log.With("component", "rabbitmq_consumer", "queue", queue),
	}, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetry
	outcomeDeadLetter
)

func decide(err error, attempt, maxAttempts int) outcome {
	switch {
	case err == nil:
		return outcomeAck
	case errors.Is(err, ErrPermanent):
		return outcomeDeadLetter
	case attempt+1 >= maxAttempts:
		return outcomeDeadLetter
	default:
		return outcomeRetry
	}
}

// Run consumes until ctx is cancelled, handing deliveries to a fixed pool.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	c.log.Info("worker started", "concurrency", c.concurrency)

	jobs := make(chan amqp.Delivery, c.concurrency*2)
	// retries publish on the shared channel
	var pubMu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.handleDelivery(ctx, workerID, d, handle, &pubMu)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			c.log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return nil
		case d, ok := <-msgs:
			if !ok {
				close(jobs)
				wg.Wait()
				return errors.New("rabbitmq: delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, workerID int, d amqp.Delivery, handle Handler, pubMu *sync.Mutex) {
	var job AnalysisJob
	if err := json.Unmarshal(d.Body, &job); err != nil || job.SessionUUID == "" {
		c.log.Warn("bad message", "worker", workerID, "error", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err := handle(ctx, job)
	switch decide(err, job.Attempt, c.MaxAttempts) {
	case outcomeAck:
		if err := d.Ack(false); err != nil {
			c.log.Warn("ack failed", "worker", workerID, "session_uuid", job.SessionUUID, "error", err)
		}
		return
	case outcomeRetry:
		next := job
		next.Attempt++
		pubMu.Lock()
		perr := publish(ctx, c.ch, RetryQueue(c.queue), next, c.RetryDelay)
		pubMu.Unlock()
		if perr == nil {
			c.log.Warn("job failed, scheduled retry", "worker", workerID, "session_uuid", job.SessionUUID,
				"attempt", next.Attempt, "cost", time.Since(start).String(), "error", err)
			_ = d.Ack(false)
			return
		}
		c.log.Error("retry publish failed", "session_uuid", job.SessionUUID, "error", perr)
	}
	c.log.Error("job dead-lettered", "worker", workerID, "session_uuid", job.SessionUUID,
		"attempt", job.Attempt, "cost", time.Since(start).String(), "error", err)
	_ = d.Nack(false, false)
}
