package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/artifact-chat/internal/chat"
)

var ErrDeliveriesClosed = errors.New("rabbitmq: delivery channel closed")

// Handler stores one interaction. A returned error schedules a retry.
type Handler func(ctx context.Context, in *chat.Interaction) error

type ConsumerOptions struct {
	Concurrency int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Consumer drains the interaction queue with a bounded worker pool.
type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	pubMu sync.Mutex
	queue string
	opts  ConsumerOptions
	log   *slog.Logger
}

func NewConsumer(url, queue string, opts ConsumerOptions, log *slog.Logger) (*Consumer, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}

	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(opts.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: qos: %w", err)
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, opts: opts, log: log}, nil
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// Run consumes until ctx ends, then lets in-flight deliveries finish.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume: %w", err)
	}

	c.log.Info("worker started", "queue", c.queue, "concurrency", c.opts.Concurrency)

	jobs := make(chan amqp.Delivery, c.opts.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.opts.Concurrency)
	for i := 0; i < c.opts.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.handle(ctx, workerID, d, h)
			}
		}(i)
	}

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
				return ErrDeliveriesClosed
			}
			jobs <- d
		}
	}
}

func (c *Consumer) handle(ctx context.Context, workerID int, d amqp.Delivery, h Handler) {
	log := c.log.With("worker", workerID, "message_id", d.MessageId)

	in, err := decode(d.Body)
	if err != nil {
		log.Warn("bad message, dead-lettering", "err", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	if err := h(ctx, in); err != nil {
		attempt := attempts(d.Headers) + 1
		if attempt >= c.opts.MaxAttempts {
			log.Error("interaction failed, dead-lettering", "attempt", attempt, "cost", time.Since(start), "err", err)
			_ = d.Nack(false, false)
			return
		}
		if rerr := c.retry(ctx, d, attempt); rerr != nil {
			log.Error("schedule retry failed, requeueing", "err", rerr)
			_ = d.Nack(false, true)
			return
		}
		log.Warn("interaction failed, retry scheduled", "attempt", attempt, "err", err)
		_ = d.Ack(false)
		return
	}

	if err := d.Ack(false); err != nil {
		log.Warn("ack failed", "err", err)
	}
}

func (c *Consumer) retry(ctx context.Context, d amqp.Delivery, attempt int) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.ch.PublishWithContext(cctx, "", retryQueue(c.queue), false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Type:         d.Type,
		Body:         d.Body,
		Timestamp:    time.Now(),
		Expiration:   strconv.FormatInt(c.opts.RetryDelay.Milliseconds(), 10),
		Headers:      amqp.Table{headerAttempts: int32(attempt)},
	})
}

func attempts(h amqp.Table) int {
	switch v := h[headerAttempts].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
