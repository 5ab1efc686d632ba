package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/artifact-chat/internal/chat"
)

const headerAttempts = "x-attempts"

// Publisher hands interaction records to cmd/worker. It implements chat.InteractionSink.
type Publisher struct {
	conn  *amqp.Connection
	mu    sync.Mutex
	ch    *amqp.Channel
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Record publishes in as a persistent JSON message.
func (p *Publisher) Record(ctx context.Context, in *chat.Interaction) error {
	pub, err := encode(in)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.queue, pub)
}

func (p *Publisher) publish(ctx context.Context, queue string, pub amqp.Publishing) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		pub,
	); err != nil {
		return fmt.Errorf("rabbitmq: publish: %w", err)
	}
	return nil
}

func encode(in *chat.Interaction) (amqp.Publishing, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("rabbitmq: encode interaction: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    in.ID,
		Type:         string(in.Type),
		Body:         body,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{headerAttempts: int32(0)},
	}, nil
}

func decode(body []byte) (*chat.Interaction, error) {
	var in chat.Interaction
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("rabbitmq: decode interaction: %w", err)
	}
	if in.ID == "" || in.ChatSessionID == "" || in.Type == "" {
		return nil, fmt.Errorf("rabbitmq: decode interaction: missing id, chat session or type")
	}
	return &in, nil
}
