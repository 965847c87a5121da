package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bifrost-hq/bifrost/common/logger"
)

// RabbitQueue is a RabbitMQ-backed Queue. Publishes use publisher
// confirms: a failed publish must bubble up, an execution cannot be
// lost silently.
type RabbitQueue struct {
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	prefetch int
	declared map[string]bool
	mu       sync.Mutex
	log      *logger.Logger
}

// NewRabbitQueue connects to RabbitMQ and opens a confirmed publisher channel
func NewRabbitQueue(url string, prefetch int, log *logger.Logger) (*RabbitQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}

	if err := pubCh.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	log.Info("rabbitmq connected")

	return &RabbitQueue{
		conn:     conn,
		pubCh:    pubCh,
		prefetch: prefetch,
		declared: make(map[string]bool),
		log:      log,
	}, nil
}

// declareQueue declares a durable queue once per process
func (q *RabbitQueue) declareQueue(ch *amqp.Channel, queueName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.declared[queueName] {
		return nil
	}

	_, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	q.declared[queueName] = true
	return nil
}

// Publish sends a persistent JSON message and waits for broker confirmation
func (q *RabbitQueue) Publish(ctx context.Context, queueName string, message []byte) error {
	if err := q.declareQueue(q.pubCh, queueName); err != nil {
		return err
	}

	confirm, err := q.pubCh.PublishWithDeferredConfirmWithContext(ctx,
		"",        // default exchange
		queueName, // routing key = queue name
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         message,
		},
	)
	if err != nil {
		q.log.Error("rabbitmq publish failed", "queue", queueName, "error", err)
		return fmt.Errorf("publish to %s: %w", queueName, err)
	}

	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await publish confirm for %s: %w", queueName, err)
	}
	if !ok {
		return fmt.Errorf("broker rejected publish to %s", queueName)
	}

	q.log.Debug("rabbitmq publish", "queue", queueName, "bytes", len(message))
	return nil
}

// Subscribe consumes a queue on a dedicated channel. Acknowledgement
// happens only after the handler returns nil; errors requeue the
// delivery so a replacement consumer can pick it up.
func (q *RabbitQueue) Subscribe(ctx context.Context, queueName string, handler MessageHandler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}

	if err := q.declareQueue(ch, queueName); err != nil {
		ch.Close()
		return err
	}

	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx,
		queueName,
		"",    // consumer tag, broker-generated
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", queueName, err)
	}

	q.log.Info("rabbitmq consuming", "queue", queueName, "prefetch", q.prefetch)

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				q.log.Info("rabbitmq consumer stopping", "queue", queueName)
				return
			case d, ok := <-deliveries:
				if !ok {
					q.log.Warn("rabbitmq deliveries channel closed", "queue", queueName)
					return
				}
				if err := handler(ctx, d.Body); err != nil {
					q.log.Error("message handler error", "queue", queueName, "error", err)
					if nackErr := d.Nack(false, true); nackErr != nil {
						q.log.Error("nack failed", "queue", queueName, "error", nackErr)
					}
					continue
				}
				if ackErr := d.Ack(false); ackErr != nil {
					q.log.Error("ack failed", "queue", queueName, "error", ackErr)
				}
			}
		}
	}()

	return nil
}

// Close closes the connection and all channels
func (q *RabbitQueue) Close() error {
	q.log.Info("closing rabbitmq connection")
	return q.conn.Close()
}
