package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitQueue publishes job ids to a durable RabbitMQ queue and consumes them.
// Redelivery is expected; the claim in Runner drops duplicates.
type RabbitQueue struct {
	channel  *amqp.Channel
	queue    string
	prefetch int
	logger   *slog.Logger

	mu sync.Mutex
}

func NewRabbitQueue(conn *amqp.Connection, queue string, prefetch int, logger *slog.Logger) (*RabbitQueue, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	_, err = ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return &RabbitQueue{channel: ch, queue: queue, prefetch: prefetch, logger: logger}, nil
}

func (q *RabbitQueue) Enqueue(ctx context.Context, jobID string) error {
	body, err := json.Marshal(jobTaskPayload{JobID: jobID})
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishes
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.channel.PublishWithContext(ctx,
		"",
		q.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    jobID,
			Body:         body,
		},
	)
}

// Consume feeds deliveries to proc until ctx is done or the channel closes.
// At most prefetch jobs run at once.
func (q *RabbitQueue) Consume(ctx context.Context, proc Processor) error {
	msgs, err := q.channel.Consume(
		q.queue,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.queue, err)
	}
	return q.consume(ctx, proc, msgs)
}

// consume acks processed deliveries, requeues failed ones and drops unreadable ones
func (q *RabbitQueue) consume(ctx context.Context, proc Processor, msgs <-chan amqp.Delivery) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("queue.consumer_stopped", "queue", q.queue)
			return nil
		case msg, ok := <-msgs:
			if !ok {
				q.logger.Warn("queue.channel_closed", "queue", q.queue)
				return nil
			}

			var payload jobTaskPayload
			if err := json.Unmarshal(msg.Body, &payload); err != nil || payload.JobID == "" {
				q.logger.Error("queue.bad_message", "queue", q.queue, "error", err)
				_ = msg.Nack(false, false)
				continue
			}

			wg.Add(1)
			go func(jobID string, msg amqp.Delivery) {
				defer wg.Done()
				if err := proc.Process(ctx, jobID); err != nil {
					q.logger.Error("job.process_failed", "job_id", jobID, "error", err)
					_ = msg.Nack(false, true)
					return
				}
				_ = msg.Ack(false)
			}(payload.JobID, msg)
		}
	}
}

func (q *RabbitQueue) Close() error {
	return q.channel.Close()
}
