package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/image-enhancer/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// taskDelivery pairs a decoded task with the delivery it must settle
type taskDelivery struct {
	domain.JobMessage
	delivery amqp.Delivery
}

// setupConsumer starts consuming; QoS prefetch is applied by the client on connect
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	// Create unique consumer tag using worker ID
	consumerTag := w.workerID

	deliveries, err := w.broker.Consume(consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", consumerTag),
	)

	return deliveries, nil
}

// decodeTask parses and checks a delivery body
func decodeTask(body []byte) (domain.TaskMessage, error) {
	var task domain.TaskMessage
	if err := json.Unmarshal(body, &task); err != nil {
		return task, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	if _, err := uuid.Parse(task.JobID); err != nil {
		return task, fmt.Errorf("%w: job_id %q is not a UUID", domain.ErrInvalidPayload, task.JobID)
	}

	if task.InputKey == "" {
		return task, fmt.Errorf("%w: missing input_key", domain.ErrInvalidPayload)
	}

	if task.AttemptCount < 1 {
		task.AttemptCount = 1
	}
	return task, nil
}

// startMessageDispatcher hands deliveries to the pool one at a time. The jobs
// channel is unbuffered so each slot holds at most one unacknowledged task.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	w.logger.Info("Message dispatcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return nil

		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped - stopChan closed")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return ErrDeliveriesClosed
			}

			task, err := decodeTask(delivery.Body)
			if err != nil {
				w.logger.Error("Rejecting malformed task message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// NACK without requeue - malformed messages go to the dead-letter queue
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			msg := &taskDelivery{
				JobMessage: domain.JobMessage{
					Task:        task,
					DeliveryTag: delivery.DeliveryTag,
					Redelivered: delivery.Redelivered,
				},
				delivery: delivery,
			}

			select {
			case w.jobsChan <- msg:
				w.logger.Debug("Task dispatched to worker pool",
					slog.String("job_id", task.JobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching task")
				w.requeue(msg)
				return nil
			case <-w.stopChan:
				w.logger.Info("Message dispatcher stopped while dispatching task")
				w.requeue(msg)
				return nil
			}
		}
	}
}

// requeue hands a task back to the broker untouched
func (w *Worker) requeue(msg *taskDelivery) {
	if err := msg.delivery.Nack(false, true); err != nil {
		w.logger.Error("Failed to NACK message for requeue",
			slog.String("job_id", msg.Task.JobID),
			slog.String("error", err.Error()),
		)
	}
}
