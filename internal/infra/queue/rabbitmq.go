package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/metrics"
	"recipe-engagement/internal/infra/rabbit"
)

// RabbitHistoryQueue реализует очередь истории через durable-очередь RabbitMQ.
// Потерянные каналы открываются заново при следующем Enqueue или Receive.
type RabbitHistoryQueue struct {
	session *rabbit.Session
	queue   string

	mu  sync.Mutex
	pub *amqp.Channel

	subMu      sync.Mutex
	sub        *amqp.Channel
	deliveries <-chan amqp.Delivery
}

var _ domain.HistoryQueue = (*RabbitHistoryQueue)(nil)

// NewRabbitHistoryQueue подключается к RabbitMQ и объявляет очередь.
func NewRabbitHistoryQueue(url, queue string) (*RabbitHistoryQueue, error) {
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	session, err := rabbit.NewSession(url)
	if err != nil {
		return nil, err
	}
	q := &RabbitHistoryQueue{session: session, queue: queue}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensurePublisherLocked(); err != nil {
		_ = session.Close()
		return nil, err
	}
	return q, nil
}

// Close закрывает соединение.
func (q *RabbitHistoryQueue) Close() error {
	return q.session.Close()
}

// Enqueue публикует запись в очередь.
func (q *RabbitHistoryQueue) Enqueue(ctx context.Context, record domain.HistoryRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if err = q.ensurePublisherLocked(); err != nil {
			return err
		}
		start := time.Now()
		err = q.pub.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         payload,
		})
		metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
		if err == nil {
			return nil
		}
		if !rabbit.Retryable(err) && rabbit.Usable(q.pub) {
			break
		}
		q.pub = nil
	}
	return fmt.Errorf("amqp publish: %w", err)
}

func (q *RabbitHistoryQueue) ensurePublisherLocked() error {
	if rabbit.Usable(q.pub) {
		return nil
	}
	pub, err := q.session.Channel()
	if err != nil {
		return err
	}
	if _, err := pub.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		_ = pub.Close()
		return fmt.Errorf("amqp queue declare: %w", err)
	}
	q.pub = pub
	return nil
}

// Receive блокирующе читает запись из очереди. Закрытый поток доставок
// возвращается ошибкой, а следующий вызов оформляет потребителя заново.
func (q *RabbitHistoryQueue) Receive(ctx context.Context) (domain.HistoryRecord, domain.AckFunc, error) {
	deliveries, err := q.consume()
	if err != nil {
		return domain.HistoryRecord{}, nil, err
	}
	select {
	case <-ctx.Done():
		return domain.HistoryRecord{}, nil, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			q.resetConsumer(deliveries)
			return domain.HistoryRecord{}, nil, errors.New("amqp deliveries closed")
		}
		var record domain.HistoryRecord
		if err := json.Unmarshal(d.Body, &record); err != nil {
			_ = d.Nack(false, false)
			return domain.HistoryRecord{}, nil, fmt.Errorf("decode record: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return d.Ack(false)
			}
			return d.Nack(false, true)
		}
		return record, ack, nil
	}
}

func (q *RabbitHistoryQueue) consume() (<-chan amqp.Delivery, error) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	if q.deliveries != nil && rabbit.Usable(q.sub) {
		return q.deliveries, nil
	}
	sub, err := q.session.Channel()
	if err != nil {
		return nil, err
	}
	if _, err := sub.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	if err := sub.Qos(16, 0, false); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}
	deliveries, err := sub.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("amqp consume: %w", err)
	}
	q.sub = sub
	q.deliveries = deliveries
	return deliveries, nil
}

func (q *RabbitHistoryQueue) resetConsumer(closed <-chan amqp.Delivery) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	if q.deliveries != closed {
		return
	}
	if q.sub != nil {
		_ = q.sub.Close()
	}
	q.sub = nil
	q.deliveries = nil
}
