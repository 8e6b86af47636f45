package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/metrics"
	"recipe-engagement/internal/infra/rabbit"
)

// RabbitFanout реализует рассылку через fanout-exchange RabbitMQ: одно сообщение получает каждый подписчик.
// Закрытый брокером канал или соединение восстанавливаются при следующей публикации.
type RabbitFanout struct {
	session *rabbit.Session

	mu       sync.Mutex
	ch       *amqp.Channel
	declared map[string]bool
}

var (
	_ domain.Broadcaster = (*RabbitFanout)(nil)
	_ domain.Subscriber  = (*RabbitFanout)(nil)
)

// NewRabbit подключается к RabbitMQ.
func NewRabbit(url string) (*RabbitFanout, error) {
	session, err := rabbit.NewSession(url)
	if err != nil {
		return nil, err
	}
	return &RabbitFanout{session: session, declared: make(map[string]bool)}, nil
}

// Close закрывает канал и соединение.
func (r *RabbitFanout) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != nil {
		_ = r.ch.Close()
		r.ch = nil
	}
	return r.session.Close()
}

// Publish публикует сообщение в exchange с именем topic.
// Если канал оказался закрыт, публикация повторяется один раз на новом канале.
func (r *RabbitFanout) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = r.ensureChannelLocked(topic); err != nil {
			return err
		}
		start := time.Now()
		err = r.ch.PublishWithContext(ctx, topic, "", false, false, amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now().UTC(),
			Body:        payload,
		})
		metrics.ObserveNetworkRequest("rabbitmq", "publish", topic, start, err)
		if err == nil {
			return nil
		}
		if !rabbit.Retryable(err) && rabbit.Usable(r.ch) {
			break
		}
		r.ch = nil
	}
	return fmt.Errorf("amqp publish: %w", err)
}

func (r *RabbitFanout) ensureChannelLocked(topic string) error {
	if !rabbit.Usable(r.ch) {
		ch, err := r.session.Channel()
		if err != nil {
			return err
		}
		r.ch = ch
		r.declared = make(map[string]bool)
	}
	if !r.declared[topic] {
		if err := declareExchange(r.ch, topic); err != nil {
			return err
		}
		r.declared[topic] = true
	}
	return nil
}

// Subscribe создаёт эксклюзивную очередь, привязанную к exchange topic.
// Поток закрывается при потере канала; подписку нужно оформить заново.
func (r *RabbitFanout) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ch, err := r.session.Channel()
	if err != nil {
		return nil, err
	}
	if err := declareExchange(ch, topic); err != nil {
		_ = ch.Close()
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", topic, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp queue bind: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp consume: %w", err)
	}
	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case out <- d.Body:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp exchange declare: %w", err)
	}
	return nil
}
