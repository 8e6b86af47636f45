package rabbit

import (
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrSessionClosed возвращается после Close.
var ErrSessionClosed = errors.New("amqp session closed")

// Session держит соединение с RabbitMQ и переподключается при выдаче канала,
// если соединение к этому моменту закрыто брокером или сетью.
type Session struct {
	url  string
	dial func(url string) (*amqp.Connection, error)

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// NewSession подключается сразу, чтобы ошибка конфигурации всплыла при старте.
func NewSession(url string) (*Session, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	s := &Session{url: url, dial: amqp.Dial}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Channel открывает новый канал, при необходимости переподключаясь.
func (s *Session) Channel() (*amqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.conn == nil || s.conn.IsClosed() {
		if err := s.connectLocked(); err != nil {
			return nil, err
		}
	}
	ch, err := s.conn.Channel()
	if err != nil {
		if s.conn.IsClosed() {
			s.conn = nil
		}
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return ch, nil
}

// Close закрывает соединение; повторные вызовы безопасны.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn == nil || s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}

func (s *Session) connectLocked() error {
	conn, err := s.dial(s.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	s.conn = conn
	return nil
}

// Usable сообщает, можно ли продолжать работать с каналом.
func Usable(ch *amqp.Channel) bool {
	return ch != nil && !ch.IsClosed()
}

// Retryable сообщает, что операция упала из-за закрытого канала или соединения.
func Retryable(err error) bool {
	return errors.Is(err, amqp.ErrClosed)
}
