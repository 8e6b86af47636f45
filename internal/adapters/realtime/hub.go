package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/metrics"
)

// Hub раздаёт обновления рецептов подключённым websocket-клиентам.
//
// Сообщения приходят из широковещательного канала (Pump) и передаются
// клиентам как есть. Медленный клиент с заполненным буфером отключается.
type Hub struct {
	log        zerolog.Logger
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	upgrader   websocket.Upgrader
	count      chan chan int
	done       chan struct{}

	// resubscribeDelay — пауза перед повторной подпиской.
	resubscribeDelay time.Duration
}

// NewHub создаёт хаб. checkOrigin может быть nil: тогда принимаются любые источники.
func NewHub(logger zerolog.Logger, checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		log:        logger,
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		count:      make(chan chan int),
		done:       make(chan struct{}),

		resubscribeDelay: time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin:      checkOrigin,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Run обслуживает клиентов до отмены контекста, после чего закрывает все соединения.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			h.log.Info().Msg("realtime: хаб остановлен")
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.RealtimeClients.Set(float64(len(h.clients)))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
		case reply := <-h.count:
			reply <- len(h.clients)
		case payload := <-h.broadcast:
			h.fanout(payload)
		}
	}
}

// Pump пересылает сообщения темы из subscriber в хаб до отмены контекста.
// Доставка best-effort: ошибка подписки или закрытый поток не останавливают
// Pump, подписка оформляется заново после паузы.
func (h *Hub) Pump(ctx context.Context, subscriber domain.Subscriber, topic string) {
	for {
		err := h.pumpOnce(ctx, subscriber, topic)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.log.Warn().Err(err).Str("topic", topic).Msg("realtime: подписка не удалась, повторим")
		} else {
			h.log.Warn().Str("topic", topic).Msg("realtime: поток подписки закрыт, переподписываемся")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.resubscribeDelay):
		}
	}
}

func (h *Hub) pumpOnce(ctx context.Context, subscriber domain.Subscriber, topic string) error {
	messages, err := subscriber.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	h.log.Info().Str("topic", topic).Msg("realtime: подписка оформлена")
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-messages:
			if !ok {
				return nil
			}
			h.Broadcast(payload)
		}
	}
}

// Broadcast ставит сообщение в очередь рассылки; при переполнении сообщение теряется.
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	default:
		h.log.Warn().Msg("realtime: очередь рассылки переполнена, сообщение отброшено")
	}
}

// Clients возвращает число подключённых клиентов. Работает только при запущенном Run.
func (h *Hub) Clients(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
	case <-h.done:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ServeHTTP поднимает websocket-соединение. Параметр recipe ограничивает поток одним рецептом.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var recipeID uuid.UUID
	if raw := r.URL.Query().Get("recipe"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "некорректный идентификатор рецепта", http.StatusBadRequest)
			return
		}
		recipeID = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("realtime: upgrade не удался")
		return
	}
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		recipe: recipeID,
		log:    h.log,
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) fanout(payload []byte) {
	var msg domain.RecipeUpdatedMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.log.Warn().Err(err).Msg("realtime: сообщение не разобрано")
		return
	}
	for c := range h.clients {
		if !c.wants(msg.Recipe.ID) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.log.Warn().Msg("realtime: клиент не успевает, отключаем")
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	metrics.RealtimeClients.Set(float64(len(h.clients)))
}
