package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	// HeaderActorID — пользователь, аутентифицированный шлюзом.
	HeaderActorID = "X-Actor-ID"
	// HeaderActorSignature — HMAC-SHA256 от HeaderActorID в hex.
	HeaderActorSignature = "X-Actor-Signature"
)

type actorKey struct{}

// ActorMiddleware извлекает пользователя из заголовков шлюза.
//
// При непустом secret заголовок должен быть подписан; неподписанный или
// некорректный заголовок превращает запрос в анонимный, а не отклоняет его.
func ActorMiddleware(secret string) func(http.Handler) http.Handler {
	var key []byte
	if secret != "" {
		sum := sha256.Sum256([]byte(secret))
		key = sum[:]
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(HeaderActorID))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			if key != nil && !validSignature(raw, r.Header.Get(HeaderActorSignature), key) {
				next.ServeHTTP(w, r)
				return
			}
			id, err := uuid.Parse(raw)
			if err != nil || id == uuid.Nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, id)))
		})
	}
}

// RequireActor отклоняет анонимные запросы.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ActorFromContext(r.Context()) == uuid.Nil {
			WriteError(w, http.StatusUnauthorized, errors.New("требуется авторизация"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ActorFromContext возвращает пользователя запроса или uuid.Nil.
func ActorFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(actorKey{}).(uuid.UUID)
	return id
}

// SignActor подписывает идентификатор пользователя тем же ключом, что проверяет ActorMiddleware.
func SignActor(secret, actorID string) string {
	sum := sha256.Sum256([]byte(secret))
	h := hmac.New(sha256.New, sum[:])
	h.Write([]byte(actorID))
	return hex.EncodeToString(h.Sum(nil))
}

func validSignature(actorID, signature string, key []byte) bool {
	expected, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(expected) == 0 {
		return false
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(actorID))
	return hmac.Equal(h.Sum(nil), expected)
}

// ClientOrigin возвращает IP клиента. После TrustedRealIP RemoteAddr может быть без порта.
func ClientOrigin(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// RequestID возвращает request ID из контекста chi.
func RequestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// ErrorResponse описывает ошибку.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON отправляет JSON-ответ.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, ErrorResponse{Error: err.Error()})
}
