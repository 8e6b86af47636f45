package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	Postgres struct {
		DSN      string `envconfig:"PG_DSN"`
		MaxConns int32  `envconfig:"PG_MAX_CONNS" default:"10"`
		Migrate  bool   `envconfig:"PG_MIGRATE" default:"true"`
	} `envconfig:""`

	Redis struct {
		Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
		Password string `envconfig:"REDIS_PASSWORD"`
		DB       int    `envconfig:"REDIS_DB" default:"0"`
	} `envconfig:""`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Auth struct {
		ActorSecret string `envconfig:"ACTOR_SECRET"`
		// TrustedProxies — CIDR или адреса прокси, которым можно верить в X-Forwarded-For.
		TrustedProxies []string `envconfig:"TRUSTED_PROXIES"`
	} `envconfig:""`

	Engagement struct {
		DedupDriver     string        `envconfig:"DEDUP_DRIVER" default:"redis"`
		ViewDedupTTL    time.Duration `envconfig:"VIEW_DEDUP_TTL" default:"60s"`
		DedupPerRecipe  bool          `envconfig:"DEDUP_PER_RECIPE" default:"false"`
		DedupTimeout    time.Duration `envconfig:"DEDUP_TIMEOUT" default:"300ms"`
		MutationTimeout time.Duration `envconfig:"MUTATION_TIMEOUT" default:"3s"`
		NotifyTimeout   time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"2s"`
		HistoryTimeout  time.Duration `envconfig:"HISTORY_TIMEOUT" default:"2s"`
		BookmarkLockTTL time.Duration `envconfig:"BOOKMARK_LOCK_TTL" default:"5s"`
	} `envconfig:""`

	Broadcast struct {
		Driver string `envconfig:"BROADCAST_DRIVER" default:"redis"`
		Topic  string `envconfig:"BROADCAST_TOPIC" default:"recipe.updated"`
	} `envconfig:""`

	History struct {
		Sink  string `envconfig:"HISTORY_SINK" default:"direct"`
		Queue string `envconfig:"HISTORY_QUEUE" default:"recipe_history"`
	} `envconfig:""`

	Async struct {
		Workers int `envconfig:"ASYNC_WORKERS" default:"4"`
		Buffer  int `envconfig:"ASYNC_BUFFER" default:"1024"`
	} `envconfig:""`

	Breaker struct {
		Failures    uint32        `envconfig:"BREAKER_FAILURES" default:"5"`
		OpenTimeout time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT" default:"10s"`
	} `envconfig:""`
}

// Parse читает конфиг из окружения.
func Parse() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
