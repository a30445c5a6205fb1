package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type FleetConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Platform connection
	WebsocketURL string `envconfig:"WS_URL" default:"wss://wss-goofish.dingtalk.com/"`
	APIBaseURL   string `envconfig:"API_BASE_URL" default:"https://h5api.m.goofish.com"`
	AppKey       string `envconfig:"APP_KEY" default:"34839810"`

	// Session timers
	HeartbeatInterval    time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"15s"`
	HeartbeatTimeout     time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"45s"`
	TokenRefreshInterval time.Duration `envconfig:"TOKEN_REFRESH_INTERVAL" default:"1h"`
	TokenRetryInterval   time.Duration `envconfig:"TOKEN_RETRY_INTERVAL" default:"5m"`
	ReconnectMinBackoff  time.Duration `envconfig:"RECONNECT_MIN_BACKOFF" default:"2s"`
	ReconnectMaxBackoff  time.Duration `envconfig:"RECONNECT_MAX_BACKOFF" default:"2m"`
	ReconnectCeiling     int           `envconfig:"RECONNECT_CEILING" default:"20"`
	StopDrainTimeout     time.Duration `envconfig:"STOP_DRAIN_TIMEOUT" default:"5s"`
	InboundBufferSize    int           `envconfig:"INBOUND_BUFFER_SIZE" default:"64"`

	// Dedup
	RedisAddr          string        `envconfig:"REDIS_ADDR"` // empty selects the in-memory cache
	DedupTTL           time.Duration `envconfig:"DEDUP_TTL" default:"10m"`
	DedupSweepInterval time.Duration `envconfig:"DEDUP_SWEEP_INTERVAL" default:"1m"`

	// Rule view refresh
	RuleRefreshInterval    time.Duration `envconfig:"RULE_REFRESH_INTERVAL" default:"30s"`
	RuleRefreshLockTimeout time.Duration `envconfig:"RULE_REFRESH_LOCK_TIMEOUT" default:"5s"`

	// AI backend
	AIBaseURL       string        `envconfig:"AI_BASE_URL"`
	AIAPIKey        string        `envconfig:"AI_API_KEY"`
	AIModel         string        `envconfig:"AI_MODEL" default:"qwen-plus"`
	AITimeout       time.Duration `envconfig:"AI_TIMEOUT" default:"10s"`
	AIMaxReplyRunes int           `envconfig:"AI_MAX_REPLY_RUNES" default:"500"`

	// Delivery / order API
	DeliveryTimeout time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"15s"`
	ConfirmTimeout  time.Duration `envconfig:"CONFIRM_TIMEOUT" default:"10s"`

	// Outbound platform API guard rails (per process)
	PlatformRPS   float64 `envconfig:"PLATFORM_RPS" default:"5"`
	PlatformBurst int     `envconfig:"PLATFORM_BURST" default:"10"`

	// Notification fan-out (optional)
	AWSRegion          string        `envconfig:"AWS_REGION"`
	NotifyQueueURL     string        `envconfig:"NOTIFY_QUEUE_URL"`
	NotifyCooldown     time.Duration `envconfig:"NOTIFY_COOLDOWN" default:"5m"`
	LocalstackEndpoint string        `envconfig:"LOCALSTACK_ENDPOINT"`

	// Host stats sampling for the metrics endpoint
	HostStatsInterval time.Duration `envconfig:"HOST_STATS_INTERVAL" default:"30s"`
}

func LoadFleet() FleetConfig {
	var cfg FleetConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
