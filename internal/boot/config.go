// Package boot loads the relay's configuration surface. Every limit
// spec.md names (TTL, inbox cap, batch sizes, channel capacities,
// heartbeat intervals, backoff bounds, visibility timeout, push grace
// period) is injected here with a sane default, following the
// teacher's nested-struct envconfig style.
package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Env     string `env:"ENV,default=dev"`
	DataDir string `env:"DATA_DIR,default=."`

	Server struct {
		Port          string        `env:"PORT,default=8080"`
		MetricsPort   string        `env:"METRICS_PORT,default=8081"`
		Origins       string        `env:"ALLOWED_ORIGINS,default=*"`
		ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE,default=10s"`
	}

	Database struct {
		Path           string        `env:"DB_PATH,default=relay.db"`
		MaxOpenConns   int           `env:"DB_MAX_OPEN_CONNS,default=10"`
		AcquireTimeout time.Duration `env:"DB_ACQUIRE_TIMEOUT,default=5s"`
	}

	Gateway struct {
		TokenSigningKey   string        `env:"GATEWAY_TOKEN_KEY,required"`
		HeartbeatInterval time.Duration `env:"GATEWAY_HEARTBEAT_INTERVAL,default=30s"`
		PongTimeout       time.Duration `env:"GATEWAY_PONG_TIMEOUT,default=90s"`
		OutboundBuffer    int           `env:"GATEWAY_OUTBOUND_BUFFER,default=64"`
		AckBuffer         int           `env:"GATEWAY_ACK_BUFFER,default=128"`
		DrainBatchLimit   int           `env:"GATEWAY_DRAIN_BATCH_LIMIT,default=50"`
		RequestTimeout    time.Duration `env:"GATEWAY_REQUEST_TIMEOUT,default=10s"`
	}

	Envelopes struct {
		TTL         time.Duration `env:"ENVELOPE_TTL,default=336h"`
		InboxCap    int           `env:"ENVELOPE_INBOX_CAP,default=500"`
		MaxPayload  int           `env:"ENVELOPE_MAX_PAYLOAD_BYTES,default=65536"`
		SweepBatch  int           `env:"ENVELOPE_SWEEP_BATCH,default=500"`
		SweepPeriod time.Duration `env:"ENVELOPE_SWEEP_PERIOD,default=5m"`
	}

	Keys struct {
		OneTimePreKeyCap      int `env:"ONE_TIME_PREKEY_CAP,default=100"`
		OneTimePreKeyLowWater int `env:"ONE_TIME_PREKEY_LOW_WATER,default=10"`
	}

	AckBatch struct {
		Size          int           `env:"ACK_BATCH_SIZE,default=32"`
		FlushInterval time.Duration `env:"ACK_BATCH_FLUSH_INTERVAL,default=1s"`
	}

	Notifier struct {
		Shards           int           `env:"NOTIFIER_SHARDS,default=64"`
		SubscriberBuffer int           `env:"NOTIFIER_SUBSCRIBER_BUFFER,default=16"`
		GCInterval       time.Duration `env:"NOTIFIER_GC_INTERVAL,default=1m"`
	}

	Bus struct {
		RedisAddr     string        `env:"BUS_REDIS_ADDR,default=127.0.0.1:6379"`
		ChannelPrefix string        `env:"BUS_CHANNEL_PREFIX,default=relay:wake:"`
		MinBackoff    time.Duration `env:"BUS_MIN_BACKOFF,default=200ms"`
		MaxBackoff    time.Duration `env:"BUS_MAX_BACKOFF,default=30s"`
	}

	Push struct {
		RedisAddr         string        `env:"PUSH_REDIS_ADDR,default=127.0.0.1:6379"`
		GracePeriod       time.Duration `env:"PUSH_GRACE_PERIOD,default=5s"`
		VisibilityTimeout time.Duration `env:"PUSH_VISIBILITY_TIMEOUT,default=30s"`
		WorkerConcurrency int           `env:"PUSH_WORKER_CONCURRENCY,default=8"`
		PollInterval      time.Duration `env:"PUSH_POLL_INTERVAL,default=1s"`
		MaxAttempts       int           `env:"PUSH_MAX_ATTEMPTS,default=5"`
		RateLimitPerSec   float64       `env:"PUSH_RATE_LIMIT_PER_SEC,default=50"`

		JanitorBatchSize     int           `env:"PUSH_JANITOR_BATCH_SIZE,default=50"`
		JanitorFlushInterval time.Duration `env:"PUSH_JANITOR_FLUSH_INTERVAL,default=10s"`
	}

	SubmitRateLimitPerSec float64 `env:"SUBMIT_RATE_LIMIT_PER_SEC,default=100"`
}

func Load() (*Config, error) {
	config := &Config{}
	if err := envconfig.Process(context.Background(), config); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	return config, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "prod"
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "dev"
}
