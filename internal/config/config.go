package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is parsed once from the environment at process start and passed
// down; nothing reads os.Getenv past this point.
type Config struct {
	AppEnv     string `env:"APP_ENV" envDefault:"development"`
	APIAddr    string `env:"API_ADDR" envDefault:":8080"`
	WorkerAddr string `env:"WORKER_ADDR" envDefault:":8081"`

	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// RedisAddr empty means no broker: the facade runs jobs inline through
	// the fallback executor.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	QueueName     string `env:"QUEUE_NAME" envDefault:"links"`

	Concurrency       int           `env:"WORKER_CONCURRENCY" envDefault:"5"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	JobTimeout        time.Duration `env:"JOB_TIMEOUT" envDefault:"3m"`
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"5m"`
	StatusRetention   time.Duration `env:"STATUS_RETENTION" envDefault:"24h"`

	StuckAfter     time.Duration `env:"STUCK_AFTER" envDefault:"10m"`
	AbandonedAfter time.Duration `env:"ABANDONED_AFTER" envDefault:"60m"`
	SweepBatch     int           `env:"SWEEP_BATCH" envDefault:"100"`

	// TickInterval > 0 makes the worker binary drive itself instead of
	// waiting for an external scheduler to hit its trigger endpoints.
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"0"`

	ExtractorURL   string `env:"EXTRACTOR_URL"`
	SpeechURL      string `env:"SPEECH_URL"`
	AudioBucketURL string `env:"AUDIO_BUCKET_URL"`
	ChatBotToken   string `env:"CHAT_BOT_TOKEN"`
	ChatAPIURL     string `env:"CHAT_API_URL" envDefault:"https://slack.com/api"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// UseFallback reports whether jobs run inline for lack of a broker. Pure
// function of configuration presence, no runtime probing.
func (c Config) UseFallback() bool {
	return c.RedisAddr == ""
}
