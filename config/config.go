package config

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Addr          string        `env:"JIM_ADDR, default=0.0.0.0"`
	Port          int           `env:"JIM_PORT, default=7777"`
	DBPath        string        `env:"JIM_DB_PATH, default=jim.db"`
	QueuePath     string        `env:"JIM_QUEUE_PATH, default=pending_messages.json"`
	ReadTimeout   time.Duration `env:"JIM_READ_TIMEOUT, default=120s"`
	WriteTimeout  time.Duration `env:"JIM_WRITE_TIMEOUT, default=30s"`
	FlushInterval time.Duration `env:"JIM_FLUSH_INTERVAL, default=200ms"`
	LogLevel      string        `env:"JIM_LOG_LEVEL, default=info"`
	LogPretty     bool          `env:"JIM_LOG_PRETTY, default=false"`
}

// Load reads configuration from the environment, with an optional .env file.
// CLI flags override the result in the entrypoints.
func Load() (*Config, error) {
	// .env is a development convenience; absence is not an error
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidatePort enforces the permitted listening range: non-privileged,
// representable ports only.
func ValidatePort(port int) error {
	if port <= 1023 || port >= 65536 {
		return fmt.Errorf("port %d outside permitted range (1023, 65536)", port)
	}
	return nil
}
