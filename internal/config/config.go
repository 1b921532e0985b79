package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	Fetcher     string `envconfig:"FETCHER" default:"ytdlp"`
	YTDLPBinary string `envconfig:"YTDLP_BINARY" default:"yt-dlp"`

	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	AudioFormat string `envconfig:"AUDIO_FORMAT" default:"flac"`
	DBPath      string `envconfig:"DB_PATH" default:"ripqueue.db"`

	Workers      int           `envconfig:"WORKERS" default:"3"`
	FetchTimeout time.Duration `envconfig:"FETCH_TIMEOUT" default:"0"`

	// SpeedLimit is the initial global transfer budget in bytes per
	// second, zero for unlimited. Adjustable at runtime over the API.
	SpeedLimit int64 `envconfig:"SPEED_LIMIT" default:"0"`

	RetentionWindow     time.Duration `envconfig:"RETENTION_WINDOW" default:"168h"`
	SweepInterval       time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`
	DeleteFilesOnExpiry bool          `envconfig:"DELETE_FILES_ON_EXPIRY" default:"false"`

	LogLevel   string `envconfig:"LOG_LEVEL" default:"INFO"`
	WebhookURL string `envconfig:"WEBHOOK_URL"`

	Telemetry struct {
		Enabled bool `split_words:"true" default:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
