package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envOverrides are environment variables that win over the config file.
// Secrets usually live here rather than in the file.
type envOverrides struct {
	TelegramToken string `envconfig:"TIMERBOT_TELEGRAM_TOKEN"`
	DBPath        string `envconfig:"TIMER_DB_PATH"`
	StorageDSN    string `envconfig:"TIMERBOT_STORAGE_DSN"`
	LogLevel      string `envconfig:"TIMERBOT_LOG_LEVEL"`
	Timezone      string `envconfig:"TIMERBOT_TIMEZONE"`
}

// LoadDotEnv loads KEY=VALUE pairs from a .env file next to the config
// file and from the working directory. Variables already set in the
// process environment are left alone. A missing file is not an error.
func LoadDotEnv(configPath string) error {
	candidates := []string{".env"}
	if dir := filepath.Dir(configPath); dir != "." && dir != "" {
		candidates = append([]string{filepath.Join(dir, ".env")}, candidates...)
	}
	seen := map[string]bool{}
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err == nil {
			if seen[abs] {
				continue
			}
			seen[abs] = true
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	if v := strings.TrimSpace(env.TelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(env.DBPath); v != "" {
		cfg.Storage.Path = v
	}
	if v := strings.TrimSpace(env.StorageDSN); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(env.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(env.Timezone); v != "" {
		cfg.Timers.Timezone = v
	}
	return nil
}
