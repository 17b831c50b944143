// Package config holds the knobs of both binaries. Every timing value
// is a field so tests can run the state machine at compressed
// timescales; environment variables overlay the defaults, flags bind
// the remainder in main.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Simulator configures schedevd.
type Simulator struct {
	ListenAddr   string        `env:"SCHEDEV_LISTEN_ADDR"`
	PlaybackTick time.Duration `env:"SCHEDEV_PLAYBACK_TICK"`
	LogLevel     string        `env:"SCHEDEV_LOG_LEVEL"`
}

// Listener configures the schedev listen loop.
type Listener struct {
	Endpoint        string        `env:"SCHEDEV_ENDPOINT"`
	IdentityBaseURL string        `env:"SCHEDEV_IDENTITY_URL"`
	DBPath          string        `env:"SCHEDEV_DB_PATH"`
	RequestTimeout  time.Duration `env:"SCHEDEV_REQUEST_TIMEOUT"`
	IdentityTimeout time.Duration `env:"SCHEDEV_IDENTITY_TIMEOUT"`
	DetectInterval  time.Duration `env:"SCHEDEV_DETECT_INTERVAL"`
	RestInterval    time.Duration `env:"SCHEDEV_REST_INTERVAL"`
	MaxRunDuration  time.Duration `env:"SCHEDEV_MAX_RUN_DURATION"`
	LogLevel        string        `env:"SCHEDEV_LOG_LEVEL"`
}

func DefaultSimulator() Simulator {
	return Simulator{
		ListenAddr:   "127.0.0.1:8080",
		PlaybackTick: time.Second,
		LogLevel:     "info",
	}
}

func DefaultListener() Listener {
	return Listener{
		Endpoint:        "http://169.254.169.254",
		IdentityBaseURL: "http://169.254.169.254",
		DBPath:          defaultDBPath(),
		RequestTimeout:  10 * time.Second,
		IdentityTimeout: 2 * time.Second,
		DetectInterval:  time.Second,
		RestInterval:    5 * time.Second,
		MaxRunDuration:  5 * time.Minute,
		LogLevel:        "info",
	}
}

// ParseEnv overlays SCHEDEV_* environment variables onto cfg.
func ParseEnv(cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "schedev.db"
	}
	return filepath.Join(home, ".local", "state", "schedev", "records.db")
}
