package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Slack    SlackConfig    `json:"slack"`
	Problems ProblemsConfig `json:"problems"`
	Queue    QueueConfig    `json:"queue"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
}

type SlackConfig struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
	// RatePerSec caps Web API calls (Slack chat.* methods are Tier 3).
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// QueueConfig controls the ordering and slot-allocation behavior.
//
// CadenceWeekday follows time.Weekday numbering (Sunday=0).
type QueueConfig struct {
	Timezone       string `json:"timezone,omitempty"`        // IANA zone, default UTC
	CadenceWeekday int    `json:"cadence_weekday,omitempty"` // 0-6, default 2 (Tuesday)
	CadenceHour    int    `json:"cadence_hour,omitempty"`    // 0-23, default 9
	AdminOnly      bool   `json:"admin_only,omitempty"`
	// ReconcileEvery is a Go duration string; "0s" disables the periodic
	// reservation reconciliation job.
	ReconcileEvery string `json:"reconcile_every,omitempty"`
}

type ProblemsConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	MaxID      int    `json:"max_id,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
	// Timeout is a Go duration string (e.g. "8s").
	Timeout string `json:"timeout,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": DSN in Path (the hosted deployments run Postgres)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Validate rejects configs the services cannot start with. It is also the
// gate the watcher applies before publishing a reload.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Slack.Token) == "" {
		return errors.New("slack.token is required")
	}
	if strings.TrimSpace(c.Slack.Channel) == "" {
		return errors.New("slack.channel is required")
	}
	if w := c.Queue.CadenceWeekday; w < 0 || w > 6 {
		return fmt.Errorf("queue.cadence_weekday %d out of range 0-6", w)
	}
	if h := c.Queue.CadenceHour; h < 0 || h > 23 {
		return fmt.Errorf("queue.cadence_hour %d out of range 0-23", h)
	}
	if tz := strings.TrimSpace(c.Queue.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("queue.timezone: %w", err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "postgres":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if _, err := ParseDurationField("queue.reconcile_every", c.Queue.ReconcileEvery); err != nil {
		return err
	}
	if _, err := ParseDurationField("problems.timeout", c.Problems.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	return nil
}
