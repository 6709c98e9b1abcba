// Package config loads runtime configuration from config.yaml under the
// swarmmail config home, with SWARMMAIL_* environment overrides. All
// values have working defaults; a missing config file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/hexframe/swarmmail/internal/paths"
)

// Config carries every recognized option. Components receive the
// sub-struct they need; nothing reads viper directly after Load.
type Config struct {
	Embedding   EmbeddingConfig
	Memory      MemoryConfig
	Reservation ReservationConfig
	Review      ReviewConfig
	Inbox       InboxConfig
	Hive        HiveConfig
	Logging     LoggingConfig
}

// EmbeddingConfig selects the embedding provider. An empty Model
// disables embeddings and memory falls back to full-text search.
type EmbeddingConfig struct {
	Model   string
	Dim     int
	BaseURL string
	APIKey  string
}

// MemoryConfig tunes semantic memory behavior.
type MemoryConfig struct {
	// DecayTiers holds the hot/warm/cold boundaries in days; anything
	// older than the last entry is stale.
	DecayTiers       []int
	DedupScore       float64
	RecallCooldownMs int
	MinRecallScore   float64
}

// ReservationConfig tunes the file reservation manager.
type ReservationConfig struct {
	DefaultTTLSeconds int
}

// ReviewConfig tunes the review state machine.
type ReviewConfig struct {
	// MaxRejections is the strike threshold after which a cell is
	// marked blocked. Changing it is a policy change; the default is 3.
	MaxRejections int
}

// InboxConfig bounds mailbox fetches. MaxLimit is a hard cap; values
// above it are clamped, never honored.
type InboxConfig struct {
	MaxLimit int
}

// HiveConfig tunes the cell tracker.
type HiveConfig struct {
	// SnapshotDir redirects .hive/ JSONL snapshots into a working tree.
	// Empty keeps them beside the database.
	SnapshotDir string
	// AutoSnapshot writes the JSONL snapshot after each mutating op.
	AutoSnapshot bool
}

// LoggingConfig configures the optional rotating file sink.
type LoggingConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load reads config.yaml from configPath (or the default config home
// when empty), applies SWARMMAIL_* environment overrides, and returns
// the typed configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("SWARMMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	file := configPath
	if file == "" {
		home, err := paths.ConfigHome()
		if err != nil {
			return nil, err
		}
		file = filepath.Join(home, "config.yaml")
	}
	if _, err := os.Stat(file); err == nil {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	return fromViper(v)
}

// Default returns the built-in configuration without touching the
// filesystem or environment. Tests compose sessions from this.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, _ := fromViper(v)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.dim", 768)
	v.SetDefault("embedding.base_url", "http://localhost:11434/v1")
	v.SetDefault("embedding.api_key", "")

	v.SetDefault("memory.decay_tiers", []int{7, 30, 180})
	v.SetDefault("memory.dedup_score", 0.85)
	v.SetDefault("memory.recall_cooldown_ms", 30000)
	v.SetDefault("memory.min_recall_score", 0.55)

	v.SetDefault("reservation.default_ttl_seconds", 3600)
	v.SetDefault("review.max_rejections", 3)
	v.SetDefault("inbox.max_limit", 5)

	v.SetDefault("hive.snapshot_dir", "")
	v.SetDefault("hive.auto_snapshot", false)

	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 20)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Embedding: EmbeddingConfig{
			Model:   v.GetString("embedding.model"),
			Dim:     v.GetInt("embedding.dim"),
			BaseURL: v.GetString("embedding.base_url"),
			APIKey:  v.GetString("embedding.api_key"),
		},
		Memory: MemoryConfig{
			DecayTiers:       v.GetIntSlice("memory.decay_tiers"),
			DedupScore:       v.GetFloat64("memory.dedup_score"),
			RecallCooldownMs: v.GetInt("memory.recall_cooldown_ms"),
			MinRecallScore:   v.GetFloat64("memory.min_recall_score"),
		},
		Reservation: ReservationConfig{
			DefaultTTLSeconds: v.GetInt("reservation.default_ttl_seconds"),
		},
		Review: ReviewConfig{
			MaxRejections: v.GetInt("review.max_rejections"),
		},
		Inbox: InboxConfig{
			MaxLimit: v.GetInt("inbox.max_limit"),
		},
		Hive: HiveConfig{
			SnapshotDir:  v.GetString("hive.snapshot_dir"),
			AutoSnapshot: v.GetBool("hive.auto_snapshot"),
		},
		Logging: LoggingConfig{
			File:       v.GetString("logging.file"),
			MaxSizeMB:  v.GetInt("logging.max_size_mb"),
			MaxBackups: v.GetInt("logging.max_backups"),
			MaxAgeDays: v.GetInt("logging.max_age_days"),
		},
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("embedding.dim must be positive, got %d", c.Embedding.Dim)
	}
	if len(c.Memory.DecayTiers) != 3 {
		return fmt.Errorf("memory.decay_tiers needs exactly 3 boundaries (hot/warm/cold), got %d", len(c.Memory.DecayTiers))
	}
	for i := 1; i < len(c.Memory.DecayTiers); i++ {
		if c.Memory.DecayTiers[i] <= c.Memory.DecayTiers[i-1] {
			return fmt.Errorf("memory.decay_tiers must be strictly increasing, got %v", c.Memory.DecayTiers)
		}
	}
	if c.Memory.DedupScore < 0 || c.Memory.DedupScore > 1 {
		return fmt.Errorf("memory.dedup_score must be in [0,1], got %v", c.Memory.DedupScore)
	}
	if c.Reservation.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("reservation.default_ttl_seconds must be positive, got %d", c.Reservation.DefaultTTLSeconds)
	}
	if c.Review.MaxRejections < 1 {
		return fmt.Errorf("review.max_rejections must be at least 1, got %d", c.Review.MaxRejections)
	}
	// The inbox cap is a design contract: wrappers cannot raise it.
	if c.Inbox.MaxLimit < 1 || c.Inbox.MaxLimit > 5 {
		return fmt.Errorf("inbox.max_limit must be in [1,5], got %d", c.Inbox.MaxLimit)
	}
	return nil
}
