// Package config loads engine settings from a YAML file and applies
// TAVERN_-prefixed environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/orchestrator"
)

// #region types

// Config is the top-level configuration.
type Config struct {
	Narrative Narrative `yaml:"narrative" json:"narrative" envPrefix:"NARRATIVE_"`
	Storage   Storage   `yaml:"storage" json:"storage" envPrefix:"STORAGE_"`
	Narration Narration `yaml:"narration" json:"narration" envPrefix:"NARRATION_"`
	Logging   Logging   `yaml:"logging" json:"logging" envPrefix:"LOG_"`
}

// Narrative holds the orchestrator knobs.
type Narrative struct {
	SessionID               string  `yaml:"session_id" json:"session_id" env:"SESSION_ID"`
	MaxActiveThreads        int     `yaml:"max_active_threads" json:"max_active_threads" env:"MAX_ACTIVE_THREADS"`
	ClimaxTensionThreshold  float64 `yaml:"climax_tension_threshold" json:"climax_tension_threshold" env:"CLIMAX_TENSION_THRESHOLD"`
	MinBeatsBeforeClimax    int     `yaml:"min_beats_before_climax" json:"min_beats_before_climax" env:"MIN_BEATS_BEFORE_CLIMAX"`
	DormancyTimeoutHours    float64 `yaml:"dormancy_timeout_hours" json:"dormancy_timeout_hours" env:"DORMANCY_TIMEOUT_HOURS"`
	DormancyDecayFactor     float64 `yaml:"dormancy_decay_factor" json:"dormancy_decay_factor" env:"DORMANCY_DECAY_FACTOR"`
	MinClimaxSpacingHours   float64 `yaml:"min_climax_spacing_hours" json:"min_climax_spacing_hours" env:"MIN_CLIMAX_SPACING_HOURS"`
	ClimaxTTLHours          float64 `yaml:"climax_ttl_hours" json:"climax_ttl_hours" env:"CLIMAX_TTL_HOURS"`
	MaxInterventionsPerTick int     `yaml:"max_interventions_per_tick" json:"max_interventions_per_tick" env:"MAX_INTERVENTIONS_PER_TICK"`
	MergeThreshold          float64 `yaml:"merge_threshold" json:"merge_threshold" env:"MERGE_THRESHOLD"`
	CrossReferenceThreshold float64 `yaml:"cross_reference_threshold" json:"cross_reference_threshold" env:"CROSS_REFERENCE_THRESHOLD"`
	MaxParticipants         int     `yaml:"max_participants" json:"max_participants" env:"MAX_PARTICIPANTS"`
	MaxStageDurationTicks   int     `yaml:"max_stage_duration_ticks" json:"max_stage_duration_ticks" env:"MAX_STAGE_DURATION_TICKS"`
	FlatlineThreshold       float64 `yaml:"flatline_threshold" json:"flatline_threshold" env:"FLATLINE_THRESHOLD"`
	FlatlineTicks           int     `yaml:"flatline_ticks" json:"flatline_ticks" env:"FLATLINE_TICKS"`
	MinActiveThreads        int     `yaml:"min_active_threads" json:"min_active_threads" env:"MIN_ACTIVE_THREADS"`
	SoftCapActiveThreads    int     `yaml:"soft_cap_active_threads" json:"soft_cap_active_threads" env:"SOFT_CAP_ACTIVE_THREADS"`
	IdleDecay               float64 `yaml:"idle_decay" json:"idle_decay" env:"IDLE_DECAY"`
	TrendWindow             int     `yaml:"trend_window" json:"trend_window" env:"TREND_WINDOW"`
	ResolvedRetentionHours  float64 `yaml:"resolved_retention_hours" json:"resolved_retention_hours" env:"RESOLVED_RETENTION_HOURS"`
	SurfaceCapacityErrors   bool    `yaml:"surface_capacity_errors" json:"surface_capacity_errors" env:"SURFACE_CAPACITY_ERRORS"`
}

// Storage locates the snapshot database and the optional Redis mirror.
type Storage struct {
	DBPath         string  `yaml:"db_path" json:"db_path" env:"DB_PATH"`
	RedisAddr      string  `yaml:"redis_addr" json:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword  string  `yaml:"redis_password" json:"-" env:"REDIS_PASSWORD"`
	RedisDB        int     `yaml:"redis_db" json:"redis_db" env:"REDIS_DB"`
	MirrorTTLHours float64 `yaml:"mirror_ttl_hours" json:"mirror_ttl_hours" env:"MIRROR_TTL_HOURS"`
	SnapshotEvery  int     `yaml:"snapshot_every" json:"snapshot_every" env:"SNAPSHOT_EVERY"`
}

// Narration selects the out-of-band narrator backend.
type Narration struct {
	Backend     string        `yaml:"backend" json:"backend" env:"BACKEND"` // "none" | "openai" | "grpc"
	Model       string        `yaml:"model" json:"model" env:"MODEL"`
	BaseURL     string        `yaml:"base_url" json:"base_url" env:"BASE_URL"`
	APIKey      string        `yaml:"api_key" json:"-" env:"API_KEY"`
	GRPCTarget  string        `yaml:"grpc_target" json:"grpc_target" env:"GRPC_TARGET"`
	Concurrency int           `yaml:"concurrency" json:"concurrency" env:"CONCURRENCY"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `yaml:"level" json:"level" env:"LEVEL"`
	Format string `yaml:"format" json:"format" env:"FORMAT"`
}

// #endregion

// #region defaults

// Default returns a configuration matching the orchestrator defaults.
func Default() Config {
	o := orchestrator.DefaultConfig()
	return Config{
		Narrative: Narrative{
			SessionID:               "default",
			MaxActiveThreads:        o.Threads.MaxActiveThreads,
			ClimaxTensionThreshold:  o.Threads.ClimaxThreshold,
			MinBeatsBeforeClimax:    o.Threads.MinBeats,
			DormancyTimeoutHours:    o.Threads.DormancyTimeout.Hours(),
			DormancyDecayFactor:     o.Threads.DormancyDecayFactor,
			MinClimaxSpacingHours:   o.Climax.MinSpacing.Hours(),
			ClimaxTTLHours:          o.Climax.MaxTTL.Hours(),
			MaxInterventionsPerTick: o.MaxInterventionsPerTick,
			MergeThreshold:          o.Threads.MergeThreshold,
			CrossReferenceThreshold: o.Threads.CrossReferenceThreshold,
			MaxParticipants:         o.Threads.MaxParticipants,
			MaxStageDurationTicks:   o.Rules.MaxStageDurationTicks,
			FlatlineThreshold:       o.Rules.FlatlineThreshold,
			FlatlineTicks:           o.Rules.FlatlineTicks,
			MinActiveThreads:        o.Rules.MinActiveThreads,
			SoftCapActiveThreads:    o.Rules.SoftCap,
			IdleDecay:               o.Tension.IdleDecay,
			TrendWindow:             o.Tension.TrendWindow,
			ResolvedRetentionHours:  o.Threads.ResolvedRetention.Hours(),
			SurfaceCapacityErrors:   o.SurfaceCapacityErrors,
		},
		Storage: Storage{
			DBPath:        "tavern.db",
			SnapshotEvery: 10,
		},
		Narration: Narration{
			Backend:     "none",
			Model:       "gpt-4o-mini",
			Concurrency: 4,
			Timeout:     30 * time.Second,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// #endregion

// #region load

// Load reads path (skipped when empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "TAVERN_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// #endregion

// #region validate

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	n := c.Narrative
	var errs []error
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0,1], got %v", name, v))
		}
	}
	positive := func(name string, v float64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, v))
		}
	}

	positive("max_active_threads", float64(n.MaxActiveThreads))
	unit("climax_tension_threshold", n.ClimaxTensionThreshold)
	unit("dormancy_decay_factor", n.DormancyDecayFactor)
	unit("merge_threshold", n.MergeThreshold)
	unit("cross_reference_threshold", n.CrossReferenceThreshold)
	unit("flatline_threshold", n.FlatlineThreshold)
	unit("idle_decay", n.IdleDecay)
	positive("dormancy_timeout_hours", n.DormancyTimeoutHours)
	positive("climax_ttl_hours", n.ClimaxTTLHours)
	positive("max_participants", float64(n.MaxParticipants))
	positive("max_stage_duration_ticks", float64(n.MaxStageDurationTicks))
	positive("flatline_ticks", float64(n.FlatlineTicks))
	positive("trend_window", float64(n.TrendWindow))
	if n.MinClimaxSpacingHours < 0 {
		errs = append(errs, fmt.Errorf("min_climax_spacing_hours must not be negative, got %v", n.MinClimaxSpacingHours))
	}
	if n.MaxInterventionsPerTick < 0 {
		errs = append(errs, fmt.Errorf("max_interventions_per_tick must not be negative, got %d", n.MaxInterventionsPerTick))
	}
	if n.CrossReferenceThreshold > n.MergeThreshold {
		errs = append(errs, fmt.Errorf("cross_reference_threshold %v above merge_threshold %v", n.CrossReferenceThreshold, n.MergeThreshold))
	}
	if n.SoftCapActiveThreads > n.MaxActiveThreads {
		errs = append(errs, fmt.Errorf("soft_cap_active_threads %d above max_active_threads %d", n.SoftCapActiveThreads, n.MaxActiveThreads))
	}

	switch c.Narration.Backend {
	case "", "none":
	case "openai":
		if c.Narration.APIKey == "" && c.Narration.BaseURL == "" {
			errs = append(errs, errors.New("openai narration needs api_key or base_url"))
		}
	case "grpc":
		if c.Narration.GRPCTarget == "" {
			errs = append(errs, errors.New("grpc narration needs grpc_target"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown narration backend %q", c.Narration.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// #endregion

// #region mapping

// OrchestratorConfig maps the narrative knobs onto component configs.
func (n Narrative) OrchestratorConfig() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.SessionID = n.SessionID

	cfg.Threads.MaxActiveThreads = n.MaxActiveThreads
	cfg.Threads.ClimaxThreshold = n.ClimaxTensionThreshold
	cfg.Threads.MinBeats = n.MinBeatsBeforeClimax
	cfg.Threads.DormancyTimeout = hours(n.DormancyTimeoutHours)
	cfg.Threads.DormancyDecayFactor = n.DormancyDecayFactor
	cfg.Threads.MergeThreshold = n.MergeThreshold
	cfg.Threads.CrossReferenceThreshold = n.CrossReferenceThreshold
	cfg.Threads.MaxParticipants = n.MaxParticipants
	cfg.Threads.ResolvedRetention = hours(n.ResolvedRetentionHours)

	cfg.Tension.IdleDecay = n.IdleDecay
	cfg.Tension.TrendWindow = n.TrendWindow

	cfg.Rules.MaxStageDurationTicks = n.MaxStageDurationTicks
	cfg.Rules.FlatlineThreshold = n.FlatlineThreshold
	cfg.Rules.FlatlineTicks = n.FlatlineTicks
	cfg.Rules.MinActiveThreads = n.MinActiveThreads
	cfg.Rules.SoftCap = n.SoftCapActiveThreads

	cfg.Climax.MinSpacing = hours(n.MinClimaxSpacingHours)
	cfg.Climax.MaxTTL = hours(n.ClimaxTTLHours)

	cfg.MaxInterventionsPerTick = n.MaxInterventionsPerTick
	cfg.SurfaceCapacityErrors = n.SurfaceCapacityErrors
	return cfg
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// #endregion
