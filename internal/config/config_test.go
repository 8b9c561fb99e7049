package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/orchestrator"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tavern.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsMatchOrchestrator(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	want := orchestrator.DefaultConfig()
	want.SessionID = "default"
	if diff := cmp.Diff(want, cfg.Narrative.OrchestratorConfig()); diff != "" {
		t.Fatalf("default mapping drifted (-want +got):\n%s", diff)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAML(t *testing.T) {
	path := writeYAML(t, `
narrative:
  session_id: inn
  max_active_threads: 4
  climax_tension_threshold: 0.8
  dormancy_timeout_hours: 6
  min_climax_spacing_hours: 3
  climax_ttl_hours: 12
  soft_cap_active_threads: 3
storage:
  db_path: /tmp/inn.db
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "inn", cfg.Narrative.SessionID)
	assert.Equal(t, 4, cfg.Narrative.MaxActiveThreads)
	assert.Equal(t, "/tmp/inn.db", cfg.Storage.DBPath)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, Default().Narrative.MergeThreshold, cfg.Narrative.MergeThreshold)
	assert.Equal(t, "json", cfg.Logging.Format)

	oc := cfg.Narrative.OrchestratorConfig()
	assert.Equal(t, 4, oc.Threads.MaxActiveThreads)
	assert.Equal(t, 0.8, oc.Threads.ClimaxThreshold)
	assert.Equal(t, 6*time.Hour, oc.Threads.DormancyTimeout)
	assert.Equal(t, 3*time.Hour, oc.Climax.MinSpacing)
	assert.Equal(t, 12*time.Hour, oc.Climax.MaxTTL)
	assert.Equal(t, "inn", oc.SessionID)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, "narrative:\n  max_active_threads: 4\n")
	t.Setenv("TAVERN_NARRATIVE_MAX_ACTIVE_THREADS", "8")
	t.Setenv("TAVERN_NARRATION_TIMEOUT", "45s")
	t.Setenv("TAVERN_LOG_FORMAT", "console")
	t.Setenv("TAVERN_STORAGE_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Narrative.MaxActiveThreads)
	assert.Equal(t, 45*time.Second, cfg.Narration.Timeout)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "localhost:6379", cfg.Storage.RedisAddr)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeYAML(t, "narrative: [unclosed"))
		require.Error(t, err)
	})

	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("TAVERN_NARRATIVE_MAX_ACTIVE_THREADS", "many")
		_, err := Load("")
		require.Error(t, err)
	})

	t.Run("invalid range", func(t *testing.T) {
		_, err := Load(writeYAML(t, "narrative:\n  climax_tension_threshold: 1.5\n"))
		require.ErrorContains(t, err, "climax_tension_threshold")
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero cap", func(c *Config) { c.Narrative.MaxActiveThreads = 0 }, "max_active_threads"},
		{"soft cap above cap", func(c *Config) { c.Narrative.SoftCapActiveThreads = 9 }, "soft_cap_active_threads"},
		{"crossref above merge", func(c *Config) { c.Narrative.CrossReferenceThreshold = 0.9 }, "cross_reference_threshold"},
		{"negative spacing", func(c *Config) { c.Narrative.MinClimaxSpacingHours = -1 }, "min_climax_spacing_hours"},
		{"unknown backend", func(c *Config) { c.Narration.Backend = "carrier-pigeon" }, "unknown narration backend"},
		{"grpc without target", func(c *Config) { c.Narration.Backend = "grpc" }, "grpc_target"},
		{"openai without key", func(c *Config) { c.Narration.Backend = "openai" }, "api_key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}

	t.Run("openai with key", func(t *testing.T) {
		cfg := Default()
		cfg.Narration.Backend = "openai"
		cfg.Narration.APIKey = "sk-test"
		require.NoError(t, cfg.Validate())
	})
}
