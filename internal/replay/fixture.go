package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/config"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/eval"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/logging"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string           `json:"description"`
	Config      config.Narrative `json:"config"`
	Ticks       []RecordedTick   `json:"ticks"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file. Config keys the file
// omits keep their defaults.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	f := Fixture{Config: config.Default().Narrative}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// WriteFixture stores f as indented JSON.
func WriteFixture(path string, f *Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// ToReplayConfig converts the fixture's narrative settings to a ReplayConfig.
func (f *Fixture) ToReplayConfig() ReplayConfig {
	ec := eval.DefaultEvalConfig()
	ec.MaxActiveThreads = f.Config.MaxActiveThreads
	ec.MinClimaxSpacing = time.Duration(f.Config.MinClimaxSpacingHours * float64(time.Hour))
	return ReplayConfig{
		Orchestrator: f.Config.OrchestratorConfig(),
		Eval:         ec,
	}
}

// #endregion fixture-loader

// #region journal

// FromJournal rebuilds recorded ticks from tick journal rows, expecting
// each tick to reproduce exactly the effect kinds it logged.
func FromJournal(entries []logging.TickEntry) ([]RecordedTick, error) {
	ticks := make([]RecordedTick, 0, len(entries))
	for _, e := range entries {
		tc, effects, err := e.Decode()
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, RecordedTick{Context: tc, Expected: Kinds(effects)})
	}
	return ticks, nil
}

// #endregion journal
