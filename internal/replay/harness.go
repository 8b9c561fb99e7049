package replay

import (
	"fmt"
	"slices"
	"time"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/eval"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/orchestrator"
)

// #region types

// RecordedTick is one tick input plus what it is expected to produce.
type RecordedTick struct {
	Context orchestrator.TickContext `json:"context"`
	// Expected is the exact ordered effect kinds. Nil skips the exact check.
	Expected []orchestrator.EffectKind `json:"expected"`
	// MustInclude lists kinds that must appear at least once.
	MustInclude []orchestrator.EffectKind `json:"must_include,omitempty"`
}

// ReplayConfig bundles the orchestrator and eval configs for a replay run.
type ReplayConfig struct {
	Orchestrator orchestrator.Config
	Eval         eval.EvalConfig
}

// DefaultReplayConfig returns defaults for both stages.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		Orchestrator: orchestrator.DefaultConfig(),
		Eval:         eval.DefaultEvalConfig(),
	}
}

// Replay actions.
const (
	ActionMatch    = "match"
	ActionDiverged = "diverged"
	ActionSkipped  = "skipped" // context rejected; the tick counter did not move
)

// ReplayResult captures the outcome of replaying one tick.
type ReplayResult struct {
	Index    int
	Tick     int
	GameTime time.Time
	Action   string
	Reason   string
	Expected []orchestrator.EffectKind
	Actual   []orchestrator.EffectKind
	Effects  []orchestrator.NarrativeEffect
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalTicks  int
	Matches     int
	Divergences int
	Skipped     int
	Effects     map[orchestrator.EffectKind]int
	Eval        eval.EvalResult
	Final       orchestrator.Snapshot
}

// #endregion types

// #region replay

// Replay drives a fresh orchestrator through ticks and compares each tick's
// effects with the recording. A skipped tick whose recording matches still
// counts as skipped. Operates entirely in memory.
func Replay(ticks []RecordedTick, config ReplayConfig, opts ...orchestrator.Option) ([]ReplayResult, orchestrator.Snapshot) {
	o := orchestrator.New(config.Orchestrator, opts...)
	results := make([]ReplayResult, 0, len(ticks))

	for i, rec := range ticks {
		before := o.Tick()
		effects := o.OrchestrateNarrative(rec.Context)
		actual := Kinds(effects)

		res := ReplayResult{
			Index:    i,
			Tick:     o.Tick(),
			GameTime: rec.Context.GameTime,
			Action:   ActionMatch,
			Expected: rec.Expected,
			Actual:   actual,
			Effects:  effects,
		}
		if rec.Expected != nil && !slices.Equal(rec.Expected, actual) {
			res.Action = ActionDiverged
			res.Reason = fmt.Sprintf("expected %v, got %v", rec.Expected, actual)
		}
		for _, k := range rec.MustInclude {
			if res.Action == ActionMatch && !slices.Contains(actual, k) {
				res.Action = ActionDiverged
				res.Reason = fmt.Sprintf("missing %s effect", k)
			}
		}
		if res.Action == ActionMatch && o.Tick() == before {
			res.Action = ActionSkipped
			if len(effects) > 0 {
				res.Reason = effects[0].Payload["error"]
			}
		}
		results = append(results, res)
	}
	return results, o.Snapshot()
}

// Summarize computes aggregate stats and evaluates the final snapshot.
func Summarize(results []ReplayResult, final orchestrator.Snapshot, evalConfig eval.EvalConfig) ReplaySummary {
	s := ReplaySummary{
		TotalTicks: len(results),
		Effects:    map[orchestrator.EffectKind]int{},
		Final:      final,
	}
	for _, r := range results {
		switch r.Action {
		case ActionMatch:
			s.Matches++
		case ActionDiverged:
			s.Divergences++
		case ActionSkipped:
			s.Skipped++
		}
		for _, k := range r.Actual {
			s.Effects[k]++
		}
	}
	s.Eval = eval.NewEvalHarness(evalConfig).Run(final)
	return s
}

// Kinds projects effects onto their kinds, in order.
func Kinds(effects []orchestrator.NarrativeEffect) []orchestrator.EffectKind {
	out := make([]orchestrator.EffectKind, len(effects))
	for i, e := range effects {
		out[i] = e.Kind
	}
	return out
}

// #endregion replay
