package eval

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/orchestrator"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/story"
)

// #region eval-harness
// EvalHarness checks a session snapshot against the narrative invariants.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run validates snap. The intervention backlog is informational and never fails.
func (h *EvalHarness) Run(snap orchestrator.Snapshot) EvalResult {
	var metrics []EvalMetric
	var failReasons []string
	check := func(name string, value float64, pass bool, reason string) {
		metrics = append(metrics, EvalMetric{Name: name, Value: value, Pass: pass})
		if !pass {
			failReasons = append(failReasons, reason)
		}
	}

	ths := snap.Threads.Threads

	// 1. Tension bounds
	worst := 0.0
	for _, th := range ths {
		if d := outOfUnit(th.Tension); d > worst {
			worst = d
		}
	}
	check("tension_out_of_range", worst, worst == 0,
		fmt.Sprintf("thread tension outside [0,1] by %.4f", worst))

	// 2. Active thread cap
	active := 0
	for _, th := range ths {
		if th.Stage.Active() {
			active++
		}
	}
	check("active_threads", float64(active), active <= h.config.MaxActiveThreads,
		fmt.Sprintf("%d active threads exceed %d", active, h.config.MaxActiveThreads))

	// 3. Stage and beat history
	bad := 0
	for _, th := range ths {
		if !th.Stage.Valid() || !th.Type.Valid() || !beatsOrdered(th.Beats) || !pauseConsistent(th) {
			bad++
		}
	}
	check("malformed_threads", float64(bad), bad == 0,
		fmt.Sprintf("%d threads with bad stage, type or beat history", bad))

	// 4. Climax spacing
	gap := math.Inf(1)
	ms := snap.Climax.Scheduled
	for i := 0; i < len(ms); i++ {
		for j := i + 1; j < len(ms); j++ {
			d := math.Abs(ms[j].At.Sub(ms[i].At).Hours())
			gap = math.Min(gap, d)
		}
	}
	gapOK := len(ms) < 2 || gap >= h.config.MinClimaxSpacing.Hours()
	if len(ms) < 2 {
		gap = 0
	}
	check("min_climax_gap_hours", gap, gapOK,
		fmt.Sprintf("climaxes %.2fh apart, need %.2fh", gap, h.config.MinClimaxSpacing.Hours()))

	// 5. Backlog: informational only
	backlog := len(snap.Interventions)
	metrics = append(metrics, EvalMetric{
		Name:  "intervention_backlog",
		Value: float64(backlog),
		Pass:  backlog <= h.config.MaxBacklog,
	})

	reason := "all checks passed"
	if len(failReasons) == 1 {
		reason = fmt.Sprintf("eval failed: %s", failReasons[0])
	} else if len(failReasons) > 1 {
		reason = fmt.Sprintf("eval failed: %d checks: %s", len(failReasons), failReasons[0])
	}
	return EvalResult{
		Passed:  len(failReasons) == 0,
		Metrics: metrics,
		Reason:  reason,
	}
}

// #endregion eval-harness

// #region helpers
func outOfUnit(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 1
	case v < 0:
		return -v
	case v > 1:
		return v - 1
	}
	return 0
}

// pauseConsistent reports whether only Dormant threads carry a paused stage,
// and that stage is one a thread can go dormant from.
func pauseConsistent(th story.Thread) bool {
	if th.Stage != story.StageDormant {
		return th.PausedStage == ""
	}
	return th.PausedStage.Active()
}

// beatsOrdered reports whether the history is applied, in time order, with
// unique (origin, seq) pairs.
func beatsOrdered(beats []story.Beat) bool {
	type key struct {
		origin string
		seq    int
	}
	seen := make(map[key]bool, len(beats))
	for i, b := range beats {
		k := key{b.Origin, b.Seq}
		if !b.Applied || seen[k] {
			return false
		}
		seen[k] = true
		if i > 0 && b.AppliedAt.Before(beats[i-1].AppliedAt) {
			return false
		}
	}
	return true
}

// #endregion helpers
