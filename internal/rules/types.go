package rules

import (
	"time"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/story"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/tension"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/threads"
)

// #region condition
// Condition enumerates narrative health problems.
type Condition string

const (
	ConditionStale      Condition = "stale"
	ConditionFlatline   Condition = "flatline"
	ConditionStarvation Condition = "starvation"
	ConditionOverload   Condition = "overload"
)

// #endregion condition

// #region finding
// Finding is one detected health condition.
type Finding struct {
	Condition Condition
	ThreadIDs []string
	Reason    string
}

// HealthReport is the output of EvaluateNarrativeHealth.
type HealthReport struct {
	Tick     int
	Findings []Finding
	Healthy  bool
}

// #endregion finding

// #region health-state
// HealthState is the read-only view the engine evaluates.
type HealthState struct {
	Tick            int
	Now             time.Time
	Threads         []story.Thread
	GlobalTension   float64
	Trend           tension.Trend
	CrossReferences []threads.Convergence
}

// #endregion health-state

// #region rules-config
// Config holds thresholds for health evaluation.
type Config struct {
	MaxStageDurationTicks int     // Stale once a thread spends longer than this in one stage
	FlatlineThreshold     float64 // global tension below this counts toward a flatline
	FlatlineTicks         int     // consecutive low, stable evaluations before Flatline fires
	MinActiveThreads      int     // Starvation below this
	SoftCap               int     // Overload above this
	CooldownTicks         int     // length of a CoolDown intervention
	CooldownScale         float64 // pacing scale applied while cooling down
}

// DefaultConfig returns the tuning used by a fresh session.
func DefaultConfig() Config {
	return Config{
		MaxStageDurationTicks: 24,
		FlatlineThreshold:     0.1,
		FlatlineTicks:         10,
		MinActiveThreads:      1,
		SoftCap:               5,
		CooldownTicks:         6,
		CooldownScale:         0.5,
	}
}

// #endregion rules-config

// #region intervention
// Kind enumerates corrective actions.
type Kind string

const (
	KindInjectEvent      Kind = "inject_event"
	KindForceConvergence Kind = "force_convergence"
	KindSpawnThread      Kind = "spawn_thread"
	KindCoolDown         Kind = "cool_down"
)

// Payload carries the kind-specific parameters of an intervention.
type Payload struct {
	Reason        string           `json:"reason"`
	Condition     Condition        `json:"condition"`
	ThreadType    story.ThreadType `json:"thread_type,omitempty"`
	CooldownTicks int              `json:"cooldown_ticks,omitempty"`
	PacingScale   float64          `json:"pacing_scale,omitempty"`
}

// Intervention is a queued corrective action. It is a value type;
// Clone before handing it across a tick boundary.
type Intervention struct {
	ID        uint64    `json:"id"`
	Kind      Kind      `json:"kind"`
	Targets   []string  `json:"targets"`
	Payload   Payload   `json:"payload"`
	Severity  int       `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
	Consumed  bool      `json:"consumed"`
}

// Clone returns a copy that shares no slices with iv.
func (iv Intervention) Clone() Intervention {
	iv.Targets = append([]string(nil), iv.Targets...)
	return iv
}

// #endregion intervention
