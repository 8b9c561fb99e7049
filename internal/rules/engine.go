package rules

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/story"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/tension"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/threads"
)

// #region engine
// Engine evaluates narrative health and turns findings into interventions.
// It keeps the streak and cooldown bookkeeping that spans ticks.
type Engine struct {
	config Config
	log    *zap.Logger

	flatlineStreak int
	staleFired     map[string]int // thread id -> tick Stale last fired
	spawnCursor    int
	nextID         uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l.Named("rules") }
}

// NewEngine creates an engine with the given configuration.
func NewEngine(config Config, opts ...Option) *Engine {
	e := &Engine{config: config, log: zap.NewNop(), staleFired: make(map[string]int), nextID: 1}
	for _, o := range opts {
		o(e)
	}
	return e
}

// #endregion engine

// #region evaluate
// EvaluateNarrativeHealth checks every condition against state.
// Findings come out in a fixed order: flatline, stale (by thread order),
// starvation, overload.
func (e *Engine) EvaluateNarrativeHealth(state HealthState) HealthReport {
	var findings []Finding

	// 1. Flatline: low and stable for long enough
	if state.Trend == tension.TrendStable && state.GlobalTension < e.config.FlatlineThreshold {
		e.flatlineStreak++
	} else {
		e.flatlineStreak = 0
	}
	if e.config.FlatlineTicks > 0 && e.flatlineStreak >= e.config.FlatlineTicks {
		findings = append(findings, Finding{
			Condition: ConditionFlatline,
			Reason: fmt.Sprintf("global tension %.3f below %.3f for %d ticks",
				state.GlobalTension, e.config.FlatlineThreshold, e.flatlineStreak),
		})
		e.flatlineStreak = 0
	}

	// 2. Stale: stuck in one stage. Climax waits on the sequencer, not on beats.
	active := 0
	live := make(map[string]bool, len(state.Threads))
	for _, th := range state.Threads {
		if !th.Stage.Active() {
			continue
		}
		active++
		live[th.ID] = true
		if th.Stage == story.StageClimax || th.StageTicks <= e.config.MaxStageDurationTicks {
			continue
		}
		if last, ok := e.staleFired[th.ID]; ok && state.Tick-last <= e.config.MaxStageDurationTicks {
			continue
		}
		e.staleFired[th.ID] = state.Tick
		findings = append(findings, Finding{
			Condition: ConditionStale,
			ThreadIDs: []string{th.ID},
			Reason:    fmt.Sprintf("%s thread %s in %s for %d ticks", th.Type, th.ID, th.Stage, th.StageTicks),
		})
	}
	for id := range e.staleFired {
		if !live[id] {
			delete(e.staleFired, id)
		}
	}

	// 3. Starvation
	if active < e.config.MinActiveThreads {
		findings = append(findings, Finding{
			Condition: ConditionStarvation,
			Reason:    fmt.Sprintf("%d active threads, want at least %d", active, e.config.MinActiveThreads),
		})
	}

	// 4. Overload
	if e.config.SoftCap > 0 && active > e.config.SoftCap {
		findings = append(findings, Finding{
			Condition: ConditionOverload,
			Reason:    fmt.Sprintf("%d active threads above soft cap %d", active, e.config.SoftCap),
		})
	}

	for _, f := range findings {
		e.log.Info("health finding",
			zap.Int("tick", state.Tick),
			zap.String("condition", string(f.Condition)),
			zap.Strings("threads", f.ThreadIDs),
			zap.String("reason", f.Reason))
	}
	return HealthReport{Tick: state.Tick, Findings: findings, Healthy: len(findings) == 0}
}

// #endregion evaluate

// #region generate
// GenerateInterventions maps each finding to exactly one intervention,
// sorted by severity desc, age asc, id asc.
func (e *Engine) GenerateInterventions(report HealthReport, state HealthState) []Intervention {
	out := make([]Intervention, 0, len(report.Findings))
	for _, f := range report.Findings {
		iv := Intervention{
			ID:        e.nextID,
			Targets:   append([]string(nil), f.ThreadIDs...),
			Payload:   Payload{Reason: f.Reason, Condition: f.Condition},
			CreatedAt: state.Now,
		}
		e.nextID++

		switch f.Condition {
		case ConditionFlatline:
			iv.Kind, iv.Severity = KindInjectEvent, 3
		case ConditionStale:
			iv.Kind, iv.Severity = KindInjectEvent, 2
		case ConditionStarvation:
			iv.Kind, iv.Severity = KindSpawnThread, 2
			iv.Payload.ThreadType = story.AllThreadTypes[e.spawnCursor%len(story.AllThreadTypes)]
			e.spawnCursor++
		case ConditionOverload:
			iv.Severity = 1
			if pair, ok := strongestCrossReference(state.CrossReferences); ok {
				iv.Kind = KindForceConvergence
				iv.Targets = []string{pair.ThreadIDs[0], pair.ThreadIDs[1]}
			} else {
				iv.Kind = KindCoolDown
				iv.Payload.CooldownTicks = e.config.CooldownTicks
				iv.Payload.PacingScale = e.config.CooldownScale
				if id := lowestPriorityActive(state.Threads); id != "" {
					iv.Targets = []string{id}
				}
			}
		}
		out = append(out, iv)
	}
	sortInterventions(out)
	return out
}

func strongestCrossReference(convs []threads.Convergence) (threads.Convergence, bool) {
	var best threads.Convergence
	found := false
	for _, c := range convs {
		if c.Action != threads.ActionCrossReference || c.OverCapacity {
			continue
		}
		if !found || c.Strength > best.Strength {
			best, found = c, true
		}
	}
	return best, found
}

func lowestPriorityActive(views []story.Thread) string {
	var pick *story.Thread
	for i := range views {
		th := &views[i]
		if !th.Stage.Active() || th.Stage == story.StageClimax {
			continue
		}
		if pick == nil || th.Priority < pick.Priority || (th.Priority == pick.Priority && th.ID < pick.ID) {
			pick = th
		}
	}
	if pick == nil {
		return ""
	}
	return pick.ID
}

func sortInterventions(ivs []Intervention) {
	sort.SliceStable(ivs, func(i, j int) bool {
		if ivs[i].Severity != ivs[j].Severity {
			return ivs[i].Severity > ivs[j].Severity
		}
		if !ivs[i].CreatedAt.Equal(ivs[j].CreatedAt) {
			return ivs[i].CreatedAt.Before(ivs[j].CreatedAt)
		}
		return ivs[i].ID < ivs[j].ID
	})
}

// #endregion generate

// #region snapshot
// EngineSnapshot is the serializable cross-tick state of an Engine.
type EngineSnapshot struct {
	FlatlineStreak int            `json:"flatline_streak"`
	StaleFired     map[string]int `json:"stale_fired"`
	SpawnCursor    int            `json:"spawn_cursor"`
	NextID         uint64         `json:"next_id"`
}

// Snapshot copies the engine state.
func (e *Engine) Snapshot() EngineSnapshot {
	fired := make(map[string]int, len(e.staleFired))
	for k, v := range e.staleFired {
		fired[k] = v
	}
	return EngineSnapshot{
		FlatlineStreak: e.flatlineStreak,
		StaleFired:     fired,
		SpawnCursor:    e.spawnCursor,
		NextID:         e.nextID,
	}
}

// Restore replaces the engine state with s.
func (e *Engine) Restore(s EngineSnapshot) {
	e.flatlineStreak = s.FlatlineStreak
	e.spawnCursor = s.SpawnCursor
	e.nextID = max(s.NextID, 1)
	e.staleFired = make(map[string]int, len(s.StaleFired))
	for k, v := range s.StaleFired {
		e.staleFired[k] = v
	}
}

// #endregion snapshot
