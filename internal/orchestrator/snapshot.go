package orchestrator

// #region imports
import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/climax"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/rules"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/tension"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/threads"
)

// #endregion

// SnapshotVersion is bumped whenever Snapshot changes shape.
const SnapshotVersion = 1

// #region snapshot

// Snapshot is the full serializable state of one session.
type Snapshot struct {
	Version         int                   `json:"version"`
	Tick            int                   `json:"tick"`
	LastTime        time.Time             `json:"last_time"`
	Threads         threads.Snapshot      `json:"threads"`
	Tension         tension.Snapshot      `json:"tension"`
	Rules           rules.EngineSnapshot  `json:"rules"`
	Interventions   []rules.Intervention  `json:"interventions"`
	Climax          climax.Snapshot       `json:"climax"`
	Moments         []StoryMoment         `json:"moments"`
	CrossReferences []threads.Convergence `json:"cross_references"`
	HintedPairs     []string              `json:"hinted_pairs"`
}

// Snapshot copies the orchestrator state.
func (o *Orchestrator) Snapshot() Snapshot {
	moments := make([]StoryMoment, len(o.moments))
	for i, m := range o.moments {
		m.Participants = append([]string(nil), m.Participants...)
		moments[i] = m
	}
	pairs := make([]string, 0, len(o.seenPairs))
	for k := range o.seenPairs {
		pairs = append(pairs, k)
	}
	sort.Strings(pairs)
	return Snapshot{
		Version:         SnapshotVersion,
		Tick:            o.tick,
		LastTime:        o.lastTime,
		Threads:         o.threads.Snapshot(),
		Tension:         o.tension.Snapshot(),
		Rules:           o.rules.Snapshot(),
		Interventions:   o.queue.Pending(),
		Climax:          o.climax.Snapshot(),
		Moments:         moments,
		CrossReferences: append([]threads.Convergence(nil), o.crossRefs...),
		HintedPairs:     pairs,
	}
}

// Export renders the state as a plain nested key-value structure for the save system.
func (o *Orchestrator) Export() (map[string]any, error) {
	raw, err := json.Marshal(o.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("export snapshot: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("export snapshot: %w", err)
	}
	return out, nil
}

// Restore builds an orchestrator from a structure produced by Export.
func Restore(cfg Config, state map[string]any, opts ...Option) (*Orchestrator, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	return FromSnapshot(cfg, snap, opts...)
}

// FromSnapshot builds an orchestrator from a typed snapshot.
func FromSnapshot(cfg Config, snap Snapshot, opts ...Option) (*Orchestrator, error) {
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("restore snapshot: unsupported version %d", snap.Version)
	}
	o := New(cfg, opts...)
	if err := o.threads.Restore(snap.Threads); err != nil {
		return nil, err
	}
	if err := o.tension.Restore(snap.Tension); err != nil {
		return nil, err
	}
	if err := o.climax.Restore(snap.Climax); err != nil {
		return nil, err
	}
	o.rules.Restore(snap.Rules)
	o.queue.Restore(snap.Interventions)
	o.tick = snap.Tick
	o.lastTime = snap.LastTime
	o.moments = nil
	for _, m := range snap.Moments {
		m.Participants = append([]string(nil), m.Participants...)
		o.moments = append(o.moments, m)
	}
	o.crossRefs = append([]threads.Convergence(nil), snap.CrossReferences...)
	for _, k := range snap.HintedPairs {
		o.seenPairs[k] = true
	}
	return o, nil
}

// #endregion

