package threads

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/story"
)

// #region types

// ConvergenceAction is what the manager does about two related threads.
type ConvergenceAction string

const (
	ActionMerge          ConvergenceAction = "merge"
	ActionCrossReference ConvergenceAction = "cross_reference"
	ActionConflict       ConvergenceAction = "conflict"
)

// Convergence is a detected relationship between two active threads.
type Convergence struct {
	ThreadIDs          [2]string         `json:"thread_ids"`
	SharedParticipants []string          `json:"shared_participants"`
	Strength           float64           `json:"strength"`
	Action             ConvergenceAction `json:"action"`
	OverCapacity       bool              `json:"over_capacity,omitempty"`
}

// Outcome reports what ApplyConvergences did with one convergence.
type Outcome struct {
	Convergence Convergence
	Applied     bool
	SurvivorID  string
	AbsorbedID  string
}

const (
	overlapWeight = 0.6
	themeWeight   = 0.4
)

// #endregion types

// #region detect

// DetectConvergences finds every pair of active threads sharing a participant.
// It reads state only, so repeated calls between advances return the same set.
func (m *Manager) DetectConvergences() []Convergence {
	var active []*story.Thread
	for _, th := range m.ordered() {
		if th.Stage.Active() {
			active = append(active, th)
		}
	}

	byParticipant := make(map[string][]int)
	for i, th := range active {
		for _, p := range th.Participants {
			byParticipant[p.ID] = append(byParticipant[p.ID], i)
		}
	}

	shared := make(map[[2]int][]string)
	for pid, idx := range byParticipant {
		for x := 0; x < len(idx); x++ {
			for y := x + 1; y < len(idx); y++ {
				key := [2]int{idx[x], idx[y]}
				shared[key] = append(shared[key], pid)
			}
		}
	}

	var out []Convergence
	for key, pids := range shared {
		a, b := active[key[0]], active[key[1]]
		sort.Strings(pids)
		if c, ok := m.classify(a, b, pids); ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ThreadIDs[0] != out[j].ThreadIDs[0] {
			return out[i].ThreadIDs[0] < out[j].ThreadIDs[0]
		}
		return out[i].ThreadIDs[1] < out[j].ThreadIDs[1]
	})
	return out
}

func (m *Manager) classify(a, b *story.Thread, sharedIDs []string) (Convergence, bool) {
	ids := [2]string{a.ID, b.ID}
	if ids[0] > ids[1] {
		ids[0], ids[1] = ids[1], ids[0]
	}
	smaller := min(len(a.Participants), len(b.Participants))
	overlap := float64(len(sharedIDs)) / float64(smaller)
	theme := story.Compatibility(a.Type, b.Type)
	strength := min(max(overlapWeight*overlap+themeWeight*theme, 0), 1)

	c := Convergence{
		ThreadIDs:          ids,
		SharedParticipants: append([]string(nil), sharedIDs...),
		Strength:           strength,
	}
	switch {
	case theme < 0:
		c.Action = ActionConflict
	case strength >= m.cfg.MergeThreshold:
		c.Action = ActionMerge
		if unionSize(a, b) > m.cfg.MaxParticipants {
			c.Action = ActionCrossReference
			c.OverCapacity = true
		} else if a.Stage == story.StageClimax || b.Stage == story.StageClimax {
			c.Action = ActionCrossReference
		}
	case strength >= m.cfg.CrossReferenceThreshold:
		c.Action = ActionCrossReference
	default:
		return Convergence{}, false
	}
	return c, true
}

func unionSize(a, b *story.Thread) int {
	n := len(a.Participants)
	for _, p := range b.Participants {
		if !a.HasParticipant(p.ID) {
			n++
		}
	}
	return n
}

// #endregion detect

// #region apply

// ApplyConvergences carries out merges and conflict pressure.
// A thread takes part in at most one merge per call.
func (m *Manager) ApplyConvergences(convs []Convergence, now time.Time) []Outcome {
	merged := make(map[string]bool)
	out := make([]Outcome, 0, len(convs))
	for _, c := range convs {
		o := Outcome{Convergence: c}
		switch c.Action {
		case ActionMerge:
			if merged[c.ThreadIDs[0]] || merged[c.ThreadIDs[1]] {
				break
			}
			survivor, absorbed, err := m.merge(c.ThreadIDs[0], c.ThreadIDs[1], now)
			if err != nil {
				m.log.Debug("merge skipped", zap.Strings("threads", c.ThreadIDs[:]), zap.Error(err))
				break
			}
			merged[survivor], merged[absorbed] = true, true
			o.Applied, o.SurvivorID, o.AbsorbedID = true, survivor, absorbed
		case ActionConflict:
			for _, id := range c.ThreadIDs {
				if th, ok := m.threads[id]; ok {
					th.Tension = min(th.Tension+m.cfg.ConflictTensionBoost, 1)
				}
			}
			o.Applied = true
		case ActionCrossReference:
			o.Applied = true
		}
		out = append(out, o)
	}
	return out
}

// ForceMerge merges two threads regardless of their convergence strength.
func (m *Manager) ForceMerge(a, b string, now time.Time) (Outcome, error) {
	survivor, absorbed, err := m.merge(a, b, now)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Convergence: Convergence{ThreadIDs: [2]string{a, b}, Action: ActionMerge},
		Applied:     true,
		SurvivorID:  survivor,
		AbsorbedID:  absorbed,
	}, nil
}

// merge folds the weaker thread into the stronger one. Merges that would
// exceed MaxParticipants are refused rather than truncated.
func (m *Manager) merge(aID, bID string, now time.Time) (string, string, error) {
	a, okA := m.threads[aID]
	b, okB := m.threads[bID]
	if !okA || !okB {
		return "", "", fmt.Errorf("%w: %s / %s", ErrUnknownThread, aID, bID)
	}
	if aID == bID {
		return "", "", fmt.Errorf("cannot merge thread %s with itself", aID)
	}
	if !a.Stage.Active() || !b.Stage.Active() {
		return "", "", fmt.Errorf("merge needs active threads: %s is %s, %s is %s", aID, a.Stage, bID, b.Stage)
	}
	if a.Stage == story.StageClimax || b.Stage == story.StageClimax {
		return "", "", fmt.Errorf("merge refused: a thread is mid-climax")
	}
	if unionSize(a, b) > m.cfg.MaxParticipants {
		return "", "", fmt.Errorf("merge refused: %d participants exceed max %d", unionSize(a, b), m.cfg.MaxParticipants)
	}

	survivor, absorbed := a, b
	if survivorLoses(a, b) {
		survivor, absorbed = b, a
	}

	for _, p := range absorbed.Participants {
		found := false
		for i := range survivor.Participants {
			if survivor.Participants[i].ID == p.ID {
				survivor.Participants[i].Required = survivor.Participants[i].Required || p.Required
				found = true
				break
			}
		}
		if !found {
			survivor.Participants = append(survivor.Participants, p)
		}
	}

	// Applied beats keep their seq; absorbed ones are tagged with the
	// thread they were applied on so narration request ids stay valid.
	history := append([]story.Beat(nil), survivor.Beats...)
	for _, b := range absorbed.Beats {
		if b.Origin == "" {
			b.Origin = absorbed.ID
		}
		history = append(history, b)
	}
	sort.SliceStable(history, func(i, j int) bool {
		if !history[i].AppliedAt.Equal(history[j].AppliedAt) {
			return history[i].AppliedAt.Before(history[j].AppliedAt)
		}
		return history[i].Seq < history[j].Seq
	})
	survivor.Beats = history
	next := survivor.NextSeq
	for _, b := range append(history, survivor.Pending...) {
		if b.Seq >= next {
			next = b.Seq + 1
		}
	}
	survivor.NextSeq = next

	survivor.Tension = max(survivor.Tension, absorbed.Tension)
	survivor.Priority = max(survivor.Priority, absorbed.Priority)
	survivor.UpdatedAt = now
	delete(m.threads, absorbed.ID)

	m.log.Info("merged threads",
		zap.String("survivor", survivor.ID),
		zap.String("absorbed", absorbed.ID),
		zap.Int("participants", len(survivor.Participants)))
	return survivor.ID, absorbed.ID, nil
}

// survivorLoses reports whether a should be absorbed into b:
// higher priority survives, then the older thread, then the lower id.
func survivorLoses(a, b *story.Thread) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// #endregion apply
