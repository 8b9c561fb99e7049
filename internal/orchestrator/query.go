package orchestrator

import (
	"sort"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/story"
)

// GetActiveThreads returns every active thread, highest priority first
// (ties by id).
func (o *Orchestrator) GetActiveThreads() []ThreadSummary {
	var out []ThreadSummary
	for _, th := range o.threads.Views() {
		if th.Stage.Active() {
			out = append(out, summarize(th))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetNarrativeContextForNPC projects the threads and recent moments that
// involve npcID. It never mutates orchestrator state.
func (o *Orchestrator) GetNarrativeContextForNPC(npcID string) NPCContext {
	ctx := NPCContext{NPCID: npcID, ActiveThreads: []ThreadSummary{}, RecentMoments: []StoryMoment{}}
	for _, s := range o.GetActiveThreads() {
		for _, p := range s.Participants {
			if p == npcID {
				ctx.ActiveThreads = append(ctx.ActiveThreads, s)
				break
			}
		}
	}

	limit := o.cfg.NPCContextMoments
	for i := len(o.moments) - 1; i >= 0 && (limit <= 0 || len(ctx.RecentMoments) < limit); i-- {
		m := o.moments[i]
		for _, p := range m.Participants {
			if p == npcID {
				m.Participants = append([]string(nil), m.Participants...)
				ctx.RecentMoments = append(ctx.RecentMoments, m)
				break
			}
		}
	}
	// Oldest first.
	for i, j := 0, len(ctx.RecentMoments)-1; i < j; i, j = i+1, j-1 {
		ctx.RecentMoments[i], ctx.RecentMoments[j] = ctx.RecentMoments[j], ctx.RecentMoments[i]
	}
	return ctx
}

// Tick returns the number of ticks executed.
func (o *Orchestrator) Tick() int { return o.tick }

// GlobalTension returns the latest global tension reading.
func (o *Orchestrator) GlobalTension() float64 { return o.tension.Global() }

// Threads returns copies of every retained thread, including dormant and resolved ones.
func (o *Orchestrator) Threads() []story.Thread { return o.threads.Views() }

func summarize(th story.Thread) ThreadSummary {
	return ThreadSummary{
		ID:           th.ID,
		Type:         th.Type,
		Stage:        th.Stage,
		Tension:      th.Tension,
		Priority:     th.Priority,
		Participants: th.ParticipantIDs(),
	}
}
