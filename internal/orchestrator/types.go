package orchestrator

// #region imports
import (
	"errors"
	"time"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/climax"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/rules"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/story"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/tension"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/threads"
)

// #endregion

// ErrContextMissing is reported when a tick context lacks required fields
// or moves game time backwards. The tick is skipped.
var ErrContextMissing = errors.New("tick context missing")

// #region tick-context

// TickContext is everything the game hands the orchestrator for one tick.
type TickContext struct {
	GameTime            time.Time         `json:"game_time"`
	PresentNPCIDs       []string          `json:"present_npc_ids"`
	RecentPlayerActions []string          `json:"recent_player_actions,omitempty"`
	LocationStates      map[string]string `json:"location_states,omitempty"`
	Events              []InputEvent      `json:"events,omitempty"`
}

// #endregion

// #region input-events

// InputKind tags an input event.
type InputKind string

const (
	InputSeed      InputKind = "seed"
	InputNarration InputKind = "narration"
)

// InputEvent is an external event delivered with a tick.
type InputEvent struct {
	Kind      InputKind        `json:"kind"`
	Seed      *SeedEvent       `json:"seed,omitempty"`
	Narration *NarrationResult `json:"narration,omitempty"`
}

// SeedEvent asks for a new thread.
type SeedEvent struct {
	Type      story.ThreadType `json:"type"`
	NPCs      []string         `json:"npcs"`
	Locations []string         `json:"locations,omitempty"`
	Priority  float64          `json:"priority,omitempty"`
	Tension   float64          `json:"tension,omitempty"`
	Beats     []story.BeatSpec `json:"beats,omitempty"`
}

// NarrationResult carries prose produced out of band for an earlier request.
type NarrationResult struct {
	RequestID string `json:"request_id"`
	ThreadID  string `json:"thread_id"`
	Text      string `json:"text"`
	Err       string `json:"error,omitempty"`
}

// #endregion

// #region effects

// EffectKind tags a NarrativeEffect.
type EffectKind string

const (
	EffectNewThread           EffectKind = "new_thread"
	EffectBeatApplied         EffectKind = "beat_applied"
	EffectClimax              EffectKind = "climax"
	EffectAtmosphereHint      EffectKind = "atmosphere_hint"
	EffectInterventionApplied EffectKind = "intervention_applied"
	EffectError               EffectKind = "error"
)

// NarrativeEffect is one ordered output of a tick. A non-empty
// NarrationRequestID asks the caller to narrate it out of band.
type NarrativeEffect struct {
	Kind               EffectKind        `json:"kind"`
	ThreadID           string            `json:"thread_id,omitempty"`
	Payload            map[string]string `json:"payload,omitempty"`
	NarrationRequestID string            `json:"narration_request_id,omitempty"`
}

// Clone returns a copy with its own payload map.
func (e NarrativeEffect) Clone() NarrativeEffect {
	if e.Payload != nil {
		p := make(map[string]string, len(e.Payload))
		for k, v := range e.Payload {
			p[k] = v
		}
		e.Payload = p
	}
	return e
}

// #endregion

// #region query-types

// ThreadSummary is the public view of a thread.
type ThreadSummary struct {
	ID           string           `json:"id"`
	Type         story.ThreadType `json:"type"`
	Stage        story.Stage      `json:"stage"`
	Tension      float64          `json:"tension"`
	Priority     float64          `json:"priority"`
	Participants []string         `json:"participants"`
}

// StoryMoment is an applied beat or climax remembered for dialogue context.
type StoryMoment struct {
	At           time.Time        `json:"at"`
	ThreadID     string           `json:"thread_id"`
	ThreadType   story.ThreadType `json:"thread_type"`
	Kind         story.BeatKind   `json:"kind"`
	TemplateID   string           `json:"template_id"`
	RequestID    string           `json:"request_id"`
	Participants []string         `json:"participants"`
	Text         string           `json:"text,omitempty"`
}

// NPCContext is what the dialogue layer needs to know about one NPC.
type NPCContext struct {
	NPCID         string          `json:"npc_id"`
	ActiveThreads []ThreadSummary `json:"active_threads"`
	RecentMoments []StoryMoment   `json:"recent_story_moments"`
}

// #endregion

// #region config

// Config wires every component of one session.
type Config struct {
	Threads                 threads.Config
	Tension                 tension.Config
	Rules                   rules.Config
	Climax                  climax.Config
	MaxInterventionsPerTick int
	RecentMoments           int  // story moments kept in memory
	NPCContextMoments       int  // moments returned per NPC context
	SurfaceCapacityErrors   bool // emit an Error effect when a seed is rejected for capacity
	SessionID               string
}

// DefaultConfig returns defaults for every component.
func DefaultConfig() Config {
	return Config{
		Threads:                 threads.DefaultConfig(),
		Tension:                 tension.DefaultConfig(),
		Rules:                   rules.DefaultConfig(),
		Climax:                  climax.DefaultConfig(),
		MaxInterventionsPerTick: 2,
		RecentMoments:           64,
		NPCContextMoments:       5,
		SurfaceCapacityErrors:   true,
	}
}

// #endregion
