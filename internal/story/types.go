package story

import "time"

// #region thread-type

// ThreadType is the closed set of narrative arc kinds.
type ThreadType string

const (
	Romance      ThreadType = "romance"
	Mystery      ThreadType = "mystery"
	Rivalry      ThreadType = "rivalry"
	Trade        ThreadType = "trade"
	SecretReveal ThreadType = "secret_reveal"
	Rumor        ThreadType = "rumor"
)

// AllThreadTypes lists every ThreadType in a stable order.
var AllThreadTypes = []ThreadType{Romance, Mystery, Rivalry, Trade, SecretReveal, Rumor}

// Valid reports whether t is one of the declared thread types.
func (t ThreadType) Valid() bool {
	switch t {
	case Romance, Mystery, Rivalry, Trade, SecretReveal, Rumor:
		return true
	}
	return false
}

// #endregion thread-type

// #region stage

// Stage is the lifecycle position of a thread.
type Stage string

const (
	StageSeed     Stage = "seed"
	StageRising   Stage = "rising"
	StageClimax   Stage = "climax"
	StageFalling  Stage = "falling"
	StageResolved Stage = "resolved"
	StageDormant  Stage = "dormant"
)

// Active reports whether a thread in this stage is advanced each tick.
func (s Stage) Active() bool {
	switch s {
	case StageSeed, StageRising, StageClimax, StageFalling:
		return true
	}
	return false
}

// Valid reports whether s is a declared stage.
func (s Stage) Valid() bool {
	return s.Active() || s == StageResolved || s == StageDormant
}

// #endregion stage

// #region participant

// ParticipantKind distinguishes NPC references from location references.
type ParticipantKind string

const (
	ParticipantNPC      ParticipantKind = "npc"
	ParticipantLocation ParticipantKind = "location"
)

// Participant is a weak reference to an NPC or location. Threads never own them.
type Participant struct {
	ID       string          `json:"id"`
	Kind     ParticipantKind `json:"kind"`
	Required bool            `json:"required"`
}

// #endregion participant

// #region trigger

// TriggerKind enumerates the predicates a beat can wait on.
type TriggerKind string

const (
	TriggerAlways                TriggerKind = "always"
	TriggerParticipantsPresent   TriggerKind = "participants_present"
	TriggerAnyParticipantPresent TriggerKind = "any_participant_present"
	TriggerPlayerAction          TriggerKind = "player_action"
	TriggerLocationState         TriggerKind = "location_state"
)

// Trigger is a serializable predicate evaluated against the tick context.
type Trigger struct {
	Kind  TriggerKind `json:"kind"`
	Key   string      `json:"key,omitempty"`
	Value string      `json:"value,omitempty"`
}

// #endregion trigger

// #region beat

// BeatKind tags where a beat came from.
type BeatKind string

const (
	BeatNormal   BeatKind = "normal"
	BeatClimax   BeatKind = "climax"
	BeatCooldown BeatKind = "cooldown"
	BeatInjected BeatKind = "injected"
)

// Beat is one step in a thread. Once Applied it is never modified.
type Beat struct {
	Seq          int       `json:"seq"`
	TemplateID   string    `json:"template_id"`
	Kind         BeatKind  `json:"kind"`
	Trigger      Trigger   `json:"trigger"`
	TensionDelta float64   `json:"tension_delta"`
	Applied      bool      `json:"applied"`
	AppliedAt    time.Time `json:"applied_at"`
	// Origin is the thread a beat was applied on when it arrived through a
	// merge; empty for the holder's own beats. (Origin, Seq) is unique.
	Origin string `json:"origin,omitempty"`
}

// BeatSpec describes a beat supplied by a seed event instead of the behavior table.
type BeatSpec struct {
	TemplateID   string  `json:"template_id"`
	TensionDelta float64 `json:"tension_delta"`
	Trigger      Trigger `json:"trigger"`
}

// #endregion beat

// #region context

// Context is the slice of the tick context a thread needs to advance.
type Context struct {
	GameTime       time.Time
	Present        map[string]bool
	PlayerActions  []string
	LocationStates map[string]string
}

// Params holds the thresholds that drive stage transitions.
type Params struct {
	ClimaxThreshold     float64
	MinBeats            int
	DormancyTimeout     time.Duration
	DormancyDecayFactor float64
}

// AdvanceResult reports what a single Advance or Wake call did.
type AdvanceResult struct {
	ThreadID string
	Applied  *Beat
	From     Stage
	To       Stage
	Err      error
}

// StageChanged reports whether the call moved the thread to a new stage.
func (r AdvanceResult) StageChanged() bool {
	return r.From != r.To
}

// #endregion context
