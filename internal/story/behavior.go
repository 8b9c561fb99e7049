package story

import "time"

// #region behavior

// BeatTemplate is a reusable beat definition from the behavior table.
type BeatTemplate struct {
	ID           string
	TensionDelta float64
	Trigger      Trigger
}

// Behavior is the per-type tension curve and beat catalogue.
type Behavior struct {
	Templates        []BeatTemplate
	Climax           BeatTemplate
	Cooldown         []BeatTemplate
	PacingMultiplier float64
	BasePriority     float64
	BaseTension      float64
	InjectDelta      float64
	ClimaxLead       time.Duration
	ClimaxTTL        time.Duration
}

var (
	together = Trigger{Kind: TriggerParticipantsPresent}
	anyone   = Trigger{Kind: TriggerAnyParticipantPresent}
	always   = Trigger{Kind: TriggerAlways}
)

// BehaviorFor resolves the behavior table entry for t.
// The second return is false for an undeclared type.
func BehaviorFor(t ThreadType) (Behavior, bool) {
	switch t {
	case Romance:
		return Behavior{
			Templates: []BeatTemplate{
				{ID: "romance.glance", TensionDelta: 0.10, Trigger: together},
				{ID: "romance.shared_drink", TensionDelta: 0.15, Trigger: together},
				{ID: "romance.jealousy", TensionDelta: 0.20, Trigger: anyone},
				{ID: "romance.confession_hint", TensionDelta: 0.15, Trigger: together},
			},
			Climax:           BeatTemplate{ID: "romance.confession", TensionDelta: 0.10, Trigger: always},
			Cooldown:         cooldown("romance", 2),
			PacingMultiplier: 0.8,
			BasePriority:     0.6,
			BaseTension:      0.05,
			InjectDelta:      0.10,
			ClimaxLead:       2 * time.Hour,
			ClimaxTTL:        48 * time.Hour,
		}, true
	case Mystery:
		return Behavior{
			Templates: []BeatTemplate{
				{ID: "mystery.strange_stain", TensionDelta: 0.10, Trigger: anyone},
				{ID: "mystery.missing_item", TensionDelta: 0.15, Trigger: anyone},
				{ID: "mystery.whispered_lead", TensionDelta: 0.15, Trigger: together},
				{ID: "mystery.false_trail", TensionDelta: -0.05, Trigger: anyone},
				{ID: "mystery.cornered_witness", TensionDelta: 0.20, Trigger: together},
			},
			Climax:           BeatTemplate{ID: "mystery.unmasking", TensionDelta: 0.15, Trigger: always},
			Cooldown:         cooldown("mystery", 3),
			PacingMultiplier: 0.9,
			BasePriority:     0.7,
			BaseTension:      0.10,
			InjectDelta:      0.10,
			ClimaxLead:       time.Hour,
			ClimaxTTL:        72 * time.Hour,
		}, true
	case Rivalry:
		return Behavior{
			Templates: []BeatTemplate{
				{ID: "rivalry.barb", TensionDelta: 0.15, Trigger: together},
				{ID: "rivalry.wager", TensionDelta: 0.20, Trigger: together},
				{ID: "rivalry.sabotage", TensionDelta: 0.25, Trigger: anyone},
			},
			Climax:           BeatTemplate{ID: "rivalry.brawl", TensionDelta: 0.20, Trigger: always},
			Cooldown:         cooldown("rivalry", 2),
			PacingMultiplier: 1.0,
			BasePriority:     0.8,
			BaseTension:      0.10,
			InjectDelta:      0.15,
			ClimaxLead:       0,
			ClimaxTTL:        24 * time.Hour,
		}, true
	case Trade:
		return Behavior{
			Templates: []BeatTemplate{
				{ID: "trade.offer", TensionDelta: 0.05, Trigger: anyone},
				{ID: "trade.haggle", TensionDelta: 0.10, Trigger: together},
				{ID: "trade.shortage", TensionDelta: 0.15, Trigger: anyone},
			},
			Climax:           BeatTemplate{ID: "trade.deal_struck", TensionDelta: 0.05, Trigger: always},
			Cooldown:         cooldown("trade", 1),
			PacingMultiplier: 0.7,
			BasePriority:     0.4,
			BaseTension:      0.05,
			InjectDelta:      0.10,
			ClimaxLead:       time.Hour,
			ClimaxTTL:        48 * time.Hour,
		}, true
	case SecretReveal:
		return Behavior{
			Templates: []BeatTemplate{
				{ID: "secret.slip_of_tongue", TensionDelta: 0.15, Trigger: anyone},
				{ID: "secret.overheard", TensionDelta: 0.20, Trigger: together},
				{ID: "secret.blackmail", TensionDelta: 0.25, Trigger: together},
			},
			Climax:           BeatTemplate{ID: "secret.revealed", TensionDelta: 0.25, Trigger: always},
			Cooldown:         cooldown("secret", 3),
			PacingMultiplier: 1.1,
			BasePriority:     0.9,
			BaseTension:      0.15,
			InjectDelta:      0.15,
			ClimaxLead:       3 * time.Hour,
			ClimaxTTL:        72 * time.Hour,
		}, true
	case Rumor:
		return Behavior{
			Templates: []BeatTemplate{
				{ID: "rumor.murmur", TensionDelta: 0.10, Trigger: anyone},
				{ID: "rumor.embellished", TensionDelta: 0.15, Trigger: anyone},
			},
			Climax:           BeatTemplate{ID: "rumor.confrontation", TensionDelta: 0.10, Trigger: always},
			Cooldown:         cooldown("rumor", 1),
			PacingMultiplier: 1.2,
			BasePriority:     0.3,
			BaseTension:      0.05,
			InjectDelta:      0.10,
			ClimaxLead:       time.Hour,
			ClimaxTTL:        24 * time.Hour,
		}, true
	}
	return Behavior{}, false
}

func cooldown(prefix string, n int) []BeatTemplate {
	out := make([]BeatTemplate, n)
	for i := range out {
		out[i] = BeatTemplate{
			ID:           prefix + ".aftermath",
			TensionDelta: -0.25,
			Trigger:      always,
		}
	}
	return out
}

// #endregion behavior

// #region compatibility

// Compatibility returns the thematic affinity of two thread types in [-1, 1].
// Negative values mean the arcs pull their shared participants apart.
func Compatibility(a, b ThreadType) float64 {
	if a == b {
		return 1.0
	}
	if a > b {
		a, b = b, a
	}
	switch [2]ThreadType{a, b} {
	case [2]ThreadType{Mystery, SecretReveal}:
		return 0.8
	case [2]ThreadType{Rumor, SecretReveal}:
		return 0.7
	case [2]ThreadType{Mystery, Rumor}:
		return 0.6
	case [2]ThreadType{Rivalry, Trade}:
		return 0.4
	case [2]ThreadType{Romance, Rumor}:
		return 0.3
	case [2]ThreadType{Romance, SecretReveal}:
		return 0.2
	case [2]ThreadType{Rivalry, Rumor}:
		return 0.2
	case [2]ThreadType{Rivalry, Romance}:
		return -0.5
	case [2]ThreadType{Romance, Trade}:
		return -0.2
	}
	return 0
}

// #endregion compatibility
