package story

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidStageTransition is returned when a transition is not an edge of the stage DAG.
var ErrInvalidStageTransition = errors.New("invalid stage transition")

// #region stage-dag

var stageEdges = map[Stage][]Stage{
	StageSeed:    {StageRising, StageDormant},
	StageRising:  {StageClimax, StageDormant},
	StageClimax:  {StageFalling, StageDormant},
	StageFalling: {StageResolved, StageDormant},
	StageDormant: {StageRising},
}

// CanTransition reports whether from → to is a declared edge.
func CanTransition(from, to Stage) bool {
	for _, s := range stageEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// #endregion stage-dag

// #region thread

// Thread is a single narrative arc. Only the thread manager mutates it;
// everyone else works on copies returned by Clone.
type Thread struct {
	ID            string        `json:"id"`
	Type          ThreadType    `json:"type"`
	Stage         Stage         `json:"stage"`
	Tension       float64       `json:"tension"`
	Participants  []Participant `json:"participants"`
	Beats         []Beat        `json:"beats"`
	Pending       []Beat        `json:"pending"`
	Priority      float64       `json:"priority"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	StageTicks    int           `json:"stage_ticks"`
	AbsentSince   time.Time     `json:"absent_since"`
	PacingScale   float64       `json:"pacing_scale"`
	CooldownTicks int           `json:"cooldown_ticks"`
	NextSeq       int           `json:"next_seq"`
	// PausedStage is the stage a Dormant thread left; empty otherwise.
	PausedStage Stage `json:"paused_stage,omitempty"`
}

// Clone returns a deep copy safe to hand to other components.
func (t *Thread) Clone() Thread {
	c := *t
	c.Participants = append([]Participant(nil), t.Participants...)
	c.Beats = append([]Beat(nil), t.Beats...)
	c.Pending = append([]Beat(nil), t.Pending...)
	return c
}

// HasParticipant reports whether id is referenced by the thread.
func (t *Thread) HasParticipant(id string) bool {
	for _, p := range t.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

// ParticipantIDs returns the participant ids in declaration order.
func (t *Thread) ParticipantIDs() []string {
	ids := make([]string, len(t.Participants))
	for i, p := range t.Participants {
		ids[i] = p.ID
	}
	return ids
}

// LastActivity is the game time of the most recent applied beat,
// falling back to creation time.
func (t *Thread) LastActivity() time.Time {
	if n := len(t.Beats); n > 0 {
		return t.Beats[n-1].AppliedAt
	}
	return t.CreatedAt
}

// #endregion thread

// #region transition

// Transition moves the thread along a declared stage edge.
// On an undeclared edge the thread is left untouched.
func (t *Thread) Transition(to Stage, now time.Time) error {
	if !CanTransition(t.Stage, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidStageTransition, t.ID, t.Stage, to)
	}
	switch {
	case to == StageDormant:
		t.PausedStage = t.Stage
	case t.Stage == StageDormant:
		t.PausedStage = ""
	}
	t.Stage = to
	t.StageTicks = 0
	t.UpdatedAt = now
	return nil
}

// #endregion transition

// #region advance

// Advance applies at most one pending beat and evaluates one stage transition.
func (t *Thread) Advance(ctx Context, p Params) AdvanceResult {
	res := AdvanceResult{ThreadID: t.ID, From: t.Stage, To: t.Stage}
	if !t.Stage.Active() {
		return res
	}

	if t.requiredPresent(ctx) {
		t.AbsentSince = time.Time{}
	} else {
		if t.AbsentSince.IsZero() {
			t.AbsentSince = ctx.GameTime
		}
		if ctx.GameTime.Sub(t.AbsentSince) > p.DormancyTimeout {
			res.Err = t.Transition(StageDormant, ctx.GameTime)
			res.To = t.Stage
			return res
		}
	}

	if t.CooldownTicks > 0 {
		t.CooldownTicks--
		if t.CooldownTicks == 0 {
			t.PacingScale = 1
		}
	}

	// Climax holds until the sequencer resolves it.
	if t.Stage == StageClimax {
		t.StageTicks++
		return res
	}

	t.refill()
	if len(t.Pending) > 0 && t.Pending[0].Trigger.Holds(ctx, t) {
		b := t.Pending[0]
		t.Pending = t.Pending[1:]
		t.apply(&b, ctx.GameTime)
		res.Applied = &b
	}

	var next Stage
	switch t.Stage {
	case StageSeed:
		if len(t.Beats) > 0 {
			next = StageRising
		}
	case StageRising:
		if t.Tension >= p.ClimaxThreshold && len(t.Beats) >= p.MinBeats {
			next = StageClimax
		}
	case StageFalling:
		if len(t.Pending) == 0 {
			next = StageResolved
		}
	}
	if next != "" {
		res.Err = t.Transition(next, ctx.GameTime)
	} else {
		t.StageTicks++
	}
	res.To = t.Stage
	return res
}

// Wake returns a dormant thread to Rising once its required participants are back.
func (t *Thread) Wake(ctx Context, p Params) AdvanceResult {
	res := AdvanceResult{ThreadID: t.ID, From: t.Stage, To: t.Stage}
	if t.Stage != StageDormant || !t.requiredPresent(ctx) {
		return res
	}
	if err := t.Transition(StageRising, ctx.GameTime); err != nil {
		res.Err = err
		return res
	}
	t.AbsentSince = time.Time{}
	t.Tension = clamp(t.Tension * p.DormancyDecayFactor)
	kept := t.Pending[:0]
	for _, b := range t.Pending {
		if b.Kind == BeatNormal || b.Kind == BeatInjected {
			kept = append(kept, b)
		}
	}
	t.Pending = kept
	res.To = t.Stage
	return res
}

// ResolveClimax applies the climax beat and moves the thread to Falling.
func (t *Thread) ResolveClimax(now time.Time) (Beat, error) {
	if t.Stage != StageClimax {
		return Beat{}, fmt.Errorf("%w: %s is %s, not climax", ErrInvalidStageTransition, t.ID, t.Stage)
	}
	b, _ := BehaviorFor(t.Type)
	beat := t.newBeat(b.Climax, BeatClimax)
	if err := t.Transition(StageFalling, now); err != nil {
		return Beat{}, err
	}
	t.apply(&beat, now)
	t.Pending = t.Pending[:0]
	for _, tpl := range b.Cooldown {
		t.Pending = append(t.Pending, t.newBeat(tpl, BeatCooldown))
	}
	return beat, nil
}

// Inject applies an out-of-band beat immediately. Climax and inactive threads refuse it.
func (t *Thread) Inject(templateID string, delta float64, now time.Time) (Beat, error) {
	if !t.Stage.Active() || t.Stage == StageClimax {
		return Beat{}, fmt.Errorf("thread %s cannot take an injected beat in stage %s", t.ID, t.Stage)
	}
	beat := t.newBeat(BeatTemplate{ID: templateID, TensionDelta: delta, Trigger: always}, BeatInjected)
	t.apply(&beat, now)
	return beat, nil
}

// #endregion advance

// #region helpers

func (t *Thread) refill() {
	if len(t.Pending) > 0 || (t.Stage != StageSeed && t.Stage != StageRising) {
		return
	}
	b, ok := BehaviorFor(t.Type)
	if !ok || len(b.Templates) == 0 {
		return
	}
	tpl := b.Templates[t.NextSeq%len(b.Templates)]
	t.Pending = append(t.Pending, t.newBeat(tpl, BeatNormal))
}

func (t *Thread) newBeat(tpl BeatTemplate, kind BeatKind) Beat {
	beat := Beat{
		Seq:          t.NextSeq,
		TemplateID:   tpl.ID,
		Kind:         kind,
		Trigger:      tpl.Trigger,
		TensionDelta: tpl.TensionDelta,
	}
	t.NextSeq++
	return beat
}

// AddPending queues beats supplied by a seed event.
func (t *Thread) AddPending(specs []BeatSpec) {
	for _, s := range specs {
		trig := s.Trigger
		if trig.Kind == "" {
			trig = together
		}
		t.Pending = append(t.Pending, t.newBeat(BeatTemplate{ID: s.TemplateID, TensionDelta: s.TensionDelta, Trigger: trig}, BeatNormal))
	}
}

func (t *Thread) apply(b *Beat, now time.Time) {
	t.Tension = clamp(t.Tension + b.TensionDelta*t.pacing())
	b.Applied = true
	b.AppliedAt = now
	t.Beats = append(t.Beats, *b)
	t.UpdatedAt = now
}

func (t *Thread) pacing() float64 {
	b, ok := BehaviorFor(t.Type)
	mult := 1.0
	if ok {
		mult = b.PacingMultiplier
	}
	scale := t.PacingScale
	if scale <= 0 {
		scale = 1
	}
	return mult * scale
}

func (t *Thread) requiredPresent(ctx Context) bool {
	for _, p := range t.Participants {
		if p.Required && p.Kind == ParticipantNPC && !ctx.Present[p.ID] {
			return false
		}
	}
	return true
}

// Holds evaluates the trigger for thread t in ctx.
func (tr Trigger) Holds(ctx Context, t *Thread) bool {
	switch tr.Kind {
	case TriggerAlways, "":
		return true
	case TriggerParticipantsPresent:
		for _, p := range t.Participants {
			if p.Kind == ParticipantNPC && !ctx.Present[p.ID] {
				return false
			}
		}
		return true
	case TriggerAnyParticipantPresent:
		for _, p := range t.Participants {
			if p.Kind == ParticipantNPC && ctx.Present[p.ID] {
				return true
			}
		}
		return false
	case TriggerPlayerAction:
		for _, a := range ctx.PlayerActions {
			if a == tr.Value {
				return true
			}
		}
		return false
	case TriggerLocationState:
		return ctx.LocationStates[tr.Key] == tr.Value
	}
	return false
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
