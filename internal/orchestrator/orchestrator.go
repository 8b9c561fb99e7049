package orchestrator

// #region imports
import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/climax"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/rules"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/story"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/tension"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/threads"
)

// #endregion

// #region orchestrator-struct

// Orchestrator is the per-session coordinator and the only entry point the
// game uses. It is not safe for concurrent use; ticks must not overlap.
type Orchestrator struct {
	cfg Config
	log *zap.Logger

	threads *threads.Manager
	tension *tension.Manager
	rules   *rules.Engine
	queue   *rules.Queue
	climax  *climax.Sequencer

	tick      int
	lastTime  time.Time
	moments   []StoryMoment
	crossRefs []threads.Convergence
	seenPairs map[string]bool // cross-reference and conflict pairs already hinted
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger shared by every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// #endregion

// #region constructor

// New creates an orchestrator for one session.
func New(cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{cfg: cfg, log: zap.NewNop(), seenPairs: make(map[string]bool)}
	for _, opt := range opts {
		opt(o)
	}

	ns := threads.DefaultNamespace
	if cfg.SessionID != "" {
		ns = uuid.NewSHA1(threads.DefaultNamespace, []byte(cfg.SessionID))
	}
	o.threads = threads.NewManager(cfg.Threads, threads.WithLogger(o.log), threads.WithNamespace(ns))
	o.tension = tension.NewManager(cfg.Tension, tension.WithLogger(o.log))
	o.rules = rules.NewEngine(cfg.Rules, rules.WithLogger(o.log))
	o.queue = rules.NewQueue()
	o.climax = climax.NewSequencer(cfg.Climax, climax.WithLogger(o.log))
	o.log = o.log.Named("orch")
	return o
}

// #endregion

// #region orchestrate

// OrchestrateNarrative runs one tick and returns its effects in pipeline
// order: input events, advance, convergence, interventions, climaxes.
// Tension and rule evaluation produce no effects of their own. Errors never
// escape; a rejected or failed tick yields a single Error effect.
func (o *Orchestrator) OrchestrateNarrative(tc TickContext) (effects []NarrativeEffect) {
	if err := o.validate(tc); err != nil {
		o.log.Warn("tick skipped", zap.Error(err))
		return []NarrativeEffect{errorEffect("", err)}
	}

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("tick panicked", zap.Int("tick", o.tick), zap.Any("panic", r))
			effects = []NarrativeEffect{errorEffect("", fmt.Errorf("tick %d: %v", o.tick, r))}
		}
	}()

	o.tick++
	o.lastTime = tc.GameTime
	now := tc.GameTime
	ctx := toStoryContext(tc)

	// 0. Input events
	effects = append(effects, o.ingest(tc.Events, now)...)

	// 1. Advance
	advEffects, beatActivity := o.advance(ctx)
	effects = append(effects, advEffects...)

	// 2. Convergence
	effects = append(effects, o.converge(now)...)

	// 3. Tension
	views := o.threads.Views()
	global := o.tension.Update(views, beatActivity, now)
	trend := o.tension.Trend()

	// 4. Rules
	state := rules.HealthState{
		Tick:            o.tick,
		Now:             now,
		Threads:         views,
		GlobalTension:   global,
		Trend:           trend,
		CrossReferences: o.crossRefs,
	}
	report := o.rules.EvaluateNarrativeHealth(state)
	if !report.Healthy {
		added := o.queue.Enqueue(o.rules.GenerateInterventions(report, state)...)
		o.log.Debug("interventions queued", zap.Int("added", added), zap.Int("pending", o.queue.Len()))
	}

	// 5. Interventions
	for _, iv := range o.queue.Take(o.cfg.MaxInterventionsPerTick) {
		effects = append(effects, o.applyIntervention(iv, tc, now)...)
	}

	// 6. Climaxes
	effects = append(effects, o.climaxes(now)...)

	// 7. Prune
	for _, id := range o.threads.Prune(now) {
		o.climax.Cancel(id)
		o.log.Debug("pruned thread", zap.String("thread", id))
	}

	o.log.Info("tick complete",
		zap.Int("tick", o.tick),
		zap.Time("game_time", now),
		zap.Int("effects", len(effects)),
		zap.Int("active", o.threads.Active()),
		zap.Float64("global_tension", global),
		zap.String("trend", string(trend)))
	return effects
}

func (o *Orchestrator) validate(tc TickContext) error {
	switch {
	case tc.GameTime.IsZero():
		return fmt.Errorf("%w: game_time", ErrContextMissing)
	case tc.PresentNPCIDs == nil:
		return fmt.Errorf("%w: present_npc_ids", ErrContextMissing)
	case tc.GameTime.Before(o.lastTime):
		return fmt.Errorf("%w: game_time %s is before last tick %s",
			ErrContextMissing, tc.GameTime.Format(time.RFC3339), o.lastTime.Format(time.RFC3339))
	}
	for i, ev := range tc.Events {
		if (ev.Kind == InputSeed && ev.Seed == nil) || (ev.Kind == InputNarration && ev.Narration == nil) {
			return fmt.Errorf("%w: event %d of kind %q has no body", ErrContextMissing, i, ev.Kind)
		}
		if ev.Kind != InputSeed && ev.Kind != InputNarration {
			return fmt.Errorf("%w: event %d has unknown kind %q", ErrContextMissing, i, ev.Kind)
		}
	}
	return nil
}

func toStoryContext(tc TickContext) story.Context {
	present := make(map[string]bool, len(tc.PresentNPCIDs))
	for _, id := range tc.PresentNPCIDs {
		present[id] = true
	}
	locs := make(map[string]string, len(tc.LocationStates))
	for k, v := range tc.LocationStates {
		locs[k] = v
	}
	return story.Context{
		GameTime:       tc.GameTime,
		Present:        present,
		PlayerActions:  append([]string(nil), tc.RecentPlayerActions...),
		LocationStates: locs,
	}
}

// #endregion

// #region ingest

func (o *Orchestrator) ingest(events []InputEvent, now time.Time) []NarrativeEffect {
	var out []NarrativeEffect
	for _, ev := range events {
		switch ev.Kind {
		case InputSeed:
			out = append(out, o.seed(*ev.Seed, now)...)
		case InputNarration:
			out = append(out, o.narrated(*ev.Narration))
		}
	}
	return out
}

func (o *Orchestrator) seed(s SeedEvent, now time.Time) []NarrativeEffect {
	parts := make([]story.Participant, 0, len(s.NPCs)+len(s.Locations))
	for _, id := range s.NPCs {
		parts = append(parts, story.Participant{ID: id, Kind: story.ParticipantNPC, Required: true})
	}
	for _, id := range s.Locations {
		parts = append(parts, story.Participant{ID: id, Kind: story.ParticipantLocation})
	}
	res, err := o.threads.Spawn(threads.SpawnRequest{
		Type:         s.Type,
		Participants: parts,
		Priority:     s.Priority,
		Tension:      s.Tension,
		Beats:        s.Beats,
	}, now)
	if err != nil {
		o.log.Info("seed rejected", zap.String("type", string(s.Type)), zap.Error(err))
		if errors.Is(err, threads.ErrThreadCapacityExceeded) && !o.cfg.SurfaceCapacityErrors {
			return nil
		}
		return []NarrativeEffect{errorEffect("", err)}
	}
	return o.spawned(res, "seed")
}

func (o *Orchestrator) spawned(res threads.SpawnResult, source string) []NarrativeEffect {
	var out []NarrativeEffect
	if res.Evicted != "" {
		o.climax.Cancel(res.Evicted)
		out = append(out, NarrativeEffect{
			Kind:     EffectAtmosphereHint,
			ThreadID: res.Evicted,
			Payload:  map[string]string{"hint": "thread_evicted", "replaced_by": res.Thread.ID},
		})
	}
	th := res.Thread
	out = append(out, NarrativeEffect{
		Kind:     EffectNewThread,
		ThreadID: th.ID,
		Payload: map[string]string{
			"type":         string(th.Type),
			"stage":        string(th.Stage),
			"participants": joinIDs(th.ParticipantIDs()),
			"tension":      formatFloat(th.Tension),
			"source":       source,
		},
	})
	return out
}

func (o *Orchestrator) narrated(n NarrationResult) NarrativeEffect {
	if n.Err != "" {
		o.log.Warn("narration failed", zap.String("request", n.RequestID), zap.String("error", n.Err))
		return NarrativeEffect{
			Kind:     EffectAtmosphereHint,
			ThreadID: n.ThreadID,
			Payload:  map[string]string{"hint": "narration_failed", "request_id": n.RequestID},
		}
	}
	for i := range o.moments {
		if o.moments[i].RequestID == n.RequestID {
			o.moments[i].Text = n.Text
			break
		}
	}
	return NarrativeEffect{
		Kind:     EffectAtmosphereHint,
		ThreadID: n.ThreadID,
		Payload:  map[string]string{"hint": "narration", "request_id": n.RequestID, "text": n.Text},
	}
}

// #endregion

// #region advance

func (o *Orchestrator) advance(ctx story.Context) ([]NarrativeEffect, bool) {
	var out []NarrativeEffect
	activity := false
	for _, res := range o.threads.AdvanceAll(ctx) {
		th, _ := o.threads.Get(res.ThreadID)
		if res.Applied != nil {
			activity = true
			out = append(out, o.beatEffect(th, *res.Applied, res.From, res.To))
			continue
		}
		hint := "stage_changed"
		switch {
		case res.To == story.StageDormant:
			hint = "thread_dormant"
			if o.climax.Cancel(th.ID) {
				o.log.Info("cancelled climax of dormant thread", zap.String("thread", th.ID))
			}
		case res.From == story.StageDormant:
			hint = "thread_returned"
		}
		out = append(out, NarrativeEffect{
			Kind:     EffectAtmosphereHint,
			ThreadID: th.ID,
			Payload: map[string]string{
				"hint":    hint,
				"from":    string(res.From),
				"to":      string(res.To),
				"tension": formatFloat(th.Tension),
			},
		})
	}
	return out, activity
}

// beatEffect records a story moment for beat and builds its effect.
func (o *Orchestrator) beatEffect(th story.Thread, beat story.Beat, from, to story.Stage) NarrativeEffect {
	reqID := requestID(th.ID, beat.Seq)
	o.remember(StoryMoment{
		At:           beat.AppliedAt,
		ThreadID:     th.ID,
		ThreadType:   th.Type,
		Kind:         beat.Kind,
		TemplateID:   beat.TemplateID,
		RequestID:    reqID,
		Participants: th.ParticipantIDs(),
	})
	kind := EffectBeatApplied
	if beat.Kind == story.BeatClimax {
		kind = EffectClimax
	}
	return NarrativeEffect{
		Kind:     kind,
		ThreadID: th.ID,
		Payload: map[string]string{
			"template":     beat.TemplateID,
			"beat_kind":    string(beat.Kind),
			"seq":          strconv.Itoa(beat.Seq),
			"type":         string(th.Type),
			"from":         string(from),
			"to":           string(to),
			"tension":      formatFloat(th.Tension),
			"participants": joinIDs(th.ParticipantIDs()),
		},
		NarrationRequestID: reqID,
	}
}

func (o *Orchestrator) remember(m StoryMoment) {
	o.moments = append(o.moments, m)
	if limit := o.cfg.RecentMoments; limit > 0 && len(o.moments) > limit {
		o.moments = append([]StoryMoment(nil), o.moments[len(o.moments)-limit:]...)
	}
}

// #endregion

// #region converge

func (o *Orchestrator) converge(now time.Time) []NarrativeEffect {
	convs := o.threads.DetectConvergences()
	outcomes := o.threads.ApplyConvergences(convs, now)

	var out []NarrativeEffect
	o.crossRefs = o.crossRefs[:0]
	current := make(map[string]bool, len(outcomes))
	for _, oc := range outcomes {
		c := oc.Convergence
		key := pairKey(c.ThreadIDs)
		switch {
		case c.Action == threads.ActionMerge && oc.Applied:
			o.climax.Cancel(oc.AbsorbedID)
			out = append(out, NarrativeEffect{
				Kind:     EffectAtmosphereHint,
				ThreadID: oc.SurvivorID,
				Payload: map[string]string{
					"hint":     "threads_merged",
					"absorbed": oc.AbsorbedID,
					"strength": formatFloat(c.Strength),
					"shared":   joinIDs(c.SharedParticipants),
				},
			})
		case c.Action == threads.ActionCrossReference || c.Action == threads.ActionConflict:
			if c.Action == threads.ActionCrossReference {
				o.crossRefs = append(o.crossRefs, c)
			}
			current[key] = true
			if o.seenPairs[key] {
				continue
			}
			hint := "cross_reference"
			if c.Action == threads.ActionConflict {
				hint = "conflict"
			}
			payload := map[string]string{
				"hint":     hint,
				"other":    c.ThreadIDs[1],
				"strength": formatFloat(c.Strength),
				"shared":   joinIDs(c.SharedParticipants),
			}
			if c.OverCapacity {
				payload["over_capacity"] = "true"
			}
			out = append(out, NarrativeEffect{Kind: EffectAtmosphereHint, ThreadID: c.ThreadIDs[0], Payload: payload})
		}
	}
	o.seenPairs = current
	return out
}

// #endregion

// #region interventions

func (o *Orchestrator) applyIntervention(iv rules.Intervention, tc TickContext, now time.Time) []NarrativeEffect {
	var derived []NarrativeEffect
	result := "applied"
	target := ""
	if len(iv.Targets) > 0 {
		target = iv.Targets[0]
	}
	template := "intervention." + string(iv.Payload.Condition)

	switch iv.Kind {
	case rules.KindInjectEvent:
		if target == "" {
			target = o.injectionTarget()
		}
		if target == "" {
			res, err := o.spawnFromPresence(story.Rumor, tc, now)
			if err != nil {
				result = "skipped: " + err.Error()
				break
			}
			target = res.Thread.ID
			derived = o.spawned(res, "intervention")
			break
		}
		beat, err := o.threads.InjectBeat(target, template, now)
		if err != nil {
			result = "skipped: " + err.Error()
			break
		}
		th, _ := o.threads.Get(target)
		derived = append(derived, o.beatEffect(th, beat, th.Stage, th.Stage))

	case rules.KindSpawnThread:
		res, err := o.spawnFromPresence(iv.Payload.ThreadType, tc, now)
		if err != nil {
			result = "skipped: " + err.Error()
			break
		}
		target = res.Thread.ID
		derived = o.spawned(res, "intervention")

	case rules.KindForceConvergence:
		if len(iv.Targets) < 2 {
			result = "skipped: needs two threads"
			break
		}
		oc, err := o.threads.ForceMerge(iv.Targets[0], iv.Targets[1], now)
		if err != nil {
			result = "skipped: " + err.Error()
			break
		}
		target = oc.SurvivorID
		o.climax.Cancel(oc.AbsorbedID)
		derived = append(derived, NarrativeEffect{
			Kind:     EffectAtmosphereHint,
			ThreadID: oc.SurvivorID,
			Payload:  map[string]string{"hint": "threads_merged", "absorbed": oc.AbsorbedID},
		})

	case rules.KindCoolDown:
		if target == "" {
			result = "skipped: no target"
			break
		}
		if err := o.threads.ApplyCooldown(target, iv.Payload.CooldownTicks, iv.Payload.PacingScale); err != nil {
			result = "skipped: " + err.Error()
		}
	}

	o.log.Info("intervention applied",
		zap.Uint64("id", iv.ID),
		zap.String("kind", string(iv.Kind)),
		zap.String("target", target),
		zap.String("result", result))

	applied := NarrativeEffect{
		Kind:     EffectInterventionApplied,
		ThreadID: target,
		Payload: map[string]string{
			"id":        strconv.FormatUint(iv.ID, 10),
			"kind":      string(iv.Kind),
			"condition": string(iv.Payload.Condition),
			"severity":  strconv.Itoa(iv.Severity),
			"reason":    iv.Payload.Reason,
			"result":    result,
		},
	}
	return append([]NarrativeEffect{applied}, derived...)
}

// injectionTarget picks the calmest thread that can take an injected beat.
func (o *Orchestrator) injectionTarget() string {
	var pick *story.Thread
	views := o.threads.Views()
	for i := range views {
		th := &views[i]
		if !th.Stage.Active() || th.Stage == story.StageClimax {
			continue
		}
		if pick == nil || th.Tension < pick.Tension {
			pick = th
		}
	}
	if pick == nil {
		return ""
	}
	return pick.ID
}

// spawnFromPresence starts a thread among the NPCs currently present,
// preferring those not already in an active thread.
func (o *Orchestrator) spawnFromPresence(tt story.ThreadType, tc TickContext, now time.Time) (threads.SpawnResult, error) {
	if tt == "" {
		tt = story.Rumor
	}
	busy := make(map[string]bool)
	for _, th := range o.threads.Views() {
		if th.Stage.Active() {
			for _, id := range th.ParticipantIDs() {
				busy[id] = true
			}
		}
	}
	present := append([]string(nil), tc.PresentNPCIDs...)
	sort.Strings(present)
	sort.SliceStable(present, func(i, j int) bool { return !busy[present[i]] && busy[present[j]] })
	if len(present) == 0 {
		return threads.SpawnResult{}, errors.New("no NPCs present")
	}

	n := min(2, len(present))
	parts := make([]story.Participant, n)
	for i := 0; i < n; i++ {
		parts[i] = story.Participant{ID: present[i], Kind: story.ParticipantNPC, Required: true}
	}
	return o.threads.Spawn(threads.SpawnRequest{Type: tt, Participants: parts}, now)
}

// #endregion

// #region climaxes

func (o *Orchestrator) climaxes(now time.Time) []NarrativeEffect {
	for _, th := range o.threads.Views() {
		if th.Stage != story.StageClimax {
			continue
		}
		if _, booked := o.climax.Get(th.ID); booked {
			continue
		}
		b, _ := story.BehaviorFor(th.Type)
		if _, err := o.climax.ScheduleClimax(th.ID, now.Add(b.ClimaxLead), b.ClimaxTTL); err != nil {
			// The thread keeps holding and asks again next tick.
			o.log.Info("climax not booked", zap.String("thread", th.ID), zap.Error(err))
		}
	}

	var out []NarrativeEffect
	for _, m := range o.climax.Due(now) {
		beat, err := o.threads.ResolveClimax(m.ThreadID, now)
		if err != nil {
			o.climax.Cancel(m.ThreadID)
			o.log.Warn("due climax dropped", zap.String("thread", m.ThreadID), zap.Error(err))
			continue
		}
		if _, err := o.climax.Complete(m.ThreadID, now); err != nil {
			o.log.Warn("climax completion", zap.Error(err))
		}
		th, _ := o.threads.Get(m.ThreadID)
		eff := o.beatEffect(th, beat, story.StageClimax, th.Stage)
		eff.Payload["scheduled_at"] = m.At.Format(time.RFC3339)
		if m.Rescheduled {
			eff.Payload["rescheduled"] = "true"
		}
		out = append(out, eff)
	}
	return out
}

// AddArcPlan registers a climax choreography plan.
func (o *Orchestrator) AddArcPlan(p climax.ArcPlan) error {
	return o.climax.AddPlan(p)
}

// CancelClimax drops a booked climax, e.g. when a participant leaves for good.
// Applied beats are never rolled back.
func (o *Orchestrator) CancelClimax(threadID string) bool {
	return o.climax.Cancel(threadID)
}

// ScheduledClimaxes returns the booked climaxes in time order.
func (o *Orchestrator) ScheduledClimaxes() []climax.Moment {
	return o.climax.Scheduled()
}

// PendingInterventions returns the interventions still waiting.
func (o *Orchestrator) PendingInterventions() []rules.Intervention {
	return o.queue.Pending()
}

// #endregion

// #region helpers

func errorEffect(threadID string, err error) NarrativeEffect {
	return NarrativeEffect{Kind: EffectError, ThreadID: threadID, Payload: map[string]string{"error": err.Error()}}
}

func requestID(threadID string, seq int) string {
	return threadID + "/" + strconv.Itoa(seq)
}

func pairKey(ids [2]string) string { return ids[0] + "|" + ids[1] }

func joinIDs(ids []string) string { return strings.Join(ids, ",") }

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }

// #endregion
