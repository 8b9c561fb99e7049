package orchestrator

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap/zaptest"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/story"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/threads"
)

var t0 = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func newOrch(t *testing.T, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SessionID = "test-session"
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, WithLogger(zaptest.NewLogger(t)))
}

func at(h int, present ...string) TickContext {
	if present == nil {
		present = []string{}
	}
	return TickContext{GameTime: t0.Add(time.Duration(h) * time.Hour), PresentNPCIDs: present}
}

func withSeed(tc TickContext, s SeedEvent) TickContext {
	tc.Events = append(tc.Events, InputEvent{Kind: InputSeed, Seed: &s})
	return tc
}

func flat(n int, delta float64) []story.BeatSpec {
	out := make([]story.BeatSpec, n)
	for i := range out {
		out[i] = story.BeatSpec{TemplateID: "rivalry.test", TensionDelta: delta}
	}
	return out
}

func ofKind(effects []NarrativeEffect, k EffectKind) []NarrativeEffect {
	var out []NarrativeEffect
	for _, e := range effects {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// #region scenarios

func TestRivalryReachesClimax(t *testing.T) {
	o := newOrch(t, nil)
	var climaxTick int
	for h := 1; h <= 5; h++ {
		tc := at(h, "a", "b")
		if h == 1 {
			tc = withSeed(tc, SeedEvent{Type: story.Rivalry, NPCs: []string{"a", "b"}, Beats: flat(5, 0.2)})
		}
		effects := o.OrchestrateNarrative(tc)
		for _, e := range ofKind(effects, EffectBeatApplied) {
			if e.Payload["to"] == string(story.StageClimax) && climaxTick == 0 {
				climaxTick = h
				if !strings.HasPrefix(e.Payload["tension"], "0.9") {
					t.Fatalf("climax entered at tension %s", e.Payload["tension"])
				}
			}
		}
		if h == climaxTick && len(ofKind(effects, EffectClimax)) != 1 {
			t.Fatalf("rivalry climax should resolve the tick it is booked, got %+v", effects)
		}
	}
	if climaxTick != 4 {
		t.Fatalf("expected climax on tick 4 (tension >= 0.75 after 3+ beats), got %d", climaxTick)
	}
}

func TestCapacityRejectsSecondSeed(t *testing.T) {
	o := newOrch(t, func(c *Config) { c.Threads.MaxActiveThreads = 1 })
	first := o.OrchestrateNarrative(withSeed(at(1, "a"), SeedEvent{Type: story.Trade, NPCs: []string{"a"}}))
	if len(ofKind(first, EffectNewThread)) != 1 {
		t.Fatalf("expected first thread, got %+v", first)
	}
	before := o.GetActiveThreads()

	second := o.OrchestrateNarrative(withSeed(at(2, "a"), SeedEvent{Type: story.Rumor, NPCs: []string{"b"}}))
	if n := len(ofKind(second, EffectNewThread)); n != 0 {
		t.Fatalf("expected no NewThread, got %d", n)
	}
	errs := ofKind(second, EffectError)
	if len(errs) != 1 || !strings.Contains(errs[0].Payload["error"], threads.ErrThreadCapacityExceeded.Error()) {
		t.Fatalf("expected capacity error effect, got %+v", errs)
	}
	after := o.GetActiveThreads()
	if len(after) != 1 || after[0].ID != before[0].ID || after[0].Type != story.Trade {
		t.Fatalf("existing thread affected: %+v", after)
	}
}

func TestCapacityErrorCanBeSilenced(t *testing.T) {
	o := newOrch(t, func(c *Config) {
		c.Threads.MaxActiveThreads = 1
		c.SurfaceCapacityErrors = false
	})
	o.OrchestrateNarrative(withSeed(at(1, "a"), SeedEvent{Type: story.Trade, NPCs: []string{"a"}}))
	effects := o.OrchestrateNarrative(withSeed(at(2, "a"), SeedEvent{Type: story.Rumor, NPCs: []string{"b"}}))
	if len(ofKind(effects, EffectError)) != 0 || len(ofKind(effects, EffectNewThread)) != 0 {
		t.Fatalf("rejected seed should be absorbed quietly, got %+v", effects)
	}
}

func TestClimaxTTLCapHoldsSecondThread(t *testing.T) {
	o := newOrch(t, func(c *Config) { c.Climax.MaxTTL = time.Hour })
	seeds := withSeed(at(1, "a", "b", "c", "d"), SeedEvent{Type: story.Rivalry, NPCs: []string{"a", "b"}, Beats: flat(4, 0.2)})
	seeds = withSeed(seeds, SeedEvent{Type: story.Rivalry, NPCs: []string{"c", "d"}, Beats: flat(4, 0.2)})

	climaxAt := map[string]time.Time{}
	for h := 1; h <= 12; h++ {
		tc := at(h, "a", "b", "c", "d")
		if h == 1 {
			tc = seeds
		}
		for _, e := range ofKind(o.OrchestrateNarrative(tc), EffectClimax) {
			climaxAt[e.ThreadID] = tc.GameTime
		}
		if h == 4 && len(o.ScheduledClimaxes()) != 0 {
			t.Fatalf("a slot six hours out exceeds the 1h cap and must not be booked: %+v", o.ScheduledClimaxes())
		}
	}
	if len(climaxAt) != 2 {
		t.Fatalf("held thread should climax once the lockout clears, got %v", climaxAt)
	}
}

func TestSecondClimaxRescheduled(t *testing.T) {
	o := newOrch(t, nil)
	seeds := withSeed(at(1, "a", "b", "c", "d"), SeedEvent{Type: story.Rivalry, NPCs: []string{"a", "b"}, Beats: flat(4, 0.2)})
	seeds = withSeed(seeds, SeedEvent{Type: story.Rivalry, NPCs: []string{"c", "d"}, Beats: flat(4, 0.2)})

	climaxAt := map[string]time.Time{}
	for h := 1; h <= 12; h++ {
		tc := at(h, "a", "b", "c", "d")
		if h == 1 {
			tc = seeds
		}
		for _, e := range ofKind(o.OrchestrateNarrative(tc), EffectClimax) {
			climaxAt[e.ThreadID] = tc.GameTime
		}
		if h == 4 {
			pending := o.ScheduledClimaxes()
			if len(pending) != 1 || !pending[0].Rescheduled {
				t.Fatalf("second climax should be rescheduled, not dropped: %+v", pending)
			}
			if want := tc.GameTime.Add(6 * time.Hour); !pending[0].At.Equal(want) {
				t.Fatalf("second climax at %s, want %s", pending[0].At, want)
			}
		}
	}
	if len(climaxAt) != 2 {
		t.Fatalf("expected both climaxes, got %v", climaxAt)
	}
	var times []time.Time
	for _, v := range climaxAt {
		times = append(times, v)
	}
	gap := times[0].Sub(times[1])
	if gap < 0 {
		gap = -gap
	}
	if gap != 6*time.Hour {
		t.Fatalf("climaxes %s apart, want 6h", gap)
	}
}

func TestDormantThreadReturns(t *testing.T) {
	o := newOrch(t, nil)
	o.OrchestrateNarrative(withSeed(at(0, "a"), SeedEvent{Type: story.Rumor, NPCs: []string{"a"}}))

	var dormantAt, returnedAt int
	for h := 1; h <= 20; h++ {
		present := []string{}
		if h >= 18 {
			present = []string{"a"}
		}
		for _, e := range ofKind(o.OrchestrateNarrative(at(h, present...)), EffectAtmosphereHint) {
			switch e.Payload["hint"] {
			case "thread_dormant":
				dormantAt = h
			case "thread_returned":
				returnedAt = h
			}
		}
	}
	if dormantAt == 0 || returnedAt != 18 {
		t.Fatalf("expected dormancy then return at 18, got dormant=%d returned=%d", dormantAt, returnedAt)
	}
}

func TestFlatlineInjectsEvent(t *testing.T) {
	o := newOrch(t, nil)

	var applied, derived *NarrativeEffect
	for h := 1; h <= 10 && applied == nil; h++ {
		tc := at(h)
		if h == 1 {
			// Nobody the thread needs is around, so no beats land and tension idles low.
			tc = withSeed(tc, SeedEvent{Type: story.Trade, NPCs: []string{"merchant"}})
		}
		effects := o.OrchestrateNarrative(tc)
		for i, e := range effects {
			if e.Kind == EffectInterventionApplied && e.Payload["kind"] == "inject_event" {
				applied = &effects[i]
				if i+1 < len(effects) {
					derived = &effects[i+1]
				}
			}
		}
		if h < 10 && applied != nil {
			t.Fatalf("flatline fired early at tick %d", h)
		}
	}
	if applied == nil {
		t.Fatal("expected an InjectEvent intervention after 10 flat ticks")
	}
	if applied.Payload["condition"] != "flatline" {
		t.Fatalf("expected flatline condition, got %+v", applied.Payload)
	}
	if derived == nil || (derived.Kind != EffectBeatApplied && derived.Kind != EffectNewThread) {
		t.Fatalf("expected BeatApplied or NewThread after the intervention, got %+v", derived)
	}
}

// #endregion

// #region context

func TestMissingContextSkipsTick(t *testing.T) {
	o := newOrch(t, nil)
	o.OrchestrateNarrative(withSeed(at(5, "a"), SeedEvent{Type: story.Trade, NPCs: []string{"a"}}))
	snap := o.Snapshot()

	cases := []TickContext{
		{PresentNPCIDs: []string{"a"}},
		{GameTime: t0.Add(6 * time.Hour)},
		at(2, "a"),
		{GameTime: t0.Add(6 * time.Hour), PresentNPCIDs: []string{}, Events: []InputEvent{{Kind: InputSeed}}},
	}
	for i, tc := range cases {
		effects := o.OrchestrateNarrative(tc)
		if len(effects) != 1 || effects[0].Kind != EffectError {
			t.Fatalf("case %d: expected a single Error effect, got %+v", i, effects)
		}
		if !strings.Contains(effects[0].Payload["error"], ErrContextMissing.Error()) {
			t.Fatalf("case %d: unexpected error %q", i, effects[0].Payload["error"])
		}
	}
	if diff := cmp.Diff(snap, o.Snapshot(), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("skipped ticks mutated state (-before +after):\n%s", diff)
	}
}

func TestValidateWrapsSentinel(t *testing.T) {
	o := newOrch(t, nil)
	if err := o.validate(TickContext{}); !errors.Is(err, ErrContextMissing) {
		t.Fatalf("expected ErrContextMissing, got %v", err)
	}
}

// #endregion

// #region queries

func TestGetActiveThreadsByPriority(t *testing.T) {
	o := newOrch(t, nil)
	tc := withSeed(at(1, "a", "b", "c"), SeedEvent{Type: story.Trade, NPCs: []string{"a"}, Priority: 0.2})
	tc = withSeed(tc, SeedEvent{Type: story.Mystery, NPCs: []string{"b"}, Priority: 0.9})
	tc = withSeed(tc, SeedEvent{Type: story.Rumor, NPCs: []string{"c"}, Priority: 0.5})
	o.OrchestrateNarrative(tc)

	got := o.GetActiveThreads()
	if len(got) != 3 {
		t.Fatalf("expected 3 threads, got %d", len(got))
	}
	for i, want := range []story.ThreadType{story.Mystery, story.Rumor, story.Trade} {
		if got[i].Type != want {
			t.Fatalf("position %d: got %s, want %s", i, got[i].Type, want)
		}
	}
}

func TestNarrativeContextForNPC(t *testing.T) {
	o := newOrch(t, nil)
	tc := withSeed(at(1, "a", "b"), SeedEvent{Type: story.Romance, NPCs: []string{"a", "b"}})
	tc = withSeed(tc, SeedEvent{Type: story.Trade, NPCs: []string{"c"}})
	effects := o.OrchestrateNarrative(tc)

	beats := ofKind(effects, EffectBeatApplied)
	var reqID string
	for _, b := range beats {
		if strings.Contains(b.Payload["participants"], "a") {
			reqID = b.NarrationRequestID
		}
	}
	if reqID == "" {
		t.Fatalf("expected a narration request for the romance beat, got %+v", beats)
	}

	narr := at(2, "a", "b")
	narr.Events = []InputEvent{{Kind: InputNarration, Narration: &NarrationResult{RequestID: reqID, Text: "Their eyes meet over the ale."}}}
	o.OrchestrateNarrative(narr)

	before := o.Snapshot()
	ctx := o.GetNarrativeContextForNPC("a")
	if len(ctx.ActiveThreads) != 1 || ctx.ActiveThreads[0].Type != story.Romance {
		t.Fatalf("expected the romance thread, got %+v", ctx.ActiveThreads)
	}
	if len(ctx.RecentMoments) == 0 || ctx.RecentMoments[0].Text != "Their eyes meet over the ale." {
		t.Fatalf("expected narrated moment first, got %+v", ctx.RecentMoments)
	}
	ctx.RecentMoments[0].Participants[0] = "mutated"
	if diff := cmp.Diff(before, o.Snapshot(), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("context query mutated state:\n%s", diff)
	}
	if none := o.GetNarrativeContextForNPC("stranger"); len(none.ActiveThreads) != 0 || len(none.RecentMoments) != 0 {
		t.Fatalf("stranger should have empty context, got %+v", none)
	}
}

// #endregion

// #region persistence

func script(h int) TickContext {
	roster := []string{"ada", "bram", "cora", "dov"}
	var present []string
	for i, id := range roster {
		if (h+i)%5 != 0 {
			present = append(present, id)
		}
	}
	tc := at(h, present...)
	switch h {
	case 1:
		tc = withSeed(tc, SeedEvent{Type: story.Rivalry, NPCs: []string{"ada", "bram"}})
		tc = withSeed(tc, SeedEvent{Type: story.Mystery, NPCs: []string{"cora"}, Locations: []string{"cellar"}})
	case 4:
		tc = withSeed(tc, SeedEvent{Type: story.Romance, NPCs: []string{"bram", "dov"}})
	case 9:
		tc = withSeed(tc, SeedEvent{Type: story.SecretReveal, NPCs: []string{"cora", "ada"}})
	}
	if h%3 == 0 {
		tc.RecentPlayerActions = []string{"buy_round"}
	}
	return tc
}

func TestExportRestoreRoundTrip(t *testing.T) {
	o := newOrch(t, nil)
	for h := 1; h <= 15; h++ {
		o.OrchestrateNarrative(script(h))
	}
	exported, err := o.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	r, err := Restore(o.cfg, exported, WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if diff := cmp.Diff(o.Snapshot(), r.Snapshot(), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("restored state differs (-orig +restored):\n%s", diff)
	}
	if diff := cmp.Diff(o.GetActiveThreads(), r.GetActiveThreads(), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("active threads differ:\n%s", diff)
	}

	// Both sessions must carry on identically.
	for h := 16; h <= 40; h++ {
		a := o.OrchestrateNarrative(script(h))
		b := r.OrchestrateNarrative(script(h))
		if diff := cmp.Diff(a, b, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("tick %d diverged after restore:\n%s", h, diff)
		}
	}
}

func TestRestoreRejectsUnknownVersion(t *testing.T) {
	o := newOrch(t, nil)
	exported, _ := o.Export()
	exported["version"] = 99
	if _, err := Restore(o.cfg, exported); err == nil {
		t.Fatal("expected version mismatch error")
	}
}

func TestDeterministicReplay(t *testing.T) {
	a := newOrch(t, nil)
	b := newOrch(t, nil)
	for h := 1; h <= 30; h++ {
		ea := a.OrchestrateNarrative(script(h))
		eb := b.OrchestrateNarrative(script(h))
		if diff := cmp.Diff(ea, eb, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("tick %d not deterministic:\n%s", h, diff)
		}
	}
}

func TestInvariantsHoldOverScript(t *testing.T) {
	o := newOrch(t, func(c *Config) { c.Threads.MaxActiveThreads = 3 })
	for h := 1; h <= 60; h++ {
		o.OrchestrateNarrative(script(h))
		if n := len(o.GetActiveThreads()); n > 3 {
			t.Fatalf("tick %d: %d active threads", h, n)
		}
		for _, th := range o.Threads() {
			if th.Tension < 0 || th.Tension > 1 {
				t.Fatalf("tick %d: tension %f out of range", h, th.Tension)
			}
		}
		ms := o.ScheduledClimaxes()
		for i := 1; i < len(ms); i++ {
			if ms[i].At.Sub(ms[i-1].At) < o.cfg.Climax.MinSpacing {
				t.Fatalf("tick %d: climaxes too close: %+v", h, ms)
			}
		}
	}
}

// #endregion
