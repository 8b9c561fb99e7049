package narration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/orchestrator"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/story"
)

var t0 = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func TestRequestsFromEffects(t *testing.T) {
	effects := []orchestrator.NarrativeEffect{
		{Kind: orchestrator.EffectNewThread, ThreadID: "th1"},
		{
			Kind:     orchestrator.EffectBeatApplied,
			ThreadID: "th1",
			Payload: map[string]string{
				"template":     "rivalry.glare",
				"type":         "rivalry",
				"to":           "rising",
				"tension":      "0.300",
				"participants": "bram,mira",
			},
			NarrationRequestID: "th1/0",
		},
		{Kind: orchestrator.EffectClimax, ThreadID: "th2", NarrationRequestID: "th2/4"},
	}

	reqs := RequestsFromEffects(effects)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	r := reqs[0]
	if r.ID != "th1/0" || r.Template != "rivalry.glare" || r.Stage != "rising" {
		t.Fatalf("unexpected request: %+v", r)
	}
	if len(r.Participants) != 2 || r.Participants[1] != "mira" {
		t.Fatalf("participants not split: %v", r.Participants)
	}
	if reqs[1].Participants != nil {
		t.Fatalf("expected no participants, got %v", reqs[1].Participants)
	}
}

func TestPrompt(t *testing.T) {
	p := Request{
		ID:           "th/3",
		ThreadID:     "th",
		Kind:         orchestrator.EffectClimax,
		ThreadType:   "rivalry",
		Template:     "rivalry.brawl",
		Participants: []string{"bram", "mira"},
	}.Prompt()
	for _, want := range []string{"rivalry", "rivalry.brawl [climax]", "bram, mira"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt %q missing %q", p, want)
		}
	}
}

// TestNarrationFeedsBack runs a tick, narrates its beats, and hands the
// results back on the next tick.
func TestNarrationFeedsBack(t *testing.T) {
	o := orchestrator.New(orchestrator.DefaultConfig())
	first := o.OrchestrateNarrative(orchestrator.TickContext{
		GameTime:      t0,
		PresentNPCIDs: []string{"bram", "mira"},
		Events: []orchestrator.InputEvent{{
			Kind: orchestrator.InputSeed,
			Seed: &orchestrator.SeedEvent{Type: story.Rivalry, NPCs: []string{"bram", "mira"}},
		}},
	})
	reqs := RequestsFromEffects(first)
	if len(reqs) == 0 {
		t.Fatalf("expected narration requests from %+v", first)
	}

	pool := NewPool(NarratorFunc(func(_ context.Context, r Request) (string, error) {
		return "Bram glares across the bar at Mira.", nil
	}), DefaultPoolConfig())
	results := pool.Run(context.Background(), reqs)

	second := o.OrchestrateNarrative(orchestrator.TickContext{
		GameTime:      t0.Add(time.Hour),
		PresentNPCIDs: []string{"bram", "mira"},
		Events:        InputEvents(results),
	})
	hints := 0
	for _, e := range second {
		if e.Kind == orchestrator.EffectAtmosphereHint && e.Payload["hint"] == "narration" {
			hints++
		}
	}
	if hints != len(reqs) {
		t.Fatalf("expected %d narration hints, got %d", len(reqs), hints)
	}

	ctx := o.GetNarrativeContextForNPC("bram")
	found := false
	for _, m := range ctx.RecentMoments {
		if m.Text == "Bram glares across the bar at Mira." {
			found = true
		}
	}
	if !found {
		t.Fatalf("narrated text not attached to story moments: %+v", ctx.RecentMoments)
	}
}
