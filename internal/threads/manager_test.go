package threads

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/story"
)

var t0 = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func hour(h int) time.Time { return t0.Add(time.Duration(h) * time.Hour) }

func npcs(ids ...string) []story.Participant {
	out := make([]story.Participant, len(ids))
	for i, id := range ids {
		out[i] = story.Participant{ID: id, Kind: story.ParticipantNPC, Required: true}
	}
	return out
}

func tick(h int, present ...string) story.Context {
	m := make(map[string]bool, len(present))
	for _, id := range present {
		m[id] = true
	}
	return story.Context{GameTime: hour(h), Present: m}
}

func newManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(cfg, WithLogger(zaptest.NewLogger(t)))
}

func mustSpawn(t *testing.T, m *Manager, req SpawnRequest, now time.Time) story.Thread {
	t.Helper()
	res, err := m.Spawn(req, now)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return res.Thread
}

// #region spawn-tests

func TestSpawn_RivalryReachesClimax(t *testing.T) {
	m := newManager(t, nil)
	beats := make([]story.BeatSpec, 5)
	for i := range beats {
		beats[i] = story.BeatSpec{TemplateID: "rivalry.test", TensionDelta: 0.2}
	}
	th := mustSpawn(t, m, SpawnRequest{Type: story.Rivalry, Participants: npcs("a", "b"), Tension: 0.0001, Beats: beats}, t0)

	for h := 1; h <= 5; h++ {
		m.AdvanceAll(tick(h, "a", "b"))
	}
	got, _ := m.Get(th.ID)
	if got.Stage != story.StageClimax {
		t.Fatalf("expected climax, got %s (tension %.2f, beats %d)", got.Stage, got.Tension, len(got.Beats))
	}
	if got.Tension < 0.75 || len(got.Beats) < 3 {
		t.Fatalf("climax reached too early: tension %.2f beats %d", got.Tension, len(got.Beats))
	}
}

func TestSpawn_CapacityRejectsAndKeepsExisting(t *testing.T) {
	m := newManager(t, func(c *Config) { c.MaxActiveThreads = 1 })
	first := mustSpawn(t, m, SpawnRequest{Type: story.Trade, Participants: npcs("a")}, t0)

	_, err := m.Spawn(SpawnRequest{Type: story.Rumor, Participants: npcs("b")}, hour(1))
	if !errors.Is(err, ErrThreadCapacityExceeded) {
		t.Fatalf("expected ErrThreadCapacityExceeded, got %v", err)
	}
	got, ok := m.Get(first.ID)
	if !ok || !reflect.DeepEqual(got, first) {
		t.Fatalf("existing thread changed: %+v", got)
	}
	if len(m.Views()) != 1 {
		t.Fatalf("expected 1 thread, got %d", len(m.Views()))
	}
}

func TestSpawn_EvictsLowestPriorityDormant(t *testing.T) {
	m := newManager(t, func(c *Config) {
		c.MaxActiveThreads = 3
		c.DormancyTimeout = time.Hour
	})
	low := mustSpawn(t, m, SpawnRequest{Type: story.Rumor, Participants: npcs("x"), Priority: 0.2}, t0)
	high := mustSpawn(t, m, SpawnRequest{Type: story.Mystery, Participants: npcs("y"), Priority: 0.9}, t0)
	keep := mustSpawn(t, m, SpawnRequest{Type: story.Trade, Participants: npcs("z"), Priority: 0.5}, t0)

	// x and y leave; z stays.
	m.AdvanceAll(tick(1, "z"))
	m.AdvanceAll(tick(3, "z"))
	for _, id := range []string{low.ID, high.ID} {
		if th, _ := m.Get(id); th.Stage != story.StageDormant {
			t.Fatalf("%s should be dormant, got %s", id, th.Stage)
		}
	}

	res, err := m.Spawn(SpawnRequest{Type: story.Romance, Participants: npcs("z", "w")}, hour(4))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if res.Evicted != low.ID {
		t.Fatalf("expected %s evicted, got %q", low.ID, res.Evicted)
	}
	if _, ok := m.Get(high.ID); !ok {
		t.Fatal("higher priority dormant thread should survive")
	}
	if _, ok := m.Get(keep.ID); !ok {
		t.Fatal("active thread must never be evicted")
	}
}

func TestSpawn_ActiveNeverExceedsCap(t *testing.T) {
	const maxActive = 3
	m := newManager(t, func(c *Config) {
		c.MaxActiveThreads = maxActive
		c.DormancyTimeout = 2 * time.Hour
	})
	rng := rand.New(rand.NewSource(3))
	roster := []string{"a", "b", "c", "d", "e"}
	for h := 0; h < 200; h++ {
		var here []string
		for _, id := range roster {
			if rng.Intn(3) > 0 {
				here = append(here, id)
			}
		}
		if rng.Intn(2) == 0 {
			tt := story.AllThreadTypes[rng.Intn(len(story.AllThreadTypes))]
			who := roster[rng.Intn(len(roster))]
			m.Spawn(SpawnRequest{Type: tt, Participants: npcs(who)}, hour(h))
		}
		m.AdvanceAll(tick(h, here...))
		m.ApplyConvergences(m.DetectConvergences(), hour(h))
		for _, th := range m.Views() {
			if th.Stage == story.StageClimax {
				m.ResolveClimax(th.ID, hour(h))
			}
		}
		m.Prune(hour(h))
		if n := m.Active(); n > maxActive {
			t.Fatalf("hour %d: %d active threads exceed cap %d", h, n, maxActive)
		}
	}
}

func TestSpawn_DeterministicIDs(t *testing.T) {
	a := newManager(t, nil)
	b := newManager(t, nil)
	for i := 0; i < 3; i++ {
		x := mustSpawn(t, a, SpawnRequest{Type: story.Rumor, Participants: npcs("a")}, t0)
		y := mustSpawn(t, b, SpawnRequest{Type: story.Rumor, Participants: npcs("a")}, t0)
		if x.ID != y.ID {
			t.Fatalf("spawn %d: ids differ %s vs %s", i, x.ID, y.ID)
		}
	}
}

func TestSpawn_Invalid(t *testing.T) {
	m := newManager(t, nil)
	if _, err := m.Spawn(SpawnRequest{Type: "bardic_duel", Participants: npcs("a")}, t0); !errors.Is(err, ErrInvalidSpawn) {
		t.Fatalf("expected ErrInvalidSpawn for unknown type, got %v", err)
	}
	if _, err := m.Spawn(SpawnRequest{Type: story.Rumor}, t0); !errors.Is(err, ErrInvalidSpawn) {
		t.Fatalf("expected ErrInvalidSpawn without participants, got %v", err)
	}
}

// #endregion spawn-tests

// #region convergence-tests

func TestDetectConvergences_Idempotent(t *testing.T) {
	m := newManager(t, nil)
	mustSpawn(t, m, SpawnRequest{Type: story.Mystery, Participants: npcs("a", "b")}, t0)
	mustSpawn(t, m, SpawnRequest{Type: story.SecretReveal, Participants: npcs("b", "c")}, t0)
	mustSpawn(t, m, SpawnRequest{Type: story.Romance, Participants: npcs("c", "d")}, t0)
	mustSpawn(t, m, SpawnRequest{Type: story.Rivalry, Participants: npcs("d", "a")}, t0)

	first := m.DetectConvergences()
	second := m.DetectConvergences()
	if len(first) == 0 {
		t.Fatal("expected convergences")
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("convergence sets differ:\n%+v\n%+v", first, second)
	}
}

func TestDetectConvergences_Actions(t *testing.T) {
	m := newManager(t, nil)
	r1 := mustSpawn(t, m, SpawnRequest{Type: story.Rivalry, Participants: npcs("a", "b")}, t0)
	r2 := mustSpawn(t, m, SpawnRequest{Type: story.Rivalry, Participants: npcs("a", "b")}, hour(1))
	rom := mustSpawn(t, m, SpawnRequest{Type: story.Romance, Participants: npcs("b", "c")}, hour(2))

	got := map[[2]string]ConvergenceAction{}
	for _, c := range m.DetectConvergences() {
		got[c.ThreadIDs] = c.Action
	}
	pair := func(a, b string) [2]string {
		if a > b {
			a, b = b, a
		}
		return [2]string{a, b}
	}
	if got[pair(r1.ID, r2.ID)] != ActionMerge {
		t.Fatalf("identical rivalries should merge, got %q", got[pair(r1.ID, r2.ID)])
	}
	if got[pair(r1.ID, rom.ID)] != ActionConflict {
		t.Fatalf("rivalry vs romance should conflict, got %q", got[pair(r1.ID, rom.ID)])
	}
}

func TestMerge_OverCapacityBecomesCrossReference(t *testing.T) {
	m := newManager(t, func(c *Config) { c.MaxParticipants = 3 })
	mustSpawn(t, m, SpawnRequest{Type: story.Rivalry, Participants: npcs("a", "b", "c")}, t0)
	mustSpawn(t, m, SpawnRequest{Type: story.Rivalry, Participants: npcs("a", "b", "d")}, t0)

	convs := m.DetectConvergences()
	if len(convs) != 1 {
		t.Fatalf("expected 1 convergence, got %d", len(convs))
	}
	if convs[0].Action != ActionCrossReference || !convs[0].OverCapacity {
		t.Fatalf("expected over-capacity cross reference, got %+v", convs[0])
	}
	m.ApplyConvergences(convs, t0)
	if len(m.Views()) != 2 {
		t.Fatal("cross reference must not mutate thread set")
	}
}

func TestMerge_InterleavesHistory(t *testing.T) {
	m := newManager(t, nil)
	a := mustSpawn(t, m, SpawnRequest{Type: story.Rivalry, Participants: npcs("a", "b"), Priority: 0.9}, t0)
	b := mustSpawn(t, m, SpawnRequest{Type: story.Rivalry, Participants: npcs("a", "b"), Priority: 0.4}, t0)

	if _, err := m.InjectBeat(a.ID, "first", hour(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.InjectBeat(b.ID, "second", hour(2)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.InjectBeat(a.ID, "third", hour(3)); err != nil {
		t.Fatal(err)
	}
	aBefore, _ := m.Get(a.ID)
	bBefore, _ := m.Get(b.ID)

	outcomes := m.ApplyConvergences(m.DetectConvergences(), hour(4))
	if len(outcomes) != 1 || !outcomes[0].Applied {
		t.Fatalf("expected one applied merge, got %+v", outcomes)
	}
	if outcomes[0].SurvivorID != a.ID || outcomes[0].AbsorbedID != b.ID {
		t.Fatalf("higher priority thread should survive: %+v", outcomes[0])
	}
	got, _ := m.Get(a.ID)
	var order []string
	for _, beat := range got.Beats {
		order = append(order, beat.TemplateID)
	}
	if !reflect.DeepEqual(order, []string{"first", "second", "third"}) {
		t.Fatalf("history not interleaved by time: %v", order)
	}

	// Applied beats are immutable: seqs survive the merge and absorbed
	// beats remember the thread they were applied on.
	before := map[string]story.Beat{}
	for _, th := range []story.Thread{aBefore, bBefore} {
		for _, beat := range th.Beats {
			before[beat.TemplateID] = beat
		}
	}
	for _, beat := range got.Beats {
		orig := before[beat.TemplateID]
		if beat.Seq != orig.Seq || !beat.AppliedAt.Equal(orig.AppliedAt) {
			t.Fatalf("beat %s changed from %+v to %+v", beat.TemplateID, orig, beat)
		}
	}
	if got.Beats[0].Origin != "" || got.Beats[1].Origin != b.ID || got.Beats[2].Origin != "" {
		t.Fatalf("unexpected origins %+v", got.Beats)
	}
	maxSeq := 0
	for _, beat := range append(got.Beats, got.Pending...) {
		maxSeq = max(maxSeq, beat.Seq)
	}
	if got.NextSeq <= maxSeq {
		t.Fatalf("next seq %d would reuse %d", got.NextSeq, maxSeq)
	}
	if _, ok := m.Get(b.ID); ok {
		t.Fatal("absorbed thread should be gone")
	}
}

func TestConflict_RaisesTension(t *testing.T) {
	m := newManager(t, nil)
	r := mustSpawn(t, m, SpawnRequest{Type: story.Rivalry, Participants: npcs("a", "b"), Tension: 0.3}, t0)
	mustSpawn(t, m, SpawnRequest{Type: story.Romance, Participants: npcs("b", "c"), Tension: 0.3}, t0)

	m.ApplyConvergences(m.DetectConvergences(), t0)
	got, _ := m.Get(r.ID)
	if got.Tension <= 0.3 {
		t.Fatalf("conflict should push tension up, got %f", got.Tension)
	}
}

func TestForceMerge_RefusesClimax(t *testing.T) {
	m := newManager(t, nil)
	a := mustSpawn(t, m, SpawnRequest{Type: story.Trade, Participants: npcs("a")}, t0)
	b := mustSpawn(t, m, SpawnRequest{Type: story.Rumor, Participants: npcs("b")}, t0)
	m.threads[b.ID].Stage = story.StageClimax
	if _, err := m.ForceMerge(a.ID, b.ID, t0); err == nil {
		t.Fatal("expected merge with a climaxing thread to be refused")
	}
	m.threads[b.ID].Stage = story.StageRising
	out, err := m.ForceMerge(a.ID, b.ID, t0)
	if err != nil {
		t.Fatalf("ForceMerge: %v", err)
	}
	if out.SurvivorID == "" || out.AbsorbedID == "" {
		t.Fatalf("incomplete outcome %+v", out)
	}
}

// #endregion convergence-tests

// #region lifecycle-tests

func TestPrune_RemovesOldResolved(t *testing.T) {
	m := newManager(t, func(c *Config) { c.ResolvedRetention = 2 * time.Hour })
	th := mustSpawn(t, m, SpawnRequest{Type: story.Trade, Participants: npcs("a")}, t0)
	m.threads[th.ID].Stage = story.StageResolved
	m.threads[th.ID].UpdatedAt = t0

	if got := m.Prune(hour(1)); len(got) != 0 {
		t.Fatalf("pruned too early: %v", got)
	}
	if got := m.Prune(hour(3)); len(got) != 1 || got[0] != th.ID {
		t.Fatalf("expected %s pruned, got %v", th.ID, got)
	}
}

func TestApplyCooldown(t *testing.T) {
	m := newManager(t, nil)
	th := mustSpawn(t, m, SpawnRequest{Type: story.Rumor, Participants: npcs("a")}, t0)
	if err := m.ApplyCooldown(th.ID, 2, 0.5); err != nil {
		t.Fatalf("ApplyCooldown: %v", err)
	}
	m.AdvanceAll(tick(1, "a"))
	m.AdvanceAll(tick(2, "a"))
	got, _ := m.Get(th.ID)
	if got.CooldownTicks != 0 || got.PacingScale != 1 {
		t.Fatalf("cooldown should expire, got ticks=%d scale=%f", got.CooldownTicks, got.PacingScale)
	}
	if err := m.ApplyCooldown("missing", 1, 0.5); !errors.Is(err, ErrUnknownThread) {
		t.Fatalf("expected ErrUnknownThread, got %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	m := newManager(t, nil)
	mustSpawn(t, m, SpawnRequest{Type: story.Mystery, Participants: npcs("a", "b")}, t0)
	mustSpawn(t, m, SpawnRequest{Type: story.Rumor, Participants: npcs("c")}, t0)
	m.AdvanceAll(tick(1, "a", "b", "c"))

	snap := m.Snapshot()
	r := newManager(t, nil)
	if err := r.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !reflect.DeepEqual(r.Snapshot(), snap) {
		t.Fatal("restored snapshot differs")
	}
	next := mustSpawn(t, r, SpawnRequest{Type: story.Trade, Participants: npcs("d")}, hour(2))
	orig := mustSpawn(t, m, SpawnRequest{Type: story.Trade, Participants: npcs("d")}, hour(2))
	if next.ID != orig.ID {
		t.Fatal("spawn sequence not restored")
	}
}

// #endregion lifecycle-tests
