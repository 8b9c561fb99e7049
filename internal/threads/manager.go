package threads

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/story"
)

// #region errors

var (
	// ErrThreadCapacityExceeded is returned by Spawn when every slot is live
	// and no dormant thread can be evicted.
	ErrThreadCapacityExceeded = errors.New("thread capacity exceeded")
	// ErrUnknownThread is returned when an id does not name a retained thread.
	ErrUnknownThread = errors.New("unknown thread")
	// ErrInvalidSpawn is returned for malformed spawn requests.
	ErrInvalidSpawn = errors.New("invalid spawn request")
)

// #endregion errors

// #region config

// Config holds thread lifecycle and convergence thresholds.
type Config struct {
	MaxActiveThreads        int
	ClimaxThreshold         float64
	MinBeats                int
	DormancyTimeout         time.Duration
	DormancyDecayFactor     float64
	MergeThreshold          float64
	CrossReferenceThreshold float64
	MaxParticipants         int
	ConflictTensionBoost    float64
	ResolvedRetention       time.Duration
}

// DefaultConfig returns the tuning used by a fresh tavern session.
func DefaultConfig() Config {
	return Config{
		MaxActiveThreads:        6,
		ClimaxThreshold:         0.75,
		MinBeats:                3,
		DormancyTimeout:         12 * time.Hour,
		DormancyDecayFactor:     0.5,
		MergeThreshold:          0.75,
		CrossReferenceThreshold: 0.35,
		MaxParticipants:         4,
		ConflictTensionBoost:    0.05,
		ResolvedRetention:       24 * time.Hour,
	}
}

func (c Config) params() story.Params {
	return story.Params{
		ClimaxThreshold:     c.ClimaxThreshold,
		MinBeats:            c.MinBeats,
		DormancyTimeout:     c.DormancyTimeout,
		DormancyDecayFactor: c.DormancyDecayFactor,
	}
}

// #endregion config

// #region manager

// Manager owns every thread of one session and is the only writer of thread state.
type Manager struct {
	cfg       Config
	log       *zap.Logger
	namespace uuid.UUID
	threads   map[string]*story.Thread
	spawned   int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l.Named("threads") }
}

// WithNamespace sets the UUID namespace thread ids are derived from.
// Ids are a pure function of namespace and spawn order, so replays reproduce them.
func WithNamespace(ns uuid.UUID) Option {
	return func(m *Manager) { m.namespace = ns }
}

// DefaultNamespace is used when no session namespace is supplied.
var DefaultNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tavern-sim:narrative"))

// NewManager creates an empty thread manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		log:       zap.NewNop(),
		namespace: DefaultNamespace,
		threads:   make(map[string]*story.Thread),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// #endregion manager

// #region spawn

// SpawnRequest describes a new thread.
type SpawnRequest struct {
	Type         story.ThreadType
	Participants []story.Participant
	Priority     float64
	Tension      float64
	Beats        []story.BeatSpec
}

// SpawnResult reports the created thread and any dormant thread evicted for it.
type SpawnResult struct {
	Thread  story.Thread
	Evicted string
}

// Spawn creates a thread, evicting a dormant one if the cap is reached.
func (m *Manager) Spawn(req SpawnRequest, now time.Time) (SpawnResult, error) {
	b, ok := story.BehaviorFor(req.Type)
	if !ok {
		return SpawnResult{}, fmt.Errorf("%w: unknown thread type %q", ErrInvalidSpawn, req.Type)
	}
	if len(req.Participants) == 0 {
		return SpawnResult{}, fmt.Errorf("%w: %s thread needs participants", ErrInvalidSpawn, req.Type)
	}

	var res SpawnResult
	if m.Live() >= m.cfg.MaxActiveThreads {
		victim := m.evictionCandidate()
		if victim == nil {
			return SpawnResult{}, fmt.Errorf("%w: %d live threads", ErrThreadCapacityExceeded, m.Live())
		}
		res.Evicted = victim.ID
		delete(m.threads, victim.ID)
		m.log.Info("evicted dormant thread", zap.String("thread", victim.ID), zap.Float64("priority", victim.Priority))
	}

	priority := req.Priority
	if priority <= 0 {
		priority = b.BasePriority
	}
	tension := req.Tension
	if tension <= 0 {
		tension = b.BaseTension
	}

	th := &story.Thread{
		ID:           uuid.NewSHA1(m.namespace, []byte(fmt.Sprintf("thread-%d", m.spawned))).String(),
		Type:         req.Type,
		Stage:        story.StageSeed,
		Tension:      min(max(tension, 0), 1),
		Participants: dedupeParticipants(req.Participants),
		Priority:     priority,
		CreatedAt:    now,
		UpdatedAt:    now,
		PacingScale:  1,
	}
	th.AddPending(req.Beats)
	m.spawned++
	m.threads[th.ID] = th

	m.log.Debug("spawned thread",
		zap.String("thread", th.ID),
		zap.String("type", string(th.Type)),
		zap.Strings("participants", th.ParticipantIDs()))

	res.Thread = th.Clone()
	return res, nil
}

// evictionCandidate picks the dormant thread that loses its slot first:
// lowest priority, then oldest activity, then id.
func (m *Manager) evictionCandidate() *story.Thread {
	var victim *story.Thread
	for _, th := range m.ordered() {
		if th.Stage != story.StageDormant {
			continue
		}
		if victim == nil || losesTo(th, victim) {
			victim = th
		}
	}
	return victim
}

func losesTo(a, b *story.Thread) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.LastActivity().Equal(b.LastActivity()) {
		return a.LastActivity().Before(b.LastActivity())
	}
	return a.ID < b.ID
}

func dedupeParticipants(in []story.Participant) []story.Participant {
	seen := make(map[string]int, len(in))
	out := make([]story.Participant, 0, len(in))
	for _, p := range in {
		if p.Kind == "" {
			p.Kind = story.ParticipantNPC
		}
		if i, ok := seen[p.ID]; ok {
			out[i].Required = out[i].Required || p.Required
			continue
		}
		seen[p.ID] = len(out)
		out = append(out, p)
	}
	return out
}

// #endregion spawn

// #region advance

// AdvanceAll advances every active thread once and checks dormant ones for return.
// Threads are visited in creation order so results are deterministic.
func (m *Manager) AdvanceAll(ctx story.Context) []story.AdvanceResult {
	p := m.cfg.params()
	var out []story.AdvanceResult
	for _, th := range m.ordered() {
		var res story.AdvanceResult
		switch {
		case th.Stage == story.StageDormant:
			res = th.Wake(ctx, p)
		case th.Stage.Active():
			res = th.Advance(ctx, p)
		default:
			continue
		}
		if res.Err != nil {
			m.log.Warn("discarded stage transition", zap.String("thread", th.ID), zap.Error(res.Err))
		}
		if res.Applied != nil || res.StageChanged() {
			out = append(out, res)
		}
	}
	return out
}

// InjectBeat applies an out-of-band beat to id using its type's inject delta.
func (m *Manager) InjectBeat(id, templateID string, now time.Time) (story.Beat, error) {
	th, ok := m.threads[id]
	if !ok {
		return story.Beat{}, fmt.Errorf("%w: %s", ErrUnknownThread, id)
	}
	b, _ := story.BehaviorFor(th.Type)
	return th.Inject(templateID, b.InjectDelta, now)
}

// ApplyCooldown slows a thread's pacing for the given number of ticks.
func (m *Manager) ApplyCooldown(id string, ticks int, scale float64) error {
	th, ok := m.threads[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownThread, id)
	}
	if !th.Stage.Active() {
		return fmt.Errorf("thread %s is %s, nothing to cool down", id, th.Stage)
	}
	th.CooldownTicks = ticks
	th.PacingScale = scale
	return nil
}

// ResolveClimax applies the climax beat of id.
func (m *Manager) ResolveClimax(id string, now time.Time) (story.Beat, error) {
	th, ok := m.threads[id]
	if !ok {
		return story.Beat{}, fmt.Errorf("%w: %s", ErrUnknownThread, id)
	}
	return th.ResolveClimax(now)
}

// Prune archives resolved threads older than the retention period and returns their ids.
func (m *Manager) Prune(now time.Time) []string {
	var pruned []string
	for _, th := range m.ordered() {
		if th.Stage == story.StageResolved && now.Sub(th.UpdatedAt) > m.cfg.ResolvedRetention {
			delete(m.threads, th.ID)
			pruned = append(pruned, th.ID)
		}
	}
	return pruned
}

// #endregion advance

// #region accessors

// Get returns a copy of the thread with the given id.
func (m *Manager) Get(id string) (story.Thread, bool) {
	th, ok := m.threads[id]
	if !ok {
		return story.Thread{}, false
	}
	return th.Clone(), true
}

// Views returns copies of every retained thread in creation order.
func (m *Manager) Views() []story.Thread {
	ordered := m.ordered()
	out := make([]story.Thread, len(ordered))
	for i, th := range ordered {
		out[i] = th.Clone()
	}
	return out
}

// Active counts threads that are neither dormant nor resolved.
func (m *Manager) Active() int {
	n := 0
	for _, th := range m.threads {
		if th.Stage.Active() {
			n++
		}
	}
	return n
}

// Live counts threads holding a slot: everything not yet resolved.
func (m *Manager) Live() int {
	n := 0
	for _, th := range m.threads {
		if th.Stage != story.StageResolved {
			n++
		}
	}
	return n
}

func (m *Manager) ordered() []*story.Thread {
	out := make([]*story.Thread, 0, len(m.threads))
	for _, th := range m.threads {
		out = append(out, th)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// #endregion accessors

// #region snapshot

// Snapshot is the serializable state of a Manager.
type Snapshot struct {
	Spawned int            `json:"spawned"`
	Threads []story.Thread `json:"threads"`
}

// Snapshot copies the manager state.
func (m *Manager) Snapshot() Snapshot {
	return Snapshot{Spawned: m.spawned, Threads: m.Views()}
}

// Restore replaces the manager state with s.
func (m *Manager) Restore(s Snapshot) error {
	threads := make(map[string]*story.Thread, len(s.Threads))
	for i := range s.Threads {
		th := s.Threads[i].Clone()
		if !th.Type.Valid() || !th.Stage.Valid() {
			return fmt.Errorf("restore thread %s: bad type %q or stage %q", th.ID, th.Type, th.Stage)
		}
		if _, dup := threads[th.ID]; dup {
			return fmt.Errorf("restore: duplicate thread %s", th.ID)
		}
		threads[th.ID] = &th
	}
	m.threads = threads
	m.spawned = s.Spawned
	return nil
}

// #endregion snapshot
