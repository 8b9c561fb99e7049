package climax

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ErrClimaxSchedulingConflict is returned when no free slot exists before
// a climax's deadline.
var ErrClimaxSchedulingConflict = errors.New("climax scheduling conflict")

// #region types

// Config controls climax spacing.
type Config struct {
	MinSpacing time.Duration
	// MaxTTL caps how long any climax may wait for a free slot. It is also
	// the ttl of a booking that names none.
	MaxTTL time.Duration
}

// DefaultConfig returns a six-hour lockout window.
func DefaultConfig() Config {
	return Config{MinSpacing: 6 * time.Hour, MaxTTL: 72 * time.Hour}
}

// Moment is a scheduled or applied climax.
type Moment struct {
	ThreadID    string    `json:"thread_id"`
	RequestedAt time.Time `json:"requested_at"`
	At          time.Time `json:"at"`
	Deadline    time.Time `json:"deadline"`
	Rescheduled bool      `json:"rescheduled"`
}

// #endregion types

// #region sequencer

// Sequencer keeps every pair of climaxes at least MinSpacing apart.
type Sequencer struct {
	cfg       Config
	log       *zap.Logger
	scheduled map[string]Moment
	applied   []Moment
	plans     map[string]ArcPlan
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the sequencer's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sequencer) { s.log = l.Named("climax") }
}

// NewSequencer creates an empty sequencer.
func NewSequencer(cfg Config, opts ...Option) *Sequencer {
	s := &Sequencer{
		cfg:       cfg,
		log:       zap.NewNop(),
		scheduled: make(map[string]Moment),
		plans:     make(map[string]ArcPlan),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// #endregion sequencer

// #region schedule

// ScheduleClimax books a climax for threadID no earlier than requested.
// On conflict the slot moves greedily to the conflicting climax plus
// MinSpacing; past requested+ttl the request is rejected. ttl is capped
// at MaxTTL. A thread that is
// already booked gets its existing moment back.
func (s *Sequencer) ScheduleClimax(threadID string, requested time.Time, ttl time.Duration) (Moment, error) {
	if m, ok := s.scheduled[threadID]; ok {
		return m, nil
	}
	if ttl <= 0 || (s.cfg.MaxTTL > 0 && ttl > s.cfg.MaxTTL) {
		ttl = s.cfg.MaxTTL
	}
	m := Moment{ThreadID: threadID, RequestedAt: requested, At: requested, Deadline: requested.Add(ttl)}

	for _, dep := range s.predecessors(threadID) {
		if d, ok := s.scheduled[dep]; ok && m.At.Before(d.At.Add(s.cfg.MinSpacing)) {
			m.At = d.At.Add(s.cfg.MinSpacing)
			m.Rescheduled = true
		}
	}

	for {
		conflict, ok := s.firstConflict(threadID, m.At)
		if !ok {
			break
		}
		m.At = conflict.Add(s.cfg.MinSpacing)
		m.Rescheduled = true
	}

	if m.At.After(m.Deadline) {
		s.log.Info("climax rejected",
			zap.String("thread", threadID),
			zap.Time("requested", requested),
			zap.Time("next_free", m.At),
			zap.Time("deadline", m.Deadline))
		return Moment{}, fmt.Errorf("%w: %s next free slot %s is past deadline %s",
			ErrClimaxSchedulingConflict, threadID, m.At.Format(time.RFC3339), m.Deadline.Format(time.RFC3339))
	}

	s.scheduled[threadID] = m
	s.log.Debug("climax scheduled",
		zap.String("thread", threadID),
		zap.Time("at", m.At),
		zap.Bool("rescheduled", m.Rescheduled))
	s.pushSuccessors(threadID, m.At)
	return m, nil
}

// pushSuccessors moves booked plan successors of threadID to at least
// MinSpacing after at. A moved successor keeps its booking even past its
// deadline, since it was already accepted.
func (s *Sequencer) pushSuccessors(threadID string, at time.Time) {
	for _, name := range s.planNames() {
		for _, next := range s.plans[name].Successors(threadID) {
			m, ok := s.scheduled[next]
			if !ok || !m.At.Before(at.Add(s.cfg.MinSpacing)) {
				continue
			}
			moved := s.rebook(m, at.Add(s.cfg.MinSpacing))
			s.pushSuccessors(next, moved.At)
		}
	}
}

// rebook moves a booked moment to the first free slot at or after earliest.
func (s *Sequencer) rebook(m Moment, earliest time.Time) Moment {
	if m.At.Before(earliest) {
		m.At = earliest
	}
	for {
		conflict, ok := s.firstConflict(m.ThreadID, m.At)
		if !ok {
			break
		}
		m.At = conflict.Add(s.cfg.MinSpacing)
	}
	m.Rescheduled = true
	s.scheduled[m.ThreadID] = m
	s.log.Debug("climax rebooked", zap.String("thread", m.ThreadID), zap.Time("at", m.At))
	return m
}

// firstConflict returns the earliest climax, scheduled or applied, inside
// the lockout window around at.
func (s *Sequencer) firstConflict(threadID string, at time.Time) (time.Time, bool) {
	var first time.Time
	found := false
	check := func(m Moment) {
		diff := m.At.Sub(at)
		if diff < 0 {
			diff = -diff
		}
		if diff < s.cfg.MinSpacing && (!found || m.At.Before(first)) {
			first, found = m.At, true
		}
	}
	for id, m := range s.scheduled {
		if id != threadID {
			check(m)
		}
	}
	for _, m := range s.applied {
		check(m)
	}
	return first, found
}

func (s *Sequencer) predecessors(threadID string) []string {
	var out []string
	for _, name := range s.planNames() {
		out = append(out, s.plans[name].Predecessors(threadID)...)
	}
	return out
}

// #endregion schedule

// #region due

// Due returns the next booked climax whose time has come, or nothing. At
// most one climax is released per MinSpacing window, measured from the last
// climax actually applied; others that are overdue wait for a later call. A
// climax whose plan predecessor is still booked waits for it.
func (s *Sequencer) Due(now time.Time) []Moment {
	s.trimApplied(now)
	if last, ok := s.lastApplied(); ok && now.Sub(last) < s.cfg.MinSpacing {
		return nil
	}
	var ready []Moment
	for id, m := range s.scheduled {
		if m.At.After(now) || s.blocked(id) {
			continue
		}
		ready = append(ready, m)
	}
	if len(ready) == 0 {
		return nil
	}
	sortMoments(ready)
	return ready[:1]
}

func (s *Sequencer) blocked(threadID string) bool {
	for _, dep := range s.predecessors(threadID) {
		if _, pending := s.scheduled[dep]; pending {
			return true
		}
	}
	return false
}

func (s *Sequencer) lastApplied() (time.Time, bool) {
	var last time.Time
	found := false
	for _, m := range s.applied {
		if !found || m.At.After(last) {
			last, found = m.At, true
		}
	}
	return last, found
}

// trimApplied forgets applied climaxes that can no longer conflict.
func (s *Sequencer) trimApplied(now time.Time) {
	kept := s.applied[:0]
	for _, m := range s.applied {
		if now.Sub(m.At) < s.cfg.MinSpacing {
			kept = append(kept, m)
		}
	}
	s.applied = kept
}

// Complete records threadID's climax as applied at at, the game time it
// actually resolved. Booked climaxes now inside its lockout window move to
// the next free slot.
func (s *Sequencer) Complete(threadID string, at time.Time) (Moment, error) {
	m, ok := s.scheduled[threadID]
	if !ok {
		return Moment{}, fmt.Errorf("no climax booked for %s", threadID)
	}
	delete(s.scheduled, threadID)
	m.At = at
	s.applied = append(s.applied, m)

	var crowded []Moment
	for _, other := range s.scheduled {
		if other.At.Before(at.Add(s.cfg.MinSpacing)) {
			crowded = append(crowded, other)
		}
	}
	sortMoments(crowded)
	for _, other := range crowded {
		moved := s.rebook(s.scheduled[other.ThreadID], at.Add(s.cfg.MinSpacing))
		s.pushSuccessors(other.ThreadID, moved.At)
	}
	return m, nil
}

// Cancel drops a booked climax. It reports whether one existed.
func (s *Sequencer) Cancel(threadID string) bool {
	if _, ok := s.scheduled[threadID]; !ok {
		return false
	}
	delete(s.scheduled, threadID)
	s.log.Info("climax cancelled", zap.String("thread", threadID))
	return true
}

// Get returns the booked climax for threadID.
func (s *Sequencer) Get(threadID string) (Moment, bool) {
	m, ok := s.scheduled[threadID]
	return m, ok
}

// Scheduled returns every booked climax in time order.
func (s *Sequencer) Scheduled() []Moment {
	out := make([]Moment, 0, len(s.scheduled))
	for _, m := range s.scheduled {
		out = append(out, m)
	}
	sortMoments(out)
	return out
}

func sortMoments(ms []Moment) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].At.Equal(ms[j].At) {
			return ms[i].At.Before(ms[j].At)
		}
		return ms[i].ThreadID < ms[j].ThreadID
	})
}

// #endregion due

// #region plans

// AddPlan registers a plan. The union of all registered plans must stay
// acyclic, so a plan that closes a loop with an earlier one is rejected.
func (s *Sequencer) AddPlan(p ArcPlan) error {
	checked, err := NewArcPlan(p.Name, p.Steps)
	if err != nil {
		return err
	}
	if _, dup := s.plans[p.Name]; dup {
		return fmt.Errorf("%w: plan %q already registered", ErrInvalidArcPlan, p.Name)
	}

	merged := make(map[string][]string)
	var ids []string
	add := func(steps []ArcStep) {
		for _, st := range steps {
			if _, seen := merged[st.ThreadID]; !seen {
				ids = append(ids, st.ThreadID)
				merged[st.ThreadID] = nil
			}
			merged[st.ThreadID] = append(merged[st.ThreadID], st.After...)
		}
	}
	for _, name := range s.planNames() {
		add(s.plans[name].Steps)
	}
	add(checked.Steps)
	union := make([]ArcStep, len(ids))
	for i, id := range ids {
		union[i] = ArcStep{ThreadID: id, After: merged[id]}
	}
	if _, err := NewArcPlan("union", union); err != nil {
		return fmt.Errorf("plan %q conflicts with registered plans: %w", p.Name, err)
	}

	s.plans[p.Name] = checked
	return nil
}

// RemovePlan drops a registered plan.
func (s *Sequencer) RemovePlan(name string) bool {
	if _, ok := s.plans[name]; !ok {
		return false
	}
	delete(s.plans, name)
	return true
}

// Plans returns the registered plans ordered by name.
func (s *Sequencer) Plans() []ArcPlan {
	out := make([]ArcPlan, 0, len(s.plans))
	for _, name := range s.planNames() {
		out = append(out, s.plans[name])
	}
	return out
}

func (s *Sequencer) planNames() []string {
	names := make([]string, 0, len(s.plans))
	for n := range s.plans {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// #endregion plans

// #region snapshot

// Snapshot is the serializable state of a Sequencer.
type Snapshot struct {
	Scheduled []Moment  `json:"scheduled"`
	Applied   []Moment  `json:"applied"`
	Plans     []ArcPlan `json:"plans"`
}

// Snapshot copies the sequencer state.
func (s *Sequencer) Snapshot() Snapshot {
	return Snapshot{
		Scheduled: s.Scheduled(),
		Applied:   append([]Moment(nil), s.applied...),
		Plans:     s.Plans(),
	}
}

// Restore replaces the sequencer state with snap, re-validating every plan.
func (s *Sequencer) Restore(snap Snapshot) error {
	r := NewSequencer(s.cfg, func(n *Sequencer) { n.log = s.log })
	for _, p := range snap.Plans {
		if err := r.AddPlan(p); err != nil {
			return fmt.Errorf("restore climax plans: %w", err)
		}
	}
	for _, m := range snap.Scheduled {
		if _, dup := r.scheduled[m.ThreadID]; dup {
			return fmt.Errorf("restore climax: thread %s booked twice", m.ThreadID)
		}
		r.scheduled[m.ThreadID] = m
	}
	r.applied = append([]Moment(nil), snap.Applied...)
	*s = *r
	return nil
}

// #endregion snapshot
