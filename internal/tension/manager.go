package tension

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/story"
)

// #region manager

// Manager aggregates per-thread tension into one global signal and its trend.
type Manager struct {
	cfg       Config
	log       *zap.Logger
	ring      *Ring
	global    float64
	idleTicks int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l.Named("tension") }
}

// NewManager creates a Manager with an empty sample history.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{cfg: cfg, log: zap.NewNop(), ring: NewRing(cfg.RingSize)}
	for _, o := range opts {
		o(m)
	}
	return m
}

// #endregion manager

// #region update

// Update recomputes global tension from the active threads and records a sample.
// beatActivity is false when no beat was applied this tick; consecutive idle
// ticks decay the value geometrically toward zero.
func (m *Manager) Update(views []story.Thread, beatActivity bool, now time.Time) float64 {
	var weighted, weights, plain float64
	active := 0
	for i := range views {
		th := &views[i]
		if !th.Stage.Active() {
			continue
		}
		active++
		plain += th.Tension
		w := max(th.Priority, 0)
		weighted += w * th.Tension
		weights += w
	}

	var g float64
	switch {
	case active == 0:
		g = 0
	case weights > 0:
		g = weighted / weights
	default:
		g = plain / float64(active)
	}

	if beatActivity {
		m.idleTicks = 0
	} else {
		m.idleTicks++
		g *= math.Pow(1-m.cfg.IdleDecay, float64(m.idleTicks))
	}

	m.global = min(max(g, 0), 1)
	m.ring.Push(Sample{At: now, Global: m.global})
	m.log.Debug("tension updated",
		zap.Float64("global", m.global),
		zap.Int("active", active),
		zap.Int("idle_ticks", m.idleTicks))
	return m.global
}

// Global returns the latest global tension.
func (m *Manager) Global() float64 { return m.global }

// Samples returns the recorded history, oldest first.
func (m *Manager) Samples() []Sample { return m.ring.Values() }

// #endregion update

// #region trend

// Trend fits a least-squares line over the last TrendWindow samples.
// Fewer than two samples is Stable.
func (m *Manager) Trend() Trend {
	return trendOf(m.ring.Last(m.cfg.TrendWindow), m.cfg.StableEpsilon)
}

func trendOf(samples []Sample, eps float64) Trend {
	n := len(samples)
	if n < 2 {
		return TrendStable
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, s := range samples {
		x := float64(i)
		sumX += x
		sumY += s.Global
		sumXY += x * s.Global
		sumXX += x * x
	}
	fn := float64(n)
	slope := (fn*sumXY - sumX*sumY) / (fn*sumXX - sumX*sumX)
	switch {
	case slope > eps:
		return TrendRising
	case slope < -eps:
		return TrendFalling
	}
	return TrendStable
}

// #endregion trend

// #region snapshot

// Snapshot is the serializable state of a Manager.
type Snapshot struct {
	Samples   []Sample `json:"samples"`
	Global    float64  `json:"global"`
	IdleTicks int      `json:"idle_ticks"`
}

// Snapshot copies the manager state.
func (m *Manager) Snapshot() Snapshot {
	return Snapshot{Samples: m.ring.Values(), Global: m.global, IdleTicks: m.idleTicks}
}

// Restore replaces the manager state with s. Samples beyond the ring
// capacity are an error rather than silently dropped.
func (m *Manager) Restore(s Snapshot) error {
	if len(s.Samples) > m.ring.Cap() {
		return fmt.Errorf("restore tension: %d samples exceed ring size %d", len(s.Samples), m.ring.Cap())
	}
	r := NewRing(m.ring.Cap())
	for _, smp := range s.Samples {
		r.Push(smp)
	}
	m.ring = r
	m.global = s.Global
	m.idleTicks = s.IdleTicks
	return nil
}

// #endregion snapshot
