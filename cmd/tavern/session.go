package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/config"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/eval"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/logging"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/narration"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/orchestrator"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/state"
)

// #region session

// session owns one running tavern: the orchestrator plus everything around
// it that persists, journals, and narrates.
type session struct {
	cfg    config.Config
	base   *zap.Logger
	log    *zap.Logger
	out    io.Writer
	orch   *orchestrator.Orchestrator
	store  *state.Store
	mirror *state.RedisMirror
	pool   *narration.Pool
	evals  *eval.EvalHarness

	clock   time.Time
	present map[string]bool
	seeds   []orchestrator.InputEvent

	mu       sync.Mutex
	narrated []orchestrator.NarrationResult
	inflight sync.WaitGroup
}

// openSession restores the active snapshot for the configured session or starts fresh at start.
func openSession(ctx context.Context, c config.Config, log *zap.Logger, store *state.Store, narrator narration.Narrator, start time.Time, out io.Writer) (*session, error) {
	s := &session{
		cfg:     c,
		base:    log,
		log:     log.Named("session"),
		out:     out,
		store:   store,
		present: map[string]bool{},
		clock:   start,
	}
	oc := c.Narrative.OrchestratorConfig()
	s.evals = eval.NewEvalHarness(evalConfig(c))

	rec, err := store.GetCurrent(c.Narrative.SessionID)
	switch {
	case errors.Is(err, state.ErrNoSnapshot):
		s.orch = orchestrator.New(oc, orchestrator.WithLogger(log))
	case err != nil:
		return nil, err
	default:
		s.orch, err = orchestrator.Restore(oc, rec.Payload, orchestrator.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", rec.VersionID, err)
		}
		s.clock = rec.GameTime
		s.log.Info("session restored", zap.String("version", rec.VersionID), zap.Int("tick", rec.Tick))
	}

	if c.Storage.RedisAddr != "" {
		s.mirror, err = state.NewRedisMirror(ctx, state.RedisConfig{
			Addr:     c.Storage.RedisAddr,
			Password: c.Storage.RedisPassword,
			DB:       c.Storage.RedisDB,
			TTL:      time.Duration(c.Storage.MirrorTTLHours * float64(time.Hour)),
		})
		if err != nil {
			s.log.Warn("redis mirror disabled", zap.Error(err))
		}
	}

	if narrator != nil {
		s.pool = narration.NewPool(narrator, narration.PoolConfig{
			Concurrency: c.Narration.Concurrency,
			Timeout:     c.Narration.Timeout,
		}, narration.WithLogger(log))
	}
	return s, nil
}

func evalConfig(c config.Config) eval.EvalConfig {
	ec := eval.DefaultEvalConfig()
	ec.MaxActiveThreads = c.Narrative.MaxActiveThreads
	ec.MinClimaxSpacing = time.Duration(c.Narrative.MinClimaxSpacingHours * float64(time.Hour))
	return ec
}

// close waits for outstanding narration and releases the mirror.
func (s *session) close() {
	s.inflight.Wait()
	if s.mirror != nil {
		s.mirror.Close()
	}
}

// #endregion session

// #region tick

// tick advances game time by step and runs one orchestrator tick.
func (s *session) tick(ctx context.Context, step time.Duration) ([]orchestrator.NarrativeEffect, error) {
	s.clock = s.clock.Add(step)
	seeds, narrated := s.seeds, s.drainNarration()
	tc := orchestrator.TickContext{
		GameTime:      s.clock,
		PresentNPCIDs: s.presentIDs(),
		Events:        append(append([]orchestrator.InputEvent(nil), seeds...), narration.InputEvents(narrated)...),
	}
	s.seeds = nil

	before := s.orch.Tick()
	effects := s.orch.OrchestrateNarrative(tc)
	advanced := s.orch.Tick() != before
	if !advanced {
		// A rejected tick consumed nothing; keep its inputs for the next one.
		s.clock = s.clock.Add(-step)
		s.seeds = seeds
		s.mu.Lock()
		s.narrated = append(narrated, s.narrated...)
		s.mu.Unlock()
	}

	entry, err := logging.NewTickEntry(s.cfg.Narrative.SessionID, s.orch.Tick(), advanced, tc, effects)
	if err != nil {
		return effects, err
	}
	if err := logging.LogTick(s.store.DB(), entry); err != nil {
		return effects, err
	}

	if every := s.cfg.Storage.SnapshotEvery; advanced && every > 0 && s.orch.Tick()%every == 0 {
		if _, err := s.save(ctx); err != nil {
			return effects, err
		}
	}

	if s.pool != nil {
		if reqs := narration.RequestsFromEffects(effects); len(reqs) > 0 {
			s.inflight.Add(1)
			ch := s.pool.Start(ctx, reqs)
			go func() {
				defer s.inflight.Done()
				results := <-ch
				s.mu.Lock()
				s.narrated = append(s.narrated, results...)
				s.mu.Unlock()
			}()
		}
	}
	return effects, nil
}

func (s *session) drainNarration() []orchestrator.NarrationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.narrated
	s.narrated = nil
	return out
}

func (s *session) presentIDs() []string {
	ids := make([]string, 0, len(s.present))
	for id := range s.present {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// #endregion tick

// #region persistence

// save commits the current state as a new snapshot version.
func (s *session) save(ctx context.Context) (state.SnapshotRecord, error) {
	payload, err := s.orch.Export()
	if err != nil {
		return state.SnapshotRecord{}, err
	}
	result := s.evals.Run(s.orch.Snapshot())
	if !result.Passed {
		s.log.Warn("snapshot failed eval", zap.String("reason", result.Reason))
	}
	evalJSON, err := json.Marshal(result)
	if err != nil {
		return state.SnapshotRecord{}, fmt.Errorf("marshal eval: %w", err)
	}

	rec, err := s.store.Commit(state.SnapshotRecord{
		SessionID: s.cfg.Narrative.SessionID,
		Tick:      s.orch.Tick(),
		GameTime:  s.clock,
		Payload:   payload,
		EvalJSON:  string(evalJSON),
	})
	if err != nil {
		return state.SnapshotRecord{}, err
	}
	if s.mirror != nil {
		if err := s.mirror.Publish(ctx, rec); err != nil {
			s.log.Warn("mirror publish failed", zap.Error(err))
		}
	}
	s.log.Debug("snapshot committed", zap.String("version", rec.VersionID), zap.Int("tick", rec.Tick))
	return rec, nil
}

// rollback restores an earlier version and makes it active.
func (s *session) rollback(versionID string) error {
	rec, err := s.store.GetVersion(versionID)
	if err != nil {
		return err
	}
	orch, err := orchestrator.Restore(s.cfg.Narrative.OrchestratorConfig(), rec.Payload, orchestrator.WithLogger(s.base))
	if err != nil {
		return err
	}
	if err := s.store.Rollback(s.cfg.Narrative.SessionID, versionID); err != nil {
		return err
	}
	s.orch = orch
	s.clock = rec.GameTime
	return nil
}

// #endregion persistence
