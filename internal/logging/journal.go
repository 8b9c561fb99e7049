package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/orchestrator"
)

// timeLayout matches the snapshot store so journal rows sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// #region new-entry
// NewTickEntry serializes one tick. advanced reports whether the orchestrator's
// tick counter moved; a tick that did not advance was skipped.
func NewTickEntry(sessionID string, tick int, advanced bool, tc orchestrator.TickContext, effects []orchestrator.NarrativeEffect) (TickEntry, error) {
	ctxJSON, err := json.Marshal(tc)
	if err != nil {
		return TickEntry{}, fmt.Errorf("marshal tick context: %w", err)
	}
	if effects == nil {
		effects = []orchestrator.NarrativeEffect{}
	}
	effJSON, err := json.Marshal(effects)
	if err != nil {
		return TickEntry{}, fmt.Errorf("marshal effects: %w", err)
	}

	entry := TickEntry{
		SessionID:   sessionID,
		Tick:        tick,
		GameTime:    tc.GameTime,
		ContextJSON: string(ctxJSON),
		EffectsJSON: string(effJSON),
		Outcome:     OutcomeOK,
	}
	for _, e := range effects {
		if e.Kind == orchestrator.EffectError {
			entry.Outcome = OutcomeError
			entry.Reason = e.Payload["error"]
			break
		}
	}
	if !advanced {
		entry.Outcome = OutcomeSkipped
	}
	return entry, nil
}

// #endregion new-entry

// #region log-tick
// LogTick writes a tick entry to the tick_journal table.
func LogTick(db *sql.DB, entry TickEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO tick_journal (session_id, tick, game_time, context_json, effects_json, outcome, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID,
		entry.Tick,
		entry.GameTime.UTC().Format(timeLayout),
		entry.ContextJSON,
		entry.EffectsJSON,
		string(entry.Outcome),
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("log tick: %w", err)
	}
	return nil
}

// #endregion log-tick

// #region list-ticks
// ListTicks returns a session's journal in write order. limit <= 0 returns all rows.
func ListTicks(db *sql.DB, sessionID string, limit int) ([]TickEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(
		`SELECT id, session_id, tick, game_time, context_json, effects_json, outcome, reason, created_at
		 FROM tick_journal WHERE session_id = ? ORDER BY id ASC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list ticks: %w", err)
	}
	defer rows.Close()

	var entries []TickEntry
	for rows.Next() {
		var e TickEntry
		var outcome, gameStr, createdStr string
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Tick, &gameStr, &e.ContextJSON, &e.EffectsJSON, &outcome, &reason, &createdStr); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		e.Outcome = Outcome(outcome)
		e.Reason = reason.String
		e.GameTime, _ = time.Parse(timeLayout, gameStr)
		e.CreatedAt, _ = time.Parse(timeLayout, createdStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Decode unmarshals the stored context and effects.
func (e TickEntry) Decode() (orchestrator.TickContext, []orchestrator.NarrativeEffect, error) {
	var tc orchestrator.TickContext
	if err := json.Unmarshal([]byte(e.ContextJSON), &tc); err != nil {
		return tc, nil, fmt.Errorf("decode tick %d context: %w", e.Tick, err)
	}
	var effects []orchestrator.NarrativeEffect
	if err := json.Unmarshal([]byte(e.EffectsJSON), &effects); err != nil {
		return tc, nil, fmt.Errorf("decode tick %d effects: %w", e.Tick, err)
	}
	return tc, effects, nil
}

// #endregion list-ticks

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
