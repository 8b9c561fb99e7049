package logging

import "time"

// #region outcome
// Outcome summarizes how a tick ended.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeSkipped Outcome = "skipped" // context rejected, state untouched
	OutcomeError   Outcome = "error"   // tick ran but reported at least one error effect
)

// #endregion outcome

// #region tick-entry
// TickEntry is a single row in the tick_journal table. ContextJSON and
// EffectsJSON hold the exact input and output of the tick so it can be replayed.
type TickEntry struct {
	ID          int64
	SessionID   string
	Tick        int
	GameTime    time.Time
	ContextJSON string
	EffectsJSON string
	Outcome     Outcome
	Reason      string
	CreatedAt   time.Time
}

// #endregion tick-entry
