package state

import "time"

// #region snapshot-record
// SnapshotRecord is one committed version of a session's narrative state.
// Payload is the orchestrator export: a plain nested key-value structure.
type SnapshotRecord struct {
	VersionID string         `json:"version_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	SessionID string         `json:"session_id"`
	Tick      int            `json:"tick"`
	GameTime  time.Time      `json:"game_time"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	EvalJSON  string         `json:"eval_json,omitempty"`
}

// #endregion snapshot-record

// #region redis-config
// RedisConfig locates the optional snapshot mirror.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration // zero keeps the mirror forever
}

// #endregion redis-config
