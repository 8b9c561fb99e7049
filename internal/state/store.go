package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNoSnapshot is returned when a session has never committed a version.
var ErrNoSnapshot = errors.New("no snapshot")

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS snapshot_versions (
	version_id    TEXT PRIMARY KEY,
	parent_id     TEXT,
	session_id    TEXT NOT NULL,
	tick          INTEGER NOT NULL,
	game_time     TEXT NOT NULL,
	payload_json  TEXT NOT NULL,
	eval_json     TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES snapshot_versions(version_id)
);

CREATE INDEX IF NOT EXISTS idx_snapshot_versions_session
	ON snapshot_versions(session_id, created_at);

CREATE TABLE IF NOT EXISTS tick_journal (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL,
	tick          INTEGER NOT NULL,
	game_time     TEXT NOT NULL,
	context_json  TEXT NOT NULL,
	effects_json  TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	reason        TEXT,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tick_journal_session
	ON tick_journal(session_id, id);

CREATE TABLE IF NOT EXISTS active_snapshot (
	session_id    TEXT PRIMARY KEY,
	version_id    TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES snapshot_versions(version_id)
);
`

// #endregion schema

// #region store-struct
// Store manages versioned session snapshots in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	return NewStoreWithDB(db)
}

// NewStoreWithDB runs migrations on an already open database.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB so the tick journal can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion close

// #region commit
// Commit inserts a new version for rec.SessionID and moves the session's
// active pointer to it. The parent is the previously active version.
// VersionID and CreatedAt are filled when empty.
func (s *Store) Commit(rec SnapshotRecord) (SnapshotRecord, error) {
	if rec.SessionID == "" {
		return SnapshotRecord{}, fmt.Errorf("commit: empty session id")
	}
	if rec.VersionID == "" {
		rec.VersionID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var parent sql.NullString
	err = tx.QueryRow(`SELECT version_id FROM active_snapshot WHERE session_id = ?`, rec.SessionID).Scan(&parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, fmt.Errorf("get active: %w", err)
	}
	rec.ParentID = parent.String

	var parentPtr, evalPtr interface{}
	if rec.ParentID != "" {
		parentPtr = rec.ParentID
	}
	if rec.EvalJSON != "" {
		evalPtr = rec.EvalJSON
	}

	_, err = tx.Exec(
		`INSERT INTO snapshot_versions (version_id, parent_id, session_id, tick, game_time, payload_json, eval_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.VersionID, parentPtr, rec.SessionID, rec.Tick,
		rec.GameTime.UTC().Format(timeLayout), string(payload), evalPtr,
		rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("insert version: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO active_snapshot (session_id, version_id) VALUES (?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET version_id = excluded.version_id`,
		rec.SessionID, rec.VersionID,
	)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("set active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SnapshotRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// #endregion commit

// #region get-current
// GetCurrent reads the active version for a session.
func (s *Store) GetCurrent(sessionID string) (SnapshotRecord, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM active_snapshot WHERE session_id = ?`, sessionID).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, fmt.Errorf("session %s: %w", sessionID, ErrNoSnapshot)
	}
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("get active: %w", err)
	}
	return s.GetVersion(versionID)
}

// #endregion get-current

// #region get-version
const selectColumns = `SELECT version_id, parent_id, session_id, tick, game_time, payload_json, eval_json, created_at
	FROM snapshot_versions`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (SnapshotRecord, error) {
	var rec SnapshotRecord
	var parentID, evalJSON sql.NullString
	var gameStr, createdStr, payload string

	if err := row.Scan(&rec.VersionID, &parentID, &rec.SessionID, &rec.Tick, &gameStr, &payload, &evalJSON, &createdStr); err != nil {
		return SnapshotRecord{}, err
	}
	rec.ParentID = parentID.String
	rec.EvalJSON = evalJSON.String
	rec.GameTime, _ = time.Parse(timeLayout, gameStr)
	rec.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return SnapshotRecord{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return rec, nil
}

// GetVersion retrieves a specific version by ID.
func (s *Store) GetVersion(id string) (SnapshotRecord, error) {
	rec, err := scanRecord(s.db.QueryRow(selectColumns+` WHERE version_id = ?`, id))
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("get version %s: %w", id, err)
	}
	return rec, nil
}

// #endregion get-version

// #region rollback
// Rollback points the session at an earlier version. Later versions are kept.
func (s *Store) Rollback(sessionID, targetVersionID string) error {
	var owner string
	err := s.db.QueryRow(
		`SELECT session_id FROM snapshot_versions WHERE version_id = ?`, targetVersionID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("version %s not found", targetVersionID)
	}
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if owner != sessionID {
		return fmt.Errorf("version %s belongs to session %s", targetVersionID, owner)
	}

	_, err = s.db.Exec(`UPDATE active_snapshot SET version_id = ? WHERE session_id = ?`, targetVersionID, sessionID)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// #endregion rollback

// #region list-versions

// ListVersions returns the most recent versions of a session, newest first.
// A limit of zero or less returns all of them.
func (s *Store) ListVersions(sessionID string, limit int) ([]SnapshotRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		selectColumns+` WHERE session_id = ? ORDER BY created_at DESC, tick DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var records []SnapshotRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion list-versions
