package pingline

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the app data dir.
const DefaultDBFileName = "pingline.db"

var stateMigrations = []string{
	`
CREATE TABLE IF NOT EXISTS credentials (
  id            INTEGER PRIMARY KEY CHECK (id = 1),
  access_token  TEXT NOT NULL,
  refresh_token TEXT NOT NULL,
  expires_at    INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS unread_counts (
  peer_id TEXT PRIMARY KEY,
  count   INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE TABLE IF NOT EXISTS seen_keys (
  id  INTEGER PRIMARY KEY AUTOINCREMENT,
  key TEXT NOT NULL UNIQUE
);
`,
	`
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`,
}

// StateStore persists the client's local state across restarts: the
// session credential, per-peer unread counts, the bounded seen-key set
// and preferences. It is read at startup and written through on every
// mutation.
type StateStore struct {
	db *sql.DB
}

// OpenStore opens (or creates) pingline.db under the given data
// directory and runs migrations.
func OpenStore(dataDir string) (*StateStore, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create state directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenStorePath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenStorePath opens SQLite at an explicit path and runs migrations.
func OpenStorePath(dbPath string) (*StateStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &StateStore{db: db}
	if err := s.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the SQLite connection.
func (s *StateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *StateStore) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") && !strings.EqualFold(journalMode, "memory") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *StateStore) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(stateMigrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(stateMigrations); i++ {
		if _, err := tx.Exec(stateMigrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

// ── Credential ───────────────────────────────────────────

// SaveCredential stores the session credential (single row).
func (s *StateStore) SaveCredential(cred Credential) error {
	var expires int64
	if !cred.ExpiresAt.IsZero() {
		expires = cred.ExpiresAt.Unix()
	}
	_, err := s.db.Exec(
		`INSERT INTO credentials (id, access_token, refresh_token, expires_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  access_token = excluded.access_token,
		  refresh_token = excluded.refresh_token,
		  expires_at = excluded.expires_at`,
		cred.AccessToken, cred.RefreshToken, expires,
	)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// LoadCredential returns the stored credential, or a zero credential
// when none is stored.
func (s *StateStore) LoadCredential() (Credential, error) {
	var cred Credential
	var expires int64
	err := s.db.QueryRow(
		`SELECT access_token, refresh_token, expires_at FROM credentials WHERE id = 1`,
	).Scan(&cred.AccessToken, &cred.RefreshToken, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, nil
	}
	if err != nil {
		return Credential{}, fmt.Errorf("load credential: %w", err)
	}
	if expires > 0 {
		cred.ExpiresAt = time.Unix(expires, 0)
	}
	return cred, nil
}

// ClearCredential removes the stored credential.
func (s *StateStore) ClearCredential() error {
	if _, err := s.db.Exec(`DELETE FROM credentials WHERE id = 1`); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// ── Unread counts ────────────────────────────────────────

// SetUnread stores a peer's unread count; zero rows are deleted.
func (s *StateStore) SetUnread(peerID string, count int) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	if count <= 0 {
		if _, err := s.db.Exec(`DELETE FROM unread_counts WHERE peer_id = ?`, peerID); err != nil {
			return fmt.Errorf("reset unread count for %q: %w", peerID, err)
		}
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO unread_counts (peer_id, count) VALUES (?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET count = excluded.count`,
		peerID, count,
	)
	if err != nil {
		return fmt.Errorf("save unread count for %q: %w", peerID, err)
	}
	return nil
}

// UnreadCounts returns all stored per-peer counts.
func (s *StateStore) UnreadCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT peer_id, count FROM unread_counts`)
	if err != nil {
		return nil, fmt.Errorf("load unread counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var peerID string
		var count int
		if err := rows.Scan(&peerID, &count); err != nil {
			return nil, fmt.Errorf("scan unread count: %w", err)
		}
		counts[peerID] = count
	}
	return counts, rows.Err()
}

// ── Seen keys ────────────────────────────────────────────

// AddSeenKey records a message dedup key.
func (s *StateStore) AddSeenKey(key string) error {
	if key == "" {
		return errors.New("key is required")
	}
	if _, err := s.db.Exec(
		`INSERT INTO seen_keys (key) VALUES (?) ON CONFLICT(key) DO NOTHING`, key,
	); err != nil {
		return fmt.Errorf("insert seen key: %w", err)
	}
	return nil
}

// SeenKeys returns up to limit of the most recently added keys, oldest
// first, so replaying them into the in-memory set preserves insertion
// order.
func (s *StateStore) SeenKeys(limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT key FROM (
		   SELECT id, key FROM seen_keys ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load seen keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan seen key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TrimSeenKeys deletes all but the most recently added keep keys.
func (s *StateStore) TrimSeenKeys(keep int) error {
	_, err := s.db.Exec(
		`DELETE FROM seen_keys WHERE id NOT IN (
		   SELECT id FROM seen_keys ORDER BY id DESC LIMIT ?
		 )`, keep,
	)
	if err != nil {
		return fmt.Errorf("trim seen keys: %w", err)
	}
	return nil
}

// ── Settings ─────────────────────────────────────────────

// Setting returns a stored preference value, or "" when unset.
func (s *StateStore) Setting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting stores a preference value.
func (s *StateStore) SetSetting(key, value string) error {
	if key == "" {
		return errors.New("key is required")
	}
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("save setting %q: %w", key, err)
	}
	return nil
}
