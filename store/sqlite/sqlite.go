/*
Package sqlite provides a SQLite-backed implementation of service.Store.

PURPOSE:
  Persists one snapshot row per subject scope, an append-only history of
  prior snapshots, and the set of processed message ids. Used for
  single-node deployments and local development; see store/postgres for
  the multi-process production store.

KEY TABLES:
  ledger_scope:      Current snapshot per (subject_id, relationship_id)
  ledger_history:    Prior snapshots, removed only with their scope
  processed_message: Message ids already applied, with the raw payload

CONCURRENCY:
  The pool is limited to one connection and every transaction starts with
  BEGIN IMMEDIATE (_txlock=immediate), so writers are serialized
  database-wide. That is coarser than the per-scope lock the service needs
  and therefore satisfies it. Unlocked reads share the same connection.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash recovery
  and so that external readers don't block the writer.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := service.New(store)

MIGRATION:
  Schema is auto-migrated on New(). Migrate is idempotent and also exposed
  for the migrate command.

SEE ALSO:
  - service/store.go: Interface definitions
  - service/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/case-ledger/ledger"
	"github.com/warp/case-ledger/service"
)

const timeLayout = time.RFC3339Nano

// Store implements service.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	// An in-memory database lives only as long as its connection.
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	store := &Store{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	-- Current snapshot per scope. The row doubles as the scope's lock target.
	CREATE TABLE IF NOT EXISTS ledger_scope (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject_id TEXT NOT NULL,
		relationship_id TEXT NOT NULL,
		data TEXT,
		source_id TEXT,
		message_id TEXT,
		updated_at TEXT,
		UNIQUE(subject_id, relationship_id)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_scope_subject
		ON ledger_scope(subject_id);

	-- Prior snapshots (append-only audit trail)
	CREATE TABLE IF NOT EXISTS ledger_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scope_id INTEGER NOT NULL REFERENCES ledger_scope(id) ON DELETE CASCADE,
		source_id TEXT,
		message_id TEXT,
		data TEXT NOT NULL,
		written_at TEXT,
		archived_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_history_scope
		ON ledger_history(scope_id, id);

	-- Processed messages (idempotency)
	CREATE TABLE IF NOT EXISTS processed_message (
		message_id TEXT PRIMARY KEY,
		payload TEXT,
		processed_at TEXT NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// SCOPED TRANSACTIONS
// =============================================================================

// WithScope executes fn within a transaction on the scope's row.
func (s *Store) WithScope(ctx context.Context, scope service.Scope, fn func(service.ScopeTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scope tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_scope (subject_id, relationship_id) VALUES (?, ?)
		ON CONFLICT (subject_id, relationship_id) DO NOTHING`,
		scope.SubjectID, scope.RelationshipID,
	); err != nil {
		return fmt.Errorf("ensure scope row: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM ledger_scope WHERE subject_id = ? AND relationship_id = ?`,
		scope.SubjectID, scope.RelationshipID,
	).Scan(&id); err != nil {
		return fmt.Errorf("select scope row: %w", err)
	}

	if err := fn(&scopeTx{tx: tx, scopeID: id}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scope tx: %w", err)
	}
	return nil
}

type scopeTx struct {
	tx      *sql.Tx
	scopeID int64
}

func (st *scopeTx) MessageProcessed(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := st.tx.QueryRowContext(ctx,
		`SELECT 1 FROM processed_message WHERE message_id = ?`, messageID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check processed message: %w", err)
	}
	return true, nil
}

func (st *scopeTx) Snapshot(ctx context.Context) (service.Snapshot, bool, error) {
	row := st.tx.QueryRowContext(ctx,
		`SELECT data, source_id, message_id, updated_at FROM ledger_scope WHERE id = ?`, st.scopeID)
	return scanSnapshot(row)
}

func (st *scopeTx) ArchiveSnapshot(ctx context.Context, archivedAt time.Time) error {
	_, err := st.tx.ExecContext(ctx, `
		INSERT INTO ledger_history (scope_id, source_id, message_id, data, written_at, archived_at)
		SELECT id, source_id, message_id, data, updated_at, ?
		FROM ledger_scope WHERE id = ? AND data IS NOT NULL`,
		formatTime(archivedAt), st.scopeID,
	)
	if err != nil {
		return fmt.Errorf("archive snapshot: %w", err)
	}
	return nil
}

func (st *scopeTx) SaveSnapshot(ctx context.Context, snap service.Snapshot) error {
	_, err := st.tx.ExecContext(ctx, `
		UPDATE ledger_scope SET data = ?, source_id = ?, message_id = ?, updated_at = ?
		WHERE id = ?`,
		string(snap.Data), nullString(string(snap.SourceID)), nullString(snap.MessageID),
		formatTime(snap.UpdatedAt), st.scopeID,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (st *scopeTx) RecordMessage(ctx context.Context, msg service.Message, processedAt time.Time) error {
	_, err := st.tx.ExecContext(ctx,
		`INSERT INTO processed_message (message_id, payload, processed_at) VALUES (?, ?, ?)`,
		msg.ID, string(msg.Payload), formatTime(processedAt),
	)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

// =============================================================================
// UNLOCKED READS
// =============================================================================

func (s *Store) Load(ctx context.Context, scope service.Scope) (service.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data, source_id, message_id, updated_at FROM ledger_scope
		WHERE subject_id = ? AND relationship_id = ?`,
		scope.SubjectID, scope.RelationshipID,
	)
	snap, found, err := scanSnapshot(row)
	if err != nil {
		return service.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, found, nil
}

func (s *Store) LoadSubject(ctx context.Context, subjectID string) ([]service.StoredSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT relationship_id, data, source_id, message_id, updated_at FROM ledger_scope
		WHERE subject_id = ? AND data IS NOT NULL
		ORDER BY relationship_id`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w", err)
	}
	defer rows.Close()

	var out []service.StoredSnapshot
	for rows.Next() {
		var (
			relationshipID       string
			data                 []byte
			source, msg, updated sql.NullString
		)
		if err := rows.Scan(&relationshipID, &data, &source, &msg, &updated); err != nil {
			return nil, fmt.Errorf("scan subject snapshot: %w", err)
		}
		snap, err := buildSnapshot(data, source, msg, updated)
		if err != nil {
			return nil, err
		}
		out = append(out, service.StoredSnapshot{
			Scope:    service.Scope{SubjectID: subjectID, RelationshipID: relationshipID},
			Snapshot: snap,
		})
	}
	return out, rows.Err()
}

func (s *Store) History(ctx context.Context, scope service.Scope) ([]service.ArchivedSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.data, h.source_id, h.message_id, h.written_at, h.archived_at
		FROM ledger_history h
		JOIN ledger_scope s ON s.id = h.scope_id
		WHERE s.subject_id = ? AND s.relationship_id = ?
		ORDER BY h.id`,
		scope.SubjectID, scope.RelationshipID,
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []service.ArchivedSnapshot
	for rows.Next() {
		var (
			data                 []byte
			source, msg, written sql.NullString
			archived             string
		)
		if err := rows.Scan(&data, &source, &msg, &written, &archived); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		snap, err := buildSnapshot(data, source, msg, written)
		if err != nil {
			return nil, err
		}
		archivedAt, err := parseTime(archived)
		if err != nil {
			return nil, err
		}
		out = append(out, service.ArchivedSnapshot{Snapshot: snap, ArchivedAt: archivedAt})
	}
	return out, rows.Err()
}

// =============================================================================
// DELETION
// =============================================================================

// DeleteScope removes the scope row; history follows via ON DELETE CASCADE.
func (s *Store) DeleteScope(ctx context.Context, scope service.Scope) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ledger_scope WHERE subject_id = ? AND relationship_id = ?`,
		scope.SubjectID, scope.RelationshipID,
	)
	if err != nil {
		return fmt.Errorf("delete scope: %w", err)
	}
	return nil
}

func (s *Store) DeleteSubject(ctx context.Context, subjectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ledger_scope WHERE subject_id = ?`, subjectID); err != nil {
		return fmt.Errorf("delete subject: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (service.Snapshot, bool, error) {
	var (
		data                 []byte
		source, msg, updated sql.NullString
	)
	err := row.Scan(&data, &source, &msg, &updated)
	if err == sql.ErrNoRows {
		return service.Snapshot{}, false, nil
	}
	if err != nil {
		return service.Snapshot{}, false, fmt.Errorf("scan snapshot: %w", err)
	}
	if data == nil {
		return service.Snapshot{}, false, nil
	}
	snap, err := buildSnapshot(data, source, msg, updated)
	if err != nil {
		return service.Snapshot{}, false, err
	}
	return snap, true, nil
}

func buildSnapshot(data []byte, source, msg, updated sql.NullString) (service.Snapshot, error) {
	snap := service.Snapshot{
		Data:      data,
		SourceID:  ledger.SourceID(source.String),
		MessageID: msg.String,
	}
	if updated.Valid {
		t, err := parseTime(updated.String)
		if err != nil {
			return service.Snapshot{}, err
		}
		snap.UpdatedAt = t
	}
	return snap, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
