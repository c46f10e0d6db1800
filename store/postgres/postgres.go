/*
Package postgres provides a PostgreSQL-backed implementation of service.Store.

PURPOSE:
  The production store. Several processes may serve the same subjects; the
  scope lock must therefore live in the database.

LOCKING:
  WithScope runs, inside one transaction:
    INSERT INTO ledger_scope ... ON CONFLICT DO NOTHING   (row exists)
    SELECT id FROM ledger_scope ... FOR UPDATE            (row locked)
  The row lock is held until commit or rollback. Writers on other scopes
  never wait; writers on the same scope queue behind the lock.

  Message ids are unique across scopes. Two scopes recording the same id
  concurrently conflict on processed_message's primary key; the loser fails
  and its redelivery is then reported as already processed.

KEY TABLES:
  ledger_scope:      Current snapshot per (subject_id, relationship_id)
  ledger_history:    Prior snapshots, ON DELETE CASCADE with their scope
  processed_message: Message ids already applied

SEE ALSO:
  - store/sqlite: Same schema for single-node deployments
  - service/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/warp/case-ledger/ledger"
	"github.com/warp/case-ledger/service"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_scope (
	id BIGSERIAL PRIMARY KEY,
	subject_id TEXT NOT NULL,
	relationship_id TEXT NOT NULL,
	data JSONB,
	source_id TEXT,
	message_id TEXT,
	updated_at TIMESTAMPTZ,
	UNIQUE (subject_id, relationship_id)
);

CREATE INDEX IF NOT EXISTS idx_ledger_scope_subject ON ledger_scope (subject_id);

CREATE TABLE IF NOT EXISTS ledger_history (
	id BIGSERIAL PRIMARY KEY,
	scope_id BIGINT NOT NULL REFERENCES ledger_scope (id) ON DELETE CASCADE,
	source_id TEXT,
	message_id TEXT,
	data JSONB NOT NULL,
	written_at TIMESTAMPTZ,
	archived_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_history_scope ON ledger_history (scope_id, id);

CREATE TABLE IF NOT EXISTS processed_message (
	message_id TEXT PRIMARY KEY,
	payload TEXT,
	processed_at TIMESTAMPTZ NOT NULL
);
`

// Store persists ledgers in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	st := New(db)
	if err := st.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// New wraps an existing connection pool. The schema is not touched.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

// WithScope runs fn in a transaction holding the scope row lock.
func (s *Store) WithScope(ctx context.Context, scope service.Scope, fn func(service.ScopeTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scope tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_scope (subject_id, relationship_id) VALUES ($1, $2)
		ON CONFLICT (subject_id, relationship_id) DO NOTHING`,
		scope.SubjectID, scope.RelationshipID,
	); err != nil {
		return fmt.Errorf("ensure scope row: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `
		SELECT id FROM ledger_scope
		WHERE subject_id = $1 AND relationship_id = $2
		FOR UPDATE`,
		scope.SubjectID, scope.RelationshipID,
	).Scan(&id); err != nil {
		return fmt.Errorf("lock scope row: %w", err)
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
	var exists bool
	if err := st.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_message WHERE message_id = $1)`, messageID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check processed message: %w", err)
	}
	return exists, nil
}

func (st *scopeTx) Snapshot(ctx context.Context) (service.Snapshot, bool, error) {
	return scanSnapshot(st.tx.QueryRowContext(ctx,
		`SELECT data, source_id, message_id, updated_at FROM ledger_scope WHERE id = $1`, st.scopeID))
}

func (st *scopeTx) ArchiveSnapshot(ctx context.Context, archivedAt time.Time) error {
	if _, err := st.tx.ExecContext(ctx, `
		INSERT INTO ledger_history (scope_id, source_id, message_id, data, written_at, archived_at)
		SELECT id, source_id, message_id, data, updated_at, $2
		FROM ledger_scope WHERE id = $1 AND data IS NOT NULL`,
		st.scopeID, archivedAt,
	); err != nil {
		return fmt.Errorf("archive snapshot: %w", err)
	}
	return nil
}

func (st *scopeTx) SaveSnapshot(ctx context.Context, snap service.Snapshot) error {
	if _, err := st.tx.ExecContext(ctx, `
		UPDATE ledger_scope SET data = $1, source_id = $2, message_id = $3, updated_at = $4
		WHERE id = $5`,
		string(snap.Data), nullString(string(snap.SourceID)), nullString(snap.MessageID), snap.UpdatedAt, st.scopeID,
	); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (st *scopeTx) RecordMessage(ctx context.Context, msg service.Message, processedAt time.Time) error {
	if _, err := st.tx.ExecContext(ctx,
		`INSERT INTO processed_message (message_id, payload, processed_at) VALUES ($1, $2, $3)`,
		msg.ID, string(msg.Payload), processedAt,
	); err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

// =============================================================================
// UNLOCKED READS AND DELETES
// =============================================================================

func (s *Store) Load(ctx context.Context, scope service.Scope) (service.Snapshot, bool, error) {
	snap, found, err := scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT data, source_id, message_id, updated_at FROM ledger_scope
		WHERE subject_id = $1 AND relationship_id = $2`,
		scope.SubjectID, scope.RelationshipID,
	))
	if err != nil {
		return service.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, found, nil
}

func (s *Store) LoadSubject(ctx context.Context, subjectID string) ([]service.StoredSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT relationship_id, data, source_id, message_id, updated_at FROM ledger_scope
		WHERE subject_id = $1 AND data IS NOT NULL
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
			relationshipID string
			data           []byte
			source, msg    sql.NullString
			updated        sql.NullTime
		)
		if err := rows.Scan(&relationshipID, &data, &source, &msg, &updated); err != nil {
			return nil, fmt.Errorf("scan subject snapshot: %w", err)
		}
		out = append(out, service.StoredSnapshot{
			Scope:    service.Scope{SubjectID: subjectID, RelationshipID: relationshipID},
			Snapshot: buildSnapshot(data, source, msg, updated),
		})
	}
	return out, rows.Err()
}

func (s *Store) History(ctx context.Context, scope service.Scope) ([]service.ArchivedSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.data, h.source_id, h.message_id, h.written_at, h.archived_at
		FROM ledger_history h
		JOIN ledger_scope s ON s.id = h.scope_id
		WHERE s.subject_id = $1 AND s.relationship_id = $2
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
			data        []byte
			source, msg sql.NullString
			written     sql.NullTime
			archived    time.Time
		)
		if err := rows.Scan(&data, &source, &msg, &written, &archived); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, service.ArchivedSnapshot{
			Snapshot:   buildSnapshot(data, source, msg, written),
			ArchivedAt: archived,
		})
	}
	return out, rows.Err()
}

func (s *Store) DeleteScope(ctx context.Context, scope service.Scope) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM ledger_scope WHERE subject_id = $1 AND relationship_id = $2`,
		scope.SubjectID, scope.RelationshipID,
	); err != nil {
		return fmt.Errorf("delete scope: %w", err)
	}
	return nil
}

func (s *Store) DeleteSubject(ctx context.Context, subjectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ledger_scope WHERE subject_id = $1`, subjectID); err != nil {
		return fmt.Errorf("delete subject: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (service.Snapshot, bool, error) {
	var (
		data        []byte
		source, msg sql.NullString
		updated     sql.NullTime
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
	return buildSnapshot(data, source, msg, updated), true, nil
}

func buildSnapshot(data []byte, source, msg sql.NullString, updated sql.NullTime) service.Snapshot {
	return service.Snapshot{
		Data:      data,
		SourceID:  ledger.SourceID(source.String),
		MessageID: msg.String,
		UpdatedAt: updated.Time,
	}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
