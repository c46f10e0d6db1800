/*
store.go - Persistence contract for the ledger service

PURPOSE:
  The service owns the protocol (dedup, load, apply, archive, save, record);
  a Store only provides a locked, transactional view of one scope plus a few
  unlocked reads and deletes.

LOCKING CONTRACT:
  WithScope must hold an exclusive lock on the scope from before the first
  ScopeTx call until fn returns and the transaction ends. Two WithScope calls
  for the same scope never overlap; calls for different scopes may.

  If fn returns an error, every write made through the ScopeTx is discarded.

SNAPSHOTS:
  A scope holds at most one current snapshot (the encoded ledger document).
  ArchiveSnapshot copies the current snapshot into the scope's history before
  it is overwritten. History is append-only; it is removed only together with
  its scope.

IMPLEMENTATIONS:
  - service/store/memory.go: In-memory, for tests and development
  - store/sqlite: SQLite (single connection, BEGIN IMMEDIATE)
  - store/postgres: PostgreSQL (SELECT ... FOR UPDATE on the scope row)
*/
package service

import (
	"context"
	"time"

	"github.com/warp/case-ledger/ledger"
)

// Snapshot is the persisted form of one scope's ledger.
type Snapshot struct {
	Data      []byte
	SourceID  ledger.SourceID
	MessageID string
	UpdatedAt time.Time
}

// StoredSnapshot pairs a snapshot with the scope it belongs to.
type StoredSnapshot struct {
	Scope    Scope
	Snapshot Snapshot
}

// ArchivedSnapshot is one history entry as persisted.
type ArchivedSnapshot struct {
	Snapshot   Snapshot
	ArchivedAt time.Time
}

// Store persists ledgers per scope.
type Store interface {
	// WithScope runs fn in a transaction holding the scope's exclusive lock.
	// The transaction commits if fn returns nil and rolls back otherwise.
	WithScope(ctx context.Context, scope Scope, fn func(ScopeTx) error) error

	// Load returns the current snapshot without taking the scope lock.
	Load(ctx context.Context, scope Scope) (Snapshot, bool, error)

	// LoadSubject returns the current snapshot of every scope of a subject,
	// ordered by relationship id.
	LoadSubject(ctx context.Context, subjectID string) ([]StoredSnapshot, error)

	// History returns the archived snapshots of a scope, oldest first.
	History(ctx context.Context, scope Scope) ([]ArchivedSnapshot, error)

	// DeleteScope removes a scope's snapshot and history. Deleting an unknown
	// scope is not an error.
	DeleteScope(ctx context.Context, scope Scope) error

	// DeleteSubject removes every scope of a subject.
	DeleteSubject(ctx context.Context, subjectID string) error
}

// ScopeTx is the locked, transactional view of one scope.
type ScopeTx interface {
	// MessageProcessed reports whether a message id was already recorded.
	MessageProcessed(ctx context.Context, messageID string) (bool, error)

	// Snapshot returns the scope's current snapshot, if any.
	Snapshot(ctx context.Context) (Snapshot, bool, error)

	// ArchiveSnapshot copies the current snapshot into history. A scope
	// without a snapshot archives nothing.
	ArchiveSnapshot(ctx context.Context, archivedAt time.Time) error

	// SaveSnapshot replaces the current snapshot.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// RecordMessage marks a message as processed.
	RecordMessage(ctx context.Context, msg Message, processedAt time.Time) error
}
