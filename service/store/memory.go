// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/case-ledger/service"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes operations per scope with a refcounted keyed lock; the
// store-level mutex only guards map access. Writes made inside WithScope are
// buffered and applied when fn returns nil, so a failed fn leaves no trace.
type Memory struct {
	mu        sync.Mutex
	snapshots map[service.Scope]service.Snapshot
	history   map[service.Scope][]service.ArchivedSnapshot
	messages  map[string]processedMessage
	locks     map[service.Scope]*scopeLock
}

type processedMessage struct {
	payload     []byte
	processedAt time.Time
}

type scopeLock struct {
	mu   sync.Mutex
	refs int
}

func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[service.Scope]service.Snapshot),
		history:   make(map[service.Scope][]service.ArchivedSnapshot),
		messages:  make(map[string]processedMessage),
		locks:     make(map[service.Scope]*scopeLock),
	}
}

// WithScope executes fn while holding the scope's lock.
func (m *Memory) WithScope(ctx context.Context, scope service.Scope, fn func(service.ScopeTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := m.lock(scope)
	defer unlock()

	view := &memoryTx{parent: m, scope: scope}
	if err := fn(view); err != nil {
		return err
	}
	m.commit(view)
	return nil
}

func (m *Memory) lock(scope service.Scope) func() {
	m.mu.Lock()
	l, ok := m.locks[scope]
	if !ok {
		l = &scopeLock{}
		m.locks[scope] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, scope)
		}
		m.mu.Unlock()
	}
}

func (m *Memory) commit(view *memoryTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[view.scope] = append(m.history[view.scope], view.archived...)
	if view.saved != nil {
		m.snapshots[view.scope] = *view.saved
	}
	for id, msg := range view.recorded {
		m.messages[id] = msg
	}
}

func (m *Memory) Load(_ context.Context, scope service.Scope) (service.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[scope]
	return copySnapshot(snap), ok, nil
}

func (m *Memory) LoadSubject(_ context.Context, subjectID string) ([]service.StoredSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []service.StoredSnapshot
	for scope, snap := range m.snapshots {
		if scope.SubjectID == subjectID {
			out = append(out, service.StoredSnapshot{Scope: scope, Snapshot: copySnapshot(snap)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Scope.RelationshipID < out[j].Scope.RelationshipID
	})
	return out, nil
}

func (m *Memory) History(_ context.Context, scope service.Scope) ([]service.ArchivedSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.history[scope]
	out := make([]service.ArchivedSnapshot, len(entries))
	for i, e := range entries {
		out[i] = service.ArchivedSnapshot{Snapshot: copySnapshot(e.Snapshot), ArchivedAt: e.ArchivedAt}
	}
	return out, nil
}

func (m *Memory) DeleteScope(_ context.Context, scope service.Scope) error {
	unlock := m.lock(scope)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, scope)
	delete(m.history, scope)
	return nil
}

func (m *Memory) DeleteSubject(ctx context.Context, subjectID string) error {
	m.mu.Lock()
	var scopes []service.Scope
	for scope := range m.snapshots {
		if scope.SubjectID == subjectID {
			scopes = append(scopes, scope)
		}
	}
	for scope := range m.history {
		if scope.SubjectID == subjectID {
			scopes = append(scopes, scope)
		}
	}
	m.mu.Unlock()

	for _, scope := range scopes {
		if err := m.DeleteScope(ctx, scope); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type memoryTx struct {
	parent   *Memory
	scope    service.Scope
	saved    *service.Snapshot
	archived []service.ArchivedSnapshot
	recorded map[string]processedMessage
}

func (tx *memoryTx) MessageProcessed(_ context.Context, messageID string) (bool, error) {
	if _, ok := tx.recorded[messageID]; ok {
		return true, nil
	}
	tx.parent.mu.Lock()
	defer tx.parent.mu.Unlock()
	_, ok := tx.parent.messages[messageID]
	return ok, nil
}

func (tx *memoryTx) Snapshot(_ context.Context) (service.Snapshot, bool, error) {
	if tx.saved != nil {
		return copySnapshot(*tx.saved), true, nil
	}
	tx.parent.mu.Lock()
	defer tx.parent.mu.Unlock()
	snap, ok := tx.parent.snapshots[tx.scope]
	return copySnapshot(snap), ok, nil
}

func (tx *memoryTx) ArchiveSnapshot(ctx context.Context, archivedAt time.Time) error {
	current, ok, err := tx.Snapshot(ctx)
	if err != nil || !ok {
		return err
	}
	tx.archived = append(tx.archived, service.ArchivedSnapshot{Snapshot: current, ArchivedAt: archivedAt})
	return nil
}

func (tx *memoryTx) SaveSnapshot(_ context.Context, snap service.Snapshot) error {
	saved := copySnapshot(snap)
	tx.saved = &saved
	return nil
}

func (tx *memoryTx) RecordMessage(_ context.Context, msg service.Message, processedAt time.Time) error {
	if tx.recorded == nil {
		tx.recorded = make(map[string]processedMessage)
	}
	tx.recorded[msg.ID] = processedMessage{
		payload:     append([]byte(nil), msg.Payload...),
		processedAt: processedAt,
	}
	return nil
}

func copySnapshot(s service.Snapshot) service.Snapshot {
	if s.Data != nil {
		s.Data = append([]byte(nil), s.Data...)
	}
	return s
}
