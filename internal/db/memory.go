package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"ordersentry/internal/journal"
	"ordersentry/internal/ledger"
)

// MemoryStorage is the in-memory twin of the Postgres store, used in
// tests and dry-run mode. Same semantics, no durability.
type MemoryStorage struct {
	mu sync.RWMutex

	// Orders by orderID
	orders map[string]ledger.OrderRecord

	// Events (append-only)
	events []journal.Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		orders: make(map[string]ledger.OrderRecord),
		events: make([]journal.Event, 0, 1024),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

func (m *MemoryStorage) RegisterOrder(ctx context.Context, rec ledger.OrderRecord) (ledger.RegisterResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.orders[rec.OrderID]; ok {
		existing.LastSeenAt = now
		m.orders[rec.OrderID] = existing
		return ledger.SkippedDuplicate, nil
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = now
	}
	m.orders[rec.OrderID] = rec
	return ledger.Inserted, nil
}

func (m *MemoryStorage) UpdateStatus(ctx context.Context, orderID string, newStatus ledger.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ledger.ErrNotFound)
	}
	if rec.Status == newStatus {
		return nil
	}
	if !ledger.ValidTransition(rec.Status, newStatus) {
		return fmt.Errorf("order %s: %s -> %s: %w", orderID, rec.Status, newStatus, ledger.ErrInvalidTransition)
	}
	rec.Status = newStatus
	rec.LastSeenAt = time.Now().UTC()
	m.orders[orderID] = rec
	return nil
}

func (m *MemoryStorage) SetAmbiguous(ctx context.Context, orderID string, ambiguous bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ledger.ErrNotFound)
	}
	rec.Ambiguous = ambiguous
	m.orders[orderID] = rec
	return nil
}

func (m *MemoryStorage) SetOrigin(ctx context.Context, orderID string, origin ledger.Origin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ledger.ErrNotFound)
	}
	if rec.Origin == origin {
		return nil
	}
	if rec.Origin != ledger.OriginUnknown {
		return fmt.Errorf("order %s: %s -> %s: %w", orderID, rec.Origin, origin, ledger.ErrOriginFlip)
	}
	rec.Origin = origin
	m.orders[orderID] = rec
	return nil
}

func (m *MemoryStorage) Supersede(ctx context.Context, orderID, newOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ledger.ErrNotFound)
	}
	if !rec.Status.Terminal() {
		if !ledger.ValidTransition(rec.Status, ledger.StatusCancelled) {
			return fmt.Errorf("order %s: %s -> %s: %w", orderID, rec.Status, ledger.StatusCancelled, ledger.ErrInvalidTransition)
		}
		rec.Status = ledger.StatusCancelled
	}
	rec.SupersededBy = newOrderID
	rec.LastSeenAt = time.Now().UTC()
	m.orders[orderID] = rec
	return nil
}

func (m *MemoryStorage) IncrementRetry(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ledger.ErrNotFound)
	}
	rec.RetryCount++
	m.orders[orderID] = rec
	return nil
}

func (m *MemoryStorage) TouchSeen(ctx context.Context, orderID string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ledger.ErrNotFound)
	}
	rec.LastSeenAt = seenAt.UTC()
	m.orders[orderID] = rec
	return nil
}

func (m *MemoryStorage) GetOrder(ctx context.Context, orderID string) (*ledger.OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if rec, ok := m.orders[orderID]; ok {
		cc := rec
		return &cc, nil
	}
	return nil, nil
}

func (m *MemoryStorage) FindActive(ctx context.Context, symbol, side string) (*ledger.OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *ledger.OrderRecord
	for _, rec := range m.orders {
		if rec.Symbol != symbol || rec.Side != side || rec.Origin != ledger.OriginSystem {
			continue
		}
		if rec.Status.Terminal() {
			continue
		}
		if newest == nil || rec.CreatedAt.After(newest.CreatedAt) {
			cc := rec
			newest = &cc
		}
	}
	return newest, nil
}

func (m *MemoryStorage) ListByStatus(ctx context.Context, status ledger.Status) ([]ledger.OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.OrderRecord
	for _, rec := range m.orders {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStorage) ListOpen(ctx context.Context) ([]ledger.OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.OrderRecord
	for _, rec := range m.orders {
		if rec.Status == ledger.StatusPending || rec.Status == ledger.StatusActive {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []journal.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if e.Time.Before(start) || e.Time.After(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
