package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/posledger/posledger/internal/domain"
)

// In-memory fakes shared by the service tests. The position store mirrors
// the Postgres store's semantics, including version compare-and-set.

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newOpenPosition(accountID, symbol, strategy string, qty decimal.Decimal) domain.Position {
	now := time.Now().UTC()
	return domain.Position{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Symbol:       symbol,
		Strategy:     strategy,
		Side:         domain.SideLong,
		Status:       domain.PositionStatusOpen,
		EntryPrice:   decimal.RequireFromString("50000"),
		InitialQty:   qty,
		RemainingQty: qty,
		Leverage:     1,
		ClosedQty:    make(map[domain.CloseReason]decimal.Decimal),
		OpenedAt:     now,
		UpdatedAt:    now,
	}
}

type memPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	updateErr error // when set, Update fails with this error
}

var _ domain.PositionStore = (*memPositionStore)(nil)

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{positions: make(map[string]domain.Position)}
}

func (s *memPositionStore) Create(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos.Version = 0
	s.positions[pos.ID] = pos.Clone()
	return nil
}

func (s *memPositionStore) Update(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	cur, ok := s.positions[pos.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != pos.Version {
		return domain.ErrVersionConflict
	}
	next := pos.Clone()
	next.Version = cur.Version + 1
	s.positions[pos.ID] = next
	return nil
}

func (s *memPositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos.Clone(), nil
}

func (s *memPositionStore) FindOpen(ctx context.Context, accountID, symbol, strategy string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Status == domain.PositionStatusOpen &&
			p.AccountID == accountID && p.Symbol == symbol && p.Strategy == strategy {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

func (s *memPositionStore) ListOpen(ctx context.Context, accountID string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Status != domain.PositionStatusOpen {
			continue
		}
		if accountID != "" && p.AccountID != accountID {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

func (s *memPositionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

func (s *memPositionStore) AppendOrderID(ctx context.Context, id, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	pos.OrderIDs = append(pos.OrderIDs, orderID)
	s.positions[id] = pos
	return nil
}

func (s *memPositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Status == domain.PositionStatusClosed && p.ClosedAt != nil && p.ClosedAt.Before(before) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

type memEventStore struct {
	mu        sync.Mutex
	processed map[string]domain.ProcessedEvent
}

var _ domain.EventStore = (*memEventStore)(nil)

func newMemEventStore() *memEventStore {
	return &memEventStore{processed: make(map[string]domain.ProcessedEvent)}
}

func (s *memEventStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *memEventStore) MarkProcessed(ctx context.Context, rec domain.ProcessedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[rec.EventID]; !ok {
		s.processed[rec.EventID] = rec
	}
	return nil
}

func (s *memEventStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ProcessedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProcessedEvent
	for _, e := range s.processed {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.After(out[j].ProcessedAt) })
	return out, nil
}

func (s *memEventStore) ListProcessedBefore(ctx context.Context, before time.Time) ([]domain.ProcessedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProcessedEvent
	for _, e := range s.processed {
		if e.ProcessedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

type memAuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

var _ domain.AuditStore = (*memAuditStore)(nil)

func newMemAuditStore() *memAuditStore { return &memAuditStore{} }

func (s *memAuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID: int64(len(s.entries) + 1), Event: event, Detail: detail, CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *memAuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry(nil), s.entries...), nil
}

// ByEvent filters logged entries by event name.
func (s *memAuditStore) ByEvent(event string) []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range s.entries {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type memDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

var _ domain.EventDeduper = (*memDeduper)(nil)

func newMemDeduper() *memDeduper {
	return &memDeduper{seen: make(map[string]time.Time)}
}

func (d *memDeduper) Seen(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.seen[eventID]; ok && time.Now().Before(exp) {
		return true, nil
	}
	d.seen[eventID] = time.Now().Add(ttl)
	return false, nil
}

func (d *memDeduper) Forget(ctx context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, eventID)
	return nil
}

// Claimed reports whether the delivery ID currently holds a dedup claim.
func (d *memDeduper) Claimed(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.seen[eventID]
	return ok && time.Now().Before(exp)
}

type memLockManager struct {
	mu    sync.Mutex
	locks map[string]bool
}

var _ domain.LockManager = (*memLockManager)(nil)

func newMemLockManager() *memLockManager {
	return &memLockManager{locks: make(map[string]bool)}
}

func (m *memLockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, domain.ErrLockHeld
	}
	m.locks[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.locks, key)
			m.mu.Unlock()
		})
	}, nil
}

type memSignalBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

var _ domain.SignalBus = (*memSignalBus)(nil)

func newMemSignalBus() *memSignalBus {
	return &memSignalBus{
		published: make(map[string][][]byte),
		streamed:  make(map[string][][]byte),
	}
}

func (b *memSignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memSignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memSignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *memSignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type captureDispatcher struct {
	mu      sync.Mutex
	actions []domain.Action
}

var _ ActionDispatcher = (*captureDispatcher)(nil)

func newCaptureDispatcher() *captureDispatcher { return &captureDispatcher{} }

func (d *captureDispatcher) Enqueue(ctx context.Context, a domain.Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, a)
}

// Enqueued returns everything handed to the dispatcher so far.
func (d *captureDispatcher) Enqueued() []domain.Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Action(nil), d.actions...)
}
