package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/dental-booking/pkg/logging"
)

// OutboxEntry represents a pending workflow dispatch.
type OutboxEntry struct {
	ID         uuid.UUID
	DispatchID uuid.UUID
	Type       string
	Payload    json.RawMessage
	Attempts   int
	CreatedAt  time.Time
}

// DeliveryHandler emits entries to downstream transports. Errors exposing
// Permanent() == true mark the entry failed without retry.
type DeliveryHandler interface {
	Handle(ctx context.Context, entry OutboxEntry) error
}

// Enqueuer records a dispatch for later delivery and returns its dispatch id.
type Enqueuer interface {
	Enqueue(ctx context.Context, dispatchType string, payload any) (uuid.UUID, error)
}

// Queue is the delivery side of an outbox.
type Queue interface {
	FetchPending(ctx context.Context, limit int32, maxAttempts int) ([]OutboxEntry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	RecordAttempt(ctx context.Context, id uuid.UUID, reason string, maxAttempts int) error
}

type outboxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// OutboxStore persists dispatches for reliable delivery.
type OutboxStore struct {
	pool outboxQuerier
}

var (
	_ Enqueuer = (*OutboxStore)(nil)
	_ Queue    = (*OutboxStore)(nil)
)

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &OutboxStore{pool: pool}
}

func newOutboxStoreWithExec(exec outboxQuerier) *OutboxStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &OutboxStore{pool: exec}
}

// Enqueue inserts a dispatch with a fresh dispatch id, independent of any
// processor identifier.
func (s *OutboxStore) Enqueue(ctx context.Context, dispatchType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	dispatchID := uuid.New()
	query := `
		INSERT INTO outbox (id, dispatch_id, type, payload)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.pool.Exec(ctx, query, uuid.New(), dispatchID, dispatchType, data); err != nil {
		return uuid.Nil, fmt.Errorf("events: insert outbox: %w", err)
	}
	return dispatchID, nil
}

func (s *OutboxStore) FetchPending(ctx context.Context, limit int32, maxAttempts int) ([]OutboxEntry, error) {
	query := `
		SELECT id, dispatch_id, type, payload, attempts, created_at
		FROM outbox
		WHERE delivered_at IS NULL AND failed_at IS NULL AND attempts < $2
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.DispatchID, &entry.Type, &payload, &entry.Attempts, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		entry.Payload = append([]byte(nil), payload...)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE outbox
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	ct, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkFailed stops further delivery attempts for the entry.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE outbox
		SET failed_at = now(), attempts = attempts + 1, last_error = $2
		WHERE id = $1 AND delivered_at IS NULL AND failed_at IS NULL
	`
	if _, err := s.pool.Exec(ctx, query, id, reason); err != nil {
		return fmt.Errorf("events: mark failed: %w", err)
	}
	return nil
}

// RecordAttempt counts a transient failure; the entry fails once attempts reach maxAttempts.
func (s *OutboxStore) RecordAttempt(ctx context.Context, id uuid.UUID, reason string, maxAttempts int) error {
	query := `
		UPDATE outbox
		SET attempts = attempts + 1,
		    last_error = $2,
		    failed_at = CASE WHEN attempts + 1 >= $3 THEN now() ELSE NULL END
		WHERE id = $1 AND delivered_at IS NULL AND failed_at IS NULL
	`
	if _, err := s.pool.Exec(ctx, query, id, reason, maxAttempts); err != nil {
		return fmt.Errorf("events: record attempt: %w", err)
	}
	return nil
}

// MemoryOutbox is an in-process outbox for tests and local runs.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries []*memoryEntry
}

type memoryEntry struct {
	OutboxEntry
	delivered bool
	failed    bool
	lastError string
}

var (
	_ Enqueuer = (*MemoryOutbox)(nil)
	_ Queue    = (*MemoryOutbox)(nil)
)

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{}
}

func (m *MemoryOutbox) Enqueue(ctx context.Context, dispatchType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &memoryEntry{OutboxEntry: OutboxEntry{
		ID:         uuid.New(),
		DispatchID: uuid.New(),
		Type:       dispatchType,
		Payload:    data,
		CreatedAt:  time.Now().UTC(),
	}}
	m.entries = append(m.entries, entry)
	return entry.DispatchID, nil
}

func (m *MemoryOutbox) FetchPending(ctx context.Context, limit int32, maxAttempts int) ([]OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OutboxEntry
	for _, e := range m.entries {
		if e.delivered || e.failed || e.Attempts >= maxAttempts {
			continue
		}
		out = append(out, e.OutboxEntry)
		if int32(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryOutbox) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.find(id)
	if e == nil || e.delivered {
		return false, nil
	}
	e.delivered = true
	return true, nil
}

func (m *MemoryOutbox) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.find(id); e != nil && !e.delivered {
		e.failed = true
		e.Attempts++
		e.lastError = reason
	}
	return nil
}

func (m *MemoryOutbox) RecordAttempt(ctx context.Context, id uuid.UUID, reason string, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.find(id); e != nil && !e.delivered && !e.failed {
		e.Attempts++
		e.lastError = reason
		if e.Attempts >= maxAttempts {
			e.failed = true
		}
	}
	return nil
}

func (m *MemoryOutbox) find(id uuid.UUID) *memoryEntry {
	for _, e := range m.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// Entries returns a snapshot of every entry of the given type; "" matches all.
func (m *MemoryOutbox) Entries(dispatchType string) []OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OutboxEntry
	for _, e := range m.entries {
		if dispatchType == "" || e.Type == dispatchType {
			out = append(out, e.OutboxEntry)
		}
	}
	return out
}

// Status reports delivered/failed flags for an entry.
func (m *MemoryOutbox) Status(id uuid.UUID) (delivered, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.find(id); e != nil {
		return e.delivered, e.failed
	}
	return false, false
}

type permanent interface {
	Permanent() bool
}

// IsPermanent reports whether err asks the deliverer not to retry.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// Deliverer polls the outbox and invokes the handler.
type Deliverer struct {
	store       Queue
	handler     DeliveryHandler
	logger      *logging.Logger
	batchSize   int32
	interval    time.Duration
	maxAttempts int
}

func NewDeliverer(store Queue, handler DeliveryHandler, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		store:       store,
		handler:     handler,
		logger:      logger,
		batchSize:   25,
		interval:    2 * time.Second,
		maxAttempts: 5,
	}
}

func (d *Deliverer) WithBatchSize(size int32) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Deliverer) WithMaxAttempts(n int) *Deliverer {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

func (d *Deliverer) Start(ctx context.Context) {
	if d.store == nil || d.handler == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain delivers one batch and returns how many entries were delivered.
func (d *Deliverer) Drain(ctx context.Context) int {
	entries, err := d.store.FetchPending(ctx, d.batchSize, d.maxAttempts)
	if err != nil {
		d.logger.Error("outbox fetch failed", "error", err)
		return 0
	}
	delivered := 0
	for _, entry := range entries {
		if err := d.handler.Handle(ctx, entry); err != nil {
			if IsPermanent(err) {
				d.logger.Error("outbox delivery rejected", "error", err, "dispatch_id", entry.DispatchID, "type", entry.Type)
				if markErr := d.store.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
					d.logger.Error("failed to mark outbox failed", "error", markErr, "dispatch_id", entry.DispatchID)
				}
				continue
			}
			d.logger.Warn("outbox delivery failed, will retry", "error", err, "dispatch_id", entry.DispatchID, "type", entry.Type, "attempt", entry.Attempts+1)
			if markErr := d.store.RecordAttempt(ctx, entry.ID, err.Error(), d.maxAttempts); markErr != nil {
				d.logger.Error("failed to record outbox attempt", "error", markErr, "dispatch_id", entry.DispatchID)
			}
			continue
		}
		if ok, err := d.store.MarkDelivered(ctx, entry.ID); err != nil {
			d.logger.Error("failed to mark outbox delivered", "error", err, "dispatch_id", entry.DispatchID)
		} else if ok {
			delivered++
			d.logger.Debug("outbox delivered", "dispatch_id", entry.DispatchID, "type", entry.Type)
		}
	}
	return delivered
}
