package hitl

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a ticket does not exist.
var ErrNotFound = errors.New("hitl: ticket not found")

// Store is the durable source of truth for ticket state — the piece that
// makes HITL survive a process crash: on restart, any ticket still pending
// in the store either resumes waiting (if its deadline hasn't passed) or is
// expired immediately.
type Store interface {
	Create(ctx context.Context, t *Ticket) error
	Get(ctx context.Context, ticketID string) (*Ticket, error)
	Resolve(ctx context.Context, ticketID string, status Status, resolverID, notes string) (*Ticket, error)
	ListPending(ctx context.Context) ([]*Ticket, error)
}

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]*Ticket)}
}

func (m *MemoryStore) Create(_ context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tickets[t.TicketID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, ticketID string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ticketID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Resolve(_ context.Context, ticketID string, status Status, resolverID, notes string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ticketID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != StatusPending {
		cp := *t
		return &cp, nil
	}
	t.Status = status
	t.ResolverID = resolverID
	t.Notes = notes
	t.ResolvedAt = time.Now()
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListPending(_ context.Context) ([]*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Ticket
	for _, t := range m.tickets {
		if t.Status == StatusPending {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// PostgresStore persists tickets in Postgres.
//
// Schema (SPEC_FULL.md §3 [AMBIENT]):
//
//	CREATE TABLE hitl_tickets (
//	    ticket_id   TEXT PRIMARY KEY,
//	    claim_id    TEXT NOT NULL,
//	    domain      TEXT NOT NULL,
//	    reason      TEXT NOT NULL,
//	    status      TEXT NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    expires_at  TIMESTAMPTZ NOT NULL,
//	    resolver_id TEXT,
//	    notes       TEXT,
//	    resolved_at TIMESTAMPTZ
//	);
//	CREATE INDEX hitl_tickets_status_idx ON hitl_tickets (status) WHERE status = 'pending';
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Ticket) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO hitl_tickets (ticket_id, claim_id, domain, reason, status, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.TicketID, t.ClaimID, t.Domain, t.Reason, t.Status, t.CreatedAt, t.ExpiresAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, ticketID string) (*Ticket, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT ticket_id, claim_id, domain, reason, status, created_at, expires_at,
		        COALESCE(resolver_id, ''), COALESCE(notes, ''), resolved_at
		 FROM hitl_tickets WHERE ticket_id = $1`, ticketID)
	return scanTicket(row)
}

func (p *PostgresStore) Resolve(ctx context.Context, ticketID string, status Status, resolverID, notes string) (*Ticket, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE hitl_tickets SET status = $1, resolver_id = $2, notes = $3, resolved_at = now()
		 WHERE ticket_id = $4 AND status = 'pending'
		 RETURNING ticket_id, claim_id, domain, reason, status, created_at, expires_at,
		           COALESCE(resolver_id, ''), COALESCE(notes, ''), resolved_at`,
		status, resolverID, notes, ticketID)
	t, err := scanTicket(row)
	if errors.Is(err, ErrNotFound) {
		return p.Get(ctx, ticketID)
	}
	return t, err
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]*Ticket, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT ticket_id, claim_id, domain, reason, status, created_at, expires_at,
		        COALESCE(resolver_id, ''), COALESCE(notes, ''), resolved_at
		 FROM hitl_tickets WHERE status = 'pending'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type ticketScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row ticketScanner) (*Ticket, error) {
	var t Ticket
	var status string
	var resolvedAt sql.NullTime
	if err := row.Scan(&t.TicketID, &t.ClaimID, &t.Domain, &t.Reason, &status,
		&t.CreatedAt, &t.ExpiresAt, &t.ResolverID, &t.Notes, &resolvedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Status = Status(status)
	if resolvedAt.Valid {
		t.ResolvedAt = resolvedAt.Time
	}
	return &t, nil
}
