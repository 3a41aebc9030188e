package db

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// Store is the Postgres-backed check-in store.
type Store struct {
	Pool    *pgxpool.Pool
	Queries *Queries
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool, Queries: New(pool)}
}

func (s *Store) WithTx(ctx context.Context, fn func(*Queries) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	queries := s.Queries.WithTx(tx)
	if err := fn(queries); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	u, err := s.Queries.GetUser(ctx, id)
	return u, mapError(err)
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (Event, error) {
	e, err := s.Queries.GetEvent(ctx, id)
	return e, mapError(err)
}

func (s *Store) GetTicket(ctx context.Context, id uuid.UUID) (Ticket, error) {
	t, err := s.Queries.GetTicket(ctx, id)
	return t, mapError(err)
}

func (s *Store) HasCheckIn(ctx context.Context, eventID, userID uuid.UUID) (bool, error) {
	ok, err := s.Queries.HasCheckIn(ctx, eventID, userID)
	return ok, mapError(err)
}

func (s *Store) CreateCheckIn(ctx context.Context, c CheckIn) error {
	return mapError(s.Queries.CreateCheckIn(ctx, c))
}

// RedeemTicket marks a PAID ticket USED and records the check-in in one
// transaction. A ticket that is no longer PAID yields ErrTicketNotRedeemable.
func (s *Store) RedeemTicket(ctx context.Context, ticketID uuid.UUID, c CheckIn) (Ticket, error) {
	var redeemed Ticket
	err := s.WithTx(ctx, func(q *Queries) error {
		t, err := q.MarkTicketUsed(ctx, ticketID, c.CheckedInAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTicketNotRedeemable
		}
		if err != nil {
			return err
		}
		if err := q.CreateCheckIn(ctx, c); err != nil {
			return err
		}
		redeemed = t
		return nil
	})
	if err != nil {
		return Ticket{}, mapError(err)
	}
	return redeemed, nil
}

func (s *Store) UpdateEventQRCode(ctx context.Context, eventID uuid.UUID, image string, issuedAt, expiresAt time.Time) error {
	n, err := s.Queries.UpdateEventQRCode(ctx, eventID, image, issuedAt, expiresAt)
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CountCheckIns(ctx context.Context, eventID uuid.UUID) (map[ScanMode]int64, error) {
	counts, err := s.Queries.CountCheckInsByMode(ctx, eventID)
	return counts, mapError(err)
}

func (s *Store) CountTickets(ctx context.Context, eventID uuid.UUID, statuses ...TicketStatus) (int64, error) {
	n, err := s.Queries.CountTicketsByStatus(ctx, eventID, statuses)
	return n, mapError(err)
}

func (s *Store) CountRegistrations(ctx context.Context, eventID uuid.UUID, status RegistrationStatus) (int64, error) {
	n, err := s.Queries.CountRegistrationsByStatus(ctx, eventID, status)
	return n, mapError(err)
}

func (s *Store) ListCheckIns(ctx context.Context, eventID uuid.UUID) ([]CheckInEntry, error) {
	entries, err := s.Queries.ListCheckInsByEvent(ctx, eventID)
	return entries, mapError(err)
}
