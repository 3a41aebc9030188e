package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const getUser = `
SELECT id, email, first_name, last_name
FROM users
WHERE id = $1
`

func (q *Queries) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	var u User
	err := q.db.QueryRow(ctx, getUser, id).Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName)
	return u, err
}

const getEvent = `
SELECT id, creator_id, title, start_date, is_paid, capacity, check_in_mode,
       event_qr_code, qr_issued_at, qr_code_expiry
FROM events
WHERE id = $1
`

func (q *Queries) GetEvent(ctx context.Context, id uuid.UUID) (Event, error) {
	var e Event
	err := q.db.QueryRow(ctx, getEvent, id).Scan(
		&e.ID,
		&e.CreatorID,
		&e.Title,
		&e.StartDate,
		&e.IsPaid,
		&e.Capacity,
		&e.CheckInMode,
		&e.EventQRCode,
		&e.QRIssuedAt,
		&e.QRCodeExpiry,
	)
	return e, err
}

const getTicket = `
SELECT id, user_id, event_id, price::text, status, purchased_at, checked_in_at
FROM tickets
WHERE id = $1
`

func (q *Queries) GetTicket(ctx context.Context, id uuid.UUID) (Ticket, error) {
	var t Ticket
	err := q.db.QueryRow(ctx, getTicket, id).Scan(
		&t.ID,
		&t.UserID,
		&t.EventID,
		&t.Price,
		&t.Status,
		&t.PurchasedAt,
		&t.CheckedInAt,
	)
	return t, err
}

const markTicketUsed = `
UPDATE tickets
SET status = 'USED', checked_in_at = $2
WHERE id = $1 AND status = 'PAID'
RETURNING id, user_id, event_id, price::text, status, purchased_at, checked_in_at
`

// MarkTicketUsed flips a PAID ticket to USED. It returns pgx.ErrNoRows
// when the ticket is missing or not PAID.
func (q *Queries) MarkTicketUsed(ctx context.Context, id uuid.UUID, checkedInAt time.Time) (Ticket, error) {
	var t Ticket
	err := q.db.QueryRow(ctx, markTicketUsed, id, checkedInAt).Scan(
		&t.ID,
		&t.UserID,
		&t.EventID,
		&t.Price,
		&t.Status,
		&t.PurchasedAt,
		&t.CheckedInAt,
	)
	return t, err
}

const hasCheckIn = `
SELECT EXISTS (SELECT 1 FROM check_ins WHERE event_id = $1 AND user_id = $2)
`

func (q *Queries) HasCheckIn(ctx context.Context, eventID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, hasCheckIn, eventID, userID).Scan(&exists)
	return exists, err
}

const createCheckIn = `
INSERT INTO check_ins (id, event_id, user_id, scan_mode, checked_in_at)
VALUES ($1, $2, $3, $4, $5)
`

func (q *Queries) CreateCheckIn(ctx context.Context, c CheckIn) error {
	_, err := q.db.Exec(ctx, createCheckIn, c.ID, c.EventID, c.UserID, string(c.ScanMode), c.CheckedInAt)
	return err
}

const updateEventQRCode = `
UPDATE events
SET event_qr_code = $2, qr_issued_at = $3, qr_code_expiry = $4, updated_at = $3
WHERE id = $1
`

func (q *Queries) UpdateEventQRCode(ctx context.Context, id uuid.UUID, image string, issuedAt, expiresAt time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, updateEventQRCode, id, image, issuedAt, expiresAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const countCheckInsByMode = `
SELECT scan_mode, COUNT(*)
FROM check_ins
WHERE event_id = $1
GROUP BY scan_mode
`

func (q *Queries) CountCheckInsByMode(ctx context.Context, eventID uuid.UUID) (map[ScanMode]int64, error) {
	rows, err := q.db.Query(ctx, countCheckInsByMode, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[ScanMode]int64)
	for rows.Next() {
		var mode ScanMode
		var total int64
		if err := rows.Scan(&mode, &total); err != nil {
			return nil, err
		}
		counts[mode] = total
	}
	return counts, rows.Err()
}

const countTicketsByStatus = `
SELECT COUNT(*)
FROM tickets
WHERE event_id = $1 AND status = ANY($2::text[])
`

func (q *Queries) CountTicketsByStatus(ctx context.Context, eventID uuid.UUID, statuses []TicketStatus) (int64, error) {
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	var total int64
	err := q.db.QueryRow(ctx, countTicketsByStatus, eventID, values).Scan(&total)
	return total, err
}

const countRegistrationsByStatus = `
SELECT COUNT(*)
FROM registrations
WHERE event_id = $1 AND status = $2
`

func (q *Queries) CountRegistrationsByStatus(ctx context.Context, eventID uuid.UUID, status RegistrationStatus) (int64, error) {
	var total int64
	err := q.db.QueryRow(ctx, countRegistrationsByStatus, eventID, string(status)).Scan(&total)
	return total, err
}

const listCheckInsByEvent = `
SELECT c.id, c.event_id, c.user_id, c.scan_mode, c.checked_in_at,
       u.email, u.first_name, u.last_name
FROM check_ins c
JOIN users u ON u.id = c.user_id
WHERE c.event_id = $1
ORDER BY c.checked_in_at DESC
`

func (q *Queries) ListCheckInsByEvent(ctx context.Context, eventID uuid.UUID) ([]CheckInEntry, error) {
	rows, err := q.db.Query(ctx, listCheckInsByEvent, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []CheckInEntry
	for rows.Next() {
		var e CheckInEntry
		if err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.UserID,
			&e.ScanMode,
			&e.CheckedInAt,
			&e.User.Email,
			&e.User.FirstName,
			&e.User.LastName,
		); err != nil {
			return nil, err
		}
		e.User.ID = e.UserID
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
