package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-process check-in store with the same uniqueness and
// conditional-update rules as the Postgres schema. Used by tests.
type MemStore struct {
	mu            sync.Mutex
	users         map[uuid.UUID]User
	events        map[uuid.UUID]Event
	tickets       map[uuid.UUID]Ticket
	registrations map[uuid.UUID]Registration
	checkIns      []CheckIn
	checkInErr    error
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:         make(map[uuid.UUID]User),
		events:        make(map[uuid.UUID]Event),
		tickets:       make(map[uuid.UUID]Ticket),
		registrations: make(map[uuid.UUID]Registration),
	}
}

func (m *MemStore) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *MemStore) PutEvent(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e
}

func (m *MemStore) PutTicket(t Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[t.ID] = t
}

func (m *MemStore) PutRegistration(r Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations[r.ID] = r
}

// FailNextCheckIn makes the next check-in insert return err instead of
// writing anything.
func (m *MemStore) FailNextCheckIn(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkInErr = err
}

func (m *MemStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemStore) GetUser(_ context.Context, id uuid.UUID) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemStore) GetEvent(_ context.Context, id uuid.UUID) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return e, nil
}

func (m *MemStore) GetTicket(_ context.Context, id uuid.UUID) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return Ticket{}, ErrNotFound
	}
	return t, nil
}

func (m *MemStore) HasCheckIn(_ context.Context, eventID, userID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasCheckInLocked(eventID, userID), nil
}

func (m *MemStore) CreateCheckIn(_ context.Context, c CheckIn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertCheckInLocked(c)
}

func (m *MemStore) RedeemTicket(_ context.Context, ticketID uuid.UUID, c CheckIn) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ticketID]
	if !ok || t.Status != TicketStatusPaid {
		return Ticket{}, ErrTicketNotRedeemable
	}
	if err := m.insertCheckInLocked(c); err != nil {
		return Ticket{}, err
	}
	at := c.CheckedInAt
	t.Status = TicketStatusUsed
	t.CheckedInAt = &at
	m.tickets[ticketID] = t
	return t, nil
}

func (m *MemStore) UpdateEventQRCode(_ context.Context, eventID uuid.UUID, image string, issuedAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return ErrNotFound
	}
	e.EventQRCode = &image
	e.QRIssuedAt = &issuedAt
	e.QRCodeExpiry = &expiresAt
	m.events[eventID] = e
	return nil
}

func (m *MemStore) CountCheckIns(_ context.Context, eventID uuid.UUID) (map[ScanMode]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[ScanMode]int64)
	for _, c := range m.checkIns {
		if c.EventID == eventID {
			counts[c.ScanMode]++
		}
	}
	return counts, nil
}

func (m *MemStore) CountTickets(_ context.Context, eventID uuid.UUID, statuses ...TicketStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, t := range m.tickets {
		if t.EventID != eventID {
			continue
		}
		for _, s := range statuses {
			if t.Status == s {
				total++
				break
			}
		}
	}
	return total, nil
}

func (m *MemStore) CountRegistrations(_ context.Context, eventID uuid.UUID, status RegistrationStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, r := range m.registrations {
		if r.EventID == eventID && r.Status == status {
			total++
		}
	}
	return total, nil
}

func (m *MemStore) ListCheckIns(_ context.Context, eventID uuid.UUID) ([]CheckInEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []CheckInEntry
	for _, c := range m.checkIns {
		if c.EventID != eventID {
			continue
		}
		u, ok := m.users[c.UserID]
		if !ok {
			continue
		}
		entries = append(entries, CheckInEntry{CheckIn: c, User: u})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CheckedInAt.After(entries[j].CheckedInAt)
	})
	return entries, nil
}

// CheckIns returns a copy of every recorded check-in.
func (m *MemStore) CheckIns() []CheckIn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CheckIn, len(m.checkIns))
	copy(out, m.checkIns)
	return out
}

func (m *MemStore) hasCheckInLocked(eventID, userID uuid.UUID) bool {
	for _, c := range m.checkIns {
		if c.EventID == eventID && c.UserID == userID {
			return true
		}
	}
	return false
}

func (m *MemStore) insertCheckInLocked(c CheckIn) error {
	if err := m.checkInErr; err != nil {
		m.checkInErr = nil
		return err
	}
	if m.hasCheckInLocked(c.EventID, c.UserID) {
		return ErrDuplicate
	}
	m.checkIns = append(m.checkIns, c)
	return nil
}
