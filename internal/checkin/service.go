// Package checkin validates scanned QR codes against ticket and event
// state and records attendance.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loadcosmos/mnu-events-sub001/internal/db"
	"github.com/loadcosmos/mnu-events-sub001/internal/qrrender"
	"github.com/loadcosmos/mnu-events-sub001/internal/qrsign"
	"github.com/loadcosmos/mnu-events-sub001/internal/ratelimit"
)

// Store is the persistence the orchestrator needs. *db.Store and
// *db.MemStore both satisfy it.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (db.User, error)
	GetEvent(ctx context.Context, id uuid.UUID) (db.Event, error)
	GetTicket(ctx context.Context, id uuid.UUID) (db.Ticket, error)
	HasCheckIn(ctx context.Context, eventID, userID uuid.UUID) (bool, error)
	CreateCheckIn(ctx context.Context, c db.CheckIn) error
	RedeemTicket(ctx context.Context, ticketID uuid.UUID, c db.CheckIn) (db.Ticket, error)
	UpdateEventQRCode(ctx context.Context, eventID uuid.UUID, image string, issuedAt, expiresAt time.Time) error
	CountCheckIns(ctx context.Context, eventID uuid.UUID) (map[db.ScanMode]int64, error)
	CountTickets(ctx context.Context, eventID uuid.UUID, statuses ...db.TicketStatus) (int64, error)
	CountRegistrations(ctx context.Context, eventID uuid.UUID, status db.RegistrationStatus) (int64, error)
	ListCheckIns(ctx context.Context, eventID uuid.UUID) ([]db.CheckInEntry, error)
}

type Renderer interface {
	Render(content string) (string, error)
}

type Service struct {
	store    Store
	signer   *qrsign.Signer
	limiter  ratelimit.Limiter
	renderer Renderer
	location LocationVerifier
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	defaultExpiry time.Duration
	maxExpiry     time.Duration
	rotationGrace time.Duration
}

type Option func(*Service)

func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

func WithRenderer(r Renderer) Option {
	return func(s *Service) { s.renderer = r }
}

func WithLocationVerifier(v LocationVerifier) Option {
	return func(s *Service) { s.location = v }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithExpiry sets the default and maximum lifetime of event QR codes.
func WithExpiry(def, max time.Duration) Option {
	return func(s *Service) {
		s.defaultExpiry = def
		s.maxExpiry = max
	}
}

// WithRotationGrace lets event payloads minted up to grace before the
// current credential keep working after a rotation.
func WithRotationGrace(grace time.Duration) Option {
	return func(s *Service) { s.rotationGrace = grace }
}

func NewService(store Store, signer *qrsign.Signer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("checkin store required")
	}
	if signer == nil {
		return nil, errors.New("qr signer required")
	}
	s := &Service{
		store:         store,
		signer:        signer,
		location:      AcceptAnyLocation{},
		logger:        slog.Default(),
		now:           time.Now,
		defaultExpiry: 24 * time.Hour,
		maxExpiry:     7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewMemoryWithClock(5*time.Second, 10*time.Second, s.now)
	}
	if s.renderer == nil {
		s.renderer = qrrender.NewPNG(256)
	}
	return s, nil
}

// DefaultExpiry is the event QR lifetime used when the caller gives none.
func (s *Service) DefaultExpiry() time.Duration {
	return s.defaultExpiry
}

// CheckInResult describes a recorded check-in.
type CheckInResult struct {
	CheckInID   uuid.UUID
	EventID     uuid.UUID
	EventTitle  string
	ScanMode    db.ScanMode
	CheckedInAt time.Time
	User        db.User
	Ticket      *TicketSummary
}

type TicketSummary struct {
	ID     uuid.UUID
	Price  string
	Status db.TicketStatus
}

// Viewer is an authenticated caller asking for event data.
type Viewer struct {
	UserID uuid.UUID
	Admin  bool
}

// AuthorizeOrganizer loads the event and checks that organizerID created it.
func (s *Service) AuthorizeOrganizer(ctx context.Context, eventID, organizerID uuid.UUID) (db.Event, error) {
	event, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return db.Event{}, err
	}
	if event.CreatorID != organizerID {
		return db.Event{}, newError(ErrForbidden, CodeNotEventOrganizer, "only the event creator can do this")
	}
	return event, nil
}

// AuthorizeViewer admits the event creator and admins.
func (s *Service) AuthorizeViewer(ctx context.Context, eventID uuid.UUID, v Viewer) (db.Event, error) {
	event, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return db.Event{}, err
	}
	if !v.Admin && event.CreatorID != v.UserID {
		return db.Event{}, newError(ErrForbidden, CodeNotEventOrganizer, "only the event creator or an admin can view this")
	}
	return event, nil
}

func (s *Service) loadEvent(ctx context.Context, id uuid.UUID) (db.Event, error) {
	event, err := s.store.GetEvent(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return db.Event{}, newError(ErrNotFound, CodeEventNotFound, "event not found")
	}
	if err != nil {
		return db.Event{}, s.storeError("load event", err)
	}
	return event, nil
}

func (s *Service) loadUser(ctx context.Context, id uuid.UUID) (db.User, error) {
	user, err := s.store.GetUser(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return db.User{}, newError(ErrNotFound, CodeUserNotFound, "user not found")
	}
	if err != nil {
		return db.User{}, s.storeError("load user", err)
	}
	return user, nil
}

// verify checks the signature and that the payload is of the wanted kind.
func (s *Service) verify(raw string, want qrsign.Type) (qrsign.Payload, uuid.UUID, error) {
	p, err := s.signer.Verify(raw)
	switch {
	case errors.Is(err, qrsign.ErrInvalidSignature):
		return qrsign.Payload{}, uuid.Nil, newError(ErrInvalidSignature, CodeInvalidSignature, "qr signature does not match")
	case err != nil:
		return qrsign.Payload{}, uuid.Nil, newError(ErrMalformedPayload, CodeMalformedPayload, "qr content is not a valid payload")
	}
	if p.Type != want {
		return qrsign.Payload{}, uuid.Nil, newError(ErrMalformedPayload, CodeWrongQRType, fmt.Sprintf("expected a %s qr code, got %s", want, p.Type))
	}
	id, err := p.SubjectID()
	if err != nil {
		return qrsign.Payload{}, uuid.Nil, newError(ErrMalformedPayload, CodeMalformedPayload, "qr subject id is invalid")
	}
	return p, id, nil
}

func (s *Service) storeError(op string, err error) error {
	s.logger.Error("checkin store failure", "op", op, "error", err)
	return fmt.Errorf("%s: %w", op, err)
}
