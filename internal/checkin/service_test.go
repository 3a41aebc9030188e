package checkin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/loadcosmos/mnu-events-sub001/internal/db"
	"github.com/loadcosmos/mnu-events-sub001/internal/qrsign"
)

const testSecret = "test-qr-secret"

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubRenderer struct{}

func (stubRenderer) Render(content string) (string, error) {
	return "img:" + content, nil
}

type fixture struct {
	store     *db.MemStore
	signer    *qrsign.Signer
	svc       *Service
	clock     *manualClock
	metrics   *Metrics
	organizer db.User
	student   db.User
	paid      db.Event
	free      db.Event
	ticket    db.Ticket
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: db.NewMemStore(),
		clock: &manualClock{now: time.Date(2026, 4, 1, 18, 0, 0, 0, time.UTC)},
	}
	signer, err := qrsign.NewSigner(testSecret)
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	f.signer = signer
	f.metrics = NewMetrics(prometheus.NewRegistry())

	f.organizer = db.User{ID: uuid.New(), Email: "organizer@kazguu.kz", FirstName: "Dana", LastName: "Sadykova"}
	f.student = db.User{ID: uuid.New(), Email: "student@kazguu.kz", FirstName: "Arman", LastName: "Tokayev"}
	f.store.PutUser(f.organizer)
	f.store.PutUser(f.student)

	capacity := int32(200)
	f.paid = db.Event{
		ID:          uuid.New(),
		CreatorID:   f.organizer.ID,
		Title:       "Law faculty gala",
		StartDate:   f.clock.Now(),
		IsPaid:      true,
		Capacity:    &capacity,
		CheckInMode: db.ScanModeOrganizerScans,
	}
	f.free = db.Event{
		ID:          uuid.New(),
		CreatorID:   f.organizer.ID,
		Title:       "Open lecture",
		StartDate:   f.clock.Now(),
		CheckInMode: db.ScanModeStudentsScan,
	}
	f.store.PutEvent(f.paid)
	f.store.PutEvent(f.free)

	f.ticket = db.Ticket{
		ID:          uuid.New(),
		UserID:      f.student.ID,
		EventID:     f.paid.ID,
		Price:       "3000.00",
		Status:      db.TicketStatusPaid,
		PurchasedAt: f.clock.Now().Add(-48 * time.Hour),
	}
	f.store.PutTicket(f.ticket)

	base := []Option{
		WithClock(f.clock.Now),
		WithRenderer(stubRenderer{}),
		WithMetrics(f.metrics),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	svc, err := NewService(f.store, signer, append(base, opts...)...)
	if err != nil {
		t.Fatalf("service error: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) ticketQR(t *testing.T, ticketID uuid.UUID) string {
	t.Helper()
	p, err := f.signer.Sign(qrsign.TicketPayload(ticketID, f.clock.Now()))
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	text, err := qrsign.Encode(p)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	return text
}

func (f *fixture) eventQR(t *testing.T, eventID uuid.UUID, at time.Time) string {
	t.Helper()
	p, err := f.signer.Sign(qrsign.EventPayload(eventID, at))
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	text, err := qrsign.Encode(p)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	return text
}

func assertError(t *testing.T, err error, kind error, code string) *Error {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
	ce, ok := AsError(err)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if ce.Code != code {
		t.Fatalf("expected code %s, got %s", code, ce.Code)
	}
	return ce
}

func TestValidateTicketSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ValidateTicket(ctx, f.paid.ID, f.ticketQR(t, f.ticket.ID), f.organizer.ID)
	if err != nil {
		t.Fatalf("validate error: %v", err)
	}
	if res.User.ID != f.student.ID || res.User.FirstName != "Arman" {
		t.Fatalf("unexpected holder: %+v", res.User)
	}
	if res.Ticket == nil || res.Ticket.Status != db.TicketStatusUsed || res.Ticket.Price != "3000.00" {
		t.Fatalf("unexpected ticket summary: %+v", res.Ticket)
	}
	if !res.CheckedInAt.Equal(f.clock.Now()) || res.ScanMode != db.ScanModeOrganizerScans {
		t.Fatalf("unexpected result: %+v", res)
	}

	stored, _ := f.store.GetTicket(ctx, f.ticket.ID)
	if stored.Status != db.TicketStatusUsed || stored.CheckedInAt == nil {
		t.Fatalf("ticket not marked used: %+v", stored)
	}
	checkIns := f.store.CheckIns()
	if len(checkIns) != 1 || checkIns[0].ScanMode != db.ScanModeOrganizerScans {
		t.Fatalf("unexpected check-ins: %+v", checkIns)
	}
	if got := testutil.ToFloat64(f.metrics.checkIns.WithLabelValues(string(db.ScanModeOrganizerScans), outcomeOK)); got != 1 {
		t.Fatalf("expected 1 ok attempt metric, got %v", got)
	}
}

func TestValidateTicketAlreadyUsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	qr := f.ticketQR(t, f.ticket.ID)
	if _, err := f.svc.ValidateTicket(ctx, f.paid.ID, qr, f.organizer.ID); err != nil {
		t.Fatalf("first scan error: %v", err)
	}
	_, err := f.svc.ValidateTicket(ctx, f.paid.ID, qr, f.organizer.ID)
	assertError(t, err, ErrConflict, CodeTicketAlreadyUsed)
}

func TestValidateTicketPendingNamesStatus(t *testing.T) {
	f := newFixture(t)
	pending := db.Ticket{ID: uuid.New(), UserID: f.student.ID, EventID: f.paid.ID, Status: db.TicketStatusPending}
	f.store.PutTicket(pending)

	_, err := f.svc.ValidateTicket(context.Background(), f.paid.ID, f.ticketQR(t, pending.ID), f.organizer.ID)
	ce := assertError(t, err, ErrInvalidState, CodeTicketNotPaid)
	if !strings.Contains(ce.Detail, "PENDING") {
		t.Fatalf("detail should name the status, got %q", ce.Detail)
	}
}

func TestValidateTicketWrongEvent(t *testing.T) {
	f := newFixture(t)
	other := db.Event{ID: uuid.New(), CreatorID: f.organizer.ID, Title: "Other", IsPaid: true}
	f.store.PutEvent(other)

	_, err := f.svc.ValidateTicket(context.Background(), other.ID, f.ticketQR(t, f.ticket.ID), f.organizer.ID)
	assertError(t, err, ErrInvalidState, CodeWrongEvent)
}

func TestValidateTicketAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	qr := f.ticketQR(t, f.ticket.ID)

	_, err := f.svc.ValidateTicket(ctx, f.paid.ID, qr, f.student.ID)
	assertError(t, err, ErrForbidden, CodeNotEventOrganizer)

	_, err = f.svc.ValidateTicket(ctx, uuid.New(), qr, f.organizer.ID)
	assertError(t, err, ErrNotFound, CodeEventNotFound)

	_, err = f.svc.ValidateTicket(ctx, f.paid.ID, f.ticketQR(t, uuid.New()), f.organizer.ID)
	assertError(t, err, ErrNotFound, CodeTicketNotFound)
}

func TestValidateTicketRejectsBadPayloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tampered := strings.Replace(f.ticketQR(t, f.ticket.ID), `"timestamp":`, `"timestamp":1`, 1)
	_, err := f.svc.ValidateTicket(ctx, f.paid.ID, tampered, f.organizer.ID)
	assertError(t, err, ErrInvalidSignature, CodeInvalidSignature)

	_, err = f.svc.ValidateTicket(ctx, f.paid.ID, "not a qr payload", f.organizer.ID)
	assertError(t, err, ErrMalformedPayload, CodeMalformedPayload)

	_, err = f.svc.ValidateTicket(ctx, f.paid.ID, f.eventQR(t, f.paid.ID, f.clock.Now()), f.organizer.ID)
	assertError(t, err, ErrMalformedPayload, CodeWrongQRType)

	if len(f.store.CheckIns()) != 0 {
		t.Fatalf("rejected scans must not record check-ins")
	}
}

func TestValidateTicketConcurrentScans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	qr := f.ticketQR(t, f.ticket.ID)

	errs := make([]error, 8)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ValidateTicket(ctx, f.paid.ID, qr, f.organizer.ID)
		}(i)
	}
	wg.Wait()

	success := 0
	for _, err := range errs {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidState):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one successful scan, got %d", success)
	}
	if n := len(f.store.CheckIns()); n != 1 {
		t.Fatalf("expected 1 check-in, got %d", n)
	}
}

func TestValidateStudentSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	qr, err := f.svc.GenerateEventQR(ctx, f.free.ID, f.organizer.ID, 2*time.Hour)
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	f.clock.Advance(10 * time.Minute)

	res, err := f.svc.ValidateStudent(ctx, qr.Payload, f.student.ID, &Location{Latitude: 51.09, Longitude: 71.41})
	if err != nil {
		t.Fatalf("validate error: %v", err)
	}
	if res.EventID != f.free.ID || res.ScanMode != db.ScanModeStudentsScan || res.Ticket != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.User.Email != f.student.Email {
		t.Fatalf("unexpected user: %+v", res.User)
	}
}

func TestValidateStudentExpired(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	issued := now.Add(-3 * time.Hour)
	expiry := now.Add(-time.Hour)
	f.free.QRIssuedAt = &issued
	f.free.QRCodeExpiry = &expiry
	f.store.PutEvent(f.free)

	_, err := f.svc.ValidateStudent(context.Background(), f.eventQR(t, f.free.ID, now), f.student.ID, nil)
	assertError(t, err, ErrExpired, CodeQRExpired)
}

func TestValidateStudentWithoutIssuedQR(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ValidateStudent(context.Background(), f.eventQR(t, f.free.ID, f.clock.Now()), f.student.ID, nil)
	assertError(t, err, ErrExpired, CodeQRNotIssued)
}

func TestValidateStudentSupersededQR(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old, err := f.svc.GenerateEventQR(ctx, f.free.ID, f.organizer.ID, time.Hour)
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	f.clock.Advance(time.Minute)
	if _, err := f.svc.GenerateEventQR(ctx, f.free.ID, f.organizer.ID, time.Hour); err != nil {
		t.Fatalf("rotate error: %v", err)
	}
	_, err = f.svc.ValidateStudent(ctx, old.Payload, f.student.ID, nil)
	assertError(t, err, ErrExpired, CodeQRSuperseded)
}

func TestValidateStudentRotationGrace(t *testing.T) {
	f := newFixture(t, WithRotationGrace(2*time.Minute))
	ctx := context.Background()
	old, err := f.svc.GenerateEventQR(ctx, f.free.ID, f.organizer.ID, time.Hour)
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	f.clock.Advance(time.Minute)
	if _, err := f.svc.GenerateEventQR(ctx, f.free.ID, f.organizer.ID, time.Hour); err != nil {
		t.Fatalf("rotate error: %v", err)
	}
	if _, err := f.svc.ValidateStudent(ctx, old.Payload, f.student.ID, nil); err != nil {
		t.Fatalf("payload inside the grace window should pass: %v", err)
	}
}

func TestValidateStudentDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	qr, err := f.svc.GenerateEventQR(ctx, f.free.ID, f.organizer.ID, time.Hour)
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	if _, err := f.svc.ValidateStudent(ctx, qr.Payload, f.student.ID, nil); err != nil {
		t.Fatalf("first scan error: %v", err)
	}
	f.clock.Advance(time.Minute)
	_, err = f.svc.ValidateStudent(ctx, qr.Payload, f.student.ID, nil)
	assertError(t, err, ErrConflict, CodeAlreadyCheckedIn)
}

func TestValidateStudentRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	qr, err := f.svc.GenerateEventQR(ctx, f.free.ID, f.organizer.ID, time.Hour)
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}

	boom := errors.New("connection reset")
	f.store.FailNextCheckIn(boom)
	if _, err := f.svc.ValidateStudent(ctx, qr.Payload, f.student.ID, nil); !errors.Is(err, boom) {
		t.Fatalf("expected store failure, got %v", err)
	}

	f.clock.Advance(2 * time.Second)
	_, err = f.svc.ValidateStudent(ctx, qr.Payload, f.student.ID, nil)
	assertError(t, err, ErrTooManyRequests, CodeRateLimited)

	f.clock.Advance(5 * time.Second)
	if _, err := f.svc.ValidateStudent(ctx, qr.Payload, f.student.ID, nil); err != nil {
		t.Fatalf("scan after the window should pass: %v", err)
	}
}

func TestValidateStudentConcurrentScans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	qr, err := f.svc.GenerateEventQR(ctx, f.free.ID, f.organizer.ID, time.Hour)
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}

	errs := make([]error, 16)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ValidateStudent(ctx, qr.Payload, f.student.ID, nil)
		}(i)
	}
	wg.Wait()

	success := 0
	for _, err := range errs {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrConflict), errors.Is(err, ErrTooManyRequests):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one check-in, got %d", success)
	}
	if n := len(f.store.CheckIns()); n != 1 {
		t.Fatalf("expected 1 stored check-in, got %d", n)
	}
}

// serviceOn builds a service with the fixture's options over another store.
func (f *fixture) serviceOn(t *testing.T, store Store) *Service {
	t.Helper()
	svc, err := NewService(store, f.signer,
		WithClock(f.clock.Now),
		WithRenderer(stubRenderer{}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("service error: %v", err)
	}
	return svc
}

// staleCheckInStore answers HasCheckIn from a stale replica that never
// sees existing rows.
type staleCheckInStore struct {
	*db.MemStore
}

func (staleCheckInStore) HasCheckIn(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return false, nil
}

// racingRedeemStore lets a rival scan redeem the ticket right before the
// caller's own RedeemTicket runs.
type racingRedeemStore struct {
	*db.MemStore
	rival db.CheckIn
}

func (s *racingRedeemStore) RedeemTicket(ctx context.Context, ticketID uuid.UUID, c db.CheckIn) (db.Ticket, error) {
	if _, err := s.MemStore.RedeemTicket(ctx, ticketID, s.rival); err != nil {
		return db.Ticket{}, err
	}
	return s.MemStore.RedeemTicket(ctx, ticketID, c)
}

// vanishingTicketStore loses the redeem and then the ticket itself.
type vanishingTicketStore struct {
	*db.MemStore
	mu    sync.Mutex
	loads int
}

func (s *vanishingTicketStore) GetTicket(ctx context.Context, id uuid.UUID) (db.Ticket, error) {
	s.mu.Lock()
	s.loads++
	n := s.loads
	s.mu.Unlock()
	if n > 1 {
		return db.Ticket{}, db.ErrNotFound
	}
	return s.MemStore.GetTicket(ctx, id)
}

func (s *vanishingTicketStore) RedeemTicket(context.Context, uuid.UUID, db.CheckIn) (db.Ticket, error) {
	return db.Ticket{}, db.ErrTicketNotRedeemable
}

func TestValidateStudentStoreDuplicateIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.serviceOn(t, staleCheckInStore{f.store})
	qr, err := svc.GenerateEventQR(ctx, f.free.ID, f.organizer.ID, time.Hour)
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	if err := f.store.CreateCheckIn(ctx, db.CheckIn{
		ID: uuid.New(), EventID: f.free.ID, UserID: f.student.ID,
		ScanMode: db.ScanModeStudentsScan, CheckedInAt: f.clock.Now(),
	}); err != nil {
		t.Fatalf("seed check-in: %v", err)
	}

	_, err = svc.ValidateStudent(ctx, qr.Payload, f.student.ID, nil)
	assertError(t, err, ErrConflict, CodeAlreadyCheckedIn)
	if n := len(f.store.CheckIns()); n != 1 {
		t.Fatalf("expected 1 stored check-in, got %d", n)
	}
}

func TestValidateTicketLostRedeemIsConflict(t *testing.T) {
	f := newFixture(t)
	store := &racingRedeemStore{
		MemStore: f.store,
		rival: db.CheckIn{
			ID: uuid.New(), EventID: f.paid.ID, UserID: f.student.ID,
			ScanMode: db.ScanModeOrganizerScans, CheckedInAt: f.clock.Now(),
		},
	}
	svc := f.serviceOn(t, store)

	_, err := svc.ValidateTicket(context.Background(), f.paid.ID, f.ticketQR(t, f.ticket.ID), f.organizer.ID)
	assertError(t, err, ErrConflict, CodeTicketAlreadyUsed)
	if n := len(f.store.CheckIns()); n != 1 {
		t.Fatalf("expected only the rival check-in, got %d", n)
	}
}

func TestValidateTicketLostRedeemTicketGone(t *testing.T) {
	f := newFixture(t)
	svc := f.serviceOn(t, &vanishingTicketStore{MemStore: f.store})

	_, err := svc.ValidateTicket(context.Background(), f.paid.ID, f.ticketQR(t, f.ticket.ID), f.organizer.ID)
	assertError(t, err, ErrNotFound, CodeTicketNotFound)
}

func TestValidateTicketHolderAlreadySelfCheckedIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.CreateCheckIn(ctx, db.CheckIn{
		ID: uuid.New(), EventID: f.paid.ID, UserID: f.student.ID,
		ScanMode: db.ScanModeStudentsScan, CheckedInAt: f.clock.Now(),
	}); err != nil {
		t.Fatalf("seed check-in: %v", err)
	}

	_, err := f.svc.ValidateTicket(ctx, f.paid.ID, f.ticketQR(t, f.ticket.ID), f.organizer.ID)
	assertError(t, err, ErrConflict, CodeAlreadyCheckedIn)
	ticket, err := f.store.GetTicket(ctx, f.ticket.ID)
	if err != nil {
		t.Fatalf("load ticket: %v", err)
	}
	if ticket.Status != db.TicketStatusPaid {
		t.Fatalf("expected ticket to stay PAID, got %s", ticket.Status)
	}
}

type fixedLocation struct {
	ok  bool
	err error
}

func (v fixedLocation) VerifyLocation(context.Context, db.Event, *Location) (bool, error) {
	return v.ok, v.err
}

func TestValidateStudentLocationVerifier(t *testing.T) {
	f := newFixture(t, WithLocationVerifier(fixedLocation{ok: false}))
	ctx := context.Background()
	qr, err := f.svc.GenerateEventQR(ctx, f.free.ID, f.organizer.ID, time.Hour)
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	_, err = f.svc.ValidateStudent(ctx, qr.Payload, f.student.ID, &Location{Latitude: 1, Longitude: 2})
	assertError(t, err, ErrInvalidState, CodeLocationRejected)

	g := newFixture(t, WithLocationVerifier(fixedLocation{err: errors.New("geo lookup down")}))
	qr, err = g.svc.GenerateEventQR(ctx, g.free.ID, g.organizer.ID, time.Hour)
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	if _, err := g.svc.ValidateStudent(ctx, qr.Payload, g.student.ID, nil); err != nil {
		t.Fatalf("verifier errors should not block the scan: %v", err)
	}
}

func TestValidateStudentRejectsTicketQR(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ValidateStudent(context.Background(), f.ticketQR(t, f.ticket.ID), f.student.ID, nil)
	assertError(t, err, ErrMalformedPayload, CodeWrongQRType)
}

func TestGenerateEventQR(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	qr, err := f.svc.GenerateEventQR(ctx, f.free.ID, f.organizer.ID, f.svc.DefaultExpiry())
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	if !qr.ExpiresAt.Equal(f.clock.Now().Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry: %v", qr.ExpiresAt)
	}
	if qr.Image != "img:"+qr.Payload {
		t.Fatalf("image should render the payload")
	}
	p, err := f.signer.Verify(qr.Payload)
	if err != nil || p.EventID != f.free.ID.String() {
		t.Fatalf("payload should verify for the event: %+v %v", p, err)
	}
	stored, _ := f.store.GetEvent(ctx, f.free.ID)
	if stored.EventQRCode == nil || *stored.EventQRCode != qr.Image || !stored.QRCodeExpiry.Equal(qr.ExpiresAt) {
		t.Fatalf("credential not stored: %+v", stored)
	}
}

func TestGenerateEventQRForbidden(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GenerateEventQR(context.Background(), f.free.ID, f.student.ID, time.Hour)
	assertError(t, err, ErrForbidden, CodeNotEventOrganizer)
}

func TestGenerateEventQRExpiryBounds(t *testing.T) {
	f := newFixture(t, WithExpiry(24*time.Hour, 48*time.Hour))
	ctx := context.Background()
	_, err := f.svc.GenerateEventQR(ctx, f.free.ID, f.organizer.ID, 0)
	assertError(t, err, ErrInvalidState, CodeInvalidExpiry)
	_, err = f.svc.GenerateEventQR(ctx, f.free.ID, f.organizer.ID, 49*time.Hour)
	assertError(t, err, ErrInvalidState, CodeInvalidExpiry)
	if _, err := f.svc.GenerateEventQR(ctx, f.free.ID, f.organizer.ID, 48*time.Hour); err != nil {
		t.Fatalf("max expiry should be accepted: %v", err)
	}
}

func TestEventStatsPaidWithoutTickets(t *testing.T) {
	f := newFixture(t)
	empty := db.Event{ID: uuid.New(), CreatorID: f.organizer.ID, Title: "Empty", IsPaid: true}
	f.store.PutEvent(empty)
	stats, err := f.svc.EventStats(context.Background(), empty.ID)
	if err != nil {
		t.Fatalf("stats error: %v", err)
	}
	if stats.Eligible != 0 || stats.CheckInRate != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestEventStatsPaidRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, status := range []db.TicketStatus{db.TicketStatusPaid, db.TicketStatusPending, db.TicketStatusRefunded} {
		f.store.PutTicket(db.Ticket{ID: uuid.New(), UserID: uuid.New(), EventID: f.paid.ID, Status: status})
	}
	f.store.PutTicket(db.Ticket{ID: uuid.New(), UserID: uuid.New(), EventID: f.paid.ID, Status: db.TicketStatusPaid})
	if _, err := f.svc.ValidateTicket(ctx, f.paid.ID, f.ticketQR(t, f.ticket.ID), f.organizer.ID); err != nil {
		t.Fatalf("validate error: %v", err)
	}

	stats, err := f.svc.EventStats(ctx, f.paid.ID)
	if err != nil {
		t.Fatalf("stats error: %v", err)
	}
	if stats.Eligible != 3 || stats.CheckedIn != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.CheckInRate != 33.3 {
		t.Fatalf("expected 33.3, got %v", stats.CheckInRate)
	}
	if stats.ByMode[db.ScanModeOrganizerScans] != 1 || stats.Capacity == nil || *stats.Capacity != 200 {
		t.Fatalf("unexpected breakdown: %+v", stats)
	}
}

func TestEventStatsFreeUsesRegistrations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutRegistration(db.Registration{ID: uuid.New(), EventID: f.free.ID, UserID: f.student.ID, Status: db.RegistrationStatusRegistered})
	f.store.PutRegistration(db.Registration{ID: uuid.New(), EventID: f.free.ID, UserID: uuid.New(), Status: db.RegistrationStatusRegistered})
	f.store.PutRegistration(db.Registration{ID: uuid.New(), EventID: f.free.ID, UserID: uuid.New(), Status: db.RegistrationStatusWaitlist})
	qr, err := f.svc.GenerateEventQR(ctx, f.free.ID, f.organizer.ID, time.Hour)
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	if _, err := f.svc.ValidateStudent(ctx, qr.Payload, f.student.ID, nil); err != nil {
		t.Fatalf("validate error: %v", err)
	}

	stats, err := f.svc.EventStats(ctx, f.free.ID)
	if err != nil {
		t.Fatalf("stats error: %v", err)
	}
	if stats.Eligible != 2 || stats.CheckedIn != 1 || stats.CheckInRate != 50 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestEventCheckIns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.ValidateTicket(ctx, f.paid.ID, f.ticketQR(t, f.ticket.ID), f.organizer.ID); err != nil {
		t.Fatalf("validate error: %v", err)
	}
	entries, err := f.svc.EventCheckIns(ctx, f.paid.ID)
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(entries) != 1 || entries[0].User.ID != f.student.ID {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	_, err = f.svc.EventCheckIns(ctx, uuid.New())
	assertError(t, err, ErrNotFound, CodeEventNotFound)
}

func TestAuthorizeViewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.AuthorizeViewer(ctx, f.paid.ID, Viewer{UserID: f.organizer.ID}); err != nil {
		t.Fatalf("creator should be allowed: %v", err)
	}
	if _, err := f.svc.AuthorizeViewer(ctx, f.paid.ID, Viewer{UserID: uuid.New(), Admin: true}); err != nil {
		t.Fatalf("admin should be allowed: %v", err)
	}
	_, err := f.svc.AuthorizeViewer(ctx, f.paid.ID, Viewer{UserID: f.student.ID})
	assertError(t, err, ErrForbidden, CodeNotEventOrganizer)
}

func TestTicketQR(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	qr, err := f.svc.TicketQR(ctx, f.ticket.ID, f.student.ID)
	if err != nil {
		t.Fatalf("ticket qr error: %v", err)
	}
	p, err := f.signer.Verify(qr.Payload)
	if err != nil || p.TicketID != f.ticket.ID.String() {
		t.Fatalf("payload should verify for the ticket: %+v %v", p, err)
	}
	if _, err := f.svc.ValidateTicket(ctx, f.paid.ID, qr.Payload, f.organizer.ID); err != nil {
		t.Fatalf("minted ticket qr should scan: %v", err)
	}

	_, err = f.svc.TicketQR(ctx, f.ticket.ID, f.organizer.ID)
	assertError(t, err, ErrForbidden, CodeNotTicketOwner)
	_, err = f.svc.TicketQR(ctx, f.ticket.ID, f.student.ID)
	assertError(t, err, ErrConflict, CodeTicketAlreadyUsed)
}

func TestRate(t *testing.T) {
	if got := checkInRate(2, 3); got != 66.7 {
		t.Fatalf("expected 66.7, got %v", got)
	}
	if got := checkInRate(5, 0); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}
