package checkin

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/loadcosmos/mnu-events-sub001/internal/db"
	"github.com/loadcosmos/mnu-events-sub001/internal/qrsign"
	"github.com/loadcosmos/mnu-events-sub001/internal/ratelimit"
)

// Location is where the student claims to be when scanning.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// LocationVerifier decides whether a scan location is acceptable for an
// event. Errors are logged and the scan proceeds.
type LocationVerifier interface {
	VerifyLocation(ctx context.Context, event db.Event, loc *Location) (bool, error)
}

type AcceptAnyLocation struct{}

func (AcceptAnyLocation) VerifyLocation(context.Context, db.Event, *Location) (bool, error) {
	return true, nil
}

// ValidateStudent is the students-scan-event flow: a student scans the
// QR displayed at the venue.
func (s *Service) ValidateStudent(ctx context.Context, qrText string, userID uuid.UUID, loc *Location) (CheckInResult, error) {
	res, err := s.validateStudent(ctx, qrText, userID, loc)
	s.metrics.observeCheckIn(db.ScanModeStudentsScan, err)
	if err != nil {
		s.logger.Info("student check-in rejected", "user_id", userID, "error", err)
		return CheckInResult{}, err
	}
	s.logger.Info("student check-in", "event_id", res.EventID, "user_id", userID)
	return res, nil
}

func (s *Service) validateStudent(ctx context.Context, qrText string, userID uuid.UUID, loc *Location) (CheckInResult, error) {
	payload, eventID, err := s.verify(qrText, qrsign.TypeEvent)
	if err != nil {
		return CheckInResult{}, err
	}
	event, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return CheckInResult{}, err
	}
	now := s.now().UTC()
	if err := s.checkCredential(event, payload, now); err != nil {
		return CheckInResult{}, err
	}

	exists, err := s.store.HasCheckIn(ctx, event.ID, userID)
	if err != nil {
		return CheckInResult{}, s.storeError("check existing check-in", err)
	}
	if exists {
		return CheckInResult{}, newError(ErrConflict, CodeAlreadyCheckedIn, "already checked in to this event")
	}

	allowed, err := s.limiter.Allow(ctx, ratelimit.Key(userID, event.ID))
	if err != nil {
		return CheckInResult{}, s.storeError("rate limit", err)
	}
	if !allowed {
		return CheckInResult{}, newError(ErrTooManyRequests, CodeRateLimited, "wait a few seconds before scanning again")
	}

	ok, err := s.location.VerifyLocation(ctx, event, loc)
	if err != nil {
		s.logger.Warn("location verification failed", "event_id", event.ID, "user_id", userID, "error", err)
		ok = true
	}
	if !ok {
		return CheckInResult{}, newError(ErrInvalidState, CodeLocationRejected, "scan location is outside the venue")
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return CheckInResult{}, err
	}
	checkIn := db.CheckIn{
		ID:          uuid.New(),
		EventID:     event.ID,
		UserID:      userID,
		ScanMode:    db.ScanModeStudentsScan,
		CheckedInAt: now,
	}
	err = s.store.CreateCheckIn(ctx, checkIn)
	if errors.Is(err, db.ErrDuplicate) {
		return CheckInResult{}, newError(ErrConflict, CodeAlreadyCheckedIn, "already checked in to this event")
	}
	if err != nil {
		return CheckInResult{}, s.storeError("create check-in", err)
	}
	return CheckInResult{
		CheckInID:   checkIn.ID,
		EventID:     event.ID,
		EventTitle:  event.Title,
		ScanMode:    checkIn.ScanMode,
		CheckedInAt: checkIn.CheckedInAt,
		User:        user,
	}, nil
}

// checkCredential rejects payloads for a credential that has lapsed or
// been replaced.
func (s *Service) checkCredential(event db.Event, p qrsign.Payload, now time.Time) error {
	// Stricter than the expiry rule alone: a signed event payload is only
	// honored against a credential this service stored.
	if event.QRCodeExpiry == nil || event.QRIssuedAt == nil {
		return newError(ErrExpired, CodeQRNotIssued, "event has no active qr code")
	}
	if now.After(*event.QRCodeExpiry) {
		return newError(ErrExpired, CodeQRExpired, "event qr code has expired")
	}
	if p.IssuedAt().Before(event.QRIssuedAt.Add(-s.rotationGrace)) {
		return newError(ErrExpired, CodeQRSuperseded, "event qr code was replaced")
	}
	return nil
}
