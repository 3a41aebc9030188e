package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loadcosmos/mnu-events-sub001/internal/db"
	"github.com/loadcosmos/mnu-events-sub001/internal/qrsign"
)

type EventQR struct {
	EventID   uuid.UUID
	Payload   string
	Image     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// GenerateEventQR mints and stores a new event credential, replacing the
// previous one. expiry must be in (0, max].
func (s *Service) GenerateEventQR(ctx context.Context, eventID, organizerID uuid.UUID, expiry time.Duration) (EventQR, error) {
	if expiry <= 0 || expiry > s.maxExpiry {
		return EventQR{}, newError(ErrInvalidState, CodeInvalidExpiry,
			fmt.Sprintf("expiry must be between 0 and %s", s.maxExpiry))
	}
	event, err := s.AuthorizeOrganizer(ctx, eventID, organizerID)
	if err != nil {
		return EventQR{}, err
	}

	// Payload timestamps carry milliseconds; keep issuedAt comparable.
	issuedAt := s.now().UTC().Truncate(time.Millisecond)
	expiresAt := issuedAt.Add(expiry)
	payload, err := s.signer.Sign(qrsign.EventPayload(event.ID, issuedAt))
	if err != nil {
		return EventQR{}, err
	}
	text, err := qrsign.Encode(payload)
	if err != nil {
		return EventQR{}, err
	}
	image, err := s.renderer.Render(text)
	if err != nil {
		return EventQR{}, fmt.Errorf("render event qr: %w", err)
	}
	err = s.store.UpdateEventQRCode(ctx, event.ID, image, issuedAt, expiresAt)
	if errors.Is(err, db.ErrNotFound) {
		return EventQR{}, newError(ErrNotFound, CodeEventNotFound, "event not found")
	}
	if err != nil {
		return EventQR{}, s.storeError("store event qr", err)
	}
	s.metrics.observeIssued("event")
	s.logger.Info("event qr issued", "event_id", event.ID, "expires_at", expiresAt)
	return EventQR{
		EventID:   event.ID,
		Payload:   text,
		Image:     image,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}
