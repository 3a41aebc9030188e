package checkin

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/loadcosmos/mnu-events-sub001/internal/db"
	"github.com/loadcosmos/mnu-events-sub001/internal/qrsign"
)

// ValidateTicket is the organizer-scans-ticket flow: the event creator
// scans a holder's ticket QR at the door.
func (s *Service) ValidateTicket(ctx context.Context, eventID uuid.UUID, qrText string, organizerID uuid.UUID) (CheckInResult, error) {
	res, err := s.validateTicket(ctx, eventID, qrText, organizerID)
	s.metrics.observeCheckIn(db.ScanModeOrganizerScans, err)
	if err != nil {
		s.logger.Info("ticket check-in rejected", "event_id", eventID, "organizer_id", organizerID, "error", err)
		return CheckInResult{}, err
	}
	s.logger.Info("ticket check-in", "event_id", eventID, "ticket_id", res.Ticket.ID, "user_id", res.User.ID)
	return res, nil
}

func (s *Service) validateTicket(ctx context.Context, eventID uuid.UUID, qrText string, organizerID uuid.UUID) (CheckInResult, error) {
	event, err := s.AuthorizeOrganizer(ctx, eventID, organizerID)
	if err != nil {
		return CheckInResult{}, err
	}
	_, ticketID, err := s.verify(qrText, qrsign.TypeTicket)
	if err != nil {
		return CheckInResult{}, err
	}
	ticket, err := s.store.GetTicket(ctx, ticketID)
	if errors.Is(err, db.ErrNotFound) {
		return CheckInResult{}, newError(ErrNotFound, CodeTicketNotFound, "ticket not found")
	}
	if err != nil {
		return CheckInResult{}, s.storeError("load ticket", err)
	}
	if err := ticketRedeemable(ticket); err != nil {
		return CheckInResult{}, err
	}
	if ticket.EventID != event.ID {
		return CheckInResult{}, newError(ErrInvalidState, CodeWrongEvent, "ticket belongs to a different event")
	}
	holder, err := s.loadUser(ctx, ticket.UserID)
	if err != nil {
		return CheckInResult{}, err
	}

	checkIn := db.CheckIn{
		ID:          uuid.New(),
		EventID:     event.ID,
		UserID:      ticket.UserID,
		ScanMode:    db.ScanModeOrganizerScans,
		CheckedInAt: s.now().UTC(),
	}
	redeemed, err := s.store.RedeemTicket(ctx, ticket.ID, checkIn)
	switch {
	case errors.Is(err, db.ErrTicketNotRedeemable):
		return CheckInResult{}, s.explainLostRedeem(ctx, ticket.ID)
	case errors.Is(err, db.ErrDuplicate):
		return CheckInResult{}, newError(ErrConflict, CodeAlreadyCheckedIn, "holder is already checked in to this event")
	case err != nil:
		return CheckInResult{}, s.storeError("redeem ticket", err)
	}

	return CheckInResult{
		CheckInID:   checkIn.ID,
		EventID:     event.ID,
		EventTitle:  event.Title,
		ScanMode:    checkIn.ScanMode,
		CheckedInAt: checkIn.CheckedInAt,
		User:        holder,
		Ticket: &TicketSummary{
			ID:     redeemed.ID,
			Price:  redeemed.Price,
			Status: redeemed.Status,
		},
	}, nil
}

// explainLostRedeem reports why the conditional update matched nothing,
// typically because a concurrent scan won.
func (s *Service) explainLostRedeem(ctx context.Context, ticketID uuid.UUID) error {
	current, err := s.store.GetTicket(ctx, ticketID)
	if errors.Is(err, db.ErrNotFound) {
		return newError(ErrNotFound, CodeTicketNotFound, "ticket not found")
	}
	if err != nil {
		return s.storeError("reload ticket", err)
	}
	if err := ticketRedeemable(current); err != nil {
		return err
	}
	return newError(ErrInvalidState, CodeTicketNotPaid, "ticket changed state during check-in")
}

func ticketRedeemable(t db.Ticket) error {
	switch t.Status {
	case db.TicketStatusPaid:
		return nil
	case db.TicketStatusUsed:
		return newError(ErrConflict, CodeTicketAlreadyUsed, "ticket already used")
	default:
		return newError(ErrInvalidState, CodeTicketNotPaid, fmt.Sprintf("ticket status is %s", t.Status))
	}
}

// TicketQR is the signed ticket code and its rendered image.
type TicketQR struct {
	TicketID uuid.UUID
	Payload  string
	Image    string
}

// TicketQR mints a fresh signed QR for a PAID ticket owned by userID.
func (s *Service) TicketQR(ctx context.Context, ticketID, userID uuid.UUID) (TicketQR, error) {
	ticket, err := s.store.GetTicket(ctx, ticketID)
	if errors.Is(err, db.ErrNotFound) {
		return TicketQR{}, newError(ErrNotFound, CodeTicketNotFound, "ticket not found")
	}
	if err != nil {
		return TicketQR{}, s.storeError("load ticket", err)
	}
	if ticket.UserID != userID {
		return TicketQR{}, newError(ErrForbidden, CodeNotTicketOwner, "ticket belongs to another user")
	}
	if err := ticketRedeemable(ticket); err != nil {
		return TicketQR{}, err
	}
	payload, err := s.signer.Sign(qrsign.TicketPayload(ticket.ID, s.now()))
	if err != nil {
		return TicketQR{}, err
	}
	text, err := qrsign.Encode(payload)
	if err != nil {
		return TicketQR{}, err
	}
	image, err := s.renderer.Render(text)
	if err != nil {
		return TicketQR{}, fmt.Errorf("render ticket qr: %w", err)
	}
	s.metrics.observeIssued("ticket")
	return TicketQR{TicketID: ticket.ID, Payload: text, Image: image}, nil
}
