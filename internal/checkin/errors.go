package checkin

import "errors"

// Error kinds. Every *Error unwraps to exactly one of these.
var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidState     = errors.New("invalid state")
	ErrConflict         = errors.New("conflict")
	ErrExpired          = errors.New("expired")
	ErrTooManyRequests  = errors.New("too many requests")
)

const (
	CodeEventNotFound     = "event_not_found"
	CodeTicketNotFound    = "ticket_not_found"
	CodeUserNotFound      = "user_not_found"
	CodeNotEventOrganizer = "not_event_organizer"
	CodeNotTicketOwner    = "not_ticket_owner"
	CodeMalformedPayload  = "malformed_payload"
	CodeWrongQRType       = "wrong_qr_type"
	CodeInvalidSignature  = "invalid_signature"
	CodeTicketNotPaid     = "ticket_not_paid"
	CodeWrongEvent        = "wrong_event"
	CodeInvalidExpiry     = "invalid_expiry"
	CodeLocationRejected  = "location_rejected"
	CodeTicketAlreadyUsed = "ticket_already_used"
	CodeAlreadyCheckedIn  = "already_checked_in"
	CodeQRExpired         = "qr_expired"
	CodeQRNotIssued       = "qr_not_issued"
	CodeQRSuperseded      = "qr_superseded"
	CodeRateLimited       = "rate_limited"
)

type Error struct {
	Kind   error
	Code   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, code, detail string) *Error {
	return &Error{Kind: kind, Code: code, Detail: detail}
}

// AsError extracts the typed check-in error from err, if any.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
