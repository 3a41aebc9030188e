// Package qrsign mints and verifies the signed payloads carried inside
// ticket and event QR codes.
//
// The wire form is a compact JSON object tagged by "type":
//
//	{"type":"ticket","ticketId":"<uuid>","timestamp":<unix ms>,"signature":"<hex>"}
//	{"type":"event","eventId":"<uuid>","timestamp":<unix ms>,"signature":"<hex>"}
//
// The signature is HMAC-SHA256 over the newline-joined key=value pairs of
// every other field in the order above. Decoding rejects unknown, missing
// or mis-cased keys before any signature work is done.
package qrsign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeTicket Type = "ticket"
	TypeEvent  Type = "event"
)

var (
	ErrMalformed        = errors.New("malformed_payload")
	ErrInvalidSignature = errors.New("invalid_signature")
)

type Payload struct {
	Type      Type   `json:"type"`
	TicketID  string `json:"ticketId,omitempty"`
	EventID   string `json:"eventId,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature,omitempty"`
}

func TicketPayload(ticketID uuid.UUID, at time.Time) Payload {
	return Payload{Type: TypeTicket, TicketID: ticketID.String(), Timestamp: at.UnixMilli()}
}

func EventPayload(eventID uuid.UUID, at time.Time) Payload {
	return Payload{Type: TypeEvent, EventID: eventID.String(), Timestamp: at.UnixMilli()}
}

// IssuedAt is the payload timestamp as a time.
func (p Payload) IssuedAt() time.Time {
	return time.UnixMilli(p.Timestamp).UTC()
}

// SubjectID returns the referenced ticket or event id.
func (p Payload) SubjectID() (uuid.UUID, error) {
	switch p.Type {
	case TypeTicket:
		return uuid.Parse(p.TicketID)
	case TypeEvent:
		return uuid.Parse(p.EventID)
	default:
		return uuid.UUID{}, ErrMalformed
	}
}

type Signer struct {
	key []byte
}

func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("qr signing secret required")
	}
	return &Signer{key: []byte(secret)}, nil
}

// Sign returns p with its signature set. Any existing signature is
// ignored.
func (s *Signer) Sign(p Payload) (Payload, error) {
	p.Signature = ""
	if err := validateShape(p); err != nil {
		return Payload{}, err
	}
	p.Signature = s.mac(p)
	return p, nil
}

// Encode renders a signed payload as QR text.
func Encode(p Payload) (string, error) {
	if p.Signature == "" {
		return "", ErrMalformed
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Verify decodes raw QR text and checks its signature.
func (s *Signer) Verify(raw string) (Payload, error) {
	p, err := Decode(raw)
	if err != nil {
		return Payload{}, err
	}
	expected := s.mac(p)
	if !hmac.Equal([]byte(expected), []byte(p.Signature)) {
		return Payload{}, ErrInvalidSignature
	}
	return p, nil
}

// Decode parses QR text without checking the signature.
func Decode(raw string) (Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Payload{}, ErrMalformed
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return Payload{}, ErrMalformed
	}

	var p Payload
	if err := decodeField(fields, "type", &p.Type); err != nil {
		return Payload{}, err
	}
	var idKey string
	switch p.Type {
	case TypeTicket:
		idKey = "ticketId"
		if err := decodeField(fields, idKey, &p.TicketID); err != nil {
			return Payload{}, err
		}
	case TypeEvent:
		idKey = "eventId"
		if err := decodeField(fields, idKey, &p.EventID); err != nil {
			return Payload{}, err
		}
	default:
		return Payload{}, ErrMalformed
	}
	if err := decodeField(fields, "timestamp", &p.Timestamp); err != nil {
		return Payload{}, err
	}
	if err := decodeField(fields, "signature", &p.Signature); err != nil {
		return Payload{}, err
	}
	if len(fields) != 4 {
		return Payload{}, ErrMalformed
	}
	if err := validateShape(p); err != nil {
		return Payload{}, err
	}
	if p.Signature == "" {
		return Payload{}, ErrMalformed
	}
	return p, nil
}

func decodeField(fields map[string]json.RawMessage, key string, out interface{}) error {
	value, ok := fields[key]
	if !ok {
		return ErrMalformed
	}
	if err := json.Unmarshal(value, out); err != nil {
		return ErrMalformed
	}
	return nil
}

func validateShape(p Payload) error {
	switch p.Type {
	case TypeTicket:
		if p.EventID != "" {
			return ErrMalformed
		}
	case TypeEvent:
		if p.TicketID != "" {
			return ErrMalformed
		}
	default:
		return ErrMalformed
	}
	if _, err := p.SubjectID(); err != nil {
		return ErrMalformed
	}
	if p.Timestamp <= 0 {
		return ErrMalformed
	}
	return nil
}

func (s *Signer) mac(p Payload) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(canonical(p)))
	return hex.EncodeToString(h.Sum(nil))
}

func canonical(p Payload) string {
	parts := []string{"type=" + string(p.Type)}
	switch p.Type {
	case TypeTicket:
		parts = append(parts, "ticketId="+p.TicketID)
	case TypeEvent:
		parts = append(parts, "eventId="+p.EventID)
	}
	parts = append(parts, "timestamp="+strconv.FormatInt(p.Timestamp, 10))
	return strings.Join(parts, "\n")
}
