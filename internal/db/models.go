package db

import (
	"time"

	"github.com/google/uuid"
)

type TicketStatus string

const (
	TicketStatusPending   TicketStatus = "PENDING"
	TicketStatusPaid      TicketStatus = "PAID"
	TicketStatusUsed      TicketStatus = "USED"
	TicketStatusCancelled TicketStatus = "CANCELLED"
	TicketStatusRefunded  TicketStatus = "REFUNDED"
)

type ScanMode string

const (
	ScanModeOrganizerScans ScanMode = "ORGANIZER_SCANS"
	ScanModeStudentsScan   ScanMode = "STUDENTS_SCAN"
)

type RegistrationStatus string

const (
	RegistrationStatusRegistered RegistrationStatus = "REGISTERED"
	RegistrationStatusWaitlist   RegistrationStatus = "WAITLIST"
	RegistrationStatusCancelled  RegistrationStatus = "CANCELLED"
)

type User struct {
	ID        uuid.UUID
	Email     string
	FirstName string
	LastName  string
}

type Event struct {
	ID           uuid.UUID
	CreatorID    uuid.UUID
	Title        string
	StartDate    time.Time
	IsPaid       bool
	Capacity     *int32
	CheckInMode  ScanMode
	EventQRCode  *string
	QRIssuedAt   *time.Time
	QRCodeExpiry *time.Time
}

type Ticket struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	EventID     uuid.UUID
	Price       string
	Status      TicketStatus
	PurchasedAt time.Time
	CheckedInAt *time.Time
}

type Registration struct {
	ID      uuid.UUID
	EventID uuid.UUID
	UserID  uuid.UUID
	Status  RegistrationStatus
}

type CheckIn struct {
	ID          uuid.UUID
	EventID     uuid.UUID
	UserID      uuid.UUID
	ScanMode    ScanMode
	CheckedInAt time.Time
}

type CheckInEntry struct {
	CheckIn
	User User
}
