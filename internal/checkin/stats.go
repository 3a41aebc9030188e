package checkin

import (
	"context"
	"math"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loadcosmos/mnu-events-sub001/internal/db"
)

type Stats struct {
	EventID     uuid.UUID
	Title       string
	IsPaid      bool
	Capacity    *int32
	Eligible    int64
	CheckedIn   int64
	ByMode      map[db.ScanMode]int64
	CheckInRate float64
}

// EventStats reports attendance against the eligible population: PAID or
// USED tickets for paid events, REGISTERED registrations otherwise.
// Callers authorize first.
func (s *Service) EventStats(ctx context.Context, eventID uuid.UUID) (Stats, error) {
	event, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return Stats{}, err
	}

	var byMode map[db.ScanMode]int64
	var eligible int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		counts, err := s.store.CountCheckIns(gctx, event.ID)
		byMode = counts
		return err
	})
	g.Go(func() error {
		var err error
		if event.IsPaid {
			eligible, err = s.store.CountTickets(gctx, event.ID, db.TicketStatusPaid, db.TicketStatusUsed)
		} else {
			eligible, err = s.store.CountRegistrations(gctx, event.ID, db.RegistrationStatusRegistered)
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return Stats{}, s.storeError("event stats", err)
	}

	var checkedIn int64
	for _, n := range byMode {
		checkedIn += n
	}
	if byMode == nil {
		byMode = map[db.ScanMode]int64{}
	}
	return Stats{
		EventID:     event.ID,
		Title:       event.Title,
		IsPaid:      event.IsPaid,
		Capacity:    event.Capacity,
		Eligible:    eligible,
		CheckedIn:   checkedIn,
		ByMode:      byMode,
		CheckInRate: checkInRate(checkedIn, eligible),
	}, nil
}

func checkInRate(checkedIn, eligible int64) float64 {
	if eligible == 0 {
		return 0
	}
	return math.Round(float64(checkedIn)/float64(eligible)*1000) / 10
}

// EventCheckIns lists an event's check-ins, newest first. Callers
// authorize first.
func (s *Service) EventCheckIns(ctx context.Context, eventID uuid.UUID) ([]db.CheckInEntry, error) {
	event, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListCheckIns(ctx, event.ID)
	if err != nil {
		return nil, s.storeError("list check-ins", err)
	}
	return entries, nil
}
