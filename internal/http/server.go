package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loadcosmos/mnu-events-sub001/internal/auth"
	"github.com/loadcosmos/mnu-events-sub001/internal/checkin"
	"github.com/loadcosmos/mnu-events-sub001/internal/config"
	"github.com/loadcosmos/mnu-events-sub001/internal/db"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg      config.Config
	checkins *checkin.Service
	pinger   Pinger
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewServer wires the REST surface. A nil gatherer exposes the default
// prometheus registry.
func NewServer(cfg config.Config, checkins *checkin.Service, pinger Pinger, gatherer prometheus.Gatherer, logger *slog.Logger) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret required")
	}
	if checkins == nil {
		return nil, errors.New("checkin service required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		checkins: checkins,
		pinger:   pinger,
		gatherer: gatherer,
		logger:   logger,
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	organizer := requireRole(auth.RoleOrganizer, auth.RoleAdmin)
	r.With(s.authMiddleware, organizer).Post("/events/{eventId}/checkin/ticket", s.handleValidateTicket)
	r.With(s.authMiddleware).Post("/checkin/student", s.handleValidateStudent)
	r.With(s.authMiddleware, organizer).Post("/events/{eventId}/qr", s.handleGenerateEventQR)
	r.With(s.authMiddleware, organizer).Get("/events/{eventId}/stats", s.handleEventStats)
	r.With(s.authMiddleware, organizer).Get("/events/{eventId}/checkins", s.handleEventCheckIns)
	r.With(s.authMiddleware).Get("/tickets/{ticketId}/qr", s.handleTicketQR)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Auth

type claimsKey struct{}

type caller struct {
	claims *auth.Claims
	userID uuid.UUID
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		userID, err := uuid.Parse(claims.UserID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, caller{claims: claims, userID: userID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFromContext(ctx context.Context) (caller, bool) {
	c, ok := ctx.Value(claimsKey{}).(caller)
	return c, ok
}

func requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, ok := callerFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing_token")
				return
			}
			for _, role := range roles {
				if c.claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "role_not_allowed")
		})
	}
}

// Check-in

type validateTicketRequest struct {
	QR string `json:"qr"`
}

type validateStudentRequest struct {
	QR       string            `json:"qr"`
	Location *checkin.Location `json:"location,omitempty"`
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type ticketResponse struct {
	ID     string `json:"id"`
	Price  string `json:"price"`
	Status string `json:"status"`
}

type checkInResponse struct {
	ID          string          `json:"id"`
	EventID     string          `json:"eventId"`
	EventTitle  string          `json:"eventTitle"`
	ScanMode    string          `json:"scanMode"`
	CheckedInAt time.Time       `json:"checkedInAt"`
	User        userResponse    `json:"user"`
	Ticket      *ticketResponse `json:"ticket,omitempty"`
}

func (s *Server) handleValidateTicket(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())
	eventID, ok := pathUUID(w, r, "eventId")
	if !ok {
		return
	}
	var req validateTicketRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.QR) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	res, err := s.checkins.ValidateTicket(r.Context(), eventID, req.QR, c.userID)
	if err != nil {
		s.writeCheckinError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapCheckIn(res))
}

func (s *Server) handleValidateStudent(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())
	var req validateStudentRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.QR) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	res, err := s.checkins.ValidateStudent(r.Context(), req.QR, c.userID, req.Location)
	if err != nil {
		s.writeCheckinError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapCheckIn(res))
}

// QR codes

type generateEventQRRequest struct {
	ExpiryHours *float64 `json:"expiryHours,omitempty"`
}

type eventQRResponse struct {
	EventID   string    `json:"eventId"`
	Image     string    `json:"image"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ticketQRResponse struct {
	TicketID string `json:"ticketId"`
	Payload  string `json:"payload"`
	Image    string `json:"image"`
}

func (s *Server) handleGenerateEventQR(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())
	eventID, ok := pathUUID(w, r, "eventId")
	if !ok {
		return
	}
	var req generateEventQRRequest
	// The body is optional.
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	expiry := s.checkins.DefaultExpiry()
	if req.ExpiryHours != nil {
		expiry = time.Duration(*req.ExpiryHours * float64(time.Hour))
	}
	qr, err := s.checkins.GenerateEventQR(r.Context(), eventID, c.userID, expiry)
	if err != nil {
		s.writeCheckinError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, eventQRResponse{
		EventID:   qr.EventID.String(),
		Image:     qr.Image,
		IssuedAt:  qr.IssuedAt,
		ExpiresAt: qr.ExpiresAt,
	})
}

func (s *Server) handleTicketQR(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())
	ticketID, ok := pathUUID(w, r, "ticketId")
	if !ok {
		return
	}
	qr, err := s.checkins.TicketQR(r.Context(), ticketID, c.userID)
	if err != nil {
		s.writeCheckinError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketQRResponse{
		TicketID: qr.TicketID.String(),
		Payload:  qr.Payload,
		Image:    qr.Image,
	})
}

// Reporting

type statsResponse struct {
	EventID     string           `json:"eventId"`
	Title       string           `json:"title"`
	IsPaid      bool             `json:"isPaid"`
	Capacity    *int32           `json:"capacity"`
	Eligible    int64            `json:"eligible"`
	CheckedIn   int64            `json:"checkedIn"`
	ByMode      map[string]int64 `json:"byMode"`
	CheckInRate float64          `json:"checkInRate"`
}

type checkInEntryResponse struct {
	ID          string       `json:"id"`
	ScanMode    string       `json:"scanMode"`
	CheckedInAt time.Time    `json:"checkedInAt"`
	User        userResponse `json:"user"`
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	eventID, ok := s.authorizeViewer(w, r)
	if !ok {
		return
	}
	stats, err := s.checkins.EventStats(r.Context(), eventID)
	if err != nil {
		s.writeCheckinError(w, err)
		return
	}
	byMode := map[string]int64{
		string(db.ScanModeOrganizerScans): 0,
		string(db.ScanModeStudentsScan):   0,
	}
	for mode, n := range stats.ByMode {
		byMode[string(mode)] = n
	}
	writeJSON(w, http.StatusOK, statsResponse{
		EventID:     stats.EventID.String(),
		Title:       stats.Title,
		IsPaid:      stats.IsPaid,
		Capacity:    stats.Capacity,
		Eligible:    stats.Eligible,
		CheckedIn:   stats.CheckedIn,
		ByMode:      byMode,
		CheckInRate: stats.CheckInRate,
	})
}

func (s *Server) handleEventCheckIns(w http.ResponseWriter, r *http.Request) {
	eventID, ok := s.authorizeViewer(w, r)
	if !ok {
		return
	}
	entries, err := s.checkins.EventCheckIns(r.Context(), eventID)
	if err != nil {
		s.writeCheckinError(w, err)
		return
	}
	out := make([]checkInEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, checkInEntryResponse{
			ID:          e.ID.String(),
			ScanMode:    string(e.ScanMode),
			CheckedInAt: e.CheckedInAt,
			User:        mapUser(e.User),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) authorizeViewer(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	c, _ := callerFromContext(r.Context())
	eventID, ok := pathUUID(w, r, "eventId")
	if !ok {
		return uuid.Nil, false
	}
	viewer := checkin.Viewer{UserID: c.userID, Admin: c.claims.IsAdmin()}
	if _, err := s.checkins.AuthorizeViewer(r.Context(), eventID, viewer); err != nil {
		s.writeCheckinError(w, err)
		return uuid.Nil, false
	}
	return eventID, true
}

func mapCheckIn(res checkin.CheckInResult) checkInResponse {
	out := checkInResponse{
		ID:          res.CheckInID.String(),
		EventID:     res.EventID.String(),
		EventTitle:  res.EventTitle,
		ScanMode:    string(res.ScanMode),
		CheckedInAt: res.CheckedInAt,
		User:        mapUser(res.User),
	}
	if res.Ticket != nil {
		out.Ticket = &ticketResponse{
			ID:     res.Ticket.ID.String(),
			Price:  res.Ticket.Price,
			Status: string(res.Ticket.Status),
		}
	}
	return out
}

func mapUser(u db.User) userResponse {
	return userResponse{
		ID:        u.ID.String(),
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

// Errors

func statusForError(err error) int {
	switch {
	case errors.Is(err, checkin.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, checkin.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, checkin.ErrMalformedPayload), errors.Is(err, checkin.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, checkin.ErrInvalidState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, checkin.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, checkin.ErrExpired):
		return http.StatusGone
	case errors.Is(err, checkin.ErrTooManyRequests):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeCheckinError(w http.ResponseWriter, err error) {
	ce, ok := checkin.AsError(err)
	if !ok {
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if ce.Kind == checkin.ErrTooManyRequests {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, statusForError(ce), map[string]string{"error": ce.Code, "message": ce.Detail})
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+strings.ToLower(strings.TrimSuffix(param, "Id"))+"_id")
		return uuid.Nil, false
	}
	return id, true
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
