package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pawdesk/pawdesk/libs/auth"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/conflict"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/lifecycle"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/model"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/scheduling"
)

type AppointmentHandler struct {
	svc    *scheduling.Service
	logger *slog.Logger
}

func NewAppointmentHandler(svc *scheduling.Service, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{svc: svc, logger: logger}
}

func (h *AppointmentHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/availability", h.Availability)
	mux.HandleFunc("/api/v1/appointments", h.Appointments)
	mux.HandleFunc("/api/v1/appointments/transition", h.Transition)
	mux.HandleFunc("/api/v1/appointments/cancel", h.Cancel)
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Free      bool   `json:"free"`
}

type vetAvailabilityItem struct {
	VeterinarianID string     `json:"veterinarian_id"`
	Name           string     `json:"name"`
	IsAvailable    bool       `json:"is_available"`
	Slots          []slotItem `json:"slots"`
}

func (h *AppointmentHandler) Availability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := auth.FromRequest(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	dateStr := strings.TrimSpace(r.URL.Query().Get("date"))
	if dateStr == "" {
		http.Error(w, "missing date", http.StatusBadRequest)
		return
	}
	date, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		http.Error(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	vetID := strings.TrimSpace(r.URL.Query().Get("veterinarian_id"))

	grid, err := h.svc.RequestAvailability(r.Context(), date, vetID)
	if err != nil {
		h.writeServiceError(w, r, err, "resolve availability")
		return
	}

	items := make([]vetAvailabilityItem, 0, len(grid))
	for _, vet := range grid {
		slots := make([]slotItem, 0, len(vet.Slots))
		for _, s := range vet.Slots {
			slots = append(slots, slotItem{
				StartTime: s.Start.Format(time.RFC3339),
				EndTime:   s.End.Format(time.RFC3339),
				Free:      s.Free,
			})
		}
		items = append(items, vetAvailabilityItem{
			VeterinarianID: vet.VeterinarianID,
			Name:           vet.Name,
			IsAvailable:    vet.IsAvailable,
			Slots:          slots,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"date":          dateStr,
		"veterinarians": items,
	})
}

type bookAppointmentRequest struct {
	PetID             string `json:"pet_id"`
	ClientID          string `json:"client_id"`
	VeterinarianID    string `json:"veterinarian_id"`
	AppointmentTypeID string `json:"appointment_type_id"`
	ScheduledAt       string `json:"scheduled_at"`
	Reason            string `json:"reason"`
	Notes             string `json:"notes"`
}

type appointmentItem struct {
	AppointmentID  string `json:"appointment_id"`
	PetID          string `json:"pet_id"`
	ClientID       string `json:"client_id"`
	VeterinarianID string `json:"veterinarian_id,omitempty"`
	ScheduledAt    string `json:"scheduled_at"`
	DurationMins   int    `json:"duration_mins"`
	Reason         string `json:"reason,omitempty"`
	Status         string `json:"status"`
	CancelReason   string `json:"cancel_reason,omitempty"`
	CancelledAt    string `json:"cancelled_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func toAppointmentItem(a model.Appointment) appointmentItem {
	item := appointmentItem{
		AppointmentID:  a.ID,
		PetID:          a.PetID,
		ClientID:       a.ClientID,
		VeterinarianID: a.VeterinarianID,
		ScheduledAt:    a.ScheduledAt.Format(time.RFC3339),
		DurationMins:   int(a.Duration / time.Minute),
		Reason:         a.Reason,
		Status:         string(a.Status),
		CancelReason:   a.CancelReason,
		CreatedAt:      a.CreatedAt.Format(time.RFC3339),
	}
	if a.CancelledAt != nil {
		item.CancelledAt = a.CancelledAt.Format(time.RFC3339)
	}
	return item
}

// Appointments handles POST (book) and GET (list) on the collection path.
func (h *AppointmentHandler) Appointments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.book(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AppointmentHandler) book(w http.ResponseWriter, r *http.Request) {
	actor, claims, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req bookAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	req.PetID = strings.TrimSpace(req.PetID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.VeterinarianID = strings.TrimSpace(req.VeterinarianID)
	if req.ClientID == "" && actor.Role == lifecycle.RoleClient {
		req.ClientID = claims.Sub
	}
	if req.PetID == "" || req.ClientID == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		http.Error(w, "invalid scheduled_at", http.StatusBadRequest)
		return
	}

	appt, err := h.svc.BookAppointment(r.Context(), scheduling.BookingRequest{
		PetID:             req.PetID,
		ClientID:          req.ClientID,
		VeterinarianID:    req.VeterinarianID,
		AppointmentTypeID: strings.TrimSpace(req.AppointmentTypeID),
		ScheduledAt:       scheduledAt,
		Reason:            strings.TrimSpace(req.Reason),
		Notes:             strings.TrimSpace(req.Notes),
		IdempotencyKey:    strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}, actor)
	if err != nil {
		h.writeServiceError(w, r, err, "book appointment")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toAppointmentItem(appt))
}

func (h *AppointmentHandler) list(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.FromRequest(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	if id := strings.TrimSpace(q.Get("id")); id != "" {
		appt, err := h.svc.GetAppointment(r.Context(), id)
		if err != nil {
			h.writeServiceError(w, r, err, "get appointment")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(toAppointmentItem(appt))
		return
	}

	vetID := strings.TrimSpace(q.Get("veterinarian_id"))
	if vetID == "" {
		http.Error(w, "missing veterinarian_id", http.StatusBadRequest)
		return
	}

	from, to, err := parseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	appts, err := h.svc.ListAppointments(r.Context(), vetID, from, to, limit)
	if err != nil {
		h.writeServiceError(w, r, err, "list appointments")
		return
	}

	items := make([]appointmentItem, 0, len(appts))
	for _, a := range appts {
		items = append(items, toAppointmentItem(a))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"appointments": items})
}

func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now.AddDate(0, 0, -7), now.AddDate(0, 0, 30)
	var err error
	if fromStr != "" {
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid from")
		}
	}
	if toStr != "" {
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid to")
		}
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, errors.New("to must be after from")
	}
	return from, to, nil
}

type transitionRequest struct {
	AppointmentID string `json:"appointment_id"`
	TargetStatus  string `json:"target_status"`
}

func (h *AppointmentHandler) Transition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, _, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	target := model.Status(strings.TrimSpace(req.TargetStatus))
	if req.AppointmentID == "" || req.TargetStatus == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}
	if !target.Valid() {
		http.Error(w, "unknown target_status", http.StatusBadRequest)
		return
	}

	appt, err := h.svc.TransitionAppointment(r.Context(), req.AppointmentID, target, actor)
	if err != nil {
		h.writeServiceError(w, r, err, "transition appointment")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toAppointmentItem(appt))
}

type cancelRequest struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, _, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "missing appointment_id", http.StatusBadRequest)
		return
	}

	appt, err := h.svc.CancelAppointment(r.Context(), req.AppointmentID, actor, strings.TrimSpace(req.Reason))
	if err != nil {
		h.writeServiceError(w, r, err, "cancel appointment")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toAppointmentItem(appt))
}

func (h *AppointmentHandler) actor(w http.ResponseWriter, r *http.Request) (lifecycle.Actor, *auth.Claims, bool) {
	claims, err := auth.FromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return lifecycle.Actor{}, nil, false
	}
	role := lifecycle.Role(claims.Role)
	switch role {
	case lifecycle.RoleClient, lifecycle.RoleVeterinarian, lifecycle.RoleAdmin:
	default:
		http.Error(w, "unknown role", http.StatusForbidden)
		return lifecycle.Actor{}, nil, false
	}
	return lifecycle.Actor{ID: claims.Sub, Role: role}, claims, true
}

func (h *AppointmentHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, conflict.ErrSlotConflict):
		http.Error(w, "time slot already booked", http.StatusConflict)
	case errors.Is(err, conflict.ErrOutsideWorkingHours):
		http.Error(w, "requested time is outside working hours", http.StatusUnprocessableEntity)
	case errors.Is(err, conflict.ErrPastTime):
		http.Error(w, "requested time is in the past", http.StatusUnprocessableEntity)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		http.Error(w, "transition not allowed", http.StatusConflict)
	case errors.Is(err, scheduling.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		h.logger.Error(op, "error", err, "path", r.URL.Path)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
