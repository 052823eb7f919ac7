package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/availability"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/calendar"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/conflict"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/directory"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/lifecycle"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/model"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/outbox"
)

// ErrNotFound covers missing appointments, veterinarians, and pets.
var ErrNotFound = errors.New("not found")

const defaultAppointmentDuration = 30 * time.Minute

// Store is the persistence boundary. Mutating methods are atomic: the write
// and its outbox event commit together, and CreateAppointment must turn a
// same-veterinarian interval race into conflict.ErrSlotConflict rather than
// a second active row (the Postgres implementation uses a GiST exclusion
// constraint for this).
type Store interface {
	ListVeterinarians(ctx context.Context, filterID string) ([]model.Veterinarian, error)
	WorkingHours(ctx context.Context, vetID string) ([]model.WorkingHours, error)
	ActiveAppointments(ctx context.Context, vetID string, from, to time.Time) ([]model.Appointment, error)
	AppointmentType(ctx context.Context, id string) (model.AppointmentType, error)
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	ListAppointments(ctx context.Context, vetID string, from, to time.Time, limit int) ([]model.Appointment, error)

	// CreateAppointment persists appt and evt in one transaction, honoring
	// idempotencyKey when non-empty (a replay returns the original row).
	// The store assigns the row ID and stamps it into evt.AggregateID.
	CreateAppointment(ctx context.Context, idempotencyKey string, appt model.Appointment, evt outbox.Event) (model.Appointment, error)

	// MutateAppointment loads the appointment with a row lock, applies
	// mutate, and persists the result plus evt atomically. A mutate error
	// aborts the transaction with no write.
	MutateAppointment(ctx context.Context, id string, mutate func(model.Appointment) (model.Appointment, outbox.Event, error)) (model.Appointment, error)
}

// Config carries the clinic-level policy knobs.
type Config struct {
	Location      *time.Location // clinic-local time; nil means UTC
	MinimumNotice time.Duration  // no booking within this lead time
	CancelNotice  time.Duration  // clients cannot cancel within this lead time
}

func (c Config) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// Service orchestrates availability resolution, conflict detection, and the
// appointment state machine. It is the only writer of appointment status.
type Service struct {
	store Store
	dir   directory.Provider // nil when ownership is enforced upstream
	cfg   Config
	now   func() time.Time
}

func NewService(store Store, dir directory.Provider, cfg Config) *Service {
	return &Service{
		store: store,
		dir:   dir,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RequestAvailability returns each matching veterinarian's slot map for one
// clinic-local date. Read-only and idempotent.
func (s *Service) RequestAvailability(ctx context.Context, date time.Time, vetFilter string) ([]availability.VetAvailability, error) {
	loc := s.cfg.location()
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	dayEnd := day.AddDate(0, 0, 1)

	vets, err := s.store.ListVeterinarians(ctx, vetFilter)
	if err != nil {
		return nil, err
	}
	if vetFilter != "" && len(vets) == 0 {
		return nil, fmt.Errorf("veterinarian %s: %w", vetFilter, ErrNotFound)
	}

	schedules := make([]availability.Schedule, 0, len(vets))
	for _, vet := range vets {
		hours, err := s.store.WorkingHours(ctx, vet.ID)
		if err != nil {
			return nil, err
		}
		busy, err := s.store.ActiveAppointments(ctx, vet.ID, day, dayEnd)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, availability.Schedule{
			Veterinarian: vet,
			Hours:        hours,
			Busy:         busy,
		})
	}

	return availability.Resolve(day, schedules, availability.Options{
		Now:           s.now(),
		MinimumNotice: s.cfg.MinimumNotice,
	}), nil
}

// BookingRequest is a client's ask for a new appointment.
type BookingRequest struct {
	PetID             string
	ClientID          string
	VeterinarianID    string // optional; empty books an unassigned appointment
	AppointmentTypeID string // optional; sizes the slot, default 30 minutes
	ScheduledAt       time.Time
	Reason            string
	Notes             string
	IdempotencyKey    string
}

// BookAppointment validates the request and creates the appointment in
// pending status. On any validation failure nothing is written.
func (s *Service) BookAppointment(ctx context.Context, req BookingRequest, actor lifecycle.Actor) (model.Appointment, error) {
	now := s.now()

	// Clients book for themselves; staff may book on a client's behalf.
	if actor.Role == lifecycle.RoleClient && actor.ID != req.ClientID {
		return model.Appointment{}, lifecycle.ErrInvalidTransition
	}
	if err := s.checkPetOwnership(ctx, req.PetID, req.ClientID); err != nil {
		return model.Appointment{}, err
	}

	duration := defaultAppointmentDuration
	if req.AppointmentTypeID != "" {
		apptType, err := s.store.AppointmentType(ctx, req.AppointmentTypeID)
		if err != nil {
			return model.Appointment{}, err
		}
		if d := apptType.Duration(); d > 0 {
			duration = d
		}
	}

	if req.VeterinarianID != "" {
		if err := s.checkProposal(ctx, req.VeterinarianID, req.ScheduledAt, duration, now); err != nil {
			return model.Appointment{}, err
		}
	} else if req.ScheduledAt.Before(now) {
		// Unassigned bookings skip vet-specific checks but never target the past.
		return model.Appointment{}, conflict.ErrPastTime
	}

	appt := model.Appointment{
		PetID:          req.PetID,
		ClientID:       req.ClientID,
		VeterinarianID: req.VeterinarianID,
		ScheduledAt:    req.ScheduledAt.UTC(),
		Duration:       duration,
		Reason:         req.Reason,
		Notes:          req.Notes,
		Status:         model.StatusPending,
	}

	evt := outbox.Event{
		AggregateType: "appointment",
		EventType:     outbox.EventAppointmentBooked,
		Payload: mustJSON(map[string]any{
			"pet_id":          appt.PetID,
			"client_id":       appt.ClientID,
			"veterinarian_id": appt.VeterinarianID,
			"scheduled_at":    appt.ScheduledAt.Format(time.RFC3339),
			"duration_mins":   int(appt.Duration / time.Minute),
			"reason":          appt.Reason,
		}),
	}

	created, err := s.store.CreateAppointment(ctx, req.IdempotencyKey, appt, evt)
	if err != nil {
		return model.Appointment{}, err
	}
	return created, nil
}

// TransitionAppointment moves an appointment to target on behalf of actor,
// enforcing the lifecycle table. The status write and its event commit
// atomically; a rejected transition writes nothing.
func (s *Service) TransitionAppointment(ctx context.Context, id string, target model.Status, actor lifecycle.Actor) (model.Appointment, error) {
	return s.transition(ctx, id, target, actor, "")
}

// CancelAppointment forces target = cancelled through the same validated
// path, recording an optional reason.
func (s *Service) CancelAppointment(ctx context.Context, id string, actor lifecycle.Actor, reason string) (model.Appointment, error) {
	return s.transition(ctx, id, model.StatusCancelled, actor, reason)
}

func (s *Service) transition(ctx context.Context, id string, target model.Status, actor lifecycle.Actor, cancelReason string) (model.Appointment, error) {
	now := s.now()
	rules := lifecycle.Rules{CancelNotice: s.cfg.CancelNotice}

	return s.store.MutateAppointment(ctx, id, func(appt model.Appointment) (model.Appointment, outbox.Event, error) {
		if err := lifecycle.Validate(appt, target, actor, now, rules); err != nil {
			return model.Appointment{}, outbox.Event{}, err
		}

		previous := appt.Status
		appt.Status = target
		appt.UpdatedAt = now
		if target == model.StatusCancelled {
			appt.CancelReason = cancelReason
			cancelledAt := now
			appt.CancelledAt = &cancelledAt
		}

		eventType := outbox.EventAppointmentStatusChanged
		if target == model.StatusCancelled {
			eventType = outbox.EventAppointmentCancelled
		}
		evt := outbox.Event{
			AggregateType: "appointment",
			AggregateID:   appt.ID,
			EventType:     eventType,
			Payload: mustJSON(map[string]any{
				"appointment_id":  appt.ID,
				"veterinarian_id": appt.VeterinarianID,
				"client_id":       appt.ClientID,
				"from_status":     string(previous),
				"to_status":       string(target),
				"actor_id":        actor.ID,
				"actor_role":      string(actor.Role),
				"scheduled_at":    appt.ScheduledAt.Format(time.RFC3339),
			}),
		}
		return appt, evt, nil
	})
}

func (s *Service) checkProposal(ctx context.Context, vetID string, start time.Time, duration time.Duration, now time.Time) error {
	vets, err := s.store.ListVeterinarians(ctx, vetID)
	if err != nil {
		return err
	}
	if len(vets) == 0 {
		return fmt.Errorf("veterinarian %s: %w", vetID, ErrNotFound)
	}

	hours, err := s.store.WorkingHours(ctx, vetID)
	if err != nil {
		return err
	}

	loc := s.cfg.location()
	local := start.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	active, err := s.store.ActiveAppointments(ctx, vetID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return err
	}

	windows := calendar.WindowsFor(hours, local.Weekday())
	return conflict.Check(conflict.Proposal{
		VeterinarianID: vetID,
		ScheduledAt:    start,
		Duration:       duration,
	}, active, windows, loc, now)
}

func (s *Service) checkPetOwnership(ctx context.Context, petID, clientID string) error {
	if s.dir == nil {
		return nil
	}
	owner, err := s.dir.OwnerOf(ctx, petID)
	if err != nil {
		if errors.Is(err, directory.ErrUnknownPet) {
			return fmt.Errorf("pet %s: %w", petID, ErrNotFound)
		}
		return err
	}
	if owner != clientID {
		return fmt.Errorf("pet %s does not belong to client %s: %w", petID, clientID, ErrNotFound)
	}
	return nil
}

// GetAppointment loads one appointment.
func (s *Service) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	return s.store.GetAppointment(ctx, id)
}

// ListAppointments lists a veterinarian's appointments in a range.
func (s *Service) ListAppointments(ctx context.Context, vetID string, from, to time.Time, limit int) ([]model.Appointment, error) {
	return s.store.ListAppointments(ctx, vetID, from, to, limit)
}

func mustJSON(v map[string]any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Payload maps are built from scalars; marshal cannot fail.
		panic(err)
	}
	return b
}
