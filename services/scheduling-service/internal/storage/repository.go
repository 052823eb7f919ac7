package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pawdesk/pawdesk/libs/db"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/conflict"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/model"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/outbox"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/scheduling"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
)

// Repository is the Postgres implementation of scheduling.Store. The
// appointments table carries a GiST exclusion constraint over
// (veterinarian_id, tsrange(scheduled_at, scheduled_at + duration)) for
// active rows, so a booking race is settled by the database: the loser's
// insert fails with 23P01 and surfaces as conflict.ErrSlotConflict.
type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool, ob *outbox.Repository) *Repository {
	return &Repository{pool: pool, outbox: ob}
}

func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

const appointmentColumns = `
	id, pet_id, client_id, COALESCE(veterinarian_id, ''), scheduled_at,
	duration_mins, reason, notes, status, COALESCE(cancel_reason, ''),
	cancelled_at, created_at, updated_at
`

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var (
		a            model.Appointment
		durationMins int
		status       string
	)
	err := row.Scan(
		&a.ID, &a.PetID, &a.ClientID, &a.VeterinarianID, &a.ScheduledAt,
		&durationMins, &a.Reason, &a.Notes, &status, &a.CancelReason,
		&a.CancelledAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	a.Duration = time.Duration(durationMins) * time.Minute
	a.Status = model.Status(status)
	return a, nil
}

func (r *Repository) ListVeterinarians(ctx context.Context, filterID string) ([]model.Veterinarian, error) {
	query := `
		SELECT id, name, COALESCE(specialty, ''), is_active, slot_duration_mins, created_at
		FROM veterinarians
		WHERE is_active
	`
	args := []any{}
	if filterID != "" {
		query += ` AND id = $1`
		args = append(args, filterID)
	}
	query += ` ORDER BY name, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list veterinarians: %w", err)
	}
	defer rows.Close()

	var vets []model.Veterinarian
	for rows.Next() {
		var (
			v        model.Veterinarian
			slotMins int
		)
		if err := rows.Scan(&v.ID, &v.Name, &v.Specialty, &v.IsActive, &slotMins, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.SlotDuration = time.Duration(slotMins) * time.Minute
		vets = append(vets, v)
	}
	return vets, rows.Err()
}

func (r *Repository) WorkingHours(ctx context.Context, vetID string) ([]model.WorkingHours, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT veterinarian_id, weekday, is_working, start_minute, end_minute
		FROM working_hours
		WHERE veterinarian_id = $1
		ORDER BY weekday, start_minute
	`, vetID)
	if err != nil {
		return nil, fmt.Errorf("working hours for %s: %w", vetID, err)
	}
	defer rows.Close()

	var hours []model.WorkingHours
	for rows.Next() {
		var (
			h       model.WorkingHours
			weekday int
		)
		if err := rows.Scan(&h.VeterinarianID, &weekday, &h.IsWorking, &h.StartMinute, &h.EndMinute); err != nil {
			return nil, err
		}
		h.Weekday = time.Weekday(weekday)
		hours = append(hours, h)
	}
	return hours, rows.Err()
}

func (r *Repository) ActiveAppointments(ctx context.Context, vetID string, from, to time.Time) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE veterinarian_id = $1
		  AND status IN ('pending', 'confirmed')
		  AND scheduled_at < $3
		  AND scheduled_at + make_interval(mins => duration_mins) > $2
		ORDER BY scheduled_at
	`, vetID, from, to)
	if err != nil {
		return nil, fmt.Errorf("active appointments for %s: %w", vetID, err)
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *Repository) ListAppointments(ctx context.Context, vetID string, from, to time.Time, limit int) ([]model.Appointment, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE veterinarian_id = $1
		  AND scheduled_at < $3
		  AND scheduled_at + make_interval(mins => duration_mins) > $2
		ORDER BY scheduled_at
		LIMIT $4
	`, vetID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list appointments for %s: %w", vetID, err)
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	var appts []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, a)
	}
	return appts, rows.Err()
}

func (r *Repository) AppointmentType(ctx context.Context, id string) (model.AppointmentType, error) {
	var t model.AppointmentType
	err := r.pool.QueryRow(ctx, `
		SELECT id, label, duration_mins, price_cents, updated_at
		FROM appointment_types
		WHERE id = $1
	`, id).Scan(&t.ID, &t.Label, &t.DurationMins, &t.Price, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AppointmentType{}, fmt.Errorf("appointment type %s: %w", id, scheduling.ErrNotFound)
	}
	if err != nil {
		return model.AppointmentType{}, err
	}
	return t, nil
}

// UpsertAppointmentType applies a catalog event. Last write wins on the
// event's updated_at so replays and reordered deliveries converge.
func (r *Repository) UpsertAppointmentType(ctx context.Context, t model.AppointmentType) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_types (id, label, duration_mins, price_cents, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET label = EXCLUDED.label,
		    duration_mins = EXCLUDED.duration_mins,
		    price_cents = EXCLUDED.price_cents,
		    updated_at = EXCLUDED.updated_at
		WHERE appointment_types.updated_at < EXCLUDED.updated_at
	`, t.ID, t.Label, t.DurationMins, t.Price, t.UpdatedAt)
	return err
}

func (r *Repository) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	a, err := scanAppointment(r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, fmt.Errorf("appointment %s: %w", id, scheduling.ErrNotFound)
	}
	return a, err
}

func (r *Repository) CreateAppointment(ctx context.Context, idempotencyKey string, appt model.Appointment, evt outbox.Event) (model.Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer tx.Rollback(ctx)

	if idempotencyKey != "" {
		var existingID *string
		err := tx.QueryRow(ctx, `
			SELECT appointment_id
			FROM booking_idempotency_keys
			WHERE key = $1
			FOR UPDATE
		`, idempotencyKey).Scan(&existingID)
		switch {
		case err == nil && existingID != nil:
			// Replay of a finished request: hand back the original row.
			existing, err := scanAppointment(tx.QueryRow(ctx, `
				SELECT `+appointmentColumns+` FROM appointments WHERE id = $1
			`, *existingID))
			if err != nil {
				return model.Appointment{}, err
			}
			return existing, tx.Commit(ctx)
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return model.Appointment{}, err
		}
	}

	nullableVet := any(appt.VeterinarianID)
	if appt.VeterinarianID == "" {
		nullableVet = nil
	}
	appt.ID = uuid.NewString()
	err = tx.QueryRow(ctx, `
		INSERT INTO appointments (id, pet_id, client_id, veterinarian_id, scheduled_at, duration_mins, reason, notes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, appt.ID, appt.PetID, appt.ClientID, nullableVet, appt.ScheduledAt,
		int(appt.Duration/time.Minute), appt.Reason, appt.Notes, string(appt.Status),
	).Scan(&appt.CreatedAt, &appt.UpdatedAt)
	if isExclusionViolation(err) {
		return model.Appointment{}, conflict.ErrSlotConflict
	}
	if err != nil {
		return model.Appointment{}, fmt.Errorf("insert appointment: %w", err)
	}

	if idempotencyKey != "" {
		_, err := tx.Exec(ctx, `
			INSERT INTO booking_idempotency_keys (key, appointment_id)
			VALUES ($1, $2)
		`, idempotencyKey, appt.ID)
		if isUniqueViolation(err) {
			// A concurrent holder of the same key beat us past the lock.
			return model.Appointment{}, conflict.ErrSlotConflict
		}
		if err != nil {
			return model.Appointment{}, err
		}
	}

	evt.AggregateID = appt.ID
	if err := r.outbox.Insert(ctx, tx, evt); err != nil {
		return model.Appointment{}, fmt.Errorf("insert outbox event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}
	return appt, nil
}

func (r *Repository) MutateAppointment(ctx context.Context, id string, mutate func(model.Appointment) (model.Appointment, outbox.Event, error)) (model.Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer tx.Rollback(ctx)

	current, err := scanAppointment(tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, fmt.Errorf("appointment %s: %w", id, scheduling.ErrNotFound)
	}
	if err != nil {
		return model.Appointment{}, err
	}

	updated, evt, err := mutate(current)
	if err != nil {
		return model.Appointment{}, err
	}

	var cancelReason any
	if updated.CancelReason != "" {
		cancelReason = updated.CancelReason
	}
	_, err = tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2, cancel_reason = $3, cancelled_at = $4, updated_at = $5
		WHERE id = $1
	`, updated.ID, string(updated.Status), cancelReason, updated.CancelledAt, updated.UpdatedAt)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("update appointment %s: %w", id, err)
	}

	if err := r.outbox.Insert(ctx, tx, evt); err != nil {
		return model.Appointment{}, fmt.Errorf("insert outbox event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}
	return updated, nil
}
