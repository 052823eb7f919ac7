package model

import "time"

// Status is the appointment lifecycle state. Values are stored verbatim in
// the appointments table.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal states are immutable: no transition leaves them.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active appointments are the only ones that block a veterinarian's slots.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

type Appointment struct {
	ID             string
	PetID          string
	ClientID       string
	VeterinarianID string // empty until a veterinarian is assigned
	ScheduledAt    time.Time
	Duration       time.Duration
	Reason         string
	Notes          string
	Status         Status
	CancelReason   string
	CancelledAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// End is the exclusive end of the appointment's interval.
func (a Appointment) End() time.Time {
	return a.ScheduledAt.Add(a.Duration)
}

// Overlaps applies the half-open interval test: [a,b) and [c,d) overlap
// iff a < d and c < b.
func (a Appointment) Overlaps(start, end time.Time) bool {
	return a.ScheduledAt.Before(end) && start.Before(a.End())
}
