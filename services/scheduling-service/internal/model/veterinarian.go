package model

import "time"

type Veterinarian struct {
	ID           string
	Name         string
	Specialty    string
	IsActive     bool
	SlotDuration time.Duration // discretization step for this vet's calendar
	CreatedAt    time.Time
}

// WorkingHours is one weekday's bookable window for a veterinarian.
// Minutes are measured from clinic-local midnight.
type WorkingHours struct {
	VeterinarianID string
	Weekday        time.Weekday
	IsWorking      bool
	StartMinute    int
	EndMinute      int
}

// AppointmentType is immutable catalog data sizing the slot an appointment
// consumes. Kept as a local cache refreshed from catalog events.
type AppointmentType struct {
	ID           string
	Label        string
	DurationMins int
	Price        int64 // cents
	UpdatedAt    time.Time
}

func (t AppointmentType) Duration() time.Duration {
	return time.Duration(t.DurationMins) * time.Minute
}
