package conflict

import (
	"errors"
	"time"

	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/calendar"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/model"
)

var (
	// ErrSlotConflict: the proposed interval overlaps an active appointment
	// for the same veterinarian. The caller should re-resolve availability
	// and pick another slot.
	ErrSlotConflict = errors.New("slot already taken by an active appointment")

	// ErrOutsideWorkingHours: the proposed interval is not fully contained in
	// the veterinarian's working hours for that weekday.
	ErrOutsideWorkingHours = errors.New("requested time is outside working hours")

	// ErrPastTime: the proposed start is earlier than now.
	ErrPastTime = errors.New("requested time is in the past")
)

// Proposal is a booking candidate for one veterinarian.
type Proposal struct {
	VeterinarianID string
	ScheduledAt    time.Time
	Duration       time.Duration
}

// Check decides whether the proposal may be booked. It is pure: the caller
// supplies the veterinarian's active (pending or confirmed) appointments and
// that weekday's working windows, interpreted in loc.
//
// Check has no side effects; persisting the appointment atomically with this
// validation is the caller's job.
func Check(p Proposal, active []model.Appointment, windows []calendar.Window, loc *time.Location, now time.Time) error {
	if p.Duration <= 0 {
		return ErrOutsideWorkingHours
	}
	if p.ScheduledAt.Before(now) {
		return ErrPastTime
	}

	start := p.ScheduledAt.In(loc)
	end := start.Add(p.Duration)
	midnight := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)

	contained := false
	for _, w := range windows {
		winStart := midnight.Add(time.Duration(w.StartMinute) * time.Minute)
		winEnd := midnight.Add(time.Duration(w.EndMinute) * time.Minute)
		if !start.Before(winStart) && !end.After(winEnd) {
			contained = true
			break
		}
	}
	if !contained {
		return ErrOutsideWorkingHours
	}

	for _, a := range active {
		if !a.Status.Active() {
			continue
		}
		if a.Overlaps(p.ScheduledAt, p.ScheduledAt.Add(p.Duration)) {
			return ErrSlotConflict
		}
	}
	return nil
}
