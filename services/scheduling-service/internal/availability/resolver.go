package availability

import (
	"sort"
	"time"

	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/calendar"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/model"
)

const defaultSlotDuration = 30 * time.Minute

// Schedule is everything the resolver needs to know about one veterinarian
// for one day: the weekly working hours and that day's active appointments.
type Schedule struct {
	Veterinarian model.Veterinarian
	Hours        []model.WorkingHours
	Busy         []model.Appointment
}

type Slot struct {
	Start time.Time
	End   time.Time
	Free  bool
}

type VetAvailability struct {
	VeterinarianID string
	Name           string
	Slots          []Slot
	IsAvailable    bool // at least one free slot that day
}

type Options struct {
	Now time.Time
	// MinimumNotice discards slots starting sooner than Now+MinimumNotice.
	// Zero means same-moment booking is allowed.
	MinimumNotice time.Duration
}

// Resolve computes each veterinarian's slot map for one day. day must be
// midnight of the target date in clinic-local time.
//
// A slot is free when it neither intersects an active appointment nor starts
// before the notice cutoff. Past days therefore come back fully occupied
// rather than erroring; a query is never a mutation. Veterinarians are
// ordered by name then id, slots ascending.
func Resolve(day time.Time, schedules []Schedule, opts Options) []VetAvailability {
	cutoff := opts.Now.Add(opts.MinimumNotice)

	ordered := make([]Schedule, len(schedules))
	copy(ordered, schedules)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].Veterinarian, ordered[j].Veterinarian
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})

	out := make([]VetAvailability, 0, len(ordered))
	for _, sched := range ordered {
		vet := sched.Veterinarian
		slotLen := vet.SlotDuration
		if slotLen <= 0 {
			slotLen = defaultSlotDuration
		}

		windows := calendar.WindowsFor(sched.Hours, day.Weekday())
		starts := calendar.DaySlots(day, windows, slotLen)

		va := VetAvailability{
			VeterinarianID: vet.ID,
			Name:           vet.Name,
			Slots:          make([]Slot, 0, len(starts)),
		}
		for _, start := range starts {
			end := start.Add(slotLen)
			free := !start.Before(cutoff) && !anyActiveOverlap(sched.Busy, start, end)
			if free {
				va.IsAvailable = true
			}
			va.Slots = append(va.Slots, Slot{Start: start, End: end, Free: free})
		}
		out = append(out, va)
	}
	return out
}

func anyActiveOverlap(busy []model.Appointment, start, end time.Time) bool {
	for _, a := range busy {
		if !a.Status.Active() {
			continue
		}
		if a.Overlaps(start, end) {
			return true
		}
	}
	return false
}
