package calendar

import (
	"sort"
	"time"

	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/model"
)

// Window is a bookable stretch of one calendar day, in minutes from
// clinic-local midnight.
type Window struct {
	StartMinute int
	EndMinute   int
}

// WindowsFor filters hours down to the given weekday's working windows.
func WindowsFor(hours []model.WorkingHours, weekday time.Weekday) []Window {
	var out []Window
	for _, h := range hours {
		if h.Weekday != weekday || !h.IsWorking {
			continue
		}
		if h.EndMinute <= h.StartMinute {
			continue
		}
		out = append(out, Window{StartMinute: h.StartMinute, EndMinute: h.EndMinute})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMinute < out[j].StartMinute })
	return out
}

// DaySlots discretizes one day's working windows into candidate slot-start
// times. day must be midnight of the target date in clinic-local time; the
// returned starts are ascending and each slot occupies [start, start+slot).
//
// Only slots that fit entirely inside a window are produced; partial trailing
// slots are dropped. No windows means the veterinarian is off that day and
// the result is empty.
func DaySlots(day time.Time, windows []Window, slot time.Duration) []time.Time {
	if slot <= 0 {
		return nil
	}

	var starts []time.Time
	for _, w := range windows {
		if w.EndMinute <= w.StartMinute {
			continue
		}
		winStart := day.Add(time.Duration(w.StartMinute) * time.Minute)
		winEnd := day.Add(time.Duration(w.EndMinute) * time.Minute)
		for t := winStart; !t.Add(slot).After(winEnd); t = t.Add(slot) {
			starts = append(starts, t)
		}
	}
	return starts
}
