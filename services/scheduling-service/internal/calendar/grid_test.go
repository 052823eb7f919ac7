package calendar

import (
	"testing"
	"time"

	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/model"
)

func TestDaySlots_Basic(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // a Monday
	windows := []Window{{StartMinute: 540, EndMinute: 720}} // 09:00-12:00

	slots := DaySlots(day, windows, 30*time.Minute)
	if len(slots) != 6 {
		t.Fatalf("expected 6 slots, got %d", len(slots))
	}
	if !slots[0].Equal(day.Add(9 * time.Hour)) {
		t.Fatalf("expected first slot 09:00, got %s", slots[0].Format(time.RFC3339))
	}
	if !slots[5].Equal(day.Add(11*time.Hour + 30*time.Minute)) {
		t.Fatalf("expected last slot 11:30, got %s", slots[5].Format(time.RFC3339))
	}
}

func TestDaySlots_StrictFitDropsTrailingPartial(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	// 09:00-10:15 with 30-min slots: 09:00 and 09:30 fit, 10:00 would spill over.
	windows := []Window{{StartMinute: 540, EndMinute: 615}}

	slots := DaySlots(day, windows, 30*time.Minute)
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	for _, s := range slots {
		if s.Add(30 * time.Minute).After(day.Add(615 * time.Minute)) {
			t.Fatalf("slot %s exceeds window end", s.Format(time.RFC3339))
		}
	}
}

func TestDaySlots_OffDayIsEmpty(t *testing.T) {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) // a Sunday
	if slots := DaySlots(day, nil, 30*time.Minute); len(slots) != 0 {
		t.Fatalf("expected no slots on an off day, got %d", len(slots))
	}
}

func TestDaySlots_MultipleWindowsAscending(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	hours := []model.WorkingHours{
		{Weekday: time.Monday, IsWorking: true, StartMinute: 840, EndMinute: 960},
		{Weekday: time.Monday, IsWorking: true, StartMinute: 540, EndMinute: 660},
		{Weekday: time.Tuesday, IsWorking: true, StartMinute: 0, EndMinute: 60},
	}
	sorted := WindowsFor(hours, time.Monday)
	if len(sorted) != 2 || sorted[0].StartMinute != 540 {
		t.Fatalf("expected sorted Monday windows, got %+v", sorted)
	}

	slots := DaySlots(day, sorted, 60*time.Minute)
	for i := 1; i < len(slots); i++ {
		if !slots[i].After(slots[i-1]) {
			t.Fatalf("slots not ascending at %d: %v", i, slots)
		}
	}
	if len(slots) != 4 {
		t.Fatalf("expected 4 slots across both windows, got %d", len(slots))
	}
}

func TestWindowsFor_SkipsNonWorkingAndInverted(t *testing.T) {
	hours := []model.WorkingHours{
		{Weekday: time.Monday, IsWorking: false, StartMinute: 540, EndMinute: 720},
		{Weekday: time.Monday, IsWorking: true, StartMinute: 720, EndMinute: 600},
	}
	if wins := WindowsFor(hours, time.Monday); len(wins) != 0 {
		t.Fatalf("expected no usable windows, got %+v", wins)
	}
}
