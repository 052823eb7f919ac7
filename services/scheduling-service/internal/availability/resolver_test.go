package availability

import (
	"testing"
	"time"

	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/model"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func vetSchedule(id, name string, busy []model.Appointment) Schedule {
	return Schedule{
		Veterinarian: model.Veterinarian{ID: id, Name: name, SlotDuration: 30 * time.Minute},
		Hours: []model.WorkingHours{
			{VeterinarianID: id, Weekday: time.Monday, IsWorking: true, StartMinute: 540, EndMinute: 720},
		},
		Busy: busy,
	}
}

func freeCount(va VetAvailability) int {
	n := 0
	for _, s := range va.Slots {
		if s.Free {
			n++
		}
	}
	return n
}

func TestResolve_OpenMondayMorning(t *testing.T) {
	// Mon 09:00-12:00, 30-min slots, no appointments: 6 free slots.
	got := Resolve(monday, []Schedule{vetSchedule("vet-1", "Alice", nil)}, Options{Now: monday})
	if len(got) != 1 {
		t.Fatalf("expected 1 veterinarian, got %d", len(got))
	}
	va := got[0]
	if len(va.Slots) != 6 || freeCount(va) != 6 {
		t.Fatalf("expected 6 free slots, got %d free of %d", freeCount(va), len(va.Slots))
	}
	if !va.IsAvailable {
		t.Fatal("expected IsAvailable")
	}
	want := []int{540, 570, 600, 630, 660, 690}
	for i, mins := range want {
		if !va.Slots[i].Start.Equal(monday.Add(time.Duration(mins) * time.Minute)) {
			t.Fatalf("slot %d: expected %d mins, got %s", i, mins, va.Slots[i].Start.Format(time.RFC3339))
		}
	}
}

func TestResolve_ConfirmedAppointmentOccupiesSlot(t *testing.T) {
	busy := []model.Appointment{{
		VeterinarianID: "vet-1",
		ScheduledAt:    monday.Add(10 * time.Hour),
		Duration:       30 * time.Minute,
		Status:         model.StatusConfirmed,
	}}
	got := Resolve(monday, []Schedule{vetSchedule("vet-1", "Alice", busy)}, Options{Now: monday})
	va := got[0]
	if freeCount(va) != 5 {
		t.Fatalf("expected 5 free slots, got %d", freeCount(va))
	}
	for _, s := range va.Slots {
		if s.Start.Equal(monday.Add(10 * time.Hour)) && s.Free {
			t.Fatal("10:00 slot should be occupied")
		}
	}
}

func TestResolve_PastDayFullyOccupied(t *testing.T) {
	now := monday.AddDate(0, 0, 7) // a week later
	got := Resolve(monday, []Schedule{vetSchedule("vet-1", "Alice", nil)}, Options{Now: now})
	va := got[0]
	if len(va.Slots) != 6 {
		t.Fatalf("expected slots to still be listed, got %d", len(va.Slots))
	}
	if freeCount(va) != 0 || va.IsAvailable {
		t.Fatalf("past day must have no free slots, got %d free", freeCount(va))
	}
}

func TestResolve_MinimumNoticeFiltersNearSlots(t *testing.T) {
	now := monday.Add(9 * time.Hour) // 09:00 on the day
	got := Resolve(monday, []Schedule{vetSchedule("vet-1", "Alice", nil)}, Options{
		Now:           now,
		MinimumNotice: 2 * time.Hour,
	})
	va := got[0]
	// Cutoff 11:00: only 11:00 and 11:30 remain free.
	if freeCount(va) != 2 {
		t.Fatalf("expected 2 free slots past the notice cutoff, got %d", freeCount(va))
	}
}

func TestResolve_StableVetOrdering(t *testing.T) {
	scheds := []Schedule{
		vetSchedule("vet-9", "Zoe", nil),
		vetSchedule("vet-2", "Alice", nil),
		vetSchedule("vet-1", "Alice", nil),
	}
	got := Resolve(monday, scheds, Options{Now: monday})
	if got[0].VeterinarianID != "vet-1" || got[1].VeterinarianID != "vet-2" || got[2].VeterinarianID != "vet-9" {
		t.Fatalf("expected name-then-id ordering, got %s, %s, %s",
			got[0].VeterinarianID, got[1].VeterinarianID, got[2].VeterinarianID)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	scheds := []Schedule{vetSchedule("vet-1", "Alice", []model.Appointment{{
		ScheduledAt: monday.Add(11 * time.Hour),
		Duration:    30 * time.Minute,
		Status:      model.StatusPending,
	}})}
	opts := Options{Now: monday}

	first := Resolve(monday, scheds, opts)
	second := Resolve(monday, scheds, opts)
	if len(first) != len(second) {
		t.Fatalf("result lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first[0].Slots {
		a, b := first[0].Slots[i], second[0].Slots[i]
		if !a.Start.Equal(b.Start) || a.Free != b.Free {
			t.Fatalf("slot %d differs between identical queries", i)
		}
	}
}
