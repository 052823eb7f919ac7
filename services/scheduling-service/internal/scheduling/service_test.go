package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/conflict"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/directory"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/lifecycle"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/model"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/outbox"
)

// fakeStore mirrors the Postgres store's contract: creates are serialized
// and a same-vet interval overlap loses with conflict.ErrSlotConflict.
type fakeStore struct {
	mu     sync.Mutex
	nextID int
	vets   []model.Veterinarian
	hours  map[string][]model.WorkingHours
	types  map[string]model.AppointmentType
	appts  map[string]model.Appointment
	idem   map[string]string // idempotency key -> appointment id
	events []outbox.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		hours: map[string][]model.WorkingHours{},
		types: map[string]model.AppointmentType{},
		appts: map[string]model.Appointment{},
		idem:  map[string]string{},
	}
}

func (f *fakeStore) ListVeterinarians(_ context.Context, filterID string) ([]model.Veterinarian, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if filterID == "" {
		return append([]model.Veterinarian(nil), f.vets...), nil
	}
	for _, v := range f.vets {
		if v.ID == filterID {
			return []model.Veterinarian{v}, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) WorkingHours(_ context.Context, vetID string) ([]model.WorkingHours, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.WorkingHours(nil), f.hours[vetID]...), nil
}

func (f *fakeStore) ActiveAppointments(_ context.Context, vetID string, from, to time.Time) ([]model.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Appointment
	for _, a := range f.appts {
		if a.VeterinarianID == vetID && a.Status.Active() && a.Overlaps(from, to) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) AppointmentType(_ context.Context, id string) (model.AppointmentType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.types[id]
	if !ok {
		return model.AppointmentType{}, fmt.Errorf("appointment type %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (f *fakeStore) GetAppointment(_ context.Context, id string) (model.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appts[id]
	if !ok {
		return model.Appointment{}, ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) ListAppointments(_ context.Context, vetID string, from, to time.Time, limit int) ([]model.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Appointment
	for _, a := range f.appts {
		if a.VeterinarianID == vetID && a.Overlaps(from, to) {
			out = append(out, a)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) CreateAppointment(_ context.Context, idempotencyKey string, appt model.Appointment, evt outbox.Event) (model.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if idempotencyKey != "" {
		if id, ok := f.idem[idempotencyKey]; ok {
			return f.appts[id], nil
		}
	}
	if appt.VeterinarianID != "" {
		for _, existing := range f.appts {
			if existing.VeterinarianID == appt.VeterinarianID && existing.Status.Active() &&
				existing.Overlaps(appt.ScheduledAt, appt.End()) {
				return model.Appointment{}, conflict.ErrSlotConflict
			}
		}
	}

	f.nextID++
	appt.ID = fmt.Sprintf("appt-%d", f.nextID)
	f.appts[appt.ID] = appt
	if idempotencyKey != "" {
		f.idem[idempotencyKey] = appt.ID
	}
	evt.AggregateID = appt.ID
	f.events = append(f.events, evt)
	return appt, nil
}

func (f *fakeStore) MutateAppointment(_ context.Context, id string, mutate func(model.Appointment) (model.Appointment, outbox.Event, error)) (model.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appts[id]
	if !ok {
		return model.Appointment{}, ErrNotFound
	}
	updated, evt, err := mutate(a)
	if err != nil {
		return model.Appointment{}, err
	}
	f.appts[id] = updated
	f.events = append(f.events, evt)
	return updated, nil
}

var testNow = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC) // Monday

func newTestService(store *fakeStore, dir directory.Provider) *Service {
	svc := NewService(store, dir, Config{Location: time.UTC})
	return svc.WithClock(func() time.Time { return testNow })
}

func seedVet(store *fakeStore, id string) {
	store.vets = append(store.vets, model.Veterinarian{ID: id, Name: "Dr. " + id, IsActive: true})
	store.hours[id] = []model.WorkingHours{
		{VeterinarianID: id, Weekday: time.Monday, IsWorking: true, StartMinute: 9 * 60, EndMinute: 17 * 60},
	}
}

func TestBookAppointmentHappyPath(t *testing.T) {
	store := newFakeStore()
	seedVet(store, "vet-1")
	svc := newTestService(store, nil)

	appt, err := svc.BookAppointment(context.Background(), BookingRequest{
		PetID:          "pet-1",
		ClientID:       "client-1",
		VeterinarianID: "vet-1",
		ScheduledAt:    time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
		Reason:         "annual checkup",
	}, lifecycle.Actor{ID: "client-1", Role: lifecycle.RoleClient})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if appt.Status != model.StatusPending {
		t.Fatalf("status = %s, want pending", appt.Status)
	}
	if appt.Duration != 30*time.Minute {
		t.Fatalf("duration = %s, want default 30m", appt.Duration)
	}
	if len(store.events) != 1 || store.events[0].EventType != outbox.EventAppointmentBooked {
		t.Fatalf("events = %+v, want one booked event", store.events)
	}
	if store.events[0].AggregateID != appt.ID {
		t.Fatalf("event aggregate id = %q, want %q", store.events[0].AggregateID, appt.ID)
	}
}

func TestBookAppointmentTypeSetsDuration(t *testing.T) {
	store := newFakeStore()
	seedVet(store, "vet-1")
	store.types["type-surgery"] = model.AppointmentType{ID: "type-surgery", Label: "Surgery", DurationMins: 90}
	svc := newTestService(store, nil)

	appt, err := svc.BookAppointment(context.Background(), BookingRequest{
		PetID:             "pet-1",
		ClientID:          "client-1",
		VeterinarianID:    "vet-1",
		AppointmentTypeID: "type-surgery",
		ScheduledAt:       time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
	}, lifecycle.Actor{ID: "client-1", Role: lifecycle.RoleClient})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if appt.Duration != 90*time.Minute {
		t.Fatalf("duration = %s, want 90m", appt.Duration)
	}
}

func TestBookAppointmentConflicts(t *testing.T) {
	store := newFakeStore()
	seedVet(store, "vet-1")
	svc := newTestService(store, nil)
	actor := lifecycle.Actor{ID: "client-1", Role: lifecycle.RoleClient}

	base := BookingRequest{
		PetID:          "pet-1",
		ClientID:       "client-1",
		VeterinarianID: "vet-1",
		ScheduledAt:    time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
	}
	if _, err := svc.BookAppointment(context.Background(), base, actor); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	overlapping := base
	overlapping.ScheduledAt = time.Date(2026, time.March, 2, 10, 15, 0, 0, time.UTC)
	if _, err := svc.BookAppointment(context.Background(), overlapping, actor); !errors.Is(err, conflict.ErrSlotConflict) {
		t.Fatalf("overlap err = %v, want ErrSlotConflict", err)
	}

	outside := base
	outside.ScheduledAt = time.Date(2026, time.March, 2, 18, 0, 0, 0, time.UTC)
	if _, err := svc.BookAppointment(context.Background(), outside, actor); !errors.Is(err, conflict.ErrOutsideWorkingHours) {
		t.Fatalf("outside-hours err = %v, want ErrOutsideWorkingHours", err)
	}

	past := base
	past.ScheduledAt = time.Date(2026, time.March, 2, 7, 0, 0, 0, time.UTC)
	if _, err := svc.BookAppointment(context.Background(), past, actor); !errors.Is(err, conflict.ErrPastTime) {
		t.Fatalf("past err = %v, want ErrPastTime", err)
	}

	// Rejected bookings must leave no rows behind.
	if got := len(store.appts); got != 1 {
		t.Fatalf("stored appointments = %d, want 1", got)
	}
}

func TestBookAppointmentAdjacentAllowed(t *testing.T) {
	store := newFakeStore()
	seedVet(store, "vet-1")
	svc := newTestService(store, nil)
	actor := lifecycle.Actor{ID: "client-1", Role: lifecycle.RoleClient}

	first := BookingRequest{
		PetID:          "pet-1",
		ClientID:       "client-1",
		VeterinarianID: "vet-1",
		ScheduledAt:    time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
	}
	if _, err := svc.BookAppointment(context.Background(), first, actor); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	second := first
	second.ScheduledAt = time.Date(2026, time.March, 2, 10, 30, 0, 0, time.UTC)
	if _, err := svc.BookAppointment(context.Background(), second, actor); err != nil {
		t.Fatalf("back-to-back booking: %v", err)
	}
}

func TestBookAppointmentUnknownVet(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)

	_, err := svc.BookAppointment(context.Background(), BookingRequest{
		PetID:          "pet-1",
		ClientID:       "client-1",
		VeterinarianID: "vet-missing",
		ScheduledAt:    time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
	}, lifecycle.Actor{ID: "client-1", Role: lifecycle.RoleClient})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBookAppointmentPetOwnership(t *testing.T) {
	store := newFakeStore()
	seedVet(store, "vet-1")
	dir := directory.NewStaticProvider(map[string]string{"pet-1": "client-1"})
	svc := newTestService(store, dir)

	req := BookingRequest{
		PetID:          "pet-1",
		ClientID:       "client-2",
		VeterinarianID: "vet-1",
		ScheduledAt:    time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
	}
	if _, err := svc.BookAppointment(context.Background(), req, lifecycle.Actor{ID: "client-2", Role: lifecycle.RoleClient}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign pet err = %v, want ErrNotFound", err)
	}

	req.ClientID = "client-1"
	if _, err := svc.BookAppointment(context.Background(), req, lifecycle.Actor{ID: "client-1", Role: lifecycle.RoleClient}); err != nil {
		t.Fatalf("owner booking: %v", err)
	}
}

func TestBookAppointmentIdempotentReplay(t *testing.T) {
	store := newFakeStore()
	seedVet(store, "vet-1")
	svc := newTestService(store, nil)
	actor := lifecycle.Actor{ID: "client-1", Role: lifecycle.RoleClient}

	req := BookingRequest{
		PetID:          "pet-1",
		ClientID:       "client-1",
		VeterinarianID: "vet-1",
		ScheduledAt:    time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
		IdempotencyKey: "retry-abc",
	}
	first, err := svc.BookAppointment(context.Background(), req, actor)
	if err != nil {
		t.Fatalf("first booking: %v", err)
	}
	replay, err := svc.BookAppointment(context.Background(), req, actor)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.ID != first.ID {
		t.Fatalf("replay id = %s, want %s", replay.ID, first.ID)
	}
	if len(store.appts) != 1 {
		t.Fatalf("stored appointments = %d, want 1", len(store.appts))
	}
}

func TestBookAppointmentConcurrentSameSlot(t *testing.T) {
	store := newFakeStore()
	seedVet(store, "vet-1")
	svc := newTestService(store, nil)
	slot := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := fmt.Sprintf("client-%d", i)
			_, err := svc.BookAppointment(context.Background(), BookingRequest{
				PetID:          fmt.Sprintf("pet-%d", i),
				ClientID:       client,
				VeterinarianID: "vet-1",
				ScheduledAt:    slot,
			}, lifecycle.Actor{ID: client, Role: lifecycle.RoleClient})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var wins, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, conflict.ErrSlotConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	if conflicts != attempts-1 {
		t.Fatalf("conflicts = %d, want %d", conflicts, attempts-1)
	}
}

func TestTransitionConfirmAndComplete(t *testing.T) {
	store := newFakeStore()
	seedVet(store, "vet-1")
	svc := newTestService(store, nil)

	appt, err := svc.BookAppointment(context.Background(), BookingRequest{
		PetID:          "pet-1",
		ClientID:       "client-1",
		VeterinarianID: "vet-1",
		ScheduledAt:    time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
	}, lifecycle.Actor{ID: "client-1", Role: lifecycle.RoleClient})
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	vet := lifecycle.Actor{ID: "vet-1", Role: lifecycle.RoleVeterinarian}
	confirmed, err := svc.TransitionAppointment(context.Background(), appt.ID, model.StatusConfirmed, vet)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != model.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", confirmed.Status)
	}

	// Completion is rejected while the appointment is still in the future.
	if _, err := svc.TransitionAppointment(context.Background(), appt.ID, model.StatusCompleted, vet); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("early complete err = %v, want ErrInvalidTransition", err)
	}

	svc.WithClock(func() time.Time { return testNow.Add(4 * time.Hour) })
	done, err := svc.TransitionAppointment(context.Background(), appt.ID, model.StatusCompleted, vet)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
}

func TestCancelRecordsReasonAndFreesSlot(t *testing.T) {
	store := newFakeStore()
	seedVet(store, "vet-1")
	svc := newTestService(store, nil)
	actor := lifecycle.Actor{ID: "client-1", Role: lifecycle.RoleClient}
	slot := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	appt, err := svc.BookAppointment(context.Background(), BookingRequest{
		PetID:          "pet-1",
		ClientID:       "client-1",
		VeterinarianID: "vet-1",
		ScheduledAt:    slot,
	}, actor)
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	cancelled, err := svc.CancelAppointment(context.Background(), appt.ID, actor, "pet recovered")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.CancelReason != "pet recovered" || cancelled.CancelledAt == nil {
		t.Fatalf("cancel metadata not recorded: %+v", cancelled)
	}

	// The cancelled row no longer blocks the interval.
	if _, err := svc.BookAppointment(context.Background(), BookingRequest{
		PetID:          "pet-2",
		ClientID:       "client-2",
		VeterinarianID: "vet-1",
		ScheduledAt:    slot,
	}, lifecycle.Actor{ID: "client-2", Role: lifecycle.RoleClient}); err != nil {
		t.Fatalf("rebook freed slot: %v", err)
	}
}

func TestTransitionRejectionsWriteNothing(t *testing.T) {
	store := newFakeStore()
	seedVet(store, "vet-1")
	svc := newTestService(store, nil)

	appt, err := svc.BookAppointment(context.Background(), BookingRequest{
		PetID:          "pet-1",
		ClientID:       "client-1",
		VeterinarianID: "vet-1",
		ScheduledAt:    time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
	}, lifecycle.Actor{ID: "client-1", Role: lifecycle.RoleClient})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	eventsBefore := len(store.events)

	// A client cannot confirm their own appointment.
	if _, err := svc.TransitionAppointment(context.Background(), appt.ID, model.StatusConfirmed, lifecycle.Actor{ID: "client-1", Role: lifecycle.RoleClient}); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("client confirm err = %v, want ErrInvalidTransition", err)
	}
	if got, _ := store.GetAppointment(context.Background(), appt.ID); got.Status != model.StatusPending {
		t.Fatalf("status mutated on rejected transition: %s", got.Status)
	}
	if len(store.events) != eventsBefore {
		t.Fatalf("rejected transition emitted an event")
	}

	if _, err := svc.TransitionAppointment(context.Background(), "missing", model.StatusConfirmed, lifecycle.Actor{ID: "vet-1", Role: lifecycle.RoleVeterinarian}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing appointment err = %v, want ErrNotFound", err)
	}
}

func TestRequestAvailabilityMarksBusySlots(t *testing.T) {
	store := newFakeStore()
	seedVet(store, "vet-1")
	svc := newTestService(store, nil)
	actor := lifecycle.Actor{ID: "client-1", Role: lifecycle.RoleClient}

	if _, err := svc.BookAppointment(context.Background(), BookingRequest{
		PetID:          "pet-1",
		ClientID:       "client-1",
		VeterinarianID: "vet-1",
		ScheduledAt:    time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
	}, actor); err != nil {
		t.Fatalf("book: %v", err)
	}

	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	grid, err := svc.RequestAvailability(context.Background(), day, "")
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if len(grid) != 1 {
		t.Fatalf("vets = %d, want 1", len(grid))
	}

	var busy, free int
	for _, slot := range grid[0].Slots {
		if slot.Free {
			free++
		} else {
			busy++
		}
	}
	if busy == 0 {
		t.Fatalf("no busy slots after booking")
	}
	if !grid[0].IsAvailable {
		t.Fatalf("vet should still have free slots")
	}
	// 09:00-17:00 at 30m = 16 slots; one booked, 08:00 now leaves the rest free.
	if free != 15 {
		t.Fatalf("free = %d, want 15", free)
	}
}

func TestFreeSlotsAreBookable(t *testing.T) {
	store := newFakeStore()
	seedVet(store, "vet-1")
	svc := newTestService(store, nil)
	actor := lifecycle.Actor{ID: "client-1", Role: lifecycle.RoleClient}

	if _, err := svc.BookAppointment(context.Background(), BookingRequest{
		PetID:          "pet-1",
		ClientID:       "client-1",
		VeterinarianID: "vet-1",
		ScheduledAt:    time.Date(2026, time.March, 2, 11, 0, 0, 0, time.UTC),
	}, actor); err != nil {
		t.Fatalf("seed booking: %v", err)
	}

	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	grid, err := svc.RequestAvailability(context.Background(), day, "vet-1")
	if err != nil {
		t.Fatalf("availability: %v", err)
	}

	// Every slot reported free must be accepted by the booking path.
	for i, slot := range grid[0].Slots {
		if !slot.Free {
			continue
		}
		_, err := svc.BookAppointment(context.Background(), BookingRequest{
			PetID:          fmt.Sprintf("pet-%d", i),
			ClientID:       "client-1",
			VeterinarianID: "vet-1",
			ScheduledAt:    slot.Start,
		}, actor)
		if err != nil {
			t.Fatalf("free slot %s not bookable: %v", slot.Start, err)
		}
	}
}

func TestRequestAvailabilityUnknownVetFilter(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)

	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	if _, err := svc.RequestAvailability(context.Background(), day, "vet-nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
