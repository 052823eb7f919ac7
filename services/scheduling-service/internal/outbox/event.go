package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Event types emitted by the scheduling service.
const (
	EventAppointmentBooked        = "scheduling.appointment.booked.v1"
	EventAppointmentStatusChanged = "scheduling.appointment.status_changed.v1"
	EventAppointmentCancelled     = "scheduling.appointment.cancelled.v1"
)
