package lifecycle

import (
	"errors"
	"time"

	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/model"
)

// ErrInvalidTransition covers every illegal transition attempt: unknown
// target, terminal source, wrong actor role, owner mismatch, or a violated
// precondition. Terminal states are immutable.
var ErrInvalidTransition = errors.New("status transition not allowed")

type Role string

const (
	RoleClient       Role = "client"
	RoleVeterinarian Role = "veterinarian"
	RoleAdmin        Role = "admin"
)

// Actor is the caller identity supplied by the identity provider.
type Actor struct {
	ID   string
	Role Role
}

// Rules carries the configurable policy knobs.
type Rules struct {
	// CancelNotice forbids client cancellations starting CancelNotice before
	// the appointment time. Zero disables the rule. Staff may always cancel.
	CancelNotice time.Duration
}

// transitions is the single source of truth for which roles may move an
// appointment between which states.
var transitions = map[model.Status]map[model.Status][]Role{
	model.StatusPending: {
		model.StatusConfirmed: {RoleVeterinarian, RoleAdmin},
		model.StatusCancelled: {RoleClient, RoleVeterinarian, RoleAdmin},
	},
	model.StatusConfirmed: {
		model.StatusCancelled: {RoleClient, RoleVeterinarian, RoleAdmin},
		model.StatusCompleted: {RoleVeterinarian, RoleAdmin},
	},
}

// Validate reports whether actor may move a from its current status to
// target at time now. It never mutates; persisting the new status is the
// caller's job.
func Validate(a model.Appointment, target model.Status, actor Actor, now time.Time, rules Rules) error {
	if !target.Valid() || a.Status.Terminal() {
		return ErrInvalidTransition
	}

	allowed, ok := transitions[a.Status][target]
	if !ok {
		return ErrInvalidTransition
	}
	if !roleAllowed(allowed, actor.Role) {
		return ErrInvalidTransition
	}

	// Clients act only on their own appointments.
	if actor.Role == RoleClient && actor.ID != a.ClientID {
		return ErrInvalidTransition
	}

	switch target {
	case model.StatusCompleted:
		// A future appointment cannot be completed.
		if a.ScheduledAt.After(now) {
			return ErrInvalidTransition
		}
	case model.StatusCancelled:
		if actor.Role == RoleClient && rules.CancelNotice > 0 {
			if now.Add(rules.CancelNotice).After(a.ScheduledAt) {
				return ErrInvalidTransition
			}
		}
	}
	return nil
}

func roleAllowed(allowed []Role, role Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
