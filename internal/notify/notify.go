package notify

import (
	"context"
	"errors"

	"statusline/internal/domain"
)

// Notifier receives every persisted transition. Failures are reported to the
// caller, which logs them; they never undo the transition.
type Notifier interface {
	Notify(ctx context.Context, evt domain.StatusEvent) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, evt domain.StatusEvent) error

func (f Func) Notify(ctx context.Context, evt domain.StatusEvent) error { return f(ctx, evt) }

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt domain.StatusEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, domain.StatusEvent) error { return nil }

// Event type names used for filtering deliveries.
const (
	TypeTransition = "status.transition"
	TypeForced     = "status.transition.forced"
)

// EventTypes lists the names an event matches: the generic transition type,
// the per-lane type and the forced type when applicable.
func EventTypes(evt domain.StatusEvent) []string {
	types := []string{TypeTransition, TypeTransition + "." + string(evt.ToLane)}
	if evt.Force {
		types = append(types, TypeForced)
	}
	return types
}
