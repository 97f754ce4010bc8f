package orchestrator

import "github.com/Sh00ty/patrol/internal/models"

type Action int8

const (
	ActionNone Action = iota
	ActionFlagError
	ActionClearError
	ActionChangeStatus
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionFlagError:
		return "flag_error"
	case ActionClearError:
		return "clear_error"
	case ActionChangeStatus:
		return "change_status"
	}
	return "unknown"
}

// Transition decides what a consensus does to the stored state. A single
// error consensus only raises the flag; users hear about a change only when
// a non-error consensus differs from the last confirmed status.
func Transition(state models.CheckState, consensus string) Action {
	if consensus == models.OutcomeError {
		if state.ErrorState {
			return ActionNone
		}
		return ActionFlagError
	}
	if consensus == state.Status {
		if state.ErrorState {
			return ActionClearError
		}
		return ActionNone
	}
	return ActionChangeStatus
}
