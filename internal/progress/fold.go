package progress

import (
	"github.com/saltfish/trainstream/internal/domain"
)

// Fold applies one event to a run state and returns the resulting state.
// The input is never modified. Events that the current status does not
// accept, including everything after a terminal status, leave the state as is.
func Fold(state RunState, ev domain.Event) RunState {
	if ev == nil || state.IsTerminal() {
		return state
	}

	next, ok := transition(state, ev)
	if !ok {
		return state
	}
	// Full slice expression forces a copy so earlier snapshots keep their log.
	next.EventLog = append(state.EventLog[:len(state.EventLog):len(state.EventLog)], ev)
	return next
}

// Accepts reports whether folding ev into state would change it.
func Accepts(state RunState, ev domain.Event) bool {
	if ev == nil || state.IsTerminal() {
		return false
	}
	_, ok := transition(state, ev)
	return ok
}

func transition(s RunState, ev domain.Event) (RunState, bool) {
	switch e := ev.(type) {
	case domain.StartEvent:
		if s.Status != domain.RunStatusIdle {
			return s, false
		}
		s.Status = domain.RunStatusInitializing
		s.ExpectedTotalUnits = e.TotalUnits()

	case domain.ModelStartEvent:
		if !inProgress(s) {
			return s, false
		}
		s.Status = domain.RunStatusRunning
		s.CurrentModel = modelRef(e.Model)

	case domain.FoldEvent:
		if !inProgress(s) {
			return s, false
		}
		s.Status = domain.RunStatusRunning
		if s.CurrentModel == nil || *s.CurrentModel != e.Model {
			s.CurrentModel = modelRef(e.Model)
		}
		if s.CompletedUnits < s.ExpectedTotalUnits {
			s.CompletedUnits++
		}

	case domain.ModelSkippedEvent, domain.ModelCompleteEvent:
		if !inProgress(s) {
			return s, false
		}
		s.Status = domain.RunStatusRunning

	case domain.CompleteEvent:
		if !inProgress(s) {
			return s, false
		}
		result := e.Results
		s.Status = domain.RunStatusSucceeded
		s.FinalResult = &result

	case domain.ErrorEvent:
		msg := e.Message
		s.Status = domain.RunStatusFailed
		s.ErrorMessage = &msg

	default:
		return s, false
	}
	return s, true
}

// inProgress is true once Start was seen and before a terminal event.
func inProgress(s RunState) bool {
	return s.Status == domain.RunStatusInitializing || s.Status == domain.RunStatusRunning
}

func modelRef(m domain.ModelID) *domain.ModelID {
	return &m
}
