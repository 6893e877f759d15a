package investigation

import (
	"errors"

	"github.com/lifeline/lifeline/internal/platform/auth"
)

var (
	// ErrInvalidTransition means the action has no edge from the current status.
	ErrInvalidTransition = errors.New("action is not valid in the current status")
	// ErrActorNotAllowed means the action exists but belongs to the other role.
	ErrActorNotAllowed = errors.New("actor role may not perform this action")
	// ErrTerminalStatus means the record is completed or rejected.
	ErrTerminalStatus = errors.New("record is in a terminal status")
)

// Action is a named operation that moves a record between statuses.
type Action string

const (
	ActionRequestLabTests  Action = "request_lab_tests"
	ActionScheduleFollowUp Action = "schedule_follow_up"
	ActionEscalate         Action = "escalate"
	ActionComplete         Action = "complete"
	ActionReject           Action = "reject"
	ActionSubmitLabResults Action = "submit_lab_results"
	ActionSubmitFollowUp   Action = "submit_follow_up"
)

type edge struct {
	from   Status
	action Action
}

// transitions is the full state graph. Anything not listed here is invalid.
var transitions = map[edge]Status{
	{StatusPendingReview, ActionRequestLabTests}:  StatusAwaitingLabResults,
	{StatusPendingReview, ActionScheduleFollowUp}: StatusAwaitingFollowUp,
	{StatusPendingReview, ActionEscalate}:         StatusPendingFinalReview,
	{StatusPendingReview, ActionComplete}:         StatusCompleted,
	{StatusPendingReview, ActionReject}:           StatusRejected,

	{StatusAwaitingLabResults, ActionSubmitLabResults}: StatusPendingFinalReview,
	{StatusAwaitingFollowUp, ActionSubmitFollowUp}:     StatusPendingFinalReview,

	{StatusPendingFinalReview, ActionComplete}: StatusCompleted,
	{StatusPendingFinalReview, ActionReject}:   StatusRejected,
}

// actionRole maps each action to the role that may perform it. Admins may
// perform any action.
var actionRole = map[Action]string{
	ActionRequestLabTests:  auth.RoleDoctor,
	ActionScheduleFollowUp: auth.RoleDoctor,
	ActionEscalate:         auth.RoleDoctor,
	ActionComplete:         auth.RoleDoctor,
	ActionReject:           auth.RoleDoctor,
	ActionSubmitLabResults: auth.RolePatient,
	ActionSubmitFollowUp:   auth.RolePatient,
}

// Transition computes the status an action leads to from the current one.
// It is pure: no I/O, no side effects. Role is checked before the edge so a
// patient probing a doctor action gets ErrActorNotAllowed, not a graph error.
func Transition(current Status, role string, action Action) (Status, error) {
	required, ok := actionRole[action]
	if !ok {
		return "", ErrInvalidTransition
	}
	if role != required && role != auth.RoleAdmin {
		return "", ErrActorNotAllowed
	}
	if current.IsTerminal() {
		return "", ErrTerminalStatus
	}
	next, ok := transitions[edge{current, action}]
	if !ok {
		return "", ErrInvalidTransition
	}
	return next, nil
}
