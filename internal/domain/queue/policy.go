package queue

import "github.com/edqueue/edqueue/internal/platform/auth"

// Action is something a principal can do to a ticket or a hospital queue.
type Action string

const (
	ActionCreate      Action = "create"
	ActionCheckIn     Action = "check_in"
	ActionValidate    Action = "validate_triage"
	ActionAssignRoom  Action = "assign_room"
	ActionTreat       Action = "treat"
	ActionComplete    Action = "complete"
	ActionCancel      Action = "cancel"
	ActionView        Action = "view"
	ActionShare       Action = "share"
	ActionViewQueue   Action = "view_queue"
	ActionAcknowledge Action = "acknowledge_alert"
)

// capability says who may perform an action. Patients are additionally
// restricted to their own tickets when ownOnly is set.
type capability struct {
	roles   []string
	ownOnly bool
}

// transition describes a lifecycle move: the states it may start from and
// the state it ends in.
type transition struct {
	from []Status
	to   Status
}

var nonTerminal = []Status{
	StatusWaiting, StatusCheckedIn, StatusTriage, StatusInProgress, StatusTreated,
}

// transitionRoles is the single capability table consulted before any
// mutation.
var transitionRoles = map[Action]capability{
	ActionCreate:      {roles: []string{auth.RolePatient, auth.RoleAdmin}},
	ActionCheckIn:     {roles: []string{auth.RolePatient, auth.RoleNurse, auth.RoleAdmin}, ownOnly: true},
	ActionValidate:    {roles: []string{auth.RoleNurse, auth.RoleAdmin}},
	ActionAssignRoom:  {roles: []string{auth.RoleNurse, auth.RoleAdmin}},
	ActionTreat:       {roles: []string{auth.RoleDoctor, auth.RoleAdmin}},
	ActionComplete:    {roles: []string{auth.RoleAdmin}},
	ActionCancel:      {roles: []string{auth.RolePatient, auth.RoleNurse, auth.RoleAdmin}, ownOnly: true},
	ActionView:        {roles: []string{auth.RolePatient, auth.RoleNurse, auth.RoleDoctor, auth.RoleAdmin}, ownOnly: true},
	ActionShare:       {roles: []string{auth.RolePatient, auth.RoleAdmin}, ownOnly: true},
	ActionViewQueue:   {roles: []string{auth.RoleNurse, auth.RoleDoctor, auth.RoleAdmin}},
	ActionAcknowledge: {roles: []string{auth.RoleNurse, auth.RoleDoctor, auth.RoleAdmin}},
}

var transitions = map[Action]transition{
	ActionCheckIn:    {from: []Status{StatusWaiting}, to: StatusCheckedIn},
	ActionValidate:   {from: []Status{StatusWaiting, StatusCheckedIn, StatusTriage}, to: StatusTriage},
	ActionAssignRoom: {from: []Status{StatusWaiting, StatusCheckedIn, StatusTriage}, to: StatusInProgress},
	ActionTreat:      {from: []Status{StatusInProgress}, to: StatusTreated},
	ActionComplete:   {from: nonTerminal, to: StatusCompleted},
	ActionCancel:     {from: nonTerminal, to: StatusCancelled},
}

// authorize checks the capability table. A nil ticket checks the role only;
// with a ticket, patients must also own it where the action requires that.
func authorize(p auth.Principal, action Action, t *Ticket) error {
	c, ok := transitionRoles[action]
	if !ok {
		return &AuthorizationError{Role: p.Role, Action: action}
	}
	allowed := false
	for _, r := range c.roles {
		if r == p.Role {
			allowed = true
			break
		}
	}
	if !allowed {
		return &AuthorizationError{Role: p.Role, Action: action}
	}
	if t != nil && c.ownOnly && p.Role == auth.RolePatient && t.PatientID != p.ID {
		return &AuthorizationError{Role: p.Role, Action: action}
	}
	return nil
}

// checkTransition rejects moves the state machine does not allow.
func checkTransition(action Action, from Status) (Status, error) {
	tr, ok := transitions[action]
	if !ok {
		return from, &InvalidTransitionError{From: from, To: from}
	}
	for _, s := range tr.from {
		if s == from {
			return tr.to, nil
		}
	}
	return from, &InvalidTransitionError{From: from, To: tr.to}
}
