package monitor

import "ixbot/internal/store"

// action is the explicit result of the delivery-record lookup: send a new
// message, edit the existing one, or do nothing.
type action int

const (
	actionSend action = iota
	actionEdit
	actionNone
)

func (a action) String() string {
	switch a {
	case actionSend:
		return "send"
	case actionEdit:
		return "edit"
	default:
		return "none"
	}
}

// resolve decides the action for one (event, chat) pair from the stored
// delivery record and the event's current fingerprint.
func resolve(rec *store.Delivery, fingerprint string) action {
	if rec == nil {
		return actionSend
	}
	if rec.Fingerprint == fingerprint {
		return actionNone
	}
	return actionEdit
}
