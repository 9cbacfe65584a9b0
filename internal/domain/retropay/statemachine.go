package retropay

var transitions = map[Status]map[Action]Status{
	StatusPending: {
		ActionApprove: StatusApproved,
		ActionCancel:  StatusCancelled,
	},
	StatusApproved: {
		ActionPay: StatusPaid,
	},
}

// NextStatus returns the status a record moves to when action is applied in
// status from, or an InvalidStateTransitionError.
func NextStatus(recordID string, from Status, action Action) (Status, error) {
	if to, ok := transitions[from][action]; ok {
		return to, nil
	}
	return from, &InvalidStateTransitionError{RecordID: recordID, From: from, Action: action}
}

func CanTransition(from Status, action Action) bool {
	_, ok := transitions[from][action]
	return ok
}
