package ledger

import (
	"fmt"
	"strings"

	"github.com/mmdatafocus/ledger_backend/models"
)

// Event is an external trigger fed into the state machine.
type Event string

const (
	EventSend   Event = "SEND"
	EventSettle Event = "SETTLE"
	EventFail   Event = "FAIL"
	EventCommit Event = "COMMIT"
)

func ParseEvent(s string) (Event, error) {
	switch e := Event(strings.ToUpper(strings.TrimSpace(s))); e {
	case EventSend, EventSettle, EventFail, EventCommit:
		return e, nil
	}
	return "", fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, s)
}

var settlementPath = map[models.TransactionStatus][]models.TransactionStatus{
	models.TransactionStatusPending: {models.TransactionStatusSent, models.TransactionStatusFailed},
	models.TransactionStatusSent:    {models.TransactionStatusSettled, models.TransactionStatusFailed},
}

var transitions = map[models.TransactionType]map[models.TransactionStatus][]models.TransactionStatus{
	models.TransactionTypeDividend: settlementPath,
	models.TransactionTypeDisburse: settlementPath,
	models.TransactionTypeContribution: {
		models.TransactionStatusPending: {models.TransactionStatusCommitted, models.TransactionStatusFailed},
	},
}

func IsTerminal(s models.TransactionStatus) bool {
	switch s {
	case models.TransactionStatusSettled, models.TransactionStatusFailed, models.TransactionStatusCommitted:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge for type t.
func CanTransition(t models.TransactionType, from, to models.TransactionStatus) bool {
	for _, next := range transitions[t][from] {
		if next == to {
			return true
		}
	}
	return false
}

// Target maps an event to the status it requests. Contributions have no
// settlement step, so SETTLE on a contribution requests COMMITTED.
func Target(t models.TransactionType, e Event) (models.TransactionStatus, bool) {
	switch e {
	case EventSend:
		return models.TransactionStatusSent, true
	case EventSettle:
		if t == models.TransactionTypeContribution {
			return models.TransactionStatusCommitted, true
		}
		return models.TransactionStatusSettled, true
	case EventFail:
		return models.TransactionStatusFailed, true
	case EventCommit:
		return models.TransactionStatusCommitted, true
	}
	return "", false
}

// Resolve decides what event e does to a transaction of type t in status
// from. noop is true when from already equals the requested status.
func Resolve(t models.TransactionType, from models.TransactionStatus, e Event) (to models.TransactionStatus, noop bool, err error) {
	to, ok := Target(t, e)
	if !ok {
		return "", false, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, e)
	}
	if from == to {
		return to, true, nil
	}
	if !CanTransition(t, from, to) {
		return "", false, fmt.Errorf("%w: %s cannot move %s from %s to %s", ErrInvalidTransition, e, t, from, to)
	}
	return to, false, nil
}
