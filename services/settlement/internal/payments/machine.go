package payments

import (
	"errors"

	"github.com/finbridge/ledgerlink/pkg/gateway"
)

var (
	ErrCannotCancel  = errors.New("payment can only be cancelled while pending")
	ErrCannotRefund  = errors.New("payment can only be refunded after completion")
	ErrTerminalState = errors.New("payment already reached a terminal state")
)

// CanTransition enforces the settlement state graph:
//
//	pending -> completed | failed   (system: verified webhook or status poll)
//	pending -> cancelled            (caller)
//	completed -> refunded           (caller)
//
// Every terminal state is absorbing.
func CanTransition(from, to gateway.Status) error {
	switch to {
	case gateway.StatusCancelled:
		if from != gateway.StatusPending {
			return ErrCannotCancel
		}
		return nil
	case gateway.StatusRefunded:
		if from != gateway.StatusCompleted {
			return ErrCannotRefund
		}
		return nil
	case gateway.StatusCompleted, gateway.StatusFailed:
		if from != gateway.StatusPending {
			return ErrTerminalState
		}
		return nil
	default:
		return ErrTerminalState
	}
}
