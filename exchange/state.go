// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package exchange implements the step-locked fair exchange state machine
// one matched counterparty pair progresses through
// handshake, funds deposit, N-step payment-release, and settlement.
package exchange

import "fmt"

// Status is one of the exchange's typed states.
type Status uint8

const (
	NonStarted Status = iota
	Handshaking
	Exchanging
	Successful
	Failed
	Aborted
)

func (s Status) String() string {
	switch s {
	case NonStarted:
		return "NonStarted"
	case Handshaking:
		return "Handshaking"
	case Exchanging:
		return "Exchanging"
	case Successful:
		return "Successful"
	case Failed:
		return "Failed"
	case Aborted:
		return "Aborted"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// IsTerminal reports whether s is one of the machine's terminal states.
func (s Status) IsTerminal() bool {
	return s == Successful || s == Failed || s == Aborted
}

// Role is which side of the trade this exchange's local peer plays.
type Role uint8

const (
	Buyer Role = iota
	Seller
)

func (r Role) String() string {
	if r == Buyer {
		return "Buyer"
	}
	return "Seller"
}

// Cause enumerates the terminal causes a Failed/Aborted exchange records,
// matching the error kinds that terminate an exchange.
type Cause uint8

const (
	CauseNone Cause = iota
	CauseHandshakeTimeout
	CauseStepTimeout
	CauseCounterpartAbort
	CauseProtocolViolation
	CauseWalletError
	CausePaymentProcessorError
	CauseDepositInvalidated
	CauseUserAbort
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "None"
	case CauseHandshakeTimeout:
		return "HandshakeTimeout"
	case CauseStepTimeout:
		return "StepTimeout"
	case CauseCounterpartAbort:
		return "CounterpartAbort"
	case CauseProtocolViolation:
		return "ProtocolViolation"
	case CauseWalletError:
		return "WalletError"
	case CausePaymentProcessorError:
		return "PaymentProcessorError"
	case CauseDepositInvalidated:
		return "DepositInvalidated"
	case CauseUserAbort:
		return "UserAbort"
	default:
		return fmt.Sprintf("Cause(%d)", uint8(c))
	}
}

// transitions enumerates the machine's total transition table: the set of
// states from which each event is accepted. Any event arriving while the
// machine is in a state absent from this table is logged and dropped
// Transitions are total: the machine never panics on an unexpected event.
var transitions = map[string][]Status{
	"start_handshake": {NonStarted},
	"start_exchange":  {Handshaking},
	"complete_step":   {Exchanging},
	"abort":           {Handshaking, Exchanging},
	"handshake_fail":  {Handshaking},
	"step_fail":       {Exchanging},
}

// accepts reports whether event may fire while the machine is in from.
func accepts(event string, from Status) bool {
	for _, s := range transitions[event] {
		if s == from {
			return true
		}
	}
	return false
}
