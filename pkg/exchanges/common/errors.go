package common

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransportError is a recoverable failure: network, timeout, 5xx or 429.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transport status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectError is an explicit refusal by the venue and must not be retried.
type RejectError struct {
	Op      string
	Status  int
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: rejected: %s", e.Op, e.Message)
}

// Reject builds a RejectError.
func Reject(op, format string, args ...any) error {
	return &RejectError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// OutcomeKind enumerates how an order call ended.
type OutcomeKind int

const (
	OutcomeAccepted OutcomeKind = iota
	OutcomeFilled
	OutcomeRejected
	OutcomeTransient
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeFilled:
		return "filled"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Outcome is the sum-typed result of one exchange call.
type Outcome struct {
	Kind OutcomeKind
	Ack  *Ack
	Err  error
}

// Classify maps an adapter return pair onto an Outcome.
func Classify(ack *Ack, err error) Outcome {
	if err != nil {
		var (
			rej *RejectError
			tr  *TransportError
			ne  net.Error
		)
		switch {
		case errors.As(err, &rej):
			return Outcome{Kind: OutcomeRejected, Err: err}
		case errors.As(err, &tr),
			errors.Is(err, context.DeadlineExceeded),
			errors.As(err, &ne):
			return Outcome{Kind: OutcomeTransient, Err: err}
		default:
			return Outcome{Kind: OutcomeFatal, Err: err}
		}
	}
	if ack == nil {
		return Outcome{Kind: OutcomeFatal, Err: errors.New("adapter returned neither ack nor error")}
	}
	switch ack.Status {
	case StateFilled:
		return Outcome{Kind: OutcomeFilled, Ack: ack}
	case StateRejected:
		msg := ack.Message
		if msg == "" {
			msg = "order rejected by exchange"
		}
		return Outcome{Kind: OutcomeRejected, Ack: ack, Err: &RejectError{Op: "place", Message: msg}}
	default:
		return Outcome{Kind: OutcomeAccepted, Ack: ack}
	}
}

// RejectMessage returns the venue's message for a rejection, or err's text.
func RejectMessage(err error) string {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
