package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors of the payment error taxonomy.
var (
	ErrUserRejected        = errors.New("user rejected the request")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrNetwork             = errors.New("network error")
	ErrTimeout             = errors.New("timed out")
	ErrQuoteExpired        = errors.New("quote expired")
	ErrQuoteInvalid        = errors.New("quote invalid")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrSimulationFailed    = errors.New("transaction simulation failed")
)

// ErrorKind classifies a payment error for the host.
type ErrorKind string

const (
	KindUserRejected      ErrorKind = "user_rejected"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindNetwork           ErrorKind = "network"
	KindTimeout           ErrorKind = "timeout"
	KindQuoteExpired      ErrorKind = "quote_expired"
	KindQuoteInvalid      ErrorKind = "quote_invalid"
	KindReverted          ErrorKind = "reverted"
	KindSimulationFailed  ErrorKind = "simulation_failed"
	KindUnknown           ErrorKind = "unknown"
)

var kindSentinels = map[ErrorKind]error{
	KindUserRejected:      ErrUserRejected,
	KindInsufficientFunds: ErrInsufficientFunds,
	KindNetwork:           ErrNetwork,
	KindTimeout:           ErrTimeout,
	KindQuoteExpired:      ErrQuoteExpired,
	KindQuoteInvalid:      ErrQuoteInvalid,
	KindReverted:          ErrTransactionReverted,
	KindSimulationFailed:  ErrSimulationFailed,
}

// classifyOrder fixes which kind wins when an error wraps several sentinels.
var classifyOrder = []ErrorKind{
	KindUserRejected,
	KindInsufficientFunds,
	KindQuoteExpired,
	KindQuoteInvalid,
	KindReverted,
	KindSimulationFailed,
	KindTimeout,
	KindNetwork,
}

// Recovery is the action a host should offer for an error kind.
type Recovery string

const (
	// RecoveryRetry resumes where the error happened.
	RecoveryRetry Recovery = "retry"
	// RecoveryChangeMethod goes back to method selection.
	RecoveryChangeMethod Recovery = "change_method"
	// RecoveryRequote fetches a fresh quote.
	RecoveryRequote Recovery = "requote"
	// RecoveryReset starts over.
	RecoveryReset Recovery = "reset"
)

// Recovery returns the suggested recovery for the kind.
func (k ErrorKind) Recovery() Recovery {
	switch k {
	case KindUserRejected, KindNetwork, KindTimeout:
		return RecoveryRetry
	case KindInsufficientFunds:
		return RecoveryChangeMethod
	case KindQuoteExpired, KindQuoteInvalid:
		return RecoveryRequote
	default:
		return RecoveryReset
	}
}

// PaymentError is an error raised while quoting or executing a payment.
// StepIndex is -1 when the error is not tied to a step.
type PaymentError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	StepIndex int       `json:"step_index"`
	Err       error     `json:"-"`
}

// NewError wraps err with a kind. A nil err uses the kind's sentinel.
func NewError(kind ErrorKind, stepIndex int, err error) *PaymentError {
	if err == nil {
		err = kindSentinels[kind]
	}
	msg := string(kind)
	if err != nil {
		msg = err.Error()
	}
	return &PaymentError{Kind: kind, Message: msg, StepIndex: stepIndex, Err: err}
}

// StepError classifies err and ties it to a step.
func StepError(stepIndex int, err error) *PaymentError {
	var pe *PaymentError
	if errors.As(err, &pe) {
		out := *pe
		out.StepIndex = stepIndex
		return &out
	}
	return NewError(Classify(err), stepIndex, err)
}

func (e *PaymentError) Error() string {
	if e.StepIndex >= 0 {
		return fmt.Sprintf("step %d: %s", e.StepIndex, e.Message)
	}
	return e.Message
}

// Unwrap returns the cause. Errors restored from storage have no cause.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *PaymentError) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && target == s
}

// Classify maps any error to a kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	for _, kind := range classifyOrder {
		if errors.Is(err, kindSentinels[kind]) {
			return kind
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	// Wallet and node errors are strings more often than not.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"):
		return KindUserRejected
	case strings.Contains(msg, "insufficient funds"):
		return KindInsufficientFunds
	case strings.Contains(msg, "execution reverted"):
		return KindSimulationFailed
	}
	return KindUnknown
}

// ErrorRecord is the serialized form of an error.
type ErrorRecord struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	StepIndex int       `json:"step_index"`
}

// RecordError converts any error to its serialized form.
func RecordError(err error) *ErrorRecord {
	if err == nil {
		return nil
	}
	rec := &ErrorRecord{Kind: Classify(err), Message: err.Error(), StepIndex: -1}
	var pe *PaymentError
	if errors.As(err, &pe) {
		rec.Message = pe.Message
		rec.StepIndex = pe.StepIndex
	}
	return rec
}

// Restore rebuilds an error from its serialized form.
func (r *ErrorRecord) Restore() error {
	if r == nil {
		return nil
	}
	return &PaymentError{Kind: r.Kind, Message: r.Message, StepIndex: r.StepIndex}
}
