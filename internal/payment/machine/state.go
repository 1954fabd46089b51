// Package machine implements the payment lifecycle as a finite state machine.
//
// Transition is a pure reducer over (state, context, event). Machine owns one state and
// context pair for a payment attempt and notifies listeners after each accepted event.
// Neither performs I/O; quote fetching and execution happen outside and report back
// through events.
package machine

import (
	"encoding/json"

	"crosspay/internal/payment/adapters"
	"crosspay/internal/payment/domain"
)

// State is a state of the payment lifecycle.
type State string

const (
	StateResolveRequirements State = "resolveRequirements"
	StateMethodSelection     State = "methodSelection"
	StateQuote               State = "quote"
	StatePreview             State = "preview"
	StateExecute             State = "execute"
	StateSuccess             State = "success"
	StateError               State = "error"
)

// States lists every state in lifecycle order.
var States = []State{
	StateResolveRequirements,
	StateMethodSelection,
	StateQuote,
	StatePreview,
	StateExecute,
	StateSuccess,
	StateError,
}

// Valid returns true for a known state
func (s State) Valid() bool {
	for _, st := range States {
		if s == st {
			return true
		}
	}
	return false
}

// Adapters are the injected capabilities. They are never persisted.
type Adapters struct {
	Window  adapters.Window
	Storage adapters.AsyncStorage
}

// Context is the data accumulated over a payment attempt. It is a value: transitions
// return a new Context and never modify the slices or pointers of the old one.
type Context struct {
	Adapters Adapters    `json:"-"`
	Mode     domain.Mode `json:"mode"`

	DestinationChainID      int64  `json:"destination_chain_id,omitempty"`
	DestinationTokenAddress string `json:"destination_token_address,omitempty"`
	DestinationAmount       string `json:"destination_amount,omitempty"`
	ReceiverAddress         string `json:"receiver_address,omitempty"`

	SelectedPaymentMethod *domain.PaymentMethod    `json:"selected_payment_method,omitempty"`
	PreparedQuote         *domain.PreparedQuote    `json:"prepared_quote,omitempty"`
	CompletedStatuses     []domain.CompletedStatus `json:"completed_statuses,omitempty"`

	CurrentError error `json:"-"`
	RetryState   State `json:"retry_state,omitempty"`
}

// Requirements returns the resolved requirements held by the context.
func (c Context) Requirements() domain.Requirements {
	return domain.Requirements{
		DestinationChainID:      c.DestinationChainID,
		DestinationTokenAddress: c.DestinationTokenAddress,
		DestinationAmount:       c.DestinationAmount,
		ReceiverAddress:         c.ReceiverAddress,
	}
}

type contextJSON Context

type persistedContext struct {
	contextJSON
	CurrentError *domain.ErrorRecord `json:"current_error,omitempty"`
}

// MarshalJSON encodes the context without adapters or live wallet handles. The current
// error is stored as its classified record.
func (c Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(persistedContext{
		contextJSON:  contextJSON(c),
		CurrentError: domain.RecordError(c.CurrentError),
	})
}

// UnmarshalJSON decodes a context written by MarshalJSON. Adapters must be injected
// afterwards.
func (c *Context) UnmarshalJSON(data []byte) error {
	var p persistedContext
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Context(p.contextJSON)
	c.CurrentError = p.CurrentError.Restore()
	return nil
}
