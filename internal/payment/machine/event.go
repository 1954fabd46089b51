package machine

import "crosspay/internal/payment/domain"

// EventType is the wire name of an event.
type EventType string

const (
	EventRequirementsResolved  EventType = "REQUIREMENTS_RESOLVED"
	EventPaymentMethodSelected EventType = "PAYMENT_METHOD_SELECTED"
	EventQuoteReceived         EventType = "QUOTE_RECEIVED"
	EventRouteConfirmed        EventType = "ROUTE_CONFIRMED"
	EventExecutionComplete     EventType = "EXECUTION_COMPLETE"
	EventErrorOccurred         EventType = "ERROR_OCCURRED"
	EventRetry                 EventType = "RETRY"
	EventReset                 EventType = "RESET"
	EventBack                  EventType = "BACK"
	EventStepCompleted         EventType = "STEP_COMPLETED"
)

// Event is an input to the machine. The set of events is closed.
type Event interface {
	Type() EventType
	sealed()
}

// RequirementsResolved carries the payment destination.
type RequirementsResolved struct {
	domain.Requirements
}

// PaymentMethodSelected carries the chosen funding source.
type PaymentMethodSelected struct {
	PaymentMethod domain.PaymentMethod
}

// QuoteReceived carries the route to preview.
type QuoteReceived struct {
	PreparedQuote *domain.PreparedQuote
}

// RouteConfirmed is sent when the payer accepts the previewed route.
type RouteConfirmed struct{}

// ExecutionComplete carries the final status of every step.
type ExecutionComplete struct {
	CompletedStatuses []domain.CompletedStatus
}

// ErrorOccurred reports a failure. CompletedStatuses, when not nil, is the partial
// progress made by an execution before it failed.
type ErrorOccurred struct {
	Err               error
	CompletedStatuses []domain.CompletedStatus
}

// Retry resumes from the state an error was raised in.
type Retry struct{}

// Reset starts over, keeping only adapters and mode.
type Reset struct{}

// Back returns to the previous selection screen.
type Back struct{}

// StepCompleted records the status of one step while execution is in progress.
type StepCompleted struct {
	Status domain.CompletedStatus
}

func (RequirementsResolved) Type() EventType  { return EventRequirementsResolved }
func (PaymentMethodSelected) Type() EventType { return EventPaymentMethodSelected }
func (QuoteReceived) Type() EventType         { return EventQuoteReceived }
func (RouteConfirmed) Type() EventType        { return EventRouteConfirmed }
func (ExecutionComplete) Type() EventType     { return EventExecutionComplete }
func (ErrorOccurred) Type() EventType         { return EventErrorOccurred }
func (Retry) Type() EventType                 { return EventRetry }
func (Reset) Type() EventType                 { return EventReset }
func (Back) Type() EventType                  { return EventBack }
func (StepCompleted) Type() EventType         { return EventStepCompleted }

func (RequirementsResolved) sealed()  {}
func (PaymentMethodSelected) sealed() {}
func (QuoteReceived) sealed()         {}
func (RouteConfirmed) sealed()        {}
func (ExecutionComplete) sealed()     {}
func (ErrorOccurred) sealed()         {}
func (Retry) sealed()                 {}
func (Reset) sealed()                 {}
func (Back) sealed()                  {}
func (StepCompleted) sealed()         {}
