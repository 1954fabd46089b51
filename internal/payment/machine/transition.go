package machine

import "crosspay/internal/payment/domain"

// Transition returns the state and context that follow ev. Events that are not valid
// in s are ignored and s and c are returned unchanged.
func Transition(s State, c Context, ev Event) (State, Context) {
	next, nc, _ := apply(s, c, ev)
	return next, nc
}

// apply is Transition that also reports whether ev was accepted.
func apply(s State, c Context, ev Event) (State, Context, bool) {
	switch ev := ev.(type) {
	case Reset:
		return StateResolveRequirements, Context{Adapters: c.Adapters, Mode: c.Mode}, true
	case ErrorOccurred:
		return fail(s, c, ev)
	}

	switch s {
	case StateResolveRequirements:
		return resolveRequirements(c, ev)
	case StateMethodSelection:
		return methodSelection(c, ev)
	case StateQuote:
		return quote(c, ev)
	case StatePreview:
		return preview(c, ev)
	case StateExecute:
		return execute(c, ev)
	case StateError:
		return failed(c, ev)
	}
	// success only accepts Reset.
	return s, c, false
}

func fail(s State, c Context, ev ErrorOccurred) (State, Context, bool) {
	if s == StateSuccess || s == StateError {
		return s, c, false
	}
	c.CurrentError = ev.Err
	c.RetryState = s
	if s == StateExecute && ev.CompletedStatuses != nil {
		c.CompletedStatuses = domain.CloneStatuses(ev.CompletedStatuses)
	}
	return StateError, c, true
}

func resolveRequirements(c Context, ev Event) (State, Context, bool) {
	switch ev := ev.(type) {
	case RequirementsResolved:
		c.DestinationChainID = ev.DestinationChainID
		c.DestinationTokenAddress = ev.DestinationTokenAddress
		c.DestinationAmount = ev.DestinationAmount
		c.ReceiverAddress = ev.ReceiverAddress
		return StateMethodSelection, c, true
	case PaymentMethodSelected, QuoteReceived, RouteConfirmed, ExecutionComplete,
		Retry, Back, StepCompleted:
	}
	return StateResolveRequirements, c, false
}

func methodSelection(c Context, ev Event) (State, Context, bool) {
	switch ev := ev.(type) {
	case PaymentMethodSelected:
		method := ev.PaymentMethod
		c.SelectedPaymentMethod = &method
		c.PreparedQuote = nil
		c.CompletedStatuses = nil
		return StateQuote, c, true
	case Back:
		return StateResolveRequirements, c, true
	case RequirementsResolved, QuoteReceived, RouteConfirmed, ExecutionComplete,
		Retry, StepCompleted:
	}
	return StateMethodSelection, c, false
}

func quote(c Context, ev Event) (State, Context, bool) {
	switch ev := ev.(type) {
	case QuoteReceived:
		if ev.PreparedQuote == nil {
			break
		}
		c.PreparedQuote = ev.PreparedQuote
		c.CompletedStatuses = nil
		return StatePreview, c, true
	case Back:
		return backToMethodSelection(c)
	case RequirementsResolved, PaymentMethodSelected, RouteConfirmed, ExecutionComplete,
		Retry, StepCompleted:
	}
	return StateQuote, c, false
}

func preview(c Context, ev Event) (State, Context, bool) {
	switch ev.(type) {
	case RouteConfirmed:
		return StateExecute, c, true
	case Back:
		return backToMethodSelection(c)
	case RequirementsResolved, PaymentMethodSelected, QuoteReceived, ExecutionComplete,
		Retry, StepCompleted:
	}
	return StatePreview, c, false
}

func execute(c Context, ev Event) (State, Context, bool) {
	switch ev := ev.(type) {
	case ExecutionComplete:
		c.CompletedStatuses = domain.CloneStatuses(ev.CompletedStatuses)
		return StateSuccess, c, true
	case StepCompleted:
		c.CompletedStatuses = domain.UpsertStatus(c.CompletedStatuses, ev.Status)
		return StateExecute, c, true
	case RequirementsResolved, PaymentMethodSelected, QuoteReceived, RouteConfirmed,
		Retry, Back:
	}
	return StateExecute, c, false
}

func failed(c Context, ev Event) (State, Context, bool) {
	switch ev.(type) {
	case Retry:
		target := c.RetryState
		if !target.Valid() || target == StateError || target == StateSuccess {
			break
		}
		c.CurrentError = nil
		c.RetryState = ""
		return target, c, true
	case RequirementsResolved, PaymentMethodSelected, QuoteReceived, RouteConfirmed,
		ExecutionComplete, Back, StepCompleted:
	}
	return StateError, c, false
}

func backToMethodSelection(c Context) (State, Context, bool) {
	c.PreparedQuote = nil
	c.CompletedStatuses = nil
	return StateMethodSelection, c, true
}
