package payment

import (
	"context"
	"fmt"

	"crosspay/internal/payment/domain"
	"crosspay/internal/payment/machine"
)

// ResolveRequirements sets the payment destination.
func (s *Service) ResolveRequirements(ctx context.Context, id string, req domain.Requirements) (View, error) {
	if err := domain.ValidateRequirements(req); err != nil {
		return View{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.update(ctx, id, func(sess *session) error {
		if !s.send(sess, machine.RequirementsResolved{Requirements: req}) {
			return notAllowed(sess, machine.EventRequirementsResolved)
		}
		return nil
	})
}

// SelectMethod chooses the funding source and starts fetching a quote for it. From
// quote or preview it first steps back to method selection.
func (s *Service) SelectMethod(ctx context.Context, id string, method domain.PaymentMethod) (View, error) {
	if err := method.Validate(); err != nil {
		return View{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	method = s.refreshBalance(ctx, method)

	return s.update(ctx, id, func(sess *session) error {
		switch sess.machine.State() {
		case machine.StateQuote, machine.StatePreview:
			sess.supersede()
			s.send(sess, machine.Back{})
		}
		if !s.send(sess, machine.PaymentMethodSelected{PaymentMethod: s.withAccount(sess, method)}) {
			return notAllowed(sess, machine.EventPaymentMethodSelected)
		}
		s.startQuote(sess)
		return nil
	})
}

// ConfirmRoute accepts the previewed quote and starts executing it. An expired quote
// moves the session to error instead.
func (s *Service) ConfirmRoute(ctx context.Context, id string) (View, error) {
	return s.update(ctx, id, func(sess *session) error {
		if sess.machine.State() != machine.StatePreview {
			return notAllowed(sess, machine.EventRouteConfirmed)
		}
		if q := sess.machine.Context().PreparedQuote; q.Expired(s.now(), s.cfg.QuoteTTL) {
			s.send(sess, machine.ErrorOccurred{Err: domain.NewError(domain.KindQuoteExpired, -1, nil)})
			return nil
		}
		s.send(sess, machine.RouteConfirmed{})
		s.startExecution(sess)
		return nil
	})
}

// Retry resumes from the state the last error was raised in and restarts the work
// that state needs. A preview whose quote has expired is requoted with the same
// method.
func (s *Service) Retry(ctx context.Context, id string) (View, error) {
	return s.update(ctx, id, func(sess *session) error {
		if !s.send(sess, machine.Retry{}) {
			return notAllowed(sess, machine.EventRetry)
		}
		c := sess.machine.Context()
		switch sess.machine.State() {
		case machine.StateQuote:
			s.startQuote(sess)
		case machine.StatePreview:
			if c.PreparedQuote.Expired(s.now(), s.cfg.QuoteTTL) && c.SelectedPaymentMethod != nil {
				method := *c.SelectedPaymentMethod
				s.send(sess, machine.Back{})
				s.send(sess, machine.PaymentMethodSelected{PaymentMethod: method})
				s.startQuote(sess)
			}
		case machine.StateExecute:
			s.startExecution(sess)
		}
		return nil
	})
}

// Reset abandons any in-flight work and starts over.
func (s *Service) Reset(ctx context.Context, id string) (View, error) {
	return s.update(ctx, id, func(sess *session) error {
		sess.supersede()
		sess.window.Clear()
		s.send(sess, machine.Reset{})
		return nil
	})
}

// Back returns to the previous step. A quote being fetched is abandoned.
func (s *Service) Back(ctx context.Context, id string) (View, error) {
	return s.update(ctx, id, func(sess *session) error {
		switch sess.machine.State() {
		case machine.StateMethodSelection, machine.StateQuote, machine.StatePreview:
		default:
			return notAllowed(sess, machine.EventBack)
		}
		sess.supersede()
		s.send(sess, machine.Back{})
		return nil
	})
}

// update runs fn with the session locked and returns the resulting view.
func (s *Service) update(ctx context.Context, id string, fn func(sess *session) error) (View, error) {
	if err := s.base.Err(); err != nil {
		return View{}, ErrShuttingDown
	}
	sess, err := s.session(ctx, id)
	if err != nil {
		return View{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := fn(sess); err != nil {
		return sess.view(), err
	}
	return sess.view(), nil
}

func notAllowed(sess *session, ev machine.EventType) error {
	return fmt.Errorf("%w: %s in %s", ErrNotAllowed, ev, sess.machine.State())
}

// withAccount attaches the server-held account of the payer, if there is one and
// the session belongs to an authenticated client.
func (s *Service) withAccount(sess *session, method domain.PaymentMethod) domain.PaymentMethod {
	if s.accounts == nil || sess.meta.ClientID == "" {
		return method
	}
	if acc, ok := s.accounts.Account(method.Payer().Address); ok {
		return method.WithAccount(acc)
	}
	return method
}

// refreshBalance replaces a wallet method's balance with the on-chain one.
func (s *Service) refreshBalance(ctx context.Context, method domain.PaymentMethod) domain.PaymentMethod {
	if s.balances == nil || method.Wallet == nil {
		return method
	}
	w := *method.Wallet
	bal, err := s.balances.Balance(ctx, w.OriginToken, w.Payer.Address)
	if err != nil {
		s.logger.Warn("failed to read balance, keeping reported balance",
			"chain_id", w.OriginToken.ChainID,
			"token", w.OriginToken.Address,
			"error", err,
		)
		return method
	}
	w.Balance = bal
	method.Wallet = &w
	return method
}
