package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crosspay/internal/common/metrics"
	"crosspay/internal/common/middleware"
	"crosspay/internal/payment/domain"
	"crosspay/internal/payment/engine"
	"crosspay/internal/payment/machine"
	"crosspay/internal/providers/bridge"
)

// startQuote fetches a quote for the selected method in the background. Callers
// hold sess.mu and the session is in quote.
func (s *Service) startQuote(sess *session) {
	c := sess.machine.Context()
	if c.SelectedPaymentMethod == nil {
		return
	}
	req := bridge.QuoteRequest{Requirements: c.Requirements(), Method: *c.SelectedPaymentMethod}
	gen, ctx := s.begin(sess, s.cfg.QuoteTimeout)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := time.Now()
		quote, err := s.quotes.Prepare(ctx, req)
		if err == nil {
			err = s.checkBalance(req.Method, quote)
		}

		outcome := "ok"
		if err != nil {
			outcome = string(domain.Classify(err))
		}
		s.metrics.ObserveLatency(metrics.QuoteFetch, time.Since(start), map[string]string{"outcome": outcome})

		if err != nil {
			s.deliver(sess, gen, true, machine.ErrorOccurred{Err: asPaymentError(err)})
			return
		}
		s.deliver(sess, gen, true, machine.QuoteReceived{PreparedQuote: quote})
	}()
}

// checkBalance fails a wallet quote the payer cannot fund.
func (s *Service) checkBalance(method domain.PaymentMethod, quote *domain.PreparedQuote) error {
	if !s.cfg.CheckBalance || method.Wallet == nil || quote.Type == domain.QuoteOnramp {
		return nil
	}
	if method.Wallet.Balance.LessThan(quote.OriginAmount) {
		return domain.NewError(domain.KindInsufficientFunds, -1, fmt.Errorf("%w: balance %s below %s",
			domain.ErrInsufficientFunds, method.Wallet.Balance, quote.OriginAmount))
	}
	return nil
}

// startExecution runs the prepared quote in the background, feeding step progress
// back to the machine. Callers hold sess.mu and the session is in execute.
func (s *Service) startExecution(sess *session) {
	c := sess.machine.Context()
	if c.PreparedQuote == nil || c.SelectedPaymentMethod == nil {
		return
	}
	req := engine.Request{
		Quote:  c.PreparedQuote,
		Method: s.withAccount(sess, *c.SelectedPaymentMethod),
		Prior:  domain.CloneStatuses(c.CompletedStatuses),
		Window: sess.window,
	}
	gen, ctx := s.begin(sess, s.cfg.ExecutionTimeout)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		progress := func(st domain.CompletedStatus) {
			s.deliver(sess, gen, false, machine.StepCompleted{Status: st})
		}
		statuses, err := s.executor.Execute(ctx, req, progress)
		if err != nil {
			s.deliver(sess, gen, true, machine.ErrorOccurred{Err: asPaymentError(err), CompletedStatuses: statuses})
			return
		}
		s.deliver(sess, gen, true, machine.ExecutionComplete{CompletedStatuses: statuses})
	}()
}

// begin supersedes earlier work and returns the generation and context of new work.
func (s *Service) begin(sess *session, timeout time.Duration) (uint64, context.Context) {
	gen := sess.supersede()
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(s.base, timeout)
	} else {
		ctx, cancel = context.WithCancel(s.base)
	}
	sess.cancel = cancel
	sess.busy = true
	return gen, ctx
}

// deliver sends the result of background work unless the work was superseded. last
// marks the final result of that work.
func (s *Service) deliver(sess *session, gen uint64, last bool, ev machine.Event) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if gen != sess.generation {
		s.logger.Debug("dropping stale result",
			"session_id", sess.id,
			"event", ev.Type(),
			"generation", gen,
			"current_generation", sess.generation,
		)
		return
	}
	if last {
		sess.busy = false
		if sess.cancel != nil {
			sess.cancel()
			sess.cancel = nil
		}
	}
	s.send(sess, ev)
}

func asPaymentError(err error) *domain.PaymentError {
	var pe *domain.PaymentError
	if errors.As(err, &pe) {
		return pe
	}
	return domain.NewError(domain.Classify(err), -1, err)
}

func correlationID(ctx context.Context) string {
	return middleware.GetCorrelationID(ctx)
}
