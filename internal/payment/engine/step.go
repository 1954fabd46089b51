package engine

import (
	"context"
	"fmt"

	"crosspay/internal/payment/adapters"
	"crosspay/internal/payment/domain"
)

// stepRun executes one planned step and keeps its status current.
type stepRun struct {
	engine *Engine
	quote  *domain.PreparedQuote
	step   domain.PlannedStep
	method domain.PaymentMethod
	window adapters.Window
	record func(domain.CompletedStatus)
	status domain.CompletedStatus
}

func (r *stepRun) run(ctx context.Context, resume *domain.CompletedStatus) error {
	r.status = r.initialStatus(resume)
	if r.step.Kind == domain.StepKindOnramp {
		return r.runOnramp(ctx, resume != nil)
	}
	return r.runTransactions(ctx)
}

func (r *stepRun) initialStatus(resume *domain.CompletedStatus) domain.CompletedStatus {
	payer := r.method.Payer().Address
	receiver := payer
	if r.step.Index == len(r.quote.Plan())-1 && r.quote.Receiver != "" {
		receiver = r.quote.Receiver
	}

	typ := r.quote.Type
	switch {
	case r.step.Kind == domain.StepKindOnramp:
		typ = domain.QuoteOnramp
	case typ == domain.QuoteOnramp:
		typ = domain.QuoteBuy
	}

	s := domain.CompletedStatus{
		StepIndex:         r.step.Index,
		QuoteID:           r.quote.ID,
		Type:              typ,
		Status:            domain.StatusPending,
		OriginToken:       r.step.Step.OriginToken,
		DestinationToken:  r.step.Step.DestinationToken,
		OriginAmount:      r.step.Step.OriginAmount,
		DestinationAmount: r.step.Step.DestinationAmount,
		Sender:            payer,
		Receiver:          receiver,
	}
	if resume != nil {
		s.PaymentID = resume.PaymentID
		s.Batched = resume.Batched
		s.Confirmed = resume.Confirmed
		s.Transactions = append([]domain.TxRef(nil), resume.Transactions...)
	}
	return s
}

// runTransactions sends the step's transactions. Hashes recorded by an earlier
// attempt are waited on instead of being sent again; confirmed ones are skipped.
func (r *stepRun) runTransactions(ctx context.Context) error {
	account := r.method.Payer().Account
	if account == nil {
		return ErrNoAccount
	}

	txs := r.step.Step.Transactions
	sent := len(r.status.Transactions)
	if r.status.Batched && sent > 0 {
		sent = len(txs)
	}
	for r.status.Confirmed < len(r.status.Transactions) {
		if err := r.confirm(ctx, r.status.Transactions[r.status.Confirmed]); err != nil {
			return err
		}
		r.status.Confirmed++
		r.record(r.status)
	}

	var remaining []domain.Transaction
	if sent < len(txs) {
		remaining = txs[sent:]
	}

	if batch, ok := domain.AsBatch(account); ok && len(remaining) > 1 {
		hash, err := batch.SendBatchTransaction(ctx, remaining)
		if err != nil {
			return fmt.Errorf("sending batch of %d transactions: %w", len(remaining), err)
		}
		if err := r.sent(ctx, domain.TxRef{ChainID: remaining[0].ChainID, Hash: hash}, true); err != nil {
			return err
		}
	} else {
		for _, tx := range remaining {
			hash, err := account.SendTransaction(ctx, tx)
			if err != nil {
				return fmt.Errorf("sending %s transaction: %w", tx.Action, err)
			}
			if err := r.sent(ctx, domain.TxRef{ChainID: tx.ChainID, Hash: hash}, false); err != nil {
				return err
			}
		}
	}

	if r.step.Step.CrossChain() && len(r.status.Transactions) > 0 {
		origin := r.status.Transactions[len(r.status.Transactions)-1]
		if err := r.waitBridge(ctx, origin); err != nil {
			return err
		}
	}

	r.status.Status = domain.StatusCompleted
	r.record(r.status)
	return nil
}

// sent records a broadcast transaction as pending and waits for it to be mined.
func (r *stepRun) sent(ctx context.Context, ref domain.TxRef, batched bool) error {
	if ref.Hash == "" {
		return ErrEmptyTxHash
	}
	r.status.Transactions = append(r.status.Transactions, ref)
	r.status.Batched = r.status.Batched || batched
	r.record(r.status)

	if err := r.confirm(ctx, ref); err != nil {
		return err
	}
	r.status.Confirmed++
	r.record(r.status)
	return nil
}

func (r *stepRun) confirm(ctx context.Context, ref domain.TxRef) error {
	ctx, cancel := context.WithTimeout(ctx, r.engine.cfg.ConfirmTimeout)
	defer cancel()

	if err := r.engine.confirmer.WaitForReceipt(ctx, ref.ChainID, ref.Hash); err != nil {
		if ctx.Err() != nil {
			return waitError(ctx, "transaction "+ref.Hash)
		}
		return fmt.Errorf("confirming %s: %w", ref.Hash, err)
	}
	return nil
}

func (r *stepRun) waitBridge(ctx context.Context, origin domain.TxRef) error {
	if r.engine.bridge == nil {
		return ErrNoTracker
	}
	return r.engine.poll(ctx, r.engine.cfg.BridgeTimeout, "bridge", func(ctx context.Context) (bool, error) {
		st, err := r.engine.bridge.BridgeStatus(ctx, origin.ChainID, origin.Hash)
		if err != nil {
			return false, err
		}
		switch st.Status {
		case domain.StatusCompleted:
			if st.PaymentID != "" {
				r.status.PaymentID = st.PaymentID
			}
			if st.Destination != nil {
				r.status.Transactions = append(r.status.Transactions, *st.Destination)
			}
			return true, nil
		case domain.StatusFailed:
			return false, permanent(fmt.Errorf("%w: origin transaction %s", ErrBridgeFailed, origin.Hash))
		}
		return false, nil
	})
}

// runOnramp opens the hosted onramp and waits for it to deliver. A resumed onramp is
// only polled; the payer already has the page.
func (r *stepRun) runOnramp(ctx context.Context, resumed bool) error {
	if r.engine.onramp == nil {
		return ErrNoTracker
	}
	if !resumed {
		if r.window == nil {
			return ErrNoWindow
		}
		if err := r.window.Open(ctx, r.quote.Link); err != nil {
			return fmt.Errorf("opening onramp: %w", err)
		}
		r.status.PaymentID = r.quote.ID
		r.record(r.status)
	}

	err := r.engine.poll(ctx, r.engine.cfg.OnrampTimeout, "onramp", func(ctx context.Context) (bool, error) {
		st, err := r.engine.onramp.OnrampStatus(ctx, r.quote.ID)
		if err != nil {
			return false, err
		}
		switch st.Status {
		case domain.StatusCompleted:
			r.status.Transactions = append(r.status.Transactions, st.Transactions...)
			return true, nil
		case domain.StatusFailed:
			return false, permanent(fmt.Errorf("%w: session %s: %w", ErrOnrampFailed, r.quote.ID, domain.ErrQuoteInvalid))
		}
		return false, nil
	})
	if err != nil {
		return err
	}

	r.status.Status = domain.StatusCompleted
	r.record(r.status)
	return nil
}
