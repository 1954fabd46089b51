// Package engine executes prepared routes step by step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crosspay/internal/common/metrics"
	"crosspay/internal/payment/adapters"
	"crosspay/internal/payment/domain"
)

// Config bounds how long the engine waits on external progress.
type Config struct {
	ConfirmTimeout time.Duration `envconfig:"ENGINE_CONFIRM_TIMEOUT" default:"3m"`
	PollInterval   time.Duration `envconfig:"ENGINE_POLL_INTERVAL" default:"2s"`
	BridgeTimeout  time.Duration `envconfig:"ENGINE_BRIDGE_TIMEOUT" default:"15m"`
	OnrampTimeout  time.Duration `envconfig:"ENGINE_ONRAMP_TIMEOUT" default:"30m"`
}

func (c Config) withDefaults() Config {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 3 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BridgeTimeout <= 0 {
		c.BridgeTimeout = 15 * time.Minute
	}
	if c.OnrampTimeout <= 0 {
		c.OnrampTimeout = 30 * time.Minute
	}
	return c
}

var (
	ErrNoAccount    = errors.New("payment method has no account to sign with")
	ErrNoWindow     = errors.New("no window to open the onramp in")
	ErrNoTracker    = errors.New("no status tracker configured")
	ErrBridgeFailed = errors.New("bridge transfer failed")
	ErrOnrampFailed = errors.New("onramp failed")
	ErrEmptyTxHash  = errors.New("account returned no transaction hash")
	ErrCancelled    = errors.New("execution cancelled")
)

// Confirmer waits for a transaction to be mined.
type Confirmer interface {
	// WaitForReceipt returns nil once the transaction succeeded and an error wrapping
	// domain.ErrTransactionReverted if it was mined but failed.
	WaitForReceipt(ctx context.Context, chainID int64, hash string) error
}

// BridgeStatus is the progress of a cross-chain transfer.
type BridgeStatus struct {
	Status      domain.StepStatus
	PaymentID   string
	Destination *domain.TxRef
}

// BridgeTracker reports cross-chain transfer progress by origin transaction.
type BridgeTracker interface {
	BridgeStatus(ctx context.Context, chainID int64, txHash string) (BridgeStatus, error)
}

// OnrampStatus is the progress of a hosted onramp session.
type OnrampStatus struct {
	Status       domain.StepStatus
	Transactions []domain.TxRef
}

// OnrampTracker reports onramp progress by session id.
type OnrampTracker interface {
	OnrampStatus(ctx context.Context, id string) (OnrampStatus, error)
}

// Request is one execution attempt.
type Request struct {
	Quote  *domain.PreparedQuote
	Method domain.PaymentMethod
	// Prior holds statuses recorded by earlier attempts on the same quote.
	Prior  []domain.CompletedStatus
	Window adapters.Window
}

// Progress is called whenever a step status is recorded.
type Progress func(domain.CompletedStatus)

// Engine drives routes to completion.
type Engine struct {
	cfg       Config
	confirmer Confirmer
	bridge    BridgeTracker
	onramp    OnrampTracker
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// New creates an engine.
func New(cfg Config, confirmer Confirmer, bridge BridgeTracker, onramp OnrampTracker, recorder metrics.Recorder, logger *slog.Logger) *Engine {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Engine{
		cfg:       cfg.withDefaults(),
		confirmer: confirmer,
		bridge:    bridge,
		onramp:    onramp,
		metrics:   recorder,
		logger:    logger,
	}
}

// Execute runs every step of the route that has not completed yet, in order. It
// returns the statuses of all steps, including partial progress when it fails. The
// returned error is a *domain.PaymentError.
func (e *Engine) Execute(ctx context.Context, req Request, progress Progress) ([]domain.CompletedStatus, error) {
	if progress == nil {
		progress = func(domain.CompletedStatus) {}
	}
	statuses := domain.CloneStatuses(req.Prior)

	if err := req.Quote.Validate(); err != nil {
		return statuses, domain.NewError(domain.KindQuoteInvalid, -1, fmt.Errorf("%w: %v", domain.ErrQuoteInvalid, err))
	}
	plan := req.Quote.Plan()
	if err := checkPrior(req.Quote, plan, req.Prior); err != nil {
		return statuses, domain.NewError(domain.KindQuoteInvalid, -1, err)
	}

	record := func(s domain.CompletedStatus) {
		statuses = domain.UpsertStatus(statuses, s)
		progress(s.Clone())
	}

	for _, ps := range plan {
		prev, seen := domain.StatusFor(statuses, ps.Index)
		if seen && prev.Completed() {
			e.logger.Debug("skipping completed step", "quote_id", req.Quote.ID, "step_index", ps.Index)
			continue
		}
		if seen && prev.Status == domain.StatusFailed && ps.Kind == domain.StepKindOnramp {
			// The onramp session is spent; only a new quote opens another one.
			return statuses, domain.StepError(ps.Index, fmt.Errorf("%w: session %s: %w", ErrOnrampFailed, req.Quote.ID, domain.ErrQuoteInvalid))
		}
		var resume *domain.CompletedStatus
		if seen {
			if r, ok := prev.Resumable(); ok {
				resume = &r
			}
		}

		r := &stepRun{
			engine: e,
			quote:  req.Quote,
			step:   ps,
			method: req.Method,
			window: req.Window,
			record: record,
		}

		start := time.Now()
		err := r.run(ctx, resume)
		outcome := "completed"
		if err != nil {
			outcome = "failed"
		}
		e.metrics.ObserveLatency(metrics.StepExecute, time.Since(start), map[string]string{"outcome": outcome})
		e.metrics.IncCounter(metrics.StepOutcome, map[string]string{"state": string(ps.Kind), "outcome": outcome})

		if err != nil {
			last := r.status
			last.Status = outcomeStatus(last, err)
			record(last)

			e.logger.Warn("step failed",
				"quote_id", req.Quote.ID,
				"step_index", ps.Index,
				"error", err,
			)
			return statuses, domain.StepError(ps.Index, err)
		}

		e.logger.Info("step completed",
			"quote_id", req.Quote.ID,
			"step_index", ps.Index,
			"transactions", len(r.status.Transactions),
		)
	}

	return statuses, nil
}

// outcomeStatus decides how a failed step is recorded. A step whose broadcast work
// may still land stays PENDING so a retry waits on it instead of sending again.
func outcomeStatus(s domain.CompletedStatus, err error) domain.StepStatus {
	inFlight := len(s.Transactions) > 0 || (s.Type == domain.QuoteOnramp && s.PaymentID != "")
	if !inFlight {
		return domain.StatusFailed
	}
	switch domain.Classify(err) {
	case domain.KindTimeout, domain.KindNetwork:
		return domain.StatusPending
	}
	if errors.Is(err, ErrCancelled) {
		return domain.StatusPending
	}
	return domain.StatusFailed
}

// checkPrior rejects statuses that cannot belong to the plan, so nothing is skipped
// or resumed against a different route.
func checkPrior(q *domain.PreparedQuote, plan []domain.PlannedStep, prior []domain.CompletedStatus) error {
	for _, s := range prior {
		if s.StepIndex < 0 || s.StepIndex >= len(plan) {
			return fmt.Errorf("%w: status for step %d but route has %d steps", domain.ErrQuoteInvalid, s.StepIndex, len(plan))
		}
		if s.QuoteID != "" && s.QuoteID != q.ID {
			return fmt.Errorf("%w: status recorded for quote %s, executing %s", domain.ErrQuoteInvalid, s.QuoteID, q.ID)
		}
		if s.OriginToken.ChainID != 0 && s.OriginToken.ChainID != plan[s.StepIndex].Step.OriginToken.ChainID {
			return fmt.Errorf("%w: step %d origin chain changed", domain.ErrQuoteInvalid, s.StepIndex)
		}
	}
	return nil
}

// poll calls check every poll interval until it reports done or timeout elapses.
// Errors from check are transient unless wrapped by permanent.
func (e *Engine) poll(ctx context.Context, timeout time.Duration, what string, check func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		var perm permanentError
		switch {
		case errors.As(err, &perm):
			return perm.err
		case err != nil:
			e.logger.Debug("status check failed", "what", what, "error", err)
		case done:
			return nil
		}

		select {
		case <-ctx.Done():
			return waitError(ctx, what)
		case <-ticker.C:
		}
	}
}

// waitError translates an expired wait into the error taxonomy.
func waitError(ctx context.Context, what string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("waiting for %s: %w", what, domain.ErrTimeout)
	}
	return fmt.Errorf("waiting for %s: %w", what, ErrCancelled)
}

// permanentError stops a poll.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

func permanent(err error) error { return permanentError{err: err} }
