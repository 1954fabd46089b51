// Package payment hosts payment attempts. It owns one state machine per session, runs
// quote fetches and route executions for it, and persists and publishes every
// transition.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"crosspay/internal/common/amount"
	"crosspay/internal/common/events"
	"crosspay/internal/common/metrics"
	"crosspay/internal/common/middleware"
	"crosspay/internal/payment/adapters"
	"crosspay/internal/payment/domain"
	"crosspay/internal/payment/engine"
	"crosspay/internal/payment/machine"
	"crosspay/internal/providers/bridge"
)

var (
	ErrSessionNotFound = errors.New("payment session not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrNotAllowed      = errors.New("operation not allowed in the current state")
	ErrShuttingDown    = errors.New("service is shutting down")
)

// Config holds service configuration.
type Config struct {
	QuoteTimeout     time.Duration `envconfig:"PAYMENT_QUOTE_TIMEOUT" default:"30s"`
	QuoteTTL         time.Duration `envconfig:"PAYMENT_QUOTE_TTL" default:"5m"`
	ExecutionTimeout time.Duration `envconfig:"PAYMENT_EXECUTION_TIMEOUT" default:"1h"`
	CheckBalance     bool          `envconfig:"PAYMENT_CHECK_BALANCE" default:"true"`
	PersistTimeout   time.Duration `envconfig:"PAYMENT_PERSIST_TIMEOUT" default:"5s"`
}

// QuoteProvider prepares quotes.
type QuoteProvider interface {
	Prepare(ctx context.Context, req bridge.QuoteRequest) (*domain.PreparedQuote, error)
}

// Executor runs prepared routes.
type Executor interface {
	Execute(ctx context.Context, req engine.Request, progress engine.Progress) ([]domain.CompletedStatus, error)
}

// AccountResolver finds the signing account of a payer address.
type AccountResolver interface {
	Account(address string) (domain.Account, bool)
}

// BalanceReader reads on-chain balances.
type BalanceReader interface {
	Balance(ctx context.Context, token domain.Token, owner string) (amount.Amount, error)
}

// Service hosts payment sessions.
type Service struct {
	cfg       Config
	quotes    QuoteProvider
	executor  Executor
	storage   adapters.AsyncStorage
	persister *machine.Persister
	publisher events.EventPublisher
	logger    *slog.Logger

	accounts AccountResolver
	balances BalanceReader
	metrics  metrics.Recorder
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	// background work runs under base, not under the request that started it
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewService creates a payment service.
func NewService(cfg Config, quotes QuoteProvider, executor Executor, storage adapters.AsyncStorage, publisher events.EventPublisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	base, stop := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		quotes:    quotes,
		executor:  executor,
		storage:   storage,
		persister: machine.NewPersister(storage),
		publisher: publisher,
		logger:    logger,
		metrics:   metrics.NoopRecorder{},
		now:       time.Now,
		sessions:  make(map[string]*session),
		base:      base,
		stop:      stop,
	}
}

// SetAccounts sets the resolver for server-held payer accounts.
func (s *Service) SetAccounts(a AccountResolver) { s.accounts = a }

// SetBalances sets the on-chain balance reader.
func (s *Service) SetBalances(b BalanceReader) { s.balances = b }

// SetMetrics sets the metrics recorder.
func (s *Service) SetMetrics(r metrics.Recorder) { s.metrics = r }

// CreateRequest is the request to start a payment attempt.
type CreateRequest struct {
	Mode         domain.Mode          `json:"mode" validate:"required,oneof=fund_wallet direct_payment transaction"`
	Requirements *domain.Requirements `json:"requirements,omitempty"`
	Transaction  *TransactionRequest  `json:"transaction,omitempty" validate:"required_if=Mode transaction"`
	PurchaseData map[string]string    `json:"purchase_data,omitempty"`
}

// TransactionRequest describes the transaction a transaction-mode payment funds.
type TransactionRequest struct {
	domain.PreparedTransaction
	Sender   string `json:"sender" validate:"required,eth_addr"`
	Decimals uint8  `json:"decimals"`
}

// Create starts a payment attempt. When requirements are known up front they are
// resolved immediately.
func (s *Service) Create(ctx context.Context, req CreateRequest) (View, error) {
	if err := s.base.Err(); err != nil {
		return View{}, ErrShuttingDown
	}

	requirements := req.Requirements
	if req.Mode == domain.ModeTransaction {
		if req.Transaction == nil {
			return View{}, fmt.Errorf("%w: transaction mode needs a transaction", ErrInvalidRequest)
		}
		derived, err := domain.RequirementsFromTransaction(req.Transaction.PreparedTransaction, req.Transaction.Sender, req.Transaction.Decimals)
		if err != nil {
			return View{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		requirements = &derived
	}

	var intent *domain.PaymentIntent
	if requirements != nil {
		in, err := domain.NewPaymentIntent(req.Mode, *requirements, req.PurchaseData)
		if err != nil {
			return View{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if err := domain.ValidateRequirements(in.Requirements); err != nil {
			return View{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		intent = &in
	} else if !req.Mode.Valid() {
		return View{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, req.Mode)
	}

	id := ulid.Make().String()
	sess := s.newSession(id, machine.New(machine.Adapters{}, req.Mode), sessionMeta{
		PurchaseData:  req.PurchaseData,
		CorrelationID: correlationID(ctx),
		ClientID:      middleware.GetClientID(ctx),
		CreatedAt:     s.now().UTC(),
	})

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := s.saveMeta(ctx, sess); err != nil {
		return View{}, err
	}
	if err := s.persister.Save(ctx, id, sess.machine); err != nil {
		return View{}, err
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	if intent != nil {
		s.send(sess, machine.RequirementsResolved{Requirements: intent.Requirements})
	}

	s.logger.Info("payment session created",
		"session_id", id,
		"mode", req.Mode,
		"correlation_id", sess.meta.CorrelationID,
	)
	return sess.view(), nil
}

// Get returns a session, rehydrating it from storage when it is not in memory.
func (s *Service) Get(ctx context.Context, id string) (View, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return View{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.view(), nil
}

// Close abandons a session and removes it from memory and storage.
func (s *Service) Close(ctx context.Context, id string) error {
	sess, err := s.session(ctx, id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	sess.supersede()
	state := sess.machine.State()
	sess.mu.Unlock()

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	if err := s.persister.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.storage.RemoveItem(ctx, metaKey(id)); err != nil {
		return fmt.Errorf("deleting session metadata: %w", err)
	}

	s.publish(ctx, sess, events.EventPaymentClosed, events.StateChangedData{
		SessionID: id,
		From:      string(state),
		To:        string(state),
		Event:     "CLOSE",
	})
	s.logger.Info("payment session closed", "session_id", id, "state", state)
	return nil
}

// Shutdown cancels background work and waits for it to return. Sessions stay
// persisted and resume when loaded again.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) newSession(id string, m *machine.Machine, meta sessionMeta) *session {
	sess := &session{id: id, meta: meta, updatedAt: s.now().UTC()}
	sess.window = adapters.NewRedirectWindow(func(ctx context.Context, r adapters.Redirect) {
		s.logger.Info("onramp page opened", "session_id", id, "url", r.URL)
	})
	sess.machine = machine.FromSnapshot(m.Snapshot(), machine.Adapters{Window: sess.window, Storage: s.storage})
	sess.machine.Subscribe(func(c machine.Change) { s.onChange(sess, c) })
	return sess
}

// session finds a session the caller may access. Sessions of other clients are
// reported as not found.
func (s *Service) session(ctx context.Context, id string) (*session, error) {
	sess, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.meta.ClientID != middleware.GetClientID(ctx) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// lookup finds a live session or loads it from storage.
func (s *Service) lookup(ctx context.Context, id string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}

	m, found, err := s.persister.Load(ctx, id, machine.Adapters{})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	meta, err := s.loadMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[id]; ok {
		return existing, nil
	}
	sess = s.newSession(id, m, meta)
	s.sessions[id] = sess

	sess.mu.Lock()
	s.resume(sess)
	sess.mu.Unlock()

	s.logger.Info("payment session rehydrated", "session_id", id, "state", sess.machine.State())
	return sess, nil
}

// resume restarts background work that was lost with the previous process. Callers
// hold sess.mu.
func (s *Service) resume(sess *session) {
	switch sess.machine.State() {
	case machine.StateQuote:
		s.startQuote(sess)
	case machine.StateExecute:
		s.startExecution(sess)
	}
}

// send applies ev and reports whether it was accepted. Callers hold sess.mu.
func (s *Service) send(sess *session, ev machine.Event) bool {
	_, ok := sess.machine.Send(ev)
	if !ok {
		s.logger.Debug("event ignored",
			"session_id", sess.id,
			"state", sess.machine.State(),
			"event", ev.Type(),
		)
	}
	return ok
}

// onChange persists, publishes and records every accepted transition.
func (s *Service) onChange(sess *session, c machine.Change) {
	sess.updatedAt = s.now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()

	if err := s.persister.Save(ctx, sess.id, sess.machine); err != nil {
		s.logger.Error("failed to persist payment session", "session_id", sess.id, "state", c.To, "error", err)
	}

	s.metrics.IncCounter(metrics.Transition, map[string]string{
		"state":   string(c.To),
		"outcome": string(c.Event.Type()),
	})
	s.logger.Info("payment state changed",
		"session_id", sess.id,
		"from", c.From,
		"to", c.To,
		"event", c.Event.Type(),
	)

	data := events.StateChangedData{
		SessionID: sess.id,
		From:      string(c.From),
		To:        string(c.To),
		Event:     string(c.Event.Type()),
		Mode:      string(c.Context.Mode),
		StepCount: len(c.Context.CompletedStatuses),
	}
	if q := c.Context.PreparedQuote; q != nil {
		data.QuoteID = q.ID
	}
	s.publish(ctx, sess, events.EventPaymentStateChanged, data)

	if c.From == c.To {
		return
	}
	switch c.To {
	case machine.StateSuccess:
		s.publish(ctx, sess, events.EventPaymentCompleted, completedData(sess.id, c.Context))
	case machine.StateError:
		rec := domain.RecordError(c.Context.CurrentError)
		if rec == nil {
			return
		}
		s.publish(ctx, sess, events.EventPaymentFailed, events.PaymentFailedData{
			SessionID: sess.id,
			Kind:      string(rec.Kind),
			Message:   rec.Message,
			StepIndex: rec.StepIndex,
			Recovery:  string(rec.Kind.Recovery()),
		})
	}
}

func completedData(id string, c machine.Context) events.PaymentCompletedData {
	d := events.PaymentCompletedData{
		SessionID:    id,
		Receiver:     c.ReceiverAddress,
		ChainID:      c.DestinationChainID,
		Amount:       c.DestinationAmount,
		Transactions: []string{},
	}
	if c.PreparedQuote != nil {
		d.QuoteID = c.PreparedQuote.ID
	}
	for _, st := range c.CompletedStatuses {
		for _, tx := range st.Transactions {
			d.Transactions = append(d.Transactions, tx.Hash)
		}
	}
	return d
}

func (s *Service) publish(ctx context.Context, sess *session, eventType string, data any) {
	ev, err := events.NewEvent(eventType, events.AggregatePayment, sess.id, data)
	if err != nil {
		s.logger.Error("failed to build event", "session_id", sess.id, "type", eventType, "error", err)
		return
	}
	ev.WithCorrelation(sess.meta.CorrelationID, "")
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish event", "session_id", sess.id, "type", eventType, "error", err)
	}
}

func metaKey(id string) string {
	return "payment-meta:" + id
}

func (s *Service) saveMeta(ctx context.Context, sess *session) error {
	data, err := json.Marshal(sess.meta)
	if err != nil {
		return fmt.Errorf("marshaling session metadata: %w", err)
	}
	if err := s.storage.SetItem(ctx, metaKey(sess.id), string(data)); err != nil {
		return fmt.Errorf("saving session metadata: %w", err)
	}
	return nil
}

func (s *Service) loadMeta(ctx context.Context, id string) (sessionMeta, error) {
	var meta sessionMeta
	data, ok, err := s.storage.GetItem(ctx, metaKey(id))
	if err != nil {
		return meta, fmt.Errorf("loading session metadata: %w", err)
	}
	if !ok {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return meta, fmt.Errorf("decoding session metadata: %w", err)
	}
	return meta, nil
}
