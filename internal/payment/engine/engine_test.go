package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspay/internal/common/amount"
	"crosspay/internal/payment/adapters"
	"crosspay/internal/payment/domain"
)

const (
	payerAddr    = "0x2247d5d238d0f9d37184d8332ae0289d1ad9991b"
	receiverAddr = "0xa3841994009b4feabb01cebccd3e2e0b7bd34a33"
	routerAddr   = "0xf8ab2dbe6c43bf1a856471182290f91d621ba76d"
)

var (
	usdcBase = domain.Token{ChainID: 8453, Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Symbol: "USDC", Decimals: 6}
	usdcMain = domain.Token{ChainID: 1, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6}
	ethBase  = domain.Token{ChainID: 8453, Address: domain.NativeTokenAddress, Symbol: "ETH", Decimals: 18}
)

// journal records calls in order across fakes.
type journal struct {
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

type fakeAccount struct {
	j      *journal
	n      int
	failOn int
	err    error
}

func (a *fakeAccount) Address() string { return payerAddr }

func (a *fakeAccount) SendTransaction(_ context.Context, tx domain.Transaction) (string, error) {
	a.n++
	if a.failOn == a.n {
		return "", a.err
	}
	hash := fmt.Sprintf("0x%02d", a.n)
	a.j.add("send %s %s", tx.Action, hash)
	return hash, nil
}

func (a *fakeAccount) SignMessage(context.Context, []byte) ([]byte, error)   { return nil, nil }
func (a *fakeAccount) SignTypedData(context.Context, []byte) ([]byte, error) { return nil, nil }

type fakeBatchAccount struct {
	fakeAccount
	batches [][]domain.Transaction
}

func (a *fakeBatchAccount) SendBatchTransaction(_ context.Context, txs []domain.Transaction) (string, error) {
	a.batches = append(a.batches, txs)
	a.j.add("batch %d", len(txs))
	return "0xbatch", nil
}

type fakeConfirmer struct {
	j        *journal
	failures map[string]error
	block    bool
}

func (c *fakeConfirmer) WaitForReceipt(ctx context.Context, chainID int64, hash string) error {
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	c.j.add("confirm %d %s", chainID, hash)
	return c.failures[hash]
}

type fakeBridge struct {
	calls    int
	statuses []BridgeStatus
}

func (b *fakeBridge) BridgeStatus(_ context.Context, _ int64, _ string) (BridgeStatus, error) {
	st := b.statuses[min(b.calls, len(b.statuses)-1)]
	b.calls++
	return st, nil
}

type fakeOnramp struct {
	calls    int
	statuses []OnrampStatus
	err      error
}

func (o *fakeOnramp) OnrampStatus(_ context.Context, _ string) (OnrampStatus, error) {
	o.calls++
	if o.err != nil {
		return OnrampStatus{}, o.err
	}
	return o.statuses[min(o.calls-1, len(o.statuses)-1)], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		ConfirmTimeout: time.Second,
		PollInterval:   time.Millisecond,
		BridgeTimeout:  time.Second,
		OnrampTimeout:  time.Second,
	}
}

func swapStep(origin, dest domain.Token) domain.Step {
	return domain.Step{
		OriginToken:       origin,
		DestinationToken:  dest,
		OriginAmount:      amount.New(100_300_000),
		DestinationAmount: amount.New(100_000_000),
		Transactions: []domain.Transaction{
			{Action: domain.ActionApproval, ChainID: origin.ChainID, To: origin.Address},
			{Action: domain.ActionBuy, ChainID: origin.ChainID, To: routerAddr},
		},
	}
}

func buyQuote(steps ...domain.Step) *domain.PreparedQuote {
	return &domain.PreparedQuote{
		ID:               "quote-1",
		Type:             domain.QuoteBuy,
		OriginToken:      steps[0].OriginToken,
		DestinationToken: steps[len(steps)-1].DestinationToken,
		Steps:            steps,
		Receiver:         receiverAddr,
	}
}

func method(acc domain.Account) domain.PaymentMethod {
	return domain.NewWalletMethod(usdcBase, domain.Wallet{Address: payerAddr, Account: acc}, amount.New(500_000_000))
}

type harness struct {
	j         *journal
	confirmer *fakeConfirmer
	bridge    *fakeBridge
	onramp    *fakeOnramp
	engine    *Engine
	progress  []domain.CompletedStatus
}

func newHarness(cfg Config) *harness {
	j := &journal{}
	h := &harness{
		j:         j,
		confirmer: &fakeConfirmer{j: j},
		bridge:    &fakeBridge{},
		onramp:    &fakeOnramp{},
	}
	h.engine = New(cfg, h.confirmer, h.bridge, h.onramp, nil, testLogger())
	return h
}

func (h *harness) run(t *testing.T, req Request) ([]domain.CompletedStatus, error) {
	t.Helper()
	return h.engine.Execute(context.Background(), req, func(s domain.CompletedStatus) {
		h.progress = append(h.progress, s)
	})
}

func TestSequentialStepConfirmsBeforeNextSend(t *testing.T) {
	h := newHarness(testConfig())
	acc := &fakeAccount{j: h.j}

	statuses, err := h.run(t, Request{Quote: buyQuote(swapStep(usdcBase, ethBase)), Method: method(acc)})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"send approval 0x01",
		"confirm 8453 0x01",
		"send buy 0x02",
		"confirm 8453 0x02",
	}, h.j.entries)

	require.Len(t, statuses, 1)
	s := statuses[0]
	assert.Equal(t, domain.StatusCompleted, s.Status)
	assert.Equal(t, "quote-1", s.QuoteID)
	assert.Equal(t, payerAddr, s.Sender)
	assert.Equal(t, receiverAddr, s.Receiver)
	assert.Equal(t, []domain.TxRef{{ChainID: 8453, Hash: "0x01"}, {ChainID: 8453, Hash: "0x02"}}, s.Transactions)
	assert.False(t, s.Batched)

	require.NotEmpty(t, h.progress)
	assert.Equal(t, domain.StatusPending, h.progress[0].Status)
	assert.Equal(t, domain.StatusCompleted, h.progress[len(h.progress)-1].Status)
}

func TestBatchAccountSendsStepAtomically(t *testing.T) {
	h := newHarness(testConfig())
	acc := &fakeBatchAccount{fakeAccount: fakeAccount{j: h.j}}

	statuses, err := h.run(t, Request{Quote: buyQuote(swapStep(usdcBase, ethBase)), Method: method(acc)})
	require.NoError(t, err)

	require.Len(t, acc.batches, 1)
	assert.Len(t, acc.batches[0], 2)
	assert.Equal(t, 0, acc.n, "no individual sends")
	assert.True(t, statuses[0].Batched)
	assert.Equal(t, []domain.TxRef{{ChainID: 8453, Hash: "0xbatch"}}, statuses[0].Transactions)
}

func TestBatchAccountSendsSingleTransactionDirectly(t *testing.T) {
	h := newHarness(testConfig())
	acc := &fakeBatchAccount{fakeAccount: fakeAccount{j: h.j}}
	step := swapStep(usdcBase, ethBase)
	step.Transactions = step.Transactions[1:]

	statuses, err := h.run(t, Request{Quote: buyQuote(step), Method: method(acc)})
	require.NoError(t, err)
	assert.Empty(t, acc.batches)
	assert.False(t, statuses[0].Batched)
}

func TestFailureKeepsCompletedSteps(t *testing.T) {
	h := newHarness(testConfig())
	h.confirmer.failures = map[string]error{"0x04": fmt.Errorf("receipt status 0: %w", domain.ErrTransactionReverted)}
	acc := &fakeAccount{j: h.j}

	q := buyQuote(swapStep(usdcBase, ethBase), swapStep(ethBase, usdcBase))
	statuses, err := h.run(t, Request{Quote: q, Method: method(acc)})

	var pe *domain.PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.KindReverted, pe.Kind)
	assert.Equal(t, 1, pe.StepIndex)

	require.Len(t, statuses, 2)
	assert.Equal(t, domain.StatusCompleted, statuses[0].Status)
	assert.Equal(t, domain.StatusFailed, statuses[1].Status)
	assert.Len(t, statuses[1].Transactions, 2)
	assert.Equal(t, 1, statuses[1].Confirmed)
}

func TestRetrySkipsCompletedSteps(t *testing.T) {
	h := newHarness(testConfig())
	acc := &fakeAccount{j: h.j}
	q := buyQuote(swapStep(usdcBase, ethBase), swapStep(ethBase, usdcBase))

	prior := []domain.CompletedStatus{{
		StepIndex:    0,
		QuoteID:      q.ID,
		Status:       domain.StatusCompleted,
		OriginToken:  usdcBase,
		Transactions: []domain.TxRef{{ChainID: 8453, Hash: "0xaa"}, {ChainID: 8453, Hash: "0xbb"}},
	}, {
		StepIndex: 1,
		QuoteID:   q.ID,
		Status:    domain.StatusFailed,
	}}

	statuses, err := h.run(t, Request{Quote: q, Method: method(acc), Prior: prior})
	require.NoError(t, err)

	assert.Equal(t, 2, acc.n, "only the second step is sent")
	require.Len(t, statuses, 2)
	assert.Equal(t, prior[0], statuses[0])
	assert.Equal(t, domain.StatusCompleted, statuses[1].Status)
}

func TestPendingStepResumesFromRecordedHashes(t *testing.T) {
	h := newHarness(testConfig())
	acc := &fakeAccount{j: h.j}
	q := buyQuote(swapStep(usdcBase, ethBase))

	prior := []domain.CompletedStatus{{
		StepIndex:    0,
		QuoteID:      q.ID,
		Status:       domain.StatusPending,
		Transactions: []domain.TxRef{{ChainID: 8453, Hash: "0xapproved"}},
	}}

	statuses, err := h.run(t, Request{Quote: q, Method: method(acc), Prior: prior})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"confirm 8453 0xapproved",
		"send buy 0x01",
		"confirm 8453 0x01",
	}, h.j.entries)
	assert.Equal(t, []domain.TxRef{{ChainID: 8453, Hash: "0xapproved"}, {ChainID: 8453, Hash: "0x01"}}, statuses[0].Transactions)
}

func TestMismatchedPriorStatusesAreRejected(t *testing.T) {
	tests := []struct {
		name  string
		prior domain.CompletedStatus
	}{
		{"other quote", domain.CompletedStatus{StepIndex: 0, QuoteID: "quote-0", Status: domain.StatusCompleted}},
		{"index out of range", domain.CompletedStatus{StepIndex: 3, QuoteID: "quote-1", Status: domain.StatusCompleted}},
		{"origin chain changed", domain.CompletedStatus{StepIndex: 0, QuoteID: "quote-1", OriginToken: usdcMain, Status: domain.StatusCompleted}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(testConfig())
			acc := &fakeAccount{j: h.j}

			_, err := h.run(t, Request{
				Quote:  buyQuote(swapStep(usdcBase, ethBase)),
				Method: method(acc),
				Prior:  []domain.CompletedStatus{tt.prior},
			})
			assert.ErrorIs(t, err, domain.ErrQuoteInvalid)
			assert.Equal(t, domain.KindQuoteInvalid, domain.Classify(err))
			assert.Zero(t, acc.n)
		})
	}
}

func TestCrossChainStepWaitsForBridge(t *testing.T) {
	h := newHarness(testConfig())
	h.bridge.statuses = []BridgeStatus{
		{Status: domain.StatusPending},
		{Status: domain.StatusCompleted, PaymentID: "bridge-7", Destination: &domain.TxRef{ChainID: 1, Hash: "0xdest"}},
	}
	acc := &fakeAccount{j: h.j}

	statuses, err := h.run(t, Request{Quote: buyQuote(swapStep(usdcBase, usdcMain)), Method: method(acc)})
	require.NoError(t, err)

	assert.Equal(t, 2, h.bridge.calls)
	assert.Equal(t, "bridge-7", statuses[0].PaymentID)
	assert.Equal(t, domain.TxRef{ChainID: 1, Hash: "0xdest"}, statuses[0].Transactions[2])
}

func TestBridgeFailure(t *testing.T) {
	h := newHarness(testConfig())
	h.bridge.statuses = []BridgeStatus{{Status: domain.StatusFailed}}
	acc := &fakeAccount{j: h.j}

	statuses, err := h.run(t, Request{Quote: buyQuote(swapStep(usdcBase, usdcMain)), Method: method(acc)})
	assert.ErrorIs(t, err, ErrBridgeFailed)
	assert.Equal(t, domain.StatusFailed, statuses[0].Status)
}

func TestConfirmationTimeoutLeavesStepPending(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmTimeout = 20 * time.Millisecond
	h := newHarness(cfg)
	h.confirmer.block = true
	acc := &fakeAccount{j: h.j}

	statuses, err := h.run(t, Request{Quote: buyQuote(swapStep(usdcBase, ethBase)), Method: method(acc)})
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.KindTimeout, domain.Classify(err))

	require.Len(t, statuses, 1)
	assert.Equal(t, domain.StatusPending, statuses[0].Status)
	assert.Equal(t, 1, acc.n, "nothing is sent after an unconfirmed transaction")
}

func TestUserRejection(t *testing.T) {
	h := newHarness(testConfig())
	acc := &fakeAccount{j: h.j, failOn: 1, err: errors.New("User rejected the request.")}

	statuses, err := h.run(t, Request{Quote: buyQuote(swapStep(usdcBase, ethBase)), Method: method(acc)})
	assert.ErrorIs(t, err, domain.ErrUserRejected)
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.StatusFailed, statuses[0].Status)
}

func TestRetryAfterRejectedSwapKeepsConfirmedApproval(t *testing.T) {
	h := newHarness(testConfig())
	acc := &fakeAccount{j: h.j, failOn: 2, err: errors.New("user rejected the request")}
	q := buyQuote(swapStep(usdcBase, ethBase))

	first, err := h.run(t, Request{Quote: q, Method: method(acc)})
	assert.ErrorIs(t, err, domain.ErrUserRejected)
	require.Len(t, first, 1)
	assert.Equal(t, domain.StatusFailed, first[0].Status)
	assert.Equal(t, 1, first[0].Confirmed)

	h.j.entries = nil
	acc.failOn = 0
	statuses, err := h.run(t, Request{Quote: q, Method: method(acc), Prior: first})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"send buy 0x03",
		"confirm 8453 0x03",
	}, h.j.entries)
	assert.Equal(t, []domain.TxRef{{ChainID: 8453, Hash: "0x01"}, {ChainID: 8453, Hash: "0x03"}}, statuses[0].Transactions)
	assert.Equal(t, domain.StatusCompleted, statuses[0].Status)
	assert.Equal(t, 2, statuses[0].Confirmed)
}

func TestRetryAfterRevertedSwapResendsOnlyTheSwap(t *testing.T) {
	h := newHarness(testConfig())
	h.confirmer.failures = map[string]error{"0x02": fmt.Errorf("receipt status 0: %w", domain.ErrTransactionReverted)}
	acc := &fakeAccount{j: h.j}
	q := buyQuote(swapStep(usdcBase, ethBase))

	first, err := h.run(t, Request{Quote: q, Method: method(acc)})
	assert.ErrorIs(t, err, domain.ErrTransactionReverted)
	require.Len(t, first, 1)
	assert.Equal(t, domain.StatusFailed, first[0].Status)

	h.j.entries = nil
	statuses, err := h.run(t, Request{Quote: q, Method: method(acc), Prior: first})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"send buy 0x03",
		"confirm 8453 0x03",
	}, h.j.entries)
	assert.Equal(t, []domain.TxRef{{ChainID: 8453, Hash: "0x01"}, {ChainID: 8453, Hash: "0x03"}}, statuses[0].Transactions)
}

func TestRetryAfterBridgeFailureDoesNotResend(t *testing.T) {
	h := newHarness(testConfig())
	h.bridge.statuses = []BridgeStatus{{Status: domain.StatusFailed}}
	acc := &fakeAccount{j: h.j}
	q := buyQuote(swapStep(usdcBase, usdcMain))

	first, err := h.run(t, Request{Quote: q, Method: method(acc)})
	assert.ErrorIs(t, err, ErrBridgeFailed)
	require.Len(t, first, 1)
	assert.Equal(t, 2, first[0].Confirmed)

	h.bridge.calls = 0
	h.bridge.statuses = []BridgeStatus{{Status: domain.StatusCompleted, Destination: &domain.TxRef{ChainID: 1, Hash: "0xdest"}}}
	statuses, err := h.run(t, Request{Quote: q, Method: method(acc), Prior: first})
	require.NoError(t, err)

	assert.Equal(t, 2, acc.n, "origin transactions are not sent again")
	assert.Equal(t, 1, h.bridge.calls)
	assert.Equal(t, domain.StatusCompleted, statuses[0].Status)
	assert.Len(t, statuses[0].Transactions, 3)
}

func TestMissingAccount(t *testing.T) {
	h := newHarness(testConfig())
	_, err := h.run(t, Request{Quote: buyQuote(swapStep(usdcBase, ethBase)), Method: method(nil)})
	assert.ErrorIs(t, err, ErrNoAccount)
}

func onrampQuote() *domain.PreparedQuote {
	return &domain.PreparedQuote{
		ID:               "onramp-1",
		Type:             domain.QuoteOnramp,
		Link:             "https://onramp.example.com/session/onramp-1",
		Provider:         "stripe",
		OriginToken:      usdcBase,
		DestinationToken: usdcMain,
		Steps:            []domain.Step{swapStep(usdcBase, ethBase)},
	}
}

func TestOnrampThenSwap(t *testing.T) {
	h := newHarness(testConfig())
	h.onramp.statuses = []OnrampStatus{
		{Status: domain.StatusPending},
		{Status: domain.StatusCompleted, Transactions: []domain.TxRef{{ChainID: 8453, Hash: "0xfunded"}}},
	}
	window := adapters.NewRedirectWindow(nil)
	acc := &fakeAccount{j: h.j}
	fiat := domain.NewFiatMethod("USD", domain.Wallet{Address: payerAddr, Account: acc}, "stripe")

	statuses, err := h.run(t, Request{Quote: onrampQuote(), Method: fiat, Window: window})
	require.NoError(t, err)

	r, ok := window.Pending()
	require.True(t, ok)
	assert.Equal(t, "https://onramp.example.com/session/onramp-1", r.URL)

	require.Len(t, statuses, 2)
	assert.Equal(t, domain.QuoteOnramp, statuses[0].Type)
	assert.Equal(t, "onramp-1", statuses[0].PaymentID)
	assert.Equal(t, domain.QuoteBuy, statuses[1].Type)
	assert.Equal(t, 2, acc.n)
}

func TestPendingOnrampIsPolledWithoutReopening(t *testing.T) {
	h := newHarness(testConfig())
	h.onramp.statuses = []OnrampStatus{{Status: domain.StatusCompleted}}
	acc := &fakeAccount{j: h.j}
	fiat := domain.NewFiatMethod("USD", domain.Wallet{Address: payerAddr, Account: acc}, "stripe")

	opened := 0
	window := adapters.WindowFunc(func(context.Context, string) error {
		opened++
		return nil
	})
	prior := []domain.CompletedStatus{{StepIndex: 0, QuoteID: "onramp-1", Type: domain.QuoteOnramp, Status: domain.StatusPending, PaymentID: "onramp-1"}}

	_, err := h.run(t, Request{Quote: onrampQuote(), Method: fiat, Window: window, Prior: prior})
	require.NoError(t, err)
	assert.Zero(t, opened)
}

func TestOnrampTimeoutStaysPending(t *testing.T) {
	cfg := testConfig()
	cfg.OnrampTimeout = 20 * time.Millisecond
	h := newHarness(cfg)
	h.onramp.err = errors.New("503 service unavailable")
	fiat := domain.NewFiatMethod("USD", domain.Wallet{Address: payerAddr}, "stripe")

	statuses, err := h.run(t, Request{Quote: onrampQuote(), Method: fiat, Window: adapters.NewRedirectWindow(nil)})
	assert.ErrorIs(t, err, domain.ErrTimeout)
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.StatusPending, statuses[0].Status)
	assert.Greater(t, h.onramp.calls, 1)
}

func TestFailedOnrampNeedsNewQuote(t *testing.T) {
	h := newHarness(testConfig())
	h.onramp.statuses = []OnrampStatus{{Status: domain.StatusFailed}}
	fiat := domain.NewFiatMethod("USD", domain.Wallet{Address: payerAddr}, "stripe")

	opened := 0
	window := adapters.WindowFunc(func(context.Context, string) error {
		opened++
		return nil
	})

	first, err := h.run(t, Request{Quote: onrampQuote(), Method: fiat, Window: window})
	assert.ErrorIs(t, err, ErrOnrampFailed)
	assert.Equal(t, domain.KindQuoteInvalid, domain.Classify(err))
	assert.Equal(t, domain.RecoveryRequote, domain.Classify(err).Recovery())
	require.Len(t, first, 1)
	assert.Equal(t, domain.StatusFailed, first[0].Status)
	assert.Equal(t, 1, opened)

	calls := h.onramp.calls
	_, err = h.run(t, Request{Quote: onrampQuote(), Method: fiat, Window: window, Prior: first})
	assert.ErrorIs(t, err, domain.ErrQuoteInvalid)
	assert.Equal(t, 1, opened, "a spent onramp session is not reopened")
	assert.Equal(t, calls, h.onramp.calls)
}

func TestInvalidQuote(t *testing.T) {
	h := newHarness(testConfig())
	_, err := h.run(t, Request{Quote: &domain.PreparedQuote{ID: "q", Type: domain.QuoteBuy}, Method: method(&fakeAccount{j: h.j})})
	assert.ErrorIs(t, err, domain.ErrQuoteInvalid)
}
