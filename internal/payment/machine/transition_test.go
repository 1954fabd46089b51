package machine

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspay/internal/common/amount"
	"crosspay/internal/payment/adapters"
	"crosspay/internal/payment/domain"
)

var (
	testAdapters = Adapters{
		Window:  adapters.NewRedirectWindow(nil),
		Storage: adapters.NewMemoryStorage(),
	}

	usdcMainnet = domain.Token{
		ChainID:  1,
		Address:  "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Symbol:   "USDC",
		Decimals: 6,
		PriceUSD: decimal.NewFromInt(1),
	}
	usdcBase = domain.Token{
		ChainID:  8453,
		Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Symbol:   "USDC",
		Decimals: 6,
		PriceUSD: decimal.NewFromInt(1),
	}

	requirements = domain.Requirements{
		DestinationChainID:      1,
		DestinationTokenAddress: usdcMainnet.Address,
		DestinationAmount:       "100",
		ReceiverAddress:         "0xa3841994009b4feabb01cebccd3e2e0b7bd34a33",
	}

	walletMethod = domain.NewWalletMethod(
		usdcBase,
		domain.Wallet{Address: "0x2247d5d238d0f9d37184d8332ae0289d1ad9991b"},
		amount.MustParse("250000000"),
	)
)

func testQuote() *domain.PreparedQuote {
	return &domain.PreparedQuote{
		ID:                "quote-1",
		Type:              domain.QuoteBuy,
		OriginToken:       usdcBase,
		DestinationToken:  usdcMainnet,
		OriginAmount:      amount.MustParse("100300000"),
		DestinationAmount: amount.MustParse("100000000"),
		Timestamp:         time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		Steps: []domain.Step{{
			OriginToken:       usdcBase,
			DestinationToken:  usdcMainnet,
			OriginAmount:      amount.MustParse("100300000"),
			DestinationAmount: amount.MustParse("100000000"),
			Transactions: []domain.Transaction{
				{Action: domain.ActionApproval, ChainID: 8453, To: usdcBase.Address},
				{Action: domain.ActionBuy, ChainID: 8453, To: "0xf8ab2dbe6c43bf1a856471182290f91d621ba76d"},
			},
		}},
	}
}

func completed(step int) domain.CompletedStatus {
	return domain.CompletedStatus{
		StepIndex:    step,
		QuoteID:      "quote-1",
		Type:         domain.QuoteBuy,
		Status:       domain.StatusCompleted,
		Transactions: []domain.TxRef{{ChainID: 8453, Hash: "0xabc"}},
	}
}

func allEvents() []Event {
	return []Event{
		RequirementsResolved{Requirements: requirements},
		PaymentMethodSelected{PaymentMethod: walletMethod},
		QuoteReceived{PreparedQuote: testQuote()},
		RouteConfirmed{},
		ExecutionComplete{CompletedStatuses: []domain.CompletedStatus{completed(0)}},
		ErrorOccurred{Err: errors.New("boom")},
		Retry{},
		Reset{},
		Back{},
		StepCompleted{Status: completed(0)},
	}
}

// populated returns a context as it looks in state s after a normal flow.
func populated(s State) Context {
	c := Context{Adapters: testAdapters, Mode: domain.ModeDirectPayment}
	if s == StateResolveRequirements {
		return c
	}
	c.DestinationChainID = requirements.DestinationChainID
	c.DestinationTokenAddress = requirements.DestinationTokenAddress
	c.DestinationAmount = requirements.DestinationAmount
	c.ReceiverAddress = requirements.ReceiverAddress
	if s == StateMethodSelection {
		return c
	}
	m := walletMethod
	c.SelectedPaymentMethod = &m
	if s == StateQuote {
		return c
	}
	c.PreparedQuote = testQuote()
	if s == StateSuccess {
		c.CompletedStatuses = []domain.CompletedStatus{completed(0)}
	}
	if s == StateError {
		c.CurrentError = errors.New("earlier failure")
		c.RetryState = StatePreview
	}
	return c
}

func TestEveryStateEventPair(t *testing.T) {
	accepted := map[State]map[EventType]State{
		StateResolveRequirements: {
			EventRequirementsResolved: StateMethodSelection,
			EventErrorOccurred:        StateError,
			EventReset:                StateResolveRequirements,
		},
		StateMethodSelection: {
			EventPaymentMethodSelected: StateQuote,
			EventErrorOccurred:         StateError,
			EventReset:                 StateResolveRequirements,
			EventBack:                  StateResolveRequirements,
		},
		StateQuote: {
			EventQuoteReceived: StatePreview,
			EventErrorOccurred: StateError,
			EventReset:         StateResolveRequirements,
			EventBack:          StateMethodSelection,
		},
		StatePreview: {
			EventRouteConfirmed: StateExecute,
			EventErrorOccurred:  StateError,
			EventReset:          StateResolveRequirements,
			EventBack:           StateMethodSelection,
		},
		StateExecute: {
			EventExecutionComplete: StateSuccess,
			EventStepCompleted:     StateExecute,
			EventErrorOccurred:     StateError,
			EventReset:             StateResolveRequirements,
		},
		StateSuccess: {
			EventReset: StateResolveRequirements,
		},
		StateError: {
			EventRetry: StatePreview,
			EventReset: StateResolveRequirements,
		},
	}

	for _, s := range States {
		for _, ev := range allEvents() {
			t.Run(string(s)+"/"+string(ev.Type()), func(t *testing.T) {
				before := populated(s)
				next, after, ok := apply(s, before, ev)

				want, valid := accepted[s][ev.Type()]
				assert.Equal(t, valid, ok)
				if !valid {
					assert.Equal(t, s, next)
					assert.Equal(t, before, after)
					return
				}
				assert.Equal(t, want, next)
			})
		}
	}
}

func TestResetScrubsContext(t *testing.T) {
	for _, s := range States {
		t.Run(string(s), func(t *testing.T) {
			next, c := Transition(s, populated(s), Reset{})
			assert.Equal(t, StateResolveRequirements, next)
			assert.Equal(t, Context{Adapters: testAdapters, Mode: domain.ModeDirectPayment}, c)
		})
	}
}

func TestErrorRecordsOrigin(t *testing.T) {
	for _, s := range []State{StateResolveRequirements, StateMethodSelection, StateQuote, StatePreview, StateExecute} {
		t.Run(string(s), func(t *testing.T) {
			err := errors.New("x")
			next, c := Transition(s, populated(s), ErrorOccurred{Err: err})
			assert.Equal(t, StateError, next)
			assert.Same(t, err, c.CurrentError)
			assert.Equal(t, s, c.RetryState)
		})
	}
}

func TestRetryRestoresContext(t *testing.T) {
	for _, s := range []State{StateResolveRequirements, StateMethodSelection, StateQuote, StatePreview, StateExecute} {
		t.Run(string(s), func(t *testing.T) {
			before := populated(s)
			_, errored := Transition(s, before, ErrorOccurred{Err: errors.New("x")})

			next, after := Transition(StateError, errored, Retry{})
			assert.Equal(t, s, next)
			assert.Nil(t, after.CurrentError)
			assert.Empty(t, after.RetryState)
			assert.Equal(t, before, after)
		})
	}
}

func TestErrorDuringExecuteKeepsPartialProgress(t *testing.T) {
	c := populated(StateExecute)
	partial := []domain.CompletedStatus{completed(0)}

	_, c = Transition(StateExecute, c, ErrorOccurred{Err: errors.New("swap reverted"), CompletedStatuses: partial})
	require.Len(t, c.CompletedStatuses, 1)
	assert.Equal(t, partial[0], c.CompletedStatuses[0])

	partial[0].Status = domain.StatusFailed
	assert.Equal(t, domain.StatusCompleted, c.CompletedStatuses[0].Status, "context must not alias the event payload")
}

func TestErrorWithoutStatusesKeepsRecordedSteps(t *testing.T) {
	_, c := Transition(StateExecute, populated(StateExecute), StepCompleted{Status: completed(0)})
	_, c = Transition(StateExecute, c, ErrorOccurred{Err: errors.New("timeout")})
	assert.Len(t, c.CompletedStatuses, 1)
}

func TestNewSelectionClearsDownstream(t *testing.T) {
	c := populated(StatePreview)
	c.CompletedStatuses = []domain.CompletedStatus{completed(0)}

	next, c := Transition(StatePreview, c, Back{})
	assert.Equal(t, StateMethodSelection, next)
	assert.Nil(t, c.PreparedQuote)
	assert.Nil(t, c.CompletedStatuses)
	assert.NotNil(t, c.SelectedPaymentMethod, "previous method is kept until replaced")

	fiat := domain.NewFiatMethod("EUR", domain.Wallet{Address: requirements.ReceiverAddress}, "stripe")
	next, c = Transition(next, c, PaymentMethodSelected{PaymentMethod: fiat})
	assert.Equal(t, StateQuote, next)
	assert.Equal(t, domain.MethodFiat, c.SelectedPaymentMethod.Type)
	assert.Equal(t, int64(1), c.DestinationChainID)
	assert.Equal(t, requirements, c.Requirements())
}

func TestQuoteReceivedWithoutQuoteIsIgnored(t *testing.T) {
	before := populated(StateQuote)
	next, after := Transition(StateQuote, before, QuoteReceived{})
	assert.Equal(t, StateQuote, next)
	assert.Equal(t, before, after)
}

func TestRetryWithoutOriginIsIgnored(t *testing.T) {
	c := populated(StateError)
	c.RetryState = ""
	next, after := Transition(StateError, c, Retry{})
	assert.Equal(t, StateError, next)
	assert.Equal(t, c, after)
}

func TestStepCompletedReplacesByIndex(t *testing.T) {
	c := populated(StateExecute)

	pending := completed(0)
	pending.Status = domain.StatusPending
	_, c = Transition(StateExecute, c, StepCompleted{Status: pending})
	_, c = Transition(StateExecute, c, StepCompleted{Status: completed(0)})

	require.Len(t, c.CompletedStatuses, 1)
	assert.Equal(t, domain.StatusCompleted, c.CompletedStatuses[0].Status)
}

func TestContextAccumulation(t *testing.T) {
	m := New(testAdapters, domain.ModeFundWallet)
	m.Send(RequirementsResolved{Requirements: requirements})
	m.Send(PaymentMethodSelected{PaymentMethod: walletMethod})

	c := m.Context()
	assert.Equal(t, requirements, c.Requirements())
	require.NotNil(t, c.SelectedPaymentMethod)
	assert.Equal(t, walletMethod, *c.SelectedPaymentMethod)
}
