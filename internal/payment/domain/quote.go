package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"crosspay/internal/common/amount"
)

// QuoteType tags the variant of a prepared quote.
type QuoteType string

const (
	QuoteBuy      QuoteType = "buy"
	QuoteSell     QuoteType = "sell"
	QuoteTransfer QuoteType = "transfer"
	QuoteOnramp   QuoteType = "onramp"
)

// Action tags what a single transaction in a step does.
type Action string

const (
	ActionApproval Action = "approval"
	ActionBuy      Action = "buy"
	ActionSell     Action = "sell"
	ActionTransfer Action = "transfer"
)

// Transaction is an unsigned transaction prepared by the route provider.
type Transaction struct {
	Action    Action        `json:"action"`
	ChainID   int64         `json:"chain_id"`
	To        string        `json:"to"`
	Data      string        `json:"data,omitempty"`
	Value     amount.Amount `json:"value"`
	ClientRef string        `json:"client_ref,omitempty"`
}

// Step is one leg of a route. Its transactions run in order.
type Step struct {
	OriginToken              Token         `json:"origin_token"`
	DestinationToken         Token         `json:"destination_token"`
	OriginAmount             amount.Amount `json:"origin_amount"`
	DestinationAmount        amount.Amount `json:"destination_amount"`
	EstimatedExecutionTimeMs int64         `json:"estimated_execution_time_ms"`
	Transactions             []Transaction `json:"transactions"`
}

// CrossChain returns true when the step leaves the origin chain.
func (s Step) CrossChain() bool {
	return s.OriginToken.ChainID != s.DestinationToken.ChainID
}

// PreparedQuote is a route returned by the route provider.
type PreparedQuote struct {
	ID                       string        `json:"id"`
	Type                     QuoteType     `json:"type"`
	OriginToken              Token         `json:"origin_token"`
	DestinationToken         Token         `json:"destination_token"`
	OriginAmount             amount.Amount `json:"origin_amount"`
	DestinationAmount        amount.Amount `json:"destination_amount"`
	Steps                    []Step        `json:"steps"`
	EstimatedExecutionTimeMs int64         `json:"estimated_execution_time_ms"`
	Timestamp                time.Time     `json:"timestamp"`
	Sender                   string        `json:"sender,omitempty"`
	Receiver                 string        `json:"receiver,omitempty"`

	// Onramp only
	Link           string          `json:"link,omitempty"`
	Provider       string          `json:"provider,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	CurrencyAmount decimal.Decimal `json:"currency_amount,omitzero"`
}

// Validate checks the quote has the shape its type requires.
func (q *PreparedQuote) Validate() error {
	if q == nil {
		return errors.New("quote is nil")
	}
	if q.ID == "" {
		return errors.New("quote id is required")
	}
	if q.OriginAmount.Sign() < 0 || q.DestinationAmount.Sign() < 0 {
		return errors.New("quote amounts must not be negative")
	}

	switch q.Type {
	case QuoteBuy, QuoteSell, QuoteTransfer:
		if len(q.Steps) == 0 {
			return fmt.Errorf("%s quote has no steps", q.Type)
		}
	case QuoteOnramp:
		if q.Link == "" {
			return errors.New("onramp quote has no link")
		}
	default:
		return fmt.Errorf("unknown quote type %q", q.Type)
	}

	for i, s := range q.Steps {
		if len(s.Transactions) == 0 {
			return fmt.Errorf("step %d has no transactions", i)
		}
		for j, tx := range s.Transactions {
			if tx.ChainID <= 0 || tx.To == "" {
				return fmt.Errorf("step %d transaction %d is incomplete", i, j)
			}
		}
	}
	return nil
}

// Expired reports whether the quote is older than ttl at now. A zero ttl never expires.
func (q *PreparedQuote) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 || q.Timestamp.IsZero() {
		return false
	}
	return now.Sub(q.Timestamp) > ttl
}

// StepKind tags how the engine executes a planned step.
type StepKind string

const (
	StepKindOnramp       StepKind = "onramp"
	StepKindTransactions StepKind = "transactions"
)

// PlannedStep is a step with the index it is recorded under in completed statuses.
type PlannedStep struct {
	Index int
	Kind  StepKind
	Step  Step
}

// Plan returns the ordered steps the engine runs. An onramp is step 0 and its
// post-onramp swaps follow.
func (q *PreparedQuote) Plan() []PlannedStep {
	plan := make([]PlannedStep, 0, len(q.Steps)+1)
	if q.Type == QuoteOnramp {
		plan = append(plan, PlannedStep{
			Index: 0,
			Kind:  StepKindOnramp,
			Step: Step{
				OriginToken:              q.OriginToken,
				DestinationToken:         q.DestinationToken,
				OriginAmount:             q.OriginAmount,
				DestinationAmount:        q.DestinationAmount,
				EstimatedExecutionTimeMs: q.EstimatedExecutionTimeMs,
			},
		})
		if len(q.Steps) > 0 {
			// Onramp delivers the first swap's origin token.
			plan[0].Step.DestinationToken = q.Steps[0].OriginToken
			plan[0].Step.DestinationAmount = q.Steps[0].OriginAmount
		}
	}
	for _, s := range q.Steps {
		plan = append(plan, PlannedStep{
			Index: len(plan),
			Kind:  StepKindTransactions,
			Step:  s,
		})
	}
	return plan
}
