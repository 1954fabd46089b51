package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"crosspay/internal/common/amount"
	"crosspay/internal/payment/domain"
	"crosspay/internal/payment/engine"
)

type wireToken struct {
	ChainID  int64           `json:"chainId"`
	Address  string          `json:"address"`
	Symbol   string          `json:"symbol"`
	Decimals uint8           `json:"decimals"`
	PriceUSD decimal.Decimal `json:"priceUsd"`
}

func (t wireToken) domain() domain.Token {
	return domain.Token{
		ChainID:  t.ChainID,
		Address:  t.Address,
		Symbol:   t.Symbol,
		Decimals: t.Decimals,
		PriceUSD: t.PriceUSD,
	}
}

type wireTransaction struct {
	ID      string        `json:"id"`
	Action  string        `json:"action"`
	ChainID int64         `json:"chainId"`
	To      string        `json:"to"`
	Data    string        `json:"data"`
	Value   amount.Amount `json:"value"`
}

type wireStep struct {
	OriginToken              wireToken         `json:"originToken"`
	DestinationToken         wireToken         `json:"destinationToken"`
	OriginAmount             amount.Amount     `json:"originAmount"`
	DestinationAmount        amount.Amount     `json:"destinationAmount"`
	EstimatedExecutionTimeMs int64             `json:"estimatedExecutionTimeMs"`
	Transactions             []wireTransaction `json:"transactions"`
}

func (s wireStep) domain() domain.Step {
	txs := make([]domain.Transaction, 0, len(s.Transactions))
	for _, tx := range s.Transactions {
		txs = append(txs, domain.Transaction{
			Action:    domain.Action(tx.Action),
			ChainID:   tx.ChainID,
			To:        tx.To,
			Data:      tx.Data,
			Value:     tx.Value,
			ClientRef: tx.ID,
		})
	}
	return domain.Step{
		OriginToken:              s.OriginToken.domain(),
		DestinationToken:         s.DestinationToken.domain(),
		OriginAmount:             s.OriginAmount,
		DestinationAmount:        s.DestinationAmount,
		EstimatedExecutionTimeMs: s.EstimatedExecutionTimeMs,
		Transactions:             txs,
	}
}

type wirePrepared struct {
	ID                       string          `json:"id"`
	OriginAmount             amount.Amount   `json:"originAmount"`
	DestinationAmount        amount.Amount   `json:"destinationAmount"`
	EstimatedExecutionTimeMs int64           `json:"estimatedExecutionTimeMs"`
	Timestamp                int64           `json:"timestamp"`
	Steps                    []wireStep      `json:"steps"`
	Link                     string          `json:"link"`
	Currency                 string          `json:"currency"`
	CurrencyAmount           decimal.Decimal `json:"currencyAmount"`
	DestinationToken         *wireToken      `json:"destinationToken"`
}

// QuoteRequest asks for a route delivering the requirements from a payment method.
type QuoteRequest struct {
	Requirements domain.Requirements
	Method       domain.PaymentMethod
}

type buyRequest struct {
	OriginChainID           int64  `json:"originChainId"`
	OriginTokenAddress      string `json:"originTokenAddress"`
	DestinationChainID      int64  `json:"destinationChainId"`
	DestinationTokenAddress string `json:"destinationTokenAddress"`
	Amount                  string `json:"amount"`
	Sender                  string `json:"sender"`
	Receiver                string `json:"receiver"`
}

type transferRequest struct {
	ChainID      int64  `json:"chainId"`
	TokenAddress string `json:"tokenAddress"`
	Amount       string `json:"amount"`
	Sender       string `json:"sender"`
	Receiver     string `json:"receiver"`
}

type onrampRequest struct {
	Onramp       string `json:"onramp"`
	ChainID      int64  `json:"chainId"`
	TokenAddress string `json:"tokenAddress"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Receiver     string `json:"receiver"`
}

// Prepare returns a route for the request. Wallet methods holding the destination
// token get a transfer, other wallet methods a buy, fiat methods an onramp.
func (c *Client) Prepare(ctx context.Context, req QuoteRequest) (*domain.PreparedQuote, error) {
	r := req.Requirements
	dest, err := c.Token(ctx, r.DestinationChainID, r.DestinationTokenAddress)
	if err != nil {
		return nil, err
	}
	amt, err := amount.FromDecimal(r.DestinationAmount, dest.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrQuoteInvalid, err)
	}

	var (
		wire wirePrepared
		q    = &domain.PreparedQuote{DestinationToken: dest, Receiver: r.ReceiverAddress}
	)

	switch {
	case req.Method.Fiat != nil:
		f := req.Method.Fiat
		err = c.do(ctx, http.MethodPost, "/v1/onramp/prepare", nil, onrampRequest{
			Onramp:       f.Provider,
			ChainID:      r.DestinationChainID,
			TokenAddress: r.DestinationTokenAddress,
			Amount:       amt.String(),
			Currency:     f.Currency,
			Receiver:     r.ReceiverAddress,
		}, &wire)
		q.Type = domain.QuoteOnramp
		q.Provider = f.Provider
		q.Sender = f.Payer.Address

	case req.Method.Wallet != nil && req.Method.Wallet.OriginToken.SameAs(dest):
		w := req.Method.Wallet
		err = c.do(ctx, http.MethodPost, "/v1/bridge/transfer/prepare", nil, transferRequest{
			ChainID:      r.DestinationChainID,
			TokenAddress: r.DestinationTokenAddress,
			Amount:       amt.String(),
			Sender:       w.Payer.Address,
			Receiver:     r.ReceiverAddress,
		}, &wire)
		q.Type = domain.QuoteTransfer
		q.OriginToken = w.OriginToken
		q.Sender = w.Payer.Address

	case req.Method.Wallet != nil:
		w := req.Method.Wallet
		err = c.do(ctx, http.MethodPost, "/v1/bridge/buy/prepare", nil, buyRequest{
			OriginChainID:           w.OriginToken.ChainID,
			OriginTokenAddress:      w.OriginToken.Address,
			DestinationChainID:      r.DestinationChainID,
			DestinationTokenAddress: r.DestinationTokenAddress,
			Amount:                  amt.String(),
			Sender:                  w.Payer.Address,
			Receiver:                r.ReceiverAddress,
		}, &wire)
		q.Type = domain.QuoteBuy
		q.OriginToken = w.OriginToken
		q.Sender = w.Payer.Address

	default:
		return nil, fmt.Errorf("%w: payment method has no details", domain.ErrQuoteInvalid)
	}
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", q.Type, err)
	}

	fillQuote(q, wire)
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrQuoteInvalid, err)
	}

	c.logger.Info("quote prepared",
		"quote_id", q.ID,
		"type", q.Type,
		"steps", len(q.Steps),
		"origin_amount", q.OriginAmount.String(),
	)
	return q, nil
}

func fillQuote(q *domain.PreparedQuote, w wirePrepared) {
	q.ID = w.ID
	q.OriginAmount = w.OriginAmount
	q.DestinationAmount = w.DestinationAmount
	q.EstimatedExecutionTimeMs = w.EstimatedExecutionTimeMs
	q.Link = w.Link
	q.Currency = w.Currency
	q.CurrencyAmount = w.CurrencyAmount

	q.Timestamp = time.Now().UTC()
	if w.Timestamp > 0 {
		q.Timestamp = time.UnixMilli(w.Timestamp).UTC()
	}

	for _, s := range w.Steps {
		q.Steps = append(q.Steps, s.domain())
	}
	if w.DestinationToken != nil {
		q.DestinationToken = w.DestinationToken.domain()
	}
	if q.OriginToken.ChainID == 0 && len(q.Steps) > 0 {
		q.OriginToken = q.Steps[0].OriginToken
	}
}

type wireTxRef struct {
	ChainID int64  `json:"chainId"`
	Hash    string `json:"transactionHash"`
}

type wireBridgeStatus struct {
	Status             string      `json:"status"`
	PaymentID          string      `json:"paymentId"`
	DestinationChainID int64       `json:"destinationChainId"`
	Transactions       []wireTxRef `json:"transactions"`
}

// BridgeStatus reports the progress of the transfer started by an origin transaction.
// A transaction the provider has not indexed yet is pending.
func (c *Client) BridgeStatus(ctx context.Context, chainID int64, txHash string) (engine.BridgeStatus, error) {
	q := url.Values{}
	q.Set("chainId", strconv.FormatInt(chainID, 10))
	q.Set("transactionHash", txHash)

	var w wireBridgeStatus
	err := c.do(ctx, http.MethodGet, "/v1/bridge/status", q, nil, &w)
	if errors.Is(err, ErrNotFound) {
		return engine.BridgeStatus{Status: domain.StatusPending}, nil
	}
	if err != nil {
		return engine.BridgeStatus{}, fmt.Errorf("bridge status: %w", err)
	}

	st := engine.BridgeStatus{Status: mapStatus(w.Status), PaymentID: w.PaymentID}
	for _, tx := range w.Transactions {
		if tx.ChainID == w.DestinationChainID && tx.Hash != txHash {
			st.Destination = &domain.TxRef{ChainID: tx.ChainID, Hash: tx.Hash}
		}
	}
	return st, nil
}

type wireOnrampStatus struct {
	Status       string      `json:"status"`
	Transactions []wireTxRef `json:"transactions"`
}

// OnrampStatus reports the progress of an onramp session.
func (c *Client) OnrampStatus(ctx context.Context, id string) (engine.OnrampStatus, error) {
	q := url.Values{}
	q.Set("id", id)

	var w wireOnrampStatus
	if err := c.do(ctx, http.MethodGet, "/v1/onramp/status", q, nil, &w); err != nil {
		return engine.OnrampStatus{}, fmt.Errorf("onramp status: %w", err)
	}

	st := engine.OnrampStatus{Status: mapStatus(w.Status)}
	for _, tx := range w.Transactions {
		st.Transactions = append(st.Transactions, domain.TxRef{ChainID: tx.ChainID, Hash: tx.Hash})
	}
	return st, nil
}

func mapStatus(s string) domain.StepStatus {
	switch s {
	case "COMPLETED":
		return domain.StatusCompleted
	case "FAILED":
		return domain.StatusFailed
	default:
		return domain.StatusPending
	}
}
