package domain

import "crosspay/internal/common/amount"

// StepStatus is the outcome of one executed step.
type StepStatus string

const (
	StatusCompleted StepStatus = "COMPLETED"
	StatusFailed    StepStatus = "FAILED"
	StatusPending   StepStatus = "PENDING"
)

// TxRef identifies an on-chain transaction.
type TxRef struct {
	ChainID int64  `json:"chain_id"`
	Hash    string `json:"transaction_hash"`
}

// CompletedStatus is the result of one executed step.
type CompletedStatus struct {
	StepIndex         int           `json:"step_index"`
	QuoteID           string        `json:"quote_id"`
	Type              QuoteType     `json:"type"`
	Status            StepStatus    `json:"status"`
	PaymentID         string        `json:"payment_id,omitempty"`
	OriginToken       Token         `json:"origin_token"`
	DestinationToken  Token         `json:"destination_token"`
	OriginAmount      amount.Amount `json:"origin_amount"`
	DestinationAmount amount.Amount `json:"destination_amount"`
	Sender            string        `json:"sender"`
	Receiver          string        `json:"receiver"`
	Transactions      []TxRef       `json:"transactions"`
	// Confirmed counts the leading Transactions known to be mined successfully.
	Confirmed int  `json:"confirmed_transactions,omitempty"`
	Batched   bool `json:"batched,omitempty"`
}

// Completed returns true if the step finished successfully
func (s CompletedStatus) Completed() bool {
	return s.Status == StatusCompleted
}

// Resumable returns the progress a new attempt at the step has to build on. A
// PENDING step resumes as recorded. A FAILED step keeps only its confirmed
// transactions; the rest reverted or never landed and are sent again.
func (s CompletedStatus) Resumable() (CompletedStatus, bool) {
	switch s.Status {
	case StatusPending:
		return s.Clone(), true
	case StatusFailed:
		n := min(s.Confirmed, len(s.Transactions))
		if n == 0 {
			return CompletedStatus{}, false
		}
		out := s.Clone()
		out.Transactions = out.Transactions[:n]
		out.Confirmed = n
		return out, true
	}
	return CompletedStatus{}, false
}

// Clone returns a deep copy.
func (s CompletedStatus) Clone() CompletedStatus {
	s.Transactions = append([]TxRef(nil), s.Transactions...)
	return s
}

// CloneStatuses deep copies a status list. nil stays nil.
func CloneStatuses(in []CompletedStatus) []CompletedStatus {
	if in == nil {
		return nil
	}
	out := make([]CompletedStatus, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

// UpsertStatus returns a new list with s stored under its step index, kept in step order.
func UpsertStatus(list []CompletedStatus, s CompletedStatus) []CompletedStatus {
	out := make([]CompletedStatus, 0, len(list)+1)
	inserted := false
	for _, existing := range list {
		switch {
		case existing.StepIndex == s.StepIndex:
			out = append(out, s.Clone())
			inserted = true
			continue
		case !inserted && existing.StepIndex > s.StepIndex:
			out = append(out, s.Clone())
			inserted = true
		}
		out = append(out, existing.Clone())
	}
	if !inserted {
		out = append(out, s.Clone())
	}
	return out
}

// StatusFor returns the status recorded for a step index.
func StatusFor(list []CompletedStatus, stepIndex int) (CompletedStatus, bool) {
	for _, s := range list {
		if s.StepIndex == stepIndex {
			return s, true
		}
	}
	return CompletedStatus{}, false
}
