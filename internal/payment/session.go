package payment

import (
	"context"
	"sync"
	"time"

	"crosspay/internal/payment/adapters"
	"crosspay/internal/payment/domain"
	"crosspay/internal/payment/machine"
)

// session is one hosted payment attempt. mu serializes every event sent to the
// machine, whether it comes from an API call or from background work.
type session struct {
	id     string
	window *adapters.RedirectWindow

	mu      sync.Mutex
	machine *machine.Machine
	meta    sessionMeta
	// generation is bumped whenever background work is superseded; results tagged
	// with an older generation are dropped.
	generation uint64
	cancel     context.CancelFunc
	busy       bool
	updatedAt  time.Time
}

// sessionMeta is the part of a session the machine does not hold.
type sessionMeta struct {
	PurchaseData  map[string]string `json:"purchase_data,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	// ClientID is the authenticated API client that created the session. Only that
	// client may drive it, and server-held accounts sign only for such sessions.
	ClientID  string    `json:"client_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// supersede cancels in-flight work and returns the new generation. Callers hold mu.
func (s *session) supersede() uint64 {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.busy = false
	s.generation++
	return s.generation
}

// View is the externally visible state of a session.
type View struct {
	ID                string                   `json:"id"`
	State             machine.State            `json:"state"`
	Mode              domain.Mode              `json:"mode"`
	Requirements      *domain.Requirements     `json:"requirements,omitempty"`
	Method            *domain.PaymentMethod    `json:"payment_method,omitempty"`
	Quote             *domain.PreparedQuote    `json:"quote,omitempty"`
	CompletedStatuses []domain.CompletedStatus `json:"completed_statuses"`
	Error             *domain.ErrorRecord      `json:"error,omitempty"`
	Recovery          domain.Recovery          `json:"recovery,omitempty"`
	RetryState        machine.State            `json:"retry_state,omitempty"`
	Redirect          *adapters.Redirect       `json:"redirect,omitempty"`
	Busy              bool                     `json:"busy"`
	PurchaseData      map[string]string        `json:"purchase_data,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

// view builds the View. Callers hold mu.
func (s *session) view() View {
	c := s.machine.Context()
	v := View{
		ID:                s.id,
		State:             s.machine.State(),
		Mode:              c.Mode,
		Method:            c.SelectedPaymentMethod,
		Quote:             c.PreparedQuote,
		CompletedStatuses: domain.CloneStatuses(c.CompletedStatuses),
		RetryState:        c.RetryState,
		Busy:              s.busy,
		PurchaseData:      s.meta.PurchaseData,
		CreatedAt:         s.meta.CreatedAt,
		UpdatedAt:         s.updatedAt,
	}
	if v.CompletedStatuses == nil {
		v.CompletedStatuses = []domain.CompletedStatus{}
	}
	if c.DestinationChainID != 0 {
		req := c.Requirements()
		v.Requirements = &req
	}
	if rec := domain.RecordError(c.CurrentError); rec != nil {
		v.Error = rec
		v.Recovery = rec.Kind.Recovery()
	}
	if r, ok := s.window.Pending(); ok {
		v.Redirect = &r
	}
	return v
}
