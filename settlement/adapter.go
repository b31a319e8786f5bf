package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ErrAdapterClosed = errors.New("settlement adapter closed")

// Ack is the adapter's synchronous answer to Send.
type Ack struct {
	Accepted  bool
	Reference string
	Reason    string
}

// Adapter hands a SENT transaction to the settlement network.
type Adapter interface {
	Send(ctx context.Context, txn models.Transaction) (Ack, error)
}

// Callbacks receives the asynchronous outcome of an accepted Send.
type Callbacks interface {
	OnSettled(ctx context.Context, tenantID, transactionID, reference string) error
	OnFailed(ctx context.Context, tenantID, transactionID, reason string) error
}

// ACHRequest is the masked request the mock would have put on the wire.
type ACHRequest struct {
	Reference     string          `json:"reference"`
	TenantId      string          `json:"tenant_id"`
	TransactionId string          `json:"transaction_id"`
	Type          string          `json:"type"`
	Account       string          `json:"account"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	SentAt        time.Time       `json:"sent_at"`
}

// MockACH stands in for a banking network. Accepted sends settle (or fail,
// per Outcome) after Delay on a background goroutine.
type MockACH struct {
	Logger *logrus.Logger
	Delay  time.Duration
	// Reject returns a non-empty reason to refuse a send synchronously.
	Reject func(txn models.Transaction) string
	// Outcome decides the asynchronous result; nil settles everything.
	Outcome func(txn models.Transaction) (settled bool, reason string)

	mu        sync.Mutex
	callbacks Callbacks
	acks      map[string]Ack
	requests  []ACHRequest
	closed    bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

func NewMockACH(logger *logrus.Logger, delay time.Duration) *MockACH {
	return &MockACH{
		Logger: logger,
		Delay:  delay,
		acks:   map[string]Ack{},
		stop:   make(chan struct{}),
	}
}

// RejectAccounts refuses every send to the listed account refs.
func RejectAccounts(refs ...string) func(models.Transaction) string {
	set := make(map[string]bool, len(refs))
	for _, r := range refs {
		set[r] = true
	}
	return func(txn models.Transaction) string {
		if set[txn.AccountRef] {
			return "account_rejected_by_bank"
		}
		return ""
	}
}

func (m *MockACH) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = cb
}

// Send is idempotent on the transaction's adapter reference.
func (m *MockACH) Send(ctx context.Context, txn models.Transaction) (Ack, error) {
	ref := txn.AdapterReference
	if ref == "" {
		ref = uuid.NewString()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Ack{}, ErrAdapterClosed
	}
	if ack, ok := m.acks[ref]; ok {
		m.mu.Unlock()
		return ack, nil
	}
	ack := Ack{Accepted: true, Reference: ref}
	if m.Reject != nil {
		if reason := m.Reject(txn); reason != "" {
			ack = Ack{Accepted: false, Reference: ref, Reason: reason}
		}
	}
	m.acks[ref] = ack
	if ack.Accepted {
		m.requests = append(m.requests, ACHRequest{
			Reference:     ref,
			TenantId:      txn.TenantId,
			TransactionId: txn.ID,
			Type:          string(txn.Type),
			Account:       maskAccount(txn.AccountRef),
			Amount:        txn.Amount,
			Currency:      txn.Currency,
			SentAt:        time.Now().UTC(),
		})
		m.wg.Add(1)
	}
	m.mu.Unlock()

	if !ack.Accepted {
		return ack, nil
	}
	correlationID, _ := utils.GetCorrelationIdFromContext(ctx)
	go m.deliver(txn, ref, correlationID)
	return ack, nil
}

func (m *MockACH) deliver(txn models.Transaction, ref, correlationID string) {
	defer m.wg.Done()
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		select {
		case <-m.stop:
			t.Stop()
			return
		case <-t.C:
		}
	}

	m.mu.Lock()
	cb := m.callbacks
	m.mu.Unlock()
	if cb == nil {
		return
	}

	settled, reason := true, ""
	if m.Outcome != nil {
		settled, reason = m.Outcome(txn)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx = utils.SetCorrelationIdInContext(ctx, correlationID)

	var err error
	if settled {
		err = cb.OnSettled(ctx, txn.TenantId, txn.ID, ref)
	} else {
		err = cb.OnFailed(ctx, txn.TenantId, txn.ID, reason)
	}
	if err != nil {
		config.LogError(m.Logger, "adapter.go", "deliver", "settlement callback", logrus.Fields{
			"tenant_id":      txn.TenantId,
			"transaction_id": txn.ID,
			"reference":      ref,
			"settled":        settled,
		}, err)
	}
}

// Requests returns the accepted requests seen so far.
func (m *MockACH) Requests() []ACHRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ACHRequest(nil), m.requests...)
}

// Close drops undelivered callbacks and waits for running ones.
func (m *MockACH) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()
	m.wg.Wait()
}

func maskAccount(ref string) string {
	if len(ref) <= 4 {
		return "****"
	}
	return "****" + ref[len(ref)-4:]
}
