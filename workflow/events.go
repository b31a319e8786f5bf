package workflow

import (
	"time"

	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Lifecycle event types published through the outbox.
const (
	EventTypeTransactionCreated = "transaction.created"
	EventTypeTransactionChanged = "transaction.status_changed"
	EventTypeVestingRecomputed  = "vesting.recomputed"
)

// TransactionEvent is the message body for transaction lifecycle events.
type TransactionEvent struct {
	TenantId      string                   `json:"tenant_id"`
	TransactionId string                   `json:"transaction_id"`
	Type          models.TransactionType   `json:"type"`
	AccountRef    string                   `json:"account_ref"`
	Amount        decimal.Decimal          `json:"amount"`
	Currency      string                   `json:"currency"`
	From          models.TransactionStatus `json:"from,omitempty"`
	Status        models.TransactionStatus `json:"status"`
	Version       int                      `json:"version"`
	Reason        string                   `json:"reason,omitempty"`
	OccurredAt    time.Time                `json:"occurred_at"`
}

// VestingEvent is the message body for vesting.recomputed.
type VestingEvent struct {
	TenantId     string          `json:"tenant_id"`
	PlanId       int             `json:"plan_id"`
	EmployeeId   string          `json:"employee_id"`
	VestedAmount decimal.Decimal `json:"vested_amount"`
	Previous     decimal.Decimal `json:"previous"`
	AsOf         time.Time       `json:"as_of"`
}

// enqueueEvent writes an outbox row in the caller's unit. The dispatcher
// publishes it once the unit has committed.
func enqueueEvent(tx *gorm.DB, tenantID, aggregateType, aggregateID, eventType, correlationID string, body any) error {
	payload, err := utils.MarshalToJSON(body)
	if err != nil {
		return err
	}
	return tx.Create(&models.OutboxEvent{
		TenantId:      tenantID,
		AggregateType: aggregateType,
		AggregateId:   aggregateID,
		EventType:     eventType,
		Payload:       []byte(payload),
		CorrelationId: correlationID,
		PublishStatus: models.OutboxPublishStatusPending,
	}).Error
}

func transactionEvent(txn *models.Transaction, from models.TransactionStatus, at time.Time) TransactionEvent {
	return TransactionEvent{
		TenantId:      txn.TenantId,
		TransactionId: txn.ID,
		Type:          txn.Type,
		AccountRef:    txn.AccountRef,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		From:          from,
		Status:        txn.Status,
		Version:       txn.Version,
		Reason:        txn.FailureReason,
		OccurredAt:    at.UTC(),
	}
}
