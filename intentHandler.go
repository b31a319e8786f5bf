package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/ledger"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/mmdatafocus/ledger_backend/workflow"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// IntentMessage is the payload upstream producers publish for a new intent.
// Amount accepts a JSON number or a formatted string ("USD 1,250.00").
type IntentMessage struct {
	TenantId       string         `json:"tenant_id"`
	ActorId        string         `json:"actor_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Type           string         `json:"type"`
	AccountRef     string         `json:"account_ref"`
	Amount         interface{}    `json:"amount"`
	Currency       string         `json:"currency"`
	CorrelationId  string         `json:"correlation_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func decodeIntentMessage(data []byte) (workflow.Intent, IntentMessage, error) {
	var m IntentMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return workflow.Intent{}, m, err
	}
	if m.TenantId == "" || m.IdempotencyKey == "" {
		return workflow.Intent{}, m, errors.New("tenant_id/idempotency_key required")
	}
	amount, err := utils.ParseAmount(m.Amount)
	if err != nil {
		return workflow.Intent{}, m, fmt.Errorf("amount: %w", err)
	}
	return workflow.Intent{
		TenantId:       m.TenantId,
		IdempotencyKey: m.IdempotencyKey,
		Type:           models.TransactionType(strings.ToUpper(strings.TrimSpace(m.Type))),
		AccountRef:     m.AccountRef,
		Amount:         amount,
		Currency:       strings.ToUpper(strings.TrimSpace(m.Currency)),
		Metadata:       m.Metadata,
	}, m, nil
}

// permanent errors will fail the same way on redelivery.
func permanent(err error) bool {
	for _, target := range []error{
		ledger.ErrInvalidIntent,
		ledger.ErrNotFound,
		ledger.ErrConflict,
		ledger.ErrInvalidTransition,
		ledger.ErrKycRequired,
		ledger.ErrInsufficientFunds,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// intentPubSubHandler acks (204) anything that was applied or can never be
// applied; anything else gets a 500 so Pub/Sub redelivers.
func intentPubSubHandler(logger *logrus.Logger, service func() *workflow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "intentHandler.go", "intentPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := utils.UnmarshalFromJSON(body, &msg); err != nil {
			config.LogError(logger, "intentHandler.go", "intentPubSubHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}

		intent, m, err := decodeIntentMessage(msg.Message.Data)
		if err != nil {
			config.LogError(logger, "intentHandler.go", "intentPubSubHandler", "Invalid intent message", string(msg.Message.Data), err)
			c.Status(http.StatusNoContent)
			return
		}

		// Correlation ID propagation: prefer payload correlation_id; fall back to Pub/Sub message ID.
		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.Message.ID
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationID)
		if m.ActorId != "" {
			ctx = utils.SetActorIdInContext(ctx, m.ActorId)
		}
		ctx, span := tracer.Start(ctx, "pubsub.intent")
		span.SetAttributes(
			attribute.String("tenant_id", intent.TenantId),
			attribute.String("idempotency_key", intent.IdempotencyKey),
			attribute.String("message_id", msg.Message.ID),
		)
		defer span.End()

		fields := logrus.Fields{
			"field":           "intentPubSubHandler",
			"tenant_id":       intent.TenantId,
			"idempotency_key": intent.IdempotencyKey,
			"type":            intent.Type,
			"message_id":      msg.Message.ID,
			"correlation_id":  correlationID,
		}

		txn, err := service().SubmitIntent(ctx, intent)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, ledger.KindName(err))
			if permanent(err) {
				logger.WithFields(fields).Warn("intent rejected: " + err.Error())
				c.Status(http.StatusNoContent)
				return
			}
			logger.WithFields(fields).Error("intent processing failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}

		fields["transaction_id"] = txn.ID
		logger.WithFields(fields).Info("intent accepted")
		c.Status(http.StatusNoContent)
	}
}
