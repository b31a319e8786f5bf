package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/ledger_backend/audit"
	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/ledger"
	"github.com/mmdatafocus/ledger_backend/metrics"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func newTestServer(t *testing.T) (*gin.Engine, *ready, *workflow.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := config.OpenSQLite(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := metrics.NewMetrics()
	svc := workflow.NewService(db, workflow.NewUnitController(db, logger, m), audit.NewWriter(logger, m), nil, logger, m)

	ctx := context.Background()
	if _, err := svc.ProvisionTenant(ctx, workflow.NewTenant{ID: "t1", Name: "Acme", Type: models.TenantTypeIssuer}); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := svc.OpenAccount(ctx, "t1", "plan-1", models.AccountKindPlan, "USD"); err != nil {
		t.Fatalf("open account: %v", err)
	}
	state := &ready{}
	return newRouter(logger, m, state), state, svc
}

func push(t *testing.T, r http.Handler, data []byte) int {
	t.Helper()
	var msg PubSubMessage
	msg.Message.ID = "m-1"
	msg.Message.Data = data
	msg.Subscription = "projects/p/subscriptions/ledger-intents"
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pubsub/intents", bytes.NewReader(body)))
	return w.Code
}

func TestReadinessGate(t *testing.T) {
	r, state, svc := newTestServer(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("/healthz = %d", w.Code)
	}
	if code := push(t, r, []byte(`{}`)); code != http.StatusServiceUnavailable {
		t.Fatalf("push before ready = %d, want 503", code)
	}

	state.set(svc)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", w.Code)
	}
}

func TestIntentPushSubmitsOnce(t *testing.T) {
	r, state, svc := newTestServer(t)
	state.set(svc)

	data := []byte(`{"tenant_id":"t1","idempotency_key":"c-1","type":"contribution","account_ref":"plan-1","amount":"USD 1,250.00","currency":"usd"}`)
	for i := 0; i < 2; i++ {
		if code := push(t, r, data); code != http.StatusNoContent {
			t.Fatalf("push %d = %d, want 204", i, code)
		}
	}
	txn, err := ledger.FindByIdempotencyKey(svc.DB, "t1", models.TransactionTypeContribution, "c-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !txn.Amount.Equal(decimal.RequireFromString("1250")) || txn.Status != models.TransactionStatusPending {
		t.Fatalf("txn = %s %s", txn.Amount, txn.Status)
	}
	var n int64
	svc.DB.Model(&models.Transaction{}).Where("tenant_id = ?", "t1").Count(&n)
	if n != 1 {
		t.Fatalf("%d transactions after redelivery, want 1", n)
	}
}

func TestIntentPushAcksPoisonMessages(t *testing.T) {
	r, state, svc := newTestServer(t)
	state.set(svc)

	cases := []struct {
		name string
		data string
	}{
		{"not json", `not json`},
		{"missing key", `{"tenant_id":"t1","type":"DIVIDEND","account_ref":"plan-1","amount":1,"currency":"USD"}`},
		{"bad amount", `{"tenant_id":"t1","idempotency_key":"k","type":"DIVIDEND","account_ref":"plan-1","amount":"abc","currency":"USD"}`},
		{"unknown account", `{"tenant_id":"t1","idempotency_key":"k","type":"DIVIDEND","account_ref":"nope","amount":5,"currency":"USD"}`},
		{"unknown tenant", `{"tenant_id":"t9","idempotency_key":"k","type":"DIVIDEND","account_ref":"plan-1","amount":5,"currency":"USD"}`},
		{"zero amount", `{"tenant_id":"t1","idempotency_key":"k","type":"DIVIDEND","account_ref":"plan-1","amount":0,"currency":"USD"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := push(t, r, []byte(tc.data)); code != http.StatusNoContent {
				t.Fatalf("push = %d, want 204", code)
			}
		})
	}
	var n int64
	svc.DB.Model(&models.Transaction{}).Count(&n)
	if n != 0 {
		t.Fatalf("%d transactions created from poison messages", n)
	}
}

func TestPermanentErrors(t *testing.T) {
	if !permanent(&ledger.Error{Kind: ledger.ErrInvalidIntent}) || !permanent(ledger.ErrNotFound) {
		t.Fatalf("rejections must be acked")
	}
	if permanent(&ledger.Error{Kind: ledger.ErrContention}) || permanent(errors.New("connection reset")) {
		t.Fatalf("transient errors must be redelivered")
	}
}
