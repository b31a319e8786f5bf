package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/ledger_backend/ledger"
	"github.com/mmdatafocus/ledger_backend/models"
)

type fakePublisher struct {
	mu       sync.Mutex
	failNext int
	msgs     []publishedMsg
}

type publishedMsg struct {
	orderingKey string
	data        []byte
	attrs       map[string]string
}

func (p *fakePublisher) Publish(_ context.Context, key string, data []byte, attrs map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return "", errors.New("pubsub unavailable")
	}
	p.msgs = append(p.msgs, publishedMsg{orderingKey: key, data: data, attrs: attrs})
	return fmt.Sprintf("msg-%d", len(p.msgs)), nil
}

func TestOutboxDispatcherPublishesLifecycleEvents(t *testing.T) {
	svc := newTestService(t)
	mustProvision(t, svc, "t1")
	mustShareholder(t, svc, "t1", "sh-1", true)
	txn := mustSubmit(t, svc, "t1", "div-1", models.TransactionTypeDividend, "sh-1", "10.00")
	mustAdvance(t, svc, txn, ledger.EventSend)

	pub := &fakePublisher{failNext: 1}
	clock := &testClock{t: time.Now().UTC()}
	d := NewOutboxDispatcher(svc.DB, pub, nil, nil)
	d.Now = clock.now
	d.InitialBackoff = time.Second

	if n := d.DispatchOnce(context.Background()); n != 1 {
		t.Fatalf("first dispatch published %d, want 1 of 2", n)
	}
	var failed models.OutboxEvent
	if err := svc.DB.Where("publish_status = ?", models.OutboxPublishStatusFailed).Take(&failed).Error; err != nil {
		t.Fatalf("no FAILED event: %v", err)
	}
	if failed.PublishAttempts != 1 || failed.NextAttemptAt == nil || failed.LastPublishError == nil {
		t.Fatalf("failed event = %+v", failed)
	}

	if n := d.DispatchOnce(context.Background()); n != 0 {
		t.Fatalf("retried before backoff elapsed: %d", n)
	}
	clock.t = clock.t.Add(2 * time.Second)
	if n := d.DispatchOnce(context.Background()); n != 1 {
		t.Fatalf("retry published %d, want 1", n)
	}

	var pending int64
	svc.DB.Model(&models.OutboxEvent{}).Where("publish_status <> ?", models.OutboxPublishStatusSent).Count(&pending)
	if pending != 0 {
		t.Fatalf("%d events not sent", pending)
	}
	seen := map[string]bool{}
	for _, m := range pub.msgs {
		if m.orderingKey != "t1" || m.attrs["tenant_id"] != "t1" {
			t.Fatalf("message not keyed by tenant: %+v", m)
		}
		var ev TransactionEvent
		if err := json.Unmarshal(m.data, &ev); err != nil {
			t.Fatalf("payload: %v", err)
		}
		seen[m.attrs["event_type"]+":"+string(ev.Status)] = true
	}
	if !seen[EventTypeTransactionCreated+":PENDING"] || !seen[EventTypeTransactionChanged+":SENT"] {
		t.Fatalf("published = %v", seen)
	}
}

func TestOutboxDispatcherDeadLetters(t *testing.T) {
	svc := newTestService(t)
	if err := svc.DB.Create(&models.OutboxEvent{
		TenantId: "t1", AggregateType: "transaction", AggregateId: "x", EventType: EventTypeTransactionCreated,
		Payload: []byte(`{}`), PublishStatus: models.OutboxPublishStatusPending,
	}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	pub := &fakePublisher{failNext: 10}
	clock := &testClock{t: time.Now().UTC()}
	d := NewOutboxDispatcher(svc.DB, pub, nil, nil)
	d.Now = clock.now
	d.MaxAttempts = 2
	d.InitialBackoff = time.Millisecond

	for i := 0; i < 3; i++ {
		d.DispatchOnce(context.Background())
		clock.t = clock.t.Add(time.Second)
	}
	var ev models.OutboxEvent
	svc.DB.First(&ev)
	if ev.PublishStatus != models.OutboxPublishStatusDead || ev.PublishAttempts != 2 {
		t.Fatalf("event = %s after %d attempts, want DEAD after 2", ev.PublishStatus, ev.PublishAttempts)
	}
}
