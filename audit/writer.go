package audit

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mmdatafocus/ledger_backend/ledger"
	"github.com/mmdatafocus/ledger_backend/metrics"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry is what a caller records; the writer assigns sequence, hashes and time.
type Entry struct {
	TenantId     string
	ActorId      string
	Action       string
	ResourceType string
	ResourceId   string
	RequestId    string
	Payload      any
}

// Writer is the only component that inserts audit rows.
type Writer struct {
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func NewWriter(logger *logrus.Logger, m *metrics.Metrics) *Writer {
	return &Writer{Logger: logger, Metrics: m, Now: time.Now}
}

// Append inserts e inside tx, the caller's unit of work. It locks the
// tenant's chain head, so appends within a tenant are totally ordered.
// Failures wrap ledger.ErrWrite and must abort the unit.
func (w *Writer) Append(tx *gorm.DB, e Entry) (*models.AuditLog, error) {
	if e.TenantId == "" || e.Action == "" {
		return nil, fmt.Errorf("%w: tenant and action are required", ledger.ErrWrite)
	}
	payload, err := MaskPayload(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ledger.ErrWrite, err)
	}

	head, err := lockHead(tx, e.TenantId)
	if err != nil {
		return nil, fmt.Errorf("%w: chain head: %v", ledger.ErrWrite, err)
	}

	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	row := models.AuditLog{
		TenantId:     e.TenantId,
		Sequence:     head.LastSequence + 1,
		ActorId:      e.ActorId,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceId:   e.ResourceId,
		Payload:      payload,
		RequestId:    e.RequestId,
		PrevHash:     head.LastHash,
		// Millisecond precision survives every supported column type, so the
		// hash can be recomputed from the stored row.
		CreatedAt: now().UTC().Truncate(time.Millisecond),
	}
	row.Hash = ChainHash(row)

	if err := tx.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("%w: insert: %v", ledger.ErrWrite, err)
	}
	if err := tx.Model(&models.AuditChainHead{}).
		Where("tenant_id = ?", e.TenantId).
		Updates(map[string]interface{}{"last_sequence": row.Sequence, "last_hash": row.Hash}).Error; err != nil {
		return nil, fmt.Errorf("%w: advance head: %v", ledger.ErrWrite, err)
	}
	return &row, nil
}

func lockHead(tx *gorm.DB, tenantID string) (*models.AuditChainHead, error) {
	var head models.AuditChainHead
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("tenant_id = ?", tenantID).Take(&head).Error
	if err == nil {
		return &head, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	head = models.AuditChainHead{TenantId: tenantID}
	if err := tx.Create(&head).Error; err != nil {
		return nil, err
	}
	return &head, nil
}

// Emit is the side output for a committed entry. It never fails the caller.
func (w *Writer) Emit(row *models.AuditLog) {
	if row == nil {
		return
	}
	w.Metrics.AuditAppended(row.Action)
	if w.Logger == nil {
		return
	}
	w.Logger.WithFields(logrus.Fields{
		"field":         "AuditTrail",
		"tenant_id":     row.TenantId,
		"sequence":      row.Sequence,
		"actor_id":      row.ActorId,
		"action":        row.Action,
		"resource_type": row.ResourceType,
		"resource_id":   row.ResourceId,
		"request_id":    row.RequestId,
		"hash":          row.Hash,
	}).Info("audit entry committed")
}

// ChainHash is BLAKE2b-256 over the previous hash and the entry's fields.
func ChainHash(row models.AuditLog) string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{
		row.PrevHash,
		row.TenantId,
		strconv.FormatInt(row.Sequence, 10),
		row.ActorId,
		row.Action,
		row.ResourceType,
		row.ResourceId,
		row.RequestId,
		row.CreatedAt.UTC().Format(time.RFC3339Nano),
		row.Payload,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}
