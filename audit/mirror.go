package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/metrics"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ObjectWriter stores one immutable object.
type ObjectWriter interface {
	WriteObject(ctx context.Context, key string, body []byte, contentType string) error
}

// Mirror copies committed audit entries to day-partitioned objects:
//
//	<prefix>/<tenant>/YYYY/MM/DD/<first-seq>-<last-seq>.jsonl
//
// Each tenant has a cursor; a failed write leaves it in place and the same
// entries are retried next cycle. The ledger never waits on the mirror.
type Mirror struct {
	DB        *gorm.DB
	Store     ObjectWriter
	Prefix    string
	BatchSize int
	Interval  time.Duration
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics
}

type MirrorStats struct {
	Tenants int
	Objects int
	Entries int
	Failed  int
}

func (m *Mirror) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	for {
		if _, err := m.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			config.LogError(m.Logger, "mirror.go", "Run", "mirror cycle", nil, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// RunOnce mirrors up to BatchSize entries per tenant.
func (m *Mirror) RunOnce(ctx context.Context) (MirrorStats, error) {
	var stats MirrorStats
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	db := m.DB.WithContext(ctx)

	var tenants []string
	if err := db.Model(&models.AuditLog{}).Distinct("tenant_id").Order("tenant_id").Pluck("tenant_id", &tenants).Error; err != nil {
		return stats, err
	}
	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		objects, entries, err := m.mirrorTenant(ctx, db, tenantID)
		stats.Tenants++
		stats.Objects += objects
		stats.Entries += entries
		if err != nil {
			stats.Failed++
			config.LogError(m.Logger, "mirror.go", "RunOnce", "mirror tenant", logrus.Fields{"tenant_id": tenantID}, err)
		}
	}
	return stats, nil
}

func (m *Mirror) mirrorTenant(ctx context.Context, db *gorm.DB, tenantID string) (objects, entries int, err error) {
	batch := m.BatchSize
	if batch <= 0 {
		batch = 500
	}

	var cursor models.AuditMirrorCursor
	if err := db.Where("tenant_id = ?", tenantID).Take(&cursor).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, 0, err
		}
		cursor = models.AuditMirrorCursor{TenantId: tenantID}
	}

	var rows []models.AuditLog
	if err := db.Where("tenant_id = ? AND sequence > ?", tenantID, cursor.LastSequence).
		Order("sequence ASC").
		Limit(batch).
		Find(&rows).Error; err != nil {
		return 0, 0, err
	}

	defer func() {
		var lag int64
		db.Model(&models.AuditLog{}).Where("tenant_id = ? AND sequence > ?", tenantID, cursor.LastSequence).Count(&lag)
		m.Metrics.MirrorResult(tenantID, objects, err != nil, int(lag))
	}()

	for _, group := range groupByDay(rows) {
		key := ObjectKey(m.Prefix, tenantID, group[0].CreatedAt, group[0].Sequence, group[len(group)-1].Sequence)
		body, encErr := encodeLines(group)
		if encErr != nil {
			return objects, entries, encErr
		}
		if werr := m.Store.WriteObject(ctx, key, body, "application/x-ndjson"); werr != nil {
			return objects, entries, fmt.Errorf("write %s: %w", key, werr)
		}
		cursor.LastSequence = group[len(group)-1].Sequence
		cursor.LastObject = key
		if serr := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_sequence", "last_object", "updated_at"}),
		}).Create(&cursor).Error; serr != nil {
			return objects, entries, serr
		}
		objects++
		entries += len(group)
	}
	return objects, entries, nil
}

// ObjectKey names the object holding entries first..last written on day.
func ObjectKey(prefix, tenantID string, day time.Time, first, last int64) string {
	d := day.UTC()
	key := fmt.Sprintf("%s/%04d/%02d/%02d/%010d-%010d.jsonl", tenantID, d.Year(), d.Month(), d.Day(), first, last)
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func groupByDay(rows []models.AuditLog) [][]models.AuditLog {
	var (
		groups [][]models.AuditLog
		cur    []models.AuditLog
		curDay string
	)
	for _, row := range rows {
		day := row.CreatedAt.UTC().Format("2006-01-02")
		if len(cur) > 0 && day != curDay {
			groups = append(groups, cur)
			cur = nil
		}
		curDay = day
		cur = append(cur, row)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func encodeLines(rows []models.AuditLog) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
