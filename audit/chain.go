package audit

import (
	"errors"
	"fmt"

	"github.com/mmdatafocus/ledger_backend/models"
	"gorm.io/gorm"
)

var ErrChainBroken = errors.New("audit chain broken")

const verifyBatch = 500

// VerifyChain walks a tenant's log in sequence order and checks that the
// sequence is dense and every hash links to its predecessor. It returns the
// number of verified entries.
func VerifyChain(db *gorm.DB, tenantID string) (int64, error) {
	var (
		verified int64
		prevHash string
		lastSeq  int64
	)
	for {
		var rows []models.AuditLog
		if err := db.Where("tenant_id = ? AND sequence > ?", tenantID, lastSeq).
			Order("sequence ASC").
			Limit(verifyBatch).
			Find(&rows).Error; err != nil {
			return verified, err
		}
		for _, row := range rows {
			if row.Sequence != lastSeq+1 {
				return verified, fmt.Errorf("%w: tenant %s expected sequence %d, found %d", ErrChainBroken, tenantID, lastSeq+1, row.Sequence)
			}
			if row.PrevHash != prevHash {
				return verified, fmt.Errorf("%w: tenant %s sequence %d does not link to its predecessor", ErrChainBroken, tenantID, row.Sequence)
			}
			if ChainHash(row) != row.Hash {
				return verified, fmt.Errorf("%w: tenant %s sequence %d hash mismatch", ErrChainBroken, tenantID, row.Sequence)
			}
			prevHash = row.Hash
			lastSeq = row.Sequence
			verified++
		}
		if len(rows) < verifyBatch {
			return verified, nil
		}
	}
}
