package ledger

import (
	"errors"
	"strings"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/ledger_backend/models"
	"gorm.io/gorm"
)

// Error kinds. Callers classify with errors.Is; the kinds are stable.
var (
	ErrConflict          = errors.New("idempotency key already used")
	ErrVersionConflict   = errors.New("version conflict")
	ErrContention        = errors.New("unit of work contended")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("not found")
	ErrWrite             = errors.New("audit write failed")
	ErrInvalidIntent     = errors.New("invalid intent")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrKycRequired       = errors.New("shareholder kyc not verified")
)

// Error pairs a kind with the current authoritative transaction, when there
// is one, so a caller can re-read and retry safely.
type Error struct {
	Kind        error
	Transaction *models.Transaction
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.Error() + ": " + e.Err.Error()
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// TransactionOf returns the transaction attached to err, if any.
func TransactionOf(err error) *models.Transaction {
	var le *Error
	if errors.As(err, &le) {
		return le.Transaction
	}
	return nil
}

var kindNames = []struct {
	kind error
	name string
}{
	{ErrConflict, "CONFLICT"},
	{ErrVersionConflict, "VERSION_CONFLICT"},
	{ErrContention, "CONTENTION"},
	{ErrInvalidTransition, "INVALID_TRANSITION"},
	{ErrNotFound, "NOT_FOUND"},
	{ErrWrite, "WRITE_ERROR"},
	{ErrInvalidIntent, "INVALID_INTENT"},
	{ErrInsufficientFunds, "INSUFFICIENT_FUNDS"},
	{ErrKycRequired, "KYC_REQUIRED"},
}

// KindName is the stable name of err's kind, or "INTERNAL".
func KindName(err error) string {
	for _, k := range kindNames {
		if errors.Is(err, k.kind) {
			return k.name
		}
	}
	return "INTERNAL"
}

// IsRetryable reports whether err is a version conflict or contention, the
// kinds a caller may retry after re-reading.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrContention)
}

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
