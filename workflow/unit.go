package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/ledger_backend/ledger"
	"github.com/mmdatafocus/ledger_backend/metrics"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errStaleAccount means the account row changed between the locked read and
// the balance write. It only happens when the row lock was not honoured
// (engines without row locks) and is retried.
var errStaleAccount = errors.New("account changed during unit")

// Unit is the handle a unit-of-work function gets. Every database access
// inside the function must go through Tx; the balance changes only through
// Credit and Debit and is written when the function returns nil.
type Unit struct {
	tx          *gorm.DB
	tenantID    string
	account     models.Account
	balance     decimal.Decimal
	dirty       bool
	afterCommit []func()
}

func (u *Unit) Tx() *gorm.DB { return u.tx }

func (u *Unit) TenantID() string { return u.tenantID }

// Account is the snapshot read at the start of the unit, with the balance
// reflecting this unit's own credits and debits.
func (u *Unit) Account() models.Account {
	a := u.account
	a.Balance = u.balance
	return a
}

func (u *Unit) Balance() decimal.Decimal { return u.balance }

func (u *Unit) Credit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: credit amount must be positive", ledger.ErrInvalidIntent)
	}
	u.balance = u.balance.Add(amount)
	u.dirty = true
	return nil
}

// Debit fails with ErrInsufficientFunds rather than taking the balance negative.
func (u *Unit) Debit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: debit amount must be positive", ledger.ErrInvalidIntent)
	}
	if u.balance.LessThan(amount) {
		return ledger.ErrInsufficientFunds
	}
	u.balance = u.balance.Sub(amount)
	u.dirty = true
	return nil
}

// AfterCommit registers f to run once the unit has committed. Aborted or
// retried attempts discard their callbacks.
func (u *Unit) AfterCommit(f func()) {
	u.afterCommit = append(u.afterCommit, f)
}

// UnitController runs every balance-affecting operation. Units on the same
// tenant|account are serialized by a local mutex, a best-effort Redis lock
// and finally the database row lock on the account.
type UnitController struct {
	DB      *gorm.DB
	Locker  *redislock.Client
	Logger  *logrus.Logger
	Metrics *metrics.Metrics

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	LockTTL     time.Duration
	// Isolation is passed to BeginTx when not sql.LevelDefault.
	Isolation sql.IsolationLevel

	locks keyedMutex
}

func NewUnitController(db *gorm.DB, logger *logrus.Logger, m *metrics.Metrics) *UnitController {
	return &UnitController{
		DB:          db,
		Logger:      logger,
		Metrics:     m,
		MaxAttempts: 5,
		BaseBackoff: 20 * time.Millisecond,
		MaxBackoff:  500 * time.Millisecond,
		LockTTL:     10 * time.Second,
	}
}

// WithSerializableUnit runs fn in one transaction holding the account row.
// Write-write conflicts are retried with capped exponential backoff; when the
// attempts run out the error wraps ledger.ErrContention. Any other error from
// fn aborts the unit and is returned unchanged.
func (c *UnitController) WithSerializableUnit(ctx context.Context, tenantID, accountRef string, fn func(*Unit) error) error {
	if tenantID == "" || accountRef == "" {
		return fmt.Errorf("%w: tenant and account are required", ledger.ErrInvalidIntent)
	}
	started := time.Now()
	key := tenantID + "|" + accountRef

	unlock := c.locks.Lock(key)
	defer unlock()

	if lock := c.obtainLock(ctx, key); lock != nil {
		defer func() {
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				c.logger().WithFields(logrus.Fields{
					"field":       "UnitController",
					"tenant_id":   tenantID,
					"account_ref": accountRef,
				}).Warn("failed to release redis lock: " + err.Error())
			}
		}()
	}

	ctx = utils.SetTenantIdInContext(ctx, tenantID)

	attempts := 0
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempts++
		err := c.runOnce(ctx, tenantID, accountRef, fn)
		if err != nil && isRetryable(err) {
			c.logger().WithFields(logrus.Fields{
				"field":       "UnitController",
				"tenant_id":   tenantID,
				"account_ref": accountRef,
				"attempt":     attempts,
			}).Warn("unit conflict; retrying: " + err.Error())
			return retry.RetryableError(err)
		}
		return err
	})

	contended := err != nil && isRetryable(err)
	c.Metrics.Unit(started, attempts-1, contended)
	if contended {
		return &ledger.Error{Kind: ledger.ErrContention, Err: fmt.Errorf("%s after %d attempts: %w", key, attempts, err)}
	}
	return err
}

func (c *UnitController) runOnce(ctx context.Context, tenantID, accountRef string, fn func(*Unit) error) error {
	var opts []*sql.TxOptions
	if c.Isolation != sql.LevelDefault {
		opts = append(opts, &sql.TxOptions{Isolation: c.Isolation})
	}

	var unit *Unit
	err := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct models.Account
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND ref = ?", tenantID, accountRef).
			Take(&acct).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ledger.Error{Kind: ledger.ErrNotFound, Err: fmt.Errorf("account %s", accountRef)}
		}
		if err != nil {
			return err
		}

		unit = &Unit{tx: tx, tenantID: tenantID, account: acct, balance: acct.Balance}
		if err := fn(unit); err != nil {
			return err
		}
		if !unit.dirty {
			return nil
		}
		res := tx.Model(&models.Account{}).
			Where("tenant_id = ? AND id = ? AND version = ?", tenantID, acct.ID, acct.Version).
			Updates(map[string]interface{}{
				"balance": unit.balance,
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStaleAccount
		}
		return nil
	}, opts...)
	if err != nil {
		return err
	}
	for _, f := range unit.afterCommit {
		f()
	}
	return nil
}

func (c *UnitController) backoff() retry.Backoff {
	base, maxBackoff, attempts := c.BaseBackoff, c.MaxBackoff, c.MaxAttempts
	if base <= 0 {
		base = 20 * time.Millisecond
	}
	if maxBackoff < base {
		maxBackoff = base
	}
	if attempts < 1 {
		attempts = 1
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(maxBackoff, b)
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// obtainLock returns nil when Redis is absent or the lock is busy; the row
// lock still serializes the unit.
func (c *UnitController) obtainLock(ctx context.Context, key string) *redislock.Lock {
	if c.Locker == nil {
		return nil
	}
	ttl := c.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	lock, err := c.Locker.Obtain(ctx, "ledger:unit:"+key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(25*time.Millisecond), 40),
	})
	if err != nil {
		c.logger().WithFields(logrus.Fields{
			"field": "UnitController",
			"key":   key,
		}).Warn("could not obtain redis lock; proceeding on row lock: " + err.Error())
		return nil
	}
	return lock
}

func (c *UnitController) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

// isRetryable matches write-write conflicts reported by the supported engines.
func isRetryable(err error) bool {
	if errors.Is(err, errStaleAccount) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		// 1213 deadlock, 1205 lock wait timeout
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "could not serialize") ||
		strings.Contains(msg, "40001")
}
