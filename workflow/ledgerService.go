package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mmdatafocus/ledger_backend/audit"
	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/ledger"
	"github.com/mmdatafocus/ledger_backend/metrics"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/settlement"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("ledger_backend/workflow")

// AnyVersion skips the expected-version check in Advance. Adapter callbacks
// and the settlement sweep use it since they act on whatever is current.
const AnyVersion = -1

// Failure reasons recorded on FAILED transactions.
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonKycNotVerified    = "kyc_not_verified"
	ReasonWindowExpired     = "settlement_window_expired"
)

// Intent is a request to move money. The key is unique per tenant and type.
type Intent struct {
	TenantId       string                 `validate:"required,max=64"`
	IdempotencyKey string                 `validate:"required,max=128"`
	Type           models.TransactionType `validate:"required,oneof=DIVIDEND DISBURSE CONTRIBUTION"`
	AccountRef     string                 `validate:"required,max=100"`
	Amount         decimal.Decimal
	Currency       string `validate:"required,iso4217"`
	Metadata       map[string]any
}

// Service is the ledger core's public surface.
type Service struct {
	DB       *gorm.DB
	Units    *UnitController
	Audit    *audit.Writer
	Adapter  settlement.Adapter
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
	Validate *validator.Validate
	Now      func() time.Time

	// VestingConcurrency bounds RecomputeVesting's worker pool.
	VestingConcurrency int
}

func NewService(db *gorm.DB, units *UnitController, writer *audit.Writer, adapter settlement.Adapter, logger *logrus.Logger, m *metrics.Metrics) *Service {
	return &Service{
		DB:                 db,
		Units:              units,
		Audit:              writer,
		Adapter:            adapter,
		Logger:             logger,
		Metrics:            m,
		Validate:           validator.New(),
		Now:                time.Now,
		VestingConcurrency: 8,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) scoped(ctx context.Context, tenantID string) *gorm.DB {
	return s.DB.WithContext(utils.SetTenantIdInContext(ctx, tenantID))
}

// SubmitIntent creates a PENDING transaction, or returns the one already
// recorded under the same key. A replay is not an error.
func (s *Service) SubmitIntent(ctx context.Context, in Intent) (txn *models.Transaction, err error) {
	ctx, span := tracer.Start(ctx, "ledger.SubmitIntent", trace.WithAttributes(
		attribute.String("tenant_id", in.TenantId),
		attribute.String("transaction.type", string(in.Type)),
	))
	defer func() { endSpan(span, err) }()

	if err := s.validateIntent(in); err != nil {
		s.Metrics.Intent(string(in.Type), "invalid")
		return nil, err
	}
	if err := s.requireActiveTenant(ctx, in.TenantId); err != nil {
		return nil, err
	}

	existing, err := ledger.FindByIdempotencyKey(s.scoped(ctx, in.TenantId), in.TenantId, in.Type, in.IdempotencyKey)
	if err == nil {
		s.Metrics.Intent(string(in.Type), "replayed")
		return existing, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	var created *models.Transaction
	err = s.Units.WithSerializableUnit(ctx, in.TenantId, in.AccountRef, func(u *Unit) error {
		var err error
		created, err = s.createPending(ctx, u, in)
		return err
	})
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			// Lost the insert race to a concurrent submit; its row is committed now.
			if cur := ledger.TransactionOf(err); cur != nil {
				s.Metrics.Intent(string(in.Type), "replayed")
				return cur, nil
			}
			existing, ferr := ledger.FindByIdempotencyKey(s.scoped(ctx, in.TenantId), in.TenantId, in.Type, in.IdempotencyKey)
			if ferr == nil {
				s.Metrics.Intent(string(in.Type), "replayed")
				return existing, nil
			}
		}
		s.Metrics.Intent(string(in.Type), "error")
		return nil, err
	}
	return created, nil
}

// createPending is the in-unit half of SubmitIntent. A replay found inside
// the unit returns the existing row and records nothing.
func (s *Service) createPending(ctx context.Context, u *Unit, in Intent) (*models.Transaction, error) {
	acct := u.Account()
	if acct.Status != models.AccountStatusActive {
		return nil, fmt.Errorf("%w: account %s is %s", ledger.ErrInvalidIntent, acct.Ref, acct.Status)
	}
	if acct.Currency != in.Currency {
		return nil, fmt.Errorf("%w: account %s holds %s, intent is %s", ledger.ErrInvalidIntent, acct.Ref, acct.Currency, in.Currency)
	}

	txn, err := ledger.CreatePending(u.Tx(), ledger.NewTransaction{
		TenantId:       in.TenantId,
		IdempotencyKey: in.IdempotencyKey,
		Type:           in.Type,
		AccountRef:     in.AccountRef,
		Amount:         in.Amount,
		Currency:       in.Currency,
	})
	if err != nil {
		if existing := ledger.TransactionOf(err); existing != nil {
			u.AfterCommit(func() { s.Metrics.Intent(string(in.Type), "replayed") })
			return existing, nil
		}
		return nil, err
	}

	payload := map[string]any{
		"idempotency_key": in.IdempotencyKey,
		"type":            in.Type,
		"account_ref":     in.AccountRef,
		"amount":          in.Amount.StringFixed(2),
		"currency":        in.Currency,
	}
	if len(in.Metadata) > 0 {
		payload["metadata"] = in.Metadata
	}
	row, err := s.Audit.Append(u.Tx(), s.entry(ctx, in.TenantId, "transaction.created", txn.ID, payload))
	if err != nil {
		return nil, err
	}
	correlationID, _ := utils.GetCorrelationIdFromContext(ctx)
	if err := enqueueEvent(u.Tx(), in.TenantId, "transaction", txn.ID, EventTypeTransactionCreated, correlationID,
		transactionEvent(txn, "", s.now())); err != nil {
		return nil, err
	}
	u.AfterCommit(func() {
		s.Audit.Emit(row)
		s.Metrics.Intent(string(in.Type), "created")
	})
	return txn, nil
}

type advanceOptions struct {
	reason           string
	adapterReference string
}

type AdvanceOption func(*advanceOptions)

// WithReason sets the failure reason recorded on a FAIL.
func WithReason(reason string) AdvanceOption {
	return func(o *advanceOptions) { o.reason = reason }
}

// WithAdapterReference records the settlement network's reference.
func WithAdapterReference(ref string) AdvanceOption {
	return func(o *advanceOptions) { o.adapterReference = ref }
}

// Advance applies event to a transaction. Repeating the event that produced
// the current status is a no-op: the current row is returned and nothing is
// written. expectedVersion must match the stored version unless AnyVersion.
//
// A DISBURSE whose SEND cannot be funded, or whose shareholder has not passed
// KYC, is moved to FAILED and the error carries that FAILED row.
func (s *Service) Advance(ctx context.Context, tenantID, transactionID string, expectedVersion int, event ledger.Event, opts ...AdvanceOption) (txn *models.Transaction, err error) {
	ctx, span := tracer.Start(ctx, "ledger.Advance", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("transaction.id", transactionID),
		attribute.String("event", string(event)),
	))
	defer func() { endSpan(span, err) }()

	var o advanceOptions
	for _, opt := range opts {
		opt(&o)
	}

	pre, err := ledger.Get(s.scoped(ctx, tenantID), tenantID, transactionID)
	if err != nil {
		return nil, err
	}

	var (
		result  *models.Transaction
		applied bool
		refused error
	)
	err = s.Units.WithSerializableUnit(ctx, tenantID, pre.AccountRef, func(u *Unit) error {
		cur, err := ledger.Get(u.Tx(), tenantID, transactionID)
		if err != nil {
			return err
		}
		to, noop, err := ledger.Resolve(cur.Type, cur.Status, event)
		if err != nil {
			return &ledger.Error{Kind: ledger.ErrInvalidTransition, Transaction: cur, Err: err}
		}
		if noop {
			result = cur
			return nil
		}
		if expectedVersion != AnyVersion && cur.Version != expectedVersion {
			return &ledger.Error{Kind: ledger.ErrVersionConflict, Transaction: cur,
				Err: fmt.Errorf("expected version %d, stored %d", expectedVersion, cur.Version)}
		}

		patch := ledger.TransitionPatch{FailureReason: o.reason, AdapterReference: o.adapterReference}
		to, refused, err = s.applyEffects(u, cur, to, &patch)
		if err != nil {
			return err
		}
		if to == models.TransactionStatusSent {
			sentAt := s.now()
			patch.SentAt = &sentAt
			if patch.AdapterReference == "" {
				patch.AdapterReference = uuid.NewString()
			}
		}

		next, err := ledger.Transition(u.Tx(), tenantID, transactionID, cur.Version, to, patch)
		if err != nil {
			return err
		}
		if err := s.recordTransition(ctx, u, cur, next, event); err != nil {
			return err
		}
		result, applied = next, true
		return nil
	})
	if err != nil {
		return ledger.TransactionOf(err), err
	}
	if refused != nil {
		return result, &ledger.Error{Kind: refused, Transaction: result}
	}
	if applied && result.Status == models.TransactionStatusSent {
		return s.dispatch(ctx, result), nil
	}
	return result, nil
}

// applyEffects moves the account balance for a transition. It may redirect a
// DISBURSE SEND to FAILED, returning the refusal kind.
func (s *Service) applyEffects(u *Unit, cur *models.Transaction, to models.TransactionStatus, patch *ledger.TransitionPatch) (models.TransactionStatus, error, error) {
	switch {
	case cur.Type == models.TransactionTypeDisburse && to == models.TransactionStatusSent:
		if u.Account().Kind == models.AccountKindShareholder {
			var sh models.Shareholder
			err := u.Tx().Where("tenant_id = ? AND account_ref = ?", cur.TenantId, cur.AccountRef).Take(&sh).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return to, nil, err
			}
			if err != nil || !sh.KycVerified {
				patch.FailureReason = ReasonKycNotVerified
				return models.TransactionStatusFailed, ledger.ErrKycRequired, nil
			}
		}
		if err := u.Debit(cur.Amount); err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				patch.FailureReason = ReasonInsufficientFunds
				return models.TransactionStatusFailed, ledger.ErrInsufficientFunds, nil
			}
			return to, nil, err
		}
	case cur.Type == models.TransactionTypeDisburse && cur.Status == models.TransactionStatusSent && to == models.TransactionStatusFailed:
		// The debit taken at SEND is returned.
		if err := u.Credit(cur.Amount); err != nil {
			return to, nil, err
		}
	case cur.Type == models.TransactionTypeDividend && to == models.TransactionStatusSettled,
		cur.Type == models.TransactionTypeContribution && to == models.TransactionStatusCommitted:
		if err := u.Credit(cur.Amount); err != nil {
			return to, nil, err
		}
	}
	return to, nil, nil
}

// recordTransition writes the audit entry and the outbox event for an
// applied transition inside the unit.
func (s *Service) recordTransition(ctx context.Context, u *Unit, from, next *models.Transaction, event ledger.Event) error {
	payload := map[string]any{
		"event":       event,
		"from":        from.Status,
		"to":          next.Status,
		"version":     next.Version,
		"amount":      next.Amount.StringFixed(2),
		"account_ref": next.AccountRef,
	}
	if next.FailureReason != "" {
		payload["reason"] = next.FailureReason
	}
	if next.AdapterReference != "" {
		payload["adapter_reference"] = next.AdapterReference
	}
	action := "transaction." + strings.ToLower(string(next.Status))
	row, err := s.Audit.Append(u.Tx(), s.entry(ctx, next.TenantId, action, next.ID, payload))
	if err != nil {
		return err
	}
	correlationID, _ := utils.GetCorrelationIdFromContext(ctx)
	if err := enqueueEvent(u.Tx(), next.TenantId, "transaction", next.ID, EventTypeTransactionChanged, correlationID,
		transactionEvent(next, from.Status, s.now())); err != nil {
		return err
	}
	u.AfterCommit(func() {
		s.Audit.Emit(row)
		s.Metrics.Transition(string(next.Type), string(from.Status), string(next.Status))
	})
	return nil
}

// dispatch hands a SENT transaction to the adapter. A synchronous refusal
// fails the transaction; an adapter error leaves it SENT for the sweep.
func (s *Service) dispatch(ctx context.Context, txn *models.Transaction) *models.Transaction {
	if s.Adapter == nil {
		return txn
	}
	ack, err := s.Adapter.Send(ctx, *txn)
	if err != nil {
		config.LogError(s.Logger, "ledgerService.go", "dispatch", "settlement adapter send", logrus.Fields{
			"tenant_id":      txn.TenantId,
			"transaction_id": txn.ID,
		}, err)
		return txn
	}
	if ack.Accepted {
		return txn
	}
	failed, err := s.Advance(ctx, txn.TenantId, txn.ID, AnyVersion, ledger.EventFail, WithReason(ack.Reason))
	if err != nil {
		config.LogError(s.Logger, "ledgerService.go", "dispatch", "fail rejected transaction", logrus.Fields{
			"tenant_id":      txn.TenantId,
			"transaction_id": txn.ID,
			"reason":         ack.Reason,
		}, err)
		return txn
	}
	return failed
}

// OnSettled is the adapter's asynchronous success callback.
func (s *Service) OnSettled(ctx context.Context, tenantID, transactionID, reference string) error {
	_, err := s.Advance(ctx, tenantID, transactionID, AnyVersion, ledger.EventSettle, WithAdapterReference(reference))
	return s.callbackResult("OnSettled", tenantID, transactionID, err)
}

// OnFailed is the adapter's asynchronous failure callback.
func (s *Service) OnFailed(ctx context.Context, tenantID, transactionID, reason string) error {
	_, err := s.Advance(ctx, tenantID, transactionID, AnyVersion, ledger.EventFail, WithReason(reason))
	return s.callbackResult("OnFailed", tenantID, transactionID, err)
}

// A callback arriving after the transaction reached another terminal state
// (for example a late settle after the sweep failed it) is logged and dropped.
func (s *Service) callbackResult(funcName, tenantID, transactionID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrInvalidTransition) {
		if s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{
				"field":          "SettlementCallback",
				"func":           funcName,
				"tenant_id":      tenantID,
				"transaction_id": transactionID,
			}).Warn("late settlement callback ignored: " + err.Error())
		}
		return nil
	}
	return err
}

// Balance is a committed account balance.
type Balance struct {
	TenantId   string          `json:"tenant_id"`
	AccountRef string          `json:"account_ref"`
	Currency   string          `json:"currency"`
	Amount     decimal.Decimal `json:"amount"`
	Version    int             `json:"version"`
}

// QueryBalance reads the balance as of the last committed unit.
func (s *Service) QueryBalance(ctx context.Context, tenantID, accountRef string) (bal *Balance, err error) {
	ctx, span := tracer.Start(ctx, "ledger.QueryBalance", trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer func() { endSpan(span, err) }()

	var acct models.Account
	err = s.scoped(ctx, tenantID).Where("tenant_id = ? AND ref = ?", tenantID, accountRef).Take(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &ledger.Error{Kind: ledger.ErrNotFound, Err: fmt.Errorf("account %s", accountRef)}
	}
	if err != nil {
		return nil, err
	}
	return &Balance{
		TenantId:   acct.TenantId,
		AccountRef: acct.Ref,
		Currency:   acct.Currency,
		Amount:     acct.Balance,
		Version:    acct.Version,
	}, nil
}

// RecordContribution books a contribution and commits it in one unit.
func (s *Service) RecordContribution(ctx context.Context, tenantID, idempotencyKey, accountRef string, amount decimal.Decimal, currency string) (txn *models.Transaction, err error) {
	in := Intent{
		TenantId:       tenantID,
		IdempotencyKey: idempotencyKey,
		Type:           models.TransactionTypeContribution,
		AccountRef:     accountRef,
		Amount:         amount,
		Currency:       currency,
	}
	ctx, span := tracer.Start(ctx, "ledger.RecordContribution", trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer func() { endSpan(span, err) }()

	if err := s.validateIntent(in); err != nil {
		s.Metrics.Intent(string(in.Type), "invalid")
		return nil, err
	}
	if err := s.requireActiveTenant(ctx, tenantID); err != nil {
		return nil, err
	}

	var result *models.Transaction
	err = s.Units.WithSerializableUnit(ctx, tenantID, accountRef, func(u *Unit) error {
		pending, err := s.createPending(ctx, u, in)
		if err != nil {
			return err
		}
		if pending.Status != models.TransactionStatusPending {
			result = pending
			return nil
		}
		to, _, err := ledger.Resolve(pending.Type, pending.Status, ledger.EventCommit)
		if err != nil {
			return err
		}
		if err := u.Credit(pending.Amount); err != nil {
			return err
		}
		next, err := ledger.Transition(u.Tx(), tenantID, pending.ID, pending.Version, to, ledger.TransitionPatch{})
		if err != nil {
			return err
		}
		if err := s.recordTransition(ctx, u, pending, next, ledger.EventCommit); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return ledger.FindByIdempotencyKey(s.scoped(ctx, tenantID), tenantID, in.Type, idempotencyKey)
		}
		return ledger.TransactionOf(err), err
	}
	return result, nil
}

// ScheduleDividend submits a DIVIDEND intent for a shareholder. The amount is
// the shareholder's shares times the per-share rate, rounded half up to cents.
func (s *Service) ScheduleDividend(ctx context.Context, tenantID, idempotencyKey, accountRef string, ratePerShare decimal.Decimal) (*models.Transaction, error) {
	if !ratePerShare.IsPositive() {
		return nil, fmt.Errorf("%w: rate per share must be positive", ledger.ErrInvalidIntent)
	}
	var sh models.Shareholder
	err := s.scoped(ctx, tenantID).Where("tenant_id = ? AND account_ref = ?", tenantID, accountRef).Take(&sh).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &ledger.Error{Kind: ledger.ErrNotFound, Err: fmt.Errorf("shareholder %s", accountRef)}
	}
	if err != nil {
		return nil, err
	}
	var acct models.Account
	if err := s.scoped(ctx, tenantID).Where("tenant_id = ? AND ref = ?", tenantID, accountRef).Take(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ledger.Error{Kind: ledger.ErrNotFound, Err: fmt.Errorf("account %s", accountRef)}
		}
		return nil, err
	}
	return s.SubmitIntent(ctx, Intent{
		TenantId:       tenantID,
		IdempotencyKey: idempotencyKey,
		Type:           models.TransactionTypeDividend,
		AccountRef:     accountRef,
		Amount:         sh.TotalShares.Mul(ratePerShare).Round(2),
		Currency:       acct.Currency,
		Metadata: map[string]any{
			"shares":         sh.TotalShares.String(),
			"rate_per_share": ratePerShare.String(),
		},
	})
}

func (s *Service) validateIntent(in Intent) error {
	if err := s.validator().Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInvalidIntent, err)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidIntent)
	}
	if !in.Amount.Equal(in.Amount.Truncate(2)) {
		return fmt.Errorf("%w: amount %s has sub-cent precision", ledger.ErrInvalidIntent, in.Amount)
	}
	return nil
}

var defaultValidator = validator.New()

func (s *Service) validator() *validator.Validate {
	if s.Validate != nil {
		return s.Validate
	}
	return defaultValidator
}

func (s *Service) requireActiveTenant(ctx context.Context, tenantID string) error {
	var tenant models.Tenant
	err := s.DB.WithContext(ctx).Where("id = ?", tenantID).Take(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &ledger.Error{Kind: ledger.ErrNotFound, Err: fmt.Errorf("tenant %s", tenantID)}
	}
	if err != nil {
		return err
	}
	if tenant.Status != models.TenantStatusActive {
		return fmt.Errorf("%w: tenant %s is %s", ledger.ErrInvalidIntent, tenantID, tenant.Status)
	}
	return nil
}

func (s *Service) entry(ctx context.Context, tenantID, action, transactionID string, payload any) audit.Entry {
	requestID, _ := utils.GetCorrelationIdFromContext(ctx)
	return audit.Entry{
		TenantId:     tenantID,
		ActorId:      utils.GetActorIdFromContext(ctx),
		Action:       action,
		ResourceType: "transaction",
		ResourceId:   transactionID,
		RequestId:    requestID,
		Payload:      payload,
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ledger.KindName(err))
	}
	span.End()
}
