// Package reconciliation independently re-derives expected vs. observed
// settlement amounts and appends audit records. It never mutates the entities
// it audits, so it is safe to run against live traffic.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/telepay/stargate/internal/ton"
	"github.com/telepay/stargate/pkg/metrics"
	"github.com/telepay/stargate/pkg/models"
)

// conversionTolerance is the absolute drift allowed between a conversion's
// target amount and the observed on-chain amount. Payments get zero
// tolerance.
var conversionTolerance = decimal.NewFromFloat(0.01)

// Age thresholds for the sweep queries.
const (
	stalePaymentAge    = time.Hour
	staleConversionAge = time.Hour
	stuckSwapAge       = 24 * time.Hour
	unverifiedDeposit  = time.Hour
)

// ErrRecordNotFound is returned when the audited entity does not exist.
var ErrRecordNotFound = errors.New("entity to reconcile not found")

// Service is the reconciliation auditor.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	ton    ton.Client
}

// NewService creates the auditor.
func NewService(db *gorm.DB, logger *zap.Logger, tonClient ton.Client) *Service {
	return &Service{db: db, logger: logger, ton: tonClient}
}

// ReconcilePayment compares a payment's recorded amount against the amount
// the originating webhook reported. Any difference is a mismatch.
func (s *Service) ReconcilePayment(ctx context.Context, paymentID uuid.UUID) (*models.ReconciliationRecord, error) {
	var payment models.Payment
	err := s.db.WithContext(ctx).First(&payment, "id = ?", paymentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	diff := payment.StarsAmount.Sub(payment.ReportedAmount)
	status := models.ReconStatusMatched
	if !diff.IsZero() {
		status = models.ReconStatusMismatch
	}

	record := &models.ReconciliationRecord{
		ID:                 uuid.New(),
		PaymentID:          &payment.ID,
		ExpectedAmount:     payment.StarsAmount,
		ActualAmount:       payment.ReportedAmount,
		Difference:         diff,
		Status:             status,
		ReconciliationType: models.ReconTypePayment,
		ExternalReference:  payment.TelegramPaymentID,
		ReconciledAt:       time.Now(),
	}
	return s.append(ctx, record)
}

// ReconcileConversion checks a conversion's target amount against the amount
// observed on-chain, within a small absolute tolerance. A conversion without
// a transaction reference is recorded as pending.
func (s *Service) ReconcileConversion(ctx context.Context, conversionID uuid.UUID) (*models.ReconciliationRecord, error) {
	var conv models.Conversion
	err := s.db.WithContext(ctx).First(&conv, "id = ?", conversionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	record := &models.ReconciliationRecord{
		ID:                 uuid.New(),
		ConversionID:       &conv.ID,
		ExpectedAmount:     conv.TargetAmount,
		ReconciliationType: models.ReconTypeConversion,
		ExternalReference:  conv.OnChainTxRef,
		ReconciledAt:       time.Now(),
	}

	if conv.OnChainTxRef == "" {
		record.Status = models.ReconStatusPending
		return s.append(ctx, record)
	}

	state, err := s.ton.GetTransaction(ctx, conv.OnChainTxRef)
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction %s: %w", conv.OnChainTxRef, err)
	}
	if state.Status != ton.TxStatusConfirmed {
		record.Status = models.ReconStatusPending
		return s.append(ctx, record)
	}

	record.ActualAmount = state.Amount
	record.Difference = conv.TargetAmount.Sub(state.Amount)
	if record.Difference.Abs().LessThanOrEqual(conversionTolerance) {
		record.Status = models.ReconStatusMatched
	} else {
		record.Status = models.ReconStatusMismatch
	}
	return s.append(ctx, record)
}

func (s *Service) append(ctx context.Context, record *models.ReconciliationRecord) (*models.ReconciliationRecord, error) {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to append reconciliation record: %w", err)
	}
	metrics.ReconciliationRecords.WithLabelValues(record.Status).Inc()

	if record.Status == models.ReconStatusMismatch {
		s.logger.Warn("reconciliation mismatch",
			zap.String("record_id", record.ID.String()),
			zap.String("type", record.ReconciliationType),
			zap.String("expected", record.ExpectedAmount.String()),
			zap.String("actual", record.ActualAmount.String()))
	}
	return record, nil
}

// Report summarizes reconciliation outcomes over [from, to).
type Report struct {
	From          time.Time                     `json:"from"`
	To            time.Time                     `json:"to"`
	Matched       int64                         `json:"matched"`
	Mismatched    int64                         `json:"mismatched"`
	Pending       int64                         `json:"pending"`
	TotalDrift    decimal.Decimal               `json:"total_drift"`
	MismatchedIDs []models.ReconciliationRecord `json:"mismatched_records"`
}

// GetReport aggregates records appended in the window.
func (s *Service) GetReport(ctx context.Context, from, to time.Time) (*Report, error) {
	report := &Report{From: from, To: to, TotalDrift: decimal.Zero}

	base := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&models.ReconciliationRecord{}).
			Where("reconciled_at >= ? AND reconciled_at < ?", from, to)
	}
	for status, dst := range map[string]*int64{
		models.ReconStatusMatched:  &report.Matched,
		models.ReconStatusMismatch: &report.Mismatched,
		models.ReconStatusPending:  &report.Pending,
	} {
		if err := base().Where("status = ?", status).Count(dst).Error; err != nil {
			return nil, fmt.Errorf("failed to count records: %w", err)
		}
	}

	var mismatches []models.ReconciliationRecord
	err := base().Where("status = ?", models.ReconStatusMismatch).
		Order("reconciled_at ASC").
		Find(&mismatches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load mismatches: %w", err)
	}
	for _, m := range mismatches {
		report.TotalDrift = report.TotalDrift.Add(m.Difference.Abs())
	}
	report.MismatchedIDs = mismatches
	return report, nil
}

// StalePendingPayments returns payments stuck pending past the age threshold.
func (s *Service) StalePendingPayments(ctx context.Context) ([]models.Payment, error) {
	cutoff := time.Now().Add(-stalePaymentAge)
	var payments []models.Payment
	err := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []string{models.PaymentStatusPending, models.PaymentStatusConverting}, cutoff).
		Order("created_at ASC").
		Find(&payments).Error
	return payments, err
}

// StalePendingConversions returns conversions stuck in a non-terminal state
// past the age threshold.
func (s *Service) StalePendingConversions(ctx context.Context) ([]models.Conversion, error) {
	cutoff := time.Now().Add(-staleConversionAge)
	var convs []models.Conversion
	err := s.db.WithContext(ctx).
		Where("status NOT IN ? AND created_at < ?",
			[]string{models.ConversionStatusCompleted, models.ConversionStatusFailed}, cutoff).
		Order("created_at ASC").
		Find(&convs).Error
	return convs, err
}

// StuckAtomicSwaps returns swaps not terminal after a day.
func (s *Service) StuckAtomicSwaps(ctx context.Context) ([]models.AtomicSwap, error) {
	cutoff := time.Now().Add(-stuckSwapAge)
	var swaps []models.AtomicSwap
	err := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]string{models.SwapStatusInitiated, models.SwapStatusInProgress}, cutoff).
		Order("created_at ASC").
		Find(&swaps).Error
	return swaps, err
}

// UnverifiedDeposits returns deposits unconfirmed past the age threshold.
func (s *Service) UnverifiedDeposits(ctx context.Context) ([]models.Deposit, error) {
	cutoff := time.Now().Add(-unverifiedDeposit)
	var deposits []models.Deposit
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", "pending", cutoff).
		Order("created_at ASC").
		Find(&deposits).Error
	return deposits, err
}

// RunSweeps executes every sweep and logs what it finds. Detection only; no
// remediation. Run by a periodic task.
func (s *Service) RunSweeps(ctx context.Context) error {
	payments, err := s.StalePendingPayments(ctx)
	if err != nil {
		return err
	}
	conversions, err := s.StalePendingConversions(ctx)
	if err != nil {
		return err
	}
	swaps, err := s.StuckAtomicSwaps(ctx)
	if err != nil {
		return err
	}
	deposits, err := s.UnverifiedDeposits(ctx)
	if err != nil {
		return err
	}

	if len(payments)+len(conversions)+len(swaps)+len(deposits) > 0 {
		s.logger.Warn("sweep found stuck entities",
			zap.Int("stale_payments", len(payments)),
			zap.Int("stale_conversions", len(conversions)),
			zap.Int("stuck_swaps", len(swaps)),
			zap.Int("unverified_deposits", len(deposits)))
	}
	return nil
}
