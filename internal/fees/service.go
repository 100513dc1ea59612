// Package fees provides the platform fee/config lookup and the platform fee
// collection lifecycle (recorded at conversion creation, collected once the
// settlement transaction confirms).
package fees

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/telepay/stargate/pkg/models"
)

// ErrConfigNotFound is returned when no platform_config row exists.
var ErrConfigNotFound = errors.New("platform configuration not found")

// Breakdown decomposes the fees charged on a source amount.
type Breakdown struct {
	Platform           decimal.Decimal `json:"platform"`
	Network            decimal.Decimal `json:"network"`
	Total              decimal.Decimal `json:"total"`
	PlatformPercentage decimal.Decimal `json:"platform_percentage"`
}

// Service implements fee/config lookup backed by the platform_config table.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger

	mu       sync.Mutex
	config   *models.PlatformConfig
	loadedAt time.Time
	cacheTTL time.Duration
}

// NewService creates a fee service. Config rows are cached for one minute.
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger, cacheTTL: time.Minute}
}

// GetConfig returns the latest platform configuration row.
func (s *Service) GetConfig(ctx context.Context) (*models.PlatformConfig, error) {
	s.mu.Lock()
	if s.config != nil && time.Since(s.loadedAt) < s.cacheTTL {
		cfg := s.config
		s.mu.Unlock()
		return cfg, nil
	}
	s.mu.Unlock()

	var cfg models.PlatformConfig
	err := s.db.WithContext(ctx).Order("created_at DESC").First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load platform config: %w", err)
	}

	s.mu.Lock()
	s.config = &cfg
	s.loadedAt = time.Now()
	s.mu.Unlock()

	return &cfg, nil
}

// CalculateBreakdown computes the fee decomposition for a source amount in
// Stars: a percentage platform fee plus a flat network fee.
func (s *Service) CalculateBreakdown(ctx context.Context, sourceAmount decimal.Decimal) (*Breakdown, error) {
	cfg, err := s.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	platform := sourceAmount.Mul(cfg.PlatformFeePercentage).Div(decimal.NewFromInt(100))
	network := cfg.NetworkFeeAmount

	return &Breakdown{
		Platform:           platform,
		Network:            network,
		Total:              platform.Add(network),
		PlatformPercentage: cfg.PlatformFeePercentage,
	}, nil
}

// RecordFee persists the platform fee charged on a conversion. The fee starts
// pending and is marked collected once the settlement transaction confirms.
func (s *Service) RecordFee(ctx context.Context, conversionID, userID uuid.UUID, feeStars, feeTon, tonUSDRate decimal.Decimal) (*models.FeeCollection, error) {
	fee := &models.FeeCollection{
		ID:             uuid.New(),
		ConversionID:   conversionID,
		UserID:         userID,
		FeeAmountStars: feeStars,
		FeeAmountTon:   feeTon,
		TonUSDRate:     tonUSDRate,
		Status:         models.FeeStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(fee).Error; err != nil {
		return nil, fmt.Errorf("failed to record fee: %w", err)
	}

	s.logger.Info("platform fee recorded",
		zap.String("fee_id", fee.ID.String()),
		zap.String("conversion_id", conversionID.String()),
		zap.String("fee_stars", feeStars.String()))
	return fee, nil
}

// MarkCollected flips a conversion's fee to collected, stamping the confirmed
// transaction hash.
func (s *Service) MarkCollected(ctx context.Context, conversionID uuid.UUID, txHash string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.FeeCollection{}).
		Where("conversion_id = ? AND status = ?", conversionID, models.FeeStatusPending).
		Updates(map[string]interface{}{
			"status":       models.FeeStatusCollected,
			"tx_hash":      txHash,
			"collected_at": &now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark fee collected: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Warn("no pending fee to collect", zap.String("conversion_id", conversionID.String()))
	}
	return nil
}

// Summary aggregates fees recorded in [from, to).
func (s *Service) Summary(ctx context.Context, from, to time.Time) (totalStars, totalTon decimal.Decimal, err error) {
	var row struct {
		TotalStars decimal.Decimal
		TotalTon   decimal.Decimal
	}
	err = s.db.WithContext(ctx).Model(&models.FeeCollection{}).
		Select("COALESCE(SUM(fee_amount_stars), 0) AS total_stars, COALESCE(SUM(fee_amount_ton), 0) AS total_ton").
		Where("created_at >= ? AND created_at < ?", from, to).
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to compute fee summary: %w", err)
	}
	return row.TotalStars, row.TotalTon, nil
}

// TotalRevenue aggregates all collected fees.
func (s *Service) TotalRevenue(ctx context.Context) (totalStars, totalTon decimal.Decimal, err error) {
	var row struct {
		TotalStars decimal.Decimal
		TotalTon   decimal.Decimal
	}
	err = s.db.WithContext(ctx).Model(&models.FeeCollection{}).
		Select("COALESCE(SUM(fee_amount_stars), 0) AS total_stars, COALESCE(SUM(fee_amount_ton), 0) AS total_ton").
		Where("status = ?", models.FeeStatusCollected).
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to compute total revenue: %w", err)
	}
	return row.TotalStars, row.TotalTon, nil
}
