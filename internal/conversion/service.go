package conversion

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

	"github.com/telepay/stargate/internal/config"
	"github.com/telepay/stargate/internal/fees"
	"github.com/telepay/stargate/internal/rates"
	"github.com/telepay/stargate/internal/ton"
	"github.com/telepay/stargate/pkg/metrics"
	"github.com/telepay/stargate/pkg/models"
)

var (
	// ErrMinimumAmountNotMet rejects quotes and conversions below the
	// configured minimum.
	ErrMinimumAmountNotMet = errors.New("amount below configured minimum")
	// ErrMaximumAmountExceeded rejects conversions above the configured
	// maximum.
	ErrMaximumAmountExceeded = errors.New("amount above configured maximum")
	// ErrConversionNotFound is returned for unknown or foreign conversions.
	ErrConversionNotFound = errors.New("conversion not found")
	// ErrPaymentNotEligible is returned when a referenced payment is missing,
	// foreign, or not in received status.
	ErrPaymentNotEligible = errors.New("payment not eligible for conversion")
	// ErrNoWalletAddress is returned when the user has no TON wallet to
	// settle to.
	ErrNoWalletAddress = errors.New("user has no TON wallet address")
)

// Notifier delivers conversion lifecycle events to the user's callback URL.
// Implemented by the webhook subsystem; wired in at startup.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, event string, payload map[string]interface{}) error
}

// Router attempts to settle a conversion through the P2P order book instead
// of a direct on-chain transfer. routed is false when no liquidity is
// available; the orchestrator then falls back to a direct transfer. routed
// with an empty txRef means the book owns the settlement but its transfer is
// not broadcast yet; the orchestrator must queue and route again, never pay
// directly on top of it.
type Router interface {
	RouteConversion(ctx context.Context, conv *models.Conversion) (txRef string, routed bool, err error)
}

// Quote is a priced conversion offer.
type Quote struct {
	SourceCurrency string          `json:"source_currency"`
	TargetCurrency string          `json:"target_currency"`
	SourceAmount   decimal.Decimal `json:"source_amount"`
	TargetAmount   decimal.Decimal `json:"target_amount"`
	ExchangeRate   decimal.Decimal `json:"exchange_rate"`
	Fees           fees.Breakdown  `json:"fees"`
	ValidUntil     time.Time       `json:"valid_until"`
}

// Service is the conversion orchestrator. It computes quotes, creates
// conversion records and drives them through settlement in background
// goroutines; callers observe progress via GetConversion or webhooks.
type Service struct {
	db       *gorm.DB
	logger   *zap.Logger
	fees     *fees.Service
	rates    *rates.Aggregator
	ton      ton.Client
	locks    *RateLockManager
	notifier Notifier
	router   Router

	cfg              config.ConversionConfig
	minConfirmations int

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
	wg       sync.WaitGroup
}

// NewService creates the orchestrator. notifier and router are optional.
func NewService(db *gorm.DB, logger *zap.Logger, feeSvc *fees.Service, rateAgg *rates.Aggregator, tonClient ton.Client, cfg config.ConversionConfig, minConfirmations int) *Service {
	return &Service{
		db:               db,
		logger:           logger,
		fees:             feeSvc,
		rates:            rateAgg,
		ton:              tonClient,
		locks:            NewRateLockManager(),
		cfg:              cfg,
		minConfirmations: minConfirmations,
		inFlight:         make(map[uuid.UUID]struct{}),
	}
}

// SetNotifier wires the webhook subsystem in after construction.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetRouter wires the P2P liquidity router in after construction.
func (s *Service) SetRouter(r Router) { s.router = r }

// Locks exposes the rate lock registry.
func (s *Service) Locks() *RateLockManager { return s.locks }

// Wait blocks until all in-flight settlement goroutines finish. Used during
// shutdown.
func (s *Service) Wait() { s.wg.Wait() }

// GetQuote prices a Stars->TON conversion at the current aggregated rate.
func (s *Service) GetQuote(ctx context.Context, sourceAmount decimal.Decimal, sourceCurrency, targetCurrency string) (*Quote, error) {
	cfg, err := s.fees.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	if sourceAmount.LessThan(cfg.MinConversionAmount) {
		return nil, ErrMinimumAmountNotMet
	}
	if cfg.MaxConversionAmount.IsPositive() && sourceAmount.GreaterThan(cfg.MaxConversionAmount) {
		return nil, ErrMaximumAmountExceeded
	}

	rate, err := s.exchangeRate(ctx, targetCurrency, cfg.StarsUSDRate)
	if err != nil {
		return nil, err
	}

	breakdown, err := s.fees.CalculateBreakdown(ctx, sourceAmount)
	if err != nil {
		return nil, err
	}

	net := sourceAmount.Sub(breakdown.Total)
	if !net.IsPositive() {
		return nil, ErrMinimumAmountNotMet
	}

	return &Quote{
		SourceCurrency: sourceCurrency,
		TargetCurrency: targetCurrency,
		SourceAmount:   sourceAmount,
		TargetAmount:   net.Mul(rate),
		ExchangeRate:   rate,
		Fees:           *breakdown,
		ValidUntil:     time.Now().Add(s.cfg.QuoteTTL),
	}, nil
}

// exchangeRate derives how much target currency one Star buys: the Stars USD
// price divided by the target's aggregated USD price.
func (s *Service) exchangeRate(ctx context.Context, targetCurrency string, starsUSD decimal.Decimal) (decimal.Decimal, error) {
	quote, err := s.rates.GetAggregatedRate(ctx, targetCurrency, "USD")
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch %s rate: %w", targetCurrency, err)
	}
	if !quote.AverageRate.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive %s rate", targetCurrency)
	}
	return starsUSD.Div(quote.AverageRate), nil
}

// LockRate quotes a conversion, registers an in-memory rate lock and persists
// a rate_locked conversion shell. A non-positive duration falls back to the
// platform-configured lock window. No funds move.
func (s *Service) LockRate(ctx context.Context, userID uuid.UUID, sourceAmount decimal.Decimal, targetCurrency string, duration time.Duration) (*models.Conversion, *RateLock, error) {
	if duration <= 0 {
		cfg, err := s.fees.GetConfig(ctx)
		if err != nil {
			return nil, nil, err
		}
		duration = time.Duration(cfg.RateLockDurationSeconds) * time.Second
	}

	quote, err := s.GetQuote(ctx, sourceAmount, "XTR", targetCurrency)
	if err != nil {
		return nil, nil, err
	}

	lock := s.locks.CreateLock(quote.ExchangeRate, "XTR", targetCurrency, sourceAmount, duration)

	conv := &models.Conversion{
		ID:              lock.ID,
		UserID:          userID,
		SourceCurrency:  "XTR",
		TargetCurrency:  targetCurrency,
		SourceAmount:    sourceAmount,
		TargetAmount:    quote.TargetAmount,
		ExchangeRate:    quote.ExchangeRate,
		RateLockedUntil: &lock.ExpiresAt,
		Status:          models.ConversionStatusRateLocked,
		FeeBreakdown: models.FeeBreakdown{
			Platform:           quote.Fees.Platform,
			Network:            quote.Fees.Network,
			Total:              quote.Fees.Total,
			PlatformPercentage: quote.Fees.PlatformPercentage,
		},
		PlatformFeeAmount: quote.Fees.Platform,
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		s.locks.ReleaseLock(lock.ID)
		return nil, nil, fmt.Errorf("failed to persist rate lock: %w", err)
	}

	s.logger.Info("rate locked",
		zap.String("lock_id", lock.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("rate", lock.ExchangeRate.String()),
		zap.Time("expires_at", lock.ExpiresAt))
	return conv, lock, nil
}

// ExpireRateLockShells fails rate_locked conversion shells whose lock window
// has passed, so expired locks do not linger as non-terminal rows. Run by the
// rate lock janitor.
func (s *Service) ExpireRateLockShells(ctx context.Context) error {
	res := s.db.WithContext(ctx).Model(&models.Conversion{}).
		Where("status = ? AND rate_locked_until <= ?", models.ConversionStatusRateLocked, time.Now()).
		Updates(map[string]interface{}{
			"status":        models.ConversionStatusFailed,
			"error_message": "RateLockExpired",
		})
	if res.Error != nil {
		return fmt.Errorf("failed to expire rate lock shells: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("expired rate lock shells", zap.Int64("count", res.RowsAffected))
	}
	return nil
}

// CreateConversion validates the referenced payments, prices the conversion
// and kicks off settlement in a tracked goroutine. An expired or missing rate
// lock is not an error; the conversion re-quotes at the current rate.
func (s *Service) CreateConversion(ctx context.Context, userID uuid.UUID, paymentIDs []uuid.UUID, targetCurrency string, rateLockID *uuid.UUID) (*models.Conversion, error) {
	if len(paymentIDs) == 0 {
		return nil, ErrPaymentNotEligible
	}

	var payments []models.Payment
	err := s.db.WithContext(ctx).
		Where("id IN ? AND user_id = ? AND status = ?", paymentIDs, userID, models.PaymentStatusReceived).
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load payments: %w", err)
	}
	if len(payments) != len(paymentIDs) {
		return nil, ErrPaymentNotEligible
	}

	sourceAmount := decimal.Zero
	for _, p := range payments {
		sourceAmount = sourceAmount.Add(p.StarsAmount)
	}

	quote, err := s.GetQuote(ctx, sourceAmount, "XTR", targetCurrency)
	if err != nil {
		return nil, err
	}
	if rateLockID != nil {
		if lock := s.locks.GetLock(*rateLockID); lock != nil && lock.TargetCurrency == targetCurrency {
			quote.ExchangeRate = lock.ExchangeRate
			quote.TargetAmount = sourceAmount.Sub(quote.Fees.Total).Mul(lock.ExchangeRate)
			s.locks.ReleaseLock(*rateLockID)
		}
	}

	tonUSD := decimal.Zero
	if rq, rerr := s.rates.GetAggregatedRate(ctx, targetCurrency, "USD"); rerr == nil {
		tonUSD = rq.AverageRate
	}

	conv := &models.Conversion{
		ID:             uuid.New(),
		UserID:         userID,
		PaymentIDs:     models.UUIDList(paymentIDs),
		SourceCurrency: "XTR",
		TargetCurrency: targetCurrency,
		SourceAmount:   sourceAmount,
		TargetAmount:   quote.TargetAmount,
		ExchangeRate:   quote.ExchangeRate,
		Status:         models.ConversionStatusPending,
		FeeBreakdown: models.FeeBreakdown{
			Platform:           quote.Fees.Platform,
			Network:            quote.Fees.Network,
			Total:              quote.Fees.Total,
			PlatformPercentage: quote.Fees.PlatformPercentage,
		},
		PlatformFeeAmount: quote.Fees.Platform,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		res := tx.Model(&models.Payment{}).
			Where("id IN ? AND user_id = ? AND status = ?", paymentIDs, userID, models.PaymentStatusReceived).
			Update("status", models.PaymentStatusConverting)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(paymentIDs)) {
			return ErrPaymentNotEligible
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conversion: %w", err)
	}

	feeTon := quote.Fees.Platform.Mul(quote.ExchangeRate)
	if _, err := s.fees.RecordFee(ctx, conv.ID, userID, quote.Fees.Platform, feeTon, tonUSD); err != nil {
		s.logger.Error("failed to record fee", zap.String("conversion_id", conv.ID.String()), zap.Error(err))
	}

	s.startSettlement(conv.ID)

	s.logger.Info("conversion created",
		zap.String("conversion_id", conv.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("source_amount", sourceAmount.String()),
		zap.String("target_amount", conv.TargetAmount.String()))
	return conv, nil
}

// startSettlement launches executeSettlement for the conversion unless one is
// already in flight for the same id.
func (s *Service) startSettlement(conversionID uuid.UUID) {
	s.mu.Lock()
	if _, busy := s.inFlight[conversionID]; busy {
		s.mu.Unlock()
		return
	}
	s.inFlight[conversionID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, conversionID)
			s.mu.Unlock()
		}()
		ctx := context.Background()
		if err := s.executeSettlement(ctx, conversionID); err != nil {
			s.logger.Error("settlement failed",
				zap.String("conversion_id", conversionID.String()),
				zap.Error(err))
		}
	}()
}

// executeSettlement moves a conversion from pending through the settlement
// phases. A liquidity route is tried first; otherwise a direct on-chain
// transfer to the user's wallet. Failure to obtain any transaction reference
// leaves the conversion queued rather than failed.
func (s *Service) executeSettlement(ctx context.Context, conversionID uuid.UUID) error {
	var conv models.Conversion
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", conversionID).Error; err != nil {
		return fmt.Errorf("failed to load conversion: %w", err)
	}

	if err := s.transition(ctx, &conv, models.ConversionStatusPhase1Prepared, ""); err != nil {
		return err
	}

	txRef, err := s.obtainTxRef(ctx, &conv)
	if err != nil || txRef == "" {
		if err != nil {
			s.logger.Warn("settlement transfer not broadcast, queueing",
				zap.String("conversion_id", conv.ID.String()),
				zap.Error(err))
		}
		return s.transition(ctx, &conv, models.ConversionStatusPhase2Queued, "")
	}

	conv.OnChainTxRef = txRef
	if err := s.db.WithContext(ctx).Model(&conv).Update("on_chain_tx_ref", txRef).Error; err != nil {
		return fmt.Errorf("failed to store tx ref: %w", err)
	}
	if err := s.transition(ctx, &conv, models.ConversionStatusPhase2Committed, ""); err != nil {
		return err
	}

	return s.pollConversionStatus(ctx, conv.ID, txRef)
}

func (s *Service) obtainTxRef(ctx context.Context, conv *models.Conversion) (string, error) {
	if s.router != nil {
		txRef, routed, err := s.router.RouteConversion(ctx, conv)
		switch {
		case routed && txRef != "":
			s.logger.Info("conversion routed through order book",
				zap.String("conversion_id", conv.ID.String()),
				zap.String("tx", txRef))
			return txRef, nil
		case routed:
			// The book owns this settlement but its transfer has not been
			// broadcast yet. Queue and adopt the transfer on retry; a direct
			// transfer here would pay the user twice.
			if err != nil {
				s.logger.Warn("routed settlement transfer not available yet",
					zap.String("conversion_id", conv.ID.String()),
					zap.Error(err))
			}
			return "", nil
		case err != nil:
			s.logger.Warn("liquidity route failed, falling back to direct transfer",
				zap.String("conversion_id", conv.ID.String()),
				zap.Error(err))
		}
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", conv.UserID).Error; err != nil {
		return "", fmt.Errorf("failed to load user: %w", err)
	}
	if user.TonWalletAddress == "" {
		return "", ErrNoWalletAddress
	}

	memo := "stargate conversion " + conv.ID.String()
	return s.ton.SendTransfer(ctx, user.TonWalletAddress, conv.TargetAmount, memo)
}

// RetryQueuedSettlements re-runs settlement for conversions stuck in
// phase2_queued. Run by a periodic task.
func (s *Service) RetryQueuedSettlements(ctx context.Context) error {
	var queued []models.Conversion
	err := s.db.WithContext(ctx).
		Where("status = ?", models.ConversionStatusPhase2Queued).
		Order("created_at ASC").
		Limit(20).
		Find(&queued).Error
	if err != nil {
		return fmt.Errorf("failed to load queued conversions: %w", err)
	}

	for _, conv := range queued {
		conv := conv
		s.mu.Lock()
		_, busy := s.inFlight[conv.ID]
		if !busy {
			s.inFlight[conv.ID] = struct{}{}
		}
		s.mu.Unlock()
		if busy {
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.inFlight, conv.ID)
				s.mu.Unlock()
			}()
			if err := s.retryQueued(context.Background(), conv.ID); err != nil {
				s.logger.Error("queued settlement retry failed",
					zap.String("conversion_id", conv.ID.String()),
					zap.Error(err))
			}
		}()
	}
	return nil
}

func (s *Service) retryQueued(ctx context.Context, conversionID uuid.UUID) error {
	var conv models.Conversion
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", conversionID).Error; err != nil {
		return err
	}
	if conv.Status != models.ConversionStatusPhase2Queued {
		return nil
	}

	txRef, err := s.obtainTxRef(ctx, &conv)
	if err != nil || txRef == "" {
		return err
	}

	conv.OnChainTxRef = txRef
	if err := s.db.WithContext(ctx).Model(&conv).Update("on_chain_tx_ref", txRef).Error; err != nil {
		return err
	}
	if err := s.transition(ctx, &conv, models.ConversionStatusPhase2Committed, ""); err != nil {
		return err
	}
	return s.pollConversionStatus(ctx, conv.ID, txRef)
}

// pollConversionStatus watches the chain until the settlement transaction
// resolves or the attempt budget runs out. Transient query errors count as an
// attempt but are otherwise tolerated.
func (s *Service) pollConversionStatus(ctx context.Context, conversionID uuid.UUID, txRef string) error {
	start := time.Now()
	defer func() {
		metrics.ConversionPollDuration.Observe(time.Since(start).Seconds())
	}()

	for attempt := 1; attempt <= s.cfg.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}

		state, err := s.ton.GetTransactionState(ctx, txRef, s.minConfirmations)
		if err != nil {
			s.logger.Warn("confirmation poll error",
				zap.String("conversion_id", conversionID.String()),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		switch state.Status {
		case ton.TxStatusConfirmed:
			return s.completeConversion(ctx, conversionID, txRef)
		case ton.TxStatusFailed:
			reason := "transaction aborted on-chain"
			if state.ExitCode != nil {
				reason = fmt.Sprintf("transaction failed with exit code %d", *state.ExitCode)
			}
			return s.failConversion(ctx, conversionID, reason)
		}
	}

	return s.failConversion(ctx, conversionID, "PollingTimeout")
}

// completeConversion walks the remaining happy-path states, finalizes the fee
// and payments, and emits the completion webhook.
func (s *Service) completeConversion(ctx context.Context, conversionID uuid.UUID, txRef string) error {
	var conv models.Conversion
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", conversionID).Error; err != nil {
		return err
	}

	for _, next := range []string{
		models.ConversionStatusPhase3Confirmed,
		models.ConversionStatusInProgress,
		models.ConversionStatusConfirmed,
	} {
		if err := s.transition(ctx, &conv, next, ""); err != nil {
			return err
		}
	}

	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Conversion{}).
			Where("id = ? AND status = ?", conv.ID, models.ConversionStatusConfirmed).
			Updates(map[string]interface{}{
				"status":       models.ConversionStatusCompleted,
				"completed_at": &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("conversion %s no longer confirmable", conv.ID)
		}
		if len(conv.PaymentIDs) > 0 {
			if err := tx.Model(&models.Payment{}).
				Where("id IN ? AND status = ?", []uuid.UUID(conv.PaymentIDs), models.PaymentStatusConverting).
				Update("status", models.PaymentStatusCompleted).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to finalize conversion: %w", err)
	}

	if err := s.fees.MarkCollected(ctx, conv.ID, txRef); err != nil {
		s.logger.Error("failed to mark fee collected",
			zap.String("conversion_id", conv.ID.String()),
			zap.Error(err))
	}

	metrics.ConversionsTotal.WithLabelValues("completed").Inc()
	s.notify(ctx, conv.UserID, "conversion.completed", map[string]interface{}{
		"conversion_id": conv.ID.String(),
		"status":        models.ConversionStatusCompleted,
		"target_amount": conv.TargetAmount.String(),
		"tx_ref":        txRef,
	})

	s.logger.Info("conversion completed",
		zap.String("conversion_id", conv.ID.String()),
		zap.String("tx", txRef))
	return nil
}

// failConversion marks the conversion failed and rolls its payments back to
// received so they can be converted again.
func (s *Service) failConversion(ctx context.Context, conversionID uuid.UUID, reason string) error {
	var conv models.Conversion
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", conversionID).Error; err != nil {
		return err
	}
	if err := s.transition(ctx, &conv, models.ConversionStatusFailed, reason); err != nil {
		return err
	}

	if len(conv.PaymentIDs) > 0 {
		err := s.db.WithContext(ctx).Model(&models.Payment{}).
			Where("id IN ? AND status = ?", []uuid.UUID(conv.PaymentIDs), models.PaymentStatusConverting).
			Update("status", models.PaymentStatusReceived).Error
		if err != nil {
			s.logger.Error("failed to roll back payments",
				zap.String("conversion_id", conv.ID.String()),
				zap.Error(err))
		}
	}

	metrics.ConversionsTotal.WithLabelValues("failed").Inc()
	s.notify(ctx, conv.UserID, "conversion.failed", map[string]interface{}{
		"conversion_id": conv.ID.String(),
		"status":        models.ConversionStatusFailed,
		"error":         reason,
	})

	s.logger.Warn("conversion failed",
		zap.String("conversion_id", conv.ID.String()),
		zap.String("reason", reason))
	return nil
}

// transition validates the move against the state machine and persists it.
func (s *Service) transition(ctx context.Context, conv *models.Conversion, target, errorMessage string) error {
	m := NewStateMachine(conv.Status)
	if err := m.Transition(target, nil); err != nil {
		return err
	}

	updates := map[string]interface{}{"status": target}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	res := s.db.WithContext(ctx).Model(&models.Conversion{}).
		Where("id = ? AND status = ?", conv.ID, conv.Status).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to persist transition to %s: %w", target, res.Error)
	}
	if res.RowsAffected == 0 {
		return &ErrInvalidTransition{From: conv.Status, To: target}
	}
	conv.Status = target
	if errorMessage != "" {
		conv.ErrorMessage = errorMessage
	}
	return nil
}

// GetConversion returns one of the user's conversions.
func (s *Service) GetConversion(ctx context.Context, userID, conversionID uuid.UUID) (*models.Conversion, error) {
	var conv models.Conversion
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", conversionID, userID).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversion: %w", err)
	}
	return &conv, nil
}

// Progress describes a conversion's position in the state machine.
type Progress struct {
	Status              string     `json:"status"`
	PhaseName           string     `json:"phase_name"`
	ProgressPercentage  int        `json:"progress_percentage"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// GetProgress reports a conversion's phase, percentage and ETA.
func (s *Service) GetProgress(ctx context.Context, userID, conversionID uuid.UUID) (*Progress, error) {
	conv, err := s.GetConversion(ctx, userID, conversionID)
	if err != nil {
		return nil, err
	}
	m := NewStateMachine(conv.Status)
	return &Progress{
		Status:              conv.Status,
		PhaseName:           m.PhaseName(),
		ProgressPercentage:  m.ProgressPercentage(),
		EstimatedCompletion: m.EstimatedCompletion(),
	}, nil
}

// ListConversions pages through a user's conversions, newest first.
func (s *Service) ListConversions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Conversion, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var total int64
	q := s.db.WithContext(ctx).Model(&models.Conversion{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count conversions: %w", err)
	}

	var convs []models.Conversion
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&convs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list conversions: %w", err)
	}
	return convs, total, nil
}

func (s *Service) notify(ctx context.Context, userID uuid.UUID, event string, payload map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, event, payload); err != nil {
		s.logger.Warn("failed to queue webhook event",
			zap.String("user_id", userID.String()),
			zap.String("event", event),
			zap.Error(err))
	}
}
