// Package p2p matches opposing Stars<->TON orders and settles each matched
// pair as an atomic swap.
package p2p

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
	"github.com/telepay/stargate/internal/ton"
	"github.com/telepay/stargate/internal/worker"
	"github.com/telepay/stargate/pkg/metrics"
	"github.com/telepay/stargate/pkg/models"
)

var (
	// ErrInvalidOrder rejects orders with non-positive amounts or rates.
	ErrInvalidOrder = errors.New("order amount and rate must be positive")
	// ErrOrderNotFound is returned for unknown or foreign orders.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotOpen is returned when cancelling an order that already
	// matched or closed.
	ErrOrderNotOpen = errors.New("order is not open")

	// errAlreadyMatched signals a lost race inside createSwapAndLock.
	errAlreadyMatched = errors.New("order already matched")
)

// Service is the matching coordinator. Matching safety comes from the
// database transaction in createSwapAndLock, not from in-process locks, so it
// holds under multiple concurrent instances.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	ton    ton.Client

	cfg              config.P2PConfig
	pollInterval     time.Duration
	maxPollAttempts  int
	minConfirmations int

	loop *worker.Periodic
	wg   sync.WaitGroup
}

// NewService creates the coordinator. Poll settings mirror the conversion
// confirmation poller.
func NewService(db *gorm.DB, logger *zap.Logger, tonClient ton.Client, cfg config.P2PConfig, poll config.ConversionConfig, minConfirmations int) *Service {
	s := &Service{
		db:               db,
		logger:           logger,
		ton:              tonClient,
		cfg:              cfg,
		pollInterval:     poll.PollInterval,
		maxPollAttempts:  poll.MaxPollAttempts,
		minConfirmations: minConfirmations,
	}
	s.loop = worker.NewPeriodic("p2p-matcher", cfg.MatchInterval, logger, s.rescan)
	return s
}

// Start launches the background matching loop.
func (s *Service) Start(ctx context.Context) { s.loop.Start(ctx) }

// Stop halts the loop and waits for in-flight swap settlements.
func (s *Service) Stop() {
	s.loop.Stop()
	s.wg.Wait()
}

// CreateSellOrder inserts an open sell order and immediately attempts a
// match, so a resting counter-order settles without waiting for the loop.
func (s *Service) CreateSellOrder(ctx context.Context, userID uuid.UUID, starsAmount, rate decimal.Decimal) (*models.StarsOrder, error) {
	if !starsAmount.IsPositive() || !rate.IsPositive() {
		return nil, ErrInvalidOrder
	}
	order := &models.StarsOrder{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        models.OrderTypeSell,
		StarsAmount: starsAmount,
		TonAmount:   starsAmount.Mul(rate),
		Rate:        rate,
		Status:      models.OrderStatusOpen,
	}
	return s.createAndMatch(ctx, order)
}

// CreateBuyOrder inserts an open buy order and immediately attempts a match.
func (s *Service) CreateBuyOrder(ctx context.Context, userID uuid.UUID, tonAmount, rate decimal.Decimal) (*models.StarsOrder, error) {
	if !tonAmount.IsPositive() || !rate.IsPositive() {
		return nil, ErrInvalidOrder
	}
	order := &models.StarsOrder{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        models.OrderTypeBuy,
		StarsAmount: tonAmount.Div(rate),
		TonAmount:   tonAmount,
		Rate:        rate,
		Status:      models.OrderStatusOpen,
	}
	return s.createAndMatch(ctx, order)
}

func (s *Service) createAndMatch(ctx context.Context, order *models.StarsOrder) (*models.StarsOrder, error) {
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	metrics.OrdersCreated.WithLabelValues(order.Type).Inc()

	s.logger.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("type", order.Type),
		zap.String("rate", order.Rate.String()))

	swap, err := s.tryMatchOrder(ctx, order.ID)
	if err != nil {
		s.logger.Warn("immediate match attempt failed",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
	} else if swap != nil {
		s.settleAsync(swap.ID)
	}

	s.db.WithContext(ctx).First(order, "id = ?", order.ID)
	return order, nil
}

// tryMatchOrder pairs an open order with the best-priced open counter-order,
// ties broken by arrival. At most one match attempt is made per call; an
// already-matched order is a no-op.
func (s *Service) tryMatchOrder(ctx context.Context, orderID uuid.UUID) (*models.AtomicSwap, error) {
	var order models.StarsOrder
	if err := s.db.WithContext(ctx).First(&order, "id = ?", orderID).Error; err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusOpen {
		return nil, nil
	}

	counter, err := s.findCounterOrder(ctx, &order)
	if err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, nil
	}

	sellID, buyID := order.ID, counter.ID
	if order.Type == models.OrderTypeBuy {
		sellID, buyID = counter.ID, order.ID
	}

	swap, err := s.createSwapAndLock(ctx, sellID, buyID)
	if errors.Is(err, errAlreadyMatched) {
		return nil, nil
	}
	return swap, err
}

func (s *Service) findCounterOrder(ctx context.Context, order *models.StarsOrder) (*models.StarsOrder, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND user_id <> ?", models.OrderStatusOpen, order.UserID)

	switch order.Type {
	case models.OrderTypeSell:
		// Buyers willing to pay at least what the seller asks, best price
		// first.
		q = q.Where("type = ? AND rate >= ?", models.OrderTypeBuy, order.Rate).
			Order("rate DESC, created_at ASC")
	case models.OrderTypeBuy:
		q = q.Where("type = ? AND rate <= ?", models.OrderTypeSell, order.Rate).
			Order("rate ASC, created_at ASC")
	default:
		return nil, fmt.Errorf("unknown order type %q", order.Type)
	}

	var counter models.StarsOrder
	err := q.First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &counter, nil
}

// createSwapAndLock flips both orders open->matched and creates exactly one
// swap, all in one transaction. The status-guarded updates are the sole
// serialization point preventing double-matching under concurrency.
func (s *Service) createSwapAndLock(ctx context.Context, sellOrderID, buyOrderID uuid.UUID) (*models.AtomicSwap, error) {
	swap := &models.AtomicSwap{
		ID:          uuid.New(),
		SellOrderID: sellOrderID,
		BuyOrderID:  buyOrderID,
		Status:      models.SwapStatusInitiated,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range []uuid.UUID{sellOrderID, buyOrderID} {
			res := tx.Model(&models.StarsOrder{}).
				Where("id = ? AND status = ?", id, models.OrderStatusOpen).
				Update("status", models.OrderStatusMatched)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errAlreadyMatched
			}
		}
		return tx.Create(swap).Error
	})
	if err != nil {
		return nil, err
	}

	metrics.SwapsMatched.Inc()
	s.logger.Info("orders matched",
		zap.String("swap_id", swap.ID.String()),
		zap.String("sell_order_id", sellOrderID.String()),
		zap.String("buy_order_id", buyOrderID.String()))
	return swap, nil
}

func (s *Service) settleAsync(swapID uuid.UUID) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.settleSwap(context.Background(), swapID); err != nil {
			s.logger.Error("swap settlement failed",
				zap.String("swap_id", swapID.String()),
				zap.Error(err))
		}
	}()
}

// settleSwap executes a matched swap: TON moves to the seller's wallet and
// the transfer is polled to confirmation before both orders complete.
func (s *Service) settleSwap(ctx context.Context, swapID uuid.UUID) error {
	var swap models.AtomicSwap
	if err := s.db.WithContext(ctx).First(&swap, "id = ?", swapID).Error; err != nil {
		return err
	}

	txRef, err := s.beginSwapTransfer(ctx, &swap)
	if err != nil {
		return s.failSwap(ctx, swap.ID, err.Error())
	}
	return s.pollSwap(ctx, swap.ID, txRef)
}

// beginSwapTransfer marks the swap in progress and broadcasts the TON leg.
// The Stars leg settles internally and is recorded by reference.
func (s *Service) beginSwapTransfer(ctx context.Context, swap *models.AtomicSwap) (string, error) {
	var sell, buy models.StarsOrder
	if err := s.db.WithContext(ctx).First(&sell, "id = ?", swap.SellOrderID).Error; err != nil {
		return "", err
	}
	if err := s.db.WithContext(ctx).First(&buy, "id = ?", swap.BuyOrderID).Error; err != nil {
		return "", err
	}

	var seller models.User
	if err := s.db.WithContext(ctx).First(&seller, "id = ?", sell.UserID).Error; err != nil {
		return "", err
	}
	if seller.TonWalletAddress == "" {
		return "", fmt.Errorf("seller %s has no TON wallet address", seller.ID)
	}

	res := s.db.WithContext(ctx).Model(&models.AtomicSwap{}).
		Where("id = ? AND status = ?", swap.ID, models.SwapStatusInitiated).
		Update("status", models.SwapStatusInProgress)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", fmt.Errorf("swap %s is not in initiated state", swap.ID)
	}

	// The seller receives the buyer's rate on their full Stars amount.
	tonAmount := sell.StarsAmount.Mul(buy.Rate)
	memo := "stargate swap " + swap.ID.String()
	txRef, err := s.ton.SendTransfer(ctx, seller.TonWalletAddress, tonAmount, memo)
	if err != nil {
		return "", fmt.Errorf("ton leg failed: %w", err)
	}

	starsTransferID := "stars-" + uuid.NewString()
	err = s.db.WithContext(ctx).Model(&models.AtomicSwap{}).
		Where("id = ?", swap.ID).
		Updates(map[string]interface{}{
			"ton_transfer_tx":   txRef,
			"stars_transfer_id": starsTransferID,
		}).Error
	if err != nil {
		return "", err
	}

	s.logger.Info("swap transfer broadcast",
		zap.String("swap_id", swap.ID.String()),
		zap.String("tx", txRef),
		zap.String("ton_amount", tonAmount.String()))
	return txRef, nil
}

func (s *Service) pollSwap(ctx context.Context, swapID uuid.UUID, txRef string) error {
	for attempt := 1; attempt <= s.maxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}

		state, err := s.ton.GetTransactionState(ctx, txRef, s.minConfirmations)
		if err != nil {
			s.logger.Warn("swap confirmation poll error",
				zap.String("swap_id", swapID.String()),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		switch state.Status {
		case ton.TxStatusConfirmed:
			return s.completeSwap(ctx, swapID)
		case ton.TxStatusFailed:
			reason := "swap transaction aborted on-chain"
			if state.ExitCode != nil {
				reason = fmt.Sprintf("swap transaction failed with exit code %d", *state.ExitCode)
			}
			return s.failSwap(ctx, swapID, reason)
		}
	}
	return s.failSwap(ctx, swapID, "PollingTimeout")
}

func (s *Service) completeSwap(ctx context.Context, swapID uuid.UUID) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var swap models.AtomicSwap
		if err := tx.First(&swap, "id = ?", swapID).Error; err != nil {
			return err
		}
		res := tx.Model(&models.AtomicSwap{}).
			Where("id = ? AND status = ?", swapID, models.SwapStatusInProgress).
			Updates(map[string]interface{}{
				"status":       models.SwapStatusCompleted,
				"completed_at": &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("swap %s is not in progress", swapID)
		}
		return tx.Model(&models.StarsOrder{}).
			Where("id IN ? AND status = ?", []uuid.UUID{swap.SellOrderID, swap.BuyOrderID}, models.OrderStatusMatched).
			Updates(map[string]interface{}{
				"status":       models.OrderStatusCompleted,
				"completed_at": &now,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to complete swap: %w", err)
	}

	s.logger.Info("swap completed", zap.String("swap_id", swapID.String()))
	return nil
}

func (s *Service) failSwap(ctx context.Context, swapID uuid.UUID, reason string) error {
	err := s.db.WithContext(ctx).Model(&models.AtomicSwap{}).
		Where("id = ? AND status IN ?", swapID, []string{models.SwapStatusInitiated, models.SwapStatusInProgress}).
		Updates(map[string]interface{}{
			"status":        models.SwapStatusFailed,
			"error_message": reason,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark swap failed: %w", err)
	}

	s.logger.Warn("swap failed",
		zap.String("swap_id", swapID.String()),
		zap.String("reason", reason))
	return nil
}

// rescan retries matching for resting sell orders, oldest first. Re-matching
// an already-matched order is a no-op guarded by the status check.
func (s *Service) rescan(ctx context.Context) error {
	var open []models.StarsOrder
	err := s.db.WithContext(ctx).
		Where("type = ? AND status = ?", models.OrderTypeSell, models.OrderStatusOpen).
		Order("created_at ASC").
		Limit(s.cfg.ScanBatchSize).
		Find(&open).Error
	if err != nil {
		return fmt.Errorf("failed to scan open orders: %w", err)
	}

	for _, order := range open {
		swap, err := s.tryMatchOrder(ctx, order.ID)
		if err != nil {
			s.logger.Warn("rescan match failed",
				zap.String("order_id", order.ID.String()),
				zap.Error(err))
			continue
		}
		if swap != nil {
			s.settleAsync(swap.ID)
		}
	}
	return nil
}

// RouteConversion settles a conversion through the order book by posting a
// sell order for the converted Stars. It reports routed=false when no
// compatible buy order rests on the book, and routed=true with an empty
// transaction reference when the book owns the settlement but its transfer
// has not been broadcast yet.
func (s *Service) RouteConversion(ctx context.Context, conv *models.Conversion) (string, bool, error) {
	if !conv.SourceAmount.IsPositive() || !conv.TargetAmount.IsPositive() {
		return "", false, nil
	}

	// A prior routing attempt for this conversion may already have matched;
	// its swap owns the transfer, so adopt it instead of posting and paying a
	// second time.
	var prior models.StarsOrder
	err := s.db.WithContext(ctx).
		Where("conversion_id = ? AND status IN ?", conv.ID,
			[]string{models.OrderStatusMatched, models.OrderStatusCompleted}).
		First(&prior).Error
	if err == nil {
		return s.adoptRoutedSwap(ctx, prior.ID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, err
	}

	rate := conv.TargetAmount.Div(conv.SourceAmount)
	order := &models.StarsOrder{
		ID:           uuid.New(),
		UserID:       conv.UserID,
		ConversionID: &conv.ID,
		Type:         models.OrderTypeSell,
		StarsAmount:  conv.SourceAmount,
		TonAmount:    conv.TargetAmount,
		Rate:         rate,
		Status:       models.OrderStatusOpen,
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return "", false, fmt.Errorf("failed to post liquidity order: %w", err)
	}

	swap, err := s.tryMatchOrder(ctx, order.ID)
	if err != nil {
		return "", false, err
	}
	if swap == nil {
		// No liquidity; withdraw the order so it cannot match later without
		// the conversion knowing.
		res := s.db.WithContext(ctx).Model(&models.StarsOrder{}).
			Where("id = ? AND status = ?", order.ID, models.OrderStatusOpen).
			Update("status", models.OrderStatusCancelled)
		if res.Error != nil {
			return "", false, res.Error
		}
		if res.RowsAffected == 0 {
			// The matching loop took the order between creation and the
			// match attempt. Its settler owns the transfer.
			return s.adoptRoutedSwap(ctx, order.ID)
		}
		return "", false, nil
	}

	txRef, err := s.beginSwapTransfer(ctx, swap)
	if err != nil {
		_ = s.failSwap(ctx, swap.ID, err.Error())
		return "", false, err
	}

	// The conversion poller watches the same transaction; this watcher only
	// finishes the swap and order records.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.pollSwap(context.Background(), swap.ID, txRef); err != nil {
			s.logger.Error("routed swap settlement failed",
				zap.String("swap_id", swap.ID.String()),
				zap.Error(err))
		}
	}()

	return txRef, true, nil
}

// adoptWaitAttempts bounds how long RouteConversion waits for a swap settled
// by the matching loop to broadcast its transfer.
const adoptWaitAttempts = 3

// adoptRoutedSwap reports an order matched by the matching loop as routed.
// The loop's settler owns the transfer, so this waits a few poll intervals
// for the broadcast transaction reference to land. When it does not land in
// time the conversion is still reported routed with an empty reference: the
// caller queues it and adopts again on retry, never paying a second time.
func (s *Service) adoptRoutedSwap(ctx context.Context, sellOrderID uuid.UUID) (string, bool, error) {
	for attempt := 0; attempt < adoptWaitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", true, ctx.Err()
			case <-time.After(s.pollInterval):
			}
		}

		var swap models.AtomicSwap
		err := s.db.WithContext(ctx).First(&swap, "sell_order_id = ?", sellOrderID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return "", true, err
		}
		if swap.TonTransferTx != "" {
			return swap.TonTransferTx, true, nil
		}
		if swap.Status == models.SwapStatusFailed {
			// Failed before broadcasting, so nothing was paid out and the
			// caller may settle another way.
			return "", false, fmt.Errorf("routed swap %s failed: %s", swap.ID, swap.ErrorMessage)
		}
	}
	return "", true, nil
}

// GetOrder returns one of the user's orders.
func (s *Service) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.StarsOrder, error) {
	var order models.StarsOrder
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", orderID, userID).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders pages through a user's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.StarsOrder, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var total int64
	q := s.db.WithContext(ctx).Model(&models.StarsOrder{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []models.StarsOrder
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&orders).Error
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// CancelOrder withdraws an open order. Matched or closed orders cannot be
// cancelled.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.StarsOrder{}).
		Where("id = ? AND user_id = ? AND status = ?", orderID, userID, models.OrderStatusOpen).
		Update("status", models.OrderStatusCancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetOrder(ctx, userID, orderID); err != nil {
			return err
		}
		return ErrOrderNotOpen
	}
	return nil
}

// GetSwap returns a swap by id.
func (s *Service) GetSwap(ctx context.Context, swapID uuid.UUID) (*models.AtomicSwap, error) {
	var swap models.AtomicSwap
	err := s.db.WithContext(ctx).First(&swap, "id = ?", swapID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &swap, nil
}
