package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/telepay/stargate/internal/config"
	"github.com/telepay/stargate/internal/ton"
	"github.com/telepay/stargate/pkg/models"
)

type fakeTonClient struct {
	mu      sync.Mutex
	state   *ton.TxState
	sendErr error
}

func (c *fakeTonClient) GetTransactionState(ctx context.Context, txRef string, minConfirmations int) (*ton.TxState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != nil {
		return c.state, nil
	}
	return &ton.TxState{Hash: txRef, Status: ton.TxStatusConfirmed, Confirmations: 1}, nil
}

func (c *fakeTonClient) GetTransaction(ctx context.Context, txRef string) (*ton.TxState, error) {
	return c.GetTransactionState(ctx, txRef, 0)
}

func (c *fakeTonClient) SendTransfer(ctx context.Context, toAddress string, amount decimal.Decimal, memo string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	return "tx-" + uuid.NewString(), nil
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=private"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

func seedUser(t *testing.T, db *gorm.DB) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, db.Create(&models.User{
		ID:               id,
		TonWalletAddress: "UQDtFpEwcFAEcRe5mLVh2N6C0x-_hJEM7W61_JLnSF74p4q2",
		IsActive:         true,
	}).Error)
	return id
}

func newTestService(t *testing.T, db *gorm.DB, tonClient ton.Client) *Service {
	t.Helper()
	return NewService(db, zap.NewNop(), tonClient,
		config.P2PConfig{MatchInterval: time.Hour, ScanBatchSize: 20},
		config.ConversionConfig{PollInterval: time.Millisecond, MaxPollAttempts: 5},
		1)
}

func seedOrder(t *testing.T, db *gorm.DB, userID uuid.UUID, orderType string, rate decimal.Decimal, createdAt time.Time) uuid.UUID {
	t.Helper()
	stars := decimal.NewFromInt(1000)
	order := &models.StarsOrder{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        orderType,
		StarsAmount: stars,
		TonAmount:   stars.Mul(rate),
		Rate:        rate,
		Status:      models.OrderStatusOpen,
		CreatedAt:   createdAt,
	}
	require.NoError(t, db.Create(order).Error)
	return order.ID
}

func TestSellOrderMatchesRestingBuy(t *testing.T) {
	db := setupDB(t)
	seller := seedUser(t, db)
	buyer := seedUser(t, db)
	svc := newTestService(t, db, &fakeTonClient{})

	buyID := seedOrder(t, db, buyer, models.OrderTypeBuy, decimal.NewFromFloat(0.003), time.Now())

	sell, err := svc.CreateSellOrder(context.Background(), seller, decimal.NewFromInt(1000), decimal.NewFromFloat(0.0025))
	require.NoError(t, err)
	svc.wg.Wait()

	var swap models.AtomicSwap
	require.NoError(t, db.First(&swap, "sell_order_id = ?", sell.ID).Error)
	assert.Equal(t, buyID, swap.BuyOrderID)
	assert.Equal(t, models.SwapStatusCompleted, swap.Status)
	assert.NotEmpty(t, swap.TonTransferTx)
	assert.NotEmpty(t, swap.StarsTransferID)
	require.NotNil(t, swap.CompletedAt)

	var orders []models.StarsOrder
	require.NoError(t, db.Find(&orders, "id IN ?", []uuid.UUID{sell.ID, buyID}).Error)
	for _, o := range orders {
		assert.Equal(t, models.OrderStatusCompleted, o.Status)
	}
}

func TestSellOrderRestsWithoutCounterparty(t *testing.T) {
	db := setupDB(t)
	seller := seedUser(t, db)
	buyer := seedUser(t, db)
	svc := newTestService(t, db, &fakeTonClient{})

	// The only buy bids below the sell's minimum rate.
	seedOrder(t, db, buyer, models.OrderTypeBuy, decimal.NewFromFloat(0.002), time.Now())

	sell, err := svc.CreateSellOrder(context.Background(), seller, decimal.NewFromInt(1000), decimal.NewFromFloat(0.0025))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOpen, sell.Status)

	var count int64
	require.NoError(t, db.Model(&models.AtomicSwap{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestMatchingPrefersBestPriceThenArrival(t *testing.T) {
	db := setupDB(t)
	seller := seedUser(t, db)
	buyer := seedUser(t, db)
	svc := newTestService(t, db, &fakeTonClient{})

	base := time.Now().Add(-time.Hour)
	seedOrder(t, db, buyer, models.OrderTypeBuy, decimal.NewFromFloat(0.0026), base)
	bestEarly := seedOrder(t, db, buyer, models.OrderTypeBuy, decimal.NewFromFloat(0.003), base.Add(time.Minute))
	seedOrder(t, db, buyer, models.OrderTypeBuy, decimal.NewFromFloat(0.003), base.Add(2*time.Minute))

	sell, err := svc.CreateSellOrder(context.Background(), seller, decimal.NewFromInt(1000), decimal.NewFromFloat(0.0025))
	require.NoError(t, err)
	svc.wg.Wait()

	var swap models.AtomicSwap
	require.NoError(t, db.First(&swap, "sell_order_id = ?", sell.ID).Error)
	assert.Equal(t, bestEarly, swap.BuyOrderID)
}

func TestBuyOrderMatchesCheapestSell(t *testing.T) {
	db := setupDB(t)
	seller := seedUser(t, db)
	buyer := seedUser(t, db)
	svc := newTestService(t, db, &fakeTonClient{})

	cheap := seedOrder(t, db, seller, models.OrderTypeSell, decimal.NewFromFloat(0.002), time.Now())
	seedOrder(t, db, seller, models.OrderTypeSell, decimal.NewFromFloat(0.0024), time.Now())

	buy, err := svc.CreateBuyOrder(context.Background(), buyer, decimal.NewFromInt(3), decimal.NewFromFloat(0.0025))
	require.NoError(t, err)
	svc.wg.Wait()

	var swap models.AtomicSwap
	require.NoError(t, db.First(&swap, "buy_order_id = ?", buy.ID).Error)
	assert.Equal(t, cheap, swap.SellOrderID)
}

func TestRescanMatchesRestingOrders(t *testing.T) {
	db := setupDB(t)
	seller := seedUser(t, db)
	buyer := seedUser(t, db)
	svc := newTestService(t, db, &fakeTonClient{})

	sellID := seedOrder(t, db, seller, models.OrderTypeSell, decimal.NewFromFloat(0.0025), time.Now())
	seedOrder(t, db, buyer, models.OrderTypeBuy, decimal.NewFromFloat(0.0025), time.Now())

	require.NoError(t, svc.rescan(context.Background()))
	svc.wg.Wait()

	var swap models.AtomicSwap
	require.NoError(t, db.First(&swap, "sell_order_id = ?", sellID).Error)
	assert.Equal(t, models.SwapStatusCompleted, swap.Status)

	// A second pass finds nothing left to match.
	require.NoError(t, svc.rescan(context.Background()))
	var count int64
	require.NoError(t, db.Model(&models.AtomicSwap{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCancelOrder(t *testing.T) {
	db := setupDB(t)
	user := seedUser(t, db)
	svc := newTestService(t, db, &fakeTonClient{})

	orderID := seedOrder(t, db, user, models.OrderTypeSell, decimal.NewFromFloat(0.0025), time.Now())
	require.NoError(t, svc.CancelOrder(context.Background(), user, orderID))

	var order models.StarsOrder
	require.NoError(t, db.First(&order, "id = ?", orderID).Error)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)

	assert.ErrorIs(t, svc.CancelOrder(context.Background(), user, orderID), ErrOrderNotOpen)
	assert.ErrorIs(t, svc.CancelOrder(context.Background(), user, uuid.New()), ErrOrderNotFound)
}

func TestRouteConversionWithLiquidity(t *testing.T) {
	db := setupDB(t)
	seller := seedUser(t, db)
	buyer := seedUser(t, db)
	svc := newTestService(t, db, &fakeTonClient{})

	seedOrder(t, db, buyer, models.OrderTypeBuy, decimal.NewFromFloat(0.003), time.Now())

	conv := &models.Conversion{
		ID:           uuid.New(),
		UserID:       seller,
		SourceAmount: decimal.NewFromInt(1000),
		TargetAmount: decimal.NewFromFloat(2.5),
	}
	txRef, routed, err := svc.RouteConversion(context.Background(), conv)
	require.NoError(t, err)
	assert.True(t, routed)
	assert.NotEmpty(t, txRef)

	svc.wg.Wait()
	var swap models.AtomicSwap
	require.NoError(t, db.First(&swap, "ton_transfer_tx = ?", txRef).Error)
	assert.Equal(t, models.SwapStatusCompleted, swap.Status)
}

func TestRouteConversionAdoptsLoopMatchedOrder(t *testing.T) {
	db := setupDB(t)
	seller := seedUser(t, db)
	buyer := seedUser(t, db)
	svc := newTestService(t, db, &fakeTonClient{})

	conv := &models.Conversion{
		ID:           uuid.New(),
		UserID:       seller,
		SourceAmount: decimal.NewFromInt(1000),
		TargetAmount: decimal.NewFromFloat(2.5),
	}

	// The matching loop settles the conversion's order before RouteConversion
	// gets to it.
	order := &models.StarsOrder{
		ID:           uuid.New(),
		UserID:       seller,
		ConversionID: &conv.ID,
		Type:         models.OrderTypeSell,
		StarsAmount:  conv.SourceAmount,
		TonAmount:    conv.TargetAmount,
		Rate:         decimal.NewFromFloat(0.0025),
		Status:       models.OrderStatusOpen,
	}
	require.NoError(t, db.Create(order).Error)
	seedOrder(t, db, buyer, models.OrderTypeBuy, decimal.NewFromFloat(0.0025), time.Now())
	require.NoError(t, svc.rescan(context.Background()))
	svc.wg.Wait()

	txRef, routed, err := svc.RouteConversion(context.Background(), conv)
	require.NoError(t, err)
	assert.True(t, routed)

	var swap models.AtomicSwap
	require.NoError(t, db.First(&swap, "sell_order_id = ?", order.ID).Error)
	assert.Equal(t, swap.TonTransferTx, txRef)

	// Exactly one transfer pays the conversion: one order, one swap.
	var count int64
	require.NoError(t, db.Model(&models.AtomicSwap{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
	require.NoError(t, db.Model(&models.StarsOrder{}).
		Where("conversion_id = ?", conv.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRouteConversionAdoptionWaitsForBroadcast(t *testing.T) {
	db := setupDB(t)
	seller := seedUser(t, db)
	svc := newTestService(t, db, &fakeTonClient{})

	conv := &models.Conversion{
		ID:           uuid.New(),
		UserID:       seller,
		SourceAmount: decimal.NewFromInt(1000),
		TargetAmount: decimal.NewFromFloat(2.5),
	}
	order := &models.StarsOrder{
		ID:           uuid.New(),
		UserID:       seller,
		ConversionID: &conv.ID,
		Type:         models.OrderTypeSell,
		StarsAmount:  conv.SourceAmount,
		TonAmount:    conv.TargetAmount,
		Rate:         decimal.NewFromFloat(0.0025),
		Status:       models.OrderStatusMatched,
	}
	require.NoError(t, db.Create(order).Error)
	swap := &models.AtomicSwap{
		ID:          uuid.New(),
		SellOrderID: order.ID,
		BuyOrderID:  uuid.New(),
		Status:      models.SwapStatusInitiated,
	}
	require.NoError(t, db.Create(swap).Error)

	// The loop's settler has not broadcast yet: routed without a reference,
	// so the conversion parks in the retry queue instead of paying directly.
	txRef, routed, err := svc.RouteConversion(context.Background(), conv)
	require.NoError(t, err)
	assert.True(t, routed)
	assert.Empty(t, txRef)

	require.NoError(t, db.Model(&models.AtomicSwap{}).
		Where("id = ?", swap.ID).Update("ton_transfer_tx", "tx-loop").Error)

	txRef, routed, err = svc.RouteConversion(context.Background(), conv)
	require.NoError(t, err)
	assert.True(t, routed)
	assert.Equal(t, "tx-loop", txRef)
}

func TestRouteConversionWithoutLiquidity(t *testing.T) {
	db := setupDB(t)
	seller := seedUser(t, db)
	svc := newTestService(t, db, &fakeTonClient{})

	conv := &models.Conversion{
		ID:           uuid.New(),
		UserID:       seller,
		SourceAmount: decimal.NewFromInt(1000),
		TargetAmount: decimal.NewFromFloat(2.5),
	}
	txRef, routed, err := svc.RouteConversion(context.Background(), conv)
	require.NoError(t, err)
	assert.False(t, routed)
	assert.Empty(t, txRef)

	// The routing order must not rest on the book.
	var order models.StarsOrder
	require.NoError(t, db.First(&order, "user_id = ?", seller).Error)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
}
