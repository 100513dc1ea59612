package reconciliation

import (
	"context"
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

	"github.com/telepay/stargate/internal/ton"
	"github.com/telepay/stargate/pkg/models"
)

type fakeTonClient struct {
	state *ton.TxState
	err   error
}

func (c *fakeTonClient) GetTransactionState(ctx context.Context, txRef string, minConfirmations int) (*ton.TxState, error) {
	return c.GetTransaction(ctx, txRef)
}

func (c *fakeTonClient) GetTransaction(ctx context.Context, txRef string) (*ton.TxState, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.state, nil
}

func (c *fakeTonClient) SendTransfer(ctx context.Context, toAddress string, amount decimal.Decimal, memo string) (string, error) {
	return "", nil
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

func TestReconcilePaymentMatched(t *testing.T) {
	db := setupDB(t)
	svc := NewService(db, zap.NewNop(), &fakeTonClient{})

	payment := &models.Payment{
		ID:                uuid.New(),
		UserID:            uuid.New(),
		TelegramPaymentID: "tg-123",
		StarsAmount:       decimal.NewFromInt(500),
		ReportedAmount:    decimal.NewFromInt(500),
		Status:            models.PaymentStatusReceived,
	}
	require.NoError(t, db.Create(payment).Error)

	record, err := svc.ReconcilePayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReconStatusMatched, record.Status)
	assert.Equal(t, models.ReconTypePayment, record.ReconciliationType)
	assert.Equal(t, "tg-123", record.ExternalReference)
	assert.True(t, record.Difference.IsZero())
}

func TestReconcilePaymentZeroTolerance(t *testing.T) {
	db := setupDB(t)
	svc := NewService(db, zap.NewNop(), &fakeTonClient{})

	payment := &models.Payment{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		StarsAmount:    decimal.NewFromInt(500),
		ReportedAmount: decimal.NewFromFloat(499.9999999999),
		Status:         models.PaymentStatusReceived,
	}
	require.NoError(t, db.Create(payment).Error)

	record, err := svc.ReconcilePayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReconStatusMismatch, record.Status)

	_, err = svc.ReconcilePayment(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestReconcileConversionWithinTolerance(t *testing.T) {
	db := setupDB(t)
	tonClient := &fakeTonClient{state: &ton.TxState{
		Status: ton.TxStatusConfirmed,
		Amount: decimal.NewFromFloat(2.495),
	}}
	svc := NewService(db, zap.NewNop(), tonClient)

	conv := &models.Conversion{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		TargetAmount: decimal.NewFromFloat(2.5),
		OnChainTxRef: "tx-abc",
		Status:       models.ConversionStatusCompleted,
	}
	require.NoError(t, db.Create(conv).Error)

	record, err := svc.ReconcileConversion(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReconStatusMatched, record.Status)
	assert.Equal(t, "tx-abc", record.ExternalReference)
}

func TestReconcileConversionBeyondTolerance(t *testing.T) {
	db := setupDB(t)
	tonClient := &fakeTonClient{state: &ton.TxState{
		Status: ton.TxStatusConfirmed,
		Amount: decimal.NewFromFloat(2.4),
	}}
	svc := NewService(db, zap.NewNop(), tonClient)

	conv := &models.Conversion{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		TargetAmount: decimal.NewFromFloat(2.5),
		OnChainTxRef: "tx-abc",
		Status:       models.ConversionStatusCompleted,
	}
	require.NoError(t, db.Create(conv).Error)

	record, err := svc.ReconcileConversion(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReconStatusMismatch, record.Status)
	assert.True(t, record.Difference.Equal(decimal.NewFromFloat(0.1)), record.Difference.String())
}

func TestReconcileConversionWithoutTxRefIsPending(t *testing.T) {
	db := setupDB(t)
	svc := NewService(db, zap.NewNop(), &fakeTonClient{})

	conv := &models.Conversion{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		TargetAmount: decimal.NewFromFloat(2.5),
		Status:       models.ConversionStatusPhase2Queued,
	}
	require.NoError(t, db.Create(conv).Error)

	record, err := svc.ReconcileConversion(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReconStatusPending, record.Status)
}

func TestReconciliationIsReadOnly(t *testing.T) {
	db := setupDB(t)
	tonClient := &fakeTonClient{state: &ton.TxState{
		Status: ton.TxStatusConfirmed,
		Amount: decimal.NewFromInt(1),
	}}
	svc := NewService(db, zap.NewNop(), tonClient)

	conv := &models.Conversion{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		TargetAmount: decimal.NewFromFloat(2.5),
		OnChainTxRef: "tx-abc",
		Status:       models.ConversionStatusCompleted,
	}
	require.NoError(t, db.Create(conv).Error)

	_, err := svc.ReconcileConversion(context.Background(), conv.ID)
	require.NoError(t, err)

	var stored models.Conversion
	require.NoError(t, db.First(&stored, "id = ?", conv.ID).Error)
	assert.Equal(t, models.ConversionStatusCompleted, stored.Status)
	assert.True(t, stored.TargetAmount.Equal(conv.TargetAmount))
}

func TestGetReport(t *testing.T) {
	db := setupDB(t)
	svc := NewService(db, zap.NewNop(), &fakeTonClient{})

	now := time.Now()
	for _, r := range []*models.ReconciliationRecord{
		{ID: uuid.New(), Status: models.ReconStatusMatched, ReconciledAt: now},
		{ID: uuid.New(), Status: models.ReconStatusMismatch, Difference: decimal.NewFromFloat(0.5), ReconciledAt: now},
		{ID: uuid.New(), Status: models.ReconStatusMismatch, Difference: decimal.NewFromFloat(-0.25), ReconciledAt: now},
		{ID: uuid.New(), Status: models.ReconStatusPending, ReconciledAt: now},
		{ID: uuid.New(), Status: models.ReconStatusMismatch, Difference: decimal.NewFromInt(9), ReconciledAt: now.Add(-48 * time.Hour)},
	} {
		require.NoError(t, db.Create(r).Error)
	}

	report, err := svc.GetReport(context.Background(), now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Matched)
	assert.EqualValues(t, 2, report.Mismatched)
	assert.EqualValues(t, 1, report.Pending)
	assert.True(t, report.TotalDrift.Equal(decimal.NewFromFloat(0.75)), report.TotalDrift.String())
	assert.Len(t, report.MismatchedIDs, 2)
}

func TestSweeps(t *testing.T) {
	db := setupDB(t)
	svc := NewService(db, zap.NewNop(), &fakeTonClient{})

	old := time.Now().Add(-2 * time.Hour)
	veryOld := time.Now().Add(-48 * time.Hour)

	require.NoError(t, db.Create(&models.Payment{
		ID: uuid.New(), UserID: uuid.New(), Status: models.PaymentStatusPending,
		StarsAmount: decimal.NewFromInt(1), ReportedAmount: decimal.NewFromInt(1),
		CreatedAt: old,
	}).Error)
	require.NoError(t, db.Create(&models.Payment{
		ID: uuid.New(), UserID: uuid.New(), Status: models.PaymentStatusCompleted,
		StarsAmount: decimal.NewFromInt(1), ReportedAmount: decimal.NewFromInt(1),
		CreatedAt: veryOld,
	}).Error)
	require.NoError(t, db.Create(&models.Conversion{
		ID: uuid.New(), UserID: uuid.New(), Status: models.ConversionStatusPhase2Committed,
		CreatedAt: old,
	}).Error)
	require.NoError(t, db.Create(&models.AtomicSwap{
		ID: uuid.New(), SellOrderID: uuid.New(), BuyOrderID: uuid.New(),
		Status: models.SwapStatusInProgress, CreatedAt: veryOld,
	}).Error)
	require.NoError(t, db.Create(&models.AtomicSwap{
		ID: uuid.New(), SellOrderID: uuid.New(), BuyOrderID: uuid.New(),
		Status: models.SwapStatusInProgress, CreatedAt: old,
	}).Error)
	require.NoError(t, db.Create(&models.Deposit{
		ID: uuid.New(), UserID: uuid.New(), Status: "pending",
		Amount: decimal.NewFromInt(5), Currency: "TON", CreatedAt: old,
	}).Error)

	payments, err := svc.StalePendingPayments(context.Background())
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	convs, err := svc.StalePendingConversions(context.Background())
	require.NoError(t, err)
	assert.Len(t, convs, 1)

	// Swaps only count as stuck after a full day.
	swaps, err := svc.StuckAtomicSwaps(context.Background())
	require.NoError(t, err)
	assert.Len(t, swaps, 1)

	deposits, err := svc.UnverifiedDeposits(context.Background())
	require.NoError(t, err)
	assert.Len(t, deposits, 1)

	require.NoError(t, svc.RunSweeps(context.Background()))
}
