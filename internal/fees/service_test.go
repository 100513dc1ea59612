package fees

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

	"github.com/telepay/stargate/pkg/models"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=private"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

func seedConfig(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Create(&models.PlatformConfig{
		ID:                    uuid.New(),
		PlatformFeePercentage: decimal.NewFromFloat(2.5),
		NetworkFeeAmount:      decimal.NewFromInt(1),
		MinConversionAmount:   decimal.NewFromInt(100),
		StarsUSDRate:          decimal.NewFromFloat(0.013),
	}).Error)
}

func TestCalculateBreakdown(t *testing.T) {
	db := setupDB(t)
	seedConfig(t, db)
	svc := NewService(db, zap.NewNop())

	b, err := svc.CalculateBreakdown(context.Background(), decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.True(t, b.Platform.Equal(decimal.NewFromInt(25)), b.Platform.String())
	assert.True(t, b.Network.Equal(decimal.NewFromInt(1)))
	assert.True(t, b.Total.Equal(decimal.NewFromInt(26)))
	assert.True(t, b.PlatformPercentage.Equal(decimal.NewFromFloat(2.5)))
}

func TestGetConfigMissing(t *testing.T) {
	svc := NewService(setupDB(t), zap.NewNop())
	_, err := svc.GetConfig(context.Background())
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestGetConfigCaches(t *testing.T) {
	db := setupDB(t)
	seedConfig(t, db)
	svc := NewService(db, zap.NewNop())

	first, err := svc.GetConfig(context.Background())
	require.NoError(t, err)

	// A newer row is invisible until the cache expires.
	require.NoError(t, db.Create(&models.PlatformConfig{
		ID:                    uuid.New(),
		PlatformFeePercentage: decimal.NewFromInt(5),
		CreatedAt:             time.Now().Add(time.Minute),
	}).Error)

	cached, err := svc.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.ID, cached.ID)

	svc.cacheTTL = 0
	fresh, err := svc.GetConfig(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestFeeLifecycle(t *testing.T) {
	db := setupDB(t)
	seedConfig(t, db)
	svc := NewService(db, zap.NewNop())

	conversionID := uuid.New()
	userID := uuid.New()
	fee, err := svc.RecordFee(context.Background(), conversionID, userID,
		decimal.NewFromInt(25), decimal.NewFromFloat(0.0625), decimal.NewFromFloat(5.2))
	require.NoError(t, err)
	assert.Equal(t, models.FeeStatusPending, fee.Status)

	require.NoError(t, svc.MarkCollected(context.Background(), conversionID, "tx-123"))

	var stored models.FeeCollection
	require.NoError(t, db.First(&stored, "id = ?", fee.ID).Error)
	assert.Equal(t, models.FeeStatusCollected, stored.Status)
	assert.Equal(t, "tx-123", stored.TxHash)
	require.NotNil(t, stored.CollectedAt)

	// Collecting again is a logged no-op.
	require.NoError(t, svc.MarkCollected(context.Background(), conversionID, "tx-456"))
	require.NoError(t, db.First(&stored, "id = ?", fee.ID).Error)
	assert.Equal(t, "tx-123", stored.TxHash)
}

func TestSummaryAndRevenue(t *testing.T) {
	db := setupDB(t)
	seedConfig(t, db)
	svc := NewService(db, zap.NewNop())

	for i := 0; i < 3; i++ {
		fee, err := svc.RecordFee(context.Background(), uuid.New(), uuid.New(),
			decimal.NewFromInt(10), decimal.NewFromFloat(0.025), decimal.NewFromFloat(5.2))
		require.NoError(t, err)
		if i < 2 {
			require.NoError(t, svc.MarkCollected(context.Background(), fee.ConversionID, "tx"))
		}
	}

	stars, tonAmount, err := svc.Summary(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, stars.Equal(decimal.NewFromInt(30)), stars.String())
	assert.True(t, tonAmount.Equal(decimal.NewFromFloat(0.075)), tonAmount.String())

	stars, _, err = svc.TotalRevenue(context.Background())
	require.NoError(t, err)
	assert.True(t, stars.Equal(decimal.NewFromInt(20)), stars.String())
}
