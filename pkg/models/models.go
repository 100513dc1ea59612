package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment statuses. A payment is created by the upstream payment webhook as
// pending, becomes received once acknowledged, converting while referenced by
// an in-flight conversion, and completed (or back to received) on the
// conversion's terminal outcome.
const (
	PaymentStatusPending    = "pending"
	PaymentStatusReceived   = "received"
	PaymentStatusConverting = "converting"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
)

// Conversion statuses mirror the conversion state machine states.
const (
	ConversionStatusPending         = "pending"
	ConversionStatusRateLocked      = "rate_locked"
	ConversionStatusPhase1Prepared  = "phase1_prepared"
	ConversionStatusPhase2Committed = "phase2_committed"
	ConversionStatusPhase2Queued    = "phase2_queued"
	ConversionStatusPhase3Confirmed = "phase3_confirmed"
	ConversionStatusInProgress      = "in_progress"
	ConversionStatusConfirmed       = "confirmed"
	ConversionStatusCompleted       = "completed"
	ConversionStatusFailed          = "failed"
)

// StarsOrder statuses and sides.
const (
	OrderStatusOpen      = "open"
	OrderStatusMatched   = "matched"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"

	OrderTypeBuy  = "buy"
	OrderTypeSell = "sell"
)

// AtomicSwap statuses.
const (
	SwapStatusInitiated  = "initiated"
	SwapStatusInProgress = "in_progress"
	SwapStatusCompleted  = "completed"
	SwapStatusFailed     = "failed"
)

// ReconciliationRecord statuses and types.
const (
	ReconStatusMatched  = "matched"
	ReconStatusMismatch = "mismatch"
	ReconStatusPending  = "pending"

	ReconTypePayment    = "payment"
	ReconTypeConversion = "conversion"
)

// WebhookEvent statuses.
const (
	WebhookStatusPending   = "pending"
	WebhookStatusDelivered = "delivered"
	WebhookStatusFailed    = "failed"
)

// FeeCollection statuses.
const (
	FeeStatusPending     = "pending"
	FeeStatusCollected   = "collected"
	FeeStatusTransferred = "transferred"
)

// UUIDList stores an ordered set of UUIDs as a JSON text column.
type UUIDList []uuid.UUID

// Value implements driver.Valuer.
func (l UUIDList) Value() (driver.Value, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *UUIDList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported type for UUIDList: %T", value)
	}
}

// FeeBreakdown is the per-conversion fee decomposition, persisted as JSON.
type FeeBreakdown struct {
	Platform           decimal.Decimal `json:"platform"`
	Network            decimal.Decimal `json:"network"`
	Total              decimal.Decimal `json:"total"`
	PlatformPercentage decimal.Decimal `json:"platform_percentage"`
}

// Value implements driver.Valuer.
func (f FeeBreakdown) Value() (driver.Value, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (f *FeeBreakdown) Scan(value interface{}) error {
	if value == nil {
		*f = FeeBreakdown{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	default:
		return fmt.Errorf("unsupported type for FeeBreakdown: %T", value)
	}
}

// User holds the per-user settings the engine needs: where to deliver webhook
// notifications and where to send settled TON.
type User struct {
	ID               uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	AppName          string    `json:"app_name"`
	WebhookURL       string    `json:"webhook_url"`
	TonWalletAddress string    `json:"ton_wallet_address"`
	IsActive         bool      `json:"is_active" gorm:"default:true"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Payment is an upstream Stars payment credited to a user. ReportedAmount is
// the amount carried by the originating payment webhook payload; the
// reconciliation auditor compares it against StarsAmount with zero tolerance.
type Payment struct {
	ID                uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID            uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	TelegramPaymentID string          `json:"telegram_payment_id" gorm:"index"`
	StarsAmount       decimal.Decimal `json:"stars_amount" gorm:"type:decimal(30,10)"`
	ReportedAmount    decimal.Decimal `json:"reported_amount" gorm:"type:decimal(30,10)"`
	Status            string          `json:"status" gorm:"index"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Conversion is a Stars->TON conversion. Once created, SourceAmount,
// PaymentIDs and SourceCurrency never change; Status mutates only through the
// conversion state machine.
type Conversion struct {
	ID                uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID            uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	PaymentIDs        UUIDList        `json:"payment_ids" gorm:"type:text"`
	SourceCurrency    string          `json:"source_currency"`
	TargetCurrency    string          `json:"target_currency"`
	SourceAmount      decimal.Decimal `json:"source_amount" gorm:"type:decimal(30,10)"`
	TargetAmount      decimal.Decimal `json:"target_amount" gorm:"type:decimal(30,10)"`
	ExchangeRate      decimal.Decimal `json:"exchange_rate" gorm:"type:decimal(30,10)"`
	RateLockedUntil   *time.Time      `json:"rate_locked_until"`
	Status            string          `json:"status" gorm:"index"`
	FeeBreakdown      FeeBreakdown    `json:"fee_breakdown" gorm:"type:text"`
	PlatformFeeAmount decimal.Decimal `json:"platform_fee_amount" gorm:"type:decimal(30,10)"`
	OnChainTxRef      string          `json:"on_chain_tx_ref"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at"`
}

// StarsOrder is a resting P2P order. A sell offers StarsAmount at a minimum
// acceptable rate; a buy offers TonAmount at a maximum acceptable rate.
type StarsOrder struct {
	ID     uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	UserID uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	// ConversionID links orders posted by the liquidity router back to the
	// conversion they settle.
	ConversionID *uuid.UUID      `json:"conversion_id,omitempty" gorm:"type:uuid;index"`
	Type         string          `json:"type" gorm:"index"`
	StarsAmount  decimal.Decimal `json:"stars_amount" gorm:"type:decimal(30,10)"`
	TonAmount    decimal.Decimal `json:"ton_amount" gorm:"type:decimal(30,10)"`
	Rate         decimal.Decimal `json:"rate" gorm:"type:decimal(30,10)"`
	Status       string          `json:"status" gorm:"index"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at"`
}

// AtomicSwap pairs exactly one sell order with one buy order. The unique
// indexes on the order id columns enforce at-most-one-match-per-order at the
// storage layer on top of the transactional status flip.
type AtomicSwap struct {
	ID              uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	SellOrderID     uuid.UUID  `json:"sell_order_id" gorm:"type:uuid;uniqueIndex"`
	BuyOrderID      uuid.UUID  `json:"buy_order_id" gorm:"type:uuid;uniqueIndex"`
	Status          string     `json:"status" gorm:"index"`
	TonTransferTx   string     `json:"ton_transfer_tx"`
	StarsTransferID string     `json:"stars_transfer_id"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

// ReconciliationRecord is an append-only audit row; never mutated after
// creation.
type ReconciliationRecord struct {
	ID                 uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	PaymentID          *uuid.UUID      `json:"payment_id" gorm:"type:uuid;index"`
	ConversionID       *uuid.UUID      `json:"conversion_id" gorm:"type:uuid;index"`
	ExpectedAmount     decimal.Decimal `json:"expected_amount" gorm:"type:decimal(30,10)"`
	ActualAmount       decimal.Decimal `json:"actual_amount" gorm:"type:decimal(30,10)"`
	Difference         decimal.Decimal `json:"difference" gorm:"type:decimal(30,10)"`
	Status             string          `json:"status" gorm:"index"`
	ReconciliationType string          `json:"reconciliation_type"`
	ExternalReference  string          `json:"external_reference"`
	ReconciledAt       time.Time       `json:"reconciled_at"`
	CreatedAt          time.Time       `json:"created_at"`
}

// WebhookEvent is one notifiable state change queued for at-least-once
// delivery to a user-owned callback URL.
type WebhookEvent struct {
	ID            uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	UserID        uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	WebhookURL    string     `json:"webhook_url"`
	Event         string     `json:"event"`
	Payload       string     `json:"payload" gorm:"type:text"`
	Signature     string     `json:"signature"`
	Status        string     `json:"status" gorm:"index"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at"`
	NextRetryAt   *time.Time `json:"next_retry_at" gorm:"index"`
	DeliveredAt   *time.Time `json:"delivered_at"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// PlatformConfig is the single-row fee/limits configuration consumed by the
// orchestrator. The latest row wins.
type PlatformConfig struct {
	ID                      uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	PlatformFeePercentage   decimal.Decimal `json:"platform_fee_percentage" gorm:"type:decimal(30,10)"`
	NetworkFeeAmount        decimal.Decimal `json:"network_fee_amount" gorm:"type:decimal(30,10)"`
	MinConversionAmount     decimal.Decimal `json:"min_conversion_amount" gorm:"type:decimal(30,10)"`
	MaxConversionAmount     decimal.Decimal `json:"max_conversion_amount" gorm:"type:decimal(30,10)"`
	RateLockDurationSeconds int             `json:"rate_lock_duration_seconds"`
	PlatformWalletAddress   string          `json:"platform_wallet_address"`
	StarsUSDRate            decimal.Decimal `json:"stars_usd_rate" gorm:"type:decimal(30,10)"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// FeeCollection tracks the platform fee charged on one conversion, from
// recording at creation to collection once the settlement transaction
// confirms.
type FeeCollection struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	ConversionID   uuid.UUID       `json:"conversion_id" gorm:"type:uuid;index"`
	UserID         uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	FeeAmountStars decimal.Decimal `json:"fee_amount_stars" gorm:"type:decimal(30,10)"`
	FeeAmountTon   decimal.Decimal `json:"fee_amount_ton" gorm:"type:decimal(30,10)"`
	TonUSDRate     decimal.Decimal `json:"ton_usd_rate" gorm:"type:decimal(30,10)"`
	Status         string          `json:"status" gorm:"index"`
	TxHash         string          `json:"tx_hash"`
	CollectedAt    *time.Time      `json:"collected_at"`
	TransferredAt  *time.Time      `json:"transferred_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Deposit is an externally observed on-chain deposit awaiting confirmation.
// Tracked only so the reconciliation sweeps can flag unverified ones.
type Deposit struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:decimal(30,10)"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status" gorm:"index"`
	TxHash    string          `json:"tx_hash"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AllModels lists every model for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Payment{},
		&Conversion{},
		&StarsOrder{},
		&AtomicSwap{},
		&ReconciliationRecord{},
		&WebhookEvent{},
		&PlatformConfig{},
		&FeeCollection{},
		&Deposit{},
	}
}
