package conversion

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// MinLockDuration and MaxLockDuration bound rate lock lifetimes.
	MinLockDuration = 60 * time.Second
	MaxLockDuration = 600 * time.Second
)

// ErrLockNotFound is returned when a lock id is unknown or already expired.
var ErrLockNotFound = errors.New("rate lock not found or expired")

// RateLock is an advisory price guarantee. Locks live only in process memory;
// a crash loses them, and settlement never depends on one surviving.
type RateLock struct {
	ID              uuid.UUID       `json:"id"`
	ExchangeRate    decimal.Decimal `json:"exchange_rate"`
	SourceCurrency  string          `json:"source_currency"`
	TargetCurrency  string          `json:"target_currency"`
	SourceAmount    decimal.Decimal `json:"source_amount"`
	LockedAt        time.Time       `json:"locked_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	DurationSeconds int             `json:"duration_seconds"`
}

// RateLockManager is the in-memory, self-expiring lock registry. Each lock
// schedules its own eviction and GetLock lazily evicts as well, so correctness
// does not depend on the timer firing.
type RateLockManager struct {
	mu     sync.Mutex
	locks  map[uuid.UUID]*RateLock
	timers map[uuid.UUID]*time.Timer
	nowFn  func() time.Time
}

// NewRateLockManager creates an empty registry.
func NewRateLockManager() *RateLockManager {
	return &RateLockManager{
		locks:  make(map[uuid.UUID]*RateLock),
		timers: make(map[uuid.UUID]*time.Timer),
		nowFn:  time.Now,
	}
}

// CreateLock registers a lock for the given rate and window. Duration is
// clamped into [MinLockDuration, MaxLockDuration].
func (m *RateLockManager) CreateLock(rate decimal.Decimal, sourceCurrency, targetCurrency string, sourceAmount decimal.Decimal, duration time.Duration) *RateLock {
	if duration < MinLockDuration {
		duration = MinLockDuration
	}
	if duration > MaxLockDuration {
		duration = MaxLockDuration
	}

	now := m.nowFn()
	lock := &RateLock{
		ID:              uuid.New(),
		ExchangeRate:    rate,
		SourceCurrency:  sourceCurrency,
		TargetCurrency:  targetCurrency,
		SourceAmount:    sourceAmount,
		LockedAt:        now,
		ExpiresAt:       now.Add(duration),
		DurationSeconds: int(duration.Seconds()),
	}

	m.mu.Lock()
	m.locks[lock.ID] = lock
	m.timers[lock.ID] = time.AfterFunc(duration, func() { m.evict(lock.ID) })
	m.mu.Unlock()

	return lock
}

// GetLock returns a live lock or nil, evicting it if expired. A lock is
// expired at exactly its expiry instant.
func (m *RateLockManager) GetLock(id uuid.UUID) *RateLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[id]
	if !ok {
		return nil
	}
	if !m.nowFn().Before(lock.ExpiresAt) {
		m.evictLocked(id)
		return nil
	}
	return lock
}

// IsValid reports whether the lock exists and has not expired.
func (m *RateLockManager) IsValid(id uuid.UUID) bool {
	return m.GetLock(id) != nil
}

// ExtendLock pushes a lock's expiry out by extra. It fails when the resulting
// total duration would exceed MaxLockDuration.
func (m *RateLockManager) ExtendLock(id uuid.UUID, extra time.Duration) (*RateLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[id]
	if !ok || !m.nowFn().Before(lock.ExpiresAt) {
		if ok {
			m.evictLocked(id)
		}
		return nil, ErrLockNotFound
	}

	total := time.Duration(lock.DurationSeconds)*time.Second + extra
	if total > MaxLockDuration {
		return nil, fmt.Errorf("extended duration %s exceeds maximum %s", total, MaxLockDuration)
	}

	lock.ExpiresAt = lock.ExpiresAt.Add(extra)
	lock.DurationSeconds = int(total.Seconds())
	if timer, ok := m.timers[id]; ok {
		timer.Reset(lock.ExpiresAt.Sub(m.nowFn()))
	}
	return lock, nil
}

// ReleaseLock removes a lock before its expiry.
func (m *RateLockManager) ReleaseLock(id uuid.UUID) {
	m.evict(id)
}

// ActiveLocks returns all unexpired locks.
func (m *RateLockManager) ActiveLocks() []*RateLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	out := make([]*RateLock, 0, len(m.locks))
	for _, lock := range m.locks {
		if !now.Before(lock.ExpiresAt) {
			continue
		}
		out = append(out, lock)
	}
	return out
}

// ClearExpiredLocks evicts every expired lock and returns the count removed.
func (m *RateLockManager) ClearExpiredLocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	removed := 0
	for id, lock := range m.locks {
		if !now.Before(lock.ExpiresAt) {
			m.evictLocked(id)
			removed++
		}
	}
	return removed
}

func (m *RateLockManager) evict(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(id)
}

func (m *RateLockManager) evictLocked(id uuid.UUID) {
	if timer, ok := m.timers[id]; ok {
		timer.Stop()
		delete(m.timers, id)
	}
	delete(m.locks, id)
}
