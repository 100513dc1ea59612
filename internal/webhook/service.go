// Package webhook delivers signed event notifications to user-owned callback
// URLs with at-least-once semantics and bounded retry.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/telepay/stargate/internal/config"
	"github.com/telepay/stargate/pkg/metrics"
	"github.com/telepay/stargate/pkg/models"
)

// ErrEventNotFound is returned for unknown event ids.
var ErrEventNotFound = errors.New("webhook event not found")

// backoffSchedule spaces retries; the last value repeats once exhausted.
var backoffSchedule = []time.Duration{
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// Service queues, signs and delivers webhook events.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	secret []byte
	cfg    config.WebhookConfig
	client *http.Client
}

// NewService creates the delivery service.
func NewService(db *gorm.DB, logger *zap.Logger, cfg config.WebhookConfig) *Service {
	return &Service{
		db:     db,
		logger: logger,
		secret: []byte(cfg.Secret),
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Sign computes the hex HMAC-SHA256 of payload under the deployment secret.
func (s *Service) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload, in constant
// time. Receivers use this to authenticate deliveries.
func (s *Service) VerifySignature(payload []byte, signature string) bool {
	expected, err := hex.DecodeString(s.Sign(payload))
	if err != nil {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, provided)
}

// QueueEvent persists a pending event and attempts immediate delivery.
func (s *Service) QueueEvent(ctx context.Context, userID uuid.UUID, url, event string, payload interface{}) (*models.WebhookEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	evt := &models.WebhookEvent{
		ID:          uuid.New(),
		UserID:      userID,
		WebhookURL:  url,
		Event:       event,
		Payload:     string(body),
		Signature:   s.Sign(body),
		Status:      models.WebhookStatusPending,
		MaxAttempts: s.cfg.MaxAttempts,
	}
	if err := s.db.WithContext(ctx).Create(evt).Error; err != nil {
		return nil, fmt.Errorf("failed to queue webhook event: %w", err)
	}

	if err := s.DeliverEvent(ctx, evt.ID); err != nil {
		s.logger.Warn("immediate webhook delivery failed",
			zap.String("event_id", evt.ID.String()),
			zap.Error(err))
	}

	s.db.WithContext(ctx).First(evt, "id = ?", evt.ID)
	return evt, nil
}

// Notify looks up the user's callback URL and queues an event for it. Users
// without a webhook URL are skipped silently.
func (s *Service) Notify(ctx context.Context, userID uuid.UUID, event string, payload map[string]interface{}) error {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if user.WebhookURL == "" {
		return nil
	}
	_, err = s.QueueEvent(ctx, userID, user.WebhookURL, event, payload)
	return err
}

// DeliverEvent POSTs the event to its callback URL. A 2xx marks it delivered;
// anything else schedules a retry until the attempt budget runs out.
func (s *Service) DeliverEvent(ctx context.Context, eventID uuid.UUID) error {
	var evt models.WebhookEvent
	err := s.db.WithContext(ctx).First(&evt, "id = ?", eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrEventNotFound
	}
	if err != nil {
		return err
	}
	if evt.Status != models.WebhookStatusPending {
		return nil
	}

	deliveryErr := s.post(ctx, &evt)
	now := time.Now()
	evt.Attempts++
	evt.LastAttemptAt = &now

	if deliveryErr == nil {
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		return s.db.WithContext(ctx).Model(&evt).Updates(map[string]interface{}{
			"status":          models.WebhookStatusDelivered,
			"attempts":        evt.Attempts,
			"last_attempt_at": &now,
			"delivered_at":    &now,
			"error_message":   "",
		}).Error
	}

	updates := map[string]interface{}{
		"attempts":        evt.Attempts,
		"last_attempt_at": &now,
		"error_message":   deliveryErr.Error(),
	}
	if evt.Attempts >= evt.MaxAttempts {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		updates["status"] = models.WebhookStatusFailed
		s.logger.Warn("webhook permanently failed",
			zap.String("event_id", evt.ID.String()),
			zap.Int("attempts", evt.Attempts),
			zap.Error(deliveryErr))
	} else {
		metrics.WebhookDeliveries.WithLabelValues("retry").Inc()
		next := now.Add(backoffFor(evt.Attempts))
		updates["next_retry_at"] = &next
	}
	if err := s.db.WithContext(ctx).Model(&evt).Updates(updates).Error; err != nil {
		return err
	}
	return deliveryErr
}

// backoffFor returns the delay after the given attempt count (1-based).
func backoffFor(attempts int) time.Duration {
	idx := attempts - 1
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return backoffSchedule[idx]
}

// deliveryEnvelope is the wire body receivers parse. The signature in
// X-Webhook-Signature covers only the data bytes.
type deliveryEnvelope struct {
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func (s *Service) post(ctx context.Context, evt *models.WebhookEvent) error {
	body, err := json.Marshal(deliveryEnvelope{
		Event:     evt.Event,
		Timestamp: time.Now().UnixMilli(),
		Data:      json.RawMessage(evt.Payload),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, evt.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", evt.Signature)
	req.Header.Set("X-Event-Id", evt.ID.String())
	req.Header.Set("X-Event-Type", evt.Event)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// RetryPending redelivers pending events whose retry time has passed, bounded
// to one batch per run. Run by the periodic dispatcher.
func (s *Service) RetryPending(ctx context.Context) error {
	now := time.Now()
	var events []models.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", models.WebhookStatusPending, now).
		Order("created_at ASC").
		Limit(s.cfg.RetryBatchSize).
		Find(&events).Error
	if err != nil {
		return fmt.Errorf("failed to load pending webhooks: %w", err)
	}

	for _, evt := range events {
		if err := s.DeliverEvent(ctx, evt.ID); err != nil {
			s.logger.Debug("webhook retry failed",
				zap.String("event_id", evt.ID.String()),
				zap.Error(err))
		}
	}
	return nil
}

// Stats summarizes delivery outcomes.
type Stats struct {
	Pending   int64 `json:"pending"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// GetStats counts events by status.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	for status, dst := range map[string]*int64{
		models.WebhookStatusPending:   &stats.Pending,
		models.WebhookStatusDelivered: &stats.Delivered,
		models.WebhookStatusFailed:    &stats.Failed,
	} {
		err := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
			Where("status = ?", status).
			Count(dst).Error
		if err != nil {
			return nil, fmt.Errorf("failed to count webhook events: %w", err)
		}
	}
	return &stats, nil
}

// ListEvents pages through a user's events, newest first.
func (s *Service) ListEvents(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.WebhookEvent, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var total int64
	q := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []models.WebhookEvent
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&events).Error
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}
