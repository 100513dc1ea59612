package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/telepay/stargate/internal/conversion"
	"github.com/telepay/stargate/internal/fees"
	"github.com/telepay/stargate/internal/p2p"
	"github.com/telepay/stargate/internal/reconciliation"
)

type quoteRequest struct {
	StarsAmount    decimal.Decimal `json:"stars_amount" binding:"required"`
	TargetCurrency string          `json:"target_currency"`
}

type lockRateRequest struct {
	StarsAmount     decimal.Decimal `json:"stars_amount" binding:"required"`
	TargetCurrency  string          `json:"target_currency"`
	DurationSeconds int             `json:"duration_seconds"`
}

type createConversionRequest struct {
	PaymentIDs     []uuid.UUID `json:"payment_ids" binding:"required"`
	TargetCurrency string      `json:"target_currency"`
	RateLockID     *uuid.UUID  `json:"rate_lock_id"`
}

type sellOrderRequest struct {
	StarsAmount decimal.Decimal `json:"stars_amount" binding:"required"`
	Rate        decimal.Decimal `json:"rate" binding:"required"`
}

type buyOrderRequest struct {
	TonAmount decimal.Decimal `json:"ton_amount" binding:"required"`
	Rate      decimal.Decimal `json:"rate" binding:"required"`
}

func targetOrDefault(currency string) string {
	if currency == "" {
		return "TON"
	}
	return currency
}

// handleGetQuote prices a conversion at the current aggregated rate.
func (s *Server) handleGetQuote(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	quote, err := s.conversionSvc.GetQuote(c.Request.Context(), req.StarsAmount, "XTR", targetOrDefault(req.TargetCurrency))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// handleLockRate locks the current rate for a bounded window.
func (s *Server) handleLockRate(c *gin.Context) {
	var req lockRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, lock, err := s.conversionSvc.LockRate(
		c.Request.Context(),
		currentUser(c),
		req.StarsAmount,
		targetOrDefault(req.TargetCurrency),
		time.Duration(req.DurationSeconds)*time.Second,
	)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversion": conv, "lock": lock})
}

// handleCreateConversion creates a conversion and kicks off settlement in the
// background; the response never waits for on-chain confirmation.
func (s *Server) handleCreateConversion(c *gin.Context) {
	var req createConversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := s.conversionSvc.CreateConversion(
		c.Request.Context(),
		currentUser(c),
		req.PaymentIDs,
		targetOrDefault(req.TargetCurrency),
		req.RateLockID,
	)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, conv)
}

func (s *Server) handleGetConversion(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversion id"})
		return
	}

	conv, err := s.conversionSvc.GetConversion(c.Request.Context(), currentUser(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleGetConversionProgress(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversion id"})
		return
	}

	progress, err := s.conversionSvc.GetProgress(c.Request.Context(), currentUser(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (s *Server) handleListConversions(c *gin.Context) {
	limit, offset := pageParams(c)
	convs, total, err := s.conversionSvc.ListConversions(c.Request.Context(), currentUser(c), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversions": convs, "total": total})
}

func (s *Server) handleCreateSellOrder(c *gin.Context) {
	var req sellOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := s.p2pSvc.CreateSellOrder(c.Request.Context(), currentUser(c), req.StarsAmount, req.Rate)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) handleCreateBuyOrder(c *gin.Context) {
	var req buyOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := s.p2pSvc.CreateBuyOrder(c.Request.Context(), currentUser(c), req.TonAmount, req.Rate)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) handleListOrders(c *gin.Context) {
	limit, offset := pageParams(c)
	orders, total, err := s.p2pSvc.ListOrders(c.Request.Context(), currentUser(c), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "total": total})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	order, err := s.p2pSvc.GetOrder(c.Request.Context(), currentUser(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	if err := s.p2pSvc.CancelOrder(c.Request.Context(), currentUser(c), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) handleListWebhookEvents(c *gin.Context) {
	limit, offset := pageParams(c)
	events, total, err := s.webhookSvc.ListEvents(c.Request.Context(), currentUser(c), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": total})
}

func (s *Server) handleWebhookStats(c *gin.Context) {
	stats, err := s.webhookSvc.GetStats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleReconciliationReport summarizes audit outcomes over a time window,
// defaulting to the last 24 hours.
func (s *Server) handleReconciliationReport(c *gin.Context) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
			return
		}
		to = parsed
	}

	report, err := s.reconSvc.GetReport(c.Request.Context(), from, to)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleReconcilePayment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment id"})
		return
	}

	record, err := s.reconSvc.ReconcilePayment(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (s *Server) handleReconcileConversion(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversion id"})
		return
	}

	record, err := s.reconSvc.ReconcileConversion(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (s *Server) handleFeeSummary(c *gin.Context) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
			return
		}
		to = parsed
	}

	stars, tonAmount, err := s.feeSvc.Summary(c.Request.Context(), from, to)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_stars": stars, "total_ton": tonAmount, "from": from, "to": to})
}

func (s *Server) handleFeeRevenue(c *gin.Context) {
	stars, tonAmount, err := s.feeSvc.TotalRevenue(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_stars": stars, "total_ton": tonAmount})
}

func pageParams(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// writeError maps service errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	var invalid *conversion.ErrInvalidTransition
	switch {
	case errors.Is(err, conversion.ErrConversionNotFound),
		errors.Is(err, p2p.ErrOrderNotFound),
		errors.Is(err, reconciliation.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, conversion.ErrMinimumAmountNotMet),
		errors.Is(err, conversion.ErrMaximumAmountExceeded),
		errors.Is(err, conversion.ErrPaymentNotEligible),
		errors.Is(err, p2p.ErrInvalidOrder),
		errors.Is(err, fees.ErrConfigNotFound):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, p2p.ErrOrderNotOpen), errors.As(err, &invalid):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
