package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/techcsc21/trade4u-sub030/libs/auth"
	"github.com/techcsc21/trade4u-sub030/libs/ledger"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/escrow"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/offers"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/reaper"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/storage"
)

type OfferService interface {
	CreateOffer(ctx context.Context, in offers.CreateOfferInput) (*storage.Offer, error)
	GetOffer(ctx context.Context, offerID uuid.UUID) (*storage.Offer, error)
}

type TradeService interface {
	GetTrade(ctx context.Context, tradeID, userID uuid.UUID) (*storage.Trade, error)
	ConfirmPayment(ctx context.Context, tradeID, buyerID uuid.UUID) (*storage.Trade, error)
	Release(ctx context.Context, tradeID, sellerID uuid.UUID) (*storage.Trade, error)
	Cancel(ctx context.Context, tradeID, actorID uuid.UUID) (*storage.Trade, error)
}

type ReputationReader interface {
	GetReputation(ctx context.Context, userID uuid.UUID) (*storage.Reputation, error)
}

type Reaper interface {
	RunOnce(ctx context.Context) reaper.Report
}

type Handler struct {
	Offers     OfferService
	Trades     TradeService
	Reputation ReputationReader
	Reaper     Reaper
	Logger     *slog.Logger
}

type createOfferRequest struct {
	Type         string `json:"type"`
	Currency     string `json:"currency"`
	WalletType   string `json:"wallet_type"`
	Total        string `json:"total"`
	Min          string `json:"min"`
	Max          string `json:"max"`
	PriceModel   string `json:"price_model"`
	Price        string `json:"price"`
	FiatCurrency string `json:"fiat_currency"`
	Terms        string `json:"terms"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Reasons []string          `json:"reasons,omitempty"`
	Fields  []fieldError      `json:"fields,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

func New(offerSvc OfferService, tradeSvc TradeService, reputation ReputationReader, sweeper Reaper, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Offers: offerSvc, Trades: tradeSvc, Reputation: reputation, Reaper: sweeper, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/", auth.Middleware(jwtSecret))
	group.POST("/p2p/offers", h.CreateOffer)
	group.GET("/p2p/offers/:id", h.GetOffer)
	group.GET("/p2p/trades/:id", h.GetTrade)
	group.POST("/p2p/trades/:id/payment", h.ConfirmPayment)
	group.POST("/p2p/trades/:id/release", h.Release)
	group.POST("/p2p/trades/:id/cancel", h.Cancel)
	group.GET("/p2p/users/:id/reputation", h.GetReputation)

	admin := r.Group("/admin", auth.Middleware(jwtSecret), auth.RequireRole("admin"))
	admin.POST("/reaper/run", h.RunReaper)
}

func (h *Handler) CreateOffer(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	var req createOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil, nil, nil)
		return
	}

	var fields []fieldError
	parse := func(field, value string) decimal.Decimal {
		d, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			fields = append(fields, fieldError{Field: field, Message: "must be a decimal number"})
		}
		return d
	}
	total := parse("total", req.Total)
	minAmount := parse("min", req.Min)
	maxAmount := parse("max", req.Max)
	price := parse("price", req.Price)
	if len(fields) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", nil, fields, nil)
		return
	}

	offer, err := h.Offers.CreateOffer(c.Request.Context(), offers.CreateOfferInput{
		UserID:       userID,
		Type:         req.Type,
		Currency:     req.Currency,
		WalletType:   req.WalletType,
		Total:        total,
		Min:          minAmount,
		Max:          maxAmount,
		PriceModel:   req.PriceModel,
		PriceValue:   price,
		FiatCurrency: req.FiatCurrency,
		Terms:        req.Terms,
	})
	if err != nil {
		h.writeServiceError(c, "create offer failed", err)
		return
	}
	c.JSON(http.StatusCreated, offer)
}

func (h *Handler) GetOffer(c *gin.Context) {
	offerID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid offer id", nil, nil, nil)
		return
	}
	offer, err := h.Offers.GetOffer(c.Request.Context(), offerID)
	if err != nil {
		h.writeServiceError(c, "get offer failed", err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *Handler) GetTrade(c *gin.Context) {
	h.tradeAction(c, "get trade failed", h.Trades.GetTrade)
}

func (h *Handler) ConfirmPayment(c *gin.Context) {
	h.tradeAction(c, "confirm payment failed", h.Trades.ConfirmPayment)
}

func (h *Handler) Release(c *gin.Context) {
	h.tradeAction(c, "release escrow failed", h.Trades.Release)
}

func (h *Handler) Cancel(c *gin.Context) {
	h.tradeAction(c, "cancel trade failed", h.Trades.Cancel)
}

func (h *Handler) tradeAction(c *gin.Context, msg string, action func(ctx context.Context, tradeID, userID uuid.UUID) (*storage.Trade, error)) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}
	tradeID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id", nil, nil, nil)
		return
	}

	trade, err := action(c.Request.Context(), tradeID, userID)
	if err != nil {
		h.writeServiceError(c, msg, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

func (h *Handler) GetReputation(c *gin.Context) {
	userID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid user id", nil, nil, nil)
		return
	}
	rep, err := h.Reputation.GetReputation(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusOK, storage.Reputation{UserID: userID, Score: decimal.Zero, AvgRating: decimal.Zero})
			return
		}
		h.Logger.Error("get reputation failed", "user_id", userID, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) RunReaper(c *gin.Context) {
	report := h.Reaper.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, report)
}

func (h *Handler) writeServiceError(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, escrow.ErrTradeNotFound):
		writeError(c, http.StatusNotFound, "TRADE_NOT_FOUND", "trade not found", nil, nil, nil)
	case errors.Is(err, offers.ErrOfferNotFound):
		writeError(c, http.StatusNotFound, "OFFER_NOT_FOUND", "offer not found", nil, nil, nil)
	case errors.Is(err, escrow.ErrAlreadyFinal):
		writeError(c, http.StatusBadRequest, "ALREADY_FINAL", err.Error(), nil, nil, nil)
	case errors.Is(err, escrow.ErrInvalidTransition):
		writeError(c, http.StatusBadRequest, "INVALID_TRANSITION", err.Error(), nil, nil, nil)
	case errors.Is(err, escrow.ErrNotParticipant):
		writeError(c, http.StatusForbidden, "FORBIDDEN", err.Error(), nil, nil, nil)
	case errors.Is(err, escrow.ErrFeeExceedsAmount):
		writeError(c, http.StatusConflict, "INVALID_TRADE_FEES", err.Error(), nil, nil, nil)
	case errors.Is(err, escrow.ErrInProgress):
		writeError(c, http.StatusConflict, "OPERATION_IN_PROGRESS", "operation already in progress, retry later", nil, nil, nil)
	case errors.Is(err, offers.ErrInvalidOffer):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil, nil, nil)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		var details map[string]string
		var insufficient *ledger.InsufficientFundsError
		if errors.As(err, &insufficient) {
			details = insufficient.Details()
		}
		writeError(c, http.StatusBadRequest, "INSUFFICIENT_BALANCE", err.Error(), nil, nil, details)
	case errors.Is(err, ledger.ErrWalletNotFound):
		writeError(c, http.StatusBadRequest, "INSUFFICIENT_BALANCE", "wallet not found", nil, nil, nil)
	default:
		h.Logger.Error(msg, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
	}
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

func writeError(c *gin.Context, status int, code, message string, reasons []string, fields []fieldError, details map[string]string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
		Reasons: reasons,
		Fields:  fields,
		Details: details,
	})
}
