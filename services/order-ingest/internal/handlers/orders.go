package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/techcsc21/trade4u-sub030/libs/auth"
	"github.com/techcsc21/trade4u-sub030/libs/httpmiddleware"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/service"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/storage"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/validation"
)

type OrderService interface {
	PlaceOrder(ctx context.Context, input service.PlaceOrderInput) (*service.PlaceOrderResult, error)
	CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error)
	GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error)
}

type Handler struct {
	Service OrderService
	Logger  *slog.Logger
}

type createOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	Amount        string `json:"amount"`
}

type createOrderResponse struct {
	Order    storage.Order `json:"order"`
	Role     string        `json:"role,omitempty"`
	Existing bool          `json:"existing"`
}

type listOrdersResponse struct {
	Orders     []storage.Order `json:"orders"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Reasons []string                `json:"reasons,omitempty"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
	Details map[string]string       `json:"details,omitempty"`
}

func New(service OrderService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: service, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/", auth.Middleware(jwtSecret))
	group.POST("/orders", h.CreateOrder)
	group.GET("/orders", h.ListOrders)
	group.GET("/orders/:id", h.GetOrder)
	group.DELETE("/orders/:id", h.CancelOrder)
}

func (h *Handler) CreateOrder(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil, nil, nil)
		return
	}

	parsed, errs := validation.ValidateOrderRequest(req.Symbol, req.Side, req.Type, req.Amount, req.Price)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", nil, errs, nil)
		return
	}

	clientOrderID := strings.TrimSpace(req.ClientOrderID)
	if headerKey := strings.TrimSpace(c.GetHeader("Idempotency-Key")); headerKey != "" {
		clientOrderID = headerKey
	}

	result, err := h.Service.PlaceOrder(c.Request.Context(), service.PlaceOrderInput{
		UserID:        userID,
		ClientOrderID: clientOrderID,
		Symbol:        parsed.Symbol,
		Side:          parsed.Side,
		Type:          parsed.Type,
		Amount:        parsed.Amount,
		Price:         parsed.Price,
		CorrelationID: httpmiddleware.RequestIDFrom(c),
	})
	if err != nil {
		h.writeServiceError(c, "place order failed", err)
		return
	}
	if result == nil || result.Order == nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	c.JSON(status, createOrderResponse{Order: *result.Order, Role: result.Role, Existing: result.Existing})
}

func (h *Handler) ListOrders(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	filter := storage.OrderFilter{
		Status: strings.ToUpper(strings.TrimSpace(c.Query("status"))),
		Cursor: strings.TrimSpace(c.Query("cursor")),
	}
	if symbol := strings.TrimSpace(c.Query("symbol")); symbol != "" {
		filter.Symbol = validation.NormalizeSymbol(symbol)
	}

	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil, nil, nil)
			return
		}
		filter.Limit = n
	}

	if fromStr := strings.TrimSpace(c.Query("from")); fromStr != "" {
		parsed, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid from", nil, nil, nil)
			return
		}
		filter.From = &parsed
	}
	if toStr := strings.TrimSpace(c.Query("to")); toStr != "" {
		parsed, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid to", nil, nil, nil)
			return
		}
		filter.To = &parsed
	}

	orders, nextCursor, err := h.Service.ListOrders(c.Request.Context(), userID, filter)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid cursor", nil, nil, nil)
			return
		}
		h.Logger.Error("list orders failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}
	if orders == nil {
		orders = []storage.Order{}
	}

	c.JSON(http.StatusOK, listOrdersResponse{Orders: orders, NextCursor: nextCursor})
}

func (h *Handler) GetOrder(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id", nil, nil, nil)
		return
	}

	order, err := h.Service.GetOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		h.writeServiceError(c, "get order failed", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) CancelOrder(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id", nil, nil, nil)
		return
	}

	order, err := h.Service.CancelOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		h.writeServiceError(c, "cancel order failed", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// writeServiceError maps admission and lookup errors onto the API error
// codes. Unknown errors are logged and surfaced generically.
func (h *Handler) writeServiceError(c *gin.Context, msg string, err error) {
	details := service.DetailsOf(err)
	switch {
	case errors.Is(err, service.ErrReservationFailed):
		h.Logger.Error(msg, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "order could not be reserved", nil, nil, nil)
	case errors.Is(err, service.ErrInsufficientFunds):
		writeError(c, http.StatusBadRequest, "INSUFFICIENT_BALANCE", err.Error(), nil, nil, details)
	case errors.Is(err, service.ErrSelfMatch):
		writeError(c, http.StatusConflict, "SELF_MATCH", err.Error(), nil, nil, details)
	case errors.Is(err, service.ErrNoLiquidity):
		writeError(c, http.StatusUnprocessableEntity, "NO_LIQUIDITY", err.Error(), nil, nil, details)
	case errors.Is(err, service.ErrInvalidOrder),
		errors.Is(err, service.ErrAmountOutOfBounds),
		errors.Is(err, service.ErrPriceOutOfBounds),
		errors.Is(err, service.ErrCostOutOfBounds):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil, nil, details)
	case errors.Is(err, service.ErrOrderNotFound):
		writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil, nil, nil)
	case errors.Is(err, service.ErrNotCancellable):
		writeError(c, http.StatusBadRequest, "INVALID_TRANSITION", "order is not open", nil, nil, nil)
	case errors.Is(err, service.ErrMarketConfig):
		h.Logger.Error(msg, "error", err)
		writeError(c, http.StatusInternalServerError, "MARKET_CONFIG_ERROR", "market is not configured", nil, nil, nil)
	case errors.Is(err, service.ErrOrderBookUnavailable):
		h.Logger.Warn(msg, "error", err)
		writeError(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "order book unavailable, retry later", nil, nil, nil)
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

func writeError(c *gin.Context, status int, code, message string, reasons []string, fields []validation.FieldError, details map[string]string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
		Reasons: reasons,
		Fields:  fields,
		Details: details,
	})
}
