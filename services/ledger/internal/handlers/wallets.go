package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/techcsc21/trade4u-sub030/libs/auth"
	"github.com/techcsc21/trade4u-sub030/services/ledger/internal/service"
)

type WalletService interface {
	ListWallets(ctx context.Context, userID uuid.UUID) ([]service.WalletView, error)
	GetWallet(ctx context.Context, userID uuid.UUID, walletType, currency string) (*service.WalletView, error)
	ListEntries(ctx context.Context, userID uuid.UUID, q service.EntryQuery) (*service.EntryPage, error)
}

type Handler struct {
	Service WalletService
	Logger  *slog.Logger
}

type listWalletsResponse struct {
	Wallets []service.WalletView `json:"wallets"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(svc WalletService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/wallets", auth.Middleware(jwtSecret))
	group.GET("", h.ListWallets)
	group.GET("/entries", h.ListEntries)
	group.GET("/:type/:currency", h.GetWallet)
}

func (h *Handler) ListWallets(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	wallets, err := h.Service.ListWallets(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, "list wallets failed", err)
		return
	}
	c.JSON(http.StatusOK, listWalletsResponse{Wallets: wallets})
}

func (h *Handler) GetWallet(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	wallet, err := h.Service.GetWallet(c.Request.Context(), userID, c.Param("type"), c.Param("currency"))
	if err != nil {
		h.writeServiceError(c, "get wallet failed", err)
		return
	}
	c.JSON(http.StatusOK, wallet)
}

func (h *Handler) ListEntries(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	q := service.EntryQuery{
		Currency: c.Query("currency"),
		Before:   c.Query("cursor"),
	}
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
			return
		}
		q.Limit = n
	}

	page, err := h.Service.ListEntries(c.Request.Context(), userID, q)
	if err != nil {
		h.writeServiceError(c, "list entries failed", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) writeServiceError(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, service.ErrWalletNotFound):
		writeError(c, http.StatusNotFound, "WALLET_NOT_FOUND", "wallet not found")
	case errors.Is(err, service.ErrInvalidQuery):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	default:
		h.Logger.Error(msg, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}
