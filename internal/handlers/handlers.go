package handlers

import (
	"net/http"
	"strings"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/rtbfoundry/bankerd/internal/banker"
	"github.com/rtbfoundry/bankerd/internal/ledger"
)

type Handler struct {
	Banker *banker.Banker
	Logger *slog.Logger
}

func New(b *banker.Banker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Banker: b, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.POST("/accounts", h.AddAccount)
	v1.GET("/accounts", h.ListAccounts)
	v1.PUT("/rate", h.SetRate)
	v1.PUT("/debug", h.SetDebug)
	v1.GET("/status", h.Status)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type addAccountRequest struct {
	Account string `json:"account"`
}

type listAccountsResponse struct {
	Accounts []ledger.Record `json:"accounts"`
}

type setRateRequest struct {
	MicroUSD int64 `json:"usd_1m"`
}

type setDebugRequest struct {
	Enabled bool `json:"enabled"`
}

// AddAccount queues a remote account key for lazy registration. Always
// accepted: registration completes in the background.
func (h *Handler) AddAccount(c *gin.Context) {
	var req addAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid body"})
		return
	}
	account := strings.TrimSpace(req.Account)
	if account == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "account is required"})
		return
	}

	h.Banker.AddAccount(account)
	c.JSON(http.StatusAccepted, gin.H{"account": account})
}

func (h *Handler) ListAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, listAccountsResponse{Accounts: h.Banker.Snapshot()})
}

func (h *Handler) SetRate(c *gin.Context) {
	var req setRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid body"})
		return
	}
	if req.MicroUSD <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "usd_1m must be positive"})
		return
	}

	h.Banker.SetSpendRate(ledger.MicroUSD(req.MicroUSD))
	h.Logger.Info("spend rate updated", "usd_1m", req.MicroUSD)
	c.JSON(http.StatusOK, gin.H{"usd_1m": req.MicroUSD})
}

func (h *Handler) SetDebug(c *gin.Context) {
	var req setDebugRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid body"})
		return
	}
	h.Banker.SetDebug(req.Enabled)
	c.JSON(http.StatusOK, gin.H{"enabled": req.Enabled})
}

func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.Banker.Status())
}
