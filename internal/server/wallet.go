package server

import (
	"net/http"
	"strconv"
	"strings"

	ledgerdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ledger/domain"
	"github.com/gin-gonic/gin"
)

type topupRequest struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

// @Summary      Wallet Balance
// @Description  Current and available credit balance
// @Tags         wallet
// @Produce      json
// @Router       /wallet [get]
func (s *Server) GetWallet(c *gin.Context) {
	tenant, ok := s.tenantID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	balance, err := s.ledger.GetBalance(ctx, tenant)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	available, err := s.ledger.GetAvailableBalance(ctx, tenant)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"balance":   balance,
		"available": available,
	}})
}

// @Summary      List Credit Transactions
// @Tags         wallet
// @Produce      json
// @Param        limit  query  int  false  "Max rows"
// @Success      200  {object}  []ledgerdomain.CreditTransaction
// @Router       /wallet/transactions [get]
func (s *Server) ListTransactions(c *gin.Context) {
	tenant, ok := s.tenantID(c)
	if !ok {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be 1-500"))
			return
		}
		limit = parsed
	}

	transactions, err := s.ledger.ListTransactions(c.Request.Context(), tenant, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": transactions})
}

// @Summary      Top Up Wallet
// @Description  Credit purchased SMS credits to the wallet
// @Tags         wallet
// @Accept       json
// @Produce      json
// @Param        request body topupRequest true "Topup Request"
// @Router       /wallet/topup [post]
func (s *Server) TopupWallet(c *gin.Context) {
	tenant, ok := s.tenantID(c)
	if !ok {
		return
	}
	var req topupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Amount <= 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be positive"))
		return
	}

	meta := map[string]any{}
	if note := strings.TrimSpace(req.Note); note != "" {
		meta["note"] = note
	}
	result, err := s.ledger.Credit(c.Request.Context(), tenant, req.Amount, ledgerdomain.ReasonTopup, meta)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"balance":     result.Balance,
		"transaction": result.Transaction,
	}})
}

// @Summary      Refund Credits
// @Description  Return credits to the wallet, tagged as a refund for audit
// @Tags         wallet
// @Accept       json
// @Produce      json
// @Param        request body topupRequest true "Refund Request"
// @Router       /wallet/refund [post]
func (s *Server) RefundWallet(c *gin.Context) {
	tenant, ok := s.tenantID(c)
	if !ok {
		return
	}
	var req topupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Amount <= 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be positive"))
		return
	}

	meta := map[string]any{}
	if note := strings.TrimSpace(req.Note); note != "" {
		meta["note"] = note
	}
	result, err := s.ledger.Refund(c.Request.Context(), tenant, req.Amount, ledgerdomain.ReasonRefund, meta)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"balance":     result.Balance,
		"transaction": result.Transaction,
	}})
}
