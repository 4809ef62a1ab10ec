package ledger

import (
	"errors"
	"net/http"

	"github.com/Am-duojie/amdo-s-sub000/internal/gateway"
	"github.com/Am-duojie/amdo-s-sub000/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func init() {
	response.Register(http.StatusNotFound, response.ErrCodeNotFound, ErrAccountNotFound, ErrEntryNotFound)
	response.Register(http.StatusUnprocessableEntity, response.ErrCodeUnprocessable, ErrInsufficientFunds, ErrPayoutUnbound)
	response.Register(http.StatusBadRequest, response.ErrCodeValidationFailed, ErrInvalidAmount, gateway.ErrInvalidAccountType)
	response.Register(http.StatusConflict, response.ErrCodeDuplicateResource, ErrVersionConflict)
	// Sellers see fixed text; the gateway detail stays in the logs and the audit trail.
	response.RegisterMapping(response.Mapping{
		Match:   func(err error) bool { return errors.Is(err, ErrWithdrawPending) },
		Status:  http.StatusAccepted,
		Code:    "WITHDRAW_PENDING",
		Message: func(error) string { return "Withdrawal is being processed, funds stay frozen until it completes" },
	})
	response.RegisterMapping(response.Mapping{
		Match:   func(err error) bool { return errors.Is(err, ErrWithdrawFailed) },
		Status:  http.StatusBadGateway,
		Code:    "WITHDRAW_FAILED",
		Message: func(error) string { return "Withdrawal failed, funds returned to your balance" },
	})
}

type BindPayoutRequest struct {
	Account     string `json:"account" binding:"required"`
	AccountType string `json:"account_type"`
	Name        string `json:"name"`
}

type WithdrawBody struct {
	Amount decimal.Decimal `json:"amount"`
}

type WalletView struct {
	Account *WalletAccount `json:"account"`
	Entries []Entry        `json:"entries"`
}

// GinHandlers contains HTTP handlers for wallet operations
type GinHandlers struct {
	ledger *Ledger
}

func NewGinHandlers(ledger *Ledger) *GinHandlers {
	return &GinHandlers{ledger: ledger}
}

// GetWalletHandler serves GET /wallet for the authenticated owner
func (h *GinHandlers) GetWalletHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetString("clientID")
		acc, err := h.ledger.GetAccount(c.Request.Context(), ownerID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		entries, err := h.ledger.Entries(c.Request.Context(), ownerID, 0)
		response.Handle(c, WalletView{Account: acc, Entries: entries}, err)
	}
}

// BindPayoutHandler serves PUT /wallet/payout
func (h *GinHandlers) BindPayoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req BindPayoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		acc, err := h.ledger.BindPayoutAccount(c.Request.Context(), c.GetString("clientID"), req.Account, req.AccountType, req.Name)
		response.Handle(c, acc, err)
	}
}

// WithdrawHandler serves POST /wallet/withdraw
func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body WithdrawBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		entry, err := h.ledger.Withdraw(c.Request.Context(), WithdrawRequest{
			OwnerID: c.GetString("clientID"),
			Amount:  body.Amount,
		})
		if errors.Is(err, ErrWithdrawPending) {
			c.JSON(http.StatusAccepted, response.Response{Success: true, Data: entry})
			return
		}
		response.Handle(c, entry, err)
	}
}
