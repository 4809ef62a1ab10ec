package trading

import (
	"net/http"

	"github.com/Am-duojie/amdo-s-sub000/internal/auth"
	"github.com/Am-duojie/amdo-s-sub000/internal/gateway"
	"github.com/Am-duojie/amdo-s-sub000/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func init() {
	response.Register(http.StatusNotFound, response.ErrCodeNotFound, ErrTradeNotFound)
	response.Register(http.StatusBadRequest, response.ErrCodeValidationFailed, ErrInvalidAmount, gateway.ErrInvalidAmount)
	response.Register(http.StatusConflict, "TRADE_STATE", ErrTradeChanged, ErrNotRefundable, ErrRefundAfterSettle, ErrRefundExceedsBalance)
	response.Register(http.StatusUnprocessableEntity, "AMOUNT_MISMATCH", ErrAmountMismatch)
}

// GinHandlers contains HTTP handlers for trade endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trade endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateTradeHandler handles POST requests to open a checkout
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) CreateTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get idempotency key from header
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req CheckoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.CreateCheckout(c.Request.Context(), req, idempotencyKey)
		response.Handle(c, result, err)
	}
}

// GetTradeHandler handles GET requests for a trade
// Query parameter sync=true refreshes the status from the gateway first
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID := c.Param("trade_id")
		if tradeID == "" {
			response.BadRequest(c, "Trade ID is required")
			return
		}

		trade, err := h.service.GetTrade(c.Request.Context(), tradeID, c.Query("sync") == "true")
		response.Handle(c, trade, err)
	}
}

// NotifyHandler receives asynchronous gateway notifications. The gateway
// expects the literal body "success"; anything else makes it redeliver.
func (h *GinHandlers) NotifyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := c.Request.ParseForm(); err != nil {
			c.String(http.StatusOK, "failure")
			return
		}

		params := gateway.FlattenForm(c.Request.Form)
		if err := h.service.HandleNotify(c.Request.Context(), params); err != nil {
			log.Warn().
				Err(err).
				Str("out_trade_no", params["out_trade_no"]).
				Str("service", "trading").
				Msg("notification not processed")
			c.String(http.StatusOK, "failure")
			return
		}
		c.String(http.StatusOK, "success")
	}
}

// RefundHandler handles internal refund requests
// URL parameter: trade_id
func (h *GinHandlers) RefundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RefundRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		actor := ""
		if claims, exists := c.Get("claims"); exists {
			actor = auth.GetClientID(claims)
		}
		trade, err := h.service.Refund(c.Request.Context(), c.Param("trade_id"), req, actor)
		response.Handle(c, trade, err)
	}
}
