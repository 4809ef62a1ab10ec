package settlement

import (
	"net/http"

	"github.com/Am-duojie/amdo-s-sub000/internal/auth"
	"github.com/Am-duojie/amdo-s-sub000/internal/clearing"
	"github.com/Am-duojie/amdo-s-sub000/pkg/response"
	"github.com/gin-gonic/gin"
)

func init() {
	response.Register(http.StatusNotFound, response.ErrCodeNotFound, ErrTradeNotFound)
	response.Register(http.StatusConflict, "NOT_SETTLEABLE", ErrTradeNotSettleable, ErrAlreadySettled, ErrTradeChanged, clearing.ErrNothingToSettle)
	response.Register(http.StatusAccepted, "OUTCOME_UNKNOWN", ErrOutcomeUnknown)
	response.Register(http.StatusUnprocessableEntity, response.ErrCodeValidationFailed, clearing.ErrInvalidSellerAmt, clearing.ErrNoPayee)
}

// GinHandlers contains HTTP handlers for settlement endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// SettleTradeHandler is the completed-order hook.
func (h *GinHandlers) SettleTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID := c.Param("trade_id")

		outcome, err := h.service.Settle(c.Request.Context(), tradeID, Trigger{Kind: TriggerAuto})
		response.Handle(c, outcome, err)
	}
}

// RetrySettlementHandler lets an admin re-run settlement for a trade.
func (h *GinHandlers) RetrySettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID := c.Param("trade_id")
		actor := auth.GetClientID(c.MustGet("claims"))

		outcome, err := h.service.Settle(c.Request.Context(), tradeID, Trigger{Kind: TriggerManual, Actor: actor})
		response.Handle(c, outcome, err)
	}
}

func (h *GinHandlers) GetSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID := c.Param("trade_id")

		detail, err := h.service.GetDetail(c.Request.Context(), tradeID)
		response.Handle(c, detail, err)
	}
}
