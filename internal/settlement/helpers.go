package settlement

import (
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/audit"
	"github.com/Am-duojie/amdo-s-sub000/internal/clearing"
	"github.com/Am-duojie/amdo-s-sub000/internal/gateway"
	"github.com/Am-duojie/amdo-s-sub000/internal/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newAttempt(trade *types.Trade, key, method, trigger string, amount, commission decimal.Decimal, actor *string) *Attempt {
	return &Attempt{
		AttemptID:    "ATT_" + uuid.New().String(),
		TradeID:      trade.TradeID,
		TradeNo:      trade.TradeNo,
		OutRequestNo: key,
		Method:       method,
		Trigger:      trigger,
		Outcome:      OutcomePending,
		Amount:       amount,
		Commission:   commission,
		ActorID:      actor,
		CreatedAt:    time.Now(),
	}
}

func settledOutcome(trade *types.Trade) *Outcome {
	return &Outcome{
		TradeID:          trade.TradeID,
		SettlementStatus: types.SettlementSettled,
		Method:           trade.SettlementMethod,
	}
}

func deferred(trade *types.Trade, reason, message string) *Outcome {
	return &Outcome{
		TradeID:          trade.TradeID,
		SettlementStatus: trade.SettlementStatus,
		Deferred:         true,
		Reason:           reason,
		Message:          message,
	}
}

func actionFor(kind string) string {
	if kind == TriggerManual {
		return audit.ActionSettlementRetry
	}
	return audit.ActionSettlementAuto
}

func fillFailure(attempt *Attempt, err error) {
	if be, ok := gateway.AsBusinessError(err); ok {
		attempt.ResultCode = be.Code
		attempt.SubCode = be.SubCode
		attempt.ResultMsg = be.DisplayMessage()
		return
	}
	attempt.ResultMsg = err.Error()
}

// displayMessage is the gateway's own wording, shown to admins.
func displayMessage(err error) string {
	if be, ok := gateway.AsBusinessError(err); ok {
		return be.DisplayMessage()
	}
	return err.Error()
}

func snapshot(trade *types.Trade, attempt *Attempt, extra map[string]interface{}) map[string]interface{} {
	snap := map[string]interface{}{
		"trade_id":       trade.TradeID,
		"out_trade_no":   trade.OutTradeNo,
		"trade_no":       trade.TradeNo,
		"seller_id":      trade.SellerID,
		"attempt_id":     attempt.AttemptID,
		"out_request_no": attempt.OutRequestNo,
		"method":         attempt.Method,
		"trigger":        attempt.Trigger,
		"amount":         attempt.Amount.StringFixed(2),
		"commission":     attempt.Commission.StringFixed(2),
	}
	if attempt.ResultCode != "" || attempt.SubCode != "" {
		snap["code"] = attempt.ResultCode
		snap["sub_code"] = attempt.SubCode
		snap["msg"] = attempt.ResultMsg
	}
	if attempt.GatewayRef != "" {
		snap["gateway_ref"] = attempt.GatewayRef
	}
	for k, v := range extra {
		snap[k] = v
	}
	return snap
}

// sellerPayee recovers the payee an attempt paid to from its split lines.
func sellerPayee(attempt *Attempt) clearing.Payee {
	for _, line := range attempt.Splits {
		if line.Role == clearing.RoleSeller {
			return clearing.Payee{Account: line.Payee, Type: line.PayeeType, Name: line.PayeeName}
		}
	}
	return clearing.Payee{}
}

// transferRequest is identical for the first send and every re-send of an
// attempt, so the gateway dedupes on out_biz_no.
func transferRequest(trade *types.Trade, attempt *Attempt, payee clearing.Payee) gateway.TransferRequest {
	return gateway.TransferRequest{
		OutBizNo:     attempt.OutRequestNo,
		PayeeAccount: payee.Account,
		PayeeType:    payee.Type,
		PayeeName:    payee.Name,
		Amount:       attempt.Amount,
		OrderTitle:   "Settlement " + trade.OutTradeNo,
		Remark:       trade.TradeID,
	}
}

func royaltySplits(attempt *Attempt) []gateway.Split {
	splits := make([]gateway.Split, 0, len(attempt.Splits))
	for _, line := range attempt.Splits {
		splits = append(splits, gateway.Split{
			TransIn:     line.Payee,
			TransInType: line.PayeeType,
			Amount:      line.Amount,
			Desc:        line.Description,
		})
	}
	return splits
}
