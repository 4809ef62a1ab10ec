package sandbox

import (
	"time"

	"github.com/shopspring/decimal"
)

// The handlers below run with s.mu held.

func (s *Server) pagePay(params map[string]string, biz map[string]interface{}) (map[string]interface{}, *declined) {
	outTradeNo := str(biz, "out_trade_no")
	total, ok := amount(biz, "total_amount")
	if outTradeNo == "" || !ok {
		return nil, decline("ACQ.INVALID_PARAMETER", "out_trade_no and total_amount are required")
	}

	if existing, ok := s.trades[outTradeNo]; ok {
		if !existing.Total.Equal(total) {
			return nil, decline("ACQ.CONTEXT_INCONSISTENT", "trade already exists with another amount")
		}
		return map[string]interface{}{"out_trade_no": outTradeNo, "trade_no": existing.TradeNo}, nil
	}

	frozen := false
	if ext, ok := biz["extend_params"].(map[string]interface{}); ok {
		frozen = ext["royalty_freeze"] == "true"
	}
	t := &trade{
		OutTradeNo:  outTradeNo,
		TradeNo:     s.nextID("T"),
		Status:      "WAIT_BUYER_PAY",
		Total:       total,
		NotifyURL:   params["notify_url"],
		Frozen:      frozen,
		RefundsSeen: make(map[string]decimal.Decimal),
	}
	s.trades[outTradeNo] = t
	s.byTradeNo[t.TradeNo] = t
	return map[string]interface{}{"out_trade_no": outTradeNo, "trade_no": t.TradeNo}, nil
}

func (s *Server) tradeQuery(biz map[string]interface{}) (map[string]interface{}, *declined) {
	t, ok := s.trades[str(biz, "out_trade_no")]
	if !ok {
		if t, ok = s.byTradeNo[str(biz, "trade_no")]; !ok {
			return nil, decline("ACQ.TRADE_NOT_EXIST", "trade does not exist")
		}
	}
	node := map[string]interface{}{
		"trade_no":     t.TradeNo,
		"out_trade_no": t.OutTradeNo,
		"trade_status": t.Status,
		"total_amount": t.Total.StringFixed(2),
	}
	if t.BuyerID != "" {
		node["buyer_user_id"] = t.BuyerID
	}
	return node, nil
}

func (s *Server) refund(biz map[string]interface{}) (map[string]interface{}, *declined) {
	t, ok := s.trades[str(biz, "out_trade_no")]
	if !ok {
		return nil, decline("ACQ.TRADE_NOT_EXIST", "trade does not exist")
	}
	outRequestNo := str(biz, "out_request_no")
	refundAmount, ok := amount(biz, "refund_amount")
	if !ok || outRequestNo == "" {
		return nil, decline("ACQ.INVALID_PARAMETER", "refund_amount and out_request_no are required")
	}

	node := func(fundChange string) map[string]interface{} {
		return map[string]interface{}{
			"trade_no":     t.TradeNo,
			"out_trade_no": t.OutTradeNo,
			"refund_fee":   t.Refunded.StringFixed(2),
			"fund_change":  fundChange,
		}
	}
	if prev, seen := t.RefundsSeen[outRequestNo]; seen {
		if !prev.Equal(refundAmount) {
			return nil, decline("ACQ.REQUEST_AMOUNT_EXCEED", "same out_request_no with another amount")
		}
		return node("N"), nil
	}

	if t.Status != "TRADE_SUCCESS" {
		return nil, decline("ACQ.TRADE_STATUS_ERROR", "trade status does not allow refund")
	}
	if t.Finished {
		return nil, decline("ACQ.TRADE_HAS_FINISHED", "trade proceeds already settled")
	}
	if t.Refunded.Add(refundAmount).GreaterThan(t.Total) {
		return nil, decline("ACQ.REFUND_AMT_NOT_EQUAL_TOTAL", "refund exceeds trade amount")
	}

	t.RefundsSeen[outRequestNo] = refundAmount
	t.Refunded = t.Refunded.Add(refundAmount)
	if t.Refunded.Equal(t.Total) {
		t.Status = "TRADE_CLOSED"
	}
	return node("Y"), nil
}

func (s *Server) settle(biz map[string]interface{}) (map[string]interface{}, *declined) {
	outRequestNo := str(biz, "out_request_no")
	if outRequestNo == "" {
		return nil, decline("ACQ.INVALID_PARAMETER", "out_request_no is required")
	}
	if prev, ok := s.settlements[outRequestNo]; ok {
		return map[string]interface{}{"trade_no": prev.TradeNo, "settle_no": prev.SettleNo}, nil
	}

	t, ok := s.byTradeNo[str(biz, "trade_no")]
	if !ok {
		return nil, decline("ACQ.TRADE_NOT_EXIST", "trade does not exist")
	}
	if t.Status != "TRADE_SUCCESS" {
		return nil, decline("ACQ.TRADE_STATUS_ERROR", "trade is not paid")
	}
	if t.Finished {
		return nil, decline("ACQ.TRADE_SETTLE_ERROR", "settlement already finished")
	}

	lines, _ := biz["royalty_parameters"].([]interface{})
	if len(lines) == 0 {
		return nil, decline("ACQ.INVALID_PARAMETER", "royalty_parameters is required")
	}
	details := make([]map[string]interface{}, 0, len(lines))
	sum := decimal.Zero
	for _, raw := range lines {
		line, _ := raw.(map[string]interface{})
		lineAmount, ok := amount(line, "amount")
		transInType := str(line, "trans_in_type")
		if !ok || (transInType != "userId" && transInType != "loginName") {
			return nil, decline("ACQ.INVALID_PARAMETER", "invalid royalty line")
		}
		sum = sum.Add(lineAmount)
		details = append(details, map[string]interface{}{
			"operation_type": "transfer",
			"state":          "SUCCESS",
			"amount":         lineAmount.StringFixed(2),
			"trans_in":       str(line, "trans_in"),
		})
	}
	if sum.GreaterThan(t.Total.Sub(t.Refunded)) {
		return nil, decline("ACQ.ALLOC_AMOUNT_VALIDATE_ERROR", "split amounts exceed trade amount")
	}

	if ext, ok := biz["extend_params"].(map[string]interface{}); ok && ext["royalty_finish"] == "true" {
		t.Finished = true
	}
	rec := &settlement{
		TradeNo:      t.TradeNo,
		OutRequestNo: outRequestNo,
		SettleNo:     s.nextID("S"),
		Details:      details,
		OperationDt:  time.Now().Format("2006-01-02 15:04:05"),
	}
	s.settlements[outRequestNo] = rec
	return map[string]interface{}{"trade_no": rec.TradeNo, "settle_no": rec.SettleNo}, nil
}

func (s *Server) settleQuery(biz map[string]interface{}) (map[string]interface{}, *declined) {
	rec, ok := s.settlements[str(biz, "out_request_no")]
	if !ok {
		return nil, decline("ACQ.TRADE_SETTLE_NOT_EXIST", "settlement does not exist")
	}
	details := make([]interface{}, 0, len(rec.Details))
	for _, d := range rec.Details {
		details = append(details, d)
	}
	return map[string]interface{}{
		"out_request_no":      rec.OutRequestNo,
		"operation_dt":        rec.OperationDt,
		"royalty_detail_list": details,
	}, nil
}

func (s *Server) transfer(biz map[string]interface{}, pending bool) (map[string]interface{}, *declined) {
	outBizNo := str(biz, "out_biz_no")
	transAmount, ok := amount(biz, "trans_amount")
	if outBizNo == "" || !ok || !transAmount.IsPositive() {
		return nil, decline("INVALID_PARAMETER", "out_biz_no and a positive trans_amount are required")
	}
	if str(biz, "biz_scene") != "DIRECT_TRANSFER" {
		return nil, decline("INVALID_PARAMETER", "unsupported biz_scene")
	}
	payee, _ := biz["payee_info"].(map[string]interface{})
	identity := str(payee, "identity")
	identityType := str(payee, "identity_type")
	if identity == "" || (identityType != "ALIPAY_LOGON_ID" && identityType != "ALIPAY_USER_ID") {
		return nil, decline("PAYEE_NOT_EXIST", "payee identity is invalid")
	}

	if prev, ok := s.transfers[outBizNo]; ok {
		if !prev.Amount.Equal(transAmount) || prev.Payee != identity {
			return nil, decline("REQUEST_PARAM_ILLEGAL", "same out_biz_no with different parameters")
		}
		return transferNode(prev), nil
	}

	status := "SUCCESS"
	if pending {
		status = "DEALING"
	}
	rec := &transfer{
		OutBizNo:     outBizNo,
		OrderID:      s.nextID("F"),
		Status:       status,
		Amount:       transAmount,
		Payee:        identity,
		IdentityType: identityType,
		TransDate:    time.Now().Format("2006-01-02 15:04:05"),
	}
	s.transfers[outBizNo] = rec
	return transferNode(rec), nil
}

func transferNode(rec *transfer) map[string]interface{} {
	return map[string]interface{}{
		"out_biz_no":        rec.OutBizNo,
		"order_id":          rec.OrderID,
		"pay_fund_order_id": rec.OrderID,
		"status":            rec.Status,
		"trans_date":        rec.TransDate,
	}
}

func (s *Server) transferQuery(biz map[string]interface{}) (map[string]interface{}, *declined) {
	rec, ok := s.transfers[str(biz, "out_biz_no")]
	if !ok {
		return nil, decline("ORDER_NOT_EXIST", "transfer does not exist")
	}
	return transferNode(rec), nil
}
