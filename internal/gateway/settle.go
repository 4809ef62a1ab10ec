package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Payee account types accepted by the gateway.
const (
	AccountTypeUserID    = "userId"
	AccountTypeLoginName = "loginName"
)

// legacy and sloppy spellings seen in stored payout accounts
var accountTypeAliases = map[string]string{
	"userid":          AccountTypeUserID,
	"user_id":         AccountTypeUserID,
	"uid":             AccountTypeUserID,
	"alipay_user_id":  AccountTypeUserID,
	"loginname":       AccountTypeLoginName,
	"login_name":      AccountTypeLoginName,
	"login":           AccountTypeLoginName,
	"logonid":         AccountTypeLoginName,
	"logon_id":        AccountTypeLoginName,
	"alipay_logon_id": AccountTypeLoginName,
	"email":           AccountTypeLoginName,
	"phone":           AccountTypeLoginName,
	"mobile":          AccountTypeLoginName,
}

// NormalizeAccountType folds an account type onto userId or loginName.
func NormalizeAccountType(t string) (string, error) {
	if normalized, ok := accountTypeAliases[strings.ToLower(strings.TrimSpace(t))]; ok {
		return normalized, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAccountType, t)
}

// Split is one royalty line of a settlement.
type Split struct {
	TransIn      string
	TransInType  string
	Amount       decimal.Decimal
	Desc         string
	RoyaltyScene string
}

type SettleRequest struct {
	TradeNo      string
	OutRequestNo string
	Splits       []Split
}

type SettleResult struct {
	TradeNo  string `json:"trade_no"`
	SettleNo string `json:"settle_no"`
}

type royaltyParameter struct {
	TransIn      string `json:"trans_in"`
	TransInType  string `json:"trans_in_type"`
	Amount       string `json:"amount"`
	Desc         string `json:"desc,omitempty"`
	RoyaltyScene string `json:"royalty_scene,omitempty"`
}

type settleContent struct {
	OutRequestNo      string             `json:"out_request_no"`
	TradeNo           string             `json:"trade_no"`
	RoyaltyParameters []royaltyParameter `json:"royalty_parameters"`
	ExtendParams      map[string]string  `json:"extend_params"`
	SettleMode        string             `json:"settle_mode,omitempty"`
}

// SettleOrder executes a split settlement and marks it final. Account types
// are normalised before anything is signed.
func (c *Client) SettleOrder(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	if len(req.Splits) == 0 {
		return nil, fmt.Errorf("settle %s: no split lines", req.OutRequestNo)
	}

	params := make([]royaltyParameter, 0, len(req.Splits))
	for _, s := range req.Splits {
		transInType, err := NormalizeAccountType(s.TransInType)
		if err != nil {
			return nil, err
		}
		if !s.Amount.IsPositive() {
			return nil, fmt.Errorf("split to %s: %w", s.TransIn, ErrInvalidAmount)
		}
		params = append(params, royaltyParameter{
			TransIn:      s.TransIn,
			TransInType:  transInType,
			Amount:       s.Amount.StringFixed(2),
			Desc:         s.Desc,
			RoyaltyScene: s.RoyaltyScene,
		})
	}

	content := settleContent{
		OutRequestNo:      req.OutRequestNo,
		TradeNo:           req.TradeNo,
		RoyaltyParameters: params,
		ExtendParams:      map[string]string{"royalty_finish": "true"},
		SettleMode:        c.cfg.SettleMode,
	}

	var result SettleResult
	if err := c.call(ctx, MethodOrderSettle, content, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SettlementState is the aggregate state of a settlement looked up by its key.
type SettlementState string

const (
	SettlementSucceeded  SettlementState = "SUCCESS"
	SettlementFailed     SettlementState = "FAIL"
	SettlementProcessing SettlementState = "PROCESSING"
	SettlementNotFound   SettlementState = "NOT_FOUND"
)

// settle query declines that mean "no such settlement"
var settleNotFoundSubCodes = map[string]struct{}{
	"ACQ.TRADE_SETTLE_NOT_EXIST": {},
	"ACQ.ROYALTY_NOT_EXIST":      {},
	"ACQ.TRADE_NOT_EXIST":        {},
}

type RoyaltyDetail struct {
	OperationType string          `json:"operation_type"`
	State         string          `json:"state"`
	Amount        decimal.Decimal `json:"amount"`
	TransIn       string          `json:"trans_in"`
	ErrorCode     string          `json:"error_code"`
	ErrorDesc     string          `json:"error_desc"`
}

type SettlementStatus struct {
	OutRequestNo string          `json:"out_request_no"`
	OperationDt  string          `json:"operation_dt"`
	Details      []RoyaltyDetail `json:"royalty_detail_list"`
	State        SettlementState `json:"-"`
	ErrorCode    string          `json:"-"`
	ErrorDesc    string          `json:"-"`
}

// QuerySettlement looks a settlement up by out_request_no. A settlement the
// gateway never saw is reported as SettlementNotFound, not as an error.
func (c *Client) QuerySettlement(ctx context.Context, tradeNo, outRequestNo string) (*SettlementStatus, error) {
	var status SettlementStatus
	err := c.call(ctx, MethodSettleQuery, map[string]string{
		"trade_no":       tradeNo,
		"out_request_no": outRequestNo,
	}, nil, &status)
	if err != nil {
		if be, ok := AsBusinessError(err); ok {
			if _, notFound := settleNotFoundSubCodes[be.SubCode]; notFound {
				return &SettlementStatus{OutRequestNo: outRequestNo, State: SettlementNotFound}, nil
			}
		}
		return nil, err
	}

	status.State = SettlementSucceeded
	if len(status.Details) == 0 {
		status.State = SettlementProcessing
	}
	for _, d := range status.Details {
		switch d.State {
		case "FAIL":
			status.State = SettlementFailed
			status.ErrorCode = d.ErrorCode
			status.ErrorDesc = d.ErrorDesc
		case "SUCCESS":
		default:
			if status.State != SettlementFailed {
				status.State = SettlementProcessing
			}
		}
	}
	return &status, nil
}
