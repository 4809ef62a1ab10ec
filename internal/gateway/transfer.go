package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// Transfer states.
const (
	TransferSuccess  = "SUCCESS"
	TransferDealing  = "DEALING"
	TransferFail     = "FAIL"
	TransferNotFound = "NOT_FOUND"
)

const bizSceneDirectTransfer = "DIRECT_TRANSFER"

type TransferRequest struct {
	OutBizNo     string
	PayeeAccount string
	PayeeType    string
	Amount       decimal.Decimal
	PayeeName    string
	Remark       string
	OrderTitle   string
}

type TransferResult struct {
	OutBizNo       string `json:"out_biz_no"`
	OrderID        string `json:"order_id"`
	PayFundOrderID string `json:"pay_fund_order_id"`
	Status         string `json:"status"`
	TransDate      string `json:"trans_date"`
	FailReason     string `json:"fail_reason"`
}

// Pending reports a transfer the gateway accepted but has not finished.
// Its outcome is unknown until queried again.
func (r *TransferResult) Pending() bool {
	return r.Status == TransferDealing
}

func (r *TransferResult) Succeeded() bool {
	return r.Status == TransferSuccess
}

type payeeInfo struct {
	Identity     string `json:"identity"`
	IdentityType string `json:"identity_type"`
	Name         string `json:"name,omitempty"`
}

type transferContent struct {
	OutBizNo    string    `json:"out_biz_no"`
	TransAmount string    `json:"trans_amount"`
	ProductCode string    `json:"product_code"`
	BizScene    string    `json:"biz_scene"`
	OrderTitle  string    `json:"order_title,omitempty"`
	PayeeInfo   payeeInfo `json:"payee_info"`
	Remark      string    `json:"remark,omitempty"`
}

func identityType(accountType string) (string, error) {
	normalized, err := NormalizeAccountType(accountType)
	if err != nil {
		return "", err
	}
	if normalized == AccountTypeUserID {
		return "ALIPAY_USER_ID", nil
	}
	return "ALIPAY_LOGON_ID", nil
}

func (c *Client) transferProductCode() string {
	if c.cfg.TransferProduct != "" {
		return c.cfg.TransferProduct
	}
	return "TRANS_ACCOUNT_NO_PWD"
}

// TransferToAccount pays a payee directly. OutBizNo is the idempotency key:
// callers reuse it when retrying the same logical transfer.
func (c *Client) TransferToAccount(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	idType, err := identityType(req.PayeeType)
	if err != nil {
		return nil, err
	}

	content := transferContent{
		OutBizNo:    req.OutBizNo,
		TransAmount: req.Amount.StringFixed(2),
		ProductCode: c.transferProductCode(),
		BizScene:    bizSceneDirectTransfer,
		OrderTitle:  req.OrderTitle,
		PayeeInfo: payeeInfo{
			Identity:     req.PayeeAccount,
			IdentityType: idType,
			Name:         req.PayeeName,
		},
		Remark: req.Remark,
	}

	var result TransferResult
	if err := c.call(ctx, MethodTransfer, content, nil, &result); err != nil {
		return nil, err
	}
	if result.Status == TransferFail {
		return nil, &BusinessError{
			Method:  MethodTransfer,
			Code:    successCode,
			Msg:     "transfer failed",
			SubCode: "TRANSFER_FAIL",
			SubMsg:  result.FailReason,
		}
	}
	return &result, nil
}

// QueryTransfer looks a transfer up by out_biz_no. Unknown keys are
// reported with status NOT_FOUND.
func (c *Client) QueryTransfer(ctx context.Context, outBizNo string) (*TransferResult, error) {
	var result TransferResult
	err := c.call(ctx, MethodTransferQuery, map[string]string{
		"out_biz_no":   outBizNo,
		"product_code": c.transferProductCode(),
		"biz_scene":    bizSceneDirectTransfer,
	}, nil, &result)
	if err != nil {
		if be, ok := AsBusinessError(err); ok && (be.SubCode == "ORDER_NOT_EXIST" || be.SubCode == "ORDER_NOT_EXISTS") {
			return &TransferResult{OutBizNo: outBizNo, Status: TransferNotFound}, nil
		}
		return nil, err
	}
	if result.OutBizNo == "" {
		result.OutBizNo = outBizNo
	}
	return &result, nil
}
