package gateway

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"sort"

	"github.com/shopspring/decimal"
)

// Gateway trade states.
const (
	TradeWaitBuyerPay = "WAIT_BUYER_PAY"
	TradeSuccess      = "TRADE_SUCCESS"
	TradeFinished     = "TRADE_FINISHED"
	TradeClosed       = "TRADE_CLOSED"
)

type CreateTradeRequest struct {
	OutTradeNo  string
	Subject     string
	Amount      decimal.Decimal
	ReturnURL   string
	NotifyURL   string
	EnableSplit bool
}

// Checkout carries the same signed parameters two ways: a redirect URL and
// an auto-submitting form.
type Checkout struct {
	RedirectURL string            `json:"redirect_url"`
	Form        string            `json:"form"`
	Params      map[string]string `json:"-"`
}

type pagePayContent struct {
	OutTradeNo   string            `json:"out_trade_no"`
	ProductCode  string            `json:"product_code"`
	TotalAmount  string            `json:"total_amount"`
	Subject      string            `json:"subject"`
	ExtendParams map[string]string `json:"extend_params,omitempty"`
}

var checkoutForm = template.Must(template.New("checkout").Parse(
	`<form id="gateway_submit" name="gateway_submit" action="{{.Action}}" method="POST">` +
		`{{range .Fields}}<input type="hidden" name="{{.Name}}" value="{{.Value}}"/>{{end}}` +
		`<input type="submit" value="ok" style="display:none"></form>` +
		`<script>document.forms['gateway_submit'].submit();</script>`))

type formField struct {
	Name  string
	Value string
}

// CreateTrade builds a hosted checkout. No network call is made.
func (c *Client) CreateTrade(req CreateTradeRequest) (*Checkout, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	content := pagePayContent{
		OutTradeNo:  req.OutTradeNo,
		ProductCode: c.cfg.ProductCode,
		TotalAmount: req.Amount.StringFixed(2),
		Subject:     truncateRunes(req.Subject, c.cfg.SubjectMaxLen),
	}
	if content.ProductCode == "" {
		content.ProductCode = "FAST_INSTANT_TRADE_PAY"
	}
	if req.EnableSplit {
		content.ExtendParams = map[string]string{"royalty_freeze": "true"}
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = c.cfg.ReturnURL
	}
	notifyURL := req.NotifyURL
	if notifyURL == "" {
		notifyURL = c.cfg.NotifyURL
	}

	params, err := c.signedParams(MethodPagePay, content, map[string]string{
		"return_url": returnURL,
		"notify_url": notifyURL,
	})
	if err != nil {
		return nil, err
	}

	// Encoding happens after signing; the signature covers the raw values.
	query := url.Values{}
	keys := make([]string, 0, len(params))
	for k, v := range params {
		query.Set(k, v)
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]formField, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, formField{Name: k, Value: params[k]})
	}

	var form bytes.Buffer
	if err := checkoutForm.Execute(&form, struct {
		Action string
		Fields []formField
	}{Action: c.cfg.URL + "?charset=utf-8", Fields: fields}); err != nil {
		return nil, fmt.Errorf("failed to render checkout form: %w", err)
	}

	return &Checkout{
		RedirectURL: c.cfg.URL + "?" + query.Encode(),
		Form:        form.String(),
		Params:      params,
	}, nil
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// TradeInfo is the decoded result of a trade query.
type TradeInfo struct {
	TradeNo     string          `json:"trade_no"`
	OutTradeNo  string          `json:"out_trade_no"`
	TradeStatus string          `json:"trade_status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	BuyerID     string          `json:"buyer_user_id"`
	BuyerLogon  string          `json:"buyer_logon_id"`
}

// Paid reports whether the buyer has paid.
func (t *TradeInfo) Paid() bool {
	return t.TradeStatus == TradeSuccess || t.TradeStatus == TradeFinished
}

func (c *Client) QueryTrade(ctx context.Context, outTradeNo string) (*TradeInfo, error) {
	var info TradeInfo
	err := c.call(ctx, MethodTradeQuery, map[string]string{"out_trade_no": outTradeNo}, nil, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

type RefundRequest struct {
	OutTradeNo   string
	TradeNo      string
	Amount       decimal.Decimal
	Reason       string
	OutRequestNo string
}

type RefundResult struct {
	OutRequestNo string          `json:"out_request_no"`
	TradeNo      string          `json:"trade_no"`
	OutTradeNo   string          `json:"out_trade_no"`
	RefundFee    decimal.Decimal `json:"refund_fee"`
	FundChange   string          `json:"fund_change"`
}

type refundContent struct {
	OutTradeNo   string `json:"out_trade_no"`
	TradeNo      string `json:"trade_no,omitempty"`
	RefundAmount string `json:"refund_amount"`
	RefundReason string `json:"refund_reason,omitempty"`
	OutRequestNo string `json:"out_request_no"`
}

// RefundTrade refunds part or all of a trade. When OutRequestNo is empty a
// key is minted and returned so a retry of the same refund can reuse it.
func (c *Client) RefundTrade(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if req.OutRequestNo == "" {
		req.OutRequestNo = fmt.Sprintf("refund_%s_%d", req.OutTradeNo, c.now().Unix())
	}

	content := refundContent{
		OutTradeNo:   req.OutTradeNo,
		TradeNo:      req.TradeNo,
		RefundAmount: req.Amount.StringFixed(2),
		RefundReason: req.Reason,
		OutRequestNo: req.OutRequestNo,
	}

	var result RefundResult
	if err := c.call(ctx, MethodTradeRefund, content, nil, &result); err != nil {
		return &RefundResult{OutRequestNo: req.OutRequestNo}, err
	}
	result.OutRequestNo = req.OutRequestNo
	return &result, nil
}
