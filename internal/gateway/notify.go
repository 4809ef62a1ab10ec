package gateway

import (
	"fmt"
	"net/url"

	"github.com/Am-duojie/amdo-s-sub000/internal/signing"
	"github.com/shopspring/decimal"
)

// Notification is a verified asynchronous trade notification.
type Notification struct {
	NotifyID    string
	AppID       string
	OutTradeNo  string
	TradeNo     string
	TradeStatus string
	TotalAmount decimal.Decimal
	BuyerID     string
}

// FlattenForm keeps the first value of each key.
func FlattenForm(values url.Values) map[string]string {
	params := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

// VerifyNotify checks the signature of an inbound notification and that it
// was addressed to this app. Nothing in it may be trusted before this passes.
func (c *Client) VerifyNotify(params map[string]string) (*Notification, error) {
	if !c.signer.Verify(params, params[signing.FieldSign]) {
		return nil, ErrNotifySignature
	}
	if params["app_id"] != c.cfg.AppID {
		return nil, ErrNotifyAppID
	}

	n := &Notification{
		NotifyID:    params["notify_id"],
		AppID:       params["app_id"],
		OutTradeNo:  params["out_trade_no"],
		TradeNo:     params["trade_no"],
		TradeStatus: params["trade_status"],
		BuyerID:     params["buyer_id"],
	}
	if raw := params["total_amount"]; raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("notify total_amount %q: %w", raw, err)
		}
		n.TotalAmount = amount
	}
	return n, nil
}
