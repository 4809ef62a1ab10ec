package clearing

import "github.com/shopspring/decimal"

// Line roles
const (
	RoleSeller   = "seller"
	RolePlatform = "platform"
)

// Payee is a bound payout account.
type Payee struct {
	Account string
	Type    string // loginName or userId
	Name    string
}

// Line is one payee's share of a trade.
type Line struct {
	Role        string          `json:"role"`
	Payee       string          `json:"payee"`
	PayeeType   string          `json:"payee_type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// Plan is the computed division of a trade's proceeds. Total is what the
// trade still holds after refunds.
type Plan struct {
	TradeID      string          `json:"trade_id"`
	Total        decimal.Decimal `json:"total"`
	Refunded     decimal.Decimal `json:"refunded"`
	SellerAmount decimal.Decimal `json:"seller_amount"`
	Commission   decimal.Decimal `json:"commission"`
	Lines        []Line          `json:"lines"`
	// Clamped is set when the stored amounts were inconsistent and had to be corrected.
	Clamped bool `json:"clamped,omitempty"`
}

// SellerLine returns the line addressed to the seller.
func (p *Plan) SellerLine() Line {
	for _, l := range p.Lines {
		if l.Role == RoleSeller {
			return l
		}
	}
	return Line{}
}
