package gateway

// Disposition tells the settlement coordinator what to do after a declined call.
type Disposition int

const (
	// DispositionFallback: eligible for fallback-to-transfer or manual retry.
	DispositionFallback Disposition = iota
	// DispositionDeferred: a precondition is missing on the payee side, wait.
	DispositionDeferred
	// DispositionFatal: operator has to act (funds or permissions).
	DispositionFatal
)

func (d Disposition) String() string {
	switch d {
	case DispositionDeferred:
		return "deferred"
	case DispositionFatal:
		return "fatal"
	default:
		return "fallback"
	}
}

var deferredSubCodes = map[string]struct{}{
	"ACQ.ROYALTY_RELATION_NOT_BIND": {},
	"ACQ.TRANS_IN_NOT_BIND":         {},
	"ACQ.ROYALTY_ACCOUNT_NOT_BIND":  {},
	"PAYEE_NOT_BIND":                {},
	"PAYEE_ACCOUNT_NOT_BIND":        {},
}

var fatalSubCodes = map[string]struct{}{
	"BALANCE_IS_NOT_ENOUGH":            {},
	"PAYER_BALANCE_NOT_ENOUGH":         {},
	"ACQ.PAYER_BALANCE_NOT_ENOUGH":     {},
	"ACQ.ACCESS_FORBIDDEN":             {},
	"ISV.INSUFFICIENT_ISV_PERMISSIONS": {},
	"PERMIT_CHECK_PERM_LIMITED":        {},
	"ACQ.ROYALTY_PERMISSION_DENIED":    {},
	"NO_ORDER_PERMISSION":              {},
	"PERMIT_NON_BANK_LIMIT_PAYEE":      {},
	"EXCEED_LIMIT_SM_AMOUNT":           {},
	"ISV.INVALID-SIGNATURE":            {},
	"ACQ.INVALID_PARAMETER_PERMISSION": {},

	// The trade itself no longer supports a split. A transfer would pay
	// the seller out of merchant funds the trade no longer holds.
	"ACQ.ALLOC_AMOUNT_VALIDATE_ERROR": {},
	"ACQ.TRADE_SETTLE_ERROR":          {},
	"ACQ.TRADE_HAS_FINISHED":          {},
	"ACQ.TRADE_HAS_CLOSE":             {},
	"ACQ.TRADE_STATUS_ERROR":          {},
	"ACQ.TRADE_NOT_EXIST":             {},
}

// Classify maps a declined call to a disposition. Errors that are not
// business errors are reported as fallback; callers handle network and
// signature errors before classifying.
func Classify(err error) Disposition {
	be, ok := AsBusinessError(err)
	if !ok {
		return DispositionFallback
	}
	if _, ok := deferredSubCodes[be.SubCode]; ok {
		return DispositionDeferred
	}
	if _, ok := fatalSubCodes[be.SubCode]; ok {
		return DispositionFatal
	}
	return DispositionFallback
}
