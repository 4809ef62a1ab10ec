package gateway

import (
	"errors"
	"fmt"
)

// NetworkError means the outcome of the call is unknown: the request may or
// may not have been applied by the gateway.
type NetworkError struct {
	Method string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("gateway %s: network error: %v", e.Method, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// BusinessError means the gateway understood the request and declined it.
type BusinessError struct {
	Method  string
	Code    string
	Msg     string
	SubCode string
	SubMsg  string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("gateway %s declined: code=%s sub_code=%s msg=%s", e.Method, e.Code, e.SubCode, e.DisplayMessage())
}

// DisplayMessage is the human readable reason, preferring sub_msg.
func (e *BusinessError) DisplayMessage() string {
	if e.SubMsg != "" {
		return e.SubMsg
	}
	return e.Msg
}

// SignatureError is a local key problem or a response whose signature does
// not verify. It is never retried.
type SignatureError struct {
	Method string
	Err    error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("gateway %s: signature error: %v", e.Method, e.Err)
}

func (e *SignatureError) Unwrap() error {
	return e.Err
}

var (
	ErrInvalidAccountType = errors.New("invalid payee account type")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrNotifySignature    = errors.New("notify signature does not verify")
	ErrNotifyAppID        = errors.New("notify addressed to another app")
	ErrResponseSignature  = errors.New("response signature does not verify")
)

func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

func AsBusinessError(err error) (*BusinessError, bool) {
	var be *BusinessError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

func IsSignatureError(err error) bool {
	var se *SignatureError
	return errors.As(err, &se)
}
