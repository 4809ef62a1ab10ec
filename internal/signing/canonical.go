package signing

import (
	"sort"
	"strings"
)

const (
	FieldSign     = "sign"
	FieldSignType = "sign_type"
)

// Canonicalize builds the signable string for a parameter set.
// Excluded keys and empty values are dropped, remaining keys are sorted
// byte-wise and joined as key=value pairs with '&'. Values are used raw,
// no URL encoding is applied.
func Canonicalize(params map[string]string, excluded ...string) string {
	skip := make(map[string]struct{}, len(excluded))
	for _, key := range excluded {
		skip[key] = struct{}{}
	}

	keys := make([]string, 0, len(params))
	for key, value := range params {
		if _, ok := skip[key]; ok {
			continue
		}
		if value == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(params[key])
	}
	return b.String()
}
