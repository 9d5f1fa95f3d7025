package model

import (
	"fmt"
	"regexp"
	"strings"
)

// QuoteAsset is the only quote token tracked by this pipeline.
const QuoteAsset = "USDT"

// symbolPattern matches the venue's USDT-margined perpetual identifiers:
// uppercase alphanumeric base asset followed by the quote token, 3-20 chars
// total (BTCUSDT, 1000SHIBUSDT, ...).
var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,16}USDT$`)

// ValidSymbol reports whether s is a well-formed contract identifier.
func ValidSymbol(s string) bool {
	return len(s) >= 3 && len(s) <= 20 && symbolPattern.MatchString(s)
}

// CheckSymbol is ValidSymbol with an explanatory error.
func CheckSymbol(s string) error {
	if !ValidSymbol(s) {
		return fmt.Errorf("invalid symbol %q: want 3-20 uppercase alphanumerics ending in %s", s, QuoteAsset)
	}
	return nil
}

// BaseAsset strips the quote token: BTCUSDT -> BTC.
func BaseAsset(symbol string) string {
	return strings.TrimSuffix(symbol, QuoteAsset)
}
