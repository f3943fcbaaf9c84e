package common

import (
	"fmt"
	"strings"
)

// quotePriority orders quote currencies for separator-free symbol
// parsing (BTCUSDT -> BTC/USDT). Longer and more common quotes first.
var quotePriority = []string{"USDT", "BUSD", "USDC", "KRW", "BTC", "ETH", "USD", "EUR"}

// SplitSymbol parses a canonical BASE/QUOTE symbol.
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid canonical symbol %q", symbol)
	}
	return parts[0], parts[1], nil
}

// JoinSymbol builds the canonical form.
func JoinSymbol(base, quote string) string {
	return base + "/" + quote
}

// NormalizeSymbol coerces loose input into canonical BASE/QUOTE:
// already-canonical input passes through, dash-separated QUOTE-BASE
// (Upbit/Bithumb style) is flipped, and a separator-free pair is split
// against the quote priority list.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", fmt.Errorf("empty symbol")
	}
	if strings.Contains(s, "/") {
		base, quote, err := SplitSymbol(s)
		if err != nil {
			return "", err
		}
		return JoinSymbol(base, quote), nil
	}
	if strings.Contains(s, "-") {
		parts := strings.SplitN(s, "-", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("invalid symbol %q", symbol)
		}
		// Dash form is quote-first on Korean venues.
		return JoinSymbol(parts[1], parts[0]), nil
	}
	for _, quote := range quotePriority {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return JoinSymbol(strings.TrimSuffix(s, quote), quote), nil
		}
	}
	return "", fmt.Errorf("cannot normalize symbol %q", symbol)
}
