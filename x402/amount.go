package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// TokenDecimals is the fixed decimal count of the settlement
// stablecoin used throughout the system.
const TokenDecimals = 6

var unit = big.NewInt(1_000_000)

// ToHuman converts a smallest-unit integer string into a two-decimal
// display amount ("5000000" -> "5.00"). Sub-cent amounts round half
// away from zero, so conversion is stable under repeated round-trips
// but not lossless on the raw integer.
func ToHuman(raw string) (string, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || n.Sign() < 0 {
		return "", fmt.Errorf("invalid raw amount %q", raw)
	}
	// round to cents: (n + 5000) / 10000
	cents := new(big.Int).Add(n, big.NewInt(5_000))
	cents.Div(cents, big.NewInt(10_000))
	whole := new(big.Int)
	frac := new(big.Int)
	whole.DivMod(cents, big.NewInt(100), frac)
	return fmt.Sprintf("%s.%02d", whole.String(), frac.Int64()), nil
}

// ToRaw converts a human decimal amount into a smallest-unit integer
// string ("5.00" -> "5000000"). At most TokenDecimals fractional
// digits are accepted.
func ToRaw(human string) (string, error) {
	s := strings.TrimSpace(human)
	if s == "" {
		return "", fmt.Errorf("empty amount")
	}
	parts := strings.SplitN(s, ".", 2)
	wholePart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if wholePart == "" {
		wholePart = "0"
	}
	if len(fracPart) > TokenDecimals {
		return "", fmt.Errorf("amount %q has more than %d decimals", human, TokenDecimals)
	}
	whole, ok := new(big.Int).SetString(wholePart, 10)
	if !ok || whole.Sign() < 0 {
		return "", fmt.Errorf("invalid amount %q", human)
	}
	frac := big.NewInt(0)
	if fracPart != "" {
		frac, ok = new(big.Int).SetString(fracPart+strings.Repeat("0", TokenDecimals-len(fracPart)), 10)
		if !ok {
			return "", fmt.Errorf("invalid amount %q", human)
		}
	}
	raw := new(big.Int).Mul(whole, unit)
	raw.Add(raw, frac)
	return raw.String(), nil
}

// ParseRaw parses a smallest-unit integer string into a big.Int.
func ParseRaw(raw string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid raw amount %q", raw)
	}
	return n, nil
}
