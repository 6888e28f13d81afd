// Package bigutil carries 256-bit unsigned amounts through the firewall
// without ever narrowing them to float64 for a decision. Floats are only
// produced for human-readable logging.
package bigutil

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// ZeroU256 returns a fresh zero-valued 256-bit integer.
func ZeroU256() *uint256.Int {
	return new(uint256.Int)
}

// ParseHexU256 parses a "0x..." hex string (as used in JSON-RPC value
// fields) into a u256. An empty string parses to zero, matching the
// spec's "missing value defaults to zero" rule.
func ParseHexU256(hex string) (*uint256.Int, error) {
	hex = strings.TrimSpace(hex)
	if hex == "" {
		return ZeroU256(), nil
	}
	v, err := uint256.FromHex(hex)
	if err != nil {
		return nil, fmt.Errorf("parse hex u256 %q: %w", hex, err)
	}
	return v, nil
}

// ParseDecimalU256 parses a base-10 string (as stored in the reservation
// ledger) into a u256. An empty string parses to zero.
func ParseDecimalU256(dec string) (*uint256.Int, error) {
	dec = strings.TrimSpace(dec)
	if dec == "" {
		return ZeroU256(), nil
	}
	v := new(uint256.Int)
	if err := v.SetFromDecimal(dec); err != nil {
		return nil, fmt.Errorf("parse decimal u256 %q", dec)
	}
	return v, nil
}

// Dec renders a u256 as a base-10 string for ledger storage.
func Dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// Add returns a+b without mutating either operand.
func Add(a, b *uint256.Int) *uint256.Int {
	return new(uint256.Int).Add(a, b)
}

// SubClamped returns max(0, a-b) without mutating either operand,
// matching the reservation store's "rollback never underflows" rule.
func SubClamped(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return ZeroU256()
	}
	return new(uint256.Int).Sub(a, b)
}

// GreaterThan reports whether a > b.
func GreaterThan(a, b *uint256.Int) bool {
	return a.Cmp(b) > 0
}

// WeiToEtherFloat produces a float64 approximation for log lines only.
// Never use the result for an admission decision.
func WeiToEtherFloat(wei *uint256.Int) float64 {
	if wei == nil {
		return 0
	}
	f := new(big.Float).SetInt(wei.ToBig())
	f.Quo(f, big.NewFloat(1e18))
	out, _ := f.Float64()
	return out
}
