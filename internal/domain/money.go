package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MicrosPerCoin is the storage scale of balances: amounts are BIGINT micro-coins (10^-6)
// so that 0.00001-coin taps stay exact.
const MicrosPerCoin = 1_000_000

// CoinScale is the number of fractional digits a coin amount may carry.
const CoinScale = 6

var (
	ErrAmountFormat    = errors.New("malformed coin amount")
	ErrAmountPrecision = errors.New("coin amount has too many fractional digits")
	ErrAmountRange     = errors.New("coin amount out of range")
)

var (
	microsFactor = decimal.NewFromInt(MicrosPerCoin)
	maxMicros    = decimal.NewFromInt(1<<62 - 1)
)

// ToDecimal converts micro-coins to a shopspring/decimal.Decimal coin value.
func ToDecimal(micros int64) decimal.Decimal {
	return decimal.New(micros, -CoinScale)
}

// FromDecimal converts a coin value to micro-coins, rounding toward zero. Values
// outside the storable range fail with ErrAmountRange instead of wrapping.
func FromDecimal(d decimal.Decimal) (int64, error) {
	scaled := d.Mul(microsFactor).Truncate(0)
	if scaled.Abs().GreaterThan(maxMicros) {
		return 0, fmt.Errorf("%w: %s", ErrAmountRange, d.String())
	}
	return scaled.IntPart(), nil
}

// ParseCoins parses a decimal coin string such as "0.00005" into micro-coins.
// It rejects values that cannot be represented exactly at CoinScale.
func ParseCoins(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrAmountFormat
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrAmountFormat, s)
	}
	scaled := d.Mul(microsFactor)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q", ErrAmountPrecision, s)
	}
	if scaled.Abs().GreaterThan(maxMicros) {
		return 0, fmt.Errorf("%w: %q", ErrAmountRange, s)
	}
	return scaled.IntPart(), nil
}

// FormatCoins renders micro-coins with exactly five fractional digits when the
// sixth is zero, otherwise with six.
func FormatCoins(micros int64) string {
	d := ToDecimal(micros)
	if micros%10 == 0 {
		return d.StringFixed(5)
	}
	return d.StringFixed(CoinScale)
}

// Convert scales an external amount (e.g. a donation in RUB) by a coin rate and
// returns micro-coins, rounding down.
func Convert(amount, rate decimal.Decimal) (int64, error) {
	return FromDecimal(amount.Mul(rate))
}
