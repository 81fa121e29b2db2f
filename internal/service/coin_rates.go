package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tapcoin/wallet/internal/domain"
)

var ErrUnknownCurrency = errors.New("unknown currency")

// CoinRateService converts external amounts into coins.
type CoinRateService interface {
	// CoinsFor returns micro-coins for amount units of currency, rounded down.
	CoinsFor(ctx context.Context, amount decimal.Decimal, currency string) (int64, error)
}

// StaticCoinRates is a fixed table of coins per currency unit.
type StaticCoinRates struct {
	rates map[string]decimal.Decimal
}

func NewStaticCoinRates(rates map[string]decimal.Decimal) *StaticCoinRates {
	normalized := make(map[string]decimal.Decimal, len(rates))
	for code, rate := range rates {
		normalized[strings.ToUpper(strings.TrimSpace(code))] = rate
	}
	return &StaticCoinRates{rates: normalized}
}

// ParseCoinRates reads "USD=1.5,RUB=0.01".
func ParseCoinRates(raw string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("coin rate %q: expected CODE=RATE", part)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("coin rate %q: invalid rate", part)
		}
		rates[strings.ToUpper(strings.TrimSpace(code))] = rate
	}
	return rates, nil
}

func (s *StaticCoinRates) CoinsFor(_ context.Context, amount decimal.Decimal, currency string) (int64, error) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		code = domain.CoinCurrency
	}
	if code == domain.CoinCurrency {
		return domain.FromDecimal(amount)
	}
	rate, ok := s.rates[code]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	return domain.Convert(amount, rate)
}
