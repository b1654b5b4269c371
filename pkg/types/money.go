package types

import (
	"errors"
	"fmt"
)

// Money represents a monetary value in a specific currency.
// All arithmetic is integer math on minor units; floating point is
// forbidden anywhere on the money path.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code
}

// ErrCurrencyMismatch is returned when arithmetic mixes currencies.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// NewMoney creates a new Money instance.
func NewMoney(amountMinor int64, currency string) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// Add adds two Money amounts. Returns error on currency mismatch or overflow.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	sum := m.AmountMinor + other.AmountMinor
	if (other.AmountMinor > 0 && sum < m.AmountMinor) || (other.AmountMinor < 0 && sum > m.AmountMinor) {
		return Money{}, fmt.Errorf("amount overflow: %d + %d", m.AmountMinor, other.AmountMinor)
	}
	return Money{AmountMinor: sum, Currency: m.Currency}, nil
}

// Sub subtracts other from m. Returns error on currency mismatch.
func (m Money) Sub(other Money) (Money, error) {
	neg := Money{AmountMinor: -other.AmountMinor, Currency: other.Currency}
	return m.Add(neg)
}

// Cmp compares m against other: -1, 0, or +1. Currencies must match.
func (m Money) Cmp(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	switch {
	case m.AmountMinor < other.AmountMinor:
		return -1, nil
	case m.AmountMinor > other.AmountMinor:
		return 1, nil
	default:
		return 0, nil
	}
}

// IsZero returns true if the amount is 0.
func (m Money) IsZero() bool { return m.AmountMinor == 0 }

// IsPositive returns true if the amount is > 0.
func (m Money) IsPositive() bool { return m.AmountMinor > 0 }

// IsNegative returns true if the amount is < 0.
func (m Money) IsNegative() bool { return m.AmountMinor < 0 }

// String renders the amount as minor units with currency, e.g. "5000000 USD".
func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.AmountMinor, m.Currency)
}

// Validate checks that the currency is a plausible ISO 4217 code and the
// amount is non-negative for disbursement contexts.
func (m Money) Validate() error {
	if len(m.Currency) != 3 {
		return fmt.Errorf("invalid currency code %q", m.Currency)
	}
	for _, r := range m.Currency {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("invalid currency code %q", m.Currency)
		}
	}
	if m.AmountMinor < 0 {
		return fmt.Errorf("negative amount %d", m.AmountMinor)
	}
	return nil
}
