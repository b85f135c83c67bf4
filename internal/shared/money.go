package shared

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CurrencyScale is the number of fractional digits money carries.
const CurrencyScale = 2

// RequirePositiveAmount fails with ErrInvalidArgument unless amount > 0 and
// fits the currency scale.
func RequirePositiveAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be greater than zero", ErrInvalidArgument, field)
	}
	return requireScale(field, amount)
}

// RequireNonNegativeAmount fails with ErrInvalidArgument when amount < 0 or
// has more fractional digits than the currency scale.
func RequireNonNegativeAmount(field string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidArgument, field)
	}
	return requireScale(field, amount)
}

func requireScale(field string, amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(CurrencyScale)) {
		return fmt.Errorf("%w: %s supports at most %d decimal places", ErrInvalidArgument, field, CurrencyScale)
	}
	return nil
}
