package wallet

import (
	"math"

	"github.com/shopspring/decimal"
)

// Money is a validated positive, finite amount. The zero value is not a
// valid Money; construct it with NewMoney or NewMoneyFromDecimal.
type Money struct {
	value decimal.Decimal
}

// NewMoney rejects NaN, ±Inf, zero and negative amounts.
func NewMoney(amount float64) (Money, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Money{}, &InvalidAmountError{Reason: "must be a finite number"}
	}
	return NewMoneyFromDecimal(decimal.NewFromFloat(amount))
}

func NewMoneyFromDecimal(d decimal.Decimal) (Money, error) {
	if !d.IsPositive() {
		return Money{}, &InvalidAmountError{Reason: "must be greater than zero"}
	}
	return Money{value: d}, nil
}

func (m Money) Decimal() decimal.Decimal { return m.value }
func (m Money) String() string           { return m.value.String() }
