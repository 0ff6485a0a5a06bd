package wallet_test

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/wallet"
)

func TestNewMoney_AcceptsPositiveFiniteAmounts(t *testing.T) {
	for _, amount := range []float64{0.01, 1, 50, 1500.75, 1e12} {
		m, err := wallet.NewMoney(amount)
		require.NoError(t, err, "amount %v", amount)
		assert.True(t, m.Decimal().Equal(decimal.NewFromFloat(amount)))
	}
}

func TestNewMoney_RejectsInvalidAmounts(t *testing.T) {
	cases := map[string]float64{
		"zero":          0,
		"negative":      -5,
		"tiny negative": -0.0001,
		"NaN":           math.NaN(),
		"+Inf":          math.Inf(1),
		"-Inf":          math.Inf(-1),
	}
	for name, amount := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := wallet.NewMoney(amount)
			require.Error(t, err)
			assert.ErrorIs(t, err, wallet.ErrInvalidAmount)
			assert.Equal(t, wallet.KindInvalidAmount, wallet.KindOf(err))
		})
	}
}

func TestNewMoney_KeepsDecimalPrecision(t *testing.T) {
	a, err := wallet.NewMoney(0.1)
	require.NoError(t, err)
	b, err := wallet.NewMoney(0.2)
	require.NoError(t, err)

	assert.Equal(t, "0.3", a.Decimal().Add(b.Decimal()).String())
}
