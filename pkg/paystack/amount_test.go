package paystack

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKoboFromNaira(t *testing.T) {
	t.Parallel()

	kobo, err := KoboFromNaira(decimal.NewFromFloat(1500.50))
	require.NoError(t, err)
	assert.Equal(t, int64(150050), kobo)

	kobo, err = KoboFromNaira(decimal.NewFromInt(0))
	require.NoError(t, err)
	assert.Zero(t, kobo)

	_, err = KoboFromNaira(decimal.NewFromFloat(10.005))
	assert.Error(t, err)
}

func TestNairaFromKobo(t *testing.T) {
	t.Parallel()

	assert.True(t, NairaFromKobo(150050).Equal(decimal.NewFromFloat(1500.50)))
	assert.True(t, NairaFromKobo(0).Equal(decimal.Zero))
}
