package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashOneWay_Deterministic(t *testing.T) {
	a := HashOneWay("some-refresh-token")
	b := HashOneWay("some-refresh-token")
	c := HashOneWay("other-refresh-token")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestRandomToken_Unique(t *testing.T) {
	a, err := RandomToken(32)
	require.NoError(t, err)
	b, err := RandomToken(32)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRandomDigits(t *testing.T) {
	code, err := RandomDigits(6)
	require.NoError(t, err)
	require.Len(t, code, 6)
	for _, c := range code {
		assert.True(t, c >= '0' && c <= '9', "expected digit, got %c", c)
	}
}

func TestConstantTimeEquals(t *testing.T) {
	assert.True(t, ConstantTimeEquals("123456", "123456"))
	assert.False(t, ConstantTimeEquals("123456", "123457"))
	assert.False(t, ConstantTimeEquals("123456", "12345"))
}
