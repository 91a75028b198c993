package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextSmaller(t *testing.T) {
	assert.Equal(t, TierMedium, TierLarge.NextSmaller())
	assert.Equal(t, TierSmall, TierMedium.NextSmaller())
	assert.Equal(t, Tier(""), TierSmall.NextSmaller(), "the cheapest tier has no smaller neighbor")
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("medium")
	require.NoError(t, err)
	assert.Equal(t, TierMedium, tier)

	_, err = ParseTier("jumbo")
	assert.Error(t, err)
}
