package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreProvider_Deterministic(t *testing.T) {
	provider := ScoreProvider{}

	first, err := provider.Provide(context.Background(), testSender)
	require.NoError(t, err)
	second, err := provider.Provide(context.Background(), testSender)
	require.NoError(t, err)

	var a, b scorePayload
	require.NoError(t, json.Unmarshal(first, &a))
	require.NoError(t, json.Unmarshal(second, &b))

	assert.Equal(t, a.Score, b.Score)
	assert.Equal(t, a.Band, b.Band)
	assert.Equal(t, testSender, a.Wallet)
	assert.Equal(t, "demo-v1", a.Model)
	assert.False(t, a.ComputedAt.IsZero())
}

func TestScoreProvider_RangeAndBands(t *testing.T) {
	provider := ScoreProvider{}

	wallets := []string{testSender, testReceiver, otherWallet, "", "one-more-wallet"}
	for _, wallet := range wallets {
		raw, err := provider.Provide(context.Background(), wallet)
		require.NoError(t, err)

		var payload scorePayload
		require.NoError(t, json.Unmarshal(raw, &payload))

		assert.GreaterOrEqual(t, payload.Score, uint64(300))
		assert.LessOrEqual(t, payload.Score, uint64(850))
		switch {
		case payload.Score >= 740:
			assert.Equal(t, "prime", payload.Band)
		case payload.Score >= 620:
			assert.Equal(t, "near-prime", payload.Band)
		default:
			assert.Equal(t, "subprime", payload.Band)
		}
	}
}
