package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/brojonat/solgate/service/payment"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSignature = "5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7"

func TestFromResult_Verified(t *testing.T) {
	blockTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	result := payment.VerificationResult{
		Valid:     true,
		Sender:    "sender-wallet",
		Receiver:  "receiver-wallet",
		Amount:    decimal.RequireFromString("0.05"),
		Timestamp: blockTime,
		Slot:      4242,
	}

	event := FromResult(testSignature, "devnet", "USDC", result)

	assert.Equal(t, testSignature, event.Signature)
	assert.Equal(t, "devnet", event.Network)
	assert.Equal(t, uint64(4242), event.Slot)
	assert.Equal(t, OutcomeVerified, event.Outcome)
	assert.Equal(t, "sender-wallet", event.Sender)
	assert.Equal(t, "receiver-wallet", event.Receiver)
	assert.Equal(t, "0.05", event.Amount)
	assert.Equal(t, "USDC", event.Token)
	assert.Empty(t, event.Error)
	require.NotNil(t, event.BlockTime)
	assert.True(t, event.BlockTime.Equal(blockTime))
	assert.False(t, event.PublishedAt.IsZero())

	assert.Equal(t, SubjectVerified, event.Subject())
}

func TestFromResult_Rejected(t *testing.T) {
	result := payment.VerificationResult{
		Error:  payment.AmountMismatch,
		Detail: "expected 0.05 ±0.001 USDC, got 0.01",
	}

	event := FromResult(testSignature, "devnet", "USDC", result)

	assert.Equal(t, OutcomeRejected, event.Outcome)
	assert.Equal(t, string(payment.AmountMismatch), event.Error)
	assert.Equal(t, "expected 0.05 ±0.001 USDC, got 0.01", event.Detail)
	assert.Empty(t, event.Sender)
	assert.Empty(t, event.Amount)

	// No block time was established for the rejected proof.
	assert.Nil(t, event.BlockTime)

	assert.Equal(t, SubjectRejected, event.Subject())
}

func TestVerificationEvent_WireShape(t *testing.T) {
	event := FromResult(testSignature, "devnet", "USDC", payment.VerificationResult{
		Valid:    true,
		Receiver: "receiver-wallet",
		Amount:   decimal.RequireFromString("0.05"),
		Slot:     7,
	})

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "verified", decoded["outcome"])
	assert.Equal(t, "0.05", decoded["amount"])
	assert.Contains(t, decoded, "published_at")

	// Omitted on success: rejection fields must not appear on the wire.
	assert.NotContains(t, decoded, "error")
	assert.NotContains(t, decoded, "detail")
	// Sender attribution failed, so the key is absent rather than empty.
	assert.NotContains(t, decoded, "sender")
	// No block time reported by the ledger.
	assert.NotContains(t, decoded, "block_time")
}

func TestMockPublisher(t *testing.T) {
	publisher := NewMockPublisher()
	ctx := context.Background()

	verified := FromResult(testSignature, "devnet", "USDC", payment.VerificationResult{
		Valid:  true,
		Amount: decimal.RequireFromString("0.05"),
	})
	rejected := FromResult(testSignature, "devnet", "USDC", payment.VerificationResult{
		Error: payment.ReplayDetected,
	})

	require.NoError(t, publisher.PublishVerification(ctx, verified))
	require.NoError(t, publisher.PublishVerification(ctx, rejected))

	assert.Equal(t, 2, publisher.GetPublishedEventCount())
	assert.Len(t, publisher.GetEventsByOutcome(OutcomeVerified), 1)
	assert.Len(t, publisher.GetEventsByOutcome(OutcomeRejected), 1)

	publisher.SetPublishError(errors.New("nats down"))
	err := publisher.PublishVerification(ctx, verified)
	require.Error(t, err)
	assert.Equal(t, 2, publisher.GetPublishedEventCount())

	require.NoError(t, publisher.Close())
	assert.True(t, publisher.IsClosed())

	publisher.Reset()
	assert.Equal(t, 0, publisher.GetPublishedEventCount())
	assert.False(t, publisher.IsClosed())
}
