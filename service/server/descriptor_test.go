package server

import (
	"bytes"
	"encoding/base64"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/solgate/service/config"
)

func TestNewPaymentRequirement(t *testing.T) {
	req := NewPaymentRequirement(testConfig())

	assert.Equal(t, testReceiver, req.Receiver)
	assert.Equal(t, "0.05", req.Amount.String())
	assert.Equal(t, "USDC", req.Token)
	assert.Equal(t, "devnet", req.Network)
	assert.Contains(t, req.Instructions, testReceiver)
	assert.Contains(t, req.Instructions, "0.05 USDC")
	assert.Contains(t, req.Instructions, "X-Payment-Signature")

	require.NotEmpty(t, req.SolanaPayURL)
	assert.True(t, strings.HasPrefix(req.SolanaPayURL, "solana:"+testReceiver+"?"), req.SolanaPayURL)

	parsed, err := url.Parse(req.SolanaPayURL)
	require.NoError(t, err)
	assert.Equal(t, "solana", parsed.Scheme)
	assert.Equal(t, testReceiver, parsed.Opaque)

	query := parsed.Query()
	assert.Equal(t, "0.05", query.Get("amount"))
	assert.Equal(t, config.DefaultUSDCDevnetMint, query.Get("spl-token"))
	assert.Equal(t, "Solgate", query.Get("label"))
	assert.Contains(t, query.Get("message"), "USDC")

	// The QR code is a base64 PNG of the pay URL, rendered once at startup.
	require.NotEmpty(t, req.QRCode)
	png, err := base64.StdEncoding.DecodeString(req.QRCode)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}

func TestNewPaymentRequirement_MainnetMint(t *testing.T) {
	cfg := testConfig()
	cfg.PaymentNetwork = config.NetworkMainnet

	req := NewPaymentRequirement(cfg)

	assert.Equal(t, "mainnet", req.Network)
	parsed, err := url.Parse(req.SolanaPayURL)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultUSDCMainnetMint, parsed.Query().Get("spl-token"))
}
