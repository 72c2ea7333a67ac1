package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/solgate/client"
	"github.com/brojonat/solgate/service/config"
)

func TestIsTruthy(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want bool
	}{
		{name: "nil is falsy", in: nil, want: false},
		{name: "false is falsy", in: false, want: false},
		{name: "true is truthy", in: true, want: true},
		{name: "zero is truthy", in: float64(0), want: true},
		{name: "empty string is truthy", in: "", want: true},
		{name: "object is truthy", in: map[string]any{}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTruthy(tt.in))
		})
	}
}

func TestApplyJQFilter(t *testing.T) {
	view := outcomeView{
		Success:    true,
		StatusCode: 200,
		Paid:       "0.05",
		Body:       json.RawMessage(`{"score":712}`),
	}

	tests := []struct {
		name    string
		filter  string
		view    outcomeView
		wantErr string
	}{
		{name: "truthy boolean", filter: ".success", view: view},
		{name: "truthy number", filter: ".status_code", view: view},
		{name: "nested body field", filter: ".body.score == 712", view: view},
		{name: "falsy result fails", filter: ".success", view: outcomeView{Success: false, StatusCode: 500}, wantErr: "produced no truthy result"},
		{name: "absent field is null", filter: ".proof_signature", view: view, wantErr: "produced no truthy result"},
		{name: "invalid filter", filter: ".[", view: view, wantErr: "invalid jq filter"},
		{name: "evaluation error", filter: `"a" + 1`, view: view, wantErr: "jq evaluation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := applyJQFilter(tt.filter, tt.view)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNetworkDefaults(t *testing.T) {
	rpcURL, mint, err := networkDefaults(config.NetworkDevnet, "", "")
	require.NoError(t, err)
	assert.Equal(t, "https://api.devnet.solana.com", rpcURL)
	assert.Equal(t, config.DefaultUSDCDevnetMint, mint)

	rpcURL, mint, err = networkDefaults(config.NetworkMainnet, "", "")
	require.NoError(t, err)
	assert.Equal(t, "https://api.mainnet-beta.solana.com", rpcURL)
	assert.Equal(t, config.DefaultUSDCMainnetMint, mint)

	rpcURL, mint, err = networkDefaults(config.NetworkDevnet, "http://localhost:8899", "MyMint")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8899", rpcURL)
	assert.Equal(t, "MyMint", mint)

	_, _, err = networkDefaults("testnet", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown network "testnet"`)
}

func TestLoadKeypair(t *testing.T) {
	keypair := solana.NewWallet()
	dir := t.TempDir()

	t.Run("base58 file", func(t *testing.T) {
		path := filepath.Join(dir, "base58.key")
		require.NoError(t, os.WriteFile(path, []byte(keypair.PrivateKey.String()+"\n"), 0o600))

		got, err := loadKeypair(path)
		require.NoError(t, err)
		assert.Equal(t, keypair.PrivateKey.String(), got)
	})

	t.Run("solana-keygen json array", func(t *testing.T) {
		raw := []byte(keypair.PrivateKey)
		ints := make([]int, len(raw))
		for i, b := range raw {
			ints[i] = int(b)
		}
		data, err := json.Marshal(ints)
		require.NoError(t, err)

		path := filepath.Join(dir, "keygen.json")
		require.NoError(t, os.WriteFile(path, data, 0o600))

		got, err := loadKeypair(path)
		require.NoError(t, err)
		assert.Equal(t, keypair.PrivateKey.String(), got)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadKeypair(filepath.Join(dir, "missing.key"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read keypair file")
	})

	t.Run("garbage json array", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.json")
		require.NoError(t, os.WriteFile(path, []byte("[1,2,3]"), 0o600))

		_, err := loadKeypair(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse keypair file")
	})
}

func TestNewOutcomeView(t *testing.T) {
	t.Run("json body", func(t *testing.T) {
		view := newOutcomeView(&client.PayOutcome{
			Success:        true,
			StatusCode:     200,
			ProofSignature: "5sig",
			Paid:           decimal.RequireFromString("0.05"),
			Body:           []byte(`{"score":712}`),
		})

		assert.True(t, view.Success)
		assert.Equal(t, 200, view.StatusCode)
		assert.Equal(t, "5sig", view.ProofSignature)
		assert.Equal(t, "0.05", view.Paid)
		assert.Equal(t, json.RawMessage(`{"score":712}`), view.Body)
		assert.Empty(t, view.BodyText)
	})

	t.Run("text body", func(t *testing.T) {
		view := newOutcomeView(&client.PayOutcome{
			StatusCode: 502,
			Body:       []byte("bad gateway"),
		})

		assert.False(t, view.Success)
		assert.Empty(t, view.Body)
		assert.Equal(t, "bad gateway", view.BodyText)
	})

	t.Run("unpaid outcome omits payment fields", func(t *testing.T) {
		view := newOutcomeView(&client.PayOutcome{Success: true, StatusCode: 200})

		data, err := json.Marshal(view)
		require.NoError(t, err)

		var doc map[string]any
		require.NoError(t, json.Unmarshal(data, &doc))
		assert.NotContains(t, doc, "proof_signature")
		assert.NotContains(t, doc, "paid")
		assert.NotContains(t, doc, "body")
		assert.NotContains(t, doc, "body_text")
	})
}
