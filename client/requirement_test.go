package client

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testReceiver = "BHV3eX9CJ8DfDQYjTaQvSfgBiyzsD2VrWrE8GdhDy9Ki"

func TestDecodeRequirement(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		header       http.Header
		wantReceiver string
		wantAmount   string
		wantToken    string
		wantNetwork  string
	}{
		{
			name:         "payment object",
			body:         `{"status":402,"message":"payment required","payment":{"receiver":"` + testReceiver + `","amount":"0.05","token":"USDC","network":"devnet"}}`,
			wantReceiver: testReceiver,
			wantAmount:   "0.05",
			wantToken:    "USDC",
			wantNetwork:  "devnet",
		},
		{
			name:         "x402 style top level",
			body:         `{"maxAmountRequired":"0.01","payTo":"` + testReceiver + `","asset":"USDC","network":"mainnet"}`,
			wantReceiver: testReceiver,
			wantAmount:   "0.01",
			wantToken:    "USDC",
			wantNetwork:  "mainnet",
		},
		{
			name:         "snake case aliases",
			body:         `{"pay_to":"` + testReceiver + `","max_amount_required":"0.07","currency":"USDC","cluster":"devnet"}`,
			wantReceiver: testReceiver,
			wantAmount:   "0.07",
			wantToken:    "USDC",
			wantNetwork:  "devnet",
		},
		{
			name:         "bare number amount",
			body:         `{"receiver":"` + testReceiver + `","amount":0.05}`,
			wantReceiver: testReceiver,
			wantAmount:   "0.05",
		},
		{
			name: "header fallback",
			body: `<html>payment required</html>`,
			header: http.Header{
				"X-Payment-Receiver": {testReceiver},
				"X-Payment-Amount":   {"0.05"},
				"X-Payment-Token":    {"USDC"},
				"X-Payment-Network":  {"devnet"},
			},
			wantReceiver: testReceiver,
			wantAmount:   "0.05",
			wantToken:    "USDC",
			wantNetwork:  "devnet",
		},
		{
			name: "payment object wins over top level and headers",
			body: `{"amount":"0.99","payment":{"receiver":"` + testReceiver + `","amount":"0.05"}}`,
			header: http.Header{
				"X-Payment-Amount": {"0.42"},
			},
			wantReceiver: testReceiver,
			wantAmount:   "0.05",
		},
		{
			name: "body fills what headers miss",
			body: `{"receiver":"` + testReceiver + `","amount":"0.05"}`,
			header: http.Header{
				"X-Payment-Network": {"devnet"},
			},
			wantReceiver: testReceiver,
			wantAmount:   "0.05",
			wantNetwork:  "devnet",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := tt.header
			if header == nil {
				header = http.Header{}
			}

			requirement, err := decodeRequirement([]byte(tt.body), header)
			require.NoError(t, err)

			assert.Equal(t, tt.wantReceiver, requirement.Receiver)
			assert.Equal(t, tt.wantAmount, requirement.Amount.String())
			assert.Equal(t, tt.wantToken, requirement.Token)
			assert.Equal(t, tt.wantNetwork, requirement.Network)
		})
	}
}

func TestDecodeRequirement_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing receiver",
			body:    `{"amount":"0.05"}`,
			wantErr: "missing or invalid",
		},
		{
			name:    "missing amount",
			body:    `{"receiver":"` + testReceiver + `"}`,
			wantErr: "missing or invalid",
		},
		{
			name:    "receiver too short",
			body:    `{"receiver":"tooshort","amount":"0.05"}`,
			wantErr: "missing or invalid",
		},
		{
			name:    "unknown network",
			body:    `{"receiver":"` + testReceiver + `","amount":"0.05","network":"testnet"}`,
			wantErr: "missing or invalid",
		},
		{
			name:    "token symbol too long",
			body:    `{"receiver":"` + testReceiver + `","amount":"0.05","token":"ANEXTREMELYLONGSYMBOL"}`,
			wantErr: "missing or invalid",
		},
		{
			name:    "unparseable amount",
			body:    `{"receiver":"` + testReceiver + `","amount":"free"}`,
			wantErr: "invalid amount",
		},
		{
			name:    "zero amount",
			body:    `{"receiver":"` + testReceiver + `","amount":"0"}`,
			wantErr: "non-positive amount",
		},
		{
			name:    "negative amount",
			body:    `{"receiver":"` + testReceiver + `","amount":"-0.05"}`,
			wantErr: "non-positive amount",
		},
		{
			name:    "nothing anywhere",
			body:    `{}`,
			wantErr: "missing or invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeRequirement([]byte(tt.body), http.Header{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
