package server

import (
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"

	"github.com/brojonat/solgate/service/config"
)

// PaymentRequirement describes the payment a caller must make before the
// gated resource is released. It is embedded in 402 responses, served bare
// from /api/v1/requirement, and mirrored into X-Payment-* headers for
// clients that do not parse bodies.
type PaymentRequirement struct {
	Receiver     string          `json:"receiver"`            // service wallet to pay
	Amount       decimal.Decimal `json:"amount"`              // human units, e.g. 0.05
	Token        string          `json:"token"`               // token symbol, e.g. "USDC"
	Network      string          `json:"network"`             // "mainnet" or "devnet"
	Instructions string          `json:"instructions"`        // prose for humans
	SolanaPayURL string          `json:"solana_pay_url"`      // for wallet apps
	QRCode       string          `json:"qr_code,omitempty"`   // base64 PNG of SolanaPayURL
}

// NewPaymentRequirement builds the requirement descriptor from the service
// payment settings. The descriptor is static for the life of the process,
// so the QR code is rendered once here. QR generation is best-effort; a
// failure leaves the field empty rather than failing the server.
func NewPaymentRequirement(cfg *config.Config) *PaymentRequirement {
	req := &PaymentRequirement{
		Receiver: cfg.PaymentReceiver,
		Amount:   cfg.PaymentAmount,
		Token:    cfg.PaymentToken,
		Network:  cfg.PaymentNetwork,
		Instructions: fmt.Sprintf(
			"Transfer %s %s to %s on Solana %s, then retry this request with the transaction signature in the %s header.",
			cfg.PaymentAmount.String(), cfg.PaymentToken, cfg.PaymentReceiver, cfg.PaymentNetwork, proofHeader,
		),
	}

	mint, err := cfg.MintForNetwork(cfg.PaymentNetwork)
	if err != nil {
		return req
	}
	req.SolanaPayURL = buildSolanaPayURL(cfg.PaymentReceiver, cfg.PaymentAmount, mint, cfg.PaymentToken)

	if qr, err := generateQRCode(req.SolanaPayURL); err == nil {
		req.QRCode = qr
	}

	return req
}

// buildSolanaPayURL creates a Solana Pay-compatible URL for the payment.
// Format: solana:{recipient}?amount={amount}&spl-token={mint}&label={label}&message={message}
func buildSolanaPayURL(recipient string, amount decimal.Decimal, tokenMint, token string) string {
	params := url.Values{}
	params.Set("amount", amount.String())
	params.Set("spl-token", tokenMint)
	params.Set("label", "Solgate")
	params.Set("message", fmt.Sprintf("%s payment for gated API access", token))

	return fmt.Sprintf("solana:%s?%s", recipient, params.Encode())
}

// generateQRCode renders a payment URL as a base64-encoded PNG.
func generateQRCode(data string) (string, error) {
	// Generate QR code with medium error correction
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	// Encode as PNG (256x256 pixels)
	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}

	// Base64 for easy embedding in JSON
	return base64.StdEncoding.EncodeToString(png), nil
}
