// Package client pays for gated resources. Pay issues the request, reads
// the payment requirement from a 402 response, executes the transfer
// through a Wallet, and retries the request with the resulting signature
// as proof.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// proofHeader carries the payment proof on the paid retry.
const proofHeader = "X-Payment-Signature"

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20 // 4MB

var (
	// ErrBudgetExceeded is returned when the required amount is above the
	// caller's budget. No transfer is attempted.
	ErrBudgetExceeded = errors.New("required amount exceeds budget")

	// ErrInsufficientBalance is returned when the paying wallet does not
	// hold enough of the token. No transaction is submitted.
	ErrInsufficientBalance = errors.New("insufficient token balance")

	// ErrNoWallet is returned when payment is required but the client was
	// built without a wallet.
	ErrNoWallet = errors.New("payment required but no wallet is configured")
)

// PayOutcome reports how far a payment attempt got. On failure it still
// carries the furthest-reached status code and any proof signature, so
// callers can audit which payment funded which result.
type PayOutcome struct {
	Success        bool
	StatusCode     int    // last HTTP status received; 0 if no response arrived
	Body           []byte // last response body
	ProofSignature string // signature of the executed transfer, if one happened
	Paid           decimal.Decimal
	Requirement    *Requirement // decoded requirement, when a 402 was parsed
}

// Client pays for gated HTTP resources.
type Client struct {
	baseURL    string
	httpClient *http.Client
	wallet     Wallet
	logger     *slog.Logger
}

// NewClient creates a payment client. The httpClient and logger may be nil;
// the wallet may also be nil, in which case Pay can only fetch resources
// that turn out not to require payment.
func NewClient(baseURL string, httpClient *http.Client, wallet Wallet, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		wallet:     wallet,
		logger:     logger,
	}
}

// Pay fetches a gated resource, paying for it if the server demands it.
//
// The request is issued as given. A non-402 response is returned verbatim.
// On a 402 the requirement descriptor is decoded, checked against
// maxAmount, and settled through the wallet; the request is then retried
// once, identical except for the proof header. The transfer itself is
// never retried.
func (c *Client) Pay(ctx context.Context, resourceURL string, maxAmount decimal.Decimal, opts ...RequestOption) (*PayOutcome, error) {
	options := defaultRequestOptions()
	for _, opt := range opts {
		opt(&options)
	}

	outcome := &PayOutcome{}

	// Step 1: the unpaid request.
	status, header, body, err := c.do(ctx, resourceURL, options, "")
	if err != nil {
		return outcome, fmt.Errorf("initial request failed: %w", err)
	}
	outcome.StatusCode = status
	outcome.Body = body

	// Step 2: anything but "payment required" is the final answer.
	if status != http.StatusPaymentRequired {
		outcome.Success = status >= 200 && status < 300
		return outcome, nil
	}

	// Step 3: decode what the server wants.
	requirement, err := decodeRequirement(body, header)
	if err != nil {
		return outcome, fmt.Errorf("cannot pay: %w", err)
	}
	outcome.Requirement = requirement

	c.logger.Debug("payment required",
		"receiver", requirement.Receiver,
		"amount", requirement.Amount.String(),
		"token", requirement.Token,
		"network", requirement.Network,
	)

	// Step 4: the budget check is the only spending control and runs
	// before any wallet interaction.
	if requirement.Amount.GreaterThan(maxAmount) {
		return outcome, fmt.Errorf("%w: required %s, budget %s",
			ErrBudgetExceeded, requirement.Amount, maxAmount)
	}

	if c.wallet == nil {
		return outcome, ErrNoWallet
	}

	// Step 5: execute the transfer and wait for confirmation.
	signature, err := c.wallet.Transfer(ctx, TransferRequest{
		Receiver: requirement.Receiver,
		Amount:   requirement.Amount,
		Token:    requirement.Token,
		Network:  requirement.Network,
	})
	if err != nil {
		return outcome, fmt.Errorf("transfer failed: %w", err)
	}
	outcome.ProofSignature = signature
	outcome.Paid = requirement.Amount

	c.logger.Info("payment executed",
		"signature", signature,
		"amount", requirement.Amount.String(),
		"receiver", requirement.Receiver,
	)

	// Step 6: the paid retry, identical except for the proof header.
	status, _, body, err = c.do(ctx, resourceURL, options, signature)
	if err != nil {
		return outcome, fmt.Errorf("paid retry failed: %w", err)
	}
	outcome.StatusCode = status
	outcome.Body = body
	outcome.Success = status >= 200 && status < 300

	// Step 7: surface a rejected payment with enough detail to act on.
	if !outcome.Success {
		return outcome, fmt.Errorf("paid request rejected with status %d: %s", status, errorMessage(body))
	}
	return outcome, nil
}

// do issues one request and reads the response. The proof, when non-empty,
// is attached in the proof header.
func (c *Client) do(ctx context.Context, resourceURL string, options requestOptions, proof string) (int, http.Header, []byte, error) {
	var bodyReader io.Reader
	if len(options.body) > 0 {
		bodyReader = bytes.NewReader(options.body)
	}

	req, err := http.NewRequestWithContext(ctx, options.method, c.resolveURL(resourceURL), bodyReader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range options.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if proof != "" {
		req.Header.Set(proofHeader, proof)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

// resolveURL joins a path-only resource with the configured base URL.
// Absolute URLs pass through untouched.
func (c *Client) resolveURL(resourceURL string) string {
	if strings.HasPrefix(resourceURL, "http://") || strings.HasPrefix(resourceURL, "https://") {
		return resourceURL
	}
	return strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(resourceURL, "/")
}

// errorMessage extracts the server's error message from a response body,
// falling back to the raw body.
func errorMessage(body []byte) string {
	var errResp struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return strings.TrimSpace(string(body))
	}
	if errResp.Details != "" {
		return errResp.Error + ": " + errResp.Details
	}
	return errResp.Error
}
