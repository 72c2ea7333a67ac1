package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProofSignature = "4Umk1E47BhUNBHJQGJto6i5xpATqVs8UxGUWEPFanqAb18BQ8TTXLqnAkCSqVQrRJGNpMBFvWCfRz9h8KsGVoAQC"

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeWallet struct {
	mu        sync.Mutex
	requests  []TransferRequest
	signature string
	err       error
}

func (w *fakeWallet) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requests = append(w.requests, req)
	if w.err != nil {
		return "", w.err
	}
	return w.signature, nil
}

func (w *fakeWallet) transferCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.requests)
}

func requirementBody() string {
	return `{"status":402,"message":"payment required","payment":{"receiver":"` + testReceiver + `","amount":"0.05","token":"USDC","network":"devnet"}}`
}

// recordingHandler serves a 402 requirement until the expected proof shows
// up in X-Payment-Signature, recording every request it sees.
type recordingHandler struct {
	mu     sync.Mutex
	proofs []string
	bodies []string
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	proof := r.Header.Get("X-Payment-Signature")

	h.mu.Lock()
	h.proofs = append(h.proofs, proof)
	h.bodies = append(h.bodies, string(body))
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if proof == "" {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, requirementBody())
		return
	}
	fmt.Fprint(w, `{"data":{"score":712,"band":"near-prime"}}`)
}

func (h *recordingHandler) seenProofs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.proofs...)
}

func (h *recordingHandler) seenBodies() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.bodies...)
}

func TestPay_NoPaymentNeeded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":"free"}`)
	}))
	defer srv.Close()

	cl := NewClient(srv.URL, nil, nil, testLogger())
	outcome, err := cl.Pay(context.Background(), "/api/v1/score", decimal.RequireFromString("1"))
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.Empty(t, outcome.ProofSignature)
	assert.Nil(t, outcome.Requirement)
	assert.Contains(t, string(outcome.Body), "free")
	assert.Equal(t, int32(1), calls.Load())
}

func TestPay_NonPaymentErrorPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cl := NewClient(srv.URL, nil, &fakeWallet{signature: testProofSignature}, testLogger())
	outcome, err := cl.Pay(context.Background(), "/api/v1/score", decimal.RequireFromString("1"))
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	assert.Equal(t, http.StatusInternalServerError, outcome.StatusCode)
	assert.Empty(t, outcome.ProofSignature)
}

func TestPay_FullFlow(t *testing.T) {
	handler := &recordingHandler{}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	wallet := &fakeWallet{signature: testProofSignature}
	cl := NewClient(srv.URL, nil, wallet, testLogger())

	outcome, err := cl.Pay(context.Background(), "/api/v1/score", decimal.RequireFromString("0.10"))
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.Equal(t, testProofSignature, outcome.ProofSignature)
	assert.Equal(t, "0.05", outcome.Paid.String())
	assert.Contains(t, string(outcome.Body), "712")

	require.NotNil(t, outcome.Requirement)
	assert.Equal(t, testReceiver, outcome.Requirement.Receiver)
	assert.Equal(t, "USDC", outcome.Requirement.Token)
	assert.Equal(t, "devnet", outcome.Requirement.Network)

	// The wallet was handed the decoded requirement verbatim.
	require.Equal(t, 1, wallet.transferCount())
	assert.Equal(t, testReceiver, wallet.requests[0].Receiver)
	assert.Equal(t, "0.05", wallet.requests[0].Amount.String())
	assert.Equal(t, "devnet", wallet.requests[0].Network)

	// Exactly two requests: the unpaid probe and the paid retry.
	proofs := handler.seenProofs()
	require.Len(t, proofs, 2)
	assert.Equal(t, "", proofs[0])
	assert.Equal(t, testProofSignature, proofs[1])
}

func TestPay_BudgetExceeded(t *testing.T) {
	handler := &recordingHandler{}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	wallet := &fakeWallet{signature: testProofSignature}
	cl := NewClient(srv.URL, nil, wallet, testLogger())

	outcome, err := cl.Pay(context.Background(), "/api/v1/score", decimal.RequireFromString("0.01"))
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Contains(t, err.Error(), "required 0.05")
	assert.Contains(t, err.Error(), "budget 0.01")
	assert.Equal(t, 0, wallet.transferCount())
	assert.Equal(t, http.StatusPaymentRequired, outcome.StatusCode)
	require.NotNil(t, outcome.Requirement)
	assert.Equal(t, testReceiver, outcome.Requirement.Receiver)
}

func TestPay_NoWallet(t *testing.T) {
	handler := &recordingHandler{}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	cl := NewClient(srv.URL, nil, nil, testLogger())
	outcome, err := cl.Pay(context.Background(), "/api/v1/score", decimal.RequireFromString("1"))
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrNoWallet)
	assert.Equal(t, http.StatusPaymentRequired, outcome.StatusCode)
	require.Len(t, handler.seenProofs(), 1)
}

func TestPay_TransferFails(t *testing.T) {
	handler := &recordingHandler{}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	wallet := &fakeWallet{err: fmt.Errorf("%w: have 0 base units, need 50000", ErrInsufficientBalance)}
	cl := NewClient(srv.URL, nil, wallet, testLogger())

	outcome, err := cl.Pay(context.Background(), "/api/v1/score", decimal.RequireFromString("1"))
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Contains(t, err.Error(), "transfer failed")
	assert.Empty(t, outcome.ProofSignature)
	require.NotNil(t, outcome.Requirement)

	// No paid retry without a proof.
	require.Len(t, handler.seenProofs(), 1)
}

func TestPay_PaidRetryRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		if r.Header.Get("X-Payment-Signature") == "" {
			fmt.Fprint(w, requirementBody())
			return
		}
		fmt.Fprint(w, `{"error":"replay_detected","details":"signature was already accepted as payment"}`)
	}))
	defer srv.Close()

	wallet := &fakeWallet{signature: testProofSignature}
	cl := NewClient(srv.URL, nil, wallet, testLogger())

	outcome, err := cl.Pay(context.Background(), "/api/v1/score", decimal.RequireFromString("1"))
	require.Error(t, err)

	assert.Contains(t, err.Error(), "paid request rejected with status 402")
	assert.Contains(t, err.Error(), "replay_detected: signature was already accepted")
	assert.False(t, outcome.Success)
	assert.Equal(t, http.StatusPaymentRequired, outcome.StatusCode)
	assert.Equal(t, testProofSignature, outcome.ProofSignature)
	assert.Equal(t, "0.05", outcome.Paid.String())
}

func TestPay_PostBodyResent(t *testing.T) {
	handler := &recordingHandler{}

	var contentTypes []string
	var traces []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		contentTypes = append(contentTypes, r.Header.Get("Content-Type"))
		traces = append(traces, r.Header.Get("X-Trace"))
		mu.Unlock()
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	wallet := &fakeWallet{signature: testProofSignature}
	cl := NewClient(srv.URL, nil, wallet, testLogger())

	outcome, err := cl.Pay(context.Background(), "/api/v1/score", decimal.RequireFromString("1"),
		WithMethod(http.MethodPost),
		WithBody("application/json", []byte(`{"q":"score"}`)),
		WithHeader("X-Trace", "abc123"),
	)
	require.NoError(t, err)
	assert.True(t, outcome.Success)

	bodies := handler.seenBodies()
	require.Len(t, bodies, 2)
	assert.Equal(t, `{"q":"score"}`, bodies[0])
	assert.Equal(t, bodies[0], bodies[1])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"application/json", "application/json"}, contentTypes)
	assert.Equal(t, []string{"abc123", "abc123"}, traces)
}

func TestPay_MalformedRequirement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `<html>pay me</html>`)
	}))
	defer srv.Close()

	wallet := &fakeWallet{signature: testProofSignature}
	cl := NewClient(srv.URL, nil, wallet, testLogger())

	outcome, err := cl.Pay(context.Background(), "/api/v1/score", decimal.RequireFromString("1"))
	require.Error(t, err)

	assert.Contains(t, err.Error(), "cannot pay")
	assert.Equal(t, http.StatusPaymentRequired, outcome.StatusCode)
	assert.Nil(t, outcome.Requirement)
	assert.Equal(t, 0, wallet.transferCount())
}

func TestResolveURL(t *testing.T) {
	cl := NewClient("http://localhost:8080/", nil, nil, testLogger())

	assert.Equal(t, "http://localhost:8080/api/v1/score", cl.resolveURL("/api/v1/score"))
	assert.Equal(t, "http://localhost:8080/api/v1/score", cl.resolveURL("api/v1/score"))
	assert.Equal(t, "https://other.example.com/x", cl.resolveURL("https://other.example.com/x"))
	assert.Equal(t, "http://plain.example.com/y", cl.resolveURL("http://plain.example.com/y"))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "replay_detected: already accepted",
		errorMessage([]byte(`{"error":"replay_detected","details":"already accepted"}`)))
	assert.Equal(t, "amount_mismatch",
		errorMessage([]byte(`{"error":"amount_mismatch"}`)))
	assert.Equal(t, "plain text body",
		errorMessage([]byte("  plain text body\n")))
}
