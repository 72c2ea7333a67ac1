package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/brojonat/solgate/service/events"
	"github.com/brojonat/solgate/service/payment"
	"github.com/brojonat/solgate/service/receipts"
)

const (
	// The gate never reads a request body today, but POST callers may send
	// one and it must not be unbounded.
	maxRequestBodySize = 1 << 20 // 1MB

	maxAddressLength = 100 // Solana addresses are 44 chars, give buffer
	maxProofLength   = 100 // base58 signatures are 87-88 chars, give buffer

	// proofHeader carries the payment proof, either raw or "Bearer "-prefixed.
	proofHeader = "X-Payment-Signature"
)

var (
	// Valid base58 characters for Solana addresses and signatures (no 0, O, I, l)
	validBase58Regex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// handleScore returns the handler for the gated score resource.
// GET|POST /api/v1/score?wallet={address}
//
// A request without a payment proof receives a 402 carrying the
// PaymentRequirement descriptor. A request with a proof goes through the
// verification engine: a valid proof yields the payload, anything else a
// 402 denial that repeats the required payment parameters so the caller can
// pay and retry without re-discovering them. A structurally impossible
// proof is a 400.
func handleScore(verifier *payment.Verifier, requirement *PaymentRequirement, provider PayloadProvider, publisher events.Publisher, store *receipts.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		proof, ok := proofFromRequest(r)
		if !ok {
			logger.DebugContext(r.Context(), "request without payment proof",
				"method", r.Method,
				"remote_addr", r.RemoteAddr,
			)
			writePaymentRequired(w, requirement)
			return
		}

		if err := validateProof(proof); err != nil {
			logger.DebugContext(r.Context(), "malformed payment proof", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Resolve the payload subject before verification. An invalid
		// override has to fail while the proof is still unspent, or the
		// caller would burn a valid payment on a typo.
		subjectOverride := r.URL.Query().Get("wallet")
		if subjectOverride != "" {
			if err := validateAddress(subjectOverride); err != nil {
				logger.DebugContext(r.Context(), "invalid wallet override", "wallet", subjectOverride, "error", err)
				writeError(w, fmt.Sprintf("invalid wallet parameter: %v", err), http.StatusBadRequest)
				return
			}
		}

		result := verifier.Verify(r.Context(), proof, requirement.Amount, requirement.Receiver, requirement.Network)

		if publisher != nil {
			event := events.FromResult(proof, requirement.Network, requirement.Token, result)
			if err := publisher.PublishVerification(r.Context(), event); err != nil {
				logger.WarnContext(r.Context(), "failed to publish verification event",
					"signature", proof,
					"error", err,
				)
			}
		}

		if !result.Valid {
			// The engine rejects proofs that pass the cheap shape check
			// here but still fail to decode as a 64-byte signature. Those
			// are a caller formatting problem, not a payment problem.
			if result.Error == payment.MalformedProof {
				writeError(w, "malformed payment proof: "+result.Detail, http.StatusBadRequest)
				return
			}
			writeDenial(w, requirement, result)
			return
		}

		if store != nil {
			recordReceipt(r.Context(), store, requirement, proof, result, logger)
		}

		subject := result.Sender
		if subjectOverride != "" {
			subject = subjectOverride
		}

		payload, err := provider.Provide(r.Context(), subject)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to produce gated payload",
				"subject", subject,
				"signature", proof,
				"error", err,
			)
			writeError(w, "failed to produce payload", http.StatusInternalServerError)
			return
		}

		writeJSON(w, scoreResponse{
			Data: payload,
			Payment: grantedPayment{
				ProofSignature: proof,
				PaidAmount:     result.Amount,
				VerifiedAt:     time.Now().UTC(),
			},
		}, http.StatusOK)
	})
}

// handleGetRequirement serves the bare requirement descriptor so clients can
// discover the payment parameters without hitting the gated resource.
// GET /api/v1/requirement
func handleGetRequirement(requirement *PaymentRequirement) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setPaymentHeaders(w, requirement)
		writeJSON(w, requirement, http.StatusOK)
	})
}

// handleScoreContract documents the gate contract for OPTIONS callers.
// OPTIONS /api/v1/score
func handleScoreContract(requirement *PaymentRequirement) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setPaymentHeaders(w, requirement)
		writeJSON(w, contractResponse{
			Resource:     "/api/v1/score",
			Methods:      []string{http.MethodGet, http.MethodPost},
			ProofHeader:  proofHeader,
			ProofFormats: []string{"<signature>", "Bearer <signature>"},
			QueryParams: map[string]string{
				"wallet": "optional wallet to score instead of the verified payer",
			},
			Payment: requirement,
		}, http.StatusOK)
	})
}

// handleIndex returns a small JSON index of the service surface.
// GET /
func handleIndex() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"service": "solgate",
			"endpoints": []string{
				"GET|POST /api/v1/score",
				"GET /api/v1/requirement",
				"GET /api/v1/stream/verifications",
				"GET /healthz",
				"GET /metrics",
			},
		}, http.StatusOK)
	})
}

// handleStreamDisabled responds for the streaming route when no event bus
// is configured.
func handleStreamDisabled() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "event streaming is not enabled on this server", http.StatusServiceUnavailable)
	})
}

// recordReceipt journals a granted verification. Persistence is best-effort:
// the journal is an audit trail, not part of the verification decision, so a
// write failure must not turn a paid request into an error.
func recordReceipt(ctx context.Context, store *receipts.Store, requirement *PaymentRequirement, proof string, result payment.VerificationResult, logger *slog.Logger) {
	var payer *string
	if result.Sender != "" {
		payer = &result.Sender
	}

	_, err := store.CreateReceipt(ctx, receipts.CreateReceiptParams{
		Signature:  proof,
		Network:    requirement.Network,
		Payer:      payer,
		Receiver:   result.Receiver,
		Amount:     result.Amount,
		Token:      requirement.Token,
		Slot:       int64(result.Slot),
		VerifiedAt: time.Now().UTC(),
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to journal payment receipt",
			"signature", proof,
			"error", err,
		)
	}
}

// proofFromRequest extracts the payment proof from the proof header. Both a
// raw signature and a "Bearer "-prefixed one are accepted.
func proofFromRequest(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get(proofHeader))
	if raw == "" {
		return "", false
	}

	if strings.HasPrefix(raw, "Bearer ") {
		raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	}

	if raw == "" {
		return "", false
	}
	return raw, true
}

// paymentRequiredResponse is the 402 body for requests with no proof.
type paymentRequiredResponse struct {
	Status  int                 `json:"status"`
	Message string              `json:"message"`
	Payment *PaymentRequirement `json:"payment"`
}

// deniedResponse is the 402 body for proofs that failed verification.
type deniedResponse struct {
	Error    string       `json:"error"`
	Details  string       `json:"details,omitempty"`
	Required paymentTerms `json:"required"`
}

// paymentTerms is the machine-readable core of a PaymentRequirement.
type paymentTerms struct {
	Receiver string          `json:"receiver"`
	Amount   decimal.Decimal `json:"amount"`
	Token    string          `json:"token"`
	Network  string          `json:"network"`
}

// grantedPayment echoes the accepted proof back to the payer.
type grantedPayment struct {
	ProofSignature string          `json:"proof_signature"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	VerifiedAt     time.Time       `json:"verified_at"`
}

// scoreResponse is the 200 body for a granted request.
type scoreResponse struct {
	Data    json.RawMessage `json:"data"`
	Payment grantedPayment  `json:"payment"`
}

// contractResponse describes how to call the gated resource.
type contractResponse struct {
	Resource     string              `json:"resource"`
	Methods      []string            `json:"methods"`
	ProofHeader  string              `json:"proof_header"`
	ProofFormats []string            `json:"proof_formats"`
	QueryParams  map[string]string   `json:"query_params,omitempty"`
	Payment      *PaymentRequirement `json:"payment"`
}

// setPaymentHeaders mirrors the requirement into response headers so clients
// that do not parse bodies can still discover the payment parameters.
func setPaymentHeaders(w http.ResponseWriter, requirement *PaymentRequirement) {
	w.Header().Set("X-Payment-Receiver", requirement.Receiver)
	w.Header().Set("X-Payment-Amount", requirement.Amount.String())
	w.Header().Set("X-Payment-Token", requirement.Token)
	w.Header().Set("X-Payment-Network", requirement.Network)
}

// writePaymentRequired responds 402 with the full requirement descriptor.
func writePaymentRequired(w http.ResponseWriter, requirement *PaymentRequirement) {
	setPaymentHeaders(w, requirement)
	writeJSON(w, paymentRequiredResponse{
		Status:  http.StatusPaymentRequired,
		Message: "payment required",
		Payment: requirement,
	}, http.StatusPaymentRequired)
}

// writeDenial responds 402 for a proof that failed verification, repeating
// the required payment parameters.
func writeDenial(w http.ResponseWriter, requirement *PaymentRequirement, result payment.VerificationResult) {
	setPaymentHeaders(w, requirement)
	writeJSON(w, deniedResponse{
		Error:   string(result.Error),
		Details: result.Detail,
		Required: paymentTerms{
			Receiver: requirement.Receiver,
			Amount:   requirement.Amount,
			Token:    requirement.Token,
			Network:  requirement.Network,
		},
	}, http.StatusPaymentRequired)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateProof checks the shape of a payment proof before it reaches the
// verification engine.
func validateProof(proof string) error {
	if len(proof) > maxProofLength {
		return errorf("payment proof too long: maximum length is %d characters", maxProofLength)
	}

	for _, r := range proof {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in payment proof: control characters not allowed")
		}
	}

	if !validBase58Regex.MatchString(proof) {
		return errorf("invalid payment proof format: must contain only valid base58 characters")
	}

	return nil
}

// validateAddress validates a wallet address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validBase58Regex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
