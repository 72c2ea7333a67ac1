package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solgate/service/metrics"
	"github.com/brojonat/solgate/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// LedgerClient fetches confirmed transaction detail for a signature.
// *solana.Client implements it; tests substitute fakes.
type LedgerClient interface {
	FetchTransaction(ctx context.Context, signature solanago.Signature) (*solana.TransactionDetail, error)
}

// NetworkTarget binds a network name to the ledger client that queries it
// and the token accepted as payment there.
type NetworkTarget struct {
	Ledger LedgerClient
	Mint   string
	Token  string // display symbol, e.g. "USDC"
}

// Policy holds the freshness and amount tolerances applied to every proof.
// The windows are deployment configuration, not constants of the protocol.
type Policy struct {
	// MaxAge is how far in the past a transaction's block time may lie.
	MaxAge time.Duration
	// ClockSkew is how far ahead of the server clock a block time may lie.
	ClockSkew time.Duration
	// AmountTolerance is the absolute human-unit slack allowed between the
	// expected and the transferred amount, absorbing rounding from
	// decimal-to-integer conversion on either side.
	AmountTolerance decimal.Decimal
	// FetchTimeout bounds the ledger query so a hung RPC cannot pin a
	// request indefinitely.
	FetchTimeout time.Duration
}

// DefaultPolicy returns the standard verification policy: five minutes of
// transaction age, one minute of forward clock skew, 0.001 human units of
// amount tolerance, and a 15 second ledger fetch bound.
func DefaultPolicy() Policy {
	return Policy{
		MaxAge:          5 * time.Minute,
		ClockSkew:       time.Minute,
		AmountTolerance: decimal.NewFromFloat(0.001),
		FetchTimeout:    15 * time.Second,
	}
}

// VerificationResult is the sole contract between the verification engine
// and everything downstream; downstream code never re-inspects ledger data.
type VerificationResult struct {
	Valid     bool
	Sender    string          // empty when attribution failed
	Receiver  string          // the expected receiver, on success
	Amount    decimal.Decimal // human units actually received
	Timestamp time.Time       // block time; zero when the ledger omitted it
	Slot      uint64
	Error     ErrorKind // empty when Valid
	Detail    string    // human-readable context for denials
}

// Verifier orchestrates the replay guard, ledger query, transfer extraction,
// and freshness/amount policy into a single Verify call. It is the trust
// boundary of the whole system.
type Verifier struct {
	networks map[string]NetworkTarget
	replay   *ReplayGuard
	policy   Policy
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time // swapped out by freshness tests
}

// NewVerifier creates a verification engine over the given network targets.
// If m is nil, no metrics are recorded.
func NewVerifier(networks map[string]NetworkTarget, replay *ReplayGuard, policy Policy, m *metrics.Metrics, logger *slog.Logger) *Verifier {
	return &Verifier{
		networks: networks,
		replay:   replay,
		policy:   policy,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Verify checks that signature proves a confirmed on-chain transfer of
// expectedAmount (human units) to expectedReceiver on the named network.
// Checks run in a fixed order and short-circuit on the first failure; the
// replay guard is consulted before any ledger call and mutated only on the
// success path, so a proof denied for a correctable reason can be
// re-presented.
//
// Verify is safe for concurrent use. Two simultaneous calls presenting the
// same signature yield exactly one valid result. Payer-caused conditions
// are reported in the result, never as panics; unexpected faults are
// recovered and surface as VerificationUnavailable.
func (v *Verifier) Verify(ctx context.Context, signature string, expectedAmount decimal.Decimal, expectedReceiver, network string) (result VerificationResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			v.logger.ErrorContext(ctx, "panic during verification",
				"panic", r,
				"signature", signature,
			)
			result = VerificationResult{Error: VerificationUnavailable, Detail: "internal verification fault"}
		}
		v.observe(ctx, signature, network, result, time.Since(start))
	}()
	return v.verify(ctx, signature, expectedAmount, expectedReceiver, network)
}

func (v *Verifier) verify(ctx context.Context, signature string, expectedAmount decimal.Decimal, expectedReceiver, network string) VerificationResult {
	// Shape-check the proof before anything else so garbage input never
	// costs an RPC call.
	sig, err := solanago.SignatureFromBase58(signature)
	if err != nil {
		return VerificationResult{Error: MalformedProof, Detail: "proof is not a valid base58-encoded transaction signature"}
	}

	if expectedAmount.Sign() <= 0 {
		return VerificationResult{Error: ConfigurationError, Detail: "expected payment amount must be positive"}
	}
	target, ok := v.networks[network]
	if !ok {
		return VerificationResult{Error: ConfigurationError, Detail: fmt.Sprintf("unknown network %q", network)}
	}

	// 1. Replay check, before any ledger call.
	if v.replay.Contains(signature) {
		if v.metrics != nil {
			v.metrics.RecordReplayRejection()
		}
		return VerificationResult{Error: ReplayDetected, Detail: "signature was already accepted as payment"}
	}

	// 2. Fetch transaction detail at confirmed commitment.
	fetchCtx := ctx
	if v.policy.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, v.policy.FetchTimeout)
		defer cancel()
	}
	detail, err := target.Ledger.FetchTransaction(fetchCtx, sig)
	if err != nil {
		if errors.Is(err, solana.ErrTransactionNotFound) {
			return VerificationResult{Error: TransactionNotFound, Detail: "transaction not found on ledger; it may not be confirmed yet"}
		}
		return VerificationResult{Error: VerificationUnavailable, Detail: fmt.Sprintf("ledger query failed: %v", err)}
	}

	// 3. Execution check.
	if !detail.Succeeded() {
		return VerificationResult{Error: TransactionFailed, Detail: *detail.Err}
	}

	// 4. Freshness. Not enforceable when the ledger has not reported a
	// block time yet; skipping beats rejecting very recent payments.
	if detail.BlockTime != nil {
		now := v.now()
		if age := now.Sub(*detail.BlockTime); age > v.policy.MaxAge {
			return VerificationResult{
				Error:  TransactionTooOld,
				Detail: fmt.Sprintf("transaction is %s old, max age is %s", age.Round(time.Second), v.policy.MaxAge),
			}
		}
		if ahead := detail.BlockTime.Sub(now); ahead > v.policy.ClockSkew {
			return VerificationResult{
				Error:  TransactionFromFuture,
				Detail: fmt.Sprintf("block time is %s ahead of the server clock, tolerance is %s", ahead.Round(time.Second), v.policy.ClockSkew),
			}
		}
	}

	// 5. Transfer extraction.
	transfer, found := solana.FindTransfer(detail, target.Mint, expectedReceiver)
	if !found {
		return VerificationResult{
			Error:  TransferNotFound,
			Detail: fmt.Sprintf("no %s transfer to %s in this transaction", target.Token, expectedReceiver),
		}
	}

	// 6. Amount check with absolute tolerance in the mint's smallest units.
	expectedRaw := solana.HumanToRaw(expectedAmount, transfer.Decimals)
	toleranceRaw := solana.HumanToRaw(v.policy.AmountTolerance, transfer.Decimals)
	if diffExceeds(transfer.RawAmount, expectedRaw, toleranceRaw) {
		got := solana.RawToHuman(transfer.RawAmount, transfer.Decimals)
		return VerificationResult{
			Error:  AmountMismatch,
			Detail: fmt.Sprintf("expected %s ±%s %s, got %s", expectedAmount.String(), v.policy.AmountTolerance.String(), target.Token, got.String()),
		}
	}

	// 7. Commit. Add reports false when a concurrent verification of the
	// same signature won the race; this presentation is then a replay.
	if !v.replay.Add(signature) {
		if v.metrics != nil {
			v.metrics.RecordReplayRejection()
		}
		return VerificationResult{Error: ReplayDetected, Detail: "signature was accepted by a concurrent request"}
	}

	result := VerificationResult{
		Valid:    true,
		Sender:   transfer.Sender,
		Receiver: transfer.Receiver,
		Amount:   solana.RawToHuman(transfer.RawAmount, transfer.Decimals),
		Slot:     detail.Slot,
	}
	if detail.BlockTime != nil {
		result.Timestamp = *detail.BlockTime
	}
	return result
}

// observe emits the side-channel signals for a finished verification. The
// returned result stays the sole correctness signal.
func (v *Verifier) observe(ctx context.Context, signature, network string, result VerificationResult, elapsed time.Duration) {
	if v.metrics != nil {
		outcome := "valid"
		if !result.Valid {
			outcome = string(result.Error)
		}
		v.metrics.RecordVerification(outcome, network, elapsed.Seconds())
		if result.Valid {
			if target, ok := v.networks[network]; ok {
				amount, _ := result.Amount.Float64()
				v.metrics.RecordPaymentValue(network, target.Token, amount)
			}
		}
	}

	switch {
	case result.Valid:
		v.logger.InfoContext(ctx, "payment verified",
			"signature", signature,
			"network", network,
			"amount", result.Amount.String(),
			"sender", result.Sender,
			"slot", result.Slot,
		)
	case result.Error == VerificationUnavailable:
		v.logger.WarnContext(ctx, "verification unavailable",
			"signature", signature,
			"network", network,
			"detail", result.Detail,
		)
	default:
		v.logger.InfoContext(ctx, "payment rejected",
			"signature", signature,
			"network", network,
			"reason", string(result.Error),
			"detail", result.Detail,
		)
	}
}

// diffExceeds reports whether |a-b| > tolerance without unsigned underflow.
func diffExceeds(a, b, tolerance uint64) bool {
	if a > b {
		return a-b > tolerance
	}
	return b-a > tolerance
}
