package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/solgate/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// ErrTransactionNotFound indicates the ledger has no record of the signature.
// This is not a permanent rejection; a recently submitted transaction may
// simply not have reached confirmed commitment yet.
var ErrTransactionNotFound = errors.New("transaction not found")

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)
}

// Client fetches confirmed transaction detail for payment verification.
// It wraps the RPC client with domain-specific operations.
type Client struct {
	rpc      RPCClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling (e.g., "mainnet", "devnet", or RPC hostname).
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:      rpcClient,
		logger:   logger,
		metrics:  m,
		endpoint: endpoint,
	}
}

// FetchTransaction fetches full transaction detail for a signature at
// confirmed commitment. Returns ErrTransactionNotFound when the ledger has
// no record of the signature; any other error is a transport or RPC fault.
//
// The result is always fetched live. A transaction's confirmation status can
// change between calls, so detail is never cached.
func (c *Client) FetchTransaction(ctx context.Context, signature solana.Signature) (*TransactionDetail, error) {
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &[]uint64{0}[0],
	}

	var result *rpc.GetTransactionResult
	var err error

	// Retry once on rate limiting; anything else fails fast so the caller
	// can map the fault to a retryable verification outcome.
	const maxAttempts = 2
	for attempt := range maxAttempts {
		start := time.Now()
		result, err = c.rpc.GetTransaction(ctx, signature, opts)
		duration := time.Since(start).Seconds()

		status := "success"
		if errors.Is(err, rpc.ErrNotFound) {
			status = "not_found"
		} else if err != nil {
			status = "error"
		}
		if c.metrics != nil {
			c.metrics.RecordRPCCall("GetTransaction", status, c.endpoint, duration)
		}

		if err == nil || errors.Is(err, rpc.ErrNotFound) {
			break
		}

		// Handle rate limiting (429 Too Many Requests) with a short backoff
		if strings.Contains(err.Error(), "429") && attempt < maxAttempts-1 {
			backoff := 500 * time.Millisecond
			c.logger.WarnContext(ctx, "rate limited, sleeping before retry",
				"signature", signature.String(),
				"attempt", attempt+1,
				"backoff_seconds", backoff.Seconds(),
			)
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.endpoint)
				c.metrics.RecordRPCRetry("GetTransaction", "rate_limit")
			}
			if sleepErr := sleepContext(ctx, backoff); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		// Handle parsing errors for legacy transactions
		if strings.Contains(err.Error(), "expects '\"' or 'n', but found '{'") {
			c.logger.WarnContext(ctx, "could not parse as versioned tx, retrying as legacy",
				"signature", signature.String(),
			)
			if c.metrics != nil {
				c.metrics.RecordRPCRetry("GetTransaction", "parse_error")
			}

			legacyOpts := &rpc.GetTransactionOpts{
				Encoding:   solana.EncodingBase64,
				Commitment: rpc.CommitmentConfirmed,
			}
			legacyStart := time.Now()
			result, err = c.rpc.GetTransaction(ctx, signature, legacyOpts)
			legacyDuration := time.Since(legacyStart).Seconds()

			legacyStatus := "success"
			if err != nil {
				legacyStatus = "error"
			}
			if c.metrics != nil {
				c.metrics.RecordRPCCall("GetTransaction", legacyStatus, c.endpoint, legacyDuration)
			}
		}
		break
	}

	if errors.Is(err, rpc.ErrNotFound) || (err == nil && result == nil) {
		c.logger.DebugContext(ctx, "transaction not found on ledger",
			"signature", signature.String(),
			"endpoint", c.endpoint,
		)
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", signature.String(), err)
	}

	detail := detailFromResult(signature, result)

	// Instruction decoding is best-effort: extraction is driven by balance
	// deltas, instructions only sharpen sender attribution.
	instructions, decodeErr := decodeInstructions(result)
	if decodeErr != nil {
		c.logger.WarnContext(ctx, "failed to decode transaction message, extraction will rely on balance deltas",
			"signature", signature.String(),
			"error", decodeErr,
		)
	} else {
		detail.Instructions = instructions
	}

	c.logger.DebugContext(ctx, "fetched transaction detail",
		"signature", signature.String(),
		"slot", detail.Slot,
		"succeeded", detail.Succeeded(),
		"pre_balances", len(detail.PreTokenBalances),
		"post_balances", len(detail.PostTokenBalances),
	)

	return detail, nil
}

// detailFromResult converts an RPC result to our domain TransactionDetail.
func detailFromResult(signature solana.Signature, result *rpc.GetTransactionResult) *TransactionDetail {
	detail := &TransactionDetail{
		Signature: signature.String(),
		Slot:      result.Slot,
	}

	if result.BlockTime != nil {
		t := result.BlockTime.Time()
		detail.BlockTime = &t
	}

	if result.Meta != nil {
		if result.Meta.Err != nil {
			errMsg := fmt.Sprintf("transaction failed: %v", result.Meta.Err)
			detail.Err = &errMsg
		}
		detail.PreTokenBalances = tokenBalancesToDomain(result.Meta.PreTokenBalances)
		detail.PostTokenBalances = tokenBalancesToDomain(result.Meta.PostTokenBalances)
	}

	return detail
}

// tokenBalancesToDomain converts RPC token-balance snapshots to domain form.
// Entries with missing or unparseable amounts are dropped rather than being
// treated as zero balances.
func tokenBalancesToDomain(balances []rpc.TokenBalance) []TokenBalance {
	out := make([]TokenBalance, 0, len(balances))
	for _, b := range balances {
		if b.UiTokenAmount == nil {
			continue
		}
		raw, err := strconv.ParseUint(b.UiTokenAmount.Amount, 10, 64)
		if err != nil {
			continue
		}
		tb := TokenBalance{
			AccountIndex: b.AccountIndex,
			Mint:         b.Mint.String(),
			RawAmount:    raw,
			Decimals:     b.UiTokenAmount.Decimals,
		}
		if b.Owner != nil {
			tb.Owner = b.Owner.String()
		}
		out = append(out, tb)
	}
	return out
}

// decodeInstructions decodes the transaction message and resolves each
// compiled instruction's account indexes to addresses.
func decodeInstructions(result *rpc.GetTransactionResult) ([]Instruction, error) {
	if result.Transaction == nil {
		return nil, fmt.Errorf("result carries no transaction envelope")
	}
	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	keys := tx.Message.AccountKeys
	out := make([]Instruction, 0, len(tx.Message.Instructions))
	for _, in := range tx.Message.Instructions {
		if int(in.ProgramIDIndex) >= len(keys) {
			continue
		}
		inst := Instruction{
			ProgramID: keys[in.ProgramIDIndex].String(),
			Data:      in.Data,
			Accounts:  make([]string, 0, len(in.Accounts)),
		}
		for _, idx := range in.Accounts {
			if int(idx) >= len(keys) {
				// Accounts loaded from address lookup tables are not in the
				// static key list; keep positions aligned with an empty slot.
				inst.Accounts = append(inst.Accounts, "")
				continue
			}
			inst.Accounts = append(inst.Accounts, keys[idx].String())
		}
		out = append(out, inst)
	}
	return out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
