package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// confirmTimeout bounds the wait for ledger confirmation, the longest
// suspension point in a payment.
const confirmTimeout = 90 * time.Second

// TransferRequest describes the payment a wallet must execute. Receiver is
// the receiving wallet's owner address; token sub-accounts are derived by
// the wallet itself.
type TransferRequest struct {
	Receiver string
	Amount   decimal.Decimal // human units of the configured token
	Token    string          // advisory symbol from the requirement
	Network  string          // network named by the requirement, may be empty
}

// Wallet executes a token transfer and returns the resulting transaction
// signature once the ledger has confirmed it.
type Wallet interface {
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}

// SolanaWallet signs and submits SPL token transfers with a local keypair.
// It is bound to a single token mint on a single network.
type SolanaWallet struct {
	rpc      *rpc.Client
	key      solana.PrivateKey
	mint     solana.PublicKey
	decimals uint8
	network  string
	logger   *slog.Logger
}

// NewSolanaWallet creates a wallet from a base58-encoded private key.
func NewSolanaWallet(rpcURL, privateKey, mint string, decimals uint8, network string, logger *slog.Logger) (*SolanaWallet, error) {
	key, err := solana.PrivateKeyFromBase58(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint address: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	return &SolanaWallet{
		rpc:      rpc.New(rpcURL),
		key:      key,
		mint:     mintKey,
		decimals: decimals,
		network:  network,
		logger:   logger,
	}, nil
}

// Address returns the paying wallet's public address.
func (w *SolanaWallet) Address() string {
	return w.key.PublicKey().String()
}

// Transfer builds, signs, and submits a TransferChecked for the requested
// amount, then waits for confirmation. A failed or stuck transaction is
// returned as an error and never resubmitted here; resubmission is a
// double-payment risk only the caller can accept.
func (w *SolanaWallet) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if req.Network != "" && req.Network != w.network {
		return "", fmt.Errorf("requirement names network %q but this wallet is configured for %q", req.Network, w.network)
	}

	receiver, err := solana.PublicKeyFromBase58(req.Receiver)
	if err != nil {
		return "", fmt.Errorf("invalid receiver address: %w", err)
	}

	rawAmount := rawTokenAmount(req.Amount, w.decimals)
	if rawAmount == 0 {
		return "", fmt.Errorf("transfer amount %s is below one base unit", req.Amount)
	}

	sender := w.key.PublicKey()

	sourceATA, _, err := solana.FindAssociatedTokenAddress(sender, w.mint)
	if err != nil {
		return "", fmt.Errorf("failed to derive sender token account: %w", err)
	}

	destATA, _, err := solana.FindAssociatedTokenAddress(receiver, w.mint)
	if err != nil {
		return "", fmt.Errorf("failed to derive receiver token account: %w", err)
	}

	// The balance check runs before any signing so an underfunded wallet
	// fails locally instead of burning fees on a doomed submission.
	balance, err := w.tokenBalance(ctx, sourceATA)
	if err != nil {
		return "", fmt.Errorf("failed to fetch sender token balance: %w", err)
	}
	if balance < rawAmount {
		return "", fmt.Errorf("%w: have %d base units, need %d", ErrInsufficientBalance, balance, rawAmount)
	}

	recent, err := w.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("failed to get recent blockhash: %w", err)
	}

	instructions := []solana.Instruction{
		// The receiver may never have held this token; CreateIdempotent
		// succeeds whether or not the account already exists.
		buildCreateIdempotentATAInstruction(sender, destATA, receiver, w.mint),
		token.NewTransferCheckedInstructionBuilder().
			SetAmount(rawAmount).
			SetDecimals(w.decimals).
			SetSourceAccount(sourceATA).
			SetDestinationAccount(destATA).
			SetMintAccount(w.mint).
			SetOwnerAccount(sender).
			Build(),
	}

	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(sender))
	if err != nil {
		return "", fmt.Errorf("failed to build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(sender) {
			return &w.key
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := w.rpc.SendTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("failed to submit transaction: %w", err)
	}

	w.logger.Debug("transfer submitted",
		"signature", sig.String(),
		"amount", req.Amount.String(),
		"receiver", req.Receiver,
	)

	if err := w.awaitConfirmation(ctx, sig); err != nil {
		return "", fmt.Errorf("transaction %s not confirmed: %w", sig, err)
	}

	w.logger.Info("transfer confirmed",
		"signature", sig.String(),
		"amount", req.Amount.String(),
		"receiver", req.Receiver,
	)

	return sig.String(), nil
}

// tokenBalance returns the raw base-unit balance of a token account.
func (w *SolanaWallet) tokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	res, err := w.rpc.GetTokenAccountBalance(ctx, account, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, err
	}
	if res == nil || res.Value == nil {
		return 0, fmt.Errorf("empty balance response")
	}

	balance, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable balance %q: %w", res.Value.Amount, err)
	}
	return balance, nil
}

// awaitConfirmation polls the signature status until the ledger reports the
// transaction confirmed or the deadline passes.
func (w *SolanaWallet) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		statuses, err := w.rpc.GetSignatureStatuses(ctx, false, sig)
		if err == nil && statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed on chain: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// buildCreateIdempotentATAInstruction creates the receiver's associated
// token account when it does not exist yet. Instruction index 1 is
// CreateIdempotent, which also succeeds when the account is already there.
func buildCreateIdempotentATAInstruction(payer, ata, owner, mint solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsSigner: false, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: false},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}

	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{1})
}

// rawTokenAmount converts a human-unit amount to base units, truncating
// sub-unit precision.
func rawTokenAmount(amount decimal.Decimal, decimals uint8) uint64 {
	raw := amount.Shift(int32(decimals)).Truncate(0)
	if raw.Sign() <= 0 {
		return 0
	}
	return raw.BigInt().Uint64()
}
