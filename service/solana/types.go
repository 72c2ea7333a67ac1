package solana

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// TokenBalance is a snapshot of one token account's balance immediately
// before or after a transaction. This is our domain model, independent of
// the RPC response format.
type TokenBalance struct {
	AccountIndex uint16
	Mint         string
	Owner        string
	RawAmount    uint64
	Decimals     uint8
}

// Instruction is a compiled instruction with its account indexes resolved
// to addresses. Data is the raw instruction payload.
type Instruction struct {
	ProgramID string
	Accounts  []string
	Data      []byte
}

// TransactionDetail is our domain view of a fetched transaction: execution
// outcome, timing, parsed instructions, and the pre/post token-balance
// snapshots needed for transfer extraction. Fetched fresh per verification
// call, never cached.
type TransactionDetail struct {
	Signature         string
	Slot              uint64
	BlockTime         *time.Time // nil when the ledger has not reported it yet
	Err               *string    // nil if the transaction succeeded on-chain
	Instructions      []Instruction
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// Succeeded reports whether the transaction executed without an on-chain error.
func (d *TransactionDetail) Succeeded() bool {
	return d.Err == nil
}

// TransferRecord is a fungible-token transfer extracted from a transaction.
// Sender is empty when attribution failed; the transfer is still valid, since
// receiver-side proof is what payment verification cares about.
type TransferRecord struct {
	Sender    string
	Receiver  string
	RawAmount uint64
	Decimals  uint8
}

// RawToHuman converts a raw smallest-unit amount to human units at the
// given mint decimals (e.g. 50000 at 6 decimals -> 0.05).
func RawToHuman(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}

// HumanToRaw converts a human-unit amount to raw smallest units at the
// given mint decimals, truncating any precision beyond the mint's.
func HumanToRaw(amount decimal.Decimal, decimals uint8) uint64 {
	shifted := amount.Shift(int32(decimals)).Truncate(0)
	if shifted.Sign() <= 0 {
		return 0
	}
	return shifted.BigInt().Uint64()
}
