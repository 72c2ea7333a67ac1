package solana

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// Well-known Solana program IDs
var (
	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
)

// Token Program instruction types
const (
	TokenProgramTransferInstruction        = uint8(3)
	TokenProgramTransferCheckedInstruction = uint8(12)
)

// FindTransfer locates the fungible-token transfer that credited
// expectedReceiver in expectedMint within a transaction.
//
// The receiver side is driven by balance-delta reconciliation, not by
// instruction parsing: a post-transaction balance entry for (expectedMint,
// expectedReceiver) whose balance increased proves the credit regardless of
// which instruction produced it. Some transfer instruction variants omit the
// mint, and their destination is a token account rather than an owner
// address, so instructions alone cannot be trusted for this.
//
// Sender attribution is best-effort. A TransferChecked instruction naming
// the mint with an amount equal to the credited delta wins; otherwise any
// other account of the same mint that decreased by exactly the delta is
// taken as the source. When neither matches, the sender is left empty and
// the transfer is still reported found, since receiver-side proof is what
// payment validity rests on.
func FindTransfer(detail *TransactionDetail, expectedMint, expectedReceiver string) (TransferRecord, bool) {
	pre := make(map[uint16]uint64, len(detail.PreTokenBalances))
	for _, b := range detail.PreTokenBalances {
		if b.Mint == expectedMint {
			pre[b.AccountIndex] = b.RawAmount
		}
	}

	for _, post := range detail.PostTokenBalances {
		if post.Mint != expectedMint || post.Owner != expectedReceiver {
			continue
		}
		// Zero if the receiver's token account did not exist pre-transaction.
		before := pre[post.AccountIndex]
		if post.RawAmount <= before {
			// A transfer out of the receiver never counts as a payment to it.
			continue
		}
		delta := post.RawAmount - before

		return TransferRecord{
			Sender:    attributeSender(detail, expectedMint, expectedReceiver, delta),
			Receiver:  expectedReceiver,
			RawAmount: delta,
			Decimals:  post.Decimals,
		}, true
	}

	return TransferRecord{}, false
}

// attributeSender finds the wallet that funded a credit of delta raw units
// in the given mint. Returns "" when no unambiguous source exists.
func attributeSender(detail *TransactionDetail, mint, receiver string, delta uint64) string {
	// First pass: a TransferChecked instruction names the mint explicitly
	// and carries the authority (the signing wallet), so a matching one is
	// authoritative for attribution.
	for _, inst := range detail.Instructions {
		if inst.ProgramID != TokenProgramID.String() && inst.ProgramID != Token2022ProgramID.String() {
			continue
		}
		amount, instMint, authority, ok := parseTransferChecked(inst)
		if ok && instMint == mint && amount == delta && authority != "" {
			return authority
		}
	}

	// Fallback: exact-delta reconciliation. Any other account of the same
	// mint whose balance decreased by exactly delta is taken as the source.
	post := make(map[uint16]uint64, len(detail.PostTokenBalances))
	for _, b := range detail.PostTokenBalances {
		if b.Mint == mint {
			post[b.AccountIndex] = b.RawAmount
		}
	}
	for _, b := range detail.PreTokenBalances {
		if b.Mint != mint || b.Owner == receiver || b.Owner == "" {
			continue
		}
		// A drained account can be absent from the post snapshot; treat
		// absence as a zero closing balance.
		after := post[b.AccountIndex]
		if b.RawAmount > after && b.RawAmount-after == delta {
			return b.Owner
		}
	}

	return ""
}

// parseTransferChecked extracts amount, mint, and authority from an SPL
// TransferChecked instruction.
//
// TransferChecked instruction format:
// [0]      = instruction type (u8, 12 = TransferChecked)
// [1..9]   = amount (u64, little-endian)
// [9]      = decimals (u8)
// Account layout: [source_token_account, mint, destination_token_account, authority, ...]
func parseTransferChecked(inst Instruction) (amount uint64, mint string, authority string, ok bool) {
	if len(inst.Data) < 10 || inst.Data[0] != TokenProgramTransferCheckedInstruction {
		return 0, "", "", false
	}
	if len(inst.Accounts) < 4 {
		return 0, "", "", false
	}
	amount = binary.LittleEndian.Uint64(inst.Data[1:9])
	return amount, inst.Accounts[1], inst.Accounts[3], true
}
