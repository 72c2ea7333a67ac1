// Package payment implements the payment-proof verification engine: the
// ordered checks that decide whether a presented transaction signature
// proves a qualifying on-chain payment, and the replay guard that prevents
// an accepted proof from being spent twice.
package payment

// ErrorKind identifies why a payment proof was rejected. Every kind maps to
// the denial of one request, never to a process fault; handlers translate
// kinds to HTTP statuses and clients use them to decide retry-or-abort.
type ErrorKind string

const (
	// MalformedProof means the credential failed basic shape validation.
	// No ledger call is made for malformed proofs.
	MalformedProof ErrorKind = "malformed_proof"

	// ReplayDetected means the signature was already accepted previously.
	ReplayDetected ErrorKind = "replay_detected"

	// TransactionNotFound means the ledger has no record of the signature.
	// The transaction may simply not be confirmed yet, so the same proof
	// may be retried later; it is never added to the replay guard.
	TransactionNotFound ErrorKind = "transaction_not_found"

	// TransactionFailed means the referenced transaction executed but
	// reverted or errored on-chain.
	TransactionFailed ErrorKind = "transaction_failed"

	// TransactionTooOld and TransactionFromFuture are freshness policy
	// violations against the transaction's block time.
	TransactionTooOld     ErrorKind = "transaction_too_old"
	TransactionFromFuture ErrorKind = "transaction_from_future"

	// TransferNotFound means no qualifying balance movement to the expected
	// receiver in the expected token was present in the transaction.
	TransferNotFound ErrorKind = "transfer_not_found"

	// AmountMismatch means a qualifying transfer was found but its amount
	// falls outside tolerance of the expected amount.
	AmountMismatch ErrorKind = "amount_mismatch"

	// VerificationUnavailable means the ledger query itself failed
	// (network, timeout, RPC error). The payment may well be valid; the
	// caller should try again.
	VerificationUnavailable ErrorKind = "verification_unavailable"

	// ConfigurationError covers operator mistakes (unknown network, missing
	// mint mapping), surfaced distinctly from payer-caused errors.
	ConfigurationError ErrorKind = "configuration_error"
)

// Retryable reports whether presenting the same proof again may succeed.
// Only conditions that say nothing about the transaction itself qualify.
func (k ErrorKind) Retryable() bool {
	return k == TransactionNotFound || k == VerificationUnavailable
}
