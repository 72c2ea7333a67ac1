package events

import (
	"time"

	"github.com/brojonat/solgate/service/payment"
)

// Event outcomes.
const (
	OutcomeVerified = "verified"
	OutcomeRejected = "rejected"
)

// VerificationEvent represents a finished payment verification published to
// NATS. Verified events land on "payments.verified", rejected ones on
// "payments.rejected".
type VerificationEvent struct {
	// Proof identifiers
	Signature string `json:"signature"`
	Network   string `json:"network"`
	Slot      uint64 `json:"slot,omitempty"`

	// Outcome
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
	Detail  string `json:"detail,omitempty"`

	// Transfer details, present on verified events
	Sender   string `json:"sender,omitempty"`
	Receiver string `json:"receiver,omitempty"`
	Amount   string `json:"amount,omitempty"` // human units
	Token    string `json:"token,omitempty"`

	// Timing information
	BlockTime   *time.Time `json:"block_time,omitempty"`
	PublishedAt time.Time  `json:"published_at"`
}

// FromResult converts a verification result to an event for publishing.
func FromResult(signature, network, token string, result payment.VerificationResult) *VerificationEvent {
	event := &VerificationEvent{
		Signature:   signature,
		Network:     network,
		Slot:        result.Slot,
		Token:       token,
		PublishedAt: time.Now().UTC(),
	}

	if result.Valid {
		event.Outcome = OutcomeVerified
		event.Sender = result.Sender
		event.Receiver = result.Receiver
		event.Amount = result.Amount.String()
	} else {
		event.Outcome = OutcomeRejected
		event.Error = string(result.Error)
		event.Detail = result.Detail
	}

	if !result.Timestamp.IsZero() {
		t := result.Timestamp
		event.BlockTime = &t
	}

	return event
}

// Subject returns the JetStream subject this event belongs on.
func (e *VerificationEvent) Subject() string {
	if e.Outcome == OutcomeVerified {
		return SubjectVerified
	}
	return SubjectRejected
}
