package server

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"
)

// PayloadProvider produces the gated payload once a payment proof has been
// verified. The subject is the wallet the payload is computed for, which
// defaults to the verified payer. Implementations must be safe for
// concurrent use.
type PayloadProvider interface {
	Provide(ctx context.Context, subject string) (json.RawMessage, error)
}

// ScoreProvider is the built-in payload provider. It computes a
// deterministic demo score from the subject wallet, so the same wallet
// always scores the same and paid responses are reproducible.
type ScoreProvider struct{}

type scorePayload struct {
	Wallet     string    `json:"wallet"`
	Score      uint64    `json:"score"`
	Band       string    `json:"band"`
	Model      string    `json:"model"`
	ComputedAt time.Time `json:"computed_at"`
}

// Provide computes the demo score for the subject wallet.
func (ScoreProvider) Provide(_ context.Context, subject string) (json.RawMessage, error) {
	h := fnv.New64a()
	h.Write([]byte(subject))

	// Credit-score style range [300, 850]
	score := 300 + h.Sum64()%551

	band := "subprime"
	switch {
	case score >= 740:
		band = "prime"
	case score >= 620:
		band = "near-prime"
	}

	return json.Marshal(scorePayload{
		Wallet:     subject,
		Score:      score,
		Band:       band,
		Model:      "demo-v1",
		ComputedAt: time.Now().UTC(),
	})
}
