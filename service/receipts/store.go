// Package receipts is an optional append-only journal of granted access.
// It exists for auditing and reconciliation; the replay guard never reads
// from it, and a journal failure never revokes a grant.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solgate/service/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotFound indicates no receipt exists for the requested key.
var ErrNotFound = errors.New("receipt not found")

// Store provides database operations for payment receipts.
type Store struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If m is nil, no metrics are recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics, logger *slog.Logger) *Store {
	return &Store{
		pool:    pool,
		logger:  logger,
		metrics: m,
	}
}

// Receipt records one granted access and the payment that funded it.
type Receipt struct {
	ID         uuid.UUID
	Signature  string
	Network    string
	Payer      *string // nil when sender attribution failed
	Receiver   string
	Amount     decimal.Decimal // human units
	Token      string
	Slot       int64
	VerifiedAt time.Time
	CreatedAt  time.Time
}

// CreateReceiptParams contains the parameters for journaling a grant.
type CreateReceiptParams struct {
	Signature  string
	Network    string
	Payer      *string
	Receiver   string
	Amount     decimal.Decimal
	Token      string
	Slot       int64
	VerifiedAt time.Time
}

// ListReceiptsParams contains pagination parameters.
type ListReceiptsParams struct {
	Network string
	Limit   int32
	Offset  int32
}

// EnsureSchema creates the receipts table if it does not exist. The journal
// is a single table, so schema management stays in-process instead of
// behind a migration tool.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS receipts (
	id UUID PRIMARY KEY,
	signature TEXT NOT NULL,
	network TEXT NOT NULL,
	payer TEXT,
	receiver TEXT NOT NULL,
	amount TEXT NOT NULL,
	token TEXT NOT NULL,
	slot BIGINT NOT NULL,
	verified_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (signature, network)
);
CREATE INDEX IF NOT EXISTS receipts_receiver_idx ON receipts (receiver, created_at DESC);
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure receipts schema: %w", err)
	}
	return nil
}

// CreateReceipt journals a granted access. Re-journaling the same
// (signature, network) is a no-op rather than an error, since a process
// restart can legitimately re-verify a signature the journal already saw.
func (s *Store) CreateReceipt(ctx context.Context, params CreateReceiptParams) (*Receipt, error) {
	receipt := &Receipt{
		ID:         uuid.New(),
		Signature:  params.Signature,
		Network:    params.Network,
		Payer:      params.Payer,
		Receiver:   params.Receiver,
		Amount:     params.Amount,
		Token:      params.Token,
		Slot:       params.Slot,
		VerifiedAt: params.VerifiedAt,
		CreatedAt:  time.Now().UTC(),
	}

	const q = `
INSERT INTO receipts (id, signature, network, payer, receiver, amount, token, slot, verified_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (signature, network) DO NOTHING
`
	start := time.Now()
	_, err := s.pool.Exec(ctx, q,
		pgtype.UUID{Bytes: receipt.ID, Valid: true},
		receipt.Signature,
		receipt.Network,
		textFromStringPtr(receipt.Payer),
		receipt.Receiver,
		receipt.Amount.String(),
		receipt.Token,
		receipt.Slot,
		pgtype.Timestamptz{Time: receipt.VerifiedAt, Valid: true},
		pgtype.Timestamptz{Time: receipt.CreatedAt, Valid: true},
	)
	if s.metrics != nil {
		s.metrics.RecordDBQuery("insert", "receipts", time.Since(start).Seconds(), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert receipt: %w", err)
	}

	s.logger.Debug("journaled payment receipt",
		"signature", receipt.Signature,
		"network", receipt.Network,
		"amount", receipt.Amount.String(),
	)

	return receipt, nil
}

// GetReceipt retrieves a receipt by signature and network.
func (s *Store) GetReceipt(ctx context.Context, signature, network string) (*Receipt, error) {
	const q = `
SELECT id, signature, network, payer, receiver, amount, token, slot, verified_at, created_at
FROM receipts
WHERE signature = $1 AND network = $2
`
	start := time.Now()
	row := s.pool.QueryRow(ctx, q, signature, network)
	receipt, err := scanReceipt(row)
	if s.metrics != nil {
		s.metrics.RecordDBQuery("select", "receipts", time.Since(start).Seconds(), err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts retrieves receipts for a network, most recent first.
func (s *Store) ListReceipts(ctx context.Context, params ListReceiptsParams) ([]*Receipt, error) {
	const q = `
SELECT id, signature, network, payer, receiver, amount, token, slot, verified_at, created_at
FROM receipts
WHERE network = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx, q, params.Network, limit, params.Offset)
	if s.metrics != nil {
		s.metrics.RecordDBQuery("select", "receipts", time.Since(start).Seconds(), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer rows.Close()

	receipts := make([]*Receipt, 0)
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read receipts: %w", err)
	}
	return receipts, nil
}

// scanReceipt reads one receipt row.
func scanReceipt(row pgx.Row) (*Receipt, error) {
	var (
		id         pgtype.UUID
		payer      pgtype.Text
		amount     string
		verifiedAt pgtype.Timestamptz
		createdAt  pgtype.Timestamptz
	)
	receipt := &Receipt{}
	err := row.Scan(
		&id,
		&receipt.Signature,
		&receipt.Network,
		&payer,
		&receipt.Receiver,
		&amount,
		&receipt.Token,
		&receipt.Slot,
		&verifiedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	receipt.ID = uuid.UUID(id.Bytes)
	receipt.Payer = stringPtrFromText(payer)
	receipt.VerifiedAt = verifiedAt.Time
	receipt.CreatedAt = createdAt.Time

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("stored amount %q is not a decimal: %w", amount, err)
	}
	receipt.Amount = parsed

	return receipt, nil
}

// textFromStringPtr converts *string to pgtype.Text.
func textFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *s, Valid: true}
}

// stringPtrFromText converts pgtype.Text to *string.
func stringPtrFromText(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	s := t.String
	return &s
}
