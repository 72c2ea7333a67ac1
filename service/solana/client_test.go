package solana

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type rpcReply struct {
	result *rpc.GetTransactionResult
	err    error
}

// scriptedRPC returns its replies in order, repeating the last one once the
// script is exhausted. It records the opts each call was made with.
type scriptedRPC struct {
	mu      sync.Mutex
	replies []rpcReply
	opts    []*rpc.GetTransactionOpts
	calls   int
}

func (s *scriptedRPC) GetTransaction(
	ctx context.Context,
	signature solana.Signature,
	opts *rpc.GetTransactionOpts,
) (*rpc.GetTransactionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = append(s.opts, opts)
	i := s.calls
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	s.calls++
	reply := s.replies[i]
	return reply.result, reply.err
}

func (s *scriptedRPC) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testSig() solana.Signature {
	var sig solana.Signature
	for i := range sig {
		sig[i] = byte(i + 1)
	}
	return sig
}

func testPubkey(b byte) solana.PublicKey {
	var pk solana.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

// confirmedResult builds a successful RPC result crediting 50000 raw units
// to the owner testPubkey(2).
func confirmedResult() *rpc.GetTransactionResult {
	blockTime := solana.UnixTimeSeconds(1_700_000_000)
	sender := testPubkey(1)
	receiver := testPubkey(2)
	mint := solana.MustPublicKeyFromBase58(testMint)
	return &rpc.GetTransactionResult{
		Slot:      4242,
		BlockTime: &blockTime,
		Meta: &rpc.TransactionMeta{
			PreTokenBalances: []rpc.TokenBalance{
				{
					AccountIndex:  1,
					Mint:          mint,
					Owner:         &sender,
					UiTokenAmount: &rpc.UiTokenAmount{Amount: "100000", Decimals: 6},
				},
				{
					AccountIndex:  2,
					Mint:          mint,
					Owner:         &receiver,
					UiTokenAmount: &rpc.UiTokenAmount{Amount: "0", Decimals: 6},
				},
			},
			PostTokenBalances: []rpc.TokenBalance{
				{
					AccountIndex:  1,
					Mint:          mint,
					Owner:         &sender,
					UiTokenAmount: &rpc.UiTokenAmount{Amount: "50000", Decimals: 6},
				},
				{
					AccountIndex:  2,
					Mint:          mint,
					Owner:         &receiver,
					UiTokenAmount: &rpc.UiTokenAmount{Amount: "50000", Decimals: 6},
				},
			},
		},
	}
}

func TestFetchTransaction_NotFound(t *testing.T) {
	rpcClient := &scriptedRPC{replies: []rpcReply{{err: rpc.ErrNotFound}}}
	client := NewClient(rpcClient, "devnet", nil, testLogger())

	_, err := client.FetchTransaction(context.Background(), testSig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	assert.Equal(t, 1, rpcClient.callCount())
}

func TestFetchTransaction_NilResultTreatedAsNotFound(t *testing.T) {
	rpcClient := &scriptedRPC{replies: []rpcReply{{}}}
	client := NewClient(rpcClient, "devnet", nil, testLogger())

	_, err := client.FetchTransaction(context.Background(), testSig())
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestFetchTransaction_RateLimitRetriesOnce(t *testing.T) {
	rpcClient := &scriptedRPC{replies: []rpcReply{
		{err: errors.New("too many requests: 429")},
		{result: confirmedResult()},
	}}
	client := NewClient(rpcClient, "devnet", nil, testLogger())

	detail, err := client.FetchTransaction(context.Background(), testSig())
	require.NoError(t, err)
	assert.Equal(t, 2, rpcClient.callCount())
	assert.Equal(t, uint64(4242), detail.Slot)
}

func TestFetchTransaction_RateLimitExhausted(t *testing.T) {
	rateLimited := errors.New("too many requests: 429")
	rpcClient := &scriptedRPC{replies: []rpcReply{
		{err: rateLimited},
		{err: rateLimited},
	}}
	client := NewClient(rpcClient, "devnet", nil, testLogger())

	_, err := client.FetchTransaction(context.Background(), testSig())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransactionNotFound)
	assert.Contains(t, err.Error(), "get transaction")
	assert.Equal(t, 2, rpcClient.callCount())
}

func TestFetchTransaction_TransportErrorFailsFast(t *testing.T) {
	rpcClient := &scriptedRPC{replies: []rpcReply{
		{err: errors.New("dial tcp 127.0.0.1:8899: connection refused")},
	}}
	client := NewClient(rpcClient, "devnet", nil, testLogger())

	_, err := client.FetchTransaction(context.Background(), testSig())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransactionNotFound)
	assert.Equal(t, 1, rpcClient.callCount())
}

func TestFetchTransaction_LegacyParseRetry(t *testing.T) {
	rpcClient := &scriptedRPC{replies: []rpcReply{
		{err: errors.New(`decode: expects '"' or 'n', but found '{'`)},
		{result: confirmedResult()},
	}}
	client := NewClient(rpcClient, "devnet", nil, testLogger())

	_, err := client.FetchTransaction(context.Background(), testSig())
	require.NoError(t, err)
	require.Equal(t, 2, rpcClient.callCount())

	// The first attempt requests versioned transactions; the legacy retry
	// must drop the version cap.
	assert.NotNil(t, rpcClient.opts[0].MaxSupportedTransactionVersion)
	assert.Nil(t, rpcClient.opts[1].MaxSupportedTransactionVersion)
}

func TestFetchTransaction_DetailMapping(t *testing.T) {
	result := confirmedResult()

	// Entries without a usable amount must be dropped, not zeroed.
	mint := solana.MustPublicKeyFromBase58(testMint)
	result.Meta.PostTokenBalances = append(result.Meta.PostTokenBalances,
		rpc.TokenBalance{AccountIndex: 3, Mint: mint, UiTokenAmount: nil},
		rpc.TokenBalance{AccountIndex: 4, Mint: mint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "garbage", Decimals: 6}},
	)

	rpcClient := &scriptedRPC{replies: []rpcReply{{result: result}}}
	client := NewClient(rpcClient, "devnet", nil, testLogger())

	sig := testSig()
	detail, err := client.FetchTransaction(context.Background(), sig)
	require.NoError(t, err)

	assert.Equal(t, sig.String(), detail.Signature)
	assert.Equal(t, uint64(4242), detail.Slot)
	require.NotNil(t, detail.BlockTime)
	assert.True(t, detail.BlockTime.Equal(time.Unix(1_700_000_000, 0)))
	assert.True(t, detail.Succeeded())

	require.Len(t, detail.PreTokenBalances, 2)
	require.Len(t, detail.PostTokenBalances, 2)
	assert.Equal(t, testMint, detail.PostTokenBalances[1].Mint)
	assert.Equal(t, testPubkey(2).String(), detail.PostTokenBalances[1].Owner)
	assert.Equal(t, uint64(50_000), detail.PostTokenBalances[1].RawAmount)
	assert.Equal(t, uint8(6), detail.PostTokenBalances[1].Decimals)

	// No transaction envelope in the result: instruction decoding degrades
	// gracefully and extraction relies on balance deltas alone.
	assert.Empty(t, detail.Instructions)
}

func TestFetchTransaction_OnChainFailure(t *testing.T) {
	result := confirmedResult()
	result.Meta.Err = map[string]any{"InstructionError": []any{0, "Custom"}}

	rpcClient := &scriptedRPC{replies: []rpcReply{{result: result}}}
	client := NewClient(rpcClient, "devnet", nil, testLogger())

	detail, err := client.FetchTransaction(context.Background(), testSig())
	require.NoError(t, err)
	assert.False(t, detail.Succeeded())
	require.NotNil(t, detail.Err)
	assert.Contains(t, *detail.Err, "transaction failed")
}
