package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/solgate/service/config"
	"github.com/brojonat/solgate/service/payment"
	"github.com/brojonat/solgate/service/solana"
)

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Verify a payment signature directly against the chain",
		Description: `Runs the same verification the server runs, against live RPC, without
touching any server. Useful for debugging why a proof was rejected.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "signature",
				Usage:    "Transaction signature to verify",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "amount",
				Usage:    "Expected amount in human units",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "receiver",
				Usage:    "Wallet address that must have received the transfer",
				Required: true,
				EnvVars:  []string{"PAYMENT_RECEIVER"},
			},
			&cli.StringFlag{
				Name:    "network",
				Usage:   "Network to check (mainnet or devnet)",
				Value:   config.NetworkDevnet,
				EnvVars: []string{"PAYMENT_NETWORK"},
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC endpoint (defaults to the public endpoint for --network)",
				EnvVars: []string{"SOLGATE_RPC_URL"},
			},
			&cli.StringFlag{
				Name:    "mint",
				Usage:   "Token mint the payment must move (defaults to USDC for --network)",
				EnvVars: []string{"SOLGATE_MINT"},
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Token symbol used in output",
				Value: "USDC",
			},
			&cli.DurationFlag{
				Name:  "max-age",
				Usage: "Maximum transaction age to accept",
				Value: 5 * time.Minute,
			},
		},
		Action: runVerify,
	}
}

// resultView is the JSON document verify prints.
type resultView struct {
	Valid     bool   `json:"valid"`
	Sender    string `json:"sender,omitempty"`
	Receiver  string `json:"receiver,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Slot      uint64 `json:"slot,omitempty"`
	BlockTime string `json:"block_time,omitempty"`
	Error     string `json:"error,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

func runVerify(c *cli.Context) error {
	amount, err := decimal.NewFromString(c.String("amount"))
	if err != nil {
		return fmt.Errorf("invalid --amount %q: %w", c.String("amount"), err)
	}

	network := c.String("network")
	rpcURL, mint, err := networkDefaults(network, c.String("rpc-url"), c.String("mint"))
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	policy := payment.DefaultPolicy()
	policy.MaxAge = c.Duration("max-age")

	// A one-shot run still needs a replay guard; sized for a single check.
	verifier := payment.NewVerifier(map[string]payment.NetworkTarget{
		network: {
			Ledger: solana.NewClient(solana.NewRPCClient(rpcURL), rpcURL, nil, logger),
			Mint:   mint,
			Token:  c.String("token"),
		},
	}, payment.NewReplayGuard(16, 8, nil), policy, nil, logger)

	result := verifier.Verify(c.Context, c.String("signature"), amount, c.String("receiver"), network)

	view := resultView{
		Valid:  result.Valid,
		Sender: result.Sender,
		Slot:   result.Slot,
	}
	if result.Valid {
		view.Receiver = result.Receiver
		view.Amount = result.Amount.String()
	} else {
		view.Error = string(result.Error)
		view.Detail = result.Detail
	}
	if !result.Timestamp.IsZero() {
		view.BlockTime = result.Timestamp.Format(time.RFC3339)
	}

	if c.Bool("json") {
		data, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		fmt.Println(string(data))
	} else {
		printResultDetailed(&view, c.String("token"))
	}

	if !result.Valid {
		return fmt.Errorf("payment not verified: %s", result.Error)
	}
	return nil
}

func printResultDetailed(view *resultView, token string) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if view.Valid {
		fmt.Println("✓ Payment Verified")
	} else {
		fmt.Println("✗ Payment Rejected")
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	if view.Valid {
		fmt.Printf("Sender:     %s\n", view.Sender)
		fmt.Printf("Receiver:   %s\n", view.Receiver)
		fmt.Printf("Amount:     %s %s\n", view.Amount, token)
	} else {
		fmt.Printf("Error:      %s\n", view.Error)
		if view.Detail != "" {
			fmt.Printf("Detail:     %s\n", view.Detail)
		}
	}

	if view.Slot != 0 {
		fmt.Printf("Slot:       %d\n", view.Slot)
	}
	if view.BlockTime != "" {
		fmt.Printf("Block Time: %s\n", view.BlockTime)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}
