package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/solgate/client"
	"github.com/brojonat/solgate/service/config"
)

func payCommand() *cli.Command {
	return &cli.Command{
		Name:  "pay",
		Usage: "Fetch a gated resource, paying for it if the server demands payment",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "url",
				Usage:    "URL of the gated resource (absolute, or a path under --server-url)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "max-amount",
				Usage:    "Hard spending cap in human units; the command refuses demands above it",
				Required: true,
				EnvVars:  []string{"SOLGATE_MAX_AMOUNT"},
			},
			&cli.StringFlag{
				Name:     "keypair",
				Usage:    "Path to the payer keypair (solana-keygen JSON array or base58 string)",
				Required: true,
				EnvVars:  []string{"SOLGATE_KEYPAIR"},
			},
			&cli.StringFlag{
				Name:    "network",
				Usage:   "Network to pay on (mainnet or devnet)",
				Value:   config.NetworkDevnet,
				EnvVars: []string{"SOLGATE_NETWORK"},
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC endpoint (defaults to the public endpoint for --network)",
				EnvVars: []string{"SOLGATE_RPC_URL"},
			},
			&cli.StringFlag{
				Name:    "mint",
				Usage:   "Token mint to pay with (defaults to USDC for --network)",
				EnvVars: []string{"SOLGATE_MINT"},
			},
			&cli.UintFlag{
				Name:  "decimals",
				Usage: "Token decimals",
				Value: 6,
			},
			&cli.StringFlag{
				Name:  "method",
				Usage: "HTTP method for the resource request",
				Value: http.MethodGet,
			},
			&cli.StringFlag{
				Name:  "body",
				Usage: "Request body",
			},
			&cli.StringFlag{
				Name:  "content-type",
				Usage: "Content type sent with --body",
				Value: "application/json",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "gojq filter applied to the outcome JSON; a filter with no truthy result fails the command",
			},
		},
		Action: runPay,
	}
}

// outcomeView is the JSON document pay prints and --jq filters run against.
type outcomeView struct {
	Success        bool            `json:"success"`
	StatusCode     int             `json:"status_code"`
	ProofSignature string          `json:"proof_signature,omitempty"`
	Paid           string          `json:"paid,omitempty"`
	Body           json.RawMessage `json:"body,omitempty"`
	BodyText       string          `json:"body_text,omitempty"`
}

func newOutcomeView(outcome *client.PayOutcome) outcomeView {
	view := outcomeView{
		Success:        outcome.Success,
		StatusCode:     outcome.StatusCode,
		ProofSignature: outcome.ProofSignature,
	}
	if !outcome.Paid.IsZero() {
		view.Paid = outcome.Paid.String()
	}
	if json.Valid(outcome.Body) {
		view.Body = json.RawMessage(outcome.Body)
	} else if len(outcome.Body) > 0 {
		view.BodyText = string(outcome.Body)
	}
	return view
}

func runPay(c *cli.Context) error {
	maxAmount, err := decimal.NewFromString(c.String("max-amount"))
	if err != nil {
		return fmt.Errorf("invalid --max-amount %q: %w", c.String("max-amount"), err)
	}

	network := c.String("network")
	rpcURL, mint, err := networkDefaults(network, c.String("rpc-url"), c.String("mint"))
	if err != nil {
		return err
	}

	key, err := loadKeypair(c.String("keypair"))
	if err != nil {
		return err
	}

	// Progress goes to stderr so stdout stays parseable.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	wallet, err := client.NewSolanaWallet(rpcURL, key, mint, uint8(c.Uint("decimals")), network, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize wallet: %w", err)
	}

	jsonOutput := c.Bool("json")
	if !jsonOutput {
		fmt.Fprintf(os.Stderr, "Paying from wallet %s (cap %s)\n\n", wallet.Address(), maxAmount.String())
	}

	cl := client.NewClient(c.String("server-url"), nil, wallet, logger)

	var opts []client.RequestOption
	if method := c.String("method"); method != "" && method != http.MethodGet {
		opts = append(opts, client.WithMethod(method))
	}
	if body := c.String("body"); body != "" {
		opts = append(opts, client.WithBody(c.String("content-type"), []byte(body)))
	}

	outcome, err := cl.Pay(c.Context, c.String("url"), maxAmount, opts...)
	if err != nil {
		return fmt.Errorf("pay failed: %w", err)
	}

	if filter := c.String("jq"); filter != "" {
		return applyJQFilter(filter, newOutcomeView(outcome))
	}

	if jsonOutput {
		data, err := json.MarshalIndent(newOutcomeView(outcome), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal outcome: %w", err)
		}
		fmt.Println(string(data))
	} else {
		printOutcomeDetailed(outcome)
	}

	if !outcome.Success {
		return fmt.Errorf("resource request failed with status %d", outcome.StatusCode)
	}
	return nil
}

// networkDefaults fills the RPC endpoint and mint for a network unless the
// caller provided explicit values.
func networkDefaults(network, rpcURL, mint string) (string, string, error) {
	switch network {
	case config.NetworkMainnet:
		if rpcURL == "" {
			rpcURL = "https://api.mainnet-beta.solana.com"
		}
		if mint == "" {
			mint = config.DefaultUSDCMainnetMint
		}
	case config.NetworkDevnet:
		if rpcURL == "" {
			rpcURL = "https://api.devnet.solana.com"
		}
		if mint == "" {
			mint = config.DefaultUSDCDevnetMint
		}
	default:
		return "", "", fmt.Errorf("unknown network %q (must be %s or %s)", network, config.NetworkMainnet, config.NetworkDevnet)
	}
	return rpcURL, mint, nil
}

// loadKeypair reads a payer private key from path. Both solana-keygen JSON
// array files and raw base58 strings are accepted.
func loadKeypair(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read keypair file: %w", err)
	}
	content := strings.TrimSpace(string(data))
	if strings.HasPrefix(content, "[") {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to parse keypair file %s: %w", path, err)
		}
		return key.String(), nil
	}
	return content, nil
}

// applyJQFilter runs a gojq filter over the outcome document and prints each
// result. The command fails if the filter is invalid or produced no truthy
// value, so pay --jq doubles as a scriptable assertion.
func applyJQFilter(filter string, view outcomeView) error {
	query, err := gojq.Parse(filter)
	if err != nil {
		return fmt.Errorf("invalid jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
	}

	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode outcome: %w", err)
	}

	truthy := false
	iter := code.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if jqErr, isErr := v.(error); isErr {
			return fmt.Errorf("jq evaluation failed: %w", jqErr)
		}
		if isTruthy(v) {
			truthy = true
		}
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal jq result: %w", err)
		}
		fmt.Println(string(out))
	}

	if !truthy {
		return fmt.Errorf("jq filter %q produced no truthy result", filter)
	}
	return nil
}

// isTruthy follows jq semantics: null and false are falsy, everything else
// is truthy.
func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func printOutcomeDetailed(outcome *client.PayOutcome) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if outcome.Success {
		fmt.Println("✓ Resource Retrieved")
	} else {
		fmt.Println("✗ Request Failed")
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Status:     %d\n", outcome.StatusCode)

	if outcome.ProofSignature != "" {
		fmt.Printf("Proof:      %s\n", outcome.ProofSignature)
		fmt.Printf("Paid:       %s\n", outcome.Paid.String())
	}
	if outcome.Requirement != nil {
		fmt.Printf("Required:   %s %s to %s on %s\n",
			outcome.Requirement.Amount.String(),
			outcome.Requirement.Token,
			outcome.Requirement.Receiver,
			outcome.Requirement.Network,
		)
	}

	if len(outcome.Body) > 0 {
		fmt.Println()
		var buf bytes.Buffer
		if err := json.Indent(&buf, outcome.Body, "", "  "); err == nil {
			fmt.Println(buf.String())
		} else {
			fmt.Println(string(outcome.Body))
		}
	}
}
