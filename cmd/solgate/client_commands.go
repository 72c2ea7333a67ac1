package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
)

// requirementView mirrors the payment requirement descriptor the server
// advertises on /api/v1/requirement and in 402 responses.
type requirementView struct {
	Receiver     string `json:"receiver"`
	Amount       string `json:"amount"`
	Token        string `json:"token"`
	Network      string `json:"network"`
	Instructions string `json:"instructions"`
	SolanaPayURL string `json:"solana_pay_url"`
	QRCode       string `json:"qr_code,omitempty"`
}

func requirementCommand() *cli.Command {
	return &cli.Command{
		Name:  "requirement",
		Usage: "Fetch the payment requirement a server demands",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Requirement endpoint URL (defaults to <server-url>/api/v1/requirement)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 10 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			url := c.String("url")
			if url == "" {
				url = c.String("server-url") + "/api/v1/requirement"
			}
			jsonOutput := c.Bool("json")

			httpClient := &http.Client{
				Timeout: c.Duration("timeout"),
			}
			resp, err := httpClient.Get(url)
			if err != nil {
				return fmt.Errorf("failed to fetch requirement: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
			}

			var req requirementView
			if err := json.Unmarshal(body, &req); err != nil {
				return fmt.Errorf("failed to decode requirement: %w", err)
			}

			if jsonOutput {
				data, err := json.MarshalIndent(req, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal requirement: %w", err)
				}
				fmt.Println(string(data))
				return nil
			}

			printRequirementDetailed(&req)
			return nil
		},
	}
}

func printRequirementDetailed(req *requirementView) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("Payment Requirement")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Receiver:  %s\n", req.Receiver)
	fmt.Printf("Amount:    %s %s\n", req.Amount, req.Token)
	fmt.Printf("Network:   %s\n", req.Network)

	if req.SolanaPayURL != "" {
		fmt.Printf("Pay URL:   %s\n", req.SolanaPayURL)
	}
	if req.Instructions != "" {
		fmt.Printf("\n%s\n", req.Instructions)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}
