package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/solgate/service/events"
)

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Stream live verification events via SSE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "outcome",
				Usage: "Filter by outcome (verified or rejected; empty streams both)",
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			outcome := c.String("outcome")
			jsonOutput := c.Bool("json")

			url := serverURL + "/api/v1/stream/verifications"
			if outcome != "" {
				url += "?outcome=" + outcome
			}

			// Create context that cancels on interrupt
			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				cancel()
			}()

			req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Accept", "text/event-stream")

			client := &http.Client{
				Timeout: 0, // No timeout for streaming
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}

			if !jsonOutput {
				if outcome != "" {
					fmt.Fprintf(os.Stderr, "Connected to verification stream (outcome: %s)\n", outcome)
				} else {
					fmt.Fprintf(os.Stderr, "Connected to verification stream\n")
				}
				fmt.Fprintf(os.Stderr, "Streaming events... (Ctrl+C to stop)\n\n")
			}

			// Read SSE events
			scanner := bufio.NewScanner(resp.Body)
			var currentEvent, currentData string

			for scanner.Scan() {
				line := scanner.Text()

				// Empty line indicates end of event
				if line == "" {
					if currentEvent != "" && currentData != "" {
						if err := handleStreamEvent(currentEvent, currentData, jsonOutput); err != nil {
							fmt.Fprintf(os.Stderr, "Error handling event: %v\n", err)
						}
					}
					currentEvent = ""
					currentData = ""
					continue
				}

				if strings.HasPrefix(line, "event:") {
					currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				} else if strings.HasPrefix(line, "data:") {
					currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				}
			}

			if err := scanner.Err(); err != nil {
				if ctx.Err() != nil {
					// Context cancelled (user interrupt)
					if !jsonOutput {
						fmt.Fprintf(os.Stderr, "\nDisconnected\n")
					}
					return nil
				}
				return fmt.Errorf("error reading SSE stream: %w", err)
			}

			return nil
		},
	}
}

func handleStreamEvent(eventType, data string, jsonOutput bool) error {
	switch eventType {
	case "connected":
		if !jsonOutput {
			var info map[string]interface{}
			if err := json.Unmarshal([]byte(data), &info); err != nil {
				return err
			}
			if outcome, ok := info["outcome"].(string); ok {
				fmt.Fprintf(os.Stderr, "✓ Subscribed to outcome: %s\n\n", outcome)
			}
		}
		return nil

	case "verification":
		var event events.VerificationEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return err
		}

		if jsonOutput {
			// Output raw JSON
			fmt.Println(data)
		} else {
			printVerification(&event)
		}
		return nil

	case "error":
		var errInfo map[string]interface{}
		if err := json.Unmarshal([]byte(data), &errInfo); err != nil {
			return err
		}
		return fmt.Errorf("server error: %v", errInfo["error"])

	default:
		// Unknown event type, ignore
		return nil
	}
}

func printVerification(event *events.VerificationEvent) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if event.Outcome == events.OutcomeVerified {
		fmt.Println("✓ Payment Verified")
	} else {
		fmt.Println("✗ Payment Rejected")
	}
	fmt.Printf("Signature:  %s\n", event.Signature)
	fmt.Printf("Network:    %s\n", event.Network)

	if event.Outcome == events.OutcomeVerified {
		fmt.Printf("Sender:     %s\n", event.Sender)
		fmt.Printf("Receiver:   %s\n", event.Receiver)
		fmt.Printf("Amount:     %s %s\n", event.Amount, event.Token)
	} else {
		fmt.Printf("Error:      %s\n", event.Error)
		if event.Detail != "" {
			fmt.Printf("Detail:     %s\n", event.Detail)
		}
	}

	if event.Slot != 0 {
		fmt.Printf("Slot:       %d\n", event.Slot)
	}
	if event.BlockTime != nil {
		fmt.Printf("Block Time: %s\n", event.BlockTime.Format(time.RFC3339))
	}
	fmt.Printf("Published:  %s\n", event.PublishedAt.Format(time.RFC3339))
	fmt.Println()
}
