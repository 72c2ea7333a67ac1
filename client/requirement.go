package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Requirement is the payment requirement decoded from a 402 response.
type Requirement struct {
	Receiver string          // wallet to pay
	Amount   decimal.Decimal // human units of the token
	Token    string          // token symbol, advisory
	Network  string          // "mainnet" or "devnet"
}

// Field aliases accepted in requirement descriptors. Servers disagree on
// the spelling of these fields, so the accepted set is a fixed table
// rather than a guess at decode time. Matching is exact and in order.
var (
	receiverAliases = []string{"receiver", "payTo", "pay_to", "recipient", "address"}
	amountAliases   = []string{"amount", "maxAmountRequired", "max_amount_required", "price", "value"}
	tokenAliases    = []string{"token", "asset", "symbol", "currency"}
	networkAliases  = []string{"network", "chain", "cluster"}
)

// Header fallbacks, consulted when the body yields nothing for a field.
var (
	receiverHeader = "X-Payment-Receiver"
	amountHeader   = "X-Payment-Amount"
	tokenHeader    = "X-Payment-Token"
	networkHeader  = "X-Payment-Network"
)

var validate = validator.New()

// rawRequirement is the unvalidated result of alias resolution.
type rawRequirement struct {
	Receiver string `validate:"required,min=32,max=44"`
	Amount   string `validate:"required"`
	Token    string `validate:"omitempty,max=16"`
	Network  string `validate:"omitempty,oneof=mainnet devnet"`
}

// decodeRequirement extracts a payment requirement from a 402 response.
// Each logical field is resolved against its alias table in three places:
// the body's "payment" object, the body's top level, then the response
// headers. The first non-empty match wins.
func decodeRequirement(body []byte, header http.Header) (*Requirement, error) {
	var top map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	// Numbers stay as json.Number so large or high-precision amounts are
	// not rounded through float64.
	dec.UseNumber()
	if err := dec.Decode(&top); err != nil {
		top = nil
	}

	var sources []map[string]any
	if payment, ok := top["payment"].(map[string]any); ok {
		sources = append(sources, payment)
	}
	if top != nil {
		sources = append(sources, top)
	}

	raw := rawRequirement{
		Receiver: resolveField(sources, header, receiverAliases, receiverHeader),
		Amount:   resolveField(sources, header, amountAliases, amountHeader),
		Token:    resolveField(sources, header, tokenAliases, tokenHeader),
		Network:  resolveField(sources, header, networkAliases, networkHeader),
	}

	if err := validate.Struct(&raw); err != nil {
		return nil, fmt.Errorf("requirement descriptor is missing or invalid: %w", err)
	}

	amount, err := decimal.NewFromString(raw.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q in requirement descriptor: %w", raw.Amount, err)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive amount %q in requirement descriptor", raw.Amount)
	}

	return &Requirement{
		Receiver: raw.Receiver,
		Amount:   amount,
		Token:    raw.Token,
		Network:  raw.Network,
	}, nil
}

// resolveField returns the first alias present in any source map, falling
// back to the named response header.
func resolveField(sources []map[string]any, header http.Header, aliases []string, headerKey string) string {
	for _, source := range sources {
		for _, alias := range aliases {
			if s, ok := stringValue(source[alias]); ok {
				return s
			}
		}
	}
	return header.Get(headerKey)
}

// stringValue renders a JSON scalar as a string. Amounts in particular
// arrive as either quoted strings or bare numbers depending on the server.
func stringValue(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		if val == "" {
			return "", false
		}
		return val, true
	case json.Number:
		return val.String(), true
	default:
		return "", false
	}
}
