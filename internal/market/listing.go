// Package market parses and validates an admin's market listing: a question,
// a comma-separated list of outcome labels and an optional comma-separated
// list of opening prices.
package market

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxOutcomes caps the number of outcomes in one market.
const MaxOutcomes = 20

var (
	ErrEmptyQuestion    = errors.New("market: question is required")
	ErrTooFewOutcomes   = errors.New("market: at least two outcomes are required")
	ErrTooManyOutcomes  = fmt.Errorf("market: at most %d outcomes are allowed", MaxOutcomes)
	ErrDuplicateOutcome = errors.New("market: duplicate outcome label")
	ErrPriceCount       = errors.New("market: number of prices must match number of outcomes")
	ErrInvalidPrice     = errors.New("market: price must be a number between 0 and 1")
)

// OutcomeSpec is one outcome to create, with its opening price.
type OutcomeSpec struct {
	Label string          `json:"label"`
	Price decimal.Decimal `json:"price"`
}

// Listing is a validated market ready to be persisted.
type Listing struct {
	Question string        `json:"question"`
	Outcomes []OutcomeSpec `json:"outcomes"`
}

// ParseListing validates a question and its outcomes.
//
// options is a comma-separated label list ("Yes, No"). prices is either
// empty, in which case every outcome opens at round(1/n, 2), or a
// comma-separated list of the same length with values in [0, 1].
func ParseListing(question, options, prices string) (*Listing, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	labels, err := parseLabels(options)
	if err != nil {
		return nil, err
	}

	openPrices, err := parsePrices(prices, len(labels))
	if err != nil {
		return nil, err
	}

	outcomes := make([]OutcomeSpec, len(labels))
	for i, label := range labels {
		outcomes[i] = OutcomeSpec{Label: label, Price: openPrices[i]}
	}
	return &Listing{Question: question, Outcomes: outcomes}, nil
}

func parseLabels(options string) ([]string, error) {
	var labels []string
	seen := make(map[string]bool)
	for _, raw := range strings.Split(options, ",") {
		label := strings.TrimSpace(raw)
		if label == "" {
			continue
		}
		key := strings.ToLower(label)
		if seen[key] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOutcome, label)
		}
		seen[key] = true
		labels = append(labels, label)
	}

	if len(labels) < 2 {
		return nil, ErrTooFewOutcomes
	}
	if len(labels) > MaxOutcomes {
		return nil, ErrTooManyOutcomes
	}
	return labels, nil
}

func parsePrices(prices string, n int) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, 0, n)

	if strings.TrimSpace(prices) == "" {
		// Banker's rounding: 1/8 opens at 0.12, not 0.13.
		def := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(n))).RoundBank(2)
		for i := 0; i < n; i++ {
			out = append(out, def)
		}
		return out, nil
	}

	parts := strings.Split(prices, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("%w: got %d prices for %d outcomes", ErrPriceCount, len(parts), n)
	}

	one := decimal.NewFromInt(1)
	for _, raw := range parts {
		p, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPrice, strings.TrimSpace(raw))
		}
		if p.IsNegative() || p.GreaterThan(one) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, p)
		}
		out = append(out, p)
	}
	return out, nil
}
