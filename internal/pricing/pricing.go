// Package pricing converts provider-reported token usage into credits.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/thorgate/relay/internal/provider"
)

var perThousand = decimal.NewFromInt(1000)

// Rate is the credit price per 1000 tokens.
type Rate struct {
	Prompt     decimal.Decimal
	Completion decimal.Decimal
}

// Table holds per-model rates and the rate applied to unlisted models.
type Table struct {
	Default Rate
	Models  map[string]Rate
}

// NewTable parses prices, a comma-separated list of model=prompt:completion
// entries, on top of the given default rates.
func NewTable(prices, defaultPrompt, defaultCompletion string) (*Table, error) {
	def, err := parseRate(defaultPrompt, defaultCompletion)
	if err != nil {
		return nil, fmt.Errorf("default rate: %w", err)
	}
	t := &Table{Default: def, Models: make(map[string]Rate)}
	for _, entry := range strings.Split(prices, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		model, rates, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("price entry %q: want model=prompt:completion", entry)
		}
		prompt, completion, ok := strings.Cut(rates, ":")
		if !ok {
			completion = prompt
		}
		rate, err := parseRate(prompt, completion)
		if err != nil {
			return nil, fmt.Errorf("price entry %q: %w", entry, err)
		}
		t.Models[strings.TrimSpace(model)] = rate
	}
	return t, nil
}

func parseRate(prompt, completion string) (Rate, error) {
	p, err := decimal.NewFromString(strings.TrimSpace(prompt))
	if err != nil {
		return Rate{}, err
	}
	c, err := decimal.NewFromString(strings.TrimSpace(completion))
	if err != nil {
		return Rate{}, err
	}
	if p.IsNegative() || c.IsNegative() {
		return Rate{}, fmt.Errorf("rates must not be negative")
	}
	return Rate{Prompt: p, Completion: c}, nil
}

func (r Rate) free() bool {
	return r.Prompt.IsZero() && r.Completion.IsZero()
}

// RateFor returns the rate for model, or the default.
func (t *Table) RateFor(model string) Rate {
	if r, ok := t.Models[model]; ok {
		return r
	}
	return t.Default
}

// Cost returns the credit cost for usage, rounded up. Non-empty usage on a
// priced model costs at least one credit; a model priced at zero is free.
func (t *Table) Cost(model string, usage provider.Usage) int64 {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		if usage.TotalTokens == 0 {
			return 0
		}
		// Embedding providers often report only a total.
		usage.PromptTokens = usage.TotalTokens
	}
	rate := t.RateFor(model)
	cost := decimal.NewFromInt(usage.PromptTokens).Mul(rate.Prompt).
		Add(decimal.NewFromInt(usage.CompletionTokens).Mul(rate.Completion)).
		Div(perThousand).
		Ceil()
	credits := cost.IntPart()
	if credits < 1 && !rate.free() {
		credits = 1
	}
	return credits
}
