package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thorgate/relay/internal/provider"
)

func TestNewTable(t *testing.T) {
	table, err := NewTable("gpt-4o=5:15, llama3=0.5", "1", "2")
	require.NoError(t, err)

	assert.Equal(t, "5", table.RateFor("gpt-4o").Prompt.String())
	assert.Equal(t, "15", table.RateFor("gpt-4o").Completion.String())
	assert.Equal(t, "0.5", table.RateFor("llama3").Completion.String())
	assert.Equal(t, "2", table.RateFor("unknown").Completion.String())
}

func TestNewTableRejectsMalformed(t *testing.T) {
	for _, prices := range []string{"gpt-4o", "gpt-4o=abc", "gpt-4o=-1:2"} {
		_, err := NewTable(prices, "1", "1")
		assert.Error(t, err, prices)
	}
	_, err := NewTable("", "x", "1")
	assert.Error(t, err)
}

func TestCost(t *testing.T) {
	table, err := NewTable("gpt-4o=5:15, free-model=0:0", "1", "2")
	require.NoError(t, err)

	cases := []struct {
		name  string
		model string
		usage provider.Usage
		want  int64
	}{
		{"empty usage is free", "gpt-4o", provider.Usage{}, 0},
		{"exact thousands", "gpt-4o", provider.Usage{PromptTokens: 1000, CompletionTokens: 1000}, 20},
		{"rounds up", "gpt-4o", provider.Usage{PromptTokens: 150, CompletionTokens: 50}, 2},
		{"minimum one credit", "unknown", provider.Usage{PromptTokens: 1}, 1},
		{"default rate", "unknown", provider.Usage{PromptTokens: 2000, CompletionTokens: 500}, 3},
		{"zero-rate model is free", "free-model", provider.Usage{PromptTokens: 100, CompletionTokens: 100}, 0},
		{"total only", "unknown", provider.Usage{TotalTokens: 3000}, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, table.Cost(tc.model, tc.usage))
		})
	}
}
