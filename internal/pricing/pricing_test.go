package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCostKnownModel(t *testing.T) {
	cost, ok := Default().Cost("gemini-2.5-flash", 1_000_000, 500_000)
	require.True(t, ok)
	assert.Equal(t, 0.30, cost)
}

func TestCostStripsModelsPrefix(t *testing.T) {
	cost, ok := Default().Cost("models/gemini-2.5-flash", 1_000_000, 0)
	require.True(t, ok)
	assert.Equal(t, 0.10, cost)
}

func TestCostUnknownModelIsZero(t *testing.T) {
	cost, ok := Default().Cost("mystery-model", 1_000_000, 1_000_000)
	assert.False(t, ok)
	assert.Zero(t, cost)
}

func TestCostZeroTokens(t *testing.T) {
	for name := range DefaultPricing {
		cost, ok := Default().Cost(name, 0, 0)
		require.True(t, ok)
		assert.Zero(t, cost, name)
	}
}

func TestCostMonotonic(t *testing.T) {
	table := Default()
	prev := 0.0
	for _, in := range []int64{0, 1, 10, 1_000, 12_345, 1_000_000, 7_654_321} {
		for _, out := range []int64{0, 1, 999, 500_000} {
			cost, _ := table.Cost("gpt-4o-mini", in, out)
			more, _ := table.Cost("gpt-4o-mini", in+1, out+1)
			assert.GreaterOrEqual(t, more, cost)
		}
		cost, _ := table.Cost("gpt-4o-mini", in, 0)
		assert.GreaterOrEqual(t, cost, prev)
		prev = cost
	}
}

func TestCostRoundsToSixPlaces(t *testing.T) {
	cost := CostFor(ModelPricing{InputPerMTok: 0.15}, 1, 0)
	assert.Equal(t, 0.0, cost)

	cost = CostFor(ModelPricing{InputPerMTok: 0.15, OutputPerMTok: 0.60}, 1234, 567)
	assert.Equal(t, 0.000525, cost)
}

func TestNewHolderWithoutFileUsesDefaults(t *testing.T) {
	h, err := NewHolder("", false, zap.NewNop())
	require.NoError(t, err)
	_, ok := h.Current().Lookup("gemini-1.5-pro")
	assert.True(t, ok)
}

func TestNewHolderOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	body := "version: pricing_test\nmodels:\n  custom-model:\n    input: 1.0\n    output: 2.0\n  gpt-4o-mini:\n    input: 0.2\n    output: 0.8\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	h, err := NewHolder(path, false, zap.NewNop())
	require.NoError(t, err)

	table := h.Current()
	assert.Equal(t, "pricing_test", table.Version())

	cost, ok := table.Cost("custom-model", 1_000_000, 1_000_000)
	require.True(t, ok)
	assert.Equal(t, 3.0, cost)

	p, ok := table.Lookup("gpt-4o-mini")
	require.True(t, ok)
	assert.Equal(t, 0.2, p.InputPerMTok)

	_, ok = table.Lookup("gemini-2.5-flash")
	assert.True(t, ok, "built-in models stay available")
}

func TestNewHolderRejectsNegativeRates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  bad:\n    input: -1\n"), 0o600))

	_, err := NewHolder(path, false, zap.NewNop())
	assert.Error(t, err)
}

func TestNewHolderKeepsDottedModelNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  gemini-9.9-ultra:\n    input: 4\n    output: 8\n"), 0o600))

	h, err := NewHolder(path, false, zap.NewNop())
	require.NoError(t, err)

	cost, ok := h.Current().Cost("models/gemini-9.9-ultra", 500_000, 0)
	require.True(t, ok)
	assert.Equal(t, 2.0, cost)
}
