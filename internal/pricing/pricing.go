package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// CostScale is the number of decimal places kept on computed costs.
const CostScale = 6

var perMillion = decimal.NewFromInt(1_000_000)

// ModelPricing holds per-million-token USD rates for a model.
type ModelPricing struct {
	InputPerMTok  float64 `mapstructure:"input"`
	OutputPerMTok float64 `mapstructure:"output"`
	Currency      string  `mapstructure:"currency"`
}

// DefaultPricing maps normalized model names to their rates.
var DefaultPricing = map[string]ModelPricing{
	"gemini-2.5-flash":      {InputPerMTok: 0.10, OutputPerMTok: 0.40, Currency: "USD"},
	"gemini-2.5-flash-lite": {InputPerMTok: 0.10, OutputPerMTok: 0.40, Currency: "USD"},
	"gemini-2.5-pro":        {InputPerMTok: 1.25, OutputPerMTok: 10.00, Currency: "USD"},
	"gemini-2.0-flash":      {InputPerMTok: 0.10, OutputPerMTok: 0.40, Currency: "USD"},
	"gemini-1.5-flash":      {InputPerMTok: 0.075, OutputPerMTok: 0.30, Currency: "USD"},
	"gemini-1.5-pro":        {InputPerMTok: 3.50, OutputPerMTok: 10.50, Currency: "USD"},
	"gpt-4o":                {InputPerMTok: 2.50, OutputPerMTok: 10.00, Currency: "USD"},
	"gpt-4o-mini":           {InputPerMTok: 0.15, OutputPerMTok: 0.60, Currency: "USD"},
}

// Table is an immutable pricing snapshot. A Table is never mutated after
// construction; reloads build a new one.
type Table struct {
	models  map[string]ModelPricing
	version string
}

// NewTable copies models into a fresh snapshot.
func NewTable(version string, models map[string]ModelPricing) *Table {
	cp := make(map[string]ModelPricing, len(models))
	for name, p := range models {
		if p.Currency == "" {
			p.Currency = "USD"
		}
		cp[strings.ToLower(strings.TrimSpace(name))] = p
	}
	return &Table{models: cp, version: version}
}

// Default returns the built-in table.
func Default() *Table {
	return NewTable("builtin", DefaultPricing)
}

func (t *Table) Version() string { return t.version }

func (t *Table) Len() int { return len(t.models) }

// NormalizeModelName strips a single "models/" prefix.
// e.g., "models/gemini-2.5-flash" -> "gemini-2.5-flash"
func NormalizeModelName(raw string) string {
	name := strings.TrimSpace(raw)
	name = strings.TrimPrefix(name, "models/")
	return name
}

// Lookup returns the pricing for a model, normalizing the name first.
// Returns zero pricing and false if the model is unknown.
func (t *Table) Lookup(model string) (ModelPricing, bool) {
	if t == nil {
		return ModelPricing{}, false
	}
	p, ok := t.models[strings.ToLower(NormalizeModelName(model))]
	return p, ok
}

// Cost computes the USD cost of a call rounded to CostScale places.
// Unknown models cost zero and report ok=false.
func (t *Table) Cost(model string, inputTokens, outputTokens int64) (float64, bool) {
	p, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}
	return CostFor(p, inputTokens, outputTokens), true
}

// CostFor applies p to the token counts. Negative counts are treated as zero.
func CostFor(p ModelPricing, inputTokens, outputTokens int64) float64 {
	in := decimal.NewFromInt(max(inputTokens, 0)).Div(perMillion).Mul(decimal.NewFromFloat(p.InputPerMTok))
	out := decimal.NewFromInt(max(outputTokens, 0)).Div(perMillion).Mul(decimal.NewFromFloat(p.OutputPerMTok))
	return in.Add(out).Round(CostScale).InexactFloat64()
}
