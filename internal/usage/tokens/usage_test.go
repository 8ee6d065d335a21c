package tokens

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseGeminiNested(t *testing.T) {
	raw := map[string]any{
		"candidates": []any{},
		"usageMetadata": map[string]any{
			"promptTokenCount":     float64(120),
			"candidatesTokenCount": float64(30),
			"totalTokenCount":      float64(155),
		},
	}
	assert.Equal(t, Counts{Input: 120, Output: 30, Total: 155}, Parse(KindGemini, raw))
}

func TestParseOpenAINested(t *testing.T) {
	raw := map[string]any{
		"id": "chatcmpl-1",
		"usage": map[string]any{
			"prompt_tokens":     float64(10),
			"completion_tokens": float64(5),
		},
	}
	assert.Equal(t, Counts{Input: 10, Output: 5, Total: 15}, Parse(KindOpenAI, raw))
}

func TestParseFlatPayload(t *testing.T) {
	raw := map[string]any{"inputTokens": float64(7), "outputTokens": float64(3), "usage": map[string]any{"prompt_tokens": float64(99)}}
	assert.Equal(t, Counts{Input: 7, Output: 3, Total: 10}, Parse(KindGemini, raw))
}

func TestParsePrecedence(t *testing.T) {
	raw := map[string]any{"promptTokenCount": float64(5), "prompt_tokens": float64(9)}
	assert.EqualValues(t, 5, Parse(KindGeneric, raw).Input)
}

func TestParseZeroFallsThrough(t *testing.T) {
	raw := map[string]any{"promptTokenCount": float64(0), "prompt_tokens": float64(9)}
	assert.EqualValues(t, 9, Parse(KindOpenAI, raw).Input)
}

func TestParseUnparsableIsZero(t *testing.T) {
	raw := map[string]any{"inputTokens": "lots", "outputTokens": "12"}
	c := Parse(KindGeneric, raw)
	assert.EqualValues(t, 0, c.Input)
	assert.EqualValues(t, 12, c.Output)
	assert.EqualValues(t, 12, c.Total)
}

func TestParseUsageMetadataSnakeCase(t *testing.T) {
	raw := map[string]any{"usage_metadata": map[string]any{"input_tokens": float64(4), "output_tokens": float64(6)}}
	assert.Equal(t, Counts{Input: 4, Output: 6, Total: 10}, Parse(KindGemini, raw))
}

func TestParseGenericDoesNotUnwrap(t *testing.T) {
	raw := map[string]any{"usage": map[string]any{"prompt_tokens": float64(10)}}
	assert.Equal(t, Counts{}, Parse(KindGeneric, raw))
}

func TestParseEmpty(t *testing.T) {
	assert.Equal(t, Counts{}, Parse(KindGemini, nil))
	assert.Equal(t, Counts{}, Parse(KindGemini, map[string]any{"usage": "n/a"}))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindGemini, KindOf(""))
	assert.Equal(t, KindGemini, KindOf("Gemini"))
	assert.Equal(t, KindOpenAI, KindOf("openai"))
	assert.Equal(t, KindGeneric, KindOf("anthropic"))
}

func TestToInt(t *testing.T) {
	assert.EqualValues(t, 3, ToInt(json.Number("3")))
	assert.EqualValues(t, 3, ToInt(3.9))
	assert.EqualValues(t, 0, ToInt(true))
	assert.EqualValues(t, 0, ToInt(map[string]any{}))
	assert.EqualValues(t, 42, ToInt(" 42 "))
}

func TestToIntClampsNegativeAndSaturates(t *testing.T) {
	assert.EqualValues(t, 0, ToInt("-5"))
	assert.EqualValues(t, 0, ToInt(-12.5))
	assert.EqualValues(t, 0, ToInt(json.Number("-7")))
	assert.EqualValues(t, 0, ToInt(-1e30))
	assert.EqualValues(t, int64(math.MaxInt64), ToInt(1e30))
	assert.EqualValues(t, int64(math.MaxInt64), ToInt(json.Number("1e30")))
	assert.EqualValues(t, 0, ToInt("Inf"))
}

func TestParseNegativeFallsThrough(t *testing.T) {
	counts := Parse(KindGeneric, map[string]any{"promptTokenCount": "-5", "prompt_tokens": float64(9)})
	assert.EqualValues(t, 9, counts.Input)
}
