// Package tokens normalizes provider usage payloads into token counts.
package tokens

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Counts is a normalized token usage triple.
type Counts struct {
	Input  int64
	Output int64
	Total  int64
}

// Kind selects how a raw usage payload is read.
type Kind string

const (
	KindGemini  Kind = "gemini"
	KindOpenAI  Kind = "openai"
	KindGeneric Kind = "generic"
)

// KindOf maps a declared provider to its payload kind. An empty provider
// is treated as gemini.
func KindOf(provider string) Kind {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "gemini", "google", "vertex":
		return KindGemini
	case "openai", "azure-openai":
		return KindOpenAI
	default:
		return KindGeneric
	}
}

var flatKeys = []string{
	"promptTokenCount",
	"candidatesTokenCount",
	"prompt_tokens",
	"completion_tokens",
	"inputTokens",
	"outputTokens",
	"total_tokens",
	"totalTokenCount",
	"totalTokens",
}

var nestedKeys = []string{"usageMetadata", "usage_metadata", "usage"}

var (
	inputKeys  = []string{"promptTokenCount", "prompt_tokens", "inputTokens", "input_tokens"}
	outputKeys = []string{"candidatesTokenCount", "completionTokenCount", "completion_tokens", "outputTokens", "output_tokens"}
	totalKeys  = []string{"totalTokenCount", "total_tokens", "totalTokens"}
)

// Parse reads token counts from raw according to kind. Gemini and OpenAI
// payloads may be either flat or wrapped in a usage object; generic payloads
// are read as-is.
func Parse(kind Kind, raw map[string]any) Counts {
	if len(raw) == 0 {
		return Counts{}
	}
	switch kind {
	case KindGemini, KindOpenAI:
		return countsFrom(resolvePayload(raw))
	default:
		return countsFrom(raw)
	}
}

func resolvePayload(payload map[string]any) map[string]any {
	for _, key := range flatKeys {
		if _, ok := payload[key]; ok {
			return payload
		}
	}
	for _, key := range nestedKeys {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		nested, isMap := v.(map[string]any)
		if !isMap {
			// a present but non-object usage value ends the search
			if truthy(v) {
				return nil
			}
			continue
		}
		if len(nested) > 0 {
			return nested
		}
	}
	return nil
}

func countsFrom(usage map[string]any) Counts {
	in := firstNonZero(usage, inputKeys)
	out := firstNonZero(usage, outputKeys)
	total := firstNonZero(usage, totalKeys)
	if total == 0 {
		total = in + out
	}
	return Counts{Input: in, Output: out, Total: total}
}

// firstNonZero returns the first key whose value converts to a non-zero
// integer. Missing, zero and non-numeric values fall through.
func firstNonZero(usage map[string]any, keys []string) int64 {
	for _, key := range keys {
		if n := ToInt(usage[key]); n != 0 {
			return n
		}
	}
	return 0
}

// ToInt converts a decoded JSON value to a token count. Anything that is not
// a finite number or a numeric string yields zero, and negatives clamp to zero.
func ToInt(v any) int64 {
	return clamp(toInt(v))
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case nil:
		return 0
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return floatToInt(f)
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return floatToInt(f)
		}
		return 0
	default:
		return 0
	}
}

// floatToInt truncates f. Values past the int64 range saturate.
func floatToInt(f float64) int64 {
	switch {
	case math.IsNaN(f), math.IsInf(f, 0):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

// Token counts are never negative.
func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}
