package advice

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedJSONPattern = regexp.MustCompile("(?is)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractJSONCandidate pulls the first JSON object out of generator output.
// Models are asked for strict JSON but sometimes wrap it in markdown fences
// or prose; try a direct parse, then a fenced block, then the outermost
// brace span.
func extractJSONCandidate(text string) map[string]any {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil
	}

	if obj := parseJSONObject(raw); obj != nil {
		return obj
	}

	if match := fencedJSONPattern.FindStringSubmatch(raw); match != nil {
		if obj := parseJSONObject(match[1]); obj != nil {
			return obj
		}
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return parseJSONObject(raw[start : end+1])
	}
	return nil
}

func parseJSONObject(raw string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

var sideEffectSeparator = regexp.MustCompile(`[,\n;]+`)

// normalizeGeneratedPayload validates the extracted object against the
// strict-JSON schema. Returns empty side effects when the object is unusable,
// which callers treat as a generator failure.
func normalizeGeneratedPayload(obj map[string]any) (sideEffects []string, adviceText string) {
	if obj == nil {
		return nil, ""
	}

	var rawEffects []string
	switch v := obj["side_effects"].(type) {
	case string:
		rawEffects = sideEffectSeparator.Split(v, -1)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				rawEffects = append(rawEffects, s)
			}
		}
	default:
		return nil, ""
	}
	for _, effect := range rawEffects {
		if len(sideEffects) >= 3 {
			break
		}
		if trimmed := strings.TrimSpace(effect); trimmed != "" {
			sideEffects = append(sideEffects, trimmed)
		}
	}
	if len(sideEffects) == 0 {
		return nil, ""
	}

	adviceText, _ = obj["advice"].(string)
	adviceText = strings.TrimSpace(adviceText)
	if adviceText == "" {
		return nil, ""
	}
	return sideEffects, adviceText
}
