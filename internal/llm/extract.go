package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var (
	jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	codeFenceRe = regexp.MustCompile("(?s)```(?:go)?\\s*\\n(.*?)```")
)

// DecodeJSON unmarshals a model response into out. The response may wrap the
// object in markdown fences or be slightly malformed; fences are stripped and
// jsonrepair gets a second attempt before giving up.
func DecodeJSON(response string, out any) error {
	raw := strings.TrimSpace(response)
	if m := jsonFenceRe.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	} else if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}

	if err := json.Unmarshal([]byte(raw), out); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fmt.Errorf("response is not valid JSON and could not be repaired: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("decode repaired JSON: %w", err)
	}
	return nil
}

// ExtractCode pulls Go source out of a model response: the first fenced code
// block when present, otherwise the whole trimmed response.
func ExtractCode(response string) string {
	if m := codeFenceRe.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(response)
}
