package llm

import (
	"bytes"
	"encoding/json"
	"strings"

	"mathviz/internal/animspec"
)

// maxOutputBytes bounds how much model output is ever parsed. Output beyond
// the cap is malformed by definition, not truncated silently.
const maxOutputBytes = 64 * 1024

// ParseSpec extracts and decodes the JSON object in raw model output.
// Parsing is strict: unknown fields are a malformed-output error so the
// repair pass gets a pointed diagnostic instead of a silently dropped field.
func ParseSpec(raw string) (*animspec.Spec, error) {
	if len(raw) > maxOutputBytes {
		return nil, &MalformedError{Raw: raw[:1024], Diag: "output exceeds size bound"}
	}
	payload, ok := extractJSONObject(raw)
	if !ok {
		return nil, &MalformedError{Raw: raw, Diag: "no JSON object found in output"}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	var spec animspec.Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, &MalformedError{Raw: raw, Diag: err.Error()}
	}
	return &spec, nil
}

// extractJSONObject tolerates code fences and prose around the object but
// never evaluates anything: it slices from the first '{' to the last '}'.
func extractJSONObject(raw string) ([]byte, bool) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	return []byte(s[start : end+1]), true
}
