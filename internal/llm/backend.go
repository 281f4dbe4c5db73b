package llm

import (
	"context"

	"mathviz/internal/animspec"
)

// Request is one structured-output generation call. Repair context carries
// diagnostics from earlier attempts (malformed output, validator findings,
// renderer failures) so the model can correct itself.
type Request struct {
	Prompt        string
	RepairContext []string
}

// Health is a backend availability probe result.
type Health struct {
	OK        bool
	LatencyMS int64
}

// Backend is one concrete LLM provider. Backends do not retry internally;
// retry and fallback policy live in the Orchestrator. Implementations must
// be safe for concurrent GenerateSpec calls.
type Backend interface {
	Name() string
	GenerateSpec(ctx context.Context, req Request) (*animspec.Spec, error)
	Health(ctx context.Context) Health
}

// MalformedError preserves the raw model output and the parse diagnostic so
// a repair pass can feed both back to the model.
type MalformedError struct {
	Raw  string
	Diag string
}

func (e *MalformedError) Error() string {
	return "malformed model output: " + e.Diag
}
