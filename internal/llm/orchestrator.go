package llm

import (
	"context"
	"errors"
	"log/slog"

	"mathviz/internal/animspec"
	"mathviz/internal/apperr"
	"mathviz/internal/vocab"
)

const maxRepairs = 2

// Result is a successful orchestration outcome.
type Result struct {
	Spec     *animspec.Spec
	Backend  string
	Attempts int
}

// Orchestrator is the policy layer across backends: backend selection,
// bounded repair of malformed output, fallback on availability failures, and
// a hard attempt budget. It holds no per-job state and is safe for
// concurrent use.
type Orchestrator struct {
	primary  Backend
	fallback Backend
	vocab    *vocab.Vocab
	budget   int
	logger   *slog.Logger
}

func NewOrchestrator(primary, fallback Backend, v *vocab.Vocab, budget int, logger *slog.Logger) *Orchestrator {
	if budget <= 0 {
		budget = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{primary: primary, fallback: fallback, vocab: v, budget: budget, logger: logger}
}

// Generate produces a validated spec for the prompt. The feedback slice
// carries diagnostics from earlier pipeline attempts (validator findings,
// renderer failures); it is passed to the backend as repair context.
//
// Total backend calls across primary, fallback, and repairs never exceed the
// attempt budget.
func (o *Orchestrator) Generate(ctx context.Context, prompt string, feedback []string) (Result, error) {
	backend := o.primary
	repairCtx := append([]string(nil), feedback...)
	repairs := 0
	var lastErr error

	for attempt := 1; attempt <= o.budget; attempt++ {
		spec, err := backend.GenerateSpec(ctx, Request{Prompt: prompt, RepairContext: repairCtx})
		if err == nil {
			if verr := spec.Validate(o.vocab); verr != nil {
				// A structurally invalid spec is malformed output; feed the
				// validator diagnostic back like any other repair.
				err = apperr.Wrap(apperr.KindLLMMalformed,
					&MalformedError{Diag: apperr.MessageOf(verr)}, "spec failed validation")
			} else {
				return Result{Spec: spec, Backend: backend.Name(), Attempts: attempt}, nil
			}
		}
		lastErr = err

		switch apperr.KindOf(err) {
		case apperr.KindLLMRefused:
			// Never launder refusals by switching backends.
			return Result{Attempts: attempt}, err
		case apperr.KindLLMUnavailable, apperr.KindLLMTimeout, apperr.KindLLMRateLimited:
			if o.fallback != nil && backend != o.fallback {
				o.logger.Warn("primary backend failed, switching to fallback",
					"backend", backend.Name(), "error_kind", string(apperr.KindOf(err)))
				backend = o.fallback
				continue
			}
		case apperr.KindLLMMalformed:
			if repairs < maxRepairs {
				repairs++
				var malformed *MalformedError
				diag := apperr.MessageOf(err)
				if errors.As(err, &malformed) && malformed.Diag != "" {
					diag = malformed.Diag
					if malformed.Raw != "" {
						diag = diag + "\nPrevious output:\n" + truncate(malformed.Raw, 2048)
					}
				}
				repairCtx = append(repairCtx, diag)
				o.logger.Info("repairing malformed output",
					"backend", backend.Name(), "repair", repairs)
				continue
			}
		}
		if ctx.Err() != nil {
			return Result{Attempts: attempt}, apperr.Wrap(apperr.KindDeadlineExceeded, ctx.Err(), "orchestration deadline")
		}
	}

	return Result{Attempts: o.budget}, apperr.Wrap(apperr.KindLLMExhausted, lastErr,
		"no backend produced a valid spec within %d attempts", o.budget)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
