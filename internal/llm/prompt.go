package llm

import (
	"fmt"
	"strings"

	"mathviz/internal/animspec"
	"mathviz/internal/vocab"
)

// SystemInstruction renders the short system message enumerating the frozen
// vocabulary. Both backends send it verbatim; it is built from the same
// table the validator and synthesizer load, so the surfaces cannot drift.
func SystemInstruction(v *vocab.Vocab) string {
	var b strings.Builder
	b.WriteString("You translate a description of a mathematical visualization into a JSON animation spec.\n")
	b.WriteString("Respond with a single JSON object matching the provided schema. No prose, no code fences.\n\n")
	fmt.Fprintf(&b, "scene_kind must be one of: %s.\n", strings.Join(v.SceneKindNames(), ", "))
	fmt.Fprintf(&b, "Object kinds: %s.\n", strings.Join(v.ObjectKindNames(), ", "))
	fmt.Fprintf(&b, "Actions: %s.\n", strings.Join(v.Actions, ", "))
	fmt.Fprintf(&b, "Colors: %s.\n", strings.Join(v.Colors, ", "))
	b.WriteString("\nRules:\n")
	b.WriteString("- Object ids are lowercase tokens matching [a-z][a-z0-9_]{0,31} and unique.\n")
	b.WriteString("- Every step's target_ids refer only to objects declared before it.\n")
	fmt.Fprintf(&b, "- At most %d objects and %d steps; total run_time plus wait_after must not exceed %g seconds.\n",
		animspec.MaxObjects, animspec.MaxSteps, animspec.MaxPlaytimeS)
	b.WriteString("- run_time is between 0.1 and 10 seconds; wait_after between 0 and 5.\n")
	b.WriteString("- Use only the listed kinds, actions, and colors. Anything else is rejected.\n")
	return b.String()
}

// RepairMessage formats one feedback entry for a repair pass.
func RepairMessage(diag string) string {
	return "The previous spec was rejected. Fix the problem and return a corrected JSON object.\nDiagnostic: " + diag
}
