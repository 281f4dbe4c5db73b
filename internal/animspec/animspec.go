package animspec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"

	"mathviz/internal/apperr"
	"mathviz/internal/vocab"
)

// Limits on an accepted spec. Breaching any of these is a schema error.
const (
	MaxObjects     = 50
	MaxSteps       = 100
	MaxPlaytimeS   = 60.0
	MinRunTimeS    = 0.1
	MaxRunTimeS    = 10.0
	MaxWaitAfterS  = 5.0
	MinDurationS   = 1.0
	MaxDurationS   = 30.0
	MaxPromptChars = 2000
)

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// Style carries optional presentation fields with defined defaults.
type Style struct {
	Color       string   `json:"color,omitempty"`
	StrokeWidth *float64 `json:"stroke_width,omitempty"`
	FillOpacity *float64 `json:"fill_opacity,omitempty"`
	ZIndex      *int     `json:"z_index,omitempty"`
}

// ObjectDecl declares one scene object.
type ObjectDecl struct {
	ID     string         `json:"id"`
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
	Style  Style          `json:"style,omitempty"`
}

// StepDecl declares one action on previously declared objects.
type StepDecl struct {
	Action    string         `json:"action"`
	TargetIDs []string       `json:"target_ids"`
	Params    map[string]any `json:"params,omitempty"`
	RunTime   float64        `json:"run_time"`
	WaitAfter float64        `json:"wait_after"`
}

// CameraDecl optionally positions the camera.
type CameraDecl struct {
	CenterX  *float64 `json:"center_x,omitempty"`
	CenterY  *float64 `json:"center_y,omitempty"`
	Zoom     *float64 `json:"zoom,omitempty"`
	PhiDeg   *float64 `json:"phi_deg,omitempty"`
	ThetaDeg *float64 `json:"theta_deg,omitempty"`
}

// Spec is the structured intermediate representation produced by the LLM
// layer and consumed by the synthesizer. It is the sole contract across the
// natural-language to source boundary.
type Spec struct {
	SceneKind    string       `json:"scene_kind"`
	DurationHint float64      `json:"duration_hint"`
	Background   string       `json:"background"`
	Objects      []ObjectDecl `json:"objects"`
	Steps        []StepDecl   `json:"steps"`
	Camera       *CameraDecl  `json:"camera,omitempty"`
}

// Playtime returns the total wall-clock playtime the steps declare.
func (s *Spec) Playtime() float64 {
	var total float64
	for _, st := range s.Steps {
		total += st.RunTime + st.WaitAfter
	}
	return total
}

// Validate enforces the structural invariants on a spec. Vocabulary
// membership of object kinds and actions is deliberately left to the
// synthesizer, which refuses unknown tokens; everything checked here is a
// schema error.
func (s *Spec) Validate(v *vocab.Vocab) error {
	if _, ok := v.SceneBase(s.SceneKind); !ok {
		return apperr.New(apperr.KindSchema, "unrecognized scene_kind %q", s.SceneKind)
	}
	if s.DurationHint < MinDurationS || s.DurationHint > MaxDurationS {
		return apperr.New(apperr.KindSchema, "duration_hint %.3f outside [%g, %g]", s.DurationHint, MinDurationS, MaxDurationS)
	}
	if !v.IsColor(s.Background) {
		return apperr.New(apperr.KindSchema, "background %q not in palette", s.Background)
	}
	if len(s.Objects) == 0 {
		return apperr.New(apperr.KindSchema, "spec declares no objects")
	}
	if len(s.Objects) > MaxObjects {
		return apperr.New(apperr.KindSchema, "%d objects exceeds limit of %d", len(s.Objects), MaxObjects)
	}
	if len(s.Steps) > MaxSteps {
		return apperr.New(apperr.KindSchema, "%d steps exceeds limit of %d", len(s.Steps), MaxSteps)
	}

	declared := make(map[string]int, len(s.Objects))
	for i, obj := range s.Objects {
		if !idPattern.MatchString(obj.ID) {
			return apperr.New(apperr.KindSchema, "object %d: invalid id %q", i, obj.ID)
		}
		if _, dup := declared[obj.ID]; dup {
			return apperr.New(apperr.KindSchema, "duplicate object id %q", obj.ID)
		}
		declared[obj.ID] = i
		if params, known := v.KindParams(obj.Kind); known {
			allowed := make(map[string]struct{}, len(params))
			for _, p := range params {
				allowed[p] = struct{}{}
			}
			for key := range obj.Params {
				if _, ok := allowed[key]; !ok {
					return apperr.New(apperr.KindSchema, "object %q: unrecognized param %q for kind %s", obj.ID, key, obj.Kind)
				}
			}
		}
		if obj.Style.Color != "" && !v.IsColor(obj.Style.Color) {
			return apperr.New(apperr.KindSchema, "object %q: color %q not in palette", obj.ID, obj.Style.Color)
		}
		if o := obj.Style.FillOpacity; o != nil && (*o < 0 || *o > 1) {
			return apperr.New(apperr.KindSchema, "object %q: fill_opacity %.3f outside [0, 1]", obj.ID, *o)
		}
		if w := obj.Style.StrokeWidth; w != nil && (*w < 0 || *w > 40) {
			return apperr.New(apperr.KindSchema, "object %q: stroke_width %.3f outside [0, 40]", obj.ID, *w)
		}
	}

	var playtime float64
	for i, st := range s.Steps {
		if len(st.TargetIDs) == 0 {
			return apperr.New(apperr.KindSchema, "step %d: empty target_ids", i)
		}
		for _, id := range st.TargetIDs {
			if _, ok := declared[id]; !ok {
				return apperr.New(apperr.KindSchema, "step %d: target %q is not a declared object", i, id)
			}
		}
		if st.RunTime < MinRunTimeS || st.RunTime > MaxRunTimeS {
			return apperr.New(apperr.KindSchema, "step %d: run_time %.3f outside [%g, %g]", i, st.RunTime, MinRunTimeS, MaxRunTimeS)
		}
		if st.WaitAfter < 0 || st.WaitAfter > MaxWaitAfterS {
			return apperr.New(apperr.KindSchema, "step %d: wait_after %.3f outside [0, %g]", i, st.WaitAfter, MaxWaitAfterS)
		}
		playtime += st.RunTime + st.WaitAfter
	}
	if playtime > MaxPlaytimeS {
		return apperr.New(apperr.KindSchema, "total playtime %.3fs exceeds %gs", playtime, MaxPlaytimeS)
	}

	// VGroup members must refer to ids declared above the group.
	for _, obj := range s.Objects {
		if obj.Kind != "VGroup" {
			continue
		}
		members, _ := obj.Params["members"].([]any)
		for _, m := range members {
			name, _ := m.(string)
			idx, ok := declared[name]
			if !ok || idx >= declared[obj.ID] {
				return apperr.New(apperr.KindSchema, "group %q: member %q is not declared above it", obj.ID, name)
			}
		}
	}
	return nil
}

// Hash returns the SHA-256 of the canonical JSON encoding. Equal specs hash
// equal; the hash keys generation-log rows for audit and dedup.
func (s *Spec) Hash() string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

