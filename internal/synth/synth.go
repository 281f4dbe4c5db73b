package synth

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"mathviz/internal/animspec"
	"mathviz/internal/apperr"
	"mathviz/internal/vocab"
)

// SceneClassName is the single public scene class every emitted source
// declares. The validator and the renderer invocation both key on it.
const SceneClassName = "GeneratedScene"

// Synthesizer deterministically transforms an animation spec into renderable
// source text. It performs no I/O and never consults a model; equal specs
// produce byte-identical output.
type Synthesizer struct {
	vocab *vocab.Vocab
}

func New(v *vocab.Vocab) *Synthesizer {
	return &Synthesizer{vocab: v}
}

// Generate emits source for the spec. Unknown object kinds or actions are
// refused before any source is produced; source for a refused spec must
// never reach the renderer.
func (s *Synthesizer) Generate(spec *animspec.Spec) (string, error) {
	base, ok := s.vocab.SceneBase(spec.SceneKind)
	if !ok {
		return "", apperr.New(apperr.KindUnknownVocabulary, "scene_kind %q is not in the vocabulary", spec.SceneKind)
	}
	for _, obj := range spec.Objects {
		if !s.vocab.IsObjectKind(obj.Kind) {
			return "", apperr.New(apperr.KindUnknownVocabulary, "object %q: kind %q is not in the vocabulary", obj.ID, obj.Kind)
		}
	}
	for i, st := range spec.Steps {
		if !s.vocab.IsAction(st.Action) {
			return "", apperr.New(apperr.KindUnknownVocabulary, "step %d: action %q is not in the vocabulary", i, st.Action)
		}
	}

	var b strings.Builder
	b.WriteString("from manim import *\n")
	b.WriteString("import numpy as np\n")
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "class %s(%s):\n", SceneClassName, base)
	b.WriteString("    def construct(self):\n")

	body, err := s.emitBody(spec)
	if err != nil {
		return "", err
	}
	b.WriteString(body)
	return b.String(), nil
}

func (s *Synthesizer) emitBody(spec *animspec.Spec) (string, error) {
	var b strings.Builder
	line := func(format string, args ...any) {
		b.WriteString("        ")
		fmt.Fprintf(&b, format, args...)
		b.WriteString("\n")
	}

	line("self.camera.background_color = %s", spec.Background)
	if err := emitCamera(line, spec); err != nil {
		return "", err
	}

	for _, obj := range spec.Objects {
		ctor, err := emitConstructor(obj)
		if err != nil {
			return "", err
		}
		line("%s = %s", obj.ID, ctor)
		emitStyle(line, obj)
	}

	for i, st := range spec.Steps {
		call, err := emitStep(st)
		if err != nil {
			return "", apperr.Wrap(apperr.KindOf(err), err, "step %d", i)
		}
		line("%s", call)
		if st.WaitAfter > 0 {
			line("self.wait(%s)", num(st.WaitAfter))
		}
	}

	line("self.wait(%s)", num(1.0))
	return b.String(), nil
}

func emitCamera(line func(string, ...any), spec *animspec.Spec) error {
	cam := spec.Camera
	if cam == nil {
		return nil
	}
	switch spec.SceneKind {
	case "moving_camera":
		if cam.CenterX != nil || cam.CenterY != nil {
			line("self.camera.frame.move_to(np.array([%s, %s, %s]))",
				num(deref(cam.CenterX)), num(deref(cam.CenterY)), num(0))
		}
		if cam.Zoom != nil {
			if *cam.Zoom <= 0 {
				return apperr.New(apperr.KindSchema, "camera zoom must be positive")
			}
			line("self.camera.frame.scale(%s)", num(1.0 / *cam.Zoom))
		}
	case "3d":
		phi, theta := 60.0, -45.0
		if cam.PhiDeg != nil {
			phi = *cam.PhiDeg
		}
		if cam.ThetaDeg != nil {
			theta = *cam.ThetaDeg
		}
		line("self.set_camera_orientation(phi=%s * DEGREES, theta=%s * DEGREES)", num(phi), num(theta))
	default:
		// Plain 2d scenes have a fixed camera; a camera decl is advisory
		// there and emits nothing.
	}
	return nil
}

func emitConstructor(obj animspec.ObjectDecl) (string, error) {
	p := obj.Params
	switch obj.Kind {
	case "Text":
		return fmt.Sprintf("Text(%s)", pyString(strParam(p, "text", "Hello"))), nil
	case "Circle":
		return fmt.Sprintf("Circle(radius=%s)", num(floatParam(p, "radius", 1.0))), nil
	case "Square":
		return fmt.Sprintf("Square(side_length=%s)", num(floatParam(p, "side_length", 2.0))), nil
	case "Rectangle":
		return fmt.Sprintf("Rectangle(width=%s, height=%s)",
			num(floatParam(p, "width", 4.0)), num(floatParam(p, "height", 2.0))), nil
	case "Triangle":
		return "Triangle()", nil
	case "Line":
		return fmt.Sprintf("Line(start=%s, end=%s)",
			vec3(p, "start", -1, 0), vec3(p, "end", 1, 0)), nil
	case "Arrow":
		return fmt.Sprintf("Arrow(start=%s, end=%s)",
			vec3(p, "start", -1, 0), vec3(p, "end", 1, 0)), nil
	case "Dot":
		return fmt.Sprintf("Dot(point=%s)", vec3(p, "point", 0, 0)), nil
	case "VGroup":
		members, ok := p["members"].([]any)
		if !ok || len(members) == 0 {
			return "", apperr.New(apperr.KindSchema, "group %q: members param is required", obj.ID)
		}
		names := make([]string, 0, len(members))
		for _, m := range members {
			name, ok := m.(string)
			if !ok {
				return "", apperr.New(apperr.KindSchema, "group %q: members must be object ids", obj.ID)
			}
			names = append(names, name)
		}
		return fmt.Sprintf("VGroup(%s)", strings.Join(names, ", ")), nil
	case "Axes":
		return fmt.Sprintf("Axes(x_range=[%s, %s, %s], y_range=[%s, %s, %s])",
			num(floatParam(p, "x_min", -3)), num(floatParam(p, "x_max", 3)), num(1),
			num(floatParam(p, "y_min", -2)), num(floatParam(p, "y_max", 2)), num(1)), nil
	case "ParametricFunction":
		return emitParametric(obj)
	case "Polygon":
		return emitPolygon(obj)
	case "RegularPolygon":
		n := int(floatParam(p, "n", 6))
		if n < 3 || n > 24 {
			return "", apperr.New(apperr.KindSchema, "polygon %q: n=%d outside [3, 24]", obj.ID, n)
		}
		return fmt.Sprintf("RegularPolygon(n=%d)", n), nil
	default:
		return "", apperr.New(apperr.KindUnknownVocabulary, "kind %q is not in the vocabulary", obj.Kind)
	}
}

// Named curves keep the parametric surface closed: the model picks a curve
// token, never a function body.
var curves = map[string]string{
	"circle":    "lambda t: np.array([np.cos(t), np.sin(t), %z])",
	"spiral":    "lambda t: np.array([%a * t * np.cos(t), %a * t * np.sin(t), %z])",
	"lissajous": "lambda t: np.array([np.sin(%b * t), np.sin(%c * t), %z])",
}

func emitParametric(obj animspec.ObjectDecl) (string, error) {
	curve := strParam(obj.Params, "curve", "circle")
	tmpl, ok := curves[curve]
	if !ok {
		return "", apperr.New(apperr.KindUnknownVocabulary, "curve %q is not in the vocabulary", curve)
	}
	fn := strings.NewReplacer(
		"%a", num(0.1),
		"%b", num(3.0),
		"%c", num(4.0),
		"%z", num(0),
	).Replace(tmpl)
	tMax := floatParam(obj.Params, "t_max", 2*math.Pi)
	if tMax <= 0 || tMax > 16*math.Pi {
		return "", apperr.New(apperr.KindSchema, "curve %q: t_max %.3f out of range", obj.ID, tMax)
	}
	return fmt.Sprintf("ParametricFunction(%s, t_range=[%s, %s])", fn, num(0), num(tMax)), nil
}

func emitPolygon(obj animspec.ObjectDecl) (string, error) {
	raw, ok := obj.Params["vertices"].([]any)
	if !ok || len(raw) < 3 {
		return "", apperr.New(apperr.KindSchema, "polygon %q: at least 3 vertices required", obj.ID)
	}
	if len(raw) > 24 {
		return "", apperr.New(apperr.KindSchema, "polygon %q: %d vertices exceeds 24", obj.ID, len(raw))
	}
	points := make([]string, 0, len(raw))
	for i, v := range raw {
		pair, ok := v.([]any)
		if !ok || len(pair) < 2 {
			return "", apperr.New(apperr.KindSchema, "polygon %q: vertex %d is not an [x, y] pair", obj.ID, i)
		}
		x, okx := asFloat(pair[0])
		y, oky := asFloat(pair[1])
		if !okx || !oky {
			return "", apperr.New(apperr.KindSchema, "polygon %q: vertex %d is not numeric", obj.ID, i)
		}
		points = append(points, fmt.Sprintf("np.array([%s, %s, %s])", num(x), num(y), num(0)))
	}
	return fmt.Sprintf("Polygon(%s)", strings.Join(points, ", ")), nil
}

func emitStyle(line func(string, ...any), obj animspec.ObjectDecl) {
	st := obj.Style
	if st.Color != "" {
		line("%s.set_color(%s)", obj.ID, st.Color)
	}
	if st.StrokeWidth != nil {
		line("%s.set_stroke(width=%s)", obj.ID, num(*st.StrokeWidth))
	}
	if st.FillOpacity != nil {
		fill := st.Color
		if fill == "" {
			fill = "WHITE"
		}
		line("%s.set_fill(%s, opacity=%s)", obj.ID, fill, num(*st.FillOpacity))
	}
	if st.ZIndex != nil {
		line("%s.set_z_index(%d)", obj.ID, *st.ZIndex)
	}
}

func emitStep(st animspec.StepDecl) (string, error) {
	rt := num(st.RunTime)
	switch st.Action {
	case "Create", "Write", "FadeIn", "FadeOut":
		anims := make([]string, 0, len(st.TargetIDs))
		for _, id := range st.TargetIDs {
			anims = append(anims, fmt.Sprintf("%s(%s)", st.Action, id))
		}
		return fmt.Sprintf("self.play(%s, run_time=%s)", strings.Join(anims, ", "), rt), nil
	case "Transform", "ReplacementTransform", "MoveAlongPath":
		if len(st.TargetIDs) != 2 {
			return "", apperr.New(apperr.KindSchema, "%s takes exactly two targets, got %d", st.Action, len(st.TargetIDs))
		}
		return fmt.Sprintf("self.play(%s(%s, %s), run_time=%s)", st.Action, st.TargetIDs[0], st.TargetIDs[1], rt), nil
	case "Rotate":
		angle := floatParam(st.Params, "angle", math.Pi/2)
		return fmt.Sprintf("self.play(Rotate(%s, angle=%s), run_time=%s)", st.TargetIDs[0], num(angle), rt), nil
	case "Scale":
		factor := floatParam(st.Params, "factor", 2.0)
		anims := make([]string, 0, len(st.TargetIDs))
		for _, id := range st.TargetIDs {
			anims = append(anims, fmt.Sprintf("%s.animate.scale(%s)", id, num(factor)))
		}
		return fmt.Sprintf("self.play(%s, run_time=%s)", strings.Join(anims, ", "), rt), nil
	case "Shift":
		dx := floatParam(st.Params, "dx", 0)
		dy := floatParam(st.Params, "dy", 0)
		anims := make([]string, 0, len(st.TargetIDs))
		for _, id := range st.TargetIDs {
			anims = append(anims, fmt.Sprintf("%s.animate.shift(np.array([%s, %s, %s]))", id, num(dx), num(dy), num(0)))
		}
		return fmt.Sprintf("self.play(%s, run_time=%s)", strings.Join(anims, ", "), rt), nil
	default:
		return "", apperr.New(apperr.KindUnknownVocabulary, "action %q is not in the vocabulary", st.Action)
	}
}

// num formats a finite float at fixed precision so emitted source carries no
// host repr leakage. Non-finite values collapse to zero; specs decoded from
// JSON cannot carry them, and the spec validator does not check for them.
func num(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		f = 0
	}
	return strconv.FormatFloat(f, 'f', 6, 64)
}

func deref(p *float64) float64 {
	if p != nil {
		return *p
	}
	return 0
}

func vec3(p map[string]any, key string, defX, defY float64) string {
	x, y := defX, defY
	if pair, ok := p[key].([]any); ok && len(pair) >= 2 {
		if v, ok := asFloat(pair[0]); ok {
			x = v
		}
		if v, ok := asFloat(pair[1]); ok {
			y = v
		}
	}
	return fmt.Sprintf("np.array([%s, %s, %s])", num(x), num(y), num(0))
}

func floatParam(p map[string]any, key string, def float64) float64 {
	if v, ok := asFloat(p[key]); ok {
		return v
	}
	return def
}

func strParam(p map[string]any, key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// pyString emits a double-quoted string literal with backslashes, quotes and
// newlines escaped, so user text can never break out of the literal.
func pyString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
