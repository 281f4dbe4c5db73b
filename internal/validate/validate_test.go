package validate

import (
	"context"
	"strings"
	"testing"

	"mathviz/internal/animspec"
	"mathviz/internal/apperr"
	"mathviz/internal/synth"
	"mathviz/internal/vocab"
)

func validSource(t *testing.T, spec *animspec.Spec) string {
	t.Helper()
	src, err := synth.New(vocab.MustLoad()).Generate(spec)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	return src
}

func baseSpec() *animspec.Spec {
	return &animspec.Spec{
		SceneKind:    "2d",
		DurationHint: 5,
		Background:   "BLACK",
		Objects: []animspec.ObjectDecl{
			{ID: "c", Kind: "Circle", Params: map[string]any{"radius": 1.0}, Style: animspec.Style{Color: "BLUE"}},
		},
		Steps: []animspec.StepDecl{
			{Action: "FadeIn", TargetIDs: []string{"c"}, RunTime: 1.0, WaitAfter: 0.5},
		},
	}
}

func TestValidateAcceptsSynthesizedSource(t *testing.T) {
	v := New(vocab.MustLoad())
	src := validSource(t, baseSpec())
	if err := v.Validate(context.Background(), []byte(src), "2d"); err != nil {
		t.Fatalf("validator refused synthesized source: %v\n%s", err, src)
	}
}

func TestValidateAcceptsEveryVocabularyObject(t *testing.T) {
	voc := vocab.MustLoad()
	v := New(voc)
	spec := baseSpec()
	spec.Objects = []animspec.ObjectDecl{
		{ID: "txt", Kind: "Text", Params: map[string]any{"text": "hello"}},
		{ID: "c", Kind: "Circle"},
		{ID: "sq", Kind: "Square"},
		{ID: "r", Kind: "Rectangle"},
		{ID: "tr", Kind: "Triangle"},
		{ID: "l", Kind: "Line"},
		{ID: "ar", Kind: "Arrow"},
		{ID: "d", Kind: "Dot"},
		{ID: "ax", Kind: "Axes"},
		{ID: "pf", Kind: "ParametricFunction"},
		{ID: "pg", Kind: "Polygon", Params: map[string]any{"vertices": []any{
			[]any{0.0, 0.0}, []any{1.0, 0.0}, []any{0.0, 1.0},
		}}},
		{ID: "rp", Kind: "RegularPolygon", Params: map[string]any{"n": 5.0}},
		{ID: "g", Kind: "VGroup", Params: map[string]any{"members": []any{"c", "sq"}}},
	}
	spec.Steps = []animspec.StepDecl{
		{Action: "Create", TargetIDs: []string{"c"}, RunTime: 1},
		{Action: "Write", TargetIDs: []string{"txt"}, RunTime: 1},
		{Action: "Transform", TargetIDs: []string{"c", "sq"}, RunTime: 1},
		{Action: "MoveAlongPath", TargetIDs: []string{"d", "pf"}, RunTime: 2},
		{Action: "Rotate", TargetIDs: []string{"sq"}, Params: map[string]any{"angle": 1.57}, RunTime: 1},
		{Action: "Scale", TargetIDs: []string{"r"}, Params: map[string]any{"factor": 0.5}, RunTime: 1},
		{Action: "Shift", TargetIDs: []string{"g"}, Params: map[string]any{"dx": 1.0, "dy": -1.0}, RunTime: 1},
		{Action: "FadeOut", TargetIDs: []string{"c", "sq", "g"}, RunTime: 1},
	}
	src := validSource(t, spec)
	if err := v.Validate(context.Background(), []byte(src), "2d"); err != nil {
		t.Fatalf("validator refused source: %v\n%s", err, src)
	}
}

func TestValidateAcceptsCameraScenes(t *testing.T) {
	v := New(vocab.MustLoad())

	spec := baseSpec()
	spec.SceneKind = "moving_camera"
	cx, zoom := 1.5, 2.0
	spec.Camera = &animspec.CameraDecl{CenterX: &cx, Zoom: &zoom}
	src := validSource(t, spec)
	if err := v.Validate(context.Background(), []byte(src), "moving_camera"); err != nil {
		t.Fatalf("moving_camera refused: %v\n%s", err, src)
	}

	spec = baseSpec()
	spec.SceneKind = "3d"
	phi := 75.0
	spec.Camera = &animspec.CameraDecl{PhiDeg: &phi}
	src = validSource(t, spec)
	if err := v.Validate(context.Background(), []byte(src), "3d"); err != nil {
		t.Fatalf("3d refused: %v\n%s", err, src)
	}
}

func TestValidateRefusals(t *testing.T) {
	v := New(vocab.MustLoad())
	good := validSource(t, baseSpec())

	cases := []struct {
		name string
		src  string
		kind apperr.Kind
	}{
		{
			name: "banned dunder call",
			src:  strings.Replace(good, "Circle(radius=1.000000)", `__import__("os")`, 1),
			kind: apperr.KindBannedSymbol,
		},
		{
			name: "eval call",
			src:  strings.Replace(good, "Circle(radius=1.000000)", `eval("1+1")`, 1),
			kind: apperr.KindBannedSymbol,
		},
		{
			name: "extra import",
			src:  strings.Replace(good, "import numpy as np", "import os", 1),
			kind: apperr.KindShape,
		},
		{
			name: "wrong class name",
			src:  strings.Replace(good, "class GeneratedScene(Scene):", "class EvilScene(Scene):", 1),
			kind: apperr.KindShape,
		},
		{
			name: "wrong scene base",
			src:  strings.Replace(good, "class GeneratedScene(Scene):", "class GeneratedScene(ThreeDScene):", 1),
			kind: apperr.KindShape,
		},
		{
			name: "unlisted constructor",
			src:  strings.Replace(good, "Circle(radius=1.000000)", "Ellipse(width=2.000000)", 1),
			kind: apperr.KindBannedSymbol,
		},
		{
			name: "unlisted method",
			src:  strings.Replace(good, "c.set_color(BLUE)", "c.become(c)", 1),
			kind: apperr.KindBannedSymbol,
		},
		{
			name: "backslash continuation",
			src:  strings.Replace(good, "self.wait(0.500000)", "self.wait(\\\n    0.500000)", 1),
			kind: apperr.KindBannedSymbol,
		},
		{
			name: "syntax error",
			src:  good + "\n    )broken(",
			kind: apperr.KindSchema,
		},
		{
			name: "dunder attribute access",
			src:  strings.Replace(good, "c.set_color(BLUE)", "c.__class__", 1),
			kind: apperr.KindBannedSymbol,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(context.Background(), []byte(tc.src), "2d")
			if err == nil {
				t.Fatalf("expected refusal")
			}
			if apperr.KindOf(err) != tc.kind {
				t.Fatalf("expected kind %s, got %v", tc.kind, err)
			}
		})
	}
}

func TestValidateStringLiteralsAreOpaque(t *testing.T) {
	// A Text object whose content names dangerous identifiers is data, not
	// code; the validator must accept it.
	v := New(vocab.MustLoad())
	spec := baseSpec()
	spec.Objects = append(spec.Objects, animspec.ObjectDecl{
		ID:     "t",
		Kind:   "Text",
		Params: map[string]any{"text": "__import__('os')"},
	})
	src := validSource(t, spec)
	if err := v.Validate(context.Background(), []byte(src), "2d"); err != nil {
		t.Fatalf("string literal content was scanned as code: %v", err)
	}
}

func TestValidateTooLarge(t *testing.T) {
	v := New(vocab.MustLoad())
	big := validSource(t, baseSpec()) + strings.Repeat("# pad\n", 4000)
	err := v.Validate(context.Background(), []byte(big), "2d")
	if apperr.KindOf(err) != apperr.KindTooLarge {
		t.Fatalf("expected too_large, got %v", err)
	}
}

func TestValidateMissingSceneClass(t *testing.T) {
	v := New(vocab.MustLoad())
	src := "from manim import *\nimport numpy as np\n"
	err := v.Validate(context.Background(), []byte(src), "2d")
	if apperr.KindOf(err) != apperr.KindShape {
		t.Fatalf("expected shape, got %v", err)
	}
}
