package synth

import (
	"strings"
	"testing"

	"mathviz/internal/animspec"
	"mathviz/internal/apperr"
	"mathviz/internal/vocab"
)

func simpleSpec() *animspec.Spec {
	return &animspec.Spec{
		SceneKind:    "2d",
		DurationHint: 5,
		Background:   "BLACK",
		Objects: []animspec.ObjectDecl{
			{
				ID:     "c",
				Kind:   "Circle",
				Params: map[string]any{"radius": 1.0},
				Style:  animspec.Style{Color: "BLUE"},
			},
		},
		Steps: []animspec.StepDecl{
			{Action: "FadeIn", TargetIDs: []string{"c"}, RunTime: 1.0, WaitAfter: 0.5},
		},
	}
}

func TestGenerateSimpleScene(t *testing.T) {
	s := New(vocab.MustLoad())
	src, err := s.Generate(simpleSpec())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	for _, want := range []string{
		"from manim import *",
		"import numpy as np",
		"class GeneratedScene(Scene):",
		"    def construct(self):",
		"self.camera.background_color = BLACK",
		"c = Circle(radius=1.000000)",
		"c.set_color(BLUE)",
		"self.play(FadeIn(c), run_time=1.000000)",
		"self.wait(0.500000)",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("output missing %q\n%s", want, src)
		}
	}
}

func TestGenerateDeterministic(t *testing.T) {
	s := New(vocab.MustLoad())
	spec := simpleSpec()
	a, err := s.Generate(spec)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := s.Generate(spec)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a != b {
		t.Fatalf("output differs between identical specs")
	}
}

func TestGenerateSceneBases(t *testing.T) {
	s := New(vocab.MustLoad())
	cases := []struct {
		kind string
		base string
	}{
		{"2d", "Scene"},
		{"moving_camera", "MovingCameraScene"},
		{"3d", "ThreeDScene"},
	}
	for _, tc := range cases {
		spec := simpleSpec()
		spec.SceneKind = tc.kind
		src, err := s.Generate(spec)
		if err != nil {
			t.Fatalf("generate %s: %v", tc.kind, err)
		}
		if !strings.Contains(src, "class GeneratedScene("+tc.base+"):") {
			t.Errorf("scene_kind %s: expected base %s\n%s", tc.kind, tc.base, src)
		}
	}
}

func TestGenerateRefusesUnknownVocabulary(t *testing.T) {
	s := New(vocab.MustLoad())

	spec := simpleSpec()
	spec.Objects[0].Kind = "os.system"
	_, err := s.Generate(spec)
	if apperr.KindOf(err) != apperr.KindUnknownVocabulary {
		t.Fatalf("expected unknown_vocabulary for kind, got %v", err)
	}

	spec = simpleSpec()
	spec.Steps[0].Action = "Explode"
	_, err = s.Generate(spec)
	if apperr.KindOf(err) != apperr.KindUnknownVocabulary {
		t.Fatalf("expected unknown_vocabulary for action, got %v", err)
	}
}

func TestGenerateEscapesTextContent(t *testing.T) {
	s := New(vocab.MustLoad())
	spec := simpleSpec()
	spec.Objects = append(spec.Objects, animspec.ObjectDecl{
		ID:     "t",
		Kind:   "Text",
		Params: map[string]any{"text": `say "hi" \` + "\nnext"},
	})
	src, err := s.Generate(spec)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(src, `t = Text("say \"hi\" \\\nnext")`) {
		t.Fatalf("text literal not escaped:\n%s", src)
	}
}

func TestGenerateTwoTargetActions(t *testing.T) {
	s := New(vocab.MustLoad())
	spec := simpleSpec()
	spec.Objects = append(spec.Objects, animspec.ObjectDecl{ID: "d", Kind: "Square"})
	spec.Steps = []animspec.StepDecl{
		{Action: "Transform", TargetIDs: []string{"c", "d"}, RunTime: 1.0},
	}
	src, err := s.Generate(spec)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(src, "self.play(Transform(c, d), run_time=1.000000)") {
		t.Fatalf("transform not emitted:\n%s", src)
	}

	spec.Steps[0].TargetIDs = []string{"c"}
	if _, err := s.Generate(spec); apperr.KindOf(err) != apperr.KindSchema {
		t.Fatalf("expected schema error for wrong arity, got %v", err)
	}
}

func TestGenerateParametricCurves(t *testing.T) {
	s := New(vocab.MustLoad())
	spec := simpleSpec()
	spec.Objects = append(spec.Objects, animspec.ObjectDecl{
		ID:     "p",
		Kind:   "ParametricFunction",
		Params: map[string]any{"curve": "circle"},
	})
	src, err := s.Generate(spec)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(src, "ParametricFunction(lambda t: np.array([np.cos(t), np.sin(t), 0.000000])") {
		t.Fatalf("parametric curve not emitted:\n%s", src)
	}

	spec.Objects[1].Params["curve"] = "fractal"
	if _, err := s.Generate(spec); apperr.KindOf(err) != apperr.KindUnknownVocabulary {
		t.Fatalf("expected unknown_vocabulary for curve, got %v", err)
	}
}
