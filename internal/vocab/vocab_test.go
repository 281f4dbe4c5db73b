package vocab

import "testing"

func TestLoadEmbeddedTable(t *testing.T) {
	v, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if base, ok := v.SceneBase("2d"); !ok || base != "Scene" {
		t.Fatalf("2d base = %q ok=%v", base, ok)
	}
	if base, ok := v.SceneBase("moving_camera"); !ok || base != "MovingCameraScene" {
		t.Fatalf("moving_camera base = %q ok=%v", base, ok)
	}
	if base, ok := v.SceneBase("3d"); !ok || base != "ThreeDScene" {
		t.Fatalf("3d base = %q ok=%v", base, ok)
	}
	if _, ok := v.SceneBase("4d"); ok {
		t.Fatal("unknown scene kind resolved")
	}

	if len(v.Colors) != 11 || !v.IsColor("TEAL") || v.IsColor("MAGENTA") {
		t.Fatalf("palette wrong: %v", v.Colors)
	}
	if len(v.Actions) != 10 || !v.IsAction("ReplacementTransform") || v.IsAction("Explode") {
		t.Fatalf("actions wrong: %v", v.Actions)
	}
	if len(v.ObjectKinds) != 13 || !v.IsObjectKind("ParametricFunction") || v.IsObjectKind("Ellipse") {
		t.Fatalf("object kinds wrong: %v", v.ObjectKindNames())
	}

	params, ok := v.KindParams("Rectangle")
	if !ok || len(params) != 2 {
		t.Fatalf("Rectangle params = %v", params)
	}
}
