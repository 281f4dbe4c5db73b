package renderer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mathviz/internal/apperr"
	"mathviz/internal/sandbox"
)

// fakeTool writes an executable script standing in for the animation tool.
// Invocation shape: <tool> <source> <scene> -o <outdir> --format mp4 ...
func fakeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write tool: %v", err)
	}
	return path
}

func newTestRenderer(t *testing.T, bin string, wall time.Duration) (*Renderer, *sandbox.Workspace) {
	t.Helper()
	sb := sandbox.New(t.TempDir(), sandbox.Limits{DisableLimits: true, WallTimeout: wall}, nil)
	r := New(bin, sb, nil)
	r.grace = time.Second
	ws, err := sb.Acquire("job-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(ws.Release)
	return r, ws
}

func sourceFile(t *testing.T, ws *sandbox.Workspace) string {
	t.Helper()
	path := filepath.Join(ws.Dir, "scene.py")
	if err := os.WriteFile(path, []byte("pass\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestRenderDiscoversArtifact(t *testing.T) {
	tool := fakeTool(t, `
out="$4"
mkdir -p "$out/videos/GeneratedScene/720p30"
printf mp4 > "$out/videos/GeneratedScene/720p30/GeneratedScene.mp4"
`)
	r, ws := newTestRenderer(t, tool, 30*time.Second)

	res, err := r.Render(context.Background(), ws, sourceFile(t, ws), "GeneratedScene")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.HasSuffix(res.ArtifactPath, "GeneratedScene.mp4") {
		t.Fatalf("artifact = %q", res.ArtifactPath)
	}
	if !strings.HasPrefix(res.ArtifactPath, ws.Dir) {
		t.Fatalf("artifact escaped the sandbox: %q", res.ArtifactPath)
	}
}

func TestRenderPicksNewestArtifact(t *testing.T) {
	tool := fakeTool(t, `
out="$4"
mkdir -p "$out/videos/GeneratedScene/720p30"
printf old > "$out/videos/GeneratedScene/720p30/old.mp4"
touch -t 200001010000 "$out/videos/GeneratedScene/720p30/old.mp4"
printf new > "$out/videos/GeneratedScene/720p30/new.mp4"
`)
	r, ws := newTestRenderer(t, tool, 30*time.Second)

	res, err := r.Render(context.Background(), ws, sourceFile(t, ws), "GeneratedScene")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.HasSuffix(res.ArtifactPath, "new.mp4") {
		t.Fatalf("expected newest artifact, got %q", res.ArtifactPath)
	}
}

func TestRenderNonzeroExit(t *testing.T) {
	tool := fakeTool(t, `
echo "Traceback: boom" >&2
exit 3
`)
	r, ws := newTestRenderer(t, tool, 30*time.Second)

	_, err := r.Render(context.Background(), ws, sourceFile(t, ws), "GeneratedScene")
	if apperr.KindOf(err) != apperr.KindRenderFailed {
		t.Fatalf("expected render_failed, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("stderr tail not preserved: %v", err)
	}
}

func TestRenderNoOutputArtifact(t *testing.T) {
	tool := fakeTool(t, `
echo "finished but wrote nothing" >&2
exit 0
`)
	r, ws := newTestRenderer(t, tool, 30*time.Second)

	_, err := r.Render(context.Background(), ws, sourceFile(t, ws), "GeneratedScene")
	if apperr.KindOf(err) != apperr.KindNoOutputArtifact {
		t.Fatalf("expected no_output_artifact, got %v", err)
	}
}

func TestRenderWallClockTimeout(t *testing.T) {
	tool := fakeTool(t, `sleep 60`)
	r, ws := newTestRenderer(t, tool, 500*time.Millisecond)

	start := time.Now()
	_, err := r.Render(context.Background(), ws, sourceFile(t, ws), "GeneratedScene")
	if apperr.KindOf(err) != apperr.KindRenderTimeout {
		t.Fatalf("expected render_timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("kill took too long: %s", elapsed)
	}
}

func TestRenderStripsANSIFromStderr(t *testing.T) {
	tool := fakeTool(t, `
printf '\033[31mred error\033[0m\n' >&2
exit 1
`)
	r, ws := newTestRenderer(t, tool, 30*time.Second)

	_, err := r.Render(context.Background(), ws, sourceFile(t, ws), "GeneratedScene")
	if err == nil {
		t.Fatal("expected failure")
	}
	if strings.Contains(err.Error(), "\x1b[") {
		t.Fatalf("ANSI escapes survived: %q", err.Error())
	}
	if !strings.Contains(err.Error(), "red error") {
		t.Fatalf("stderr text lost: %q", err.Error())
	}
}
