package validate

import (
	"context"
	"regexp"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"mathviz/internal/apperr"
	"mathviz/internal/synth"
	"mathviz/internal/vocab"
)

const (
	maxSourceBytes  = 20 * 1024
	maxNestingDepth = 8
	maxLoops        = 20
)

// Method names the synthesizer is allowed to emit as attribute calls. A call
// whose rightmost attribute is not listed here is refused regardless of what
// it is attached to.
var allowedMethods = map[string]struct{}{
	"play":                   {},
	"wait":                   {},
	"set_color":              {},
	"set_stroke":             {},
	"set_fill":               {},
	"set_z_index":            {},
	"scale":                  {},
	"shift":                  {},
	"move_to":                {},
	"set_camera_orientation": {},
	"array":                  {},
	"cos":                    {},
	"sin":                    {},
}

// Identifiers that must never appear in accepted source, in any position.
// The allowlist on calls is the primary gate; this set exists so the obvious
// escape hatches fail fast with a pointed diagnostic.
var bannedNames = map[string]struct{}{
	"exec": {}, "eval": {}, "compile": {}, "open": {}, "input": {},
	"__import__": {}, "os": {}, "sys": {}, "subprocess": {}, "shutil": {},
	"socket": {}, "pathlib": {}, "importlib": {}, "builtins": {},
	"globals": {}, "locals": {}, "getattr": {}, "setattr": {}, "delattr": {},
	"vars": {}, "breakpoint": {}, "memoryview": {},
}

var dunderPattern = regexp.MustCompile(`^__.*__$`)

// Validator statically checks synthesized source against the frozen
// vocabulary before anything is executed. It parses a real syntax tree;
// tokens inside string literals are never scanned.
//
// Safe for concurrent use; a parser is created per call.
type Validator struct {
	vocab *vocab.Vocab
}

func New(v *vocab.Vocab) *Validator {
	return &Validator{vocab: v}
}

// Validate accepts or refuses source for the given scene kind. Refusals
// carry a taxonomy kind of schema, banned_symbol, shape, or too_large, plus
// the offending token and line.
func (v *Validator) Validate(ctx context.Context, source []byte, sceneKind string) error {
	if len(source) > maxSourceBytes {
		return apperr.New(apperr.KindTooLarge, "source is %d bytes, limit %d", len(source), maxSourceBytes)
	}
	expectedBase, ok := v.vocab.SceneBase(sceneKind)
	if !ok {
		return apperr.New(apperr.KindSchema, "unrecognized scene_kind %q", sceneKind)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return apperr.Wrap(apperr.KindSchema, err, "parse source")
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return apperr.New(apperr.KindSchema, "source does not parse (line %d)", firstErrorLine(root))
	}

	w := &walker{vocab: v.vocab, source: source}
	if err := w.checkModule(root, expectedBase); err != nil {
		return err
	}
	if err := w.walk(root, 0); err != nil {
		return err
	}
	if w.loops > maxLoops {
		return apperr.New(apperr.KindShape, "%d loops exceeds limit of %d", w.loops, maxLoops)
	}
	return w.checkContinuations()
}

type walker struct {
	vocab   *vocab.Vocab
	source  []byte
	loops   int
	strings [][2]uint32
}

func (w *walker) text(n *sitter.Node) string {
	return string(w.source[n.StartByte():n.EndByte()])
}

func line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

// checkModule enforces the required top-level shape: one wildcard import of
// the animation library, one numeric helper import, one scene class.
func (w *walker) checkModule(root *sitter.Node, expectedBase string) error {
	var wildcardImports, numericImports int
	var class *sitter.Node

	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "comment":
		case "import_from_statement":
			if w.text(child) != "from manim import *" {
				return apperr.New(apperr.KindShape, "import %q not permitted (line %d)", w.text(child), line(child))
			}
			wildcardImports++
		case "import_statement":
			if w.text(child) != "import numpy as np" {
				return apperr.New(apperr.KindShape, "import %q not permitted (line %d)", w.text(child), line(child))
			}
			numericImports++
		case "class_definition":
			if class != nil {
				return apperr.New(apperr.KindShape, "more than one class declared (line %d)", line(child))
			}
			class = child
		default:
			return apperr.New(apperr.KindShape, "unexpected top-level %s (line %d)", child.Type(), line(child))
		}
	}

	if wildcardImports != 1 || numericImports != 1 {
		return apperr.New(apperr.KindShape, "expected exactly one animation import and one numeric import, got %d and %d", wildcardImports, numericImports)
	}
	if class == nil {
		return apperr.New(apperr.KindShape, "no scene class declared")
	}
	return w.checkClass(class, expectedBase)
}

func (w *walker) checkClass(class *sitter.Node, expectedBase string) error {
	name := class.ChildByFieldName("name")
	if name == nil || w.text(name) != synth.SceneClassName {
		return apperr.New(apperr.KindShape, "scene class must be named %s (line %d)", synth.SceneClassName, line(class))
	}

	supers := class.ChildByFieldName("superclasses")
	if supers == nil || supers.NamedChildCount() != 1 {
		return apperr.New(apperr.KindShape, "scene class must declare exactly one base (line %d)", line(class))
	}
	base := supers.NamedChild(0)
	if base.Type() != "identifier" || w.text(base) != expectedBase {
		return apperr.New(apperr.KindShape, "scene base %q does not match %s (line %d)", w.text(base), expectedBase, line(base))
	}

	body := class.ChildByFieldName("body")
	if body == nil {
		return apperr.New(apperr.KindShape, "scene class has no body (line %d)", line(class))
	}
	var construct *sitter.Node
	for i := 0; i < int(body.NamedChildCount()); i++ {
		child := body.NamedChild(i)
		if child.Type() == "comment" {
			continue
		}
		if child.Type() != "function_definition" || construct != nil {
			return apperr.New(apperr.KindShape, "scene class must contain a single method (line %d)", line(child))
		}
		construct = child
	}
	if construct == nil {
		return apperr.New(apperr.KindShape, "scene class declares no construct method")
	}
	if fname := construct.ChildByFieldName("name"); fname == nil || w.text(fname) != "construct" {
		return apperr.New(apperr.KindShape, "scene method must be named construct (line %d)", line(construct))
	}
	params := construct.ChildByFieldName("parameters")
	if params == nil || params.NamedChildCount() != 1 ||
		params.NamedChild(0).Type() != "identifier" || w.text(params.NamedChild(0)) != "self" {
		return apperr.New(apperr.KindShape, "construct must take only the scene receiver (line %d)", line(construct))
	}
	return nil
}

func (w *walker) walk(n *sitter.Node, depth int) error {
	switch n.Type() {
	case "string":
		// Record the span and stop: literal content is opaque data, not code.
		w.strings = append(w.strings, [2]uint32{n.StartByte(), n.EndByte()})
		return nil
	case "identifier":
		name := w.text(n)
		if _, banned := bannedNames[name]; banned || dunderPattern.MatchString(name) {
			return apperr.New(apperr.KindBannedSymbol, "banned name %q (line %d)", name, line(n))
		}
	case "attribute":
		attr := n.ChildByFieldName("attribute")
		if attr != nil && dunderPattern.MatchString(w.text(attr)) {
			return apperr.New(apperr.KindBannedSymbol, "attribute access on %q (line %d)", w.text(attr), line(attr))
		}
	case "call":
		if err := w.checkCall(n); err != nil {
			return err
		}
	case "for_statement", "while_statement":
		w.loops++
	}

	if blockNode(n.Type()) {
		depth++
		if depth > maxNestingDepth {
			return apperr.New(apperr.KindShape, "nesting depth exceeds %d (line %d)", maxNestingDepth, line(n))
		}
	}

	for i := 0; i < int(n.NamedChildCount()); i++ {
		if err := w.walk(n.NamedChild(i), depth); err != nil {
			return err
		}
	}
	return nil
}

func blockNode(t string) bool {
	switch t {
	case "class_definition", "function_definition", "for_statement",
		"while_statement", "if_statement", "with_statement", "try_statement", "lambda":
		return true
	}
	return false
}

// checkCall enforces the constructor/action allowlist on every call site.
func (w *walker) checkCall(call *sitter.Node) error {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return apperr.New(apperr.KindShape, "call without callee (line %d)", line(call))
	}
	switch fn.Type() {
	case "identifier":
		name := w.text(fn)
		if !w.vocab.IsObjectKind(name) && !w.vocab.IsAction(name) {
			return apperr.New(apperr.KindBannedSymbol, "call to %q is not allowlisted (line %d)", name, line(fn))
		}
	case "attribute":
		attr := fn.ChildByFieldName("attribute")
		if attr == nil {
			return apperr.New(apperr.KindShape, "malformed attribute call (line %d)", line(fn))
		}
		method := w.text(attr)
		if _, ok := allowedMethods[method]; !ok {
			return apperr.New(apperr.KindBannedSymbol, "method call %q is not allowlisted (line %d)", method, line(attr))
		}
	default:
		return apperr.New(apperr.KindShape, "call through %s not permitted (line %d)", fn.Type(), line(fn))
	}
	return nil
}

// checkContinuations refuses backslash line continuations anywhere outside
// string literals.
func (w *walker) checkContinuations() error {
	for i := 0; i < len(w.source)-1; i++ {
		if w.source[i] != '\\' {
			continue
		}
		next := w.source[i+1]
		if next != '\n' && next != '\r' {
			continue
		}
		if w.insideString(uint32(i)) {
			continue
		}
		lineNo := 1
		for j := 0; j < i; j++ {
			if w.source[j] == '\n' {
				lineNo++
			}
		}
		return apperr.New(apperr.KindBannedSymbol, "backslash continuation (line %d)", lineNo)
	}
	return nil
}

func (w *walker) insideString(pos uint32) bool {
	for _, span := range w.strings {
		if pos >= span[0] && pos < span[1] {
			return true
		}
	}
	return false
}

func firstErrorLine(n *sitter.Node) int {
	if n.IsError() {
		return line(n)
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if child := n.Child(i); child.HasError() {
			return firstErrorLine(child)
		}
	}
	return line(n)
}
