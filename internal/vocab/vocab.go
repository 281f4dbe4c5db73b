package vocab

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed vocab.yaml
var vocabYAML []byte

// ObjectKind describes one allowlisted constructor and its recognized params.
type ObjectKind struct {
	Params []string `yaml:"params"`
}

// Vocab is the frozen vocabulary shared by the validator, the synthesizer,
// and the LLM system instruction.
type Vocab struct {
	SceneKinds  map[string]string     `yaml:"scene_kinds"`
	Colors      []string              `yaml:"colors"`
	Actions     []string              `yaml:"actions"`
	ObjectKinds map[string]ObjectKind `yaml:"object_kinds"`

	colorSet  map[string]struct{}
	actionSet map[string]struct{}
}

var (
	loadOnce sync.Once
	loaded   *Vocab
	loadErr  error
)

// Load parses the embedded vocabulary table. The result is cached; the table
// is immutable for the life of the process.
func Load() (*Vocab, error) {
	loadOnce.Do(func() {
		v := &Vocab{}
		if err := yaml.Unmarshal(vocabYAML, v); err != nil {
			loadErr = fmt.Errorf("parse vocab table: %w", err)
			return
		}
		v.colorSet = make(map[string]struct{}, len(v.Colors))
		for _, c := range v.Colors {
			v.colorSet[c] = struct{}{}
		}
		v.actionSet = make(map[string]struct{}, len(v.Actions))
		for _, a := range v.Actions {
			v.actionSet[a] = struct{}{}
		}
		loaded = v
	})
	return loaded, loadErr
}

// MustLoad panics on a broken embedded table. Only for process startup.
func MustLoad() *Vocab {
	v, err := Load()
	if err != nil {
		panic(err)
	}
	return v
}

// SceneBase maps a scene kind ("2d", "moving_camera", "3d") to the scene
// base class the synthesizer emits.
func (v *Vocab) SceneBase(kind string) (string, bool) {
	base, ok := v.SceneKinds[kind]
	return base, ok
}

// IsColor reports whether name is in the closed palette.
func (v *Vocab) IsColor(name string) bool {
	_, ok := v.colorSet[name]
	return ok
}

// IsAction reports whether name is an allowlisted step action.
func (v *Vocab) IsAction(name string) bool {
	_, ok := v.actionSet[name]
	return ok
}

// IsObjectKind reports whether name is an allowlisted constructor.
func (v *Vocab) IsObjectKind(name string) bool {
	_, ok := v.ObjectKinds[name]
	return ok
}

// KindParams returns the recognized param keys for an object kind.
func (v *Vocab) KindParams(kind string) ([]string, bool) {
	k, ok := v.ObjectKinds[kind]
	return k.Params, ok
}

// ObjectKindNames returns the allowlisted kinds in sorted order.
func (v *Vocab) ObjectKindNames() []string {
	names := make([]string, 0, len(v.ObjectKinds))
	for name := range v.ObjectKinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SceneKindNames returns the recognized scene kinds in sorted order.
func (v *Vocab) SceneKindNames() []string {
	names := make([]string, 0, len(v.SceneKinds))
	for name := range v.SceneKinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
