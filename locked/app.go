// Package locked models Spin's locked application: the fully resolved
// manifest the shim executes.
package locked

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/kate-goldenring/containerd-shim-spin/errors"
)

// Version is the lock file version this package writes.
const Version = 1

// FeatureHostRequirements is the only must_understand entry accepted.
const FeatureHostRequirements = "host_requirements"

// App is a locked application.
type App struct {
	Metadata         map[string]any      `json:"metadata,omitempty"`
	HostRequirements map[string]any      `json:"host_requirements,omitempty"`
	Variables        map[string]Variable `json:"variables,omitempty"`
	MustUnderstand   []string            `json:"must_understand,omitempty"`
	Triggers         []Trigger           `json:"triggers" validate:"dive"`
	Components       []Component         `json:"components" validate:"dive"`
	SpinLockVersion  int                 `json:"spin_lock_version" validate:"oneof=0 1"`
}

// Variable is a declared application variable.
type Variable struct {
	Default *string `json:"default,omitempty"`
	Secret  bool    `json:"secret,omitempty"`
}

// Required reports whether the variable has no default.
func (v Variable) Required() bool {
	return v.Default == nil
}

// Trigger binds an event source to a component.
type Trigger struct {
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`
	ID            string         `json:"id" validate:"required"`
	TriggerType   string         `json:"trigger_type" validate:"required"`
}

// Component returns the id of the component the trigger drives.
func (t Trigger) Component() string {
	s, _ := t.TriggerConfig["component"].(string)
	return s
}

// Component is one WebAssembly component of the application.
type Component struct {
	Metadata map[string]any    `json:"metadata,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Config   map[string]string `json:"config,omitempty"`
	Source   ContentSource     `json:"source"`
	ID       string            `json:"id" validate:"required"`
	Files    []ContentPath     `json:"files,omitempty" validate:"dive"`
}

// ContentSource is a component's code.
type ContentSource struct {
	Content     ContentRef `json:"content"`
	ContentType string     `json:"content_type"`
}

// ContentPath places content at a path in the guest filesystem.
type ContentPath struct {
	Content ContentRef `json:"content"`
	Path    string     `json:"path" validate:"required"`
}

// ContentRef locates content by URL, inline bytes or digest.
type ContentRef struct {
	Source string `json:"source,omitempty"`
	Digest string `json:"digest,omitempty"`
	Inline []byte `json:"inline,omitempty"`
}

// IsEmpty reports whether the reference points nowhere.
func (r ContentRef) IsEmpty() bool {
	return r.Source == "" && r.Digest == "" && r.Inline == nil
}

// Decode parses a lock file.
func Decode(data []byte) (*App, error) {
	var app App
	if err := json.Unmarshal(data, &app); err != nil {
		return nil, errors.InvalidManifest("malformed lock file", err)
	}
	return &app, nil
}

// Encode renders a lock file.
func Encode(app *App) ([]byte, error) {
	return json.MarshalIndent(app, "", "  ")
}

// Clone returns a deep copy of the application.
func (a *App) Clone() *App {
	data, err := json.Marshal(a)
	if err != nil {
		panic(fmt.Sprintf("locked: clone: %v", err))
	}
	var out App
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("locked: clone: %v", err))
	}
	return &out
}

// Name returns metadata.name, if any.
func (a *App) Name() string {
	s, _ := a.Metadata["name"].(string)
	return s
}

// AppVersion returns metadata.version, if any.
func (a *App) AppVersion() string {
	s, _ := a.Metadata["version"].(string)
	return s
}

// Component finds a component by id.
func (a *App) Component(id string) (*Component, bool) {
	for i := range a.Components {
		if a.Components[i].ID == id {
			return &a.Components[i], true
		}
	}
	return nil, false
}

// TriggersOfKind returns the triggers of one kind in declaration order.
func (a *App) TriggersOfKind(kind string) []Trigger {
	var out []Trigger
	for _, t := range a.Triggers {
		if t.TriggerType == kind {
			out = append(out, t)
		}
	}
	return out
}

// DecodeTriggerConfig decodes a trigger's trigger_config into out.
func DecodeTriggerConfig(t Trigger, out any) error {
	return remarshal(t.TriggerConfig, out)
}

// TriggerMetadata decodes metadata.triggers.<kind> into out. Applications
// locked by older tooling carry metadata.trigger with a type field instead.
func (a *App) TriggerMetadata(kind string, out any) error {
	if triggers, ok := a.Metadata["triggers"].(map[string]any); ok {
		if md, ok := triggers[kind]; ok {
			return remarshal(md, out)
		}
	}
	if md, ok := a.Metadata["trigger"].(map[string]any); ok && md["type"] == kind {
		return remarshal(md, out)
	}
	return nil
}

func remarshal(in, out any) error {
	if in == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

var variableName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidVariableName reports whether name may be declared as a variable.
func ValidVariableName(name string) bool {
	return variableName.MatchString(name) &&
		!strings.Contains(name, "__") &&
		!strings.HasSuffix(name, "_")
}

var validate = validator.New()

// Validate checks the structural invariants of a locked application.
func (a *App) Validate() error {
	if err := validate.Struct(a); err != nil {
		return errors.InvalidManifest("lock file failed validation", err)
	}

	for _, f := range a.MustUnderstand {
		if f != FeatureHostRequirements {
			return errors.New(errors.PhaseResolve, errors.KindInvalidManifest).
				Subject(f).
				Detail("application requires a feature this shim does not understand").
				Build()
		}
	}
	if len(a.HostRequirements) > 0 {
		keys := make([]string, 0, len(a.HostRequirements))
		for k := range a.HostRequirements {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return errors.New(errors.PhaseResolve, errors.KindInvalidManifest).
			Subject(strings.Join(keys, ", ")).
			Detail("unsupported host requirements").
			Build()
	}

	for name := range a.Variables {
		if !ValidVariableName(name) {
			return errors.New(errors.PhaseResolve, errors.KindInvalidManifest).
				Subject(name).
				Detail("invalid variable name").
				Build()
		}
	}

	seen := make(map[string]bool, len(a.Components))
	for _, c := range a.Components {
		if seen[c.ID] {
			return errors.New(errors.PhaseResolve, errors.KindInvalidManifest).
				Subject(c.ID).
				Detail("duplicate component id").
				Build()
		}
		seen[c.ID] = true
	}

	for _, t := range a.Triggers {
		id := t.Component()
		if id == "" {
			return errors.New(errors.PhaseResolve, errors.KindInvalidManifest).
				Subject(t.ID).
				Detail("trigger does not name a component").
				Build()
		}
		if !seen[id] {
			return errors.New(errors.PhaseResolve, errors.KindInvalidManifest).
				Subject(t.ID).
				Detail("trigger references unknown component %q", id).
				Build()
		}
	}
	return nil
}
