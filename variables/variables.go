// Package variables binds host environment variables onto a locked
// application's declared variables and renders component configuration.
package variables

import (
	"sort"
	"strings"

	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/locked"
)

// EnvPrefix is prepended to the upper-cased variable name.
const EnvPrefix = "SPIN_VARIABLE_"

// ConfigEnvPrefix is prepended to the upper-cased config key in the guest
// environment.
const ConfigEnvPrefix = "SPIN_CONFIG_"

// LookupFunc reads one host environment variable.
type LookupFunc func(key string) (string, bool)

// Value is a bound variable.
type Value struct {
	Value       string
	FromDefault bool
	Secret      bool
}

// Bindings holds every variable's value and every component's rendered
// configuration.
type Bindings struct {
	values map[string]Value
	config map[string]map[string]string
}

// EnvKey returns the host variable consulted for name.
func EnvKey(name string) string {
	return EnvPrefix + strings.ToUpper(name)
}

// Bind resolves the application's variables from lookup and renders all
// component configuration. It fails on the first variable with neither an
// environment value nor a default, and on config templates that reference
// undeclared variables.
func Bind(app *locked.App, lookup LookupFunc) (*Bindings, error) {
	b := &Bindings{
		values: make(map[string]Value, len(app.Variables)),
		config: make(map[string]map[string]string, len(app.Components)),
	}

	names := make([]string, 0, len(app.Variables))
	for name := range app.Variables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		decl := app.Variables[name]
		key := EnvKey(name)
		if v, ok := lookup(key); ok {
			b.values[name] = Value{Value: v, Secret: decl.Secret}
			continue
		}
		if decl.Default != nil {
			b.values[name] = Value{Value: *decl.Default, FromDefault: true, Secret: decl.Secret}
			continue
		}
		return nil, errors.New(errors.PhaseBind, errors.KindUnsetVariable).
			Subject(name).
			Detail("required variable is not set; set %s", key).
			Build()
	}

	for _, c := range app.Components {
		rendered := make(map[string]string, len(c.Config))
		for key, tmpl := range c.Config {
			v, err := b.Expand(tmpl)
			if err != nil {
				return nil, errors.New(errors.PhaseBind, errors.KindInvalidValue).
					Subject(c.ID + "." + key).
					Cause(err).
					Build()
			}
			rendered[key] = v
		}
		b.config[c.ID] = rendered
	}
	return b, nil
}

// Get returns the bound value of a variable.
func (b *Bindings) Get(name string) (Value, bool) {
	v, ok := b.values[name]
	return v, ok
}

// Names returns the bound variable names, sorted.
func (b *Bindings) Names() []string {
	names := make([]string, 0, len(b.values))
	for n := range b.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Config returns the rendered configuration of a component.
func (b *Bindings) Config(componentID string) map[string]string {
	return b.config[componentID]
}

// Env projects a component's configuration into guest environment
// variables, sorted by name.
func (b *Bindings) Env(componentID string) []string {
	cfg := b.config[componentID]
	env := make([]string, 0, len(cfg))
	for k, v := range cfg {
		env = append(env, ConfigEnvPrefix+strings.ToUpper(k)+"="+v)
	}
	sort.Strings(env)
	return env
}

// Expand renders a template such as "redis://{{ host }}:6379".
func (b *Bindings) Expand(tmpl string) (string, error) {
	parts, err := parseTemplate(tmpl)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, p := range parts {
		if !p.ref {
			sb.WriteString(p.text)
			continue
		}
		v, ok := b.values[p.text]
		if !ok {
			return "", errors.New(errors.PhaseBind, errors.KindInvalidValue).
				Subject(p.text).
				Detail("template references an undeclared variable").
				Build()
		}
		sb.WriteString(v.Value)
	}
	return sb.String(), nil
}
