package variables

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/locked"
)

func strp(s string) *string { return &s }

func env(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func testApp() *locked.App {
	return &locked.App{
		SpinLockVersion: 1,
		Variables: map[string]locked.Variable{
			"api_key":  {Secret: true},
			"greeting": {Default: strp("hello")},
			"host":     {Default: strp("localhost")},
		},
		Components: []locked.Component{
			{ID: "web", Config: map[string]string{
				"message": "{{ greeting }}, world",
				"url":     "redis://{{host}}:6379/{{ api_key }}",
				"plain":   "static",
			}},
			{ID: "worker"},
		},
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "SPIN_VARIABLE_API_KEY", EnvKey("api_key"))
}

func TestBind(t *testing.T) {
	b, err := Bind(testApp(), env(map[string]string{
		"SPIN_VARIABLE_API_KEY": "s3cr3t",
		"SPIN_VARIABLE_HOST":    "redis.local",
	}))
	require.NoError(t, err)

	v, ok := b.Get("api_key")
	require.True(t, ok)
	assert.Equal(t, Value{Value: "s3cr3t", Secret: true}, v)

	v, _ = b.Get("greeting")
	assert.Equal(t, Value{Value: "hello", FromDefault: true}, v)

	v, _ = b.Get("host")
	assert.Equal(t, "redis.local", v.Value)
	assert.False(t, v.FromDefault)

	assert.Equal(t, []string{"api_key", "greeting", "host"}, b.Names())
	assert.Equal(t, map[string]string{
		"message": "hello, world",
		"url":     "redis://redis.local:6379/s3cr3t",
		"plain":   "static",
	}, b.Config("web"))
	assert.Empty(t, b.Config("worker"))
}

func TestBind_NoUnresolvedReferences(t *testing.T) {
	b, err := Bind(testApp(), env(map[string]string{"SPIN_VARIABLE_API_KEY": "k"}))
	require.NoError(t, err)

	app := testApp()
	for name := range app.Variables {
		_, ok := b.Get(name)
		assert.True(t, ok, "variable %s should be bound", name)
	}
	for _, c := range app.Components {
		for _, v := range b.Config(c.ID) {
			assert.NotContains(t, v, "{{")
		}
	}
}

func TestBind_MissingRequired(t *testing.T) {
	_, err := Bind(testApp(), env(nil))
	require.Error(t, err)

	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errors.PhaseBind, e.Phase)
	assert.Equal(t, errors.KindUnsetVariable, e.Kind)
	assert.Equal(t, "api_key", e.Subject)
	assert.Contains(t, err.Error(), "SPIN_VARIABLE_API_KEY")
}

func TestBind_EmptyValueCounts(t *testing.T) {
	b, err := Bind(testApp(), env(map[string]string{"SPIN_VARIABLE_API_KEY": ""}))
	require.NoError(t, err)
	v, _ := b.Get("api_key")
	assert.Equal(t, "", v.Value)
	assert.False(t, v.FromDefault)
}

func TestBind_BadTemplates(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
	}{
		{"undeclared", "{{ missing }}"},
		{"unterminated", "prefix {{ greeting"},
		{"invalid name", "{{ Not-Valid }}"},
		{"empty reference", "{{ }}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := testApp()
			app.Components[1].Config = map[string]string{"k": tt.tmpl}
			_, err := Bind(app, env(map[string]string{"SPIN_VARIABLE_API_KEY": "k"}))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.New(errors.PhaseBind, errors.KindInvalidValue).Build()))
			assert.True(t, strings.Contains(err.Error(), "worker.k"))
		})
	}
}

func TestEnv(t *testing.T) {
	b, err := Bind(testApp(), env(map[string]string{"SPIN_VARIABLE_API_KEY": "k"}))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"SPIN_CONFIG_MESSAGE=hello, world",
		"SPIN_CONFIG_PLAIN=static",
		"SPIN_CONFIG_URL=redis://localhost:6379/k",
	}, b.Env("web"))
	assert.Empty(t, b.Env("unknown"))
}

func TestExpand(t *testing.T) {
	b, err := Bind(testApp(), env(map[string]string{"SPIN_VARIABLE_API_KEY": "k"}))
	require.NoError(t, err)

	got, err := b.Expand("{{host}}:{{ host }}")
	require.NoError(t, err)
	assert.Equal(t, "localhost:localhost", got)

	got, err = b.Expand("no templates } here {")
	require.NoError(t, err)
	assert.Equal(t, "no templates } here {", got)

	_, err = b.Expand("{{ nope }}")
	assert.Error(t, err)
}

func TestReferences(t *testing.T) {
	names, err := References("a {{ x }} b {{y}}")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, names)

	names, err = References("literal")
	require.NoError(t, err)
	assert.Empty(t, names)
}
