package variables

import (
	"strings"

	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/locked"
)

type part struct {
	text string
	ref  bool
}

// parseTemplate splits "a {{ name }} b" into literal and reference parts.
func parseTemplate(s string) ([]part, error) {
	var parts []part
	for {
		open := strings.Index(s, "{{")
		if open < 0 {
			if s != "" {
				parts = append(parts, part{text: s})
			}
			return parts, nil
		}
		if open > 0 {
			parts = append(parts, part{text: s[:open]})
		}
		rest := s[open+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return nil, errors.New(errors.PhaseBind, errors.KindInvalidValue).
				Detail("unterminated template reference in %q", s).
				Build()
		}
		name := strings.TrimSpace(rest[:end])
		if !locked.ValidVariableName(name) {
			return nil, errors.New(errors.PhaseBind, errors.KindInvalidValue).
				Subject(name).
				Detail("invalid template reference").
				Build()
		}
		parts = append(parts, part{text: name, ref: true})
		s = rest[end+2:]
	}
}

// References returns the variable names a template uses, in order.
func References(tmpl string) ([]string, error) {
	parts, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, p := range parts {
		if p.ref {
			names = append(names, p.text)
		}
	}
	return names, nil
}
