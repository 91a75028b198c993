package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go templates.
// Uses {{.VAR_NAME}} syntax to avoid collision with $ in literal values
// (passwords, shell snippets, aircraft part patterns).
//
// Missing variables expand to empty string; validation catches required
// fields that end up empty. Content without template syntax passes through
// unchanged, as does content that fails to parse as a template.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := strings.IndexByte(env, '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
