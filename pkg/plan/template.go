package plan

import (
	"bytes"
	"fmt"
	"text/template"
)

// RenderString renders a templated parameter value with the plan vars.
// Referencing an undefined variable is an error rather than an empty
// substitution.
func RenderString(name, text string, vars map[string]string) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("invalid template in %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to render template in %s: %w", name, err)
	}
	return buf.String(), nil
}
