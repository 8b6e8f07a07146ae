package agent

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/askoura/tabletalk/internal/domain"
)

//go:embed prompts/*.yaml
var promptFS embed.FS

// promptFile is the on-disk shape of one prompt template.
type promptFile struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Template    string `yaml:"template"`
}

// promptData carries the variables a template may reference.
type promptData struct {
	Schema          string
	TableName       string
	Plan            string
	CurrentCode     string
	SafetyReasoning string
}

// promptSet holds the parsed system-prompt templates keyed by node name.
type promptSet struct {
	templates map[string]*template.Template
}

// loadPrompts parses all embedded prompt files.
func loadPrompts() (*promptSet, error) {
	entries, err := fs.Glob(promptFS, "prompts/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("glob prompts: %w", err)
	}

	set := &promptSet{templates: make(map[string]*template.Template, len(entries))}
	for _, path := range entries {
		raw, err := promptFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read prompt %s: %w", path, err)
		}
		var pf promptFile
		if err := yaml.Unmarshal(raw, &pf); err != nil {
			return nil, fmt.Errorf("parse prompt %s: %w", path, err)
		}
		if pf.Name == "" || pf.Template == "" {
			return nil, fmt.Errorf("prompt %s is missing name or template", path)
		}
		tmpl, err := template.New(pf.Name).Parse(pf.Template)
		if err != nil {
			return nil, fmt.Errorf("compile prompt %s: %w", path, err)
		}
		set.templates[pf.Name] = tmpl
	}
	return set, nil
}

// render produces the system prompt for a node.
func (p *promptSet) render(name string, data promptData) (string, error) {
	tmpl, ok := p.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", name, err)
	}
	return buf.String(), nil
}

// schemaJSON serializes the active table schema for prompt interpolation.
// Column field names (name, dtype, description, samples) are part of the
// prompt contract.
func schemaJSON(schema *domain.TableSchema) string {
	if schema == nil {
		return "{}"
	}
	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(raw)
}
