// Package workflow manages phase templates: named, reusable phase plans a
// task can be created from. Built-in templates ship embedded; user templates
// load from a configurable directory and shadow built-ins by name.
package workflow

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/maestro/internal/log"
)

//go:embed templates/*.yaml
var builtinFS embed.FS

// Source indicates where a template originated from.
type Source int

const (
	// SourceBuiltIn is a template bundled with the binary.
	SourceBuiltIn Source = iota
	// SourceUser is a template from the user's template directory.
	SourceUser
)

// String returns a human-readable representation of the Source.
func (s Source) String() string {
	switch s {
	case SourceBuiltIn:
		return "built-in"
	case SourceUser:
		return "user"
	default:
		return "unknown"
	}
}

// PhaseTemplate is one phase in a template's plan.
type PhaseTemplate struct {
	Name                 string   `yaml:"name" json:"name"`
	Description          string   `yaml:"description,omitempty" json:"description,omitempty"`
	ExpectedDeliverables []string `yaml:"expected_deliverables,omitempty" json:"expected_deliverables,omitempty"`
	SuccessCriteria      []string `yaml:"success_criteria,omitempty" json:"success_criteria,omitempty"`
}

// Template is a named phase plan.
type Template struct {
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Phases      []PhaseTemplate `yaml:"phases" json:"phases"`

	Source Source `yaml:"-" json:"-"`
}

// Validate checks the template for structural problems.
func (t Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template name must not be empty")
	}
	if len(t.Phases) == 0 {
		return fmt.Errorf("template %q has no phases", t.Name)
	}
	for i, p := range t.Phases {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("template %q: phase %d has no name", t.Name, i+1)
		}
	}
	return nil
}

// Registry holds the loaded templates keyed by name.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry loads the built-in templates, then overlays user templates
// from userDir when it is non-empty. Unreadable user files are logged and
// skipped so one bad file cannot hide the rest.
func NewRegistry(userDir string) (*Registry, error) {
	r := &Registry{templates: make(map[string]Template)}

	if err := r.loadBuiltins(); err != nil {
		return nil, err
	}
	if userDir != "" {
		r.loadUserDir(userDir)
	}
	return r, nil
}

func (r *Registry) loadBuiltins() error {
	entries, err := fs.ReadDir(builtinFS, "templates")
	if err != nil {
		return fmt.Errorf("reading embedded templates: %w", err)
	}
	for _, entry := range entries {
		data, err := builtinFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading embedded template %s: %w", entry.Name(), err)
		}
		tmpl, err := parseTemplate(data, SourceBuiltIn)
		if err != nil {
			return fmt.Errorf("parsing embedded template %s: %w", entry.Name(), err)
		}
		r.templates[tmpl.Name] = tmpl
	}
	return nil
}

func (r *Registry) loadUserDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.ErrorErr(log.CatConfig, "Failed to read template directory", err, "dir", dir)
		}
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from configured template dir
		if err != nil {
			log.ErrorErr(log.CatConfig, "Failed to read user template", err, "path", path)
			continue
		}
		tmpl, err := parseTemplate(data, SourceUser)
		if err != nil {
			log.ErrorErr(log.CatConfig, "Skipping invalid user template", err, "path", path)
			continue
		}
		r.templates[tmpl.Name] = tmpl
	}
}

func parseTemplate(data []byte, source Source) (Template, error) {
	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return Template{}, err
	}
	tmpl.Source = source
	if err := tmpl.Validate(); err != nil {
		return Template{}, err
	}
	return tmpl, nil
}

// Get returns the template with the given name.
func (r *Registry) Get(name string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, ok := r.templates[name]
	return tmpl, ok
}

// List returns all templates sorted by name.
func (r *Registry) List() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Template, 0, len(r.templates))
	for _, tmpl := range r.templates {
		out = append(out, tmpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
