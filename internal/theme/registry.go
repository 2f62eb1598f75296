package theme

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/acme/outbound-dialer/internal/domain"
)

// General is the theme unknown names resolve to.
const General = "general"

// Registry is read-only after Load.
type Registry struct {
	themes   map[string]*Theme
	fallback string
}

// Load parses every *.yaml file in dir. A missing directory is not an
// error; the built-in general theme is always present unless a file
// overrides it.
func Load(dir, fallback string, log *zap.Logger) (*Registry, error) {
	if fallback == "" {
		fallback = General
	}
	r := &Registry{themes: map[string]*Theme{General: builtinGeneral()}, fallback: fallback}

	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("theme: list %s: %w", dir, err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		t, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if _, dup := r.themes[t.Name]; dup && t.Name != General {
			return nil, fmt.Errorf("theme: %s declared twice (%s)", t.Name, path)
		}
		r.themes[t.Name] = t
		log.Info("theme: loaded", zap.String("name", t.Name), zap.String("file", path))
	}

	if _, ok := r.themes[r.fallback]; !ok {
		return nil, fmt.Errorf("theme: fallback %q not loaded", r.fallback)
	}
	return r, nil
}

func loadFile(path string) (*Theme, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("theme: read %s: %w", path, err)
	}
	var t Theme
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("theme: parse %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	for i := range t.Prompts {
		t.Prompts[i].File = resolve(base, t.Prompts[i].File)
	}
	t.Closing = resolve(base, t.Closing)
	for i := range t.Objections {
		t.Objections[i].Reply = resolve(base, t.Objections[i].Reply)
	}
	return &t, nil
}

func resolve(base, file string) string {
	if file == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(base, file)
}

// Get returns the named theme, or the fallback for unknown names.
func (r *Registry) Get(name string) *Theme {
	if t, ok := r.themes[name]; ok {
		return t
	}
	return r.themes[r.fallback]
}

// Has reports whether name is a loaded theme.
func (r *Registry) Has(name string) bool {
	_, ok := r.themes[name]
	return ok
}

// Names lists the loaded themes in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.themes))
	for n := range r.themes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func builtinGeneral() *Theme {
	return &Theme{
		Name:        General,
		Description: "Generic introduction with a yes/no qualification",
		Prompts: []Prompt{
			{Name: "greeting", File: "general/greeting.wav"},
			{Name: "pitch", File: "general/pitch.wav"},
		},
		Closing: "general/closing.wav",
		Intents: []Intent{
			{Result: domain.CallResultNotInterested, Keywords: []string{"not interested", "no thanks", "remove me", "stop calling"}},
			{Result: domain.CallResultCallback, Keywords: []string{"call back", "call me later", "busy right now", "another time"}},
			{Result: domain.CallResultLead, Keywords: []string{"yes", "interested", "sure", "tell me more"}},
		},
	}
}
