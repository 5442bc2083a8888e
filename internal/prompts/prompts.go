// Package prompts loads the embedded YAML prompt templates. Each template is
// a map of named sections (system, user, ...) with {name} placeholders.
package prompts

import (
	"embed"
	"fmt"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// Template names.
const (
	IntentClassify  = "intent_classify"
	ExpandKBQueries = "expand_kb_queries"
	KBSynthesize    = "kb_synthesize"
	Collect         = "collect"
	BuildDraft      = "build_draft"
	ConfirmerParse  = "confirmer_parse"
)

// Vars holds substitution values. Values are formatted with %v.
type Vars map[string]any

// Template is one loaded prompt file.
type Template struct {
	sections map[string]string
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Template{}
)

// Load returns the named template, parsing it on first use.
func Load(name string) (*Template, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if t, ok := cache[name]; ok {
		return t, nil
	}
	data, err := templateFS.ReadFile("templates/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("prompt %q not found: %w", name, err)
	}
	sections := make(map[string]string)
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("parsing prompt %q: %w", name, err)
	}
	t := &Template{sections: sections}
	cache[name] = t
	return t, nil
}

// MustLoad is Load for the embedded templates, which are known at build time.
func MustLoad(name string) *Template {
	t, err := Load(name)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Template) System(vars Vars) string { return t.Render("system", vars) }
func (t *Template) User(vars Vars) string   { return t.Render("user", vars) }

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render substitutes {name} placeholders in the given section. Placeholders
// without a value are left as-is so literal JSON examples survive.
func (t *Template) Render(section string, vars Vars) string {
	tpl := t.sections[section]
	if tpl == "" {
		return ""
	}
	return placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := vars[name]
		if !ok {
			return m
		}
		return fmt.Sprint(v)
	})
}
