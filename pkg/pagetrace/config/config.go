// Package config loads the trace configuration from YAML and keeps it
// current while the file changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace/classify"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/render"
)

// ErrNoTabs is returned by Validate for a configuration without tabs.
var ErrNoTabs = errors.New("no tabs configured")

// Config is the trace section of an application's configuration.
type Config struct {
	// Enabled turns the tracer on. A disabled tracer passes responses through
	// untouched.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Type names the renderer: "html" or "console".
	Type string `yaml:"type" json:"type"`
	// Channel restricts aggregation to one recorder. Empty accepts all.
	Channel string `yaml:"channel" json:"channel"`
	// File replaces the built-in HTML template.
	File   string        `yaml:"file" json:"file"`
	Tabs   Tabs          `yaml:"tabs" json:"tabs"`
	Locale render.Locale `yaml:"locale" json:"locale"`
}

// Tabs is the ordered tab list. In YAML it is either a sequence of
// {key, title} objects or a mapping from key to title; both keep the order
// of the document.
type Tabs []classify.TabSpec

func (t *Tabs) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var specs []classify.TabSpec
		if err := node.Decode(&specs); err != nil {
			return err
		}
		*t = specs
		return nil
	case yaml.MappingNode:
		specs := make([]classify.TabSpec, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var key, title string
			if err := node.Content[i].Decode(&key); err != nil {
				return err
			}
			if err := node.Content[i+1].Decode(&title); err != nil {
				return fmt.Errorf("tab %q: %w", key, err)
			}
			specs = append(specs, classify.TabSpec{Key: key, Title: title})
		}
		*t = specs
		return nil
	default:
		return fmt.Errorf("line %d: tabs must be a list or a mapping", node.Line)
	}
}

// Default returns an enabled configuration with the HTML renderer and the
// standard tabs.
func Default() Config {
	return Config{
		Enabled: true,
		Type:    render.HTMLName,
		Tabs:    Tabs(classify.DefaultTraceConfig().Tabs),
		Locale:  render.DefaultLocale(),
	}
}

// Parse reads a configuration document. Fields it does not set keep their
// defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	var doc struct {
		Trace yaml.Node `yaml:"trace"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	// Accept both a bare config and one nested under "trace".
	target := func(v any) error { return yaml.Unmarshal(data, v) }
	if doc.Trace.Kind != 0 {
		target = doc.Trace.Decode
	}
	if err := target(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal trace config: %w", err)
	}

	cfg.Type = strings.ToLower(strings.TrimSpace(cfg.Type))
	if cfg.Type == "" {
		cfg.Type = render.HTMLName
	}
	return cfg, nil
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) == 0 {
		return Config{}, fmt.Errorf("config file %s is empty", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the tabs are usable and the renderer exists.
func (c Config) Validate() error {
	if len(c.Tabs) == 0 {
		return ErrNoTabs
	}
	for i, tab := range c.Tabs {
		if strings.TrimSpace(tab.Key) == "" {
			return fmt.Errorf("tab %d (%q) has an empty key", i, tab.Title)
		}
	}
	if _, err := c.Renderer(); err != nil {
		return err
	}
	return nil
}

// TraceConfig returns the tab layout for classify.Classify.
func (c Config) TraceConfig() classify.TraceConfig {
	tabs := make([]classify.TabSpec, len(c.Tabs))
	copy(tabs, c.Tabs)
	return classify.TraceConfig{Tabs: tabs}
}

// RenderOptions returns the options the configured renderer is built with.
func (c Config) RenderOptions() render.Options {
	return render.Options{Locale: c.Locale, TemplateFile: c.File}
}

// Renderer builds the configured renderer from the default registry.
func (c Config) Renderer() (render.Renderer, error) {
	name := c.Type
	if name == "" {
		name = render.HTMLName
	}
	r, err := render.New(name, c.RenderOptions())
	if err != nil {
		return nil, fmt.Errorf("renderer %q: %w", name, err)
	}
	return r, nil
}
