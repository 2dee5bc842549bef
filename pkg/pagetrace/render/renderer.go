// Package render turns classified tabs into a fragment that can be inserted
// into a response: a browser-console script or an HTML panel.
//
// Renderers are looked up by name. "console" and "html" are registered by
// default; applications may Register their own.
package render

import (
	"errors"
	"fmt"
	"html/template"
	"sort"
	"sync"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace/classify"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/metrics"
)

// ErrUnknownRenderer is returned by New for names nobody registered.
var ErrUnknownRenderer = errors.New("unknown renderer")

// Renderer produces a fragment from the tabs and metrics of one request.
// Implementations must be safe for concurrent use.
type Renderer interface {
	Render(tabs []classify.Tab, snap metrics.Snapshot) (string, error)
}

// Locale holds the tab titles that get expanded in the console.
type Locale struct {
	Debug string `yaml:"debug" json:"debug"`
	Error string `yaml:"error" json:"error"`
}

// DefaultLocale matches the titles of classify.DefaultTraceConfig.
func DefaultLocale() Locale {
	return Locale{Debug: "Debug", Error: "Errors"}
}

// Options configures a renderer.
type Options struct {
	Locale Locale

	// TemplateFile replaces the built-in HTML template.
	TemplateFile string
	// Template takes precedence over TemplateFile when set.
	Template *template.Template
}

// Factory builds a renderer from options.
type Factory func(opts Options) (Renderer, error)

// RenderError reports a renderer that failed to produce output. No partial
// output accompanies it.
type RenderError struct {
	Renderer string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Renderer, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// IsRenderError checks if err is, or wraps, a RenderError.
func IsRenderError(err error) bool {
	var re *RenderError
	return errors.As(err, &re)
}

// Registry maps renderer names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the renderer registered under name.
func (r *Registry) New(name string, opts Options) (Renderer, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRenderer, name)
	}
	return f(opts)
}

// Names lists the registered renderer names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = NewRegistry()

func init() {
	defaultRegistry.Register(ConsoleName, func(opts Options) (Renderer, error) {
		return NewConsole(opts), nil
	})
	defaultRegistry.Register(HTMLName, func(opts Options) (Renderer, error) {
		return NewHTML(opts)
	})
}

// Register adds a factory to the default registry.
func Register(name string, f Factory) { defaultRegistry.Register(name, f) }

// New builds a renderer from the default registry.
func New(name string, opts Options) (Renderer, error) { return defaultRegistry.New(name, opts) }

// Names lists the renderers of the default registry.
func Names() []string { return defaultRegistry.Names() }
