package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"path/filepath"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace/classify"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/logs"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/metrics"
)

const (
	HTMLName = "html"

	defaultTemplate = "page_trace.html"
)

//go:embed tpl/page_trace.html
var templateFS embed.FS

// PageData is what the HTML template is executed with.
type PageData struct {
	Tabs    []classify.Tab
	Metrics metrics.Snapshot
}

// Funcs are available to every HTML template, custom ones included.
var Funcs = template.FuncMap{
	"entries": func(tab classify.Tab) []logs.Pair { return tab.Payload.Entries() },
	"keyed":   func(tab classify.Tab) bool { return tab.Payload.Kind() == logs.KindMap },
	"inc":     func(i int) int { return i + 1 },
}

// HTML renders tabs through an html/template panel.
type HTML struct {
	tpl *template.Template
}

// NewHTML prepares the template named by opts. The embedded panel is used
// when neither Template nor TemplateFile is set.
func NewHTML(opts Options) (*HTML, error) {
	if opts.Template != nil {
		return &HTML{tpl: opts.Template}, nil
	}

	var (
		tpl *template.Template
		err error
	)
	if opts.TemplateFile != "" {
		tpl, err = template.New(filepath.Base(opts.TemplateFile)).Funcs(Funcs).ParseFiles(opts.TemplateFile)
	} else {
		tpl, err = template.New(defaultTemplate).Funcs(Funcs).ParseFS(templateFS, "tpl/"+defaultTemplate)
	}
	if err != nil {
		return nil, fmt.Errorf("parse trace template: %w", err)
	}
	return &HTML{tpl: tpl}, nil
}

// Render implements Renderer. Output is buffered so a failing template
// yields nothing but the error.
func (h *HTML) Render(tabs []classify.Tab, snap metrics.Snapshot) (string, error) {
	var buf bytes.Buffer
	if err := h.tpl.Execute(&buf, PageData{Tabs: tabs, Metrics: snap}); err != nil {
		return "", &RenderError{Renderer: HTMLName, Err: err}
	}
	return buf.String(), nil
}
