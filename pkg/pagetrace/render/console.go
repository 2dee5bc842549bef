package render

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace/classify"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/logs"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/metrics"
)

const (
	ConsoleName = "console"

	errorStyle = "color:#F4006B;font-size:14px;"
	sqlStyle   = "color:#009bb4;"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Op is a console method.
type Op uint8

const (
	OpGroup Op = iota
	OpGroupCollapsed
	OpLog
	OpError
	OpGroupEnd
)

func (o Op) method() string {
	switch o {
	case OpGroup:
		return "group"
	case OpGroupCollapsed:
		return "groupCollapsed"
	case OpError:
		return "error"
	case OpGroupEnd:
		return "groupEnd"
	default:
		return "log"
	}
}

// Statement is one console call. Args are JavaScript expressions that have
// already been quoted.
type Statement struct {
	Op   Op
	Args []string
}

func (s Statement) String() string {
	return "console." + s.Op.method() + "(" + strings.Join(s.Args, ", ") + ");"
}

// Console renders tabs as console groups inside a <script> element.
type Console struct {
	locale Locale
}

func NewConsole(opts Options) *Console {
	locale := opts.Locale
	if locale == (Locale{}) {
		locale = DefaultLocale()
	}
	return &Console{locale: locale}
}

// Render implements Renderer.
func (c *Console) Render(tabs []classify.Tab, _ metrics.Snapshot) (string, error) {
	stmts, err := c.Statements(tabs)
	if err != nil {
		return "", &RenderError{Renderer: ConsoleName, Err: err}
	}
	return Script(stmts), nil
}

// Statements lays out every tab as an open group, one statement per entry
// and a closing groupEnd.
func (c *Console) Statements(tabs []classify.Tab) ([]Statement, error) {
	var stmts []Statement
	for i, tab := range tabs {
		open := OpGroupCollapsed
		if i == 0 || strings.EqualFold(tab.Title, c.locale.Debug) || strings.EqualFold(tab.Title, c.locale.Error) {
			open = OpGroup
		}
		stmts = append(stmts, Statement{Op: open, Args: []string{singleQuote(tab.Title)}})

		entries, err := c.entries(tab)
		if err != nil {
			return nil, fmt.Errorf("tab %q: %w", tab.Title, err)
		}
		stmts = append(stmts, entries...)
		stmts = append(stmts, Statement{Op: OpGroupEnd})
	}
	return stmts, nil
}

func (c *Console) entries(tab classify.Tab) ([]Statement, error) {
	keyed := tab.Payload.Kind() == logs.KindMap
	var stmts []Statement

	for i, entry := range tab.Payload.Entries() {
		v := entry.Value
		switch tab.Role {
		case classify.RoleDebug:
			lit, err := debugLiteral(v)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, Statement{Op: OpLog, Args: []string{lit}})
		case classify.RoleError:
			stmts = append(stmts, Statement{Op: OpError, Args: []string{
				doubleQuote("%c" + v.String()), doubleQuote(errorStyle),
			}})
		case classify.RoleSQL:
			stmts = append(stmts, Statement{Op: OpLog, Args: []string{
				doubleQuote("%c" + v.String()), doubleQuote(sqlStyle),
			}})
		default:
			var line string
			if keyed {
				line = entry.Key + " " + v.String()
			} else {
				line = fmt.Sprintf("%d %s", i+1, v.String())
			}
			lit, err := json.Marshal(line)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, Statement{Op: OpLog, Args: []string{string(lit)}})
		}
	}
	return stmts, nil
}

// debugLiteral encodes text and structured values as JSON literals. Any
// other value is dumped with %#v and the dump is encoded as a JSON string.
func debugLiteral(v logs.Payload) (string, error) {
	var (
		data []byte
		err  error
	)
	if v.Kind() == logs.KindOpaque {
		data, err = json.Marshal(v.GoString())
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Script wraps the statements in a script element, one per line.
func Script(stmts []Statement) string {
	var b strings.Builder
	b.WriteString("<script type='text/javascript'>\n")
	for _, s := range stmts {
		b.WriteString(s.String())
		b.WriteByte('\n')
	}
	b.WriteString("</script>")
	return b.String()
}

var jsEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	"\x00", `\x00`,
	"\r", `\r`,
	"\n", `\n`,
	"<", `\x3c`,
	"\u2028", `\u2028`,
	"\u2029", `\u2029`,
)

// EscapeJS backslash-escapes quotes, backslashes and NUL and turns line
// breaks into escape sequences so s fits in a single-line string literal.
// "<" is escaped so the literal cannot close the surrounding script.
func EscapeJS(s string) string {
	return jsEscaper.Replace(s)
}

func singleQuote(s string) string { return "'" + EscapeJS(s) + "'" }
func doubleQuote(s string) string { return `"` + EscapeJS(s) + `"` }
