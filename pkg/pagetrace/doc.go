// Package pagetrace adds a request-scoped diagnostic trace to the pages of a
// Go web application. For every request it collects the log entries emitted
// while the request was served, takes a snapshot of runtime metrics, sorts
// both into configurable tabs and injects the rendered result into the HTML
// response, either as a browser-console script or as a collapsible panel.
//
// # Quick Start
//
//	tracer, err := pagetrace.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	http.Handle("/", tracer.Middleware(appHandler))
//
// Inside handlers, record entries against the request context:
//
//	pagetrace.Record(r.Context(), logs.LevelInfo, "loading account")
//	pagetrace.Record(r.Context(), logs.LevelDebug, map[string]any{"id": id})
//
// # Tabs
//
// The trace is organised in tabs, configured as an ordered list of key and
// title pairs:
//
//	tabs:
//	  base: Base
//	  file: Files
//	  info: Flow
//	  notice|error: Errors
//	  sql: SQL
//	  debug|log: Debug
//
// "base" shows the request line, elapsed time, throughput, heap delta,
// query and cache counters and the session. "file" lists the files loaded
// through pagetrace.FS or pagetrace.TrackFile. Any other key names a log
// level; several levels joined with "|" share one tab.
//
// # Which Responses Get a Trace
//
// Only buffered HTML page responses are modified. JSON and XMLHttpRequest
// requests, non-HTML content types, responses without a body (1xx, 204, 304),
// redirects and HEAD requests pass through untouched, as does any response
// the handler flushed or hijacked. gzip and zstd encoded bodies are decoded, injected
// and encoded again.
//
// # Architecture
//
//   - logs: payloads, the scoped event bus, per-request aggregation and the recorder
//   - metrics: the snapshot and the per-request counters and resources
//   - classify: tab layout
//   - render: console and HTML renderers behind a registry
//   - inject: response classification and fragment splicing
//   - config: YAML configuration with hot reload
//   - sqltrace: sqlx wrapper that feeds the SQL tab and the query counter
//   - dashboard: optional websocket feed of finished traces
//
// # Example Application
//
// See the pagetrace-example directory for a ledger server that uses the
// middleware with gorilla/mux and an sqlite database:
//
//	go run ./pagetrace-example/cmd/server
package pagetrace
