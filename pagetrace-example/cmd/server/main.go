// Package main runs the pagetrace example application, an account ledger
// whose HTML pages carry a request trace.
//
// Routes served on :8080:
//   - GET /: account list (traced)
//   - GET /accounts/{id}: account page (traced)
//   - POST /transfer: form transfer, redirects to / (not traced)
//   - POST /api/accounts, GET /api/accounts/{id}/balance, POST /api/transfer: JSON API (not traced)
//
// Finished traces are streamed to the dashboard on :9090.
//
// Usage:
//
//	go run ./pagetrace-example/cmd/server -config trace.yaml
//
// When -config is given the file is watched and changes apply to the next
// request.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/chosenoffset/pagetrace/pagetrace-example/internal/ledger"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/config"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/dashboard"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/sqltrace"
)

const sessionCookie = "ledger_session"

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dashAddr := flag.String("dashboard", ":9090", "dashboard listen address, empty to disable")
	dsn := flag.String("db", "file:ledger.db", "sqlite database")
	configPath := flag.String("config", "", "trace configuration file")
	flag.Parse()

	zapLog, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	logger := zapr.NewLogger(zapLog)
	defer func() { _ = zapLog.Sync() }()

	if err := run(logger, *addr, *dashAddr, *dsn, *configPath); err != nil {
		logger.Error(err, "server stopped")
		os.Exit(1)
	}
}

func run(logger logr.Logger, addr, dashAddr, dsn, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []pagetrace.Option{
		pagetrace.WithLogger(logger),
		pagetrace.WithSessions(pagetrace.CookieSession{Name: sessionCookie}),
	}

	var dash *dashboard.Server
	if dashAddr != "" {
		dash = dashboard.NewServer(dashAddr, logger)
		opts = append(opts, pagetrace.WithFeed(dash))
		go func() {
			if err := dash.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(err, "dashboard stopped")
			}
		}()
		defer func() { _ = dash.Stop() }()
	}

	tracer, err := pagetrace.New(opts...)
	if err != nil {
		return err
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, logger, func(cfg config.Config) {
			if err := tracer.SetConfig(cfg); err != nil {
				logger.Error(err, "trace config rejected")
			}
		})
		if err != nil {
			return err
		}
		defer func() { _ = watcher.Close() }()
		if err := tracer.SetConfig(watcher.Current()); err != nil {
			return err
		}
	}

	db, err := sqltrace.Open("sqlite", dsn, tracer.Recorder())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	l, err := ledger.New(ctx, db)
	if err != nil {
		return err
	}

	r := mux.NewRouter()
	ledger.NewHandler(l, logger).Register(r)
	r.Use(withSession, tracer.Middleware)

	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr, "dashboard", dashAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// withSession hands out a session cookie so traces show a session ID.
func withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie(sessionCookie); err != nil {
			cookie := &http.Cookie{Name: sessionCookie, Value: uuid.NewString(), Path: "/", HttpOnly: true}
			http.SetCookie(w, cookie)
			r.AddCookie(cookie)
		}
		next.ServeHTTP(w, r)
	})
}
