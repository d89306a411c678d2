// Command moisson is the scrape pipeline daemon.
//
// Usage:
//
//	moisson -config moisson.yaml                # scheduler + operator API
//	moisson -config moisson.yaml -once          # run due targets once, exit
//	moisson -config moisson.yaml -mcp           # MCP tool server on stdio
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/moisson"
	"github.com/hazyhaar/moisson/dbopen"
)

func main() {
	configPath := flag.String("config", "moisson.yaml", "path to YAML config")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	listen := flag.String("listen", "", "operator HTTP address (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	once := flag.Bool("once", false, "run all due targets once and exit")
	mcpMode := flag.Bool("mcp", false, "serve MCP tools on stdio instead of the scheduler loop")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *listen, *once, *mcpMode); err != nil {
		logger.Error("moisson: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, listen string, once, mcpMode bool) error {
	cfg, err := moisson.LoadConfigFile(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if listen != "" {
		cfg.Listen = listen
	}

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return err
	}
	defer db.Close()

	svc, err := moisson.New(db, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if once {
		svc.RunOnce(ctx)
		return nil
	}

	if mcpMode {
		srv := mcp.NewServer(&mcp.Implementation{Name: "moisson", Version: "1.0.0"}, nil)
		svc.RegisterMCP(srv)
		svc.Start(ctx)
		return srv.Run(ctx, &mcp.StdioTransport{})
	}

	svc.Start(ctx)

	r := chi.NewRouter()
	svc.RegisterHTTP(r)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("moisson: operator api listening", "addr", cfg.Listen)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
