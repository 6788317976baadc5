// Command toolman runs the MCP aggregating proxy: it starts every
// configured backend, serves the merged tool catalog over HTTP, and
// answers tools/call by routing to whichever backend owns the tool.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/5dlabs/toolman/internal/backend"
	"github.com/5dlabs/toolman/internal/catalog"
	"github.com/5dlabs/toolman/internal/config"
	"github.com/5dlabs/toolman/internal/dispatch"
	"github.com/5dlabs/toolman/internal/httpapi"
	"github.com/5dlabs/toolman/internal/session"
	"github.com/5dlabs/toolman/internal/transport"
)

const protocolVersion = "2024-11-05"

func main() {
	configPath := flag.String("config", "", "path to a TOML backend configuration file")
	addr := flag.String("addr", ":8080", "address to listen on")
	idleTTL := flag.Duration("session-idle-ttl", 30*time.Minute, "how long an unused session may sit before it is swept")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	doc, err := loadDocument(*configPath)
	if err != nil {
		log.Fatalf("toolman: load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat := catalog.New()
	directory := config.NewBackendDirectory(doc)

	pool := backend.NewPool(cat.OnDiscover, func(cfg backend.Config) (mcp.Transport, error) {
		return newTransport(cfg, logger)
	}, logger)

	cfgs := make([]backend.Config, 0, len(doc.Backends))
	for _, spec := range doc.Backends {
		cfgs = append(cfgs, toConnectionConfig(spec))
	}
	logger.Info("starting backend pool", "count", len(cfgs))
	pool.StartAll(ctx, cfgs)

	sessions := session.NewRegistry(cat, *idleTTL, logger)
	go sessions.RunIdleSweeper(ctx, time.Minute)

	enabled := config.NewEnabledSet(doc.EnabledTools)
	saveFn := config.SaveFunc(func(updated config.Document) error {
		if *configPath == "" {
			return nil
		}
		// updated carries only the enable flags; keep the loaded backends.
		merged := doc
		merged.EnabledTools = updated.EnabledTools
		return saveDocument(*configPath, merged)
	})

	d := dispatch.New(pool, cat, sessions, enabled, directory, saveFn, logger)
	server := httpapi.New(d, pool, sessions, httpapi.Options{Addr: *addr}, logger)

	logger.Info("toolman listening", "addr", *addr)
	if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool.StopAll(shutdownCtx)
}

func loadDocument(path string) (config.Document, error) {
	if path == "" {
		return config.Document{}, nil
	}
	var doc config.Document
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return config.Document{}, err
	}
	return doc, nil
}

func saveDocument(path string, doc config.Document) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(doc)
}

func toConnectionConfig(spec config.BackendSpec) backend.Config {
	ctx := config.TemplateContext{ServerName: spec.ID}
	env := make([]string, 0, len(spec.Env))
	for k, v := range config.ExpandEnv(spec.Env, ctx) {
		env = append(env, k+"="+v)
	}
	return backend.Config{
		ID:              spec.ID,
		Kind:            spec.Kind,
		Command:         spec.Command,
		Args:            spec.Args,
		Env:             env,
		URL:             spec.URL,
		Headers:         spec.Headers,
		ProtocolVersion: protocolVersion,
		ClientName:      "toolman",
		ClientVersion:   protocolVersion,
	}
}

func newTransport(cfg backend.Config, logger *slog.Logger) (mcp.Transport, error) {
	switch cfg.Kind {
	case "http":
		return transport.NewHTTP(cfg.URL, cfg.Headers), nil
	case "sse":
		return transport.NewSSE(cfg.URL, cfg.Headers), nil
	default:
		return transport.NewStdio(cfg.Command, cfg.Args, cfg.Env, logger), nil
	}
}
