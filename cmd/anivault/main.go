package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"anivault/internal/config"
	"anivault/internal/logging"
	"anivault/internal/progress"
	"anivault/internal/provider"
	"anivault/internal/remux"
	"anivault/internal/server"
	"anivault/internal/store"
	"anivault/internal/transfer"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "anivault: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel)
	log := logging.Get("main")

	if err := os.MkdirAll(cfg.AbsMediaDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.AbsMediaDir).Msg("create media dir")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.AbsDBPath), 0o755); err != nil {
		log.Fatal().Err(err).Str("path", cfg.AbsDBPath).Msg("create db dir")
	}

	st, err := store.Open(cfg.AbsDBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.AbsDBPath).Msg("open catalog db")
	}

	hub := progress.NewHub()
	ledger := progress.NewSizeLedger()
	client := provider.NewClient(provider.Options{
		BaseURL:        cfg.ProviderBaseURL,
		SandboxTimeout: cfg.SandboxTimeout,
		PageTokenTTL:   cfg.PageTokenTTL,
		TokenCacheSize: cfg.TokenCacheSize,
	})
	remuxer := remux.New(hub, "")

	engine := transfer.NewEngine(transfer.Options{
		MediaDir: cfg.AbsMediaDir,
		Resolver: client,
		Hub:      hub,
		Ledger:   ledger,
		Remuxer:  remuxer,
		OnComplete: func() {
			log.Info().Msg("episode finished")
		},

		ParallelDownloadLimit: cfg.ParallelDownloadLimit,
		ChunkSize:             cfg.ChunkSize,
		SpeedWindow:           cfg.SpeedWindow,
		SpeedInterval:         cfg.SpeedInterval,
		ReadTimeout:           cfg.ReadTimeout,
		BackoffCap:            cfg.BackoffCap,
		MetadataReleaseBytes:  cfg.MetadataReleaseBytes,
		BandwidthLimit:        cfg.BandwidthLimit,
	})

	handler := server.New(server.Options{
		Engine:   engine,
		Catalog:  st,
		Hub:      hub,
		MediaDir: cfg.AbsMediaDir,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // progress sockets and growing-file streams stay open
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Fields(cfg.Summary()).Msg("anivault listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-shutdownCtx.Done()
	log.Info().Msg("shutdown signal received; draining")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// Pauses in-flight transfers so their partial files survive for resume.
	engine.Shutdown()
	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("close catalog db")
	}
	log.Info().Msg("shutdown complete")
}

// loadConfig builds the effective configuration: defaults, then an optional
// YAML file, then command-line flags on top.
func loadConfig(args []string) (*config.Config, error) {
	cfg := config.New()

	fs := flag.NewFlagSet("anivault", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	host := fs.String("host", cfg.Host, "Host address to bind")
	port := fs.Int("port", cfg.Port, "Server port")
	mediaDir := fs.String("media-dir", "", "Directory for downloaded episodes (default: ~/Videos/anivault)")
	dbPath := fs.String("db", "", "Path to the catalog SQLite database (default: ~/.cache/anivault/catalog.db)")
	parallel := fs.Int("parallel", cfg.ParallelDownloadLimit, "Concurrent download limit")
	bandwidth := fs.Int64("bandwidth-limit", 0, "Total download bandwidth in bytes/sec (0 = unlimited)")
	providerURL := fs.String("provider-url", "", "Base URL of the episode provider (required)")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level (debug|info|warn|error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "media-dir":
			cfg.MediaDir = *mediaDir
		case "db":
			cfg.DBPath = *dbPath
		case "parallel":
			cfg.ParallelDownloadLimit = *parallel
		case "bandwidth-limit":
			cfg.BandwidthLimit = *bandwidth
		case "provider-url":
			cfg.ProviderBaseURL = *providerURL
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if cfg.ProviderBaseURL == "" {
		return nil, errors.New("--provider-url is required (or provider_base_url in the config file)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ResolveMediaDir(); err != nil {
		return nil, err
	}
	if err := cfg.ResolveDBPath(); err != nil {
		return nil, err
	}
	return cfg, nil
}
