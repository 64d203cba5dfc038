// Package main provides the entry point for the chat engine server: it wires the
// configuration, storage, model provider and turn orchestrator behind the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/api"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/cache"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/config"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/contextwindow"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/logging"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/metrics"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/orchestrator"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/provider"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/registry"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/store"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/telemetry"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/tokens"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/usage"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const shutdownTimeout = 30 * time.Second

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
}

func main() {
	var configPath string
	var verboseMode, quietMode, showVersion bool
	flag.StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")
	flag.BoolVar(&verboseMode, "verbose", false, "Run in verbose mode")
	flag.BoolVar(&quietMode, "quiet", false, "Run in quiet mode (overrides --verbose)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("chat-engine %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		return
	}

	if err := run(configPath, verboseMode, quietMode); err != nil {
		log.WithError(err).Error("server exited")
		logging.Close()
		os.Exit(1)
	}
}

func lookupEnv(keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed, true
			}
		}
	}
	return "", false
}

func applyLogLevel(cfg *config.Config, verbose, quiet bool) {
	logging.SetLogLevel(cfg.LogLevel)
	if cfg.Debug {
		logging.SetLogLevel("debug")
	}
	// CLI flags override config-based log level
	if quiet {
		logging.SetLogLevel("quiet")
	} else if verbose {
		logging.SetLogLevel("verbose")
	}
}

func run(configPath string, verbose, quiet bool) error {
	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(".env"); errLoad != nil && !errors.Is(errLoad, fs.ErrNotExist) {
		log.WithError(errLoad).Warn("failed to load .env file")
	}

	_, statErr := os.Stat(configPath)
	configFileExists := statErr == nil
	cfg, err := config.LoadConfigOptional(configPath, !configFileExists)
	if err != nil {
		return err
	}
	cfg.ApplyEnv(lookupEnv)
	warnings, err := config.ValidateConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, w := range warnings {
		log.Warnf("config warning: %s", w)
	}

	if err = logging.ConfigureLogOutput(logging.OutputOptions{ToFile: cfg.LoggingToFile, Dir: cfg.LogDir}); err != nil {
		return fmt.Errorf("configure log output: %w", err)
	}
	defer logging.Close()
	applyLogLevel(cfg, verbose, quiet)
	usage.SetStatisticsEnabled(cfg.UsageStatisticsEnabled)
	log.Infof("chat-engine %s, commit %s, built %s", Version, Commit, BuildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdownTracing, errTrace := telemetry.SetupTracing(telemetry.Options{
			ServiceName:    api.ServiceName,
			ServiceVersion: Version,
			Writer:         log.StandardLogger().WriterLevel(log.DebugLevel),
		})
		if errTrace != nil {
			return errTrace
		}
		defer func() {
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(tctx)
		}()
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := st.Close(); errClose != nil {
			log.WithError(errClose).Warn("close store")
		}
	}()

	client, files, err := newProvider(cfg)
	if err != nil {
		return err
	}

	models := registry.NewDefault()
	estimator := tokens.New(
		tokens.WithHeuristicOnly(cfg.Context.HeuristicOnly()),
		tokens.WithFallbackObserver(metrics.RecordEstimatorFallback),
	)

	summaries := cache.New[contextwindow.SummaryKey, contextwindow.Summary](
		cache.Config{MaxSize: cfg.Context.GetSummaryCacheSize(), TTL: cfg.Context.GetSummaryCacheTTL()},
		cache.WithObserver[contextwindow.SummaryKey, contextwindow.Summary](metrics.SummaryCacheObserver{}),
	)
	summaries.StartJanitor(ctx, cache.DefaultEvictionInterval, "summaries")

	var strategy contextwindow.SummaryStrategy = contextwindow.PlaceholderStrategy{}
	if cfg.Context.GetSummaryStrategy() == config.SummaryModel {
		strategy = contextwindow.ModelStrategy{
			Generator: provider.TextGenerator{Client: client, Temperature: 0.2, MaxTokens: 1024},
			Model:     cfg.Context.SummaryModel,
		}
	}

	sessions := provider.NewSessionCache(cfg.Sessions.GetTTL(), cfg.Sessions.GetMaxEntries())
	sessions.StartJanitor(ctx, time.Minute)

	stats := usage.NewStatistics()
	orch := orchestrator.New(orchestrator.Deps{
		Models:    models,
		Client:    client,
		Counter:   estimator,
		Compactor: contextwindow.NewCompactor(summaries, strategy),
		Selector:  contextwindow.NewSelector(estimator, cfg.Context.GetReserveRecent()),
		Messages:  st,
		Usage:     st,
		Sessions:  sessions,
		Files:     files,
		Stats:     stats,
	}, orchestrator.Settings{
		WindowSize:       cfg.Context.GetWindowSize(),
		TriggerThreshold: cfg.Context.GetTriggerThreshold(),
		FlushBytes:       cfg.Streaming.GetFlushBytes(),
		FlushInterval:    cfg.Streaming.GetFlushInterval(),
		PersistTimeout:   cfg.Streaming.GetPersistTimeout(),
		KeepAlive:        time.Duration(cfg.Streaming.KeepAliveSeconds) * time.Second,
	})

	opts := []api.ServerOption{api.WithStatistics(stats)}
	if reader, ok := st.(interface {
		UsageForUser(ctx context.Context, userID string) ([]store.UsageRecord, error)
	}); ok {
		opts = append(opts, api.WithUsageReader(reader))
	}
	srv := api.NewServer(cfg, orch, models, opts...)

	if configFileExists {
		watcher, errWatch := config.NewWatcher(configPath, cfg, func(newCfg *config.Config) {
			newCfg.ApplyEnv(lookupEnv)
			applyLogLevel(newCfg, verbose, quiet)
			usage.SetStatisticsEnabled(newCfg.UsageStatisticsEnabled)
			orch.SetPacing(newCfg.Streaming.GetFlushBytes(), newCfg.Streaming.GetFlushInterval())
			srv.UpdateConfig(newCfg)
			log.Info("configuration reloaded")
		})
		if errWatch != nil {
			log.WithError(errWatch).Warn("config hot reload disabled")
		} else {
			go watcher.Run(ctx)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err = srv.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown incomplete")
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if strings.EqualFold(cfg.Storage.Driver, "postgres") {
		pg, err := store.OpenPostgres(ctx, cfg.Storage.DSN, cfg.Storage.Schema)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.WithField("schema", cfg.Storage.Schema).Info("using postgres store")
		return pg, nil
	}
	sq, err := store.OpenSQLite(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	log.WithField("path", cfg.Storage.DSN).Info("using sqlite store")
	return sq, nil
}

// newProvider builds the model client. Only the Gemini API exposes upload state,
// so the file poller is nil for OpenAI-compatible endpoints.
func newProvider(cfg *config.Config) (provider.Client, *provider.FilePoller, error) {
	httpClient, err := provider.NewHTTPClient(cfg.Provider.ProxyURL, cfg.Provider.GetTimeout())
	if err != nil {
		return nil, nil, fmt.Errorf("provider http client: %w", err)
	}
	switch strings.ToLower(cfg.Provider.Kind) {
	case "openai":
		return provider.NewOpenAIClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, httpClient), nil, nil
	default:
		gemini := provider.NewGeminiClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, httpClient)
		files := provider.NewFilePoller(gemini, cfg.Files.GetPollInterval(), cfg.Files.GetPollMaxAttempts())
		return gemini, files, nil
	}
}
