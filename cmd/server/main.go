package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	ragwebui "github.com/MegaGrindStone/rag-web-ui"
	"github.com/MegaGrindStone/rag-web-ui/internal/conversation"
	"github.com/MegaGrindStone/rag-web-ui/internal/handlers"
	"github.com/MegaGrindStone/rag-web-ui/internal/services"
	"github.com/spf13/cobra"
)

const pruneInterval = 10 * time.Minute

type sessionStore interface {
	conversation.Store
	Close() error
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "rag-web-ui",
		Short: "Web chat for a PrivateGPT backend",
		Long: `rag-web-ui serves a browser chat over a PrivateGPT backend: questions answered from the
ingested documents, plain LLM chat, chunk search, summaries and document management.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfgFile == "" {
				path, err := defaultConfigPath()
				if err != nil {
					return err
				}
				cfgFile = path
			}

			cfg, err := readConfig(cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default is <user config dir>/ragwebui/config.yaml)")

	return cmd
}

func defaultConfigPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	cfgPath := filepath.Join(cfgDir, "ragwebui")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		return "", fmt.Errorf("error creating config directory: %w", err)
	}
	return filepath.Join(cfgPath, "config.yaml"), nil
}

// readConfig loads the config file. A missing file runs the server with the defaults.
func readConfig(path string) (config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := defaultConfig()
			return cfg, cfg.validate()
		}
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	return loadConfig(f)
}

func openStore(cfg config) (sessionStore, error) {
	if cfg.Store.Path == "" {
		return memoryStore{services.NewMemoryStore()}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		return nil, fmt.Errorf("error creating store directory: %w", err)
	}
	return services.NewBoltDB(cfg.Store.Path)
}

type memoryStore struct {
	*services.MemoryStore
}

func (memoryStore) Close() error { return nil }

func run(ctx context.Context, cfg config) error {
	logger := cfg.logger(os.Stderr)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close store", slog.String("err", err.Error()))
		}
	}()

	backend := services.NewPrivateGPT(cfg.Backend.URL, cfg.Backend.APIKey, &http.Client{
		Timeout: cfg.Backend.Timeout,
	}, logger).WithMaxEventSize(cfg.Backend.MaxEventSize)
	engine := conversation.NewEngine(backend, store, cfg.prompts(), cfg.HistoryWindow, logger)

	m, err := handlers.NewMain(engine, backend, cfg.handlerOptions(), logger)
	if err != nil {
		return err
	}

	// Serve static files
	staticFS, err := fs.Sub(ragwebui.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/sse/messages", m.HandleSSE)
	mux.HandleFunc("/files", m.HandleFiles)
	mux.HandleFunc("/files/all", m.HandleDeleteAllFiles)
	mux.HandleFunc("/settings", m.HandleSettings)
	mux.HandleFunc("/clear", m.HandleClear)
	mux.HandleFunc("/sessions/end", m.HandleEndSession)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go engine.PruneEvery(janitorCtx, pruneInterval, cfg.SessionTTL)

	srv.RegisterOnShutdown(func() {
		stopJanitor()
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	return serve(ctx, srv, logger)
}

// serve runs srv until it fails or the process is interrupted, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Start shutdown", slog.String("reason", ctx.Err().Error()))
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
		if err := srv.Close(); err != nil {
			return fmt.Errorf("forcing server close: %w", err)
		}
	}
	return nil
}
