// tabletalk - LLM-driven tabular data Q&A server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/askoura/tabletalk/internal/agent"
	"github.com/askoura/tabletalk/internal/api"
	"github.com/askoura/tabletalk/internal/config"
	"github.com/askoura/tabletalk/internal/llm"
	"github.com/askoura/tabletalk/internal/middleware"
	"github.com/askoura/tabletalk/internal/runner"
	"github.com/askoura/tabletalk/internal/scratchpad"
	"github.com/askoura/tabletalk/internal/store"
	"github.com/askoura/tabletalk/web"
)

const idleSweepInterval = 5 * time.Minute

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	root := &cobra.Command{
		Use:          "tabletalk",
		Short:        "LLM-driven Q&A server over tabular datasets",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), pruneCmd())

	if err := root.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove expired artifacts and run records from all workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd.Context())
		},
	}
}

//nolint:gocognit // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(baseCtx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.GeminiAPIKey == "" {
		return errors.New("GEMINI_API_KEY is required")
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "kernel_backend", cfg.KernelBackend)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.CatalogPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("Workspace catalog connected", "path", cfg.CatalogPath)

	artifacts := scratchpad.NewStore(cfg.ArtifactTTL)
	defer func() {
		if closeErr := artifacts.Close(); closeErr != nil {
			slog.Error("Failed to close manifest store", "error", closeErr)
		}
	}()

	launcher, err := newLauncher(cfg)
	if err != nil {
		return err
	}

	exec := runner.NewManager(launcher, artifacts, runner.Config{
		DefaultTimeout: cfg.ExecTimeout,
		IdleTimeout:    cfg.SessionIdleTTL,
		ArtifactTTL:    cfg.ArtifactTTL,
	})

	client, err := llm.NewGeminiClient(context.Background(), cfg.GeminiAPIKey)
	if err != nil {
		return err
	}

	ag, err := agent.New(client, agent.Config{
		Model:           cfg.Model,
		ModelLite:       cfg.ModelLite,
		GuardMaxRetries: cfg.GuardMaxRetries,
	})
	if err != nil {
		return err
	}
	slog.Info("Agent initialized", "model", cfg.Model, "model_lite", cfg.ModelLite)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, ag, exec, artifacts, cfg)
	healthHandler := api.NewHealthHandler(repo)
	workspaceHandler := api.NewWorkspaceHandler(baseHandler)
	askHandler := api.NewAskHandler(baseHandler)
	artifactHandler := api.NewArtifactHandler(baseHandler)
	streamHandler := api.NewAskStreamHandler(askHandler)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	if cfg.LogRequests {
		r.Use(chiMiddleware.Logger)
	}
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	healthHandler.RegisterHealth(r)
	workspaceHandler.RegisterRoutes(r)
	askHandler.RegisterRoutes(r)
	artifactHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/api/workspaces/{workspaceID}/ask/stream", streamHandler.ServeHTTP)

	// Embedded frontend for everything outside /api.
	r.Handle("/*", web.SPAHandler())

	// Ask turns can hold a response open for the full execution budget, so
	// no write timeout.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(baseCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec.StartIdleWorker(ctx, idleSweepInterval)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := exec.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shut down interpreter sessions", "error", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

func newLauncher(cfg *config.Config) (runner.Launcher, error) {
	switch cfg.KernelBackend {
	case "docker":
		return runner.NewDockerLauncher(cfg.KernelImage, cfg.ContainerRuntime)
	default:
		return &runner.ProcLauncher{Python: cfg.KernelPython}, nil
	}
}

func runPrune(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	repo, err := store.NewSQLite(cfg.CatalogPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	artifacts := scratchpad.NewStore(cfg.ArtifactTTL)
	defer func() {
		if closeErr := artifacts.Close(); closeErr != nil {
			slog.Error("Failed to close manifest store", "error", closeErr)
		}
	}()

	workspaces, err := repo.ListWorkspaces(ctx)
	if err != nil {
		return err
	}

	var total int64
	for _, workspace := range workspaces {
		deleted, err := artifacts.PruneWorkspace(ctx, workspace.DatabasePath)
		if err != nil {
			slog.Warn("Failed to prune workspace scratchpad",
				"workspace_id", workspace.WorkspaceID, "error", err)
			continue
		}
		if deleted > 0 {
			slog.Info("Pruned workspace scratchpad",
				"workspace_id", workspace.WorkspaceID, "artifacts_deleted", deleted)
		}
		total += deleted
	}

	slog.Info("Prune complete", "workspaces", len(workspaces), "artifacts_deleted", total)
	return nil
}
