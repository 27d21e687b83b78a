package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nbcodex-ai/nbcodex/internal/attach"
	"github.com/nbcodex-ai/nbcodex/internal/config"
	"github.com/nbcodex-ai/nbcodex/internal/document"
	"github.com/nbcodex-ai/nbcodex/internal/engine"
	"github.com/nbcodex-ai/nbcodex/internal/event"
	"github.com/nbcodex-ai/nbcodex/internal/intake"
	"github.com/nbcodex-ai/nbcodex/internal/logging"
	"github.com/nbcodex-ai/nbcodex/internal/server"
	"github.com/nbcodex-ai/nbcodex/internal/session"
	"github.com/nbcodex-ai/nbcodex/internal/storage"
	"github.com/nbcodex-ai/nbcodex/internal/threadsync"
	"github.com/nbcodex-ai/nbcodex/internal/transport"
	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

var (
	serveAddr       string
	serveBackendURL string
	serveDir        string
	serveDataDir    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the nbcodex session engine",
	Long: `Start the session engine: connect to the backend bridge, reconcile
its event stream into per-document sessions, and expose the local HTTP
bridge the editor UI talks to.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "UI bridge listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveBackendURL, "backend-url", "", "Backend websocket URL (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Shared storage directory (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Determine working directory
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	// Initialize paths
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	// Load configuration
	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}

	// CLI overrides
	if serveAddr != "" {
		cfg.Bridge.Addr = serveAddr
	}
	if serveBackendURL != "" {
		cfg.Backend.URL = serveBackendURL
	}
	if serveDataDir != "" {
		cfg.DataDir = serveDataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if printLogs {
		cfg.Log.Pretty = true
	}

	logging.Init(logging.Config{
		Level:     logging.ParseLevel(cfg.Log.Level),
		Pretty:    cfg.Log.Pretty,
		LogToFile: cfg.Log.File,
		LogDir:    cfg.Log.Dir,
	})
	defer logging.Close()

	logging.Info().
		Str("version", Version).
		Str("workDir", workDir).
		Str("dataDir", cfg.DataDir).
		Msg("Starting nbcodex")

	// Shared collaborators
	bus := event.NewBus()
	store := storage.New(cfg.DataDir)

	registry := session.NewRegistry(bus, store, session.Caps{
		Messages:  cfg.Caps.Messages,
		Progress:  cfg.Caps.Progress,
		MergeScan: cfg.Caps.MergeScan,
	})
	if cfg.Backend.Model != "" {
		// Seed option defaults until the backend advertises its own.
		registry.SetDefaults(types.BackendDefaults{
			Model:           cfg.Backend.Model,
			ReasoningEffort: cfg.Backend.ReasoningEffort,
		})
	}

	sync, err := threadsync.NewChannel(store, "")
	if err != nil {
		return err
	}
	defer sync.Close()

	// The dispatcher, the intake queue and the transport reference each
	// other. The late-bound closures are safe: no frame arrives and no
	// connection is made before Start below.
	var queue *intake.Queue
	var dispatcher *engine.Dispatcher

	client := transport.NewClient(transport.Config{
		URL:       cfg.Backend.URL,
		OnFrame:   func(frame []byte) { queue.Push(frame) },
		OnConnect: func() { dispatcher.OnConnect() },
		Bus:       bus,
	})

	dispatcher = engine.NewDispatcher(engine.Config{
		Registry:      registry,
		Runs:          session.NewRunTable(),
		Attachments:   attach.NewStore(cfg.Caps.AttachPerThread, cfg.Caps.AttachThreads, store),
		Classifier:    document.NewClassifier(cfg.Compat.DocumentGlobs),
		Provider:      document.NewFSProvider(),
		Sender:        client,
		Bus:           bus,
		Storage:       store,
		Sync:          sync,
		CommandPath:   cfg.Backend.Command,
		PreviewChars:  cfg.Caps.PreviewChars,
		LocationChars: cfg.Caps.LocationChars,
	})
	defer dispatcher.Close()

	queue = intake.NewQueue(intake.Config{
		Handler:   dispatcher.HandleFrame,
		Bus:       bus,
		BatchSize: cfg.Caps.Batch,
		MaxQueued: cfg.Caps.Queue,
		OnPanic:   dispatcher.HandlePanic,
	})

	// Configure the UI bridge
	serverConfig := server.DefaultConfig()
	serverConfig.Addr = cfg.Bridge.Addr
	srv := server.New(serverConfig, dispatcher, registry, bus, client)

	// Start the pipeline: intake first so frames from the very first
	// connection have somewhere to go.
	queue.Start()
	client.Start()

	go func() {
		if err := srv.Start(); err != nil {
			logging.Fatal().Err(err).Msg("UI bridge failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("Shutting down")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Bridge shutdown error")
	}

	// Stop the inbound side after the bridge so in-flight requests see a
	// live engine, then drain the queue.
	client.Stop()
	queue.Stop()

	if err := bus.Close(); err != nil {
		logging.Warn().Err(err).Msg("Event bus close error")
	}

	logging.Info().Msg("Stopped")
	return nil
}
