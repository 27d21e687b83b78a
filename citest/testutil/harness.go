package testutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

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

var logOnce sync.Once

// initTestLogging quiets the global logger for test runs
func initTestLogging() {
	logOnce.Do(func() {
		logging.Init(logging.Config{Level: logging.ParseLevel("warn")})
	})
}

// TestEngine wires a complete engine instance against a fake backend
// for end to end tests: transport, intake queue, dispatcher, registry,
// storage and the UI bridge, assembled the same way the serve command
// assembles them.
type TestEngine struct {
	Backend    *FakeBackend
	Bus        *event.Bus
	Registry   *session.Registry
	Dispatcher *engine.Dispatcher
	DataDir    string
	BaseURL    string

	srv         *server.Server
	client      *transport.Client
	queue       *intake.Queue
	sync        *threadsync.Channel
	ownsBackend bool
	ownsDataDir bool
	stopOnce    sync.Once
}

// EngineOption configures the test engine
type EngineOption func(*engineOptions)

type engineOptions struct {
	dataDir  string
	scenario *ScenarioConfig
	backend  *FakeBackend
}

// WithDataDir uses an existing storage directory instead of a fresh
// temp dir. Two engines sharing a directory see each other's thread
// state.
func WithDataDir(dir string) EngineOption {
	return func(o *engineOptions) {
		o.dataDir = dir
	}
}

// WithScenario scripts the fake backend's replies
func WithScenario(s *ScenarioConfig) EngineOption {
	return func(o *engineOptions) {
		o.scenario = s
	}
}

// WithBackend attaches an externally owned fake backend. The harness
// will not close it on Stop.
func WithBackend(b *FakeBackend) EngineOption {
	return func(o *engineOptions) {
		o.backend = b
	}
}

// StartTestEngine starts a full engine with a fake backend and waits
// until the UI bridge answers
func StartTestEngine(opts ...EngineOption) (*TestEngine, error) {
	initTestLogging()

	var options engineOptions
	for _, opt := range opts {
		opt(&options)
	}

	te := &TestEngine{}

	if options.backend != nil {
		te.Backend = options.backend
	} else {
		te.Backend = NewFakeBackend(options.scenario)
		te.ownsBackend = true
	}

	if options.dataDir != "" {
		te.DataDir = options.dataDir
	} else {
		dir, err := os.MkdirTemp("", "nbcodex-data-*")
		if err != nil {
			te.cleanup()
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		te.DataDir = dir
		te.ownsDataDir = true
	}

	addr, err := findAvailableAddr()
	if err != nil {
		te.cleanup()
		return nil, err
	}

	cfg := config.Default()
	cfg.DataDir = te.DataDir
	cfg.Backend.URL = te.Backend.URL()
	cfg.Bridge.Addr = addr

	te.Bus = event.NewBus()
	store := storage.New(cfg.DataDir)

	te.Registry = session.NewRegistry(te.Bus, store, session.Caps{
		Messages:  cfg.Caps.Messages,
		Progress:  cfg.Caps.Progress,
		MergeScan: cfg.Caps.MergeScan,
	})
	te.Registry.SetDefaults(types.BackendDefaults{
		Model:           cfg.Backend.Model,
		ReasoningEffort: cfg.Backend.ReasoningEffort,
	})

	te.sync, err = threadsync.NewChannel(store, "")
	if err != nil {
		te.cleanup()
		return nil, fmt.Errorf("failed to open sync channel: %w", err)
	}

	// Same late-bound wiring as the serve command: nothing fires before
	// the Start calls below.
	te.client = transport.NewClient(transport.Config{
		URL:       cfg.Backend.URL,
		OnFrame:   func(frame []byte) { te.queue.Push(frame) },
		OnConnect: func() { te.Dispatcher.OnConnect() },
		Bus:       te.Bus,
	})

	te.Dispatcher = engine.NewDispatcher(engine.Config{
		Registry:    te.Registry,
		Runs:        session.NewRunTable(),
		Attachments: attach.NewStore(cfg.Caps.AttachPerThread, cfg.Caps.AttachThreads, store),
		Classifier:  document.NewClassifier(cfg.Compat.DocumentGlobs),
		Provider:    document.NewFSProvider(),
		Sender:      te.client,
		Bus:         te.Bus,
		Storage:     store,
		Sync:        te.sync,
		CommandPath: cfg.Backend.Command,
	})

	te.queue = intake.NewQueue(intake.Config{
		Handler:   te.Dispatcher.HandleFrame,
		Bus:       te.Bus,
		BatchSize: cfg.Caps.Batch,
		MaxQueued: cfg.Caps.Queue,
		OnPanic:   te.Dispatcher.HandlePanic,
	})

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = addr
	te.srv = server.New(serverConfig, te.Dispatcher, te.Registry, te.Bus, te.client)
	te.BaseURL = "http://" + addr

	te.queue.Start()
	te.client.Start()
	go te.srv.Start()

	if err := waitForServer(te.BaseURL, 5*time.Second); err != nil {
		te.Stop()
		return nil, err
	}
	return te, nil
}

// Client returns an HTTP client bound to this engine's bridge
func (te *TestEngine) Client() *BridgeClient {
	return NewBridgeClient(te.BaseURL)
}

// OpenEventStream connects to the bridge-wide SSE endpoint
func (te *TestEngine) OpenEventStream(ctx context.Context) (*SSEClient, error) {
	return NewSSEClient(ctx, te.BaseURL+"/event")
}

// OpenSessionStream connects to one document's filtered SSE endpoint
func (te *TestEngine) OpenSessionStream(ctx context.Context, path string) (*SSEClient, error) {
	return NewSSEClient(ctx, te.BaseURL+te.Client().EventStreamURL(path))
}

// Stop shuts the engine down in the same order the serve command does
func (te *TestEngine) Stop() {
	te.stopOnce.Do(func() {
		if te.srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			te.srv.Shutdown(ctx)
			cancel()
		}
		if te.client != nil {
			te.client.Stop()
		}
		if te.queue != nil {
			te.queue.Stop()
		}
		if te.Dispatcher != nil {
			te.Dispatcher.Close()
		}
		if te.sync != nil {
			te.sync.Close()
		}
		if te.Bus != nil {
			te.Bus.Close()
		}
		te.cleanup()
	})
}

// cleanup releases resources owned by the harness
func (te *TestEngine) cleanup() {
	if te.ownsBackend && te.Backend != nil {
		te.Backend.Close()
		te.Backend = nil
		te.ownsBackend = false
	}
	if te.ownsDataDir && te.DataDir != "" {
		os.RemoveAll(te.DataDir)
		te.DataDir = ""
		te.ownsDataDir = false
	}
}

// findAvailableAddr grabs a free loopback port
func findAvailableAddr() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to find available port: %w", err)
	}
	addr := listener.Addr().String()
	listener.Close()
	return addr, nil
}

// waitForServer polls the bridge until it responds
func waitForServer(baseURL string, timeout time.Duration) error {
	client := &http.Client{Timeout: 500 * time.Millisecond}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/session")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("server at %s did not become ready within %v", baseURL, timeout)
}
