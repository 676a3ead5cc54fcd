package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codesearch-mcp/codesearch/internal/chunk"
	"github.com/codesearch-mcp/codesearch/internal/config"
	"github.com/codesearch-mcp/codesearch/internal/embed"
	"github.com/codesearch-mcp/codesearch/internal/index"
	"github.com/codesearch-mcp/codesearch/internal/logging"
	"github.com/codesearch-mcp/codesearch/internal/mcp"
	"github.com/codesearch-mcp/codesearch/internal/search"
	"github.com/codesearch-mcp/codesearch/internal/session"
	"github.com/codesearch-mcp/codesearch/internal/store"
	"github.com/codesearch-mcp/codesearch/internal/watcher"
)

// defaultWatcherStartupTimeout bounds how long serve waits before logging that
// the file watcher is taking a while; it never blocks MCP startup itself.
const defaultWatcherStartupTimeout = 2 * time.Second

func newServeCmd() *cobra.Command {
	var (
		transport   string
		port        int
		sessionName string
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server for AI coding agents",
		Long: `Start the Model Context Protocol server, exposing hybrid search over the
indexed project to MCP clients (Claude Code, Cursor, and similar agents).

The server talks JSON-RPC over stdio by default; nothing but the MCP
handshake and responses may touch stdout, so all logging is redirected to
a file for the duration of the process.

Use --session to keep a named, reusable index bound to this project so a
client can reconnect later without losing warmed-up state (see 'codesearch
sessions' and 'codesearch resume').`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if debug {
				_ = os.Setenv("CODESEARCH_LOG_LEVEL", "debug")
			}

			if sessionName != "" {
				root, err := config.FindProjectRoot(".")
				if err != nil {
					root, _ = os.Getwd()
				}
				return runServeWithSession(ctx, sessionName, root, transport, port)
			}
			return runServe(ctx, transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport type (stdio|sse)")
	cmd.Flags().IntVar(&port, "port", 8765, "Port for SSE transport")
	cmd.Flags().StringVar(&sessionName, "session", "", "Bind this run to a named, reusable session")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable verbose logging to the MCP log file")

	return cmd
}

// verifyStdinForMCP checks that stdin looks like a pipe rather than an
// interactive terminal. stdio transport expects a client driving JSON-RPC
// over stdin/stdout; a bare terminal means the user probably ran 'codesearch
// serve' by hand instead of through an MCP client.
func verifyStdinForMCP() error {
	info, err := os.Stdin.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat stdin: %w", err)
	}
	if (info.Mode() & os.ModeCharDevice) != 0 {
		return fmt.Errorf("stdin is a terminal, not a pipe; codesearch serve expects to be launched by an MCP client, not run directly")
	}
	return nil
}

// runServe starts the MCP server for the project rooted at the current
// working directory (or its nearest ancestor with a .codesearch index).
func runServe(ctx context.Context, transport string, port int) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	return serveProject(ctx, root, transport, port)
}

// runServeWithSession starts the MCP server for projectPath, recording the
// run under the named session so 'codesearch resume' can pick it back up.
func runServeWithSession(ctx context.Context, sessionName, projectPath, transport string, port int) error {
	cfg := config.NewConfig()

	mgr, err := session.NewManager(session.ManagerConfig{
		StoragePath: cfg.Sessions.StoragePath,
		MaxSessions: cfg.Sessions.MaxSessions,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	sess, err := mgr.Open(sessionName, projectPath)
	if err != nil {
		return fmt.Errorf("failed to open session %q: %w", sessionName, err)
	}
	sess.UpdateLastUsed()
	if saveErr := mgr.Save(sess); saveErr != nil {
		// Non-fatal: the session still serves, it just won't remember this
		// timestamp update until the next successful save.
		slog.Warn("failed to persist session metadata",
			slog.String("session", sessionName), slog.String("error", saveErr.Error()))
	}

	return serveProject(ctx, projectPath, transport, port)
}

// serveProject wires up the on-disk index, the embedder, the search engine,
// the incremental index coordinator and the MCP server, then blocks serving
// requests until ctx is cancelled.
func serveProject(ctx context.Context, root, transport string, port int) error {
	cleanup, err := logging.SetupMCPMode()
	if err != nil {
		return fmt.Errorf("failed to initialize MCP-safe logging: %w", err)
	}
	defer cleanup()

	if transport == "stdio" {
		if stdinErr := verifyStdinForMCP(); stdinErr != nil {
			slog.Warn("stdin check failed, continuing anyway", slog.String("error", stdinErr.Error()))
		}
	}

	dataDir := filepath.Join(root, ".codesearch")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, statErr := os.Stat(metadataPath); os.IsNotExist(statErr) {
		return fmt.Errorf("no index found in %s, run 'codesearch index' first", root)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	defer func() { _ = embedder.Close() }()

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	vectorConfig := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorConfig)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Warn("vector store load failed, serving with an empty vector index",
				slog.String("error", loadErr.Error()))
		}
	}

	engineConfig := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineConfig.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineConfig.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}
	engine, err := search.NewEngine(bm25, vector, embedder, metadata, engineConfig,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()))
	if err != nil {
		return fmt.Errorf("failed to create search engine: %w", err)
	}

	mcpServer, err := mcp.NewServer(engine, metadata, embedder, cfg, root)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	defer func() { _ = mcpServer.Close() }()

	coordinator := index.NewCoordinator(index.CoordinatorConfig{
		ProjectID:       root,
		RootPath:        root,
		DataDir:         dataDir,
		Engine:          engine,
		Metadata:        metadata,
		CodeChunker:     chunk.NewCodeChunker(),
		MDChunker:       chunk.NewMarkdownChunker(),
		ExcludePatterns: cfg.Paths.Exclude,
		MaxFileSize:     cfg.Search.MaxFileBytes,
	})
	startFileWatcher(ctx, root, coordinator)

	addr := ""
	if transport == "sse" {
		addr = fmt.Sprintf(":%d", port)
	}
	return mcpServer.Serve(ctx, transport, addr)
}

// startFileWatcher launches the hybrid file watcher and feeds its batched
// events into the coordinator for incremental index updates. It runs
// entirely in the background: MCP startup never waits on it, since watcher
// initialization (walking the tree, loading .gitignore files) can take
// seconds on large repos or slow filesystems while MCP clients expect a
// handshake response almost immediately.
func startFileWatcher(ctx context.Context, root string, coordinator *index.Coordinator) {
	go func() {
		timeout := defaultWatcherStartupTimeout
		if v := os.Getenv("CODESEARCH_WATCHER_STARTUP_TIMEOUT"); v != "" {
			if d, parseErr := time.ParseDuration(v); parseErr == nil {
				timeout = d
			}
		}
		warnTimer := time.AfterFunc(timeout, func() {
			slog.Warn("file watcher still starting up", slog.Duration("elapsed", timeout))
		})
		defer warnTimer.Stop()

		w, err := watcher.NewHybridWatcher(watcher.DefaultOptions())
		if err != nil {
			slog.Warn("file watcher unavailable, index will not auto-update", slog.String("error", err.Error()))
			return
		}

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case events, ok := <-w.Events():
					if !ok {
						return
					}
					if handleErr := coordinator.HandleEvents(ctx, events); handleErr != nil {
						slog.Warn("incremental index update failed", slog.String("error", handleErr.Error()))
					}
				case watchErr, ok := <-w.Errors():
					if !ok {
						return
					}
					slog.Warn("file watcher error", slog.String("error", watchErr.Error()))
				}
			}
		}()

		if startErr := w.Start(ctx, root); startErr != nil && ctx.Err() == nil {
			slog.Warn("file watcher stopped", slog.String("error", startErr.Error()))
		}
	}()
}
