package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kalambet/rsagent/internal/api"
	"github.com/kalambet/rsagent/internal/config"
	"github.com/kalambet/rsagent/internal/confirm"
	"github.com/kalambet/rsagent/internal/imagegen"
	"github.com/kalambet/rsagent/internal/intent"
	"github.com/kalambet/rsagent/internal/kb"
	"github.com/kalambet/rsagent/internal/kbquery"
	"github.com/kalambet/rsagent/internal/llm"
	"github.com/kalambet/rsagent/internal/orchestrator"
	"github.com/kalambet/rsagent/internal/pipeline"
	"github.com/kalambet/rsagent/internal/session"
	"github.com/kalambet/rsagent/internal/storage"
	"github.com/kalambet/rsagent/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the rsagent server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running rsagent server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show rsagent system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the agent over MCP on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(cfg config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Storage.DBPath), "rsagent.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// setupLogging installs the default slog logger. With log.file set, records
// also go to a size-rotated file. The returned func closes the file.
func setupLogging(cfg config.LogConfig, console io.Writer) func() {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := console
	closeFn := func() {}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out = io.MultiWriter(console, rotator)
		closeFn = func() { rotator.Close() }
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
	return closeFn
}

// app is the wired service graph shared by the HTTP and MCP front ends.
type app struct {
	store    *storage.Store
	sessions session.Store
	llm      *llm.Client
	enhancer *kbquery.Enhancer
	agent    *pipeline.Coordinator
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closing component", "error", err)
		}
	}
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{}

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(sctx)
	})

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	store.SetHistoryLimit(cfg.Storage.HistoryLimit)
	a.store = store
	a.closers = append(a.closers, store.Close)

	switch strings.ToLower(cfg.Session.Backend) {
	case "redis":
		rs := session.NewRedisStore(session.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Session.TTL,
		})
		a.sessions = rs
		a.closers = append(a.closers, rs.Close)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rs.Ping(pctx)
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
	case "", "memory":
		a.sessions = session.NewMemoryStore()
	default:
		a.Close()
		return nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
	}

	if err := api.EnsureImagesDir(cfg.KB.ImagesDir); err != nil {
		a.Close()
		return nil, err
	}

	a.llm = llm.NewClient(llm.Config{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
		MinWait:    cfg.LLM.RetryMinWait,
		MaxWait:    cfg.LLM.RetryMaxWait,
	})
	configured := a.llm.Configured()
	if !configured {
		slog.Warn("LLM api key not set, using rule-based fallbacks")
	}

	retriever := kb.NewAdapter(cfg.KB.Python, cfg.KB.KBScriptPath(), cfg.KB.ImagesDir)
	a.enhancer = kbquery.New(retriever, a.llm, kbquery.Config{
		LLMEnabled:     cfg.KB.QueryLLMEnabled && configured,
		MaxSubQueries:  cfg.KB.MaxSubQueries,
		MaxMergedChars: cfg.KB.MaxMergedChars,
		Concurrency:    cfg.KB.RetrievalConcurrency,
	})

	var (
		classifier *intent.LLMClassifier
		confirmLLM confirm.Chatter
		opts       = orchestrator.Options{ImagesDir: cfg.KB.ImagesDir}
	)
	if configured {
		classifier = intent.NewLLMClassifier(a.llm)
		confirmLLM = a.llm
		opts.Collector = orchestrator.NewLLMCollector(a.llm)
		opts.Builder = orchestrator.NewLLMSectionBuilder(a.llm)
	}
	gen := imagegen.New(imagegen.Config{
		Enabled:   cfg.ImageGen.Enabled,
		APIKey:    cfg.LLM.APIKey,
		URL:       cfg.ImageGen.URL,
		Model:     cfg.ImageGen.Model,
		ImagesDir: cfg.KB.ImagesDir,
	})
	if gen.Enabled() {
		opts.Flow = gen
	}

	a.agent = pipeline.New(
		intent.NewRouter(classifier),
		a.enhancer,
		orchestrator.New(a.sessions, retriever, opts),
		confirm.New(confirmLLM),
		store,
		pipeline.Hints{
			LLMConfigured:   configured,
			LLMModel:        a.llm.Model(),
			LLMBaseURL:      a.llm.BaseURL(),
			ImageGenEnabled: gen.Enabled(),
			ImageGenURL:     cfg.ImageGen.URL,
			ImageGenModel:   cfg.ImageGen.Model,
			KBQueryLLM:      cfg.KB.QueryLLMEnabled && configured,
			KBMaxSubQueries: cfg.KB.MaxSubQueries,
		},
	)
	return a, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "rsagent version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	closeLog := setupLogging(cfg.Log, os.Stderr)
	defer closeLog()

	// Refuse to start twice. A live /health means another instance owns the port.
	pidPath := pidFilePath(cfg)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("rsagent is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("rsagent is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	uploads, err := api.NewUploadStore(cfg.Storage.UploadDir, cfg.Storage.UploadTTL)
	if err != nil {
		return err
	}

	sweeper := session.NewSweeper(a.sessions, cfg.Session.TTL, cfg.Session.SweepInterval)
	go sweeper.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Agent:         a.agent,
		Conversations: a.store,
		Uploads:       uploads,
		ImagesDir:     cfg.KB.ImagesDir,
		APIKey:        cfg.Server.APIKey,
		CORSOrigins:   api.SplitOrigins(cfg.Server.CORSOrigins),
		Health: api.Health{
			LLMConfigured: a.llm.Configured(),
			LLMModel:      a.llm.Model(),
			LLMBaseURL:    a.llm.BaseURL(),
		},
		Version: version,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("rsagent listening", "addr", addr, "llm_configured", a.llm.Configured(), "session_backend", cfg.Session.Backend)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runMCP serves the agent over stdio. Stdout carries the protocol, so logs
// go to stderr only.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	closeLog := setupLogging(cfg.Log, os.Stderr)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go session.NewSweeper(a.sessions, cfg.Session.TTL, cfg.Session.SweepInterval).Run(ctx)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Agent:         a.agent,
		KB:            a.enhancer,
		Conversations: a.store,
		Version:       version,
	})
	slog.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("rsagent is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop rsagent (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to rsagent (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	base := serverURL(cfg)
	client := &http.Client{Timeout: 2 * time.Second}

	var health struct {
		LLMConfigured bool   `json:"llm_configured"`
		LLMModel      string `json:"llm_model"`
		LLMBaseURL    string `json:"llm_base_url"`
	}
	running := false
	resp, err := client.Get(base + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		if resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&health) == nil {
			running = true
			printStatus("Server", "running on %s", base)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
		resp.Body.Close()
	}

	if running {
		printStatus("LLM", "%s", llmLabel(health.LLMConfigured, health.LLMModel, health.LLMBaseURL))
		convResp, err := apiGet(client, base+"/api/conversations?limit=100", cfg.Server.APIKey)
		if err == nil {
			var convs []json.RawMessage
			if convResp.StatusCode == http.StatusOK && json.NewDecoder(convResp.Body).Decode(&convs) == nil {
				printStatus("Conversations", "%s", countLabel(len(convs), 100))
			}
			convResp.Body.Close()
		}
	} else {
		printStatus("LLM", "%s", llmLabel(cfg.LLMConfigured(), cfg.LLM.Model, cfg.LLM.BaseURL))
	}

	printStatus("Sessions", "%s", cfg.Session.Backend)
	printStatus("KB script", "%s", cfg.KB.KBScriptPath())
	printStatus("Database", "%s", cfg.Storage.DBPath)
	return nil
}

func llmLabel(configured bool, model, baseURL string) string {
	if !configured {
		return "not configured (rule-based fallbacks)"
	}
	return fmt.Sprintf("%s via %s", model, baseURL)
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return client.Do(req)
}
