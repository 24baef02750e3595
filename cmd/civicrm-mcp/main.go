package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/civicrm-mcp/internal/admin"
	"github.com/xiy/civicrm-mcp/internal/apiv4"
	"github.com/xiy/civicrm-mcp/internal/bootstrap"
	"github.com/xiy/civicrm-mcp/internal/civicrm"
	"github.com/xiy/civicrm-mcp/internal/config"
	"github.com/xiy/civicrm-mcp/internal/mcp"
	"github.com/xiy/civicrm-mcp/internal/schema"
	"github.com/xiy/civicrm-mcp/internal/store"
	"github.com/xiy/civicrm-mcp/internal/telemetry"
	"github.com/xiy/civicrm-mcp/internal/ttl"
)

const (
	version           = "v0.1.0"
	defaultConfigPath = "config/civicrm-mcp.yaml"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	sub := os.Args[1]
	switch sub {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "check":
		if err := runCheck(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "bootstrap-clis":
		if err := runBootstrap(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "admin":
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "version", "--version", "-v":
		fmt.Println("civicrm-mcp " + version)
	default:
		usage()
		os.Exit(2)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	// Missing credentials stop startup here rather than on the first tool call.
	opts, err := cfg.ClientOptions()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var traceOut io.Writer
	if cfg.TraceExporter == "stderr" {
		traceOut = os.Stderr
	}
	shutdown, err := telemetry.Init(ctx, telemetry.Config{ServiceName: cfg.ServerName, ServiceVersion: version, Writer: traceOut})
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = shutdown(sctx)
	}()

	st, err := store.OpenSQLite(ctx, cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	opts.Logger = logger
	opts.Observer = st
	svc := civicrm.NewService(civicrm.NewClientFactory(opts), schema.New(cfg.SchemaCacheTTL()), cfg, logger)

	retention := cfg.RequestLogRetention()
	go ttl.Start(ctx, logger, cfg.SweepInterval(),
		ttl.Job{Name: "schema-cache", Sweeper: ttl.SweepFunc(svc.ExpireSchema)},
		ttl.Job{Name: "diagnostics", Sweeper: ttl.SweepFunc(func(ctx context.Context) (int64, error) {
			return st.Prune(ctx, time.Now().UTC().Add(-retention))
		})},
	)

	server := mcp.NewServer(svc, logger, st)
	logger.Info("starting MCP stdio server",
		"endpoint", opts.BaseURL,
		"timeout", cfg.Timeout(),
		"schema_ttl", cfg.SchemaCacheTTL(),
		"db", cfg.DBPath,
	)
	err = server.Serve(ctx, os.Stdin, os.Stdout)
	snap := server.Snapshot()
	logger.Info("MCP stdio server stopped", "requests", snap["requests"], "errors", snap["errors"])
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := log.New(os.Stderr)
	setLogLevel(logger, cfg.LogLevel)

	opts, err := cfg.ClientOptions()
	if err != nil {
		return err
	}
	opts.Logger = logger
	client, err := apiv4.New(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	started := time.Now()
	resp, err := client.Call(ctx, "Entity", "get", map[string]any{"select": []string{"name"}, "limit": 1})
	if err != nil {
		return err
	}
	fmt.Printf("ok: %s answered in %s (%d entity rows)\n", client.URL("Entity", "get"), time.Since(started).Round(time.Millisecond), len(apiv4.Values(resp)))
	return nil
}

func runBootstrap(args []string) error {
	fs := flag.NewFlagSet("bootstrap-clis", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	scope := fs.String("scope", "user", "Config scope: user or project")
	serverName := fs.String("server-name", "civicrm", "MCP server registration name")
	serveCmd := fs.String("serve-command", "civicrm-mcp serve", "Command used by MCP clients to launch the stdio server")
	forwardEnv := fs.Bool("forward-env", false, "Pass CIVI_URL, CIVI_USER_KEY and CIVI_SITE_KEY from this shell to the registered server")
	all := fs.Bool("all", false, "Configure all available CLIs")
	codex := fs.Bool("codex", false, "Configure Codex CLI")
	claude := fs.Bool("claude", false, "Configure Claude CLI")
	gemini := fs.Bool("gemini", false, "Configure Gemini CLI")
	dryRun := fs.Bool("dry-run", false, "Print intended commands without executing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var env map[string]string
	if *forwardEnv {
		env = bootstrap.EnvFromProcess(os.LookupEnv)
	}

	logger := log.New(os.Stderr)
	return bootstrap.Bootstrap(logger, bootstrap.Options{
		ConfigPath: config.ExpandPath(*configPath),
		Scope:      *scope,
		ServerName: *serverName,
		ServeCmd:   *serveCmd,
		Env:        env,
		All:        *all,
		Codex:      *codex,
		Claude:     *claude,
		Gemini:     *gemini,
		DryRun:     *dryRun,
	}, nil)
}

func runAdmin(args []string) error {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := log.New(os.Stderr)
	st, err := store.OpenSQLite(context.Background(), cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return admin.Run(ctx, st, cfg.BaseURL)
}

// newLogger writes to stderr and, when configured, appends to the log file.
// Stdout is reserved for the MCP protocol.
func newLogger(cfg config.Config) (*log.Logger, func(), error) {
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { _ = f.Close() }
	}
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          cfg.ServerName,
	})
	setLogLevel(logger, cfg.LogLevel)
	return logger, closeFn, nil
}

func setLogLevel(logger *log.Logger, level string) {
	switch level {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn", "warning":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}

func usage() {
	fmt.Print(`civicrm-mcp

Usage:
  civicrm-mcp serve [--config path]
  civicrm-mcp check [--config path]
  civicrm-mcp bootstrap-clis [--config path] [--all|--codex --claude --gemini] [--scope user|project] [--forward-env]
  civicrm-mcp admin [--config path]
  civicrm-mcp version
`)
}
