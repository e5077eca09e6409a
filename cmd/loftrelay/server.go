package main

import (
	"context"
	"errors"
	"fmt"
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
	"golang.org/x/sync/errgroup"

	"github.com/loftwing/loftrelay/internal/api"
	"github.com/loftwing/loftrelay/internal/config"
	"github.com/loftwing/loftrelay/internal/proxy"
	"github.com/loftwing/loftrelay/internal/retention"
	"github.com/loftwing/loftrelay/internal/storage"
)

const (
	shutdownTimeout = 5 * time.Second
	pruneInterval   = time.Hour
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the chat tool and exchange log over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "loftrelay.pid")
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

func logLevel(name string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// buildDeps wires the relay's API dependencies from cfg.
func buildDeps(cfg config.Config, store *storage.Store) api.Deps {
	return api.Deps{
		Upstream:      proxy.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.Timeout),
		CredentialEnv: cfg.Upstream.CredentialEnv,
		Lookup:        os.LookupEnv,
		DefaultModel:  cfg.Upstream.DefaultModel,
		ServiceName:   cfg.Server.ServiceName,
		IdleTimeout:   cfg.Upstream.StreamIdleTimeout,
		MaxBodyBytes:  int64(cfg.Server.MaxBodyBytes),
		Exchanges:     store,
		Logger:        slog.Default(),
	}
}

// warnMissingCredential logs once at startup. The relay still starts; each
// chat request resolves the key again and fails with a configuration error.
func warnMissingCredential(cfg config.Config) {
	if _, err := proxy.ResolveCredential(cfg.Upstream.CredentialEnv, os.LookupEnv); err != nil {
		slog.Warn("no upstream API key found; chat requests will fail until one is set",
			"sources", strings.Join(cfg.Upstream.CredentialEnv, ","))
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))
	slog.Info("starting loftrelay", "version", version, "upstream", cfg.Upstream.BaseURL)
	warnMissingCredential(cfg)

	// Refuse to start twice on the same address.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + cfg.Addr() + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on %s", cfg.Addr())
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}

	srv := &http.Server{
		Handler:           api.NewHandler(buildDeps(cfg, store)),
		ReadHeaderTimeout: 10 * time.Second,
		// In-flight streams observe the signal through their request context.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("listening", "addr", ln.Addr().String(), "max_connections", cfg.Server.MaxConnections)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		retention.NewPruner(store, cfg.Storage.Retention, pruneInterval).Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// stdout carries the MCP protocol; logs go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))
	warnMissingCredential(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	mcpSrv := api.NewMCPServer(buildDeps(cfg, store), version)
	slog.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("loftrelay is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("stopping loftrelay (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to loftrelay (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + cfg.Addr() + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on %s", cfg.Addr())
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Upstream", "%s", cfg.Upstream.BaseURL)
	printStatus("Default model", "%s", cfg.Upstream.DefaultModel)
	printStatus("API key", "%s", credentialSource(cfg.Upstream.CredentialEnv, os.LookupEnv))
	printStatus("Idle timeout", "%s", cfg.Upstream.StreamIdleTimeout)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// credentialSource names the first environment variable holding a key,
// without revealing its value.
func credentialSource(sources []string, lookup proxy.LookupFunc) string {
	for _, name := range sources {
		if _, err := proxy.ResolveCredential([]string{name}, lookup); err == nil {
			return "set via " + name
		}
	}
	return colorize(colorYellow, "missing (set one of "+strings.Join(sources, ", ")+")")
}
