package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/qhub/pkg/config"
	"github.com/Mindburn-Labs/qhub/pkg/hub"
)

const version = "v0.1.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(nil, stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "search":
		return runSearchCmd(args[2:], stdout, stderr)
	case "checkpoint":
		return runCheckpointCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintln(stdout, "qhub "+version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1] != "" && args[1][0] == '-' {
			return startServer(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sQuantum Hub %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sOne queue, many solvers, every step on the ledger.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  qhub <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "HUB")
	printCommand(w, "serve", "Run the hub server (default)")
	printCommand(w, "doctor", "Check configuration, storage and providers (--json)")
	printCommand(w, "health", "Check server health (HTTP)")

	printSection(w, "LEDGER")
	printCommand(w, "verify", "Verify the hash chain (--from, --to, --json)")
	printCommand(w, "search", "Search entries (--client, --op, --job, --since, --until)")
	printCommand(w, "checkpoint", "Sign a checkpoint over new entries (hub stopped)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sENVIRONMENT:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  DATABASE_URL      Postgres DSN; unset runs lite mode on SQLite")
	fmt.Fprintln(w, "  QHUB_CONFIG       Hub file (providers, policy, ledger)")
	fmt.Fprintln(w, "  QHUB_DATA_DIR     Data directory (default data)")
	fmt.Fprintln(w, "  REDIS_ADDR        Shared spend tracking")
	fmt.Fprintln(w, "  OTEL_ENABLED      Export traces and metrics over OTLP")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// loadConfig reads the environment and the hub file. path overrides
// QHUB_CONFIG when set.
func loadConfig(path string, stderr io.Writer) (*config.Config, *config.HubFile, bool) {
	cfg := config.Load()
	if path != "" {
		cfg.HubFile = path
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	hf, err := config.LoadHubFile(cfg.HubFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, false
	}
	return cfg, hf, true
}

func runServer(args []string, _, stderr io.Writer) int {
	cmd := newFlagSet("serve", stderr)
	configPath := cmd.String("config", "", "Hub file (overrides QHUB_CONFIG)")
	port := cmd.String("port", "", "API port (overrides PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	cfg, hf, ok := loadConfig(*configPath, stderr)
	if !ok {
		return 2
	}
	if *port != "" {
		cfg.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default().With("component", "qhub")
	h, err := hub.New(ctx, cfg, hf)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 2
	}
	defer func() {
		if err := h.Close(); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()
	if err := h.Start(ctx); err != nil {
		logger.Error("startup failed", "error", err)
		return 2
	}

	mode := "postgres"
	if cfg.LiteMode() {
		mode = "lite"
	}
	logger.Info("ready", "mode", mode, "port", cfg.Port, "health_port", cfg.HealthPort, "providers", len(hf.Providers))
	if err := h.Serve(ctx); err != nil {
		logger.Error("server failed", "error", err)
		return 2
	}
	return 0
}

// healthURL is the endpoint runHealthCmd checks.
func healthURL() string {
	return "http://localhost:" + config.Load().HealthPort + "/health"
}

func runHealthCmd(out, errOut io.Writer) int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(healthURL())
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
