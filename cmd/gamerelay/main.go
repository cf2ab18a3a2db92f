package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/log"
	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kong"
	"github.com/willabides/kongplete"

	"github.com/philsphicas/gamerelay/internal/metrics"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

// Globals are flags shared by every command.
type Globals struct {
	LogLevel        string `help:"Log level (debug, info, warn, error)." default:"info" env:"GAMERELAY_LOG_LEVEL"`
	MetricsAddr     string `help:"Address for the Prometheus metrics server (e.g. :9090); disabled if empty." env:"GAMERELAY_METRICS_ADDR"`
	MetricsMaxGames int    `help:"Max unique game labels in metrics (0 = unlimited)." default:"500"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve              ServeCmd                     `cmd:"" help:"Run the matchmaking API together with a local relay."`
	Relay              RelayCmd                     `cmd:"" help:"Run a relay that registers with a matchmaker."`
	Connect            ConnectCmd                   `cmd:"" help:"Join a session and bridge stdin/stdout with it."`
	Version            VersionCmd                   `cmd:"" help:"Print the version."`
	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions."`
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("gamerelay"),
		kong.Description("WebSocket session relay with matchmaking and relay federation."),
		kong.UsageOnError(),
	)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	kongplete.Complete(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// logger builds the process logger and routes the HTTP pipeline's own
// logging into it at debug level.
func (g *Globals) logger() *slog.Logger {
	logger := newLogger(g.LogLevel)
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		forwardPipelineLogs(logger)
	}
	return logger
}

func forwardPipelineLogs(logger *slog.Logger) {
	log.SetEvents(log.EventRequest, log.EventResponse, log.EventResponseError)
	log.SetListener(func(ev log.Event, msg string) {
		logger.Debug(msg, "event", string(ev))
	})
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr is set. Returns nil if metrics are disabled. The provided
// context controls the server's lifetime.
func resolveMetrics(ctx context.Context, g *Globals, logger *slog.Logger) (*metrics.Metrics, error) {
	if g.MetricsMaxGames < 0 {
		return nil, fmt.Errorf("--metrics-max-games must be >= 0, got %d", g.MetricsMaxGames)
	}
	if g.MetricsAddr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", g.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", g.MetricsAddr, err)
	}
	m := metrics.New()
	m.MaxGames = g.MetricsMaxGames
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}
