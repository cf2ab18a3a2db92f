package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		input   string
		wantLvl slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			logger := newLogger(tt.input)
			if !logger.Enabled(context.Background(), tt.wantLvl) {
				t.Errorf("newLogger(%q): expected level %v to be enabled", tt.input, tt.wantLvl)
			}
			if tt.wantLvl > slog.LevelDebug && logger.Enabled(context.Background(), slog.LevelDebug) {
				t.Errorf("newLogger(%q): Debug should be disabled for level %v", tt.input, tt.wantLvl)
			}
		})
	}
}

func parse(t *testing.T, args ...string) (*CLI, string) {
	t.Helper()
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		t.Fatalf("newParser: %v", err)
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return &cli, kctx.Command()
}

func TestParseServe(t *testing.T) {
	t.Setenv("GAMERELAY_SECRET", "from-env")
	cli, cmd := parse(t, "--log-level", "debug", "serve", "--listen", "127.0.0.1:0", "--no-legacy", "--subprotocol", "chat", "--tcp-keepalive", "10s")
	if cmd != "serve" {
		t.Errorf("command = %q", cmd)
	}
	if cli.LogLevel != "debug" || cli.MetricsMaxGames != 500 {
		t.Errorf("globals = %+v", cli.Globals)
	}
	s := cli.Serve
	if s.Secret != "from-env" || !s.NoLegacy || len(s.Subprotocol) != 1 || s.TCPKeepAlive != 10*time.Second || s.PingInterval != 30*time.Second {
		t.Errorf("serve flags = %+v", s)
	}
	rc := s.relayConfig(nil, nil, "", nil, nil)
	if rc.AllowLegacy || rc.Subprotocols[0] != "chat" {
		t.Errorf("relay config = %+v", rc)
	}
}

func TestParseRelay(t *testing.T) {
	t.Setenv("GAMERELAY_SECRET", "s")
	cli, cmd := parse(t, "relay", "--matchmaker", "http://mm:8080", "--host", "relay.example", "--source-ip", "10.0.0.9")
	if cmd != "relay" {
		t.Errorf("command = %q", cmd)
	}
	r := cli.Relay
	if r.Listen != ":9000" || r.Host != "relay.example" || r.SourceIP != "10.0.0.9" || r.HeartbeatInterval != 30*time.Second {
		t.Errorf("relay flags = %+v", r)
	}
}

func TestParseRelayRequiresSecret(t *testing.T) {
	t.Setenv("GAMERELAY_SECRET", "")
	os.Unsetenv("GAMERELAY_SECRET") //nolint:errcheck // restored by t.Setenv
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parser.Parse([]string{"relay", "--matchmaker", "http://mm"}); err == nil {
		t.Error("relay without a secret parsed")
	}
}

func TestConnectRequest(t *testing.T) {
	tests := []struct {
		name    string
		cmd     ConnectCmd
		wantErr bool
	}{
		{"session", ConnectCmd{Session: "s", Participant: "2"}, false},
		{"create", ConnectCmd{Game: "chess", Slots: 2}, false},
		{"join any", ConnectCmd{Game: "chess"}, false},
		{"nothing", ConnectCmd{}, true},
		{"negative slots", ConnectCmd{Game: "chess", Slots: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := tt.cmd.request()
			if (err != nil) != tt.wantErr {
				t.Fatalf("request() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && req.SessionID != tt.cmd.Session {
				t.Errorf("request = %+v", req)
			}
		})
	}
}

func TestDialTarget(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://mm.example:8080", "mm.example:8080"},
		{"mm.example", "mm.example:80"},
		{"https://mm.example/", "mm.example:443"},
		{"10.0.0.1:7000", "10.0.0.1:7000"},
	}
	for _, tt := range tests {
		got, err := dialTarget(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("dialTarget(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestAdvertisedAddr(t *testing.T) {
	got, err := advertisedAddr(&net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 8080})
	if err != nil || got != "10.1.2.3:8080" {
		t.Errorf("advertisedAddr(specific) = %q, %v", got, err)
	}
	hostname, _ := os.Hostname()
	got, err = advertisedAddr(&net.TCPAddr{IP: net.IPv4zero, Port: 8080})
	if err != nil || !strings.HasPrefix(got, hostname) {
		t.Errorf("advertisedAddr(unspecified) = %q, %v; want hostname %q", got, err, hostname)
	}
}

func TestResolveMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := newLogger("error")

	if m, err := resolveMetrics(ctx, &Globals{}, logger); m != nil || err != nil {
		t.Errorf("disabled metrics = %v, %v", m, err)
	}
	if _, err := resolveMetrics(ctx, &Globals{MetricsMaxGames: -1}, logger); err == nil {
		t.Error("negative --metrics-max-games accepted")
	}
	m, err := resolveMetrics(ctx, &Globals{MetricsAddr: "127.0.0.1:0", MetricsMaxGames: 7}, logger)
	if err != nil || m == nil || m.MaxGames != 7 {
		t.Errorf("enabled metrics = %v, %v", m, err)
	}
}
