package metrics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
		return
	}
	if m.Registry == nil {
		t.Fatal("Registry is nil")
		return
	}

	// Trigger all metrics so they appear in Gather output.
	m.ConnectionError(ReasonAuthFailed)
	m.MessageRouted("broadcast")
	m.Delivered("standard", 10)
	m.MessageDropped("legacy_binary")
	m.SessionCreated("chess")
	m.ParticipantRemoved(RemovedLeave)
	m.ObserveCall("status", 0.1, CallOK)
	m.SetRegisteredServers(2)
	m.SetAnnouncerRegistered(true)
	m.IncrRegisterRetries()
	tracker := m.ConnectionOpened("standard")
	tracker.Done(nil)

	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	wantNames := []string{
		"gamerelay_connections_total",
		"gamerelay_connection_errors_total",
		"gamerelay_active_connections",
		"gamerelay_connection_duration_seconds",
		"gamerelay_messages_total",
		"gamerelay_delivered_bytes_total",
		"gamerelay_messages_dropped_total",
		"gamerelay_sessions_total",
		"gamerelay_active_sessions",
		"gamerelay_participants_removed_total",
		"gamerelay_federation_calls_total",
		"gamerelay_federation_call_duration_seconds",
		"gamerelay_registered_servers",
		"gamerelay_announcer_registered",
		"gamerelay_register_retries_total",
	}
	got := make(map[string]bool)
	for _, f := range fams {
		got[f.GetName()] = true
	}

	for _, name := range wantNames {
		if !got[name] {
			t.Errorf("expected metric %q not found in registry", name)
		}
	}
}

func TestConnectionTracker(t *testing.T) {
	m := New()
	tracker := m.ConnectionOpened("legacy")

	if g := getGauge(t, m.activeConnections, "legacy"); g != 1 {
		t.Errorf("active_connections = %v, want 1", g)
	}

	tracker.Done(nil)

	if g := getGauge(t, m.activeConnections, "legacy"); g != 0 {
		t.Errorf("active_connections = %v, want 0", g)
	}
	if c := getCounter(t, m.connectionsTotal, "legacy", "success"); c != 1 {
		t.Errorf("connections_total = %v, want 1", c)
	}
}

func TestConnectionTrackerError(t *testing.T) {
	m := New()
	tracker := m.ConnectionOpened("standard")
	tracker.Done(io.EOF)

	if c := getCounter(t, m.connectionsTotal, "standard", "error"); c != 1 {
		t.Errorf("connections_total(error) = %v, want 1", c)
	}
}

func TestSessionGauges(t *testing.T) {
	m := New()
	m.SessionCreated("chess")
	m.SessionCreated("chess")
	m.SessionDeleted("chess")

	if g := getGauge(t, m.activeSessions, "chess"); g != 1 {
		t.Errorf("active_sessions = %v, want 1", g)
	}
	if c := getCounter(t, m.sessionsTotal, "chess"); c != 2 {
		t.Errorf("sessions_total = %v, want 2", c)
	}
}

func TestConnectionError(t *testing.T) {
	m := New()
	m.ConnectionError(ReasonProtocolViolation)
	m.ConnectionError(ReasonProtocolViolation)
	m.ConnectionError(ReasonNotFound)

	if c := getCounter(t, m.connectionErrors, ReasonProtocolViolation); c != 2 {
		t.Errorf("connection_errors(protocol_violation) = %v, want 2", c)
	}
	if c := getCounter(t, m.connectionErrors, ReasonNotFound); c != 1 {
		t.Errorf("connection_errors(not_found) = %v, want 1", c)
	}
}

func TestCallOutcome(t *testing.T) {
	if r := CallOutcome(nil, CallFailed); r != CallOK {
		t.Errorf("CallOutcome(nil) = %q, want ok", r)
	}
	if r := CallOutcome(fmt.Errorf("connection refused"), CallFailed); r != CallFailed {
		t.Errorf("CallOutcome(non-timeout) = %q, want failed", r)
	}

	timeoutErr := &net.OpError{Op: "dial", Err: &timeoutError{}}
	if r := CallOutcome(timeoutErr, CallFailed); r != CallTimeout {
		t.Errorf("CallOutcome(timeout) = %q, want %q", r, CallTimeout)
	}

	wrapped := fmt.Errorf("status call: %w", timeoutErr)
	if r := CallOutcome(wrapped, CallFailed); r != CallTimeout {
		t.Errorf("CallOutcome(wrapped timeout) = %q, want %q", r, CallTimeout)
	}

	if r := CallOutcome(fmt.Errorf("call: %w", context.DeadlineExceeded), CallFailed); r != CallTimeout {
		t.Errorf("CallOutcome(wrapped DeadlineExceeded) = %q, want %q", r, CallTimeout)
	}
}

// timeoutError implements net.Error with Timeout() == true.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

func TestObserveCall(t *testing.T) {
	m := New()
	m.ObserveCall("heartbeat", 0.05, CallOK)
	m.ObserveCall("heartbeat", 8, CallTimeout)

	if c := getCounter(t, m.federationCalls, "heartbeat", CallTimeout); c != 1 {
		t.Errorf("federation_calls(timeout) = %v, want 1", c)
	}

	fams, _ := m.Registry.Gather()
	for _, f := range fams {
		if f.GetName() == "gamerelay_federation_call_duration_seconds" {
			met := f.GetMetric()
			if len(met) == 0 {
				t.Fatal("federation_call_duration_seconds has no metrics")
			}
			if met[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("sample_count = %v, want 2", met[0].GetHistogram().GetSampleCount())
			}
			return
		}
	}
	t.Error("federation_call_duration_seconds metric not found")
}

func TestSetAnnouncerRegistered(t *testing.T) {
	m := New()

	m.SetAnnouncerRegistered(true)
	if v := getScalarGauge(t, m.announcerRegistered); v != 1 {
		t.Errorf("announcer_registered = %v, want 1", v)
	}

	m.SetAnnouncerRegistered(false)
	if v := getScalarGauge(t, m.announcerRegistered); v != 0 {
		t.Errorf("announcer_registered = %v, want 0", v)
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	go func() {
		_ = m.Serve(ctx, ln, logger)
	}()

	var resp *http.Response
	for range 20 {
		time.Sleep(50 * time.Millisecond)
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
	}
	if resp == nil {
		t.Fatal("metrics server did not start")
		return ""
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.ConnectionError(ReasonHandshakeFailed)

	text := scrape(t, m)
	for _, want := range []string{
		"gamerelay_connection_errors_total",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics response missing %q", want)
		}
	}
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(New().Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Errorf("healthz = %d %q", resp.StatusCode, body)
	}

	resp2, err := http.Post(srv.URL+"/metrics", "text/plain", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /metrics = %d, want 405", resp2.StatusCode)
	}
}

func TestMetricsIntegration_SessionFlow(t *testing.T) {
	m := New()

	m.SessionCreated("pong")
	tracker := m.ConnectionOpened("standard")
	m.MessageRouted("direct")
	m.Delivered("standard", 42)
	tracker.Done(nil)
	m.ParticipantRemoved(RemovedDisconnect)
	m.SessionDeleted("pong")
	m.ObserveCall("register", 0.01, CallFailed)

	text := scrape(t, m)
	expectations := []string{
		`gamerelay_sessions_total{game="pong"} 1`,
		`gamerelay_active_sessions{game="pong"} 0`,
		`gamerelay_connections_total{family="standard",status="success"} 1`,
		`gamerelay_active_connections{family="standard"} 0`,
		`gamerelay_messages_total{kind="direct"} 1`,
		`gamerelay_delivered_bytes_total{family="standard"} 42`,
		`gamerelay_participants_removed_total{reason="disconnect"} 1`,
		`gamerelay_federation_calls_total{op="register",outcome="failed"} 1`,
		`gamerelay_federation_call_duration_seconds_count{op="register"} 1`,
	}
	for _, want := range expectations {
		if !strings.Contains(text, want) {
			t.Errorf("metrics response missing %q", want)
		}
	}
}

func TestSanitizeGame_UnderCap(t *testing.T) {
	m := New()
	m.MaxGames = 3

	if got := m.SanitizeGame("chess"); got != "chess" {
		t.Errorf("SanitizeGame = %q, want chess", got)
	}
	if got := m.SanitizeGame("go"); got != "go" {
		t.Errorf("SanitizeGame = %q, want go", got)
	}
	if got := m.SanitizeGame("chess"); got != "chess" {
		t.Errorf("SanitizeGame(repeat) = %q, want chess", got)
	}
}

func TestSanitizeGame_AtCap(t *testing.T) {
	m := New()
	m.MaxGames = 2

	m.SanitizeGame("a")
	m.SanitizeGame("b")

	if got := m.SanitizeGame("c"); got != OverflowGame {
		t.Errorf("SanitizeGame = %q, want %q", got, OverflowGame)
	}
	if got := m.SanitizeGame("a"); got != "a" {
		t.Errorf("SanitizeGame(known) = %q, want a", got)
	}
}

func TestSanitizeGame_Unlimited(t *testing.T) {
	m := New()
	m.MaxGames = 0

	for i := range 1000 {
		game := "game" + strings.Repeat("x", i)
		if got := m.SanitizeGame(game); got != game {
			t.Fatalf("SanitizeGame with MaxGames=0 should pass through, got %q", got)
		}
	}
}

func TestSanitizeGame_Concurrent(t *testing.T) {
	m := New()
	m.MaxGames = 10

	var wg sync.WaitGroup
	results := make([]string, 100)
	for i := range 100 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = m.SanitizeGame(string(rune('A' + idx%26)))
		}(i)
	}
	wg.Wait()

	unique := make(map[string]bool)
	for _, r := range results {
		if r != OverflowGame {
			unique[r] = true
		}
	}
	if len(unique) > m.MaxGames {
		t.Errorf("got %d unique games, cap is %d", len(unique), m.MaxGames)
	}
}

// helpers

func getCounter(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getGauge(t *testing.T, gv *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := gv.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func getScalarGauge(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestNilMetrics(t *testing.T) {
	// Calling methods on a nil *Metrics must not panic.
	var m *Metrics

	if got := m.SanitizeGame("chess"); got != "chess" {
		t.Errorf("SanitizeGame on nil = %q, want chess", got)
	}
	if tracker := m.ConnectionOpened("standard"); tracker != nil {
		t.Error("ConnectionOpened on nil should return nil tracker")
	}

	m.ConnectionError(ReasonAuthFailed)
	m.MessageRouted("broadcast")
	m.Delivered("legacy", 1)
	m.MessageDropped("legacy_binary")
	m.SessionCreated("x")
	m.SessionDeleted("x")
	m.ParticipantRemoved(RemovedLeave)
	m.ObserveCall("status", 0.1, CallOK)
	m.SetRegisteredServers(1)
	m.SetAnnouncerRegistered(true)
	m.IncrRegisterRetries()

	var nilTracker *ConnectionTracker
	nilTracker.Done(nil)
}
