//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/philsphicas/gamerelay/internal/protocol"
)

const (
	testSecret  = "e2e-secret"
	startupWait = 15 * time.Second
)

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// gamerelayBinary builds the gamerelay binary once and returns its path.
func gamerelayBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "gamerelay")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/gamerelay")
		cmd.Dir = root
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build gamerelay: %v", buildErr)
	}
	return builtBinary
}

// process is a running gamerelay subprocess. Stderr carries the logs;
// stdout is only interesting for connect.
type process struct {
	cmd    *exec.Cmd
	logs   *logBuffer
	stdout *logBuffer
	stdin  io.WriteCloser
	done   chan struct{}
	err    error
}

// logBuffer collects output lines and lets tests wait for one to appear.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string
	waiters []logWaiter
}

type logWaiter struct {
	substr string
	ch     chan string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	lb.partial = ""
	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			lb.partial = data
			break
		}
		line := data[:i]
		data = data[i+1:]
		lb.lines = append(lb.lines, line)
		remaining := lb.waiters[:0]
		for _, w := range lb.waiters {
			if strings.Contains(line, w.substr) {
				w.ch <- line
			} else {
				remaining = append(remaining, w)
			}
		}
		lb.waiters = remaining
	}
	return len(p), nil
}

func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(lb.lines, "\n")
}

// waitFor blocks until a line containing substr appears or timeout passes.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)

	lb.mu.Lock()
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			lb.mu.Unlock()
			return line, true
		}
	}
	lb.waiters = append(lb.waiters, logWaiter{substr: substr, ch: ch})
	lb.mu.Unlock()

	select {
	case line := <-ch:
		return line, true
	case <-time.After(timeout):
		lb.mu.Lock()
		defer lb.mu.Unlock()
		for i, w := range lb.waiters {
			if w.ch == ch {
				lb.waiters = append(lb.waiters[:i], lb.waiters[i+1:]...)
				return "", false
			}
		}
		// Matched while we were timing out.
		return <-ch, true
	}
}

// startGamerelay runs the binary with args. The process is killed on test
// cleanup and its logs are dumped if the test failed.
func startGamerelay(t *testing.T, env []string, args ...string) *process {
	t.Helper()
	cmd := exec.Command(gamerelayBinary(t), args...)
	cmd.Env = append(os.Environ(), env...)

	p := &process{cmd: cmd, logs: &logBuffer{}, stdout: &logBuffer{}, done: make(chan struct{})}
	cmd.Stderr = p.logs
	cmd.Stdout = p.stdout
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	p.stdin = stdin

	if err := cmd.Start(); err != nil {
		t.Fatalf("start gamerelay %v: %v", args, err)
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-p.done
		if t.Failed() {
			t.Logf("gamerelay %s logs:\n%s", args[0], p.logs)
		}
	})
	return p
}

// exited waits for the process to exit on its own.
func (p *process) exited(t *testing.T, timeout time.Duration) error {
	t.Helper()
	select {
	case <-p.done:
		return p.err
	case <-time.After(timeout):
		t.Fatalf("process %v did not exit", p.cmd.Args)
		return nil
	}
}

func waitForLog(t *testing.T, p *process, substr string) string {
	t.Helper()
	line, ok := p.logs.waitFor(substr, startupWait)
	if !ok {
		t.Fatalf("timed out waiting for log %q", substr)
	}
	return line
}

func waitForOutput(t *testing.T, p *process, substr string) string {
	t.Helper()
	line, ok := p.stdout.waitFor(substr, startupWait)
	if !ok {
		t.Fatalf("timed out waiting for output %q; got:\n%s", substr, p.stdout)
	}
	return line
}

var addrRe = regexp.MustCompile(`addr=([^\s]+)`)

// waitForListen waits for the HTTP server's startup line and returns the
// bound address.
func waitForListen(t *testing.T, p *process) string {
	t.Helper()
	line := waitForLog(t, p, "msg=listening")
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no addr= in log line: %s", line)
	}
	return m[1]
}

// startServe runs a matchmaker and returns its base URL.
func startServe(t *testing.T, env []string, extraArgs ...string) (*process, string) {
	t.Helper()
	args := append([]string{"serve", "--listen", "127.0.0.1:0"}, extraArgs...)
	p := startGamerelay(t, env, args...)
	return p, "http://" + waitForListen(t, p)
}

// startRelay runs a federated relay against matchmaker and waits for it
// to register.
func startRelay(t *testing.T, matchmaker string, extraArgs ...string) (*process, string) {
	t.Helper()
	args := append([]string{
		"--log-level", "debug",
		"relay",
		"--matchmaker", matchmaker,
		"--listen", "127.0.0.1:0",
		"--source-ip", "127.0.0.1",
		"--heartbeat-interval", "1s",
	}, extraArgs...)
	p := startGamerelay(t, []string{"GAMERELAY_SECRET=" + testSecret}, args...)
	addr := waitForListen(t, p)
	waitForLog(t, p, "registered with matchmaker")
	return p, addr
}

var joinedRe = regexp.MustCompile(`session (\S+) participant (\S+) \((\d+) connected\) via (\S+)`)

type seat struct {
	*process
	sessionID     string
	participantID string
	relay         string
}

// startConnect runs connect with args and waits until it is attached to
// the relay.
func startConnect(t *testing.T, matchmaker string, args ...string) *seat {
	t.Helper()
	args = append([]string{"--log-level", "debug", "connect", "--matchmaker", matchmaker}, args...)
	p := startGamerelay(t, nil, args...)
	m := joinedRe.FindStringSubmatch(waitForLog(t, p, "connected) via"))
	if m == nil {
		t.Fatal("unparseable join line")
	}
	waitForLog(t, p, "connected to relay")
	return &seat{process: p, sessionID: m[1], participantID: m[2], relay: m[4]}
}

// waitAttached waits until the relay process has bound s to its session.
// Messages routed before that are not delivered to s.
func waitAttached(t *testing.T, relay *process, s *seat) {
	t.Helper()
	waitForLog(t, relay, `msg="participant connected" session=`+s.sessionID+" participant="+s.participantID+" ")
}

func (s *seat) send(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
}

// readSession fetches the matchmaker's view of a session.
func readSession(ctx context.Context, matchmaker, sessionID string) (protocol.SessionSummary, error) {
	caller := protocol.NewCaller(protocol.CallerOptions{Timeout: 5 * time.Second})
	return protocol.Get[protocol.SessionSummary](ctx, caller, "read",
		protocol.JoinURL(matchmaker, protocol.PathRead),
		url.Values{protocol.FieldSessionID: {sessionID}})
}

// waitSessionGone polls until the matchmaker no longer knows sessionID.
func waitSessionGone(t *testing.T, matchmaker, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(startupWait)
	for time.Now().Before(deadline) {
		_, err := readSession(context.Background(), matchmaker, sessionID)
		if protocol.HasStatus(err, http.StatusNotFound) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("session %s still exists", sessionID)
}
