package protocol

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCaller(timeout time.Duration) *Caller {
	return NewCaller(CallerOptions{Timeout: timeout, Logger: discardLogger()})
}

func TestWriteEnvelopes(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteOK(rec, SessionInfo{Relay: "r:1", SessionID: "s", ParticipantID: "1", ParticipantCount: 1})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{`"ok":true`, `"session_id":"s"`, `"participant_count":1`} {
		if !strings.Contains(body, want) {
			t.Errorf("body %s missing %s", body, want)
		}
	}

	rec = httptest.NewRecorder()
	WriteError(rec, http.StatusConflict, "session is full")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
	body = rec.Body.String()
	if !strings.Contains(body, `"ok":false`) || !strings.Contains(body, `"msg":"session is full"`) {
		t.Errorf("error body = %s", body)
	}
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:5555"
	if got := RemoteIP(r); got != "192.0.2.7" {
		t.Errorf("RemoteIP = %q", got)
	}
	r.RemoteAddr = "[2001:db8::1]:80"
	if got := RemoteIP(r); got != "2001:db8::1" {
		t.Errorf("RemoteIP = %q", got)
	}
}

func TestJoinURL(t *testing.T) {
	if got := JoinURL("relay.example:8080", PathRelayStatus); got != "http://relay.example:8080"+PathRelayStatus {
		t.Errorf("JoinURL = %q", got)
	}
	if got := JoinURL("https://mm.example/", PathRegister); got != "https://mm.example"+PathRegister {
		t.Errorf("JoinURL = %q", got)
	}
}

func TestPostDecodesData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		WriteOK(w, RelayStatus{SessionID: r.PostForm.Get(FieldSessionID), Exists: true, ParticipantCount: 3})
	}))
	defer srv.Close()

	c := newCaller(time.Second)
	got, err := Post[RelayStatus](context.Background(), c, "status", srv.URL+PathRelayStatus, url.Values{FieldSessionID: {"abc"}})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if got.SessionID != "abc" || !got.Exists || got.ParticipantCount != 3 {
		t.Errorf("status = %+v", got)
	}
}

func TestGetEncodesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteOK(w, []SessionSummary{{SessionID: "s1", GameID: r.URL.Query().Get(FieldGameID)}})
	}))
	defer srv.Close()

	got, err := Get[[]SessionSummary](context.Background(), newCaller(time.Second), "list", srv.URL+PathList, url.Values{FieldGameID: {"chess"}})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || got[0].GameID != "chess" {
		t.Errorf("list = %+v", got)
	}
}

func TestErrorStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		WriteError(w, http.StatusServiceUnavailable, "try later")
	}))
	defer srv.Close()

	_, err := Post[Empty](context.Background(), newCaller(time.Second), "merge", srv.URL, nil)
	if !HasStatus(err, http.StatusServiceUnavailable) {
		t.Fatalf("err = %v, want 503 StatusError", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Msg != "try later" {
		t.Errorf("status error = %+v", se)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server saw %d calls, want exactly 1", n)
	}
}

func TestNotOKWithSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"msg":"nope"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := Post[Empty](context.Background(), newCaller(time.Second), "register", srv.URL, nil)
	if !HasStatus(err, http.StatusOK) {
		t.Errorf("err = %v, want StatusError", err)
	}
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := Post[Empty](context.Background(), newCaller(100*time.Millisecond), "status", srv.URL, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("call took %v", elapsed)
	}
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := Post[Empty](context.Background(), newCaller(time.Second), "status", addr, nil)
	if err == nil {
		t.Fatal("expected error for closed server")
	}
	var se *StatusError
	if errors.As(err, &se) {
		t.Errorf("network failure reported as status error: %v", err)
	}
}
