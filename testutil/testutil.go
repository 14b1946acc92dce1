package testutil

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mrnimwx/speedprobe/client/candidates"
	"github.com/mrnimwx/speedprobe/paneldb"
	"github.com/mrnimwx/speedprobe/server/probeserver"
)

// ProbeEndpoint is an in-process probe server with switches to inject
// failures.
type ProbeEndpoint struct {
	*httptest.Server
	Candidate candidates.Candidate

	mu            sync.Mutex
	pingFailures  int
	pingResets    int
	resetDelay    time.Duration
	failAll       bool
	failDownloads bool
	failUploads   bool
	badIntegrity  bool
	badHashHeader bool
	blocked       chan struct{}
	requests      map[string]int
	server        *probeserver.Server
}

// NewProbeEndpoint starts a probe server for the test. The returned
// candidate points at it; probes must use the "http" scheme and a
// PingPort of 0.
func NewProbeEndpoint(t *testing.T, id int) *ProbeEndpoint {
	t.Helper()

	pe := &ProbeEndpoint{
		requests: map[string]int{},
		server:   probeserver.New(slog.New(slog.NewTextHandler(io.Discard, nil)), nil),
	}
	pe.Server = httptest.NewServer(http.HandlerFunc(pe.serve))
	t.Cleanup(func() {
		pe.Release()
		pe.Server.Close()
	})

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(pe.Server.URL, "http://"))
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	pe.Candidate = candidates.Candidate{ID: id, Domain: host, Port: port}

	return pe
}

// NewSilentEndpoint returns a candidate whose port accepts connections
// and never answers, reads included. Connections are held until the
// test ends.
func NewSilentEndpoint(t *testing.T, id int) candidates.Candidate {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	addr := ln.Addr().(*net.TCPAddr)
	return candidates.Candidate{ID: id, Domain: addr.IP.String(), Port: addr.Port}
}

// FailPings makes the next n /ping requests return 503.
func (pe *ProbeEndpoint) FailPings(n int) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.pingFailures = n
}

// ResetPings makes the next n /ping requests wait for delay and then
// reset the connection instead of answering.
func (pe *ProbeEndpoint) ResetPings(n int, delay time.Duration) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.pingResets = n
	pe.resetDelay = delay
}

// FailAll makes every request return 503.
func (pe *ProbeEndpoint) FailAll(v bool) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.failAll = v
}

func (pe *ProbeEndpoint) FailDownloads(v bool) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.failDownloads = v
}

func (pe *ProbeEndpoint) FailUploads(v bool) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.failUploads = v
}

// BadIntegrity makes data_integrity round trips report a mismatch.
func (pe *ProbeEndpoint) BadIntegrity(v bool) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.badIntegrity = v
}

// BadHashHeader sends a wrong X-Data-Hash on downloads.
func (pe *ProbeEndpoint) BadHashHeader(v bool) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.badHashHeader = v
}

// Block holds every request until Release is called or the request is
// cancelled.
func (pe *ProbeEndpoint) Block() {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if pe.blocked == nil {
		pe.blocked = make(chan struct{})
	}
}

func (pe *ProbeEndpoint) Release() {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if pe.blocked != nil {
		close(pe.blocked)
		pe.blocked = nil
	}
}

// Requests returns how many requests hit the given kind ("ping",
// "test", "upload", "data_integrity").
func (pe *ProbeEndpoint) Requests(kind string) int {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.requests[kind]
}

func (pe *ProbeEndpoint) serve(w http.ResponseWriter, r *http.Request) {
	kind := strings.TrimPrefix(r.URL.Path, "/")
	if r.Method == http.MethodPost {
		b, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(b))
		switch {
		case bytes.Contains(b, []byte(`"type":"data_integrity"`)):
			kind = "data_integrity"
		case bytes.Contains(b, []byte(`"type":"upload"`)):
			kind = "upload"
		default:
			kind = "post"
		}
	}

	pe.mu.Lock()
	pe.requests[kind]++
	blocked := pe.blocked
	fail := pe.failAll
	if kind == "ping" && pe.pingFailures > 0 {
		pe.pingFailures--
		fail = true
	}
	if kind == "test" && pe.failDownloads {
		fail = true
	}
	if kind == "upload" && pe.failUploads {
		fail = true
	}
	reset := false
	if kind == "ping" && pe.pingResets > 0 {
		pe.pingResets--
		reset = true
	}
	resetDelay := pe.resetDelay
	badIntegrity := pe.badIntegrity && kind == "data_integrity"
	badHash := pe.badHashHeader && kind == "test"
	pe.mu.Unlock()

	if reset {
		time.Sleep(resetDelay)
		ResetConn(w)
		return
	}

	if blocked != nil {
		select {
		case <-blocked:
		case <-r.Context().Done():
			return
		}
	}

	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	if badIntegrity {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data_integrity":false}`))
		return
	}

	if badHash {
		w = &hashRewriter{ResponseWriter: w}
	}

	pe.server.Handler().ServeHTTP(w, r)
}

// ResetConn drops the connection behind w with a TCP reset.
func ResetConn(w http.ResponseWriter) {
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	conn.Close()
}

// ResettingHandler resets the connection of the first n requests and
// passes the rest to Next.
type ResettingHandler struct {
	Next http.Handler

	mu       sync.Mutex
	resets   int
	requests int
}

func NewResettingHandler(n int, next http.Handler) *ResettingHandler {
	return &ResettingHandler{Next: next, resets: n}
}

// Requests counts every request that reached the handler, reset or not.
func (h *ResettingHandler) Requests() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests
}

func (h *ResettingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.requests++
	reset := h.resets > 0
	if reset {
		h.resets--
	}
	h.mu.Unlock()

	if reset {
		io.Copy(io.Discard, r.Body)
		ResetConn(w)
		return
	}
	h.Next.ServeHTTP(w, r)
}

type hashRewriter struct {
	http.ResponseWriter
}

func (h *hashRewriter) WriteHeader(code int) {
	if h.Header().Get("X-Data-Hash") != "" {
		h.Header().Set("X-Data-Hash", strings.Repeat("0", 64))
	}
	h.ResponseWriter.WriteHeader(code)
}

// TimeController allows controlling time in tests
type TimeController struct {
	mu      sync.Mutex
	frozen  bool
	current time.Time
	offset  time.Duration
}

// NewTimeController creates a new time controller
func NewTimeController() *TimeController {
	return &TimeController{
		frozen:  false,
		current: time.Now(),
		offset:  0,
	}
}

// Freeze freezes time at the current moment
func (tc *TimeController) Freeze() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.frozen = true
	tc.current = time.Now().Add(tc.offset)
}

// SetTime sets the current time
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.current = t
	tc.offset = -time.Until(t)
	tc.frozen = true
}

// Advance advances time by the given duration
func (tc *TimeController) Advance(d time.Duration) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.frozen {
		tc.current = tc.current.Add(d)
	} else {
		tc.offset += d
	}
}

// Now returns the current controlled time
func (tc *TimeController) Now() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.frozen {
		return tc.current
	}
	return time.Now().Add(tc.offset)
}

// TestDB is a connection to a throwaway panel database.
type TestDB struct {
	*sql.DB
	ctx context.Context
}

// NewTestDB connects to TEST_DATABASE_DSN and creates the panel tables,
// or skips the test when it isn't set.
func NewTestDB(t *testing.T) *TestDB {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set, skipping integration test")
	}

	ctx := context.Background()
	db, err := paneldb.OpenDB(ctx, paneldb.Config{DSN: dsn})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	for _, stmt := range paneldb.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("Failed to create schema: %v", err)
		}
	}

	tdb := &TestDB{DB: db, ctx: ctx}
	tdb.CleanupTestData(t)
	t.Cleanup(func() {
		tdb.CleanupTestData(t)
		db.Close()
	})
	return tdb
}

// CleanupTestData removes rows in the test id ranges.
func (tdb *TestDB) CleanupTestData(t *testing.T) {
	queries := []string{
		"DELETE FROM smart_subscriptions WHERE user_id >= 1000 AND user_id <= 9999",
		"DELETE FROM speed_servers WHERE id >= 1000 AND id <= 9999",
	}
	for _, q := range queries {
		if _, err := tdb.ExecContext(tdb.ctx, q); err != nil {
			t.Logf("Error cleaning up: %v", err)
		}
	}
}

// NewTestLogger returns a debug level logger for tests.
func NewTestLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
