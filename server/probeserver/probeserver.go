// Package probeserver implements the cooperative endpoints the probe
// suite measures against: /ping, /test downloads, JSON upload and
// integrity round trips, and /stats.
package probeserver

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/abh/certman"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	slogecho "github.com/samber/slog-echo"
	"go.ntppool.org/common/logger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

const (
	DefaultSize      = 2 * 1024 * 1024
	DefaultChunkSize = 8192

	maxChunkSize = 1024 * 1024

	// MaxSize bounds what a single /test request can ask for.
	MaxSize = 64 * 1024 * 1024

	pattern = "THROUGHPUT_TEST_PATTERN_"
)

type Server struct {
	e     *echo.Echo
	log   *slog.Logger
	stats *Stats
}

// New sets up the echo routes. reg may be nil.
func New(log *slog.Logger, reg prometheus.Registerer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		e:     e,
		log:   log,
		stats: newStats(reg),
	}

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("speedprobe-endpoint"))
	e.Use(slogecho.New(log))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"*"},
	}))
	e.Use(middleware.BodyLimit("80M"))

	e.GET("/ping", s.ping)
	e.GET("/stats", s.statsHandler)
	e.GET("/test", s.download)
	e.GET("/", s.download)
	e.POST("/", s.post)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.e
}

func (s *Server) Stats() *Stats {
	return s.stats
}

type Config struct {
	Listen   string
	CertFile string
	KeyFile  string
}

// Run serves until ctx is done. With a certificate configured the
// listener uses TLS and reloads the certificate when the files change.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.e,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       240 * time.Second,
	}

	useTLS := len(cfg.CertFile) > 0 && len(cfg.KeyFile) > 0
	if useTLS {
		cm, err := certman.New(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return err
		}
		cm.Logger(logger.NewStdLog("certman", false, s.log))
		if err := cm.Watch(); err != nil {
			return err
		}
		defer cm.Stop()

		srv.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: cm.GetCertificate,
		}
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("probe endpoint shutdown", "err", err)
		}
	}()

	s.log.InfoContext(ctx, "probe endpoint listening", "listen", cfg.Listen, "tls", useTLS)

	var err error
	if useTLS {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// FindCertificates looks for <base>/<domain>/fullchain.pem and
// privkey.pem and returns the first complete pair.
func FindCertificates(base string) (certFile, keyFile string, ok bool) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", "", false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cert := filepath.Join(base, e.Name(), "fullchain.pem")
		key := filepath.Join(base, e.Name(), "privkey.pem")
		if fileExists(cert) && fileExists(key) {
			return cert, key, true
		}
	}
	return "", "", false
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func (s *Server) ping(c echo.Context) error {
	s.stats.begin("ping")
	defer s.stats.end()

	now := time.Now()
	return c.JSON(http.StatusOK, map[string]any{
		"timestamp":   unixSeconds(now),
		"server_time": now.Format(time.RFC3339Nano),
		"status":      "pong",
	})
}

func (s *Server) statsHandler(c echo.Context) error {
	return c.JSONPretty(http.StatusOK, s.stats.Snapshot(), "  ")
}

func (s *Server) download(c echo.Context) error {
	size, err := intParam(c, "size", DefaultSize)
	if err != nil || size < 0 || size > MaxSize {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid size")
	}
	chunk, err := intParam(c, "chunk_size", DefaultChunkSize)
	if err != nil || chunk <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid chunk_size")
	}
	testType := "download"
	if c.QueryParam("type") == "pattern" {
		testType = "pattern"
	}
	withHash := c.QueryParam("hash") == "true"

	s.stats.begin(testType)
	defer s.stats.end()

	body := newPayload(testType, size)

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, echo.MIMEOctetStream)
	h.Set(echo.HeaderContentLength, strconv.FormatInt(size, 10))
	h.Set("X-Test-Type", testType)
	h.Set("X-Chunk-Size", strconv.FormatInt(chunk, 10))
	h.Set("X-Server-Time", strconv.FormatFloat(unixSeconds(time.Now()), 'f', 6, 64))
	if withHash {
		h.Set("X-Data-Hash", body.hash())
	}
	c.Response().WriteHeader(http.StatusOK)

	buf := make([]byte, min(chunk, maxChunkSize))
	r := body.reader()

	var sent int64
	for sent < size {
		n := int(min(int64(len(buf)), size-sent))
		io.ReadFull(r, buf[:n])
		w, err := c.Response().Write(buf[:n])
		sent += int64(w)
		if err != nil {
			// client went away
			s.log.Debug("download aborted", "sent", sent, "err", err)
			break
		}
	}
	s.stats.sent(sent)
	return nil
}

type postRequest struct {
	Type      string   `json:"type"`
	Data      string   `json:"data"`
	Hash      string   `json:"hash"`
	Timestamp *float64 `json:"timestamp"`
	Size      *int64   `json:"size"`
	TestType  string   `json:"test_type"`
}

func (s *Server) post(c echo.Context) error {
	var req postRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON")
	}
	switch req.Type {
	case "ping", "upload", "data_integrity":
	default:
		req.Type = "throughput"
	}

	s.stats.begin(req.Type)
	defer s.stats.end()

	now := time.Now()

	switch req.Type {
	case "ping":
		clientTS := unixSeconds(now)
		if req.Timestamp != nil {
			clientTS = *req.Timestamp
		}
		return c.JSON(http.StatusOK, map[string]any{
			"client_timestamp": clientTS,
			"server_timestamp": unixSeconds(now),
			"server_time":      now.Format(time.RFC3339Nano),
			"round_trip_start": clientTS,
			"status":           "pong",
		})

	case "upload":
		size := int64(len(req.Data))
		s.stats.received(size)
		return c.JSON(http.StatusOK, map[string]any{
			"received_bytes": size,
			"data_hash":      hashString(req.Data),
			"timestamp":      unixSeconds(now),
			"status":         "received",
		})

	case "data_integrity":
		actual := hashString(req.Data)
		s.stats.received(int64(len(req.Data)))
		return c.JSON(http.StatusOK, map[string]any{
			"expected_hash":  req.Hash,
			"actual_hash":    actual,
			"data_integrity": req.Hash == actual,
			"received_bytes": len(req.Data),
			"timestamp":      unixSeconds(now),
		})

	default:
		size := int64(DefaultSize)
		if req.Size != nil {
			size = *req.Size
		}
		if size < 0 || size > MaxSize/2 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid size")
		}
		testType := "random"
		if req.TestType == "pattern" {
			testType = "pattern"
		}
		body := newPayload(testType, size)
		s.stats.sent(size)

		// the hex data is streamed rather than marshalled
		resp := c.Response()
		resp.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		resp.WriteHeader(http.StatusOK)
		fmt.Fprintf(resp, `{"size":%d,"hash":%q,"timestamp":%s,"server_time":%q,"data":"`,
			size, body.hash(), strconv.FormatFloat(unixSeconds(now), 'f', -1, 64), now.Format(time.RFC3339Nano))
		if _, err := io.Copy(hex.NewEncoder(resp), body.reader()); err != nil {
			s.log.Debug("throughput response aborted", "err", err)
			return nil
		}
		_, err := io.WriteString(resp, "\"}\n")
		if err != nil {
			s.log.Debug("throughput response aborted", "err", err)
		}
		return nil
	}
}

func intParam(c echo.Context, name string, def int64) (int64, error) {
	v := c.QueryParam(name)
	if len(v) == 0 {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// payload is a response body that can be read more than once with the
// same content, so its hash can be sent ahead of the data without
// holding the data in memory.
type payload struct {
	pattern bool
	size    int64
	seed    [32]byte
}

func newPayload(testType string, size int64) *payload {
	p := &payload{pattern: testType == "pattern", size: size}
	if !p.pattern {
		for i := 0; i < len(p.seed); i += 8 {
			binary.LittleEndian.PutUint64(p.seed[i:], rand.Uint64())
		}
	}
	return p
}

func (p *payload) reader() io.Reader {
	if p.pattern {
		return io.LimitReader(&patternReader{}, p.size)
	}
	return io.LimitReader(rand.NewChaCha8(p.seed), p.size)
}

func (p *payload) hash() string {
	h := sha256.New()
	io.Copy(h, p.reader())
	return hex.EncodeToString(h.Sum(nil))
}

// patternReader repeats pattern without end.
type patternReader struct {
	off int
}

func (r *patternReader) Read(b []byte) (int, error) {
	for i := range b {
		b[i] = pattern[r.off]
		r.off = (r.off + 1) % len(pattern)
	}
	return len(b), nil
}
