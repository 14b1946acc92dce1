// Package httpclient builds the HTTP clients used for probing
// candidates and talking to the panel. Clients can be pinned to an IP
// version, optionally skip certificate verification for self-signed
// probe endpoints, and are traced with otelhttp.
package httpclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"go.ntppool.org/common/version"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// IPVersion is used to specify which IP version to use
type IPVersion int

const (
	// IPAny allows connections over either IPv4 or IPv6
	IPAny IPVersion = iota
	// IPv4Only forces connections over IPv4 only
	IPv4Only
	// IPv6Only forces connections over IPv6 only
	IPv6Only
)

func (v IPVersion) String() string {
	switch v {
	case IPv4Only:
		return "v4"
	case IPv6Only:
		return "v6"
	}
	return "any"
}

// ParseIPVersion accepts "", "any", "4", "v4", "6" and "v6".
func ParseIPVersion(s string) (IPVersion, bool) {
	switch s {
	case "", "any":
		return IPAny, true
	case "4", "v4":
		return IPv4Only, true
	case "6", "v6":
		return IPv6Only, true
	}
	return IPAny, false
}

// ipVersionContextKey is a context key used to pass IP version preference
type ipVersionContextKey struct{}

// NewIPVersionContext creates a new context with IP version preference
func NewIPVersionContext(ctx context.Context, version IPVersion) context.Context {
	return context.WithValue(ctx, ipVersionContextKey{}, version)
}

// getIPVersionFromContext extracts the IP version from context
func getIPVersionFromContext(ctx context.Context) IPVersion {
	if value := ctx.Value(ipVersionContextKey{}); value != nil {
		if version, ok := value.(IPVersion); ok {
			return version
		}
	}
	return IPAny // Default to any IP version
}

type Options struct {
	// IPVersion applies when the request context doesn't set one.
	IPVersion IPVersion

	// Insecure skips certificate verification.
	Insecure bool

	// Timeout bounds whole requests; zero leaves it to the request
	// context.
	Timeout time.Duration

	// Name is used in the user agent and the otel span names.
	Name string

	// NoRetry turns off the resend after a connection reset or TLS
	// error. Probe clients need every failed attempt to surface.
	NoRetry bool
}

func network(ctx context.Context, def IPVersion, network string) string {
	v := getIPVersionFromContext(ctx)
	if v == IPAny {
		v = def
	}
	switch v {
	case IPv4Only:
		return "tcp4"
	case IPv6Only:
		return "tcp6"
	}
	// whatever was provided, probably "tcp" which allows both
	return network
}

// New creates an HTTP client that respects IP version preference
func New(opts Options) *http.Client {
	if len(opts.Name) == 0 {
		opts.Name = "speedprobe"
	}

	transport := &http.Transport{
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       120 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 40 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// throughput is measured on the wire size
		DisableCompression: true,
	}
	if opts.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in for self-signed probe endpoints
	}

	transport.DialContext = func(ctx context.Context, nw, addr string) (net.Conn, error) {
		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		return dialer.DialContext(ctx, network(ctx, opts.IPVersion, nw), addr)
	}

	flusher := NewPoolFlusherTransport(transport)
	flusher.NoRetry = opts.NoRetry

	var rt http.RoundTripper = flusher
	rt = &userAgentTransport{
		next: rt,
		ua:   opts.Name + "/" + version.Version(),
	}
	rt = otelhttp.NewTransport(rt,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return opts.Name + " " + r.Method
		}),
	)

	return &http.Client{
		Transport: rt,
		Timeout:   opts.Timeout,
	}
}

type userAgentTransport struct {
	next http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(req.Header.Get("User-Agent")) > 0 {
		return t.next.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.ua)
	return t.next.RoundTrip(r)
}
