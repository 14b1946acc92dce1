// Package api is the client for the reseller panel's form endpoint:
// selecting a speed server, provisioning the subscription it needs,
// and listing the candidate servers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.ntppool.org/common/logger"

	"github.com/mrnimwx/speedprobe/client/candidates"
	"github.com/mrnimwx/speedprobe/client/selection"
)

const (
	// DefaultSessionCookie is the panel's session cookie name.
	DefaultSessionCookie = "PHPSESSID"

	maxResponseSize = 1 << 20
)

// ErrUnauthorized means the panel did not accept the session.
var ErrUnauthorized = errors.New("panel session not accepted")

type PanelClient struct {
	client   *http.Client
	endpoint *url.URL

	// session is passed through as a cookie; logging in is handled
	// elsewhere
	session    string
	cookieName string
}

type PanelOption func(*PanelClient)

func WithSessionCookie(name string) PanelOption {
	return func(p *PanelClient) {
		p.cookieName = name
	}
}

func getPanelURL(configured string) (string, error) {
	if e := os.Getenv("DEVEL_PANEL_URL"); len(e) > 0 {
		return e, nil
	}
	if len(configured) == 0 {
		return "", errors.New("panel URL not configured")
	}
	return configured, nil
}

func NewPanelClient(client *http.Client, endpoint, session string, opts ...PanelOption) (*PanelClient, error) {
	endpoint, err := getPanelURL(endpoint)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("panel URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("panel URL: unsupported scheme %q", u.Scheme)
	}

	p := &PanelClient{
		client:     client,
		endpoint:   u,
		session:    session,
		cookieName: DefaultSessionCookie,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type panelResponse struct {
	Success       bool   `json:"success"`
	Error         string `json:"error"`
	Message       string `json:"message"`
	SpeedServerID *int   `json:"speed_server_id"`
	UpdatedAt     string `json:"updated_at"`
}

func (r *panelResponse) err() error {
	if r.Success {
		return nil
	}
	msg := r.Message
	if len(msg) == 0 {
		msg = r.Error
	}
	if r.Error == "subscription_required" {
		return fmt.Errorf("%w: %s", selection.ErrEntitlementRequired, msg)
	}
	return fmt.Errorf("%w: %s", selection.ErrPersistence, msg)
}

// SelectSpeedServer submits select_speed_server; a nil id clears the
// selection.
func (p *PanelClient) SelectSpeedServer(ctx context.Context, id *int) (selection.Selection, error) {
	form := url.Values{}
	form.Set("action", "select_speed_server")
	if id != nil {
		form.Set("speed_server_id", strconv.Itoa(*id))
	} else {
		form.Set("speed_server_id", "")
	}

	resp, err := p.post(ctx, form)
	if err != nil {
		return selection.Selection{}, err
	}

	sel := selection.Selection{
		CandidateID: id,
		UpdatedAt:   parseTime(resp.UpdatedAt),
	}
	if resp.SpeedServerID != nil || id == nil {
		sel.CandidateID = resp.SpeedServerID
	}
	return sel, nil
}

// CreateSmartSub provisions the subscription record that selection
// depends on.
func (p *PanelClient) CreateSmartSub(ctx context.Context) error {
	form := url.Values{}
	form.Set("action", "create_smart_sub")
	_, err := p.post(ctx, form)
	return err
}

// ListSpeedServers fetches the candidate servers. Client errors are
// marked permanent so the registry doesn't retry them.
func (p *PanelClient) ListSpeedServers(ctx context.Context) ([]candidates.Candidate, error) {
	u := *p.endpoint
	q := u.Query()
	q.Set("action", "list_speed_servers")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	p.decorate(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %w", candidates.ErrPermanent, ErrUnauthorized)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: panel returned %d", candidates.ErrPermanent, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("panel returned %d", resp.StatusCode)
	}

	var list []candidates.Candidate
	if err := json.Unmarshal(body, &list); err != nil {
		// also accept {"servers": [...]}
		var wrapped struct {
			Servers []candidates.Candidate `json:"servers"`
		}
		if err2 := json.Unmarshal(body, &wrapped); err2 != nil {
			return nil, fmt.Errorf("%w: decode server list: %w", candidates.ErrPermanent, err)
		}
		list = wrapped.Servers
	}
	return list, nil
}

func (p *PanelClient) decorate(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if len(p.session) > 0 {
		req.AddCookie(&http.Cookie{Name: p.cookieName, Value: p.session})
	}
}

func (p *PanelClient) post(ctx context.Context, form url.Values) (*panelResponse, error) {
	log := logger.FromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	p.decorate(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}

	log.DebugContext(ctx, "panel response", "action", form.Get("action"), "status", resp.StatusCode)

	switch resp.StatusCode {
	case http.StatusPaymentRequired, http.StatusForbidden:
		return nil, fmt.Errorf("%w: panel returned %d", selection.ErrEntitlementRequired, resp.StatusCode)
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	}

	var pr panelResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: panel returned %d", selection.ErrPersistence, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: unexpected response: %w", selection.ErrPersistence, err)
	}

	if err := pr.err(); err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: panel returned %d", selection.ErrPersistence, resp.StatusCode)
	}
	return &pr, nil
}

// parseTime accepts RFC 3339 and the panel's MySQL style timestamps.
func parseTime(s string) time.Time {
	if len(s) == 0 {
		return time.Now()
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Now()
}
