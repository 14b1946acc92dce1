package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrnimwx/speedprobe/client/candidates"
	"github.com/mrnimwx/speedprobe/client/selection"
)

type panelRequest struct {
	method  string
	action  string
	id      string
	hasID   bool
	session string
}

func newPanel(t *testing.T, status int, body string) (*PanelClient, chan panelRequest) {
	t.Helper()
	reqs := make(chan panelRequest, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		pr := panelRequest{method: r.Method, action: r.Form.Get("action")}
		pr.id = r.PostForm.Get("speed_server_id")
		_, pr.hasID = r.PostForm["speed_server_id"]
		if c, err := r.Cookie("PHPSESSID"); err == nil {
			pr.session = c.Value
		}
		reqs <- pr
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)

	p, err := NewPanelClient(ts.Client(), ts.URL+"/smart.php", "sess-1")
	require.NoError(t, err)
	return p, reqs
}

func intPtr(i int) *int { return &i }

func TestSelectSpeedServer(t *testing.T) {
	p, reqs := newPanel(t, 200, `{"success":true,"speed_server_id":5,"updated_at":"2026-04-01 10:00:00"}`)

	sel, err := p.SelectSpeedServer(context.Background(), intPtr(5))
	require.NoError(t, err)
	require.NotNil(t, sel.CandidateID)
	assert.Equal(t, 5, *sel.CandidateID)
	assert.Equal(t, time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC), sel.UpdatedAt)

	req := <-reqs
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "select_speed_server", req.action)
	assert.Equal(t, "5", req.id)
	assert.Equal(t, "sess-1", req.session)
}

func TestDeselectSendsEmptyID(t *testing.T) {
	p, reqs := newPanel(t, 200, `{"success":true,"speed_server_id":null}`)

	sel, err := p.SelectSpeedServer(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, sel.CandidateID)

	req := <-reqs
	assert.True(t, req.hasID)
	assert.Equal(t, "", req.id)
}

func TestSelectErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"payment required", 402, `{}`, selection.ErrEntitlementRequired},
		{"forbidden", 403, ``, selection.ErrEntitlementRequired},
		{"subscription required", 200, `{"success":false,"error":"subscription_required","message":"no plan"}`, selection.ErrEntitlementRequired},
		{"database error", 200, `{"success":false,"error":"db","message":"write failed"}`, selection.ErrPersistence},
		{"server error", 500, `<html>oops</html>`, selection.ErrPersistence},
		{"not json", 200, `<html>login</html>`, selection.ErrPersistence},
		{"unauthorized", 401, ``, ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newPanel(t, tt.status, tt.body)
			_, err := p.SelectSpeedServer(context.Background(), intPtr(1))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			if !errors.Is(tt.want, selection.ErrEntitlementRequired) {
				assert.NotErrorIs(t, err, selection.ErrEntitlementRequired)
			}
		})
	}
}

func TestCreateSmartSub(t *testing.T) {
	p, reqs := newPanel(t, 200, `{"success":true}`)
	require.NoError(t, p.CreateSmartSub(context.Background()))
	assert.Equal(t, "create_smart_sub", (<-reqs).action)
}

func TestListSpeedServers(t *testing.T) {
	for _, body := range []string{
		`[{"id":1,"domain":"a.example","port":443},{"id":2,"domain":"b.example","port":8443}]`,
		`{"servers":[{"id":1,"domain":"a.example","port":443},{"id":2,"domain":"b.example","port":8443}]}`,
	} {
		p, reqs := newPanel(t, 200, body)
		list, err := p.ListSpeedServers(context.Background())
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, candidates.Candidate{ID: 2, Domain: "b.example", Port: 8443}, list[1])

		req := <-reqs
		assert.Equal(t, http.MethodGet, req.method)
		assert.Equal(t, "list_speed_servers", req.action)
	}
}

func TestListSpeedServersErrors(t *testing.T) {
	p, _ := newPanel(t, 404, ``)
	_, err := p.ListSpeedServers(context.Background())
	assert.ErrorIs(t, err, candidates.ErrPermanent)

	p, _ = newPanel(t, 503, ``)
	_, err = p.ListSpeedServers(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, candidates.ErrPermanent)
}

func TestNewPanelClient(t *testing.T) {
	_, err := NewPanelClient(http.DefaultClient, "", "")
	assert.Error(t, err)

	_, err = NewPanelClient(http.DefaultClient, "ftp://panel.example", "")
	assert.Error(t, err)

	t.Setenv("DEVEL_PANEL_URL", "http://localhost:8080/panel")
	p, err := NewPanelClient(http.DefaultClient, "", "")
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", p.endpoint.Host)
}
