package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.ntppool.org/common/logger"

	"github.com/mrnimwx/speedprobe/client/candidates"
	"github.com/mrnimwx/speedprobe/client/config"
	"github.com/mrnimwx/speedprobe/testutil"
)

func TestDebugFlag(t *testing.T) {
	prefix := logger.ConfigPrefix
	defer func() { logger.ConfigPrefix = prefix }()

	logger.ConfigPrefix = ""
	assert.Equal(t, "DEBUG", debugEnv())

	logger.ConfigPrefix = "SPEEDPROBE"
	assert.Equal(t, "SPEEDPROBE_DEBUG", debugEnv())

	t.Setenv("SPEEDPROBE_DEBUG", "")
	cmd := &ClientCmd{Debug: true}
	require.NotNil(t, cmd.logger())
	assert.Equal(t, "true", os.Getenv("SPEEDPROBE_DEBUG"))

	// without the flag the environment is left alone
	t.Setenv("SPEEDPROBE_DEBUG", "")
	cmd = &ClientCmd{}
	require.NotNil(t, cmd.logger())
	assert.Empty(t, os.Getenv("SPEEDPROBE_DEBUG"))
}

func TestStateDirPriority(t *testing.T) {
	// Save original environment and restore after tests
	originalStateDir := os.Getenv("SPEEDPROBE_STATE_DIR")
	originalStateDirectory := os.Getenv("STATE_DIRECTORY")
	defer func() {
		os.Setenv("SPEEDPROBE_STATE_DIR", originalStateDir)
		os.Setenv("STATE_DIRECTORY", originalStateDirectory)
	}()

	t.Run("explicit SPEEDPROBE_STATE_DIR takes priority", func(t *testing.T) {
		t.Setenv("SPEEDPROBE_STATE_DIR", "/custom/speedprobe/state")
		t.Setenv("STATE_DIRECTORY", "/systemd/state")

		cmd := &ClientCmd{}
		err := cmd.BeforeApply()
		require.NoError(t, err)

		assert.Equal(t, "/custom/speedprobe/state", cmd.StateDir)
	})

	t.Run("STATE_DIRECTORY used when SPEEDPROBE_STATE_DIR not set", func(t *testing.T) {
		os.Unsetenv("SPEEDPROBE_STATE_DIR")
		t.Setenv("STATE_DIRECTORY", "/systemd/state")

		cmd := &ClientCmd{}
		err := cmd.BeforeApply()
		require.NoError(t, err)

		assert.Equal(t, "/systemd/state", cmd.StateDir)
	})

	t.Run("fallback to user config dir when neither env var set", func(t *testing.T) {
		os.Unsetenv("SPEEDPROBE_STATE_DIR")
		os.Unsetenv("STATE_DIRECTORY")

		cmd := &ClientCmd{}
		err := cmd.BeforeApply()

		expectedPath, cfgErr := os.UserConfigDir()
		if cfgErr != nil {
			require.Error(t, err)
			return
		}
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(expectedPath, "speedprobe"), cmd.StateDir)
	})

	t.Run("explicit StateDir overrides environment variables", func(t *testing.T) {
		t.Setenv("SPEEDPROBE_STATE_DIR", "/custom/speedprobe/state")
		t.Setenv("STATE_DIRECTORY", "/systemd/state")

		cmd := &ClientCmd{
			StateDir: "/explicit/state/dir",
		}
		err := cmd.BeforeApply()
		require.NoError(t, err)

		assert.Equal(t, "/explicit/state/dir", cmd.StateDir)
	})

	t.Run("empty SPEEDPROBE_STATE_DIR falls back to STATE_DIRECTORY", func(t *testing.T) {
		t.Setenv("SPEEDPROBE_STATE_DIR", "")
		t.Setenv("STATE_DIRECTORY", "/systemd/state")

		cmd := &ClientCmd{}
		err := cmd.BeforeApply()
		require.NoError(t, err)

		assert.Equal(t, "/systemd/state", cmd.StateDir)
	})
}

func TestParseServerArg(t *testing.T) {
	tests := []struct {
		in      string
		want    *int
		wantErr bool
	}{
		{in: "none"},
		{in: "12", want: ptr(12)},
		{in: "0", wantErr: true},
		{in: "-3", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseServerArg(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func ptr(i int) *int {
	return &i
}

func testContext(t *testing.T) context.Context {
	return logger.NewContext(context.Background(), testutil.NewTestLogger(t))
}

// newTestCLI points a client at in-process probe endpoints through a
// servers file.
func newTestCLI(t *testing.T, endpoints ...*testutil.ProbeEndpoint) (*ClientCmd, *bytes.Buffer) {
	t.Helper()

	list := []candidates.Candidate{}
	for _, pe := range endpoints {
		list = append(list, pe.Candidate)
	}
	b, err := json.Marshal(list)
	require.NoError(t, err)

	dir := t.TempDir()
	servers := filepath.Join(dir, "servers.json")
	require.NoError(t, os.WriteFile(servers, b, 0o600))

	out := &bytes.Buffer{}
	cli := &ClientCmd{
		StateDir: filepath.Join(dir, "state"),
		Servers:  servers,
		Probe: ProbeFlags{
			Scheme:    "http",
			PingPort:  0,
			IPVersion: "any",
		},
		stdout: out,
	}
	return cli, out
}

func TestTestCommand(t *testing.T) {
	pe := testutil.NewProbeEndpoint(t, 1)
	cli, out := newTestCLI(t, pe)
	ctx := testContext(t)

	cmd := &testCmd{ID: 1, Profile: "basic"}
	require.NoError(t, cmd.Run(ctx, cli))

	assert.Contains(t, out.String(), "completed")
	assert.Contains(t, out.String(), "download")
	assert.Contains(t, out.String(), "quality")
	assert.Equal(t, 1, pe.Requests("ping"))

	// the result was cached for the results command
	out.Reset()
	results := &resultsCmd{JSON: true}
	require.NoError(t, results.Run(ctx, cli))

	var cached []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &cached))
	require.Len(t, cached, 1)
	assert.EqualValues(t, 1, cached[0]["candidate_id"])
	assert.Contains(t, cached[0], "verdict")
}

func TestTestCommandUnknownCandidate(t *testing.T) {
	pe := testutil.NewProbeEndpoint(t, 1)
	cli, _ := newTestCLI(t, pe)

	cmd := &testCmd{ID: 42, Profile: "basic"}
	err := cmd.Run(testContext(t), cli)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Equal(t, 0, pe.Requests("ping"))
}

func TestTestCommandJSON(t *testing.T) {
	pe := testutil.NewProbeEndpoint(t, 3)
	cli, out := newTestCLI(t, pe)

	cmd := &testCmd{ID: 3, Profile: "basic", JSON: true}
	require.NoError(t, cmd.Run(testContext(t), cli))

	var outcome map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &outcome))
	assert.Equal(t, "completed", outcome["state"])
	assert.EqualValues(t, 3, outcome["candidate_id"])
	assert.NotContains(t, outcome, "error")
}

func TestTestAllCommand(t *testing.T) {
	pe1 := testutil.NewProbeEndpoint(t, 1)
	pe2 := testutil.NewProbeEndpoint(t, 2)
	cli, out := newTestCLI(t, pe1, pe2)

	cmd := &testAllCmd{Profile: "basic", JSON: true}
	require.NoError(t, cmd.Run(testContext(t), cli))

	var outcomes []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &outcomes))
	require.Len(t, outcomes, 2)
	for i, o := range outcomes {
		assert.EqualValues(t, i+1, o["candidate_id"])
		assert.Equal(t, "completed", o["state"])
	}
	assert.Equal(t, 1, pe1.Requests("test"))
	assert.Equal(t, 1, pe2.Requests("test"))
}

func TestTestAllCommandEmpty(t *testing.T) {
	cli, out := newTestCLI(t)

	cmd := &testAllCmd{Profile: "basic"}
	require.NoError(t, cmd.Run(testContext(t), cli))
	assert.Contains(t, out.String(), "No servers available")
}

func TestResultsCommandEmpty(t *testing.T) {
	cli, out := newTestCLI(t)

	cmd := &resultsCmd{}
	require.NoError(t, cmd.Run(testContext(t), cli))
	assert.Contains(t, out.String(), "No results")
}

func TestCandidatesCommand(t *testing.T) {
	pe := testutil.NewProbeEndpoint(t, 7)
	cli, out := newTestCLI(t, pe)

	cmd := &candidatesCmd{}
	require.NoError(t, cmd.Run(testContext(t), cli))
	assert.Contains(t, out.String(), pe.Candidate.Domain)
	assert.Contains(t, out.String(), "7")
}

// fakePanel answers select_speed_server and create_smart_sub.
type fakePanel struct {
	mu          sync.Mutex
	subscribed  bool
	selects     int
	provisioned int
}

func (f *fakePanel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch r.FormValue("action") {
	case "create_smart_sub":
		f.provisioned++
		f.subscribed = true
		w.Write([]byte(`{"success":true}`))
	case "select_speed_server":
		f.selects++
		if !f.subscribed {
			w.Write([]byte(`{"success":false,"error":"subscription_required","message":"no subscription"}`))
			return
		}
		id := r.FormValue("speed_server_id")
		if len(id) == 0 {
			id = "null"
		}
		w.Write([]byte(`{"success":true,"speed_server_id":` + id + `,"updated_at":"2026-06-01 10:00:00"}`))
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (f *fakePanel) counts() (selects, provisioned int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selects, f.provisioned
}

func newPanelCLI(t *testing.T, panel *fakePanel) (*ClientCmd, *bytes.Buffer) {
	ts := httptest.NewServer(panel)
	t.Cleanup(ts.Close)

	out := &bytes.Buffer{}
	cli := &ClientCmd{
		StateDir: t.TempDir(),
		Panel:    PanelFlags{URL: ts.URL, Session: "s3cr3t", Cookie: "PHPSESSID"},
		stdout:   out,
	}
	return cli, out
}

func TestSelectCommand(t *testing.T) {
	panel := &fakePanel{subscribed: true}
	cli, out := newPanelCLI(t, panel)
	ctx := testContext(t)

	require.NoError(t, (&selectCmd{Server: "5"}).Run(ctx, cli))
	assert.Contains(t, out.String(), "Selected server 5")

	st, err := config.Open(ctx, cli.StateDir)
	require.NoError(t, err)
	require.NotNil(t, st.Selection().CandidateID)
	assert.Equal(t, 5, *st.Selection().CandidateID)

	// same server again doesn't reach the panel
	require.NoError(t, (&selectCmd{Server: "5"}).Run(ctx, cli))
	selects, _ := panel.counts()
	assert.Equal(t, 1, selects)

	require.NoError(t, (&selectCmd{Server: "5", Reconfirm: true}).Run(ctx, cli))
	selects, _ = panel.counts()
	assert.Equal(t, 2, selects)

	out.Reset()
	require.NoError(t, (&selectCmd{}).Run(ctx, cli))
	assert.Contains(t, out.String(), "Selected server 5")

	out.Reset()
	require.NoError(t, (&selectCmd{Server: "none"}).Run(ctx, cli))
	assert.Contains(t, out.String(), "Selection cleared")

	out.Reset()
	require.NoError(t, (&selectCmd{}).Run(ctx, cli))
	assert.Contains(t, out.String(), "No server selected")
}

func TestSelectCommandProvision(t *testing.T) {
	panel := &fakePanel{}
	cli, _ := newPanelCLI(t, panel)
	ctx := testContext(t)

	err := (&selectCmd{Server: "9"}).Run(ctx, cli)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription")
	_, provisioned := panel.counts()
	assert.Equal(t, 0, provisioned)

	require.NoError(t, (&selectCmd{Server: "9", Provision: true}).Run(ctx, cli))
	selects, provisioned := panel.counts()
	assert.Equal(t, 1, provisioned)
	assert.Equal(t, 3, selects)
}

func TestProvisionCommand(t *testing.T) {
	panel := &fakePanel{}
	cli, out := newPanelCLI(t, panel)

	require.NoError(t, (&provisionCmd{}).Run(testContext(t), cli))
	_, provisioned := panel.counts()
	assert.Equal(t, 1, provisioned)
	assert.Contains(t, out.String(), "Subscription created")
}

func TestNoBackend(t *testing.T) {
	t.Setenv("DEVEL_PANEL_URL", "")
	cli := &ClientCmd{StateDir: t.TempDir(), stdout: &bytes.Buffer{}}

	err := (&provisionCmd{}).Run(testContext(t), cli)
	assert.ErrorIs(t, err, errNoBackend)
}

func TestVersionCommand(t *testing.T) {
	out := &bytes.Buffer{}
	cli := &ClientCmd{stdout: out}
	require.NoError(t, (&versionCmd{}).Run(context.Background(), cli))
	assert.Contains(t, out.String(), "speedprobe ")
}
