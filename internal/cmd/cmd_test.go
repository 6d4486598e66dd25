package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/projector/common/httputil"
	"github.com/telhawk-systems/projector/internal/server"
)

// run executes the root command with args and returns stdout and stderr.
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("PROJECTOR_CONFIG_DIR", t.TempDir())
	cfgFile, outputFormat, adminURL, noColor = "", "table", "", true
	rebuildWait = false

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestCommandsRegistered(t *testing.T) {
	expected := map[string]bool{"serve": false, "migrate": false, "status": false, "rebuild": false, "seed": false, "config": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := expected[c.Name()]; ok {
			expected[c.Name()] = true
		}
	}
	for name, found := range expected {
		assert.True(t, found, "expected command %q to be registered", name)
	}

	var sub []string
	for _, c := range migrateCmd.Commands() {
		sub = append(sub, c.Name())
	}
	assert.ElementsMatch(t, []string{"up", "down", "version"}, sub)
}

func TestInvalidOutputFormat(t *testing.T) {
	_, _, err := run(t, "config", "--output", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestConfig_PrintsYAMLWithoutSecrets(t *testing.T) {
	t.Setenv("PROJECTOR_DATABASE_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("PROJECTOR_ENGINE_BATCH_SIZE", "250")

	out, _, err := run(t, "config")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")

	var got map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	engine := got["engine"].(map[string]any)
	assert.Equal(t, 250, engine["batch_size"])
	assert.Equal(t, "1s", engine["poll_interval"])
}

func TestConfig_JSONOmitsPassword(t *testing.T) {
	t.Setenv("PROJECTOR_DATABASE_POSTGRES_PASSWORD", "hunter2")
	out, _, err := run(t, "config", "-o", "json")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.True(t, json.Valid([]byte(out)))
}

func adminServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projections", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, []map[string]any{
			{"name": "streams", "state": "idle", "position": 12, "head": 15, "lag": 3, "rebuild": map[string]any{"state": "idle"}},
			{"name": "event_counts", "state": "applying", "position": 15, "head": 15, "lag": 0, "rebuild": map[string]any{"state": "replaying"}},
		})
	})
	mux.HandleFunc("GET /projections/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "streams" {
			httputil.WriteError(w, http.StatusNotFound, "unknown projection: "+r.PathValue("name"))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"name": "streams", "position": 15, "head": 15, "rebuild": map[string]any{"state": "idle"}})
	})
	mux.HandleFunc("POST /projections/{name}/rebuild", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") == "busy" {
			httputil.WriteError(w, http.StatusConflict, "rebuild already in progress: busy")
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"state": "clearing"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatus_Table(t *testing.T) {
	srv := adminServer(t)
	out, _, err := run(t, "status", "--admin-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "streams")
	assert.Contains(t, out, "replaying")
}

func TestStatus_JSON(t *testing.T) {
	srv := adminServer(t)
	out, _, err := run(t, "status", "--admin-url", srv.URL, "-o", "json")
	require.NoError(t, err)

	var views []server.ProjectionView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 2)
	assert.Equal(t, int64(3), views[0].Lag)
}

func TestStatus_Unknown(t *testing.T) {
	srv := adminServer(t)
	_, errOut, err := run(t, "status", "orders", "--admin-url", srv.URL)
	require.Error(t, err)
	assert.Contains(t, errOut, "unknown projection: orders")
}

func TestRebuild(t *testing.T) {
	srv := adminServer(t)

	out, _, err := run(t, "rebuild", "streams", "--admin-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "rebuild of streams started")

	out, _, err = run(t, "rebuild", "streams", "--wait", "--admin-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "complete at position 15")

	_, errOut, err := run(t, "rebuild", "busy", "--admin-url", srv.URL)
	require.Error(t, err)
	assert.Contains(t, errOut, "already in progress")
}

func TestRebuild_RequiresName(t *testing.T) {
	_, _, err := run(t, "rebuild")
	assert.Error(t, err)
}
