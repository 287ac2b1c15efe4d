package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/app"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/handlers"
	"github.com/ternarybob/revisor/internal/models"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = t.TempDir()

	application, err := app.New(cfg, arbor.NewLogger(), app.WithoutGeneration())
	require.NoError(t, err)
	t.Cleanup(func() { application.Close() })

	ts := httptest.NewServer(New(application).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestServer_Healthz(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body handlers.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, common.GetVersion(), body.Version)
	assert.NotEmpty(t, resp.Header.Get("Content-Type"))
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "go_goroutines")
}

func TestServer_PipelineRoutes(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/api/pipelines", "/api/pipelines/"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(ts.URL + "/api/pipelines/pressure_correction/stats?days=3")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var window models.WindowStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&window))
	assert.Len(t, window.Days, 3)

	resp, err = http.Post(ts.URL+"/api/pipelines/pressure_correction/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "runs need the generation client")

	resp, err = http.Get(ts.URL + "/api/pipelines/pressure_correction/run")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_ItemRoutes(t *testing.T) {
	ts := newTestServer(t)

	body := `{"items":[{"pipeline":"pressure_correction","subject":"article-1","original":{"pressure":"32 psi"}}]}`
	resp, err := http.Post(ts.URL+"/api/items", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/items", "application/json", strings.NewReader(`{"items":[{"pipeline":"tyre_rotation","subject":"a","original":{}}]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/items/reset", "application/json", strings.NewReader(`{"pipeline":"pressure_correction"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/items/purge?days=30", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
