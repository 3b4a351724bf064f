package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bioact-main/src/internal/config"
	"bioact-main/src/internal/descriptor"
	"bioact-main/src/internal/gateway"
	"bioact-main/src/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoEngine writes each identifier back as descriptors D0 and D1 = 2*id.
const echoEngine = `awk -F'\t' 'BEGIN{print "Name,D0,D1"} {print $2","$2","2*$2}' "$1" > "$2"`

type setup struct {
	manifest      string
	modelFeatures []string
	engine        []string
	timeout       time.Duration
	maxUpload     int64
}

func newTestServer(t *testing.T, s setup) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	if s.manifest == "" {
		s.manifest = "D0,D1\n"
	}
	if s.modelFeatures == nil {
		s.modelFeatures = []string{"D0", "D1"}
	}
	if s.engine == nil {
		s.engine = []string{"-c", echoEngine, "engine", descriptor.PlaceholderInput, descriptor.PlaceholderOutput}
	}
	if s.timeout == 0 {
		s.timeout = 10 * time.Second
	}
	if s.maxUpload == 0 {
		s.maxUpload = 1 << 20
	}

	manifest := filepath.Join(dir, "descriptor_list.csv")
	require.NoError(t, os.WriteFile(manifest, []byte(s.manifest), 0o644))
	artifact := filepath.Join(dir, "model.msgpack")
	require.NoError(t, model.Save(artifact, &model.Artifact{
		Name:      "echo",
		Target:    "pIC50",
		Kind:      model.KindLinear,
		Features:  s.modelFeatures,
		Intercept: 1,
		Coef:      append([]float64{1}, make([]float64, len(s.modelFeatures)-1)...),
	}))

	cfg := &config.Config{
		StorageDir: dir,
		Server: config.ServerConfig{
			Addr:           ":8080",
			Key:            "test-server-key",
			AdminUser:      "admin",
			AdminPass:      "admin-password",
			MaxUploadBytes: s.maxUpload,
		},
		Engine: config.EngineConfig{
			Command:       "sh",
			Args:          s.engine,
			Timeout:       s.timeout,
			MaxConcurrent: 2,
		},
		Model:     config.ModelConfig{ManifestPath: manifest, ArtifactPath: artifact},
		Features:  config.FeaturesConfig{Imputation: "batch-mean"},
		Workspace: config.WorkspaceConfig{Root: filepath.Join(dir, "workspaces"), MaxAge: time.Hour},
		History:   config.HistoryConfig{Path: filepath.Join(dir, "history.db")},
		Archive:   config.ArchiveConfig{Driver: "fs", Dir: filepath.Join(dir, "archive")},
		Result:    config.ResultConfig{IDHeader: "molecule_name", ScoreHeader: "pIC50"},
	}
	gw, err := gateway.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	return NewServer(gw)
}

func adminAuth(user, pass string) string {
	auth := user + ":" + pass
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(auth))
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	s.Engine.ServeHTTP(resp, req)
	return resp
}

func predictRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/predict", strings.NewReader(body))
	req.Header.Set("X-Server-Key", "test-server-key")
	req.Header.Set("Content-Type", "text/plain")
	return req
}

func TestOptionsAuthorized(t *testing.T) {
	s := newTestServer(t, setup{})

	resp := do(s, httptest.NewRequest(http.MethodOptions, "/api/v1/predict", nil))
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))

	resp = do(s, httptest.NewRequest(http.MethodPost, "/api/v1/predict", strings.NewReader("CCO 1\n")))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = do(s, httptest.NewRequest(http.MethodGet, "/api/admin/v1/health", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestPredictJSON(t *testing.T) {
	s := newTestServer(t, setup{})

	resp := do(s, predictRequest("CCO 7\nc1ccccc1 3\n"))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var got predictResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, "pIC50", got.Target)
	assert.Equal(t, 2, got.DescriptorColumns, "identifier column is not a descriptor")
	assert.Equal(t, [2]int{2, 2}, got.FeatureShape)
	require.Len(t, got.Predictions, 2)
	assert.Equal(t, "7", got.Predictions[0].ID)
	assert.InDelta(t, 8, got.Predictions[0].Score, 1e-9)
	assert.Equal(t, "3", got.Predictions[1].ID)
	assert.InDelta(t, 4, got.Predictions[1].Score, 1e-9)
	assert.Equal(t, got.RunID, resp.Header().Get("X-Run-ID"))

	dl := httptest.NewRequest(http.MethodGet, got.Download, nil)
	dl.Header.Set("X-Server-Key", "test-server-key")
	resp = do(s, dl)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "molecule_name,pIC50\n7,8\n3,4\n", resp.Body.String())
	assert.Contains(t, resp.Header().Get("Content-Disposition"), "predictions.csv")
}

func TestPredictMultipartCSV(t *testing.T) {
	s := newTestServer(t, setup{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "molecule.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("CCO 5\n"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/predict?format=csv", &buf)
	req.Header.Set("X-Server-Key", "test-server-key")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp := do(s, req)

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "molecule_name,pIC50\n5,6\n", resp.Body.String())
	assert.Equal(t, `attachment; filename="predictions.csv"`, resp.Header().Get("Content-Disposition"))
	assert.True(t, strings.HasPrefix(resp.Header().Get("Content-Type"), "text/csv"))
}

func TestPredictErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		setup  setup
		body   string
		status int
		kind   string
	}{
		{
			name:   "empty upload",
			body:   "\n",
			status: http.StatusBadRequest,
			kind:   "format",
		},
		{
			name:   "malformed line",
			body:   "CCO 1 extra\n",
			status: http.StatusBadRequest,
			kind:   "format",
		},
		{
			name:   "missing descriptor",
			setup:  setup{manifest: "D0,PubchemFP12\n", modelFeatures: []string{"D0", "PubchemFP12"}},
			body:   "CCO 1\n",
			status: http.StatusUnprocessableEntity,
			kind:   "schema",
		},
		{
			name:   "engine crash",
			setup:  setup{engine: []string{"-c", "echo boom >&2; exit 3"}},
			body:   "CCO 1\n",
			status: http.StatusBadGateway,
			kind:   "engine",
		},
		{
			name:   "engine timeout",
			setup:  setup{engine: []string{"-c", "exec sleep 5"}, timeout: 200 * time.Millisecond},
			body:   "CCO 1\n",
			status: http.StatusGatewayTimeout,
			kind:   "engine",
		},
		{
			name:   "model order mismatch",
			setup:  setup{modelFeatures: []string{"D1", "D0"}},
			body:   "CCO 1\n",
			status: http.StatusInternalServerError,
			kind:   "model",
		},
		{
			name:   "upload too large",
			setup:  setup{maxUpload: 16},
			body:   strings.Repeat("CCO 1\n", 10),
			status: http.StatusRequestEntityTooLarge,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.setup)
			resp := do(s, predictRequest(tt.body))
			require.Equal(t, tt.status, resp.Code, resp.Body.String())

			var got errorResponse
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
			assert.NotEmpty(t, got.Error)
			if tt.kind != "" {
				assert.Equal(t, tt.kind, got.Kind)
				assert.NotEmpty(t, got.RunID)
			}
		})
	}
}

func TestDownloadUnknownRun(t *testing.T) {
	s := newTestServer(t, setup{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/nope/download", nil)
	req.Header.Set("X-Server-Key", "test-server-key")
	assert.Equal(t, http.StatusNotFound, do(s, req).Code)
}

func TestManifest(t *testing.T) {
	s := newTestServer(t, setup{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/manifest", nil)
	req.Header.Set("X-Server-Key", "test-server-key")
	resp := do(s, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var got manifestResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, []string{"D0", "D1"}, got.Features)
	assert.Equal(t, "batch-mean", got.Imputation)
	assert.Equal(t, "echo", got.Model.Name)
	assert.Equal(t, [2]string{"molecule_name", "pIC50"}, got.Columns)
}

func TestAdminRunsAndHealth(t *testing.T) {
	s := newTestServer(t, setup{})
	require.Equal(t, http.StatusOK, do(s, predictRequest("CCO 1\n")).Code)
	require.Equal(t, http.StatusBadRequest, do(s, predictRequest("")).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/v1/runs?limit=10", nil)
	req.Header.Set("Authorization", adminAuth("admin", "admin-password"))
	resp := do(s, req)
	require.Equal(t, http.StatusOK, resp.Code)
	var runs struct {
		Runs []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &runs))
	require.Len(t, runs.Runs, 2)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/v1/runs/"+runs.Runs[0].ID, nil)
	req.Header.Set("Authorization", adminAuth("admin", "admin-password"))
	assert.Equal(t, http.StatusOK, do(s, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/v1/health", nil)
	req.Header.Set("Authorization", adminAuth("admin", "admin-password"))
	resp = do(s, req)
	require.Equal(t, http.StatusOK, resp.Code)
	var health adminHealthResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "fs", health.Archive)
	assert.Equal(t, 2, health.Features)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/v1/health", nil)
	req.Header.Set("Authorization", adminAuth("admin", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, do(s, req).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, setup{})
	require.Equal(t, http.StatusOK, do(s, predictRequest("CCO 1\n")).Code)

	resp := do(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `bioact_runs_total{outcome="ok"} 1`)
	assert.Contains(t, resp.Body.String(), "bioact_molecules_scored_total 1")
}
