package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/chartgpu"
	"github.com/gogpu/chartgpu/backend"
	"github.com/gogpu/chartgpu/capability"
	"github.com/gogpu/chartgpu/compat"
)

func newManager(t *testing.T) *chartgpu.Manager {
	t.Helper()
	reg := backend.NewRegistry()
	sw, _ := backend.DefaultRegistry().Get(backend.NameSoftware)
	reg.Register(sw)

	m, err := chartgpu.NewManager(chartgpu.DefaultConfig(),
		chartgpu.WithRegistry(reg),
		chartgpu.WithHost(func() capability.HostInfo {
			return capability.HostInfo{OS: "linux", Arch: "amd64", LogicalCores: 8, TotalMemory: 16 << 30, GoVersion: "go1.25.1"}
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Cleanup() })
	return m
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthBeforeInitialize(t *testing.T) {
	h := New(newManager(t), nil)
	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct{ Status, State string }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "uninitialized", body.State)
}

func TestStatusAndCompatibility(t *testing.T) {
	m := newManager(t)
	_, err := m.Initialize(t.Context())
	require.NoError(t, err)
	h := New(m, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st chartgpu.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, backend.NameSoftware, st.Backend)
	assert.Equal(t, chartgpu.StateDegraded, st.State)

	first, _ := m.CompatibilityReport()
	rec = do(t, h, http.MethodGet, "/api/v1/compatibility", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep compat.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, first.ID, rep.ID, "cached report expected")

	rec = do(t, h, http.MethodGet, "/api/v1/compatibility?refresh=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.NotEqual(t, first.ID, rep.ID)
}

func TestSwitchBackendErrors(t *testing.T) {
	m := newManager(t)
	h := New(m, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/backend", `{"backend":"software"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	_, err := m.Initialize(t.Context())
	require.NoError(t, err)

	rec = do(t, h, http.MethodPost, "/api/v1/backend", `{"backend":"metal2"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/v1/backend", `{"backend":""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/backend", `{"backend":"software"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res chartgpu.SwitchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, backend.NameSoftware, res.Backend)
}

func TestDiagnosticsAndMetrics(t *testing.T) {
	m := newManager(t)
	_, err := m.Initialize(t.Context())
	require.NoError(t, err)
	h := New(m, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/diagnostics", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var d chartgpu.Dump
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, chartgpu.Version, d.Version)
	assert.NotNil(t, d.Report)

	rec = do(t, h, http.MethodGet, "/api/v1/errors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":0`)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `chartgpu_state{state="degraded"} 1`)
	assert.Contains(t, rec.Body.String(), `chartgpu_backend_info{backend="software"`)
}

func TestReinitialize(t *testing.T) {
	m := newManager(t)
	_, err := m.Initialize(t.Context())
	require.NoError(t, err)

	rec := do(t, New(m, nil), http.MethodPost, "/api/v1/reinitialize", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res chartgpu.InitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, backend.NameSoftware, res.Backend)
}
