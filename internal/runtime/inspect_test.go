package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nexbus/internal/runtime/jsoncodec"
)

func serve(t *testing.T, h http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInspectListInstances(t *testing.T) {
	f := newTestFactory(t, FactoryOptions{ID: "shop"})
	_, err := f.CreateInstance(context.Background(), instanceConfig("cart"))
	require.NoError(t, err)

	rec := serve(t, f.HTTPHandler(), http.MethodGet, "/api/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var list []InstanceMetadata
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "cart", list[0].ID)
	assert.Equal(t, StatusActive, list[0].Status)
}

func TestInspectGetInstance(t *testing.T) {
	f := newTestFactory(t, FactoryOptions{})
	_, err := f.CreateInstance(context.Background(), instanceConfig("cart"))
	require.NoError(t, err)
	h := f.HTTPHandler()

	rec := serve(t, h, http.MethodGet, "/api/instances/cart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail instanceDetail
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "cart", detail.Info.ID)
	require.NotNil(t, detail.Metrics)
	assert.Equal(t, "ready", detail.Metrics.State)

	rec = serve(t, h, http.MethodGet, "/api/instances/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err = f.DestroyInstance(context.Background(), "cart")
	require.NoError(t, err)
	rec = serve(t, h, http.MethodGet, "/api/instances/cart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail = instanceDetail{}
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, StatusDestroyed, detail.Info.Status)
	assert.Nil(t, detail.Metrics)
}

func TestInspectPauseResume(t *testing.T) {
	f := newTestFactory(t, FactoryOptions{})
	bus, err := f.CreateInstance(context.Background(), instanceConfig("cart"))
	require.NoError(t, err)
	h := f.HTTPHandler()

	rec := serve(t, h, http.MethodPost, "/api/instances/cart/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bus.IsPaused())

	rec = serve(t, h, http.MethodPost, "/api/instances/cart/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(t, h, http.MethodPost, "/api/instances/cart/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, bus.IsPaused())
}

func TestInspectMetricsEndpoints(t *testing.T) {
	f := newTestFactory(t, FactoryOptions{ID: "shop"})
	bus, err := f.CreateInstance(context.Background(), instanceConfig("cart"))
	require.NoError(t, err)
	_, err = bus.Emit(context.Background(), "user.login", nil)
	require.NoError(t, err)
	h := f.HTTPHandler()

	rec := serve(t, h, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var m FactoryMetrics
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "shop", m.FactoryID)
	assert.Equal(t, 1, m.ActiveInstances)

	rec = serve(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `nexbus_bus_events_total{instance="cart"`), body)
}

func TestInspectCORS(t *testing.T) {
	f := newTestFactory(t, FactoryOptions{CORSAllowedOrigins: []string{"https://ui.example.com"}})
	h := f.HTTPHandler()

	rec := serve(t, h, http.MethodGet, "/api/instances", http.Header{"Origin": {"https://ui.example.com"}})
	assert.Equal(t, "https://ui.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(t, h, http.MethodGet, "/api/instances", http.Header{"Origin": {"https://evil.example.com"}})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(t, h, http.MethodOptions, "/api/instances", http.Header{"Origin": {"https://ui.example.com"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestInspectWildcardCORS(t *testing.T) {
	f := newTestFactory(t, FactoryOptions{CORSAllowedOrigins: []string{"*"}})
	rec := serve(t, f.HTTPHandler(), http.MethodGet, "/api/instances", http.Header{"Origin": {"https://any.example.com"}})
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestInspectDestroyedFactory(t *testing.T) {
	f := NewFactory(FactoryOptions{Logger: newTestLogger()})
	h := f.HTTPHandler()
	require.NoError(t, f.Destroy(context.Background()))

	rec := serve(t, h, http.MethodGet, "/api/instances", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}
