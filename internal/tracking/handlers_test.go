package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrders map[string]*OrderInfo

func (f fakeOrders) Lookup(ctx context.Context, orderID string) (*OrderInfo, error) {
	info, ok := f[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return info, nil
}

func setupRouter(t *testing.T) (*gin.Engine, *Simulator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tr := NewTracker(NewMemoryStore(), testLogger())
	sim := NewSimulator(tr, JourneyConfig{Steps: 4, Interval: time.Hour}, testLogger())
	t.Cleanup(sim.Shutdown)
	orders := fakeOrders{
		"ord_funded1": {DriverID: "drv_9", Trackable: true},
		"ord_unpaid1": {Trackable: false},
		"ord_transit": {DriverID: "drv_9", Trackable: true, Reached: MarkerMidpoint},
	}
	r := gin.New()
	NewHandler(tr, sim, orders).RegisterRoutes(r.Group("/api"))
	return r, sim
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerRecordAndGetLocation(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/api/orders/ord_funded1/location", gin.H{"lat": -1.29, "lng": 36.82, "speed": 12})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Success  bool   `json:"success"`
		Location Sample `json:"location"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, created.Success)
	assert.Equal(t, "drv_9", created.Location.DriverID)

	w = doJSON(r, http.MethodGet, "/api/orders/ord_funded1/location", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"lat":-1.29`)

	w = doJSON(r, http.MethodGet, "/api/orders/ord_funded1/locations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHandlerLocationErrors(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/api/orders/ord_missing/location", gin.H{"lat": 1, "lng": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodPost, "/api/orders/ord_funded1/location", gin.H{"lng": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/api/orders/ord_funded1/location", gin.H{"lat": 95, "lng": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	w = doJSON(r, http.MethodGet, "/api/orders/ord_unpaid1/location", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerJourneyLifecycle(t *testing.T) {
	r, sim := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/api/orders/ord_unpaid1/simulate", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "guard_violation")

	w = doJSON(r, http.MethodPost, "/api/orders/ord_funded1/simulate", gin.H{"steps": 4})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.True(t, sim.Running("ord_funded1"))

	w = doJSON(r, http.MethodPost, "/api/orders/ord_funded1/simulate", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodDelete, "/api/orders/ord_funded1/simulate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stopped":true`)
	assert.False(t, sim.Running("ord_funded1"))
}

func TestHandlerJourneyResumesInTransit(t *testing.T) {
	r, sim := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/api/orders/ord_transit/simulate", gin.H{"steps": 4})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		Journey Journey `json:"journey"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Journey.FirstStep)
	assert.True(t, sim.Running("ord_transit"))

	assert.Eventually(t, func() bool {
		w := doJSON(r, http.MethodGet, "/api/orders/ord_transit/location", nil)
		return w.Code == http.StatusOK
	}, 2*time.Second, 5*time.Millisecond)
}
