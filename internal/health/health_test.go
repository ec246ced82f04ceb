package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(0)
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryMixed(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("database", func(context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("gateway", func(context.Context) Status {
		return Status{Name: "gateway", Healthy: false, Detail: "circuit open"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected unhealthy aggregate")
	}
	if statuses[0].Name != "database" || !statuses[0].Healthy {
		t.Errorf("unexpected first status: %+v", statuses[0])
	}
	if statuses[1].Detail != "circuit open" {
		t.Errorf("unexpected second status: %+v", statuses[1])
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	block := make(chan struct{})
	defer close(block)
	r.Register("slow", func(context.Context) Status {
		<-block
		return Status{Healthy: true}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed-out check should be unhealthy")
	}
	if statuses[0].Detail != "timed out" {
		t.Errorf("expected timed out detail, got %q", statuses[0].Detail)
	}
	if time.Since(start) > time.Second {
		t.Fatal("CheckAll did not respect timeout")
	}
}

func TestReadyHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRegistry(time.Second)
	ok := true
	r.Register("store", func(context.Context) Status { return Status{Healthy: ok} })

	router := gin.New()
	router.GET("/health/ready", r.ReadyHandler())
	router.GET("/health/live", LiveHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	ok = false
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var body struct {
		Status string   `json:"status"`
		Checks []Status `json:"checks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "not_ready" || len(body.Checks) != 1 {
		t.Errorf("unexpected body: %+v", body)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("live should always be 200, got %d", w.Code)
	}
}
