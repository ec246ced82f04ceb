package tracking

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for rider locations and journeys.
type Handler struct {
	tracker *Tracker
	sim     *Simulator
	orders  Orders
}

// NewHandler creates a tracking handler.
func NewHandler(tracker *Tracker, sim *Simulator, orders Orders) *Handler {
	return &Handler{tracker: tracker, sim: sim, orders: orders}
}

// RegisterRoutes sets up tracking routes under /api.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/location", h.RecordLocation)
	r.GET("/orders/:id/location", h.GetLocation)
	r.GET("/orders/:id/locations", h.ListLocations)
	r.POST("/orders/:id/simulate", h.StartJourney)
	r.DELETE("/orders/:id/simulate", h.StopJourney)
}

type locationRequest struct {
	DriverID  string     `json:"driver_id"`
	Lat       *float64   `json:"lat" binding:"required"`
	Lng       *float64   `json:"lng" binding:"required"`
	Heading   float64    `json:"heading"`
	Speed     float64    `json:"speed"`
	Timestamp *time.Time `json:"timestamp"`
}

// RecordLocation handles POST /api/orders/:id/location
func (h *Handler) RecordLocation(c *gin.Context) {
	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": "lat and lng are required",
		})
		return
	}
	ctx := c.Request.Context()
	orderID := c.Param("id")
	info, err := h.orders.Lookup(ctx, orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	s := Sample{
		OrderID:  orderID,
		DriverID: req.DriverID,
		Lat:      *req.Lat,
		Lng:      *req.Lng,
		Heading:  req.Heading,
		Speed:    req.Speed,
	}
	if s.DriverID == "" {
		s.DriverID = info.DriverID
	}
	if req.Timestamp != nil {
		s.Timestamp = *req.Timestamp
	}
	recorded, err := h.tracker.Record(ctx, s)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "location": recorded})
}

// GetLocation handles GET /api/orders/:id/location
func (h *Handler) GetLocation(c *gin.Context) {
	s, err := h.tracker.Latest(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "location": s})
}

// ListLocations handles GET /api/orders/:id/locations
func (h *Handler) ListLocations(c *gin.Context) {
	limit := 500
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 5000)
		}
	}
	samples, err := h.tracker.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "locations": samples, "count": len(samples)})
}

type journeyRequest struct {
	DriverID   string   `json:"driver_id"`
	Steps      int      `json:"steps"`
	IntervalMs int      `json:"interval_ms"`
	DestLat    *float64 `json:"dest_lat"`
	DestLng    *float64 `json:"dest_lng"`
}

// StartJourney handles POST /api/orders/:id/simulate
func (h *Handler) StartJourney(c *gin.Context) {
	var req journeyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "validation_error",
				"message": "Invalid request body",
			})
			return
		}
	}
	orderID := c.Param("id")
	info, err := h.orders.Lookup(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !info.Trackable {
		respondError(c, ErrNotTrackable)
		return
	}

	start := StartRequest{
		DriverID: req.DriverID,
		Steps:    req.Steps,
		Interval: time.Duration(req.IntervalMs) * time.Millisecond,
		Resume:   info.Reached,
	}
	if start.DriverID == "" {
		start.DriverID = info.DriverID
	}
	if req.DestLat != nil && req.DestLng != nil {
		start.Destination = &Point{Lat: *req.DestLat, Lng: *req.DestLng}
	}
	j, err := h.sim.Start(orderID, start)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "journey": j})
}

// StopJourney handles DELETE /api/orders/:id/simulate
func (h *Handler) StopJourney(c *gin.Context) {
	stopped := h.sim.Stop(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"success": true, "stopped": stopped})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	msg := "Internal error"
	switch {
	case errors.Is(err, ErrOrderNotFound):
		status, code, msg = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, ErrNoLocation):
		status, code, msg = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, ErrInvalidSample):
		status, code, msg = http.StatusBadRequest, "validation_error", err.Error()
	case errors.Is(err, ErrNotTrackable), errors.Is(err, ErrJourneyRunning):
		status, code, msg = http.StatusBadRequest, "guard_violation", err.Error()
	}
	c.JSON(status, gin.H{"success": false, "error": code, "message": msg})
}
