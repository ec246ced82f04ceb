package escrow

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/holdpay/holdpay/internal/tracking"
	"github.com/holdpay/holdpay/internal/validation"
)

// LocationReader supplies the rider's current position for order detail.
type LocationReader interface {
	Latest(ctx context.Context, orderID string) (*tracking.Sample, error)
}

// Handler provides HTTP endpoints for orders and disputes.
type Handler struct {
	service   *Service
	locations LocationReader
	logger    *slog.Logger
}

// NewHandler creates a new escrow handler. locations may be nil.
func NewHandler(service *Service, locations LocationReader, logger *slog.Logger) *Handler {
	return &Handler{service: service, locations: locations, logger: logger}
}

// RegisterRoutes sets up order and dispute routes under /api.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/active", h.ListActiveOrders)

	orders := r.Group("/orders/:id", validation.IDParamMiddleware())
	orders.GET("", h.GetOrder)
	orders.PATCH("/status", h.UpdateStatus)
	orders.POST("/assign-driver", h.AssignDriver)
	orders.POST("/verify-payment", h.VerifyPayment)
	orders.POST("/confirm-delivery", h.ConfirmDelivery)
	orders.POST("/report-issue", h.ReportIssue)

	r.POST("/disputes/:id/resolve", validation.IDParamMiddleware(), h.ResolveDispute)
	r.GET("/disputes/:id", validation.IDParamMiddleware(), h.GetDispute)
}

// RegisterAdminRoutes sets up admin routes under /api/admin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListDisputes)
	r.GET("/stats", h.GetStats)
	r.DELETE("/orders/:id", validation.IDParamMiddleware(), h.DeleteOrder)
}

// CreateOrder handles POST /api/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	order, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":          true,
		"order":            order,
		"orderId":          order.ID,
		"invoiceId":        order.InvoiceID,
		"paymentUrl":       order.PaymentURL,
		"lightningInvoice": order.LightningInvoice,
	})
}

// GetOrder handles GET /api/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	order, err := h.service.Get(ctx, id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := gin.H{"success": true, "order": order}
	if d, err := h.service.DisputeForOrder(ctx, id); err == nil {
		resp["dispute"] = d
	} else if !errors.Is(err, ErrDisputeNotFound) {
		h.respondError(c, err)
		return
	}
	if h.locations != nil {
		if loc, err := h.locations.Latest(ctx, id); err == nil {
			resp["riderLocation"] = loc
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ListOrders handles GET /api/orders?status=&user_id=&limit=&cursor=
func (h *Handler) ListOrders(c *gin.Context) {
	page, err := h.service.List(c.Request.Context(), ListParams{
		Status: Status(c.Query("status")),
		UserID: c.Query("user_id"),
		Limit:  queryInt(c, "limit"),
		Cursor: c.Query("cursor"),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"orders":     page.Orders,
		"count":      len(page.Orders),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// ListActiveOrders handles GET /api/orders/active
func (h *Handler) ListActiveOrders(c *gin.Context) {
	orders, err := h.service.ListActive(c.Request.Context(), queryInt(c, "limit"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if orders == nil {
		orders = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "orders": orders, "count": len(orders)})
}

// UpdateStatus handles PATCH /api/orders/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req struct {
		Status Status `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "status is required")
		return
	}

	order, err := h.service.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "order": order})
}

// AssignDriver handles POST /api/orders/:id/assign-driver
func (h *Handler) AssignDriver(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	order, err := h.service.AssignDriver(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "order": order})
}

// VerifyPayment handles POST /api/orders/:id/verify-payment
func (h *Handler) VerifyPayment(c *gin.Context) {
	order, paid, err := h.service.VerifyPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "paid": paid, "order": order})
}

// ConfirmDelivery handles POST /api/orders/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req ConfirmRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body")
			return
		}
	}
	if req.SellerLightningInvoice != "" {
		if errs := validation.Validate(
			validation.ValidLightningInvoice("seller_lightning_invoice", req.SellerLightningInvoice),
		); len(errs) > 0 {
			badRequest(c, errs.Error())
			return
		}
	}

	order, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Delivery confirmed. Payment released to seller.",
		"order":   order,
		"txId":    order.ReleaseTxID,
	})
}

// ReportIssue handles POST /api/orders/:id/report-issue
func (h *Handler) ReportIssue(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "issue_type and description are required")
		return
	}

	order, dispute, err := h.service.ReportIssue(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "Issue reported. Escrow frozen pending review.",
		"order":   order,
		"dispute": dispute,
	})
}

// ResolveDispute handles POST /api/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "resolution is required")
		return
	}

	order, dispute, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"order":   order,
		"dispute": dispute,
		"txId":    dispute.TxID,
	})
}

// GetDispute handles GET /api/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.GetDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "dispute": d})
}

// ListDisputes handles GET /api/admin/disputes?status=
func (h *Handler) ListDisputes(c *gin.Context) {
	limit := queryInt(c, "limit")
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	disputes, err := h.service.ListDisputes(c.Request.Context(), DisputeStatus(c.Query("status")), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "disputes": disputes, "count": len(disputes)})
}

// GetStats handles GET /api/admin/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

// DeleteOrder handles DELETE /api/admin/orders/:id
func (h *Handler) DeleteOrder(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind string) int {
	switch kind {
	case KindValidation, KindGuardViolation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindProviderFailure, KindProviderDeclined:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondError(c *gin.Context, err error) {
	kind := Kind(err)
	status := StatusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"success": false, "error": kind, "message": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": KindValidation, "message": msg})
}

func queryInt(c *gin.Context, key string) int {
	n, _ := strconv.Atoi(c.Query(key))
	return n
}
