package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"cart-service/internal/service"
	"cart-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck reports whether a backing dependency is reachable.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	registry  *service.Registry
	jwtSecret []byte
	checks    []ReadinessCheck
}

// NewHandler creates a new HTTP handler
func NewHandler(registry *service.Registry, jwtSecret string, checks ...ReadinessCheck) *Handler {
	return &Handler{
		registry:  registry,
		jwtSecret: []byte(jwtSecret),
		checks:    checks,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(sessionMiddleware(), authMiddleware(h.jwtSecret))
	{
		v1.GET("/cart", h.getCart)
		v1.DELETE("/cart", h.clearCart)
		v1.POST("/cart/items", h.addItem)
		v1.PUT("/cart/items/:key", h.updateItem)
		v1.DELETE("/cart/items/:key", h.removeItem)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			util.GetLogger().Warn("Readiness check failed",
				zap.String("check", check.Name),
				zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"failed": check.Name,
				"time":   time.Now().Unix(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ready",
		"sessions": h.registry.Len(),
		"time":     time.Now().Unix(),
	})
}

type syncErrorBody struct {
	Message string                `json:"message"`
	Failed  []service.SyncFailure `json:"failed"`
}

type cartResponse struct {
	Cart      service.Summary                `json:"cart"`
	Warnings  []service.StockConflictWarning `json:"warnings,omitempty"`
	Stale     bool                           `json:"stale,omitempty"`
	SyncError *syncErrorBody                 `json:"syncError,omitempty"`
}

// engineFor resolves the session's engine and brings it in line with the caller's auth state.
// It writes the error response and returns nil when the cart cannot be used.
func (h *Handler) engineFor(c *gin.Context) (*service.Engine, *syncErrorBody) {
	engine := h.registry.Engine(sessionID(c), subject(c))
	state := service.AuthState{IsAuthenticated: isAuthenticated(c)}

	err := engine.ObserveAuth(c.Request.Context(), state)
	if err == nil {
		return engine, nil
	}

	var syncErr *service.SyncError
	if errors.As(err, &syncErr) {
		return engine, &syncErrorBody{Message: syncErr.Message(), Failed: syncErr.Failed}
	}
	writeError(c, err)
	return nil, nil
}

func (h *Handler) respond(c *gin.Context, engine *service.Engine, result *service.OpResult, syncErr *syncErrorBody) {
	resp := cartResponse{
		Cart:      engine.Summary(),
		SyncError: syncErr,
	}
	if result != nil {
		resp.Warnings = result.Warnings
		resp.Stale = result.Stale
	}
	c.JSON(http.StatusOK, resp)
}

// getCart returns the current cart summary
func (h *Handler) getCart(c *gin.Context) {
	engine, syncErr := h.engineFor(c)
	if engine == nil {
		return
	}
	h.respond(c, engine, nil, syncErr)
}

// addItem handles add-to-cart
func (h *Handler) addItem(c *gin.Context) {
	var req AddItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	input, err := req.toInput()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	engine, syncErr := h.engineFor(c)
	if engine == nil {
		return
	}

	result, err := engine.AddItem(c.Request.Context(), input)
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, engine, result, syncErr)
}

// updateItem changes the quantity of one line
func (h *Handler) updateItem(c *gin.Context) {
	var req UpdateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	engine, syncErr := h.engineFor(c)
	if engine == nil {
		return
	}

	result, err := engine.ChangeQuantity(c.Request.Context(), c.Param("key"), *req.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, engine, result, syncErr)
}

// removeItem deletes one line
func (h *Handler) removeItem(c *gin.Context) {
	engine, syncErr := h.engineFor(c)
	if engine == nil {
		return
	}

	result, err := engine.RemoveItem(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, engine, result, syncErr)
}

// clearCart empties the cart
func (h *Handler) clearCart(c *gin.Context) {
	engine, syncErr := h.engineFor(c)
	if engine == nil {
		return
	}

	if err := engine.ClearItems(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, engine, nil, syncErr)
}

func writeError(c *gin.Context, err error) {
	var cartErr *service.CartError
	if !errors.As(err, &cartErr) {
		util.GetLogger().Error("Unexpected cart error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	switch cartErr.Kind {
	case service.KindValidation:
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": cartErr.Message,
			"kind":  cartErr.Kind,
		})
	default:
		c.JSON(http.StatusBadGateway, gin.H{
			"error":          cartErr.Message,
			"kind":           cartErr.Kind,
			"upstreamStatus": cartErr.StatusCode,
		})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
