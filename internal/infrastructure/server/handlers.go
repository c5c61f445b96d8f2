package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/apmtrace/internal/tracing"
)

// handleHealth reports liveness and the tracer's delivery state
func (s *Server) handleHealth(c *gin.Context) {
	stats := s.tracer.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"service":      s.config.Tracer.Service,
		"tracer":       gin.H{"enabled": stats.Enabled, "writer_state": stats.WriterState},
		"http_metrics": s.metrics.Snapshot(),
	})
}

func (s *Server) handleTracerStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracer.Stats())
}

func (s *Server) handleOperations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"components": s.registry.Components()})
}

// handleGetItem returns the stock of one SKU
func (s *Server) handleGetItem(c *gin.Context) {
	sku := c.Param("sku")

	var count int
	err := s.registry.Trace(c.Request.Context(), inventoryComponent, "lookup", func(ctx context.Context) error {
		if span, ok := tracing.SpanFromContext(ctx); ok {
			span.SetTag("inventory.sku", sku)
		}
		var err error
		count, err = s.stock.lookup(sku)
		return err
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sku": sku, "available": count})
}

// handleReserve takes qty units of a SKU out of stock
func (s *Server) handleReserve(c *gin.Context) {
	sku := c.Param("sku")
	qty, err := strconv.Atoi(c.DefaultQuery("qty", "1"))
	if err != nil || qty <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "qty must be a positive integer"})
		return
	}

	var remaining int
	err = s.registry.Trace(c.Request.Context(), inventoryComponent, "reserve", func(ctx context.Context) error {
		if span, ok := tracing.SpanFromContext(ctx); ok {
			span.SetTag("inventory.sku", sku)
			span.SetTag("inventory.qty", qty)
		}

		// the availability check is its own span under the reservation
		if err := s.registry.Trace(ctx, inventoryComponent, "lookup", func(context.Context) error {
			_, err := s.stock.lookup(sku)
			return err
		}); err != nil {
			return err
		}

		var err error
		remaining, err = s.stock.reserve(sku, qty)
		return err
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sku": sku, "reserved": qty, "remaining": remaining})
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errUnknownSKU):
		status = http.StatusNotFound
	case errors.Is(err, errOutOfStock):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
