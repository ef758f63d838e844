// Package http provides the HTTP surface of the payment-gated job
// gateway: the gin router, the payment gate middleware and the
// facilitator client.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	paygate "github.com/x402-labs/paygate"
	"github.com/x402-labs/paygate/queue"
	"github.com/x402-labs/paygate/store"
)

// JobService is the queue surface the gateway depends on.
type JobService interface {
	Enqueue(ctx context.Context, req queue.Request) (string, error)
	Get(ctx context.Context, jobID string) (*queue.Job, error)
}

// Gateway wires the registry, queue and receipt store behind the
// payment-gated HTTP routes.
type Gateway struct {
	cfg         GateConfig
	registry    *paygate.Registry
	jobs        JobService
	receipts    store.ReceiptStore
	facilitator paygate.Facilitator
	invoices    *paygate.InvoiceCache
	logger      *slog.Logger
}

// NewGateway constructs a gateway. All collaborators are injected; the
// gateway owns only the per-process invoice cache.
func NewGateway(cfg GateConfig, registry *paygate.Registry, jobs JobService, receipts store.ReceiptStore, facilitator paygate.Facilitator, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:         cfg,
		registry:    registry,
		jobs:        jobs,
		receipts:    receipts,
		facilitator: facilitator,
		invoices:    paygate.NewInvoiceCache(15 * time.Minute),
		logger:      logger,
	}
}

// Router builds the gin engine with one gated POST route per
// registered service plus the status/receipt/stats surfaces.
func (g *Gateway) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	for _, name := range g.registry.Names() {
		svc, _ := g.registry.Get(name)
		api.POST("/"+name,
			PaymentGate(g.cfg, svc, g.facilitator, g.invoices, g.logger),
			g.handleSubmit(svc))
	}
	api.GET("/jobs/:jobId", g.handleJobStatus)

	r.GET("/health", g.handleHealth)
	r.GET("/receipts", g.handleReceipts)
	r.GET("/receipts/:id", g.handleReceipt)
	r.GET("/stats", g.handleStats)

	return r
}

// handleSubmit enqueues a unit of work once the gate has passed. The
// response carries only the jobId; outcome is observed by polling.
func (g *Gateway) handleSubmit(svc paygate.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input json.RawMessage
		if v, ok := c.Get(ContextKeyInput); ok {
			input = v.(json.RawMessage)
		}

		var receipt *paygate.PaymentReceipt
		if v, ok := c.Get(ContextKeyReceipt); ok {
			receipt = v.(*paygate.PaymentReceipt)
		}

		jobID, err := g.jobs.Enqueue(c.Request.Context(), queue.Request{
			Service: svc.Name(),
			Input:   input,
			Receipt: receipt,
		})
		if err != nil {
			status := http.StatusInternalServerError
			if paygate.CodeOf(err) == paygate.ErrCodeQueueFull {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{
				"error":   paygate.CodeOf(err),
				"message": err.Error(),
			})
			return
		}

		g.logger.Info("job enqueued", "service", svc.Name(), "jobId", jobID, "paid", receipt != nil)
		c.JSON(http.StatusOK, gin.H{"jobId": jobID})
	}
}

func (g *Gateway) handleJobStatus(c *gin.Context) {
	job, err := g.jobs.Get(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		if paygate.CodeOf(err) == paygate.ErrCodeJobNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   paygate.ErrCodeJobNotFound,
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   paygate.ErrCodeInternal,
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{"status": statusLabel(job.State)}
	switch job.State {
	case queue.StateQueued, queue.StateActive:
		resp["progress"] = job.Progress
	case queue.StateCompleted:
		resp["progress"] = job.Progress
		resp["result"] = job.Result
	case queue.StateFailed:
		resp["error"] = job.Error
	}
	c.JSON(http.StatusOK, resp)
}

// statusLabel maps internal job states onto the public status values.
func statusLabel(state queue.State) string {
	if state == queue.StateActive {
		return "processing"
	}
	return string(state)
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReceipts(c *gin.Context) {
	ctx := c.Request.Context()

	if payer := c.Query("payer"); payer != "" {
		receipts, err := g.receipts.GetByPayer(ctx, payer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": paygate.ErrCodeInternal, "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"receipts": receipts})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": paygate.ErrCodeInvalidInput, "message": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	receipts, err := g.receipts.GetRecent(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": paygate.ErrCodeInternal, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}

func (g *Gateway) handleReceipt(c *gin.Context) {
	receipt, err := g.receipts.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "receipt_not_found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": paygate.ErrCodeInternal, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (g *Gateway) handleStats(c *gin.Context) {
	stats, err := g.receipts.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": paygate.ErrCodeInternal, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
