// Package api is the presentation boundary: HTTP ingress for requests and
// evolution confirmations, plus read-only projections of the registries and
// the execution log.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"steward/internal/engine"
	"steward/internal/logging"
)

// API exposes the agent over HTTP.
type API struct {
	agent *engine.Agent
}

// NewAPI creates the handler set for an agent.
func NewAPI(agent *engine.Agent) *API {
	return &API{agent: agent}
}

// Router builds the gin engine with all routes registered.
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	{
		v1.POST("/requests", a.interpretHandler)
		v1.GET("/schema", a.schemaHandler)
		v1.GET("/workflows", a.workflowsHandler)
		v1.GET("/log", a.logHandler)
		v1.GET("/evolutions", a.evolutionsHandler)
		v1.POST("/evolutions/:id/confirm", a.confirmHandler)
	}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// interpretHandler is the request ingress: raw text in, execution result out.
func (a *API) interpretHandler(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}

	logging.API("Request ingress: %q", req.Text)

	result, err := a.agent.InterpretAndExecute(c.Request.Context(), req.Text)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Interpretation failed: " + err.Error()})
		return
	}

	status := http.StatusOK
	if result.Status == engine.StatusFailed {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

// schemaHandler projects the current schema registry version.
func (a *API) schemaHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": a.agent.Schemas.Version(),
		"types":   a.agent.Schemas.Types(),
	})
}

// workflowsHandler projects the active workflow definitions.
func (a *API) workflowsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"workflows": a.agent.Workflows.Active(),
	})
}

// logHandler returns recent execution log entries, newest first.
func (a *API) logHandler(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	entries, err := a.agent.Store.RecentLog(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read log: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// evolutionsHandler lists provisional evolutions awaiting confirmation.
func (a *API) evolutionsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": a.agent.Evolutions().Pending()})
}

// confirmHandler resolves one provisional evolution.
func (a *API) confirmHandler(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		Decision string `json:"decision" binding:"required"` // accept | reject
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}
	if req.Decision != "accept" && req.Decision != "reject" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Decision must be accept or reject"})
		return
	}

	err := a.agent.ConfirmEvolution(c.Request.Context(), id, req.Decision == "accept")
	if err != nil {
		if errors.Is(err, engine.ErrEvolutionBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "decision": req.Decision})
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Server wraps the HTTP server with graceful shutdown.
type Server struct {
	srv *http.Server
}

// NewServer binds the API to an address.
func NewServer(addr string, a *API) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           a.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed after a
// graceful shutdown is not an error.
func (s *Server) ListenAndServe() error {
	logging.API("Listening on %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
