package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/prefork/internal/metrics"
	"github.com/loykin/prefork/internal/supervisor"
)

// Controller is the slice of the supervisor the control API needs. Tests
// substitute a stub.
type Controller interface {
	Snapshot() []supervisor.WorkerStatus
	Health() supervisor.Health
	Reload(ctx context.Context) error
	Shutdown(ctx context.Context, graceful bool) error
}

// Router provides embeddable HTTP handlers for controlling a running pool.
// Endpoints:
//
//	GET  {basePath}/status    full worker snapshot
//	GET  {basePath}/healthz   200 healthy, 503 degraded
//	POST {basePath}/reload    rolling restart
//	POST {basePath}/shutdown  query: graceful=true|false (default true)
//	GET  {basePath}/metrics   Prometheus metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
}

// NewRouter constructs a Router with a configurable basePath.
func NewRouter(ctl Controller, basePath string) *Router {
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealthz)
	group.POST("/reload", r.handleReload)
	group.POST("/shutdown", r.handleShutdown)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone control server on addr using this router.
func NewServer(addr, basePath string, ctl Controller) (*http.Server, error) {
	r := NewRouter(ctl, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	Health  supervisor.Health         `json:"health"`
	Workers []supervisor.WorkerStatus `json:"workers"`
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResp{
		Health:  r.ctl.Health(),
		Workers: r.ctl.Snapshot(),
	})
}

func (r *Router) handleHealthz(c *gin.Context) {
	h := r.ctl.Health()
	code := http.StatusOK
	if h.Degraded || h.Ready == 0 {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

func (r *Router) handleReload(c *gin.Context) {
	if err := r.ctl.Reload(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleShutdown(c *gin.Context) {
	graceful := true
	if q := c.Query("graceful"); q != "" {
		v, err := strconv.ParseBool(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResp{Error: "invalid graceful value: " + q})
			return
		}
		graceful = v
	}
	// Detach from the request context: the response must go out before the
	// pool finishes dying.
	go func() {
		_ = r.ctl.Shutdown(context.Background(), graceful)
	}()
	c.JSON(http.StatusAccepted, okResp{OK: true})
}

func sanitizeBase(basePath string) string {
	bp := strings.TrimSpace(basePath)
	if bp == "" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}
