package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/tether/internal/manager"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/process"
)

// Router provides embeddable HTTP handlers for managing processes.
// Endpoints:
//
//	POST {basePath}/start     query: name=... (registered app) or body: Spec JSON (unknown keys rejected)
//	POST {basePath}/stop      query: name=...&wait=2s (wait optional)
//	POST {basePath}/restart   query: name=...
//	GET  {basePath}/status    query: name=... (one app) or nothing (all apps)
//	GET  {basePath}/samples   query: name=... (resource samples, when sampling is on)
//	GET  {basePath}/healthz
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *mng.Manager
	basePath string
	sampler  *metrics.Sampler
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/start, /api/stop, /api/status.
func NewRouter(mgr *mng.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
}

// WithSampler exposes s under /samples.
func (r *Router) WithSampler(s *metrics.Sampler) *Router {
	r.sampler = s
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/status", r.handleStatus)
	group.GET("/samples", r.handleSamples)
	group.GET("/healthz", r.handleHealthz)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down with http.Server.Shutdown.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStart(c *gin.Context) {
	name := c.Query("name")
	if c.Request.ContentLength != 0 && name == "" {
		// unknown keys are rejected, as in a strict ecosystem file
		var spec process.Spec
		dec := json.NewDecoder(c.Request.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
		for field, p := range map[string]string{
			"cwd":        spec.Cwd,
			"pid_file":   spec.PIDFile,
			"out_file":   spec.OutFile,
			"error_file": spec.ErrorFile,
		} {
			if !isSafeAbsPath(p) {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid " + field + ": must be absolute path without traversal"})
				return
			}
		}
		if err := r.mgr.Register(spec); err != nil {
			writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
			return
		}
		name = spec.Name
	}
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param or spec body required"})
		return
	}
	if err := r.mgr.Start(c.Request.Context(), name); err != nil && !runningAnyway(err) {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	st, _ := r.mgr.Status(name)
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStop(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if err := r.mgr.Stop(name, wait); err != nil {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	if err := r.mgr.Restart(c.Request.Context(), name); err != nil && !runningAnyway(err) {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	st, _ := r.mgr.Status(name)
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusOK, r.mgr.StatusAll())
		return
	}
	st, err := r.mgr.Status(name)
	if err != nil {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleSamples(c *gin.Context) {
	if r.sampler == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling is disabled"})
		return
	}
	name := c.Query("name")
	if _, err := r.mgr.Status(name); err != nil {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.sampler.History(name))
}

type healthResp struct {
	OK      bool           `json:"ok"`
	Apps    int            `json:"apps"`
	Running int            `json:"running"`
	States  map[string]int `json:"states"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	sts := r.mgr.StatusAll()
	h := healthResp{OK: true, Apps: len(sts), States: map[string]int{}}
	for _, st := range sts {
		h.States[string(st.State)]++
		if st.Running {
			h.Running++
		}
		if st.State == process.StateErrored {
			h.OK = false
		}
	}
	code := http.StatusOK
	if !h.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, h)
}
