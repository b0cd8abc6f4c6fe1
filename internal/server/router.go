package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/sidekick/internal/events"
	"github.com/loykin/sidekick/internal/journal"
	"github.com/loykin/sidekick/internal/supervisor"
	"github.com/loykin/sidekick/internal/wire"
)

// Controller is the part of the supervisor the API drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendInputSync(ctx context.Context, text string) (events.Payload, error)
	RecordActivity()
	Snapshot() supervisor.State
}

// Options wires optional features into the router.
type Options struct {
	BasePath string
	// Token enables bearer authentication on every route except /metrics.
	Token string
	// Bus feeds GET {base}/events. Nil disables the route.
	Bus *events.Broadcaster
	// Journal serves GET {base}/journal. Nil disables the route.
	Journal journal.Reader
	// Metrics is mounted at /metrics when non-nil.
	Metrics   http.Handler
	Heartbeat time.Duration
	// EventBuffer is the per-client event queue of the events stream.
	EventBuffer int
	Logger      *slog.Logger
}

// Router provides embeddable HTTP handlers for controlling the supervisor.
// Endpoints:
//
//	POST {basePath}/start
//	POST {basePath}/stop
//	POST {basePath}/input     body: {"input": "..."}
//	POST {basePath}/activity
//	GET  {basePath}/state
//	GET  {basePath}/events    query: stream=status,error (optional)
//	GET  {basePath}/journal   query: limit=N (optional)
//	GET  /metrics
type Router struct {
	ctl  Controller
	opts Options
	log  *slog.Logger
}

// NewRouter constructs a new Router. basePath "/api" results in
// /api/start, /api/stop and so on.
func NewRouter(ctl Controller, opts Options) *Router {
	opts.BasePath = sanitizeBase(opts.BasePath)
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{ctl: ctl, opts: opts, log: log.With("component", "api")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.opts.Metrics != nil {
		g.GET("/metrics", gin.WrapH(r.opts.Metrics))
	}
	group := g.Group(r.opts.BasePath)
	if r.opts.Token != "" {
		group.Use(bearerAuth(r.opts.Token))
	}
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/input", r.handleInput)
	group.POST("/activity", r.handleActivity)
	group.GET("/state", r.handleState)
	if r.opts.Bus != nil {
		group.GET("/events", r.handleEvents)
	}
	if r.opts.Journal != nil {
		group.GET("/journal", r.handleJournal)
	}
	return g
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type inputReq struct {
	Input *string `json:"input"`
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.ctl.Start(c.Request.Context()); err != nil {
		r.log.Warn("start failed", "error", err)
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.ctl.Snapshot())
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.ctl.Stop(c.Request.Context()); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.ctl.Snapshot())
}

func (r *Router) handleInput(c *gin.Context) {
	var req inputReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Input == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "input required"})
		return
	}
	p, err := r.ctl.SendInputSync(c.Request.Context(), *req.Input)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (r *Router) handleActivity(c *gin.Context) {
	r.ctl.RecordActivity()
	writeJSON(c, http.StatusOK, r.ctl.Snapshot())
}

func (r *Router) handleState(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Snapshot())
}

func (r *Router) handleJournal(c *gin.Context) {
	limit := 100
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := r.opts.Journal.Recent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if recs == nil {
		recs = []journal.Record{}
	}
	writeJSON(c, http.StatusOK, recs)
}

// handleEvents streams published events as server-sent events. The SSE
// event name is the stream name.
func (r *Router) handleEvents(c *gin.Context) {
	filter := map[events.Stream]bool{}
	for _, s := range strings.Split(c.Query("stream"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			filter[events.Stream(s)] = true
		}
	}

	ch, cancel := r.opts.Bus.Subscribe(r.opts.EventBuffer)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(r.opts.Heartbeat)
	defer heartbeat.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			_, err := io.WriteString(w, ": ping\n\n")
			return err == nil
		case e, ok := <-ch:
			if !ok {
				return false
			}
			if len(filter) > 0 && !filter[e.Stream] {
				return true
			}
			c.SSEvent(string(e.Stream), e)
			return true
		}
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrNotRunning), errors.Is(err, supervisor.ErrStartAborted):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrStartupTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, wire.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, wire.ErrConnect), errors.Is(err, wire.ErrProtocol), errors.Is(err, wire.ErrUnhealthy):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
