// Package worker is the reference worker: an echo server that speaks the
// four-operation protocol on a unix socket or loopback TCP address.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loykin/sidekick/internal/events"
	"github.com/loykin/sidekick/internal/wire"
)

const shutdownTimeout = 2 * time.Second

type Server struct {
	e       *echo.Echo
	log     *slog.Logger
	counter atomic.Int64
	lucky   func() int
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		e:      echo.New(),
		log:    log,
		lucky:  func() int { return rand.IntN(100) + 1 },
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(middleware.Recover())
	s.e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	s.e.GET("/health", s.health)
	s.e.GET("/status", s.status)
	s.e.POST("/input", s.input)
	s.e.POST("/stop", s.stop)
	return s
}

// Handler exposes the routes for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

// Stopping is closed once a stop request has been received.
func (s *Server) Stopping() <-chan struct{} { return s.stopCh }

func (s *Server) timestamp() float64 {
	return float64(s.now().UnixNano()) / 1e9
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, events.Payload{Status: "ok"})
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, events.Payload{
		Type:      "status",
		Message:   fmt.Sprintf("Here is your lucky number: %d", s.lucky()),
		Count:     s.counter.Add(1),
		Timestamp: s.timestamp(),
	})
}

type inputRequest struct {
	Input *string `json:"input"`
}

func (s *Server) input(c echo.Context) error {
	var req inputRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, events.Payload{Error: "Invalid JSON"})
	}
	if req.Input == nil {
		return c.JSON(http.StatusBadRequest, events.Payload{Error: "No input provided"})
	}
	text := *req.Input
	return c.JSON(http.StatusOK, events.Payload{
		Type:      "user_input",
		Input:     text,
		Message:   "You said: " + text,
		Output:    RemoveVowels(text),
		Count:     s.counter.Add(1),
		Timestamp: s.timestamp(),
	})
}

func (s *Server) stop(c echo.Context) error {
	s.stopOnce.Do(func() {
		s.log.Info("stop requested")
		close(s.stopCh)
	})
	return c.JSON(http.StatusOK, events.Payload{Status: "stopping"})
}

// RemoveVowels drops ASCII vowels of either case.
func RemoveVowels(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune("aeiouAEIOU", r) {
			return -1
		}
		return r
	}, s)
}

// Listen opens ep. For unix sockets it creates the parent directory,
// removes a stale socket file and restricts the new one to the owner.
func Listen(ep wire.Endpoint) (net.Listener, error) {
	if !ep.IsUnix() {
		return net.Listen("tcp", ep.Address)
	}
	path := ep.Address
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Serve answers requests on ln until ctx is cancelled or a stop request
// arrives, then shuts down gracefully so the stop reply is delivered.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.e, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-s.stopCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	return err
}
