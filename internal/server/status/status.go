// Package status serves a read-only HTTP view of the sync server: admission state and
// the session journal.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syncbox/internal/server/admission"
	"github.com/openmined/syncbox/internal/server/api"
	"github.com/openmined/syncbox/internal/server/journal"
	"github.com/openmined/syncbox/internal/server/middlewares"
	"github.com/openmined/syncbox/internal/version"
)

const (
	DefaultRate  = "120-M"
	maxLimit     = 500
	shutdownWait = 5 * time.Second
)

var errNoJournal = errors.New("session journal disabled")

type AdmissionSource interface {
	Stats() admission.Stats
}

type SessionSource interface {
	Recent(ctx context.Context, clientID string, limit int) ([]journal.Record, error)
	Count(ctx context.Context) (int, error)
}

// Response is the body of GET /api/v1/status.
type Response struct {
	Version   string          `json:"version"`
	Uptime    string          `json:"uptime"`
	Admission admission.Stats `json:"admission"`
	Sessions  int             `json:"sessions"`
}

type SessionsResponse struct {
	Sessions []journal.Record `json:"sessions"`
}

type Handler struct {
	admission AdmissionSource
	sessions  SessionSource
	started   time.Time
}

// New builds the status handler. sessions may be nil when the journal is disabled.
func New(adm AdmissionSource, sessions SessionSource) *Handler {
	return &Handler{
		admission: adm,
		sessions:  sessions,
		started:   time.Now(),
	}
}

// Routes returns the gin engine with all status routes.
func (h *Handler) Routes(rate string) (http.Handler, error) {
	limit, err := middlewares.RateLimiter(rate)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	r := gin.New()
	r.Use(middlewares.Logger())
	r.Use(gin.Recovery())
	r.Use(middlewares.SecureHeaders())
	r.Use(middlewares.CORS())
	r.Use(middlewares.GZIP())

	r.GET("/", h.Index)
	r.GET("/healthz", h.Health)

	v1 := r.Group("/api/v1")
	v1.Use(limit)
	{
		v1.GET("/status", h.Status)
		v1.GET("/sessions", h.Sessions)
	}

	r.NoRoute(func(c *gin.Context) {
		c.PureJSON(http.StatusNotFound, api.APIError{Code: api.CodeNotFound, Message: "not found"})
	})
	return r.Handler(), nil
}

func (h *Handler) Index(ctx *gin.Context) {
	ctx.String(http.StatusOK, version.DetailedWithApp())
}

func (h *Handler) Health(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func (h *Handler) Status(ctx *gin.Context) {
	resp := Response{
		Version:   version.Short(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Admission: h.admission.Stats(),
		Sessions:  -1,
	}
	if h.sessions != nil {
		n, err := h.sessions.Count(ctx.Request.Context())
		if err != nil {
			slog.Warn("status journal count failed", "error", err)
		} else {
			resp.Sessions = n
		}
	}
	ctx.PureJSON(http.StatusOK, resp)
}

func (h *Handler) Sessions(ctx *gin.Context) {
	if h.sessions == nil {
		api.AbortWithError(ctx, http.StatusServiceUnavailable, api.CodeJournalUnavailable, errNoJournal)
		return
	}

	limit := 50
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxLimit {
			api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest,
				fmt.Errorf("limit must be between 1 and %d", maxLimit))
			return
		}
		limit = n
	}

	records, err := h.sessions.Recent(ctx.Request.Context(), ctx.Query("client"), limit)
	if err != nil {
		api.AbortWithError(ctx, http.StatusInternalServerError, api.CodeJournalQueryFailed, err)
		return
	}
	ctx.PureJSON(http.StatusOK, SessionsResponse{Sessions: records})
}

// Serve runs the status server on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("status server start", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	slog.Info("status server stop")
	return nil
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
