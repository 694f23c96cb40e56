package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/webstore/offline-proxy/internal/cache"
	"github.com/webstore/offline-proxy/internal/worker"
)

// Admin serves health, metrics and worker management endpoints
type Admin struct {
	echo     *echo.Echo
	addr     string
	reg      *worker.Registration
	storage  cache.Storage
	gatherer prometheus.Gatherer
}

type workerStatus struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	State   string `json:"state"`
	Entries int    `json:"entries"`
}

type statusResponse struct {
	Active  *workerStatus `json:"active"`
	Waiting *workerStatus `json:"waiting"`
	Buckets []string      `json:"buckets"`
}

type updateRequest struct {
	Version string `json:"version"`
}

// NewAdmin creates the admin API listening on addr (host:port)
func NewAdmin(addr string, reg *worker.Registration, storage cache.Storage, gatherer prometheus.Gatherer) *Admin {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	a := &Admin{
		echo:     e,
		addr:     addr,
		reg:      reg,
		storage:  storage,
		gatherer: gatherer,
	}

	e.Use(middleware.Recover())
	e.Use(requestLogging())

	e.GET("/healthz", a.health)
	e.GET("/readyz", a.ready)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	g := e.Group("/admin")
	g.GET("/status", a.status)
	g.POST("/update", a.update)
	g.POST("/skip-waiting", a.skipWaiting)

	return a
}

func requestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			logrus.WithFields(logrus.Fields{"method": c.Request().Method, "path": c.Path()}).Debug("admin request")
			return next(c)
		}
	}
}

// Handler exposes the routes, for tests
func (a *Admin) Handler() http.Handler {
	return a.echo
}

func (a *Admin) Start() error {
	logrus.Infof("Starting admin API on %s", a.addr)
	if err := a.echo.Start(a.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Admin) Shutdown(ctx context.Context) error {
	return a.echo.Shutdown(ctx)
}

func (a *Admin) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Admin) ready(c echo.Context) error {
	if a.reg.Active() == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": worker.ErrNoActiveWorker.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

func (a *Admin) status(c echo.Context) error {
	ctx := c.Request().Context()

	buckets, err := a.storage.Keys(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("listing buckets: %v", err))
	}

	res := statusResponse{Buckets: buckets}
	if res.Active, err = describe(ctx, a.reg.Active()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if res.Waiting, err = describe(ctx, a.reg.Waiting()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func describe(ctx context.Context, w *worker.Worker) (*workerStatus, error) {
	if w == nil {
		return nil, nil
	}
	entries, err := w.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting entries of %s: %w", w.Version(), err)
	}
	return &workerStatus{
		ID:      w.ID(),
		Version: w.Version(),
		State:   w.State().String(),
		Entries: entries,
	}, nil
}

func (a *Admin) update(c echo.Context) error {
	var body updateRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := cache.ValidateName(body.Version); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := a.reg.Update(c.Request().Context(), body.Version); err != nil {
		if errors.Is(err, worker.ErrInstallFailed) {
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return a.status(c)
}

func (a *Admin) skipWaiting(c echo.Context) error {
	if err := a.reg.SkipWaiting(c.Request().Context()); err != nil {
		if errors.Is(err, worker.ErrNoWaitingWorker) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return a.status(c)
}
