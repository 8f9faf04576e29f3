package web

import (
	"context"
	"errors"
	"fmt"
	"github.com/XANi/ecos2mqtt/configflow"
	"github.com/XANi/ecos2mqtt/integration"
	"github.com/XANi/ecos2mqtt/sensor"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"html/template"
	"io/fs"
	"net/http"
	"time"
)

// EntryStore persists config entries
type EntryStore interface {
	Add(entry integration.ConfigEntry) error
	Remove(entryID string) error
	List() ([]integration.ConfigEntry, error)
}

// EntryManager loads and unloads entries at runtime
type EntryManager interface {
	// Setup keeps retrying in the background when the entry is not ready yet
	Setup(ctx context.Context, entry integration.ConfigEntry) error
	UnloadEntry(ctx context.Context, entryID string) (bool, error)
	Runtime(entryID string) (*integration.Runtime, bool)
}

// SensorLister returns entities of a loaded entry
type SensorLister interface {
	Entities(entryID string) []*sensor.Entity
}

type Config struct {
	Logger     *zap.SugaredLogger
	ListenAddr string
	Store      EntryStore
	Manager    EntryManager
	Flow       *configflow.Flow
	Sensors    SensorLister
	Gatherer   prometheus.Gatherer
}

type WebBackend struct {
	l   *zap.SugaredLogger
	cfg Config
	r   *gin.Engine
	srv *http.Server
}

func New(cfg Config, webFS fs.FS) (*WebBackend, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	w := WebBackend{
		l:   cfg.Logger,
		cfg: cfg,
	}
	r := gin.New()
	r.Use(ginzap.Ginzap(w.l.Desugar(), time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(w.l.Desugar(), true))
	t, err := template.New("").ParseFS(webFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("error loading templates: %w", err)
	}
	r.SetHTMLTemplate(t)
	static, err := fs.Sub(webFS, "static")
	if err != nil {
		return nil, fmt.Errorf("error loading static files: %w", err)
	}
	r.StaticFS("/s", http.FS(static))

	r.GET("/", w.Index)
	r.GET("/setup", w.SetupForm)
	r.POST("/setup", w.SetupSubmit)
	r.GET("/health", w.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api/v1")
	api.GET("/entries", w.ListEntries)
	api.DELETE("/entries/:id", w.DeleteEntry)
	api.GET("/entries/:id/sensors", w.ListSensors)

	r.NoRoute(func(c *gin.Context) {
		c.HTML(http.StatusNotFound, "404.tmpl", gin.H{
			"notfound": c.Request.URL.Path,
		})
	})
	w.r = r
	return &w, nil
}

// Handler exposes the router, mostly for tests
func (b *WebBackend) Handler() http.Handler {
	return b.r
}

func (b *WebBackend) Run() error {
	b.l.Infof("listening on %s", b.cfg.ListenAddr)
	b.srv = &http.Server{
		Addr:              b.cfg.ListenAddr,
		Handler:           b.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := b.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (b *WebBackend) Shutdown(ctx context.Context) error {
	if b.srv == nil {
		return nil
	}
	return b.srv.Shutdown(ctx)
}

