// Package httpapi is the REST adapter over the service pipeline and the
// job queue. It carries no pipeline logic of its own: requests map onto
// service methods and queue operations, structured errors render with
// their canonical status codes, and everything tenant-scoped requires an
// X-Tenant-ID header.
package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yungbote/keel/internal/observability"
	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/queue/adapter"
	"github.com/yungbote/keel/internal/service"
)

type Server struct {
	log      *logger.Logger
	app      *service.App
	adapter  *adapter.Adapter
	recorder *observability.Recorder
	metrics  *observability.Metrics
	expo     *observability.Exposition
	origins  []string

	engine *gin.Engine
}

type Option func(*Server)

// WithAdapter mounts the queue routes on top of the given adapter.
func WithAdapter(a *adapter.Adapter) Option {
	return func(s *Server) { s.adapter = a }
}

// WithRecorder mounts /v1/queue/stats backed by the recorder.
func WithRecorder(r *observability.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithMetrics instruments requests with the process metric set.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithExposition mounts /metrics serving the exposition.
func WithExposition(e *observability.Exposition) Option {
	return func(s *Server) { s.expo = e }
}

// WithCORSOrigins replaces the allowed origin list.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

func New(log *logger.Logger, app *service.App, opts ...Option) *Server {
	s := &Server{
		log: log.With("component", "HTTPAPI"),
		app: app,
		origins: []string{
			"http://localhost:80",
			"http://localhost:3000",
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.buildRouter()
	return s
}

// Handler returns the fully routed handler for an http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     s.origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Tenant-ID", "X-Request-ID"},
		AllowCredentials: true,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if s.expo != nil {
		router.GET("/metrics", gin.WrapH(s.expo.Handler()))
	}

	v1 := router.Group("/v1")
	v1.Use(s.requestContext(), s.observeRequests())

	v1.GET("/services/:service", s.handleFind)
	v1.POST("/services/:service", s.handleCreate)
	v1.GET("/services/:service/:id", s.handleGet)
	v1.PUT("/services/:service/:id", s.handleUpdate)
	v1.PATCH("/services/:service/:id", s.handlePatch)
	v1.DELETE("/services/:service/:id", s.handleRemove)

	if s.adapter != nil {
		v1.POST("/queues/:queue/jobs", s.handleEnqueue)
		v1.GET("/jobs/:id", s.handleJobStatus)
		v1.DELETE("/jobs/:id", s.handleJobCancel)
		v1.GET("/queue/events", s.handleJobEvents)
	}
	if s.recorder != nil {
		v1.GET("/queue/stats", s.handleQueueStats)
	}
	return router
}
