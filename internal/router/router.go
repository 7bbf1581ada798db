package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/opd-queue/internal/handler/appointment"
	"github.com/jwalitptl/opd-queue/internal/handler/health"
	"github.com/jwalitptl/opd-queue/internal/handler/queue"
	"github.com/jwalitptl/opd-queue/internal/middleware"
	"github.com/jwalitptl/opd-queue/internal/realtime"
	"github.com/jwalitptl/opd-queue/pkg/auth"
	"github.com/jwalitptl/opd-queue/pkg/metrics"
)

const wsPath = "/api/v1/queue/ws"

type Router struct {
	engine       *gin.Engine
	auth         *middleware.AuthMiddleware
	queueH       *queue.Handler
	appointmentH *appointment.Handler
	healthH      *health.Handler
	realtimeH    *realtime.Handler
	statusLimit  *middleware.RateLimiter
}

type RouterConfig struct {
	RateLimit      rate.Limit
	RateBurst      int
	RequestTimeout time.Duration
	MaxBodySize    int64
	CORSConfig     middleware.CORSConfig
	Metrics        *metrics.Metrics
}

func NewRouter(
	auth *middleware.AuthMiddleware,
	queueH *queue.Handler,
	appointmentH *appointment.Handler,
	healthH *health.Handler,
	realtimeH *realtime.Handler,
	config RouterConfig,
) *Router {
	engine := gin.New()

	if config.Metrics == nil {
		config.Metrics = metrics.NewTest()
	}

	r := &Router{
		engine:       engine,
		auth:         auth,
		queueH:       queueH,
		appointmentH: appointmentH,
		healthH:      healthH,
		realtimeH:    realtimeH,
		statusLimit: middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		}),
	}

	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logger(),
		middleware.Metrics(config.Metrics),
		middleware.SecurityHeaders(middleware.DefaultSecurityConfig()),
		middleware.CORS(config.CORSConfig),
		middleware.Timeout(config.RequestTimeout, wsPath),
		middleware.SizeLimit(config.MaxBodySize),
	)

	return r
}

func (r *Router) Setup() {
	api := r.engine.Group("/api/v1")

	r.healthH.RegisterRoutes(api)
	r.realtimeH.RegisterRoutes(api)
	r.setupPublicRoutes(api)

	protected := api.Group("")
	protected.Use(r.auth.Authenticate())
	r.setupQueueRoutes(protected)
	r.setupAdminRoutes(protected)
}

func (r *Router) setupPublicRoutes(rg *gin.RouterGroup) {
	rg.GET("/doctors/:doctorId/queue/status", r.statusLimit.RateLimit(), r.queueH.Status)
	rg.GET("/appointments/:appointmentId/live", r.statusLimit.RateLimit(), r.queueH.LiveView)
}

func (r *Router) setupQueueRoutes(rg *gin.RouterGroup) {
	doctor := rg.Group("/doctors/:doctorId")

	// cancelling is open to any authenticated caller
	doctor.POST("/appointments/:appointmentId/cancel", r.queueH.CancelVisit)

	staff := doctor.Group("")
	staff.Use(
		r.auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin),
		r.auth.RequireDoctorAccess("doctorId"),
	)
	{
		staff.POST("/queue/advance", r.queueH.Advance)
		staff.POST("/queue/absent", r.queueH.MarkAbsent)
		staff.POST("/queue/reset", r.queueH.Reset)
		staff.POST("/queue/session", r.queueH.StartSession)
		staff.POST("/appointments/:appointmentId/complete", r.queueH.CompleteVisit)
		staff.GET("/appointments", r.appointmentH.ListAppointments)
	}
}

func (r *Router) setupAdminRoutes(rg *gin.RouterGroup) {
	admin := rg.Group("")
	admin.Use(r.auth.RequireRole(auth.RoleAdmin))
	{
		admin.POST("/doctors", r.appointmentH.CreateDoctor)
		admin.GET("/doctors", r.appointmentH.ListDoctors)
		admin.GET("/doctors/:doctorId", r.appointmentH.GetDoctor)
		admin.POST("/doctors/:doctorId/appointments", r.appointmentH.CreateAppointment)
		admin.GET("/appointments/:appointmentId", r.appointmentH.GetAppointment)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
