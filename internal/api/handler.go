package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"signal-gateway/internal/engine"
	"signal-gateway/internal/events"
	"signal-gateway/internal/signal"
	"signal-gateway/internal/unified"
	"signal-gateway/pkg/cache"
	"signal-gateway/pkg/db"
)

// Server wires the HTTP front door around the engine and gateway.
type Server struct {
	Router     *gin.Engine
	Engine     *engine.Engine
	Gateway    *unified.Gateway
	Normalizer *signal.Normalizer
	Store      *db.Store
	Mirror     *cache.Mirror
	Bus        *events.Bus
	Log        *zap.SugaredLogger

	WebhookKeys []string
	RateLimit   float64
}

func NewServer(eng *engine.Engine, gw *unified.Gateway, norm *signal.Normalizer, store *db.Store, mirror *cache.Mirror, bus *events.Bus, webhookKeys []string, rateLimit float64, log *zap.SugaredLogger) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                         // Panic recovery (first)
	r.Use(RequestIDMiddleware())                  // Request ID tracking
	r.Use(RequestLogger(log))                     // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(rateLimit, log))    // Rate limiting
	r.Use(TimeoutMiddleware(30*time.Second, log)) // Request timeout (30s)
	r.Use(CORSMiddleware())                       // CORS (last before routes)

	s := &Server{
		Router:      r,
		Engine:      eng,
		Gateway:     gw,
		Normalizer:  norm,
		Store:       store,
		Mirror:      mirror,
		Bus:         bus,
		Log:         log,
		WebhookKeys: webhookKeys,
		RateLimit:   rateLimit,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", s.websocket)

	hook := s.Router.Group("")
	hook.Use(WebhookKeyMiddleware(s.WebhookKeys))
	{
		hook.POST("/signal", s.postSignal)
		hook.POST("/webhook/:source", s.postWebhook)
	}

	s.Router.GET("/signals/:id", s.getSignal)
	s.Router.GET("/signals", s.listSignals)
	s.Router.GET("/positions", s.getPositions)
	s.Router.DELETE("/positions/:id", s.closePosition)
	s.Router.GET("/orders", s.getOrders)
	s.Router.POST("/orders", s.postOrder)
	s.Router.PUT("/orders/:id", s.putOrder)
	s.Router.DELETE("/orders/:id", s.deleteOrder)
	s.Router.GET("/accounts", s.getAccounts)
	s.Router.GET("/quotes/:symbol", s.getQuote)
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
