package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mfriedel/channelgate/internal/gateway"
	"github.com/mfriedel/channelgate/internal/platform/config"
)

// PingChecker is an optional dependency health probe (e.g. the redis
// token store) consulted by the readiness endpoint.
type PingChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	echo          *echo.Echo
	config        *config.Config
	hub           *gateway.Hub
	session       *gateway.Session
	upgrader      websocket.Upgrader
	globalLimiter *GlobalConnectionLimiter
	ipLimiter     *IPConnectionLimiter
	depChecker    PingChecker
	startTime     time.Time
}

func NewServer(cfg *config.Config, hub *gateway.Hub, session *gateway.Session, depChecker PingChecker) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:    e,
		config:  cfg,
		hub:     hub,
		session: session,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.AppURL, cfg.AppEnv == "development"),
		},
		globalLimiter: NewGlobalConnectionLimiter(cfg.MaxConnections),
		ipLimiter:     NewIPConnectionLimiter(cfg.MaxConnectionsPerIP),
		depChecker:    depChecker,
		startTime:     time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
