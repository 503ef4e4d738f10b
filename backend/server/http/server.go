package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/presence-relay/backend/model"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type Presence interface {
	OnlineUsers() []model.UserID
	IsOnline(id model.UserID) bool
	ConnectionCount() int
}

type OnlineResponse struct {
	Count int            `json:"count"`
	Users []model.UserID `json:"users"`
}

type UserStatusResponse struct {
	UserID model.UserID `json:"user_id"`
	Online bool         `json:"online"`
}

type StatsResponse struct {
	Connections int `json:"connections"`
}

type GenericResponse struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Server struct {
	logger   zerolog.Logger
	presence Presence
	*http.Server
}

type Config struct {
	Logger     *zerolog.Logger
	Presence   Presence
	Gatherer   prometheus.Gatherer
	ListenAddr string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "api-server").Logger(),
		presence: cfg.Presence,
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), srv.accessLog, cors)

	r.GET("/health", srv.health)
	api := r.Group("/api")
	api.GET("/online", srv.online)
	api.GET("/online/:userID", srv.userStatus)
	api.GET("/stats", srv.stats)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func cors(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	if c.Request.Method != http.MethodOptions {
		c.Next()
		return
	}
	c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
	c.Header("Access-Control-Max-Age", "86400")
	c.AbortWithStatus(http.StatusNoContent)
}

func (srv *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	srv.logger.Trace().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(start)).
		Msg("request served")
}

func (srv *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, &GenericResponse{Status: "ok"})
}

func (srv *Server) online(c *gin.Context) {
	users := srv.presence.OnlineUsers()
	if users == nil {
		users = []model.UserID{}
	}
	c.JSON(http.StatusOK, &OnlineResponse{Count: len(users), Users: users})
}

func (srv *Server) userStatus(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("userID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, &GenericResponse{Error: "invalid user id"})
		return
	}
	userID := model.UserID(id)
	c.JSON(http.StatusOK, &UserStatusResponse{UserID: userID, Online: srv.presence.IsOnline(userID)})
}

func (srv *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, &StatsResponse{Connections: srv.presence.ConnectionCount()})
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
