// Package httpapi exposes the publisher over HTTP: dispatch, duplicate checks, quota and
// channel health, plus /healthz and optional pprof.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"crosspost/internal/publish/dispatcher"
	"crosspost/internal/publish/duplicate"
	"crosspost/internal/publish/health"
	"crosspost/internal/publish/quota"
	"crosspost/pkg/logx"
)

// Publisher is the slice of publisher.Service the API needs.
type Publisher interface {
	Publish(ctx context.Context, userID, postID string, channelIDs []string) (dispatcher.Report, error)
	CheckDuplicate(ctx context.Context, userID, content string, platforms []string) (duplicate.Result, error)
	QuotaStatus(ctx context.Context, platform string) (quota.Status, error)
	ChannelHealth(ctx context.Context, userID string) ([]health.HealthStatus, error)
}

type Config struct {
	Addr string
	// JWTSecret enables HS256 bearer auth. Empty trusts the X-User-ID header.
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Pprof        bool
	PprofToken   string
}

type Server struct {
	cfg    Config
	pub    Publisher
	log    logx.Logger
	now    func() time.Time
	health func() any

	mu     sync.Mutex
	srv    *http.Server
	engine *gin.Engine
}

type Option func(*Server)

// WithHealth sets the extra payload served on /healthz.
func WithHealth(fn func() any) Option { return func(s *Server) { s.health = fn } }

func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

func New(cfg Config, pub Publisher, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	s := &Server{cfg: cfg, pub: pub, log: log.With(logx.String("comp", "httpapi")), now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	registerValidators()
	s.engine = s.routes()
	return s
}

// Handler returns the router; tests drive it with httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.recovery(), s.accessLog())

	r.GET("/healthz", s.handleHealthz)
	if s.cfg.Pprof {
		mountPprof(r, s.cfg.PprofToken)
	}

	v1 := r.Group("/v1", authenticate(s.cfg.JWTSecret))
	v1.POST("/posts/:id/dispatch", s.handleDispatch)
	v1.POST("/duplicates/check", s.handleDuplicateCheck)
	v1.GET("/quota/:platform", s.handleQuota)
	v1.GET("/channels/health", s.handleChannelHealth)
	return r
}

// Serve listens until ctx ends. It is meant to run under a supervisor restart loop.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.cfg.JWTSecret != ""), logx.Bool("pprof", s.cfg.Pprof))
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return ctx.Err()
	}
	return err
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, rec any) {
		s.log.Error("handler panicked", logx.String("path", c.FullPath()), logx.Any("panic", rec))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody("internal error"))
	})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("route", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		}
		if uid := c.GetString(userIDKey); uid != "" {
			fields = append(fields, logx.String("user", uid))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request", fields...)
	}
}
