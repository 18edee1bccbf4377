// Package httpapi serves a read-only JSON view of fleet status and recent
// logs, entirely additive to the control protocol (§4.3): no handler here
// ever sends a command, stops, restarts, or backs up a child.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmastudios/mcmdd/internal/config"
	"github.com/cmastudios/mcmdd/internal/registry"
)

const sessionCookie = "mcmdd_sid"
const sessionKeyUser = "user"
const sessionTTL = 4 * time.Hour

// Server is the HTTP status API: a gin engine plus the listener it owns.
type Server struct {
	cfg *config.Config
	reg *registry.Registry
	log *zap.Logger

	summary *summaryCache

	srv *http.Server
}

// New constructs the HTTP status API. Call Start to bind and serve.
func New(cfg *config.Config, reg *registry.Registry, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		reg:     reg,
		log:     log.Named("httpapi"),
		summary: newSummaryCache(reg, 250*time.Millisecond),
	}
}

// engine builds the gin router: middleware stack, session store, and
// routes. Split out from Start so tests can drive it with httptest
// without binding a real socket.
func (s *Server) engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:5173"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(secure.New(secure.Config{
		SSLRedirect:           false,
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ContentSecurityPolicy: "default-src 'none'",
	}))

	store := cookie.NewStore([]byte(uuid.NewString()))
	store.Options(sessions.Options{
		Path:     "/api",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions(sessionCookie, store))

	r.POST("/api/login", s.handleLogin)
	r.POST("/api/logout", s.handleLogout)

	authed := r.Group("/api")
	authed.Use(s.requireSession)
	authed.GET("/servers", s.handleList)
	authed.GET("/servers/:id", s.handleGet)
	authed.GET("/servers/:id/logs", s.handleLogs)

	return r
}

// Start binds the configured HTTP port and begins serving in the
// background. It returns once the listener is bound.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	r := s.engine()

	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.cfg.HTTPPort())))
	if err != nil {
		return err
	}

	s.srv = &http.Server{Handler: r}
	s.log.Info("HTTP status API started", zap.Int("port", s.cfg.HTTPPort()))
	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP status API stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", latency),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	adminUser, adminPass := s.cfg.AdminUser(), s.cfg.AdminPass()
	if adminUser == "" || req.Username != adminUser || req.Password != adminPass {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid credentials"})
		return
	}

	sess := sessions.Default(c)
	sess.Set(sessionKeyUser, req.Username)
	if err := sess.Save(); err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to create session"})
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleLogout(c *gin.Context) {
	sess := sessions.Default(c)
	sess.Clear()
	sess.Options(sessions.Options{Path: "/api", MaxAge: -1})
	_ = sess.Save()
	c.Status(http.StatusNoContent)
}

// requireSession rejects any request without a valid login session. When no
// admin_user/admin_pass is configured, login is effectively disabled and
// every request here is refused (§4.7: "API still refuses without
// session" — there is no backdoor default-open mode).
func (s *Server) requireSession(c *gin.Context) {
	sess := sessions.Default(c)
	user, _ := sess.Get(sessionKeyUser).(string)
	if user == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "authentication required"})
		return
	}
	c.Next()
}

// handleList returns a fleet-wide summary: id, status, pid, uptime.
func (s *Server) handleList(c *gin.Context) {
	snap := s.summary.Get()
	c.Header("X-Total-Count", strconv.Itoa(len(snap)))
	c.JSON(http.StatusOK, snap)
}

// handleGet returns detail for one child. An id that is simply not
// configured gets the same 404 as one the caller isn't authorized for —
// there is no "unauthorized" distinct response, mirroring the control
// protocol's security note in §4.3.
func (s *Server) handleGet(c *gin.Context) {
	id := c.Param("id")
	sess := s.reg.Get(id)
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "not found"})
		return
	}
	c.JSON(http.StatusOK, summaryOf(sess))
}

func (s *Server) handleLogs(c *gin.Context) {
	id := c.Param("id")
	sess := s.reg.Get(id)
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "not found"})
		return
	}
	lines := sess.Log.Snapshot(c.Query("from"))
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}
