package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bioact-main/src/internal/gateway"

	"github.com/gin-gonic/gin"
)

type Server struct {
	Gateway *gateway.Gateway
	Engine  *gin.Engine
}

func NewServer(gw *gateway.Gateway) *Server {
	e := gin.New()
	e.Use(gin.Recovery())
	s := &Server{
		Gateway: gw,
		Engine:  e,
	}
	s.Engine.Use(s.logMiddleware())
	s.Engine.Use(s.corsMiddleware())
	s.Engine.Use(s.injectMiddleware())
	s.Engine.Use(s.authMiddleware())
	s.setupRoutesRest()
	s.setupRoutesAdmin()
	return s
}

func (s *Server) logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote", c.ClientIP(),
		)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Server-Key")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Run-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func (s *Server) setupRoutesAdmin() {
	admin := s.Engine.Group("/api/admin/v1", s.adminMiddleware())
	{
		admin.GET("/health", s.handleAdminHealth)
		admin.GET("/config", s.handleGetConfig)
		admin.GET("/runs", s.handleListRuns)
		admin.GET("/runs/:id", s.handleGetRun)
	}
}

func (s *Server) setupRoutesRest() {
	s.Engine.GET("/healthz", s.handleHealthz)
	s.Engine.GET("/metrics", gin.WrapH(s.Gateway.Metrics.Handler()))

	v1 := s.Engine.Group("/api/v1")
	{
		v1.POST("/predict", s.handlePredict)
		v1.GET("/runs/:id/download", s.handleDownload)
		v1.GET("/manifest", s.handleManifest)
	}
}

func (s *Server) injectMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("gateway", s.Gateway)
		c.Next()
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Admin endpoints use basic auth; probes stay open.
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/api/admin/v1") || path == "/healthz" || path == "/metrics" {
			c.Next()
			return
		}

		// Skip auth for OPTIONS requests (CORS preflight)
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		gw := c.MustGet("gateway").(*gateway.Gateway)
		key := gw.Config.Server.Key
		if key == "" {
			c.Next()
			return
		}
		provided := c.GetHeader("X-Server-Key")
		if provided != key {
			slog.Warn("unauthorized request", "path", path, "remote", c.ClientIP(), "provided", provided != "")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or missing server key"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		gw := c.MustGet("gateway").(*gateway.Gateway)
		user := gw.Config.Server.AdminUser
		pass := gw.Config.Server.AdminPass

		// If no admin credentials set, deny all admin access
		if user == "" || pass == "" {
			c.Header("WWW-Authenticate", `Basic realm="Admin Restricted"`)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		providedUser, providedPass, ok := c.Request.BasicAuth()
		if !ok || providedUser != user || providedPass != pass {
			c.Header("WWW-Authenticate", `Basic realm="Admin Restricted"`)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		c.Next()
	}
}

// ListenAndServe serves until ctx is done, then shuts down gracefully. The
// write timeout leaves room for the slowest descriptor engine run.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	writeTimeout := 600 * time.Second
	if t := s.Gateway.Config.Engine.Timeout + time.Minute; t > writeTimeout {
		writeTimeout = t
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Engine,
		ReadHeaderTimeout: 60 * time.Second,
		ReadTimeout:       600 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       1200 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down server...")

	ctxShut, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctxShut); err != nil {
		slog.Error("server graceful shutdown error", "error", err)
		return err
	}
	slog.Info("server stopped")
	return nil
}
