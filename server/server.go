package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lon9/upscale-go/config"
	"github.com/lon9/upscale-go/upscaler"
)

const shutdownTimeout = 3 * time.Second

type Server struct {
	listenAddr string
	storageDir string
	maxUpload  int64
	allowed    []string

	service   *upscaler.Service
	logger    *zap.Logger
	ginEngine *gin.Engine
	inner     *http.Server
}

// NewServer prepares the storage directory and the gin engine. Routes are
// registered here; Start begins serving.
func NewServer(cfg *config.Config, service *upscaler.Service, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := ensureDir(cfg.StorageDir); err != nil {
		return nil, err
	}

	gin.SetMode(getGinMode(cfg.Environment))
	r := gin.New()

	r.Use(requestID())
	r.Use(logger.SetLogger(
		logger.WithUTC(true),
		logger.WithSkipPath([]string{"/healthz"}),
	))
	r.Use(cors.New(
		cors.Config{
			AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowOrigins:  []string{"*"},
			AllowHeaders:  []string{"Origin", "Content-Type", requestIDHeader},
			ExposeHeaders: []string{requestIDHeader},
			MaxAge:        300 * time.Second,
		},
	))
	r.Use(gin.Recovery())
	// multipart bodies beyond this spill to disk rather than memory
	r.MaxMultipartMemory = cfg.MaxUploadSize

	s := &Server{
		listenAddr: cfg.Addr(),
		storageDir: cfg.StorageDir,
		maxUpload:  cfg.MaxUploadSize,
		allowed:    cfg.AllowedExtensions,
		service:    service,
		logger:     log.Named("server"),
		ginEngine:  r,
		inner: &http.Server{
			Handler:           r,
			Addr:              cfg.Addr(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.setupRoutes()
	return s, nil
}

// Handler exposes the engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.ginEngine
}

// Start serves until Stop is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	uc := s.service.Config()
	s.logger.Info("listening",
		zap.String("addr", s.listenAddr),
		zap.String("storage", s.storageDir),
		zap.String("model", uc.ModelPath),
		zap.Int("scale", uc.Scale),
		zap.Float64("outscale", uc.Outscale),
	)
	if err := s.inner.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.logger.Info("stopping server")
	return s.inner.Shutdown(ctx)
}

func ensureDir(dir string) error {
	if dir == "" {
		return errors.New("storage directory is not set")
	}
	stat, err := os.Stat(dir)
	if err == nil {
		if !stat.IsDir() {
			return fmt.Errorf("storage path %s exists but is not a directory", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat storage directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	return nil
}

func getGinMode(env string) string {
	switch env {
	case config.EnvironmentDevelopment:
		return gin.DebugMode
	case config.EnvironmentTest:
		return gin.TestMode
	default:
		return gin.ReleaseMode
	}
}
