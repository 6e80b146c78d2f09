// Package app assembles the chapter editing stack from configuration. Both
// server binaries build on it so they share one wiring.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"

	"chapterhub/internal/auth"
	"chapterhub/internal/chapters"
	"chapterhub/internal/editing"
	"chapterhub/internal/grpcserver"
	"chapterhub/internal/lock"
	"chapterhub/internal/notify"
	"chapterhub/internal/store"
	chsync "chapterhub/internal/sync"
	"chapterhub/pkg/database"
	"chapterhub/pkg/utils"
)

type App struct {
	Logger  *slog.Logger
	DB      *sql.DB
	Store   store.Store
	Leases  *lock.Coordinator
	Hub     *chsync.Hub
	Notify  *notify.Server
	Service *editing.Service
	Tokens  auth.TokenService

	memory *store.Memory

	cfgMu sync.RWMutex
	cfg   utils.Config
}

// New opens the configured store and builds every component. The caller
// owns the result and must Close it.
func New(ctx context.Context, cfg utils.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:    cfg,
		Logger: logger,
		Tokens: auth.TokenService{
			Secret:   []byte(cfg.Auth.Secret),
			Issuer:   cfg.Auth.Issuer,
			Duration: cfg.Auth.TokenTTL,
		},
	}

	switch cfg.Store.Driver {
	case "memory":
		mem := store.NewMemory()
		if cfg.Store.SnapshotPath != "" {
			if err := mem.LoadSnapshot(ctx, cfg.Store.SnapshotPath); err != nil {
				return nil, fmt.Errorf("load snapshot: %w", err)
			}
			logger.Info("snapshot loaded", "path", cfg.Store.SnapshotPath)
		}
		a.memory = mem
		a.Store = mem
	case "sqlite":
		dbCfg := database.DefaultConfig()
		if cfg.Store.Path != "" {
			dbCfg.Path = cfg.Store.Path
		}
		db, err := database.Open(dbCfg)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("db migrate: %w", err)
		}
		logger.Info("sqlite store opened", "path", dbCfg.Path)
		a.DB = db
		a.Store = store.NewSQLite(db)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	a.Leases = lock.NewCoordinator(
		lock.WithDefaultTTL(cfg.Lease.Duration),
		lock.WithMaxTTL(cfg.Lease.MaxDuration),
		lock.WithLogger(logger),
	)
	a.Hub = chsync.NewHub(logger)
	a.Notify = notify.NewServer(cfg.Notify.Addr, notify.NewRegistry(), logger)
	a.Service = editing.NewService(a.Store, a.Leases,
		editing.WithEvents(a.Hub),
		editing.WithNotifier(a.Notify),
		editing.WithLogger(logger),
	)
	return a, nil
}

// Config returns the configuration currently in effect.
func (a *App) Config() utils.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// ApplyConfig pushes the values that may change at runtime into the
// running components. It is safe to call while requests are served.
func (a *App) ApplyConfig(cfg utils.Config) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	prev := a.cfg
	if cfg.Lease.Duration != prev.Lease.Duration {
		a.Leases.SetDefaultTTL(cfg.Lease.Duration)
		a.Logger.Info("lease duration changed", "from", prev.Lease.Duration, "to", cfg.Lease.Duration)
	}
	if cfg.Lease.MaxDuration != prev.Lease.MaxDuration {
		a.Leases.SetMaxTTL(cfg.Lease.MaxDuration)
		a.Logger.Info("max lease duration changed", "from", prev.Lease.MaxDuration, "to", cfg.Lease.MaxDuration)
	}
	a.cfg = cfg
}

// Ready reports whether the store can serve requests.
func (a *App) Ready(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.DB.PingContext(ctx)
}

// Router builds the HTTP API.
func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a.Logger))
	_ = router.SetTrustedProxies([]string{"127.0.0.1"})

	router.GET("/ws", chsync.WSHandler(a.Hub))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "store": a.Config().Store.Driver})
	})

	router.GET("/ready", func(c *gin.Context) {
		stats := a.Hub.Stats()
		if err := a.Ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":      "not_ready",
				"db_error":    err.Error(),
				"tcp_clients": stats.TCPClients,
				"ws_clients":  stats.WSClients,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "ready",
			"tcp_clients": stats.TCPClients,
			"ws_clients":  stats.WSClients,
		})
	})

	v1 := router.Group("/v1", auth.Identity(a.Tokens, a.Config().Auth.Required))
	chapters.NewHandler(a.Service).RegisterRoutes(v1)
	return router
}

// GRPCServer builds a gRPC server with ChapterService registered.
func (a *App) GRPCServer() *grpc.Server {
	gs := grpc.NewServer(grpc.UnaryInterceptor(
		grpcserver.IdentityInterceptor(a.Tokens, a.Config().Auth.Required, a.Logger),
	))
	grpcserver.Register(gs, grpcserver.NewServer(a.Service))
	return gs
}

// Close saves the memory snapshot, if configured, and closes the database.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	snapshot := a.Config().Store.SnapshotPath
	if a.memory != nil && snapshot != "" {
		if err := a.memory.SaveSnapshot(ctx, snapshot); err != nil {
			firstErr = fmt.Errorf("save snapshot: %w", err)
		} else {
			a.Logger.Info("snapshot saved", "path", snapshot)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close db: %w", err)
		}
	}
	return firstErr
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if caller := auth.CallerID(c); caller != "" {
			attrs = append(attrs, "caller", caller)
		}
		if claims, ok := auth.ClaimsFrom(c); ok && claims.DisplayName != "" {
			attrs = append(attrs, "editor_name", claims.DisplayName)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "err", c.Errors.String())
			logger.Error("request failed", attrs...)
			return
		}
		logger.Debug("request", attrs...)
	}
}
