package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	axon "github.com/janreges/axon-mcp-sub003"
	"github.com/janreges/axon-mcp-sub003/agent/persistence"
	"github.com/janreges/axon-mcp-sub003/api/handlers"
	"github.com/janreges/axon-mcp-sub003/config"
	"github.com/janreges/axon-mcp-sub003/internal/cache"
	"github.com/janreges/axon-mcp-sub003/internal/database"
	"github.com/janreges/axon-mcp-sub003/internal/metrics"
	"github.com/janreges/axon-mcp-sub003/internal/server"
	"github.com/janreges/axon-mcp-sub003/internal/telemetry"
	"github.com/janreges/axon-mcp-sub003/internal/tlsutil"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 Axon 的主服务器，持有协调核心与各后端连接
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler *handlers.HealthHandler

	metricsCollector *metrics.Collector
	telemetry        *telemetry.Providers

	backends    *backends
	defCache    *cache.Manager
	coordinator *axon.Coordinator

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务。失败时已初始化的部分由 Shutdown 负责释放。
func (s *Server) Start(ctx context.Context) error {
	// 1. 指标与遥测
	s.metricsCollector = metrics.NewCollector("axon", s.logger)

	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	s.telemetry = providers

	// 2. 存储后端
	s.backends, err = openBackends(s.cfg, s.metricsCollector, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	// 3. 协调核心
	if err := s.initCoordinator(ctx); err != nil {
		return fmt.Errorf("failed to init coordinator: %w", err)
	}

	// 4. HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("store", s.cfg.Store.Type),
		zap.Bool("definition_cache", s.defCache != nil),
	)
	return nil
}

// initCoordinator 创建协调核心并启动后台巡检
func (s *Server) initCoordinator(ctx context.Context) error {
	instruments, err := telemetry.NewInstruments(s.telemetry.Tracer(), s.telemetry.Meter())
	if err != nil {
		return err
	}

	opts := []axon.Option{
		axon.WithMetrics(s.metricsCollector),
		axon.WithInstruments(instruments),
	}
	if s.cfg.Redis.Enabled && s.backends.redis != nil {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.KeyPrefix = "cache:"
		cacheCfg.DefaultTTL = s.cfg.Redis.DefinitionTTL
		s.defCache = cache.NewManagerFromClient(s.backends.redis, cacheCfg, s.logger)
		opts = append(opts, axon.WithDefinitionCache(s.defCache))
	}

	coord, err := axon.New(s.backends.store, axon.ConfigFrom(s.cfg), s.logger, opts...)
	if err != nil {
		return err
	}
	s.coordinator = coord
	return coord.Start(ctx)
}

// =============================================================================
// 🔌 存储后端
// =============================================================================

// backends 持有存储及其底层连接。
// store 关闭时会释放交给它的连接池或 Redis 客户端，
// close 只释放 store 未接管的连接。
type backends struct {
	store persistence.Store
	pool  *database.PoolManager
	redis *redis.Client

	redisOwnedByStore bool
}

// openBackends 按配置打开数据库连接池与 Redis 客户端并创建存储。
// collector 为 nil 时不上报连接池指标。
func openBackends(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (*backends, error) {
	b := &backends{}
	storeType := persistence.StoreType(cfg.Store.Type)

	if storeType == persistence.StoreTypeSQL {
		poolCfg := database.DefaultPoolConfig()
		poolCfg.Name = cfg.Database.Driver
		if cfg.Database.MaxOpenConns > 0 {
			poolCfg.MaxOpenConns = cfg.Database.MaxOpenConns
		}
		if cfg.Database.MaxIdleConns > 0 {
			poolCfg.MaxIdleConns = cfg.Database.MaxIdleConns
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			poolCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		pool, err := database.Open(cfg.Database.Driver, cfg.Database.DSN(), poolCfg, logger)
		if err != nil {
			return nil, err
		}
		if collector != nil {
			if err := pool.Observe(collector); err != nil {
				logger.Warn("database pool metrics disabled", zap.Error(err))
			}
		}
		b.pool = pool
	}

	if storeType == persistence.StoreTypeRedis || cfg.Redis.Enabled {
		opts := &redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}
		if cfg.Redis.TLS {
			opts.TLSConfig = tlsutil.ClientConfig()
		}
		b.redis = redis.NewClient(opts)
		b.redisOwnedByStore = storeType == persistence.StoreTypeRedis

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := b.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			b.closeAll(logger)
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	store, err := persistence.NewStore(persistence.StoreConfig{
		Type:             storeType,
		KeyPrefix:        cfg.Store.KeyPrefix,
		AutoMigrate:      cfg.Store.AutoMigrate,
		MaxUpdateRetries: cfg.Store.MaxUpdateRetries,
	}, persistence.Backends{
		Pool:   b.pool,
		Redis:  b.redis,
		Logger: logger,
	})
	if err != nil {
		b.closeAll(logger)
		return nil, err
	}
	b.store = store
	return b, nil
}

// close 释放 store 未接管的连接；store 本身由协调核心关闭
func (b *backends) close(logger *zap.Logger) {
	if b.redis != nil && !b.redisOwnedByStore {
		if err := b.redis.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}
}

// closeAll 在 store 创建失败时释放全部连接
func (b *backends) closeAll(logger *zap.Logger) {
	if b.pool != nil {
		if err := b.pool.Close(); err != nil {
			logger.Warn("database pool close error", zap.Error(err))
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 API 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// 健康检查端点
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("store", s.coordinator.Ping))
	if s.defCache != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.defCache.Ping))
	}
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// API 路由
	handlers.Register(mux, s.coordinator, s.logger)

	// 中间件链：认证在 JWT 与 API Key 之间二选一
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
	auth := APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger)
	if s.cfg.JWT.Enabled {
		auth = JWTAuth(s.cfg.JWT, skipAuthPaths, s.logger)
	}

	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		auth,
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		EnableH2C:       s.cfg.Server.EnableH2C,
	}
	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if s.cfg.Server.TLSCertFile != "" {
		return s.httpManager.StartTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
	}
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器；端口为 0 时不启动
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		s.logger.Info("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown(context.Background())
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务，可重复调用
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 停止接收请求
	if s.httpManager != nil && s.httpManager.IsRunning() {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil && s.metricsManager.IsRunning() {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 2. 停止协调核心并关闭存储
	if s.coordinator != nil {
		if err := s.coordinator.Stop(ctx); err != nil {
			s.logger.Error("Coordinator stop error", zap.Error(err))
		}
		if err := s.coordinator.Close(); err != nil {
			s.logger.Error("Store close error", zap.Error(err))
		}
		s.coordinator = nil
	} else if s.backends != nil && s.backends.store != nil {
		_ = s.backends.store.Close()
	}

	// 3. 释放缓存与剩余连接
	if s.defCache != nil {
		if err := s.defCache.Close(); err != nil {
			s.logger.Error("Cache close error", zap.Error(err))
		}
		s.defCache = nil
	}
	if s.backends != nil {
		s.backends.close(s.logger)
		s.backends = nil
	}

	// 4. 刷新遥测数据
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
		s.telemetry = nil
	}

	s.logger.Info("Graceful shutdown completed")
}
