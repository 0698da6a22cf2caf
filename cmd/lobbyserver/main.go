package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/qiminjie89/gamelobby/internal/identity"
	"github.com/qiminjie89/gamelobby/internal/lobby"
	"github.com/qiminjie89/gamelobby/pkg/auth"
	"github.com/qiminjie89/gamelobby/pkg/config"
	"github.com/qiminjie89/gamelobby/pkg/kafka"
	"github.com/qiminjie89/gamelobby/pkg/logger"
)

func main() {
	// 解析命令行参数
	configPath := flag.String("config", "configs/lobbyserver.yaml", "config file path")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("load config failed: " + err.Error())
	}

	// 初始化日志
	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting lobbyserver",
		zap.String("config", *configPath),
	)

	ctx := context.Background()

	users, closeUsers, err := openUserStore(ctx, cfg)
	if err != nil {
		logger.Error("open user store failed", zap.Error(err))
		os.Exit(1)
	}
	defer closeUsers()

	verifier, closeVerifier := buildVerifier(ctx, cfg)
	defer closeVerifier()

	deps := lobby.Deps{
		Users:    users,
		Verifier: verifier,
	}

	// 对局事件
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(&kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		})
		if err != nil {
			logger.Error("create kafka producer failed", zap.Error(err))
			os.Exit(1)
		}
		defer producer.Close()
		deps.Publisher = lobby.NewKafkaPublisher(producer)
		logger.Info("match events enabled", zap.String("topic", cfg.Kafka.Topic))
	}

	metricsSrv := startMetrics(cfg)

	// 创建并启动服务
	server := lobby.NewServer(cfg, deps)
	if err := server.Start(); err != nil {
		logger.Error("start server failed", zap.Error(err))
		os.Exit(1)
	}

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	server.Stop()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
}

// openUserStore 配置了 DSN 时使用 PostgreSQL，否则使用内存存储
func openUserStore(ctx context.Context, cfg *config.LobbyConfig) (identity.UserStore, func(), error) {
	if cfg.Database.DSN == "" {
		logger.Warn("database.dsn not set, using in-memory user store")
		return identity.NewMemoryStore(), func() {}, nil
	}

	if cfg.Database.Migrate {
		if err := identity.Migrate(cfg.Database.DSN); err != nil {
			return nil, nil, err
		}
		logger.Info("database migrated")
	}

	pool, err := identity.OpenPostgres(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	return identity.NewPostgresStore(pool), pool.Close, nil
}

// buildVerifier 本地 JWT 优先，其次外部校验服务；配置 Redis 时缓存校验结果
func buildVerifier(ctx context.Context, cfg *config.LobbyConfig) (identity.TokenVerifier, func()) {
	var chain identity.ChainVerifier
	if cfg.Auth.JWTSecret != "" {
		chain = append(chain, identity.NewJWTVerifier(auth.NewJWTValidator(cfg.Auth.JWTSecret, "")))
	}
	if cfg.Auth.VerifyURL != "" {
		chain = append(chain, identity.NewHTTPVerifier(cfg.Auth.VerifyURL, cfg.Auth.VerifyTimeout))
	}
	if len(chain) == 0 {
		logger.Warn("no token verifier configured, token login disabled")
		return nil, func() {}
	}

	var verifier identity.TokenVerifier = chain
	if cfg.Redis.Addr == "" {
		return verifier, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// 缓存不可用时直接走上游校验
		logger.Warn("redis unavailable, token cache disabled", zap.Error(err))
		client.Close()
		return verifier, func() {}
	}

	logger.Info("token cache enabled",
		zap.String("redis", cfg.Redis.Addr),
		zap.Duration("ttl", cfg.Auth.TokenCacheTTL),
	)
	return identity.NewCachingVerifier(verifier, client, cfg.Auth.TokenCacheTTL), func() { client.Close() }
}

// startMetrics 暴露 /metrics
func startMetrics(cfg *config.LobbyConfig) *http.Server {
	if !cfg.Metrics.Enabled || cfg.Metrics.Addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server started", zap.String("addr", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return srv
}
