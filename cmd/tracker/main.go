package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/scantotrust/internal/anchor"
	"github.com/jmerrifield20/scantotrust/internal/cache"
	"github.com/jmerrifield20/scantotrust/internal/credential"
	"github.com/jmerrifield20/scantotrust/internal/health"
	"github.com/jmerrifield20/scantotrust/internal/identity"
	"github.com/jmerrifield20/scantotrust/internal/provenance/handler"
	"github.com/jmerrifield20/scantotrust/internal/provenance/repository"
	"github.com/jmerrifield20/scantotrust/internal/provenance/service"
	"github.com/jmerrifield20/scantotrust/internal/scheduler"
	"github.com/jmerrifield20/scantotrust/internal/webhooks"
	"github.com/jmerrifield20/scantotrust/migrations"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("tracker exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("tracker")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("tracker.port", 8080)
	viper.SetDefault("tracker.public_url", "")
	viper.SetDefault("tracker.timezone", "Local")
	viper.SetDefault("tracker.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("tracker.rate_limit_rps", 20)
	viper.SetDefault("tracker.handoff_rate_limit_rps", 1)
	viper.SetDefault("database.url", "")
	viper.SetDefault("database.auto_migrate", true)
	viper.SetDefault("credential.scheme", "bcrypt")
	viper.SetDefault("admin.jwt_secret", "")
	viper.SetDefault("admin.issuer", "scantotrust")
	viper.SetDefault("admin.token_ttl", "12h")
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttl", "30s")
	viper.SetDefault("anchor.rpc_url", "")
	viper.SetDefault("anchor.contract_address", "")
	viper.SetDefault("anchor.private_key", "")
	viper.SetDefault("anchor.chain_id", 0)
	viper.SetDefault("anchor.timeout", "2m")
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.at", "23:55")
	viper.SetDefault("scheduler.catch_up_at", "00:05")
	viper.SetDefault("webhooks.timeout", "10s")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := loadLocation(viper.GetString("tracker.timezone"))
	if err != nil {
		return err
	}

	checker := health.New(health.Config{}, logger)
	checker.SetMetricsRecord(handler.RecordHealthCheck)

	// ── Store ────────────────────────────────────────────────────────────────
	var (
		store   repository.Store
		whStore webhooks.Store
	)
	if dsn := viper.GetString("database.url"); dsn != "" {
		db, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		if viper.GetBool("database.auto_migrate") {
			n, err := migrations.Apply(ctx, db, logger)
			if err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			logger.Info("schema up to date", zap.Int("applied", n))
		}
		store = repository.NewPostgres(db, logger)
		whStore = webhooks.NewPostgres(db)
	} else {
		logger.Warn("database.url not set; using the in-memory store, data is lost on exit")
		store = repository.NewMemory()
		whStore = webhooks.NewMemory()
	}
	checker.Register("store", store.Ping)

	// ── Owner credentials and admin tokens ───────────────────────────────────
	cred, err := credential.New(viper.GetString("credential.scheme"))
	if err != nil {
		return err
	}

	var adminTokens *identity.AdminTokens
	if secret := viper.GetString("admin.jwt_secret"); secret != "" {
		adminTokens, err = identity.NewAdminTokens([]byte(secret), viper.GetString("admin.issuer"), viper.GetDuration("admin.token_ttl"))
		if err != nil {
			return fmt.Errorf("admin tokens: %w", err)
		}
	} else {
		logger.Warn("admin.jwt_secret not set; admin routes are open, do not use in production")
	}

	// ── Services ─────────────────────────────────────────────────────────────
	webhookSvc := webhooks.NewService(whStore, logger)
	webhookSvc.SetHTTPClient(&http.Client{Timeout: viper.GetDuration("webhooks.timeout")})
	webhookSvc.SetMetricsRecorder(handler.RecordWebhookDelivery)
	defer webhookSvc.Close()

	ledger := service.NewLedger(store, cred, logger)
	ledger.SetLocation(loc)
	ledger.SetNotifier(webhookSvc)

	if addr := viper.GetString("redis.addr"); addr != "" {
		rc, err := cache.Dial(ctx, cache.Config{
			Addr:     addr,
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
			TTL:      viper.GetDuration("redis.ttl"),
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, continuing without timeline cache", zap.Error(err))
		} else {
			defer rc.Close()
			ledger.SetCache(rc)
			checker.Register("redis", rc.Ping)
			logger.Info("timeline cache enabled", zap.String("addr", addr))
		}
	}

	transfers := service.NewTransfers(ledger, nil, logger)
	transfers.SetMetricsRecorder(handler.RecordTransferOutcome)

	var anchorer service.Anchorer
	if viper.GetString("anchor.rpc_url") != "" {
		cfg := anchor.Config{
			RPCURL:          viper.GetString("anchor.rpc_url"),
			ContractAddress: viper.GetString("anchor.contract_address"),
			PrivateKey:      viper.GetString("anchor.private_key"),
		}
		if id := viper.GetInt64("anchor.chain_id"); id > 0 {
			cfg.ChainID = big.NewInt(id)
		}
		eth, err := anchor.NewEthereum(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("anchor chain: %w", err)
		}
		defer eth.Close()
		anchorer = eth
		checker.Register("anchor_node", func(ctx context.Context) error {
			_, err := eth.Status(ctx)
			return err
		})
	} else {
		logger.Warn("anchor.rpc_url not set; day roots are stored without an external reference")
	}

	anchoring := service.NewAnchoring(store, anchorer, logger)
	anchoring.SetLocation(loc)
	anchoring.SetTimeout(viper.GetDuration("anchor.timeout"))
	anchoring.SetMetricsRecorder(handler.RecordAnchorRun)
	anchoring.SetNotifier(webhookSvc)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("tracker.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", handler.HeaderOwnerID, handler.HeaderOwnerCode},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	rps := viper.GetFloat64("tracker.rate_limit_rps")
	router.Use(handler.RateLimiter(ctx, rps, int(rps*2)))
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	handler.NewHealthHandler(checker).Register(router)
	router.GET("/metrics", handler.MetricsHandler())

	batchHandler := handler.NewBatchHandler(ledger, adminTokens, logger)
	batchHandler.SetPublicURL(viper.GetString("tracker.public_url"))
	transferHandler := handler.NewTransferHandler(transfers, logger)
	transferHandler.SetHandoffLimiter(handler.RateLimiter(ctx, viper.GetFloat64("tracker.handoff_rate_limit_rps"), 5))
	anchorHandler := handler.NewAnchorHandler(anchoring, adminTokens, logger)

	v1 := router.Group("/api/v1")
	batchHandler.Register(v1)
	transferHandler.Register(v1)
	anchorHandler.Register(v1)
	webhooks.NewHandler(webhookSvc, adminTokens, logger).Register(v1)

	httpPort := viper.GetInt("tracker.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var sched *scheduler.Scheduler
	if viper.GetBool("scheduler.enabled") {
		sched, err = scheduler.New(anchoring, scheduler.Config{
			At:         viper.GetString("scheduler.at"),
			CatchUpAt:  viper.GetString("scheduler.catch_up_at"),
			Location:   loc,
			JobTimeout: viper.GetDuration("anchor.timeout") + time.Minute,
		}, logger)
		if err != nil {
			return err
		}
	}

	// ── Run ──────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("tracker HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	})

	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down tracker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("tracker stopped")
	return nil
}

// loadLocation resolves the configured anchoring time zone.
func loadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("tracker.timezone: %w", err)
	}
	return loc, nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
