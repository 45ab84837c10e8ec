package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"ticket-payment-service/common/auth"
	apperrors "ticket-payment-service/common/errors"
	"ticket-payment-service/common/logger"
	commonmw "ticket-payment-service/common/middleware"
	"ticket-payment-service/config"
	"ticket-payment-service/controllers"
	"ticket-payment-service/database"
	"ticket-payment-service/fx"
	"ticket-payment-service/kafka"
	"ticket-payment-service/metrics"
	"ticket-payment-service/middleware"
	aws_pkg "ticket-payment-service/pkg/aws"
	"ticket-payment-service/providers"
	"ticket-payment-service/repository"
	"ticket-payment-service/routes"
	"ticket-payment-service/services"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "ticket-payment-service"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("[PaymentService] Failed to load config: ", err)
	}

	awsCfg, err := aws_pkg.LoadAWSConfig(ctx, cfg.AWSOptions())
	if err != nil {
		log.Fatal("[PaymentService] Failed to load AWS config: ", err)
	}
	if cfg.UseSecretsManager {
		cfg, err = config.WithSecrets(ctx, cfg, aws_pkg.NewSecretsClient(awsCfg))
		if err != nil {
			log.Fatal("[PaymentService] Failed to load secrets: ", err)
		}
	}

	var cwWriter io.Writer
	if cfg.CloudWatchEnabled {
		cwLogs, err := aws_pkg.NewCloudWatchLogsClient(ctx, awsCfg, cfg.CloudWatchLogGroup, serviceName)
		if err != nil {
			log.Printf("[PaymentService] CloudWatch Logs disabled: %v", err)
		} else {
			cwWriter = cwLogs
		}
	}
	zlog, err := logger.New(cfg.Env, cwWriter)
	if err != nil {
		log.Fatal("[PaymentService] Failed to initialize logger: ", err)
	}
	defer func() { _ = zlog.Sync() }()

	if err := run(ctx, cfg, awsCfg, zlog); err != nil {
		zlog.Fatal("Payment service stopped with error", zap.Error(err))
	}
	zlog.Info("Payment service stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, awsCfg sdkaws.Config, zlog *zap.Logger) error {
	if err := database.Migrate(cfg.MigrationURL(), zlog); err != nil {
		return err
	}
	db, err := database.ConnectPostgres(ctx, cfg.DSN(), zlog)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			zlog.Error("Database close error", zap.Error(err))
		}
	}()

	cloudwatch := aws_pkg.NewMetricsClient(awsCfg, cfg.CloudWatchNS, cfg.CloudWatchEnabled)
	recorder := metrics.NewCollector(prometheus.DefaultRegisterer, cloudwatch, serviceName)

	paymentRepo := repository.NewGormPaymentRepo(db)
	orderRepo := repository.NewGormOrderRepository(db)
	webhookRepo := repository.NewGormWebhookRepo(db)
	rateRepo := repository.NewGormFXRateRepository(db)

	// FX
	var rateCache fx.RateCache
	if cfg.RedisURL != "" {
		client, err := fx.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			zlog.Warn("Redis unavailable, quoting without last-known-good cache", zap.Error(err))
		} else {
			defer client.Close()
			rateCache = fx.NewRedisRateCache(client, cfg.FXCacheMaxAge)
		}
	}
	fallback, ok := fx.ParseRate(cfg.FXFallbackRate)
	if !ok {
		zlog.Warn("FX_FALLBACK_RATE is not a number, degraded mode disabled", zap.String("value", cfg.FXFallbackRate))
		fallback = nil
	}
	quotes := fx.NewQuoteService(rateRepo, rateCache, cfg.FXTo, cfg.FXFrom, zlog)
	refresher := fx.NewRefresher(rateRepo, rateCache, fx.ParseSources(cfg.FXSources, cfg.FXSourceTimeout), fx.RefresherConfig{
		From:     cfg.FXFrom,
		To:       cfg.FXTo,
		Validity: cfg.FXRateValidity,
		Timeout:  cfg.FXSourceTimeout,
		Fallback: fallback,
		Metrics:  recorder,
	}, zlog)

	// Providers; a gateway without credentials is left out of the registry
	var adapters []providers.Provider
	if cfg.StripeSecretKey != "" {
		adapters = append(adapters, providers.NewStripeProvider(cfg.StripeSecretKey, cfg.StripeWebhookKey, cfg.ProviderTimeout))
	}
	if cfg.CheckoutBaseURL != "" {
		adapters = append(adapters, providers.NewCheckoutProvider(providers.CheckoutConfig{
			BaseURL:       cfg.CheckoutBaseURL,
			APIKey:        cfg.CheckoutAPIKey,
			WebhookSecret: cfg.CheckoutWebhookSecret,
			CallbackURL:   cfg.CheckoutCallbackURL,
			Timeout:       cfg.ProviderTimeout,
		}))
	}
	if cfg.DepositBaseURL != "" {
		adapters = append(adapters, providers.NewDepositProvider(providers.DepositConfig{
			BaseURL:       cfg.DepositBaseURL,
			APIKey:        cfg.DepositAPIKey,
			WebhookSecret: cfg.DepositWebhookSecret,
			Timeout:       cfg.ProviderTimeout,
		}))
	}
	registry := providers.NewRegistry(adapters...)
	if len(adapters) == 0 {
		zlog.Warn("No payment provider configured")
	}

	// Event publishing
	var publishers services.MultiPublisher
	if cfg.PaymentSNSTopicARN != "" {
		publishers = append(publishers, services.NewSNSEventPublisher(aws_pkg.NewSNSClient(awsCfg), cfg.PaymentSNSTopicARN))
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewPaymentEventProducer(cfg.KafkaBrokers, cfg.PaymentEventsTopic, zlog)
		defer func() { _ = producer.Close() }()
		publishers = append(publishers, producer)
	}

	fulfillment := services.NewFulfillmentService(paymentRepo, orderRepo, recorder, zlog)
	intents := services.NewIntentService(services.IntentDeps{
		Payments:  paymentRepo,
		Orders:    orderRepo,
		Providers: registry,
		Quoter:    quotes,
		Fulfiller: fulfillment,
		Publisher: publishers,
		Metrics:   recorder,
		Logger:    zlog,
	}, services.IntentConfig{
		SupportedCurrencies:    cfg.SupportedCurrencies,
		MinAmount:              cfg.MinAmounts,
		MaxAmount:              cfg.MaxAmounts,
		CardSettlementCurrency: cfg.CardSettlementCurrency,
		MarginBps:              cfg.FXMarginBps,
		ProviderTimeout:        cfg.ProviderTimeout,
	})

	var archiver services.PayloadArchiver
	if cfg.WebhookArchiveBucket != "" {
		archiver = aws_pkg.NewS3Archiver(awsCfg, cfg.WebhookArchiveBucket)
	}
	webhooks := services.NewWebhookService(webhookRepo, paymentRepo, intents, registry, archiver, recorder, zlog)
	reconciler := services.NewReconciler(paymentRepo, intents, fulfillment, registry, services.ReconcilerConfig{
		ProviderTimeout: cfg.ProviderTimeout,
		NotFoundGrace:   cfg.ReconcileNotFoundGrace,
		MinAge:          cfg.ReconcileMinAge,
		MaxAge:          cfg.ReconcileMaxAge,
		Concurrency:     cfg.ReconcileConcurrency,
	}, recorder, zlog)

	// Router
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(commonmw.RequestID())
	r.Use(commonmw.RequestLogger(zlog))
	r.Use(commonmw.NewHTTPMetrics(prometheus.DefaultRegisterer, cloudwatch, serviceName).Middleware())
	r.Use(commonmw.SecurityHeaders())
	r.Use(commonmw.CORSMiddleware(cfg.AllowedOrigins))
	r.Use(commonmw.RateLimitMiddleware(cfg.RateLimitPerMinute, cfg.RateLimitPerMinute/2+1))
	r.Use(apperrors.ErrorMiddleware())

	// Request timeout
	r.Use(func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.RegisterPaymentRoutes(r,
		middleware.AuthMiddleware(auth.NewTokenParser(cfg.JWTSecret)),
		&controllers.PaymentController{Intents: intents, Reconciler: reconciler, Tickets: fulfillment, Logger: zlog},
		&controllers.WebhookController{Webhooks: webhooks, Logger: zlog},
		&controllers.FXController{Quotes: quotes, DefaultMarginBps: cfg.FXMarginBps, Logger: zlog},
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Info("Payment service started", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zlog.Info("Initiating graceful shutdown...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return refresher.Run(gctx, cfg.FXRefreshInterval)
	})
	g.Go(func() error {
		return reconciler.Run(gctx, cfg.ReconcileInterval)
	})
	if cfg.PaymentRequestQueueURL != "" {
		consumer := services.NewPaymentRequestConsumer(
			aws_pkg.NewSQSConsumer(awsCfg, cfg.PaymentRequestQueueURL, zlog),
			intents,
			zlog,
		)
		g.Go(func() error {
			return consumer.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
