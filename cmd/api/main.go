package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gymfit/billing/auth"
	"github.com/gymfit/billing/banktransfer"
	"github.com/gymfit/billing/broker"
	"github.com/gymfit/billing/compensation"
	"github.com/gymfit/billing/db"
	"github.com/gymfit/billing/discount"
	"github.com/gymfit/billing/identity"
	"github.com/gymfit/billing/idempotency"
	"github.com/gymfit/billing/member"
	"github.com/gymfit/billing/payment"
	"github.com/gymfit/billing/reconciler"
	"github.com/gymfit/billing/refund"
	"github.com/gymfit/billing/revenue"
	"github.com/gymfit/billing/subscription"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var authEnvironment auth.Environment
	var dotFile string
	var err error

	env := os.Getenv("API_ENV")
	if "production" == env {
		dotFile = ".env.production"
		authEnvironment = auth.EnvProduction
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		authEnvironment = auth.EnvDevelopment
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))
	defer logger.Sync()

	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(authEnvironment),
		Debug:       authEnvironment == auth.EnvDevelopment,
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Fatal("Cannot attach sentry to logger",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	database, err := db.New(db.Options{
		URI:    os.Getenv("POSTGRES_URI"),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	amqpBroker, err := broker.NewAMQPBroker(logger, os.Getenv("AMQP_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Message Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	authManager, err := auth.New(auth.Options{
		Environment:   authEnvironment,
		ServiceName:   "billing-service",
		JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth",
			zap.Error(err),
		)
	}

	memberClient, err := member.NewClient(member.ClientOptions{
		BaseURL: os.Getenv("MEMBER_SERVICE_URL"),
		Auth:    authManager,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize member-service client",
			zap.Error(err),
		)
	}

	identityClient, err := identity.NewClient(identity.ClientOptions{
		BaseURL: os.Getenv("IDENTITY_SERVICE_URL"),
		Auth:    authManager,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize identity-service client",
			zap.Error(err),
		)
	}

	idempotencyStore, err := idempotency.NewStore(idempotency.Options{
		Redis:  rdb,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize IdempotencyStore",
			zap.Error(err),
		)
	}

	compensationQueue, err := compensation.NewQueue(compensation.Options{
		Redis:  rdb,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize CompensationQueue",
			zap.Error(err),
		)
	}

	paymentManager, err := payment.NewManager(payment.ManagerOptions{
		DB:     database,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize PaymentManager",
			zap.Error(err),
		)
	}

	subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{
		DB:             database,
		Redis:          rdb,
		Logger:         logger,
		PathToPlanJSON: os.Getenv("PLAN_JSON_PATH"),
	})
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	discountManager, err := discount.NewManager(discount.ManagerOptions{
		DB:      database,
		Rewards: memberClient,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize DiscountManager",
			zap.Error(err),
		)
	}

	refundManager, err := refund.NewManager(refund.ManagerOptions{
		DB:       database,
		Payments: paymentManager,
		Admins:   identityClient,
		Producer: amqpBroker,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize RefundManager",
			zap.Error(err),
		)
	}

	transferManager, err := banktransfer.NewManager(banktransfer.ManagerOptions{
		DB:     database,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize BankTransferManager",
			zap.Error(err),
		)
	}

	revenueManager, err := revenue.NewManager(revenue.ManagerOptions{
		DB:     database,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize RevenueManager",
			zap.Error(err),
		)
	}

	rec, err := reconciler.New(reconciler.Options{
		Payments:      paymentManager,
		Subscriptions: subscriptionManager,
		Discounts:     discountManager,
		Members:       memberClient,
		Refunds:       refundManager,
		Idempotency:   idempotencyStore,
		Tasks:         compensationQueue,
		Producer:      amqpBroker,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Reconciler",
			zap.Error(err),
		)
	}

	paymentRouter, err := payment.NewService(payment.ServiceOptions{
		PaymentManager: paymentManager,
		Handler:        rec,
		WebhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Payment Service Router",
			zap.Error(err),
		)
	}

	subscriptionRouter, err := subscription.NewService(subscription.ServiceOptions{
		SubscriptionManager: subscriptionManager,
		Changer:             rec,
		Renewer:             rec,
		Discounts:           discountManager,
		Logger:              logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Subscription Service Router",
			zap.Error(err),
		)
	}

	refundRouter, err := refund.NewService(refund.ServiceOptions{
		RefundManager: refundManager,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Refund Service Router",
			zap.Error(err),
		)
	}

	transferRouter, err := banktransfer.NewService(banktransfer.ServiceOptions{
		TransferManager: transferManager,
		Completer:       rec,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize BankTransfer Service Router",
			zap.Error(err),
		)
	}

	revenueRouter, err := revenue.NewService(revenue.ServiceOptions{
		RevenueManager: revenueManager,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Revenue Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{os.Getenv("SITE_URL")},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// gateway callbacks authenticate via signature, not bearer token
	rootRouter.Mount("/payments/webhook", paymentRouter.WebhookRouter())
	rootRouter.Mount("/bank-transfers/webhook", transferRouter.WebhookRouter())

	rootRouter.Group(func(authenticated chi.Router) {
		authenticated.Use(authManager.Middleware())
		authenticated.Mount("/payments", paymentRouter.Router())
		authenticated.Mount("/subscriptions", subscriptionRouter.Router())
		authenticated.Mount("/refunds", refundRouter.Router())
		authenticated.Mount("/bank-transfers", transferRouter.Router())
		authenticated.With(auth.AdminOnly).Mount("/revenue", revenueRouter.Router())
	})

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    ":8084",
	}

	logger.Info("Billing API listening",
		zap.String("Addr", srv.Addr),
	)
	logger.Fatal("API server exited",
		zap.Error(srv.ListenAndServe()),
	)
}
