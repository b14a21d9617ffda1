package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gymfit/billing/auth"
	"github.com/gymfit/billing/banktransfer"
	"github.com/gymfit/billing/broker"
	"github.com/gymfit/billing/compensation"
	"github.com/gymfit/billing/db"
	"github.com/gymfit/billing/member"
	"github.com/gymfit/billing/revenue"
	"github.com/gymfit/billing/subscription"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
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
			"component": "worker",
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
		ServiceName:   "billing-worker",
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

	compensationQueue, err := compensation.NewQueue(compensation.Options{
		Redis:  rdb,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize CompensationQueue",
			zap.Error(err),
		)
	}

	sweeper, err := compensation.NewSweeper(compensation.SweeperOptions{
		Tasks:   compensationQueue,
		Members: memberClient,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize CompensationSweeper",
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

	subscriptionTask, err := subscription.NewTask(subscription.TaskOptions{
		SubscriptionManager: subscriptionManager,
		Logger:              logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionTask",
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

	revenueTask, err := revenue.NewTask(revenue.TaskOptions{
		RevenueManager: revenueManager,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize RevenueTask",
			zap.Error(err),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := amqpBroker.Receive(ctx, "#")
	if err != nil {
		logger.Fatal("Cannot subscribe to notification events",
			zap.Error(err),
		)
	}
	go func() {
		for ev := range events {
			logger.Info("Notification event",
				zap.String("Room", ev.Room),
				zap.String("Event", ev.Event),
				zap.Time("SentAt", ev.SentAt),
			)
		}
	}()

	scheduler := cron.New()

	// compensation replay every minute, the sweeper itself decides
	// which tasks are due
	scheduler.AddFunc("* * * * *", func() {
		if err := sweeper.Run(ctx); err != nil {
			logger.Error("Compensation sweep failed",
				zap.Error(err),
			)
		}
	})

	// subscription expiration daily after midnight
	scheduler.AddFunc("10 0 * * *", func() {
		subscriptionTask.ExpireLapsed(ctx)
	})

	// stale bank transfer intents hourly
	scheduler.AddFunc("0 * * * *", func() {
		if _, err := transferManager.ExpireStale(ctx, time.Now()); err != nil {
			logger.Error("Bank transfer expiration failed",
				zap.Error(err),
			)
		}
	})

	// revenue rollup every 6 hours
	scheduler.AddFunc("0 */6 * * *", func() {
		revenueTask.GenerateDaily(ctx)
	})

	scheduler.Start()
	defer scheduler.Stop()

	logger.Info("Billing worker started")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c
}
