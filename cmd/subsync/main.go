package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/subsync/app/controllers"
	"github.com/ManuelReschke/subsync/app/repository"
	"github.com/ManuelReschke/subsync/internal/pkg/accesslist"
	"github.com/ManuelReschke/subsync/internal/pkg/billing"
	"github.com/ManuelReschke/subsync/internal/pkg/billing/memstore"
	"github.com/ManuelReschke/subsync/internal/pkg/cache"
	"github.com/ManuelReschke/subsync/internal/pkg/database"
	"github.com/ManuelReschke/subsync/internal/pkg/env"
	"github.com/ManuelReschke/subsync/internal/pkg/jobqueue"
	"github.com/ManuelReschke/subsync/internal/pkg/mail"
	"github.com/ManuelReschke/subsync/internal/pkg/notify"
	"github.com/ManuelReschke/subsync/internal/pkg/router"
	"github.com/ManuelReschke/subsync/internal/pkg/statistics"
)

func main() {
	env.SetupEnvFile()

	app, shutdown := NewApplication(context.Background())

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("[Main] Shutting down")
		if err := app.Shutdown(); err != nil {
			log.Errorf("[Main] Shutdown error: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "4000")))
	shutdown()
	if err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires storage, the job queue and the provider processors
// into a fiber app. The returned func stops the background workers.
func NewApplication(ctx context.Context) (*fiber.App, func()) {
	var (
		store  billing.Store
		repos  *repository.Repositories
		checks []controllers.HealthCheck
		opts   = []billing.Option{billing.WithDefaultDuration(env.GetEnvInt("DEFAULT_SUBSCRIPTION_DAYS", 30))}
	)

	if env.GetEnv("DB_HOST", "") == "" {
		log.Warn("[Main] DB_HOST not set, using the in-memory store (single instance only)")
		mem := memstore.New()
		store = mem
		repos = mem.Repositories()
	} else {
		database.SetupDatabase()
		db := database.GetDB()
		store = billing.NewRepository(db)
		repository.InitializeFactory(db)
		repos = repository.GetGlobalRepositories()
		checks = append(checks, controllers.HealthCheck{Name: "database", Probe: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}})
	}

	cache.SetupCache()
	checks = append(checks, controllers.HealthCheck{Name: "cache", Probe: cache.Ping})

	manager := jobqueue.GetManager()
	var webhooks *notify.WebhookSender
	if url := env.GetEnv("OUTBOUND_WEBHOOK_URL", ""); url != "" {
		webhooks = notify.NewWebhookSender(url, env.GetEnv("OUTBOUND_WEBHOOK_SECRET", ""), nil)
	}
	var mails *notify.MailSender
	if mailer := mail.NewSMTPMailerFromEnv(); mailer.Configured() {
		mails = notify.NewMailSender(repos.User, mailer)
	}
	notify.Register(manager.GetQueue(), webhooks, mails)

	dispatcher := billing.NewDispatcher(
		accesslist.NewRefresher(cache.GetClient(), repos.Subscription),
		notify.NewNotifier(manager.GetQueue(), webhooks != nil, mails != nil),
	)
	svc := billing.NewService(store, dispatcher, opts...)

	wc := controllers.NewWebhookController(
		newAppleProcessor(svc),
		newGooglePlayProcessor(ctx, svc),
		newStripeProcessor(svc),
	)

	manager.Start()

	runCtx, cancel := context.WithCancel(ctx)
	stats := statistics.NewCollector(cache.GetClient(), repos.Subscription,
		time.Duration(env.GetEnvInt("STATS_REFRESH_SECONDS", 300))*time.Second)
	go stats.Run(runCtx)

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})
	app.Use(recover.New(), logger.New())

	router.InstallRouter(app,
		router.NewOpsRouter(controllers.NewHealthController(checks...), controllers.NewStatsController(stats), monitorUsers()),
		router.NewWebhookRouter(wc),
	)

	return app, func() {
		cancel()
		manager.Stop()
	}
}

func newAppleProcessor(svc *billing.Service) *billing.AppleProcessor {
	rootPEM := loadPEM(env.GetEnv("APPLE_ROOT_CA_PEM", ""))
	if len(rootPEM) == 0 {
		log.Warn("[Main] APPLE_ROOT_CA_PEM not set, Apple notifications disabled")
		return nil
	}
	verifier, err := billing.NewAppleVerifier(rootPEM)
	if err != nil {
		log.Fatalf("[Main] Invalid Apple root certificate: %v", err)
	}
	return billing.NewAppleProcessor(svc, verifier, env.GetEnv("APPLE_BUNDLE_ID", ""))
}

func newGooglePlayProcessor(ctx context.Context, svc *billing.Service) *billing.GooglePlayProcessor {
	pkg := env.GetEnv("GOOGLE_PACKAGE_NAME", "")
	if pkg == "" {
		log.Warn("[Main] GOOGLE_PACKAGE_NAME not set, Google Play notifications disabled")
		return nil
	}

	var auth billing.PushAuthenticator
	if audience := env.GetEnv("GOOGLE_PUBSUB_AUDIENCE", ""); audience != "" {
		a, err := billing.NewOIDCPushAuthenticator(ctx, audience, env.GetEnv("GOOGLE_PUBSUB_SERVICE_ACCOUNT", ""))
		if err != nil {
			log.Fatalf("[Main] Pub/Sub authenticator: %v", err)
		}
		auth = a
	} else {
		log.Warn("[Main] GOOGLE_PUBSUB_AUDIENCE not set, Pub/Sub push requests are not authenticated")
	}

	var lookup billing.SubscriptionLookup
	if path := env.GetEnv("GOOGLE_SERVICE_ACCOUNT_FILE", ""); path != "" {
		creds, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("[Main] Reading %s: %v", path, err)
		}
		api, err := billing.NewPlayDeveloperAPI(ctx, creds)
		if err != nil {
			log.Fatalf("[Main] Play Developer API: %v", err)
		}
		lookup = api
	}

	return billing.NewGooglePlayProcessor(svc, pkg, auth, lookup)
}

func newStripeProcessor(svc *billing.Service) *billing.StripeProcessor {
	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")
	if secret == "" {
		log.Warn("[Main] STRIPE_WEBHOOK_SECRET not set, Stripe webhooks disabled")
		return nil
	}
	return billing.NewStripeProcessor(svc, secret)
}

// loadPEM accepts either inline PEM or a path to a PEM file.
func loadPEM(value string) []byte {
	value = strings.TrimSpace(value)
	if value == "" || strings.HasPrefix(value, "-----BEGIN") {
		return []byte(value)
	}
	data, err := os.ReadFile(value)
	if err != nil {
		log.Fatalf("[Main] Reading %s: %v", value, err)
	}
	return data
}

func monitorUsers() map[string]string {
	user := env.GetEnv("MONITOR_USER", "")
	if user == "" {
		return nil
	}
	return map[string]string{user: env.GetEnv("MONITOR_PASSWORD", "")}
}
