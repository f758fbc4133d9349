package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosslogic/control-plane/internal/adapters"
	"github.com/crosslogic/control-plane/internal/allocator"
	"github.com/crosslogic/control-plane/internal/backupcleanup"
	"github.com/crosslogic/control-plane/internal/billing"
	"github.com/crosslogic/control-plane/internal/config"
	"github.com/crosslogic/control-plane/internal/control"
	"github.com/crosslogic/control-plane/internal/domainstore"
	"github.com/crosslogic/control-plane/internal/httpserver"
	"github.com/crosslogic/control-plane/internal/idempotency"
	"github.com/crosslogic/control-plane/internal/opsalerts"
	"github.com/crosslogic/control-plane/internal/provisioning"
	"github.com/crosslogic/control-plane/internal/queue"
	"github.com/crosslogic/control-plane/internal/reminders"
	"github.com/crosslogic/control-plane/internal/secrets"
	"github.com/crosslogic/control-plane/internal/security"
	"github.com/crosslogic/control-plane/internal/sweeps"
	"github.com/crosslogic/control-plane/internal/taskstore"
	"github.com/crosslogic/control-plane/internal/webhook"
	"github.com/crosslogic/control-plane/pkg/cache"
	"github.com/crosslogic/control-plane/pkg/database"
	"github.com/crosslogic/control-plane/pkg/events"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting control plane")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	bus := events.NewBus(logger)
	logger.Info("initialized event bus")

	idem := idempotency.NewStore(db)
	q := queue.New(db, cfg.Queue.BackoffBase, cfg.Queue.BackoffMax, cfg.Queue.MaxAttempts)
	domainStore := domainstore.New(db)
	taskStore := taskstore.New(db)

	encryption, err := secrets.NewEncryptionService(cfg.Adapters.SecretsMasterKey, cfg.Adapters.SecretsKeyID)
	if err != nil {
		logger.Fatal("failed to initialize encryption service", zap.Error(err))
	}

	hostingAdapters := adapters.NewHostingAdapters(
		cfg.Adapters.HostingBaseURL, cfg.Adapters.HostingToken, encryption,
		cfg.Adapters.BreakerMaxRequests, cfg.Adapters.BreakerInterval, cfg.Adapters.BreakerTimeout, logger,
	)
	dnsAdapter := adapters.NewDNSAdapter(
		cfg.Adapters.DNSBaseURL, cfg.Adapters.DNSToken,
		cfg.Adapters.BreakerMaxRequests, cfg.Adapters.BreakerInterval, cfg.Adapters.BreakerTimeout, logger,
	)
	certAdapter := adapters.NewCertificateAdapter(
		cfg.Adapters.CertificateBaseURL, cfg.Adapters.CertificateToken,
		cfg.Adapters.BreakerMaxRequests, cfg.Adapters.BreakerInterval, cfg.Adapters.BreakerTimeout, logger,
	)
	mailAdapter := adapters.NewMailAdapter(
		cfg.Adapters.MailBaseURL, cfg.Adapters.MailToken,
		cfg.Adapters.BreakerMaxRequests, cfg.Adapters.BreakerInterval, cfg.Adapters.BreakerTimeout, logger,
	)
	notifyAdapter := adapters.NewSendGridAdapter(cfg.Adapters.SendGridAPIKey, cfg.Adapters.WelcomeFromAddress)

	dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	dbEngineAdapter, err := adapters.NewDatabaseEngineAdapter(dbCtx, cfg.Adapters.DatabaseEngineDSN)
	dbCancel()
	if err != nil {
		logger.Fatal("failed to initialize database engine adapter", zap.Error(err))
	}
	logger.Info("initialized L3 adapters")

	serverAllocator := allocator.New(db, logger)

	verifier := security.NewVerifier(cfg.Webhook.SigningSecret, cfg.Webhook.ToleranceSeconds)

	webhookHandler := webhook.New(
		verifier, idem, redisCache, domainStore, taskStore, cfg.Webhook,
		cfg.Provisioning.TaskDeadline, cfg.Queue.MaxAttempts, logger,
	)
	logger.Info("initialized webhook handler")

	orchestrator := provisioning.New(provisioning.Deps{
		DB: db, Queue: q, TaskStore: taskStore, DomainStore: domainStore,
		Allocator: serverAllocator, Hosting: hostingAdapters, DNS: dnsAdapter,
		Certificate: certAdapter, Mail: mailAdapter, DatabaseEngine: dbEngineAdapter,
		Notification: notifyAdapter, Bus: bus, Logger: logger,
		ReservationExtend: cfg.Provisioning.ReservationExtend,
	})
	logger.Info("initialized provisioning orchestrator")

	sweeper := sweeps.New(domainStore, q, idem, cfg.Sweeps, logger)
	logger.Info("initialized scheduled sweeps")

	invoiceWorker := billing.NewInvoiceWorker(
		q, domainStore, hostingAdapters, bus, cfg.Adapters.StripeAPIKey,
		cfg.Provisioning.ReservationExtend, logger,
	)
	reminderWorker := reminders.New(q, domainStore, notifyAdapter, cfg.Provisioning.ReservationExtend, logger)
	backupWorker := backupcleanup.New(q, domainStore, hostingAdapters, serverAllocator, cfg.Provisioning.ReservationExtend, logger)
	logger.Info("initialized billing, reminder, and backup cleanup workers")

	// Subscribes to dead-letter and capacity events before anything starts
	// publishing, so no early alert is dropped.
	_ = opsalerts.New(cfg.OpsAlerts, bus, logger)
	logger.Info("initialized ops alerts")

	controlHandlers := control.New(taskStore, q, idem, logger)

	router := httpserver.New(httpserver.Config{
		AdminToken:             cfg.Security.AdminAPIToken,
		WebhookRateLimitPerMin: 120,
		MetricsPath:            cfg.Monitoring.MetricsPath,
	}, webhookHandler, controlHandlers, db, redisCache, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan struct{})

	serverAllocator.StartRefreshLoop(stop)
	orchestrator.StartWorkers(ctx, cfg.Queue.ProvisioningWorkers, stop)
	sweeper.Start(ctx)
	invoiceWorker.StartWorkers(ctx, cfg.Queue.InvoiceWorkers, stop)
	reminderWorker.StartWorkers(ctx, cfg.Queue.EmailWorkers, stop)
	backupWorker.StartWorkers(ctx, cfg.Queue.BackupWorkers, stop)
	logger.Info("started background workers",
		zap.Int("provisioning_workers", cfg.Queue.ProvisioningWorkers),
		zap.Int("invoice_workers", cfg.Queue.InvoiceWorkers),
		zap.Int("email_workers", cfg.Queue.EmailWorkers),
		zap.Int("backup_workers", cfg.Queue.BackupWorkers),
	)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	close(stop)
	sweeper.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
