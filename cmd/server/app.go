package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"photo-restore-backend/internal/cache"
	"photo-restore-backend/internal/config"
	"photo-restore-backend/internal/events"
	"photo-restore-backend/internal/fulfillment"
	"photo-restore-backend/internal/handlers"
	"photo-restore-backend/internal/models"
	"photo-restore-backend/internal/outbox"
	"photo-restore-backend/internal/replicate"
	"photo-restore-backend/internal/restoration"
	"photo-restore-backend/internal/store/memory"
	"photo-restore-backend/internal/supabase"
	"photo-restore-backend/internal/worker"
)

// jobStore is everything the components need from persistence. Both the
// Postgres client and the in-memory store satisfy it.
type jobStore interface {
	restoration.Store
	fulfillment.Store
	outbox.Store
}

type blobStore interface {
	restoration.BlobStore
	fulfillment.BlobStore
}

// app holds the wired components for one process.
type app struct {
	cfg *config.Config

	db        *supabase.DatabaseClient
	store     jobStore
	blobs     blobStore
	publisher events.Multi
	amqp      *events.AMQPPublisher
	redis     *redis.Client

	outbox     *outbox.Outbox
	relay      *outbox.Relay
	evaluator  *restoration.Evaluator
	reconciler *restoration.Reconciler
	dispatcher *restoration.Dispatcher
	checkout   *fulfillment.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.Offline() {
		log.Println("Offline mode: in-memory store, stub provider and log mailer")
		a.store = memory.NewStore()
		a.blobs = memory.NewBlobStore(cfg.BaseURL + "/storage")
	} else {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required unless REPLICATE_STUB_MODE runs offline")
		}
		db, err := supabase.NewDatabaseClient(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database client: %w", err)
		}
		a.db = db
		a.store = db

		supabaseClient, err := supabase.NewClient(cfg)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize Supabase client: %w", err)
		}
		a.blobs = supabaseClient.Storage()
		a.publisher = append(a.publisher, supabaseClient.Realtime())
	}

	if cfg.RabbitMQURL != "" {
		a.amqp = events.NewAMQPPublisher(cfg.RabbitMQURL, events.FulfilledQueue)
		a.publisher = append(a.publisher, a.amqp)
	}
	a.redis = cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	var prov restoration.Provider
	if cfg.ReplicateStubMode {
		log.Println("Warning: REPLICATE_STUB_MODE is set, predictions succeed immediately")
		prov = replicate.NewStubClient(cfg.ReplicateStubOutputURL)
	} else {
		prov = replicate.NewClient(cfg.ReplicateAPIBaseURL, cfg.ReplicateAPIToken, cfg.ReplicateModelVersion, cfg.WebhookCallbackURL)
	}

	var mailer outbox.Mailer = outbox.LogMailer{}
	if cfg.SendGridAPIKey != "" {
		mailer = outbox.NewSendGridMailer(cfg.SendGridBaseURL, cfg.SendGridAPIKey, cfg.EmailFrom, cfg.EmailFromName)
	} else {
		log.Println("Warning: SENDGRID_API_KEY not set. Emails will be logged, not sent.")
	}

	a.outbox = outbox.New(a.store, outbox.Templates{
		models.EmailTypeOrderConfirmation:   cfg.TemplateOrderConfirmation,
		models.EmailTypeRestorationComplete: cfg.TemplateRestorationDone,
		models.EmailTypeShareFamily:         cfg.TemplateShareFamily,
	}, cfg.EmailMaxAttempts)
	a.relay = outbox.NewRelay(a.store, mailer, cfg.WorkerBatchSize)

	a.evaluator = restoration.NewEvaluator(a.store, a.outbox, a.publisher)
	a.reconciler = restoration.NewReconciler(
		a.store,
		prov,
		replicate.NewDownloader(),
		a.blobs,
		a.evaluator,
		a.publisher,
		restoration.ReconcilerConfig{
			StuckTimeout:        cfg.StuckJobTimeout,
			BatchSize:           cfg.WorkerBatchSize,
			MaxDownloadAttempts: cfg.DownloadAttempts,
		},
	)
	a.dispatcher = restoration.NewDispatcher(a.store, prov, a.reconciler, restoration.DispatcherConfig{
		RetryDelay: cfg.DispatchRetryDelay,
		BatchSize:  cfg.WorkerBatchSize,
	})

	modelInput := map[string]interface{}{}
	if cfg.ReplicateModelInput != "" {
		if err := json.Unmarshal([]byte(cfg.ReplicateModelInput), &modelInput); err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid REPLICATE_MODEL_INPUT: %w", err)
		}
	}
	a.checkout = fulfillment.NewService(a.store, a.blobs, a.outbox, a.publisher, fulfillment.Config{
		TempPrefix:     cfg.SupabaseTempPrefix,
		JobMaxAttempts: cfg.JobMaxAttempts,
		ModelInput:     modelInput,
	})

	return a, nil
}

func (a *app) workers() *worker.Service {
	return worker.New(a.dispatcher, a.reconciler, a.relay, worker.Intervals{
		Dispatch: a.cfg.DispatchInterval,
		Poll:     a.cfg.PollInterval,
		Outbox:   a.cfg.OutboxInterval,
	})
}

func (a *app) webhookHandler() (*handlers.WebhookHandler, error) {
	verifier, err := restoration.NewWebhookVerifier(a.cfg.ReplicateWebhookSecret, a.cfg.WebhookTolerance)
	if err != nil {
		return nil, err
	}
	guard := cache.NewReplayGuard(a.redis, "replicate:webhook:", 24*time.Hour)
	return handlers.NewWebhookHandler(verifier, guard, a.reconciler), nil
}

// pinger is nil for the in-memory store.
func (a *app) pinger() handlers.Pinger {
	if a.db == nil {
		return nil
	}
	return a.db
}

func (a *app) Close() {
	if a.amqp != nil {
		if err := a.amqp.Close(); err != nil {
			log.Printf("Warning: failed to close RabbitMQ publisher: %v", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
