package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Replicate (restoration provider)
	ReplicateAPIToken      string
	ReplicateAPIBaseURL    string
	ReplicateModelVersion  string
	ReplicateWebhookSecret string
	ReplicateStubMode      bool
	ReplicateStubOutputURL string
	ReplicateModelInput    string

	// Stripe checkout webhook
	StripeWebhookSecret string

	// Supabase
	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseStorageBucket  string
	SupabaseTempPrefix     string

	// Webhook
	WebhookCallbackURL string

	// Database
	DatabaseURL string

	// Redis (optional, webhook replay guard)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// RabbitMQ (optional, order events)
	RabbitMQURL string

	// Email
	SendGridAPIKey            string
	SendGridBaseURL           string
	EmailFrom                 string
	EmailFromName             string
	TemplateOrderConfirmation string
	TemplateRestorationDone   string
	TemplateShareFamily       string
	EmailMaxAttempts          int

	// Fulfillment
	JobMaxAttempts     int
	DispatchRetryDelay time.Duration
	StuckJobTimeout    time.Duration
	DownloadAttempts   int
	WebhookTolerance   time.Duration
	DispatchInterval   time.Duration
	PollInterval       time.Duration
	OutboxInterval     time.Duration
	WorkerBatchSize    int
	AdminJWTSecret     string

	// Server
	Port        string
	Environment string
	BaseURL     string
}

// Load reads the environment, after merging an optional .env file.
func Load() (*Config, error) {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	cfg := &Config{
		ReplicateAPIToken:      getEnv("REPLICATE_API_TOKEN", ""),
		ReplicateAPIBaseURL:    getEnv("REPLICATE_API_BASE_URL", "https://api.replicate.com/v1/"),
		ReplicateModelVersion:  getEnv("REPLICATE_MODEL_VERSION", ""),
		ReplicateWebhookSecret: getEnv("REPLICATE_WEBHOOK_SECRET", ""),
		ReplicateStubMode:      getEnvBool("REPLICATE_STUB_MODE", false),
		ReplicateStubOutputURL: getEnv("REPLICATE_STUB_OUTPUT_URL", "https://placehold.co/1024x1024.jpg"),
		ReplicateModelInput:    getEnv("REPLICATE_MODEL_INPUT", `{"codeformer_fidelity":0.7,"background_enhance":true,"face_upsample":true,"upscale":2}`),

		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabaseServiceRoleKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),
		SupabaseStorageBucket:  getEnv("SUPABASE_STORAGE_BUCKET", "photos"),
		SupabaseTempPrefix:     getEnv("SUPABASE_TEMP_PREFIX", "temp/"),

		WebhookCallbackURL: getEnv("WEBHOOK_CALLBACK_URL", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		RabbitMQURL: getEnv("RABBITMQ_URL", ""),

		SendGridAPIKey:            getEnv("SENDGRID_API_KEY", ""),
		SendGridBaseURL:           getEnv("SENDGRID_BASE_URL", "https://api.sendgrid.com/v3/"),
		EmailFrom:                 getEnv("EMAIL_FROM", "restorations@example.com"),
		EmailFromName:             getEnv("EMAIL_FROM_NAME", "Photo Restoration"),
		TemplateOrderConfirmation: getEnv("EMAIL_TEMPLATE_ORDER_CONFIRMATION", ""),
		TemplateRestorationDone:   getEnv("EMAIL_TEMPLATE_RESTORATION_COMPLETE", ""),
		TemplateShareFamily:       getEnv("EMAIL_TEMPLATE_SHARE_FAMILY", ""),
		EmailMaxAttempts:          getEnvInt("EMAIL_MAX_ATTEMPTS", 5),

		JobMaxAttempts:     getEnvInt("JOB_MAX_ATTEMPTS", 3),
		DispatchRetryDelay: getEnvDuration("DISPATCH_RETRY_DELAY", time.Minute),
		StuckJobTimeout:    getEnvDuration("STUCK_JOB_TIMEOUT", time.Hour),
		DownloadAttempts:   getEnvInt("OUTPUT_DOWNLOAD_ATTEMPTS", 3),
		WebhookTolerance:   getEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
		DispatchInterval:   getEnvDuration("DISPATCH_INTERVAL", 10*time.Second),
		PollInterval:       getEnvDuration("POLL_INTERVAL", 30*time.Second),
		OutboxInterval:     getEnvDuration("OUTBOX_INTERVAL", 15*time.Second),
		WorkerBatchSize:    getEnvInt("WORKER_BATCH_SIZE", 50),
		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),

		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Offline reports whether the process runs without external infrastructure:
// in-memory store, stub provider and log mailer.
func (c *Config) Offline() bool {
	return c.DatabaseURL == "" && c.ReplicateStubMode
}

func (c *Config) Validate() error {
	if !c.ReplicateStubMode && c.ReplicateAPIToken == "" {
		return fmt.Errorf("REPLICATE_API_TOKEN is required unless REPLICATE_STUB_MODE is set")
	}
	if !c.ReplicateStubMode && c.ReplicateModelVersion == "" {
		return fmt.Errorf("REPLICATE_MODEL_VERSION is required unless REPLICATE_STUB_MODE is set")
	}
	if c.ReplicateWebhookSecret == "" {
		return fmt.Errorf("REPLICATE_WEBHOOK_SECRET is required")
	}
	if c.DatabaseURL != "" && c.SupabaseURL == "" {
		return fmt.Errorf("SUPABASE_URL is required when DATABASE_URL is set")
	}
	if c.SupabaseURL != "" && c.SupabaseServiceRoleKey == "" {
		return fmt.Errorf("SUPABASE_SERVICE_ROLE_KEY is required")
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1")
	}
	if c.EmailMaxAttempts < 1 {
		return fmt.Errorf("EMAIL_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
