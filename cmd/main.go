package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"support-agent/handler"
	"support-agent/internal/catalog"
	"support-agent/internal/dialogue"
	"support-agent/internal/integrations/chatwoot"
	"support-agent/internal/integrations/paramstore"
	"support-agent/internal/repository"
	"support-agent/internal/retry"
	"support-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)

	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	chatwootBaseURL := mustEnv("CHATWOOT_BASE_URL")
	chatwootAccountID := mustEnv("CHATWOOT_ACCOUNT_ID")
	handoffQueue := envString("DEFAULT_HANDOFF_QUEUE", "support")
	deliveryTimeout := time.Duration(envInt("DELIVERY_TIMEOUT_MS", 8000)) * time.Millisecond

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	secrets, err := paramstore.New(awsssm.NewFromConfig(cfg),
		paramstore.WithCacheTTL(time.Duration(envInt("SECRET_CACHE_TTL_SECONDS", 300))*time.Second))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable, repository.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	chatwootClient, err := chatwoot.NewClient(secrets, paramPrefix, chatwootBaseURL, chatwootAccountID,
		chatwoot.WithTimeout(deliveryTimeout))
	if err != nil {
		slog.Error("failed to create Chatwoot client", "err", err)
		os.Exit(1)
	}

	// ---- Orchestration ----
	products, err := catalog.New()
	if err != nil {
		slog.Error("failed to load product catalog", "err", err)
		os.Exit(1)
	}
	machine, err := dialogue.New(products, dialogue.Config{HandoffQueue: handoffQueue})
	if err != nil {
		slog.Error("failed to create dialogue machine", "err", err)
		os.Exit(1)
	}
	deliverer, err := usecase.NewDeliverer(chatwootClient, retry.Default(), machine.HandoffQueue(), logger)
	if err != nil {
		slog.Error("failed to create deliverer", "err", err)
		os.Exit(1)
	}
	service, err := usecase.NewWebhookService(store, store, machine, deliverer,
		usecase.WithLogger(logger),
		usecase.WithMessageFetcher(chatwootClient),
	)
	if err != nil {
		slog.Error("failed to create webhook service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(service, secrets, paramPrefix,
		handler.WithLogger(logger),
		handler.WithHealthCheck(store.Ping),
	)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
