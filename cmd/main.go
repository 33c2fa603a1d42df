package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/PH536-UI/mr-dom-ph-copilot/handler"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/assembler"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/coordinator"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/integrations/mautic"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/integrations/openai"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/integrations/paramstore"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/integrations/vtiger"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/memory"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/repository"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/router"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	auditTable := mustEnv("AUDIT_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	window := envInt("MEMORY_WINDOW", memory.DefaultWindow)
	contextBudget := envInt("CONTEXT_BUDGET", assembler.DefaultBudget)
	connectorTimeoutMs := envInt("CONNECTOR_TIMEOUT_MS", 5000)
	connectorRetries := envInt("CONNECTOR_MAX_RETRIES", 1)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	auditClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), auditTable)
	if err != nil {
		slog.Error("failed to create audit client", "err", err)
		os.Exit(1)
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	vtigerClient, err := vtiger.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create Vtiger client", "err", err)
		os.Exit(1)
	}
	mauticClient, err := mautic.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create Mautic client", "err", err)
		os.Exit(1)
	}

	// ---- Core ----
	store := memory.New(window)
	builder := assembler.New(contextBudget)
	classifier := router.New(router.Config{})
	coord, err := coordinator.New(vtigerClient, mauticClient, coordinator.Config{
		Timeout:    time.Duration(connectorTimeoutMs) * time.Millisecond,
		MaxRetries: connectorRetries,
	})
	if err != nil {
		slog.Error("failed to create coordinator", "err", err)
		os.Exit(1)
	}

	copilot, err := usecase.NewCopilot(ssmClient, openaiClient, store, builder, classifier, coord, auditClient, paramPrefix, slog.Default())
	if err != nil {
		slog.Error("failed to create copilot", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(copilot)
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
