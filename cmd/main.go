package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"inbox-memory/handler"
	"inbox-memory/internal/config"
	"inbox-memory/internal/inbox"
	"inbox-memory/internal/integrations/openai"
	"inbox-memory/internal/integrations/paramstore"
	"inbox-memory/internal/memory"
	"inbox-memory/internal/observability"
	"inbox-memory/internal/repository"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	loadEnvFile(os.Getenv("ENV_FILE"))
	cfg, err := config.Load(os.Getenv("MEMORY_CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	store, locker, err := buildStore(ctx, cfg, awsdynamodb.NewFromConfig(awsCfg))
	if err != nil {
		slog.Error("failed to create memory store", "backend", cfg.Store.Backend, "err", err)
		os.Exit(1)
	}

	openaiClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix, openai.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	extractor, err := memory.NewLLMExtractor(ssmClient, openaiClient, cfg.ParamPrefix)
	if err != nil {
		slog.Error("failed to create extractor", "err", err)
		os.Exit(1)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer, "inbox_memory")

	// ---- Pipeline ----
	pipeline, err := memory.NewPipeline(extractor, store, memory.Options{
		Threshold: cfg.Threshold(),
		Namespaces: memory.Namespacer{
			AssistantID:   cfg.Memory.AssistantID,
			DefaultUserID: cfg.Memory.DefaultUserID,
			Scope:         memory.NamespaceScope(cfg.Memory.NamespaceScope),
		},
		ExtractTimeout: cfg.Memory.ExtractTimeout,
		CommitTimeout:  cfg.Memory.CommitTimeout,
		Disabled:       !cfg.Memory.Enabled,
		Locker:         locker,
		Metrics:        metrics,
		Logger:         logger,
	})
	if err != nil {
		slog.Error("failed to create memory pipeline", "err", err)
		os.Exit(1)
	}

	reviewer, err := inbox.NewReviewer(pipeline, cfg.UserName, logger)
	if err != nil {
		slog.Error("failed to create reviewer", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(pipeline,
		handler.WithReviewer(reviewer),
		handler.WithMetrics(metrics),
		handler.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

// buildStore returns the configured backend and, when locking is enabled,
// the locker that matches it.
func buildStore(ctx context.Context, cfg config.Config, dynamo *awsdynamodb.Client) (memory.Store, memory.Locker, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pg, err := repository.NewPostgresStore(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if !cfg.Store.Locking {
			return pg, nil, nil
		}
		locker, err := pg.Locker()
		if err != nil {
			return nil, nil, err
		}
		return pg, locker, nil

	case config.BackendMemory:
		if !cfg.Store.Locking {
			return repository.NewMemoryStore(), nil, nil
		}
		return repository.NewMemoryStore(), repository.NewKeyLocker(), nil

	default:
		client, err := repository.New(dynamo, cfg.Store.Table)
		if err != nil {
			return nil, nil, err
		}
		if !cfg.Store.Locking {
			return client, nil, nil
		}
		locker, err := repository.NewLocker(dynamo, cfg.Store.Table, cfg.Store.LockLease)
		if err != nil {
			return nil, nil, err
		}
		return client, locker, nil
	}
}

// loadEnvFile loads path into the environment. An unset path falls back to
// an optional .env in the working directory.
func loadEnvFile(path string) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			slog.Error("failed to load env file", "path", path, "err", err)
			os.Exit(1)
		}
		return
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("ignoring unreadable .env file", "err", err)
	}
}
