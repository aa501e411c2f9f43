package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/adapters/datasource"
	_ "github.com/relicmap/relicmap-engine/pkg/adapters/datasource/mssql"    // register mssql discoverer
	_ "github.com/relicmap/relicmap-engine/pkg/adapters/datasource/postgres" // register postgres discoverer
	"github.com/relicmap/relicmap-engine/pkg/config"
	"github.com/relicmap/relicmap-engine/pkg/database"
	"github.com/relicmap/relicmap-engine/pkg/extract"
	"github.com/relicmap/relicmap-engine/pkg/inventory"
	"github.com/relicmap/relicmap-engine/pkg/llm"
	"github.com/relicmap/relicmap-engine/pkg/logging"
	"github.com/relicmap/relicmap-engine/pkg/models"
	"github.com/relicmap/relicmap-engine/pkg/orchestrator"
	"github.com/relicmap/relicmap-engine/pkg/resolver"
	"github.com/relicmap/relicmap-engine/pkg/semantic"
	"github.com/relicmap/relicmap-engine/pkg/store"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting relicmap-engine",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("project_root", cfg.ProjectRoot))

	graph, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize graph store", zap.Error(err))
	}
	defer func() { _ = graph.Close() }()

	var capability semantic.Capability
	if cfg.AI.Enabled() {
		capability, err = buildCapability(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize semantic capability", zap.Error(err))
		}
	} else {
		logger.Warn("No AI endpoint configured; view/controller/service units will be skipped")
	}

	registry := extract.NewRegistry(
		extract.NewSQLExtractor(logger),
		extract.NewMapperExtractor(logger),
		extract.NewDelegatedExtractor(models.ArtifactView, capability, logger),
		extract.NewDelegatedExtractor(models.ArtifactController, capability, logger),
		extract.NewDelegatedExtractor(models.ArtifactService, capability, logger),
	)

	var schema *extract.SchemaExtractor
	if cfg.SchemaSource.Enabled() {
		schema = extract.NewSchemaExtractor(&datasource.Descriptor{
			Type:     cfg.SchemaSource.Type,
			Host:     cfg.SchemaSource.Host,
			Port:     cfg.SchemaSource.Port,
			User:     cfg.SchemaSource.User,
			Password: cfg.SchemaSource.Password,
			Database: cfg.SchemaSource.Database,
		}, logger)
	}

	engine := orchestrator.NewEngine(
		inventory.NewScanner(logger),
		registry,
		schema,
		resolver.New(cfg.Extraction.ResolverPasses, logger),
		graph,
		orchestrator.NewPool(orchestrator.PoolConfig{MaxConcurrent: cfg.Extraction.Workers}, logger),
		logger,
	)

	kinds, err := cfg.ArtifactKinds()
	if err != nil {
		logger.Fatal("Invalid artifact kind filter", zap.Error(err))
	}

	summary, err := engine.Run(ctx, orchestrator.Request{Root: cfg.ProjectRoot, Kinds: kinds})
	if err != nil {
		logger.Fatal("Analysis run failed", zap.Error(err))
	}

	logger.Info("Analysis run finished",
		zap.String("run_id", summary.RunID),
		zap.String("state", string(summary.State)),
		zap.Int64("graph_version", summary.GraphVersion),
		zap.Int("units_scanned", summary.UnitsScanned),
		zap.Int("units_succeeded", summary.UnitsSucceeded),
		zap.Int("units_skipped", summary.UnitsSkipped),
		zap.Int("units_failed", summary.UnitsFailed),
		zap.Int("nodes_committed", summary.NodesCommitted),
		zap.Int("edges_committed", summary.EdgesCommitted),
		zap.Int("diagnostics", len(summary.Diagnostics)))

	if summary.State != models.RunCompleted {
		os.Exit(1)
	}
}

func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.GraphStore, error) {
	if !cfg.Database.Enabled() {
		logger.Info("No engine database configured; using in-memory graph store")
		return store.NewMemoryStore(logger), nil
	}

	sqlDB, err := sql.Open("pgx", cfg.Database.URL())
	if err != nil {
		return nil, err
	}
	if err := database.RunMigrations(sqlDB, cfg.Database.MigrationsPath, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := sqlDB.Close(); err != nil {
		return nil, err
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, err
	}
	return store.NewPostgresStore(db, logger), nil
}

func buildCapability(cfg *config.Config, logger *zap.Logger) (semantic.Capability, error) {
	llmCfg := &llm.Config{
		Provider: cfg.AI.Provider,
		BaseURL:  cfg.AI.BaseURL,
		Model:    cfg.AI.Model,
		APIKey:   cfg.AI.APIKey,
	}

	var client llm.ChatClient
	var err error
	switch cfg.AI.Provider {
	case "anthropic":
		client, err = llm.NewAnthropicClient(llmCfg, logger)
	default:
		client, err = llm.NewOpenAIClient(llmCfg, logger)
	}
	if err != nil {
		return nil, err
	}

	return semantic.NewLLMCapability(client, nil, semantic.LLMCapabilityConfig{
		CallTimeout:   time.Duration(cfg.Extraction.SemanticTimeoutSeconds) * time.Second,
		MaxConcurrent: cfg.Extraction.SemanticConcurrency,
	}, logger)
}
