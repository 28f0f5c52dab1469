package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenrepo/internal/config"
	"github.com/pbinitiative/zenrepo/internal/log"
	"github.com/pbinitiative/zenrepo/internal/otel"
	"github.com/pbinitiative/zenrepo/internal/profile"
	"github.com/pbinitiative/zenrepo/internal/rest"
	"github.com/pbinitiative/zenrepo/internal/rqlite"
	"github.com/pbinitiative/zenrepo/pkg/cache"
	"github.com/pbinitiative/zenrepo/pkg/jobexecutor"
	otelPkg "github.com/pbinitiative/zenrepo/pkg/otel"
	"github.com/pbinitiative/zenrepo/pkg/repository"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/script/js"
	otelApi "go.opentelemetry.io/otel"
)

func main() {
	profile.InitProfile()
	log.Init()
	defer log.Sync()

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()
	if err := conf.Validate(); err != nil {
		log.Error("Invalid configuration: %s", err)
		os.Exit(1)
	}

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  conf.Name,
		Level: profile.LogLevel(),
	})

	dbStore, err := rqlite.OpenEmbedded(conf.Persistence.DataDir)
	if err != nil {
		log.Error("Failed to open database in %s: %s", conf.Persistence.DataDir, err)
		os.Exit(1)
	}
	db, err := rqlite.NewDB(appContext, dbStore, conf.NodeId, logger.Named("rqlite"))
	if err != nil {
		log.Error("Failed to initialize storage: %s", err)
		os.Exit(1)
	}

	metrics, err := otelPkg.NewMetrics(otelApi.GetMeterProvider().Meter("zenrepo-repository"))
	if err != nil {
		log.Error("Failed to create repository metrics: %s", err)
		os.Exit(1)
	}
	filter, err := repository.DuplicateFilterByName(conf.Repository.DuplicateFilter)
	if err != nil {
		log.Error("Invalid duplicate filter: %s", err)
		os.Exit(1)
	}
	repo, err := repository.New(appContext, db,
		repository.WithLogger(logger),
		repository.WithMetrics(metrics),
		repository.WithCacheConfig(cacheConfig(conf.Persistence)),
		repository.WithDuplicateFilter(filter),
		repository.WithVersionRetryAttempts(conf.Repository.VersionRetryAttempts),
		repository.WithDefaultResumeStrategy(repository.ResumeStrategy(conf.Repository.ResumeStrategy)),
		repository.WithProcessApplicationDefaults(applicationDefaults(conf.ProcessApplications)),
		repository.WithScriptRuntimes(
			js.NewJsRuntime(appContext, conf.Repository.ScriptPoolMaxSize, conf.Repository.ScriptPoolMinSize, 5*time.Second),
			nil,
		),
	)
	if err != nil {
		log.Error("Failed to create repository: %s", err)
		os.Exit(1)
	}

	executor := jobexecutor.New(db, repo.JobHandlers(), metrics,
		jobexecutor.WithLogger(logger),
		jobexecutor.WithPollInterval(conf.JobExecutor.PollInterval),
		jobexecutor.WithBatchSize(conf.JobExecutor.BatchSize),
	)
	if conf.JobExecutor.Enabled {
		executor.Start(appContext)
	}

	// Start the public API
	svr := rest.NewServer(repo, conf, openTelemetry.Http)
	svr.Start()

	appStop := make(chan os.Signal, 2)
	handleSigterm(appStop, appContext)

	ctxCancel()
	// cleanup
	svr.Stop(context.Background())
	executor.Stop()
	if err := dbStore.Close(); err != nil {
		log.Error("failed to close database: %s", err)
	}
	openTelemetry.Stop(context.Background())
}

func cacheConfig(conf config.Persistence) cache.Config {
	return cache.Config{
		Sizes: map[runtime.DefinitionKind]int{
			runtime.DefinitionKindProcess:              conf.ProcessCacheSize,
			runtime.DefinitionKindDecision:             conf.DecisionCacheSize,
			runtime.DefinitionKindDecisionRequirements: conf.DecisionRequirementsCacheSize,
		},
		ModelSize: conf.ModelCacheSize,
		TTL:       conf.CacheTTL,
	}
}

func applicationDefaults(apps []config.ProcessApplication) map[string]repository.ApplicationDefaults {
	res := make(map[string]repository.ApplicationDefaults, len(apps))
	for _, pa := range apps {
		res[pa.Name] = repository.ApplicationDefaults{
			Resume:   pa.Resume,
			Strategy: repository.ResumeStrategy(pa.ResumeStrategy),
		}
	}
	return res
}

func handleSigterm(appStop chan os.Signal, ctx context.Context) {
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Infof(ctx, "Received %s. Shutting down", sig.String())
}
