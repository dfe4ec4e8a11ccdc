package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"nojudge/internal/common/cache"
	"nojudge/internal/common/db"
	"nojudge/internal/common/mq"
	"nojudge/internal/common/storage"
	"nojudge/internal/judge/artifacts"
	"nojudge/internal/judge/checker"
	"nojudge/internal/judge/controller"
	"nojudge/internal/judge/lock"
	"nojudge/internal/judge/metrics"
	"nojudge/internal/judge/pipeline"
	"nojudge/internal/judge/pipeline/stages"
	"nojudge/internal/judge/repository"
	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/engine"
	"nojudge/internal/judge/service"
	"nojudge/internal/judge/template"
	"nojudge/internal/judge/testdata"
	"nojudge/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge_worker.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "judge worker stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		return fmt.Errorf("init minio failed: %w", err)
	}

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		return fmt.Errorf("init kafka failed: %w", err)
	}
	defer func() {
		_ = mqClient.Close()
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	eng, err := engine.NewDockerEngine(appCfg.Sandbox.toEngineConfig())
	if err != nil {
		return fmt.Errorf("init docker engine failed: %w", err)
	}
	defer func() {
		_ = eng.Close()
	}()
	runner := sandbox.NewDockerRunner(eng, appCfg.Sandbox.toRunnerConfig(), recorder)

	submissions := repository.NewSubmissionRepository(mysqlDB)
	locks := lock.NewService(redisCache)
	testdataCache := testdata.NewCache(appCfg.Testdata, submissions, objStorage, locks, recorder)

	stageRegistry := pipeline.NewRegistry(stages.All(stages.Deps{
		Runner:    runner,
		Store:     objStorage,
		Templates: template.NewService(objStorage),
		Checker:   checker.NewService(objStorage, runner, appCfg.Judge.CheckerTimeout),
	})...)
	executor := pipeline.NewExecutor(stageRegistry, submissions, artifacts.NewService(objStorage, appCfg.Judge.ArtifactMaxBytes), recorder)

	statusCache := repository.NewStatusCache(redisCache, appCfg.Status.TTL)
	judgeSvc, err := service.NewService(service.Config{
		Runner:            runner,
		Executor:          executor,
		Submissions:       submissions,
		Testdata:          testdataCache,
		Storage:           objStorage,
		Statuses:          statusCache,
		Publisher:         repository.NewMQStatusPublisher(mqClient, appCfg.Status.FinalTopic),
		Metrics:           recorder,
		Queue:             mqClient,
		RetryTopic:        appCfg.Kafka.RetryTopic,
		DeadLetterTopic:   appCfg.Kafka.DeadLetter,
		PoolRetryMax:      appCfg.Kafka.PoolRetryMax,
		PoolRetryBase:     appCfg.Kafka.PoolRetryBase,
		PoolRetryMaxDelay: appCfg.Kafka.PoolRetryMaxD,
		WorkerPoolSize:    appCfg.Worker.PoolSize,
		JobTimeout:        appCfg.Worker.Timeout,
		StorageTimeout:    appCfg.Source.Timeout,
		StatusTimeout:     appCfg.Status.Timeout,
	})
	if err != nil {
		return fmt.Errorf("init judge service failed: %w", err)
	}

	limiter := mq.NewTokenLimiter(appCfg.Worker.PoolSize)
	err = mqClient.SubscribeWeighted(ctx, appCfg.Kafka.weightedTopics(), judgeSvc.HandleMessage, &mq.SubscribeOptions{
		ConsumerGroup:   appCfg.Kafka.ConsumerGroup,
		Concurrency:     appCfg.Kafka.Concurrency,
		MaxRetries:      appCfg.Kafka.MaxRetries,
		RetryDelay:      appCfg.Kafka.RetryDelay,
		DeadLetterTopic: appCfg.Kafka.DeadLetter,
	}, limiter)
	if err != nil {
		return fmt.Errorf("subscribe kafka failed: %w", err)
	}
	if err := mqClient.Start(); err != nil {
		return fmt.Errorf("start kafka consumer failed: %w", err)
	}
	defer func() {
		_ = mqClient.Stop()
	}()

	judgeController := controller.NewJudgeController(statusCache, judgeSvc, mqClient, appCfg.Kafka.Topic,
		controller.HealthCheck{Name: "mysql", Check: mysqlDB.Ping},
		controller.HealthCheck{Name: "redis", Check: redisCache.Ping},
		controller.HealthCheck{Name: "kafka", Check: mqClient.Ping},
		controller.HealthCheck{Name: "docker", Check: eng.Ping},
	)
	httpServer := buildHTTPServer(appCfg.Server, controller.NewRouter(judgeController, registry))
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "judge http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received", zap.Int("in_flight", len(judgeSvc.InFlight())))
	}

	ctxShutdown, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	return nil
}

func buildHTTPServer(cfg ServerConfig, router *gin.Engine) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
