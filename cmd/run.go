package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hireloop/fitqueue/internal/ai"
	"github.com/hireloop/fitqueue/internal/ai/gemini"
	"github.com/hireloop/fitqueue/internal/batch"
	"github.com/hireloop/fitqueue/internal/fit"
	"github.com/hireloop/fitqueue/internal/governor"
	"github.com/hireloop/fitqueue/internal/ledger"
	"github.com/hireloop/fitqueue/internal/logger"
	"github.com/hireloop/fitqueue/internal/queue"
	"github.com/hireloop/fitqueue/internal/quota"
	"github.com/hireloop/fitqueue/internal/records"
	"github.com/hireloop/fitqueue/internal/secrets"
	"github.com/hireloop/fitqueue/internal/service"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	defaultInteractiveWorkers = 4
	defaultBatchWorkers       = 1
	healthLogInterval         = time.Minute
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the fitqueue workers",
	Run: func(cmd *cobra.Command, _ []string) {
		run(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// run starts both worker pools and blocks until a termination signal.
func run(_ *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting fitqueue", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(config, "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	if config == nil {
		logger.Fatal("config is required")
	}
	if config.Redis == nil || config.Redis.Addr == "" {
		logger.Fatal("redis address is required",
			zap.String("hint", "set REDIS_ADDR or the 'redis.addr' key in the configuration file"),
		)
	}

	rc := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		logger.Fatal("connecting to redis", zap.String("addr", config.Redis.Addr), zap.Error(err))
	}

	generator, err := newGenerator(ctx, config.AI, logger)
	if err != nil {
		logger.Fatal("building ai generator", zap.Error(err))
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = app
	}

	limits := config.Limits
	if limits == nil {
		limits = &LimitsConfig{}
	}

	gov := governor.New(governor.NewRedisCounterStore(rc), governor.Config{
		DailyBudgetUSD:    limits.DailyBudgetUSD,
		AlertThresholdUSD: limits.AlertThresholdUSD,
		MaxConcurrent:     limits.MaxConcurrent,
		KeyPrefix:         prefix,
	}, logger)

	usage := ledger.NewRedisLedger(rc, prefix)
	limiter := quota.NewLimiter(usage, limits.MonthlyFitQuota)

	pricing := fit.Pricing{}
	if config.Pricing != nil {
		pricing.InputPerMillionUSD = config.Pricing.InputPerMillionUSD
		pricing.OutputPerMillionUSD = config.Pricing.OutputPerMillionUSD
	}

	maxLogLen := 0
	if config.AI != nil && config.AI.Gemini != nil {
		maxLogLen = config.AI.Gemini.MaxLogLength
	}

	builder := fit.NewDigestBuilder(generator, logger, maxLogLen)
	scorer := fit.NewScorer(generator, gov, usage, pricing, 0, logger, maxLogLen)

	store := queue.NewStore(rc, prefix, logger)
	interactiveQueue := queue.NewRedisQueue(rc, queue.LaneInteractive, prefix, logger)
	batchQueue := queue.NewRedisQueue(rc, queue.LaneBatch, prefix, logger)
	docs := records.NewStore(rc, prefix, logger)

	svc := service.New(
		store, interactiveQueue, batchQueue,
		scorer, builder, limiter, gov,
		docs, docs, docs,
		rc, logger,
	)

	queueCfg := config.Queue
	if queueCfg == nil {
		queueCfg = &QueueConfig{}
	}
	interactiveWorkers := queueCfg.InteractiveWorkers
	if interactiveWorkers <= 0 {
		interactiveWorkers = defaultInteractiveWorkers
	}
	batchWorkers := queueCfg.BatchWorkers
	if batchWorkers <= 0 {
		batchWorkers = defaultBatchWorkers
	}

	processor := batch.NewProcessor(
		scorer, gov, limiter, store, builder,
		docs, docs, docs,
		batch.Config{ItemDelay: queueCfg.ItemDelay},
		logger,
	)

	interactivePool := queue.NewPool(
		interactiveQueue, store, svc.HandleInteractive,
		interactiveWorkers, queue.RetryPolicy{}, logger,
	)
	batchPool := queue.NewPool(
		batchQueue, store, processor.Handle,
		batchWorkers, queue.RetryPolicy{}, logger,
	)

	interactivePool.Start(ctx)
	batchPool.Start(ctx)

	logger.Info("worker pools started",
		zap.Int("interactive_workers", interactiveWorkers),
		zap.Int("batch_workers", batchWorkers),
	)

	go logHealth(ctx, svc, logger)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining workers")

	interactivePool.Wait()
	batchPool.Wait()

	if err := rc.Close(); err != nil {
		logger.Warn("closing redis client", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newGenerator(ctx context.Context, cfg *AIConfig, logger *zap.Logger) (ai.Generator, error) {
	if cfg == nil || cfg.Gemini == nil {
		return nil, errors.New("ai.gemini configuration is required")
	}

	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	if provider != "" && provider != "gemini" {
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}

	apiKey, err := secrets.Load(secrets.Source{
		Name: "gemini api key",
		File: cfg.Gemini.APIKeyFile,
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set ai.gemini.api-key-file or GEMINI_API_KEY_FILE)", err)
	}

	genLogger := logger.With(
		zap.String("provider", "gemini"),
		zap.String("model", cfg.Gemini.Model),
		zap.Int("ai_retry_attempts", cfg.Gemini.MaxRetries),
	)

	generator, err := gemini.NewGenerator(ctx, apiKey, cfg.Gemini.Model, cfg.Gemini.MaxRetries, genLogger)
	if err != nil {
		return nil, err
	}
	return generator, nil
}

// logHealth periodically emits the operational snapshot so queue depth and
// spend are visible without a metrics stack.
func logHealth(ctx context.Context, svc *service.Service, logger *zap.Logger) {
	ticker := time.NewTicker(healthLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := svc.GetHealth(ctx)
			fields := []zap.Field{
				zap.String("redis", h.Redis),
				zap.Float64("daily_spent_usd", h.DailySpentUSD),
				zap.Float64("daily_budget_usd", h.DailyBudgetUSD),
			}
			for lane, lh := range h.Lanes {
				fields = append(fields,
					zap.Int64(string(lane)+"_waiting", lh.Waiting),
					zap.Int64(string(lane)+"_active", lh.Active),
				)
			}
			logger.Info("health", fields...)
		}
	}
}
