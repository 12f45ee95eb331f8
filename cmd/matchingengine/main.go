// MatchingEngine 主程序
// 功能：单进程撮合核心，维护订单簿与余额账本，指令经 HTTP 或 Kafka 进入，事件发往 Kafka
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wyfcoding/matchingcore/internal/matchingengine/application"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/execution"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/infrastructure/messaging"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/infrastructure/metadata"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/infrastructure/persistence/memory"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/infrastructure/persistence/mysql"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/infrastructure/persistence/pebble"
	redisrepo "github.com/wyfcoding/matchingcore/internal/matchingengine/infrastructure/persistence/redis"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/interfaces/consumer"
	httphandler "github.com/wyfcoding/matchingcore/internal/matchingengine/interfaces/http"
	"github.com/wyfcoding/matchingcore/pkg/cache"
	"github.com/wyfcoding/matchingcore/pkg/config"
	"github.com/wyfcoding/matchingcore/pkg/db"
	"github.com/wyfcoding/matchingcore/pkg/logger"
	"github.com/wyfcoding/matchingcore/pkg/metrics"
	"github.com/wyfcoding/matchingcore/pkg/mq"
	"github.com/wyfcoding/matchingcore/pkg/ratelimit"
	"github.com/wyfcoding/matchingcore/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// storage 持久化驱动需同时支持写入、恢复与成交查询
type storage interface {
	domain.PersistenceSink
	domain.StateLoader
	domain.TradeHistory
}

func main() {
	configPath := flag.String("config", "configs/matchingengine/config.toml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "matchingengine: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 2. 初始化日志
	log, err := logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log = log.With("service", cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log.Info("starting matching engine", "environment", cfg.Environment, "persistence", cfg.Persistence.Driver, "metadata", cfg.Metadata.Source)

	m := metrics.New(cfg.ServiceName)
	ids, err := utils.NewIDGenerator(cfg.Matching.NodeID)
	if err != nil {
		return err
	}

	// 3. 数据库（持久化或元数据任一使用 mysql 时才连接）
	var database *db.DB
	if cfg.Persistence.Driver == "mysql" || cfg.Metadata.Source == "mysql" {
		database, err = db.Open(ctx, db.Config{
			DSN:                cfg.Persistence.DSN,
			MaxOpenConns:       cfg.Persistence.MaxOpenConns,
			MaxIdleConns:       cfg.Persistence.MaxIdleConns,
			ConnMaxLifetime:    cfg.Persistence.ConnMaxLifetime,
			LogEnabled:         cfg.Persistence.LogEnabled,
			SlowQueryThreshold: cfg.Persistence.SlowQueryThreshold,
		}, log)
		if err != nil {
			return err
		}
		defer database.Close()
	}

	// 4. 持久化
	store, closeStore, err := openStorage(ctx, cfg, database, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// 5. 资产元数据
	var loader metadata.Loader = metadata.NewConfigLoader(cfg.Metadata)
	if cfg.Metadata.Source == "mysql" {
		loader = mysql.NewStore(database, log)
	}
	meta := metadata.NewProvider(loader, cfg.Metadata.RefreshEvery(), log)
	if err := meta.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}

	// 6. Redis：消息去重与查询限流
	window := time.Duration(cfg.Redis.DedupWindow) * time.Second
	var dedup domain.Deduplicator = memory.NewDedupRepository(window)
	var limiter ratelimit.Limiter
	if cfg.Redis.Enabled {
		redisCache, err := cache.New(ctx, cache.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxPoolSize:  cfg.Redis.MaxPoolSize,
			ConnTimeout:  cfg.Redis.ConnTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, log)
		if err != nil {
			return err
		}
		defer redisCache.Close()
		dedup = redisrepo.NewDedupRepository(redisCache, window)
		limiter = ratelimit.NewRedisLimiter(redisCache.Client(), "matching:ratelimit")
	}

	// 7. 事件出口
	kafkaCfg := mq.KafkaConfig{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.GroupID,
		SessionTimeout: cfg.Kafka.SessionTimeout,
		MaxRetries:     cfg.Kafka.MaxRetries,
		RetryBackoff:   cfg.Kafka.RetryBackoff,
	}
	var events domain.EventSink = messaging.NewLogPublisher(log)
	if cfg.Kafka.Enabled {
		producer := mq.NewProducer(kafkaCfg, log)
		defer producer.Close()
		events = messaging.NewKafkaPublisher(producer, cfg.Kafka.EventTopic)
	}

	// 8. 撮合服务与状态恢复
	state := execution.NewState(cfg.Matching.TrustedClients)
	svc := application.NewMatchingEngineService(application.Options{
		Preprocessors:    cfg.Matching.Preprocessors,
		InboundQueueSize: cfg.Matching.InboundQueueSize,
		MatcherQueueSize: cfg.Matching.MatcherQueueSize,
		EventQueueSize:   cfg.Matching.EventQueueSize,
		MaxCascadeSteps:  cfg.Matching.MaxCascadeSteps,
		ExpiryInterval:   cfg.Matching.ExpiryInterval(),
	}, state, application.Dependencies{
		Meta:        meta,
		Persistence: store,
		Events:      events,
		Dedup:       dedup,
		IDs:         ids,
	}, log, m)
	if err := svc.RecoverState(ctx, store); err != nil {
		return err
	}

	// 9. HTTP 服务
	handler := httphandler.NewMatchingHandler(svc, svc.Query(), store, log)
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      httphandler.NewRouter(handler, m, limiter, *cfg, log),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return meta.Run(gctx) })
	if cfg.Kafka.Enabled {
		kc := mq.NewConsumer(kafkaCfg, cfg.Kafka.CommandTopic, log)
		defer kc.Close()
		g.Go(func() error { return consumer.NewCommandConsumer(kc, svc, log).Run(gctx) })
	}
	g.Go(func() error {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("matching engine stopped", "error", err)
	return err
}

func openStorage(ctx context.Context, cfg *config.Config, database *db.DB, log *slog.Logger) (storage, func(), error) {
	switch cfg.Persistence.Driver {
	case "mysql":
		store := mysql.NewStore(database, log)
		if err := store.AutoMigrate(ctx); err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "pebble":
		store, err := pebble.Open(cfg.Persistence.Dir, log)
		if err != nil {
			return nil, nil, err
		}
		last, err := store.LastMessageID()
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		log.Info("pebble store opened", "dir", cfg.Persistence.Dir, "last_message_id", last)
		return store, func() { _ = store.Close() }, nil
	default:
		log.Warn("using in-memory persistence, state is lost on restart")
		return memory.NewRepository(), func() {}, nil
	}
}
