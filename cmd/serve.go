package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Gopher0727/GameNight/config"
	"github.com/Gopher0727/GameNight/internal/consumer"
	"github.com/Gopher0727/GameNight/internal/handlers"
	"github.com/Gopher0727/GameNight/internal/metrics"
	"github.com/Gopher0727/GameNight/internal/notify"
	"github.com/Gopher0727/GameNight/internal/pkg/clock"
	"github.com/Gopher0727/GameNight/internal/pkg/kafka"
	"github.com/Gopher0727/GameNight/internal/pkg/redis"
	"github.com/Gopher0727/GameNight/internal/reminder"
	"github.com/Gopher0727/GameNight/internal/repositories"
	"github.com/Gopher0727/GameNight/internal/routers"
	"github.com/Gopher0727/GameNight/internal/services"
	"github.com/Gopher0727/GameNight/internal/storage"
	"github.com/Gopher0727/GameNight/internal/utils"
	"github.com/Gopher0727/GameNight/internal/ws"
	logger "github.com/Gopher0727/GameNight/middleware/log"
	"github.com/Gopher0727/GameNight/utils/consistenthash"
	"github.com/Gopher0727/GameNight/utils/ratelimit"
	"github.com/Gopher0727/GameNight/utils/snowflake"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, deadline timers, reminders and the command consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveRun(cmd.Context(), configFile)
		},
	}
}

func serveRun(ctx context.Context, path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("配置初始化失败: %w", err)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("日志初始化失败: %w", err)
	}
	defer log.Close()

	if _, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof)); err != nil {
		log.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	// 初始化数据库与 Redis
	db, err := storage.InitDatabase(&cfg.Database, log.Logger)
	if err != nil {
		return fmt.Errorf("数据库初始化失败: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	rdb, err := storage.InitRedis(&cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis 初始化失败: %w", err)
	}
	defer rdb.Close()
	redisClient := redis.Wrap(rdb)

	ids, err := snowflake.NewGenerator(cfg.Server.WorkerID)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	clk := clock.Real{}
	builder := notify.NewBuilder(ids.NextID, clk.Now)

	// 一致性哈希环给出每个 guild 的 websocket 粘性节点
	nodes := cfg.Server.Nodes
	if len(nodes) == 0 {
		nodes = []string{cfg.Server.NodeID}
	}
	ring := consistenthash.New(0, nil)
	ring.Add(nodes...)
	hub := ws.NewHub(redisClient, ring, cfg.Server.NodeID, log.Logger)

	// 通知出口：Kafka 不可用时降级为只写日志，websocket 推送始终开启
	var primary notify.Sink = notify.NewLogSink(log.Logger)
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(&cfg.Kafka)
		if err != nil {
			log.Warn("kafka producer unavailable, notifications go to the log only", zap.Error(err))
		} else {
			defer producer.Close()
			primary = notify.NewKafkaSink(producer, cfg.Kafka.NotificationTopic)
		}
	}
	sink := notify.NewFanout(log.Logger, primary, notify.NewHubSink(hub))

	dispatcher := notify.NewDispatcher(repositories.NewOutboxRepository(db), sink, cfg.Retry, cfg.Outbox, m, log.Logger)

	// 初始化仓储层
	nights := repositories.NewGameNightRepository(db)
	availability := repositories.NewAvailabilityRepository(db)
	reminders := repositories.NewReminderRepository(db)

	sched := reminder.NewScheduler(reminder.Deps{
		Nights:       nights,
		Availability: availability,
		Reminders:    reminders,
		Sink:         sink,
		Builder:      builder,
		Clock:        clk,
		Metrics:      m,
		Log:          log.Logger,
	}, cfg.WorkerPool, cfg.Retry, cfg.GameNight.DefaultReminderOffsetMinutes)

	// 初始化服务层
	svc := services.NewGameNightService(services.Deps{
		Nights:       nights,
		Availability: availability,
		Library:      repositories.NewLibraryRepository(db),
		Roster:       repositories.NewRosterRepository(db),
		Reminders:    reminders,
		Votes:        repositories.NewVoteRepository(db),
		Seq:          redisClient,
		Scheduler:    sched,
		Builder:      builder,
		Outbox:       dispatcher,
		Clock:        clk,
		Metrics:      m,
		Log:          log.Logger,
	}, cfg)
	svc.Start()
	defer svc.Stop()

	// HTTP 请求在协程池中执行，防止高并发下 goroutine 暴涨
	pool := utils.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, log.Logger)
	pool.Start()
	defer pool.Stop()

	var limiter *ratelimit.WindowLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewWindowLimiter(rdb, log.Logger, cfg.RateLimit.Limit, cfg.RateLimit.Window, true)
	}

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	routers.SetupRoutes(r, routers.Deps{
		Config:     cfg,
		Log:        log,
		Metrics:    m,
		GameNights: handlers.NewGameNightHandler(svc),
		Prefs:      handlers.NewPreferenceHandler(svc),
		Hub:        hub,
		Limiter:    limiter,
		Pool:       pool,
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	// 重建未结束游戏之夜的截止时间与提醒，循环启动后立即处理已过期的部分
	if err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("恢复游戏之夜失败: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return untilCancelled(dispatcher.Run(ctx)) })
	g.Go(func() error { return untilCancelled(sched.Run(ctx)) })
	g.Go(func() error { return untilCancelled(svc.Run(ctx)) })
	g.Go(func() error { return hub.Run(ctx) })

	if cfg.Kafka.Enabled {
		group, err := consumer.NewConsumerGroup(&cfg.Kafka)
		if err != nil {
			log.Warn("kafka consumer unavailable, commands are accepted over HTTP only", zap.Error(err))
		} else {
			defer closeGroup(group, log.Logger)
			handler := consumer.NewCommandConsumer(svc, cfg.Retry, log.Logger)
			g.Go(func() error {
				return consumer.Run(ctx, group, []string{cfg.Kafka.CommandTopic}, handler, log.Logger)
			})
		}
	}

	g.Go(func() error {
		log.Info("正在启动服务器", zap.Int("port", cfg.Server.Port), zap.String("node", cfg.Server.NodeID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("启动服务器失败: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// untilCancelled 把正常退出时的 context.Canceled 视为成功
func untilCancelled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func closeGroup(group sarama.ConsumerGroup, log *zap.Logger) {
	if err := group.Close(); err != nil {
		log.Warn("failed to close consumer group", zap.Error(err))
	}
}
