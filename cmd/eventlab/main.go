package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davicafu/eventlab/internal/bus/application"
	"github.com/davicafu/eventlab/internal/bus/domain"
	busEvents "github.com/davicafu/eventlab/internal/bus/infra/inbound/events"
	busHttp "github.com/davicafu/eventlab/internal/bus/infra/inbound/http"
	"github.com/davicafu/eventlab/internal/bus/infra/outbound/analytics/clickhouse"
	busCache "github.com/davicafu/eventlab/internal/bus/infra/outbound/cache"
	mongoRepo "github.com/davicafu/eventlab/internal/bus/infra/outbound/db/mongodb"
	postgresRepo "github.com/davicafu/eventlab/internal/bus/infra/outbound/db/postgre"
	sqliteRepo "github.com/davicafu/eventlab/internal/bus/infra/outbound/db/sqlite"
	"github.com/davicafu/eventlab/internal/bus/infra/outbound/stream"
	"github.com/davicafu/eventlab/internal/bus/infra/outbound/webhook"
	config "github.com/davicafu/eventlab/internal/config"
	"github.com/davicafu/eventlab/internal/shared/infra/relayer"
	sharedCache "github.com/davicafu/eventlab/internal/shared/infra/platform/cache"
	"github.com/davicafu/eventlab/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
	// _ "github.com/mattn/go-sqlite3" // requires gcc
	_ "modernc.org/sqlite"
)

// ---------------- Main ----------------
func main() {
	logger.Init()          // inicializa zap
	log := logger.Logger() // obtiene logger estructurado
	defer log.Sync()       // flush buffers al salir

	// Cancelado con SIGINT/SIGTERM: relayer y consumers terminan el lote
	// en vuelo y salen.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()

	// ---------------- Event store ----------------
	var (
		eventRepo domain.EventRepository
		subRepo   domain.SubscriptionRepository
	)

	switch cfg.Backend {
	case "postgres":
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Fatal("failed to open Postgres", zap.Error(err))
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			log.Fatal("failed to ping Postgres", zap.Error(err))
		}
		if err := postgresRepo.InitPostgres(db); err != nil {
			log.Fatal("failed to initialize Postgres", zap.Error(err))
		}
		eventRepo = postgresRepo.NewEventRepoPostgres(db)
		subRepo = postgresRepo.NewSubscriptionRepoPostgres(db)
		log.Info("✅ Event store en Postgres")

	case "mongodb":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatal("failed to connect to MongoDB", zap.Error(err))
		}
		defer client.Disconnect(context.Background())
		eventRepo = mongoRepo.NewEventRepoMongoDB(client, cfg.MongoDB)

		// El registro de suscripciones sigue en SQLite: es una tabla
		// pequeña y el repo mongo solo cubre el event store.
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			log.Fatal("failed to open SQLite", zap.Error(err))
		}
		defer db.Close()
		if err := sqliteRepo.InitSQLite(db); err != nil {
			log.Fatal("failed to initialize SQLite", zap.Error(err))
		}
		subRepo = sqliteRepo.NewSubscriptionRepoSQLite(db)
		log.Info("✅ Event store en MongoDB, suscripciones en SQLite")

	default:
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			log.Fatal("failed to open SQLite", zap.Error(err))
		}
		defer db.Close()
		if err := sqliteRepo.InitSQLite(db); err != nil {
			log.Fatal("failed to initialize SQLite", zap.Error(err))
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatal("failed to ping SQLite", zap.Error(err))
		}
		eventRepo = sqliteRepo.NewEventRepoSQLite(db)
		subRepo = sqliteRepo.NewSubscriptionRepoSQLite(db)
		log.Info("✅ Event store en SQLite", zap.String("path", cfg.SQLitePath))
	}

	// ---------------- Cache de suscripciones ----------------
	var cacheInstance sharedCache.Cache
	var rdb *redis.Client
	if cfg.Broker != "kafka" && cfg.Broker != "memory" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}
	if rdb != nil && rdb.Ping(ctx).Err() == nil {
		cacheInstance = busCache.NewRedisCache(rdb, cfg.CacheTTL)
		log.Info("✅ Redis conectado, cache habilitado")
	} else {
		if rdb != nil {
			log.Warn("⚠️ Redis no disponible, cache en memoria")
		}
		cacheInstance = busCache.NewInMemoryCache(cfg.CacheTTL, 3*cfg.CacheTTL)
	}
	subRepo = busCache.NewCachedSubscriptionRepo(subRepo, cacheInstance, int(cfg.CacheTTL.Seconds()), log)

	// ---------------- Broker de streams ----------------
	var (
		publisher domain.StreamPublisher
		memStream *stream.InMemoryStream
	)

	switch cfg.Broker {
	case "kafka":
		log.Info("🚀 Usando Kafka como broker de streams")
		kp := stream.NewKafkaStreamPublisher(cfg.KafkaBrokers, cfg.StreamPrefix, log)
		defer kp.Close()
		publisher = kp

	case "memory":
		log.Info("⚡️ Usando broker de streams en memoria (solo desarrollo)")
		memStream = stream.NewInMemoryStream(cfg.StreamPrefix, int(cfg.StreamMaxLen))
		publisher = memStream

	default:
		log.Info("🚀 Usando Redis Streams como broker", zap.String("addr", cfg.RedisAddr))
		publisher = stream.NewRedisStreamPublisher(rdb, cfg.StreamPrefix, cfg.StreamMaxLen, log)
	}

	// ---------------- Analítica de entregas ----------------
	var deliveryLog domain.DeliveryLogger
	if cfg.ClickHouseAddr != "" {
		chRepo, err := clickhouse.NewEventLogRepo(cfg.ClickHouseAddr, cfg.ClickHouseDB)
		if err != nil {
			log.Warn("⚠️ ClickHouse no disponible, analítica deshabilitada", zap.Error(err))
		} else {
			defer chRepo.Close()
			deliveryLog = chRepo
			log.Info("✅ ClickHouse conectado, log de entregas habilitado")
		}
	}

	// --------------- Servicios --------------
	metrics := &application.Metrics{}
	busService := application.NewBusService(eventRepo, subRepo, publisher, metrics, log)

	webhookHandler := webhook.NewHandler(10*time.Second, cfg.WebhookAttempts, cfg.WebhookDelay, log)
	dispatcher := application.NewDispatcher(subRepo, webhookHandler, metrics, log)

	// ------------ Relayer (outbox → stream) ------------
	// Se podría ejecutar externamente
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	worker := relayer.NewWorker(eventRepo, publisher, cfg.RelayerPeriod, cfg.RelayerBatch, retention, metrics, log)
	busService.SetFlusher(worker)
	go worker.Start(ctx)
	go worker.StartRetention(ctx, cfg.RetentionPeriod)

	// ------------ Consumers ------------
	// Cada servicio consume la manguera global con su propio consumer
	// group: copias independientes del mismo flujo de eventos.
	firehose := domain.FirehoseKey(cfg.StreamPrefix)
	consumerName := consumerName()

	for _, svc := range cfg.ConsumerServices {
		var consumer domain.StreamConsumer

		switch cfg.Broker {
		case "kafka":
			consumer = stream.NewKafkaGroupConsumer(cfg.KafkaBrokers, firehose, stream.GroupForService(svc), log)

		case "memory":
			consumer = memStream.Group(firehose, stream.GroupForService(svc), consumerName)

		default:
			rc, err := stream.NewRedisGroupConsumer(ctx, rdb, firehose, stream.GroupForService(svc), consumerName, log)
			if err != nil {
				log.Fatal("failed to create consumer group", zap.String("service", svc), zap.Error(err))
			}
			consumer = rc
		}

		runner := busEvents.NewConsumerRunner(consumer, dispatcher, svc, int64(cfg.ReadCount), cfg.BlockFor, cfg.ClaimIdle, deliveryLog, log)
		runner.Start(ctx)
	}

	// ---------------- HTTP ----------------
	busHandler := busHttp.NewBusHandler(busService, cfg.AdminToken)
	router := gin.Default()
	busHttp.RegisterBusRoutes(router, busHandler)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		log.Info("🚀 Server running",
			zap.String("url", "http://localhost:"+cfg.HTTPPort),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("🛑 Señal recibida, apagando...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("⚠️ Apagado HTTP con errores", zap.Error(err))
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "eventlab"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
