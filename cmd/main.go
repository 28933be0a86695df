/**
 * @description
 * This is the main entry point for the transfer-service. It loads configuration,
 * selects the record store, connects the payments and bank-data clients, the message
 * broker and Redis, then starts the HTTP API, the provisioning consumer and the
 * provisioning sweep.
 *
 * @dependencies
 * - github.com/joho/godotenv: Loads .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver for the relational store.
 * - github.com/redis/go-redis/v9: Rate limiting and provisioning locks.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/dwollaclient, pkg/plaidclient, pkg/appwriteclient, pkg/rabbitmq: External API clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/justbank/transfer-service/internal/api"
	"github.com/justbank/transfer-service/internal/app"
	"github.com/justbank/transfer-service/internal/config"
	"github.com/justbank/transfer-service/internal/domain"
	"github.com/justbank/transfer-service/internal/store"
	"github.com/justbank/transfer-service/pkg/appwriteclient"
	"github.com/justbank/transfer-service/pkg/dwollaclient"
	"github.com/justbank/transfer-service/pkg/plaidclient"
	rmrabbit "github.com/justbank/transfer-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid configuration\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting transfer-service\" port=%s store=%s dwolla_env=%s", cfg.ServerPort, cfg.StoreBackend, cfg.DwollaEnv)

	repository, closeStore := openStore(cfg)
	defer closeStore()

	var producer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	defer producer.Close()

	payments := dwollaclient.NewClient(cfg.DwollaBaseURL, cfg.DwollaKey, cfg.DwollaSecret)
	bankData := plaidclient.NewClient(cfg.PlaidBaseURL, cfg.PlaidClientID, cfg.PlaidSecret)

	transferService := app.NewService(repository, payments, bankData, producer, cfg.EventsExchange)

	if redisClient := connectRedis(cfg.RedisURL); redisClient != nil {
		defer redisClient.Close()
		transferService.SetTransferRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisPrefix), cfg.TransferRateLimitPerMinute)
		transferService.Provisioner().SetLocker(app.NewRedisLocker(redisClient, cfg.RedisPrefix), time.Duration(cfg.ProvisioningLockSeconds)*time.Second)
	}

	// The provisioning consumer is optional; bank links are still swept on schedule.
	provisioningConsumer := app.NewProvisioningConsumer(transferService.Provisioner())
	if rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; provisioning requests will wait for the sweep\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		bindings := map[string]rmrabbit.Handler{
			domain.RoutingKeyBankLinkProvisionRequest: provisioningConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.ProvisionQueue, 10, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"provisioning consumer start failed\" err=%v", err)
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(transferService.Provisioner(), logger, cfg.ProvisioningSweepSchedule, cfg.ProvisioningSweepBatch)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	auth := api.AuthMiddleware(api.AuthMiddlewareConfig{
		JWKSURL:             cfg.JWKSURL,
		ExpectedAudience:    cfg.AuthAudience,
		ExpectedIssuer:      cfg.AuthIssuer,
		AllowHeaderFallback: cfg.AuthHeaderAllow && !cfg.IsProduction(),
	}, repository)
	router := api.NewRouter(api.NewHandler(transferService), auth, cfg.AllowedOrigins())

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openStore returns the configured repository and a function releasing its resources.
func openStore(cfg config.Config) (store.Repository, func()) {
	if cfg.StoreBackend == config.StoreBackendAppwrite {
		docs := appwriteclient.NewClient(cfg.AppwriteEndpoint, cfg.AppwriteProjectID, cfg.AppwriteAPIKey)
		repo := store.NewAppwriteRepository(docs, store.AppwriteCollections{
			DatabaseID:   cfg.AppwriteDatabaseID,
			Users:        cfg.AppwriteUserCollectionID,
			BankLinks:    cfg.AppwriteBankCollectionID,
			Transactions: cfg.AppwriteTransactionCollectID,
		})
		log.Println("level=info component=bootstrap msg=\"appwrite store configured\"")
		return repo, func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to stay compatible with poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}

	repo := store.NewPostgresRepository(dbpool)
	schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := repo.EnsureSchema(schemaCtx); err != nil {
		dbpool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return repo, dbpool.Close
}

// connectRedis returns nil when Redis is not configured or unreachable. Rate limiting
// and provisioning locks are disabled in that case.
func connectRedis(redisURL string) *redis.Client {
	if redisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting and provisioning locks disabled\" env=REDIS_URL")
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting and provisioning locks disabled\" err=%v", err)
		return nil
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting and provisioning locks disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
