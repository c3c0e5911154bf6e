/**
 * @description
 * This is the main entry point for the transaction-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the geolocation and fraud-scoring clients, the step-up challenge store, message brokers,
 * repositories, the transaction workflow, and the HTTP server. It wires everything together
 * and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Shared challenge store and rate limiting.
 * - github.com/joho/godotenv: Local .env loading.
 * - internal/*: Internal packages for the service.
 * - pkg/geoclient, pkg/scorerclient, pkg/rabbitmq: External service clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/api"
	"github.com/ankitkr9911/Cipherstorm/internal/app"
	"github.com/ankitkr9911/Cipherstorm/internal/challenge"
	"github.com/ankitkr9911/Cipherstorm/internal/config"
	"github.com/ankitkr9911/Cipherstorm/internal/enrich"
	"github.com/ankitkr9911/Cipherstorm/internal/logging"
	"github.com/ankitkr9911/Cipherstorm/internal/metrics"
	"github.com/ankitkr9911/Cipherstorm/internal/notify"
	"github.com/ankitkr9911/Cipherstorm/internal/stepup"
	"github.com/ankitkr9911/Cipherstorm/internal/store"
	"github.com/ankitkr9911/Cipherstorm/internal/traces"
	"github.com/ankitkr9911/Cipherstorm/pkg/geoclient"
	rmrabbit "github.com/ankitkr9911/Cipherstorm/pkg/rabbitmq"
	"github.com/ankitkr9911/Cipherstorm/pkg/scorerclient"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	// A local .env is optional; real deployments inject the environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("level=warn component=bootstrap msg=\".env load failed\" err=%v", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.ScorerAPIURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"fraud scorer url must be configured\" env=SCORER_API_URL")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.Printf("level=info component=bootstrap msg=\"starting transaction-service\" port=%s", cfg.ServerPort)

	shutdownTracing, err := traces.Init(context.Background(), cfg.OTLPEndpoint, logger)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"tracing init failed\" err=%v", err)
	}
	metrics.Register(prometheus.DefaultRegisterer)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	redisClient := connectRedis(cfg.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Initialize the RabbitMQ producer to publish events.
	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Codes go out through the notification service when the broker is up.
	var notifier stepup.Notifier = notify.NewEventNotifier(publisher)
	if rabbitProducer == nil {
		log.Println("level=warn component=bootstrap msg=\"otp delivery falls back to logging codes\"")
		notifier = notify.NewLogNotifier(logger)
	}

	var challengeStore challenge.Store
	challengeOpts := []challenge.Option{challenge.WithMaxAttempts(cfg.OTPMaxAttempts)}
	if cfg.ChallengeStore == config.ChallengeStoreRedis && redisClient != nil {
		challengeStore = challenge.NewRedisStore(redisClient, cfg.RedisKeyPrefix, challengeOpts...)
		log.Println("level=info component=bootstrap msg=\"challenge store\" backend=redis")
	} else {
		challengeStore = challenge.NewMemoryStore(challengeOpts...)
		log.Println("level=info component=bootstrap msg=\"challenge store\" backend=memory")
	}
	defer challengeStore.Close()

	var limiter app.RateLimiter = app.NewMemoryRateLimiter()
	if redisClient != nil {
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
	}

	// Initialize the data access layer and the external clients.
	repository := store.NewPostgresRepository(dbpool)
	geoClient := geoclient.NewClient(cfg.GeolocationAPIURL, cfg.GeolocationTimeout())
	scorer := scorerclient.NewClient(cfg.ScorerAPIURL, cfg.ScorerAPIKey, cfg.ScorerTimeout())

	authenticator := stepup.NewAuthenticator(challengeStore, notifier, logger,
		stepup.WithTTL(cfg.OTPTTL()),
		stepup.WithMaxAttempts(cfg.OTPMaxAttempts),
	)

	workflow := app.NewWorkflow(
		repository,
		enrich.NewEnricher(geoClient, cfg.GeolocationTimeout(), logger),
		scorer,
		authenticator,
		publisher,
		logger,
		app.WithScorerTimeout(cfg.ScorerTimeout()),
		app.WithLocation(cfg.Location()),
		app.WithRateLimiter(limiter, cfg.SubmitRateLimitPerMinute, cfg.VerifyRateLimitPerMinute),
	)

	scheduler := app.NewScheduler(authenticator, cfg.OTPSweepSchedule, logger)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	// Fraud labels from analysts and reconciliation jobs.
	labelConsumer := app.NewFraudLabelConsumer(repository, logger)
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; fraud labels disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		bindings := map[string]rmrabbit.Handler{
			rmrabbit.RoutingKeyFraudLabelled: labelConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.FraudLabelQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"fraud label consumer start failed\" err=%v", err)
		}
	}

	// Set up the HTTP router and define the API routes.
	handlers := api.NewTransactionHandlers(workflow)
	router := api.NewRouter(
		api.TransactionRoutes(handlers, api.ClerkAuthMiddleware(cfg.ClerkJWKSURL)),
		cfg.AllowedOrigins(),
	)

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
	if err := shutdownTracing(ctx); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"tracing shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// connectRedis returns a connected client, or nil when Redis is not configured
// or unreachable.
func connectRedis(redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; using in-process challenge store and rate limits\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process state\" err=%v", err)
		return nil
	}

	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-process state\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
