package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mlevkov/command-platform/internal/bus"
	"github.com/mlevkov/command-platform/internal/config"
	"github.com/mlevkov/command-platform/internal/contracts/message"
	"github.com/mlevkov/command-platform/internal/domain"
	"github.com/mlevkov/command-platform/internal/infrastructure/postgres"
	"github.com/mlevkov/command-platform/internal/infrastructure/rabbitmq"
	"github.com/mlevkov/command-platform/internal/infrastructure/redis"
	"github.com/mlevkov/command-platform/internal/pkg/logger"
	"github.com/mlevkov/command-platform/internal/process"
	"github.com/mlevkov/command-platform/internal/relay"
	"github.com/mlevkov/command-platform/internal/security"
	"github.com/mlevkov/command-platform/internal/transport/rest"
	"github.com/mlevkov/command-platform/internal/worker"
)

const producerName = "command-platform"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", producerName).
		Str("env", cfg.AppEnv).
		Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()

		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	repo := postgres.New(dbPool)

	// Fast-path: freshly committed outbox ids wake the relay immediately.
	notifier := bus.NewNotifier(1024)
	repo.OnOutboxInsert(notifier.Notify)

	// ---- Redis (rate limiter + terminal command snapshots) ----
	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()

		// Best-effort; redis is an accelerator, not a dependency.
		if err := cache.Client.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
	}

	// ---- Command bus ----
	commandBus := bus.New(repo, cfg.Queues, producerName, cfg.SyncWait)

	// ---- Worker runtime ----
	workerID := workerID()
	registry := worker.NewRegistry()
	registerHandlers(registry)

	wcfg := worker.Config{
		WorkerID:   workerID,
		Producer:   producerName,
		Lease:      cfg.CommandLease,
		MaxRetries: cfg.CommandMaxRetries,
		Queues:     cfg.Queues,
		Topics:     cfg.Topics,
	}
	runtime := worker.NewRuntime(repo, registry, wcfg)

	reclaimer := worker.NewReclaimer(repo, wcfg, 30*time.Second, 100)
	go reclaimer.Run(rootCtx)

	// ---- Process manager ----
	processRegistry := process.NewRegistry()
	registerProcesses(processRegistry)
	manager := process.NewManager(repo, processRegistry, producerName, cfg.Queues, "APP.PROCESS.REPLY.Q")

	// ---- RabbitMQ ----
	conn, err := rabbitmq.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbitmq connect failed")
	}
	defer conn.Close()

	queuePub, err := rabbitmq.NewQueuePublisher(conn, producerName)
	if err != nil {
		log.Fatal().Err(err).Msg("queue publisher setup failed")
	}
	eventPub, err := rabbitmq.NewEventPublisher(conn, producerName, cfg.EventExchange)
	if err != nil {
		log.Fatal().Err(err).Msg("event publisher setup failed")
	}

	// ---- Outbox relay ----
	if cfg.OutboxEnabled {
		rel := relay.New(repo, queuePub, eventPub, relay.Config{
			WorkerID:      workerID,
			SweepInterval: cfg.OutboxSweepInterval,
			BatchSize:     cfg.OutboxBatchSize,
			ClaimLease:    cfg.OutboxClaimTimeout,
			MaxBackoff:    cfg.MaxBackoff,
		}, notifier.C())
		go rel.Run(rootCtx)
		log.Info().Msg("outbox relay started")
	}

	// ---- Consumers ----
	consumer := rabbitmq.NewConsumer(conn, workerID)

	for _, name := range registry.Names() {
		queue := cfg.Queues.CommandQueue(name)
		if err := consumer.ConsumeQueue(rootCtx, queue, cfg.WorkerConcurrency, func(ctx context.Context, messageID string, headers map[string]string, body []byte) error {
			return runtime.Handle(ctx, worker.Delivery{MessageID: messageID, Headers: headers, Body: body})
		}); err != nil {
			log.Fatal().Err(err).Str("queue", queue).Msg("command consumer start failed")
		}
	}

	if err := consumer.ConsumeQueue(rootCtx, manager.ReplyQueue(), cfg.WorkerConcurrency, processReplyHandler(manager)); err != nil {
		log.Fatal().Err(err).Msg("process reply consumer start failed")
	}

	// ---- HTTP ----
	var verifier security.AccessTokenVerifier
	if cfg.JWTSecret != "" {
		verifier = security.NewHS256Verifier(cfg.JWTSecret)
	}

	handler := rest.NewHandler(rest.HandlerDeps{
		Bus:       commandBus,
		Commands:  repo,
		Processes: repo,
		Manager:   manager,
		DLQ:       repo,
		Cache:     cache,
		DBPing:    dbPool.Ping,
	})

	var limiter rest.RateLimiter
	if cfg.RLEnabled {
		limiter = cache
	}

	httpHandler := rest.NewRouter(rest.RouterDeps{
		Handler:    handler,
		Limiter:    limiter,
		RateLimit:  cfg.RLLimit,
		RateWindow: cfg.RLWindow,
		Verifier:   verifier,
		JWTIssuer:  cfg.JWTIssuer,
		Metrics:    promhttp.Handler(),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}

// registerHandlers wires the command handlers this deployment executes.
// Echo stays registered as a smoke-test command.
func registerHandlers(r *worker.Registry) {
	r.Register("Echo", func(ctx context.Context, cmd *domain.Command) (json.RawMessage, error) {
		return cmd.Payload, nil
	})
}

// registerProcesses wires the process definitions this deployment runs.
func registerProcesses(r *process.Registry) {
	_ = r
}

// processReplyHandler feeds terminal command replies into the process manager.
func processReplyHandler(manager *process.Manager) rabbitmq.Handler {
	return func(ctx context.Context, messageID string, headers map[string]string, body []byte) error {
		log := logger.Logger.With().Str("component", "process_reply_consumer").Logger()

		pid, err := uuid.Parse(headers[message.HeaderProcessID])
		if err != nil {
			log.Warn().Msg("reply without process id; dropping")
			return nil
		}

		var env message.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			log.Warn().Err(err).Msg("invalid envelope json; dropping")
			return nil
		}
		var reply message.CommandReply
		if err := json.Unmarshal(env.Payload, &reply); err != nil {
			log.Warn().Err(err).Msg("invalid reply payload; dropping")
			return nil
		}

		if err := manager.OnReply(ctx, pid, reply); err != nil {
			if errors.Is(err, domain.ErrProcessNotFound) {
				log.Warn().Str("process_id", pid.String()).Msg("reply for unknown process; dropping")
				return nil
			}
			return err
		}
		return nil
	}
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
