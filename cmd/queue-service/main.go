package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"clinicq/queue-service/internal/config"
	"clinicq/queue-service/internal/database"
	"clinicq/queue-service/internal/httpapi"
	"clinicq/queue-service/internal/hub"
	"clinicq/queue-service/internal/notifier"
	"clinicq/queue-service/internal/queueview"
	"clinicq/queue-service/internal/scheduler"
	"clinicq/queue-service/internal/servingcache"
	"clinicq/queue-service/internal/store/postgres"
	"clinicq/queue-service/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	shutdownTelemetry := telemetry.Setup("queue-service", telemetry.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	})
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	st := postgres.NewStore(pool, postgres.Options{SlotCapacity: cfg.SlotCapacity})
	cache := servingcache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ServingTTL)
	defer cache.Close()

	sched := scheduler.New(st)
	view := queueview.New(st, cache)
	if err := view.Reconcile(ctx); err != nil {
		log.Printf("initial reconcile error: %v", err)
	}

	h := hub.New()

	// The view subscribes to its own hub client so change notifications
	// trigger a reconcile the same way they would for any remote consumer.
	viewClient := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 64)}
	h.Register(viewClient)
	go view.Run(ctx, viewClient.Send)

	notify := notifier.New(st, h, notifier.Options{
		Interval:  cfg.NotifyInterval,
		BatchSize: cfg.NotifyBatchSize,
		Retention: cfg.OutboxRetention,
	})
	go notify.Run(ctx)

	handler := httpapi.NewHandler(st, sched, view)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		ActionPerMinute: cfg.ActionRateLimitPerMinute,
		ActionBurst:     cfg.ActionRateLimitBurst,
	})

	sockjsHandler := sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		topic := ""
		if req := session.Request(); req != nil {
			topic = strings.TrimSpace(req.URL.Query().Get("topic"))
		}

		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16), Topic: topic}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			if _, err := session.Recv(); err != nil {
				return
			}
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", sockjsHandler)
	mux.Handle("/", handler.Routes())

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "queue-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("queue-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
