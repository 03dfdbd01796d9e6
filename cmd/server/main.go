package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tokenduel/internal/config"
	"tokenduel/internal/ledger"
	"tokenduel/internal/match"
	"tokenduel/internal/network"
	"tokenduel/internal/services/cluster"
	"tokenduel/internal/services/gameroom"
	"tokenduel/internal/services/notify"
	"tokenduel/internal/session"
	"tokenduel/internal/settlement"
	"tokenduel/internal/storage/redisstore"
)

func main() {
	// 1. CONFIGURATION
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Fatal: failed to load configuration: %v", err)
	}
	log.Printf("[Main] Configuration loaded: Service=%s, Addr=%s, Policy=%s",
		cfg.ServiceName, cfg.HTTPAddr, cfg.DisconnectPolicy)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := cluster.NewHealthAggregator(3 * time.Second)

	// 2. LEDGER
	var led ledger.Ledger
	if cfg.DatabaseURL != "" {
		pg, err := ledger.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Fatal: %v", err)
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			log.Fatalf("Fatal: ledger migrations failed: %v", err)
		}
		health.AddCheck("ledger", pg.Ping)
		led = pg
		log.Println("[Main] Using the Postgres ledger.")
	} else {
		led = ledger.NewMemory(cfg.StartingBalance)
		log.Printf("[Main] DUEL_DATABASE_URL not set, using the in-memory ledger (starting balance %d).", cfg.StartingBalance)
	}

	// 3. EVENT BUS
	stream := match.NewEventStream(cfg.EventBuffer)
	notifiers := match.Notifiers{stream}
	var reconciler settlement.Reconciler
	if cfg.NATSURL != "" {
		pub, err := notify.Connect(cfg.NATSURL, cfg.ServiceName, cfg.NATSSubject)
		if err != nil {
			log.Fatalf("Fatal: %v", err)
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
		reconciler = pub
		health.AddCheck("nats", func(context.Context) error { return pub.Check() })
	}

	// 4. CHECKPOINTS
	var checkpointer match.Checkpointer
	if cfg.RedisAddr != "" {
		rs, err := redisstore.Open(ctx, redisstore.Config{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisPrefix,
			TTL:       cfg.RedisTTL,
		})
		if err != nil {
			log.Fatalf("Fatal: %v", err)
		}
		defer rs.Close()
		checkpointer = rs
		health.AddCheck("redis", rs.Check)
	}

	// 5. MATCH ENGINE
	coordinator := settlement.NewCoordinator(led, reconciler, settlement.Config{
		MaxAttempts: cfg.SettleAttempts,
		Backoff:     cfg.SettleBackoff,
		Retention:   cfg.SettleRetention,
	})
	lifecycle := match.NewLifecycle(cfg.Lifecycle(), match.Deps{
		Ledger:       led,
		Settler:      coordinator,
		Notifier:     notifiers,
		Checkpointer: checkpointer,
	})
	if _, err := lifecycle.Restore(ctx); err != nil {
		log.Printf("[Main] WARN: %v", err)
	}

	bridge := session.NewBridge(lifecycle)
	wsServer := network.NewServer(session.NewGameHandler(lifecycle, bridge), nil, originChecker(cfg.AllowedOrigins))

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){
		coordinator.Run,
		lifecycle.Run,
		wsServer.Run,
		func(ctx context.Context) { bridge.Run(ctx, stream.Events()) },
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	// 6. HTTP
	api := gameroom.New(lifecycle, gameroom.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Health:         health.Handler(),
	})
	api.Router().Handle(cfg.WebsocketPath, wsServer)

	// 7. SERVICE REGISTRATION
	if cfg.ConsulAddr != "" {
		manager, err := cluster.NewConsulManager(cfg.ConsulAddr)
		if err != nil {
			log.Fatalf("Fatal: %v", err)
		}
		go manager.Run(ctx)
		registrar, err := cluster.NewServiceRegistrar(manager, cluster.Registration{
			ServiceName: cfg.ServiceName,
			Port:        cfg.ServicePort,
		})
		if err != nil {
			log.Fatalf("Fatal: %v", err)
		}
		defer func() {
			if err := registrar.Deregister(); err != nil {
				log.Printf("[Main] WARN: deregistration failed: %v", err)
			}
		}()
		health.AddCheck("consul", manager.Check)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[Main] HTTP API and websocket (%s) listening on %s.", cfg.WebsocketPath, cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Fatal: HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[Main] Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] WARN: HTTP shutdown: %v", err)
	}
	wg.Wait()
	if n := len(coordinator.Outstanding()); n > 0 {
		log.Printf("[Main] WARN: %d settlements still outstanding at exit.", n)
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return nil
		}
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}
