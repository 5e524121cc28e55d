package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roomchat/internal/broadcast"
	"github.com/roomchat/internal/chat"
	"github.com/roomchat/internal/config"
	"github.com/roomchat/internal/directory"
	"github.com/roomchat/internal/handler"
	"github.com/roomchat/internal/identity"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/middleware"
	"github.com/roomchat/internal/msgstore"
	"github.com/roomchat/internal/presence"
	"github.com/roomchat/internal/push"
	"github.com/roomchat/internal/registry"
	"github.com/roomchat/internal/repository"
	"github.com/roomchat/internal/repository/memory"
	"github.com/roomchat/internal/retry"
	"github.com/roomchat/internal/startup"
	"github.com/roomchat/internal/ws"
	"github.com/roomchat/migrations"
)

func main() {
	logger.SetPrefix("chat")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and accept any token as the user id")
	inmem := flag.Bool("inmem", false, "keep rooms and messages in process memory (no database)")
	flag.Parse()

	logger.Info("starting chat service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	var (
		msgBackend  msgstore.Backend
		roomBackend registry.Backend
	)
	if *inmem {
		logger.Info("using in-memory store, nothing survives a restart")
		mem := memory.New()
		msgBackend, roomBackend = mem, mem
	} else {
		if *dev {
			embeddedDB, err := startEmbeddedPostgres(cfg)
			if err != nil {
				logger.Errorf("embedded postgres: %v", err)
				os.Exit(1)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := embeddedDB.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}

		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 2

		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)
		defer pool.Close()

		if err := runMigrations(pool); err != nil {
			logger.Errorf("migrations: %v", err)
			os.Exit(1)
		}
		if *migrate {
			return
		}
		logger.Info("database connected, migrations applied")
		msgBackend = repository.NewMessageRepository(pool)
		roomBackend = repository.NewRoomRepository(pool)
	}

	ephemeral := startup.Ephemeral(cfg.RedisURL, 30*time.Second)
	defer ephemeral.Close()

	cc := cfg.Chat
	store := msgstore.New(msgBackend,
		msgstore.WithRetry(cc.StoreRetryAttempts, cc.StoreRetryBackoff),
		msgstore.WithEditWindow(cc.EditWindow),
		msgstore.WithMaxContentLength(cc.MaxContentLength),
		msgstore.WithHistoryLimit(cc.HistoryMaxLimit),
	)
	rooms := registry.New(roomBackend, registry.WithRetry(retry.Policy{
		Attempts: cc.StoreRetryAttempts,
		Backoff:  cc.StoreRetryBackoff,
	}))
	tracker := presence.New(cc.HeartbeatTTL, cc.TypingTTL)

	var hub *ws.Hub
	bus := broadcast.New(tracker,
		broadcast.WithQueue(cfg.WS.SendBufferSize, broadcast.Policy(cc.QueuePolicy), cc.SaturationLimit),
		broadcast.OnSaturated(func(connID string) { hub.Kick(connID) }),
	)
	svc := chat.New(store, rooms, tracker, bus,
		chat.WithConfig(chat.Config{
			IdleTimeout:       cc.RoomIdleTimeout,
			QueueSize:         64,
			HeartbeatTTL:      cc.HeartbeatTTL,
			MessageRateLimit:  cc.MessageRateLimit,
			MessageRateWindow: cc.MessageRateWindow,
		}),
		chat.WithEphemeral(ephemeral),
		chat.WithDirectory(directory.NewClient(cfg.DirectoryURL)),
		chat.WithNotifier(push.NewClient(cfg.PushServiceURL)),
	)
	hub = ws.NewHub(svc, bus, cfg.WS)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var bgWg sync.WaitGroup
	bgWg.Add(2)
	go func() {
		defer bgWg.Done()
		hub.Run(bgCtx)
	}()
	go func() {
		defer bgWg.Done()
		svc.Run(bgCtx, cc.SweepInterval)
	}()

	var verifier identity.Verifier = identity.NewClient(cfg.IdentityURL, nil)
	if *dev || cfg.IdentityURL == "" {
		logger.Info("identity: dev mode, the bearer token is taken as the user id")
		verifier = identity.Dev{}
	}

	roomH := handler.NewRoomHandler(svc)
	msgH := handler.NewMessageHandler(svc)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Compress wraps the writer without http.Hijacker, which breaks the websocket upgrade.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimitAPI())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(verifier))
		roomH.Routes(r)
		msgH.Routes(r)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	bgCancel()
	bgWg.Wait()
	logger.Info("hub and presence sweep stopped")
	svc.Close()
	logger.Info("room workers stopped")
	srvWg.Wait()
}

func runMigrations(pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := migrations.Apply(ctx, pool)
	if err != nil {
		return err
	}
	logger.Infof("migrations applied: %d files", n)
	return nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "roomchat"
		password = "roomchat_secret"
		database = "roomchat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
