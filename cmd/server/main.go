package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/pawpair/adoption-chat/adoption"
	"github.com/pawpair/adoption-chat/api"
	"github.com/pawpair/adoption-chat/api/validator"
	"github.com/pawpair/adoption-chat/auth"
	"github.com/pawpair/adoption-chat/config"
	"github.com/pawpair/adoption-chat/memstore"
	"github.com/pawpair/adoption-chat/messaging"
	"github.com/pawpair/adoption-chat/notify"
	"github.com/pawpair/adoption-chat/postgres"
	"github.com/pawpair/adoption-chat/redis"
	"github.com/pawpair/adoption-chat/registry"
	"github.com/pawpair/adoption-chat/router"
	"github.com/pawpair/adoption-chat/typing"
)

// Exit codes reported to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// store is everything the core persists.
type store interface {
	messaging.Store
	notify.Store
	adoption.Store
	adoption.Pets
	router.Approvals
	router.Directory
	api.Directory
	api.Pets
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	log := cfg.Logger(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return exitRuntime, err
	}
	defer closeStore()

	var rdb *redis.Redis
	if cfg.RedisAddr != "" {
		rdb, err = redis.Connect(ctx, cfg.RedisAddr, cfg.HistoryCacheSize)
		if err != nil {
			return exitRuntime, fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		if err := rdb.ResetPresence(ctx); err != nil {
			log.Warn("Could not reset presence", "error", err.Error())
		}
		log.Info("Connected to Redis", "addr", cfg.RedisAddr)
	}

	tracker := registry.NewTracker(log)
	if rdb != nil {
		tracker.History = rdb
	}
	sessions := registry.New(log, tracker)
	defer sessions.Close()

	rt := &router.Router{Approvals: st, Users: st}
	fanout := notify.New(log, st, sessions)
	relay := typing.NewRelay(log, rt, sessions, cfg.TypingTimeout)
	defer relay.Close()
	machine := adoption.New(log, st, st, fanout, rt)

	chat := &messaging.Service{
		Logger:   log,
		Router:   rt,
		Store:    st,
		Events:   fanout,
		Sessions: sessions,
		Typing:   relay,
		Paging:   messaging.Paging{Default: cfg.HistoryPageSize, Max: cfg.HistoryMaxPage},
	}
	if rdb != nil {
		chat.Cache = rdb
		if _, volatile := st.(*memstore.Memory); volatile {
			// Sequence numbers restart with the in-memory store.
			if err := rdb.FlushHistory(ctx); err != nil {
				log.Warn("Could not flush history cache, serving history from the store", "error", err.Error())
				chat.Cache = nil
			}
		}
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: &api.API{
			Logger:        log,
			Auth:          auth.NewVerifier(cfg.JWTSecret),
			Users:         st,
			Chat:          chat,
			Notifications: fanout,
			Requests:      machine,
			Pets:          st,
			Presence:      tracker,
			Val:           validator.New(),
			Upgrader:      &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
			SessionBuffer: cfg.SessionBuffer,
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if rdb != nil {
		transitions, cancel := tracker.Subscribe(256)
		defer cancel()
		g.Go(func() error {
			return redis.PresenceMirror{Logger: log, Redis: rdb, Transitions: transitions}.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return exitRuntime, err
	}
	return exitOK, nil
}

// openStore connects to PostgreSQL when DATABASE_URL is set and falls back to
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL is empty, using the in-memory store")
		return memstore.New(), func() {}, nil
	}
	pg, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.CreateSchema(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("create schema: %w", err)
	}
	log.Info("Connected to PostgreSQL")
	return pg, func() {
		if err := pg.Close(); err != nil {
			log.Error("Could not close database", "error", err.Error())
		}
	}, nil
}
