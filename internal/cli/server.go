package cli

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"classroom-round-service/internal/app"
	"classroom-round-service/internal/config"
	"classroom-round-service/internal/domain"
	"classroom-round-service/internal/infra/memory"
	pgstore "classroom-round-service/internal/infra/postgres"
	redisstore "classroom-round-service/internal/infra/redis"
	"classroom-round-service/internal/scoring"
	"classroom-round-service/internal/telemetry"
	transport "classroom-round-service/internal/transport/http"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"golang.org/x/sync/errgroup"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the round server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := telemetry.MonitorRedis(redisClient); err != nil {
			return err
		}
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 2*time.Hour)

	var (
		pool    *pgxpool.Pool
		results app.ResultSink
	)
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()

		db := bun.NewDB(sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL))), pgdialect.New())
		defer db.Close()
		results = pgstore.NewResultArchive(db)
	}

	var loader memory.DeckLoader = memory.NewStaticDeckLoader(sampleDecks())
	if pool != nil {
		loader = pgstore.NewDeckLoader(pool)
	}

	deckTTL := config.TTLDuration(cfg.Deck.TTL, 10*time.Minute)
	var (
		decks    app.DeckRepository
		sessions app.SessionRepository
		state    app.StateStore
	)
	if redisClient != nil {
		decks = redisstore.NewDeckRepository(redisClient, loader, deckTTL)
		sessions = redisstore.NewSessionStore(redisClient, cfg.Redis.Prefix, redisTTL)
		state = redisstore.NewStateStore(redisClient, cfg.Redis.Prefix, redisTTL)
	} else {
		decks = memory.NewDeckRepository(loader, deckTTL)
		sessions = memory.NewSessionStore()
		state = memory.NewStateStore()
	}

	opts := []app.Option{app.WithDefaults(gameDefaults(cfg.Game))}
	if results != nil {
		opts = append(opts, app.WithResultSink(results))
	}
	service := app.NewGameService(sessions, decks, state, opts...)
	wsHandler := transport.NewWSHandler(service)
	sessionHandler := transport.NewSessionHandler(service)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/sessions", sessionHandler.ServeCreate)
	mux.HandleFunc("/ws/play", wsHandler.ServePlay)
	mux.HandleFunc("/ws/present", wsHandler.ServePresent)

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server: listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func gameDefaults(g config.Game) app.GameSettings {
	return app.GameSettings{
		Timing: app.Timing{
			Listen:     config.TTLDuration(g.ListenDuration, 10*time.Second),
			RevealHold: config.TTLDuration(g.RevealDelay, 5*time.Second),
			AutoReveal: config.TTLDuration(g.AutoReveal, 0),
			PowerPick:  config.TTLDuration(g.PowerPickWindow, 15*time.Second),
		},
		PowerPick:   g.PowerPickEnabled(),
		SpeedWindow: config.TTLDuration(g.SpeedWindow, scoring.DefaultPolicy().SpeedWindow),
	}
}

// sampleDecks provides a minimal deck; configure postgres to serve real content.
func sampleDecks() map[string]domain.Deck {
	return map[string]domain.Deck{
		"instruments": {
			ID: "instruments",
			Rounds: []domain.RoundContent{
				{Prompt: "clips/violin-01.mp3", CorrectAnswer: "violin"},
				{Prompt: "clips/tuba-02.mp3", CorrectAnswer: "tuba"},
				{Prompt: "clips/flute-03.mp3", CorrectAnswer: "flute"},
				{Prompt: "clips/cello-04.mp3", CorrectAnswer: "cello"},
			},
		},
	}
}
