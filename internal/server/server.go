package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/saeed-khosravi/fabula/config"
	"github.com/saeed-khosravi/fabula/internal/assembler"
	"github.com/saeed-khosravi/fabula/internal/engine"
	"github.com/saeed-khosravi/fabula/internal/extractor"
	"github.com/saeed-khosravi/fabula/internal/foreshadow"
	"github.com/saeed-khosravi/fabula/internal/queue"
	"github.com/saeed-khosravi/fabula/internal/store"
	"github.com/saeed-khosravi/fabula/provider"
)

const reembedGroup = "fabula-reembed"

// Run wires the engine and serves the HTTP API until the listener stops.
func Run(cfg *appconfig.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("warn: migrations: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn, cfg.Embedding.Dimensions, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	prov, err := provider.NewProvider(cfg.Embedding)
	if err != nil {
		return err
	}
	defer prov.Close()

	if err := cfg.Storage.Redis.Validate(); err != nil {
		return err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}

	keywords := store.NewKeywordIndex()
	publisher := queue.NewPublisher(rdb, 10000)
	tracker := foreshadow.New(st, nil)
	ex := extractor.New(st, keywords, prov, tracker, publisher, cfg.Embedding.BatchSize, nil)
	as := assembler.New(st, keywords, prov, assembler.Options{
		RecencyWindow:   cfg.Retrieval.RecencyWindow,
		SemanticTopK:    cfg.Retrieval.SemanticTopK,
		CharacterTopK:   cfg.Retrieval.CharacterTopK,
		PlotPointTopK:   cfg.Retrieval.PlotPointTopK,
		StrategyTimeout: cfg.Retrieval.StrategyTimeout,
	}, nil)
	eng := engine.New(st, keywords, ex, tracker, as, nil)

	if n, err := eng.WarmKeywordIndex(ctx); err != nil {
		baseLogger.Printf("warn: keyword index warm-up: %v", err)
	} else if n > 0 {
		baseLogger.Printf("keyword index warmed with %d vectorless records", n)
	}

	consumerName, _ := os.Hostname()
	if consumerName == "" {
		consumerName = "fabula"
	}
	consumer, err := queue.NewConsumer(ctx, rdb, reembedGroup, consumerName)
	if err != nil {
		return err
	}
	worker := engine.NewReembedWorker(consumer, prov, st, nil)
	sched := &Scheduler{Worker: worker, Rdb: rdb, Spec: cfg.Retrieval.ReembedSchedule, Stop: make(chan struct{})}
	sched.Start()
	defer sched.Shutdown()

	h := NewMemoryHandler(eng, nil)
	api := e.Group("/api")
	h.Register(api.Group("/users/:user_id/projects/:project_id"))

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
