package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/clausechat/clausechat/config"
	"github.com/clausechat/clausechat/internal/blob"
	"github.com/clausechat/clausechat/internal/category"
	"github.com/clausechat/clausechat/internal/chunker"
	"github.com/clausechat/clausechat/internal/ingest"
	"github.com/clausechat/clausechat/internal/ocr"
	"github.com/clausechat/clausechat/internal/pipeline"
	"github.com/clausechat/clausechat/internal/retriever"
	"github.com/clausechat/clausechat/internal/store"
	"github.com/clausechat/clausechat/internal/synth"
	"github.com/clausechat/clausechat/provider"
)

// Run wires the full service and blocks until the listener stops or a
// termination signal arrives.
func Run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.General.JWTSecret == "" {
		return fmt.Errorf("jwt secret not configured (general.jwt_secret)")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code, msg := httpStatus(err)
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrate: %v", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	blobs, err := blob.NewFSStore(cfg.Storage.Blob.Dir)
	if err != nil {
		return err
	}

	table, err := category.Load()
	if err != nil {
		return err
	}

	llm, err := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:          cfg.Providers.OpenAI.APIKey,
		BaseURL:         cfg.Providers.OpenAI.BaseURL,
		CompletionModel: cfg.Providers.OpenAI.CompletionModel,
		EmbeddingModel:  cfg.Providers.OpenAI.EmbeddingModel,
		Temperature:     cfg.Providers.OpenAI.Temperature,
		MaxTokens:       cfg.Providers.OpenAI.MaxTokens,
		Timeout:         cfg.Providers.OpenAI.Timeout,
	})
	if err != nil {
		return err
	}

	var docintel provider.DocumentIntelligence
	if cfg.Providers.DocIntel.Endpoint != "" {
		docintel, err = provider.NewDocIntel(provider.DocIntelConfig{
			Endpoint: cfg.Providers.DocIntel.Endpoint,
			APIKey:   cfg.Providers.DocIntel.APIKey,
			Timeout:  cfg.Providers.DocIntel.Timeout,
		})
		if err != nil {
			return err
		}
	} else {
		baseLogger.Printf("docintel endpoint not configured; using local PDF extraction")
		docintel = ocr.LocalPDF{}
	}

	extractor := ocr.New(docintel, ocr.Options{
		Attempts:        cfg.Pipeline.OCRAttempts,
		Backoff:         cfg.Pipeline.OCRBackoff,
		AnnotationPages: cfg.Pipeline.AnnotationPages,
	}, nil)
	ch := chunker.New(table, cfg.Pipeline.ChunkTargetWords, cfg.Pipeline.ChunkOverlapWords)
	pipe := pipeline.New(st, blobs, extractor, ch, llm, table, pipeline.Options{
		InsertBatchSize: cfg.Pipeline.InsertBatchSize,
	}, nil)

	ing := ingest.New(st, blobs, ingest.Options{
		MaxBytes:     cfg.Uploads.MaxBytes,
		AllowedMimes: cfg.Uploads.AllowedMimes,
	}, nil)

	retr := retriever.New(st, llm, table, retriever.Options{
		SimilarityFloor: cfg.Pipeline.SimilarityFloor,
		HybridLimit:     cfg.Pipeline.HybridLimit,
		KeywordLimit:    cfg.Pipeline.KeywordLimit,
		CategoryLimit:   cfg.Pipeline.CategoryLimit,
	}, nil)
	syn := synth.New(llm, st, table, cfg.Pipeline.ContextBlocks, nil)

	reaper, err := pipeline.NewReaper(st, rdb, cfg.Pipeline.ReaperCron, cfg.Pipeline.JobStaleAfter, nil)
	if err != nil {
		return err
	}
	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go reaper.Start(reaperCtx)

	secret := []byte(cfg.General.JWTSecret)

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret, Secure: !cfg.General.Debug}
	auth.Register(api.Group("/auth"))

	limiter := NewRateLimiter(rdb, cfg.RateLimit.ChatPerMinute, time.Minute)

	dh := &DocumentsHandler{Store: st, Ingestor: ing, Pipeline: pipe, Blobs: blobs}
	dh.Register(api.Group("/documents"), secret)

	chh := &ChatHandler{Store: st, Retriever: retr, Synth: syn, Limiter: limiter, Locks: rdb}
	chh.Register(api.Group("/sessions"), secret)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		stopReaper()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
		pipe.Wait()
	}()

	if err := e.Start(cfg.General.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// httpStatus maps domain sentinel errors onto response codes so every
// handler can simply return the wrapped error.
func httpStatus(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, fmt.Sprint(he.Message)
	}
	switch {
	case errors.Is(err, ingest.ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType, err.Error()
	case errors.Is(err, ingest.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, ingest.ErrEmptyFile):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ingest.ErrFileValidation):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, store.ErrHoldHeld), errors.Is(err, store.ErrJobConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}
