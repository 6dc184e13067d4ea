package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/contentforge/relay/internal/ai"
	"github.com/contentforge/relay/internal/config"
	"github.com/contentforge/relay/internal/events"
	"github.com/contentforge/relay/internal/generate"
	"github.com/contentforge/relay/internal/httpapi"
	"github.com/contentforge/relay/internal/httpapi/handlers"
	"github.com/contentforge/relay/internal/logging"
	"github.com/contentforge/relay/internal/ratelimit"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	opts := ai.GenOptions{Temperature: cfg.GenTemperature, MaxTokens: cfg.GenMaxTokens}

	reg := ai.NewRegistry()
	reg.Register("openai", func(model string) (ai.Provider, error) {
		if model == "" {
			model = cfg.OpenAIModel
		}
		return ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, model, opts), nil
	})
	reg.Register("ollama", func(model string) (ai.Provider, error) {
		if model == "" {
			model = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, model, opts), nil
	})

	provider, err := reg.Get(cfg.AIProvider, "")
	if err != nil {
		log.Error("provider setup failed", "provider", cfg.AIProvider, "error", err)
		os.Exit(1)
	}

	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimitRequests, cfg.RateLimitWindow)
		log.Info("rate limiter using shared redis store", "addr", cfg.RedisAddr,
			"limit", cfg.RateLimitRequests, "window", cfg.RateLimitWindow)
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
		log.Info("rate limiter using in-process store; limits apply per instance",
			"limit", cfg.RateLimitRequests, "window", cfg.RateLimitWindow)
	}
	defer limiter.Close()

	var pub events.Publisher = events.Noop{}
	if cfg.RabbitURL != "" {
		p, err := events.NewRabbitPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Warn("usage events disabled", "error", err)
		} else {
			defer p.Close()
			pub = p
			log.Info("usage events enabled", "queue", cfg.RabbitQueue)
		}
	}

	svc := generate.NewService(provider)
	h := handlers.NewHandler(svc, limiter, pub, cfg.GenTimeout)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpapi.NewRouter(h),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("server listening", "addr", cfg.Addr, "provider", cfg.AIProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "error", err)
	}
}
