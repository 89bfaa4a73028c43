package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/legalfunnel/internal/analysis"
	"github.com/suPer8Hu/legalfunnel/internal/answercache"
	"github.com/suPer8Hu/legalfunnel/internal/app"
	"github.com/suPer8Hu/legalfunnel/internal/assistant"
	"github.com/suPer8Hu/legalfunnel/internal/chat"
	"github.com/suPer8Hu/legalfunnel/internal/config"
	"github.com/suPer8Hu/legalfunnel/internal/email"
	"github.com/suPer8Hu/legalfunnel/internal/funnel"
	"github.com/suPer8Hu/legalfunnel/internal/httpapi"
	"github.com/suPer8Hu/legalfunnel/internal/httpapi/handlers"
	"github.com/suPer8Hu/legalfunnel/internal/httpapi/middleware"
	"github.com/suPer8Hu/legalfunnel/internal/identity"
	"github.com/suPer8Hu/legalfunnel/internal/ledger"
	"github.com/suPer8Hu/legalfunnel/internal/logger"
	"github.com/suPer8Hu/legalfunnel/internal/metrics"
	"github.com/suPer8Hu/legalfunnel/internal/payment"
	"github.com/suPer8Hu/legalfunnel/internal/ratelimit"
	"github.com/suPer8Hu/legalfunnel/internal/store/rabbitmq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := app.Logger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := app.OpenDB(cfg, log)
	if err != nil {
		return err
	}

	stats := metrics.NewAggregator(gdb)
	led := ledger.New(gdb, stats, log)
	cache := answercache.New(gdb, cfg.CacheTTL)
	users := identity.NewStore(gdb, log, cfg.BcryptCost)
	chatSvc := chat.NewService(chat.NewRepo(gdb), app.Registry(cfg), chat.Options{
		SystemPrompt:      cfg.FreeTierPrompt,
		ContextWindowSize: cfg.ChatContextWindow,
	})

	var dispatcher analysis.Dispatcher
	if cfg.AsyncEmail {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return fmt.Errorf("rabbitmq publisher: %w", err)
		}
		defer pub.Close()
		dispatcher = analysis.NewQueueDispatcher(pub)
		log.Info("analysis emails go through the queue", "queue", cfg.RabbitQueue)
	} else {
		dispatcher = analysis.NewMailer(led, email.NewSMTPSender(app.SMTP(cfg)), cfg.OpsEmail, cfg.PaymentCurrency, log)
	}

	orch := funnel.New(funnel.Deps{
		Ledger:        led,
		Cache:         cache,
		Conversations: chatSvc,
		Users:         users,
		Assistant:     assistant.New(cfg.AssistantBaseURL, cfg.AssistantAPIKey, cfg.AssistantID, cfg.AssistantPollInterval, cfg.AssistantPollAttempts),
		Payments:      payment.NewClient(cfg.PaymentBaseURL, cfg.PaymentSecretKey, cfg.PaymentCurrency),
		Dispatcher:    dispatcher,
	}, funnel.Options{
		FreeQuestionQuota:     cfg.FreeQuestionQuota,
		AssistantInstructions: cfg.AssistantInstructions,
	}, log)

	rules, err := ratelimit.ParseRules(cfg.RateLimits)
	if err != nil {
		return err
	}
	var limiter middleware.Checker
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, rate limits fail open until it returns", "addr", cfg.RedisAddr, "error", err)
		}
		limiter = ratelimit.New(rdb, rules, log)
	}

	h := handlers.NewHandler(cfg, users, chatSvc, orch, led, stats, cache, log)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, cfg, limiter, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		purgeCache(gctx, cache, cfg.CachePurgeEvery, log)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func purgeCache(ctx context.Context, cache *answercache.Cache, every time.Duration, log *logger.Logger) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := cache.PurgeExpired(ctx)
			if err != nil {
				log.Warn("answer cache purge failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("answer cache purged", "deleted", n)
			}
		}
	}
}
