package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/legalfunnel/internal/analysis"
	"github.com/suPer8Hu/legalfunnel/internal/app"
	"github.com/suPer8Hu/legalfunnel/internal/config"
	"github.com/suPer8Hu/legalfunnel/internal/email"
	"github.com/suPer8Hu/legalfunnel/internal/ledger"
	"github.com/suPer8Hu/legalfunnel/internal/logger"
	"github.com/suPer8Hu/legalfunnel/internal/metrics"
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
		log.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	gdb, err := app.OpenDB(cfg, log)
	if err != nil {
		return err
	}
	led := ledger.New(gdb, metrics.NewAggregator(gdb), log)

	smtpCfg := app.SMTP(cfg)
	if !smtpCfg.Enabled() {
		return fmt.Errorf("SMTP_HOST must be set for the analysis worker")
	}
	mailer := analysis.NewMailer(led, email.NewSMTPSender(smtpCfg), cfg.OpsEmail, cfg.PaymentCurrency, log)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerPoolSize, log)
	if err != nil {
		return fmt.Errorf("rabbitmq consumer: %w", err)
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return consumer.Run(ctx, func(ctx context.Context, job rabbitmq.AnalysisJob) error {
		start := time.Now()
		err := mailer.Deliver(ctx, job.SessionUUID)
		if err != nil {
			log.Warn("analysis delivery failed", "session_uuid", job.SessionUUID, "attempt", job.Attempt, "cost", time.Since(start), "error", err)
			return err
		}
		if cost := time.Since(start); cost > 2*time.Second {
			log.Info("slow analysis delivery", "session_uuid", job.SessionUUID, "cost", cost)
		}
		return nil
	})
}
