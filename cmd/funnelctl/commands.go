package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/legalfunnel/internal/analysis"
	"github.com/suPer8Hu/legalfunnel/internal/answercache"
	"github.com/suPer8Hu/legalfunnel/internal/app"
	"github.com/suPer8Hu/legalfunnel/internal/email"
	"github.com/suPer8Hu/legalfunnel/internal/identity"
	"github.com/suPer8Hu/legalfunnel/internal/ledger"
	"github.com/suPer8Hu/legalfunnel/internal/metrics"
)

func newMigrateCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update every table to the current schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, log, err := f.open()
			if err != nil {
				return err
			}
			log.Info("schema up to date")
			return nil
		},
	}
}

func newPurgeCacheCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-cache",
		Short: "Delete expired answer cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gdb, _, err := f.open()
			if err != nil {
				return err
			}
			n, err := answercache.New(gdb, cfg.CacheTTL).PurgeExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired entries\n", n)
			return nil
		},
	}
}

func newStatsCommand(f *rootFlags) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print daily conversion counters and rates",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be at least 1")
			}
			_, gdb, _, err := f.open()
			if err != nil {
				return err
			}
			agg := metrics.NewAggregator(gdb)
			to := time.Now().UTC()
			rows, err := agg.Range(cmd.Context(), to.AddDate(0, 0, -(days-1)), to)
			if err != nil {
				return err
			}
			total, err := agg.Totals(cmd.Context())
			if err != nil {
				return err
			}
			total.Date = "total"

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(w, "date\tfirst\temails\tpayments\temail rate\tpayment rate\toverall\t")
			for _, r := range append(rows, total) {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.2f%%\t%.2f%%\t%.2f%%\t\n",
					r.Date, r.FirstMessages, r.EmailsCollected, r.PaymentsCompleted,
					r.EmailRate*100, r.PaymentRate*100, r.TotalRate*100)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of days to show")
	return cmd
}

func newResendAnalysisCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resend-analysis SESSION_UUID",
		Short: "Deliver the analysis email of a paid session that was never sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gdb, log, err := f.open()
			if err != nil {
				return err
			}
			smtpCfg := app.SMTP(cfg)
			if !smtpCfg.Enabled() {
				return fmt.Errorf("SMTP_HOST must be set")
			}
			led := ledger.New(gdb, metrics.NewAggregator(gdb), log)
			mailer := analysis.NewMailer(led, email.NewSMTPSender(smtpCfg), cfg.OpsEmail, cfg.PaymentCurrency, log)
			if err := mailer.Deliver(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "analysis delivered")
			return nil
		},
	}
}

func newResetQuotaCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-quota EMAIL",
		Short: "Give a registered user their full question allowance back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gdb, log, err := f.open()
			if err != nil {
				return err
			}
			users := identity.NewStore(gdb, log, cfg.BcryptCost)
			u, err := users.GetByEmail(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err := users.ResetQuestionUsage(cmd.Context(), u.Email); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s (was %d used)\n", u.Email, u.QuestionsUsed)
			return nil
		},
	}
}
