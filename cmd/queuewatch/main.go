package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/jwalitptl/opd-queue/internal/watch"
	"github.com/jwalitptl/opd-queue/pkg/livestatus"
	"github.com/jwalitptl/opd-queue/pkg/logger"
)

func main() {
	var cfg watch.Config

	rootCmd := &cobra.Command{
		Use:          "queuewatch [appointment-id]",
		Short:        "Follow one appointment's place in the doctor's queue",
		Long:         "Settings are read from QUEUEWATCH_* environment variables; flags override them.",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				cfg.AppointmentID = args[0]
			}
			if cfg.AppointmentID == "" {
				return fmt.Errorf("appointment id is required (argument or QUEUEWATCH_APPOINTMENT_ID)")
			}
			return run(cmd.Context(), cfg)
		},
	}

	if err := envconfig.Process("queuewatch", &cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	rootCmd.Flags().StringVarP(&cfg.Server, "server", "s", cfg.Server, "queue API base url")
	rootCmd.Flags().StringVar(&cfg.Timezone, "timezone", cfg.Timezone, "clinic timezone")
	rootCmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg watch.Config) error {
	l := logger.NewLogger(&logger.Config{Level: logger.ParseLevel(cfg.LogLevel), Format: "console"})
	log := *l.Zerolog()

	w, err := watch.New(cfg, log)
	if err != nil {
		return err
	}
	w.OnChange = func(v livestatus.View) {
		event := log.Info().Str("state", string(v.State))
		if v.CurrentSlotTime != "" {
			event = event.Str("serving", v.CurrentSlotTime)
		}
		if v.State == livestatus.StateWaiting {
			event = event.Int("position", v.Position).Float64("wait_minutes", v.EstimatedWaitMinutes)
		}
		event.Msg(describe(v.State))
	}

	log.Info().Str("server", cfg.Server).Str("appointment_id", cfg.AppointmentID).Msg("watching appointment")
	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("watch stopped")
		return err
	}
	return nil
}

func describe(s livestatus.State) string {
	switch s {
	case livestatus.StateCancelled:
		return "appointment cancelled"
	case livestatus.StateAbsent:
		return "marked absent"
	case livestatus.StateCompleted:
		return "visit completed"
	case livestatus.StateSessionStartedFarWait:
		return "doctor has started, your slot is still a while away"
	case livestatus.StateYourTurnPending:
		return "you are next, please be ready"
	case livestatus.StateYourTurnNow:
		return "it is your turn"
	case livestatus.StateWaiting:
		return "waiting"
	default:
		return "queue has not started"
	}
}
