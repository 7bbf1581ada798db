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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/opd-queue/internal/config"
	"github.com/jwalitptl/opd-queue/internal/email"
	appointmenthandler "github.com/jwalitptl/opd-queue/internal/handler/appointment"
	"github.com/jwalitptl/opd-queue/internal/handler/health"
	queuehandler "github.com/jwalitptl/opd-queue/internal/handler/queue"
	"github.com/jwalitptl/opd-queue/internal/middleware"
	"github.com/jwalitptl/opd-queue/internal/realtime"
	"github.com/jwalitptl/opd-queue/internal/repository"
	"github.com/jwalitptl/opd-queue/internal/repository/memory"
	"github.com/jwalitptl/opd-queue/internal/repository/postgres"
	"github.com/jwalitptl/opd-queue/internal/router"
	"github.com/jwalitptl/opd-queue/internal/service/appointment"
	"github.com/jwalitptl/opd-queue/internal/service/notification"
	"github.com/jwalitptl/opd-queue/internal/service/queue"
	"github.com/jwalitptl/opd-queue/pkg/auth"
	"github.com/jwalitptl/opd-queue/pkg/livestatus"
	"github.com/jwalitptl/opd-queue/pkg/logger"
	"github.com/jwalitptl/opd-queue/pkg/messaging/redis"
	"github.com/jwalitptl/opd-queue/pkg/metrics"
	"github.com/jwalitptl/opd-queue/pkg/validator"
	"github.com/jwalitptl/opd-queue/pkg/worker"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "opdq-api",
		Short:        "OPD queue API server",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the queue API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			setupLogger(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			db, err := postgres.NewDB(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := postgres.Migrate(ctx, db); err != nil {
				return err
			}
			log.Info().Msg("schema applied")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject, role, doctorID string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return errors.New("auth.secret is not set")
			}
			token, err := auth.NewTokenService(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL).
				Generate(subject, role, doctorID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&role, "role", auth.RoleAdmin, "admin, doctor or patient")
	cmd.Flags().StringVar(&doctorID, "doctor", "", "doctor id for the doctor role")
	return cmd
}

func setupLogger(cfg *config.Config) zerolog.Logger {
	l := logger.NewLogger(&logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	})
	l.SetGlobal()
	return *l.Zerolog()
}

type stores struct {
	doctors      repository.DoctorRepository
	appointments repository.AppointmentRepository
	states       repository.QueueStateRepository
	pinger       repository.Pinger
	close        func() error
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Database.Driver == "memory" {
		store := memory.NewStore(cfg.Clinic.DefaultAvgMinutes)
		return &stores{
			doctors:      store.Doctors(),
			appointments: store.Appointments(),
			states:       store.QueueStates(),
			pinger:       store,
			close:        func() error { return nil },
		}, nil
	}

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	base := postgres.NewBaseRepository(db)
	return &stores{
		doctors:      postgres.NewDoctorRepository(db, cfg.Clinic.DefaultAvgMinutes),
		appointments: postgres.NewAppointmentRepository(db),
		states:       postgres.NewQueueStateRepository(db, cfg.Clinic.DefaultAvgMinutes),
		pinger:       &base,
		close:        db.Close,
	}, nil
}

func queueConfig(cfg *config.Config, loc *time.Location) queue.Config {
	return queue.Config{
		Location:       loc,
		CommitRetries:  cfg.Queue.CommitRetries,
		StatusCacheTTL: cfg.Queue.StatusCacheTTL,
		Estimator: queue.EstimatorConfig{
			Capacity:   cfg.Clinic.HistorySize,
			Window:     cfg.Clinic.AverageWindow,
			MinMinutes: cfg.Clinic.MinSampleMinutes,
			MaxMinutes: cfg.Clinic.MaxSampleMinutes,
			Default:    cfg.Clinic.DefaultAvgMinutes,
		},
		Live: livestatus.Options{
			FarWait:     time.Duration(cfg.Clinic.FarWaitMinutes) * time.Minute,
			TurnWindow:  time.Duration(cfg.Clinic.TurnWindowMinutes) * time.Minute,
			SlotSpacing: livestatus.DefaultSlotSpacing,
		},
	}
}

func runServer(cfg *config.Config) error {
	zl := setupLogger(cfg)
	validator.RegisterGin()
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Clinic.Location()
	if err != nil {
		return err
	}
	m := metrics.NewMetrics(prometheus.DefaultRegisterer, "opdq")

	st, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.close()
	pingers := map[string]repository.Pinger{cfg.Database.Driver: st.pinger}

	hub := realtime.NewHub(m, zl.With().Str("component", "hub").Logger())
	var publisher queue.Publisher = hub
	if cfg.Redis.Enabled {
		broker, err := redis.NewRedisBroker(ctx, redis.Config{
			URL:          cfg.Redis.URL,
			MaxRetries:   cfg.Redis.MaxRetries,
			RetryBackoff: cfg.Redis.RetryBackoff,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, zl, m)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer broker.Close()

		relay := realtime.NewRelay(broker, hub, m, zl.With().Str("component", "relay").Logger(),
			realtime.WithQueueSize(cfg.Redis.PublishQueueSize),
			realtime.WithPublishTimeout(cfg.Redis.PublishTimeout))
		if _, err := relay.Run(ctx); err != nil {
			return err
		}
		publisher = relay
		pingers["redis"] = broker
	}

	opts := []queue.Option{
		queue.WithLogger(zl.With().Str("component", "queue").Logger()),
		queue.WithMetrics(m),
	}
	if cfg.Email.Enabled {
		pool := worker.NewPool(worker.PoolConfig{
			Workers:       cfg.Email.Workers,
			QueueSize:     cfg.Email.QueueSize,
			RetryAttempts: cfg.Email.RetryAttempts,
			RetryDelay:    cfg.Email.RetryDelay,
		}, zl.With().Str("component", "email_worker").Logger(), m)
		// Not bound to ctx so queued emails are still sent during shutdown.
		pool.Start(context.Background())
		defer pool.Stop()

		notifier := notification.NewUpcomingNotifier(
			st.appointments,
			st.doctors,
			email.NewSMTPService(cfg.Email, zl),
			cfg.Clinic.TurnWindowMinutes,
			zl.With().Str("component", "notifier").Logger(),
			notification.WithDispatcher(pool),
		)
		opts = append(opts, queue.WithNotifier(notifier))
	}
	queueSvc := queue.NewService(st.states, st.appointments, publisher, queueConfig(cfg, loc), opts...)
	bookingSvc := appointment.NewService(st.doctors, st.appointments, loc, zl)

	if cfg.Auth.Disabled {
		log.Warn().Msg("authentication is disabled, every caller is treated as admin")
	}
	tokens := auth.NewTokenService(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)

	r := router.NewRouter(
		middleware.NewAuthMiddleware(tokens, cfg.Auth.Disabled),
		queuehandler.NewHandler(queueSvc),
		appointmenthandler.NewHandler(bookingSvc),
		health.NewHandler(pingers, prometheus.DefaultGatherer),
		realtime.NewHandler(hub, cfg.Realtime, cfg.Server.AllowedOrigins, zl),
		router.RouterConfig{
			RateLimit:      rate.Limit(cfg.RateLimit.RPS),
			RateBurst:      cfg.RateLimit.Burst,
			RequestTimeout: cfg.Server.WriteTimeout,
			CORSConfig:     middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins),
			Metrics:        m,
		},
	)
	r.Setup()

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     r.Engine(),
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.Database.Driver).Bool("redis", cfg.Redis.Enabled).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server exited properly")
	return nil
}
