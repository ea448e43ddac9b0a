package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/CityPulseResearchLab/citypulse/client/internal/config"
	"github.com/CityPulseResearchLab/citypulse/client/internal/entity"
	"github.com/CityPulseResearchLab/citypulse/client/internal/localstore"
	"github.com/CityPulseResearchLab/citypulse/client/internal/logging"
	"github.com/CityPulseResearchLab/citypulse/client/internal/notify"
	"github.com/CityPulseResearchLab/citypulse/client/internal/reconcile"
	"github.com/CityPulseResearchLab/citypulse/client/internal/session"
	"github.com/CityPulseResearchLab/citypulse/client/internal/transport"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "citypulse-client",
		Short: "CityPulse event-map sync client",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "REST API base URL")
	cmd.PersistentFlags().String("ws-url", defaults.GetString("api.ws_url"), "Push channel websocket URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "Local SQLite database path")
	cmd.PersistentFlags().Int("idle-minutes", defaults.GetInt("session.idle_minutes"), "Idle minutes before the session is cleared")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("token", "", "Bearer credential (overrides env)")

	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "api.ws_url", "ws-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "session.idle_minutes", "idle-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.token", "token")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runClient(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := localstore.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	dismissals, err := localstore.NewDismissalStore(db)
	if err != nil {
		return err
	}

	center, err := notify.NewCenter(notify.CenterConfig{
		Dismissals: dismissals,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessions := session.NewManager(session.ManagerConfig{Logger: logger})
	if appConfig.BearerToken != "" {
		if err := sessions.SetCredential(appConfig.BearerToken); err != nil {
			return err
		}
	}

	restClient, err := transport.NewClient(transport.ClientConfig{
		BaseURL: appConfig.APIBaseURL,
		Tokens:  sessions,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	store := entity.NewStore()
	engine, err := reconcile.NewEngine(reconcile.EngineConfig{
		Store:     store,
		Transport: restClient,
		Users:     sessions,
		Notifier:  center,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	store.Subscribe(func(snapshot []entity.Entity) {
		logger.Debug("store changed", zap.Int("entities", len(snapshot)))
	})

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	channel, err := transport.NewChannel(transport.ChannelConfig{
		URL:      appConfig.ChannelURL,
		Tokens:   sessions,
		Settings: transport.DefaultChannelSettings(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	guard, err := session.NewGuard(session.GuardConfig{
		Manager:  sessions,
		Interval: time.Duration(appConfig.IdleMinutes) * time.Minute,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	go guard.Run(signalCtx)
	go engine.Run(signalCtx, channel)

	logger.Info("client started",
		zap.String("api", appConfig.APIBaseURL),
		zap.String("channel", appConfig.ChannelURL))

	<-signalCtx.Done()
	logger.Info("client stopping")
	return nil
}
