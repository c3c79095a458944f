package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/internal/accounts"
	"github.com/MarcoPoloResearchLab/parlor/internal/auth"
	"github.com/MarcoPoloResearchLab/parlor/internal/config"
	"github.com/MarcoPoloResearchLab/parlor/internal/database"
	"github.com/MarcoPoloResearchLab/parlor/internal/directory"
	"github.com/MarcoPoloResearchLab/parlor/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/parlor/internal/logging"
	"github.com/MarcoPoloResearchLab/parlor/internal/presence"
	"github.com/MarcoPoloResearchLab/parlor/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const sweepInterval = time.Minute

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "parlor-api",
		Short: "Parlor chat backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("history-limit", defaults.GetInt("chat.history_limit"), "Messages retained per room or DM thread")
	cmd.PersistentFlags().Int("room-ttl-minutes", defaults.GetInt("chat.room_ttl_minutes"), "Idle minutes before a private room expires")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "chat.history_limit", "history-limit")
	bindFlag(cmd, "chat.room_ttl_minutes", "room-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "parlor-auth",
		Audience:      "parlor-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	store, err := directory.NewGormStore(db, appConfig.HistoryLimit)
	if err != nil {
		return err
	}
	chatDirectory, err := directory.NewDirectory(directory.Config{
		Store:        store,
		Clock:        time.Now,
		IDProvider:   directory.NewUUIDProvider(),
		Logger:       logger,
		HistoryLimit: appConfig.HistoryLimit,
		RoomTTL:      appConfig.RoomTTL,
	})
	if err != nil {
		return err
	}
	// A process without its durable state must not accept connections.
	if err := chatDirectory.Hydrate(ctx); err != nil {
		return err
	}

	hub := server.NewHub(logger)
	events, err := server.NewEventRouter(server.EventRouterConfig{
		Directory: chatDirectory,
		Registry:  presence.NewRegistry(time.Now),
		Accounts:  accountService,
		Typing:    ephemeral.NewTypingTracker(),
		Echoes:    ephemeral.NewEchoBoard(),
		Sender:    hub,
		Logger:    logger,
		Clock:     time.Now,
		IDs:       directory.NewUUIDProvider(),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts: accountService,
		Tokens:   tokenIssuer,
		Events:   events,
		Hub:      hub,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events.StartSweeper(signalCtx, sweepInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
