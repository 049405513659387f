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

	"github.com/MarcoPoloResearchLab/boardrelay/internal/auth"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/board"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/config"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/database"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/ink"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/logging"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/relay"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "boardrelay-api",
		Short: "Whiteboard relay and board patch service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMintTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Board store driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Board store DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "JWT signing secret (overrides env)")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Lifetime of minted tokens")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for cross-replica fan-out")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "redis.address", "redis-address")
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

func newMintTokenCommand() *cobra.Command {
	var (
		subject    string
		roles      []string
		sessionIDs []string
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Issue a relay token for an operator or trusted service",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.AuthTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(cmd.Context(), auth.TokenRequest{
				Subject:    subject,
				Roles:      roles,
				SessionIDs: sessionIDs,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Principal the token identifies")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role granted to the principal (repeatable)")
	cmd.Flags().StringSliceVar(&sessionIDs, "session", nil, "Session the token is scoped to (repeatable, empty grants all)")
	return cmd
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

	db, err := database.Open(database.Config{Driver: appConfig.DatabaseDriver, DSN: appConfig.DatabaseDSN}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	boardService, err := board.NewService(board.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: board.NewUUIDProvider(),
		Logger:     logger.Named("board"),
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	collector := metrics.New()
	registry := relay.NewRegistry(relay.RegistryConfig{SendBuffer: appConfig.SendBuffer})
	defer registry.Close()

	engine := ink.NewEngine(ink.EngineConfig{
		MaxUpdateBytes:   int(appConfig.MaxMessageBytes),
		MaxDocumentBytes: appConfig.MaxDocumentBytes,
		Logger:           logger.Named("ink"),
	})

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var bus *relay.RedisBus
	var publisher relay.Publisher
	if appConfig.RedisEnabled() {
		redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		defer redisClient.Close()
		if err := redisClient.Ping(signalCtx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		bus, err = relay.NewRedisBus(relay.RedisBusConfig{
			Client:        redisClient,
			ChannelPrefix: appConfig.RedisChannelPrefix,
			Logger:        logger.Named("bus"),
		})
		if err != nil {
			return err
		}
		publisher = bus
	}

	hub, err := relay.NewHub(relay.HubConfig{
		Registry: registry,
		Engine:   engine,
		Bus:      publisher,
		Metrics:  collector,
		Logger:   logger.Named("relay"),
	})
	if err != nil {
		return err
	}

	if bus != nil {
		subscription, err := bus.Subscribe(signalCtx, hub.ApplyRemote)
		if err != nil {
			return err
		}
		defer subscription.Close()
		logger.Info("relay bus subscribed", zap.String("instance_id", bus.InstanceID()))
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		BoardService:     boardService,
		Hub:              hub,
		Metrics:          collector,
		Logger:           logger,
		AllowedOrigins:   appConfig.CORSAllowedOrigins,
		Relay: server.RelayConfig{
			WriteTimeout:    appConfig.WriteTimeout,
			PingInterval:    appConfig.PingInterval,
			MaxMessageBytes: appConfig.MaxMessageBytes,
		},
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

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
		// Hijacked sockets are not tracked by Shutdown; closing the registry ends their pumps.
		registry.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
