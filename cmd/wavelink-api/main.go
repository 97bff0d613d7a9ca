package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/wavelink/backend/internal/auth"
	"github.com/wavelink/backend/internal/broker"
	"github.com/wavelink/backend/internal/config"
	"github.com/wavelink/backend/internal/database"
	"github.com/wavelink/backend/internal/gateway"
	"github.com/wavelink/backend/internal/lease"
	"github.com/wavelink/backend/internal/logging"
	"github.com/wavelink/backend/internal/messaging"
	"github.com/wavelink/backend/internal/metrics"
	"github.com/wavelink/backend/internal/ratelimit"
	"github.com/wavelink/backend/internal/relationships"
	"github.com/wavelink/backend/internal/server"
	"github.com/wavelink/backend/internal/snowflake"
	"github.com/wavelink/backend/internal/users"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout      = 10 * time.Second
	memoryStoreRetention = 2 * time.Minute
	readHeaderTimeout    = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wavelink-api",
		Short: "Wavelink realtime messaging backend",
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
	cmd.PersistentFlags().String("jwt-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL; empty runs the in-process broker and counters")
	cmd.PersistentFlags().String("lease-url", "", "Worker lease coordinator URL")
	cmd.PersistentFlags().String("lease-key", "", "Worker lease coordinator key (overrides env)")
	cmd.PersistentFlags().Bool("ratelimit-enabled", defaults.GetBool("ratelimit.enabled"), "Enable request rate limiting")
	cmd.PersistentFlags().Int("ratelimit-max-requests", defaults.GetInt("ratelimit.max_requests"), "Requests per identifier per minute")
	cmd.PersistentFlags().Int("ratelimit-trusted-proxies", defaults.GetInt("ratelimit.trusted_proxies"), "Trusted X-Forwarded-For hops")
	cmd.PersistentFlags().Int64("gateway-max-message-bytes", defaults.GetInt64("gateway.max_message_bytes"), "Largest accepted gateway frame")
	cmd.PersistentFlags().Float64("gateway-messages-per-second", defaults.GetFloat64("gateway.messages_per_second"), "Inbound gateway frames per connection per second")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "Allowed CORS and gateway origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.jwt_secret", "jwt-secret")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "lease.url", "lease-url")
	bindFlag(cmd, "lease.key", "lease-key")
	bindFlag(cmd, "ratelimit.enabled", "ratelimit-enabled")
	bindFlag(cmd, "ratelimit.max_requests", "ratelimit-max-requests")
	bindFlag(cmd, "ratelimit.trusted_proxies", "ratelimit-trusted-proxies")
	bindFlag(cmd, "gateway.max_message_bytes", "gateway-max-message-bytes")
	bindFlag(cmd, "gateway.messages_per_second", "gateway-messages-per-second")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
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

// backplane is the cross-instance state: pub/sub and rate-limit counters.
type backplane struct {
	broker broker.Broker
	store  ratelimit.CounterStore
	close  func() error
}

func newBackplane(ctx context.Context, redisURL string, logger *zap.Logger, recorder *metrics.Metrics) (backplane, error) {
	if redisURL == "" {
		logger.Warn("redis.url not set; using in-process broker and counters, which do not span instances")
		dropped := func(channel string) {
			logger.Warn("broker delivery dropped; subscriber stayed full", zap.String("channel", channel))
			recorder.BrokerDeliveryDropped(broker.ChannelKind(channel))
		}
		return backplane{
			broker: broker.NewMemoryBroker(broker.WithDropHandler(dropped)),
			store:  ratelimit.NewMemoryStore(memoryStoreRetention, time.Now),
			close:  func() error { return nil },
		}, nil
	}

	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return backplane{}, err
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return backplane{}, err
	}
	logger.Info("redis connected", zap.String("address", options.Addr))
	return backplane{
		broker: broker.NewRedisBroker(client),
		store:  ratelimit.NewRedisStore(client),
		close:  client.Close,
	}, nil
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.New(registry)
	if err != nil {
		return err
	}

	backing, err := newBackplane(ctx, appConfig.RedisURL, logger, recorder)
	if err != nil {
		return err
	}
	defer backing.close() //nolint:errcheck

	leaseClient, err := lease.NewClient(lease.ClientConfig{
		URL:      appConfig.LeaseURL,
		Key:      appConfig.LeaseKey,
		Logger:   logger,
		Observer: recorder.LeaseOperation,
	})
	if err != nil {
		return err
	}
	ids, err := snowflake.NewGenerator(snowflake.GeneratorConfig{
		Leases:   leaseClient,
		Logger:   logger,
		Observer: func(snowflake.ID) { recorder.SnowflakeIssued() },
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, IDs: ids})
	if err != nil {
		return err
	}
	relationshipService, err := relationships.NewService(relationships.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningSecret: []byte(appConfig.JWTSecret),
		Users:         userService,
	})
	if err != nil {
		return err
	}
	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		Store:          backing.store,
		MaxRequests:    appConfig.RateLimitMaxRequests,
		TrustedProxies: appConfig.RateLimitTrustedProxies,
		Disabled:       !appConfig.RateLimitEnabled,
		Logger:         logger,
		Observer: func(result ratelimit.Result) {
			if result.Allowed {
				recorder.RateLimitDecision(metrics.OutcomeAllowed)
				return
			}
			recorder.RateLimitDecision(metrics.OutcomeRejected)
		},
	})
	if err != nil {
		return err
	}

	directory, err := messaging.NewDirectory(messaging.DirectoryConfig{
		Database: db,
		IDs:      ids,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	gatewayServer, err := gateway.NewServer(gateway.Config{
		Verifier:          verifier,
		Authorizer:        relationshipService,
		Channels:          directory,
		Broker:            backing.broker,
		Limiter:           limiter,
		AllowedOrigins:    appConfig.AllowedOrigins,
		MaxMessageBytes:   appConfig.GatewayMaxMessageBytes,
		MessagesPerSecond: appConfig.GatewayMessagesPerSecond,
		Logger:            logger,
		Metrics:           recorder,
	})
	if err != nil {
		return err
	}
	messagingService, err := messaging.NewService(messaging.ServiceConfig{
		Database:   db,
		IDs:        ids,
		Channels:   directory,
		Authorizer: relationshipService,
		Notifier:   gatewayServer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:       verifier,
		Messages:       messagingService,
		Gateway:        gatewayServer,
		Limiter:        limiter,
		Metrics:        recorder,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("instance_id", leaseClient.InstanceID()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked gateway sockets are not tracked by Shutdown.
		if err := gatewayServer.Close(); err != nil {
			logger.Warn("gateway close reported errors", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
