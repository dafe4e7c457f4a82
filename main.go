package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Cray-HPE/cfs-api/internal/controllers"
	"github.com/Cray-HPE/cfs-api/internal/events"
	"github.com/Cray-HPE/cfs-api/internal/kube"
	"github.com/Cray-HPE/cfs-api/internal/migrations"
	"github.com/Cray-HPE/cfs-api/internal/options"
	"github.com/Cray-HPE/cfs-api/internal/secrets"
	"github.com/Cray-HPE/cfs-api/internal/store"
	"github.com/Cray-HPE/cfs-api/internal/tenancy"
	"github.com/Cray-HPE/cfs-api/internal/vcs"
)

func main() {
	cmd := &cobra.Command{
		Use: "cfs-api",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(1)
		},
	}
	cmd.AddCommand(newStartCommand())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type startOptions struct {
	Addr      string
	RedisAddr string
}

func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Starts the CFS API server",
	}

	opts := startOptions{
		Addr:      "0.0.0.0:9000",
		RedisAddr: "cray-cfs-api-db:6379",
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", opts.Addr, "Listen address")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis-addr", opts.RedisAddr, "Address of the Redis database")

	cmd.Run = func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := run(ctx, opts); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}

	return cmd
}

// bindEnv declares the recognised environment variables and their defaults.
func bindEnv() {
	viper.AutomaticEnv()
	viper.SetDefault("DB_BUSY_SECONDS", 60)
	viper.SetDefault("DB_BATCH_SIZE", 500)
	viper.SetDefault("STARTING_LOG_LEVEL", "INFO")
	viper.SetDefault("OPTIONS_REFRESH_SECONDS", 60)
	viper.SetDefault("GIT_SSL_CAINFO", "/etc/cray/ca/certificate_authority.crt")
	viper.SetDefault("TAPMS_URL", tenancy.DefaultTAPMSEndpoint)
	viper.SetDefault("KAFKA_SERVICE", "cray-shared-kafka-kafka-bootstrap")
	viper.SetDefault("KAFKA_PORT", 9092)
}

func run(ctx context.Context, opts startOptions) error {
	bindEnv()

	level := zap.NewAtomicLevel()
	if err := setStartingLevel(level, viper.GetString("STARTING_LOG_LEVEL")); err != nil {
		return err
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = level
	zapLog, err := zapConfig.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer zapLog.Sync()
	log := zapr.NewLogger(zapLog)

	stores, err := openStores(opts.RedisAddr, log)
	if err != nil {
		return err
	}

	kubeClient, err := kube.NewClient()
	if err != nil {
		// The API still serves without cluster access; log links and broker
		// discovery then rely on their environment overrides.
		log.Error(err, "no cluster access")
		kubeClient = nil
	}

	secretStore := secrets.NewVault(viper.GetString("VAULT_ADDR"))
	resolver := vcs.NewResolver(vcs.Config{
		DefaultUsername: viper.GetString("VCS_USERNAME"),
		DefaultPassword: viper.GetString("VCS_PASSWORD"),
		DefaultCAPath:   viper.GetString("GIT_SSL_CAINFO"),
	}, secretStore, configMaps(kubeClient), log)

	producer := events.NewProducer(brokerLookup(kubeClient), log)
	defer producer.Close()

	cache := options.NewCache(stores[store.OptionsDB], level, log)
	if err := cache.Refresh(ctx); err != nil {
		log.Error(err, "initial options refresh failed")
	}
	go cache.Run(ctx, time.Duration(viper.GetInt("OPTIONS_REFRESH_SECONDS"))*time.Second)

	if err := migrations.Run(ctx, migrations.Stores{
		Options:        stores[store.OptionsDB],
		Components:     stores[store.ComponentsDB],
		Configurations: stores[store.ConfigurationsDB],
		Sessions:       stores[store.SessionsDB],
	}, log); err != nil {
		return fmt.Errorf("migrating stored records: %w", err)
	}

	server := controllers.New(controllers.Config{
		Components:     stores[store.ComponentsDB],
		Configurations: stores[store.ConfigurationsDB],
		Sessions:       stores[store.SessionsDB],
		Sources:        stores[store.SourcesDB],
		OptionsStore:   stores[store.OptionsDB],
		Options:        cache,
		Resolver:       resolver,
		Secrets:        secretStore,
		Events:         producer,
		Tenants:        tenancy.NewTAPMSClient(viper.GetString("TAPMS_URL")),
		ARAURL:         araURL(kubeClient),
		Logger:         log,
	})

	httpServer := &http.Server{Addr: opts.Addr, Handler: server.Handler()}
	errs := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", opts.Addr)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func setStartingLevel(level zap.AtomicLevel, name string) error {
	switch strings.ToUpper(name) {
	case "DEBUG":
		level.SetLevel(zapcore.DebugLevel)
	case "INFO":
		level.SetLevel(zapcore.InfoLevel)
	case "WARN", "WARNING":
		level.SetLevel(zapcore.WarnLevel)
	case "ERROR":
		level.SetLevel(zapcore.ErrorLevel)
	default:
		return fmt.Errorf("unrecognised STARTING_LOG_LEVEL %q", name)
	}
	return nil
}

func openStores(addr string, log logr.Logger) (map[string]store.Store, error) {
	busyBudget := time.Duration(viper.GetInt("DB_BUSY_SECONDS")) * time.Second
	batchSize := viper.GetInt("DB_BATCH_SIZE")
	stores := map[string]store.Store{}
	for _, database := range []string{
		store.OptionsDB, store.SessionsDB, store.ComponentsDB,
		store.ConfigurationsDB, store.SourcesDB,
	} {
		client, err := store.Open(store.Config{
			Addr:       addr,
			Database:   database,
			BusyBudget: busyBudget,
			BatchSize:  batchSize,
			Logger:     log,
		})
		if err != nil {
			return nil, fmt.Errorf("opening the %s database: %w", database, err)
		}
		stores[database] = client
	}
	return stores, nil
}

// brokerLookup resolves the Kafka brokers, preferring the KAFKA_BROKERS
// override over in-cluster service discovery.
func brokerLookup(kubeClient *kube.Client) func() ([]string, error) {
	return func() ([]string, error) {
		if brokers := viper.GetString("KAFKA_BROKERS"); brokers != "" {
			return strings.Split(brokers, ","), nil
		}
		if kubeClient == nil {
			return nil, fmt.Errorf("KAFKA_BROKERS is not set and no cluster access is available")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		addr, err := kubeClient.ServiceAddress(ctx, viper.GetString("KAFKA_SERVICE"), viper.GetInt("KAFKA_PORT"))
		if err != nil {
			return nil, err
		}
		return []string{addr}, nil
	}
}

// araURL resolves the ARA UI host, preferring the ARA_UI_URL override.
func araURL(kubeClient *kube.Client) func(ctx context.Context) string {
	return func(ctx context.Context) string {
		if ara := viper.GetString("ARA_UI_URL"); ara != "" {
			return ara
		}
		if kubeClient == nil {
			return ""
		}
		return kubeClient.ARAUIURL(ctx)
	}
}

func configMaps(kubeClient *kube.Client) vcs.ConfigMapReader {
	if kubeClient == nil {
		return nil
	}
	return kubeClient
}
