package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/durable/bus"
	busmemory "github.com/hrygo/durable/bus/memory"
	busredis "github.com/hrygo/durable/bus/redis"
	"github.com/hrygo/durable/engine"
	"github.com/hrygo/durable/engine/metrics"
	"github.com/hrygo/durable/internal/profile"
	"github.com/hrygo/durable/internal/version"
	queuememory "github.com/hrygo/durable/queue/memory"
	"github.com/hrygo/durable/store"
	"github.com/hrygo/durable/store/db/memory"
	"github.com/hrygo/durable/store/db/postgres"
)

var rootCmd = &cobra.Command{
	Use:   "durable",
	Short: `A durable task execution worker: crash-safe workflows with replay, suspension, signals, and schedules.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Try to load .env file from current directory (ignore error if file doesn't exist)
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		workerProfile := &profile.Profile{
			Mode:              viper.GetString("mode"),
			Addr:              viper.GetString("addr"),
			Port:              viper.GetInt("port"),
			Driver:            viper.GetString("driver"),
			DSN:               viper.GetString("dsn"),
			RedisURL:          viper.GetString("redis-url"),
			Version:           version.GetCurrentVersion(viper.GetString("mode")),
			AuditEnabled:      viper.GetBool("audit"),
			DeterminismPolicy: viper.GetString("determinism"),
		}
		workerProfile.FromEnv()
		if err := workerProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		service, m, err := buildService(workerProfile)
		if err != nil {
			slog.Error("failed to build service", "error", err)
			os.Exit(1)
		}

		c := make(chan os.Signal, 1)
		// Trigger graceful shutdown on SIGINT or SIGTERM.
		// The default signal sent by the `kill` command is SIGTERM,
		// which is taken as the graceful shutdown signal for many systems, eg., Kubernetes, Gunicorn.
		signal.Notify(c, terminationSignals...)

		if err := service.Start(ctx); err != nil {
			slog.Error("failed to start service", "error", err)
			os.Exit(1)
		}
		if err := service.Recover(ctx); err != nil {
			slog.Error("recovery sweep failed", "error", err)
		}

		if workerProfile.Port > 0 {
			go serveMetrics(workerProfile, m)
		}

		printGreetings(workerProfile)

		go func() {
			<-c
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := service.Stop(shutdownCtx); err != nil {
				slog.Error("shutdown failed", "error", err)
			}
			cancel()
		}()

		// Wait for CTRL-C.
		<-ctx.Done()
	},
}

func buildService(p *profile.Profile) (*engine.Service, *metrics.Metrics, error) {
	var driver store.Driver
	switch p.Driver {
	case "postgres":
		db, err := postgres.NewDB(p.DSN)
		if err != nil {
			return nil, nil, err
		}
		driver = db
	default:
		driver = memory.NewDB()
	}

	var eventBus bus.EventBus = busmemory.New()
	if p.RedisURL != "" {
		redisOpts, err := goredis.ParseURL(p.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		eventBus = busredis.New(goredis.NewClient(redisOpts), slog.Default())
	}

	m := metrics.New(metrics.DefaultConfig())
	service := engine.New(store.New(driver), queuememory.New(0, slog.Default()), eventBus, engine.Options{
		MaxAttempts:     p.MaxAttempts,
		Timeout:         time.Duration(p.ExecutionTimeoutMs) * time.Millisecond,
		PollingInterval: time.Duration(p.PollingIntervalMs) * time.Millisecond,
		AuditEnabled:    p.AuditEnabled,
		Determinism:     engine.DeterminismPolicy(p.DeterminismPolicy),
		Metrics:         m,
	})
	return service, m, nil
}

func serveMetrics(p *profile.Profile, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	addr := fmt.Sprintf("%s:%d", p.Addr, p.Port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics endpoint failed", "addr", addr, "error", err)
	}
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "memory")
	viper.SetDefault("port", 28091)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of worker, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of the metrics endpoint")
	rootCmd.PersistentFlags().Int("port", 28091, "port of the metrics endpoint, 0 disables it")
	rootCmd.PersistentFlags().String("driver", "memory", "store driver (memory, postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name(aka. DSN)")
	rootCmd.PersistentFlags().String("redis-url", "", "redis url for the event bus, empty keeps the in-process bus")
	rootCmd.PersistentFlags().Bool("audit", false, "persist the audit trail")
	rootCmd.PersistentFlags().String("determinism", "warn", `implicit step id policy: "allow", "warn", or "error"`)

	for _, flag := range []string{"mode", "addr", "port", "driver", "dsn", "redis-url", "audit", "determinism"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("durable")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("durable %s started successfully!\n", p.Version)

	if p.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		if p.DSN != "" {
			fmt.Fprintf(os.Stderr, "Database: %s\n", p.DSN)
		}
	}

	fmt.Printf("Store driver: %s\n", p.Driver)
	fmt.Printf("Mode: %s\n", p.Mode)
	if p.Port > 0 {
		fmt.Printf("Metrics at: http://localhost:%d/metrics\n", p.Port)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
