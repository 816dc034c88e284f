package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/handoffd/handoff/executor"
	"github.com/handoffd/handoff/internal/contingency"
	"github.com/handoffd/handoff/internal/profile"
	"github.com/handoffd/handoff/internal/tasklog"
	"github.com/handoffd/handoff/internal/version"
	"github.com/handoffd/handoff/orchestrator"
	"github.com/handoffd/handoff/server"
	"github.com/handoffd/handoff/server/broadcaster"
	"github.com/handoffd/handoff/store"
	"github.com/handoffd/handoff/store/db/sqlite"
	"github.com/handoffd/handoff/worker"
)

var rootCmd = &cobra.Command{
	Use:   "handoff",
	Short: "A fire-and-forget task delegation server for long-running AI-assistant work.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Best effort; systemd deployments inject the environment directly.
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    viper.GetString("addr"),
			Port:    viper.GetInt("port"),
			Data:    viper.GetString("data"),
			DSN:     viper.GetString("dsn"),
			Version: version.String(),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		driver, err := sqlite.NewDB(instanceProfile.DSN)
		if err != nil {
			slog.Error("failed to open database", "dsn", instanceProfile.DSN, "error", err)
			os.Exit(1)
		}

		taskLog := tasklog.New(instanceProfile.LogsDir())
		storeInstance := store.New(driver, taskLog)

		bcast := broadcaster.New(instanceProfile.HeartbeatInterval, slog.Default())

		adapter := newAdapter(instanceProfile)
		breaker := executor.NewBreaker(instanceProfile.BreakersDir(), adapter.Name(), executor.BreakerConfig{
			ConsecutiveFailures: instanceProfile.BreakerThreshold,
			Cooldown:            instanceProfile.BreakerCooldown,
		}, slog.Default())
		exec := executor.New(storeInstance, adapter, breaker, bcast, executor.Config{
			MaxAttempts:     instanceProfile.RetryMaxAttempts,
			InitialInterval: instanceProfile.RetryInitialInterval,
			MaxInterval:     instanceProfile.RetryMaxInterval,
		}, slog.Default())
		spawner := executor.NewSpawner(exec, instanceProfile.MaxConcurrentTasks, slog.Default())
		registry := orchestrator.NewRegistry(storeInstance, slog.Default())

		sweeper := contingency.NewSweeper(storeInstance, instanceProfile, bcast, slog.Default())
		go sweeper.Run(ctx)

		s, err := server.NewServer(instanceProfile, storeInstance, spawner, registry, bcast, slog.Default())
		if err != nil {
			slog.Error("failed to create server", "error", err)
			os.Exit(1)
		}
		if err := s.Start(ctx); err != nil {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
		printGreetings(instanceProfile, adapter.Name())

		c := make(chan os.Signal, 1)
		signal.Notify(c, terminationSignals...)
		go func() {
			<-c
			s.Shutdown(ctx)
			cancel()
		}()

		<-ctx.Done()
	},
}

// newAdapter picks the worker backend: the real Anthropic client, or the
// scripted one in demo mode so everything works without credentials.
func newAdapter(p *profile.Profile) worker.Adapter {
	if p.Mode == "demo" {
		return &worker.ScriptedAdapter{}
	}
	return worker.NewAnthropicAdapter(slog.Default())
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 8790)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod", "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 8790, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("dsn", "", "database file path")

	for _, flag := range []string{"mode", "addr", "port", "data", "dsn"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("handoff")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(p *profile.Profile, adapterName string) {
	fmt.Printf("handoff %s started\n", p.Version)
	fmt.Printf("Build: %s\n", version.StringFull())
	fmt.Printf("Mode: %s\n", p.Mode)
	fmt.Printf("Worker backend: %s\n", adapterName)
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Database: %s\n", p.DSN)
	if p.Addr == "" {
		fmt.Printf("Listening on port %d\n", p.Port)
	} else {
		fmt.Printf("Listening on %s:%d\n", p.Addr, p.Port)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
