package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/braincanary/braincanary/internal/api"
	"github.com/braincanary/braincanary/internal/deploy"
	"github.com/braincanary/braincanary/internal/events"
	"github.com/braincanary/braincanary/internal/metrics"
	"github.com/braincanary/braincanary/internal/persistence"
	"github.com/braincanary/braincanary/internal/persistence/memory"
	"github.com/braincanary/braincanary/internal/persistence/postgres"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rollout controller and its HTTP API",
		Long: `Starts the controller process: recovers any unfinished deployment from
the store, resumes score monitoring, and serves the HTTP API, metrics
and the websocket event stream.`,
		RunE: runServe,
	}
	cmd.Flags().String("host", "127.0.0.1", "HTTP listen host")
	cmd.Flags().Int("port", 8080, "HTTP listen port")
	cmd.Flags().String("db", "", "Postgres DSN; empty runs an in-memory store")
	cmd.Flags().String("redis", "", "Redis address for the event mirror; empty disables it")
	cmd.Flags().String("redis-channel", "braincanary.events", "Redis pub/sub channel for mirrored events")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	dsn, _ := cmd.Flags().GetString("db")
	redisAddr, _ := cmd.Flags().GetString("redis")
	redisChannel, _ := cmd.Flags().GetString("redis-channel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBus()
	defer bus.Close()

	svc, err := deploy.New(ctx, store, bus, deploy.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize rollout service: %w", err)
	}
	defer svc.Close()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	go collector.Run(ctx, bus.Subscribe("metrics"))

	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", redisAddr, err)
		}
		defer client.Close()
		sink := events.NewRedisSink(client, redisChannel, bus.Subscribe("redis"))
		defer sink.Wait()
		log.Info().Str("addr", redisAddr).Str("channel", redisChannel).Msg("redis event mirror enabled")
	}

	serverCfg := api.DefaultServerConfig()
	serverCfg.Host = host
	serverCfg.Port = port
	server := api.NewServer(serverCfg, svc, bus, registry)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func openStore(dsn string) (persistence.Store, error) {
	if dsn == "" {
		log.Warn().Msg("no --db given, state will not survive restarts")
		return memory.NewStore(), nil
	}
	store, err := postgres.Open(dsn, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	return store, nil
}
