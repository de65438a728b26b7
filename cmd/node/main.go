// Package main implements the Strata storage node, which serves the
// segments the coordinator assigns to it.
//
// The node is a worker in the Strata cluster, responsible for:
//   - Registering with the coordinator, announcing its capacity
//   - Loading and dropping segments on coordinator command
//   - Refusing loads that would exceed its capacity
//   - Responding to health checks
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 Node                    │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - Health check         │
//	│    /load         - Load a segment       │
//	│    /drop         - Drop a segment       │
//	│    /segments     - Served segments      │
//	│    /info         - Capacity and usage   │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Node          - HTTP handlers        │
//	│    SegmentStore  - Loaded segments      │
//	│    Registration  - Coordinator link     │
//	└─────────────────────────────────────────┘
//
// Configuration comes from an optional TOML file (--config) and STRATA_*
// environment variables:
//   - STRATA_NODE_ID: node identifier (default: node-<uuid>)
//   - STRATA_NODE_LISTEN: listen address (default: ":8081")
//   - STRATA_NODE_ADDR: URL the coordinator uses (default: "http://127.0.0.1:8081")
//   - STRATA_NODE_COORDINATOR_URL: coordinator URL (default: "http://127.0.0.1:8080")
//   - STRATA_NODE_MAX_SIZE: capacity in bytes (default: 10 GiB)
//
// Example usage:
//
//	STRATA_NODE_ID=node-1 \
//	STRATA_NODE_LISTEN=:8081 \
//	STRATA_NODE_ADDR=http://localhost:8081 \
//	./node
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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/config"
	"github.com/dreamware/strata/internal/storage"
)

var version = "dev"

// Registration retry policy.
var (
	registerAttempts = 10
	registerDelay    = 400 * time.Millisecond
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("node failed")
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "strata-node",
		Version: version,
		Usage:   "Serve segments assigned by a Strata coordinator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				Sources: cli.EnvVars("STRATA_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:  "id",
				Usage: "Node ID, overrides node.id",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address, overrides node.listen",
			},
			&cli.Int64Flag{
				Name:  "max-size",
				Usage: "Capacity in bytes, overrides node.max_size",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if v := cmd.String("id"); v != "" {
				cfg.Node.ID = v
			}
			if v := cmd.String("listen"); v != "" {
				cfg.Node.Listen = v
			}
			if v := cmd.Int64("max-size"); v > 0 {
				cfg.Node.MaxSize = v
			}

			logger, err := cfg.Logging.NewLogger(os.Stderr)
			if err != nil {
				return err
			}
			log.Logger = logger

			return run(ctx, cfg, logger)
		},
	}
}

// run serves the node API, registers with the coordinator and blocks until
// ctx ends.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	id := cfg.Node.ID
	if id == "" {
		id = "node-" + uuid.NewString()
	}

	node := NewNode(id, storage.NewSegmentStore(cfg.Node.MaxSize), logger)
	srv := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           node.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("node", id).Str("listen", cfg.Node.Listen).Str("public", cfg.Node.Addr).Msg("node listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	info := cluster.NodeInfo{ID: id, Addr: cfg.Node.Addr, MaxSize: cfg.Node.MaxSize}
	regErr := register(ctx, cfg.Node.CoordinatorURL, info, logger)
	if regErr == nil {
		select {
		case <-ctx.Done():
		case err := <-errc:
			regErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	logger.Info().Str("node", id).Msg("node stopped")

	if regErr != nil && !errors.Is(regErr, context.Canceled) {
		return regErr
	}
	return nil
}

// register announces the node to the coordinator, retrying to ride out
// coordinator startup delays or temporary network issues.
//
// Retry strategy:
//   - registerAttempts attempts
//   - registerDelay between attempts
//   - gives up early if ctx ends
//
// Returns:
//   - nil once the coordinator accepted the registration
//   - the last error after every attempt failed
func register(ctx context.Context, coord string, info cluster.NodeInfo, logger zerolog.Logger) error {
	body := cluster.RegisterRequest{Node: info}
	var lastErr error

	for i := 0; i < registerAttempts; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, nil)
		if lastErr == nil {
			logger.Info().Str("coordinator", coord).Int64("max_size", info.MaxSize).Msg("registered with coordinator")
			return nil
		}
		logger.Warn().Err(lastErr).Int("attempt", i+1).Msg("register retry")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerDelay):
		}
	}
	return fmt.Errorf("failed to register with coordinator: %w", lastErr)
}
