// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/absmach/fluxsub/broker"
	"github.com/absmach/fluxsub/config"
	"github.com/absmach/fluxsub/publisher"
	"github.com/absmach/fluxsub/server/health"
	"github.com/spf13/cobra"
)

var startMode string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Declare the topology and consume every route until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if startMode != "" {
			cfg.Subscriber.Mode = startMode
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := a.shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown error", slog.Any("error", err))
			}
			logger.Info("fluxsub stopped")
		}()

		logger.Info("starting fluxsub",
			slog.String("broker", cfg.Broker.Type),
			slog.String("mode", cfg.Subscriber.Mode),
			slog.Int("max_retries", cfg.Retry.MaxRetries),
			slog.String("dead_letter_sink", cfg.Retry.DeadLetterSink))

		if err := a.engine.Activate(ctx); err != nil {
			return err
		}
		a.engine.LogRoutes()

		var wg sync.WaitGroup
		serverErr := make(chan error, 1)
		if cfg.Server.HealthEnabled {
			srv := health.New(health.Config{
				Address:         cfg.Server.HealthAddr,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
			}, a.engine, a.archiveOrNil(), logger)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := srv.Listen(ctx); err != nil {
					serverErr <- err
				}
			}()
		}

		if cfg.Subscriber.Mode == config.ModePop {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := a.engine.Poll(ctx); err != nil {
					serverErr <- err
				}
			}()
		}

		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		case err = <-serverErr:
			logger.Error("component failed", slog.Any("error", err))
		}
		stop()
		wg.Wait()
		return err
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Declare exchanges, queues and bindings for every route, then exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.shutdown(context.Background())

		return a.engine.Setup(cmd.Context())
	},
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the route table grouped by subscriber",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		return a.engine.PrintRoutes(cmd.OutOrStdout())
	},
}

var publishHeaders []string

var publishCmd = &cobra.Command{
	Use:   "publish <exchange> <routing-key> <payload>",
	Short: "Publish one message through the async publisher and drain it",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		headers, err := parseHeaders(publishHeaders)
		if err != nil {
			return err
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.shutdown(context.Background())

		ctx := cmd.Context()
		if err := a.engine.Setup(ctx); err != nil {
			return err
		}
		if err := a.engine.Publish(ctx, args[0], args[1], []byte(args[2]), publisher.WithHeaders(headers)); err != nil {
			return err
		}

		if err := a.publisher.Shutdown(ctx); err != nil {
			return err
		}
		stats := a.publisher.Stats()
		if stats.Published == 0 {
			return errors.New("message was not published")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published to %s with routing key %s\n", args[0], args[1])
		return nil
	},
}

func parseHeaders(kvs []string) (broker.Headers, error) {
	headers := broker.Headers{}
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q, expected key=value", kv)
		}
		headers[k] = v
	}
	return headers, nil
}

func init() {
	startCmd.Flags().StringVar(&startMode, "mode", "", "Consumption mode: subscribe or pop (overrides subscriber.mode)")
	publishCmd.Flags().StringArrayVar(&publishHeaders, "header", nil, "Message header as key=value (repeatable)")

	rootCmd.AddCommand(startCmd, setupCmd, routesCmd, publishCmd)
}
