// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxsub/broker"
	"github.com/absmach/fluxsub/config"
	"github.com/absmach/fluxsub/middleware"
	"github.com/absmach/fluxsub/publisher"
	"github.com/absmach/fluxsub/route"
	"github.com/absmach/fluxsub/telemetry"
	"go.opentelemetry.io/otel/trace"
)

const maxLoggedBody = 512

// buildRoutes turns config-declared routes and resources into a route set
// bound to the built-in handlers.
func buildRoutes(cfg *config.Config, logger *slog.Logger, pub *publisher.Publisher, metrics *telemetry.Metrics, tracer trace.Tracer) (*route.RouteSet, error) {
	r := route.NewRouter(route.Defaults{
		AppName:  cfg.Subscriber.AppName,
		Exchange: cfg.Subscriber.DefaultExchange,
		PoolSize: cfg.Subscriber.DefaultPoolSize,
		Prefetch: cfg.Subscriber.DefaultPrefetch,
		Durable:  cfg.Subscriber.Durable,
	})
	r.Use(
		middleware.Tracing(tracer),
		middleware.Metrics(metrics),
		middleware.Logging(logger),
		middleware.Recover(),
	)

	for _, rc := range cfg.Routes {
		h, err := builtinHandler(rc.Handler, rc.ForwardExchange, rc.ForwardRoutingKey, logger, pub)
		if err != nil {
			return nil, fmt.Errorf("route %s#%s: %w", rc.Subscriber, rc.Action, err)
		}
		r.Add(route.Descriptor{
			Subscriber: rc.Subscriber,
			Action:     rc.Action,
			Exchange:   rc.Exchange,
			Queue:      rc.Queue,
			RoutingKey: rc.RoutingKey,
			PoolName:   rc.PoolName,
			PoolSize:   rc.PoolSize,
			Prefetch:   rc.Prefetch,
			Handler:    h,
		})
	}

	for _, res := range cfg.Resources {
		h, err := builtinHandler(res.Handler, "", "", logger, pub)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", res.Name, err)
		}
		actions := make([]route.Action, 0, len(res.Actions))
		for _, name := range res.Actions {
			actions = append(actions, route.Action{Name: name, Handler: h})
		}
		r.DefaultRoutesFor(route.Resource{
			Name:      res.Name,
			Publisher: res.Publisher,
			Actions:   actions,
		})
	}

	return r.Build()
}

func builtinHandler(name, fwdExchange, fwdRoutingKey string, logger *slog.Logger, pub *publisher.Publisher) (route.Handler, error) {
	switch name {
	case config.HandlerLog:
		return logHandler(logger), nil
	case config.HandlerForward:
		return forwardHandler(fwdExchange, fwdRoutingKey, pub), nil
	default:
		return nil, fmt.Errorf("unknown handler %q", name)
	}
}

// logHandler logs every delivery and acknowledges it.
func logHandler(logger *slog.Logger) route.Handler {
	return func(ctx context.Context, d *broker.Delivery) error {
		body := d.Body
		if len(body) > maxLoggedBody {
			body = body[:maxLoggedBody]
		}
		logger.InfoContext(ctx, "message received",
			slog.String("queue", d.Queue),
			slog.String("routing_key", d.OriginalRoutingKey()),
			slog.String("message_id", d.MessageID),
			slog.Int("retry_count", d.RetryCount()),
			slog.Int("size", len(d.Body)),
			slog.String("body", string(body)))
		return nil
	}
}

// forwardHandler republishes every delivery through the async publisher.
// An empty exchange keeps the delivery's exchange.
func forwardHandler(exchange, routingKey string, pub *publisher.Publisher) route.Handler {
	return func(ctx context.Context, d *broker.Delivery) error {
		if pub == nil {
			return fmt.Errorf("forward: no publisher")
		}
		ex := exchange
		if ex == "" {
			ex = d.Exchange
		}
		headers := d.Headers.Clone()
		delete(headers, broker.HeaderRetryCount)
		return pub.Publish(ctx, ex, routingKey, d.Body, publisher.WithHeaders(headers))
	}
}
