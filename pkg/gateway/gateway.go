// Package gateway exposes a bridge over HTTP: raw publish, a WebSocket tail
// of any topic, the subscription table, health and metrics.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/redisbridge/pkg/bridge"
	"github.com/DeBrosOfficial/redisbridge/pkg/config"
	"github.com/DeBrosOfficial/redisbridge/pkg/logging"
	"github.com/DeBrosOfficial/redisbridge/pkg/pubsub"
	"github.com/DeBrosOfficial/redisbridge/pkg/transport"
)

// Bridge is the part of *bridge.Bridge the gateway serves.
type Bridge interface {
	Channel(topic string) string
	PublishRaw(ctx context.Context, ch string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler bridge.Handler, opts ...bridge.SubscribeOption) (*bridge.Subscription, error)
	Unsubscribe(ctx context.Context, sub *bridge.Subscription) error
	Channels() []pubsub.Entry
	State() transport.State
}

// Gateway serves a bridge over HTTP and WebSocket.
type Gateway struct {
	bridge  Bridge
	metrics http.Handler
	cfg     config.GatewayConfig
	logger  *logging.ColoredLogger
	router  chi.Router
	server  *http.Server
}

// New builds the router. metrics may be nil to leave /metrics unmounted.
func New(b Bridge, metrics http.Handler, cfg config.GatewayConfig, logger *zap.Logger) *Gateway {
	g := &Gateway{
		bridge:  b,
		metrics: metrics,
		cfg:     cfg,
		logger:  logging.Wrap(logger),
		router:  chi.NewRouter(),
	}

	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.Recoverer)
	g.router.Use(g.loggingMiddleware)
	g.router.Use(corsMiddleware)

	g.router.Get("/healthz", g.healthHandler)
	if metrics != nil {
		g.router.Handle("/metrics", metrics)
	}
	g.router.Route("/v1", func(r chi.Router) {
		r.Post("/publish", g.publishHandler)
		r.Get("/subscribe", g.subscribeHandler)
		r.Get("/channels", g.channelsHandler)
	})
	return g
}

// Routes returns the configured handler.
func (g *Gateway) Routes() http.Handler { return g.router }

// Start listens on the configured address and serves until ctx is done,
// then shuts down.
func (g *Gateway) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.cfg.ListenAddr, err)
	}
	return g.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done.
func (g *Gateway) Serve(ctx context.Context, listener net.Listener) error {
	g.server = &http.Server{
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g.logger.ComponentInfo(logging.ComponentGateway, "Gateway server starting",
		zap.String("listen_addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := g.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			g.logger.ComponentError(logging.ComponentGateway, "Gateway server error", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
		return g.Stop()
	}
}

// Stop gracefully stops the server. Open WebSocket tails end with the
// request context.
func (g *Gateway) Stop() error {
	if g.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g.logger.ComponentInfo(logging.ComponentGateway, "Gateway shutting down")
	if err := g.server.Shutdown(ctx); err != nil {
		g.logger.ComponentError(logging.ComponentGateway, "Gateway shutdown error", zap.Error(err))
		return err
	}
	g.logger.ComponentInfo(logging.ComponentGateway, "Gateway shutdown complete")
	return nil
}
