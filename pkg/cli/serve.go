package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DeBrosOfficial/redisbridge/pkg/bridge"
	"github.com/DeBrosOfficial/redisbridge/pkg/gateway"
	"github.com/DeBrosOfficial/redisbridge/pkg/logging"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a bridge and its HTTP gateway until interrupted",
		Args:  cobra.NoArgs,
		RunE:  a.serve,
	}
	cmd.Flags().String("listen", "", "gateway listen address, e.g. :8080")
	cmd.Flags().Bool("gateway", true, "serve the HTTP gateway")
	_ = a.v.BindPFlag("gateway.listen_addr", cmd.Flags().Lookup("listen"))
	_ = a.v.BindPFlag("gateway.enabled", cmd.Flags().Lookup("gateway"))
	return cmd
}

func (a *app) serve(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	b, err := bridge.New(cfg, bridge.WithLogger(logger.Logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		_ = b.Stop(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Gateway.Enabled {
		gw := gateway.New(b, b.Metrics().Handler(), cfg.Gateway, logger.Logger)
		g.Go(func() error { return gw.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.ComponentInfo(logging.ComponentGeneral, "Bridge running",
		zap.String("id", b.ID()),
		zap.Bool("gateway", cfg.Gateway.Enabled),
		zap.String("listen_addr", cfg.Gateway.ListenAddr))

	runErr := g.Wait()
	logger.ComponentInfo(logging.ComponentGeneral, "Shutting down...")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := b.Stop(stopCtx); err != nil {
		logger.ComponentError(logging.ComponentGeneral, "Bridge shutdown error", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
