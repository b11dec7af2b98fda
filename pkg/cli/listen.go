package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DeBrosOfficial/redisbridge/pkg/bridge"
)

func (a *app) listenCmd() *cobra.Command {
	var count int64
	cmd := &cobra.Command{
		Use:   "listen <topic> [topic...]",
		Short: "Print messages arriving on topics or glob patterns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.listen(cmd, args, count)
		},
	}
	cmd.Flags().Int64VarP(&count, "count", "n", 0, "exit after this many messages (0 = run until interrupted)")
	return cmd
}

func (a *app) listen(cmd *cobra.Command, topics []string, count int64) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	b, err := bridge.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = b.Stop(stopCtx)
	}()
	if err := b.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var seen atomic.Int64
	printMsg := func(_ context.Context, msg *bridge.Delivery) error {
		fmt.Fprintf(out, "%s %s %s\n", msg.ReceivedAt.Format(time.RFC3339Nano), msg.Channel, msg.Payload)
		if count > 0 && seen.Add(1) >= count {
			cancel()
		}
		return nil
	}

	readyCtx, readyCancel := context.WithTimeout(ctx, a.timeout)
	defer readyCancel()
	for _, topic := range topics {
		if _, err := b.Subscribe(readyCtx, topic, printMsg, bridge.Raw(), bridge.WaitAck()); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Listening on %v (Ctrl+C to stop)\n", topics)

	<-ctx.Done()
	return nil
}
