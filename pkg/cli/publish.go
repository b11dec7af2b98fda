package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/DeBrosOfficial/redisbridge/pkg/bridge"
)

func (a *app) publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <topic> <data|->",
		Short: "Publish a raw payload to a topic",
		Long:  "Publish a raw payload to a topic. Use - to read the payload from stdin.",
		Args:  cobra.ExactArgs(2),
		RunE:  a.publish,
	}
}

func (a *app) publish(cmd *cobra.Command, args []string) error {
	topic, data := args[0], []byte(args[1])
	if args[1] == "-" {
		var err error
		if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	cfg.Gateway.Enabled = false

	// publishing needs only the connection pool, not a running bridge
	b, err := bridge.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = b.Stop(context.Background()) }()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()
	ch := b.Channel(topic)
	if err := b.PublishRaw(ctx, ch, data); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Published %d bytes to %s\n", len(data), ch)
	return nil
}
