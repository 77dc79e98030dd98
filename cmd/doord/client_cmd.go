package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/doord/api"
	"pkt.systems/doord/client"
	"pkt.systems/doord/internal/svcfields"
	"pkt.systems/pslog"
)

func newClientCommands(baseLogger pslog.Logger) []*cobra.Command {
	logger := svcfields.WithSubsystem(baseLogger, "cli.client")
	newClient := func() (*client.Client, error) {
		return client.New(viper.GetString("server"), client.WithLogger(logger))
	}

	open := &cobra.Command{
		Use:   "open <key>",
		Short: "Open the door with an access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			opened, err := cli.Open(cmd.Context(), args[0])
			if err != nil {
				if client.IsUnauthorized(err) {
					return fmt.Errorf("key rejected")
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "opened at %s\n", opened.Local().Format(time.RFC3339))
			return nil
		},
	}

	var autoOpen bool
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Print door events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sess, err := cli.Watch(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()
			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				ev, err := sess.Next(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || ctx.Err() != nil {
						return nil
					}
					return err
				}
				if err := enc.Encode(ev); err != nil {
					return err
				}
				if autoOpen && ev.Action == api.ActionRing && ev.Secret != "" {
					if err := sess.Open(ctx, ev.Secret); err != nil {
						return err
					}
				}
			}
		},
	}
	watch.Flags().BoolVar(&autoOpen, "auto-open", false, "open the door for every ring")

	ring := &cobra.Command{
		Use:   "ring",
		Short: "Simulate a ring on a server running with --simulation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			sess, err := cli.Watch(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()
			if _, err := sess.Next(ctx); err != nil {
				return err
			}
			if err := sess.SimulateRing(ctx); err != nil {
				return err
			}
			for {
				ev, err := sess.Next(ctx)
				if err != nil {
					return err
				}
				switch ev.Action {
				case api.ActionRing:
					fmt.Fprintf(cmd.OutOrStdout(), "ring accepted, secret %s\n", ev.Secret)
					return nil
				case api.ActionError:
					return fmt.Errorf("ring rejected: %s", ev.Error)
				}
			}
		},
	}
	return []*cobra.Command{open, watch, ring}
}
