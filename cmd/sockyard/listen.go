package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/raskyld/sockyard"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newListenCommand() *cobra.Command {
	listenCmd := &cobra.Command{
		Use:   "listen [ADDRESS:]PORT",
		Short: "Run a TCP echo server",
		Args:  cobra.ExactArgs(1),
		RunE:  listenAction,
	}

	listenCmd.Flags().Int("backlog", sockyard.DefaultBacklog, "Length of the pending connections queue")
	listenCmd.Flags().Bool("no-echo", false, "Only print what peers send")
	listenCmd.Flags().Bool("accept-paused", false, "Hold the events of accepted sockets until they are served")
	return listenCmd
}

func listenAction(cmd *cobra.Command, args []string) error {
	host, port, err := parseEndpoint(args[0])
	if err != nil {
		return err
	}
	backlog, _ := cmd.Flags().GetInt("backlog")
	noEcho, _ := cmd.Flags().GetBool("no-echo")
	acceptPaused, _ := cmd.Flags().GetBool("accept-paused")

	m, shutdown, err := newManager(cmd, sockyard.WithAcceptPaused(acceptPaused))
	if err != nil {
		return err
	}
	defer shutdown()
	out := newPrinter(cmd)

	srv, err := m.Create(sockyard.KindTCPServer, sockyard.Properties{Name: "echo"})
	if err != nil {
		return err
	}
	if err := m.Listen(cmd.Context(), srv, host, port, backlog); err != nil {
		return err
	}
	info, err := m.GetInfo(srv)
	if err != nil {
		return err
	}
	slog.Info("listening", "address", info.LocalAddress, "port", info.LocalPort)

	sub, err := m.Subscribe(srv)
	if err != nil {
		return err
	}
	defer sub.Close()

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				return ignoreEnd(err)
			}
			if err := out.print(ev); err != nil {
				return err
			}
			if ev.Type != sockyard.EventAccept {
				continue
			}

			peer, err := m.Subscribe(ev.Accepted)
			if err != nil {
				slog.Warn("accepted socket is already gone", "handle", ev.Accepted, "error", err)
				continue
			}
			if acceptPaused {
				if err := m.SetPaused(ev.Accepted, false); err != nil {
					peer.Close()
					continue
				}
			}
			g.Go(func() error {
				defer peer.Close()
				return serve(ctx, m, out, peer, !noEcho)
			})
		}
	})
	return g.Wait()
}

func serve(ctx context.Context, m *sockyard.Manager, out *printer, sub *sockyard.Subscription, echo bool) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return ignoreEnd(err)
		}
		if err := out.print(ev); err != nil {
			return err
		}
		if echo && ev.Type == sockyard.EventReceive {
			if _, err := m.Send(ctx, ev.Handle, ev.Data); err != nil {
				slog.Warn("echo failed", "handle", ev.Handle, "error", err)
			}
		}
	}
}

// ignoreEnd turns the normal ends of an event loop into a nil error.
func ignoreEnd(err error) error {
	if errors.Is(err, sockyard.ErrSubscriptionClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
