package main

import (
	"log/slog"

	"github.com/raskyld/sockyard"
	"github.com/spf13/cobra"
)

func newUDPCommand() *cobra.Command {
	udpCmd := &cobra.Command{
		Use:   "udp [ADDRESS:]PORT",
		Short: "Bind a UDP socket and print the datagrams it receives",
		Args:  cobra.ExactArgs(1),
		RunE:  udpAction,
	}

	udpCmd.Flags().StringSlice("group", nil, "Multicast groups to join")
	udpCmd.Flags().Int("ttl", -1, "Multicast TTL of the datagrams sent (-1 keeps the system default)")
	udpCmd.Flags().Bool("no-loopback", false, "Do not receive our own multicast datagrams")
	udpCmd.Flags().String("send", "", "Datagram to send once bound")
	udpCmd.Flags().String("to", "", "Destination of --send as HOST:PORT, defaults to the first group")
	return udpCmd
}

func udpAction(cmd *cobra.Command, args []string) error {
	host, port, err := parseEndpoint(args[0])
	if err != nil {
		return err
	}
	groups, _ := cmd.Flags().GetStringSlice("group")
	ttl, _ := cmd.Flags().GetInt("ttl")
	noLoopback, _ := cmd.Flags().GetBool("no-loopback")
	payload, _ := cmd.Flags().GetString("send")
	to, _ := cmd.Flags().GetString("to")

	m, shutdown, err := newManager(cmd)
	if err != nil {
		return err
	}
	defer shutdown()
	out := newPrinter(cmd)

	ctx := cmd.Context()
	h, err := m.Create(sockyard.KindUDP, sockyard.Properties{Name: "udp"})
	if err != nil {
		return err
	}
	if err := m.Bind(ctx, h, host, port); err != nil {
		return err
	}
	for _, group := range groups {
		if err := m.JoinGroup(h, group); err != nil {
			return err
		}
	}
	if ttl >= 0 {
		if err := m.SetMulticastTimeToLive(h, ttl); err != nil {
			return err
		}
	}
	if noLoopback {
		if err := m.SetMulticastLoopbackMode(h, false); err != nil {
			return err
		}
	}

	info, err := m.GetInfo(h)
	if err != nil {
		return err
	}
	joined, _ := m.GetJoinedGroups(h)
	slog.Info("bound", "address", info.LocalAddress, "port", info.LocalPort, "groups", joined)

	sub, err := m.Subscribe(h)
	if err != nil {
		return err
	}
	defer sub.Close()

	if payload != "" {
		dstHost, dstPort := "", info.LocalPort
		switch {
		case to != "":
			if dstHost, dstPort, err = parseEndpoint(to); err != nil {
				return err
			}
		case len(joined) > 0:
			dstHost = joined[0]
		default:
			dstHost = "127.0.0.1"
		}
		if _, err := m.SendTo(ctx, h, []byte(payload), dstHost, dstPort); err != nil {
			return err
		}
	}

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return ignoreEnd(err)
		}
		if err := out.print(ev); err != nil {
			return err
		}
	}
}
