package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/raskyld/sockyard"
	"github.com/spf13/cobra"
)

func newConnectCommand() *cobra.Command {
	connectCmd := &cobra.Command{
		Use:   "connect HOST:PORT [MESSAGE...]",
		Short: "Send a message over TCP and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE:  connectAction,
	}

	connectCmd.Flags().Bool("secure", false, "Upgrade the connection to TLS before sending")
	connectCmd.Flags().String("ca", "", "PEM file of the authorities trusted for --secure")
	connectCmd.Flags().String("server-name", "", "Name verified against the server certificate")
	connectCmd.Flags().Bool("insecure", false, "Do not verify the server certificate")
	connectCmd.Flags().String("tls-min", "", "Minimum TLS version [tls1, tls1.1, tls1.2, tls1.3]")
	connectCmd.Flags().String("tls-max", "", "Maximum TLS version [tls1, tls1.1, tls1.2, tls1.3]")
	connectCmd.Flags().Duration("wait", 5*time.Second, "How long to wait for the reply")
	return connectCmd
}

func connectAction(cmd *cobra.Command, args []string) error {
	host, port, err := parseEndpoint(args[0])
	if err != nil {
		return err
	}
	secure, _ := cmd.Flags().GetBool("secure")
	wait, _ := cmd.Flags().GetDuration("wait")

	var opts []sockyard.Option
	if secure {
		cfg, err := clientTLSConfig(cmd)
		if err != nil {
			return err
		}
		opts = append(opts, sockyard.WithTLSConfig(cfg))
	}
	m, shutdown, err := newManager(cmd, opts...)
	if err != nil {
		return err
	}
	defer shutdown()
	out := newPrinter(cmd)

	ctx := cmd.Context()
	h, err := m.Create(sockyard.KindTCP, sockyard.Properties{Name: "connect"})
	if err != nil {
		return err
	}
	if err := m.Connect(ctx, h, host, port); err != nil {
		return err
	}
	sub, err := m.Subscribe(h)
	if err != nil {
		return err
	}
	defer sub.Close()

	if secure {
		minVersion, _ := cmd.Flags().GetString("tls-min")
		maxVersion, _ := cmd.Flags().GetString("tls-max")
		err := m.Secure(ctx, h, sockyard.SecureOptions{MinVersion: minVersion, MaxVersion: maxVersion})
		if err != nil {
			return err
		}
	}

	if len(args) > 1 {
		msg := strings.Join(args[1:], " ") + "\n"
		if _, err := m.Send(ctx, h, []byte(msg)); err != nil {
			return err
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for {
		ev, err := sub.Next(waitCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if err != nil {
			return ignoreEnd(err)
		}
		if err := out.print(ev); err != nil {
			return err
		}
		if ev.Terminal() {
			return nil
		}
	}
}

func clientTLSConfig(cmd *cobra.Command) (*tls.Config, error) {
	caFile, _ := cmd.Flags().GetString("ca")
	serverName, _ := cmd.Flags().GetString("server-name")
	insecure, _ := cmd.Flags().GetBool("insecure")

	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificate found in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
