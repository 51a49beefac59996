package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/edgerpc/internal/client"
	"github.com/danmuck/edgerpc/internal/transport"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "edgerpc",
	Short:         "Talk to an edgerpcd session",
	Long:          `edgerpc opens one session to an edgerpcd listener and runs a single command over it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	dialNetwork string
	dialAddress string
	dialTimeout time.Duration
	security    transport.Security
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&dialNetwork, "network", "tcp", "Network of the listener (tcp or unix)")
	flags.StringVarP(&dialAddress, "addr", "a", "127.0.0.1:7400", "Address of the listener")
	flags.DurationVar(&dialTimeout, "timeout", 10*time.Second, "Deadline for the whole command")
	flags.StringVar((*string)(&security.Mode), "security-mode", string(transport.SecurityModeDevelopment), "development or production")
	flags.BoolVar(&security.TLS.Enabled, "tls", false, "Dial with TLS")
	flags.BoolVar(&security.TLS.Mutual, "mtls", false, "Present a client certificate")
	flags.StringVar(&security.TLS.CAFile, "ca", "", "CA bundle used to verify the server")
	flags.StringVar(&security.TLS.CertFile, "cert", "", "Client certificate")
	flags.StringVar(&security.TLS.KeyFile, "key", "", "Client private key")
	flags.StringVar(&security.TLS.ServerName, "server-name", "", "Override the TLS server name")
	flags.BoolVar(&security.TLS.InsecureSkipVerify, "insecure", false, "Skip server certificate checks (development only)")
}

// session dials the listener and runs fn with a live client. The
// session is closed with a stop request when fn succeeds.
func session(fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	var tlsAddr string
	if dialNetwork != "unix" {
		tlsAddr = dialAddress
	}
	tlsCfg, err := security.ClientTLS(tlsAddr)
	if err != nil {
		return err
	}
	c, err := client.Dial(ctx, dialNetwork, dialAddress, tlsCfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", dialAddress, err)
	}
	defer c.Close()

	if err := fn(ctx, c); err != nil {
		return err
	}
	return c.StopSession(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "edgerpc: %v\n", err)
		os.Exit(1)
	}
}
