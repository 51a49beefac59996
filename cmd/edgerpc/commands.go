package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/danmuck/edgerpc/internal/client"
	"github.com/danmuck/edgerpc/internal/subsys/storage"
	"github.com/spf13/cobra"
)

var recursiveDelete bool

func init() {
	rmCmd.Flags().BoolVarP(&recursiveDelete, "recursive", "r", false, "Remove directories and their contents")
	rootCmd.AddCommand(pingCmd, infoCmd, versionCmd, lsCmd, catCmd, putCmd, statCmd, rmCmd, mkdirCmd, sumCmd, propsCmd, stopCmd)
}

var pingCmd = &cobra.Command{
	Use:   "ping [data]",
	Short: "Round-trip a payload through the system subsystem",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := "ping"
		if len(args) == 1 {
			payload = args[0]
		}
		return session(func(ctx context.Context, c *client.Client) error {
			got, err := c.Ping(ctx, []byte(payload))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(got))
			return nil
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print device info",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return session(func(ctx context.Context, c *client.Client) error {
			info, err := c.DeviceInfo(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, kv := range info {
				fmt.Fprintf(w, "%s\t%s\n", kv.Key, kv.Value)
			}
			return w.Flush()
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the protocol version spoken by the peer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return session(func(ctx context.Context, c *client.Client) error {
			v, err := c.ProtocolVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d.%d\n", v.Major, v.Minor)
			return nil
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a storage directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/"
		if len(args) == 1 {
			path = args[0]
		}
		return session(func(ctx context.Context, c *client.Client) error {
			entries, err := c.List(ctx, path)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				printEntry(w, e)
			}
			return w.Flush()
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print a stored file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return session(func(ctx context.Context, c *client.Client) error {
			data, err := c.Read(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <local|-> <path>",
	Short: "Upload a local file, or stdin with -, to storage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var src io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			src = f
		}
		return session(func(ctx context.Context, c *client.Client) error {
			return c.Write(ctx, args[1], src)
		})
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <path>",
	Short: "Describe a stored file or directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return session(func(ctx context.Context, c *client.Client) error {
			e, err := c.Stat(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			printEntry(w, e)
			return w.Flush()
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Delete a stored file or directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return session(func(ctx context.Context, c *client.Client) error {
			return c.Delete(ctx, args[0], recursiveDelete)
		})
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>",
	Short: "Create a storage directory and its parents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return session(func(ctx context.Context, c *client.Client) error {
			return c.Mkdir(ctx, args[0])
		})
	},
}

var sumCmd = &cobra.Command{
	Use:   "sum <path>",
	Short: "Print the BLAKE3 digest of a stored file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return session(func(ctx context.Context, c *client.Client) error {
			sum, err := c.Checksum(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", sum, args[0])
			return nil
		})
	},
}

var propsCmd = &cobra.Command{
	Use:   "props [key]",
	Short: "Print properties at or beneath a dotted key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := ""
		if len(args) == 1 {
			key = args[0]
		}
		return session(func(ctx context.Context, c *client.Client) error {
			props, err := c.Properties(ctx, key)
			if err != nil {
				return err
			}
			for _, p := range props {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", p.Key, p.Value)
			}
			return nil
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Open a session and ask the peer to stop it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return session(func(context.Context, *client.Client) error { return nil })
	},
}

func printEntry(w io.Writer, e storage.Entry) {
	fmt.Fprintf(w, "%s\t%d\t%s\n", e.Type, e.Size, e.Name)
}
