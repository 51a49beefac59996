package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/edgerpc/internal/config"
	"github.com/danmuck/edgerpc/internal/daemon"
	"github.com/danmuck/edgerpc/internal/logging"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "edgerpcd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.StringP("config", "c", "", "config file (defaults apply when empty)")
	listen := flag.String("listen", "", "override listen.address")
	admin := flag.String("admin", "", "override admin.address")
	storageRoot := flag.String("storage-root", "", "override storage.root")
	logLevel := flag.String("log-level", "", "override log.level")
	stdio := flag.Bool("stdio", false, "serve one session on stdin/stdout instead of listening")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flag.CommandLine.Changed("listen") {
		cfg.Listen.Address = *listen
	}
	if flag.CommandLine.Changed("admin") {
		cfg.Admin.Address = *admin
	}
	if flag.CommandLine.Changed("storage-root") {
		cfg.Storage.Root = *storageRoot
	}
	if flag.CommandLine.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}

	// Logs go to stderr, so stdout stays free for frames in stdio mode.
	if err := logging.ConfigureFromFile(cfg.Log.Level, cfg.Log.JSON); err != nil {
		return err
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *stdio {
		return d.RunStdio(ctx, os.Stdin, os.Stdout)
	}
	if err := d.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("edgerpcd exited cleanly")
	return nil
}
