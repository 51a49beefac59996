package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgerpc/internal/config"
	"github.com/danmuck/edgerpc/internal/daemon"
	"github.com/danmuck/edgerpc/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func startDaemon(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Listen.Address = "127.0.0.1:0"
	cfg.Storage.Root = t.TempDir()
	cfg.Device.Name = "cli-bench"
	d, err := daemon.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	select {
	case <-d.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon not ready")
	}
	return d.ListenAddr().String()
}

func execute(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestCommandsAgainstDaemon(t *testing.T) {
	testlog.Start(t)
	addr := startDaemon(t)

	require.Equal(t, "hello\n", execute(t, "", "--addr", addr, "ping", "hello"))
	require.Equal(t, "1.0\n", execute(t, "", "--addr", addr, "version"))

	execute(t, "", "--addr", addr, "mkdir", "docs")
	execute(t, "stored via stdin", "--addr", addr, "put", "-", "docs/readme.txt")
	require.Equal(t, "stored via stdin", execute(t, "", "--addr", addr, "cat", "docs/readme.txt"))
	require.Contains(t, execute(t, "", "--addr", addr, "ls", "docs"), "readme.txt")
	require.Contains(t, execute(t, "", "--addr", addr, "sum", "docs/readme.txt"), "docs/readme.txt")
	require.Contains(t, execute(t, "", "--addr", addr, "props", "devinfo"), "devinfo.device.name=cli-bench")

	execute(t, "", "--addr", addr, "rm", "-r", "docs")
	rootCmd.SetArgs([]string{"--addr", addr, "stat", "docs"})
	require.Error(t, rootCmd.Execute())
}
