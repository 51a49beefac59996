package storage_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgerpc/internal/client"
	"github.com/danmuck/edgerpc/internal/protocol"
	"github.com/danmuck/edgerpc/internal/subsys/storage"
	"github.com/danmuck/edgerpc/internal/testutil/edgetest"
	"github.com/danmuck/edgerpc/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func newStorage(t *testing.T) (*client.Client, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "ext")
	st, err := storage.New(root)
	require.NoError(t, err)
	c, _ := edgetest.Dial(t, st)
	return c, root
}

func TestStorageWriteReadListDelete(t *testing.T) {
	testlog.Start(t)
	c, root := newStorage(t)
	ctx := edgetest.Context(t)

	require.NoError(t, c.Mkdir(ctx, "/buildlog"))
	require.NoError(t, c.Write(ctx, "/buildlog/a.log", strings.NewReader("hello")))

	got, err := c.Read(ctx, "/buildlog/a.log")
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	onDisk, err := os.ReadFile(filepath.Join(root, "buildlog", "a.log"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(onDisk))

	entries, err := c.List(ctx, "/buildlog")
	require.NoError(t, err)
	require.Equal(t, []storage.Entry{{Name: "a.log", Type: storage.EntryFile, Size: 5}}, entries)

	require.NoError(t, c.Delete(ctx, "/buildlog/a.log", false))
	_, err = c.Read(ctx, "/buildlog/a.log")
	require.True(t, client.IsStatus(err, protocol.StatusErrorStorageNotExist), "got %v", err)

	// Deleting something already gone still succeeds.
	require.NoError(t, c.Delete(ctx, "/buildlog/a.log", false))
}

func TestStorageLargeFileRoundTrip(t *testing.T) {
	testlog.Start(t)
	c, _ := newStorage(t)
	ctx := edgetest.Context(t)

	// Spans several write fragments and many read fragments.
	data := bytes.Repeat([]byte("0123456789abcdef"), 3*client.WriteChunkSize/16+7)
	require.NoError(t, c.Write(ctx, "big.bin", bytes.NewReader(data)))

	got, err := c.Read(ctx, "big.bin")
	require.NoError(t, err)
	require.Equal(t, data, got)

	sum, err := c.Checksum(ctx, "big.bin")
	require.NoError(t, err)
	require.Equal(t, storage.Sum(data), sum)

	entry, err := c.Stat(ctx, "big.bin")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), entry.Size)
	require.Equal(t, storage.EntryFile, entry.Type)
}

func TestStorageReadExactChunkMultiple(t *testing.T) {
	testlog.Start(t)
	c, root := newStorage(t)
	ctx := edgetest.Context(t)

	data := bytes.Repeat([]byte{0x5a}, 2*storage.ReadChunkSize)
	require.NoError(t, os.WriteFile(filepath.Join(root, "even.bin"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty.bin"), nil, 0o644))

	content, err := protocol.NewContent(protocol.TagStorageReadRequest, storage.PathRequest{Path: "even.bin"})
	require.NoError(t, err)
	frags, err := c.Do(ctx, content)
	require.NoError(t, err)
	require.Len(t, frags, 2)
	require.True(t, frags[0].HasNext)
	require.False(t, frags[1].HasNext)

	got, err := c.Read(ctx, "empty.bin")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestStorageWriteReplacesExisting(t *testing.T) {
	testlog.Start(t)
	c, root := newStorage(t)
	ctx := edgetest.Context(t)

	require.NoError(t, c.Write(ctx, "cfg.txt", strings.NewReader("first version")))
	require.NoError(t, c.Write(ctx, "cfg.txt", strings.NewReader("v2")))
	got, err := c.Read(ctx, "cfg.txt")
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))

	// No temp files are left beside the target.
	dirents, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, dirents, 1)
}

func TestStorageListChunksAndSorts(t *testing.T) {
	testlog.Start(t)
	c, root := newStorage(t)
	ctx := edgetest.Context(t)

	names := []string{"k", "c", "a", "j", "e", "b", "i", "d", "h", "g", "f"}
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(name), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	content, err := protocol.NewContent(protocol.TagStorageListRequest, storage.PathRequest{Path: "/"})
	require.NoError(t, err)
	frags, err := c.Do(ctx, content)
	require.NoError(t, err)
	require.Len(t, frags, 2)

	entries, err := c.List(ctx, "/")
	require.NoError(t, err)
	require.Len(t, entries, len(names)+1)
	for i := 1; i < len(entries); i++ {
		require.Less(t, entries[i-1].Name, entries[i].Name)
	}
	require.Equal(t, storage.Entry{Name: "sub", Type: storage.EntryDir}, entries[len(entries)-1])

	empty, err := c.List(ctx, "/sub")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestStoragePathEscapeDenied(t *testing.T) {
	testlog.Start(t)
	c, root := newStorage(t)
	ctx := edgetest.Context(t)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(root), "secret"), []byte("x"), 0o644))

	_, err := c.Read(ctx, "../secret")
	require.True(t, client.IsStatus(err, protocol.StatusErrorStorageDenied), "got %v", err)

	err = c.Write(ctx, "/a/../../secret", strings.NewReader("y"))
	require.True(t, client.IsStatus(err, protocol.StatusErrorStorageDenied), "got %v", err)

	err = c.Delete(ctx, "/", true)
	require.True(t, client.IsStatus(err, protocol.StatusErrorStorageDenied), "got %v", err)

	secret, err := os.ReadFile(filepath.Join(filepath.Dir(root), "secret"))
	require.NoError(t, err)
	require.Equal(t, "x", string(secret))
}

func TestStorageStatusMapping(t *testing.T) {
	testlog.Start(t)
	c, root := newStorage(t)
	ctx := edgetest.Context(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "full", "inner"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "plain"), []byte("p"), 0o644))

	cases := []struct {
		name string
		run  func(ctx context.Context) error
		want protocol.Status
	}{
		{"mkdir existing", func(ctx context.Context) error { return c.Mkdir(ctx, "full") }, protocol.StatusErrorStorageExist},
		{"mkdir missing parent", func(ctx context.Context) error { return c.Mkdir(ctx, "nope/child") }, protocol.StatusErrorStorageNotExist},
		{"list a file", func(ctx context.Context) error { _, err := c.List(ctx, "plain"); return err }, protocol.StatusErrorStorageNotDir},
		{"read a dir", func(ctx context.Context) error { _, err := c.Read(ctx, "full"); return err }, protocol.StatusErrorInvalidParameter},
		{"checksum a dir", func(ctx context.Context) error { _, err := c.Checksum(ctx, "full"); return err }, protocol.StatusErrorInvalidParameter},
		{"stat missing", func(ctx context.Context) error { _, err := c.Stat(ctx, "ghost"); return err }, protocol.StatusErrorStorageNotExist},
		{"delete non-empty", func(ctx context.Context) error { return c.Delete(ctx, "full", false) }, protocol.StatusErrorStorageDirNotEmpty},
		{"write over dir", func(ctx context.Context) error { return c.Write(ctx, "full", strings.NewReader("z")) }, protocol.StatusErrorStorageExist},
		{"write missing parent", func(ctx context.Context) error { return c.Write(ctx, "nope/f", strings.NewReader("z")) }, protocol.StatusErrorStorageNotExist},
		{"write root", func(ctx context.Context) error { return c.Write(ctx, "/", strings.NewReader("z")) }, protocol.StatusErrorInvalidParameter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.run(ctx)
			require.True(t, client.IsStatus(err, tc.want), "got %v want %s", err, tc.want)
		})
	}

	require.NoError(t, c.Delete(ctx, "full", true))
	_, err := os.Stat(filepath.Join(root, "full"))
	require.True(t, os.IsNotExist(err))
}

func TestStorageFragmentPathMismatchSkipsRest(t *testing.T) {
	testlog.Start(t)
	c, root := newStorage(t)
	ctx := edgetest.Context(t)

	chunk := func(path, data string) protocol.Content {
		payload, err := storage.EncodeWriteChunk(path, []byte(data))
		require.NoError(t, err)
		return protocol.Content{Tag: protocol.TagStorageWriteRequest, Payload: payload}
	}
	frags, err := c.DoFragments(ctx, []protocol.Content{
		chunk("a.txt", "one"),
		chunk("b.txt", "two"),
		chunk("a.txt", "three"),
	})
	require.True(t, client.IsStatus(err, protocol.StatusErrorInvalidParameter), "got %v", err)
	require.Len(t, frags, 1)

	// The session keeps serving and nothing was committed.
	_, err = c.Ping(ctx, nil)
	require.True(t, client.IsStatus(err, protocol.StatusErrorNotImplemented), "got %v", err)
	_, err = os.Stat(filepath.Join(root, "a.txt"))
	require.True(t, os.IsNotExist(err))
	entries, err := c.List(ctx, "/")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestStorageSupersededWriteIsRejected(t *testing.T) {
	testlog.Start(t)
	c, root := newStorage(t)
	ctx := edgetest.Context(t)

	chunk := func(path, data string) protocol.Content {
		payload, err := storage.EncodeWriteChunk(path, []byte(data))
		require.NoError(t, err)
		return protocol.Content{Tag: protocol.TagStorageWriteRequest, Payload: payload}
	}
	w1, err := c.Begin()
	require.NoError(t, err)
	w2, err := c.Begin()
	require.NoError(t, err)

	require.NoError(t, w1.Send(chunk("a.txt", "AAAA"), true))
	require.NoError(t, w2.Send(chunk("b.txt", "BBBB"), true))
	require.NoError(t, w1.Send(chunk("a.txt", "aaaa"), false))
	require.NoError(t, w2.Send(chunk("b.txt", "bbbb"), false))

	_, err = w1.Wait(ctx)
	require.True(t, client.IsStatus(err, protocol.StatusErrorBusy), "got %v", err)
	_, err = w2.Wait(ctx)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "a.txt"))
	require.True(t, os.IsNotExist(err), "superseded write left a file: %v", err)
	data, err := os.ReadFile(filepath.Join(root, "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "BBBBbbbb", string(data))

	// The session keeps accepting writes afterwards.
	require.NoError(t, c.Write(ctx, "a.txt", strings.NewReader("fresh")))
	data, err = c.Read(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, "fresh", string(data))
}

func TestStorageWriteStreamsBeforeSourceEnds(t *testing.T) {
	testlog.Start(t)
	c, root := newStorage(t)
	ctx := edgetest.Context(t)

	src, feed := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- c.Write(ctx, "big.bin", src) }()

	head := bytes.Repeat([]byte{'h'}, 2*client.WriteChunkSize)
	_, err := feed.Write(head)
	require.NoError(t, err)

	// The first fragment reaches the device while the source is still open.
	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(root, ".edgerpc-write-*"))
		if len(matches) != 1 {
			return false
		}
		info, err := os.Stat(matches[0])
		return err == nil && info.Size() == client.WriteChunkSize
	}, edgetest.Timeout, 10*time.Millisecond)

	_, err = feed.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, feed.Close())
	require.NoError(t, <-done)

	data, err := os.ReadFile(filepath.Join(root, "big.bin"))
	require.NoError(t, err)
	require.Equal(t, append(head, "tail"...), data)
}

func TestStorageSymlinkEscapeDenied(t *testing.T) {
	testlog.Start(t)
	c, root := newStorage(t)
	ctx := edgetest.Context(t)

	outside := filepath.Join(filepath.Dir(root), "outside")
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "real"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "alias")))

	_, err := c.Read(ctx, "link/secret")
	require.True(t, client.IsStatus(err, protocol.StatusErrorStorageDenied), "got %v", err)
	_, err = c.List(ctx, "link")
	require.True(t, client.IsStatus(err, protocol.StatusErrorStorageDenied), "got %v", err)
	err = c.Write(ctx, "link/planted", strings.NewReader("y"))
	require.True(t, client.IsStatus(err, protocol.StatusErrorStorageDenied), "got %v", err)
	err = c.Delete(ctx, "link/secret", false)
	require.True(t, client.IsStatus(err, protocol.StatusErrorStorageDenied), "got %v", err)

	_, err = os.Stat(filepath.Join(outside, "planted"))
	require.True(t, os.IsNotExist(err))
	secret, err := os.ReadFile(filepath.Join(outside, "secret"))
	require.NoError(t, err)
	require.Equal(t, "x", string(secret))

	// Links that stay inside root keep working.
	require.NoError(t, c.Write(ctx, "alias/f.txt", strings.NewReader("inside")))
	data, err := os.ReadFile(filepath.Join(root, "real", "f.txt"))
	require.NoError(t, err)
	require.Equal(t, "inside", string(data))
}

func TestStorageTempNamesHidden(t *testing.T) {
	testlog.Start(t)
	c, _ := newStorage(t)
	ctx := edgetest.Context(t)

	_, err := c.Stat(ctx, ".edgerpc-write-123")
	require.True(t, client.IsStatus(err, protocol.StatusErrorStorageDenied), "got %v", err)
}

func TestNewRejectsEmptyRoot(t *testing.T) {
	testlog.Start(t)
	_, err := storage.New("  ")
	require.Error(t, err)
}
