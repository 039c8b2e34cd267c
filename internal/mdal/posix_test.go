package mdal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marfs-core/marfs/pkg/types"
)

func TestPosix_OpenWriteReadTruncate(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	p := NewPosix(root)

	h, err := p.Open(ctx, "/ns/a/b/stream1", os.O_CREATE|os.O_RDWR, 0640)
	require.NoError(t, err)

	n, err := h.Write(ctx, []byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	sz, err := h.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, sz)

	buf := make([]byte, 5)
	n, err = h.Read(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	require.NoError(t, h.Truncate(ctx, 2))
	sz, err = h.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, sz)

	require.NoError(t, h.Close(ctx))
}

func TestPosix_Xattrs(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	p := NewPosix(root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0640))

	require.NoError(t, p.SetXattr(ctx, "/f", "objid", "pre-string-value"))

	val, err := p.GetXattr(ctx, "/f", "objid")
	require.NoError(t, err)
	assert.Equal(t, "pre-string-value", val)

	names, err := p.ListXattr(ctx, "/f")
	require.NoError(t, err)
	assert.Contains(t, names, "objid")

	require.NoError(t, p.RemoveXattr(ctx, "/f", "objid"))
	_, err = p.GetXattr(ctx, "/f", "objid")
	assert.Error(t, err)
}

func TestPosix_UnlinkRename(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	p := NewPosix(root)

	_, err := p.Open(ctx, "/a", os.O_CREATE|os.O_RDWR, 0640)
	require.NoError(t, err)

	require.NoError(t, p.Rename(ctx, "/a", "/sub/b"))
	_, err = os.Stat(filepath.Join(root, "sub", "b"))
	require.NoError(t, err)

	require.NoError(t, p.Unlink(ctx, "/sub/b"))
	_, err = os.Stat(filepath.Join(root, "sub", "b"))
	assert.True(t, os.IsNotExist(err))
}

func TestPosix_SymlinkReadlink(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	p := NewPosix(root)

	require.NoError(t, p.Symlink(ctx, "/targetpath", "/link"))
	target, err := p.Readlink(ctx, "/link")
	require.NoError(t, err)
	assert.Equal(t, "/targetpath", target)
}

func TestPosix_UsageRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	p := NewPosix(root)

	files, bytes_, err := p.GetUsage(ctx, "repo1|proj")
	require.NoError(t, err)
	assert.Zero(t, files)
	assert.Zero(t, bytes_)

	require.NoError(t, p.SetUsage(ctx, "repo1|proj", 42, 1024))
	files, bytes_, err = p.GetUsage(ctx, "repo1|proj")
	require.NoError(t, err)
	assert.EqualValues(t, 42, files)
	assert.EqualValues(t, 1024, bytes_)
}

func TestDirScanner_ClassifiesEntries(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(root, "stream1"), []byte("x"), 0640))
	rebuildName := MarkerName(types.ScanRebuildMarker, "stream2", time.Now().Add(-time.Hour))
	require.NoError(t, os.WriteFile(filepath.Join(root, rebuildName), nil, 0640))
	repackName := MarkerName(types.ScanRepackMarker, "stream3", time.Now())
	require.NoError(t, os.WriteFile(filepath.Join(root, repackName), nil, 0640))

	p := NewPosix(root)
	scanner, err := p.Scandir(ctx, "/")
	require.NoError(t, err)
	defer scanner.Close()

	kinds := map[types.ScanEntryKind]int{}
	for {
		entry, ok, err := scanner.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		kinds[entry.Kind]++
		if entry.Kind == types.ScanRebuildMarker {
			assert.Equal(t, "stream2", entry.Name)
			assert.True(t, entry.Age >= time.Hour)
		}
	}

	assert.Equal(t, 1, kinds[types.ScanStreamStart])
	assert.Equal(t, 1, kinds[types.ScanRebuildMarker])
	assert.Equal(t, 1, kinds[types.ScanRepackMarker])
}

func TestPosix_ScandirNotFound(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	p := NewPosix(root)

	_, err := p.Scandir(ctx, "/does-not-exist")
	assert.Error(t, err)
}
