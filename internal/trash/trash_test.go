package trash

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marfs-core/marfs/internal/mdal"
	"github.com/marfs-core/marfs/internal/xattrcodec"
	"github.com/marfs-core/marfs/pkg/types"
)

var cfg = xattrcodec.ConfigVersion{Major: 1, Minor: 0}

func testNamespace() *types.Namespace {
	return &types.Namespace{
		ID:        "proj|data",
		TrashRoot: "/trash",
	}
}

func setupFile(t *testing.T, m *mdal.Posix, refPath string, content []byte, ftag types.FTAG) {
	t.Helper()
	ctx := context.Background()
	h, err := m.Open(ctx, refPath, os.O_RDWR|os.O_CREATE, 0640)
	require.NoError(t, err)
	_, err = h.Write(ctx, content, 0)
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))

	pre := types.PreXattr{FTAG: ftag, Repo: "repo1", ChunkSize: 1 << 20, ObjectID: "obj-1", CTime: time.Now()}
	require.NoError(t, m.SetXattr(ctx, refPath, xattrObjID, xattrcodec.EncodePre(pre)))

	post := types.PostXattr{FTAG: ftag, ChunkCount: 1, ChunkInfoBytes: int64(len(content))}
	require.NoError(t, m.SetXattr(ctx, refPath, xattrPost, xattrcodec.EncodePost(post)))
}

func TestTruncateToTrash(t *testing.T) {
	root := t.TempDir()
	m := mdal.NewPosix(root)
	ns := testNamespace()
	mgr := New(m, cfg)

	ftag := types.FTAG{
		ConfigVersMajor: 1, ConfigVersMinor: 0,
		StreamID: "s1", ObjType: types.ObjUni, Bytes: 5,
		NSPath: "/proj/data/file.dat",
	}
	setupFile(t, m, "/proj/data/file.dat", []byte("hello"), ftag)

	ctx := context.Background()
	trashRef, err := mgr.TruncateToTrash(ctx, ns, "/proj/data/file.dat")
	require.NoError(t, err)
	assert.Contains(t, trashRef, ns.TrashRoot)

	// Companion .path file carries the original NS path verbatim.
	data, err := os.ReadFile(filepath.Join(root, trashRef+".path"))
	require.NoError(t, err)
	assert.Equal(t, "/proj/data/file.dat", string(data))

	// Trash copy carries POST.Trash and FlagDel.
	postRaw, err := m.GetXattr(ctx, trashRef, xattrPost)
	require.NoError(t, err)
	post, err := xattrcodec.DecodePost(postRaw, cfg)
	require.NoError(t, err)
	assert.True(t, post.Trash)
	assert.True(t, post.FTAG.Flags.Has(types.FlagDel))

	// Original has no PRE/POST left, only RESTART.
	_, err = m.GetXattr(ctx, "/proj/data/file.dat", xattrObjID)
	assert.Error(t, err)
	_, err = m.GetXattr(ctx, "/proj/data/file.dat", xattrRestart)
	assert.NoError(t, err)
}

func TestUnlink_DirectFile(t *testing.T) {
	root := t.TempDir()
	m := mdal.NewPosix(root)
	ns := testNamespace()
	mgr := New(m, cfg)

	ctx := context.Background()
	h, err := m.Open(ctx, "/proj/data/direct.txt", os.O_RDWR|os.O_CREATE, 0640)
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))

	require.NoError(t, mgr.Unlink(ctx, ns, "/proj/data/direct.txt", false))
	_, err = m.Stat(ctx, "/proj/data/direct.txt")
	assert.Error(t, err)
}

func TestUnlink_PackedMemberSoftDelete(t *testing.T) {
	root := t.TempDir()
	m := mdal.NewPosix(root)
	ns := testNamespace()
	mgr := New(m, cfg)

	ftag := types.FTAG{
		ConfigVersMajor: 1, ConfigVersMinor: 0,
		StreamID: "s1", ObjType: types.ObjPacked, Bytes: 5,
		NSPath: "/proj/data/packed.dat",
	}
	setupFile(t, m, "/proj/data/packed.dat", []byte("hello"), ftag)

	ctx := context.Background()
	require.NoError(t, mgr.Unlink(ctx, ns, "/proj/data/packed.dat", true))

	// File still exists; it was marked, not removed.
	_, err := m.Stat(ctx, "/proj/data/packed.dat")
	require.NoError(t, err)

	postRaw, err := m.GetXattr(ctx, "/proj/data/packed.dat", xattrPost)
	require.NoError(t, err)
	post, err := xattrcodec.DecodePost(postRaw, cfg)
	require.NoError(t, err)
	assert.True(t, post.FTAG.Flags.Has(types.FlagDel))

	_, err = m.GetXattr(ctx, "/proj/data/packed.dat", DTimeXattr)
	assert.NoError(t, err)
}

func TestTruncateToTrash_SymlinkKeepsTarget(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	m := mdal.NewPosix(root)
	ns := testNamespace()
	mgr := New(m, cfg)
	require.NoError(t, mgr.Bootstrap(ctx, ns))

	require.NoError(t, m.Mkdir(ctx, "/proj/data", 0750))
	require.NoError(t, m.Symlink(ctx, "/proj/data/realfile", "/proj/data/alias"))

	trashRef, err := mgr.TruncateToTrash(ctx, ns, "/proj/data/alias")
	require.NoError(t, err)

	target, err := m.Readlink(ctx, trashRef)
	require.NoError(t, err)
	assert.Equal(t, "/proj/data/realfile", target)

	// Companion records where the link lived.
	h, err := m.Open(ctx, trashRef+".path", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer h.Close(ctx)
	buf := make([]byte, 256)
	n, err := h.Read(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "/proj/data/alias", string(buf[:n]))
}

func TestBootstrap(t *testing.T) {
	root := t.TempDir()
	m := mdal.NewPosix(root)
	ns := testNamespace()
	mgr := New(m, cfg)

	require.NoError(t, mgr.Bootstrap(context.Background(), ns))
	info, err := os.Stat(filepath.Join(root, "trash", "proj_data.0", "5", "5", "5"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestTrashPath_Deterministic(t *testing.T) {
	ns := testNamespace()
	ts := time.Unix(1700000000, 0)
	p1 := TrashPath(ns, "/proj/data/file.dat", "file.dat", ts)
	p2 := TrashPath(ns, "/proj/data/file.dat", "file.dat", ts)
	assert.Equal(t, p1, p2)
}
