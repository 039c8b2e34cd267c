// Package trash implements the truncate-to-trash primitive, the unlink
// path, and the namespace trash scatter-tree bootstrap: permissions are
// chosen up front and content is moved into place before the original is
// ever touched, so a crash mid-trash never loses the only copy.
package trash

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	marfserrors "github.com/marfs-core/marfs/pkg/errors"
	"github.com/marfs-core/marfs/internal/xattrcodec"
	"github.com/marfs-core/marfs/pkg/types"
)

// xattr names under the reserved marfs_ prefix; the MDAL layer
// adds the prefix itself.
const (
	xattrObjID   = "objid"
	xattrPost    = "post"
	xattrRestart = "restart"
)

// DTimeXattr records the soft-delete time for a packed-object member that
// is marked dead in place rather than physically unlinked. It is not one
// of the three reserved xattrs; it is this implementation's own
// bookkeeping convention,
// parallel to the MDAL scanner's marker-file convention for rebuild/repack
// candidates.
const DTimeXattr = "dtime"

// Manager owns the truncate-to-trash primitive and unlink path for one
// MDAL root.
type Manager struct {
	mdal    types.MDAL
	cfgVers xattrcodec.ConfigVersion
}

// New constructs a trash Manager bound to mdal and the config version used
// to decode/encode xattrs.
func New(mdal types.MDAL, cfgVers xattrcodec.ConfigVersion) *Manager {
	return &Manager{mdal: mdal, cfgVers: cfgVers}
}

// Bootstrap creates the namespace's trash scatter-tree
// (<trash_root>/<ns>.<shard>/{0..9}/{0..9}/{0..9}/) with permissions
// chosen so ordinary users can file deletions there. The trash
// root is not created explicitly, but MDAL Mkdir creates missing
// parents, so a missing trash root is created along with the tree.
func (m *Manager) Bootstrap(ctx context.Context, ns *types.Namespace) error {
	base := shardBase(ns)
	for hi := 0; hi < 10; hi++ {
		for med := 0; med < 10; med++ {
			for lo := 0; lo < 10; lo++ {
				dir := path.Join(base, strconv.Itoa(hi), strconv.Itoa(med), strconv.Itoa(lo))
				if err := m.mdal.Mkdir(ctx, dir, 0777); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// shardBase is <ns.trash_root>/<ns.name>.<shard>. Every namespace here
// uses a single shard ("0"); sharding policy is the operator's and this
// implementation does not split trash entries across multiple shards per
// namespace.
func shardBase(ns *types.Namespace) string {
	return path.Join(ns.TrashRoot, sanitizeNSName(ns.ID)+".0")
}

func sanitizeNSName(id string) string {
	return strings.ReplaceAll(id, "|", "_")
}

// pseudoInode stands in for a POSIX inode number, which the MDAL
// abstraction never exposes. Grounded on the same
// substitution the datastream engine already makes for stream identity
// (nsPath+ctime+sequence in place of inode; see datastream's nextSequence
// doc comment) — a stable hash of the reference path serves the same
// "spread collisions across 1000 buckets" purpose.
func pseudoInode(refPath string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(refPath))
	v := h.Sum64() &^ (1 << 63)
	return int64(v)
}

// TrashPath builds the on-disk trash reference path for refPath, keyed on
// a pseudo-inode derived from it.
func TrashPath(ns *types.Namespace, refPath, basename string, ts time.Time) string {
	inode := pseudoInode(refPath)
	lo := inode % 10
	med := (inode / 10) % 10
	hi := (inode / 100) % 10
	return path.Join(shardBase(ns), strconv.FormatInt(hi, 10), strconv.FormatInt(med, 10), strconv.FormatInt(lo, 10),
		fmt.Sprintf("%s.trash_%d_%d", basename, inode, ts.Unix()))
}

// TruncateToTrash is the truncate-to-trash primitive: it
// copies refPath's content (up to phy_size = min(post.chunk_info_bytes,
// size), then logically truncates to post.Bytes) into a fresh trash entry,
// writes the companion `.path` file, sets the trash entry's POST.Trash
// flag, restores its atime to the original's atime, and leaves the
// original with RESTART set and no PRE/POST so concurrent readers see a
// clean failure rather than torn data. The caller is responsible for
// unlinking refPath afterward.
func (m *Manager) TruncateToTrash(ctx context.Context, ns *types.Namespace, refPath string) (trashRef string, err error) {
	if target, lerr := m.mdal.Readlink(ctx, refPath); lerr == nil {
		return m.symlinkToTrash(ctx, ns, refPath, target)
	}

	preRaw, err := m.mdal.GetXattr(ctx, refPath, xattrObjID)
	if err != nil {
		return "", err
	}
	pre, err := xattrcodec.DecodePre(preRaw, m.cfgVers)
	if err != nil {
		return "", err
	}
	postRaw, err := m.mdal.GetXattr(ctx, refPath, xattrPost)
	if err != nil {
		return "", err
	}
	post, err := xattrcodec.DecodePost(postRaw, m.cfgVers)
	if err != nil {
		return "", err
	}

	stat, err := m.mdal.Stat(ctx, refPath)
	if err != nil {
		return "", err
	}

	basename := path.Base(pre.FTAG.NSPath)
	now := time.Now()
	trashRef = TrashPath(ns, refPath, basename, now)

	if err := m.copyContent(ctx, refPath, trashRef, post, stat); err != nil {
		return "", err
	}
	if err := m.writeCompanion(ctx, trashRef, pre.FTAG.NSPath); err != nil {
		return "", err
	}

	post.Trash = true
	post.FTAG.Flags |= types.FlagDel
	if err := m.mdal.SetXattr(ctx, trashRef, xattrObjID, xattrcodec.EncodePre(pre)); err != nil {
		return "", err
	}
	if err := m.mdal.SetXattr(ctx, trashRef, xattrPost, xattrcodec.EncodePost(post)); err != nil {
		return "", err
	}
	if err := m.mdal.Utime(ctx, trashRef, stat.ATime, now); err != nil {
		return "", err
	}

	if err := m.resetOriginal(ctx, refPath); err != nil {
		return "", err
	}
	return trashRef, nil
}

// symlinkToTrash relocates a symlink by recreating it (same target) in
// the trash tree. A symlink owns no object, so no xattr surgery is
// needed; the companion still records where it lived.
func (m *Manager) symlinkToTrash(ctx context.Context, ns *types.Namespace, refPath, target string) (string, error) {
	trashRef := TrashPath(ns, refPath, path.Base(refPath), time.Now())
	if err := m.mdal.Symlink(ctx, target, trashRef); err != nil {
		return "", err
	}
	if err := m.writeCompanion(ctx, trashRef, refPath); err != nil {
		return "", err
	}
	return trashRef, nil
}

// copyContent copies refPath's physical bytes into trashRef and truncates
// the copy to the file's logical size.
func (m *Manager) copyContent(ctx context.Context, refPath, trashRef string, post types.PostXattr, stat types.RefStat) error {
	phySize := post.ChunkInfoBytes
	if phySize <= 0 || phySize > stat.Size {
		phySize = stat.Size
	}

	src, err := m.mdal.Open(ctx, refPath, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer src.Close(ctx)

	dst, err := m.mdal.Open(ctx, trashRef, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return err
	}
	defer dst.Close(ctx)

	if phySize > 0 {
		buf := make([]byte, phySize)
		n, err := src.Read(ctx, buf, 0)
		if err != nil {
			return err
		}
		if _, err := dst.Write(ctx, buf[:n], 0); err != nil {
			return err
		}
	}
	return dst.Truncate(ctx, post.Bytes)
}

// writeCompanion writes the `<trash>.path` file: the original MDFS path as
// an exact byte string.
func (m *Manager) writeCompanion(ctx context.Context, trashRef, originalPath string) error {
	h, err := m.mdal.Open(ctx, trashRef+".path", os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return err
	}
	defer h.Close(ctx)
	_, err = h.Write(ctx, []byte(originalPath), 0)
	return err
}

// resetOriginal clears the original's PRE/POST and installs a bare RESTART
// marker, leaving it readable-as-incomplete but disconnected from any
// object.
func (m *Manager) resetOriginal(ctx context.Context, refPath string) error {
	if err := m.mdal.RemoveXattr(ctx, refPath, xattrObjID); err != nil && !marfserrors.IsRefNotFound(err) {
		return err
	}
	if err := m.mdal.RemoveXattr(ctx, refPath, xattrPost); err != nil && !marfserrors.IsRefNotFound(err) {
		return err
	}
	return m.mdal.SetXattr(ctx, refPath, xattrRestart, xattrcodec.EncodeRestart(types.RestartXattr{}))
}

// Unlink implements the unlink path: if the file carries no
// PRE xattr it is "direct" and just unlinked. A packed
// object member is marked dead in place instead of removed outright, since
// its object may still back live siblings; any other file is trashed, then
// its MD file is unlinked.
func (m *Manager) Unlink(ctx context.Context, ns *types.Namespace, refPath string, packed bool) error {
	_, err := m.mdal.GetXattr(ctx, refPath, xattrObjID)
	if marfserrors.IsRefNotFound(err) {
		return m.mdal.Unlink(ctx, refPath)
	}
	if err != nil {
		return err
	}

	if packed {
		return m.markPackedMemberDeleted(ctx, refPath)
	}

	if _, err := m.TruncateToTrash(ctx, ns, refPath); err != nil {
		return err
	}
	return m.mdal.Unlink(ctx, refPath)
}

// markPackedMemberDeleted sets POST's DEL flag and records the deletion
// time under DTimeXattr without removing refPath, so the streamwalker can
// later observe "all constituent files deleted" and reclaim the whole
// object.
func (m *Manager) markPackedMemberDeleted(ctx context.Context, refPath string) error {
	postRaw, err := m.mdal.GetXattr(ctx, refPath, xattrPost)
	if err != nil {
		return err
	}
	post, err := xattrcodec.DecodePost(postRaw, m.cfgVers)
	if err != nil {
		return err
	}
	post.FTAG.Flags |= types.FlagDel
	if err := m.mdal.SetXattr(ctx, refPath, xattrPost, xattrcodec.EncodePost(post)); err != nil {
		return err
	}
	return m.mdal.SetXattr(ctx, refPath, DTimeXattr, strconv.FormatInt(time.Now().UnixNano(), 10))
}
