// Package streamwalker implements the per-stream iterator that classifies
// files into GC, REBUILD, and REPACK operation chains and accumulates a
// streamwalker report. The classification is "what op kind does this
// file need"; the consumer is the resource manager's per-worker
// thread-queue.
package streamwalker

import (
	"context"
	"strconv"
	"time"

	"github.com/marfs-core/marfs/internal/xattrcodec"
	"github.com/marfs-core/marfs/pkg/types"
)

// DTimeXattr is the soft-delete timestamp set on a packed-object member by
// internal/trash when it cannot be physically unlinked yet. Duplicated here as
// a string literal constant rather than imported from internal/trash to
// avoid a dependency cycle; both packages agree on the same xattr name.
const DTimeXattr = "dtime"

// FileRecord is one file's classification inputs, gathered by walking a
// stream's reference-path linkage.
type FileRecord struct {
	RefPath string
	FTAG    types.FTAG

	// Repo and ObjectID identify this file's backing object, captured
	// once here so an emitted Operation can address the object even
	// after an earlier op in its chain strips the reference path's
	// xattrs.
	Repo     string
	ObjectID string

	Deleted bool
	DTime   time.Time // valid only when Deleted

	Size int64

	// LiveSiblings is the count of other files still live in this file's
	// object; a Packed object is only DEL-OBJ-eligible once this is 0 for
	// every constituent.
	LiveSiblings int

	// RebuildCandidate is set when the MDAL scanner found a rebuild marker
	// for this file's stream (internal/mdal's dirScanner); Age is the
	// marker's age.
	RebuildCandidate bool
	RebuildAge       time.Duration

	// RepackCandidate mirrors RebuildCandidate for repack markers, plus
	// the object's current packed-file density (bytes of live data over
	// bytes of object capacity).
	RepackCandidate bool
	RepackAge       time.Duration
	RepackDensity   float64

	// Loc is this file's resolved (pod, cap, scatter), used for
	// location-triggered rebuilds absent a marker.
	Loc types.PlacementLoc
}

// Thresholds bundles the operator-configured ages and floors that drive
// classification.
type Thresholds struct {
	GCThreshold        time.Duration
	RebuildThreshold   time.Duration
	RepackThreshold    time.Duration
	RepackDensityFloor float64

	// RebuildLoc, when non-nil, triggers REBUILD for any file whose
	// object lives at this location, even without a rebuild marker.
	RebuildLoc *types.PlacementLoc
}

// Walker classifies one stream's files into operation chains.
type Walker struct {
	thresholds Thresholds
	now        func() time.Time
}

// New constructs a Walker. now defaults to time.Now; tests inject a fixed
// clock to make age comparisons deterministic.
func New(thresholds Thresholds, now func() time.Time) *Walker {
	if now == nil {
		now = time.Now
	}
	return &Walker{thresholds: thresholds, now: now}
}

// Walk classifies every record in a stream (already ordered by PRE
// linkage) and returns the resulting operation chains
// plus the accumulated report. A stream is "dead" when
// every record is deleted and past gcthreshold; in that case the final
// op's chain is extended with a DEL-STREAM.
func (w *Walker) Walk(records []FileRecord) ([]*types.Operation, types.StreamwalkerReport) {
	var report types.StreamwalkerReport
	var ops []*types.Operation

	now := w.now()
	allDead := len(records) > 0

	for i := range records {
		rec := &records[i]
		report.FilesFound++
		report.BytesFound += rec.Size

		op := w.classify(rec, now, &report)
		if op != nil {
			ops = append(ops, op)
		} else {
			report.FilesUsed++
			report.BytesUsed += rec.Size
		}

		if !rec.Deleted || now.Sub(rec.DTime) < w.thresholds.GCThreshold {
			allDead = false
		}
	}

	if allDead {
		report.Streams++
		report.DelStreams++
		last := &types.Operation{Kind: types.OpDelStrm}
		if len(ops) > 0 {
			tail := ops[len(ops)-1]
			for tail.Next != nil {
				tail = tail.Next
			}
			tail.Next = last
		} else {
			ops = append(ops, last)
		}
	}

	return ops, report
}

// classify applies the fixed rule order to one record: GC first,
// then rebuild, then repack, else "in use" (handled by the caller via the
// nil return).
func (w *Walker) classify(rec *FileRecord, now time.Time, report *types.StreamwalkerReport) *types.Operation {
	if rec.Deleted && now.Sub(rec.DTime) >= w.thresholds.GCThreshold {
		return w.classifyDeleted(rec, report)
	}

	if loc := w.thresholds.RebuildLoc; rec.RebuildCandidate && rec.RebuildAge >= w.thresholds.RebuildThreshold ||
		(loc != nil && rec.Loc == *loc) {
		report.RebuildObjs++
		report.RebuildBytes += rec.Size
		var rebuildLoc *types.PlacementLoc
		if loc != nil && rec.Loc == *loc {
			rl := rec.Loc
			rebuildLoc = &rl
		}
		return &types.Operation{
			Kind: types.OpRebuild, FTAG: rec.FTAG, RebuildLoc: rebuildLoc,
			RefPath: rec.RefPath, Repo: rec.Repo, ObjectID: rec.ObjectID,
		}
	}

	if rec.RepackCandidate && rec.RepackAge >= w.thresholds.RepackThreshold &&
		rec.RepackDensity < w.thresholds.RepackDensityFloor {
		report.RepackFiles++
		report.RepackBytes += rec.Size
		return &types.Operation{
			Kind: types.OpRepack, FTAG: rec.FTAG,
			RefPath: rec.RefPath, Repo: rec.Repo, ObjectID: rec.ObjectID,
		}
	}

	return nil
}

// classifyDeleted builds the GC op chain for one deleted file: DEL-OBJ
// (only if this file is the last live owner of its object) followed by
// DEL-REF; object deletions always precede reference deletions.
func (w *Walker) classifyDeleted(rec *FileRecord, report *types.StreamwalkerReport) *types.Operation {
	report.DelFiles++
	delRef := &types.Operation{
		Kind: types.OpDelRef, FTAG: rec.FTAG, DelRefCount: 1,
		RefPath: rec.RefPath, Repo: rec.Repo, ObjectID: rec.ObjectID,
	}

	if rec.FTAG.IsPacked() && rec.LiveSiblings > 0 {
		// Shared object still backs live files; skip DEL-OBJ.
		return delRef
	}

	report.DelObjs++
	report.Volatile += rec.Size
	return &types.Operation{
		Kind: types.OpDelObj, FTAG: rec.FTAG, Next: delRef,
		RefPath: rec.RefPath, Repo: rec.Repo, ObjectID: rec.ObjectID,
	}
}

// LoadFileRecord reads a single reference path's PRE/POST xattrs (and the
// soft-delete dtime if present) and assembles the portion of a FileRecord
// that classify() needs beyond sibling/marker bookkeeping, which the
// caller (the resource manager's per-worker walk) supplies separately
// since those require the full stream/object context.
func LoadFileRecord(ctx context.Context, mdal types.MDAL, cfgVers xattrcodec.ConfigVersion, refPath string) (FileRecord, error) {
	stat, err := mdal.Stat(ctx, refPath)
	if err != nil {
		return FileRecord{}, err
	}

	postRaw, err := mdal.GetXattr(ctx, refPath, "post")
	if err != nil {
		return FileRecord{}, err
	}
	post, err := xattrcodec.DecodePost(postRaw, cfgVers)
	if err != nil {
		return FileRecord{}, err
	}

	var repo, objectID string
	if preRaw, err := mdal.GetXattr(ctx, refPath, "objid"); err == nil {
		if pre, err := xattrcodec.DecodePre(preRaw, cfgVers); err == nil {
			repo, objectID = pre.Repo, pre.ObjectID
		}
	}

	rec := FileRecord{
		RefPath:  refPath,
		FTAG:     post.FTAG,
		Repo:     repo,
		ObjectID: objectID,
		Size:     stat.Size,
		Deleted:  post.FTAG.Flags.Has(types.FlagDel),
	}

	if rec.Deleted {
		if raw, err := mdal.GetXattr(ctx, refPath, DTimeXattr); err == nil {
			if ns, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
				rec.DTime = time.Unix(0, ns).UTC()
			}
		}
		if rec.DTime.IsZero() {
			// A truncated-to-trash file has no dtime xattr of its own;
			// its mtime records the trash operation's timestamp.
			rec.DTime = stat.MTime
		}
	}

	return rec, nil
}
