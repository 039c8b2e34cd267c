package resourcemgr

import (
	"context"
	"fmt"

	"github.com/marfs-core/marfs/internal/datastream"
	"github.com/marfs-core/marfs/internal/erasure"
	"github.com/marfs-core/marfs/internal/placement"
	"github.com/marfs-core/marfs/internal/trash"
	"github.com/marfs-core/marfs/internal/xattrcodec"
	marfserrors "github.com/marfs-core/marfs/pkg/errors"
	"github.com/marfs-core/marfs/pkg/types"
)

// Executor carries out one classified Operation against the MDAL/DAL,
// unlinking DEL-REF reference paths through the MDAL directly and
// leaning on internal/datastream.Engine's write path for REPACK's rewrite
// into a fresh object. No op uses the Trash field.
type Executor struct {
	MDAL      types.MDAL
	DAL       types.DAL
	Placement *placement.Registry
	Engine    *datastream.Engine
	Trash     *trash.Manager
	CfgVers   xattrcodec.ConfigVersion

	// DryRun, when set, classifies and logs every op without mutating
	// MDAL/DAL state.
	DryRun bool
}

// Execute dispatches op by kind. Idempotent by construction:
// deleting an already-gone reference or object, or rebuilding an object
// whose parity already matches, succeeds without error.
func (e *Executor) Execute(ctx context.Context, ns *types.Namespace, op *types.Operation) error {
	if e.DryRun {
		return nil
	}
	switch op.Kind {
	case types.OpDelObj:
		return e.execDelObj(ctx, op)
	case types.OpDelRef, types.OpDelStrm:
		return e.execDelRef(ctx, op)
	case types.OpRebuild:
		return e.execRebuild(ctx, op)
	case types.OpRepack:
		return e.execRepack(ctx, ns, op)
	default:
		return marfserrors.New(marfserrors.ErrCodeInternal, fmt.Sprintf("resourcemgr: unknown op kind %q", op.Kind)).
			WithComponent("resourcemgr").WithOperation("execute")
	}
}

// execDelRef removes the reference path (and, for a trash-tree entry,
// its companion .path file).
func (e *Executor) execDelRef(ctx context.Context, op *types.Operation) error {
	if op.RefPath == "" {
		return nil
	}
	if err := e.MDAL.Unlink(ctx, op.RefPath); err != nil && !marfserrors.IsRefNotFound(err) {
		return err
	}
	_ = e.MDAL.Unlink(ctx, op.RefPath+".path")
	return nil
}

// execDelObj deletes the backing object once no live file references it.
func (e *Executor) execDelObj(ctx context.Context, op *types.Operation) error {
	repo, ok := e.Placement.Repo(op.Repo)
	if !ok || op.ObjectID == "" {
		return nil
	}
	pod, cp, sc := placement.ObjectLocation(repo, op.ObjectID)
	erasu, err := erasure.New(repo.N, repo.E)
	if err != nil {
		return err
	}

	chunkBase := fmt.Sprintf("%s.%d", op.ObjectID, op.FTAG.ChunkNo)
	if erasu.Passthrough() {
		h := e.DAL.Init(types.ObjectLocation{Repo: repo.Name, Pod: pod, Cap: cp, Scatter: sc, ObjectID: chunkBase})
		if err := h.Delete(ctx); err != nil && !marfserrors.IsRefNotFound(err) {
			return err
		}
		return nil
	}
	for shard := 0; shard < erasu.ShardCount(); shard++ {
		loc := types.ObjectLocation{Repo: repo.Name, Pod: pod, Cap: cp, Scatter: sc, ObjectID: fmt.Sprintf("%s#%d", chunkBase, shard)}
		h := e.DAL.Init(loc)
		if err := h.Delete(ctx); err != nil && !marfserrors.IsRefNotFound(err) {
			return err
		}
	}
	return nil
}

// execRebuild reads every erasure shard of op's chunk, reconstructs any
// missing ones, and writes back only what was missing. A passthrough
// (N=1,E=0) scheme carries no redundancy and is never classified as a
// rebuild candidate by a correctly configured repo, but is handled here
// as a no-op for safety.
func (e *Executor) execRebuild(ctx context.Context, op *types.Operation) error {
	repo, ok := e.Placement.Repo(op.Repo)
	if !ok || op.ObjectID == "" {
		return nil
	}
	erasu, err := erasure.New(repo.N, repo.E)
	if err != nil {
		return err
	}
	if erasu.Passthrough() {
		return nil
	}

	pod, cp, sc := placement.ObjectLocation(repo, op.ObjectID)
	if op.RebuildLoc != nil {
		pod, cp, sc = op.RebuildLoc.Pod, op.RebuildLoc.Cap, op.RebuildLoc.Scatter
	}
	chunkBase := fmt.Sprintf("%s.%d", op.ObjectID, op.FTAG.ChunkNo)

	// Shard payload length is bounded by the repo's configured chunk
	// capacity; Get reports the true byte count it filled.
	bufSize := int(repo.ChunkSize)
	if bufSize <= 0 {
		bufSize = 1 << 20
	}

	shards := make([][]byte, erasu.ShardCount())
	for i := range shards {
		loc := types.ObjectLocation{Repo: repo.Name, Pod: pod, Cap: cp, Scatter: sc, ObjectID: fmt.Sprintf("%s#%d", chunkBase, i)}
		h := e.DAL.Init(loc)
		if err := h.Open(ctx, types.DALGet, 0, 0, false, 0); err != nil {
			continue // missing shard: leave nil for Reconstruct to fill
		}
		buf := make([]byte, bufSize)
		n, err := h.Get(ctx, buf)
		_ = h.Close(ctx)
		if err != nil {
			continue
		}
		shards[i] = buf[:n]
	}

	if erasure.MissingCount(shards) == 0 {
		return nil // parity already matches
	}

	before := make([]bool, len(shards))
	for i, s := range shards {
		before[i] = s != nil
	}

	if err := erasu.Reconstruct(shards); err != nil {
		return err
	}

	for i, had := range before {
		if had {
			continue
		}
		loc := types.ObjectLocation{Repo: repo.Name, Pod: pod, Cap: cp, Scatter: sc, ObjectID: fmt.Sprintf("%s#%d", chunkBase, i)}
		h := e.DAL.Init(loc)
		if err := h.Open(ctx, types.DALPut, 0, int64(len(shards[i])), false, 0); err != nil {
			return err
		}
		if _, err := h.Put(ctx, shards[i]); err != nil {
			_ = h.Abort(ctx)
			return err
		}
		if err := h.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

// execRepack reads a packed object's member out of its current object
// and rewrites it through the datastream write path into a fresh object.
// The old object is reclaimed later by the normal
// DEL-OBJ path once every sibling has migrated off it and its live
// count reaches zero.
func (e *Executor) execRepack(ctx context.Context, ns *types.Namespace, op *types.Operation) error {
	repo, ok := e.Placement.Repo(op.Repo)
	if !ok || op.ObjectID == "" || op.RefPath == "" {
		return nil
	}

	data, err := e.readPackedMember(ctx, repo, op)
	if err != nil {
		return err
	}

	stream, err := e.Engine.Create(ctx, ns, op.FTAG.NSPath, op.RefPath, repo, 0640)
	if err != nil {
		return err
	}
	if _, err := stream.Write(ctx, 0, data); err != nil {
		return err
	}
	return stream.Release(ctx)
}

// readPackedMember fetches op's backing (possibly erasure-coded) chunk
// and slices out this file's byte range within it (FTAG.ObjOffset,
// FTAG.Bytes).
func (e *Executor) readPackedMember(ctx context.Context, repo *types.Repo, op *types.Operation) ([]byte, error) {
	erasu, err := erasure.New(repo.N, repo.E)
	if err != nil {
		return nil, err
	}
	pod, cp, sc := placement.ObjectLocation(repo, op.ObjectID)
	chunkBase := fmt.Sprintf("%s.%d", op.ObjectID, op.FTAG.ChunkNo)

	bufSize := int(repo.ChunkSize)
	if bufSize <= 0 {
		bufSize = 1 << 20
	}

	var whole []byte
	if erasu.Passthrough() {
		loc := types.ObjectLocation{Repo: repo.Name, Pod: pod, Cap: cp, Scatter: sc, ObjectID: chunkBase}
		h := e.DAL.Init(loc)
		if err := h.Open(ctx, types.DALGet, 0, 0, false, 0); err != nil {
			return nil, err
		}
		defer h.Close(ctx)
		buf := make([]byte, bufSize)
		n, err := h.Get(ctx, buf)
		if err != nil {
			return nil, err
		}
		whole = buf[:n]
	} else {
		shards := make([][]byte, erasu.ShardCount())
		shardLen := 0
		for i := range shards {
			loc := types.ObjectLocation{Repo: repo.Name, Pod: pod, Cap: cp, Scatter: sc, ObjectID: fmt.Sprintf("%s#%d", chunkBase, i)}
			h := e.DAL.Init(loc)
			if err := h.Open(ctx, types.DALGet, 0, 0, false, 0); err != nil {
				continue
			}
			buf := make([]byte, bufSize)
			n, err := h.Get(ctx, buf)
			_ = h.Close(ctx)
			if err != nil {
				continue
			}
			shards[i] = buf[:n]
			if n > shardLen {
				shardLen = n
			}
		}
		// Join's size is the reconstructed data-shard byte total; the data
		// shards (the first N of ShardCount) each hold shardLen bytes.
		whole, err = erasu.Join(shards, shardLen*repo.N)
		if err != nil {
			return nil, err
		}
	}

	lo := op.FTAG.ObjOffset
	hi := lo + op.FTAG.Bytes
	if lo < 0 || hi > int64(len(whole)) {
		return nil, marfserrors.New(marfserrors.ErrCodeUnexpectedHole, "resourcemgr: packed member range exceeds object size").
			WithComponent("resourcemgr").WithOperation("repack")
	}
	return whole[lo:hi], nil
}
