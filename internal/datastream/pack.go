package datastream

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/marfs-core/marfs/internal/erasure"
	"github.com/marfs-core/marfs/internal/placement"
	"github.com/marfs-core/marfs/internal/xattrcodec"
	"github.com/marfs-core/marfs/pkg/errors"
	"github.com/marfs-core/marfs/pkg/types"
)

// packMember is one constituent file's finalized identity inside a still-
// open packed object, captured so Engine.sealPack can write its POST
// xattr and recovery-info entry without holding on to the original
// *Stream.
type packMember struct {
	refPath string
	nsPath  string
	ftag    types.FTAG
}

// packSession is one repo's currently-open packed object: files are
// appended to it in creation order until it reaches the repo's
// max_pack_files cap, at which point it is sealed and removed from
// Engine.packs so the next file starts a fresh pack.
type packSession struct {
	repo        *types.Repo
	objectID    string
	pod, cp, sc int

	buf     bytes.Buffer
	members []packMember
}

// eligibleForPacking reports whether this file, at release time, belongs
// in a shared packed object rather than its own Uni object: it never grew
// past one chunk, the repo has packing enabled (max_pack_files > 1), and
// its final size fits comfortably under the per-file share of a packed
// object's capacity").
func (s *Stream) eligibleForPacking() bool {
	if s.state != stateWritingUni || s.userBytes == 0 {
		return false
	}
	cap := packedFileSizeCap(s.repo)
	return cap > 0 && s.userBytes <= cap
}

// packedFileSizeCap is the largest a single file may be and still qualify
// for packing: its repo's chunk_size divided across max_pack_files slots.
func packedFileSizeCap(repo *types.Repo) int64 {
	if repo.MaxPackFiles <= 1 || repo.ChunkSize <= 0 {
		return 0
	}
	return repo.ChunkSize / int64(repo.MaxPackFiles)
}

// releasePacked finalizes a packing-eligible file by appending its
// buffered chunk bytes into the repo's currently open packed object
// (creating one if none is open), pinning this file's FTAG to the shared
// object's location, file-number, and byte-offset, and writing its PRE
// xattr. Unlike a Uni/Multi release, RESTART is deliberately left set:
// the object itself is not written to the backing store until the pack
// seals (either because it just reached max_pack_files here, or a later
// call to Engine.FlushOpenPacks forces it). Sealing writes POST and
// clears RESTART for every member at once, so RESTART only disappears
// once the member's bytes are durably in the object store. Called with
// s.mu already held by Release.
func (s *Stream) releasePacked(ctx context.Context) error {
	entry, err := s.eng.packAppend(ctx, s)
	if err != nil {
		return err
	}

	if s.dal != nil {
		_ = s.dal.Abort(ctx)
		s.dal = nil
	}

	s.ftag.ObjType = types.ObjPacked
	s.ftag.FileNo = entry.fileNo
	s.ftag.ObjOffset = entry.offset
	s.ftag.Bytes = s.userBytes
	// Same flag word PRE and POST will carry; sealPack writes POST with
	// FlagFinalized|FlagSized, and a PRE that disagrees would be an
	// on-disk inconsistency.
	s.ftag.Flags &^= types.FlagWriting
	s.ftag.Flags |= types.FlagFinalized | types.FlagSized
	s.objectID = entry.objectID
	s.pod, s.cp, s.sc = entry.pod, entry.cp, entry.sc

	h, err := s.eng.ensureMDHandle(ctx, s, true)
	if err != nil {
		return err
	}
	if err := h.Truncate(ctx, 0); err != nil {
		return err
	}

	if err := s.eng.MDAL.SetXattr(ctx, s.refPath, xattrObjID, xattrcodec.EncodePre(s.preXattr())); err != nil {
		return err
	}

	s.state = stateSealed
	s.readWQ.Abort()
	s.readWQ = newReadWaitQueue()

	if s.mdHandle != nil {
		mdErr := s.mdHandle.Close(ctx)
		s.mdHandle = nil
		return mdErr
	}
	return nil
}

// packEntry is what Engine.packAppend hands back to a releasing Stream:
// where its bytes landed within the (possibly still-open) pack.
type packEntry struct {
	fileNo      int
	offset      int64
	objectID    string
	pod, cp, sc int
}

// packAppend adds s's buffered chunk bytes to the currently open pack for
// s.repo, starting a new one if none is open, and seals the pack once it
// reaches the repo's max_pack_files cap.
func (e *Engine) packAppend(ctx context.Context, s *Stream) (packEntry, error) {
	e.packMu.Lock()
	defer e.packMu.Unlock()

	if e.packs == nil {
		e.packs = make(map[string]*packSession)
	}
	ps := e.packs[s.repo.Name]
	if ps == nil {
		objectID := fmt.Sprintf("pack:%s:%d:%d", s.repo.Name, time.Now().UnixNano(), nextSequence())
		pod, cp, sc := placement.ObjectLocation(s.repo, objectID)
		ps = &packSession{repo: s.repo, objectID: objectID, pod: pod, cp: cp, sc: sc}
		e.packs[s.repo.Name] = ps
	}

	offset := int64(ps.buf.Len())
	ps.buf.Write(s.chunkBuf.Bytes())

	member := packMember{refPath: s.refPath, nsPath: s.nsPath, ftag: s.ftag}
	member.ftag.ObjType = types.ObjPacked
	member.ftag.FileNo = len(ps.members)
	member.ftag.ObjOffset = offset
	member.ftag.Bytes = s.userBytes
	ps.members = append(ps.members, member)

	entry := packEntry{
		fileNo: member.ftag.FileNo, offset: offset,
		objectID: ps.objectID, pod: ps.pod, cp: ps.cp, sc: ps.sc,
	}

	if len(ps.members) >= s.repo.MaxPackFiles {
		delete(e.packs, s.repo.Name)
		if err := e.sealPack(ctx, ps); err != nil {
			return entry, err
		}
	}

	return entry, nil
}

// FlushOpenPacks force-seals every repo's currently open but not-yet-full
// pack. Whatever drives the write path is expected to call this once it
// has no more files pending for packing in the current session, so no
// small file is left referencing an object that was never actually
// written to the backing store.
func (e *Engine) FlushOpenPacks(ctx context.Context) error {
	e.packMu.Lock()
	pending := e.packs
	e.packs = nil
	e.packMu.Unlock()

	for _, ps := range pending {
		if err := e.sealPack(ctx, ps); err != nil {
			return err
		}
	}
	return nil
}

// sealPack writes every member's finalized POST xattr, clears RESTART,
// builds the shared object's multi-file recovery info (one PRE/POST
// entry per member), and puts the object to the DAL (erasure-split when
// the repo's scheme isn't a passthrough). Both callers have already
// removed ps from e.packs; packAppend calls this with e.packMu still
// held, FlushOpenPacks after releasing it.
func (e *Engine) sealPack(ctx context.Context, ps *packSession) error {
	erasu, err := erasure.New(ps.repo.N, ps.repo.E)
	if err != nil {
		return errors.New(errors.ErrCodeInvalidConfig, "datastream: build erasure scheme for pack").
			WithComponent("datastream").WithOperation("seal_pack").WithCause(err)
	}

	files := make([]types.RecoveryFileEntry, len(ps.members))

	totalRecBytes := int64(0)
	for i := range ps.members {
		m := &ps.members[i]
		// Flags and RecoveryBytes must match the PRE the member's release
		// already wrote.
		m.ftag.Flags = types.FlagFinalized | types.FlagSized
		totalRecBytes += m.ftag.RecoveryBytes

		pre := types.PreXattr{
			FTAG: m.ftag, Repo: ps.repo.Name, ChunkSize: ps.repo.ChunkSize,
			ObjectID: ps.objectID, CTime: time.Now(),
		}
		post := types.PostXattr{FTAG: m.ftag, ChunkCount: 1, ChunkInfoBytes: 0}
		files[i] = types.RecoveryFileEntry{Pre: xattrcodec.EncodePre(pre), Post: xattrcodec.EncodePost(post)}

		if err := e.MDAL.SetXattr(ctx, m.refPath, xattrPost, xattrcodec.EncodePost(post)); err != nil {
			return err
		}
		if err := e.MDAL.RemoveXattr(ctx, m.refPath, xattrRestart); err != nil {
			if !errors.IsRefNotFound(err) {
				return err
			}
		}
	}

	recInfo := types.RecoveryInfo{
		Head:  types.RecoveryHead{Size: int64(ps.buf.Len()), Version: e.CfgVers.Major, MTime: time.Now()},
		Files: files,
		Path:  ps.members[len(ps.members)-1].nsPath,
		Tail:  types.RecoveryTail{FilesInObject: len(ps.members), TotalRecBytes: totalRecBytes},
	}
	recBuf, err := xattrcodec.EncodeRecoveryInfo(recInfo, int(totalRecBytes))
	if err != nil {
		return errors.New(errors.ErrCodeInternal, "datastream: encode pack recovery info").
			WithComponent("datastream").WithOperation("seal_pack").WithCause(err)
	}

	payload := make([]byte, 0, ps.buf.Len()+len(recBuf))
	payload = append(payload, ps.buf.Bytes()...)
	payload = append(payload, recBuf...)

	// Member streams address this pack through Stream.shardBaseLocation,
	// which suffixes the object id with ".<chunkNo>"; a packed file never
	// advances past chunk 0, so the pack must be written under that same
	// key for reads to find it.
	baseLoc := types.ObjectLocation{
		Repo: ps.repo.Name, Pod: ps.pod, Cap: ps.cp, Scatter: ps.sc,
		ObjectID: fmt.Sprintf("%s.0", ps.objectID),
	}
	return putPackedObject(ctx, e.DAL, erasu, baseLoc, payload)
}

// putPackedObject writes a sealed pack's payload to the backing store,
// either as one passthrough put or as N+E independent erasure-encoded
// shard puts, the same domain-stack wiring Stream.putSealedObject uses
// for Uni/Multi objects.
func putPackedObject(ctx context.Context, dal types.DAL, erasu *erasure.Scheme, baseLoc types.ObjectLocation, payload []byte) error {
	if erasu.Passthrough() {
		h := dal.Init(baseLoc)
		if err := h.Open(ctx, types.DALPut, 0, int64(len(payload)), false, 0); err != nil {
			return err
		}
		if _, err := h.Put(ctx, payload); err != nil {
			_ = h.Abort(ctx)
			return err
		}
		return h.Close(ctx)
	}

	shards, err := erasu.Split(payload)
	if err != nil {
		return errors.New(errors.ErrCodeInternal, "datastream: erasure split pack").
			WithComponent("datastream").WithOperation("seal_pack").WithCause(err)
	}

	shardLoc := func(idx int) types.ObjectLocation {
		loc := baseLoc
		loc.ObjectID = fmt.Sprintf("%s#%d", loc.ObjectID, idx)
		return loc
	}

	h := dal.Init(shardLoc(0))
	for idx, shard := range shards {
		if idx > 0 {
			if err := h.UpdateLocation(ctx, shardLoc(idx)); err != nil {
				return err
			}
		}
		if err := h.Open(ctx, types.DALPut, 0, int64(len(shard)), false, 0); err != nil {
			return err
		}
		if _, err := h.Put(ctx, shard); err != nil {
			_ = h.Abort(ctx)
			return err
		}
		if err := h.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}
