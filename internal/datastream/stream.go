package datastream

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marfs-core/marfs/internal/erasure"
	"github.com/marfs-core/marfs/internal/placement"
	"github.com/marfs-core/marfs/internal/xattrcodec"
	"github.com/marfs-core/marfs/pkg/errors"
	"github.com/marfs-core/marfs/pkg/types"
)

// xattr names under the reserved marfs_ prefix. The MDAL layer
// adds the prefix itself; engine code only ever deals with the bare name.
const (
	xattrObjID   = "objid"
	xattrPost    = "post"
	xattrRestart = "restart"
)

// state is the write-path state machine.
type state int

const (
	stateInit state = iota
	stateWritingUni
	stateWritingMulti
	stateParallel
	stateSealed
)

var streamSeq uint64

// nextSequence hands out a process-wide monotonically increasing counter
// used, together with the creating namespace path and wall-clock time, to
// derive a stream id unique within the namespace. The MDAL surface
// exposes no inode number the way a POSIX creat(2) would, so stream
// identity is derived from (nsPath, ctime, sequence) instead of
// (inode, ctime, sequence) — see DESIGN.md Open Question decisions.
func nextSequence() uint64 {
	return atomic.AddUint64(&streamSeq, 1)
}

// Engine binds the abstraction layers, placement registry, and erasure
// scheme a stream needs; one Engine is shared by every stream opened
// against one repo.
type Engine struct {
	MDAL      types.MDAL
	DAL       types.DAL
	Placement *placement.Registry
	CfgVers   xattrcodec.ConfigVersion

	Metrics types.MetricsCollector

	// packMu guards packs, the set of currently open (not yet sealed)
	// packed objects, one per repo.
	packMu sync.Mutex
	packs  map[string]*packSession
}

// Stream is one open file-handle's engine-side state. Not
// safe for concurrent use except via the read-path wait-queue; writers
// are expected to be single-threaded per the engine's ordering
// guarantees.
type Stream struct {
	eng *Engine
	ns  *types.Namespace
	mu  sync.Mutex

	refPath  string // MD file reference path
	nsPath   string // MarFS-relative path of the owning file
	mdHandle types.MDALHandle

	repo  *types.Repo
	erasu *erasure.Scheme

	ftag  types.FTAG
	state state

	userBytes int64 // logical write position (excludes recovery/system bytes)
	chunkNo   int

	objectID  string
	pod, cp, sc int

	dal types.DALHandle

	// chunkBuf accumulates the current chunk's user bytes until seal,
	// since erasure encoding needs the whole data block at once.
	chunkBuf bytes.Buffer

	// extendedChunks is set by Extend; non-zero only for PARALLEL files.
	extendedChunks int

	// readChunkNo/readChunkBuf hold the last chunk the read path fetched,
	// so sequential reads within one chunk are served without another
	// object fetch. Invalidated whenever the write path touches a chunk.
	readChunkNo  int
	readChunkBuf []byte

	readWQ *readWaitQueue
}

// Create implements the INIT state's create(path, mode, client-tag).
// It creates and opens the MD file and installs an empty RESTART xattr
// on it; the DAL put is not opened until the first Write.
func (e *Engine) Create(ctx context.Context, ns *types.Namespace, nsPath, refPath string, repo *types.Repo, mode uint32) (*Stream, error) {
	erasu, err := erasure.New(repo.N, repo.E)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "datastream: build erasure scheme").
			WithComponent("datastream").WithOperation("create").WithCause(err)
	}
	if rec := recoveryTailEstimate(nsPath); repo.ChunkSize <= rec {
		return nil, errors.New(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("datastream: repo %q chunk_size %d leaves no room for the %d-byte recovery tail", repo.Name, repo.ChunkSize, rec)).
			WithComponent("datastream").WithOperation("create")
	}
	if err := e.checkQuota(ctx, ns); err != nil {
		return nil, err
	}

	streamID := fmt.Sprintf("%s:%d:%d", nsPath, time.Now().UnixNano(), nextSequence())

	s := &Stream{
		eng:    e,
		ns:     ns,
		refPath: refPath,
		nsPath: nsPath,
		repo:   repo,
		erasu:  erasu,
		ftag: types.FTAG{
			ConfigVersMajor: e.CfgVers.Major,
			ConfigVersMinor: e.CfgVers.Minor,
			StreamID:        streamID,
			ObjType:         types.ObjUni,
			Flags:           types.FlagWriting,
			NSPath:          nsPath,
			RecoveryBytes:   recoveryTailEstimate(nsPath),
		},
		state:  stateInit,
		readWQ: newReadWaitQueue(),
	}

	s.objectID = streamID
	s.pod, s.cp, s.sc = placement.ObjectLocation(repo, s.objectID)

	if directAccessDefault(repo) {
		return s, nil
	}
	if err := e.installRestart(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// directAccessDefault is a placeholder hook for repos whose access
// method is DIRECT. The config model carries no DIRECT access method of
// its own yet, so this always reports false; kept as a named function so
// the call site reads as the access-method check it is.
func directAccessDefault(*types.Repo) bool { return false }

// checkQuota preflights an enforced namespace quota against the usage
// view the resource manager last wrote back, returning a distinct quota
// error so a caller can reject the create early. A namespace with no
// usage view yet is allowed through.
func (e *Engine) checkQuota(ctx context.Context, ns *types.Namespace) error {
	if ns == nil || (!ns.FileQuota.Enforced && !ns.ByteQuota.Enforced) {
		return nil
	}
	files, bytes, err := e.MDAL.GetUsage(ctx, ns.ID)
	if err != nil {
		return nil
	}
	if ns.FileQuota.Enforced && ns.FileQuota.Limit > 0 && files >= ns.FileQuota.Limit {
		return errors.New(errors.ErrCodeQuotaExceeded,
			fmt.Sprintf("datastream: namespace %q file quota reached (%d/%d)", ns.ID, files, ns.FileQuota.Limit)).
			WithComponent("datastream").WithOperation("create")
	}
	if ns.ByteQuota.Enforced && ns.ByteQuota.Limit > 0 && bytes >= ns.ByteQuota.Limit {
		return errors.New(errors.ErrCodeQuotaExceeded,
			fmt.Sprintf("datastream: namespace %q byte quota reached (%d/%d)", ns.ID, bytes, ns.ByteQuota.Limit)).
			WithComponent("datastream").WithOperation("create")
	}
	return nil
}

func (e *Engine) installRestart(ctx context.Context, s *Stream) error {
	if _, err := e.ensureMDHandle(ctx, s, true); err != nil {
		return err
	}
	return e.MDAL.SetXattr(ctx, s.refPath, xattrRestart, xattrcodec.EncodeRestart(types.RestartXattr{}))
}

func (e *Engine) ensureMDHandle(ctx context.Context, s *Stream, create bool) (types.MDALHandle, error) {
	if s.mdHandle != nil {
		return s.mdHandle, nil
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	h, err := e.MDAL.Open(ctx, s.refPath, flags, 0640)
	if err != nil {
		return nil, err
	}
	s.mdHandle = h
	return h, nil
}

// Extend implements extend(n): pre-reserves n bytes of logical space for
// a parallel N:1 write and publishes PRE/POST so other processes can open
// parallel edit handles. Legal only before the first byte is written.
func (s *Stream) Extend(ctx context.Context, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateInit {
		return errors.New(errors.ErrCodeInternal, "datastream: extend after first write").
			WithComponent("datastream").WithOperation("extend")
	}
	if n <= 0 {
		return errors.New(errors.ErrCodeInternal, "datastream: extend requires a positive byte count").
			WithComponent("datastream").WithOperation("extend")
	}
	s.ftag.ObjType = types.ObjN1
	dpc := s.dataPerChunk()
	s.extendedChunks = int((n + dpc - 1) / dpc)
	s.state = stateParallel

	pre := s.preXattr()
	if err := s.eng.MDAL.SetXattr(ctx, s.refPath, xattrObjID, xattrcodec.EncodePre(pre)); err != nil {
		return err
	}
	post := s.postXattr()
	return s.eng.MDAL.SetXattr(ctx, s.refPath, xattrPost, xattrcodec.EncodePost(post))
}

func (s *Stream) preXattr() types.PreXattr {
	return types.PreXattr{
		FTAG:      s.ftag,
		Repo:      s.repo.Name,
		ChunkSize: s.repo.ChunkSize,
		ObjectID:  s.objectID,
		CTime:     time.Now(),
	}
}

func (s *Stream) postXattr() types.PostXattr {
	p := types.PostXattr{FTAG: s.ftag, ChunkCount: s.chunkNo + 1}
	switch s.ftag.ObjType {
	case types.ObjUni:
		// A Uni file's MD file carries no MultiChunkInfo array.
	case types.ObjN1:
		if s.extendedChunks > 0 {
			p.ChunkCount = s.extendedChunks
		}
		p.ChunkInfoBytes = int64(p.ChunkCount) * int64(xattrcodec.MultiChunkInfoSize())
	default:
		p.ChunkInfoBytes = int64(p.ChunkCount) * int64(xattrcodec.MultiChunkInfoSize())
	}
	return p
}

// dataPerChunk returns the per-chunk logical data capacity for the
// stream's current object type.
func (s *Stream) dataPerChunk() int64 {
	return s.ftag.DataPerChunk(s.repo.ChunkSize, s.chunkNo+1)
}

// Write implements write(buf, size). offset must equal the
// stream's current logical write position.
func (s *Stream) Write(ctx context.Context, offset int64, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset != s.userBytes {
		return 0, errors.New(errors.ErrCodeInternal, "datastream: write offset does not match logical position").
			WithComponent("datastream").WithOperation("write").
			WithContext("expected", fmt.Sprintf("%d", s.userBytes)).
			WithContext("got", fmt.Sprintf("%d", offset))
	}

	if s.state == stateInit {
		s.state = stateWritingUni
		if err := s.openDAL(ctx, types.DALPut); err != nil {
			return 0, err
		}
	}

	written := 0
	remaining := buf
	for len(remaining) > 0 {
		dpc := s.dataPerChunk()
		roomInChunk := dpc - int64(s.chunkBuf.Len())
		if roomInChunk < 0 {
			roomInChunk = 0
		}
		take := int64(len(remaining))
		crosses := take > roomInChunk
		if crosses {
			take = roomInChunk
		}

		if take > 0 {
			s.chunkBuf.Write(remaining[:take])
			remaining = remaining[take:]
			s.userBytes += take
			written += int(take)
		}

		if crosses || (take == 0 && len(remaining) > 0) {
			// The transition to Multi happens on the crossing itself, so the
			// chunk being sealed already journals its MultiChunkInfo record
			// (a file that never crosses stays Uni and journals none).
			s.ftag.ObjType = types.ObjMulti
			s.state = stateWritingMulti
			if err := s.sealChunk(ctx); err != nil {
				return written, err
			}
			s.chunkNo++
			s.ftag.ChunkNo = s.chunkNo
			if err := s.openDAL(ctx, types.DALPut); err != nil {
				return written, err
			}
		}
	}

	return written, nil
}

// ParallelWrite implements parallel_write(handle, chunk_k,
// offset_within_chunk, buf, size). Legal only on a
// previously extended file; the writer must stay entirely within
// chunk_k.
func (s *Stream) ParallelWrite(ctx context.Context, chunkK int, offsetWithinChunk int64, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateParallel {
		return 0, errors.New(errors.ErrCodeInternal, "datastream: parallel_write on non-extended file").
			WithComponent("datastream").WithOperation("parallel_write")
	}
	if chunkK >= s.extendedChunks {
		return 0, errors.New(errors.ErrCodeInternal, "datastream: parallel_write chunk out of extended range").
			WithComponent("datastream").WithOperation("parallel_write")
	}

	loc := s.shardBaseLocation(chunkK)
	h := s.eng.DAL.Init(loc)
	if err := h.Open(ctx, types.DALPut, offsetWithinChunk, int64(len(buf)), true, 0); err != nil {
		return 0, err
	}
	n, err := h.Put(ctx, buf)
	if err != nil {
		_ = h.Close(ctx)
		return n, err
	}
	if err := h.Close(ctx); err != nil {
		return n, err
	}

	if s.readChunkBuf != nil && s.readChunkNo == chunkK {
		s.readChunkBuf = nil
	}

	info := types.MultiChunkInfo{
		ConfigVers:     uint32(s.eng.CfgVers.Major),
		ChunkNo:        uint32(chunkK),
		LogicalOffset:  int64(chunkK) * s.dataPerChunk(),
		ChunkDataBytes: int64(n),
	}
	if err := s.writeChunkInfo(ctx, chunkK, info); err != nil {
		return n, err
	}
	return n, nil
}

// shardBaseLocation computes the deterministic backing-store location for
// chunk chunkK of this stream's object, independent of erasure shard
// index (shard addressing lives in shardLocation).
func (s *Stream) shardBaseLocation(chunkK int) types.ObjectLocation {
	return types.ObjectLocation{
		Repo:     s.repo.Name,
		Pod:      s.pod,
		Cap:      s.cp,
		Scatter:  s.sc,
		ObjectID: fmt.Sprintf("%s.%d", s.objectID, chunkK),
	}
}

// shardLocation addresses one erasure shard of a chunk's object. MarFS's
// DAL key is opaque; this engine's own convention suffixes the
// base object id with the shard index so N+E independent DAL puts each
// land at a distinct key, recomputable from FTAG alone without extra MD
// state.
func (s *Stream) shardLocation(chunkK, shard int) types.ObjectLocation {
	loc := s.shardBaseLocation(chunkK)
	loc.ObjectID = fmt.Sprintf("%s#%d", loc.ObjectID, shard)
	return loc
}

func (s *Stream) openDAL(ctx context.Context, mode types.DALMode) error {
	loc := s.shardBaseLocation(s.chunkNo)
	s.dal = s.eng.DAL.Init(loc)
	return s.dal.Open(ctx, mode, 0, 0, false, 0)
}

// sealChunk finalizes the in-memory chunk buffer: appends the recovery
// tail, erasure-encodes and puts the N+E shards (or streams directly for
// a passthrough N=1,E=0 scheme), closes the DAL stream, and appends a
// MultiChunkInfo record to the MD file.
func (s *Stream) sealChunk(ctx context.Context) error {
	recInfo := s.buildRecoveryInfo()
	recBytes, err := xattrcodec.EncodeRecoveryInfo(recInfo, int(s.ftag.RecoveryBytes))
	if err != nil {
		return errors.New(errors.ErrCodeInternal, "datastream: encode recovery info").
			WithComponent("datastream").WithOperation("seal_chunk").WithCause(err)
	}
	payload := make([]byte, 0, s.chunkBuf.Len()+len(recBytes))
	payload = append(payload, s.chunkBuf.Bytes()...)
	payload = append(payload, recBytes...)

	if err := s.putSealedObject(ctx, payload); err != nil {
		return err
	}

	if s.ftag.ObjType == types.ObjMulti {
		info := types.MultiChunkInfo{
			ConfigVers:     uint32(s.eng.CfgVers.Major),
			ChunkNo:        uint32(s.chunkNo),
			LogicalOffset:  int64(s.chunkNo) * s.dataPerChunk(),
			ChunkDataBytes: int64(s.chunkBuf.Len()),
		}
		if err := s.writeChunkInfo(ctx, s.chunkNo, info); err != nil {
			return err
		}
	}

	s.chunkBuf.Reset()
	s.readChunkBuf = nil
	if s.dal != nil {
		if err := s.dal.Close(ctx); err != nil {
			return err
		}
		s.dal = nil
	}
	return nil
}

// putSealedObject writes payload to the backing store, either as one
// passthrough put or as N+E independent erasure-encoded shard puts.
func (s *Stream) putSealedObject(ctx context.Context, payload []byte) error {
	if s.erasu.Passthrough() {
		if s.dal == nil {
			if err := s.openDAL(ctx, types.DALPut); err != nil {
				return err
			}
		}
		_, err := s.dal.Put(ctx, payload)
		return err
	}

	shards, err := s.erasu.Split(payload)
	if err != nil {
		return errors.New(errors.ErrCodeInternal, "datastream: erasure split").
			WithComponent("datastream").WithOperation("seal_chunk").WithCause(err)
	}

	if s.dal != nil {
		_ = s.dal.Close(ctx)
		s.dal = nil
	}

	h := s.eng.DAL.Init(s.shardLocation(s.chunkNo, 0))
	for idx, shard := range shards {
		if idx > 0 {
			if err := h.UpdateLocation(ctx, s.shardLocation(s.chunkNo, idx)); err != nil {
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

func (s *Stream) buildRecoveryInfo() types.RecoveryInfo {
	return types.RecoveryInfo{
		Head: types.RecoveryHead{
			Size:    s.userBytes,
			Version: s.eng.CfgVers.Major,
			MTime:   time.Now(),
		},
		Files: []types.RecoveryFileEntry{
			{Pre: xattrcodec.EncodePre(s.preXattr()), Post: xattrcodec.EncodePost(s.postXattr())},
		},
		Path: s.nsPath,
		Tail: types.RecoveryTail{
			FilesInObject: 1,
			TotalRecBytes: s.ftag.RecoveryBytes,
		},
	}
}

func (s *Stream) writeChunkInfo(ctx context.Context, chunkNo int, info types.MultiChunkInfo) error {
	h, err := s.eng.ensureMDHandle(ctx, s, true)
	if err != nil {
		return err
	}
	buf := xattrcodec.EncodeMultiChunkInfo(info)
	off := int64(chunkNo) * int64(len(buf))
	_, err = h.Write(ctx, buf, off)
	return err
}

// recoveryTailEstimate sizes the per-file recovery-info budget
// (MARFS_REC_UNI_SIZE). The encoded region is HEAD + PRE + POST + PATH +
// TAIL; PRE carries the stream id and object id (both derived from the
// namespace path) plus the path itself, so the bound scales with the path
// length on top of a fixed allowance for the head, the numeric fields,
// and the 64-byte tail.
func recoveryTailEstimate(nsPath string) int64 {
	return 512 + 8*int64(len(nsPath))
}

// Read implements read(buf, size, offset): locates the
// owning chunk from the logical offset, fetches that chunk's whole object
// (or reconstructs it from erasure shards), and serves the requested range
// from it; the fetched chunk is kept for later reads of the same chunk.
// Concurrent readers sharing the handle queue on the FIFO wait-queue
// outside the stream mutex, so a reader parked at a future offset never
// blocks the in-order reader that will release it.
func (s *Stream) Read(ctx context.Context, offset int64, buf []byte) (int, error) {
	if !s.readWQ.Wait(offset) {
		return 0, errors.New(errors.ErrCodeInternal, "datastream: read aborted").
			WithComponent("datastream").WithOperation("read")
	}
	n, err := s.readLocked(ctx, offset, buf)
	s.readWQ.Advance(offset + int64(n))
	return n, err
}

func (s *Stream) readLocked(ctx context.Context, offset int64, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := types.LocateChunk(s.ftag.ObjOffset, offset, s.dataPerChunk())

	if err := s.checkChunkFilled(ctx, loc.ChunkNo); err != nil {
		return 0, err
	}

	// Logical EOF bound: a finalized file never serves bytes
	// past its recorded size — for a packed member that would be a
	// sibling's bytes or the recovery tail, not zeros or EOF.
	limit := int64(len(buf))
	if s.ftag.Flags&types.FlagSized != 0 {
		if offset >= s.ftag.Bytes {
			return 0, io.EOF
		}
		if rem := s.ftag.Bytes - offset; rem < limit {
			limit = rem
		}
	}

	data := s.readChunkBuf
	if data != nil && s.readChunkNo == loc.ChunkNo {
		s.recordChunkRead(true, loc.ChunkNo, limit)
	} else {
		s.recordChunkRead(false, loc.ChunkNo, limit)
		var err error
		data, err = s.readChunk(ctx, loc.ChunkNo)
		if err != nil {
			return 0, err
		}
		s.readChunkNo = loc.ChunkNo
		s.readChunkBuf = data
	}
	if loc.IntraOffset >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(buf[:limit], data[loc.IntraOffset:])
	return n, nil
}

// recordChunkRead reports whether a read was served from the chunk the
// stream already holds (hit) or needed a fresh object fetch (miss).
func (s *Stream) recordChunkRead(hit bool, chunkNo int, n int64) {
	mc := s.eng.Metrics
	if mc == nil {
		return
	}
	key := fmt.Sprintf("%s.%d", s.objectID, chunkNo)
	if hit {
		mc.RecordCacheHit(key, n)
	} else {
		mc.RecordCacheMiss(key, n)
	}
}

// checkChunkFilled guards against the N:1 parallel-write hole. Only ObjN1 files can have an out-of-order writer
// leave a chunk unfilled; Uni/Multi/Packed chunks are always sealed
// before the engine advances past them, so this is a no-op for those
// types.
func (s *Stream) checkChunkFilled(ctx context.Context, chunkNo int) error {
	if s.ftag.ObjType != types.ObjN1 {
		return nil
	}

	recSize := xattrcodec.MultiChunkInfoSize()
	h, err := s.eng.ensureMDHandle(ctx, s, false)
	if err != nil {
		if errors.IsRefNotFound(err) {
			return chunkHoleError(chunkNo)
		}
		return err
	}

	recBuf := make([]byte, recSize)
	n, err := h.Read(ctx, recBuf, int64(chunkNo)*int64(recSize))
	if err != nil && err != io.EOF {
		return err
	}
	if n < recSize {
		return chunkHoleError(chunkNo)
	}

	info, err := xattrcodec.DecodeMultiChunkInfo(recBuf)
	if err != nil {
		return err
	}
	if info.IsHole() {
		return chunkHoleError(chunkNo)
	}
	return nil
}

func chunkHoleError(chunkNo int) error {
	return errors.New(errors.ErrCodeUnexpectedHole,
		fmt.Sprintf("datastream: chunk %d not yet filled by a parallel writer", chunkNo)).
		WithComponent("datastream").WithOperation("read")
}

// readChunk fetches and returns the full user-data payload of one chunk,
// reconstructing from erasure shards when fewer than N primary shards are
// reachable.
func (s *Stream) readChunk(ctx context.Context, chunkNo int) ([]byte, error) {
	if s.erasu.Passthrough() {
		loc := s.shardBaseLocation(chunkNo)
		return s.getWhole(ctx, loc)
	}

	n := s.repo.N
	total := s.erasu.ShardCount()
	shards := make([][]byte, total)
	missing := 0
	for idx := 0; idx < total; idx++ {
		loc := s.shardLocation(chunkNo, idx)
		data, err := s.getWhole(ctx, loc)
		if err != nil {
			shards[idx] = nil
			missing++
			continue
		}
		shards[idx] = data
	}
	if missing == 0 {
		return s.erasu.Join(shards, chunkDataLen(shards[:n]))
	}
	if err := s.erasu.Reconstruct(shards); err != nil {
		return nil, errors.New(errors.ErrCodeChunkInfoMismatch, "datastream: erasure reconstruct failed").
			WithComponent("datastream").WithOperation("read").WithCause(err)
	}
	return s.erasu.Join(shards, chunkDataLen(shards[:n]))
}

func chunkDataLen(dataShards [][]byte) int {
	total := 0
	for _, sh := range dataShards {
		total += len(sh)
	}
	return total
}

func (s *Stream) getWhole(ctx context.Context, loc types.ObjectLocation) ([]byte, error) {
	h := s.eng.DAL.Init(loc)
	if err := h.Open(ctx, types.DALGet, 0, 0, false, 0); err != nil {
		return nil, err
	}
	defer h.Close(ctx)

	var out bytes.Buffer
	buf := make([]byte, 64*1024)
	for {
		n, err := h.Get(ctx, buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err == io.EOF || (n == 0 && err == nil) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}

// Release implements release: writes the final recovery
// tail (if still writing), appends the final MultiChunkInfo (if Multi),
// truncates the MD file to the logical size, clears RESTART, and
// installs PRE/POST.
func (s *Stream) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eligibleForPacking() {
		return s.releasePacked(ctx)
	}

	if s.state == stateWritingUni || s.state == stateWritingMulti {
		if err := s.sealChunk(ctx); err != nil {
			return err
		}
	}

	s.ftag.Flags &^= types.FlagWriting
	s.ftag.Flags |= types.FlagFinalized | types.FlagSized
	s.ftag.Bytes = s.userBytes

	// A Uni MD file is truncated to the file's logical size; a Multi MD
	// file holds exactly its MultiChunkInfo array.
	mdSize := s.userBytes
	if s.ftag.ObjType != types.ObjUni {
		mdSize = s.postXattrSize()
	}
	if h, err := s.eng.ensureMDHandle(ctx, s, true); err == nil {
		if err := h.Truncate(ctx, mdSize); err != nil {
			return err
		}
	} else {
		return err
	}

	if err := s.eng.MDAL.RemoveXattr(ctx, s.refPath, xattrRestart); err != nil {
		var mfe *errors.MarFSError
		if !stderr.As(err, &mfe) || mfe.Code != errors.ErrCodeRefNotFound {
			return err
		}
	}
	if err := s.eng.MDAL.SetXattr(ctx, s.refPath, xattrObjID, xattrcodec.EncodePre(s.preXattr())); err != nil {
		return err
	}
	if err := s.eng.MDAL.SetXattr(ctx, s.refPath, xattrPost, xattrcodec.EncodePost(s.postXattr())); err != nil {
		return err
	}

	s.state = stateSealed
	// Pending readers are woken and fail; reads issued after release see
	// a fresh queue against the now-sealed stream.
	s.readWQ.Abort()
	s.readWQ = newReadWaitQueue()

	if s.mdHandle != nil {
		err := s.mdHandle.Close(ctx)
		s.mdHandle = nil
		return err
	}
	return nil
}

func (s *Stream) postXattrSize() int64 {
	return int64(s.chunkNo+1) * int64(xattrcodec.MultiChunkInfoSize())
}

// Ftruncate implements ftruncate(n) for MarFS files: only n == 0 is
// legal. It resets the stream to state INIT under a fresh object id and
// re-establishes RESTART; the next Write opens the new DAL put. It does
// not trash or delete the existing object(s): they stay in the backing
// store, and this method does not call internal/trash.
func (s *Stream) Ftruncate(ctx context.Context, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n != 0 {
		return errors.New(errors.ErrCodeInternal, "datastream: ftruncate to non-zero size not supported on MarFS files").
			WithComponent("datastream").WithOperation("ftruncate")
	}

	s.readWQ.Abort()
	s.readWQ = newReadWaitQueue()
	s.chunkBuf.Reset()
	s.readChunkBuf = nil
	s.userBytes = 0
	s.chunkNo = 0
	s.ftag.ChunkNo = 0
	s.ftag.ObjType = types.ObjUni
	s.ftag.Flags = types.FlagWriting
	s.ftag.Unique++
	s.objectID = fmt.Sprintf("%s:%d", s.ftag.StreamID, s.ftag.Unique)
	s.pod, s.cp, s.sc = placement.ObjectLocation(s.repo, s.objectID)
	s.state = stateInit
	if s.dal != nil {
		_ = s.dal.Close(ctx)
		s.dal = nil
	}

	return s.eng.installRestart(ctx, s)
}
