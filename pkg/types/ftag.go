// Package types defines the core domain types shared across the MarFS
// engine: FTAG identity, the reserved xattr payloads, MultiChunkInfo and
// recovery-info records, operation chains, and the streamwalker report.
package types

import "time"

// ObjType is the object-layout variant a file's chunks are stored under.
type ObjType int

const (
	// ObjUni is one object per file.
	ObjUni ObjType = iota
	// ObjMulti is many objects per file (chunked).
	ObjMulti
	// ObjPacked is many files per object.
	ObjPacked
	// ObjN1 is many writers (chunks) per file, pre-extended.
	ObjN1
)

func (t ObjType) String() string {
	switch t {
	case ObjUni:
		return "UNI"
	case ObjMulti:
		return "MULTI"
	case ObjPacked:
		return "PACKED"
	case ObjN1:
		return "N1"
	default:
		return "UNKNOWN"
	}
}

// FTAGFlag are the state flags carried on an FTAG.
type FTAGFlag uint32

const (
	FlagWriting   FTAGFlag = 1 << iota // stream has an open, unsealed writer
	FlagFinalized                      // release has completed successfully
	FlagSized                          // POST.chunk_info_bytes reflects final content
	FlagDel                            // file has been unlinked/trashed
)

func (f FTAGFlag) Has(bit FTAGFlag) bool { return f&bit != 0 }

// FTAG is the per-file-per-chunk identity carried in the PRE/POST xattrs
// and in the recovery-info tail of every object.
type FTAG struct {
	ConfigVersMajor int
	ConfigVersMinor int

	StreamID string // unique across the NS; derived from (nsPath, ctime, sequence), no inode number
	Unique   int    // bumped on same-second recreate collision

	ObjectNo int // object-number within the stream
	ChunkNo  int // chunk-number within the object
	FileNo   int // file-number within the object (packed)

	// ObjOffset is the byte-offset of this file within its (possibly
	// packed) object.
	ObjOffset int64

	// RecoveryBytes is the recovery-info length carried per chunk.
	RecoveryBytes int64

	ObjType ObjType
	Flags   FTAGFlag

	// Bytes is the number of logical user bytes this FTAG record
	// currently accounts for (0 until POST is installed for a Uni file,
	// or updated per chunk for Multi).
	Bytes int64

	// NSPath is the MarFS-relative path of the owning file, used to
	// rebuild MDFS state purely from recovery info.
	NSPath string
}

// IsPacked reports whether this FTAG describes a file sharing an object
// with other files.
func (f FTAG) IsPacked() bool { return f.ObjType == ObjPacked }

// DataPerChunk returns the logical data bytes a single chunk holds given
// the repo's configured chunk_size:
// `chunk_size - recovery` (Uni/Multi/N1), or `chunk_size - chunks*recovery`
// for Packed objects sharing one object across multiple files.
func (f FTAG) DataPerChunk(chunkSize int64, chunksInObject int) int64 {
	if f.ObjType == ObjPacked {
		return chunkSize - int64(chunksInObject)*f.RecoveryBytes
	}
	return chunkSize - f.RecoveryBytes
}

// ChunkInfo locates a byte offset within the chunk/intra-chunk-offset
// space of a file, as used by the read path.
type ChunkInfo struct {
	ChunkNo      int
	IntraOffset  int64
}

// LocateChunk computes (chunk_k, intra-offset) for a logical read at
// `offset` bytes into the file, given the object's physical starting
// offset (post.ObjOffset) and the per-chunk data capacity.
func LocateChunk(objOffset, offset, dataPerChunk int64) ChunkInfo {
	phys := objOffset + offset
	if dataPerChunk <= 0 {
		return ChunkInfo{ChunkNo: 0, IntraOffset: phys}
	}
	return ChunkInfo{
		ChunkNo:     int(phys / dataPerChunk),
		IntraOffset: phys % dataPerChunk,
	}
}

// StreamCreatedAt is carried in PRE to pin a file to its object's
// creation ctime.
type StreamCreatedAt struct {
	CTime time.Time
}
