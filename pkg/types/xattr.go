package types

import "time"

// PreXattr is the parsed form of the `<prefix>objid` xattr: the FTAG
// prefix that pins a file to a specific repo, chunk-size, object-id, and
// object-creation ctime. Once set it is never rewritten for
// the same (StreamID, ChunkNo) except on truncate-to-zero.
type PreXattr struct {
	FTAG
	Repo      string
	ChunkSize int64
	ObjectID  string
	CTime     time.Time
}

// MultiChunkInfo is the binary, portable-network-byte-order record
// written once per object in a Multi file.
//
// Invariant: ChunkNo*(chunkSize-recovery) == LogicalOffset for all but
// the last chunk, which may be shorter but never longer.
type MultiChunkInfo struct {
	ConfigVers     uint32
	ChunkNo        uint32
	LogicalOffset  int64
	ChunkDataBytes int64
	CorrectInfo    uint64
	EncryptInfo    uint64
}

// IsHole reports whether this is an all-zero record: a pftool N:1 writer
// has not yet filled this slot.
func (m MultiChunkInfo) IsHole() bool {
	return m == MultiChunkInfo{}
}

// PostXattr is the parsed form of the `<prefix>post` xattr: the tail of
// FTAG plus chunk accounting.
type PostXattr struct {
	FTAG
	ChunkCount     int
	ChunkInfoBytes int64 // length of the MultiChunkInfo array in the MD file
	CorrectInfo    uint64
	EncryptInfo    uint64
	Trash          bool
}

// RestartXattr is the parsed form of the `<prefix>restart` xattr: a short
// blob indicating "write incomplete". SavedMode is set when a writer
// needed a permissive MD-file mode during write and must restore a
// stricter one at release.
type RestartXattr struct {
	HasSavedMode bool
	SavedMode    uint32
}

// RecoveryFileEntry is one constituent file's PRE/POST pair within an
// object's recovery-info region. A Uni/Multi/N:1 object carries exactly
// one entry; a Packed object carries one per packed file, in the order
// they were written, so recovery tooling can reconstruct every MDFS
// record sharing that object from the object alone.
type RecoveryFileEntry struct {
	Pre  string
	Post string
}

// RecoveryInfo is the fixed-size tail appended to every sealed object
// HEAD carries size/version/stat-like fields; TAIL lets a
// recovery tool parse an object backwards.
type RecoveryInfo struct {
	Head  RecoveryHead
	Files []RecoveryFileEntry
	Path  string // "PATH:<ns-path>"
	Tail  RecoveryTail
}

// RecoveryHead mirrors the stat-like header at the front of the recovery
// tail.
type RecoveryHead struct {
	Size    int64
	Version int
	Mode    uint32
	UID     uint32
	GID     uint32
	MTime   time.Time
}

// RecoveryTail is the final fixed-size pair a recovery tool reads first,
// from the last MARFS_REC_TAIL_SIZE bytes of the object, to recover how
// far back to parse.
type RecoveryTail struct {
	FilesInObject int
	TotalRecBytes int64
}
