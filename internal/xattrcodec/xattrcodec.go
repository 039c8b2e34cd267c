// Package xattrcodec implements the bit-exact textual serialization of the
// PRE/POST/RESTART reserved xattrs, the binary MultiChunkInfo record, and
// the fixed-size recovery-info tail appended to every sealed object.
//
// Textual codecs are field-order parsing over an ordered run of FTAG
// fields. Binary MultiChunkInfo uses encoding/binary.BigEndian (portable
// network byte order).
package xattrcodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	marfserrors "github.com/marfs-core/marfs/pkg/errors"
	"github.com/marfs-core/marfs/pkg/types"
)

const fieldSep = "|"

// ConfigVersion identifies the config major/minor a codec instance was
// built for; xattr parsing fails with a version-mismatch error if an
// encoded record doesn't match.
type ConfigVersion struct {
	Major int
	Minor int
}

// EncodePre serializes a PreXattr to its canonical textual form.
func EncodePre(p types.PreXattr) string {
	fields := []string{
		strconv.Itoa(p.ConfigVersMajor),
		strconv.Itoa(p.ConfigVersMinor),
		p.StreamID,
		strconv.Itoa(p.Unique),
		strconv.Itoa(p.ObjectNo),
		strconv.Itoa(p.ChunkNo),
		strconv.Itoa(p.FileNo),
		strconv.FormatInt(p.ObjOffset, 10),
		strconv.FormatInt(p.RecoveryBytes, 10),
		strconv.Itoa(int(p.ObjType)),
		strconv.FormatUint(uint64(p.Flags), 10),
		strconv.FormatInt(p.Bytes, 10),
		p.NSPath,
		p.Repo,
		strconv.FormatInt(p.ChunkSize, 10),
		p.ObjectID,
		strconv.FormatInt(p.CTime.UnixNano(), 10),
	}
	return strings.Join(fields, fieldSep)
}

// DecodePre parses a PRE xattr value. cfg is the config version the caller
// expects; a mismatch against the encoded version is a version-mismatch
// error, not a parse failure.
func DecodePre(raw string, cfg ConfigVersion) (types.PreXattr, error) {
	fields := strings.Split(raw, fieldSep)
	const wantFields = 17
	if len(fields) != wantFields {
		return types.PreXattr{}, marfserrors.New(marfserrors.ErrCodeXattrParse,
			fmt.Sprintf("pre xattr: expected %d fields, got %d", wantFields, len(fields))).
			WithComponent("xattrcodec").WithOperation("decode_pre")
	}

	ints, err := parseInts(fields[0:12], "pre", []string{
		"config_major", "config_minor", "", "unique", "object_no", "chunk_no",
		"file_no", "obj_offset", "recovery_bytes", "obj_type", "flags", "bytes",
	})
	if err != nil {
		return types.PreXattr{}, err
	}

	major, minor := int(ints[0]), int(ints[1])
	if major != cfg.Major || minor != cfg.Minor {
		return types.PreXattr{}, marfserrors.New(marfserrors.ErrCodeVersionMismatch,
			fmt.Sprintf("pre xattr config version %d.%d does not match loaded config %d.%d",
				major, minor, cfg.Major, cfg.Minor)).
			WithComponent("xattrcodec").WithOperation("decode_pre")
	}

	chunkSize, err := strconv.ParseInt(fields[14], 10, 64)
	if err != nil {
		return types.PreXattr{}, xattrParseErr("pre", "chunk_size", err)
	}
	ctimeNanos, err := strconv.ParseInt(fields[16], 10, 64)
	if err != nil {
		return types.PreXattr{}, xattrParseErr("pre", "ctime", err)
	}

	return types.PreXattr{
		FTAG: types.FTAG{
			ConfigVersMajor: major,
			ConfigVersMinor: minor,
			StreamID:        fields[2],
			Unique:          int(ints[3]),
			ObjectNo:        int(ints[4]),
			ChunkNo:         int(ints[5]),
			FileNo:          int(ints[6]),
			ObjOffset:       ints[7],
			RecoveryBytes:   ints[8],
			ObjType:         types.ObjType(ints[9]),
			Flags:           types.FTAGFlag(ints[10]),
			Bytes:           ints[11],
			NSPath:          fields[12],
		},
		Repo:      fields[13],
		ChunkSize: chunkSize,
		ObjectID:  fields[15],
		CTime:     time.Unix(0, ctimeNanos).UTC(),
	}, nil
}

// EncodePost serializes a PostXattr to its canonical textual form.
func EncodePost(p types.PostXattr) string {
	fields := []string{
		strconv.Itoa(p.ConfigVersMajor),
		strconv.Itoa(p.ConfigVersMinor),
		p.StreamID,
		strconv.Itoa(p.Unique),
		strconv.Itoa(p.ObjectNo),
		strconv.Itoa(p.ChunkNo),
		strconv.Itoa(p.FileNo),
		strconv.FormatInt(p.ObjOffset, 10),
		strconv.FormatInt(p.RecoveryBytes, 10),
		strconv.Itoa(int(p.ObjType)),
		strconv.FormatUint(uint64(p.Flags), 10),
		strconv.FormatInt(p.Bytes, 10),
		p.NSPath,
		strconv.Itoa(p.ChunkCount),
		strconv.FormatInt(p.ChunkInfoBytes, 10),
		strconv.FormatUint(p.CorrectInfo, 10),
		strconv.FormatUint(p.EncryptInfo, 10),
		strconv.FormatBool(p.Trash),
	}
	return strings.Join(fields, fieldSep)
}

// DecodePost parses a POST xattr value.
func DecodePost(raw string, cfg ConfigVersion) (types.PostXattr, error) {
	fields := strings.Split(raw, fieldSep)
	const wantFields = 18
	if len(fields) != wantFields {
		return types.PostXattr{}, marfserrors.New(marfserrors.ErrCodeXattrParse,
			fmt.Sprintf("post xattr: expected %d fields, got %d", wantFields, len(fields))).
			WithComponent("xattrcodec").WithOperation("decode_post")
	}

	ints, err := parseInts(fields[0:12], "post", nil)
	if err != nil {
		return types.PostXattr{}, err
	}
	major, minor := int(ints[0]), int(ints[1])
	if major != cfg.Major || minor != cfg.Minor {
		return types.PostXattr{}, marfserrors.New(marfserrors.ErrCodeVersionMismatch,
			fmt.Sprintf("post xattr config version %d.%d does not match loaded config %d.%d",
				major, minor, cfg.Major, cfg.Minor)).
			WithComponent("xattrcodec").WithOperation("decode_post")
	}

	chunkCount, err := strconv.Atoi(fields[13])
	if err != nil {
		return types.PostXattr{}, xattrParseErr("post", "chunk_count", err)
	}
	chunkInfoBytes, err := strconv.ParseInt(fields[14], 10, 64)
	if err != nil {
		return types.PostXattr{}, xattrParseErr("post", "chunk_info_bytes", err)
	}
	correctInfo, err := strconv.ParseUint(fields[15], 10, 64)
	if err != nil {
		return types.PostXattr{}, xattrParseErr("post", "correct_info", err)
	}
	encryptInfo, err := strconv.ParseUint(fields[16], 10, 64)
	if err != nil {
		return types.PostXattr{}, xattrParseErr("post", "encrypt_info", err)
	}
	trash, err := strconv.ParseBool(fields[17])
	if err != nil {
		return types.PostXattr{}, xattrParseErr("post", "trash", err)
	}

	return types.PostXattr{
		FTAG: types.FTAG{
			ConfigVersMajor: major,
			ConfigVersMinor: minor,
			StreamID:        fields[2],
			Unique:          int(ints[3]),
			ObjectNo:        int(ints[4]),
			ChunkNo:         int(ints[5]),
			FileNo:          int(ints[6]),
			ObjOffset:       ints[7],
			RecoveryBytes:   ints[8],
			ObjType:         types.ObjType(ints[9]),
			Flags:           types.FTAGFlag(ints[10]),
			Bytes:           ints[11],
			NSPath:          fields[12],
		},
		ChunkCount:     chunkCount,
		ChunkInfoBytes: chunkInfoBytes,
		CorrectInfo:    correctInfo,
		EncryptInfo:    encryptInfo,
		Trash:          trash,
	}, nil
}

// EncodeRestart serializes a RESTART xattr.
func EncodeRestart(r types.RestartXattr) string {
	if !r.HasSavedMode {
		return "0"
	}
	return fmt.Sprintf("1%s%d", fieldSep, r.SavedMode)
}

// DecodeRestart parses a RESTART xattr value.
func DecodeRestart(raw string) (types.RestartXattr, error) {
	fields := strings.Split(raw, fieldSep)
	switch fields[0] {
	case "0":
		return types.RestartXattr{}, nil
	case "1":
		if len(fields) != 2 {
			return types.RestartXattr{}, marfserrors.New(marfserrors.ErrCodeXattrParse,
				"restart xattr: saved-mode flag set but mode field missing").
				WithComponent("xattrcodec").WithOperation("decode_restart")
		}
		mode, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return types.RestartXattr{}, xattrParseErr("restart", "saved_mode", err)
		}
		return types.RestartXattr{HasSavedMode: true, SavedMode: uint32(mode)}, nil
	default:
		return types.RestartXattr{}, marfserrors.New(marfserrors.ErrCodeXattrParse,
			fmt.Sprintf("restart xattr: unknown flag %q", fields[0])).
			WithComponent("xattrcodec").WithOperation("decode_restart")
	}
}

// streamIDField is the index of the textual StreamID within the leading
// FTAG fields of PRE and POST; parseInts leaves it out.
const streamIDField = 2

// parseInts parses the leading FTAG fields as base-10 int64s, skipping
// the StreamID field (its slot in the result stays 0).
func parseInts(fields []string, xattr string, names []string) ([]int64, error) {
	out := make([]int64, len(fields))
	for i, f := range fields {
		if i == streamIDField {
			continue
		}
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			name := fmt.Sprintf("field %d", i)
			if names != nil && i < len(names) && names[i] != "" {
				name = names[i]
			}
			return nil, xattrParseErr(xattr, name, err)
		}
		out[i] = v
	}
	return out, nil
}

func xattrParseErr(xattr, field string, cause error) *marfserrors.MarFSError {
	return marfserrors.New(marfserrors.ErrCodeXattrParse,
		fmt.Sprintf("%s xattr: invalid %s", xattr, field)).
		WithComponent("xattrcodec").WithOperation("decode_"+xattr).WithCause(cause)
}

// multiChunkInfoSize is sizeof(MultiChunkInfo) on disk: two uint32s and
// four int64/uint64s.
const multiChunkInfoSize = 4 + 4 + 8 + 8 + 8 + 8

// EncodeMultiChunkInfo writes one MultiChunkInfo record in portable
// network byte order.
func EncodeMultiChunkInfo(m types.MultiChunkInfo) []byte {
	buf := make([]byte, multiChunkInfoSize)
	binary.BigEndian.PutUint32(buf[0:4], m.ConfigVers)
	binary.BigEndian.PutUint32(buf[4:8], m.ChunkNo)
	binary.BigEndian.PutUint64(buf[8:16], uint64(m.LogicalOffset))
	binary.BigEndian.PutUint64(buf[16:24], uint64(m.ChunkDataBytes))
	binary.BigEndian.PutUint64(buf[24:32], m.CorrectInfo)
	binary.BigEndian.PutUint64(buf[32:40], m.EncryptInfo)
	return buf
}

// DecodeMultiChunkInfo parses one on-disk MultiChunkInfo record.
func DecodeMultiChunkInfo(buf []byte) (types.MultiChunkInfo, error) {
	if len(buf) != multiChunkInfoSize {
		return types.MultiChunkInfo{}, marfserrors.New(marfserrors.ErrCodeXattrParse,
			fmt.Sprintf("multi_chunk_info: expected %d bytes, got %d", multiChunkInfoSize, len(buf))).
			WithComponent("xattrcodec").WithOperation("decode_multi_chunk_info")
	}
	return types.MultiChunkInfo{
		ConfigVers:     binary.BigEndian.Uint32(buf[0:4]),
		ChunkNo:        binary.BigEndian.Uint32(buf[4:8]),
		LogicalOffset:  int64(binary.BigEndian.Uint64(buf[8:16])),
		ChunkDataBytes: int64(binary.BigEndian.Uint64(buf[16:24])),
		CorrectInfo:    binary.BigEndian.Uint64(buf[24:32]),
		EncryptInfo:    binary.BigEndian.Uint64(buf[32:40]),
	}, nil
}

// ReadChunkInfoArray decodes a run of MultiChunkInfo records from an MD
// file's chunk-info region, stopping at EOF or the first all-zero (hole)
// record; counting chunks scans until it finds either EOF or the first
// all-zero record.
func ReadChunkInfoArray(data []byte) ([]types.MultiChunkInfo, error) {
	var out []types.MultiChunkInfo
	for off := 0; off+multiChunkInfoSize <= len(data); off += multiChunkInfoSize {
		rec, err := DecodeMultiChunkInfo(data[off : off+multiChunkInfoSize])
		if err != nil {
			return nil, err
		}
		if rec.IsHole() {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

// MultiChunkInfoSize exposes the fixed on-disk record size.
func MultiChunkInfoSize() int { return multiChunkInfoSize }

// recTailSize is sizeof(RecoveryTail) on disk: two ASCII-decimal fields
// the recovery tool can locate without knowing the rest of the layout,
// space-separated and right-padded with spaces to a fixed width
// so MARFS_REC_TAIL_SIZE is constant regardless of field magnitude.
const recTailSize = 64

// EncodeRecoveryTail formats the tail as "<files-in-object>
// <total-recovery-bytes>", padded to recTailSize bytes.
func EncodeRecoveryTail(t types.RecoveryTail) []byte {
	s := fmt.Sprintf("%d %d", t.FilesInObject, t.TotalRecBytes)
	buf := make([]byte, recTailSize)
	copy(buf, s)
	for i := len(s); i < recTailSize; i++ {
		buf[i] = ' '
	}
	return buf
}

// DecodeRecoveryTail parses a fixed-width recovery tail. Callers read the
// last recTailSize bytes of an object to obtain buf.
func DecodeRecoveryTail(buf []byte) (types.RecoveryTail, error) {
	if len(buf) != recTailSize {
		return types.RecoveryTail{}, marfserrors.New(marfserrors.ErrCodeXattrParse,
			fmt.Sprintf("recovery tail: expected %d bytes, got %d", recTailSize, len(buf))).
			WithComponent("xattrcodec").WithOperation("decode_recovery_tail")
	}
	fields := strings.Fields(string(buf))
	if len(fields) != 2 {
		return types.RecoveryTail{}, marfserrors.New(marfserrors.ErrCodeXattrParse,
			"recovery tail: expected exactly two fields").
			WithComponent("xattrcodec").WithOperation("decode_recovery_tail")
	}
	filesInObject, err := strconv.Atoi(fields[0])
	if err != nil {
		return types.RecoveryTail{}, xattrParseErr("recovery_tail", "files_in_object", err)
	}
	totalRecBytes, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return types.RecoveryTail{}, xattrParseErr("recovery_tail", "total_rec_bytes", err)
	}
	return types.RecoveryTail{FilesInObject: filesInObject, TotalRecBytes: totalRecBytes}, nil
}

// RecoveryTailSize exposes the fixed on-disk tail size
// (MARFS_REC_TAIL_SIZE).
func RecoveryTailSize() int { return recTailSize }

// EncodeRecoveryInfo lays out HEAD | 0 | (PRE | 0 | POST | 0) per file |
// PATH | 0 | zero-padding | TAIL, padded/truncated to totalSize
// (MARFS_REC_UNI_SIZE). A Uni/Multi/N:1 object carries one Files entry;
// a Packed object carries one per packed file, so TAIL's files-in-object
// count always matches len(info.Files).
func EncodeRecoveryInfo(info types.RecoveryInfo, totalSize int) ([]byte, error) {
	var body bytes.Buffer

	head := encodeRecoveryHead(info.Head)
	body.Write(head)
	body.WriteByte(0)
	for _, f := range info.Files {
		body.WriteString(f.Pre)
		body.WriteByte(0)
		body.WriteString(f.Post)
		body.WriteByte(0)
	}
	body.WriteString("PATH:" + info.Path)
	body.WriteByte(0)

	tail := EncodeRecoveryTail(info.Tail)
	needed := body.Len() + recTailSize
	if needed > totalSize {
		return nil, marfserrors.New(marfserrors.ErrCodeInternal,
			fmt.Sprintf("recovery info: encoded body+tail (%d bytes) exceeds MARFS_REC_UNI_SIZE (%d bytes)",
				needed, totalSize)).WithComponent("xattrcodec").WithOperation("encode_recovery_info")
	}

	out := make([]byte, totalSize)
	copy(out, body.Bytes())
	copy(out[totalSize-recTailSize:], tail)
	return out, nil
}

// DecodeRecoveryInfo parses a recovery-info blob of exactly totalSize
// bytes. The caller is expected to have located totalSize first by
// reading the object's tail MARFS_REC_TAIL_SIZE bytes and working
// backwards; this function parses the region once its extent is known.
// TAIL is decoded first so its files-in-object count tells the parser how
// many PRE/POST pairs precede PATH.
func DecodeRecoveryInfo(buf []byte, totalSize int) (types.RecoveryInfo, error) {
	if len(buf) != totalSize {
		return types.RecoveryInfo{}, marfserrors.New(marfserrors.ErrCodeXattrParse,
			fmt.Sprintf("recovery info: expected %d bytes, got %d", totalSize, len(buf))).
			WithComponent("xattrcodec").WithOperation("decode_recovery_info")
	}
	tail, err := DecodeRecoveryTail(buf[totalSize-recTailSize:])
	if err != nil {
		return types.RecoveryInfo{}, err
	}
	if tail.FilesInObject < 1 {
		return types.RecoveryInfo{}, marfserrors.New(marfserrors.ErrCodeXattrParse,
			"recovery info: tail reports no files in object").
			WithComponent("xattrcodec").WithOperation("decode_recovery_info")
	}

	body := buf[:totalSize-recTailSize]
	head, rest, err := decodeRecoveryHead(body)
	if err != nil {
		return types.RecoveryInfo{}, err
	}

	wantParts := 2*tail.FilesInObject + 1
	parts := bytes.SplitN(rest, []byte{0}, wantParts+1)
	if len(parts) < wantParts {
		return types.RecoveryInfo{}, marfserrors.New(marfserrors.ErrCodeXattrParse,
			"recovery info: malformed PRE/POST/PATH region").
			WithComponent("xattrcodec").WithOperation("decode_recovery_info")
	}

	files := make([]types.RecoveryFileEntry, tail.FilesInObject)
	for i := range files {
		files[i] = types.RecoveryFileEntry{Pre: string(parts[2*i]), Post: string(parts[2*i+1])}
	}
	path := strings.TrimPrefix(string(parts[2*tail.FilesInObject]), "PATH:")

	return types.RecoveryInfo{
		Head:  head,
		Files: files,
		Path:  path,
		Tail:  tail,
	}, nil
}

const recoveryHeadSize = 8 + 4 + 4 + 4 + 4 + 8

func encodeRecoveryHead(h types.RecoveryHead) []byte {
	buf := make([]byte, recoveryHeadSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.Size))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Version))
	binary.BigEndian.PutUint32(buf[12:16], h.Mode)
	binary.BigEndian.PutUint32(buf[16:20], h.UID)
	binary.BigEndian.PutUint32(buf[20:24], h.GID)
	binary.BigEndian.PutUint64(buf[24:32], uint64(h.MTime.UnixNano()))
	return buf
}

func decodeRecoveryHead(buf []byte) (types.RecoveryHead, []byte, error) {
	if len(buf) < recoveryHeadSize {
		return types.RecoveryHead{}, nil, marfserrors.New(marfserrors.ErrCodeXattrParse,
			"recovery info: truncated head").WithComponent("xattrcodec").WithOperation("decode_recovery_head")
	}
	h := types.RecoveryHead{
		Size:    int64(binary.BigEndian.Uint64(buf[0:8])),
		Version: int(binary.BigEndian.Uint32(buf[8:12])),
		Mode:    binary.BigEndian.Uint32(buf[12:16]),
		UID:     binary.BigEndian.Uint32(buf[16:20]),
		GID:     binary.BigEndian.Uint32(buf[20:24]),
		MTime:   time.Unix(0, int64(binary.BigEndian.Uint64(buf[24:32]))).UTC(),
	}
	rest := buf[recoveryHeadSize:]
	// Trim the single NUL separator after HEAD.
	if len(rest) > 0 && rest[0] == 0 {
		rest = rest[1:]
	}
	return h, rest, nil
}
