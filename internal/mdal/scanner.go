package mdal

import (
	"context"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/marfs-core/marfs/pkg/types"
)

// Marker file name conventions the posix MDAL uses to flag a reference
// entry as a rebuild or repack candidate out of band from the regular
// stream-head file. An operator or repair tool installs one
// of these alongside a stream's head entry; its age is the distance from
// the unix-seconds timestamp encoded in its name to scan time, so
// classification needs only scandir and no stat per entry.
const (
	rebuildMarkerPrefix = ".marfs_rebuild."
	repackMarkerPrefix  = ".marfs_repack."
)

// dirScanner implements types.Scanner over a pre-read slice of
// os.DirEntry, classifying each by the marker-file naming convention.
// Single-threaded per instance.
type dirScanner struct {
	entries []fs.DirEntry
	idx     int
	now     time.Time
}

func newDirScanner(entries []fs.DirEntry) *dirScanner {
	return &dirScanner{entries: entries, now: time.Now()}
}

func (s *dirScanner) Next(ctx context.Context) (types.ScanEntry, bool, error) {
	if s.idx >= len(s.entries) {
		return types.ScanEntry{}, false, nil
	}
	e := s.entries[s.idx]
	s.idx++

	name := e.Name()
	switch {
	case strings.HasPrefix(name, rebuildMarkerPrefix):
		return types.ScanEntry{
			Name: markerTarget(name, rebuildMarkerPrefix),
			Kind: types.ScanRebuildMarker,
			Age:  markerAge(name, rebuildMarkerPrefix, s.now),
		}, true, nil
	case strings.HasPrefix(name, repackMarkerPrefix):
		return types.ScanEntry{
			Name: markerTarget(name, repackMarkerPrefix),
			Kind: types.ScanRepackMarker,
			Age:  markerAge(name, repackMarkerPrefix, s.now),
		}, true, nil
	case strings.HasPrefix(name, "."):
		return types.ScanEntry{Name: name, Kind: types.ScanUnknown}, true, nil
	default:
		return types.ScanEntry{Name: name, Kind: types.ScanStreamStart}, true, nil
	}
}

func (s *dirScanner) Close() error { return nil }

// markerTarget strips a marker name down to the reference entry it
// flags: prefix and timestamp removed, stream id left.
func markerTarget(name, prefix string) string {
	rest := strings.TrimPrefix(name, prefix)
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return rest
}

// markerAge parses the unix-seconds suffix a marker file name carries
// (e.g. ".marfs_rebuild.<unixsec>.<streamid>") and returns the elapsed
// duration since then; zero if unparseable.
func markerAge(name, prefix string, now time.Time) time.Duration {
	rest := strings.TrimPrefix(name, prefix)
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) == 0 {
		return 0
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0
	}
	age := now.Sub(time.Unix(sec, 0))
	if age < 0 {
		return 0
	}
	return age
}

// MarkerName builds the on-disk marker file name for a rebuild or repack
// candidate, for callers (streamwalker, resource manager) that install
// markers rather than just read them.
func MarkerName(kind types.ScanEntryKind, streamID string, at time.Time) string {
	prefix := rebuildMarkerPrefix
	if kind == types.ScanRepackMarker {
		prefix = repackMarkerPrefix
	}
	return prefix + strconv.FormatInt(at.Unix(), 10) + "." + streamID
}
