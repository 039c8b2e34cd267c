// Package resourcelog implements the append-only per-rank journal and
// per-iteration summary the resource manager uses for crash safety and
// replay. Records are JSON lines appended and fsynced one at a time;
// summaries are persisted via a temp-file-then-rename so no reader ever
// sees a torn one.
package resourcelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	marfserrors "github.com/marfs-core/marfs/pkg/errors"
	"github.com/marfs-core/marfs/pkg/types"
)

// Mode selects record (dry-run: plan only) or modify (plan + completion)
// logging.
type Mode int

const (
	ModeRecord Mode = iota
	ModeModify
)

func (m Mode) String() string {
	if m == ModeModify {
		return "MODIFY"
	}
	return "RECORD"
}

// SummaryFileName is the per-iteration summary file at the iteration root.
const SummaryFileName = "summary.log"

// EscapeNS applies the `/`→`#` escape used for a log directory component
// derived from a namespace id.
func EscapeNS(nsID string) string {
	return strings.ReplaceAll(nsID, "/", "#")
}

// UnescapeNS reverses EscapeNS, recovering a namespace id from a log
// directory component.
func UnescapeNS(escaped string) string {
	return strings.ReplaceAll(escaped, "#", "/")
}

// Record is one line of a rank's journal: an operation's plan, and later
// its completion.
type Record struct {
	OpID      string       `json:"op_id"`
	Kind      types.OpKind `json:"kind"`
	FTAG      types.FTAG   `json:"ftag"`
	Completed bool         `json:"completed"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`

	// RefPath, Repo, and ObjectID mirror types.Operation's classification-
	// time capture (see operation.go) so a replayed record carries enough
	// context for the executor to act without re-resolving the reference
	// path's xattrs, which may already be gone by the time replay runs.
	RefPath  string `json:"ref_path,omitempty"`
	Repo     string `json:"repo,omitempty"`
	ObjectID string `json:"object_id,omitempty"`

	// RebuildLoc mirrors types.Operation.RebuildLoc for REBUILD records.
	RebuildLoc *types.PlacementLoc `json:"rebuild_loc,omitempty"`
}

// Log is one rank's append-only journal for one (iteration, namespace).
// Writes are serialized by mu.
type Log struct {
	mu   sync.Mutex
	mode Mode
	path string
	f    *os.File
	seq  int64
}

// PathOf returns the on-disk path this Log was opened against, so a
// caller can re-scan its own journal for replay.
func (l *Log) PathOf() string {
	return l.path
}

// Path builds the on-disk path for one rank's log file.
func Path(logRoot string, mode Mode, iteration, nsID string, rank int) string {
	return filepath.Join(logRoot, mode.String(), iteration, EscapeNS(nsID), fmt.Sprintf("%d.log", rank))
}

// Open opens (creating if absent) the append-only journal for one rank.
func Open(logRoot string, mode Mode, iteration, nsID string, rank int) (*Log, error) {
	path := Path(logRoot, mode, iteration, nsID, rank)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, marfserrors.New(marfserrors.ErrCodeInternal, "create log directory").
			WithComponent("resourcelog").WithOperation("open").WithCause(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, marfserrors.New(marfserrors.ErrCodeInternal, "open log file").
			WithComponent("resourcelog").WithOperation("open").WithCause(err)
	}
	return &Log{mode: mode, path: path, f: f}, nil
}

// Start writes the plan record for op and returns its op-id. In record
// mode (dry-run) this is the only record ever written for op.
func (l *Log) Start(op *types.Operation) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	opID := fmt.Sprintf("%s-%d", op.Kind, l.seq)
	rec := Record{
		OpID: opID, Kind: op.Kind, FTAG: op.FTAG, Timestamp: time.Now(),
		RefPath: op.RefPath, Repo: op.Repo, ObjectID: op.ObjectID, RebuildLoc: op.RebuildLoc,
	}
	if err := l.appendLocked(rec); err != nil {
		return "", err
	}
	return opID, nil
}

// Complete writes the completion record for opID. A log-op failure is
// fatal to the rank; callers must treat a non-nil return as fatal-rank.
func (l *Log) Complete(opID string, op *types.Operation, opErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		OpID: opID, Kind: op.Kind, FTAG: op.FTAG, Completed: true, Timestamp: time.Now(),
		RefPath: op.RefPath, Repo: op.Repo, ObjectID: op.ObjectID, RebuildLoc: op.RebuildLoc,
	}
	if opErr != nil {
		rec.Error = opErr.Error()
	}
	return l.appendLocked(rec)
}

func (l *Log) appendLocked(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return marfserrors.New(marfserrors.ErrCodeInternal, "marshal log record").
			WithComponent("resourcelog").WithOperation("append").WithCause(err)
	}
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return marfserrors.New(marfserrors.ErrCodeLogDesync, "write log record").
			WithComponent("resourcelog").WithOperation("append").WithCause(err)
	}
	return l.f.Sync()
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// ReplayPending reads a completed log file and returns the Start records
// that have no matching Complete record: executing only ops lacking a
// completion yields a state identical to a successful original run.
func ReplayPending(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, marfserrors.New(marfserrors.ErrCodeInternal, "open log for replay").
			WithComponent("resourcelog").WithOperation("replay").WithCause(err)
	}
	defer f.Close()

	starts := make(map[string]Record)
	completed := make(map[string]bool)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // tolerate a truncated trailing line from a crash mid-write
		}
		if rec.Completed {
			completed[rec.OpID] = true
		} else {
			starts[rec.OpID] = rec
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, marfserrors.New(marfserrors.ErrCodeInternal, "scan log for replay").
			WithComponent("resourcelog").WithOperation("replay").WithCause(err)
	}

	var pending []Record
	for opID, rec := range starts {
		if !completed[opID] {
			pending = append(pending, rec)
		}
	}
	return pending, nil
}

// Summary is the per-iteration SUMMARY_LOG content: the arguments,
// config version, thresholds, and mode mirrored literally so a future run
// can resume a dry-run or refuse a still-active iteration.
type Summary struct {
	Args            []string          `json:"args"`
	Mode            Mode              `json:"mode"`
	ConfigVersMajor int               `json:"config_vers_major"`
	ConfigVersMinor int               `json:"config_vers_minor"`
	Thresholds      map[string]string `json:"thresholds"`
	StartedAt       time.Time         `json:"started_at"`
	ClosedAt        time.Time         `json:"closed_at,omitempty"`
}

func summaryPath(logRoot string, mode Mode, iteration string) string {
	return filepath.Join(logRoot, mode.String(), iteration, SummaryFileName)
}

// WriteSummary persists s atomically (temp file + rename) so a concurrent
// reader never observes a partially-written summary.
func WriteSummary(logRoot string, mode Mode, iteration string, s Summary) error {
	path := summaryPath(logRoot, mode, iteration)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return marfserrors.New(marfserrors.ErrCodeInternal, "create iteration directory").
			WithComponent("resourcelog").WithOperation("write_summary").WithCause(err)
	}
	tmp := path + ".tmp"
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return marfserrors.New(marfserrors.ErrCodeInternal, "marshal summary").
			WithComponent("resourcelog").WithOperation("write_summary").WithCause(err)
	}
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return marfserrors.New(marfserrors.ErrCodeInternal, "write summary temp file").
			WithComponent("resourcelog").WithOperation("write_summary").WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return marfserrors.New(marfserrors.ErrCodeInternal, "rename summary into place").
			WithComponent("resourcelog").WithOperation("write_summary").WithCause(err)
	}
	return nil
}

// CloseSummary stamps ClosedAt on an existing summary so a future startup
// scan can tell this iteration finished cleanly.
func CloseSummary(logRoot string, mode Mode, iteration string, closedAt time.Time) error {
	s, err := LoadSummary(logRoot, mode, iteration)
	if err != nil {
		return err
	}
	s.ClosedAt = closedAt
	return WriteSummary(logRoot, mode, iteration, s)
}

// LoadSummary reads back a previously written summary.
func LoadSummary(logRoot string, mode Mode, iteration string) (Summary, error) {
	data, err := os.ReadFile(summaryPath(logRoot, mode, iteration))
	if err != nil {
		return Summary{}, marfserrors.New(marfserrors.ErrCodeRefNotFound, "summary not found").
			WithComponent("resourcelog").WithOperation("load_summary").WithCause(err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return Summary{}, marfserrors.New(marfserrors.ErrCodeInternal, "unmarshal summary").
			WithComponent("resourcelog").WithOperation("load_summary").WithCause(err)
	}
	return s, nil
}

// IterationDisposition is the crash-safety verdict ScanIterations reaches
// for one iteration directory.
type IterationDisposition int

const (
	DispositionReplay IterationDisposition = iota
	DispositionDeleteStale
	DispositionRefuse
	DispositionActive // summary closed or too fresh to touch; leave alone
)

// IterationInfo pairs an iteration name with its disposition.
type IterationInfo struct {
	Iteration   string
	Disposition IterationDisposition
}

// ScanIterations walks <logroot>/<mode> and classifies each iteration
// directory: a summary older than skipThresh but newer than
// inactiveThresh is a crashed run to replay; no summary and older than
// inactiveThresh is deleted; no summary and newer refuses the run.
func ScanIterations(logRoot string, mode Mode, skipThresh, inactiveThresh time.Duration, now time.Time) ([]IterationInfo, error) {
	root := filepath.Join(logRoot, mode.String())
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, marfserrors.New(marfserrors.ErrCodeInternal, "scan log root").
			WithComponent("resourcelog").WithOperation("scan_iterations").WithCause(err)
	}

	var out []IterationInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		iteration := e.Name()
		sp := summaryPath(logRoot, mode, iteration)
		info, statErr := os.Stat(sp)

		if statErr != nil {
			dirInfo, derr := os.Stat(filepath.Join(root, iteration))
			if derr != nil {
				continue
			}
			age := now.Sub(dirInfo.ModTime())
			if age > inactiveThresh {
				out = append(out, IterationInfo{Iteration: iteration, Disposition: DispositionDeleteStale})
			} else {
				out = append(out, IterationInfo{Iteration: iteration, Disposition: DispositionRefuse})
			}
			continue
		}

		s, err := LoadSummary(logRoot, mode, iteration)
		if err == nil && !s.ClosedAt.IsZero() {
			out = append(out, IterationInfo{Iteration: iteration, Disposition: DispositionActive})
			continue
		}

		age := now.Sub(info.ModTime())
		switch {
		case age > skipThresh && age <= inactiveThresh:
			out = append(out, IterationInfo{Iteration: iteration, Disposition: DispositionReplay})
		case age > inactiveThresh:
			out = append(out, IterationInfo{Iteration: iteration, Disposition: DispositionDeleteStale})
		default:
			out = append(out, IterationInfo{Iteration: iteration, Disposition: DispositionActive})
		}
	}
	return out, nil
}

// DeleteIteration removes an iteration's entire log tree.
func DeleteIteration(logRoot string, mode Mode, iteration string) error {
	dir := filepath.Join(logRoot, mode.String(), iteration)
	if err := os.RemoveAll(dir); err != nil {
		return marfserrors.New(marfserrors.ErrCodeInternal, "delete stale iteration").
			WithComponent("resourcelog").WithOperation("delete_iteration").WithCause(err)
	}
	return nil
}

// RankLog locates one rank's journal inside an iteration's log tree.
type RankLog struct {
	NSID string
	Rank int
	Path string
}

// RankLogs enumerates every per-rank log file under one iteration,
// recovering each file's namespace id and rank from the directory/file
// naming scheme. Used by the manager both to replay a crashed run and to
// execute a recorded dry-run.
func RankLogs(logRoot string, mode Mode, iteration string) ([]RankLog, error) {
	iterDir := filepath.Join(logRoot, mode.String(), iteration)
	nsDirs, err := os.ReadDir(iterDir)
	if err != nil {
		return nil, marfserrors.New(marfserrors.ErrCodeRefNotFound, "iteration log tree not found").
			WithComponent("resourcelog").WithOperation("rank_logs").WithCause(err)
	}

	var out []RankLog
	for _, nd := range nsDirs {
		if !nd.IsDir() {
			continue
		}
		nsID := UnescapeNS(nd.Name())
		files, err := os.ReadDir(filepath.Join(iterDir, nd.Name()))
		if err != nil {
			return nil, marfserrors.New(marfserrors.ErrCodeInternal, "scan namespace log directory").
				WithComponent("resourcelog").WithOperation("rank_logs").WithCause(err)
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, ".log") {
				continue
			}
			rank, err := strconv.Atoi(strings.TrimSuffix(name, ".log"))
			if err != nil {
				continue
			}
			out = append(out, RankLog{NSID: nsID, Rank: rank, Path: filepath.Join(iterDir, nd.Name(), name)})
		}
	}
	return out, nil
}

// PreserveIteration moves a finished iteration's entire log tree to
// target, keeping the <mode>/<iteration> layout underneath
// it so a preserved tree stays replayable in place.
func PreserveIteration(logRoot string, mode Mode, iteration, target string) error {
	src := filepath.Join(logRoot, mode.String(), iteration)
	dst := filepath.Join(target, mode.String(), iteration)
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return marfserrors.New(marfserrors.ErrCodeInternal, "create preserved-log directory").
			WithComponent("resourcelog").WithOperation("preserve_iteration").WithCause(err)
	}
	if err := os.Rename(src, dst); err != nil {
		return marfserrors.New(marfserrors.ErrCodeInternal, "move iteration to preserved target").
			WithComponent("resourcelog").WithOperation("preserve_iteration").WithCause(err)
	}
	return nil
}

// DefaultIteration names an iteration by timestamp, the `-i` default.
func DefaultIteration(now time.Time) string {
	return strconv.FormatInt(now.Unix(), 10)
}
