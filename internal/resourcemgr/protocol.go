// Package resourcemgr implements the rank-0-manager/N-worker resource
// manager: reference-range work distribution, a per-worker
// producer/consumer thread-queue, operation execution, and the quota
// post-pass.
//
// A single Go process plays every rank as a goroutine rather than a
// separate OS process or MPI rank; goroutines are the idiomatic Go
// stand-in for "rank 0 plus N workers, single process if N=1".
package resourcemgr

import (
	"github.com/marfs-core/marfs/pkg/types"
)

// RequestKind tags a manager-to-worker dispatch.
type RequestKind string

const (
	RLOGWork      RequestKind = "RLOG_WORK"
	NSWork        RequestKind = "NS_WORK"
	CompleteWork  RequestKind = "COMPLETE_WORK"
	TerminateWork RequestKind = "TERMINATE_WORK"
	AbortWork     RequestKind = "ABORT_WORK"
)

// WorkerState is one worker's position in the state machine a request
// kind drives it through: READY moves
// to REPLAY or WALK on RLOG_WORK/NS_WORK, to DRAIN once its queue empties
// awaiting COMPLETE_WORK, to EXIT on TERMINATE_WORK, and to PURGE->EXIT
// on ABORT_WORK from any state.
type WorkerState int

const (
	StateReady WorkerState = iota
	StateReplay
	StateWalk
	StateDrain
	StateExit
	StatePurge
)

func (s WorkerState) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateReplay:
		return "REPLAY"
	case StateWalk:
		return "WALK"
	case StateDrain:
		return "DRAIN"
	case StateExit:
		return "EXIT"
	case StatePurge:
		return "PURGE"
	default:
		return "UNKNOWN"
	}
}

// Request is one manager-to-worker dispatch.
type Request struct {
	Kind RequestKind

	// NS and Range address an NS_WORK reference-range assignment.
	NS    *types.Namespace
	Range RefRange

	// RLOG rank identifies whose prior-run log a RLOG_WORK replay covers
	// (normally the receiving worker's own rank).
	RLOGRank int

	// RLOGPath, when set, points an RLOG_WORK replay at a specific prior
	// log file instead of the worker's own current journal — the manager
	// uses it to execute a recorded dry-run (`-X`) or to replay a crashed
	// iteration's logs under a new iteration name.
	RLOGPath string
}

// Response is one worker-to-manager result.
type Response struct {
	Rank  int
	State WorkerState

	Report types.StreamwalkerReport

	// Err is set only for a fatal rank error;
	// the manager answers with ABORT_WORK when it sees one.
	Err error
}
