package resourcemgr

import (
	"context"
	"sync"
	"time"

	"github.com/marfs-core/marfs/internal/logging"
	"github.com/marfs-core/marfs/internal/resourcelog"
	"github.com/marfs-core/marfs/internal/streamwalker"
	"github.com/marfs-core/marfs/internal/xattrcodec"
	"github.com/marfs-core/marfs/pkg/types"
)

var workerLog = logging.New("resourcemgr")

// opJob pairs one classified operation chain with the namespace it
// belongs to, so a consumer can execute it without re-deriving namespace
// context.
type opJob struct {
	ns   *types.Namespace
	head *types.Operation
}

// Worker is one rank's thread pool: numprodthreads producers walk
// assigned reference-range leaf directories, classify the files they
// find, and feed the resulting op chains into a shared channel;
// numconsthreads consumers drain it and execute each chain in order.
type Worker struct {
	Rank int

	MDAL     types.MDAL
	Walker   *streamwalker.Walker
	Executor *Executor
	Log      *resourcelog.Log
	CfgVers  xattrcodec.ConfigVersion

	NumProdThreads int
	NumConsThreads int
}

// Handle answers one manager Request, driving this rank through the
// WorkerState diagram (READY -> REPLAY|WALK -> READY, or -> PURGE/EXIT).
// The manager and worker share one process here, so the request/response
// values are constructed and consumed in-process rather than serialized
// over a transport.
func (w *Worker) Handle(ctx context.Context, req Request) Response {
	switch req.Kind {
	case NSWork:
		rep, err := w.walkRange(ctx, req.NS, req.Range)
		return Response{Rank: w.Rank, State: StateWalk, Report: rep, Err: err}
	case RLOGWork:
		err := w.replay(ctx, req.NS, req.RLOGPath)
		return Response{Rank: w.Rank, State: StateReplay, Err: err}
	case CompleteWork:
		return Response{Rank: w.Rank, State: StateDrain}
	case TerminateWork:
		return Response{Rank: w.Rank, State: StateExit}
	case AbortWork:
		return Response{Rank: w.Rank, State: StatePurge}
	default:
		return Response{Rank: w.Rank, State: StateReady}
	}
}

// replay re-executes every operation a prior run's log shows as started
// but not completed. When
// rlogPath is empty the worker replays its own journal — the re-run-with-
// same-iteration-name case; otherwise it replays the named prior log
// (a crashed iteration's, or a recorded dry-run's, whose records all lack
// completions) while journaling start/completion into its own log.
func (w *Worker) replay(ctx context.Context, ns *types.Namespace, rlogPath string) error {
	path := rlogPath
	ownLog := path == ""
	if ownLog {
		path = w.Log.PathOf()
	}
	pending, err := resourcelog.ReplayPending(path)
	if err != nil {
		if ownLog {
			return nil // no prior log for this (ns, rank, iteration): nothing to replay
		}
		return err
	}
	for _, rec := range pending {
		op := &types.Operation{
			Kind: rec.Kind, FTAG: rec.FTAG,
			RefPath: rec.RefPath, Repo: rec.Repo, ObjectID: rec.ObjectID, RebuildLoc: rec.RebuildLoc,
		}
		opID := rec.OpID
		if !ownLog {
			opID, err = w.Log.Start(op)
			if err != nil {
				return err
			}
		}
		execErr := w.Executor.Execute(ctx, ns, op)
		if err := w.Log.Complete(opID, op, execErr); err != nil {
			return err
		}
		if execErr != nil {
			workerLog.Warnf("rank %d: replayed op %s failed: %v", w.Rank, opID, execErr)
		}
	}
	return nil
}

// walkRange walks every leaf directory in rng under ns's reference tree,
// classifies each file found, executes the resulting ops, and returns
// the accumulated report. A fatal op error aborts the range and is
// returned to the caller, which answers with ABORT_WORK.
func (w *Worker) walkRange(ctx context.Context, ns *types.Namespace, rng RefRange) (types.StreamwalkerReport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan opJob, 64)
	errCh := make(chan error, w.NumProdThreads+w.NumConsThreads)
	var report types.StreamwalkerReport
	var reportMu sync.Mutex

	fail := func(err error) {
		select {
		case errCh <- err:
			cancel()
		default:
		}
	}

	var consumers sync.WaitGroup
	for i := 0; i < numThreads(w.NumConsThreads); i++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for job := range jobs {
				if err := w.executeChain(ctx, job.ns, job.head); err != nil {
					fail(err)
				}
			}
		}()
	}

	leaves := make(chan int64, 64)
	var producers sync.WaitGroup
	for i := 0; i < numThreads(w.NumProdThreads); i++ {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for idx := range leaves {
				rep, err := w.classifyLeaf(ctx, ns, idx, jobs)
				if err != nil {
					fail(err)
					continue
				}
				reportMu.Lock()
				report.Add(rep)
				reportMu.Unlock()
			}
		}()
	}

feed:
	for idx := rng.Lo; idx < rng.Hi; idx++ {
		select {
		case leaves <- idx:
		case <-ctx.Done():
			break feed
		}
	}
	close(leaves)
	producers.Wait()
	close(jobs)
	consumers.Wait()

	select {
	case err := <-errCh:
		return report, err
	default:
		return report, nil
	}
}

func numThreads(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// classifyLeaf loads every file record under one leaf directory,
// attaches any rebuild/repack markers found alongside it, classifies it,
// and pushes the resulting op chain onto jobs for a consumer to execute.
func (w *Worker) classifyLeaf(ctx context.Context, ns *types.Namespace, idx int64, jobs chan<- opJob) (types.StreamwalkerReport, error) {
	leafPath := ns.MDPath + "/" + LeafPath(ns, idx)
	scanner, err := w.MDAL.Scandir(ctx, leafPath)
	if err != nil {
		return types.StreamwalkerReport{}, err
	}
	defer scanner.Close()

	// First pass: separate stream heads from their markers, so marker
	// visibility does not depend on directory iteration order.
	var streams []types.ScanEntry
	rebuildAge := make(map[string]time.Duration)
	repackAge := make(map[string]time.Duration)
	for {
		entry, ok, err := scanner.Next(ctx)
		if err != nil {
			return types.StreamwalkerReport{}, err
		}
		if !ok {
			break
		}
		switch entry.Kind {
		case types.ScanStreamStart:
			streams = append(streams, entry)
		case types.ScanRebuildMarker:
			rebuildAge[entry.Name] = entry.Age
		case types.ScanRepackMarker:
			repackAge[entry.Name] = entry.Age
		}
	}

	var total types.StreamwalkerReport
	for _, entry := range streams {
		refPath := leafPath + "/" + entry.Name
		rec, err := streamwalker.LoadFileRecord(ctx, w.MDAL, w.CfgVers, refPath)
		if err != nil {
			continue // unreadable entry: skip rather than abort the whole leaf
		}
		if age, ok := rebuildAge[entry.Name]; ok {
			rec.RebuildCandidate = true
			rec.RebuildAge = age
		}
		if age, ok := repackAge[entry.Name]; ok {
			rec.RepackCandidate = true
			rec.RepackAge = age
		}
		ops, rep := w.Walker.Walk([]streamwalker.FileRecord{rec})
		total.Add(rep)
		for _, chain := range ops {
			select {
			case jobs <- opJob{ns: ns, head: chain}:
			case <-ctx.Done():
				return total, ctx.Err()
			}
		}
	}
	return total, nil
}

// executeChain runs every op in a chain in order, logging start/complete
// around each.
func (w *Worker) executeChain(ctx context.Context, ns *types.Namespace, op *types.Operation) error {
	for cur := op; cur != nil; cur = cur.Next {
		opID, err := w.Log.Start(cur)
		if err != nil {
			return err
		}
		execErr := w.Executor.Execute(ctx, ns, cur)
		if err := w.Log.Complete(opID, cur, execErr); err != nil {
			return err
		}
		if execErr != nil {
			workerLog.Errorf("rank %d: op %s (%s) failed: %v", w.Rank, opID, cur.RefPath, execErr)
			return execErr
		}
	}
	return nil
}
