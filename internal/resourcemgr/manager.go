package resourcemgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/marfs-core/marfs/internal/placement"
	"github.com/marfs-core/marfs/internal/resourcelog"
	"github.com/marfs-core/marfs/internal/streamwalker"
	"github.com/marfs-core/marfs/internal/xattrcodec"
	marfserrors "github.com/marfs-core/marfs/pkg/errors"
	"github.com/marfs-core/marfs/pkg/types"
)

// Manager is rank 0: it partitions each target namespace's reference
// range across NumWorkers ranks, dispatches RLOG_WORK (replay) and
// NS_WORK (walk) requests, collects COMPLETE_WORK responses, and runs
// the quota post-pass once every namespace drains. Rank 0
// plays a worker itself when NumWorkers is 1, matching "single process
// if N=1".
type Manager struct {
	Placement *placement.Registry
	MDAL      types.MDAL
	Executor  *Executor

	LogRoot string
	Mode    resourcelog.Mode
	Iteration string

	Thresholds streamwalker.Thresholds
	CfgVers    xattrcodec.ConfigVersion

	// Quotas enables the quota post-pass (`-Q`): only then is the
	// accumulated usage written back through MDAL.SetUsage. A GC- or
	// rebuild-only run must leave the persisted counters untouched.
	Quotas bool

	NumWorkers     int
	NumProdThreads int
	NumConsThreads int
}

// NSResult is one namespace's aggregated outcome.
type NSResult struct {
	NS     *types.Namespace
	Report types.StreamwalkerReport
	Err    error
}

// Run replays each rank's pending log from a prior crashed iteration
// (RLOG_WORK), then walks every namespace in namespaces (NS_WORK),
// executing the classified ops as it goes, and finally runs the quota
// post-pass when Quotas is set. It returns one NSResult per namespace,
// in the order given.
func (m *Manager) Run(ctx context.Context, namespaces []*types.Namespace) ([]NSResult, error) {
	n := m.NumWorkers
	if n <= 0 {
		n = 1
	}

	results := make([]NSResult, len(namespaces))
	for i, ns := range namespaces {
		rep, err := m.walkNamespace(ctx, ns, n)
		results[i] = NSResult{NS: ns, Report: rep, Err: err}
	}

	if err := m.writeUsage(ctx, results); err != nil {
		return results, err
	}

	return results, nil
}

// writeUsage runs the quota post-pass: the accumulated usage of every
// cleanly-walked namespace is written back as its quota view. A no-op
// unless Quotas was requested.
func (m *Manager) writeUsage(ctx context.Context, results []NSResult) error {
	if !m.Quotas {
		return nil
	}
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		if err := m.MDAL.SetUsage(ctx, res.NS.ID, res.Report.FilesUsed, res.Report.BytesUsed); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteRecorded executes a prior recorded dry-run: every
// rank log under <LogRoot>/RECORD/<recordIteration> is replayed through a
// worker's RLOG_WORK path, journaling start/completion pairs into this
// run's own (modify-mode) logs. Record-mode logs carry no completion
// records, so ReplayPending yields exactly the plan the dry-run produced.
// Once the plan has been applied, each namespace is walked again to
// accumulate usage, so the quota counters end up exactly where a
// one-shot run of the same arguments would have left them.
func (m *Manager) ExecuteRecorded(ctx context.Context, recordIteration string, namespaces []*types.Namespace) ([]NSResult, error) {
	rankLogs, err := resourcelog.RankLogs(m.LogRoot, resourcelog.ModeRecord, recordIteration)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*types.Namespace, len(namespaces))
	for _, ns := range namespaces {
		byID[ns.ID] = ns
	}

	for _, rl := range rankLogs {
		ns, ok := byID[rl.NSID]
		if !ok {
			workerLog.Warnf("recorded iteration %q names namespace %q not in this config; skipping its log", recordIteration, rl.NSID)
			continue
		}
		log, err := resourcelog.Open(m.LogRoot, m.Mode, m.Iteration, ns.ID, rl.Rank)
		if err != nil {
			return nil, err
		}
		w := &Worker{
			Rank: rl.Rank, MDAL: m.MDAL,
			Walker:   streamwalker.New(m.Thresholds, nil),
			Executor: m.Executor, Log: log, CfgVers: m.CfgVers,
		}
		resp := w.Handle(ctx, Request{Kind: RLOGWork, NS: ns, RLOGRank: rl.Rank, RLOGPath: rl.Path})
		if cerr := log.Close(); cerr != nil && resp.Err == nil {
			resp.Err = cerr
		}
		if resp.Err != nil {
			return nil, marfserrors.New(marfserrors.ErrCodeFatalRank,
				fmt.Sprintf("resourcemgr: rank %d failed executing recorded iteration %q", rl.Rank, recordIteration)).
				WithComponent("resourcemgr").WithOperation("execute_recorded").WithCause(resp.Err)
		}
	}

	results := make([]NSResult, len(namespaces))
	for i, ns := range namespaces {
		rep, err := m.accumulateUsage(ctx, ns)
		results[i] = NSResult{NS: ns, Report: rep, Err: err}
	}
	if err := m.writeUsage(ctx, results); err != nil {
		return results, err
	}
	return results, nil
}

// accumulateUsage walks ns's reference tree with the iteration's
// thresholds, discarding any op chains and keeping only the report. Run
// after a replay has applied the recorded plan, the remaining files are
// exactly what a one-shot run would have counted as in use.
func (m *Manager) accumulateUsage(ctx context.Context, ns *types.Namespace) (types.StreamwalkerReport, error) {
	walker := streamwalker.New(m.Thresholds, nil)
	total := TotalRefSlots(ns)

	var report types.StreamwalkerReport
	for idx := int64(0); idx < total; idx++ {
		leafPath := ns.MDPath + "/" + LeafPath(ns, idx)
		scanner, err := m.MDAL.Scandir(ctx, leafPath)
		if err != nil {
			if marfserrors.IsRefNotFound(err) {
				continue
			}
			return report, err
		}

		var streams []types.ScanEntry
		for {
			entry, ok, err := scanner.Next(ctx)
			if err != nil {
				scanner.Close()
				return report, err
			}
			if !ok {
				break
			}
			if entry.Kind == types.ScanStreamStart {
				streams = append(streams, entry)
			}
		}
		scanner.Close()

		for _, entry := range streams {
			rec, err := streamwalker.LoadFileRecord(ctx, m.MDAL, m.CfgVers, leafPath+"/"+entry.Name)
			if err != nil {
				continue
			}
			_, rep := walker.Walk([]streamwalker.FileRecord{rec})
			report.Add(rep)
		}
	}
	return report, nil
}

// walkNamespace partitions ns's reference tree across ranks and runs
// each range concurrently, dispatching each rank through the
// request/response vocabulary: RLOG_WORK first (replay any prior crashed
// iteration's pending ops), then NS_WORK (walk the assigned range).
func (m *Manager) walkNamespace(ctx context.Context, ns *types.Namespace, ranks int) (types.StreamwalkerReport, error) {
	total := TotalRefSlots(ns)
	ranges := PartitionRefRanges(total, ranks)

	var wg sync.WaitGroup
	reports := make([]types.StreamwalkerReport, len(ranges))
	errs := make([]error, len(ranges))

	for rank, rng := range ranges {
		wg.Add(1)
		go func(rank int, rng RefRange) {
			defer wg.Done()
			log, err := resourcelog.Open(m.LogRoot, m.Mode, m.Iteration, ns.ID, rank)
			if err != nil {
				errs[rank] = err
				return
			}
			defer log.Close()

			w := &Worker{
				Rank:           rank,
				MDAL:           m.MDAL,
				Walker:         streamwalker.New(m.Thresholds, nil),
				Executor:       m.Executor,
				Log:            log,
				CfgVers:        m.CfgVers,
				NumProdThreads: m.NumProdThreads,
				NumConsThreads: m.NumConsThreads,
			}

			if resp := w.Handle(ctx, Request{Kind: RLOGWork, NS: ns, RLOGRank: rank}); resp.Err != nil {
				errs[rank] = resp.Err
				return
			}

			resp := w.Handle(ctx, Request{Kind: NSWork, NS: ns, Range: rng})
			reports[rank] = resp.Report
			errs[rank] = resp.Err
		}(rank, rng)
	}
	wg.Wait()

	var total2 types.StreamwalkerReport
	for i, rep := range reports {
		total2.Add(rep)
		if errs[i] != nil {
			workerLog.Errorf("rank %d failed walking namespace %q: %v", i, ns.ID, errs[i])
			return total2, marfserrors.New(marfserrors.ErrCodeFatalRank,
				fmt.Sprintf("resourcemgr: rank %d failed walking namespace %q", i, ns.ID)).
				WithComponent("resourcemgr").WithOperation("walk_namespace").WithCause(errs[i])
		}
	}
	return total2, nil
}
