// Command resourcemanager is the rank-0/rank-N resource manager process:
// it loads a MarFS namespace/repo configuration, walks
// the requested namespace's reference tree, classifies files into
// GC/REBUILD/REPACK operations, executes them through the MDAL/DAL, and
// journals progress through internal/resourcelog.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marfs-core/marfs/internal/circuit"
	"github.com/marfs-core/marfs/internal/config"
	"github.com/marfs-core/marfs/internal/dal"
	"github.com/marfs-core/marfs/internal/datastream"
	"github.com/marfs-core/marfs/internal/logging"
	"github.com/marfs-core/marfs/internal/mdal"
	"github.com/marfs-core/marfs/internal/metrics"
	"github.com/marfs-core/marfs/internal/placement"
	"github.com/marfs-core/marfs/internal/resourcelog"
	"github.com/marfs-core/marfs/internal/resourcemgr"
	"github.com/marfs-core/marfs/internal/streamwalker"
	"github.com/marfs-core/marfs/internal/trash"
	"github.com/marfs-core/marfs/internal/xattrcodec"
	"github.com/marfs-core/marfs/pkg/errors"
	"github.com/marfs-core/marfs/pkg/retry"
	"github.com/marfs-core/marfs/pkg/types"
)

// configVersion is the config major/minor this resourcemanager build
// encodes/decodes xattrs against. MarFS's own config file carries no
// version element; the binary's build version plays that role instead.
var configVersion = xattrcodec.ConfigVersion{Major: 1, Minor: 0}

var mainLog = logging.New("cmd")

// flags is the CLI surface, mirrored literally into the summary log so a
// later run can replay the arguments.
type flags struct {
	configPath   string
	namespace    string
	recurse      bool
	iteration    string
	logRoot      string
	preservedLog string
	dryRun       bool
	executeLog   string

	quotas  bool
	gc      bool
	rebuild bool
	repack  bool
	cleanup bool

	thresholds string
	rebuildLoc string

	numWorkers     int
	numProdThreads int
	numConsThreads int

	s3Bucket   string
	s3Region   string
	s3Endpoint string

	metricsPort int
}

func main() {
	f := &flags{}
	root := &cobra.Command{
		Use:   "resourcemanager",
		Short: "MarFS resource manager: GC, rebuild, repack, and quota accounting",
		Long: `resourcemanager walks a MarFS namespace's reference tree, classifying
files and objects for garbage collection, erasure rebuild, packed-object
repack, and quota accounting, executing the resulting operations through
the configured metadata and data abstraction layers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f)
		},
		SilenceUsage: true,
	}

	fl := root.Flags()
	fl.StringVarP(&f.configPath, "config", "c", os.Getenv("MARFS_CONFIG_PATH"), "MarFS config path (fallback: $MARFS_CONFIG_PATH)")
	fl.StringVarP(&f.namespace, "namespace", "n", "", "namespace target (default: root)")
	fl.BoolVarP(&f.recurse, "recurse", "r", false, "recurse into subspaces")
	fl.StringVarP(&f.iteration, "iteration", "i", "", "iteration name (default: timestamp)")
	fl.StringVarP(&f.logRoot, "logroot", "l", "/var/log/marfs/resourcemgr", "log root")
	fl.StringVarP(&f.preservedLog, "preserve", "p", "", "preserved-log target")
	fl.BoolVarP(&f.dryRun, "dry-run", "d", false, "dry run (record only, no mutation)")
	fl.StringVarP(&f.executeLog, "execute", "X", "", "execute a prior dry-run at this iteration path")
	fl.BoolVarP(&f.quotas, "quotas", "Q", false, "enable quota accounting post-pass")
	fl.BoolVarP(&f.gc, "gc", "G", false, "enable garbage collection")
	fl.BoolVarP(&f.rebuild, "rebuild", "R", false, "enable erasure rebuild")
	fl.BoolVarP(&f.repack, "repack", "P", false, "enable packed-object repack")
	fl.BoolVarP(&f.cleanup, "cleanup", "C", false, "enable stale-iteration cleanup")
	fl.StringVarP(&f.thresholds, "thresholds", "T", "", "per-op time threshold, e.g. \"G30d-R90d-P7d\"")
	fl.StringVarP(&f.rebuildLoc, "rebuildloc", "L", "", "rebuild location filter p<n>-c<n>-s<n>")
	fl.IntVar(&f.numWorkers, "workers", 1, "worker rank count")
	fl.IntVar(&f.numProdThreads, "prodthreads", 2, "producer threads per worker")
	fl.IntVar(&f.numConsThreads, "consthreads", 4, "consumer threads per worker")
	fl.StringVar(&f.s3Bucket, "s3-bucket", os.Getenv("MARFS_S3_BUCKET"), "DAL object-store bucket (fallback: $MARFS_S3_BUCKET)")
	fl.StringVar(&f.s3Region, "s3-region", os.Getenv("MARFS_S3_REGION"), "DAL object-store region (fallback: $MARFS_S3_REGION)")
	fl.StringVar(&f.s3Endpoint, "s3-endpoint", os.Getenv("MARFS_S3_ENDPOINT"), "DAL object-store endpoint override (fallback: $MARFS_S3_ENDPOINT)")
	fl.IntVar(&f.metricsPort, "metrics-port", 9477, "Prometheus /metrics listen port (0 disables)")

	if err := root.Execute(); err != nil {
		code := exitCode(err)
		fmt.Fprintln(os.Stderr, "resourcemanager:", err)
		os.Exit(code)
	}
}

// exitCode maps the error taxonomy onto the exit-code contract: 0
// success, negative fatal, positive non-fatal-errors-were-counted.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.IsFatalRank(err) {
		return -1
	}
	return 1
}

func run(cmd *cobra.Command, f *flags) error {
	ctx := context.Background()

	if f.configPath == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "resourcemanager: -c (or $MARFS_CONFIG_PATH) is required").
			WithComponent("cmd").WithOperation("run")
	}
	mcfg, err := config.LoadMarFSConfig(f.configPath)
	if err != nil {
		return err
	}

	rcfg, err := loadRuntimeConfig(f.configPath)
	if err != nil {
		return err
	}
	logging.SetLevel(logging.ParseLevel(rcfg.Global.LogLevel))
	applyRuntimeDefaults(cmd, f, rcfg)

	iteration := f.iteration
	if iteration == "" {
		iteration = resourcelog.DefaultIteration(time.Now())
	}
	mode := resourcelog.ModeRecord
	if !f.dryRun {
		mode = resourcelog.ModeModify
	}

	if f.cleanup {
		for _, m := range []resourcelog.Mode{resourcelog.ModeRecord, resourcelog.ModeModify} {
			infos, err := resourcelog.ScanIterations(f.logRoot, m, 24*time.Hour, 7*24*time.Hour, time.Now())
			if err != nil {
				return err
			}
			for _, info := range infos {
				switch info.Disposition {
				case resourcelog.DispositionDeleteStale:
					mainLog.Infof("cleanup: deleting stale iteration %s/%s", m, info.Iteration)
					if err := resourcelog.DeleteIteration(f.logRoot, m, info.Iteration); err != nil {
						return err
					}
				case resourcelog.DispositionRefuse:
					return errors.New(errors.ErrCodeInvalidConfig,
						fmt.Sprintf("resourcemanager: iteration %s/%s has no summary and is too recent; resolve it before running", m, info.Iteration)).
						WithComponent("cmd").WithOperation("cleanup")
				case resourcelog.DispositionReplay:
					mainLog.Warnf("cleanup: iteration %s/%s looks crashed; re-run with -i %s (or -X) to replay it", m, info.Iteration, info.Iteration)
				}
			}
		}
	}

	placementReg := placement.NewRegistry(mcfg.MntTop, mcfg.Namespaces, mcfg.Repos)

	namespaces, err := selectNamespaces(mcfg.Namespaces, f.namespace, f.recurse)
	if err != nil {
		return err
	}

	mdalRoot := os.Getenv("MARFS_MDFS_ROOT")
	if mdalRoot == "" {
		mdalRoot = "/marfs/mdfs"
	}
	mdalImpl := mdal.NewPosix(mdalRoot)

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:        f.metricsPort > 0,
		Port:           f.metricsPort,
		Path:           "/metrics",
		Namespace:      "marfs",
		Subsystem:      "resourcemgr",
		UpdateInterval: 30 * time.Second,
		Labels:         map[string]string{"iteration": iteration},
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = rcfg.Network.Retry.MaxAttempts
	retryCfg.InitialDelay = rcfg.Network.Retry.BaseDelay
	retryCfg.MaxDelay = rcfg.Network.Retry.MaxDelay

	dalImpl, err := dal.New(ctx, f.s3Bucket, dal.Config{
		Region:    f.s3Region,
		Endpoint:  f.s3Endpoint,
		AccessKey: os.Getenv("MARFS_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("MARFS_S3_SECRET_KEY"),
		Retry:     retryCfg,
		Breaker:   circuit.Config{MaxRequests: 1, Interval: 0, Timeout: rcfg.Network.CircuitBreaker.Timeout},
		Metrics:   collector,
	})
	if err != nil {
		return err
	}

	cfgVers := configVersion

	engine := &datastream.Engine{MDAL: mdalImpl, DAL: dalImpl, Placement: placementReg, CfgVers: cfgVers, Metrics: collector}
	trashMgr := trash.New(mdalImpl, cfgVers)
	executor := &resourcemgr.Executor{
		MDAL: mdalImpl, DAL: dalImpl, Placement: placementReg,
		Engine: engine, Trash: trashMgr, CfgVers: cfgVers, DryRun: f.dryRun,
	}

	thresholds, err := parseThresholds(f.thresholds, f)
	if err != nil {
		return err
	}
	if f.rebuildLoc != "" {
		loc, err := parseRebuildLoc(f.rebuildLoc)
		if err != nil {
			return err
		}
		thresholds.RebuildLoc = &loc
	}

	summary := resourcelog.Summary{
		Args:            os.Args[1:],
		Mode:            mode,
		ConfigVersMajor: cfgVers.Major,
		ConfigVersMinor: cfgVers.Minor,
		Thresholds: map[string]string{
			"gc":      thresholds.GCThreshold.String(),
			"rebuild": thresholds.RebuildThreshold.String(),
			"repack":  thresholds.RepackThreshold.String(),
		},
		StartedAt: time.Now(),
	}
	if err := resourcelog.WriteSummary(f.logRoot, mode, iteration, summary); err != nil {
		return err
	}

	manager := &resourcemgr.Manager{
		Placement: placementReg, MDAL: mdalImpl, Executor: executor,
		LogRoot: f.logRoot, Mode: mode, Iteration: iteration,
		Thresholds: thresholds, CfgVers: cfgVers, Quotas: f.quotas,
		NumWorkers: f.numWorkers, NumProdThreads: f.numProdThreads, NumConsThreads: f.numConsThreads,
	}

	var results []resourcemgr.NSResult
	var runErr error
	if f.executeLog != "" {
		mainLog.Infof("executing recorded dry-run %q under iteration %q", f.executeLog, iteration)
		results, runErr = manager.ExecuteRecorded(ctx, f.executeLog, namespaces)
	} else {
		results, runErr = manager.Run(ctx, namespaces)
	}

	if err := resourcelog.CloseSummary(f.logRoot, mode, iteration, time.Now()); err != nil && runErr == nil {
		return err
	}
	if f.preservedLog != "" && runErr == nil {
		if err := resourcelog.PreserveIteration(f.logRoot, mode, iteration, f.preservedLog); err != nil {
			return err
		}
		mainLog.Infof("preserved iteration %q logs under %q", iteration, f.preservedLog)
	}

	fmt.Print(resourcemgr.FormatSummary(results))

	if runErr != nil {
		return runErr
	}

	nonfatal := 0
	for _, res := range results {
		if res.Err != nil {
			nonfatal++
		}
	}
	if nonfatal > 0 {
		return errors.New(errors.ErrCodeInternal, fmt.Sprintf("resourcemanager: %d namespace(s) reported errors", nonfatal)).
			WithComponent("cmd").WithOperation("run")
	}
	return nil
}

// selectNamespaces picks target (or the whole tree if target == "") and,
// when recurse is set, every namespace whose id is a '|'-joined
// descendant of it.
func selectNamespaces(all []*types.Namespace, target string, recurse bool) ([]*types.Namespace, error) {
	if target == "" {
		return all, nil
	}
	var root *types.Namespace
	for _, ns := range all {
		if ns.ID == target {
			root = ns
			break
		}
	}
	if root == nil {
		return nil, errors.New(errors.ErrCodeNamespaceNotFound, fmt.Sprintf("resourcemanager: namespace %q not found", target)).
			WithComponent("cmd").WithOperation("select_namespaces")
	}
	if !recurse {
		return []*types.Namespace{root}, nil
	}
	prefix := root.ID + "|"
	out := []*types.Namespace{root}
	for _, ns := range all {
		if ns.ID != root.ID && strings.HasPrefix(ns.ID, prefix) {
			out = append(out, ns)
		}
	}
	return out, nil
}

// parseThresholds decodes the `-T <op><n>[smhd][-...]` format, e.g.
// "G30d-R12h-P7d". An op whose flag (-G/-R/-P) is unset is given an effectively-infinite threshold so the walker never
// classifies that op class; an enabled op with no explicit threshold
// defaults to 0 (fire immediately).
func parseThresholds(spec string, f *flags) (streamwalker.Thresholds, error) {
	const never = 365 * 100 * 24 * time.Hour

	t := streamwalker.Thresholds{
		GCThreshold:        never,
		RebuildThreshold:   never,
		RepackThreshold:    never,
		RepackDensityFloor: 0.5,
	}
	if f.gc {
		t.GCThreshold = 0
	}
	if f.rebuild {
		t.RebuildThreshold = 0
	}
	if f.repack {
		t.RepackThreshold = 0
	}

	if spec == "" {
		return t, nil
	}
	for _, part := range strings.Split(spec, "-") {
		if part == "" {
			continue
		}
		op := part[0]
		d, err := parseDuration(part[1:])
		if err != nil {
			return t, errors.New(errors.ErrCodeInvalidConfig, fmt.Sprintf("resourcemanager: bad -T threshold %q", part)).
				WithComponent("cmd").WithOperation("parse_thresholds").WithCause(err)
		}
		switch op {
		case 'G', 'g':
			if f.gc {
				t.GCThreshold = d
			}
		case 'R', 'r':
			if f.rebuild {
				t.RebuildThreshold = d
			}
		case 'P', 'p':
			if f.repack {
				t.RepackThreshold = d
			}
		default:
			return t, errors.New(errors.ErrCodeInvalidConfig, fmt.Sprintf("resourcemanager: unknown -T op %q", string(op))).
				WithComponent("cmd").WithOperation("parse_thresholds")
		}
	}
	return t, nil
}

// parseDuration parses a bare integer followed by one of s/m/h/d.
func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	unit := raw[len(raw)-1]
	numStr := raw[:len(raw)-1]
	var mult time.Duration
	switch unit {
	case 's':
		mult = time.Second
	case 'm':
		mult = time.Minute
	case 'h':
		mult = time.Hour
	case 'd':
		mult = 24 * time.Hour
	default:
		numStr = raw
		mult = time.Second
	}
	n, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * mult, nil
}

// parseRebuildLoc decodes the `-L p<n>-c<n>-s<n>` rebuild location
// filter.
func parseRebuildLoc(raw string) (types.PlacementLoc, error) {
	var loc types.PlacementLoc
	for _, part := range strings.Split(raw, "-") {
		if len(part) < 2 {
			continue
		}
		n, err := strconv.Atoi(part[1:])
		if err != nil {
			return loc, errors.New(errors.ErrCodeInvalidConfig, fmt.Sprintf("resourcemanager: bad -L component %q", part)).
				WithComponent("cmd").WithOperation("parse_rebuild_loc").WithCause(err)
		}
		switch part[0] {
		case 'p':
			loc.Pod = n
		case 'c':
			loc.Cap = n
		case 's':
			loc.Scatter = n
		default:
			return loc, errors.New(errors.ErrCodeInvalidConfig, fmt.Sprintf("resourcemanager: unknown -L component %q", part)).
				WithComponent("cmd").WithOperation("parse_rebuild_loc")
		}
	}
	return loc, nil
}

// loadRuntimeConfig loads the ambient runtime.yaml next to the MarFS
// configuration file if one exists, then applies MARFS_* environment
// overrides and validates the result.
func loadRuntimeConfig(marfsConfigPath string) (*config.RuntimeConfig, error) {
	rcfg := config.NewDefault()
	runtimePath := filepath.Join(filepath.Dir(marfsConfigPath), "runtime.yaml")
	if _, err := os.Stat(runtimePath); err == nil {
		if err := rcfg.LoadFromFile(runtimePath); err != nil {
			return nil, errors.New(errors.ErrCodeInvalidConfig, "resourcemanager: load runtime.yaml").
				WithComponent("cmd").WithOperation("load_runtime_config").WithCause(err)
		}
	}
	if err := rcfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := rcfg.Validate(); err != nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "resourcemanager: invalid runtime configuration").
			WithComponent("cmd").WithOperation("load_runtime_config").WithCause(err)
	}
	return rcfg, nil
}

// applyRuntimeDefaults fills in flag values the user did not set
// explicitly from the runtime configuration; explicit flags always win.
func applyRuntimeDefaults(cmd *cobra.Command, f *flags, rcfg *config.RuntimeConfig) {
	fl := cmd.Flags()
	if !fl.Changed("logroot") && rcfg.Resource.LogRoot != "" {
		f.logRoot = rcfg.Resource.LogRoot
	}
	if !fl.Changed("workers") && rcfg.Resource.WorkerCount > 0 {
		f.numWorkers = rcfg.Resource.WorkerCount
	}
	if !fl.Changed("consthreads") && rcfg.Resource.ThreadsPerWorker > 0 {
		f.numConsThreads = rcfg.Resource.ThreadsPerWorker
	}
	if !fl.Changed("metrics-port") {
		f.metricsPort = rcfg.Global.MetricsPort
		if !rcfg.Monitoring.Metrics.Enabled {
			f.metricsPort = 0
		}
	}
}
