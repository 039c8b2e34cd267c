// Package placement implements the configuration-driven placement
// model: resolving an absolute path to a namespace, choosing a repo
// for a write, hashing a stream into a reference path inside the MDFS, and
// hashing an object id into a weighted (pod, cap, scatter) location.
//
// All functions here are pure over the loaded configuration tables.
package placement

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	marfserrors "github.com/marfs-core/marfs/pkg/errors"
	"github.com/marfs-core/marfs/pkg/types"
)

// Registry holds the loaded namespace and repo tables and answers
// placement queries against them.
type Registry struct {
	MountTop string

	namespaces  map[string]*types.Namespace // by ID
	byMountPath []*types.Namespace          // sorted, longest mount path first
	repos       map[string]*types.Repo
}

// NewRegistry builds a Registry from the parsed namespace and repo sets.
func NewRegistry(mountTop string, namespaces []*types.Namespace, repos []*types.Repo) *Registry {
	r := &Registry{
		MountTop:   strings.TrimRight(mountTop, "/"),
		namespaces: make(map[string]*types.Namespace, len(namespaces)),
		repos:      make(map[string]*types.Repo, len(repos)),
	}
	for _, ns := range namespaces {
		r.namespaces[ns.ID] = ns
		r.byMountPath = append(r.byMountPath, ns)
	}
	sort.Slice(r.byMountPath, func(i, j int) bool {
		return len(r.byMountPath[i].MountPath) > len(r.byMountPath[j].MountPath)
	})
	for _, repo := range repos {
		r.repos[repo.Name] = repo
	}
	return r
}

// ResolveSubPath implements resolve_sub_path: strict prefix match on the
// configured mount top. An exact match returns "/"; a partial-component
// match (e.g. "/mnt_topfoo" against "/mnt_top") is rejected.
func (r *Registry) ResolveSubPath(absolutePath string) (string, bool) {
	if absolutePath == r.MountTop {
		return "/", true
	}
	prefix := r.MountTop + "/"
	if !strings.HasPrefix(absolutePath, prefix) {
		return "", false
	}
	return "/" + strings.TrimPrefix(absolutePath, prefix), true
}

// FindNamespace implements find_namespace: longest-prefix match over the
// set of all namespace mount paths.
func (r *Registry) FindNamespace(subPath string) (*types.Namespace, error) {
	for _, ns := range r.byMountPath {
		if ns.MountPath == subPath {
			return ns, nil
		}
		prefix := strings.TrimRight(ns.MountPath, "/") + "/"
		if ns.MountPath == "/" || strings.HasPrefix(subPath, prefix) {
			return ns, nil
		}
	}
	return nil, marfserrors.New(marfserrors.ErrCodeNamespaceNotFound,
		fmt.Sprintf("no namespace mounts %q", subPath)).WithComponent("placement").WithOperation("find_namespace")
}

// FindRepo implements find_repo: for an interactive write, return the
// namespace's iwrite_repo; otherwise return the repo whose size range
// covers file_size in ns.range_list.
func (r *Registry) FindRepo(ns *types.Namespace, fileSize int64, interactive bool) (*types.Repo, error) {
	var name string
	if interactive {
		name = ns.IWriteRepo
	} else {
		for _, rng := range ns.RangeList {
			if rng.Contains(fileSize) {
				name = rng.Repo
				break
			}
		}
		if name == "" {
			return nil, marfserrors.New(marfserrors.ErrCodeInvalidConfig,
				fmt.Sprintf("no repo range covers size %d in namespace %q", fileSize, ns.ID)).
				WithComponent("placement").WithOperation("find_repo")
		}
	}
	repo, ok := r.repos[name]
	if !ok {
		return nil, marfserrors.New(marfserrors.ErrCodeInvalidConfig,
			fmt.Sprintf("namespace %q references unknown repo %q", ns.ID, name)).
			WithComponent("placement").WithOperation("find_repo")
	}
	return repo, nil
}

// Repo looks up a repo by name, for callers that already resolved it
// (e.g. streamwalker replaying a recorded repo name).
func (r *Registry) Repo(name string) (*types.Repo, bool) {
	repo, ok := r.repos[name]
	return repo, ok
}

// ReferencePath implements reference_path: a deterministic hash of
// stream_id into the namespace's refdepth-deep, refbreadth-wide tree,
// using refdigits zero-padded integers per path component.
func ReferencePath(ns *types.Namespace, streamID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(streamID))
	sum := h.Sum64()

	components := make([]string, 0, ns.RefDepth+1)
	breadth := uint64(ns.RefBreadth)
	if breadth == 0 {
		breadth = 1
	}
	for i := 0; i < ns.RefDepth; i++ {
		idx := sum % breadth
		sum /= breadth
		components = append(components, zeroPad(idx, ns.RefDigits))
		// Re-mix so successive levels don't degenerate for small breadth.
		sum ^= sum<<13 | sum>>3
	}
	components = append(components, streamID)
	return strings.Join(components, "/")
}

func zeroPad(v uint64, digits int) string {
	s := fmt.Sprintf("%d", v)
	for len(s) < digits {
		s = "0" + s
	}
	return s
}

// ObjectLocation implements object_location: three independent weighted
// hash lookups against the repo's pod/cap/scatter tables. A weight of 0
// excludes an entry from hash selection entirely (reachable only by exact
// target elsewhere in the engine, e.g. a directed rebuild).
func ObjectLocation(repo *types.Repo, objectID string) (pod, cap_, scatter int) {
	pod = weightedPick(repo.Pods, objectID, "pod")
	cap_ = weightedPick(repo.Caps, objectID, "cap")
	scatter = weightedPick(repo.Scatters, objectID, "scatter")
	return
}

// weightedPick hashes (objectID, salt) into the cumulative-weight space
// of table and returns the selected index. If the table carries no
// positive weight at all, index 0 is returned.
func weightedPick(table types.DistTable, objectID, salt string) int {
	total := table.TotalWeight()
	if total <= 0 {
		return 0
	}

	h := xxhash.New()
	_, _ = h.WriteString(objectID)
	_, _ = h.WriteString(":")
	_, _ = h.WriteString(salt)
	target := h.Sum64() % uint64(total)

	var cumulative uint64
	for i := 0; i < table.Count; i++ {
		w := table.WeightOf(i)
		if w <= 0 {
			continue
		}
		cumulative += uint64(w)
		if target < cumulative {
			return i
		}
	}
	return table.Count - 1
}
