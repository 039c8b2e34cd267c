package resourcemgr

import (
	"fmt"
	"strings"

	"github.com/marfs-core/marfs/pkg/types"
)

// RefRange is a contiguous span of flattened reference-tree leaf indices
// assigned to one worker for one namespace.
type RefRange struct {
	Lo, Hi int64 // [Lo, Hi)
}

// TotalRefSlots returns the number of leaf directories in ns's reference
// tree: refbreadth^refdepth, with a breadth/depth of 0 degenerating to a
// single slot (the namespace's reference root itself).
func TotalRefSlots(ns *types.Namespace) int64 {
	if ns.RefDepth <= 0 || ns.RefBreadth <= 0 {
		return 1
	}
	total := int64(1)
	for i := 0; i < ns.RefDepth; i++ {
		total *= int64(ns.RefBreadth)
	}
	return total
}

// PartitionRefRanges splits [0, total) into n contiguous, near-equal
// ranges, so no worker needs the full enumeration in memory.
func PartitionRefRanges(total int64, n int) []RefRange {
	if n <= 0 {
		return nil
	}
	ranges := make([]RefRange, 0, n)
	base := total / int64(n)
	rem := total % int64(n)
	var lo int64
	for i := 0; i < n; i++ {
		size := base
		if int64(i) < rem {
			size++
		}
		ranges = append(ranges, RefRange{Lo: lo, Hi: lo + size})
		lo += size
	}
	return ranges
}

// LeafPath converts a flattened reference-tree index into its
// zero-padded directory components, most significant first. Indices
// [0, TotalRefSlots) name the same set of leaf directories that
// internal/placement.ReferencePath hashes stream ids into; LeafPath is
// not an inverse of that hash. Enumeration, unlike ReferencePath's hash, needs a
// pure index-to-path mapping so a worker can walk its assigned range in
// order without recomputing anyone's hash.
func LeafPath(ns *types.Namespace, idx int64) string {
	if ns.RefDepth <= 0 || ns.RefBreadth <= 0 {
		return ""
	}
	components := make([]string, ns.RefDepth)
	breadth := int64(ns.RefBreadth)
	for i := ns.RefDepth - 1; i >= 0; i-- {
		components[i] = zeroPad(idx%breadth, ns.RefDigits)
		idx /= breadth
	}
	return strings.Join(components, "/")
}

func zeroPad(v int64, digits int) string {
	s := fmt.Sprintf("%d", v)
	for len(s) < digits {
		s = "0" + s
	}
	return s
}
