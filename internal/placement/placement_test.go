package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marfs-core/marfs/pkg/types"
)

func testNamespace(id, mountPath string) *types.Namespace {
	return &types.Namespace{
		ID:         id,
		MountPath:  mountPath,
		IWriteRepo: "fast",
		RangeList: []types.SizeRange{
			{Min: 0, Max: 1<<20 - 1, Repo: "small"},
			{Min: 1 << 20, Max: -1, Repo: "large"},
		},
		RefDepth:   3,
		RefBreadth: 10,
		RefDigits:  1,
	}
}

func TestResolveSubPath(t *testing.T) {
	r := NewRegistry("/mnt/marfs", nil, nil)

	tests := []struct {
		name   string
		path   string
		want   string
		wantOK bool
	}{
		{"exact mount", "/mnt/marfs", "/", true},
		{"nested path", "/mnt/marfs/ns1/file", "/ns1/file", true},
		{"false prefix", "/mnt/marfsfoo", "", false},
		{"unrelated path", "/other/path", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.ResolveSubPath(tt.path)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestFindNamespace_LongestPrefix(t *testing.T) {
	ns1 := testNamespace("repo1", "/proj")
	ns2 := testNamespace("repo1|proj|sub", "/proj/sub")
	r := NewRegistry("/mnt/marfs", []*types.Namespace{ns1, ns2}, nil)

	got, err := r.FindNamespace("/proj/sub/deep/file")
	require.NoError(t, err)
	assert.Equal(t, ns2.ID, got.ID, "longest matching mount path should win")

	got, err = r.FindNamespace("/proj/other")
	require.NoError(t, err)
	assert.Equal(t, ns1.ID, got.ID)

	_, err = r.FindNamespace("/unknown")
	assert.Error(t, err)
}

func TestFindRepo(t *testing.T) {
	ns := testNamespace("repo1", "/proj")
	fast := &types.Repo{Name: "fast"}
	small := &types.Repo{Name: "small"}
	large := &types.Repo{Name: "large"}
	r := NewRegistry("/mnt/marfs", []*types.Namespace{ns}, []*types.Repo{fast, small, large})

	repo, err := r.FindRepo(ns, 100, true)
	require.NoError(t, err)
	assert.Equal(t, "fast", repo.Name)

	repo, err = r.FindRepo(ns, 100, false)
	require.NoError(t, err)
	assert.Equal(t, "small", repo.Name)

	repo, err = r.FindRepo(ns, 10<<20, false)
	require.NoError(t, err)
	assert.Equal(t, "large", repo.Name)
}

func TestFindRepo_NoRangeCovers(t *testing.T) {
	ns := testNamespace("repo1", "/proj")
	ns.RangeList = []types.SizeRange{{Min: 10, Max: 20, Repo: "small"}}
	r := NewRegistry("/mnt/marfs", []*types.Namespace{ns}, []*types.Repo{{Name: "small"}})

	_, err := r.FindRepo(ns, 100, false)
	assert.Error(t, err)
}

func TestReferencePath_Deterministic(t *testing.T) {
	ns := testNamespace("repo1", "/proj")

	p1 := ReferencePath(ns, "stream-abc-123")
	p2 := ReferencePath(ns, "stream-abc-123")
	assert.Equal(t, p1, p2, "same stream id must hash to the same path")

	p3 := ReferencePath(ns, "stream-xyz-999")
	assert.NotEqual(t, p1, p3)
}

func TestReferencePath_Shape(t *testing.T) {
	ns := testNamespace("repo1", "/proj")
	ns.RefDepth = 2
	ns.RefBreadth = 100
	ns.RefDigits = 2

	path := ReferencePath(ns, "stream-1")
	// depth components + the stream-id leaf, joined by '/'.
	parts := splitPath(path)
	require.Len(t, parts, 3)
	for _, comp := range parts[:2] {
		assert.Len(t, comp, 2, "each component must be zero-padded to refdigits")
	}
	assert.Equal(t, "stream-1", parts[2])
}

func splitPath(p string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			parts = append(parts, p[start:i])
			start = i + 1
		}
	}
	parts = append(parts, p[start:])
	return parts
}

func TestObjectLocation_Deterministic(t *testing.T) {
	repo := &types.Repo{
		Name:     "r1",
		Pods:     types.DistTable{Count: 4, Default: 1},
		Caps:     types.DistTable{Count: 8, Default: 1},
		Scatters: types.DistTable{Count: 100, Default: 1},
	}

	pod1, cap1, scatter1 := ObjectLocation(repo, "obj-0001")
	pod2, cap2, scatter2 := ObjectLocation(repo, "obj-0001")
	assert.Equal(t, pod1, pod2)
	assert.Equal(t, cap1, cap2)
	assert.Equal(t, scatter1, scatter2)

	assert.GreaterOrEqual(t, pod1, 0)
	assert.Less(t, pod1, 4)
	assert.GreaterOrEqual(t, cap1, 0)
	assert.Less(t, cap1, 8)
	assert.GreaterOrEqual(t, scatter1, 0)
	assert.Less(t, scatter1, 100)
}

func TestObjectLocation_ZeroWeightExcluded(t *testing.T) {
	repo := &types.Repo{
		Name: "r1",
		Pods: types.DistTable{
			Count:   3,
			Default: 1,
			Weights: map[int]int{1: 0},
		},
	}

	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		pod, _, _ := ObjectLocation(repo, id)
		assert.NotEqual(t, 1, pod, "zero-weight pod must never be chosen by hash")
	}
}

func TestObjectLocation_AllZeroWeightFallsBackToFirst(t *testing.T) {
	repo := &types.Repo{
		Name: "r1",
		Pods: types.DistTable{Count: 3, Default: 0},
	}

	pod, _, _ := ObjectLocation(repo, "anything")
	assert.Equal(t, 0, pod)
}

func TestDistTable_WeightOfAndTotal(t *testing.T) {
	table := types.DistTable{
		Count:   4,
		Default: 2,
		Weights: map[int]int{0: 5},
	}
	assert.Equal(t, 5, table.WeightOf(0))
	assert.Equal(t, 2, table.WeightOf(1))
	assert.Equal(t, 11, table.TotalWeight())
}
