package streamwalker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marfs-core/marfs/pkg/types"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestWalk_LiveFileAccumulates(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := New(Thresholds{GCThreshold: time.Hour}, fixedNow(now))

	records := []FileRecord{
		{RefPath: "/a", Size: 100, FTAG: types.FTAG{ObjType: types.ObjUni}},
	}
	ops, report := w.Walk(records)

	assert.Empty(t, ops)
	assert.EqualValues(t, 1, report.FilesFound)
	assert.EqualValues(t, 1, report.FilesUsed)
	assert.EqualValues(t, 100, report.BytesUsed)
}

func TestWalk_DeletedPastGCThresholdEmitsDelObjThenDelRef(t *testing.T) {
	now := time.Unix(1_700_010_000, 0)
	w := New(Thresholds{GCThreshold: time.Hour}, fixedNow(now))

	records := []FileRecord{
		{
			RefPath: "/a", Size: 100,
			FTAG:    types.FTAG{ObjType: types.ObjUni},
			Deleted: true,
			DTime:   now.Add(-2 * time.Hour),
		},
	}
	ops, report := w.Walk(records)

	if assert.Len(t, ops, 1) {
		chain := ops[0].Chain()
		// Stream becomes dead too (single file, all deleted) so DEL-STREAM
		// is appended after DEL-OBJ -> DEL-REF.
		assert.Equal(t, types.OpDelObj, chain[0].Kind)
		assert.Equal(t, types.OpDelRef, chain[1].Kind)
		assert.Equal(t, types.OpDelStrm, chain[2].Kind)
	}
	assert.EqualValues(t, 1, report.DelObjs)
	assert.EqualValues(t, 1, report.DelFiles)
	assert.EqualValues(t, 1, report.DelStreams)
}

func TestWalk_DeletedBeforeGCThresholdIsNotGCed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := New(Thresholds{GCThreshold: time.Hour}, fixedNow(now))

	records := []FileRecord{
		{
			RefPath: "/a", Size: 100,
			FTAG:    types.FTAG{ObjType: types.ObjUni},
			Deleted: true,
			DTime:   now.Add(-10 * time.Minute),
		},
	}
	ops, report := w.Walk(records)
	assert.Empty(t, ops)
	assert.EqualValues(t, 0, report.DelObjs)
}

func TestWalk_PackedMemberWithLiveSiblingsSkipsDelObj(t *testing.T) {
	now := time.Unix(1_700_010_000, 0)
	w := New(Thresholds{GCThreshold: time.Hour}, fixedNow(now))

	records := []FileRecord{
		{
			RefPath: "/a", Size: 100,
			FTAG:         types.FTAG{ObjType: types.ObjPacked},
			Deleted:      true,
			DTime:        now.Add(-2 * time.Hour),
			LiveSiblings: 2,
		},
	}
	ops, report := w.Walk(records)
	if assert.Len(t, ops, 1) {
		assert.Equal(t, types.OpDelRef, ops[0].Kind)
	}
	assert.EqualValues(t, 0, report.DelObjs)
	assert.EqualValues(t, 1, report.DelFiles)
}

func TestWalk_RebuildCandidateByAge(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := New(Thresholds{RebuildThreshold: time.Hour}, fixedNow(now))

	records := []FileRecord{
		{RefPath: "/a", Size: 100, FTAG: types.FTAG{ObjType: types.ObjUni}, RebuildCandidate: true, RebuildAge: 2 * time.Hour},
	}
	ops, report := w.Walk(records)
	if assert.Len(t, ops, 1) {
		assert.Equal(t, types.OpRebuild, ops[0].Kind)
	}
	assert.EqualValues(t, 1, report.RebuildObjs)
}

func TestWalk_RebuildByLocationWithoutMarker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	loc := types.PlacementLoc{Pod: 1, Cap: 2, Scatter: 3}
	w := New(Thresholds{RebuildLoc: &loc}, fixedNow(now))

	records := []FileRecord{
		{RefPath: "/a", Size: 100, FTAG: types.FTAG{ObjType: types.ObjUni}, Loc: loc},
	}
	ops, _ := w.Walk(records)
	if assert.Len(t, ops, 1) {
		assert.Equal(t, types.OpRebuild, ops[0].Kind)
		assert.NotNil(t, ops[0].RebuildLoc)
	}
}

func TestWalk_RepackCandidate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := New(Thresholds{RepackThreshold: time.Hour, RepackDensityFloor: 0.5}, fixedNow(now))

	records := []FileRecord{
		{
			RefPath: "/a", Size: 100, FTAG: types.FTAG{ObjType: types.ObjPacked},
			RepackCandidate: true, RepackAge: 2 * time.Hour, RepackDensity: 0.2,
		},
	}
	ops, report := w.Walk(records)
	if assert.Len(t, ops, 1) {
		assert.Equal(t, types.OpRepack, ops[0].Kind)
	}
	assert.EqualValues(t, 1, report.RepackFiles)
}

func TestWalk_NotAllDeadSkipsDelStream(t *testing.T) {
	now := time.Unix(1_700_010_000, 0)
	w := New(Thresholds{GCThreshold: time.Hour}, fixedNow(now))

	records := []FileRecord{
		{RefPath: "/a", Size: 100, FTAG: types.FTAG{ObjType: types.ObjUni}, Deleted: true, DTime: now.Add(-2 * time.Hour)},
		{RefPath: "/b", Size: 50, FTAG: types.FTAG{ObjType: types.ObjUni}},
	}
	ops, report := w.Walk(records)
	assert.Len(t, ops, 1)
	assert.EqualValues(t, 0, report.DelStreams)
}
