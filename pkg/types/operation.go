package types

// OpKind tags the kind of operation a streamwalker or resource-log entry
// carries.
type OpKind string

const (
	OpDelObj   OpKind = "DEL-OBJ"
	OpDelRef   OpKind = "DEL-REF"
	OpRebuild  OpKind = "REBUILD"
	OpRepack   OpKind = "REPACK"
	OpDelStrm  OpKind = "DEL-STREAM" // ends a dead stream's chain; emitted without a RefPath, so executing it unlinks nothing
)

// Operation is a tagged value carrying an FTAG and kind-specific extended
// info. Operations form linked chains; a chain starting with DEL-OBJ may
// be followed by DEL-REF for the same stream.
type Operation struct {
	Kind OpKind
	FTAG FTAG

	// RefPath, Repo, and ObjectID are captured at classification time
	// (not re-read at execution time) so a worker can act on an op even
	// after a preceding op in the same chain has removed the reference
	// path's xattrs — e.g. DEL-REF following DEL-OBJ in the same chain.
	RefPath  string
	Repo     string
	ObjectID string

	// DelObjOffset is the byte offset within the object a DEL-OBJ
	// targets (normally 0; nonzero only for shared/packed reclaim
	// bookkeeping).
	DelObjOffset int64

	// DelRefCount is the number of reference deletions the op stands
	// for. The streamwalker always emits 1; no deletions are batched into
	// one op and the worker pool does not split it.
	DelRefCount int

	// RebuildLoc, when set, is the (pod,cap,scatter) that triggered a
	// location-based rebuild absent a marker.
	RebuildLoc *PlacementLoc

	// Next chains to the following operation for this stream/file, e.g.
	// DEL-OBJ -> DEL-REF.
	Next *Operation
}

// Chain walks Next, returning the full ordered slice.
func (o *Operation) Chain() []*Operation {
	var out []*Operation
	for cur := o; cur != nil; cur = cur.Next {
		out = append(out, cur)
	}
	return out
}

// PlacementLoc is a resolved (pod, cap, scatter) triple.
type PlacementLoc struct {
	Pod     int
	Cap     int
	Scatter int
}

// StreamwalkerReport accumulates the monotonic counters a walker produces
// over one datastream.
type StreamwalkerReport struct {
	FilesFound int64
	FilesUsed  int64
	BytesFound int64
	BytesUsed  int64
	Objects    int64
	Streams    int64

	DelObjs     int64
	DelFiles    int64
	DelStreams  int64
	Volatile    int64
	RepackFiles int64
	RepackBytes int64
	RebuildObjs int64
	RebuildBytes int64
}

// Add accumulates another report into this one (used to merge per-worker
// reports into a per-NS total).
func (r *StreamwalkerReport) Add(o StreamwalkerReport) {
	r.FilesFound += o.FilesFound
	r.FilesUsed += o.FilesUsed
	r.BytesFound += o.BytesFound
	r.BytesUsed += o.BytesUsed
	r.Objects += o.Objects
	r.Streams += o.Streams
	r.DelObjs += o.DelObjs
	r.DelFiles += o.DelFiles
	r.DelStreams += o.DelStreams
	r.Volatile += o.Volatile
	r.RepackFiles += o.RepackFiles
	r.RepackBytes += o.RepackBytes
	r.RebuildObjs += o.RebuildObjs
	r.RebuildBytes += o.RebuildBytes
}
