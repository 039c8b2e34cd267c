package types

import (
	"context"
	"time"
)

// MDAL is the Metadata Abstraction Layer: operations on reference paths
// inside the MDFS, plus a scanner iterator. Implementations
// must be safe to construct concurrently from multiple threads provided
// each caller uses its own Context (instances are cheap; contexts are
// not shared).
type MDAL interface {
	Open(ctx context.Context, refPath string, flags int, mode uint32) (MDALHandle, error)
	Mkdir(ctx context.Context, refPath string, mode uint32) error
	Scandir(ctx context.Context, refPath string) (Scanner, error)
	Symlink(ctx context.Context, target, refPath string) error
	Readlink(ctx context.Context, refPath string) (string, error)
	Unlink(ctx context.Context, refPath string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Utime(ctx context.Context, refPath string, atime, mtime time.Time) error

	GetXattr(ctx context.Context, refPath, name string) (string, error)
	SetXattr(ctx context.Context, refPath, name, value string) error
	RemoveXattr(ctx context.Context, refPath, name string) error
	ListXattr(ctx context.Context, refPath string) ([]string, error)

	// SetUsage writes back the quota view the resource manager
	// accumulated for a namespace.
	SetUsage(ctx context.Context, nsID string, fileUsage, byteUsage int64) error
	GetUsage(ctx context.Context, nsID string) (fileUsage, byteUsage int64, err error)

	// Stat returns the reference path's size and access/modify times, for
	// callers that need them without opening a handle.
	Stat(ctx context.Context, refPath string) (RefStat, error)
}

// RefStat is the subset of POSIX stat(2) fields the trash and
// streamwalker subsystems need off a reference path.
type RefStat struct {
	Size  int64
	ATime time.Time
	MTime time.Time
}

// MDALHandle is an open reference-path file handle.
type MDALHandle interface {
	Read(ctx context.Context, buf []byte, offset int64) (int, error)
	Write(ctx context.Context, buf []byte, offset int64) (int, error)
	Truncate(ctx context.Context, size int64) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// ScanEntryKind classifies a scanner result.
type ScanEntryKind int

const (
	ScanUnknown ScanEntryKind = iota
	ScanStreamStart
	ScanRebuildMarker
	ScanRepackMarker
)

// ScanEntry is one result from a Scanner step.
type ScanEntry struct {
	Name string
	Kind ScanEntryKind
	// Age is populated for markers; zero value means "no age available".
	Age time.Duration
}

// Scanner iterates one reference directory at a time. Single-threaded per
// instance.
type Scanner interface {
	Next(ctx context.Context) (ScanEntry, bool, error)
	Close() error
}

// DAL is the Data Abstraction Layer: a per-file-handle capability set on
// a located object.
type DAL interface {
	// Init constructs a handle without opening a stream yet.
	Init(location ObjectLocation) DALHandle
}

// DALMode selects GET or PUT for Open.
type DALMode int

const (
	DALGet DALMode = iota
	DALPut
)

// ObjectLocation addresses a single backing-store object.
type ObjectLocation struct {
	Repo    string
	Pod     int
	Cap     int
	Scatter int
	// ObjectID is opaque to outside tools; a backing-store path is always
	// recomputable from FTAG alone. It is carried here so the DAL can
	// address the object.
	ObjectID string
}

// DALHandle is a per-file-handle capability set on a located object.
// Put/Get need not support seek; the engine issues a fresh
// Open for each discontiguous read.
type DALHandle interface {
	Open(ctx context.Context, mode DALMode, chunkOffset, contentLength int64, preserveWrCount bool, timeout time.Duration) error
	Put(ctx context.Context, data []byte) (int, error)
	Get(ctx context.Context, buf []byte) (int, error)
	// Abort causes the server to discard a partially-written object.
	Abort(ctx context.Context) error
	// Sync guarantees no further I/O errors on the handle.
	Sync(ctx context.Context) error
	Close(ctx context.Context) error
	Delete(ctx context.Context) error
	Destroy(ctx context.Context) error

	// UpdateLocation recomputes the target from the current handle
	// state after the engine mutates the handle's chunk number.
	UpdateLocation(ctx context.Context, location ObjectLocation) error
}

// MetricsCollector is the instrumentation surface the DAL and the
// datastream engine report through: per-operation timing/size/outcome,
// cache-style hit/miss accounting for chunk reads served without a fresh
// object fetch, and error classification.
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(key string, size int64)
	RecordCacheMiss(key string, size int64)
	RecordError(operation string, err error)
	GetMetrics() map[string]interface{}
}
