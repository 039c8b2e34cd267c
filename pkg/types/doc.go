/*
Package types provides the core interfaces, data structures, and type
definitions shared across the MarFS core.

This package defines the contracts between the datastream engine, the
abstraction layers, and the resource-management subsystem, and the data
structures that flow between them.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│     VFS / pftool (external collaborator)    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│          Datastream Engine                  │
	│         (internal/datastream)                │
	└─────────────────────────────────────────────┘
	          │                        │
	┌─────────┴───────┐      ┌─────────┴───────┐
	│  MDAL            │      │  DAL            │
	│ (internal/mdal)  │      │ (internal/dal)  │
	└──────────────────┘      └─────────────────┘
	          │                        │
	     MDFS (reference tree)    object store

	┌─────────────────────────────────────────────┐
	│  Resource Manager → Streamwalker → MDAL/DAL │
	│  (internal/resourcemgr, internal/streamwalker)│
	└─────────────────────────────────────────────┘

# Core Interfaces

MDAL:
Operations on reference paths inside the MDFS — open/read/write/truncate,
symlink, xattr get/set/remove/list, and a directory scanner that
classifies each entry as a stream start or a rebuild/repack marker.

DAL:
Per-file-handle operations on a located backing-store object —
open/put/get/abort/sync/close/delete, plus UpdateLocation to recompute
the target after the engine mutates the handle's chunk number.

MetricsCollector:
The instrumentation surface the DAL and datastream engine report
through; internal/metrics provides the Prometheus-backed implementation.

# Data Structures

FTAG:
The per-file-per-chunk identity carried in the PRE/POST xattrs and in
every object's recovery-info tail.

MultiChunkInfo / RecoveryInfo:
The binary on-object records that let the system — or an offline
recovery tool reading only the object store — reconstruct MDFS state.

Operation / StreamwalkerReport:
The tagged GC/REBUILD/REPACK op chains the streamwalker produces, and
the usage counters it accumulates while walking a namespace.

Namespace / Repo:
The placement configuration: mount/metadata paths, permission masks,
quotas, and the data/metadata schemes (erasure N/E/partsz, chunk size,
pod/cap/scatter distribution tables) a repo is built from.

# Interface Contracts

All interfaces in this package follow these principles:

 1. Context Awareness: operations accept context.Context for cancellation
    and timeouts.
 2. Error Handling: all operations return explicit errors; see
    pkg/errors for the structured error taxonomy.
 3. Range Operations: MDAL/DAL reads and writes work on offset/size
    ranges, never whole-object buffers only.
 4. Single ownership: MDAL contexts and DAL handles are not shared across
    threads; each thread or file-handle owns its own.
*/
package types
