// Package mdal implements the Metadata Abstraction Layer:
// operations on reference paths inside the MDFS, plus the scanner iterator
// the streamwalker drives. The only implementation shipped here is posix,
// a thin wrapper over the local filesystem and its extended attributes,
// narrowed to the reference-path surface types.MDAL describes.
package mdal
